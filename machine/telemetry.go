package machine

import (
	"strconv"
	"strings"
	"unicode/utf8"
)

// SignalKind identifies a completion signal raised by telemetry.
type SignalKind int

const (
	MotionDone SignalKind = iota
	LaserDone
)

func (k SignalKind) String() string {
	switch k {
	case MotionDone:
		return "motion"
	case LaserDone:
		return "laser"
	}
	return "unknown"
}

// SlotPosition is a slot:position pair reported by the device.
type SlotPosition struct {
	Slot     int
	Position int
}

// Telemetry is the result of parsing one line.
type Telemetry struct {
	Status   DeviceStatus
	Position *SlotPosition
	Signals  []SignalKind

	// Rules lists the names of every rule that matched.
	Rules []string
}

type rule struct {
	name    string
	markers []string
	apply   func(t *Telemetry)
}

func containsAny(s string, substrs []string) bool {
	for _, substr := range substrs {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}

// rules are matched in order against the lower-cased line; every match applies.
var rules = []rule{
	{"teach-done", []string{"ok:teach", "teach ist fertig", "teachdone: 1"},
		func(t *Telemetry) { t.Status.TeachDone = true }},
	{"teach-reset", []string{"teach zurückgesetzt", "teachdone: 0"},
		func(t *Telemetry) { t.Status.TeachDone = false }},
	{"motion", []string{"ok:goto", "ok:load", "ok:move"},
		func(t *Telemetry) { t.Signals = append(t.Signals, MotionDone) }},
	{"laser-done", []string{"ok:laser_done"},
		func(t *Telemetry) { t.Signals = append(t.Signals, LaserDone) }},
	{"relay-on", []string{"relay: on"},
		func(t *Telemetry) { t.Status.LaserPowerEnabled = true }},
	{"relay-off", []string{"relay: off"},
		func(t *Telemetry) { t.Status.LaserPowerEnabled = false }},
	// the stage loses its reference in manual mode, a new teach is required
	{"manual-mode", []string{"manueller modus aktiviert"},
		func(t *Telemetry) {
			t.Status.ManualMode = true
			t.Status.TeachDone = false
		}},
	{"auto-mode", []string{"automatischer modus aktiviert"},
		func(t *Telemetry) { t.Status.ManualMode = false }},
}

// Parse derives the effects of a telemetry line on status. It has no side effects.
func Parse(status DeviceStatus, line string) Telemetry {
	t := Telemetry{Status: status}
	lower := strings.ToLower(line)
	for _, r := range rules {
		if containsAny(lower, r.markers) {
			r.apply(&t)
			t.Rules = append(t.Rules, r.name)
		}
	}
	if sp, ok := parseSlotPosition(line); ok {
		t.Position = &sp
		t.Rules = append(t.Rules, "slot-position")
	}
	return t
}

func isDigits(s string, allowMinus bool) bool {
	if s == "" {
		return false
	}
	digits := 0
	for i := 0; i < len(s); i++ {
		switch {
		case s[i] >= '0' && s[i] <= '9':
			digits++
		case s[i] == '-' && allowMinus:
		default:
			return false
		}
	}
	return digits > 0
}

// parseSlotPosition accepts short lines like "3: 533" from the status dump.
func parseSlotPosition(line string) (sp SlotPosition, ok bool) {
	line = strings.TrimSpace(line)
	if utf8.RuneCountInString(line) >= 10 || strings.Count(line, ":") != 1 {
		return sp, false
	}
	parts := strings.SplitN(line, ":", 2)
	slotStr := strings.TrimSpace(parts[0])
	posStr := strings.TrimSpace(parts[1])
	if !isDigits(slotStr, false) || !isDigits(posStr, true) {
		return sp, false
	}
	slot, err := strconv.Atoi(slotStr)
	if err != nil || !validSlot(slot) {
		return sp, false
	}
	pos, err := strconv.Atoi(posStr)
	if err != nil || !validPosition(pos) {
		return sp, false
	}
	return SlotPosition{Slot: slot, Position: pos}, true
}
