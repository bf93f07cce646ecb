package machine

import (
	"errors"
	"strconv"
	"strings"
)

const (
	MinSlot     = 1
	MaxSlot     = 6
	MaxPosition = 1599

	// MaxFrequency is the highest pulse repetition rate in Hz the device accepts.
	MaxFrequency = 200.0
)

var (
	ErrInvalidSlot      = errors.New("slot must be 1-6")
	ErrInvalidPosition  = errors.New("position must be 0-1599")
	ErrInvalidPulses    = errors.New("pulses must be > 0")
	ErrInvalidFrequency = errors.New("frequency must be > 0 and <= 200 Hz")
	ErrInvalidValue     = errors.New("value must be > 0")
)

// Category decides whether a command may pass the gateway during a run.
type Category int

const (
	Gated Category = iota
	AlwaysAllowed
)

func (c Category) String() string {
	if c == AlwaysAllowed {
		return "always-allowed"
	}
	return "gated"
}

var alwaysAllowedPrefixes = []string{
	"CMD:LASER_stop",
	"CMD:STATUS",
	"CMD:POS",
}

// Command is a single outbound protocol line. The zero value is an empty gated command.
type Command struct {
	line     string
	category Category
}

// NewCommand trims line and categorizes it by prefix.
func NewCommand(line string) Command {
	line = strings.TrimSpace(line)
	cat := Gated
	for _, p := range alwaysAllowedPrefixes {
		if strings.HasPrefix(line, p) {
			cat = AlwaysAllowed
			break
		}
	}
	return Command{line: line, category: cat}
}

func (c Command) String() string { return c.line }
func (c Command) Category() Category { return c.category }
func (c Command) IsZero() bool { return c.line == "" }

var (
	TeachRequest      = NewCommand("CMD:TEACH")
	ResetRequest      = NewCommand("CMD:RESET")
	StatusQuery       = NewCommand("CMD:STATUS")
	PositionQuery     = NewCommand("CMD:POS")
	ManualModeRequest = NewCommand("CMD:MANUALLY")
	AutoModeRequest   = NewCommand("CMD:AUTO")
	StopLaser         = NewCommand("CMD:LASER_stop")
	KillLaserPower    = NewCommand("CMD:LASER_killp")
	RestoreLaserPower = NewCommand("CMD:LASER_restorep")
	LaserStatus       = NewCommand("CMD:LASER_status")
	LaserTest         = NewCommand("CMD:LASER_test")
)

func validSlot(slot int) bool { return slot >= MinSlot && slot <= MaxSlot }

func validPosition(pos int) bool { return pos >= 0 && pos <= MaxPosition }

func validFrequency(hz float64) bool { return hz > 0 && hz <= MaxFrequency }

// LoadSlot moves the stage to the position saved in slot.
func LoadSlot(slot int) (Command, error) {
	if !validSlot(slot) {
		return Command{}, ErrInvalidSlot
	}
	return NewCommand("CMD:LOAD:" + strconv.Itoa(slot)), nil
}

// SaveSlot stores the current stage position in slot.
func SaveSlot(slot int) (Command, error) {
	if !validSlot(slot) {
		return Command{}, ErrInvalidSlot
	}
	return NewCommand("CMD:SAVE:" + strconv.Itoa(slot)), nil
}

// GotoPosition moves the stage to an absolute step position.
func GotoPosition(pos int) (Command, error) {
	if !validPosition(pos) {
		return Command{}, ErrInvalidPosition
	}
	return NewCommand("CMD:GOTO:" + strconv.Itoa(pos)), nil
}

func SetMaxSpeed(v float64) (Command, error) {
	if v <= 0 {
		return Command{}, ErrInvalidValue
	}
	return NewCommand("CMD:SETMAXSPEED:" + formatFloat(v)), nil
}

func SetAcceleration(v float64) (Command, error) {
	if v <= 0 {
		return Command{}, ErrInvalidValue
	}
	return NewCommand("CMD:SETACCEL:" + formatFloat(v)), nil
}

// FireLaser starts a train of pulses at hz.
func FireLaser(pulses int, hz float64) (Command, error) {
	if pulses <= 0 {
		return Command{}, ErrInvalidPulses
	}
	if !validFrequency(hz) {
		return Command{}, ErrInvalidFrequency
	}
	return NewCommand("CMD:LASER_p" + strconv.Itoa(pulses) + "f" + formatFloat(hz)), nil
}

// formatFloat always keeps a decimal point, the firmware parses either form
// but logs read better with it.
func formatFloat(f float64) string {
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.ContainsRune(s, '.') {
		s += ".0"
	}
	return s
}
