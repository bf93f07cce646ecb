package machine

import (
	"errors"
	"fmt"
	"log"
	"sync"
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrBlocked      = errors.New("command blocked during experiment")
	ErrEmptyCommand = errors.New("empty command")
)

// Gateway is the single path for outbound commands.
type Gateway struct {
	mx sync.Mutex
	t  Transport

	bus    *EventBus
	active func() bool
}

// NewGateway returns a disconnected gateway. active reports whether an
// experiment run is in progress; it may be nil.
func NewGateway(bus *EventBus, active func() bool) *Gateway {
	if bus == nil {
		bus = NewEventBus()
	}
	return &Gateway{bus: bus, active: active}
}

// SetTransport attaches t, or detaches the current transport when t is nil.
func (g *Gateway) SetTransport(t Transport) {
	g.mx.Lock()
	g.t = t
	g.mx.Unlock()
}

func (g *Gateway) Connected() bool {
	g.mx.Lock()
	defer g.mx.Unlock()
	return g.t != nil
}

// Send writes a user-initiated command. While a run is active only
// always-allowed commands pass.
func (g *Gateway) Send(cmd Command) error {
	if cmd.IsZero() {
		return ErrEmptyCommand
	}
	if g.active != nil && g.active() && cmd.Category() != AlwaysAllowed {
		log.Printf("WARN: blocked %q during experiment", cmd)
		g.bus.logLine("[WARN] Commands blocked during experiment - only STOP/STATUS allowed")
		return ErrBlocked
	}
	return g.write(cmd)
}

// SendInternal writes a command on behalf of the orchestrator, skipping the
// allow-list.
func (g *Gateway) SendInternal(cmd Command) error {
	if cmd.IsZero() {
		return ErrEmptyCommand
	}
	return g.write(cmd)
}

func (g *Gateway) write(cmd Command) error {
	g.mx.Lock()
	defer g.mx.Unlock()
	if g.t == nil {
		g.bus.logLine("[WARN] Not connected")
		return ErrNotConnected
	}
	if err := g.t.WriteLine(cmd.String()); err != nil {
		log.Printf("ERROR: send %q: %+v", cmd, err)
		g.bus.logLine("[ERROR] Send failed: " + err.Error())
		return fmt.Errorf("send %q: %w", cmd, err)
	}
	g.bus.logLine("> " + cmd.String())
	return nil
}
