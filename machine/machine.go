package machine

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"
)

const (
	DefaultTickInterval = 20 * time.Millisecond
	DefaultSettleDelay  = time.Second

	readerStopTimeout = time.Second
)

var ErrAlreadyConnected = errors.New("already connected")

// Machine owns every piece of controller state for one device connection.
type Machine struct {
	bus       *EventBus
	queue     *Queue
	status    *StatusStore
	positions *PositionCache
	motion    *Signal
	laser     *Signal
	gw        *Gateway
	orch      *Orchestrator

	pollInterval time.Duration
	tickInterval time.Duration
	settleDelay  time.Duration

	mx     sync.Mutex
	t      Transport
	reader *Reader
}

type Option func(m *Machine)

// WithMotionTimeout overrides the 30s wait for a move acknowledgment.
func WithMotionTimeout(d time.Duration) Option {
	return func(m *Machine) { m.orch.motionTimeout = d }
}

// WithLaserTimeout overrides the pulse train wait computed by LaserTimeout.
func WithLaserTimeout(fn func(shots int, hz float64) time.Duration) Option {
	return func(m *Machine) { m.orch.laserTimeout = fn }
}

func WithPollInterval(d time.Duration) Option {
	return func(m *Machine) { m.pollInterval = d }
}

func WithTickInterval(d time.Duration) Option {
	return func(m *Machine) { m.tickInterval = d }
}

// WithSettleDelay sets how long SafetyCheck waits for the status dump.
func WithSettleDelay(d time.Duration) Option {
	return func(m *Machine) { m.settleDelay = d }
}

func NewMachine(opts ...Option) *Machine {
	m := &Machine{
		bus:          NewEventBus(),
		queue:        &Queue{},
		status:       NewStatusStore(),
		positions:    NewPositionCache(),
		motion:       NewSignal(),
		laser:        NewSignal(),
		pollInterval: DefaultPollInterval,
		tickInterval: DefaultTickInterval,
		settleDelay:  DefaultSettleDelay,
	}
	m.gw = NewGateway(m.bus, func() bool { return m.orch.Active() })
	m.orch = NewOrchestrator(m.gw, m.status, m.motion, m.laser, m.bus)
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connect attaches t and starts reading from it.
func (m *Machine) Connect(t Transport) error {
	m.mx.Lock()
	defer m.mx.Unlock()
	if m.t != nil {
		return ErrAlreadyConnected
	}
	m.t = t
	m.reader = NewReader(t, m.queue, m.pollInterval)
	m.reader.Start()
	m.gw.SetTransport(t)
	m.bus.logLine("Connected")
	return nil
}

// Disconnect stops any active run, the reader, and closes the transport.
func (m *Machine) Disconnect() error {
	if m.orch.Active() {
		if err := m.orch.Stop(); err != nil {
			log.Println("ERROR: stop experiment:", err)
		}
	}

	m.mx.Lock()
	defer m.mx.Unlock()
	if m.t == nil {
		return nil
	}
	m.gw.SetTransport(nil)
	if !m.reader.Stop(readerStopTimeout) {
		log.Println("WARN: reader did not stop in time")
	}
	err := m.t.Close()
	m.t = nil
	m.reader = nil
	m.bus.logLine("Disconnected")
	return err
}

func (m *Machine) Connected() bool { return m.gw.Connected() }

// Run drains telemetry on a fixed tick until ctx is done.
func (m *Machine) Run(ctx context.Context) error {
	t := time.NewTicker(m.tickInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			m.Tick()
		}
	}
}

// Tick processes every queued line in arrival order.
func (m *Machine) Tick() {
	for _, line := range m.queue.Drain() {
		m.handleLine(line)
	}
}

func (m *Machine) handleLine(line string) {
	var t Telemetry
	st, changed := m.status.Update(func(s *DeviceStatus) {
		t = Parse(*s, line)
		*s = t.Status
	})
	if t.Position != nil && m.positions.Set(t.Position.Slot, t.Position.Position) {
		changed = true
	}
	for _, sig := range t.Signals {
		switch sig {
		case MotionDone:
			m.motion.Raise()
		case LaserDone:
			m.laser.Raise()
		}
	}

	m.bus.logLine(line)
	if changed {
		m.publishStatus(st)
	}
}

func (m *Machine) publishStatus(st DeviceStatus) {
	m.bus.Publish(Event{Type: StatusEvent, Status: &st, Positions: m.positions.Snapshot()})
}

func (m *Machine) Subscribe() chan Event { return m.bus.Subscribe() }
func (m *Machine) Unsubscribe(ch chan Event) { m.bus.Unsubscribe(ch) }
func (m *Machine) Status() DeviceStatus { return m.status.Get() }
func (m *Machine) Positions() map[int]int { return m.positions.Snapshot() }
func (m *Machine) RunState() RunState { return m.orch.State() }
func (m *Machine) CurrentRun() (RunInfo, bool) { return m.orch.Current() }
func (m *Machine) LastResult() (RunInfo, bool) { return m.orch.LastResult() }
func (m *Machine) RunDone() <-chan struct{} { return m.orch.Done() }
func (m *Machine) SendCommand(cmd Command) error { return m.gw.Send(cmd) }

// Send writes a user-entered line through the gated path.
func (m *Machine) Send(line string) error {
	return m.gw.Send(NewCommand(line))
}

func (m *Machine) StartExperiment(exp Experiment) (string, error) {
	return m.orch.Start(exp)
}

func (m *Machine) StopExperiment() error {
	return m.orch.Stop()
}

// StopLaser cancels the active run, if any, and halts the pulse train.
func (m *Machine) StopLaser() error {
	if m.orch.Active() {
		err := m.orch.Stop()
		m.bus.logLine("[ACTION] Laser stopped and experiment cancelled")
		return err
	}
	err := m.gw.Send(StopLaser)
	m.bus.logLine("[ACTION] Laser stopped")
	return err
}

// FireLaser starts a manual pulse train. The returned warnings note device
// states the operator should be aware of; they do not block the command.
func (m *Machine) FireLaser(pulses int, hz float64) ([]string, error) {
	cmd, err := FireLaser(pulses, hz)
	if err != nil {
		return nil, err
	}
	if !m.Connected() {
		return nil, ErrNotConnected
	}
	var warnings []string
	st := m.status.Get()
	if !st.TeachDone {
		warnings = append(warnings, "teach not completed")
	}
	if st.ManualMode {
		warnings = append(warnings, "system in manual mode")
	}
	return warnings, m.gw.Send(cmd)
}

// SafetyCheck requests a status dump, gives the device time to answer, and
// lists anything that would prevent a run.
func (m *Machine) SafetyCheck(ctx context.Context) ([]string, error) {
	if !m.Connected() {
		return nil, ErrNotConnected
	}
	if err := m.gw.Send(StatusQuery); err != nil {
		return nil, err
	}

	t := time.NewTimer(m.settleDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.C:
	}

	var issues []string
	st := m.status.Get()
	if !st.TeachDone {
		issues = append(issues, "Teach not completed")
	}
	if st.ManualMode {
		issues = append(issues, "System in Manual Mode")
	}
	if !st.LaserPowerEnabled {
		issues = append(issues, "Laser power disabled (killpower active)")
	}
	if len(issues) == 0 {
		m.bus.logLine("[SAFETY CHECK] All systems ready")
	} else {
		m.bus.logLine("[SAFETY CHECK] Issues found: " + strings.Join(issues, ", "))
	}
	return issues, nil
}

func (m *Machine) sendBuilt(cmd Command, err error) error {
	if err != nil {
		return err
	}
	return m.gw.Send(cmd)
}

// Goto moves the stage to an absolute step position.
func (m *Machine) Goto(pos int) error { return m.sendBuilt(GotoPosition(pos)) }

// SaveSlot stores the current stage position into slot.
func (m *Machine) SaveSlot(slot int) error { return m.sendBuilt(SaveSlot(slot)) }

// LoadSlot moves the stage to the stored position of slot.
func (m *Machine) LoadSlot(slot int) error { return m.sendBuilt(LoadSlot(slot)) }

func (m *Machine) SetMaxSpeed(v float64) error { return m.sendBuilt(SetMaxSpeed(v)) }

func (m *Machine) SetAcceleration(v float64) error { return m.sendBuilt(SetAcceleration(v)) }

// Teach asks the controller to home and learn its slot positions.
func (m *Machine) Teach() error { return m.gw.Send(TeachRequest) }

// Reset clears the controller's teach state.
func (m *Machine) Reset() error { return m.gw.Send(ResetRequest) }

// SetManualMode switches between manual and automatic control. Entering
// manual mode invalidates the teach, so a new teach is needed before a run.
func (m *Machine) SetManualMode(manual bool) error {
	cmd := AutoModeRequest
	if manual {
		cmd = ManualModeRequest
	}
	if err := m.gw.Send(cmd); err != nil {
		return err
	}
	st, changed := m.status.Update(func(s *DeviceStatus) {
		s.ManualMode = manual
		if manual {
			s.TeachDone = false
		}
	})
	if changed {
		m.publishStatus(st)
	}
	return nil
}

func (m *Machine) KillLaserPower() error { return m.gw.Send(KillLaserPower) }

func (m *Machine) RestoreLaserPower() error { return m.gw.Send(RestoreLaserPower) }

// LaserStatus asks the laser driver to report its state.
func (m *Machine) LaserStatus() error { return m.gw.Send(LaserStatus) }

// LaserTest fires the driver's built-in test pattern.
func (m *Machine) LaserTest() error { return m.gw.Send(LaserTest) }
