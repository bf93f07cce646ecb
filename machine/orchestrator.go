package machine

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var (
	ErrRunActive     = errors.New("experiment already running")
	ErrNoRun         = errors.New("no experiment running")
	ErrManualMode    = errors.New("cannot start experiment in manual mode")
	ErrTeachRequired = errors.New("teach not done")
	ErrMotionTimeout = errors.New("timeout waiting for motion")
	ErrLaserTimeout  = errors.New("timeout waiting for laser")
)

type RunState int

const (
	Idle RunState = iota
	Running
	Stopping
	Completed
	Stopped
	Failed
)

func (s RunState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Completed:
		return "completed"
	case Stopped:
		return "stopped"
	case Failed:
		return "failed"
	}
	return "unknown"
}

func (s RunState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *RunState) UnmarshalText(text []byte) error {
	for v := Idle; v <= Failed; v++ {
		if v.String() == string(text) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("unknown run state %q", text)
}

// EndReason records why a run ended.
type EndReason string

const (
	ReasonCompleted      EndReason = "completed"
	ReasonCancelled      EndReason = "cancelled"
	ReasonMotionTimeout  EndReason = "motion-timeout"
	ReasonLaserTimeout   EndReason = "laser-timeout"
	ReasonTransportFault EndReason = "transport-fault"
	ReasonFault          EndReason = "fault"
)

// RunInfo is a snapshot of an experiment run.
type RunInfo struct {
	ID     string    `json:"id"`
	State  RunState  `json:"state"`
	Reason EndReason `json:"reason,omitempty"`
	Error  string    `json:"error,omitempty"`

	Cycles   int    `json:"cycles"`
	Steps    int    `json:"steps"`
	Cycle    int    `json:"cycle"`
	Step     int    `json:"step"`
	Progress string `json:"progress"`

	Moves int `json:"moves"`
	Fires int `json:"fires"`

	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt,omitempty"`
}

// Orchestrator runs at most one Experiment at a time.
type Orchestrator struct {
	gw     *Gateway
	status *StatusStore
	motion *Signal
	laser  *Signal
	bus    *EventBus

	motionTimeout time.Duration
	laserTimeout  func(shots int, hz float64) time.Duration

	cancel atomic.Bool

	mx      sync.Mutex
	state   RunState
	current *RunInfo
	last    *RunInfo
	done    chan struct{}
}

func NewOrchestrator(gw *Gateway, status *StatusStore, motion, laser *Signal, bus *EventBus) *Orchestrator {
	closed := make(chan struct{})
	close(closed)
	return &Orchestrator{
		gw:            gw,
		status:        status,
		motion:        motion,
		laser:         laser,
		bus:           bus,
		motionTimeout: DefaultMotionTimeout,
		laserTimeout:  LaserTimeout,
		done:          closed,
	}
}

func (o *Orchestrator) State() RunState {
	o.mx.Lock()
	defer o.mx.Unlock()
	return o.state
}

// Active reports whether a run is in progress, including one that is stopping.
func (o *Orchestrator) Active() bool {
	s := o.State()
	return s == Running || s == Stopping
}

// Current returns the in-flight run.
func (o *Orchestrator) Current() (RunInfo, bool) {
	o.mx.Lock()
	defer o.mx.Unlock()
	if o.current == nil {
		return RunInfo{}, false
	}
	return *o.current, true
}

// LastResult returns the most recently finished run.
func (o *Orchestrator) LastResult() (RunInfo, bool) {
	o.mx.Lock()
	defer o.mx.Unlock()
	if o.last == nil {
		return RunInfo{}, false
	}
	return *o.last, true
}

// Done is closed when the current run, if any, has finished.
func (o *Orchestrator) Done() <-chan struct{} {
	o.mx.Lock()
	defer o.mx.Unlock()
	return o.done
}

// Start validates exp against the device status and launches a run.
func (o *Orchestrator) Start(exp Experiment) (string, error) {
	o.mx.Lock()
	defer o.mx.Unlock()

	if o.state != Idle {
		return "", ErrRunActive
	}
	if !o.gw.Connected() {
		return "", ErrNotConnected
	}
	st := o.status.Get()
	if st.ManualMode {
		return "", ErrManualMode
	}
	if !st.TeachDone {
		return "", ErrTeachRequired
	}
	if err := exp.Validate(); err != nil {
		return "", err
	}

	exp = exp.clone()
	o.cancel.Store(false)
	o.state = Running
	o.current = &RunInfo{
		ID:        uuid.NewString(),
		State:     Running,
		Cycles:    exp.Cycles,
		Steps:     len(exp.Steps),
		Progress:  "Experiment running...",
		StartedAt: time.Now(),
	}
	o.done = make(chan struct{})
	info := *o.current

	go o.run(exp, o.done)

	o.bus.Publish(Event{Type: RunEvent, Run: &info})
	o.bus.logLine("[EXPERIMENT] Experiment started")
	log.Printf("experiment %s started: %d cycles x %d positions", info.ID, exp.Cycles, len(exp.Steps))
	return info.ID, nil
}

// Stop requests cancellation. The run notices at its next loop boundary;
// a phase already waiting runs to its timeout or acknowledgment first.
func (o *Orchestrator) Stop() error {
	o.mx.Lock()
	if o.state != Running && o.state != Stopping {
		o.mx.Unlock()
		return ErrNoRun
	}
	o.cancel.Store(true)
	o.state = Stopping
	o.current.State = Stopping
	info := *o.current
	o.mx.Unlock()

	o.bus.Publish(Event{Type: RunEvent, Run: &info})
	o.bus.logLine("[EXPERIMENT] Stopping experiment...")
	return o.gw.Send(StopLaser)
}

func (o *Orchestrator) run(exp Experiment, done chan struct{}) {
	var reason EndReason
	var err error
	defer func() {
		if r := recover(); r != nil {
			reason = ReasonFault
			err = fmt.Errorf("panic: %v", r)
		}
		o.finish(reason, err)
		close(done)
	}()
	reason, err = o.loop(exp)
}

func (o *Orchestrator) loop(exp Experiment) (EndReason, error) {
	for cycle := 1; cycle <= exp.Cycles; cycle++ {
		if o.cancel.Load() {
			return ReasonCancelled, nil
		}
		o.update(func(r *RunInfo) {
			r.Cycle = cycle
			r.Progress = fmt.Sprintf("Cycle %d/%d", cycle, exp.Cycles)
		})
		o.bus.logLine(fmt.Sprintf("[EXPERIMENT] Starting cycle %d/%d", cycle, exp.Cycles))

		for i, step := range exp.Steps {
			if o.cancel.Load() {
				return ReasonCancelled, nil
			}
			o.update(func(r *RunInfo) { r.Step = i + 1 })
			if err := o.move(i, step); err != nil {
				return o.reasonFor(err)
			}

			if o.cancel.Load() {
				return ReasonCancelled, nil
			}
			if err := o.fire(i, step); err != nil {
				return o.reasonFor(err)
			}
		}
	}
	if o.cancel.Load() {
		return ReasonCancelled, nil
	}
	return ReasonCompleted, nil
}

// reasonFor classifies a phase error. A timeout seen after a stop request
// counts as the cancellation.
func (o *Orchestrator) reasonFor(err error) (EndReason, error) {
	timeout := errors.Is(err, ErrMotionTimeout) || errors.Is(err, ErrLaserTimeout)
	switch {
	case timeout && o.cancel.Load():
		return ReasonCancelled, nil
	case errors.Is(err, ErrMotionTimeout):
		return ReasonMotionTimeout, err
	case errors.Is(err, ErrLaserTimeout):
		return ReasonLaserTimeout, err
	}
	return ReasonTransportFault, err
}

// send writes through the internal gateway path; a failed write cancels the run.
func (o *Orchestrator) send(cmd Command) error {
	err := o.gw.SendInternal(cmd)
	if err != nil {
		o.cancel.Store(true)
		o.bus.logLine("[EXPERIMENT] " + err.Error())
	}
	return err
}

func (o *Orchestrator) move(idx int, step Step) error {
	cmd, err := LoadSlot(step.Slot)
	if err != nil {
		return err
	}
	o.motion.Clear()
	if err := o.send(cmd); err != nil {
		return err
	}
	o.bus.logLine(fmt.Sprintf("[EXPERIMENT] Moving to slot %d (Pos %d)", step.Slot, idx+1))
	if !o.motion.Wait(o.motionTimeout) {
		o.bus.logLine("[ERROR] Timeout waiting for motion")
		return fmt.Errorf("slot %d: %w", step.Slot, ErrMotionTimeout)
	}
	o.update(func(r *RunInfo) { r.Moves++ })
	return nil
}

func (o *Orchestrator) fire(idx int, step Step) error {
	cmd, err := FireLaser(step.Shots, step.FrequencyHz)
	if err != nil {
		return err
	}
	o.laser.Clear()
	if err := o.send(cmd); err != nil {
		return err
	}
	o.bus.logLine(fmt.Sprintf("[EXPERIMENT] Laser at pos %d: %d pulses @ %g Hz", idx+1, step.Shots, step.FrequencyHz))
	if !o.laser.Wait(o.laserTimeout(step.Shots, step.FrequencyHz)) {
		o.bus.logLine("[ERROR] Timeout waiting for laser")
		return fmt.Errorf("slot %d: %w", step.Slot, ErrLaserTimeout)
	}
	o.update(func(r *RunInfo) { r.Fires++ })
	return nil
}

func (o *Orchestrator) update(fn func(r *RunInfo)) {
	o.mx.Lock()
	if o.current == nil {
		o.mx.Unlock()
		return
	}
	fn(o.current)
	info := *o.current
	o.mx.Unlock()
	o.bus.Publish(Event{Type: RunEvent, Run: &info})
}

func (o *Orchestrator) finish(reason EndReason, err error) {
	o.mx.Lock()
	info := *o.current
	info.Reason = reason
	info.FinishedAt = time.Now()
	switch reason {
	case ReasonCompleted:
		info.State = Completed
		info.Progress = "Experiment completed"
	case ReasonCancelled, ReasonTransportFault:
		info.State = Stopped
		info.Progress = "Experiment stopped"
	default:
		info.State = Failed
		info.Progress = "Experiment failed"
	}
	if err != nil {
		info.Error = err.Error()
	}
	o.last = &info
	o.current = nil
	o.state = Idle
	o.mx.Unlock()

	switch info.State {
	case Completed:
		o.bus.logLine("[EXPERIMENT] Experiment completed successfully")
	case Stopped:
		o.bus.logLine("[EXPERIMENT] Experiment stopped")
	default:
		o.bus.logLine("[EXPERIMENT ERROR] " + info.Error)
	}
	if err != nil {
		log.Printf("ERROR: experiment %s: %+v", info.ID, err)
	} else {
		log.Printf("experiment %s %s", info.ID, info.State)
	}
	o.bus.Publish(Event{Type: RunEvent, Run: &info})
}
