package machine

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastTimeouts(d time.Duration) []Option {
	return []Option{
		WithMotionTimeout(d),
		WithLaserTimeout(func(int, float64) time.Duration { return d }),
	}
}

func TestOrchestratorCompletes(t *testing.T) {
	ft := &fakeTransport{reply: ackAll}
	m := newTestMachine(t, ft, fastTimeouts(time.Second)...)
	teach(t, m, ft)

	exp := Experiment{Cycles: 2, Steps: []Step{
		{Slot: 1, Shots: 10, FrequencyHz: 1},
		{Slot: 3, Shots: 5, FrequencyHz: 2.5},
	}}
	id, err := m.StartExperiment(exp)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	res := waitRun(t, m)
	assert.Equal(t, id, res.ID)
	assert.Equal(t, Completed, res.State)
	assert.Equal(t, ReasonCompleted, res.Reason)
	assert.Empty(t, res.Error)
	assert.Equal(t, 4, res.Moves)
	assert.Equal(t, 4, res.Fires)
	assert.Equal(t, 2, res.Cycle)
	assert.Equal(t, "Experiment completed", res.Progress)

	assert.Equal(t, []string{
		"CMD:LOAD:1", "CMD:LASER_p10f1.0",
		"CMD:LOAD:3", "CMD:LASER_p5f2.5",
		"CMD:LOAD:1", "CMD:LASER_p10f1.0",
		"CMD:LOAD:3", "CMD:LASER_p5f2.5",
	}, ft.Written())

	assert.Equal(t, Idle, m.RunState())
	_, ok := m.CurrentRun()
	assert.False(t, ok)
}

func TestOrchestratorMotionTimeout(t *testing.T) {
	ft := &fakeTransport{}
	m := newTestMachine(t, ft, fastTimeouts(50*time.Millisecond)...)
	teach(t, m, ft)

	_, err := m.StartExperiment(Experiment{Cycles: 3, Steps: []Step{{Slot: 2, Shots: 1, FrequencyHz: 1}}})
	require.NoError(t, err)

	res := waitRun(t, m)
	assert.Equal(t, Failed, res.State)
	assert.Equal(t, ReasonMotionTimeout, res.Reason)
	assert.Contains(t, res.Error, ErrMotionTimeout.Error())
	assert.Equal(t, 0, res.Moves)
	assert.Equal(t, 0, res.Fires)
	assert.Equal(t, []string{"CMD:LOAD:2"}, ft.Written())
}

func TestOrchestratorLaserTimeout(t *testing.T) {
	ft := &fakeTransport{reply: ackMoves}
	m := newTestMachine(t, ft, fastTimeouts(50*time.Millisecond)...)
	teach(t, m, ft)

	_, err := m.StartExperiment(Experiment{Cycles: 1, Steps: []Step{{Slot: 2, Shots: 4, FrequencyHz: 2}, {Slot: 4, Shots: 1, FrequencyHz: 1}}})
	require.NoError(t, err)

	res := waitRun(t, m)
	assert.Equal(t, Failed, res.State)
	assert.Equal(t, ReasonLaserTimeout, res.Reason)
	assert.Equal(t, 1, res.Moves)
	assert.Equal(t, 0, res.Fires)
	assert.Equal(t, []string{"CMD:LOAD:2", "CMD:LASER_p4f2.0"}, ft.Written())
}

func TestOrchestratorStop(t *testing.T) {
	ft := &fakeTransport{reply: ackMoves}
	m := newTestMachine(t, ft, fastTimeouts(500*time.Millisecond)...)
	teach(t, m, ft)

	_, err := m.StartExperiment(Experiment{Cycles: 5, Steps: []Step{{Slot: 1, Shots: 100, FrequencyHz: 1}}})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return ft.wrote("CMD:LASER_p") }, time.Second, time.Millisecond)

	// only stop and status pass while the run is active
	assert.Equal(t, ErrBlocked, m.Send("CMD:GOTO:100"))
	assert.Equal(t, ErrBlocked, m.LoadSlot(2))
	assert.NoError(t, m.Send("CMD:STATUS"))

	_, err = m.StartExperiment(Experiment{Cycles: 1, Steps: []Step{{Slot: 1, Shots: 1, FrequencyHz: 1}}})
	assert.Equal(t, ErrRunActive, err)

	require.NoError(t, m.StopExperiment())
	assert.Equal(t, Stopping, m.RunState())

	res := waitRun(t, m)
	assert.Equal(t, Stopped, res.State)
	assert.Equal(t, ReasonCancelled, res.Reason)
	assert.Empty(t, res.Error)
	assert.Equal(t, 1, res.Moves)
	assert.Equal(t, 0, res.Fires)

	assert.Equal(t, []string{"CMD:LOAD:1", "CMD:LASER_p100f1.0", "CMD:STATUS", "CMD:LASER_stop"}, ft.Written())
	assert.False(t, ft.wrote("CMD:GOTO"))

	assert.Equal(t, ErrNoRun, m.StopExperiment())
}

func TestOrchestratorStopDuringMove(t *testing.T) {
	ft := &fakeTransport{}
	m := newTestMachine(t, ft, fastTimeouts(300*time.Millisecond)...)
	teach(t, m, ft)

	_, err := m.StartExperiment(Experiment{Cycles: 2, Steps: []Step{{Slot: 1, Shots: 3, FrequencyHz: 2}}})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return ft.wrote("CMD:LOAD:1") }, time.Second, time.Millisecond)
	assert.Equal(t, Running, m.RunState())

	require.NoError(t, m.StopExperiment())
	// stop goes out while the move is still pending
	assert.Equal(t, []string{"CMD:LOAD:1", "CMD:LASER_stop"}, ft.Written())

	res := waitRun(t, m)
	assert.Equal(t, Stopped, res.State)
	assert.Equal(t, ReasonCancelled, res.Reason)
	assert.Equal(t, 0, res.Moves)
	assert.Equal(t, 0, res.Fires)
	assert.Equal(t, []string{"CMD:LOAD:1", "CMD:LASER_stop"}, ft.Written())
}

func TestOrchestratorSameSlotNeedsFreshAck(t *testing.T) {
	var loads int
	ft := &fakeTransport{reply: func(line string) []string {
		if strings.HasPrefix(line, "CMD:LOAD:") {
			loads++
			if loads > 1 {
				return nil
			}
		}
		return ackAll(line)
	}}
	m := newTestMachine(t, ft, fastTimeouts(100*time.Millisecond)...)
	teach(t, m, ft)

	_, err := m.StartExperiment(Experiment{Cycles: 1, Steps: []Step{
		{Slot: 2, Shots: 1, FrequencyHz: 1},
		{Slot: 2, Shots: 1, FrequencyHz: 1},
	}})
	require.NoError(t, err)

	res := waitRun(t, m)
	assert.Equal(t, Failed, res.State)
	assert.Equal(t, ReasonMotionTimeout, res.Reason)
	assert.Equal(t, 1, res.Moves)
	assert.Equal(t, 1, res.Fires)
	assert.Equal(t, []string{"CMD:LOAD:2", "CMD:LASER_p1f1.0", "CMD:LOAD:2"}, ft.Written())
}

func TestOrchestratorTransportFault(t *testing.T) {
	ft := &fakeTransport{reply: ackAll, failOn: "CMD:LASER_p"}
	m := newTestMachine(t, ft, fastTimeouts(time.Second)...)
	teach(t, m, ft)

	start := time.Now()
	_, err := m.StartExperiment(Experiment{Cycles: 2, Steps: []Step{{Slot: 1, Shots: 1, FrequencyHz: 1}}})
	require.NoError(t, err)

	res := waitRun(t, m)
	assert.Equal(t, Stopped, res.State)
	assert.Equal(t, ReasonTransportFault, res.Reason)
	assert.Contains(t, res.Error, errFakeIO.Error())
	assert.Equal(t, 1, res.Moves)
	assert.Equal(t, 0, res.Fires)
	// no wait after a failed send
	assert.Less(t, time.Since(start), time.Second)
}

func TestOrchestratorStartPreconditions(t *testing.T) {
	exp := Experiment{Cycles: 1, Steps: []Step{{Slot: 1, Shots: 1, FrequencyHz: 1}}}

	m := newTestMachine(t, nil)
	_, err := m.StartExperiment(exp)
	assert.Equal(t, ErrNotConnected, err)

	ft := &fakeTransport{}
	require.NoError(t, m.Connect(ft))
	assert.Equal(t, ErrAlreadyConnected, m.Connect(ft))

	_, err = m.StartExperiment(exp)
	assert.Equal(t, ErrTeachRequired, err)

	teach(t, m, ft)
	_, err = m.StartExperiment(Experiment{Cycles: 0, Steps: exp.Steps})
	var verr *ValidationError
	assert.True(t, errors.As(err, &verr))
	assert.Equal(t, "cycles", verr.Field)

	ft.push("Manueller Modus aktiviert")
	require.Eventually(t, func() bool { return m.Status().ManualMode }, time.Second, time.Millisecond)
	_, err = m.StartExperiment(exp)
	assert.Equal(t, ErrManualMode, err)

	assert.Equal(t, Idle, m.RunState())
	assert.Empty(t, ft.Written())
	_, ok := m.LastResult()
	assert.False(t, ok)
}

func TestOrchestratorRunEvents(t *testing.T) {
	ft := &fakeTransport{reply: ackAll}
	m := newTestMachine(t, ft, fastTimeouts(time.Second)...)
	teach(t, m, ft)
	events := m.Subscribe()

	_, err := m.StartExperiment(Experiment{Cycles: 2, Steps: []Step{{Slot: 1, Shots: 1, FrequencyHz: 1}}})
	require.NoError(t, err)
	waitRun(t, m)

	var states []RunState
	var progress []string
	var logs []string
	for len(events) > 0 {
		e := <-events
		switch e.Type {
		case RunEvent:
			states = append(states, e.Run.State)
			if strings.HasPrefix(e.Run.Progress, "Cycle") {
				progress = append(progress, e.Run.Progress)
			}
		case LogEvent:
			logs = append(logs, e.Line)
		}
	}
	require.NotEmpty(t, states)
	assert.Equal(t, Running, states[0])
	assert.Equal(t, Completed, states[len(states)-1])
	assert.Contains(t, progress, "Cycle 1/2")
	assert.Contains(t, progress, "Cycle 2/2")
	assert.Contains(t, logs, "[EXPERIMENT] Experiment started")
	assert.Contains(t, logs, "[EXPERIMENT] Experiment completed successfully")
}
