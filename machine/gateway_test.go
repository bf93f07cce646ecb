package machine

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func drainLines(ch chan Event) []string {
	var lines []string
	for {
		select {
		case e := <-ch:
			if e.Type == LogEvent {
				lines = append(lines, e.Line)
			}
		default:
			return lines
		}
	}
}

func TestGatewaySend(t *testing.T) {
	bus := NewEventBus()
	logs := bus.Subscribe()
	var active atomic.Bool
	gw := NewGateway(bus, active.Load)

	assert.Equal(t, ErrNotConnected, gw.Send(StatusQuery))
	assert.Equal(t, []string{"[WARN] Not connected"}, drainLines(logs))

	ft := &fakeTransport{}
	gw.SetTransport(ft)
	assert.True(t, gw.Connected())

	assert.NoError(t, gw.Send(NewCommand("CMD:GOTO:100")))
	assert.Equal(t, []string{"CMD:GOTO:100"}, ft.Written())
	assert.Equal(t, []string{"> CMD:GOTO:100"}, drainLines(logs))

	assert.Equal(t, ErrEmptyCommand, gw.Send(NewCommand(" ")))
}

func TestGatewayBlocksDuringRun(t *testing.T) {
	bus := NewEventBus()
	logs := bus.Subscribe()
	var active atomic.Bool
	gw := NewGateway(bus, active.Load)
	ft := &fakeTransport{}
	gw.SetTransport(ft)
	active.Store(true)

	assert.Equal(t, ErrBlocked, gw.Send(NewCommand("CMD:GOTO:100")))
	assert.Equal(t, ErrBlocked, gw.Send(KillLaserPower))
	assert.Empty(t, ft.Written())
	assert.Equal(t, []string{
		"[WARN] Commands blocked during experiment - only STOP/STATUS allowed",
		"[WARN] Commands blocked during experiment - only STOP/STATUS allowed",
	}, drainLines(logs))

	assert.NoError(t, gw.Send(StopLaser))
	assert.NoError(t, gw.Send(StatusQuery))
	assert.NoError(t, gw.Send(PositionQuery))
	assert.NoError(t, gw.SendInternal(NewCommand("CMD:LOAD:2")))
	assert.Equal(t, []string{"CMD:LASER_stop", "CMD:STATUS", "CMD:POS", "CMD:LOAD:2"}, ft.Written())
}

func TestGatewayWriteError(t *testing.T) {
	bus := NewEventBus()
	logs := bus.Subscribe()
	gw := NewGateway(bus, nil)
	gw.SetTransport(&fakeTransport{failOn: "CMD:"})

	err := gw.Send(StatusQuery)
	assert.True(t, errors.Is(err, errFakeIO))
	assert.Equal(t, []string{"[ERROR] Send failed: fake io error"}, drainLines(logs))

	gw.SetTransport(nil)
	assert.False(t, gw.Connected())
}
