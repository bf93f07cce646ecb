package machine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSignal(t *testing.T) {
	s := NewSignal()
	assert.False(t, s.Wait(5*time.Millisecond))

	s.Raise()
	s.Raise()
	assert.True(t, s.Wait(time.Millisecond))
	// raises coalesce and Wait consumes
	assert.False(t, s.Wait(5*time.Millisecond))

	s.Raise()
	s.Clear()
	assert.False(t, s.Wait(5*time.Millisecond))

	go func() {
		time.Sleep(5 * time.Millisecond)
		s.Raise()
	}()
	assert.True(t, s.Wait(time.Second))
}

func TestQueue(t *testing.T) {
	var q Queue
	assert.Nil(t, q.Drain())

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				q.Push("line")
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 400, q.Len())
	assert.Len(t, q.Drain(), 400)
	assert.Equal(t, 0, q.Len())

	q.Push("a")
	q.Push("b")
	assert.Equal(t, []string{"a", "b"}, q.Drain())
}

func TestStatusStore(t *testing.T) {
	st := NewStatusStore()
	assert.Equal(t, DeviceStatus{LaserPowerEnabled: true}, st.Get())

	assert.False(t, st.Set(DeviceStatus{LaserPowerEnabled: true}))
	assert.True(t, st.Set(DeviceStatus{TeachDone: true, LaserPowerEnabled: true}))
	assert.True(t, st.Get().TeachDone)

	s, changed := st.Update(func(s *DeviceStatus) { s.ManualMode, s.TeachDone = true, false })
	assert.True(t, changed)
	assert.Equal(t, DeviceStatus{ManualMode: true, LaserPowerEnabled: true}, s)
	_, changed = st.Update(func(s *DeviceStatus) { s.ManualMode = true })
	assert.False(t, changed)
}

func TestPositionCache(t *testing.T) {
	c := NewPositionCache()
	assert.Equal(t, DefaultPositions, c.Snapshot())

	pos, ok := c.Get(3)
	assert.True(t, ok)
	assert.Equal(t, 533, pos)

	assert.True(t, c.Set(3, 600))
	pos, _ = c.Get(3)
	assert.Equal(t, 600, pos)

	assert.False(t, c.Set(7, 10))
	assert.False(t, c.Set(3, 1600))
	pos, _ = c.Get(3)
	assert.Equal(t, 600, pos)

	_, ok = c.Get(0)
	assert.False(t, ok)

	// snapshots are copies
	snap := c.Snapshot()
	snap[1] = 99
	pos, _ = c.Get(1)
	assert.Equal(t, 0, pos)
}

func TestEventBus(t *testing.T) {
	b := NewEventBus()
	ch := b.Subscribe()

	b.logLine("hello")
	e := <-ch
	assert.Equal(t, LogEvent, e.Type)
	assert.Equal(t, "hello", e.Line)
	assert.False(t, e.Time.IsZero())

	// a full subscriber does not block publishers
	for i := 0; i < 200; i++ {
		b.logLine("flood")
	}
	assert.Len(t, ch, cap(ch))

	b.Unsubscribe(ch)
	for range ch {
	}
	b.Unsubscribe(ch)
	b.logLine("after")
}
