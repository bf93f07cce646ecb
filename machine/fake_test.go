package machine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errFakeIO = errors.New("fake io error")

// fakeTransport records writes and serves queued lines. reply, if set, is
// called for every written line and its result is queued for reading.
type fakeTransport struct {
	mx      sync.Mutex
	written []string
	pending []string
	readErr error
	failOn  string
	closed  bool

	reply func(line string) []string
}

func (f *fakeTransport) WriteLine(line string) error {
	f.mx.Lock()
	defer f.mx.Unlock()
	if f.failOn != "" && strings.HasPrefix(line, f.failOn) {
		return errFakeIO
	}
	f.written = append(f.written, line)
	if f.reply != nil {
		f.pending = append(f.pending, f.reply(line)...)
	}
	return nil
}

func (f *fakeTransport) TryReadLine() (string, bool, error) {
	f.mx.Lock()
	defer f.mx.Unlock()
	if len(f.pending) > 0 {
		line := f.pending[0]
		f.pending = f.pending[1:]
		return line, true, nil
	}
	if f.readErr != nil {
		return "", false, f.readErr
	}
	return "", false, nil
}

func (f *fakeTransport) Close() error {
	f.mx.Lock()
	f.closed = true
	f.mx.Unlock()
	return nil
}

func (f *fakeTransport) push(lines ...string) {
	f.mx.Lock()
	f.pending = append(f.pending, lines...)
	f.mx.Unlock()
}

func (f *fakeTransport) Written() []string {
	f.mx.Lock()
	defer f.mx.Unlock()
	return append([]string(nil), f.written...)
}

func (f *fakeTransport) wrote(prefix string) bool {
	for _, l := range f.Written() {
		if strings.HasPrefix(l, prefix) {
			return true
		}
	}
	return false
}

// ackAll answers every move and pulse train immediately.
func ackAll(line string) []string {
	switch {
	case strings.HasPrefix(line, "CMD:LOAD:"):
		return []string{"OK:LOAD"}
	case strings.HasPrefix(line, "CMD:LASER_p"):
		return []string{"OK:LASER_DONE"}
	}
	return nil
}

// ackMoves answers moves only.
func ackMoves(line string) []string {
	if strings.HasPrefix(line, "CMD:LOAD:") {
		return []string{"OK:LOAD"}
	}
	return nil
}

func newTestMachine(t *testing.T, ft *fakeTransport, opts ...Option) *Machine {
	t.Helper()
	opts = append([]Option{
		WithPollInterval(time.Millisecond),
		WithTickInterval(time.Millisecond),
		WithSettleDelay(50 * time.Millisecond),
	}, opts...)
	m := NewMachine(opts...)

	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)
	t.Cleanup(func() {
		m.Disconnect()
		cancel()
	})

	if ft != nil {
		require.NoError(t, m.Connect(ft))
	}
	return m
}

func teach(t *testing.T, m *Machine, ft *fakeTransport) {
	t.Helper()
	ft.push("OK:TEACH")
	require.Eventually(t, func() bool { return m.Status().TeachDone }, time.Second, time.Millisecond)
}

func waitRun(t *testing.T, m *Machine) RunInfo {
	t.Helper()
	select {
	case <-m.RunDone():
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish")
	}
	res, ok := m.LastResult()
	require.True(t, ok)
	return res
}
