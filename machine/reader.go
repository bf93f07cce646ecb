package machine

import (
	"log"
	"sync"
	"time"
)

// DefaultPollInterval is how long the reader sleeps when no data is available.
const DefaultPollInterval = 20 * time.Millisecond

// Reader moves lines from a Transport onto a Queue on its own goroutine.
type Reader struct {
	t        Transport
	q        *Queue
	interval time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func NewReader(t Transport, q *Queue, interval time.Duration) *Reader {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Reader{
		t:        t,
		q:        q,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

func (r *Reader) Start() { go r.loop() }

func (r *Reader) loop() {
	defer close(r.doneCh)
	for {
		select {
		case <-r.stopCh:
			return
		default:
		}

		line, ok, err := r.t.TryReadLine()
		if err != nil {
			log.Println("ERROR: read from port:", err)
			r.q.Push("[ERROR] Serial exception: " + err.Error())
			return
		}
		if !ok {
			select {
			case <-r.stopCh:
				return
			case <-time.After(r.interval):
			}
			continue
		}
		if line != "" {
			r.q.Push(line)
		}
	}
}

// Stop asks the loop to exit and waits up to timeout for it. It reports
// whether the loop has exited.
func (r *Reader) Stop(timeout time.Duration) bool {
	r.stopOnce.Do(func() { close(r.stopCh) })
	select {
	case <-r.doneCh:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Done is closed once the loop exits, whether stopped or failed.
func (r *Reader) Done() <-chan struct{} { return r.doneCh }
