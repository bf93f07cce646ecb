package machine

import "sync"

// Queue is an unbounded FIFO of raw telemetry lines.
type Queue struct {
	mx    sync.Mutex
	lines []string
}

func (q *Queue) Push(line string) {
	q.mx.Lock()
	q.lines = append(q.lines, line)
	q.mx.Unlock()
}

// Drain removes and returns everything queued so far, oldest first.
func (q *Queue) Drain() []string {
	q.mx.Lock()
	lines := q.lines
	q.lines = nil
	q.mx.Unlock()
	return lines
}

func (q *Queue) Len() int {
	q.mx.Lock()
	defer q.mx.Unlock()
	return len(q.lines)
}
