package pld

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mastercactapus/pld/machine"
)

const (
	// DefaultFlushAfter is how long a partial line may sit before it is
	// delivered without its terminator. The controller prints some
	// acknowledgments without a trailing newline.
	DefaultFlushAfter = time.Second

	writeWaitTimeout = 2 * time.Second
	readChunkSize    = 256
)

var ErrClosed = errors.New("connection closed")

// Conn frames a byte stream to and from the stage controller into lines.
type Conn struct {
	rw io.ReadWriteCloser

	limiter    *rate.Limiter
	flushAfter time.Duration

	chunks  chan []byte
	errCh   chan error
	closeCh chan struct{}
	closed  sync.Once

	wMx sync.Mutex

	rMx      sync.Mutex
	buf      []byte
	lastData time.Time
	readErr  error
}

var _ machine.Transport = &Conn{}

type ConnOption func(c *Conn)

// WithWriteRate paces outbound lines. A zero limit disables pacing.
func WithWriteRate(limit rate.Limit, burst int) ConnOption {
	return func(c *Conn) {
		if limit <= 0 {
			c.limiter = nil
			return
		}
		c.limiter = rate.NewLimiter(limit, burst)
	}
}

func WithFlushAfter(d time.Duration) ConnOption {
	return func(c *Conn) { c.flushAfter = d }
}

// NewConn starts reading from rw immediately.
func NewConn(rw io.ReadWriteCloser, opts ...ConnOption) *Conn {
	c := &Conn{
		rw:         rw,
		flushAfter: DefaultFlushAfter,
		chunks:     make(chan []byte, 64),
		errCh:      make(chan error, 1),
		closeCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.readLoop()
	return c
}

func (c *Conn) readLoop() {
	buf := make([]byte, readChunkSize)
	for {
		n, err := c.rw.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			select {
			case c.chunks <- data:
			case <-c.closeCh:
				return
			}
		}
		if err != nil {
			select {
			case <-c.closeCh:
			case c.errCh <- err:
			}
			return
		}
	}
}

// WriteLine writes line followed by a newline.
func (c *Conn) WriteLine(line string) error {
	select {
	case <-c.closeCh:
		return ErrClosed
	default:
	}

	if c.limiter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), writeWaitTimeout)
		err := c.limiter.Wait(ctx)
		cancel()
		if err != nil {
			return err
		}
	}

	c.wMx.Lock()
	defer c.wMx.Unlock()
	_, err := io.WriteString(c.rw, line+"\n")
	return err
}

// TryReadLine returns the next complete line without blocking. Surrounding
// whitespace is trimmed and invalid UTF-8 is replaced.
func (c *Conn) TryReadLine() (string, bool, error) {
	c.rMx.Lock()
	defer c.rMx.Unlock()

	c.drain()
	if c.readErr == nil {
		select {
		case err := <-c.errCh:
			c.readErr = err
			// the reader sends its last chunk before the error
			c.drain()
		default:
		}
	}

	if line, ok := c.nextLine(); ok {
		return line, true, nil
	}

	if len(c.buf) > 0 && (c.readErr != nil || time.Since(c.lastData) >= c.flushAfter) {
		line := clean(c.buf)
		c.buf = nil
		if line != "" {
			return line, true, nil
		}
	}

	if c.readErr != nil {
		return "", false, c.readErr
	}
	return "", false, nil
}

// drain moves every chunk already read into the line buffer.
func (c *Conn) drain() {
	for {
		select {
		case data := <-c.chunks:
			c.buf = append(c.buf, data...)
			c.lastData = time.Now()
		default:
			return
		}
	}
}

func (c *Conn) nextLine() (string, bool) {
	for {
		i := bytes.IndexByte(c.buf, '\n')
		if i < 0 {
			return "", false
		}
		line := clean(c.buf[:i])
		c.buf = c.buf[i+1:]
		if line != "" {
			return line, true
		}
	}
}

func clean(b []byte) string {
	return strings.TrimSpace(strings.ToValidUTF8(string(b), "�"))
}

// Close aborts pending writes and closes the underlying stream.
func (c *Conn) Close() error {
	var err error
	c.closed.Do(func() {
		close(c.closeCh)
		err = c.rw.Close()
	})
	return err
}
