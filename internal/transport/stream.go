// Package transport implements registry.Transport for TCP and Bluetooth SPP.
package transport

import (
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// stream adapts a byte stream to registry.Handle. It goes dead on the first
// failed write or on Close, and probe (if set) can declare it dead earlier.
type stream struct {
	w     io.WriteCloser
	probe func() bool

	dead      atomic.Bool
	closeOnce sync.Once
}

func newStream(w io.WriteCloser, probe func() bool) *stream {
	return &stream{w: w, probe: probe}
}

// Send writes all of data. A short write counts as a failure.
func (s *stream) Send(data []byte) error {
	if s.dead.Load() {
		return io.ErrClosedPipe
	}
	n, err := s.w.Write(data)
	if err == nil && n < len(data) {
		err = io.ErrShortWrite
	}
	if err != nil {
		s.dead.Store(true)
	}
	return err
}

func (s *stream) Alive() bool {
	if s.dead.Load() {
		return false
	}
	if s.probe != nil && !s.probe() {
		s.dead.Store(true)
		return false
	}
	return true
}

// Close releases the stream. Only the first call can return an error.
func (s *stream) Close() error {
	s.dead.Store(true)
	var err error
	s.closeOnce.Do(func() { err = s.w.Close() })
	return err
}

type deadlineWriter interface {
	io.WriteCloser
	SetWriteDeadline(t time.Time) error
}

// timedWriter arms a fresh write deadline before every Write. Zero timeout
// means no deadline.
type timedWriter struct {
	w       deadlineWriter
	timeout time.Duration
}

func (t *timedWriter) Write(p []byte) (int, error) {
	if t.timeout > 0 {
		if err := t.w.SetWriteDeadline(time.Now().Add(t.timeout)); err != nil {
			return 0, err
		}
	}
	return t.w.Write(p)
}

func (t *timedWriter) Close() error { return t.w.Close() }
