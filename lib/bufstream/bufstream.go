// Package bufstream implements the fetch cache's pass-through byte stream
// (spec §3, §4.5): a single io.Writer/io.Reader pair that forwards bytes
// unchanged to a caller while counting cumulative bytes delivered, so a
// retried fetch can resume at the byte offset the caller has already
// consumed.
package bufstream

import (
	"io"
	"sync"
)

// Stream is a pass-through byte stream. Writers call Write (and Fail, and
// Close) from the producer side (the active strategy); the single reader
// calls Read from the consumer side. Len reports the cumulative number of
// bytes forwarded so far, independent of how many the reader has actually
// drained.
//
// A Stream is reused across retries (spec invariant on FetchState.buffer):
// if N bytes have been written before a retry, Len reports N (whether or
// not the reader has drained them yet) and the next attempt can seek the
// source to that offset before resuming writes into the same Stream.
type Stream struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	len    int64
	err    error
	closed bool
}

// New returns a fresh, empty Stream.
func New() *Stream {
	s := &Stream{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Len reports the cumulative number of bytes written to the stream so far.
func (s *Stream) Len() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.len
}

// Write appends p to the stream, waking any blocked reader. It never
// returns a short write or an error: a Stream accepts bytes until Close or
// Fail is called.
func (s *Stream) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	s.buf = append(s.buf, p...)
	s.len += int64(len(p))
	s.cond.Broadcast()
	s.mu.Unlock()
	return len(p), nil
}

// Fail marks the stream as terminated with err; subsequent Read calls
// return err once buffered bytes are drained. Per spec §5, buffered bytes
// are always delivered before a buffered error.
func (s *Stream) Fail(err error) {
	s.mu.Lock()
	if !s.closed {
		s.err = err
		s.closed = true
		s.cond.Broadcast()
	}
	s.mu.Unlock()
}

// Close marks the stream as having ended successfully.
func (s *Stream) Close() error {
	s.Fail(io.EOF)
	return nil
}

// Read implements io.Reader, blocking until data, an error, or closure is
// available.
func (s *Stream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.buf) == 0 {
		if s.closed {
			if s.err != nil && s.err != io.EOF {
				return 0, s.err
			}
			return 0, io.EOF
		}
		s.cond.Wait()
	}
	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}
