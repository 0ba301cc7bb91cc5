// Package splice adapts a chunk-callback transport (an out-of-band
// subchannel that only exposes data callbacks) to a standard net.Conn
// so a TLS session can be layered on it.
package splice

import (
	"errors"
	"io"
	"log"
	"net"
	"sync"
	"time"
)

var ErrNoForward = errors.New("splice: no forwarding sink registered")

// Splice is a duplex byte stream. The read side is filled by Feed
// calls from the underlying transport; the write side is pushed into
// the forwarding sink registered with SetForward. It performs no
// buffering beyond the inbound queue; back-pressure is the reader's
// concern (a TLS layer naturally pulls).
type Splice struct {
	mu       sync.Mutex
	forward  func([]byte) error
	inbound  chan []byte
	leftover []byte
	closed   chan struct{}
	once     sync.Once
}

func New() *Splice {
	return &Splice{
		inbound: make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
}

// SetForward registers the outbound sink. Writes before this is
// called are dropped with an error; that is a wiring bug, not a
// runtime fault.
func (s *Splice) SetForward(fn func([]byte) error) {
	s.mu.Lock()
	s.forward = fn
	s.mu.Unlock()
}

// Feed injects bytes arriving from the underlying transport into the
// read side. The slice is copied; callers may reuse it.
func (s *Splice) Feed(p []byte) {
	if len(p) == 0 {
		return
	}
	buf := make([]byte, len(p))
	copy(buf, p)
	select {
	case s.inbound <- buf:
	case <-s.closed:
	}
}

func (s *Splice) Read(p []byte) (int, error) {
	if len(s.leftover) > 0 {
		n := copy(p, s.leftover)
		s.leftover = s.leftover[n:]
		return n, nil
	}
	select {
	case buf := <-s.inbound:
		n := copy(p, buf)
		if n < len(buf) {
			s.leftover = buf[n:]
		}
		return n, nil
	case <-s.closed:
		// Drain anything fed before the close.
		select {
		case buf := <-s.inbound:
			n := copy(p, buf)
			if n < len(buf) {
				s.leftover = buf[n:]
			}
			return n, nil
		default:
			return 0, io.EOF
		}
	}
}

func (s *Splice) Write(p []byte) (int, error) {
	s.mu.Lock()
	fn := s.forward
	s.mu.Unlock()
	if fn == nil {
		log.Printf("splice: dropping %d byte write, no forwarding sink", len(p))
		return 0, ErrNoForward
	}
	if err := fn(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close releases blocked readers. Idempotent.
func (s *Splice) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

type spliceAddr struct{}

func (spliceAddr) Network() string { return "splice" }
func (spliceAddr) String() string  { return "splice" }

func (s *Splice) LocalAddr() net.Addr                { return spliceAddr{} }
func (s *Splice) RemoteAddr() net.Addr               { return spliceAddr{} }
func (s *Splice) SetDeadline(t time.Time) error      { return nil }
func (s *Splice) SetReadDeadline(t time.Time) error  { return nil }
func (s *Splice) SetWriteDeadline(t time.Time) error { return nil }
