package relay

import (
	"log"
	"net"
	"sync"

	"github.com/gorilla/websocket"

	"oobrelay/internal/constants"
	"oobrelay/internal/directory"
	"oobrelay/internal/interceptor"
	"oobrelay/internal/recorder"
	"oobrelay/internal/rights"
	"oobrelay/internal/splice"
)

// transport is the device side of an established session.
type transport interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// connTransport wraps a net.Conn (direct TCP, or TLS over either
// path). closer, when set, tears down the carrier under the conn.
type connTransport struct {
	conn   net.Conn
	closer func() error
	once   sync.Once
}

func (t *connTransport) Read(p []byte) (int, error)  { return t.conn.Read(p) }
func (t *connTransport) Write(p []byte) (int, error) { return t.conn.Write(p) }

func (t *connTransport) Close() error {
	t.once.Do(func() {
		t.conn.Close()
		if t.closer != nil {
			t.closer()
		}
	})
	return nil
}

// spliceTransport is a plaintext agent subchannel.
type spliceTransport struct {
	sp  *splice.Splice
	sub Subchannel
}

func (t *spliceTransport) Read(p []byte) (int, error)  { return t.sp.Read(p) }
func (t *spliceTransport) Write(p []byte) (int, error) { return t.sp.Write(p) }

func (t *spliceTransport) Close() error {
	t.sub.Close()
	return t.sp.Close()
}

// session is one live operator-to-device bridge. It doubles as the
// session directory handle for command delivery.
type session struct {
	id        string
	ws        *websocket.Conn
	wsMu      sync.Mutex
	principal *rights.Principal
	transport transport
	intercept interceptor.Interceptor
	rec       *recorder.Recorder
	dir       *directory.Directory
	events    Subscriber
	onChange  func(userID string)
	once      sync.Once
}

// Deliver sends a management command to the operator as a text frame.
func (s *session) Deliver(payload []byte) error {
	s.wsMu.Lock()
	defer s.wsMu.Unlock()
	return s.ws.WriteMessage(websocket.TextMessage, payload)
}

func (s *session) Principal() *rights.Principal { return s.principal }

func (s *session) writeToOperator(p []byte) error {
	s.wsMu.Lock()
	defer s.wsMu.Unlock()
	return s.ws.WriteMessage(websocket.BinaryMessage, p)
}

// injectToOperator delivers locally generated device-stream bytes (the
// interceptor's blocked-request replies).
func (s *session) injectToOperator(p []byte) {
	if err := s.writeToOperator(p); err != nil {
		log.Printf("relay: session %s inject: %v", s.id, err)
	}
}

func (s *session) run() {
	if s.dir != nil {
		s.dir.RegisterLocal(s.principal.ID, s.id, s)
		if s.onChange != nil {
			s.onChange(s.principal.ID)
		}
	}
	if s.events != nil {
		s.events.Subscribe(s, s.principal.Subscriptions())
	}
	go s.deviceLoop()
	s.operatorLoop()
	s.teardown()
}

// operatorLoop pumps operator frames towards the device. User data is
// recorded as the operator sent it, before credential rewriting, so
// stored passwords never reach the capture file.
func (s *session) operatorLoop() {
	for {
		mt, data, err := s.ws.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		if s.rec != nil {
			if err := s.rec.WriteUserData(data); err != nil {
				log.Printf("relay: session %s record: %v", s.id, err)
			}
		}
		out := s.intercept.ProcessBrowserData(data)
		if len(out) == 0 {
			continue
		}
		if _, err := s.transport.Write(out); err != nil {
			return
		}
	}
}

func (s *session) deviceLoop() {
	defer s.teardown()
	buf := make([]byte, constants.CopyBufferSize)
	for {
		n, err := s.transport.Read(buf)
		if n > 0 {
			out := s.intercept.ProcessAmtData(buf[:n])
			if len(out) > 0 {
				if s.rec != nil {
					if werr := s.rec.WriteAmtData(out); werr != nil {
						log.Printf("relay: session %s record: %v", s.id, werr)
					}
				}
				if werr := s.writeToOperator(out); werr != nil {
					return
				}
			}
		}
		if err != nil {
			return
		}
	}
}

// teardown closes both ends exactly once and leaves no directory or
// recorder residue.
func (s *session) teardown() {
	s.once.Do(func() {
		s.transport.Close()
		s.ws.Close()
		if s.rec != nil {
			if err := s.rec.Close(); err != nil {
				log.Printf("relay: session %s close recording: %v", s.id, err)
			}
		}
		if s.events != nil {
			s.events.Unsubscribe(s)
		}
		if s.dir != nil {
			s.dir.UnregisterLocal(s.principal.ID, s.id)
			if s.onChange != nil {
				s.onChange(s.principal.ID)
			}
		}
		log.Printf("relay: session %s closed", s.id)
	})
}
