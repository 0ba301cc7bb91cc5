// Package agent terminates the persistent out-of-band channels that
// device agents establish towards the server, and opens multiplexed
// subchannels on them for relay sessions.
package agent

import (
	"encoding/binary"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/yamux"

	"oobrelay/internal/constants"
)

func yamuxConfig() *yamux.Config {
	config := yamux.DefaultConfig()
	config.MaxStreamWindowSize = 4 * 1024 * 1024
	config.AcceptBacklog = 512
	config.EnableKeepAlive = true
	config.KeepAliveInterval = 30 * time.Second
	return config
}

// Channel is one device's live out-of-band channel.
type Channel struct {
	DeviceID   string
	BoundPorts []int
	sess       *yamux.Session
}

// NewChannel wraps an upgraded agent WebSocket in a yamux session.
func NewChannel(deviceID string, boundPorts []int, ws *websocket.Conn) (*Channel, error) {
	sess, err := yamux.Server(newWSConn(ws), yamuxConfig())
	if err != nil {
		return nil, fmt.Errorf("yamux session for %s: %w", deviceID, err)
	}
	return &Channel{DeviceID: deviceID, BoundPorts: boundPorts, sess: sess}, nil
}

// ClientSession is the device-side counterpart of NewChannel.
func ClientSession(ws *websocket.Conn) (*yamux.Session, error) {
	sess, err := yamux.Client(newWSConn(ws), yamuxConfig())
	if err != nil {
		return nil, fmt.Errorf("yamux client session: %w", err)
	}
	return sess, nil
}

// Wait blocks until the channel goes away.
func (c *Channel) Wait() { <-c.sess.CloseChan() }

func (c *Channel) Close() error { return c.sess.Close() }

// OpenSubchannel opens a stream to the given management port on the
// device. The subchannel follows the out-of-band contract: chunked
// data callbacks plus a terminal state notification, no native stream
// semantics towards the caller.
func (c *Channel) OpenSubchannel(port int) (*Subchannel, error) {
	stream, err := c.sess.Open()
	if err != nil {
		return nil, fmt.Errorf("open subchannel to %s:%d: %w", c.DeviceID, port, err)
	}
	var sel [2]byte
	binary.BigEndian.PutUint16(sel[:], uint16(port))
	if _, err := stream.Write(sel[:]); err != nil {
		stream.Close()
		return nil, fmt.Errorf("subchannel port select: %w", err)
	}
	return &Subchannel{conn: stream}, nil
}

// Subchannel is a port-bound stream on a device channel, exposed
// through data/close callbacks.
type Subchannel struct {
	conn    net.Conn
	mu      sync.Mutex
	onData  func([]byte)
	onClose func()
	once    sync.Once
	started bool
}

// OnData registers the inbound chunk callback. Must be set before
// Start.
func (s *Subchannel) OnData(fn func([]byte)) {
	s.mu.Lock()
	s.onData = fn
	s.mu.Unlock()
}

// OnClose registers the terminal state callback.
func (s *Subchannel) OnClose(fn func()) {
	s.mu.Lock()
	s.onClose = fn
	s.mu.Unlock()
}

// Start begins pumping device data into the OnData callback.
func (s *Subchannel) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	go func() {
		buf := make([]byte, constants.CopyBufferSize)
		for {
			n, err := s.conn.Read(buf)
			if n > 0 {
				s.mu.Lock()
				fn := s.onData
				s.mu.Unlock()
				if fn != nil {
					fn(buf[:n])
				}
			}
			if err != nil {
				s.Close()
				return
			}
		}
	}()
}

func (s *Subchannel) Write(p []byte) error {
	_, err := s.conn.Write(p)
	return err
}

// Close tears the subchannel down and fires OnClose exactly once.
func (s *Subchannel) Close() error {
	s.once.Do(func() {
		s.conn.Close()
		s.mu.Lock()
		fn := s.onClose
		s.mu.Unlock()
		if fn != nil {
			fn()
		}
	})
	return nil
}

// Registry tracks which devices have a live channel on this server.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]*Channel
	onChange func(deviceID string, connected bool)
}

func NewRegistry() *Registry {
	return &Registry{channels: make(map[string]*Channel)}
}

// OnChange registers a connectivity-change hook (peer advertisement).
func (r *Registry) OnChange(fn func(deviceID string, connected bool)) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

// Add installs a channel, replacing and closing any previous one for
// the same device.
func (r *Registry) Add(c *Channel) {
	r.mu.Lock()
	old := r.channels[c.DeviceID]
	r.channels[c.DeviceID] = c
	fn := r.onChange
	r.mu.Unlock()
	if old != nil {
		log.Printf("agent: replacing stale channel for %s", c.DeviceID)
		old.Close()
	}
	if fn != nil {
		fn(c.DeviceID, true)
	}
}

// Remove drops a channel if it is still the registered one.
func (r *Registry) Remove(c *Channel) {
	r.mu.Lock()
	fn := r.onChange
	removed := false
	if r.channels[c.DeviceID] == c {
		delete(r.channels, c.DeviceID)
		removed = true
	}
	r.mu.Unlock()
	if removed && fn != nil {
		fn(c.DeviceID, false)
	}
}

func (r *Registry) Get(deviceID string) (*Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.channels[deviceID]
	return c, ok
}

// Connected implements device.AgentSource.
func (r *Registry) Connected(deviceID string) bool {
	_, ok := r.Get(deviceID)
	return ok
}
