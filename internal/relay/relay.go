// Package relay establishes management sessions between operator
// WebSockets and device out-of-band controllers, over the device's
// agent channel or an outbound TCP/TLS connection, with credential
// interception and optional session recording.
package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"oobrelay/internal/constants"
	"oobrelay/internal/device"
	"oobrelay/internal/directory"
	"oobrelay/internal/interceptor"
	"oobrelay/internal/protocol"
	"oobrelay/internal/recorder"
	"oobrelay/internal/rights"
	"oobrelay/internal/splice"
)

var (
	ErrMissingTarget = errors.New("relay: missing device id")
	ErrUnknownDevice = errors.New("relay: unknown device")
	ErrNotManageable = errors.New("relay: device has no out-of-band controller")
	ErrAccessDenied  = errors.New("relay: remote control right required")
	ErrNoRoute       = errors.New("relay: no path to device")
)

// redirRecordMark is pushed to the operator at the start of a recorded
// redirection session so the viewer knows the stream is captured.
var redirRecordMark = []byte{0xF0}

// Subchannel is the out-of-band stream contract the agent layer
// exposes: chunk callbacks in, writes out.
type Subchannel interface {
	OnData(fn func([]byte))
	OnClose(fn func())
	Start()
	Write(p []byte) error
	Close() error
}

// OOBChannel is one device's live agent channel.
type OOBChannel interface {
	Ports() []int
	OpenSubchannel(port int) (Subchannel, error)
}

// ChannelProvider resolves devices to their local agent channels.
type ChannelProvider interface {
	Lookup(deviceID string) (OOBChannel, bool)
}

// Subscriber manages event channel subscriptions for session handles.
type Subscriber interface {
	Subscribe(h directory.Handle, channels []string)
	Unsubscribe(h directory.Handle)
}

// Forwarder hands a session to the peer server owning the device path.
type Forwarder interface {
	Forward(ctx context.Context, operator *websocket.Conn, serverID string, p *rights.Principal, query url.Values) error
}

// RecordingConfig controls session capture. An empty Protocols list
// records every protocol.
type RecordingConfig struct {
	Enabled   bool
	Dir       string
	Protocols []int
}

func (c RecordingConfig) wants(marker int) bool {
	if !c.Enabled || c.Dir == "" {
		return false
	}
	if len(c.Protocols) == 0 {
		return true
	}
	for _, p := range c.Protocols {
		if p == marker {
			return true
		}
	}
	return false
}

// Request is one authenticated operator relay attempt.
type Request struct {
	WS        *websocket.Conn
	DeviceID  string
	Protocol  protocol.Protocol
	TLS1Only  bool
	Principal *rights.Principal
	// SingleHop marks sessions that already crossed a peer boundary;
	// they are never forwarded again.
	SingleHop bool
	ClientIP  string
	Query     url.Values
}

// Establisher builds relay sessions from its collaborators. Any of
// Forwarder and OnSessionChange may be nil (standalone deployment).
type Establisher struct {
	Store     device.Store
	Resolver  device.Resolver
	Channels  ChannelProvider
	Forwarder Forwarder
	Directory *directory.Directory
	Events    Subscriber
	Recording RecordingConfig
	// OnSessionChange fires after local register/unregister, so the
	// peering layer can replicate the user's session list.
	OnSessionChange func(userID string)
}

// HandleRelay drives one operator WebSocket to completion. The caller
// owns nothing afterwards; the socket is always closed on return of
// the session it started.
func (e *Establisher) HandleRelay(ctx context.Context, req *Request) error {
	ws := req.WS

	if req.DeviceID == "" {
		closeAndLog(ws, "relay: rejecting session without device id")
		return ErrMissingTarget
	}
	if !req.Protocol.Valid() {
		closeAndLog(ws, fmt.Sprintf("relay: rejecting unknown protocol for %s", req.DeviceID))
		return fmt.Errorf("relay: invalid protocol %d", req.Protocol)
	}

	dev, err := e.Store.Get(ctx, req.DeviceID)
	if err != nil {
		closeAndLog(ws, fmt.Sprintf("relay: device %s not found", req.DeviceID))
		return fmt.Errorf("%w: %s", ErrUnknownDevice, req.DeviceID)
	}
	if dev.AMT == nil {
		closeAndLog(ws, fmt.Sprintf("relay: device %s is not out-of-band manageable", dev.ID))
		return ErrNotManageable
	}
	if !req.Principal.CanRemoteControl(dev.GroupID) {
		// Denied before any transport or recorder exists.
		closeAndLog(ws, fmt.Sprintf("relay: %s denied remote control on %s", req.Principal.ID, dev.ID))
		return ErrAccessDenied
	}

	state, err := e.Resolver.Resolve(ctx, dev)
	if err != nil {
		ws.Close()
		return fmt.Errorf("relay: resolve %s: %w", dev.ID, err)
	}

	// Prefer the agent channel; fall back to direct dialing.
	if state.Flags&device.ConnAgent != 0 {
		if state.AgentOwner == "" {
			return e.runLocal(ctx, req, dev, true)
		}
		return e.forward(ctx, req, state.AgentOwner)
	}
	if state.Flags&device.ConnDirect != 0 {
		if state.DirectOwner == "" {
			return e.runLocal(ctx, req, dev, false)
		}
		return e.forward(ctx, req, state.DirectOwner)
	}

	closeAndLog(ws, fmt.Sprintf("relay: no path to device %s", dev.ID))
	return ErrNoRoute
}

func (e *Establisher) forward(ctx context.Context, req *Request, owner string) error {
	if req.SingleHop || e.Forwarder == nil {
		closeAndLog(req.WS, fmt.Sprintf("relay: refusing second hop for %s", req.DeviceID))
		return ErrNoRoute
	}
	if err := e.Forwarder.Forward(ctx, req.WS, owner, req.Principal, req.Query); err != nil {
		closeAndLog(req.WS, fmt.Sprintf("relay: forward %s to %s: %v", req.DeviceID, owner, err))
		return err
	}
	return nil
}

// runLocal owns the session from transport establishment to teardown.
func (e *Establisher) runLocal(ctx context.Context, req *Request, dev *device.Device, viaAgent bool) error {
	transport, port, err := e.connect(ctx, req, dev, viaAgent)
	if err != nil {
		closeAndLog(req.WS, fmt.Sprintf("relay: connect %s: %v", dev.ID, err))
		return err
	}

	var rec *recorder.Recorder
	marker := req.Protocol.RecordingMarker()
	if e.Recording.wants(marker) {
		rec, err = recorder.New(e.Recording.Dir, dev.DomainID)
		if err != nil {
			log.Printf("relay: recording unavailable for %s: %v", dev.ID, err)
		} else {
			meta := recorder.Metadata{
				UserID:   req.Principal.ID,
				Username: req.Principal.Name,
				IPAddr:   req.ClientIP,
				NodeID:   dev.ID,
				IntelAMT: true,
				Protocol: marker,
				Time:     time.Now().UTC().Format(time.RFC3339),
			}
			if err := rec.WriteHeader(meta); err != nil {
				log.Printf("relay: recording header for %s: %v", dev.ID, err)
			}
		}
	}

	s := &session{
		id:        uuid.NewString(),
		ws:        req.WS,
		principal: req.Principal,
		transport: transport,
		intercept: newInterceptor(req.Protocol, dev, port),
		rec:       rec,
		dir:       e.Directory,
		events:    e.Events,
		onChange:  e.OnSessionChange,
	}
	if hi, ok := s.intercept.(*interceptor.HTTPInterceptor); ok {
		hi.BlockAmtStorage = true
		hi.OperatorInject = s.injectToOperator
	}

	if rec != nil && req.Protocol == protocol.Redirection {
		s.writeToOperator(redirRecordMark)
	}

	log.Printf("relay: session %s open, %s -> %s (agent=%v port=%d)",
		s.id, req.Principal.ID, dev.ID, viaAgent, port)
	s.run()
	return nil
}

// connect builds the device-side transport. The operator socket is not
// read until this returns, so no operator bytes race the handshake.
func (e *Establisher) connect(ctx context.Context, req *Request, dev *device.Device, viaAgent bool) (transport, int, error) {
	if viaAgent {
		ch, ok := e.Channels.Lookup(dev.ID)
		if !ok {
			return nil, 0, ErrNoRoute
		}
		port, useTLS := req.Protocol.ChannelPort(ch.Ports())
		if port == 0 {
			return nil, 0, fmt.Errorf("%w: no usable management port bound", ErrNoRoute)
		}
		sub, err := ch.OpenSubchannel(port)
		if err != nil {
			return nil, 0, err
		}
		sp := splice.New()
		sp.SetForward(sub.Write)
		sub.OnData(sp.Feed)
		sub.OnClose(func() { sp.Close() })
		sub.Start()

		if !useTLS {
			return &spliceTransport{sp: sp, sub: sub}, port, nil
		}
		tc := tls.Client(sp, e.tlsConfig(req, dev))
		if err := tc.HandshakeContext(ctx); err != nil {
			sub.Close()
			return nil, 0, fmt.Errorf("tls over agent channel: %w", err)
		}
		return &connTransport{conn: tc, closer: sub.Close}, port, nil
	}

	port, useTLS := req.Protocol.DirectPort(dev.AMT.TLS)
	addr := net.JoinHostPort(dev.Host, strconv.Itoa(port))
	conn, err := net.DialTimeout("tcp", addr, constants.DialTimeout)
	if err != nil {
		return nil, 0, fmt.Errorf("dial %s: %w", addr, err)
	}
	if !useTLS {
		return &connTransport{conn: conn}, port, nil
	}
	tc := tls.Client(conn, e.tlsConfig(req, dev))
	if err := tc.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, 0, fmt.Errorf("tls handshake with %s: %w", addr, err)
	}
	return &connTransport{conn: tc}, port, nil
}

// Management controllers ship self-signed certificates; the relay
// trusts device records, not the device PKI.
func (e *Establisher) tlsConfig(req *Request, dev *device.Device) *tls.Config {
	cfg := &tls.Config{
		InsecureSkipVerify: true,
		ServerName:         dev.Host,
		MinVersion:         tls.VersionTLS10,
	}
	if req.TLS1Only {
		cfg.MaxVersion = tls.VersionTLS10
	}
	return cfg
}

func newInterceptor(p protocol.Protocol, dev *device.Device, port int) interceptor.Interceptor {
	args := interceptor.Args{Host: dev.Host, Port: port, User: dev.AMT.User, Pass: dev.AMT.Pass}
	if p == protocol.Redirection {
		return interceptor.NewRedirInterceptor(args)
	}
	return interceptor.NewHTTPInterceptor(args)
}

// closeAndLog rejects the operator socket with a short close reason.
func closeAndLog(ws *websocket.Conn, msg string) {
	closeWith(ws, websocket.ClosePolicyViolation, "relay refused")
	log.Print(msg)
}

func closeWith(ws *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(time.Second)
	ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	ws.Close()
}
