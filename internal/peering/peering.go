// Package peering connects relay servers into a cluster over a Redis
// bus: session directory replication, device connectivity
// advertisements and cross-server command dispatch. Frames are CBOR
// encoded and sealed with a shared cluster key.
package peering

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/redis/go-redis/v9"

	"oobrelay/internal/constants"
	"oobrelay/internal/device"
	"oobrelay/internal/directory"
)

// CommandSink receives management commands that a peer dispatched to
// this server. Delivery failures stay local to the recipient.
type CommandSink interface {
	DeliverSession(sessionID string, cmd []byte)
	DeliverUser(userID string, cmd []byte)
	DeliverGroup(groupID string, cmd []byte)
}

type deviceRoute struct {
	serverID string
	flags    int
	seen     time.Time
}

// Peering is the cluster membership and dispatch fabric of one server.
type Peering struct {
	serverID  string
	rdb       *redis.Client
	seal      *sealer
	cookieKey []byte
	dir       *directory.Directory
	addrs     map[string]string // peer server id -> ws base URL

	mu     sync.Mutex
	routes map[string]deviceRoute
	sink   CommandSink

	cancel context.CancelFunc
}

func New(serverID string, rdb *redis.Client, secret string, addrs map[string]string, dir *directory.Directory) (*Peering, error) {
	seal, err := newSealer(secret)
	if err != nil {
		return nil, err
	}
	if addrs == nil {
		addrs = map[string]string{}
	}
	return &Peering{
		serverID:  serverID,
		rdb:       rdb,
		seal:      seal,
		cookieKey: []byte(secret),
		dir:       dir,
		addrs:     addrs,
		routes:    make(map[string]deviceRoute),
	}, nil
}

// SetCommandSink wires the local command router. Must be called before
// Run.
func (p *Peering) SetCommandSink(sink CommandSink) { p.sink = sink }

// CookieKey is the signing key for peer relay cookies.
func (p *Peering) CookieKey() []byte { return p.cookieKey }

// Run joins the cluster and blocks until ctx is done.
func (p *Peering) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	sub := p.rdb.Subscribe(ctx, constants.PeerBroadcast, constants.PeerChannelPrefix+p.serverID)
	if _, err := sub.Receive(ctx); err != nil {
		cancel()
		return fmt.Errorf("subscribe peer bus: %w", err)
	}
	log.Printf("peering: %s joined cluster bus", p.serverID)

	p.Broadcast(Frame{Type: frameHello})
	p.Broadcast(p.snapshotFrame())

	go p.heartbeatLoop(ctx)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			p.Broadcast(Frame{Type: frameBye})
			sub.Close()
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			p.handleMessage([]byte(msg.Payload))
		}
	}
}

func (p *Peering) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
}

func (p *Peering) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(constants.PeerHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// The snapshot doubles as the heartbeat; receivers refresh
			// the sender's liveness on every frame.
			p.Broadcast(p.snapshotFrame())
		}
	}
}

func (p *Peering) snapshotFrame() Frame {
	return Frame{
		Type:    frameReport,
		Report:  p.dir.LocalReport(),
		Devices: p.localDevices(),
	}
}

func (p *Peering) localDevices() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]int)
	for id, r := range p.routes {
		if r.serverID == p.serverID {
			out[id] = r.flags
		}
	}
	return out
}

// Broadcast sends a frame to every cluster member.
func (p *Peering) Broadcast(f Frame) {
	p.publish(constants.PeerBroadcast, f)
}

// SendTo sends a frame to one peer's private channel.
func (p *Peering) SendTo(serverID string, f Frame) {
	p.publish(constants.PeerChannelPrefix+serverID, f)
}

func (p *Peering) publish(channel string, f Frame) {
	f.ServerID = p.serverID
	raw, err := cbor.Marshal(f)
	if err != nil {
		log.Printf("peering: encode %s frame: %v", f.Type, err)
		return
	}
	sealed, err := p.seal.Seal(raw)
	if err != nil {
		log.Printf("peering: seal %s frame: %v", f.Type, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.rdb.Publish(ctx, channel, sealed).Err(); err != nil {
		log.Printf("peering: publish %s frame: %v", f.Type, err)
	}
}

func (p *Peering) handleMessage(sealed []byte) {
	raw, err := p.seal.Open(sealed)
	if err != nil {
		log.Printf("peering: drop frame: %v", err)
		return
	}
	var f Frame
	if err := cbor.Unmarshal(raw, &f); err != nil {
		log.Printf("peering: drop undecodable frame: %v", err)
		return
	}
	if f.ServerID == p.serverID {
		return
	}

	switch f.Type {
	case frameHello:
		p.dir.TouchPeer(f.ServerID)
		// New member gets our state without waiting a heartbeat.
		p.SendTo(f.ServerID, p.snapshotFrame())
	case frameBye:
		p.dir.RemovePeer(f.ServerID)
		p.dropServerRoutes(f.ServerID)
	case frameReport:
		p.dir.MergePeerSnapshot(f.ServerID, f.Report)
		p.setServerRoutes(f.ServerID, f.Devices)
	case frameUserReport:
		p.dir.MergePeerReport(f.ServerID, f.UserID, f.Sessions)
	case frameDeviceState:
		p.setRoute(f.ServerID, f.DeviceID, f.Flags)
	case frameDispatch:
		p.deliver(f)
	case frameBroadcast:
		if p.sink != nil {
			p.sink.DeliverGroup(f.GroupID, f.Command)
		}
	default:
		log.Printf("peering: unknown frame type %q from %s", f.Type, f.ServerID)
	}
}

func (p *Peering) deliver(f Frame) {
	if p.sink == nil {
		return
	}
	if f.SessionID != "" {
		p.sink.DeliverSession(f.SessionID, f.Command)
		return
	}
	if f.UserID != "" {
		p.sink.DeliverUser(f.UserID, f.Command)
	}
}

// ReportUser pushes one user's current local sessions to all peers.
// Called on session register and unregister.
func (p *Peering) ReportUser(userID string) {
	report := p.dir.LocalReport()
	p.Broadcast(Frame{Type: frameUserReport, UserID: userID, Sessions: report[userID]})
}

// AdvertiseDevice announces that this server gained or lost the
// out-of-band channel for a device.
func (p *Peering) AdvertiseDevice(deviceID string, connected bool) {
	flags := 0
	if connected {
		flags = device.ConnAgent
	}
	p.setRoute(p.serverID, deviceID, flags)
	p.Broadcast(Frame{Type: frameDeviceState, DeviceID: deviceID, Flags: flags})
}

func (p *Peering) setRoute(serverID, deviceID string, flags int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if flags == 0 {
		if r, ok := p.routes[deviceID]; ok && r.serverID == serverID {
			delete(p.routes, deviceID)
		}
		return
	}
	p.routes[deviceID] = deviceRoute{serverID: serverID, flags: flags, seen: time.Now()}
}

func (p *Peering) setServerRoutes(serverID string, devices map[string]int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, r := range p.routes {
		if r.serverID == serverID {
			if _, still := devices[id]; !still {
				delete(p.routes, id)
			}
		}
	}
	now := time.Now()
	for id, flags := range devices {
		if flags != 0 {
			p.routes[id] = deviceRoute{serverID: serverID, flags: flags, seen: now}
		}
	}
}

func (p *Peering) dropServerRoutes(serverID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, r := range p.routes {
		if r.serverID == serverID {
			delete(p.routes, id)
		}
	}
}

// RoutingServer implements device.PeerRouter. Stale advertisements are
// ignored rather than swept.
func (p *Peering) RoutingServer(deviceID string, connFlag int) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.routes[deviceID]
	if !ok || r.flags&connFlag == 0 {
		return "", false
	}
	if r.serverID != p.serverID && time.Since(r.seen) > constants.PeerReportTTL {
		return "", false
	}
	if r.serverID == p.serverID {
		return "", false
	}
	return r.serverID, true
}
