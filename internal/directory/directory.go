// Package directory tracks every live interactive session per user,
// merged across this server and its peers, and emits session-count
// events when the merged count changes.
package directory

import (
	"context"
	"strings"
	"sync"

	"github.com/jellydator/ttlcache/v3"

	"oobrelay/internal/constants"
	"oobrelay/internal/rights"
)

// Handle is a live local session the directory can deliver to.
type Handle interface {
	Deliver(payload []byte) error
	Principal() *rights.Principal
}

// Event is a session-count change notification.
type Event struct {
	Action   string `json:"action"`
	UserID   string `json:"userid"`
	Username string `json:"username"`
	Count    int    `json:"count"`
	DomainID string `json:"domain"`
}

// EventSink receives count events together with the channel list they
// should fan out on.
type EventSink interface {
	Dispatch(channels []string, ev Event)
}

// SessionRef is a snapshot entry of a live local session.
type SessionRef struct {
	SessionID string
	UserID    string
	Handle    Handle
}

type peerState struct {
	byUser map[string][]string // userID -> session ids on that peer
}

// Directory is the authoritative session map. All mutation goes
// through its mutex; it is the only cross-session shared state in the
// relay core.
type Directory struct {
	mu            sync.Mutex
	local         map[string][]string // userID -> ordered session ids
	handles       map[string]SessionRef
	peers         *ttlcache.Cache[string, *peerState]
	peerBySession map[string]string // sessionID -> owning peer server id
	lastCounts    map[string]int
	sink          EventSink
}

func New(sink EventSink) *Directory {
	d := &Directory{
		local:         make(map[string][]string),
		handles:       make(map[string]SessionRef),
		peerBySession: make(map[string]string),
		lastCounts:    make(map[string]int),
		sink:          sink,
	}
	d.peers = ttlcache.New[string, *peerState](
		ttlcache.WithTTL[string, *peerState](constants.PeerReportTTL),
	)
	// A peer that stops reporting loses its sessions; recount so its
	// users' counts drop. Runs async: eviction can fire inside cache
	// calls made while d.mu is held.
	d.peers.OnEviction(func(_ context.Context, _ ttlcache.EvictionReason, item *ttlcache.Item[string, *peerState]) {
		go func() {
			d.mu.Lock()
			for _, ids := range item.Value().byUser {
				for _, id := range ids {
					delete(d.peerBySession, id)
				}
			}
			d.mu.Unlock()
			d.RecountAll()
		}()
	})
	go d.peers.Start()
	return d
}

// Stop halts the peer expiry loop.
func (d *Directory) Stop() { d.peers.Stop() }

// RegisterLocal adds a live local session and recounts its user.
func (d *Directory) RegisterLocal(userID, sessionID string, h Handle) {
	d.mu.Lock()
	d.local[userID] = append(d.local[userID], sessionID)
	d.handles[sessionID] = SessionRef{SessionID: sessionID, UserID: userID, Handle: h}
	d.mu.Unlock()
	d.RecountUser(userID)
}

// UnregisterLocal removes a local session and recounts its user.
func (d *Directory) UnregisterLocal(userID, sessionID string) {
	d.mu.Lock()
	ids := d.local[userID]
	for i, id := range ids {
		if id == sessionID {
			d.local[userID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(d.local[userID]) == 0 {
		delete(d.local, userID)
	}
	delete(d.handles, sessionID)
	d.mu.Unlock()
	d.RecountUser(userID)
}

// MergePeerReport replaces the recorded session set of one user on
// one peer. An empty list removes the user from that peer's report.
func (d *Directory) MergePeerReport(serverID, userID string, sessionIDs []string) {
	d.mu.Lock()
	state := d.peerStateLocked(serverID)
	for _, id := range state.byUser[userID] {
		delete(d.peerBySession, id)
	}
	if len(sessionIDs) == 0 {
		delete(state.byUser, userID)
	} else {
		state.byUser[userID] = append([]string(nil), sessionIDs...)
		for _, id := range sessionIDs {
			d.peerBySession[id] = serverID
		}
	}
	d.mu.Unlock()
	d.RecountUser(userID)
}

// MergePeerSnapshot replaces a peer's entire report; users absent
// from the snapshot are dropped.
func (d *Directory) MergePeerSnapshot(serverID string, byUser map[string][]string) {
	d.mu.Lock()
	state := d.peerStateLocked(serverID)
	for _, ids := range state.byUser {
		for _, id := range ids {
			delete(d.peerBySession, id)
		}
	}
	state.byUser = make(map[string][]string, len(byUser))
	for userID, ids := range byUser {
		state.byUser[userID] = append([]string(nil), ids...)
		for _, id := range ids {
			d.peerBySession[id] = serverID
		}
	}
	d.mu.Unlock()
	d.RecountAll()
}

// TouchPeer refreshes a peer's report TTL on heartbeat.
func (d *Directory) TouchPeer(serverID string) {
	d.mu.Lock()
	d.peerStateLocked(serverID)
	d.mu.Unlock()
}

// RemovePeer drops a peer's report immediately (clean shutdown).
func (d *Directory) RemovePeer(serverID string) {
	d.mu.Lock()
	if item := d.peers.Get(serverID, ttlcache.WithDisableTouchOnHit[string, *peerState]()); item != nil {
		for _, ids := range item.Value().byUser {
			for _, id := range ids {
				delete(d.peerBySession, id)
			}
		}
	}
	d.peers.Delete(serverID)
	d.mu.Unlock()
	d.RecountAll()
}

// peerStateLocked fetches or creates a peer entry, refreshing its TTL.
func (d *Directory) peerStateLocked(serverID string) *peerState {
	if item := d.peers.Get(serverID); item != nil {
		d.peers.Set(serverID, item.Value(), ttlcache.DefaultTTL)
		return item.Value()
	}
	state := &peerState{byUser: make(map[string][]string)}
	d.peers.Set(serverID, state, ttlcache.DefaultTTL)
	return state
}

// LookupBySessionID returns the live local handle for a session id.
func (d *Directory) LookupBySessionID(sessionID string) (Handle, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ref, ok := d.handles[sessionID]
	if !ok {
		return nil, false
	}
	return ref.Handle, true
}

// LookupByUserID returns all live local sessions of a user.
func (d *Directory) LookupByUserID(userID string) []SessionRef {
	d.mu.Lock()
	defer d.mu.Unlock()
	var refs []SessionRef
	for _, id := range d.local[userID] {
		if ref, ok := d.handles[id]; ok {
			refs = append(refs, ref)
		}
	}
	return refs
}

// PeerOwner returns which peer server reported owning a session id.
func (d *Directory) PeerOwner(sessionID string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	serverID, ok := d.peerBySession[sessionID]
	return serverID, ok
}

// LocalSessions snapshots every live local session.
func (d *Directory) LocalSessions() []SessionRef {
	d.mu.Lock()
	defer d.mu.Unlock()
	refs := make([]SessionRef, 0, len(d.handles))
	for _, ref := range d.handles {
		refs = append(refs, ref)
	}
	return refs
}

// LocalReport snapshots the local session ids per user, for peer
// replication.
func (d *Directory) LocalReport() map[string][]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string][]string, len(d.local))
	for userID, ids := range d.local {
		out[userID] = append([]string(nil), ids...)
	}
	return out
}

// RecountUser recomputes one user's merged count and emits an event
// only if it changed since the last emission.
func (d *Directory) RecountUser(userID string) {
	d.mu.Lock()
	newCount := d.mergedCountLocked(userID)
	oldCount := d.lastCounts[userID]
	if newCount == oldCount {
		d.mu.Unlock()
		return
	}
	if newCount == 0 {
		delete(d.lastCounts, userID)
	} else {
		d.lastCounts[userID] = newCount
	}
	ev, channels := d.countEventLocked(userID, newCount)
	sink := d.sink
	d.mu.Unlock()
	if sink != nil {
		sink.Dispatch(channels, ev)
	}
}

// RecountAll recomputes every user's merged count, emitting one event
// per changed user and a zero event for users that vanished.
func (d *Directory) RecountAll() {
	d.mu.Lock()
	newCounts := make(map[string]int)
	for userID := range d.local {
		newCounts[userID] = len(d.local[userID])
	}
	for _, item := range d.peers.Items() {
		for userID, ids := range item.Value().byUser {
			newCounts[userID] += len(ids)
		}
	}

	type emission struct {
		ev       Event
		channels []string
	}
	var emits []emission
	for userID, newCount := range newCounts {
		if d.lastCounts[userID] != newCount {
			ev, channels := d.countEventLocked(userID, newCount)
			emits = append(emits, emission{ev, channels})
		}
		delete(d.lastCounts, userID)
	}
	// Whoever is left was counted before but has no sessions now.
	for userID, oldCount := range d.lastCounts {
		if oldCount != 0 {
			ev, channels := d.countEventLocked(userID, 0)
			emits = append(emits, emission{ev, channels})
		}
	}
	d.lastCounts = newCounts
	sink := d.sink
	d.mu.Unlock()

	if sink != nil {
		for _, e := range emits {
			sink.Dispatch(e.channels, e.ev)
		}
	}
}

func (d *Directory) mergedCountLocked(userID string) int {
	count := len(d.local[userID])
	for _, item := range d.peers.Items() {
		count += len(item.Value().byUser[userID])
	}
	return count
}

// countEventLocked builds the event and its fanout channels. User ids
// follow the "user/<domain>/<name>" convention.
func (d *Directory) countEventLocked(userID string, count int) (Event, []string) {
	ev := Event{Action: "wssessioncount", UserID: userID, Count: count}
	if parts := strings.Split(userID, "/"); len(parts) == 3 {
		ev.DomainID = parts[1]
		ev.Username = parts[2]
	}
	channels := []string{"*", "server-users"}
	for _, id := range d.local[userID] {
		if ref, ok := d.handles[id]; ok && ref.Handle.Principal() != nil {
			for _, g := range ref.Handle.Principal().Groups {
				channels = append(channels, "server-users:"+g)
			}
			break
		}
	}
	return ev, channels
}
