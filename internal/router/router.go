// Package router delivers management commands to operator sessions,
// locally or across the cluster, with session, user and group
// addressing in that order of precedence.
package router

import (
	"encoding/json"
	"fmt"
	"log"

	"oobrelay/internal/directory"
)

// PeerDispatcher forwards commands to other cluster members. A nil
// dispatcher means standalone operation.
type PeerDispatcher interface {
	DispatchSession(serverID, sessionID string, cmd []byte)
	DispatchUser(userID string, cmd []byte)
	DispatchGroup(groupID string, cmd []byte)
}

type Router struct {
	dir   *directory.Directory
	peers PeerDispatcher
}

func New(dir *directory.Directory, peers PeerDispatcher) *Router {
	return &Router{dir: dir, peers: peers}
}

// Route delivers a command by the first addressing field it carries:
// sessionid, then userid, then meshid. Addressing fields are stripped
// before delivery; per-recipient failures never abort the fanout.
func (r *Router) Route(cmd map[string]any) error {
	sessionID, _ := cmd["sessionid"].(string)
	userID, _ := cmd["userid"].(string)
	groupID, _ := cmd["meshid"].(string)

	delete(cmd, "sessionid")
	delete(cmd, "userid")

	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}

	switch {
	case sessionID != "":
		r.routeSession(sessionID, payload)
	case userID != "":
		r.DeliverUser(userID, payload)
		if r.peers != nil {
			r.peers.DispatchUser(userID, payload)
		}
	case groupID != "":
		r.DeliverGroup(groupID, payload)
		if r.peers != nil {
			r.peers.DispatchGroup(groupID, payload)
		}
	default:
		return fmt.Errorf("command has no addressing field")
	}
	return nil
}

func (r *Router) routeSession(sessionID string, payload []byte) {
	if h, ok := r.dir.LookupBySessionID(sessionID); ok {
		if err := h.Deliver(payload); err != nil {
			log.Printf("router: deliver to session %s: %v", sessionID, err)
		}
		return
	}
	if serverID, ok := r.dir.PeerOwner(sessionID); ok && r.peers != nil {
		r.peers.DispatchSession(serverID, sessionID, payload)
		return
	}
	// Session vanished between addressing and delivery. Drop.
}

// DeliverSession handles a session command dispatched by a peer.
// Commands arriving here are never forwarded again.
func (r *Router) DeliverSession(sessionID string, cmd []byte) {
	if h, ok := r.dir.LookupBySessionID(sessionID); ok {
		if err := h.Deliver(cmd); err != nil {
			log.Printf("router: deliver to session %s: %v", sessionID, err)
		}
	}
}

// DeliverUser sends a command to every local session of a user.
func (r *Router) DeliverUser(userID string, cmd []byte) {
	for _, ref := range r.dir.LookupByUserID(userID) {
		if err := ref.Handle.Deliver(cmd); err != nil {
			log.Printf("router: deliver to session %s: %v", ref.SessionID, err)
		}
	}
}

// DeliverGroup sends a command to every local session whose operator
// holds any right on the device group.
func (r *Router) DeliverGroup(groupID string, cmd []byte) {
	for _, ref := range r.dir.LocalSessions() {
		p := ref.Handle.Principal()
		if p == nil || !p.HasAnyRight(groupID) {
			continue
		}
		if err := ref.Handle.Deliver(cmd); err != nil {
			log.Printf("router: deliver to session %s: %v", ref.SessionID, err)
		}
	}
}
