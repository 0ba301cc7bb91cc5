package router

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"oobrelay/internal/directory"
	"oobrelay/internal/rights"
)

type fakeHandle struct {
	mu        sync.Mutex
	delivered [][]byte
	principal *rights.Principal
	fail      bool
}

func (h *fakeHandle) Deliver(p []byte) error {
	if h.fail {
		return errors.New("closed")
	}
	h.mu.Lock()
	h.delivered = append(h.delivered, p)
	h.mu.Unlock()
	return nil
}

func (h *fakeHandle) Principal() *rights.Principal { return h.principal }

type fakeDispatcher struct {
	sessions  []string // "serverID/sessionID"
	users     []string
	groups    []string
	lastBytes []byte
}

func (f *fakeDispatcher) DispatchSession(serverID, sessionID string, cmd []byte) {
	f.sessions = append(f.sessions, serverID+"/"+sessionID)
	f.lastBytes = cmd
}

func (f *fakeDispatcher) DispatchUser(userID string, cmd []byte) {
	f.users = append(f.users, userID)
	f.lastBytes = cmd
}

func (f *fakeDispatcher) DispatchGroup(groupID string, cmd []byte) {
	f.groups = append(f.groups, groupID)
	f.lastBytes = cmd
}

const alice = "user/d/alice"

func newRouter(t *testing.T) (*Router, *directory.Directory, *fakeDispatcher) {
	t.Helper()
	dir := directory.New(nil)
	t.Cleanup(dir.Stop)
	peers := &fakeDispatcher{}
	return New(dir, peers), dir, peers
}

func TestSessionPrecedenceLocal(t *testing.T) {
	rt, dir, peers := newRouter(t)
	h := &fakeHandle{}
	dir.RegisterLocal(alice, "s1", h)

	err := rt.Route(map[string]any{"sessionid": "s1", "userid": alice, "action": "msg"})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if len(h.delivered) != 1 {
		t.Fatalf("delivered %d commands", len(h.delivered))
	}
	if len(peers.sessions)+len(peers.users) != 0 {
		t.Error("local delivery leaked to peers")
	}

	var got map[string]any
	json.Unmarshal(h.delivered[0], &got)
	if _, ok := got["sessionid"]; ok {
		t.Error("addressing field survived into the delivered command")
	}
	if got["action"] != "msg" {
		t.Errorf("payload mangled: %v", got)
	}
}

func TestSessionForwardedToOwningPeer(t *testing.T) {
	rt, dir, peers := newRouter(t)
	dir.MergePeerReport("srv-2", alice, []string{"remote-1"})

	if err := rt.Route(map[string]any{"sessionid": "remote-1", "action": "msg"}); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if len(peers.sessions) != 1 || peers.sessions[0] != "srv-2/remote-1" {
		t.Errorf("peer dispatch = %v", peers.sessions)
	}
}

func TestUnknownSessionDropped(t *testing.T) {
	rt, _, peers := newRouter(t)
	if err := rt.Route(map[string]any{"sessionid": "ghost", "action": "msg"}); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if len(peers.sessions) != 0 {
		t.Error("dropped session reached peers")
	}
}

func TestUserFanout(t *testing.T) {
	rt, dir, peers := newRouter(t)
	h1, h2 := &fakeHandle{}, &fakeHandle{}
	dir.RegisterLocal(alice, "s1", h1)
	dir.RegisterLocal(alice, "s2", h2)
	dir.RegisterLocal("user/d/bob", "s3", &fakeHandle{})

	if err := rt.Route(map[string]any{"userid": alice, "action": "msg"}); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if len(h1.delivered) != 1 || len(h2.delivered) != 1 {
		t.Errorf("fanout = %d/%d, want 1/1", len(h1.delivered), len(h2.delivered))
	}
	if len(peers.users) != 1 || peers.users[0] != alice {
		t.Errorf("peer user dispatch = %v", peers.users)
	}
}

func TestGroupBroadcastFiltersByRights(t *testing.T) {
	rt, dir, peers := newRouter(t)
	entitled := &fakeHandle{principal: &rights.Principal{
		ID: alice, Links: map[string]uint32{"mesh/g1": rights.RemoteControl},
	}}
	outsider := &fakeHandle{principal: &rights.Principal{ID: "user/d/bob"}}
	broken := &fakeHandle{fail: true, principal: &rights.Principal{
		ID: "user/d/carol", Links: map[string]uint32{"mesh/g1": rights.SetNotes},
	}}
	dir.RegisterLocal(alice, "s1", entitled)
	dir.RegisterLocal("user/d/bob", "s2", outsider)
	dir.RegisterLocal("user/d/carol", "s3", broken)

	if err := rt.Route(map[string]any{"meshid": "mesh/g1", "action": "changed"}); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if len(entitled.delivered) != 1 {
		t.Errorf("entitled handle got %d commands", len(entitled.delivered))
	}
	if len(outsider.delivered) != 0 {
		t.Error("handle without group rights received broadcast")
	}
	if len(peers.groups) != 1 || peers.groups[0] != "mesh/g1" {
		t.Errorf("peer group dispatch = %v", peers.groups)
	}
}

func TestNoAddressingFieldFails(t *testing.T) {
	rt, _, _ := newRouter(t)
	if err := rt.Route(map[string]any{"action": "msg"}); err == nil {
		t.Fatal("expected error for unaddressed command")
	}
}

func TestPeerDeliveryNeverReforwards(t *testing.T) {
	rt, dir, peers := newRouter(t)
	h := &fakeHandle{}
	dir.RegisterLocal(alice, "s1", h)

	rt.DeliverSession("s1", []byte(`{"action":"msg"}`))
	rt.DeliverSession("ghost", []byte(`{"action":"msg"}`))

	if len(h.delivered) != 1 {
		t.Errorf("delivered %d commands", len(h.delivered))
	}
	if len(peers.sessions)+len(peers.users)+len(peers.groups) != 0 {
		t.Error("inbound peer command was forwarded again")
	}
}
