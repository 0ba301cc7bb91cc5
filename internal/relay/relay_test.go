package relay

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"oobrelay/internal/device"
	"oobrelay/internal/directory"
	"oobrelay/internal/protocol"
	"oobrelay/internal/rights"
)

// wsPair returns a connected server/client WebSocket pair.
func wsPair(t *testing.T) (server, client *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	serverCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverCh <- ws
	}))
	t.Cleanup(srv.Close)

	c, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial test websocket: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	select {
	case s := <-serverCh:
		t.Cleanup(func() { s.Close() })
		return s, c
	case <-time.After(5 * time.Second):
		t.Fatal("websocket pair not established")
		return nil, nil
	}
}

type staticResolver struct {
	state device.State
}

func (r staticResolver) Resolve(context.Context, *device.Device) (device.State, error) {
	return r.state, nil
}

type countingChannels struct {
	mu      sync.Mutex
	lookups int
	channel OOBChannel
}

func (c *countingChannels) Lookup(string) (OOBChannel, bool) {
	c.mu.Lock()
	c.lookups++
	c.mu.Unlock()
	if c.channel == nil {
		return nil, false
	}
	return c.channel, true
}

type fakeChannel struct {
	ports []int
	sub   *fakeSubchannel
}

func (c *fakeChannel) Ports() []int { return c.ports }
func (c *fakeChannel) OpenSubchannel(port int) (Subchannel, error) {
	c.sub.port = port
	return c.sub, nil
}

type fakeSubchannel struct {
	mu      sync.Mutex
	port    int
	wrote   bytes.Buffer
	wroteCh chan struct{}
	onData  func([]byte)
	onClose func()
	once    sync.Once
}

func newFakeSubchannel() *fakeSubchannel {
	return &fakeSubchannel{wroteCh: make(chan struct{}, 16)}
}

func (s *fakeSubchannel) OnData(fn func([]byte))  { s.mu.Lock(); s.onData = fn; s.mu.Unlock() }
func (s *fakeSubchannel) OnClose(fn func())       { s.mu.Lock(); s.onClose = fn; s.mu.Unlock() }
func (s *fakeSubchannel) Start()                  {}
func (s *fakeSubchannel) Write(p []byte) error {
	s.mu.Lock()
	s.wrote.Write(p)
	s.mu.Unlock()
	select {
	case s.wroteCh <- struct{}{}:
	default:
	}
	return nil
}

func (s *fakeSubchannel) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		fn := s.onClose
		s.mu.Unlock()
		if fn != nil {
			fn()
		}
	})
	return nil
}

func (s *fakeSubchannel) feed(p []byte) {
	s.mu.Lock()
	fn := s.onData
	s.mu.Unlock()
	if fn != nil {
		fn(p)
	}
}

func (s *fakeSubchannel) written() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.wrote.Bytes()...)
}

type recordingForwarder struct {
	mu    sync.Mutex
	calls []string
}

func (f *recordingForwarder) Forward(_ context.Context, ws *websocket.Conn, serverID string, _ *rights.Principal, _ url.Values) error {
	f.mu.Lock()
	f.calls = append(f.calls, serverID)
	f.mu.Unlock()
	ws.Close()
	return nil
}

const (
	testGroup = "mesh/g1"
	testUser  = "admin"
	testPass  = "P@ssw0rd"
)

func testDevice() *device.Device {
	return &device.Device{
		ID:       "node/d/abc",
		DomainID: "d",
		GroupID:  testGroup,
		Host:     "10.0.0.5",
		AMT:      &device.AMTInfo{User: testUser, Pass: testPass},
	}
}

func operator() *rights.Principal {
	return &rights.Principal{
		ID: "user/d/alice", Name: "alice", DomainID: "d",
		Links: map[string]uint32{testGroup: rights.RemoteControl},
	}
}

func newEstablisher(t *testing.T, store device.Store, state device.State, ch *countingChannels) (*Establisher, *directory.Directory) {
	t.Helper()
	dir := directory.New(nil)
	t.Cleanup(dir.Stop)
	return &Establisher{
		Store:     store,
		Resolver:  staticResolver{state: state},
		Channels:  ch,
		Directory: dir,
	}, dir
}

func TestDeniedBeforeAnyTransportOrRecording(t *testing.T) {
	store := device.NewMemoryStore()
	store.Put(testDevice())
	channels := &countingChannels{}
	recDir := t.TempDir()

	e, _ := newEstablisher(t, store, device.State{Flags: device.ConnAgent}, channels)
	e.Recording = RecordingConfig{Enabled: true, Dir: recDir}

	server, client := wsPair(t)
	noRights := &rights.Principal{ID: "user/d/mallory", Links: map[string]uint32{testGroup: rights.SetNotes}}

	err := e.HandleRelay(context.Background(), &Request{
		WS: server, DeviceID: "node/d/abc", Protocol: protocol.WSMAN, Principal: noRights,
	})
	if !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("err = %v, want ErrAccessDenied", err)
	}
	if channels.lookups != 0 {
		t.Error("transport was attempted before the rights check failed")
	}
	if entries, _ := os.ReadDir(recDir); len(entries) != 0 {
		t.Error("recording file created for a denied session")
	}
	if _, _, err := client.ReadMessage(); err == nil {
		t.Error("operator socket left open after denial")
	}
}

func TestRejectsMissingOrUnknownTargets(t *testing.T) {
	store := device.NewMemoryStore()
	noAMT := testDevice()
	noAMT.ID = "node/d/plain"
	noAMT.AMT = nil
	store.Put(noAMT)

	tests := []struct {
		name     string
		deviceID string
		wantErr  error
	}{
		{"missing id", "", ErrMissingTarget},
		{"unknown device", "node/d/ghost", ErrUnknownDevice},
		{"no controller", "node/d/plain", ErrNotManageable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newEstablisher(t, store, device.State{}, &countingChannels{})
			server, _ := wsPair(t)
			err := e.HandleRelay(context.Background(), &Request{
				WS: server, DeviceID: tt.deviceID, Protocol: protocol.WSMAN, Principal: operator(),
			})
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestForwardsToOwningPeerExactlyOnce(t *testing.T) {
	store := device.NewMemoryStore()
	store.Put(testDevice())
	fwd := &recordingForwarder{}

	e, _ := newEstablisher(t, store, device.State{Flags: device.ConnAgent, AgentOwner: "srv-2"}, &countingChannels{})
	e.Forwarder = fwd

	server, _ := wsPair(t)
	err := e.HandleRelay(context.Background(), &Request{
		WS: server, DeviceID: "node/d/abc", Protocol: protocol.WSMAN, Principal: operator(),
	})
	if err != nil {
		t.Fatalf("HandleRelay: %v", err)
	}
	if len(fwd.calls) != 1 || fwd.calls[0] != "srv-2" {
		t.Errorf("forward calls = %v", fwd.calls)
	}

	// A session that already crossed a hop must never be forwarded
	// again, whatever the resolver says.
	server2, _ := wsPair(t)
	err = e.HandleRelay(context.Background(), &Request{
		WS: server2, DeviceID: "node/d/abc", Protocol: protocol.WSMAN, Principal: operator(),
		SingleHop: true,
	})
	if !errors.Is(err, ErrNoRoute) {
		t.Fatalf("second hop err = %v, want ErrNoRoute", err)
	}
	if len(fwd.calls) != 1 {
		t.Errorf("forwarder called on a single-hop session: %v", fwd.calls)
	}
}

type failingForwarder struct{}

func (failingForwarder) Forward(context.Context, *websocket.Conn, string, *rights.Principal, url.Values) error {
	return errors.New("peer unreachable")
}

func TestForwardFailureClosesOperatorSocket(t *testing.T) {
	store := device.NewMemoryStore()
	store.Put(testDevice())

	e, _ := newEstablisher(t, store, device.State{Flags: device.ConnAgent, AgentOwner: "srv-2"}, &countingChannels{})
	e.Forwarder = failingForwarder{}

	server, client := wsPair(t)
	err := e.HandleRelay(context.Background(), &Request{
		WS: server, DeviceID: "node/d/abc", Protocol: protocol.WSMAN, Principal: operator(),
	})
	if err == nil {
		t.Fatal("forward failure not reported")
	}
	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := client.ReadMessage(); err == nil {
		t.Error("operator socket left open after forward failure")
	}
}

func TestRedirectionSessionOverAgentChannel(t *testing.T) {
	store := device.NewMemoryStore()
	store.Put(testDevice())

	sub := newFakeSubchannel()
	channels := &countingChannels{channel: &fakeChannel{ports: []int{16992, 16994}, sub: sub}}

	e, dir := newEstablisher(t, store, device.State{Flags: device.ConnAgent}, channels)

	server, client := wsPair(t)
	done := make(chan error, 1)
	go func() {
		done <- e.HandleRelay(context.Background(), &Request{
			WS: server, DeviceID: "node/d/abc", Protocol: protocol.Redirection, Principal: operator(),
		})
	}()

	// Operator starts the redirection handshake with placeholder
	// credentials.
	auth := []byte{0x13, 0, 0, 0, 1}
	payload := []byte{4, 'f', 'a', 'k', 'e', 4, 'f', 'a', 'k', 'e'}
	auth = append(auth, 0, 0, 0, 0)
	binary.LittleEndian.PutUint32(auth[5:9], uint32(len(payload)))
	auth = append(auth, payload...)
	if err := client.WriteMessage(websocket.BinaryMessage, auth); err != nil {
		t.Fatalf("operator write: %v", err)
	}

	waitFor(t, sub.wroteCh)
	wrote := sub.written()
	if !bytes.Contains(wrote, []byte(testUser)) || !bytes.Contains(wrote, []byte(testPass)) {
		t.Errorf("device did not receive the stored credential: %x", wrote)
	}
	if bytes.Contains(wrote, []byte("fake")) {
		t.Error("operator placeholder credential reached the device")
	}
	if sub.port != 16994 {
		t.Errorf("subchannel opened to port %d, want 16994", sub.port)
	}

	// Device accepts; the reply must surface on the operator socket.
	reply := make([]byte, 9)
	reply[0] = 0x14
	sub.feed(reply)

	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, got, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("operator read: %v", err)
	}
	if !bytes.Equal(got, reply) {
		t.Errorf("operator received %x, want %x", got, reply)
	}

	if n := len(dir.LocalSessions()); n != 1 {
		t.Fatalf("directory has %d sessions mid-relay, want 1", n)
	}

	client.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("HandleRelay: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("session did not tear down after operator close")
	}
	if n := len(dir.LocalSessions()); n != 0 {
		t.Errorf("directory has %d sessions after teardown, want 0", n)
	}
}

func waitFor(t *testing.T, ch chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for device-side write")
	}
}
