package peering

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"

	"oobrelay/internal/rights"
	"oobrelay/internal/utils"
)

func signCookie(t *testing.T, c peerCookie, key []byte) string {
	t.Helper()
	raw, err := json.Marshal(c)
	if err != nil {
		t.Fatalf("marshal cookie: %v", err)
	}
	return utils.SignValue(base64.RawURLEncoding.EncodeToString(raw), key)
}

func TestSealOpenRoundTrip(t *testing.T) {
	s, err := newSealer("cluster-secret")
	if err != nil {
		t.Fatalf("newSealer: %v", err)
	}

	plain := []byte("peer frame payload")
	sealed, err := s.Seal(plain)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Contains(sealed, plain) {
		t.Error("sealed frame carries plaintext")
	}

	got, err := s.Open(sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Errorf("round trip = %q", got)
	}

	// Fresh nonce per frame: two seals of the same payload differ.
	sealed2, _ := s.Seal(plain)
	if bytes.Equal(sealed, sealed2) {
		t.Error("nonce reuse across frames")
	}
}

func TestOpenRejectsTamperAndWrongKey(t *testing.T) {
	s, _ := newSealer("cluster-secret")
	sealed, _ := s.Seal([]byte("payload"))

	tampered := append([]byte(nil), sealed...)
	tampered[len(tampered)-1] ^= 0x01
	if _, err := s.Open(tampered); err == nil {
		t.Error("tampered frame accepted")
	}

	other, _ := newSealer("different-secret")
	if _, err := other.Open(sealed); err == nil {
		t.Error("frame accepted under wrong cluster key")
	}

	if _, err := s.Open([]byte("short")); err == nil {
		t.Error("truncated frame accepted")
	}
}

func TestFrameEncodingOmitsEmptyFields(t *testing.T) {
	f := Frame{Type: frameHello, ServerID: "srv-1"}
	raw, err := cbor.Marshal(f)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got Frame
	if err := cbor.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Type != frameHello || got.ServerID != "srv-1" {
		t.Errorf("round trip = %+v", got)
	}

	full := Frame{
		Type:     frameUserReport,
		ServerID: "srv-1",
		UserID:   "user/d/alice",
		Sessions: []string{"s1", "s2"},
	}
	raw, _ = cbor.Marshal(full)
	if len(raw) >= 120 {
		t.Errorf("frame encoding unexpectedly large: %d bytes", len(raw))
	}
	var got2 Frame
	cbor.Unmarshal(raw, &got2)
	if len(got2.Sessions) != 2 || got2.UserID != full.UserID {
		t.Errorf("round trip = %+v", got2)
	}
}

func TestPeerCookieRoundTrip(t *testing.T) {
	key := []byte("signing-key")
	p := &rights.Principal{
		ID:        "user/d/alice",
		Name:      "alice",
		DomainID:  "d",
		SiteAdmin: 0,
		Links:     map[string]uint32{"mesh/g1": rights.RemoteControl},
		Groups:    []string{"g1"},
	}

	cookie, err := EncodePeerCookie(p, key)
	if err != nil {
		t.Fatalf("EncodePeerCookie: %v", err)
	}

	got, err := DecodePeerCookie(cookie, key)
	if err != nil {
		t.Fatalf("DecodePeerCookie: %v", err)
	}
	if got.ID != p.ID || got.Name != p.Name || got.DomainID != p.DomainID {
		t.Errorf("identity round trip = %+v", got)
	}
	if !got.CanRemoteControl("mesh/g1") {
		t.Error("rights lost in transit")
	}
}

func TestPeerCookieRejectsTamper(t *testing.T) {
	key := []byte("signing-key")
	cookie, _ := EncodePeerCookie(&rights.Principal{ID: "user/d/alice"}, key)

	if _, err := DecodePeerCookie(cookie+"x", key); err == nil {
		t.Error("tampered cookie accepted")
	}
	if _, err := DecodePeerCookie(cookie, []byte("other-key")); err == nil {
		t.Error("cookie accepted under wrong key")
	}
	if _, err := DecodePeerCookie("", key); err == nil {
		t.Error("empty cookie accepted")
	}
}

func TestPeerCookieExpires(t *testing.T) {
	key := []byte("signing-key")
	c := peerCookie{UserID: "user/d/alice", PS: 1, Issued: time.Now().Add(-2 * time.Minute).Unix()}
	signed := signCookie(t, c, key)
	if _, err := DecodePeerCookie(signed, key); err != ErrCookieExpired {
		t.Errorf("expected ErrCookieExpired, got %v", err)
	}
}

func TestPeerCookieRequiresSingleHopMark(t *testing.T) {
	key := []byte("signing-key")
	c := peerCookie{UserID: "user/d/alice", PS: 0, Issued: time.Now().Unix()}
	signed := signCookie(t, c, key)
	if _, err := DecodePeerCookie(signed, key); err != ErrCookieInvalid {
		t.Errorf("expected ErrCookieInvalid for ps != 1, got %v", err)
	}
}

func TestRoutingServerStaleness(t *testing.T) {
	p := &Peering{serverID: "srv-1", routes: map[string]deviceRoute{
		"dev-fresh": {serverID: "srv-2", flags: 2, seen: time.Now()},
		"dev-stale": {serverID: "srv-2", flags: 2, seen: time.Now().Add(-5 * time.Minute)},
		"dev-local": {serverID: "srv-1", flags: 2, seen: time.Now()},
	}}

	if srv, ok := p.RoutingServer("dev-fresh", 2); !ok || srv != "srv-2" {
		t.Errorf("fresh route = (%q, %v)", srv, ok)
	}
	if _, ok := p.RoutingServer("dev-stale", 2); ok {
		t.Error("stale advertisement still routed")
	}
	if _, ok := p.RoutingServer("dev-local", 2); ok {
		t.Error("local route offered as peer route")
	}
	if _, ok := p.RoutingServer("dev-fresh", 4); ok {
		t.Error("route offered for wrong path class")
	}
}
