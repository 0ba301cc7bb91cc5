package peering

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"oobrelay/internal/constants"
	"oobrelay/internal/rights"
)

var ErrNoPeerAddr = errors.New("no address known for peer server")

// DispatchSession sends a command for one session to the server that
// owns it.
func (p *Peering) DispatchSession(serverID, sessionID string, cmd []byte) {
	p.SendTo(serverID, Frame{Type: frameDispatch, SessionID: sessionID, Command: cmd})
}

// DispatchUser fans a command out to every peer holding sessions for a
// user.
func (p *Peering) DispatchUser(userID string, cmd []byte) {
	p.Broadcast(Frame{Type: frameDispatch, UserID: userID, Command: cmd})
}

// DispatchGroup fans a group-scoped command out to all peers.
func (p *Peering) DispatchGroup(groupID string, cmd []byte) {
	p.Broadcast(Frame{Type: frameBroadcast, GroupID: groupID, Command: cmd})
}

// Forward bridges an operator WebSocket to the relay ingress of the
// peer server owning the device path. The signed cookie carries the
// operator identity for exactly one hop.
func (p *Peering) Forward(ctx context.Context, operator *websocket.Conn, serverID string, principal *rights.Principal, query url.Values) error {
	base, ok := p.addrs[serverID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoPeerAddr, serverID)
	}
	cookie, err := EncodePeerCookie(principal, p.cookieKey)
	if err != nil {
		return err
	}

	fwd := url.Values{}
	for k, vs := range query {
		fwd[k] = vs
	}
	fwd.Set("pc", cookie)
	target := strings.TrimSuffix(base, "/") + constants.EndpointRelay + "?" + fwd.Encode()

	peer, resp, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return fmt.Errorf("dial peer %s: %w", serverID, err)
	}
	log.Printf("peering: forwarding relay session to %s", serverID)

	done := make(chan struct{}, 2)
	bridge := func(src, dst *websocket.Conn) {
		defer func() { done <- struct{}{} }()
		for {
			mt, payload, err := src.ReadMessage()
			if err != nil {
				return
			}
			if err := dst.WriteMessage(mt, payload); err != nil {
				return
			}
		}
	}
	go bridge(operator, peer)
	go bridge(peer, operator)

	select {
	case <-ctx.Done():
	case <-done:
	}
	peer.Close()
	operator.Close()
	return nil
}
