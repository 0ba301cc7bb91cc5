package server

import (
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"

	"oobrelay/internal/agent"
	"oobrelay/internal/constants"
	"oobrelay/internal/peering"
	"oobrelay/internal/protocol"
	"oobrelay/internal/relay"
	"oobrelay/internal/rights"
	"oobrelay/internal/security"
	"oobrelay/internal/utils"
)

// HandleRelay is the operator relay ingress. Identity comes from a
// signed token, or from a peer cookie when another cluster member
// forwarded the session here.
func (s *Server) HandleRelay(w http.ResponseWriter, r *http.Request) {
	clientIP := security.GetClientIP(r)
	if !s.ConnLimiter.TryConnect(clientIP) {
		http.Error(w, "Too many connections", http.StatusTooManyRequests)
		return
	}
	defer s.ConnLimiter.Disconnect(clientIP)

	var principal *rights.Principal
	singleHop := false
	if pc := r.URL.Query().Get("pc"); pc != "" && s.peering != nil {
		p, err := peering.DecodePeerCookie(pc, s.peering.CookieKey())
		if err != nil {
			log.Printf("relay: rejecting peer cookie from %s: %v", clientIP, err)
			http.Error(w, constants.MsgNotAuthorized, http.StatusUnauthorized)
			return
		}
		principal = p
		singleHop = true
	} else {
		p, err := s.Auth.Authenticate(r)
		if err != nil {
			http.Error(w, constants.MsgNotAuthorized, http.StatusUnauthorized)
			return
		}
		principal = p
	}

	q := r.URL.Query()
	proto, _ := protocol.Parse(q.Get("p"))

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("relay: upgrade failed for %s: %v", clientIP, err)
		return
	}
	if tcp, ok := ws.UnderlyingConn().(*net.TCPConn); ok {
		tcp.SetKeepAlive(true)
		tcp.SetKeepAlivePeriod(constants.WSKeepAlive)
	}

	req := &relay.Request{
		WS:        ws,
		DeviceID:  q.Get("host"),
		Protocol:  proto,
		TLS1Only:  q.Get("tls1only") == "1",
		Principal: principal,
		SingleHop: singleHop,
		ClientIP:  clientIP,
		Query:     q,
	}
	if err := s.Establisher.HandleRelay(r.Context(), req); err != nil {
		log.Printf("relay: session for %s ended: %v", clientIP, err)
	}
}

// HandleAgent terminates device agent out-of-band channels.
func (s *Server) HandleAgent(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	deviceID := q.Get("id")
	if deviceID == "" {
		http.Error(w, constants.MsgNotFound, http.StatusBadRequest)
		return
	}

	if len(s.cfg.AgentKey) > 0 {
		value, ok := utils.VerifyValue(q.Get("at"), s.cfg.AgentKey)
		if !ok || value != deviceID {
			http.Error(w, constants.MsgNotAuthorized, http.StatusUnauthorized)
			return
		}
	}

	var ports []int
	for _, p := range strings.Split(q.Get("ports"), ",") {
		if n, err := strconv.Atoi(strings.TrimSpace(p)); err == nil && n >= constants.MinPort && n <= constants.MaxPort {
			ports = append(ports, n)
		}
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("agent: upgrade failed for %s: %v", deviceID, err)
		return
	}

	ch, err := agent.NewChannel(deviceID, ports, ws)
	if err != nil {
		log.Printf("agent: channel setup for %s: %v", deviceID, err)
		ws.Close()
		return
	}
	s.Agents.Add(ch)
	log.Printf("🔌 agent channel up: %s (ports %v)", deviceID, ports)

	ch.Wait()
	s.Agents.Remove(ch)
	log.Printf("🔌 agent channel down: %s", deviceID)
}

func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"sessions": len(s.Directory.LocalSessions()),
	})
}
