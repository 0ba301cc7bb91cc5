package server

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"oobrelay/internal/agent"
	"oobrelay/internal/constants"
	"oobrelay/internal/device"
	"oobrelay/internal/directory"
	"oobrelay/internal/peering"
	"oobrelay/internal/relay"
	"oobrelay/internal/router"
	"oobrelay/internal/security"
	"oobrelay/internal/utils"
)

// Config is what main hands the server after reading the environment.
type Config struct {
	ServerID string
	Port     string
	AuthKey  []byte
	AgentKey []byte
	Store    device.Store
	// BuildPeering constructs the cluster fabric around the session
	// directory. Nil (or a nil return) means standalone operation.
	BuildPeering func(dir *directory.Directory) *peering.Peering
	Recording    relay.RecordingConfig
	CertFile     string
	KeyFile      string
}

type Server struct {
	cfg         Config
	peering     *peering.Peering
	Agents      *agent.Registry
	Directory   *directory.Directory
	Dispatcher  *directory.Dispatcher
	Establisher *relay.Establisher
	Router      *router.Router
	Auth        Authenticator
	ConnLimiter *security.ConnectionLimiter
	upgrader    websocket.Upgrader
}

func NewServer(cfg Config) *Server {
	dispatcher := directory.NewDispatcher()
	dir := directory.New(dispatcher)
	agents := agent.NewRegistry()

	resolver := &device.LocalResolver{Agents: agents}
	est := &relay.Establisher{
		Store:     cfg.Store,
		Resolver:  resolver,
		Channels:  agentChannels{reg: agents},
		Directory: dir,
		Events:    dispatcher,
		Recording: cfg.Recording,
	}

	var peers *peering.Peering
	if cfg.BuildPeering != nil {
		peers = cfg.BuildPeering(dir)
	}

	var peerDispatch router.PeerDispatcher
	if peers != nil {
		resolver.Peers = peers
		est.Forwarder = peers
		est.OnSessionChange = peers.ReportUser
		agents.OnChange(func(deviceID string, connected bool) {
			peers.AdvertiseDevice(deviceID, connected)
		})
		peerDispatch = peers
	}

	rt := router.New(dir, peerDispatch)
	if peers != nil {
		peers.SetCommandSink(rt)
	}

	return &Server{
		cfg:         cfg,
		peering:     peers,
		Agents:      agents,
		Directory:   dir,
		Dispatcher:  dispatcher,
		Establisher: est,
		Router:      rt,
		Auth:        &TokenAuthenticator{Key: cfg.AuthKey, MaxAge: time.Hour},
		ConnLimiter: security.NewConnectionLimiter(constants.MaxConnectionsPerIP),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  constants.WSBufferSize,
			WriteBufferSize: constants.WSBufferSize,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// agentChannels adapts the agent registry to the relay channel
// contract.
type agentChannels struct {
	reg *agent.Registry
}

func (a agentChannels) Lookup(deviceID string) (relay.OOBChannel, bool) {
	c, ok := a.reg.Get(deviceID)
	if !ok {
		return nil, false
	}
	return oobChannel{c}, true
}

type oobChannel struct {
	ch *agent.Channel
}

func (c oobChannel) Ports() []int { return c.ch.BoundPorts }

func (c oobChannel) OpenSubchannel(port int) (relay.Subchannel, error) {
	return c.ch.OpenSubchannel(port)
}

func (s *Server) Run() {
	port := utils.GetEnv("OOB_PORT", s.cfg.Port)
	if port == "" {
		port = constants.DefaultPort
	}

	mux := http.NewServeMux()
	mux.HandleFunc(constants.EndpointRelay, s.HandleRelay)
	mux.HandleFunc(constants.EndpointAgent, s.HandleAgent)
	mux.HandleFunc(constants.EndpointHealth, s.HandleHealth)

	var handler http.Handler = mux
	handler = RecoveryMiddleware(handler)
	handler = CorsMiddleware(handler)
	handler = security.SecurityHeaders(handler)

	useTLS := false
	if s.cfg.CertFile != "" && s.cfg.KeyFile != "" {
		if _, err := os.Stat(s.cfg.CertFile); err == nil {
			if _, err := os.Stat(s.cfg.KeyFile); err == nil {
				useTLS = true
			}
		}
		if !useTLS {
			log.Printf("Warning: TLS requested but certs not found at %s", s.cfg.CertFile)
		}
	}

	var h2Handler http.Handler
	if useTLS {
		h2Handler = handler
	} else {
		h2Handler = h2c.NewHandler(handler, &http2.Server{})
	}

	server := &http.Server{
		Addr:              ":" + port,
		Handler:           h2Handler,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	peerCtx, peerCancel := context.WithCancel(context.Background())
	defer peerCancel()
	if s.peering != nil {
		go func() {
			if err := s.peering.Run(peerCtx); err != nil && err != context.Canceled {
				log.Printf("peering stopped: %v", err)
			}
		}()
	}

	if useTLS {
		log.Printf("🔒 HTTPS enabled (HTTP/2)")
		go func() {
			if err := server.ListenAndServeTLS(s.cfg.CertFile, s.cfg.KeyFile); err != nil && err != http.ErrServerClosed {
				log.Fatalf("HTTPS server error: %v", err)
			}
		}()
	} else {
		log.Printf("🌐 HTTP mode (HTTP/2 enabled)")
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("HTTP server error: %v", err)
			}
		}()
	}

	log.Printf("🚀 relay server %s starting on :%s", s.cfg.ServerID, port)

	<-sigChan
	log.Println("🛑 Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	peerCancel()
	s.Directory.Stop()
	log.Println("✅ Server stopped")
}
