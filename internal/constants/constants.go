package constants

import "time"

// Network defaults
const (
	DefaultHost     = "localhost:8080"
	DefaultPort     = "8080"
	MinPort         = 1
	MaxPort         = 65535
	WSBufferSize    = 131072 // 128KB WebSocket buffer
	CopyBufferSize  = 65536
	DialTimeout     = 10 * time.Second
	WSKeepAlive     = 240 * time.Second
	CleanupInterval = 30 * time.Second
)

// Out-of-band management ports. The base ports carry the HTTP-style
// management protocol, base+2 carries console redirection.
const (
	AmtPort      = 16992
	AmtPortTLS   = 16993
	RedirPort    = 16994
	RedirPortTLS = 16995
)

// Session settings
const (
	MaxWSFrameSize      = 4 * 1024 * 1024
	MaxConnectionsPerIP = 10
)

// Peering
const (
	PeerReportTTL     = 90 * time.Second
	PeerHeartbeat     = 30 * time.Second
	PeerChannelPrefix = "oobrelay:peer:"
	PeerBroadcast     = "oobrelay:peers"
	PeerCookieMaxAge  = 60 * time.Second
)

// Recording
const (
	RecordFilePrefix = "relaysession"
	RecordFileExt    = ".mcrec"
	RecordDirPerm    = 0755
	RecordFilePerm   = 0644
)

// API endpoints
const (
	EndpointRelay  = "/relay.ashx"
	EndpointAgent  = "/agent.ashx"
	EndpointHealth = "/health"
)

// Messages
const (
	MsgMethodNotAllowed = "Method not allowed"
	MsgNotAuthorized    = "Not authorized"
	MsgNotFound         = "Not found"
)
