package peering

// Peer frame types exchanged over the cluster bus.
const (
	frameHello       = "hello"
	frameBye         = "bye"
	frameReport      = "report"     // full session + device snapshot, doubles as heartbeat
	frameUserReport  = "userReport" // single-user session delta
	frameDeviceState = "deviceState"
	frameDispatch    = "dispatch" // command for a session or user
	frameBroadcast   = "broadcast"
)

// Frame is the single envelope for all peer traffic. Unused fields
// are omitted on the wire.
type Frame struct {
	Type     string `cbor:"t"`
	ServerID string `cbor:"s"`

	UserID    string   `cbor:"u,omitempty"`
	SessionID string   `cbor:"sid,omitempty"`
	Sessions  []string `cbor:"l,omitempty"`

	// Report maps user id to that server's session ids.
	Report map[string][]string `cbor:"r,omitempty"`
	// Devices maps device id to connectivity flags on that server.
	Devices map[string]int `cbor:"d,omitempty"`

	DeviceID string `cbor:"dev,omitempty"`
	Flags    int    `cbor:"f,omitempty"`
	GroupID  string `cbor:"g,omitempty"`

	// Command is a JSON-encoded management command payload.
	Command []byte `cbor:"c,omitempty"`
}
