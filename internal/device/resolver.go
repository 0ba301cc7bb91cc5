package device

import "context"

// Connectivity path classes, combinable as a bitmask.
const (
	ConnAgent  = 2 // out-of-band channel terminated on some server
	ConnDirect = 4 // device reachable by outbound TCP/TLS
)

// State describes which paths to a device are viable and, per path
// class, which peer server owns the live path. An empty owner means
// the path terminates locally (or, for direct, can be opened locally).
type State struct {
	Flags       int
	AgentOwner  string
	DirectOwner string
}

// Resolver decides reachability for an already-fetched device record.
type Resolver interface {
	Resolve(ctx context.Context, dev *Device) (State, error)
}

// AgentSource reports whether this server terminates the out-of-band
// channel for a device.
type AgentSource interface {
	Connected(deviceID string) bool
}

// PeerRouter reports which peer server owns a path class for a
// device, if any.
type PeerRouter interface {
	RoutingServer(deviceID string, connFlag int) (serverID string, ok bool)
}

// LocalResolver merges the local agent registry with peer-advertised
// connectivity.
type LocalResolver struct {
	Agents AgentSource
	Peers  PeerRouter // nil outside clustered deployments
}

func (r *LocalResolver) Resolve(_ context.Context, dev *Device) (State, error) {
	var st State
	if r.Agents != nil && r.Agents.Connected(dev.ID) {
		st.Flags |= ConnAgent
	} else if r.Peers != nil {
		if serverID, ok := r.Peers.RoutingServer(dev.ID, ConnAgent); ok {
			st.Flags |= ConnAgent
			st.AgentOwner = serverID
		}
	}
	if dev.Host != "" && dev.AMT != nil {
		st.Flags |= ConnDirect
	} else if r.Peers != nil {
		if serverID, ok := r.Peers.RoutingServer(dev.ID, ConnDirect); ok {
			st.Flags |= ConnDirect
			st.DirectOwner = serverID
		}
	}
	return st, nil
}
