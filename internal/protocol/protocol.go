package protocol

import "oobrelay/internal/constants"

// Protocol is the relay protocol requested by the operator via the
// "p" query parameter.
type Protocol int

const (
	// WSMAN is HTTP-style management traffic, subject to digest
	// credential interception.
	WSMAN Protocol = 1
	// Redirection is the binary console-redirection protocol
	// (serial-over-LAN and friends).
	Redirection Protocol = 2
)

// Recording protocol markers written into the .mcrec metadata header.
const (
	RecordingWSMAN       = 100
	RecordingRedirection = 101
)

func Parse(v string) (Protocol, bool) {
	switch v {
	case "1":
		return WSMAN, true
	case "2":
		return Redirection, true
	}
	return 0, false
}

func (p Protocol) Valid() bool {
	return p == WSMAN || p == Redirection
}

// RecordingMarker returns the marker stored in recording metadata.
func (p Protocol) RecordingMarker() int {
	if p == Redirection {
		return RecordingRedirection
	}
	return RecordingWSMAN
}

// DirectPort computes the device TCP port for a direct connection.
// Direct connections use TLS whenever the device advertises it.
func (p Protocol) DirectPort(deviceTLS bool) (port int, useTLS bool) {
	port = constants.AmtPort
	if deviceTLS {
		port = constants.AmtPortTLS
		useTLS = true
	}
	if p == Redirection {
		port += 2
	}
	return port, useTLS
}

// ChannelPort computes the subchannel port on an established
// out-of-band channel. Non-TLS is preferred when the channel has the
// plain port bound; otherwise the TLS port is used and a TLS session
// must be spliced on top of the subchannel.
func (p Protocol) ChannelPort(boundPorts []int) (port int, useTLS bool) {
	port = constants.AmtPortTLS
	useTLS = true
	for _, bp := range boundPorts {
		if bp == constants.AmtPort {
			port = constants.AmtPort
			useTLS = false
			break
		}
	}
	if p == Redirection {
		port += 2
	}
	return port, useTLS
}
