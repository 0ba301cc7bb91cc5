// Package interceptor rewrites the device authentication handshake
// inside a relayed byte stream, so operators never handle device
// credentials while the device still sees a correct exchange.
//
// Both variants keep independent parser state per direction and
// tolerate arbitrary chunk boundaries. On malformed handshake data
// they flush the bytes unmodified: a visibly broken handshake beats a
// silent hang.
package interceptor

// Interceptor is a single-session, stateful, two-direction rewriter.
// ProcessBrowserData handles operator->device chunks and
// ProcessAmtData handles device->operator chunks. Returned slices may
// be empty when the interceptor withholds bytes until a full
// statement is buffered.
type Interceptor interface {
	ProcessBrowserData(chunk []byte) []byte
	ProcessAmtData(chunk []byte) []byte
}

// Args carries the stored device credential and target info.
type Args struct {
	Host string
	Port int
	User string
	Pass string
}
