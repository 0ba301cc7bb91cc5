package interceptor

import (
	"bytes"
	"encoding/binary"
)

// Console-redirection protocol message types.
const (
	redirStartSession      = 0x10
	redirStartSessionReply = 0x11
	redirEndSession        = 0x12
	redirAuthenticate      = 0x13
	redirAuthenticateReply = 0x14
)

const redirAuthUsernamePassword = 1

// RedirInterceptor substitutes the stored credential into the
// console-redirection authentication message. After a successful
// authentication reply both directions switch to raw pass-through.
type RedirInterceptor struct {
	args Args

	// BlockAmtStorage is accepted for interface parity with the HTTP
	// variant; the redirection protocol carries no storage
	// sub-protocol, so it has no effect here.
	BlockAmtStorage bool

	browserBuf bytes.Buffer
	amtBuf     bytes.Buffer
	direct     bool // authentication done, pass everything through
}

func NewRedirInterceptor(args Args) *RedirInterceptor {
	return &RedirInterceptor{args: args}
}

func (r *RedirInterceptor) ProcessBrowserData(chunk []byte) []byte {
	if r.direct {
		return flushThrough(&r.browserBuf, chunk)
	}
	r.browserBuf.Write(chunk)
	var out []byte
	for {
		msg, raw := r.nextBrowserMessage()
		if msg == nil && raw == nil {
			return out
		}
		if raw != nil {
			// Unrecognized message: give up and flush everything.
			out = append(out, raw...)
			continue
		}
		out = append(out, msg...)
	}
}

// nextBrowserMessage cuts one complete message from the browser
// buffer, rewriting authentication messages. Returns (nil, nil) when
// more input is needed, and (nil, raw) when parsing is abandoned.
func (r *RedirInterceptor) nextBrowserMessage() (msg, raw []byte) {
	data := r.browserBuf.Bytes()
	if len(data) == 0 {
		return nil, nil
	}
	switch data[0] {
	case redirStartSession:
		if len(data) < 8 {
			return nil, nil
		}
		out := take(&r.browserBuf, 8)
		return out, nil
	case redirEndSession:
		if len(data) < 4 {
			return nil, nil
		}
		return take(&r.browserBuf, 4), nil
	case redirAuthenticate:
		if len(data) < 9 {
			return nil, nil
		}
		authType := data[4]
		length := int(binary.LittleEndian.Uint32(data[5:9]))
		if len(data) < 9+length {
			return nil, nil
		}
		take(&r.browserBuf, 9+length)
		if authType != redirAuthUsernamePassword {
			// Other auth mechanisms are forwarded untouched.
			original := make([]byte, 9+length)
			copy(original, data[:9+length])
			return original, nil
		}
		return r.buildAuthMessage(), nil
	default:
		// Not a handshake message we know; flush buffered bytes
		// unmodified rather than stalling the stream.
		out := make([]byte, len(data))
		copy(out, data)
		r.browserBuf.Reset()
		r.direct = true
		return nil, out
	}
}

// buildAuthMessage emits an AuthenticateSession message carrying the
// stored credential in place of whatever the operator sent.
func (r *RedirInterceptor) buildAuthMessage() []byte {
	user, pass := []byte(r.args.User), []byte(r.args.Pass)
	payload := make([]byte, 0, 2+len(user)+len(pass))
	payload = append(payload, byte(len(user)))
	payload = append(payload, user...)
	payload = append(payload, byte(len(pass)))
	payload = append(payload, pass...)

	msg := make([]byte, 9, 9+len(payload))
	msg[0] = redirAuthenticate
	msg[4] = redirAuthUsernamePassword
	binary.LittleEndian.PutUint32(msg[5:9], uint32(len(payload)))
	return append(msg, payload...)
}

func (r *RedirInterceptor) ProcessAmtData(chunk []byte) []byte {
	if r.direct {
		return flushThrough(&r.amtBuf, chunk)
	}
	r.amtBuf.Write(chunk)
	var out []byte
	for {
		data := r.amtBuf.Bytes()
		if len(data) == 0 {
			return out
		}
		switch data[0] {
		case redirStartSessionReply:
			if len(data) < 13 {
				return out
			}
			oemLen := int(data[12])
			if len(data) < 13+oemLen {
				return out
			}
			out = append(out, take(&r.amtBuf, 13+oemLen)...)
		case redirAuthenticateReply:
			if len(data) < 9 {
				return out
			}
			length := int(binary.LittleEndian.Uint32(data[5:9]))
			if len(data) < 9+length {
				return out
			}
			status := data[1]
			out = append(out, take(&r.amtBuf, 9+length)...)
			if status == 0 {
				// Authenticated: the handshake is over on both sides.
				r.direct = true
				out = append(out, r.amtBuf.Bytes()...)
				r.amtBuf.Reset()
				return out
			}
		default:
			// Unknown device message: stop parsing, pass through.
			r.direct = true
			out = append(out, data...)
			r.amtBuf.Reset()
			return out
		}
	}
}

// flushThrough drains bytes a direction had buffered before the other
// direction switched to pass-through, prepending them to the next
// chunk so no partial message is lost across the switch.
func flushThrough(buf *bytes.Buffer, chunk []byte) []byte {
	if buf.Len() == 0 {
		return chunk
	}
	out := make([]byte, 0, buf.Len()+len(chunk))
	out = append(out, buf.Bytes()...)
	out = append(out, chunk...)
	buf.Reset()
	return out
}

func take(buf *bytes.Buffer, n int) []byte {
	out := make([]byte, n)
	copy(out, buf.Bytes()[:n])
	buf.Next(n)
	return out
}
