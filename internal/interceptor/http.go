package interceptor

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

const amtStoragePath = "/amt-storage"

var blockedStorageReply = []byte("HTTP/1.1 501 Blocked\r\nContent-Length: 0\r\nConnection: keep-alive\r\n\r\n")

// digestChallenge holds the last WWW-Authenticate challenge seen from
// the device side. It feeds the rewrite of the next operator request.
type digestChallenge struct {
	realm string
	nonce string
	qop   string
}

const (
	httpStateHeader = iota // accumulating a header block
	httpStateBody          // counting down a content-length body
	httpStateChunked       // passing a chunked body through
	httpStateRaw           // gave up parsing, pass everything
)

type httpDirection struct {
	state     int
	buf       bytes.Buffer
	remaining int // body bytes left in httpStateBody
	// chunked sub-state
	chunkRemaining int
	chunkHeader    bytes.Buffer
	inTrailer      bool
	// Swallow the body of a blocked request without forwarding it.
	// Per direction: a device response must not reset the browser
	// side mid-swallow.
	blockBody bool
}

// HTTPInterceptor rewrites the digest authentication exchange of
// HTTP-style management traffic.
type HTTPInterceptor struct {
	args      Args
	challenge digestChallenge

	// BlockAmtStorage answers device storage sub-protocol requests
	// locally instead of forwarding them.
	BlockAmtStorage bool
	// OperatorInject, when set, receives bytes the interceptor wants
	// delivered to the operator outside the device stream (the local
	// reply for a blocked storage request).
	OperatorInject func([]byte)

	browser httpDirection // operator -> device
	amt     httpDirection // device -> operator
}

func NewHTTPInterceptor(args Args) *HTTPInterceptor {
	return &HTTPInterceptor{args: args}
}

func (h *HTTPInterceptor) ProcessBrowserData(chunk []byte) []byte {
	return h.process(&h.browser, chunk, true)
}

func (h *HTTPInterceptor) ProcessAmtData(chunk []byte) []byte {
	return h.process(&h.amt, chunk, false)
}

// process runs the shared header/body framing; header blocks are
// handed to the per-direction rewrite hook once complete.
func (h *HTTPInterceptor) process(d *httpDirection, chunk []byte, browser bool) []byte {
	if d.state == httpStateRaw {
		return chunk
	}
	d.buf.Write(chunk)
	var out []byte
	for {
		switch d.state {
		case httpStateHeader:
			data := d.buf.Bytes()
			idx := bytes.Index(data, []byte("\r\n\r\n"))
			if idx < 0 {
				return out
			}
			header := make([]byte, idx+4)
			copy(header, data[:idx+4])
			d.buf.Next(idx + 4)

			rewritten, swallow := header, false
			if browser {
				rewritten, swallow = h.rewriteRequest(header)
			} else {
				h.scanResponse(header)
			}

			length, chunked, ok := bodyFraming(header)
			if !ok {
				// Malformed header block: flush as-is and stop parsing.
				out = append(out, header...)
				out = append(out, d.buf.Bytes()...)
				d.buf.Reset()
				d.state = httpStateRaw
				return out
			}
			d.blockBody = swallow
			if !swallow {
				out = append(out, rewritten...)
			}
			switch {
			case chunked:
				d.state = httpStateChunked
				d.chunkRemaining = 0
				d.chunkHeader.Reset()
				d.inTrailer = false
			case length > 0:
				d.state = httpStateBody
				d.remaining = length
			default:
				d.blockBody = false
			}

		case httpStateBody:
			data := d.buf.Bytes()
			if len(data) == 0 {
				return out
			}
			n := d.remaining
			if n > len(data) {
				n = len(data)
			}
			if !d.blockBody {
				out = append(out, data[:n]...)
			}
			d.buf.Next(n)
			d.remaining -= n
			if d.remaining == 0 {
				d.state = httpStateHeader
				d.blockBody = false
			}

		case httpStateChunked:
			done, progress := h.copyChunked(d, &out)
			if !progress {
				return out
			}
			if done {
				d.state = httpStateHeader
				d.blockBody = false
			}
		}
	}
}

// copyChunked advances the chunked-body state machine. Returns
// progress=false when more input is needed.
func (h *HTTPInterceptor) copyChunked(d *httpDirection, out *[]byte) (done bool, progress bool) {
	emitted := 0
	for {
		if d.chunkRemaining > 0 {
			data := d.buf.Bytes()
			if len(data) == 0 {
				return false, emitted > 0
			}
			n := d.chunkRemaining
			if n > len(data) {
				n = len(data)
			}
			if !d.blockBody {
				*out = append(*out, data[:n]...)
			}
			d.buf.Next(n)
			d.chunkRemaining -= n
			emitted += n
			continue
		}
		// Need a full size line (or trailer line) ending in \r\n.
		data := d.buf.Bytes()
		idx := bytes.Index(data, []byte("\r\n"))
		if idx < 0 {
			return false, emitted > 0
		}
		line := make([]byte, idx+2)
		copy(line, data[:idx+2])
		d.buf.Next(idx + 2)
		if !d.blockBody {
			*out = append(*out, line...)
		}
		if d.inTrailer {
			if idx == 0 { // blank line ends the trailers
				return true, true
			}
			continue
		}
		sizeStr := strings.TrimSpace(string(line[:idx]))
		if semi := strings.IndexByte(sizeStr, ';'); semi >= 0 {
			sizeStr = sizeStr[:semi]
		}
		size, err := strconv.ParseInt(sizeStr, 16, 32)
		if err != nil {
			// Broken chunk framing: stop parsing this stream.
			*out = append(*out, d.buf.Bytes()...)
			d.buf.Reset()
			d.state = httpStateRaw
			return true, true
		}
		if size == 0 {
			d.inTrailer = true
			continue
		}
		d.chunkRemaining = int(size) + 2 // chunk data plus trailing CRLF
	}
}

// scanResponse captures the digest challenge out of a device response
// header block. The block is always forwarded unmodified.
func (h *HTTPInterceptor) scanResponse(header []byte) {
	for _, line := range strings.Split(string(header), "\r\n") {
		name, value, ok := strings.Cut(line, ":")
		if !ok || !strings.EqualFold(strings.TrimSpace(name), "WWW-Authenticate") {
			continue
		}
		value = strings.TrimSpace(value)
		if !strings.HasPrefix(value, "Digest ") {
			continue
		}
		params := parseDigestParams(value[len("Digest "):])
		h.challenge.realm = params["realm"]
		h.challenge.nonce = params["nonce"]
		h.challenge.qop = params["qop"]
	}
}

// rewriteRequest rewrites the Authorization header of an operator
// request with the stored credential, and flags storage sub-protocol
// requests for local blocking.
func (h *HTTPInterceptor) rewriteRequest(header []byte) (rewritten []byte, swallow bool) {
	lines := strings.Split(string(header), "\r\n")
	if len(lines) == 0 {
		return header, false
	}
	reqParts := strings.SplitN(lines[0], " ", 3)
	if len(reqParts) != 3 {
		return header, false
	}
	method, uri := reqParts[0], reqParts[1]

	if h.BlockAmtStorage && strings.HasPrefix(uri, amtStoragePath) {
		if h.OperatorInject != nil {
			h.OperatorInject(blockedStorageReply)
		}
		return nil, true
	}

	for i, line := range lines {
		name, value, ok := strings.Cut(line, ":")
		if !ok || !strings.EqualFold(strings.TrimSpace(name), "Authorization") {
			continue
		}
		value = strings.TrimSpace(value)
		if !strings.HasPrefix(value, "Digest ") {
			continue
		}
		params := parseDigestParams(value[len("Digest "):])
		lines[i] = "Authorization: " + h.digestAuthorization(method, uri, params)
	}
	return []byte(strings.Join(lines, "\r\n")), false
}

// digestAuthorization recomputes the digest response with the stored
// credential, keeping the client's uri/cnonce/nc so the exchange
// stays consistent.
func (h *HTTPInterceptor) digestAuthorization(method, uri string, client map[string]string) string {
	realm := h.challenge.realm
	if realm == "" {
		realm = client["realm"]
	}
	nonce := h.challenge.nonce
	if nonce == "" {
		nonce = client["nonce"]
	}
	qop := h.challenge.qop
	if qop == "" {
		qop = client["qop"]
	}
	if u := client["uri"]; u != "" {
		uri = u
	}

	ha1 := md5hex(h.args.User + ":" + realm + ":" + h.args.Pass)
	ha2 := md5hex(method + ":" + uri)
	var response string
	if qop != "" {
		response = md5hex(ha1 + ":" + nonce + ":" + client["nc"] + ":" + client["cnonce"] + ":" + qop + ":" + ha2)
	} else {
		response = md5hex(ha1 + ":" + nonce + ":" + ha2)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Digest username=%q, realm=%q, nonce=%q, uri=%q", h.args.User, realm, nonce, uri)
	if qop != "" {
		fmt.Fprintf(&b, ", qop=%s, nc=%s, cnonce=%q", qop, client["nc"], client["cnonce"])
	}
	fmt.Fprintf(&b, ", response=%q", response)
	return b.String()
}

// bodyFraming extracts body length info from a header block.
func bodyFraming(header []byte) (length int, chunked bool, ok bool) {
	lines := strings.Split(string(header), "\r\n")
	if len(lines) == 0 || !strings.Contains(lines[0], "HTTP/") {
		return 0, false, false
	}
	for _, line := range lines[1:] {
		name, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		name = strings.TrimSpace(name)
		value = strings.TrimSpace(value)
		if strings.EqualFold(name, "Content-Length") {
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return 0, false, false
			}
			length = n
		} else if strings.EqualFold(name, "Transfer-Encoding") && strings.Contains(strings.ToLower(value), "chunked") {
			chunked = true
		}
	}
	return length, chunked, true
}

func parseDigestParams(s string) map[string]string {
	params := make(map[string]string)
	for _, part := range splitDigestList(s) {
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		value = strings.Trim(value, `"`)
		params[strings.ToLower(key)] = value
	}
	return params
}

// splitDigestList splits a comma-separated digest parameter list,
// ignoring commas inside quoted strings.
func splitDigestList(s string) []string {
	var parts []string
	var cur strings.Builder
	inQuote := false
	for _, r := range s {
		switch {
		case r == '"':
			inQuote = !inQuote
			cur.WriteRune(r)
		case r == ',' && !inQuote:
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		parts = append(parts, cur.String())
	}
	return parts
}

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
