package modemhttp

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// HeaderMask selects which common headers AddCommonHeaders appends.
type HeaderMask uint8

const (
	HeaderAccept HeaderMask = 1 << iota
	HeaderUserAgent
	HeaderConnection
	HeaderContentType

	HeaderAll HeaderMask = 0xFF
)

// clSlotWidth is the fixed digit width of the Content-Length value slot.
// The slot is reserved when the headers section closes and rewritten in
// place once the final body length is known.
const clSlotWidth = 5

// Request accumulates a custom request: header lines first, then body
// bytes. Appending the first body byte closes the headers section; no
// header mutation is permitted after that.
type Request struct {
	Method string

	buf        []byte
	headersLen int // frozen once the body section starts, 0 while open
	contentLen int
	clSlot     int // offset of the content-length digit slot, -1 while headers open
}

// NewRequest starts a request line and Host header for the given method
// ("GET" or "POST"), host (scheme prefix allowed) and relative URL.
func NewRequest(method, host, relativeURL string) (*Request, error) {
	if method != "GET" && method != "POST" {
		return nil, fmt.Errorf("%w: method %q", ErrPreCondition, method)
	}
	if host == "" || relativeURL == "" {
		return nil, fmt.Errorf("%w: empty host or URL", ErrPreCondition)
	}
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	r := &Request{Method: method, clSlot: -1}
	r.buf = append(r.buf, method...)
	r.buf = append(r.buf, ' ')
	r.buf = append(r.buf, relativeURL...)
	r.buf = append(r.buf, " HTTP/1.1\r\nHost: "...)
	r.buf = append(r.buf, host...)
	r.buf = append(r.buf, "\r\n"...)
	return r, nil
}

// AddHeader appends one "key: value" header line.
func (r *Request) AddHeader(key, value string) error {
	if r.headersLen != 0 {
		return ErrHeadersClosed
	}
	r.buf = append(r.buf, key...)
	r.buf = append(r.buf, ": "...)
	r.buf = append(r.buf, value...)
	r.buf = append(r.buf, "\r\n"...)
	return nil
}

// AddCommonHeaders appends the standard header set selected by mask.
func (r *Request) AddCommonHeaders(mask HeaderMask) error {
	if r.headersLen != 0 {
		return ErrHeadersClosed
	}
	if mask&HeaderAccept != 0 {
		_ = r.AddHeader("Accept", "*/*")
	}
	if mask&HeaderUserAgent != 0 {
		_ = r.AddHeader("User-Agent", "QUECTEL_MODULE")
	}
	if mask&HeaderConnection != 0 {
		_ = r.AddHeader("Connection", "Keep-Alive")
	}
	if mask&HeaderContentType != 0 {
		_ = r.AddHeader("Content-Type", "application/octet-stream")
	}
	return nil
}

// AddBasicAuth appends an Authorization header with base64 credentials.
func (r *Request) AddBasicAuth(user, password string) error {
	if r.headersLen != 0 {
		return ErrHeadersClosed
	}
	cred := base64.StdEncoding.EncodeToString([]byte(user + ":" + password))
	return r.AddHeader("Authorization", "Basic "+cred)
}

// AddBody appends body bytes. The first call closes the headers section,
// reserving the fixed-width Content-Length slot that Finalize rewrites.
func (r *Request) AddBody(data []byte) {
	if r.headersLen == 0 {
		r.buf = append(r.buf, "Content-Length: "...)
		r.clSlot = len(r.buf)
		r.buf = append(r.buf, "    0\r\n\r\n"...)
		r.headersLen = len(r.buf)
	}
	r.buf = append(r.buf, data...)
	r.contentLen += len(data)
}

// HeadersLen returns the frozen header-section length, 0 while still open.
func (r *Request) HeadersLen() int { return r.headersLen }

// ContentLen returns the number of body bytes appended so far.
func (r *Request) ContentLen() int { return r.contentLen }

// Finalize closes the headers section if it is still open and rewrites the
// Content-Length slot with the accumulated body length, bounded to the
// slot's width. The returned bytes are the complete request.
func (r *Request) Finalize() ([]byte, error) {
	if r.headersLen == 0 {
		r.AddBody(nil)
	}
	if r.contentLen > 99999 {
		return nil, ErrBodyTooLarge
	}
	copy(r.buf[r.clSlot:r.clSlot+clSlotWidth], fmt.Sprintf("%*d", clSlotWidth, r.contentLen))
	return r.buf, nil
}
