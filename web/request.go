package web

import (
	"bytes"
	"context"
	"io"
	"net/url"
	"strings"
)

// Request is an HTTP request, inbound on the server side or outbound
// through a Client. ContentLength of -1 means the length is unknown.
type Request struct {
	Method     string
	URL        *url.URL
	RequestURI string
	Proto      string
	Header     Header
	Body       io.ReadCloser
	// GetBody produces a fresh copy of Body so 307/308 redirects can
	// resend it. The copy must be closed by whoever reads it.
	GetBody       func() (io.ReadCloser, error)
	Host          string
	ContentLength int64

	// RemoteAddr is the peer address for server requests. With the
	// server's TrustXHeaders option it reflects X-Real-Ip or the last
	// X-Forwarded-For hop instead of the socket peer.
	RemoteAddr string
	// Scheme is "http" or "https" for server requests, honoring
	// X-Scheme/X-Forwarded-Proto when TrustXHeaders is set.
	Scheme string

	ctx context.Context

	// RequestID identifies this request in logs; the server assigns it
	// on arrival, the transport on send.
	RequestID string
	// CorrelationID is the peer-supplied X-Request-ID, carried through
	// so related log lines can be joined up.
	CorrelationID string
	// TraceID and SpanID hold W3C trace context (32 and 16 hex digits).
	// Empty IDs are filled in when the request is sent.
	TraceID string
	SpanID  string
	// ParentSpanID is the span this request descends from, when the
	// inbound traceparent named one.
	ParentSpanID string
	// TraceState is the raw tracestate header value to propagate.
	TraceState string
}

// Context returns the request's context, never nil.
func (r *Request) Context() context.Context {
	if r == nil || r.ctx == nil {
		return context.Background()
	}
	return r.ctx
}

// WithContext returns a shallow copy of r using ctx.
func WithContext(r *Request, ctx context.Context) *Request {
	if r == nil {
		return nil
	}
	r2 := *r
	r2.ctx = ctx
	return &r2
}

// NewRequest builds an outbound request for the given method and URL.
// For bytes.Reader, bytes.Buffer and strings.Reader bodies the content
// length is known and GetBody is set, so redirects can replay the body.
func NewRequest(method, rawurl string, body io.Reader) (*Request, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, err
	}
	r := &Request{
		Method:        method,
		URL:           u,
		Header:        Header{},
		ContentLength: -1,
	}
	switch v := body.(type) {
	case nil:
		r.ContentLength = 0
	case *bytes.Reader:
		r.ContentLength = int64(v.Len())
		snap := *v
		r.GetBody = func() (io.ReadCloser, error) {
			c := snap
			return io.NopCloser(&c), nil
		}
	case *bytes.Buffer:
		r.ContentLength = int64(v.Len())
		buf := v.Bytes()
		r.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(buf)), nil
		}
	case *strings.Reader:
		r.ContentLength = int64(v.Len())
		snap := *v
		r.GetBody = func() (io.ReadCloser, error) {
			c := snap
			return io.NopCloser(&c), nil
		}
	}
	if body != nil {
		if rc, ok := body.(io.ReadCloser); ok {
			r.Body = rc
		} else {
			r.Body = io.NopCloser(body)
		}
	}
	return r, nil
}
