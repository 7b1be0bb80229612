package web

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"
)

// Transport executes a single HTTP request and returns its response.
type Transport interface {
	RoundTrip(*Request) (*Response, error)
}

// RedirectPolicy decides the follow-up request for a 3xx response.
// prev is the request that produced resp and n is the number of
// redirects already followed (starting at 1 for the first hop).
// Returning (nil, nil) stops following and hands resp to the caller.
type RedirectPolicy func(prev *Request, resp *Response, n int) (*Request, error)

// Client is a convenience wrapper over a Transport that adds
// timeouts, redirect following and status checking.
//
// The zero value uses DefaultTransport and follows up to
// DefaultMaxRedirects redirects.
type Client struct {
	Transport Transport

	// Timeout bounds the whole exchange including redirects. Zero
	// means no timeout beyond what the request context carries.
	Timeout time.Duration

	// MaxRedirects caps redirect hops. Zero means DefaultMaxRedirects;
	// negative disables following entirely.
	MaxRedirects int

	// RedirectPolicy overrides the default redirect behavior. When
	// nil, standard semantics apply: 303 switches to GET, 301/302
	// switch non-GET/HEAD methods to GET, 307/308 replay the original
	// method and body (requires GetBody for requests with a body).
	RedirectPolicy RedirectPolicy
}

// DefaultMaxRedirects is the redirect cap used when Client.MaxRedirects is zero.
const DefaultMaxRedirects = 5

func (c *Client) transport() Transport {
	if c.Transport != nil {
		return c.Transport
	}
	return DefaultTransport
}

func (c *Client) maxRedirects() int {
	switch {
	case c.MaxRedirects > 0:
		return c.MaxRedirects
	case c.MaxRedirects < 0:
		return 0
	default:
		return DefaultMaxRedirects
	}
}

// Do sends the request, following redirects per the client settings.
// The returned response body must be closed by the caller.
func (c *Client) Do(r *Request) (*Response, error) {
	if r == nil || r.URL == nil {
		return nil, ErrBadRequest
	}
	ctx := r.Context()
	var cancel context.CancelFunc
	if c.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		r = WithContext(r, ctx)
	}
	resp, err := c.do(r)
	if cancel != nil {
		if err != nil {
			cancel()
			return nil, err
		}
		resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
	}
	return resp, err
}

func (c *Client) do(r *Request) (*Response, error) {
	req := r
	limit := c.maxRedirects()
	for n := 0; ; n++ {
		resp, err := c.transport().RoundTrip(req)
		if err != nil {
			return nil, err
		}
		if !isRedirect(resp.StatusCode) || limit == 0 {
			return resp, nil
		}
		loc := resp.Header.Get("Location")
		if loc == "" {
			return resp, nil
		}
		if n >= limit {
			drainAndClose(resp.Body)
			return nil, ErrTooManyRedirects
		}
		var next *Request
		if c.RedirectPolicy != nil {
			next, err = c.RedirectPolicy(req, resp, n+1)
		} else {
			next, err = defaultRedirect(req, resp)
		}
		if err != nil {
			drainAndClose(resp.Body)
			return nil, err
		}
		if next == nil {
			return resp, nil
		}
		drainAndClose(resp.Body)
		next = WithContext(next, req.Context())
		req = next
	}
}

func isRedirect(code int) bool {
	switch code {
	case 301, 302, 303, 307, 308:
		return true
	}
	return false
}

// defaultRedirect builds the follow-up request per RFC 9110 semantics.
func defaultRedirect(prev *Request, resp *Response) (*Request, error) {
	loc := resp.Header.Get("Location")
	u, err := url.Parse(loc)
	if err != nil {
		return nil, fmt.Errorf("web: bad Location %q: %w", loc, err)
	}
	u = prev.URL.ResolveReference(u)
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("web: redirect to unsupported scheme %q", u.Scheme)
	}

	method := prev.Method
	var body io.ReadCloser
	cl := int64(0)
	switch resp.StatusCode {
	case 303:
		method = "GET"
	case 301, 302:
		if method != "GET" && method != "HEAD" {
			method = "GET"
		}
	case 307, 308:
		if prev.Body != nil || prev.ContentLength > 0 {
			if prev.GetBody == nil {
				return nil, fmt.Errorf("web: %d redirect requires GetBody to replay the request body", resp.StatusCode)
			}
			b, err := prev.GetBody()
			if err != nil {
				return nil, err
			}
			body = b
			cl = prev.ContentLength
		}
	}

	next := &Request{
		Method:        method,
		URL:           u,
		Header:        sanitizedRedirectHeader(prev.Header, prev.URL, u),
		Body:          body,
		GetBody:       prev.GetBody,
		ContentLength: cl,
		TraceID:       prev.TraceID,
		TraceState:    prev.TraceState,
		CorrelationID: prev.CorrelationID,
	}
	if method == "GET" {
		next.Body = nil
		next.GetBody = nil
		next.ContentLength = 0
	}
	return next, nil
}

// sanitizedRedirectHeader copies headers, dropping credentials when the
// redirect crosses to a different host.
func sanitizedRedirectHeader(h Header, from, to *url.URL) Header {
	out := h.Clone()
	if out == nil {
		out = Header{}
	}
	if !sameHost(from, to) {
		out.Del("Authorization")
		out.Del("Cookie")
		out.Del("Proxy-Authorization")
	}
	out.Del("Host")
	out.Del("Content-Length")
	return out
}

func sameHost(a, b *url.URL) bool {
	return strings.EqualFold(hostNoPort(a.Host), hostNoPort(b.Host))
}

// Get issues a GET to the given URL.
func (c *Client) Get(rawurl string) (*Response, error) {
	r, err := NewRequest("GET", rawurl, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(r)
}

// Head issues a HEAD to the given URL.
func (c *Client) Head(rawurl string) (*Response, error) {
	r, err := NewRequest("HEAD", rawurl, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(r)
}

// Post issues a POST with the given content type and body. The body is
// buffered so redirects can replay it.
func (c *Client) Post(rawurl, contentType string, body []byte) (*Response, error) {
	r, err := NewRequest("POST", rawurl, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	r.Header.Set("Content-Type", contentType)
	return c.Do(r)
}

// PostForm issues a POST with URL-encoded form values.
func (c *Client) PostForm(rawurl string, values url.Values) (*Response, error) {
	return c.Post(rawurl, "application/x-www-form-urlencoded", []byte(values.Encode()))
}

// Fetch behaves like Do but treats status codes >= 400 as errors,
// returning a *StatusError alongside the response. The response body
// must still be closed when a response is returned.
func (c *Client) Fetch(r *Request) (*Response, error) {
	resp, err := c.Do(r)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return resp, &StatusError{StatusCode: resp.StatusCode, Response: resp}
	}
	return resp, nil
}

// CloseIdleConnections releases idle pooled connections on the
// underlying transport, when it supports that.
func (c *Client) CloseIdleConnections() {
	type closeIdler interface{ CloseIdleConnections() }
	if t, ok := c.transport().(closeIdler); ok {
		t.CloseIdleConnections()
	}
}

func drainAndClose(body io.ReadCloser) {
	if body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}

// cancelBody releases the client timeout when the body is closed.
type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
