package web

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/galehq/gale/internal/obs"
)

// BasicTransport is an HTTP/1.1 Transport with per-host connection
// pooling, HTTP proxy and CONNECT tunnel support, and TLS. Connections
// are keyed so that a tunnel to one origin is never handed to another.
type BasicTransport struct {
	DialTimeout     time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleConnTimeout time.Duration
	MaxConnsPerHost int
	TLSConfig       *tls.Config
	// Proxy returns the proxy URL for a request. When nil, the process
	// environment (HTTP_PROXY et al) decides.
	Proxy func(*Request) (*url.URL, error)

	Logger obs.Logger
	Meter  obs.Meter

	pool     connPool
	initOnce sync.Once
	stopOnce sync.Once
	stop     chan struct{}
}

// DefaultTransport is used by Client when Transport is nil.
var DefaultTransport = NewBasicTransport()

func NewBasicTransport() *BasicTransport {
	return &BasicTransport{
		DialTimeout:     5 * time.Second,
		IdleConnTimeout: 30 * time.Second,
		MaxConnsPerHost: 8,
	}
}

// persistConn is one pooled connection with its buffered endpoints.
type persistConn struct {
	nc     net.Conn
	br     *bufio.Reader
	bw     *bufio.Writer
	idleAt time.Time
}

// connPool tracks idle and total connections per key. The limit covers
// idle and in-use connections together.
type connPool struct {
	mu    sync.Mutex
	idle  map[string][]*persistConn
	total map[string]int
}

// reserve claims a slot under key, returning an idle connection when
// one is available. ok is false when the per-key limit is reached.
func (p *connPool) reserve(key string, limit int) (pc *persistConn, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.idle == nil {
		p.idle = make(map[string][]*persistConn)
		p.total = make(map[string]int)
	}
	if n := len(p.idle[key]); n > 0 {
		pc = p.idle[key][n-1]
		p.idle[key] = p.idle[key][:n-1]
		return pc, true
	}
	if limit > 0 && p.total[key] >= limit {
		return nil, false
	}
	p.total[key]++
	return nil, true
}

// unreserve gives back a slot claimed by reserve after a failed dial.
func (p *connPool) unreserve(key string) {
	p.mu.Lock()
	if p.total[key] > 0 {
		p.total[key]--
	}
	p.mu.Unlock()
}

func (p *connPool) park(key string, pc *persistConn) {
	pc.idleAt = time.Now()
	p.mu.Lock()
	p.idle[key] = append(p.idle[key], pc)
	p.mu.Unlock()
}

func (p *connPool) discard(key string, pc *persistConn) {
	if pc != nil && pc.nc != nil {
		_ = pc.nc.Close()
	}
	p.unreserve(key)
}

// reapIdle closes idle connections older than maxIdle and reports how
// many were closed.
func (p *connPool) reapIdle(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)
	closed := 0
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, list := range p.idle {
		kept := list[:0]
		for _, pc := range list {
			if pc.idleAt.Before(cutoff) {
				_ = pc.nc.Close()
				p.total[key]--
				closed++
				continue
			}
			kept = append(kept, pc)
		}
		if len(kept) == 0 {
			delete(p.idle, key)
		} else {
			p.idle[key] = kept
		}
	}
	return closed
}

func (p *connPool) closeIdle() {
	p.mu.Lock()
	for key, list := range p.idle {
		for _, pc := range list {
			_ = pc.nc.Close()
			p.total[key]--
		}
		delete(p.idle, key)
	}
	p.mu.Unlock()
}

// dialPlan is how a request reaches its origin: the pool key, the dial
// function, and whether the request line must carry an absolute URI
// (plain HTTP through a proxy).
type dialPlan struct {
	key       string
	proxyHTTP bool
	proxy     *url.URL
	dial      func(ctx context.Context) (net.Conn, error)
}

func (t *BasicTransport) plan(r *Request) (*dialPlan, error) {
	scheme := r.URL.Scheme
	if scheme == "" {
		scheme = "http"
	}
	if scheme != "http" && scheme != "https" {
		return nil, fmt.Errorf("web: unsupported scheme %q", scheme)
	}
	var proxyURL *url.URL
	if t.Proxy != nil {
		if u, err := t.Proxy(r); err == nil {
			proxyURL = u
		}
	} else if u, err := ProxyFromEnvironment(r); err == nil {
		proxyURL = u
	}
	origin := hostPort(r.URL)
	switch {
	case proxyURL != nil && scheme == "http":
		// Plain HTTP through a proxy: the proxy connection serves any
		// origin, so key on the proxy alone.
		paddr := hostPort(proxyURL)
		return &dialPlan{
			key:       "proxy-http://" + paddr,
			proxyHTTP: true,
			proxy:     proxyURL,
			dial:      func(ctx context.Context) (net.Conn, error) { return t.dialTCP(ctx, paddr) },
		}, nil
	case proxyURL != nil:
		// TLS through a CONNECT tunnel: one tunnel per origin.
		paddr := hostPort(proxyURL)
		return &dialPlan{
			key:   "proxy-tunnel://" + paddr + "->" + origin,
			proxy: proxyURL,
			dial: func(ctx context.Context) (net.Conn, error) {
				return t.dialTunnel(ctx, paddr, proxyURL, origin, r)
			},
		}, nil
	default:
		return &dialPlan{
			key: scheme + "://" + origin,
			dial: func(ctx context.Context) (net.Conn, error) {
				if scheme == "https" {
					return t.dialTLS(ctx, origin, r)
				}
				return t.dialTCP(ctx, origin)
			},
		}, nil
	}
}

func (t *BasicTransport) RoundTrip(r *Request) (*Response, error) {
	t.initOnce.Do(t.startReaper)
	if r == nil || r.URL == nil {
		return nil, errors.New("web: nil request or URL")
	}
	start := time.Now()
	plan, err := t.plan(r)
	if err != nil {
		return nil, err
	}
	pc, err := t.checkout(r.Context(), plan)
	if err != nil {
		t.logf(obs.Error, "dial %s failed: %v", plan.key, err)
		t.meter().Counter("gale_client_requests_error", 1, obs.Label{Key: "stage", Value: "dial"})
		return nil, err
	}

	if dl := deadlineFor(r.Context(), t.WriteTimeout); !dl.IsZero() {
		_ = pc.nc.SetWriteDeadline(dl)
	}
	if err := t.send(pc, r, plan); err != nil {
		t.pool.discard(plan.key, pc)
		t.meter().Counter("gale_client_requests_error", 1, obs.Label{Key: "stage", Value: "write"})
		return nil, err
	}
	t.meter().Counter("gale_client_requests_total", 1, obs.Label{Key: "method", Value: r.Method})

	if dl := deadlineFor(r.Context(), t.ReadTimeout); !dl.IsZero() {
		_ = pc.nc.SetReadDeadline(dl)
	}
	resp, err := t.receive(pc, r, plan)
	if err != nil {
		t.pool.discard(plan.key, pc)
		t.meter().Counter("gale_client_requests_error", 1, obs.Label{Key: "stage", Value: "read"})
		return nil, err
	}
	status := itoaStatus(resp.StatusCode)
	t.meter().Counter("gale_client_responses_total", 1, obs.Label{Key: "status", Value: status})
	t.meter().Histogram("gale_client_roundtrip_duration_ms", float64(time.Since(start).Milliseconds()),
		obs.Label{Key: "method", Value: r.Method}, obs.Label{Key: "status", Value: status})
	return resp, nil
}

func (t *BasicTransport) checkout(ctx context.Context, plan *dialPlan) (*persistConn, error) {
	pc, ok := t.pool.reserve(plan.key, t.MaxConnsPerHost)
	if !ok {
		return nil, fmt.Errorf("web: connection limit reached for %s", plan.key)
	}
	if pc != nil {
		// Clear the idle deadline set at park time.
		_ = pc.nc.SetDeadline(time.Time{})
		t.meter().Counter("gale_client_conn_reuse_total", 1)
		return pc, nil
	}
	nc, err := plan.dial(ctx)
	if err != nil {
		t.pool.unreserve(plan.key)
		return nil, err
	}
	t.meter().Counter("gale_client_conn_dial_total", 1)
	return &persistConn{nc: nc, br: bufio.NewReader(nc), bw: bufio.NewWriter(nc)}, nil
}

func (t *BasicTransport) dialTCP(ctx context.Context, addr string) (net.Conn, error) {
	d := net.Dialer{Timeout: t.DialTimeout}
	return d.DialContext(ctx, "tcp", addr)
}

func (t *BasicTransport) dialTLS(ctx context.Context, addr string, r *Request) (net.Conn, error) {
	d := tls.Dialer{
		NetDialer: &net.Dialer{Timeout: t.DialTimeout},
		Config:    t.tlsConfigFor(r),
	}
	return d.DialContext(ctx, "tcp", addr)
}

// dialTunnel asks the proxy for a CONNECT tunnel to origin, then runs
// the TLS handshake over it.
func (t *BasicTransport) dialTunnel(ctx context.Context, proxyAddr string, proxyURL *url.URL, origin string, r *Request) (net.Conn, error) {
	nc, err := t.dialTCP(ctx, proxyAddr)
	if err != nil {
		return nil, err
	}
	var req bytes.Buffer
	fmt.Fprintf(&req, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n", origin, origin)
	if cred := proxyAuthHeader(proxyURL); cred != "" {
		fmt.Fprintf(&req, "Proxy-Authorization: %s\r\n", cred)
	}
	req.WriteString("Connection: keep-alive\r\n\r\n")
	if _, err := nc.Write(req.Bytes()); err != nil {
		_ = nc.Close()
		return nil, err
	}
	br := bufio.NewReader(nc)
	_, code, _, err := parseStatusLine(br)
	if err == nil {
		_, err = readHeaderBlock(br)
	}
	if err != nil {
		_ = nc.Close()
		return nil, err
	}
	if code != 200 {
		_ = nc.Close()
		return nil, fmt.Errorf("web: proxy CONNECT failed: %d", code)
	}
	tc := tls.Client(nc, t.tlsConfigFor(r))
	if dl, ok := ctx.Deadline(); ok {
		_ = tc.SetDeadline(dl)
	}
	if err := tc.HandshakeContext(ctx); err != nil {
		_ = nc.Close()
		return nil, err
	}
	_ = tc.SetDeadline(time.Time{})
	return tc, nil
}

// tlsConfigFor clones the configured TLS config with SNI and ALPN set
// for the request's host.
func (t *BasicTransport) tlsConfigFor(r *Request) *tls.Config {
	cfg := t.TLSConfig
	if cfg == nil {
		cfg = &tls.Config{}
	}
	if cfg.ServerName == "" || len(cfg.NextProtos) == 0 {
		cfg = cfg.Clone()
		if cfg.ServerName == "" {
			cfg.ServerName = hostNoPort(r.URL.Host)
		}
		if len(cfg.NextProtos) == 0 {
			cfg.NextProtos = []string{"http/1.1"}
		}
	}
	return cfg
}

// send assembles the request head in memory, then writes head and body.
func (t *BasicTransport) send(pc *persistConn, r *Request, plan *dialPlan) error {
	target := r.RequestURI
	if target == "" {
		switch {
		case plan.proxyHTTP:
			target = absoluteURL(r.URL)
		case r.URL.Opaque != "":
			target = r.URL.Opaque
		default:
			target = r.URL.RequestURI()
			if target == "" {
				target = "/"
			}
		}
	}

	hdr := r.Header
	if hdr == nil {
		hdr = Header{}
	}
	var head bytes.Buffer
	fmt.Fprintf(&head, "%s %s HTTP/1.1\r\n", r.Method, target)

	host := r.Host
	if host == "" {
		host = r.URL.Host
	}
	if hdr.Get("Host") == "" && host != "" {
		fmt.Fprintf(&head, "Host: %s\r\n", host)
	}
	if strings.EqualFold(hdr.Get("Connection"), "close") {
		head.WriteString("Connection: close\r\n")
	} else {
		head.WriteString("Connection: keep-alive\r\n")
	}
	t.stampIdentity(&head, hdr, r)
	if plan.proxyHTTP {
		if cred := proxyAuthHeader(plan.proxy); cred != "" {
			fmt.Fprintf(&head, "Proxy-Authorization: %s\r\n", cred)
		}
	}

	// When the caller gives a body without a length, buffer it so the
	// request can carry Content-Length. Streaming callers should set
	// ContentLength themselves.
	var buffered []byte
	if r.Body != nil {
		if r.ContentLength >= 0 {
			fmt.Fprintf(&head, "Content-Length: %d\r\n", r.ContentLength)
		} else {
			b, err := io.ReadAll(r.Body)
			if err != nil {
				return err
			}
			buffered = b
			fmt.Fprintf(&head, "Content-Length: %d\r\n", len(buffered))
		}
	}
	for k, vv := range hdr {
		switch {
		case strings.EqualFold(k, "Host"),
			strings.EqualFold(k, "Connection"),
			strings.EqualFold(k, "Content-Length"):
			continue
		}
		for _, v := range vv {
			fmt.Fprintf(&head, "%s: %s\r\n", k, v)
		}
	}
	head.WriteString("\r\n")

	if _, err := pc.bw.Write(head.Bytes()); err != nil {
		t.logf(obs.Warn, "write request head failed: %v", err)
		return err
	}
	switch {
	case buffered != nil:
		if _, err := pc.bw.Write(buffered); err != nil {
			return err
		}
	case r.Body != nil && r.ContentLength > 0:
		if _, err := io.CopyN(pc.bw, r.Body, r.ContentLength); err != nil {
			return err
		}
	}
	if err := pc.bw.Flush(); err != nil {
		t.logf(obs.Warn, "flush request failed: %v", err)
		return err
	}
	return nil
}

// stampIdentity adds request ID, correlation ID and W3C trace headers
// unless the caller already set them.
func (t *BasicTransport) stampIdentity(head *bytes.Buffer, hdr Header, r *Request) {
	if hdr.Get("X-Request-ID") == "" {
		id, ok := RequestIDFrom(r.Context())
		if !ok {
			id = genID()
		}
		hdr.Set("X-Request-ID", id)
	}
	if hdr.Get("X-Correlation-ID") == "" {
		if cid, ok := CorrelationIDFrom(r.Context()); ok {
			hdr.Set("X-Correlation-ID", cid)
		} else if r.CorrelationID != "" {
			hdr.Set("X-Correlation-ID", r.CorrelationID)
		}
	}
	if hdr.Get("Traceparent") == "" {
		tid := r.TraceID
		if tid == "" {
			if tr, ok := TraceFrom(r.Context()); ok && tr.TraceID != "" {
				tid = tr.TraceID
				r.ParentSpanID = tr.SpanID
			}
		}
		if tid == "" {
			tid = genTraceID()
			r.TraceID = tid
		}
		r.SpanID = genSpanID()
		fmt.Fprintf(head, "Traceparent: %s\r\n", formatTraceparent(tid, r.SpanID, "01"))
	}
	if hdr.Get("Tracestate") == "" && r.TraceState != "" {
		// Re-render through the builder so malformed entries never
		// reach the wire.
		if ts := NewTraceStateBuilder(r.TraceState).String(); ts != "" {
			fmt.Fprintf(head, "Tracestate: %s\r\n", ts)
		}
	}
}

// receive parses the response head and wires up a body reader whose
// Close returns the connection to the pool when it is safe to reuse.
func (t *BasicTransport) receive(pc *persistConn, r *Request, plan *dialPlan) (*Response, error) {
	proto, code, reason, err := parseStatusLine(pc.br)
	if err != nil {
		return nil, err
	}
	// Interim 1xx responses carry their own header block and are
	// followed by the real response.
	for code >= 100 && code < 200 {
		if _, err := readHeaderBlock(pc.br); err != nil {
			return nil, err
		}
		if proto, code, reason, err = parseStatusLine(pc.br); err != nil {
			return nil, err
		}
	}
	hdr, err := readHeaderBlock(pc.br)
	if err != nil {
		return nil, err
	}

	resp := &Response{
		Status:        fmt.Sprintf("%d %s", code, reason),
		StatusCode:    code,
		Proto:         proto,
		Header:        hdr,
		ContentLength: -1,
	}
	var inner io.ReadCloser
	reuse := true
	switch {
	case noResponseBody(code, r.Method):
		resp.ContentLength = 0
		inner = io.NopCloser(strings.NewReader(""))
	case headerHasChunked(hdr):
		inner = &chunkedReader{br: pc.br}
	case hdr.Get("Content-Length") != "":
		n, err := strconv.ParseInt(strings.TrimSpace(hdr.Get("Content-Length")), 10, 64)
		if err != nil || n < 0 {
			t.logf(obs.Warn, "bad Content-Length: %q", hdr.Get("Content-Length"))
			return nil, ErrBadRequest
		}
		resp.ContentLength = n
		if n == 0 {
			inner = io.NopCloser(strings.NewReader(""))
		} else {
			inner = &clientLimitedBody{lr: &io.LimitedReader{R: pc.br, N: n}}
		}
	default:
		// Close-delimited: the body ends when the peer closes.
		inner = io.NopCloser(pc.br)
		reuse = false
	}
	resp.Body = &clientBody{inner: inner, t: t, key: plan.key, pc: pc, reusable: reuse}
	return resp, nil
}

// clientBody returns the connection to the pool (or closes it) once the
// caller is done with the response.
type clientBody struct {
	inner    io.ReadCloser
	t        *BasicTransport
	key      string
	pc       *persistConn
	reusable bool
	closed   bool
}

func (b *clientBody) Read(p []byte) (int, error) { return b.inner.Read(p) }

func (b *clientBody) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	// Drain so the next response starts at a frame boundary.
	_, drainErr := io.Copy(io.Discard, b.inner)
	_ = b.inner.Close()
	if b.reusable && drainErr == nil {
		if b.t.IdleConnTimeout > 0 {
			_ = b.pc.nc.SetReadDeadline(time.Now().Add(b.t.IdleConnTimeout))
		}
		b.t.pool.park(b.key, b.pc)
	} else {
		b.t.pool.discard(b.key, b.pc)
	}
	return nil
}

func parseStatusLine(br *bufio.Reader) (proto string, code int, reason string, err error) {
	line, err := readWireLine(br, 8<<10)
	if err != nil {
		return "", 0, "", err
	}
	proto, rest, ok := strings.Cut(line, " ")
	if !ok || !strings.HasPrefix(proto, "HTTP/1.") {
		return "", 0, "", ErrProtocolViolation
	}
	codeStr, reason, _ := strings.Cut(rest, " ")
	code, err = strconv.Atoi(codeStr)
	if err != nil || code < 100 || code > 599 {
		return "", 0, "", ErrBadRequest
	}
	return proto, code, reason, nil
}

func readHeaderBlock(br *bufio.Reader) (Header, error) {
	h := Header{}
	for {
		line, err := readWireLine(br, 8<<10)
		if err != nil {
			return nil, err
		}
		if line == "" {
			return h, nil
		}
		k, v, ok := strings.Cut(line, ":")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, ErrBadRequest
		}
		h.Add(strings.TrimSpace(k), strings.TrimSpace(v))
	}
}

// readWireLine reads a CRLF (or bare LF) terminated line.
func readWireLine(br *bufio.Reader, limit int) (string, error) {
	var buf []byte
	for {
		chunk, err := br.ReadSlice('\n')
		buf = append(buf, chunk...)
		if err == nil {
			break
		}
		if err != bufio.ErrBufferFull {
			return "", err
		}
		if limit > 0 && len(buf) > limit {
			return "", ErrHeaderTooLarge
		}
	}
	if limit > 0 && len(buf) > limit {
		return "", ErrHeaderTooLarge
	}
	line := strings.TrimSuffix(string(buf), "\n")
	return strings.TrimSuffix(line, "\r"), nil
}

func headerHasChunked(h Header) bool {
	for _, v := range h.Values("Transfer-Encoding") {
		if strings.Contains(strings.ToLower(v), "chunked") {
			return true
		}
	}
	return false
}

func hostPort(u *url.URL) string {
	if _, _, err := net.SplitHostPort(u.Host); err == nil {
		return u.Host
	}
	port := "80"
	if u.Scheme == "https" {
		port = "443"
	}
	return net.JoinHostPort(hostNoPort(u.Host), port)
}

// hostNoPort strips an optional port, handling [v6]:port literals.
func hostNoPort(h string) string {
	if host, _, err := net.SplitHostPort(h); err == nil {
		return host
	}
	return strings.Trim(h, "[]")
}

// absoluteURL renders u in the absolute form a proxy expects, without
// userinfo.
func absoluteURL(u *url.URL) string {
	path := u.Opaque
	if path == "" {
		path = u.EscapedPath()
		if path == "" {
			path = "/"
		} else if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
	}
	s := u.Scheme + "://" + u.Host + path
	if u.RawQuery != "" {
		s += "?" + u.RawQuery
	}
	return s
}

func proxyAuthHeader(u *url.URL) string {
	if u == nil || u.User == nil {
		return ""
	}
	pass, _ := u.User.Password()
	cred := u.User.Username() + ":" + pass
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(cred))
}

func itoaStatus(code int) string { return strconv.Itoa(code) }

// deadlineFor combines an explicit timeout with the context deadline,
// taking whichever comes first.
func deadlineFor(ctx context.Context, timeout time.Duration) time.Time {
	var d time.Time
	if timeout > 0 {
		d = time.Now().Add(timeout)
	}
	if dl, ok := ctx.Deadline(); ok && (d.IsZero() || dl.Before(d)) {
		d = dl
	}
	return d
}

func (t *BasicTransport) logf(level obs.Level, format string, args ...interface{}) {
	lg := t.Logger
	if lg == nil {
		lg = obs.NopLogger{}
	}
	lg.Logf(level, format, args...)
}

func (t *BasicTransport) meter() obs.Meter {
	if t.Meter != nil {
		return t.Meter
	}
	return obs.NopMeter{}
}

// startReaper launches the idle-connection sweeper.
func (t *BasicTransport) startReaper() {
	t.stop = make(chan struct{})
	stop := t.stop
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if t.IdleConnTimeout <= 0 {
					continue
				}
				if n := t.pool.reapIdle(t.IdleConnTimeout); n > 0 {
					t.meter().Counter("gale_client_conn_idle_closed_total", float64(n))
				}
			case <-stop:
				return
			}
		}
	}()
}

// CloseIdleConnections closes all pooled idle connections immediately.
func (t *BasicTransport) CloseIdleConnections() {
	t.pool.closeIdle()
}

// Close stops the idle sweeper and closes idle connections. In-use
// connections are left to their owners.
func (t *BasicTransport) Close() {
	t.initOnce.Do(t.startReaper)
	t.stopOnce.Do(func() { close(t.stop) })
	t.CloseIdleConnections()
}

// ProxyFromEnvironment resolves a proxy from HTTP_PROXY, HTTPS_PROXY
// and ALL_PROXY, honoring NO_PROXY. Close to net/http's behavior for
// the common cases.
func ProxyFromEnvironment(r *Request) (*url.URL, error) {
	if r == nil || r.URL == nil {
		return nil, nil
	}
	scheme := r.URL.Scheme
	if scheme == "" {
		scheme = "http"
	}
	host := hostNoPort(r.URL.Host)
	_, port, err := net.SplitHostPort(r.URL.Host)
	if err != nil {
		port = "80"
		if scheme == "https" {
			port = "443"
		}
	}
	if noProxyMatch(host, port) {
		return nil, nil
	}
	var raw string
	if scheme == "https" {
		raw = firstEnv("HTTPS_PROXY", "https_proxy")
	} else {
		raw = firstEnv("HTTP_PROXY", "http_proxy")
	}
	if raw == "" {
		raw = firstEnv("ALL_PROXY", "all_proxy")
	}
	if raw == "" {
		return nil, nil
	}
	return url.Parse(raw)
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

func noProxyMatch(host, port string) bool {
	v := firstEnv("NO_PROXY", "no_proxy")
	if v == "" {
		return false
	}
	host = strings.ToLower(strings.Trim(host, "[]"))
	for _, entry := range strings.Split(v, ",") {
		entry = strings.TrimSpace(strings.ToLower(entry))
		if entry == "" {
			continue
		}
		if matchNoProxyEntry(entry, host, port) {
			return true
		}
	}
	return false
}

// matchNoProxyEntry handles one NO_PROXY element: "*", a CIDR, an IP or
// hostname with optional port, or a domain suffix.
func matchNoProxyEntry(entry, host, port string) bool {
	if entry == "*" {
		return true
	}
	if i := strings.Index(entry, "://"); i >= 0 {
		entry = entry[i+3:]
	}
	if strings.Contains(entry, "/") {
		ip := net.ParseIP(host)
		if ip == nil {
			return false
		}
		_, cidr, err := net.ParseCIDR(entry)
		return err == nil && cidr.Contains(ip)
	}
	if h, p, err := net.SplitHostPort(entry); err == nil {
		if p != port {
			return false
		}
		entry = h
	}
	entry = strings.Trim(entry, "[]")
	if host == entry {
		return true
	}
	if strings.HasPrefix(entry, ".") {
		return strings.HasSuffix(host, entry)
	}
	return strings.HasSuffix(host, "."+entry)
}

// clientLimitedBody reads a Content-Length delimited body; Close drains
// the remainder so the connection stays aligned.
type clientLimitedBody struct{ lr *io.LimitedReader }

func (b *clientLimitedBody) Read(p []byte) (int, error) { return b.lr.Read(p) }

func (b *clientLimitedBody) Close() error {
	_, err := io.Copy(io.Discard, b.lr)
	return err
}

// chunkedReader decodes a chunked response body. Trailers are consumed
// and dropped.
type chunkedReader struct {
	br     *bufio.Reader
	remain int64
	done   bool
}

func (c *chunkedReader) Read(p []byte) (int, error) {
	if c.done {
		return 0, io.EOF
	}
	if c.remain == 0 {
		size, err := c.readChunkSize()
		if err != nil {
			return 0, err
		}
		if size == 0 {
			if err := c.skipTrailers(); err != nil {
				return 0, err
			}
			c.done = true
			return 0, io.EOF
		}
		c.remain = size
	}
	if int64(len(p)) > c.remain {
		p = p[:c.remain]
	}
	n, err := c.br.Read(p)
	c.remain -= int64(n)
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return n, err
	}
	if c.remain == 0 {
		if err := c.expectCRLF(); err != nil {
			return n, err
		}
	}
	return n, nil
}

func (c *chunkedReader) readChunkSize() (int64, error) {
	line, err := readWireLine(c.br, 8<<10)
	if err != nil {
		return 0, err
	}
	// Chunk extensions are permitted and ignored.
	if i := strings.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	n, err := strconv.ParseInt(strings.TrimSpace(line), 16, 64)
	if err != nil || n < 0 {
		return 0, ErrBadRequest
	}
	return n, nil
}

func (c *chunkedReader) expectCRLF() error {
	b, err := c.br.ReadByte()
	if err != nil {
		return err
	}
	if b == '\r' {
		if b, err = c.br.ReadByte(); err != nil {
			return err
		}
	}
	if b != '\n' {
		return ErrBadRequest
	}
	return nil
}

func (c *chunkedReader) skipTrailers() error {
	for {
		line, err := readWireLine(c.br, 8<<10)
		if err != nil {
			return err
		}
		if line == "" {
			return nil
		}
	}
}

func (c *chunkedReader) Close() error {
	_, err := io.Copy(io.Discard, c)
	return err
}
