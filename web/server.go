package web

import (
	"bufio"
	"compress/gzip"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/galehq/gale/internal/obs"
	"github.com/galehq/gale/tcpserver"
	"github.com/galehq/gale/web/internal/http1"
)

type Handler interface {
	ServeHTTP(ResponseWriter, *Request)
}

type HandlerFunc func(ResponseWriter, *Request)

func (f HandlerFunc) ServeHTTP(w ResponseWriter, r *Request) {
	f(w, r)
}

type ResponseWriter interface {
	Header() Header
	Write([]byte) (int, error)
	WriteHeader(status int)
}

type Server struct {
	Addr              string
	Handler           Handler
	ReadTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	MaxBodyBytes      int64

	// EnableGzip compresses responses when the client sends
	// Accept-Encoding: gzip and the handler has not set its own
	// Content-Encoding.
	EnableGzip bool

	// TrustXHeaders rewrites Request.RemoteAddr and Request.Scheme from
	// X-Real-Ip/X-Forwarded-For and X-Scheme/X-Forwarded-Proto. Only
	// enable behind a proxy that sets them.
	TrustXHeaders bool

	// TLSConfig serves TLS on listeners passed to Serve. ListenAndServeTLS
	// fills it from certificate files.
	TLSConfig *tls.Config

	Logger obs.Logger
	Meter  obs.Meter

	mu         sync.Mutex
	tcp        *tcpserver.Server
	idle       map[net.Conn]struct{}
	inShutdown bool
}

func (s *Server) ListenAndServe() error {
	addr := s.Addr
	if addr == "" {
		addr = ":8080"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// ListenAndServeTLS is like ListenAndServe but wraps every connection
// in TLS using the given certificate and key files.
func (s *Server) ListenAndServeTLS(certFile, keyFile string) error {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return err
	}
	cfg := s.TLSConfig
	if cfg == nil {
		cfg = &tls.Config{}
	} else {
		cfg = cfg.Clone()
	}
	cfg.Certificates = append(cfg.Certificates, cert)
	if len(cfg.NextProtos) == 0 {
		cfg.NextProtos = []string{"http/1.1"}
	}
	s.mu.Lock()
	s.TLSConfig = cfg
	s.mu.Unlock()
	return s.ListenAndServe()
}

// Serve accepts connections on l until Shutdown or Close.
func (s *Server) Serve(l net.Listener) error {
	t := s.tcpServer()
	err := t.Serve(l)
	if errors.Is(err, tcpserver.ErrServerStopped) {
		return ErrServerClosed
	}
	return err
}

func (s *Server) tcpServer() *tcpserver.Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tcp == nil {
		s.tcp = &tcpserver.Server{
			Handler:   tcpserver.HandlerFunc(s.serveConn),
			TLSConfig: s.TLSConfig,
			Logger:    s.Logger,
		}
		s.idle = make(map[net.Conn]struct{})
	}
	return s.tcp
}

// Shutdown stops accepting, closes connections parked between requests
// and waits for active requests to finish or ctx to expire. Keep-alive
// connections are not reused once shutdown begins.
func (s *Server) Shutdown(ctx context.Context) error {
	t := s.tcpServer()
	s.mu.Lock()
	s.inShutdown = true
	for c := range s.idle {
		_ = c.Close()
		delete(s.idle, c)
	}
	s.mu.Unlock()
	return t.Shutdown(ctx)
}

// Close stops the server and forcibly closes all connections.
func (s *Server) Close() error {
	t := s.tcpServer()
	s.mu.Lock()
	s.inShutdown = true
	s.mu.Unlock()
	return t.Close()
}

func (s *Server) shuttingDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inShutdown
}

// setIdle records that c is parked waiting for the next request, so
// Shutdown can close it instead of waiting for a request that may
// never come.
func (s *Server) setIdle(c net.Conn, idle bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idle {
		if s.inShutdown {
			return false
		}
		s.idle[c] = struct{}{}
		return true
	}
	delete(s.idle, c)
	return true
}

// connResponseWriter streams the response to the client. If keepAlive is true
// and Content-Length is not set for HTTP/1.1, it enables chunked encoding.
type connResponseWriter struct {
	c         net.Conn
	br        *bufio.Reader
	bw        *bufio.Writer
	proto     string
	method    string
	keepAlive bool
	status    int
	wroteHdr  bool
	chunked   bool
	noBody    bool
	hijacked  bool
	hdr       Header
}

func (w *connResponseWriter) Header() Header {
	if w.hdr == nil {
		w.hdr = Header{}
	}
	return w.hdr
}

func (w *connResponseWriter) decideChunked() bool {
	if strings.EqualFold(w.hdr.Get("Connection"), "close") {
		w.keepAlive = false
	}
	if w.noBody {
		return false
	}
	hasCL := w.hdr.Get("Content-Length") != ""
	return w.proto == "HTTP/1.1" && w.keepAlive && !hasCL
}

func (w *connResponseWriter) startIfNeeded() error {
	if w.wroteHdr {
		return nil
	}
	if w.hijacked {
		return ErrHijacked
	}
	if w.status == 0 {
		w.status = 200
	}
	w.noBody = noResponseBody(w.status, w.method)
	w.chunked = w.decideChunked()
	// A 204 or 1xx must not carry Content-Length (RFC 7230 3.3.2);
	// HEAD and 304 keep it since it describes the omitted body.
	if w.noBody && w.method != "HEAD" && w.status != 304 {
		w.hdr.Del("Content-Length")
	}
	// Remove any user Connection header to avoid duplicates.
	if w.hdr != nil {
		w.hdr.Del("Connection")
	}
	hdrMap := map[string][]string(w.hdr)
	ka := w.keepAlive && (w.chunked || w.noBody || w.hdr.Get("Content-Length") != "")
	if err := http1.StartResponse(w.bw, w.status, "", hdrMap, w.chunked, ka); err != nil {
		return err
	}
	w.wroteHdr = true
	return nil
}

func (w *connResponseWriter) WriteHeader(status int) {
	if w.wroteHdr {
		return
	}
	if status == 0 {
		status = 200
	}
	w.status = status
	_ = w.startIfNeeded() // best-effort; error will surface on Flush
}

func (w *connResponseWriter) Write(p []byte) (int, error) {
	if w.hijacked {
		return 0, ErrHijacked
	}
	if !w.wroteHdr {
		if err := w.startIfNeeded(); err != nil {
			return 0, err
		}
	}
	// HEAD and 204/304 responses have no body on the wire; the bytes
	// are accepted and dropped so handlers need not special-case them.
	if w.noBody {
		return len(p), nil
	}
	if w.chunked {
		n, err := http1.WriteChunked(w.bw, p)
		if err != nil {
			return n, err
		}
		// Flush each chunk to enable streaming to clients.
		if err := w.bw.Flush(); err != nil {
			return n, err
		}
		return n, nil
	}
	return w.bw.Write(p)
}

func (w *connResponseWriter) Flush() error {
	if w.hijacked {
		return ErrHijacked
	}
	if !w.wroteHdr {
		if err := w.startIfNeeded(); err != nil {
			return err
		}
	}
	return w.bw.Flush()
}

// Hijack hands the connection to the caller. Nothing may have been
// written yet; the server stops processing this connection afterwards.
func (w *connResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if w.hijacked {
		return nil, nil, ErrHijacked
	}
	if w.wroteHdr {
		return nil, nil, errors.New("web: hijack after response started")
	}
	w.hijacked = true
	_ = w.c.SetDeadline(time.Time{})
	return w.c, bufio.NewReadWriter(w.br, w.bw), nil
}

func (s *Server) serveConn(ctx context.Context, c net.Conn) {
	hijacked := false
	defer func() {
		if !hijacked {
			_ = c.Close()
		}
	}()
	br := bufio.NewReader(c)
	bw := bufio.NewWriter(c)
	alive := true
	for alive {
		if !s.setIdle(c, true) {
			return
		}
		if s.ReadHeaderTimeout > 0 {
			_ = c.SetReadDeadline(time.Now().Add(s.ReadHeaderTimeout))
		}
		rr := &http1.Reader{BR: br, MaxHeaderBytes: s.headerLimit()}
		pr, err := rr.ReadRequest()
		s.setIdle(c, false)
		if err != nil {
			if err == io.EOF || s.shuttingDown() {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return
			}
			status := 400
			if errors.Is(err, http1.ErrHeaderTooLarge) {
				status = 431
			}
			s.logf(obs.Warn, "request parse failed from %s: %v", c.RemoteAddr(), err)
			s.metricCounter("gale_server_requests_error", 1, obs.Label{Key: "stage", Value: "parse"})
			_ = http1.WriteResponse(bw, status, "", map[string][]string{"Content-Length": {"0"}}, nil, false)
			_ = bw.Flush()
			return
		}
		start := time.Now()

		// Decide keep-alive
		ka := pr.Proto == "HTTP/1.1"
		connVal := strings.ToLower(Header(pr.Header).Get("Connection"))
		if pr.Proto == "HTTP/1.1" {
			if connVal == "close" {
				ka = false
			}
		} else if connVal == "keep-alive" {
			ka = true
		}

		r, err := s.buildRequest(ctx, c, pr)
		if err != nil {
			_ = http1.WriteResponse(bw, 400, "", map[string][]string{"Content-Length": {"0"}}, nil, false)
			_ = bw.Flush()
			return
		}

		if s.MaxBodyBytes > 0 && pr.ContentLength > s.MaxBodyBytes {
			s.metricCounter("gale_server_requests_error", 1, obs.Label{Key: "stage", Value: "body_limit"})
			_ = http1.WriteResponse(bw, 413, "", map[string][]string{"Content-Length": {"0"}}, nil, false)
			_ = bw.Flush()
			return
		}
		var limited *maxBytesBody
		if s.MaxBodyBytes > 0 && r.Body != nil {
			limited = &maxBytesBody{rc: r.Body, n: s.MaxBodyBytes}
			r.Body = limited
		}

		// Expect: 100-continue is answered lazily, when the handler
		// first reads the body, so handlers can reject without
		// soliciting the payload.
		if strings.EqualFold(Header(pr.Header).Get("Expect"), "100-continue") {
			r.Body = &expectContinueBody{rc: r.Body, bw: bw}
		}

		if s.ReadTimeout > 0 {
			_ = c.SetReadDeadline(time.Now().Add(s.ReadTimeout))
		}

		srw := &connResponseWriter{c: c, br: br, bw: bw, proto: pr.Proto, method: pr.Method, keepAlive: ka, hdr: Header{}}
		var hw ResponseWriter = srw
		var gz *gzipResponseWriter
		if s.EnableGzip && acceptsGzip(r.Header) {
			gz = &gzipResponseWriter{rw: srw}
			hw = gz
		}
		h := s.Handler
		if h == nil {
			h = HandlerFunc(func(w ResponseWriter, r *Request) {
				w.WriteHeader(404)
				_, _ = w.Write([]byte("not found"))
			})
		}
		s.metricCounter("gale_server_requests_total", 1, obs.Label{Key: "method", Value: r.Method})

		s.invoke(h, hw, r)

		if srw.hijacked {
			hijacked = true
			return
		}
		if gz != nil {
			_ = gz.Close()
		}

		// If handler didn't close/drain body, do it here for keep-alive.
		bodyPending := false
		if r.Body != nil {
			if ec, ok := r.Body.(*expectContinueBody); ok && !ec.wrote && r.ContentLength != 0 {
				// The 100 was never sent, but RFC 7231 5.1.1 lets the
				// client transmit the body anyway after a wait. Those
				// bytes would be parsed as the next request line, so
				// the connection cannot be reused.
				bodyPending = true
			}
			_ = r.Body.Close()
		}
		if limited != nil && limited.exceeded {
			s.metricCounter("gale_server_requests_error", 1, obs.Label{Key: "stage", Value: "body_limit"})
			if !srw.wroteHdr {
				_ = http1.WriteResponse(bw, 413, "", map[string][]string{"Content-Length": {"0"}}, nil, false)
				_ = bw.Flush()
				return
			}
			// Response already started; finish its framing and drop the
			// connection since the rest of the body was never read.
			if srw.chunked {
				_ = http1.EndChunked(bw)
			}
			_ = bw.Flush()
			return
		}

		// Finalize streamed response: if chunked, write terminator.
		if s.WriteTimeout > 0 {
			_ = c.SetWriteDeadline(time.Now().Add(s.WriteTimeout))
		}
		if !srw.wroteHdr {
			if err := srw.startIfNeeded(); err != nil {
				return
			}
		}
		if srw.chunked {
			if err := http1.EndChunked(bw); err != nil {
				return
			}
		}
		if err := bw.Flush(); err != nil {
			return
		}
		s.metricCounter("gale_server_responses_total", 1, obs.Label{Key: "status", Value: itoaStatus(srw.status)})
		s.metricHistogram("gale_server_request_duration_ms", float64(time.Since(start).Milliseconds()),
			obs.Label{Key: "method", Value: r.Method})

		finalKA := !bodyPending && srw.keepAlive &&
			(srw.chunked || srw.hdr.Get("Content-Length") != "" || noResponseBody(srw.status, r.Method))
		if !finalKA || s.shuttingDown() {
			alive = false
			break
		}
		// Reset deadlines for next request
		if s.IdleTimeout > 0 {
			_ = c.SetReadDeadline(time.Now().Add(s.IdleTimeout))
		} else if s.ReadTimeout > 0 {
			_ = c.SetReadDeadline(time.Now().Add(s.ReadTimeout))
		} else {
			_ = c.SetReadDeadline(time.Time{})
		}
	}
}

// invoke runs the handler with panic recovery; a panic before any
// bytes were written becomes a 500.
func (s *Server) invoke(h Handler, w ResponseWriter, r *Request) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logf(obs.Error, "panic serving %s %s: %v", r.Method, r.RequestURI, rec)
			s.metricCounter("gale_server_requests_error", 1, obs.Label{Key: "stage", Value: "handler"})
			w.Header().Set("Content-Length", "0")
			w.WriteHeader(500)
		}
	}()
	h.ServeHTTP(w, r)
}

func (s *Server) buildRequest(ctx context.Context, c net.Conn, pr *http1.ParsedRequest) (*Request, error) {
	var u *url.URL
	var err error
	if strings.HasPrefix(pr.RequestURI, "http://") || strings.HasPrefix(pr.RequestURI, "https://") {
		u, err = url.Parse(pr.RequestURI)
	} else {
		u, err = url.ParseRequestURI(pr.RequestURI)
	}
	if err != nil || u == nil {
		return nil, ErrBadRequest
	}
	hdr := Header(pr.Header)
	r := &Request{
		Method:        pr.Method,
		URL:           u,
		RequestURI:    pr.RequestURI,
		Proto:         pr.Proto,
		Header:        hdr,
		Body:          pr.Body,
		Host:          hdr.Get("Host"),
		ContentLength: pr.ContentLength,
		RemoteAddr:    c.RemoteAddr().String(),
		Scheme:        "http",
	}
	if _, ok := c.(*tls.Conn); ok || s.TLSConfig != nil {
		r.Scheme = "https"
	}
	if s.TrustXHeaders {
		applyXHeaders(r)
	}

	r.RequestID = genID()
	r.CorrelationID = hdr.Get("X-Request-Id")
	rctx := WithRequestID(ctx, r.RequestID)
	if r.CorrelationID != "" {
		rctx = WithCorrelationID(rctx, r.CorrelationID)
	}
	if tid, sid, flags, ok := parseTraceparent(hdr.Get("Traceparent")); ok {
		r.TraceID = tid
		r.ParentSpanID = sid
		r.SpanID = genSpanID()
		r.TraceState = hdr.Get("Tracestate")
		rctx = WithTrace(rctx, Trace{TraceID: tid, SpanID: r.SpanID, ParentSpanID: sid, Flags: flags})
	}
	r.ctx = rctx
	return r, nil
}

// applyXHeaders mirrors proxy-provided client information onto the
// request: the last X-Forwarded-For hop wins, X-Real-Ip wins over that,
// and the scheme follows X-Scheme/X-Forwarded-Proto when valid.
func applyXHeaders(r *Request) {
	ip := r.Header.Get("X-Real-Ip")
	if ip == "" {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.Split(xff, ",")
			ip = strings.TrimSpace(parts[len(parts)-1])
		}
	}
	if ip != "" && net.ParseIP(strings.Trim(ip, "[]")) != nil {
		r.RemoteAddr = ip
	}
	scheme := r.Header.Get("X-Scheme")
	if scheme == "" {
		scheme = r.Header.Get("X-Forwarded-Proto")
	}
	if scheme == "http" || scheme == "https" {
		r.Scheme = scheme
	}
}

func (s *Server) headerLimit() int {
	if s.MaxHeaderBytes <= 0 {
		return 8 << 10
	}
	return s.MaxHeaderBytes
}

func noResponseBody(status int, method string) bool {
	if method == "HEAD" {
		return true
	}
	if status >= 100 && status < 200 {
		return true
	}
	return status == 204 || status == 304
}

func acceptsGzip(h Header) bool {
	for _, v := range h.Values("Accept-Encoding") {
		if strings.Contains(strings.ToLower(v), "gzip") {
			return true
		}
	}
	return false
}

// expectContinueBody writes the interim 100 response the first time
// the handler asks for body bytes.
type expectContinueBody struct {
	rc    io.ReadCloser
	bw    *bufio.Writer
	wrote bool
}

func (b *expectContinueBody) Read(p []byte) (int, error) {
	if !b.wrote {
		b.wrote = true
		if err := http1.WriteContinue(b.bw); err != nil {
			return 0, err
		}
		if err := b.bw.Flush(); err != nil {
			return 0, err
		}
	}
	return b.rc.Read(p)
}

func (b *expectContinueBody) Close() error {
	// Without the interim response the client never sends the body, so
	// there is nothing to drain.
	if !b.wrote {
		return nil
	}
	return b.rc.Close()
}

// maxBytesBody fails the read once more than n bytes have been consumed.
type maxBytesBody struct {
	rc       io.ReadCloser
	n        int64
	exceeded bool
}

func (b *maxBytesBody) Read(p []byte) (int, error) {
	if b.n <= 0 {
		b.exceeded = true
		return 0, ErrBodyTooLarge
	}
	if int64(len(p)) > b.n+1 {
		p = p[:b.n+1]
	}
	n, err := b.rc.Read(p)
	b.n -= int64(n)
	if b.n < 0 {
		b.exceeded = true
		return n, ErrBodyTooLarge
	}
	return n, err
}

// Close drains through the limit so an oversized body cannot make the
// keep-alive drain unbounded. Once the limit trips the remaining bytes
// stay unread and the serve loop closes the connection.
func (b *maxBytesBody) Close() error {
	if b.exceeded {
		return nil
	}
	if _, err := io.Copy(io.Discard, b); err != nil {
		return nil
	}
	return b.rc.Close()
}

// gzipResponseWriter compresses the response body. The decision is
// deferred to the first write so a handler-set Content-Encoding wins.
type gzipResponseWriter struct {
	rw       *connResponseWriter
	zw       *gzip.Writer
	decided  bool
	compress bool
}

func (g *gzipResponseWriter) Header() Header { return g.rw.Header() }

func (g *gzipResponseWriter) decide() {
	if g.decided {
		return
	}
	g.decided = true
	h := g.rw.Header()
	if h.Get("Content-Encoding") != "" || noResponseBody(g.rw.status, g.rw.method) {
		return
	}
	h.Set("Content-Encoding", "gzip")
	h.Del("Content-Length")
	h.Add("Vary", "Accept-Encoding")
	g.compress = true
	g.zw = gzip.NewWriter(chunkWriter{g.rw})
}

func (g *gzipResponseWriter) WriteHeader(status int) {
	if g.rw.wroteHdr {
		return
	}
	if status == 0 {
		status = 200
	}
	g.rw.status = status
	g.decide()
	g.rw.WriteHeader(status)
}

func (g *gzipResponseWriter) Write(p []byte) (int, error) {
	if !g.decided {
		g.decide()
	}
	if g.compress {
		return g.zw.Write(p)
	}
	return g.rw.Write(p)
}

func (g *gzipResponseWriter) Flush() error {
	if g.compress {
		if err := g.zw.Flush(); err != nil {
			return err
		}
	}
	return g.rw.Flush()
}

func (g *gzipResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return g.rw.Hijack()
}

// Close finishes the gzip stream after the handler returns.
func (g *gzipResponseWriter) Close() error {
	if g.compress {
		return g.zw.Close()
	}
	return nil
}

// chunkWriter adapts the streaming response writer to io.Writer for gzip.
type chunkWriter struct {
	rw *connResponseWriter
}

func (c chunkWriter) Write(p []byte) (int, error) { return c.rw.Write(p) }

func (s *Server) logf(level obs.Level, format string, args ...interface{}) {
	lg := s.Logger
	if lg == nil {
		lg = obs.NopLogger{}
	}
	lg.Logf(level, format, args...)
}

func (s *Server) metricCounter(name string, value float64, labels ...obs.Label) {
	m := s.Meter
	if m == nil {
		m = obs.NopMeter{}
	}
	m.Counter(name, value, labels...)
}

func (s *Server) metricHistogram(name string, value float64, labels ...obs.Label) {
	m := s.Meter
	if m == nil {
		m = obs.NopMeter{}
	}
	m.Histogram(name, value, labels...)
}
