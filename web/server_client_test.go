package web

import (
	"compress/gzip"
	"context"
	"errors"
	"io"
	"net"
	"net/url"
	"strings"
	"testing"
	"time"
)

func startServer(t *testing.T, h Handler, cfg func(*Server)) (*Server, string, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &Server{Handler: h}
	if cfg != nil {
		cfg(s)
	}
	go func() { _ = s.Serve(ln) }()
	addr := ln.Addr().String()
	shutdown := func() { _ = s.Shutdown(context.Background()) }
	return s, "http://" + addr + "/", shutdown
}

func TestServerClient_GET(t *testing.T) {
	h := HandlerFunc(func(w ResponseWriter, r *Request) {
		w.WriteHeader(200)
		w.Write([]byte("ok"))
	})
	_, base, stop := startServer(t, h, nil)
	defer stop()

	c := &Client{}
	res, err := c.Get(base)
	if err != nil {
		t.Fatalf("client get: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != 200 {
		t.Fatalf("status=%d", res.StatusCode)
	}
	b, _ := io.ReadAll(res.Body)
	if string(b) != "ok" {
		t.Fatalf("body=%q", string(b))
	}
}

func TestServerClient_PostEcho(t *testing.T) {
	h := HandlerFunc(func(w ResponseWriter, r *Request) {
		b, _ := io.ReadAll(r.Body)
		w.WriteHeader(200)
		w.Write(b)
	})
	_, base, stop := startServer(t, h, nil)
	defer stop()

	c := &Client{}
	res, err := c.Post(base, "text/plain", []byte("hello body"))
	if err != nil {
		t.Fatalf("client post: %v", err)
	}
	defer res.Body.Close()
	b, _ := io.ReadAll(res.Body)
	if string(b) != "hello body" {
		t.Fatalf("body=%q", string(b))
	}
}

func TestServer_Gzip(t *testing.T) {
	long := make([]byte, 4096)
	for i := range long {
		long[i] = 'A'
	}
	h := HandlerFunc(func(w ResponseWriter, r *Request) {
		w.WriteHeader(200)
		w.Write(long)
	})
	_, base, stop := startServer(t, h, func(s *Server) { s.EnableGzip = true })
	defer stop()

	c := &Client{}
	req := &Request{Method: "GET"}
	u, _ := url.Parse(base)
	req.URL = u
	req.Header = Header{"Accept-Encoding": {"gzip"}}
	res, err := c.Do(req)
	if err != nil {
		t.Fatalf("client do: %v", err)
	}
	defer res.Body.Close()
	if got := res.Header.Get("Content-Encoding"); got != "gzip" {
		t.Fatalf("Content-Encoding=%q", got)
	}
	zr, err := gzip.NewReader(res.Body)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	dec, _ := io.ReadAll(zr)
	if string(dec) != string(long) {
		t.Fatalf("decoded mismatch: %d vs %d", len(dec), len(long))
	}
}

func TestServer_DefaultNotFound(t *testing.T) {
	_, base, stop := startServer(t, nil, nil)
	defer stop()

	c := &Client{}
	res, err := c.Get(base)
	if err != nil {
		t.Fatalf("client get: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != 404 {
		t.Fatalf("status=%d, want 404", res.StatusCode)
	}
}

func TestServer_MaxBodyBytes(t *testing.T) {
	h := HandlerFunc(func(w ResponseWriter, r *Request) {
		_, _ = io.ReadAll(r.Body)
		w.WriteHeader(200)
	})
	_, base, stop := startServer(t, h, func(s *Server) { s.MaxBodyBytes = 8 })
	defer stop()

	c := &Client{}
	res, err := c.Post(base, "text/plain", []byte("this body is far too long"))
	if err != nil {
		t.Fatalf("client post: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != 413 {
		t.Fatalf("status=%d, want 413", res.StatusCode)
	}
}

func TestServer_PanicRecovery(t *testing.T) {
	h := HandlerFunc(func(w ResponseWriter, r *Request) {
		panic("boom")
	})
	_, base, stop := startServer(t, h, nil)
	defer stop()

	c := &Client{}
	res, err := c.Get(base)
	if err != nil {
		t.Fatalf("client get: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != 500 {
		t.Fatalf("status=%d, want 500", res.StatusCode)
	}
}

func TestServer_TrustXHeaders(t *testing.T) {
	var gotRemote, gotScheme string
	h := HandlerFunc(func(w ResponseWriter, r *Request) {
		gotRemote, gotScheme = r.RemoteAddr, r.Scheme
		w.WriteHeader(204)
	})
	_, base, stop := startServer(t, h, func(s *Server) { s.TrustXHeaders = true })
	defer stop()

	req, _ := NewRequest("GET", base, nil)
	req.Header.Set("X-Real-Ip", "203.0.113.9")
	req.Header.Set("X-Forwarded-Proto", "https")
	c := &Client{}
	res, err := c.Do(req)
	if err != nil {
		t.Fatalf("client do: %v", err)
	}
	res.Body.Close()
	if gotRemote != "203.0.113.9" {
		t.Fatalf("RemoteAddr=%q", gotRemote)
	}
	if gotScheme != "https" {
		t.Fatalf("Scheme=%q", gotScheme)
	}
}

func TestServer_RequestIDAndTrace(t *testing.T) {
	var reqID, traceID, parentSpan string
	h := HandlerFunc(func(w ResponseWriter, r *Request) {
		reqID, traceID, parentSpan = r.RequestID, r.TraceID, r.ParentSpanID
		w.WriteHeader(204)
	})
	_, base, stop := startServer(t, h, nil)
	defer stop()

	req, _ := NewRequest("GET", base, nil)
	req.Header.Set("Traceparent", "00-0123456789abcdef0123456789abcdef-0123456789abcdef-01")
	c := &Client{}
	res, err := c.Do(req)
	if err != nil {
		t.Fatalf("client do: %v", err)
	}
	res.Body.Close()
	if reqID == "" {
		t.Fatal("RequestID not assigned")
	}
	if traceID != "0123456789abcdef0123456789abcdef" {
		t.Fatalf("TraceID=%q", traceID)
	}
	if parentSpan == "" {
		t.Fatal("ParentSpanID not captured")
	}
}

func TestServer_KeepAliveReuse(t *testing.T) {
	h := HandlerFunc(func(w ResponseWriter, r *Request) {
		w.WriteHeader(200)
		w.Write([]byte("ok"))
	})
	_, base, stop := startServer(t, h, nil)
	defer stop()

	tr := NewBasicTransport()
	defer tr.Close()
	c := &Client{Transport: tr}
	for i := 0; i < 3; i++ {
		res, err := c.Get(base)
		if err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
		_, _ = io.ReadAll(res.Body)
		res.Body.Close()
	}
}

func TestServer_ExpectContinue(t *testing.T) {
	h := HandlerFunc(func(w ResponseWriter, r *Request) {
		b, _ := io.ReadAll(r.Body)
		w.WriteHeader(200)
		w.Write(b)
	})
	_, base, stop := startServer(t, h, nil)
	defer stop()

	// Raw client so we can observe the interim 100.
	u, _ := url.Parse(base)
	conn, err := net.Dial("tcp", u.Host)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_, _ = conn.Write([]byte("POST / HTTP/1.1\r\nHost: x\r\nContent-Length: 5\r\nExpect: 100-continue\r\n\r\n"))
	time.Sleep(50 * time.Millisecond)
	_, _ = conn.Write([]byte("hello"))
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	raw, _ := io.ReadAll(io.LimitReader(conn, 4096))
	out := string(raw)
	if !strings.Contains(out, "HTTP/1.1 100 Continue\r\n\r\n") {
		t.Fatalf("no interim 100 in: %q", out)
	}
	if !strings.Contains(out, "hello") {
		t.Fatalf("echo missing in: %q", out)
	}
}

func TestServer_Shutdown(t *testing.T) {
	release := make(chan struct{})
	h := HandlerFunc(func(w ResponseWriter, r *Request) {
		<-release
		w.WriteHeader(200)
		w.Write([]byte("late"))
	})
	s, base, _ := startServer(t, h, nil)

	c := &Client{}
	resc := make(chan *Response, 1)
	errc := make(chan error, 1)
	go func() {
		res, err := c.Get(base)
		if err != nil {
			errc <- err
			return
		}
		resc <- res
	}()
	time.Sleep(100 * time.Millisecond)

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		done <- s.Shutdown(ctx)
	}()
	time.Sleep(100 * time.Millisecond)
	close(release)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("shutdown: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not complete")
	}
	select {
	case res := <-resc:
		b, _ := io.ReadAll(res.Body)
		res.Body.Close()
		if string(b) != "late" {
			t.Fatalf("in-flight body=%q", string(b))
		}
	case err := <-errc:
		t.Fatalf("in-flight request failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight request never finished")
	}

	if _, err := c.Get(base); err == nil {
		t.Fatal("expected error connecting after shutdown")
	}
}

func TestClient_RedirectSeeOther(t *testing.T) {
	var sawMethod string
	h := HandlerFunc(func(w ResponseWriter, r *Request) {
		switch r.URL.Path {
		case "/start":
			w.Header().Set("Location", "/final")
			w.WriteHeader(303)
		case "/final":
			sawMethod = r.Method
			w.WriteHeader(200)
			w.Write([]byte("done"))
		default:
			w.WriteHeader(404)
		}
	})
	_, base, stop := startServer(t, h, nil)
	defer stop()

	c := &Client{}
	res, err := c.Post(base+"start", "text/plain", []byte("payload"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != 200 {
		t.Fatalf("status=%d", res.StatusCode)
	}
	if sawMethod != "GET" {
		t.Fatalf("303 follow used %q, want GET", sawMethod)
	}
}

func TestClient_Redirect307ReplaysBody(t *testing.T) {
	var sawBody string
	h := HandlerFunc(func(w ResponseWriter, r *Request) {
		switch r.URL.Path {
		case "/start":
			_, _ = io.ReadAll(r.Body)
			w.Header().Set("Location", "/final")
			w.WriteHeader(307)
		case "/final":
			b, _ := io.ReadAll(r.Body)
			sawBody = string(b)
			w.WriteHeader(200)
		default:
			w.WriteHeader(404)
		}
	})
	_, base, stop := startServer(t, h, nil)
	defer stop()

	c := &Client{}
	res, err := c.Post(base+"start", "text/plain", []byte("replayed"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	res.Body.Close()
	if sawBody != "replayed" {
		t.Fatalf("307 body=%q, want replayed", sawBody)
	}
}

func TestClient_TooManyRedirects(t *testing.T) {
	h := HandlerFunc(func(w ResponseWriter, r *Request) {
		w.Header().Set("Location", "/loop")
		w.WriteHeader(302)
	})
	_, base, stop := startServer(t, h, nil)
	defer stop()

	c := &Client{MaxRedirects: 3}
	_, err := c.Get(base)
	if !errors.Is(err, ErrTooManyRedirects) {
		t.Fatalf("err=%v, want ErrTooManyRedirects", err)
	}
}

func TestClient_RedirectPolicyStops(t *testing.T) {
	h := HandlerFunc(func(w ResponseWriter, r *Request) {
		w.Header().Set("Location", "/next")
		w.WriteHeader(302)
	})
	_, base, stop := startServer(t, h, nil)
	defer stop()

	c := &Client{
		RedirectPolicy: func(prev *Request, resp *Response, n int) (*Request, error) {
			return nil, nil // hand the 302 back to the caller
		},
	}
	res, err := c.Get(base)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != 302 {
		t.Fatalf("status=%d, want 302", res.StatusCode)
	}
}

func TestClient_FetchStatusError(t *testing.T) {
	h := HandlerFunc(func(w ResponseWriter, r *Request) {
		w.WriteHeader(503)
		w.Write([]byte("down"))
	})
	_, base, stop := startServer(t, h, nil)
	defer stop()

	c := &Client{}
	req, _ := NewRequest("GET", base, nil)
	res, err := c.Fetch(req)
	if err == nil {
		t.Fatal("expected StatusError")
	}
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err=%T, want *StatusError", err)
	}
	if se.StatusCode != 503 {
		t.Fatalf("StatusCode=%d", se.StatusCode)
	}
	if res == nil {
		t.Fatal("response should accompany StatusError")
	}
	b, _ := io.ReadAll(res.Body)
	res.Body.Close()
	if string(b) != "down" {
		t.Fatalf("body=%q", string(b))
	}
}

func TestClient_Timeout(t *testing.T) {
	h := HandlerFunc(func(w ResponseWriter, r *Request) {
		time.Sleep(2 * time.Second)
		w.WriteHeader(200)
	})
	_, base, stop := startServer(t, h, nil)
	defer stop()

	c := &Client{Timeout: 200 * time.Millisecond, Transport: NewBasicTransport()}
	if _, err := c.Get(base); err == nil {
		t.Fatal("expected timeout error")
	}
}

// rawExchange writes wire bytes to the server and returns everything the
// server sends back before closing or the deadline.
func rawExchange(t *testing.T, base, out string, wait time.Duration) string {
	t.Helper()
	addr := strings.TrimPrefix(strings.TrimSuffix(base, "/"), "http://")
	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	if _, err := c.Write([]byte(out)); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = c.SetReadDeadline(time.Now().Add(wait))
	b, _ := io.ReadAll(c)
	return string(b)
}

func TestServer_NoContentHasNoBody(t *testing.T) {
	h := HandlerFunc(func(w ResponseWriter, r *Request) {
		if r.URL.Path == "/none" {
			w.WriteHeader(204)
			return
		}
		w.Header().Set("Content-Length", "2")
		w.WriteHeader(200)
		w.Write([]byte("ok"))
	})
	_, base, stop := startServer(t, h, nil)
	defer stop()

	raw := rawExchange(t, base,
		"GET /none HTTP/1.1\r\nHost: t\r\n\r\nGET /ok HTTP/1.1\r\nHost: t\r\n\r\n",
		500*time.Millisecond)

	if !strings.HasPrefix(raw, "HTTP/1.1 204") {
		t.Fatalf("first response: %q", raw)
	}
	if strings.Contains(strings.ToLower(raw), "transfer-encoding") {
		t.Fatalf("204 framed chunked: %q", raw)
	}
	// The second response must start right after the first header block.
	end := strings.Index(raw, "\r\n\r\n")
	if end < 0 {
		t.Fatalf("no header terminator: %q", raw)
	}
	rest := raw[end+4:]
	if !strings.HasPrefix(rest, "HTTP/1.1 200") {
		t.Fatalf("stray bytes after 204: %q", rest)
	}
	if !strings.HasSuffix(rest, "ok") {
		t.Fatalf("second response incomplete: %q", rest)
	}
}

func TestServer_NoContentKeepAliveReuse(t *testing.T) {
	h := HandlerFunc(func(w ResponseWriter, r *Request) {
		w.WriteHeader(204)
	})
	_, base, stop := startServer(t, h, nil)
	defer stop()

	tr := NewBasicTransport()
	defer tr.Close()
	c := &Client{Transport: tr}
	for i := 0; i < 2; i++ {
		res, err := c.Get(base)
		if err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
		if res.StatusCode != 204 {
			t.Fatalf("get %d: status=%d", i, res.StatusCode)
		}
		b, _ := io.ReadAll(res.Body)
		res.Body.Close()
		if len(b) != 0 {
			t.Fatalf("get %d: unexpected body %q", i, b)
		}
	}
}

func TestServer_HeadOmitsBody(t *testing.T) {
	h := HandlerFunc(func(w ResponseWriter, r *Request) {
		w.Header().Set("Content-Length", "5")
		w.WriteHeader(200)
		w.Write([]byte("hello"))
	})
	_, base, stop := startServer(t, h, nil)
	defer stop()

	raw := rawExchange(t, base, "HEAD / HTTP/1.1\r\nHost: t\r\nConnection: close\r\n\r\n",
		500*time.Millisecond)
	if !strings.HasPrefix(raw, "HTTP/1.1 200") {
		t.Fatalf("response: %q", raw)
	}
	if !strings.Contains(raw, "Content-Length: 5") {
		t.Fatalf("Content-Length dropped: %q", raw)
	}
	if !strings.HasSuffix(raw, "\r\n\r\n") || strings.Contains(raw, "hello") {
		t.Fatalf("HEAD response carried a body: %q", raw)
	}
}

func TestServer_ExpectContinueUnreadClosesConn(t *testing.T) {
	h := HandlerFunc(func(w ResponseWriter, r *Request) {
		// Reject without soliciting the body.
		w.Header().Set("Content-Length", "0")
		w.WriteHeader(200)
	})
	_, base, stop := startServer(t, h, nil)
	defer stop()

	// The body arrives anyway, pipelined with a follow-up request. If
	// the connection were reused those bytes would parse as requests.
	raw := rawExchange(t, base,
		"POST / HTTP/1.1\r\nHost: t\r\nContent-Length: 5\r\nExpect: 100-continue\r\n\r\n"+
			"helloGET / HTTP/1.1\r\nHost: t\r\n\r\n",
		2*time.Second)

	if strings.Contains(raw, "HTTP/1.1 100") {
		t.Fatalf("interim 100 sent without a body read: %q", raw)
	}
	if n := strings.Count(raw, "HTTP/1.1 "); n != 1 {
		t.Fatalf("connection reused after unread expect body, %d responses: %q", n, raw)
	}
	if !strings.HasPrefix(raw, "HTTP/1.1 200") {
		t.Fatalf("response: %q", raw)
	}
}

func TestServer_MaxBodyBytesChunked(t *testing.T) {
	h := HandlerFunc(func(w ResponseWriter, r *Request) {
		if _, err := io.ReadAll(r.Body); err != nil {
			return
		}
		w.WriteHeader(200)
	})
	_, base, stop := startServer(t, h, func(s *Server) { s.MaxBodyBytes = 16 })
	defer stop()

	body := strings.Repeat("x", 64)
	raw := rawExchange(t, base,
		"POST / HTTP/1.1\r\nHost: t\r\nTransfer-Encoding: chunked\r\n\r\n"+
			"40\r\n"+body+"\r\n0\r\n\r\n",
		2*time.Second)

	if !strings.HasPrefix(raw, "HTTP/1.1 413") {
		t.Fatalf("chunked over limit: %q", raw)
	}
	if n := strings.Count(raw, "HTTP/1.1 "); n != 1 {
		t.Fatalf("connection survived oversized body, %d responses: %q", n, raw)
	}
}
