// Package web implements an HTTP/1.1 server and client directly on top
// of TCP, giving callers explicit control over parsing, body framing
// and connection reuse.
//
// The server side drives a Handler per request over keep-alive
// connections, with chunked responses when no Content-Length is set,
// lazy Expect: 100-continue handling, optional gzip encoding, request
// smuggling protection (conflicting Content-Length/Transfer-Encoding
// is rejected), header budgets, trusted proxy headers, graceful
// shutdown, and Hijacker support for protocol upgrades such as
// websockets.
//
// The client side pairs Client (timeouts, redirect following with
// pluggable policies, Fetch with typed status errors) with
// BasicTransport (per-host connection pooling, HTTP proxies and
// CONNECT tunnels, TLS, W3C trace header propagation).
//
//	srv := &web.Server{Addr: ":8080", Handler: web.HandlerFunc(echo)}
//	go srv.ListenAndServe()
//
//	c := &web.Client{Timeout: 5 * time.Second}
//	res, err := c.Get("http://127.0.0.1:8080/")
//
// Both halves report through the Logger and Meter interfaces in
// internal/obs; by default they stay silent.
package web
