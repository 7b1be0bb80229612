package web

import (
	"bufio"
	"net"
)

// Flusher allows a handler to flush buffered data to the client
// mid-response (useful for streaming and server-sent events).
type Flusher interface {
	Flush() error
}

// Hijacker lets a handler take over the underlying connection, e.g.
// for protocol upgrades. After Hijack the server stops managing the
// connection entirely; the caller must close it.
type Hijacker interface {
	Hijack() (net.Conn, *bufio.ReadWriter, error)
}
