package websocket

import (
	"bufio"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/galehq/gale/internal/obs"
	"github.com/galehq/gale/web"
)

// websocketGUID is the key-accept constant from RFC 6455 section 1.3.
const websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

var (
	ErrNotHijackable = errors.New("websocket: response writer does not support hijacking")
	ErrBadHandshake  = errors.New("websocket: bad handshake")
)

// Upgrader negotiates a WebSocket connection on an incoming request.
type Upgrader struct {
	// Subprotocols lists the server's supported subprotocols in
	// preference order. The first one also offered by the client wins.
	Subprotocols []string

	// CheckOrigin approves cross-origin handshakes. When nil, requests
	// with an Origin header must match the Host.
	CheckOrigin func(r *web.Request) bool

	Logger obs.Logger
}

// Upgrade completes the handshake and returns the server-side
// connection. On failure it writes an HTTP error response itself.
func (u *Upgrader) Upgrade(w web.ResponseWriter, r *web.Request) (*Conn, error) {
	if r.Method != "GET" {
		return nil, u.reject(w, 405, "method must be GET")
	}
	if !headerContainsToken(r.Header, "Connection", "upgrade") {
		return nil, u.reject(w, 400, "Connection header must include upgrade")
	}
	if !headerContainsToken(r.Header, "Upgrade", "websocket") {
		return nil, u.reject(w, 400, "Upgrade header must be websocket")
	}
	if v := r.Header.Get("Sec-Websocket-Version"); v != "13" {
		w.Header().Set("Sec-Websocket-Version", "13")
		return nil, u.reject(w, 426, "unsupported websocket version")
	}
	key := r.Header.Get("Sec-Websocket-Key")
	if !validChallengeKey(key) {
		return nil, u.reject(w, 400, "missing or malformed Sec-WebSocket-Key")
	}
	if !u.originAllowed(r) {
		return nil, u.reject(w, 403, "origin not allowed")
	}
	proto := u.selectSubprotocol(r)

	hj, ok := w.(web.Hijacker)
	if !ok {
		u.logf(obs.Error, "upgrade failed: %v", ErrNotHijackable)
		return nil, ErrNotHijackable
	}
	c, rw, err := hj.Hijack()
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	sb.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	sb.WriteString("Upgrade: websocket\r\n")
	sb.WriteString("Connection: Upgrade\r\n")
	sb.WriteString("Sec-WebSocket-Accept: " + computeAcceptKey(key) + "\r\n")
	if proto != "" {
		sb.WriteString("Sec-WebSocket-Protocol: " + proto + "\r\n")
	}
	sb.WriteString("\r\n")
	if _, err := rw.Writer.WriteString(sb.String()); err != nil {
		_ = c.Close()
		return nil, err
	}
	if err := rw.Writer.Flush(); err != nil {
		_ = c.Close()
		return nil, err
	}
	u.logf(obs.Debug, "websocket upgraded: %s proto=%q", r.RemoteAddr, proto)
	return newConn(c, rw.Reader, bufio.NewWriter(c), false, proto), nil
}

func (u *Upgrader) originAllowed(r *web.Request) bool {
	if u.CheckOrigin != nil {
		return u.CheckOrigin(r)
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	ou, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(ou.Host, r.Host)
}

func (u *Upgrader) selectSubprotocol(r *web.Request) string {
	if len(u.Subprotocols) == 0 {
		return ""
	}
	var offered []string
	for _, v := range r.Header.Values("Sec-Websocket-Protocol") {
		for _, p := range strings.Split(v, ",") {
			offered = append(offered, strings.TrimSpace(p))
		}
	}
	for _, want := range u.Subprotocols {
		for _, got := range offered {
			if strings.EqualFold(want, got) {
				return want
			}
		}
	}
	return ""
}

func (u *Upgrader) reject(w web.ResponseWriter, status int, reason string) error {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(reason))
	u.logf(obs.Warn, "websocket handshake rejected: %d %s", status, reason)
	return fmt.Errorf("%w: %s", ErrBadHandshake, reason)
}

func (u *Upgrader) logf(level obs.Level, format string, args ...interface{}) {
	lg := u.Logger
	if lg == nil {
		lg = obs.NopLogger{}
	}
	lg.Logf(level, format, args...)
}

func computeAcceptKey(key string) string {
	h := sha1.New()
	h.Write([]byte(key))
	h.Write([]byte(websocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

func validChallengeKey(key string) bool {
	if key == "" {
		return false
	}
	raw, err := base64.StdEncoding.DecodeString(key)
	return err == nil && len(raw) == 16
}

func headerContainsToken(h web.Header, name, token string) bool {
	for _, v := range h.Values(name) {
		for _, t := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(t), token) {
				return true
			}
		}
	}
	return false
}
