package websocket

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/galehq/gale/web"
)

// DialOptions configure the client handshake. The zero value is usable.
type DialOptions struct {
	// Header carries extra handshake headers (e.g. Origin, cookies).
	Header web.Header

	// Subprotocols are offered to the server in order.
	Subprotocols []string

	// TLSConfig is used for wss URLs. ServerName is filled from the URL
	// host when empty.
	TLSConfig *tls.Config

	// HandshakeTimeout bounds dialing plus the HTTP upgrade exchange.
	// Zero means rely on ctx alone.
	HandshakeTimeout time.Duration
}

// Dial opens a client WebSocket connection to a ws:// or wss:// URL.
func Dial(ctx context.Context, rawurl string, opts *DialOptions) (*Conn, error) {
	if opts == nil {
		opts = &DialOptions{}
	}
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, err
	}
	var secure bool
	switch u.Scheme {
	case "ws":
	case "wss":
		secure = true
	default:
		return nil, fmt.Errorf("websocket: unsupported scheme %q", u.Scheme)
	}
	if opts.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.HandshakeTimeout)
		defer cancel()
	}

	addr := u.Host
	if !strings.Contains(addr, ":") {
		if secure {
			addr += ":443"
		} else {
			addr += ":80"
		}
	}
	d := net.Dialer{}
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if secure {
		cfg := opts.TLSConfig
		if cfg == nil {
			cfg = &tls.Config{}
		} else {
			cfg = cfg.Clone()
		}
		if cfg.ServerName == "" {
			host := u.Host
			if i := strings.LastIndex(host, ":"); i != -1 && !strings.HasPrefix(host, "[") {
				host = host[:i]
			}
			cfg.ServerName = strings.Trim(host, "[]")
		}
		tc := tls.Client(c, cfg)
		if err := tc.HandshakeContext(ctx); err != nil {
			_ = c.Close()
			return nil, err
		}
		c = tc
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = c.SetDeadline(dl)
	}

	key, err := generateChallengeKey()
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	path := u.RequestURI()
	if path == "" {
		path = "/"
	}

	bw := bufio.NewWriter(c)
	fmt.Fprintf(bw, "GET %s HTTP/1.1\r\n", path)
	fmt.Fprintf(bw, "Host: %s\r\n", u.Host)
	fmt.Fprint(bw, "Upgrade: websocket\r\n")
	fmt.Fprint(bw, "Connection: Upgrade\r\n")
	fmt.Fprintf(bw, "Sec-WebSocket-Key: %s\r\n", key)
	fmt.Fprint(bw, "Sec-WebSocket-Version: 13\r\n")
	if len(opts.Subprotocols) > 0 {
		fmt.Fprintf(bw, "Sec-WebSocket-Protocol: %s\r\n", strings.Join(opts.Subprotocols, ", "))
	}
	for k, vv := range opts.Header {
		for _, v := range vv {
			fmt.Fprintf(bw, "%s: %s\r\n", k, v)
		}
	}
	fmt.Fprint(bw, "\r\n")
	if err := bw.Flush(); err != nil {
		_ = c.Close()
		return nil, err
	}

	br := bufio.NewReader(c)
	status, hdr, err := readHandshakeResponse(br)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	if status != 101 {
		_ = c.Close()
		return nil, fmt.Errorf("%w: unexpected status %d", ErrBadHandshake, status)
	}
	if !strings.EqualFold(hdr.Get("Upgrade"), "websocket") {
		_ = c.Close()
		return nil, fmt.Errorf("%w: missing Upgrade header", ErrBadHandshake)
	}
	if hdr.Get("Sec-Websocket-Accept") != computeAcceptKey(key) {
		_ = c.Close()
		return nil, fmt.Errorf("%w: Sec-WebSocket-Accept mismatch", ErrBadHandshake)
	}
	proto := hdr.Get("Sec-Websocket-Protocol")
	if proto != "" && !containsFold(opts.Subprotocols, proto) {
		_ = c.Close()
		return nil, fmt.Errorf("%w: server selected unoffered subprotocol %q", ErrBadHandshake, proto)
	}
	_ = c.SetDeadline(time.Time{})
	return newConn(c, br, bw, true, proto), nil
}

func generateChallengeKey() (string, error) {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw[:]), nil
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

func readHandshakeResponse(br *bufio.Reader) (int, web.Header, error) {
	line, err := readHSLine(br)
	if err != nil {
		return 0, nil, err
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "HTTP/1.") {
		return 0, nil, fmt.Errorf("%w: bad status line %q", ErrBadHandshake, line)
	}
	status, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, nil, fmt.Errorf("%w: bad status %q", ErrBadHandshake, parts[1])
	}
	hdr := web.Header{}
	for {
		l, err := readHSLine(br)
		if err != nil {
			return 0, nil, err
		}
		if l == "" {
			break
		}
		i := strings.IndexByte(l, ':')
		if i <= 0 {
			return 0, nil, fmt.Errorf("%w: bad header line %q", ErrBadHandshake, l)
		}
		hdr.Add(strings.TrimSpace(l[:i]), strings.TrimSpace(l[i+1:]))
	}
	return status, hdr, nil
}

func readHSLine(br *bufio.Reader) (string, error) {
	var sb strings.Builder
	for {
		b, err := br.ReadByte()
		if err != nil {
			return "", err
		}
		if b == '\n' {
			break
		}
		if b != '\r' {
			sb.WriteByte(b)
		}
		if sb.Len() > 8<<10 {
			return "", ErrBadHandshake
		}
	}
	return sb.String(), nil
}
