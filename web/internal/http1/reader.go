package http1

import (
	"bufio"
	"errors"
	"io"
	"strconv"
	"strings"
)

var (
	ErrMalformed      = errors.New("http1: malformed request")
	ErrHeaderTooLarge = errors.New("http1: header too large")
	ErrBadFraming     = errors.New("http1: conflicting body framing")
)

// ParsedRequest is a minimal representation parsed from the wire.
// ContentLength is -1 for chunked bodies.
type ParsedRequest struct {
	Method        string
	RequestURI    string
	Proto         string
	Header        map[string][]string
	ContentLength int64
	Body          io.ReadCloser
}

type Reader struct {
	BR             *bufio.Reader
	MaxHeaderBytes int // per-line budget
	// MaxTotalHeaderBytes bounds the sum of all header line lengths.
	// Zero means the per-line budget times 64.
	MaxTotalHeaderBytes int
}

func (r *Reader) ReadRequest() (*ParsedRequest, error) {
	line, err := r.readLine()
	if err != nil {
		return nil, err
	}
	method, rest, ok := strings.Cut(line, " ")
	uri, proto, ok2 := strings.Cut(rest, " ")
	if !ok || !ok2 || method == "" || uri == "" || !strings.HasPrefix(proto, "HTTP/1.") {
		return nil, ErrMalformed
	}
	hdr, err := r.readHeaders()
	if err != nil {
		return nil, err
	}

	// Body framing per RFC 7230 3.3.3: chunked wins, but a request
	// carrying both Transfer-Encoding and Content-Length is rejected
	// outright to close off request smuggling.
	chunked := hasChunkedTE(hdr)
	clValues := hdr[canonicalHeaderKey("Content-Length")]
	if chunked && len(clValues) > 0 {
		return nil, ErrBadFraming
	}

	var cl int64 = 0
	var body io.ReadCloser
	switch {
	case chunked:
		cl = -1
		body = newChunkedBody(r.BR, r.lineLimit())
	case len(clValues) > 0:
		n, err := parseContentLength(clValues)
		if err != nil {
			return nil, err
		}
		cl = n
		if cl > 0 {
			lr := &io.LimitedReader{R: r.BR, N: cl}
			body = &limitedBody{lr: lr}
		} else {
			body = io.NopCloser(strings.NewReader(""))
		}
	default:
		body = io.NopCloser(strings.NewReader(""))
	}
	return &ParsedRequest{
		Method:        method,
		RequestURI:    uri,
		Proto:         proto,
		Header:        hdr,
		ContentLength: cl,
		Body:          body,
	}, nil
}

// parseContentLength accepts repeated Content-Length headers (and
// comma-joined values) only when every value is identical.
func parseContentLength(values []string) (int64, error) {
	var flat []string
	for _, v := range values {
		for _, p := range strings.Split(v, ",") {
			flat = append(flat, strings.TrimSpace(p))
		}
	}
	if len(flat) == 0 {
		return 0, ErrMalformed
	}
	first := flat[0]
	for _, v := range flat[1:] {
		if v != first {
			return 0, ErrBadFraming
		}
	}
	n, err := strconv.ParseInt(first, 10, 64)
	if err != nil || n < 0 {
		return 0, ErrMalformed
	}
	return n, nil
}

func (r *Reader) readHeaders() (map[string][]string, error) {
	h := make(map[string][]string)
	total := 0
	budget := r.MaxTotalHeaderBytes
	if budget <= 0 {
		budget = r.lineLimit() * 64
	}
	for {
		line, err := r.readLine()
		if err != nil {
			return nil, err
		}
		if line == "" {
			break
		}
		total += len(line)
		if total > budget {
			return nil, ErrHeaderTooLarge
		}
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			return nil, ErrMalformed
		}
		k = strings.TrimSpace(k)
		if SanitizeHeaderKey(k) == "" {
			return nil, ErrMalformed
		}
		addHeader(h, k, strings.TrimSpace(v))
	}
	return h, nil
}

func (r *Reader) lineLimit() int {
	if r.MaxHeaderBytes <= 0 {
		return 8 << 10
	}
	return r.MaxHeaderBytes
}

func (r *Reader) readLine() (string, error) {
	line, err := readLineLimit(r.BR, r.lineLimit())
	if err == io.ErrShortBuffer {
		return "", ErrHeaderTooLarge
	}
	return line, err
}

type limitedBody struct {
	lr *io.LimitedReader
}

func (b *limitedBody) Read(p []byte) (int, error) { return b.lr.Read(p) }

func (b *limitedBody) Close() error {
	// Drain remaining bytes to allow next request on the same connection.
	_, err := io.Copy(io.Discard, b.lr)
	return err
}

func addHeader(h map[string][]string, k, v string) {
	hk := canonicalHeaderKey(k)
	h[hk] = append(h[hk], v)
}

func hasChunkedTE(h map[string][]string) bool {
	for _, v := range h[canonicalHeaderKey("Transfer-Encoding")] {
		if strings.Contains(strings.ToLower(v), "chunked") {
			return true
		}
	}
	return false
}

// Very small canonicalizer to avoid importing textproto here.
func canonicalHeaderKey(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	wordStart := true
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case wordStart && 'a' <= c && c <= 'z':
			c -= 'a' - 'A'
		case !wordStart && 'A' <= c && c <= 'Z':
			c += 'a' - 'A'
		}
		b.WriteByte(c)
		wordStart = c == '-'
	}
	return b.String()
}
