package http1

import (
	"bufio"
	"bytes"
	"strings"
	"testing"
)

func TestWriteResponse_ContentLengthAndConnection(t *testing.T) {
	var buf bytes.Buffer
	bw := bufio.NewWriter(&buf)
	hdr := map[string][]string{"Content-Type": {"text/plain"}}
	if err := WriteResponse(bw, 200, "", hdr, []byte("hi"), true); err != nil {
		t.Fatalf("WriteResponse: %v", err)
	}
	_ = bw.Flush()
	out := buf.String()
	if !strings.HasPrefix(out, "HTTP/1.1 200 OK\r\n") {
		t.Fatalf("status line: %q", out)
	}
	if !strings.Contains(out, "Content-Length: 2\r\n") {
		t.Fatalf("missing Content-Length: %q", out)
	}
	if !strings.Contains(out, "Connection: keep-alive\r\n") {
		t.Fatalf("missing Connection: %q", out)
	}
	if !strings.HasSuffix(out, "\r\n\r\nhi") {
		t.Fatalf("body framing: %q", out)
	}
}

func TestStartResponse_Chunked(t *testing.T) {
	var buf bytes.Buffer
	bw := bufio.NewWriter(&buf)
	if err := StartResponse(bw, 200, "", nil, true, true); err != nil {
		t.Fatalf("StartResponse: %v", err)
	}
	if _, err := WriteChunked(bw, []byte("hey")); err != nil {
		t.Fatalf("WriteChunked: %v", err)
	}
	if err := EndChunked(bw); err != nil {
		t.Fatalf("EndChunked: %v", err)
	}
	_ = bw.Flush()
	out := buf.String()
	if !strings.Contains(out, "Transfer-Encoding: chunked\r\n") {
		t.Fatalf("missing chunked TE: %q", out)
	}
	if !strings.Contains(out, "\r\n\r\n3\r\nhey\r\n0\r\n\r\n") {
		t.Fatalf("chunk framing: %q", out)
	}
}

func TestWriteContinue(t *testing.T) {
	var buf bytes.Buffer
	bw := bufio.NewWriter(&buf)
	if err := WriteContinue(bw); err != nil {
		t.Fatalf("WriteContinue: %v", err)
	}
	_ = bw.Flush()
	if got := buf.String(); got != "HTTP/1.1 100 Continue\r\n\r\n" {
		t.Fatalf("interim response: %q", got)
	}
}

func TestSanitizeHeaderValue_StripsCRLF(t *testing.T) {
	if got := SanitizeHeaderValue("a\r\nInjected: x"); strings.ContainsAny(got, "\r\n") {
		t.Fatalf("CR/LF survived: %q", got)
	}
	if got := SanitizeHeaderValue("tab\tok"); got != "tab\tok" {
		t.Fatalf("HTAB should be kept: %q", got)
	}
}

func TestSanitizeHeaderKey(t *testing.T) {
	if SanitizeHeaderKey("X-Good-Key") == "" {
		t.Fatal("valid key rejected")
	}
	if SanitizeHeaderKey("Bad(") != "" {
		t.Fatal("invalid key accepted")
	}
}
