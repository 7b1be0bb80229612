package http1

import (
	"bufio"
	"fmt"
)

// WriteResponse writes a complete HTTP/1.1 response with an in-memory
// body. hdr keys should be canonicalized by the caller. A missing
// Content-Length is synthesized from the body.
func WriteResponse(bw *bufio.Writer, status int, reason string, hdr map[string][]string, body []byte, keepAlive bool) error {
	if err := writeStatusLine(bw, status, reason); err != nil {
		return err
	}
	if _, ok := hdr["Content-Length"]; !ok {
		if _, err := fmt.Fprintf(bw, "Content-Length: %d\r\n", len(body)); err != nil {
			return err
		}
	}
	if err := endHead(bw, hdr, keepAlive); err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	_, err := bw.Write(body)
	return err
}

// StartResponse writes the status line and headers for a streamed
// response. With chunked set, Transfer-Encoding is added and any
// Content-Length removed. No body bytes are written.
func StartResponse(bw *bufio.Writer, status int, reason string, hdr map[string][]string, chunked, keepAlive bool) error {
	if err := writeStatusLine(bw, status, reason); err != nil {
		return err
	}
	if chunked {
		delete(hdr, "Content-Length")
		if _, err := bw.WriteString("Transfer-Encoding: chunked\r\n"); err != nil {
			return err
		}
	}
	return endHead(bw, hdr, keepAlive)
}

func writeStatusLine(bw *bufio.Writer, status int, reason string) error {
	if reason == "" {
		reason = reasonPhrases[status]
	}
	_, err := fmt.Fprintf(bw, "HTTP/1.1 %d %s\r\n", status, reason)
	return err
}

// endHead writes the header fields, the Connection header derived from
// keepAlive, and the blank line. A caller-supplied Connection value is
// ignored; connection lifetime belongs to the server loop.
func endHead(bw *bufio.Writer, hdr map[string][]string, keepAlive bool) error {
	for k, vv := range hdr {
		if k == "Connection" {
			continue
		}
		for _, v := range vv {
			if _, err := fmt.Fprintf(bw, "%s: %s\r\n", k, SanitizeHeaderValue(v)); err != nil {
				return err
			}
		}
	}
	conn := "close"
	if keepAlive {
		conn = "keep-alive"
	}
	_, err := fmt.Fprintf(bw, "Connection: %s\r\n\r\n", conn)
	return err
}

// WriteChunked writes one chunk of a chunked response body.
func WriteChunked(bw *bufio.Writer, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if _, err := fmt.Fprintf(bw, "%x\r\n", len(p)); err != nil {
		return 0, err
	}
	if _, err := bw.Write(p); err != nil {
		return 0, err
	}
	if _, err := bw.WriteString("\r\n"); err != nil {
		return 0, err
	}
	return len(p), nil
}

// EndChunked writes the terminating zero-length chunk.
func EndChunked(bw *bufio.Writer) error {
	_, err := bw.WriteString("0\r\n\r\n")
	return err
}

var reasonPhrases = map[int]string{
	100: "Continue",
	101: "Switching Protocols",
	200: "OK",
	201: "Created",
	204: "No Content",
	301: "Moved Permanently",
	302: "Found",
	303: "See Other",
	304: "Not Modified",
	307: "Temporary Redirect",
	308: "Permanent Redirect",
	400: "Bad Request",
	401: "Unauthorized",
	403: "Forbidden",
	404: "Not Found",
	405: "Method Not Allowed",
	413: "Payload Too Large",
	426: "Upgrade Required",
	431: "Request Header Fields Too Large",
	500: "Internal Server Error",
	501: "Not Implemented",
	503: "Service Unavailable",
}
