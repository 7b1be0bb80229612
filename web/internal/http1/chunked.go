package http1

import (
	"bufio"
	"errors"
	"io"
	"strconv"
	"strings"
)

var errChunkFormat = errors.New("http1: invalid chunk format")

// chunkedBody decodes a Transfer-Encoding: chunked request body.
// Chunk extensions are stripped; trailer fields are consumed and
// dropped. maxLine bounds chunk-header and trailer lines.
type chunkedBody struct {
	br      *bufio.Reader
	maxLine int
	remain  int64
	eof     bool
}

func newChunkedBody(br *bufio.Reader, maxLine int) io.ReadCloser {
	return &chunkedBody{br: br, maxLine: maxLine}
}

func (c *chunkedBody) Read(p []byte) (int, error) {
	for {
		if c.eof {
			return 0, io.EOF
		}
		if c.remain > 0 {
			break
		}
		if err := c.nextChunk(); err != nil {
			return 0, err
		}
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
		err = c.chunkBoundary()
	}
	return n, err
}

// nextChunk parses the next chunk-size line. A zero size marks the end
// of the body; any trailers are skipped there and then.
func (c *chunkedBody) nextChunk() error {
	line, err := readLineLimit(c.br, c.maxLine)
	if err != nil {
		return err
	}
	size, _, _ := strings.Cut(line, ";")
	size = strings.TrimSpace(size)
	n, err := strconv.ParseInt(size, 16, 64)
	if err != nil || n < 0 {
		return errChunkFormat
	}
	if n == 0 {
		for {
			t, err := readLineLimit(c.br, c.maxLine)
			if err != nil {
				return err
			}
			if t == "" {
				break
			}
		}
		c.eof = true
		return io.EOF
	}
	c.remain = n
	return nil
}

// chunkBoundary consumes the CRLF that terminates each chunk's data.
func (c *chunkedBody) chunkBoundary() error {
	var crlf [2]byte
	if _, err := io.ReadFull(c.br, crlf[:]); err != nil {
		return err
	}
	if crlf[0] != '\r' || crlf[1] != '\n' {
		return errChunkFormat
	}
	return nil
}

// Close drains the body so a keep-alive connection stays usable.
func (c *chunkedBody) Close() error {
	_, err := io.Copy(io.Discard, c)
	return err
}

func readLineLimit(br *bufio.Reader, limit int) (string, error) {
	var buf []byte
	for {
		frag, err := br.ReadSlice('\n')
		buf = append(buf, frag...)
		if err == nil {
			break
		}
		if err != bufio.ErrBufferFull {
			return "", err
		}
		if limit > 0 && len(buf) > limit {
			return "", io.ErrShortBuffer
		}
	}
	if limit > 0 && len(buf) > limit {
		return "", io.ErrShortBuffer
	}
	line := strings.TrimSuffix(string(buf), "\n")
	return strings.TrimSuffix(line, "\r"), nil
}
