package websocket

import (
	"bufio"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"time"
	"unicode/utf8"
)

// Message types passed to WriteMessage and returned by ReadMessage.
// The values match the RFC 6455 data frame opcodes.
const (
	TextMessage   = 1
	BinaryMessage = 2
)

const (
	opContinuation = 0x0
	opText         = 0x1
	opBinary       = 0x2
	opClose        = 0x8
	opPing         = 0x9
	opPong         = 0xa
)

const (
	finBit     = 0x80
	rsvMask    = 0x70
	opcodeMask = 0x0f
	maskBit    = 0x80

	maxControlPayload = 125

	// defaultReadLimit bounds a reassembled message unless SetReadLimit
	// raises or lowers it.
	defaultReadLimit = 10 << 20
)

var (
	ErrMessageTooBig  = errors.New("websocket: message exceeds read limit")
	ErrBadFrame       = errors.New("websocket: protocol violation")
	ErrCloseSent      = errors.New("websocket: close already sent")
	errInvalidUTF8    = errors.New("websocket: invalid UTF-8 in text message")
	errUnexpectedCont = errors.New("websocket: continuation with no message in progress")
)

// Conn is a WebSocket connection. Reads must be confined to a single
// goroutine; writes are serialized internally and may come from
// several goroutines.
type Conn struct {
	conn        net.Conn
	br          *bufio.Reader
	bw          *bufio.Writer
	isClient    bool
	subprotocol string

	readLimit int64

	writeMu   sync.Mutex
	closeSent bool

	// pingHandler and pongHandler run on the reader goroutine. The
	// default ping handler answers with a pong carrying the same payload.
	pingHandler func(data []byte) error
	pongHandler func(data []byte) error
}

func newConn(c net.Conn, br *bufio.Reader, bw *bufio.Writer, isClient bool, subprotocol string) *Conn {
	if br == nil {
		br = bufio.NewReader(c)
	}
	if bw == nil {
		bw = bufio.NewWriter(c)
	}
	wc := &Conn{
		conn:        c,
		br:          br,
		bw:          bw,
		isClient:    isClient,
		subprotocol: subprotocol,
		readLimit:   defaultReadLimit,
	}
	wc.pingHandler = func(data []byte) error { return wc.writeFrame(opPong, data, true) }
	wc.pongHandler = func([]byte) error { return nil }
	return wc
}

// Subprotocol returns the negotiated subprotocol, or "".
func (c *Conn) Subprotocol() string { return c.subprotocol }

// LocalAddr returns the local network address.
func (c *Conn) LocalAddr() net.Addr { return c.conn.LocalAddr() }

// RemoteAddr returns the peer network address.
func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// UnderlyingConn exposes the transport connection, mainly for tests.
func (c *Conn) UnderlyingConn() net.Conn { return c.conn }

// SetReadLimit caps the size of a reassembled message. Oversized
// messages fail the connection with close code 1009.
func (c *Conn) SetReadLimit(n int64) {
	if n > 0 {
		c.readLimit = n
	}
}

func (c *Conn) SetReadDeadline(t time.Time) error  { return c.conn.SetReadDeadline(t) }
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }

// SetPingHandler replaces the ping handler. Passing nil restores the
// default pong reply.
func (c *Conn) SetPingHandler(h func(data []byte) error) {
	if h == nil {
		h = func(data []byte) error { return c.writeFrame(opPong, data, true) }
	}
	c.pingHandler = h
}

// SetPongHandler replaces the pong handler. Passing nil discards pongs.
func (c *Conn) SetPongHandler(h func(data []byte) error) {
	if h == nil {
		h = func([]byte) error { return nil }
	}
	c.pongHandler = h
}

// WriteMessage sends a complete text or binary message in one frame.
func (c *Conn) WriteMessage(messageType int, data []byte) error {
	var op byte
	switch messageType {
	case TextMessage:
		op = opText
	case BinaryMessage:
		op = opBinary
	default:
		return ErrBadFrame
	}
	return c.writeFrame(op, data, true)
}

// Ping sends a ping control frame. The payload must not exceed 125 bytes.
func (c *Conn) Ping(data []byte) error {
	if len(data) > maxControlPayload {
		return ErrBadFrame
	}
	return c.writeFrame(opPing, data, true)
}

// Close performs the closing handshake: it sends a close frame with
// the given code and reason and closes the transport. Reading the
// peer's close echo is left to the caller's read loop.
func (c *Conn) Close(code int, reason string) error {
	err := c.writeClose(code, reason)
	cerr := c.conn.Close()
	if err != nil && err != ErrCloseSent {
		return err
	}
	return cerr
}

func (c *Conn) writeClose(code int, reason string) error {
	payload := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(payload, uint16(code))
	copy(payload[2:], reason)
	if len(payload) > maxControlPayload {
		payload = payload[:maxControlPayload]
	}
	c.writeMu.Lock()
	if c.closeSent {
		c.writeMu.Unlock()
		return ErrCloseSent
	}
	c.closeSent = true
	err := c.writeFrameLocked(opClose, payload, true)
	c.writeMu.Unlock()
	return err
}

func (c *Conn) writeFrame(op byte, payload []byte, fin bool) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closeSent {
		return ErrCloseSent
	}
	return c.writeFrameLocked(op, payload, fin)
}

func (c *Conn) writeFrameLocked(op byte, payload []byte, fin bool) error {
	var hdr [14]byte
	b0 := op
	if fin {
		b0 |= finBit
	}
	hdr[0] = b0
	n := 2
	ln := len(payload)
	switch {
	case ln < 126:
		hdr[1] = byte(ln)
	case ln <= 0xffff:
		hdr[1] = 126
		binary.BigEndian.PutUint16(hdr[2:4], uint16(ln))
		n = 4
	default:
		hdr[1] = 127
		binary.BigEndian.PutUint64(hdr[2:10], uint64(ln))
		n = 10
	}
	if c.isClient {
		hdr[1] |= maskBit
		var key [4]byte
		if _, err := rand.Read(key[:]); err != nil {
			return err
		}
		copy(hdr[n:n+4], key[:])
		n += 4
		if _, err := c.bw.Write(hdr[:n]); err != nil {
			return err
		}
		// Mask a copy so the caller's buffer is untouched.
		masked := make([]byte, ln)
		for i, b := range payload {
			masked[i] = b ^ key[i&3]
		}
		if _, err := c.bw.Write(masked); err != nil {
			return err
		}
	} else {
		if _, err := c.bw.Write(hdr[:n]); err != nil {
			return err
		}
		if _, err := c.bw.Write(payload); err != nil {
			return err
		}
	}
	return c.bw.Flush()
}

// ReadMessage reads the next complete data message, transparently
// handling control frames (pings answered, close frames echoed). It
// returns a *CloseError after a close frame, and fails the connection
// with an appropriate close code on protocol violations.
func (c *Conn) ReadMessage() (messageType int, data []byte, err error) {
	var msg []byte
	var msgOp byte
	inProgress := false
	for {
		fin, op, payload, err := c.readFrame()
		if err != nil {
			return 0, nil, err
		}
		switch op {
		case opPing:
			if err := c.pingHandler(payload); err != nil {
				return 0, nil, err
			}
			continue
		case opPong:
			if err := c.pongHandler(payload); err != nil {
				return 0, nil, err
			}
			continue
		case opClose:
			ce, err := c.handleClose(payload)
			if err != nil {
				return 0, nil, err
			}
			return 0, nil, ce
		case opText, opBinary:
			if inProgress {
				return 0, nil, c.fail(CloseProtocolError, "new data frame during fragmented message")
			}
			msgOp = op
			msg = payload
			inProgress = true
		case opContinuation:
			if !inProgress {
				return 0, nil, c.fail(CloseProtocolError, errUnexpectedCont.Error())
			}
			if int64(len(msg))+int64(len(payload)) > c.readLimit {
				return 0, nil, c.fail(CloseMessageTooBig, ErrMessageTooBig.Error())
			}
			msg = append(msg, payload...)
		default:
			return 0, nil, c.fail(CloseProtocolError, "reserved opcode")
		}
		if fin {
			if msgOp == opText && !utf8.Valid(msg) {
				return 0, nil, c.fail(CloseInvalidFramePayloadData, errInvalidUTF8.Error())
			}
			mt := BinaryMessage
			if msgOp == opText {
				mt = TextMessage
			}
			return mt, msg, nil
		}
	}
}

func (c *Conn) readFrame() (fin bool, op byte, payload []byte, err error) {
	var hdr [2]byte
	if _, err := io.ReadFull(c.br, hdr[:]); err != nil {
		return false, 0, nil, err
	}
	if hdr[0]&rsvMask != 0 {
		return false, 0, nil, c.fail(CloseProtocolError, "unexpected reserved bits")
	}
	fin = hdr[0]&finBit != 0
	op = hdr[0] & opcodeMask
	masked := hdr[1]&maskBit != 0
	ln := int64(hdr[1] & 0x7f)

	isControl := op >= opClose
	if isControl {
		if !fin {
			return false, 0, nil, c.fail(CloseProtocolError, "fragmented control frame")
		}
		if ln > maxControlPayload {
			return false, 0, nil, c.fail(CloseProtocolError, "oversized control frame")
		}
	}
	switch ln {
	case 126:
		var ext [2]byte
		if _, err := io.ReadFull(c.br, ext[:]); err != nil {
			return false, 0, nil, err
		}
		ln = int64(binary.BigEndian.Uint16(ext[:]))
	case 127:
		var ext [8]byte
		if _, err := io.ReadFull(c.br, ext[:]); err != nil {
			return false, 0, nil, err
		}
		v := binary.BigEndian.Uint64(ext[:])
		if v > 1<<62 {
			return false, 0, nil, c.fail(CloseProtocolError, "frame length overflow")
		}
		ln = int64(v)
	}
	if ln > c.readLimit {
		return false, 0, nil, c.fail(CloseMessageTooBig, ErrMessageTooBig.Error())
	}

	// Servers require masked client frames; clients reject masked
	// server frames.
	var key [4]byte
	if masked {
		if c.isClient {
			return false, 0, nil, c.fail(CloseProtocolError, "masked frame from server")
		}
		if _, err := io.ReadFull(c.br, key[:]); err != nil {
			return false, 0, nil, err
		}
	} else if !c.isClient {
		return false, 0, nil, c.fail(CloseProtocolError, "unmasked frame from client")
	}

	payload = make([]byte, ln)
	if _, err := io.ReadFull(c.br, payload); err != nil {
		return false, 0, nil, err
	}
	if masked {
		for i := range payload {
			payload[i] ^= key[i&3]
		}
	}
	return fin, op, payload, nil
}

// handleClose parses the peer's close frame, echoes it if we have not
// sent one yet, and returns the resulting CloseError.
func (c *Conn) handleClose(payload []byte) (*CloseError, error) {
	ce := &CloseError{Code: CloseNoStatusReceived}
	switch {
	case len(payload) == 0:
	case len(payload) == 1:
		return nil, c.fail(CloseProtocolError, "close frame with 1-byte payload")
	default:
		code := int(binary.BigEndian.Uint16(payload[:2]))
		if !validReceivedCloseCode(code) {
			return nil, c.fail(CloseProtocolError, "invalid close code")
		}
		reason := payload[2:]
		if !utf8.Valid(reason) {
			return nil, c.fail(CloseInvalidFramePayloadData, errInvalidUTF8.Error())
		}
		ce.Code = code
		ce.Reason = string(reason)
	}
	echo := CloseNormalClosure
	if ce.Code != CloseNoStatusReceived {
		echo = ce.Code
	}
	_ = c.writeClose(echo, "")
	return ce, nil
}

// fail sends a close frame with the given code and tears the
// connection down, returning a protocol error.
func (c *Conn) fail(code int, reason string) error {
	_ = c.writeClose(code, reason)
	_ = c.conn.Close()
	if code == CloseMessageTooBig {
		return ErrMessageTooBig
	}
	return ErrBadFrame
}
