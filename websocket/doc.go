// Package websocket implements the WebSocket protocol (RFC 6455).
//
// Servers upgrade an incoming web request with an Upgrader; clients
// connect with Dial. The resulting Conn reads and writes complete
// messages, handling fragmentation, masking and control frames
// internally. Extensions (including per-message deflate) are not
// negotiated; handshakes offering them proceed without.
package websocket
