package web

import (
	"context"
	"strings"
)

// Trace carries W3C trace context for propagation. TraceID is 32 hex
// digits, SpanID 16, Flags 2 (e.g. "01").
type Trace struct {
	TraceID      string
	SpanID       string
	ParentSpanID string
	Flags        string
}

type traceKeyType struct{}

var traceKey traceKeyType

// WithTrace stores trace context in ctx.
func WithTrace(ctx context.Context, tr Trace) context.Context {
	return context.WithValue(ctx, traceKey, tr)
}

// TraceFrom extracts trace context from ctx.
func TraceFrom(ctx context.Context) (Trace, bool) {
	tr, ok := ctx.Value(traceKey).(Trace)
	return tr, ok
}

// parseTraceparent splits a traceparent header into trace-id, span-id
// and flags. All-zero IDs are invalid.
func parseTraceparent(v string) (traceID, spanID, flags string, ok bool) {
	fields := strings.Split(strings.TrimSpace(v), "-")
	if len(fields) < 4 {
		return "", "", "", false
	}
	if len(fields[0]) != 2 || !isHex(fields[0]) {
		return "", "", "", false
	}
	tid := strings.ToLower(fields[1])
	sid := strings.ToLower(fields[2])
	fl := strings.ToLower(fields[3])
	switch {
	case len(tid) != 32 || !isHex(tid),
		len(sid) != 16 || !isHex(sid),
		len(fl) != 2 || !isHex(fl):
		return "", "", "", false
	}
	if strings.Trim(tid, "0") == "" || strings.Trim(sid, "0") == "" {
		return "", "", "", false
	}
	return tid, sid, fl, true
}

func formatTraceparent(traceID, spanID, flags string) string {
	if flags == "" {
		flags = "01"
	}
	return "00-" + strings.ToLower(traceID) + "-" + strings.ToLower(spanID) + "-" + strings.ToLower(flags)
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case '0' <= c && c <= '9', 'a' <= c && c <= 'f', 'A' <= c && c <= 'F':
		default:
			return false
		}
	}
	return true
}
