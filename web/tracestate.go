package web

import (
	"strings"
)

// TraceStateBuilder accumulates W3C tracestate entries, validating keys
// and values and keeping the most recently set entry first.
type TraceStateBuilder struct {
	keys   []string
	values map[string]string
}

// NewTraceStateBuilder parses an existing tracestate value. Malformed
// entries and duplicate keys are dropped rather than rejected.
func NewTraceStateBuilder(v string) *TraceStateBuilder {
	b := &TraceStateBuilder{values: make(map[string]string)}
	for _, entry := range strings.Split(v, ",") {
		k, val, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		k = strings.ToLower(strings.TrimSpace(k))
		val = strings.TrimSpace(val)
		if !validTSKey(k) || !validTSValue(val) {
			continue
		}
		if _, dup := b.values[k]; dup {
			continue
		}
		b.values[k] = val
		b.keys = append(b.keys, k)
	}
	return b
}

// Set inserts or updates an entry, moving its key to the front.
// Returns false when the key or value is invalid.
func (b *TraceStateBuilder) Set(key, value string) bool {
	k := strings.ToLower(strings.TrimSpace(key))
	v := strings.TrimSpace(value)
	if !validTSKey(k) || !validTSValue(v) {
		return false
	}
	if _, exists := b.values[k]; exists {
		b.keys = deleteString(b.keys, k)
	}
	b.values[k] = v
	b.keys = append([]string{k}, b.keys...)
	return true
}

// String renders the entries in order.
func (b *TraceStateBuilder) String() string {
	parts := make([]string, 0, len(b.keys))
	for _, k := range b.keys {
		parts = append(parts, k+"="+b.values[k])
	}
	return strings.Join(parts, ",")
}

func deleteString(ss []string, s string) []string {
	for i, v := range ss {
		if v == s {
			return append(ss[:i], ss[i+1:]...)
		}
	}
	return ss
}

// validTSKey accepts "key" or "key@tenant" with lowercase letters,
// digits and _-*/. in each part.
func validTSKey(k string) bool {
	name, tenant, hasTenant := strings.Cut(k, "@")
	if !tsToken(name) {
		return false
	}
	if hasTenant {
		return tsToken(tenant) && !strings.Contains(tenant, "@")
	}
	return true
}

func tsToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case 'a' <= c && c <= 'z', '0' <= c && c <= '9':
		case c == '_' || c == '-' || c == '*' || c == '/' || c == '.':
		default:
			return false
		}
	}
	return true
}

// validTSValue rejects control bytes and commas, which would break the
// entry list.
func validTSValue(v string) bool {
	if v == "" {
		return false
	}
	for i := 0; i < len(v); i++ {
		if c := v[i]; c < 0x20 || c == 0x7f || c == ',' {
			return false
		}
	}
	return true
}
