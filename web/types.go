package web

import "net/textproto"

// Header maps canonical field names to their values, in the manner of
// net/http.Header but independent of it. Keys are canonicalized on
// every access, so lookups are case-insensitive.
type Header map[string][]string

// Values returns all values for key, or nil.
func (h Header) Values(key string) []string {
	if h == nil {
		return nil
	}
	return h[textproto.CanonicalMIMEHeaderKey(key)]
}

// Get returns the first value for key, or "".
func (h Header) Get(key string) string {
	if vv := h.Values(key); len(vv) > 0 {
		return vv[0]
	}
	return ""
}

// Set replaces any existing values for key. Set on a nil Header is a
// no-op.
func (h Header) Set(key, value string) {
	if h != nil {
		h[textproto.CanonicalMIMEHeaderKey(key)] = []string{value}
	}
}

// Add appends value to key. Add on a nil Header is a no-op.
func (h Header) Add(key, value string) {
	if h != nil {
		k := textproto.CanonicalMIMEHeaderKey(key)
		h[k] = append(h[k], value)
	}
}

// Del removes all values for key.
func (h Header) Del(key string) {
	delete(h, textproto.CanonicalMIMEHeaderKey(key))
}

// Clone returns a deep copy of h.
func (h Header) Clone() Header {
	if h == nil {
		return nil
	}
	c := make(Header, len(h))
	for k, vv := range h {
		c[k] = append([]string(nil), vv...)
	}
	return c
}
