package web

import (
	"reflect"
	"testing"
)

func TestHeader_CaseInsensitive(t *testing.T) {
	h := Header{}
	h.Add("accept-encoding", "gzip")
	h.Add("Accept-Encoding", "br")

	if got := h.Get("ACCEPT-ENCODING"); got != "gzip" {
		t.Fatalf("Get = %q, want gzip", got)
	}
	if got := h.Values("Accept-Encoding"); !reflect.DeepEqual(got, []string{"gzip", "br"}) {
		t.Fatalf("Values = %v", got)
	}

	h.Set("accept-encoding", "identity")
	if got := h.Values("Accept-Encoding"); !reflect.DeepEqual(got, []string{"identity"}) {
		t.Fatalf("after Set, Values = %v", got)
	}

	h.Del("Accept-encoding")
	if h.Get("Accept-Encoding") != "" {
		t.Fatal("Del left a value behind")
	}
}

func TestHeader_NilReceiver(t *testing.T) {
	var h Header
	if h.Get("X-Anything") != "" || h.Values("X-Anything") != nil {
		t.Fatal("nil Header reads should be empty")
	}
	h.Set("X-Anything", "v") // must not panic
	h.Del("X-Anything")
	if h.Clone() != nil {
		t.Fatal("Clone of nil Header should be nil")
	}
}

func TestHeader_Clone(t *testing.T) {
	h := Header{"X-A": {"1", "2"}}
	c := h.Clone()
	c.Add("X-A", "3")
	c.Set("X-B", "new")
	if len(h["X-A"]) != 2 || h.Get("X-B") != "" {
		t.Fatalf("clone mutated original: %v", h)
	}
}
