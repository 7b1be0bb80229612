package web

import "testing"

func TestParseTraceparent(t *testing.T) {
	tid, sid, flags, ok := parseTraceparent("00-0AF7651916CD43DD8448EB211C80319C-B7AD6B7169203331-01")
	if !ok {
		t.Fatal("valid traceparent rejected")
	}
	if tid != "0af7651916cd43dd8448eb211c80319c" {
		t.Fatalf("trace id = %q", tid)
	}
	if sid != "b7ad6b7169203331" {
		t.Fatalf("span id = %q", sid)
	}
	if flags != "01" {
		t.Fatalf("flags = %q", flags)
	}
}

func TestParseTraceparent_Invalid(t *testing.T) {
	cases := []string{
		"",
		"00-short-b7ad6b7169203331-01",
		"00-00000000000000000000000000000000-b7ad6b7169203331-01", // all-zero trace id
		"00-0af7651916cd43dd8448eb211c80319c-0000000000000000-01", // all-zero span id
		"00-zzf7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01", // non-hex
	}
	for _, v := range cases {
		if _, _, _, ok := parseTraceparent(v); ok {
			t.Fatalf("accepted invalid traceparent %q", v)
		}
	}
}

func TestFormatTraceparent(t *testing.T) {
	got := formatTraceparent("0AF7651916CD43DD8448EB211C80319C", "B7AD6B7169203331", "")
	want := "00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01"
	if got != want {
		t.Fatalf("formatTraceparent=%q, want %q", got, want)
	}
}

func TestGenIDs(t *testing.T) {
	if id := genTraceID(); len(id) != 32 || !isHex(id) {
		t.Fatalf("trace id %q", id)
	}
	if id := genSpanID(); len(id) != 16 || !isHex(id) {
		t.Fatalf("span id %q", id)
	}
	if genID() == genID() {
		t.Fatal("request ids should differ")
	}
}
