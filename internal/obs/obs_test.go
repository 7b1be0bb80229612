package obs

import (
	"bytes"
	"log"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestStdLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	lg := StdLogger{L: log.New(&buf, "", 0), Min: Warn}

	lg.Logf(Debug, "hidden %d", 1)
	lg.Logf(Info, "hidden %d", 2)
	lg.Logf(Warn, "shown %d", 3)
	lg.Logf(Error, "shown %d", 4)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "[WARN] shown 3")
	assert.Contains(t, out, "[ERROR] shown 4")
}

func TestStdLogger_Prefix(t *testing.T) {
	var buf bytes.Buffer
	lg := StdLogger{L: log.New(&buf, "", 0), Pref: "web "}
	lg.Logf(Info, "x")
	assert.Contains(t, buf.String(), "web [INFO] x")
}

func TestZapLogger_Levels(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	lg := NewZapLogger(zap.New(core))

	lg.Logf(Debug, "d %s", "1")
	lg.Logf(Info, "i %s", "2")
	lg.Logf(Warn, "w %s", "3")
	lg.Logf(Error, "e %s", "4")

	entries := logs.All()
	assert.Len(t, entries, 4)
	assert.Equal(t, zap.DebugLevel, entries[0].Level)
	assert.Equal(t, "i 2", entries[1].Message)
	assert.Equal(t, zap.WarnLevel, entries[2].Level)
	assert.Equal(t, zap.ErrorLevel, entries[3].Level)
}

func TestPromMeter_Counter(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPromMeter(reg)

	m.Counter("test_requests_total", 1, Label{Key: "method", Value: "GET"})
	m.Counter("test_requests_total", 2, Label{Key: "method", Value: "GET"})
	m.Counter("test_requests_total", 1, Label{Key: "method", Value: "POST"})

	cv := m.counters["test_requests_total"]
	assert.Equal(t, float64(3), testutil.ToFloat64(cv.WithLabelValues("GET")))
	assert.Equal(t, float64(1), testutil.ToFloat64(cv.WithLabelValues("POST")))
}

func TestPromMeter_Histogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPromMeter(reg)

	m.Histogram("test_duration_ms", 12, Label{Key: "op", Value: "read"})
	m.Histogram("test_duration_ms", 40, Label{Key: "op", Value: "read"})

	count, err := testutil.GatherAndCount(reg, "test_duration_ms")
	assert.NoError(t, err)
	assert.Equal(t, 1, count) // one series for op=read
}

func TestPromMeter_NoLabels(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPromMeter(reg)
	m.Counter("test_plain_total", 5)
	cv := m.counters["test_plain_total"]
	assert.Equal(t, float64(5), testutil.ToFloat64(cv.WithLabelValues()))
}

func TestLevelString(t *testing.T) {
	if Debug.String() != "DEBUG" || Error.String() != "ERROR" {
		t.Fatalf("level strings wrong: %s %s", Debug, Error)
	}
	if Level(99).String() != "UNKNOWN" {
		t.Fatal("unknown level string")
	}
}

var _ Logger = NopLogger{}
var _ Meter = NopMeter{}
var _ Logger = StdLogger{}
var _ Logger = ZapLogger{}
var _ Meter = (*PromMeter)(nil)

func TestPromMeter_ZeroValue(t *testing.T) {
	m := &PromMeter{Reg: prometheus.NewRegistry()}
	m.Counter("test_zero_total", 1, Label{Key: "op", Value: "a"})
	m.Histogram("test_zero_ms", 7)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.counters["test_zero_total"].WithLabelValues("a")))

	var d PromMeter // falls back to the default registerer
	d.Counter("test_zero_default_total", 1)
	assert.Equal(t, float64(1), testutil.ToFloat64(d.counters["test_zero_default_total"].WithLabelValues()))
}
