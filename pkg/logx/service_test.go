package logx

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"testing"
)

func TestAlertSinkForwardsWarnAndMutesComponents(t *testing.T) {
	var (
		mu  sync.Mutex
		got []string
	)
	svc, log := New(Config{Level: "debug", Console: false, Alert: AlertConfig{Enabled: true, MinLevel: "warn", RatePerSec: 100}})
	t.Cleanup(func() { _ = svc.Close() })
	svc.SetAlertSink(func(text string) error {
		mu.Lock()
		got = append(got, text)
		mu.Unlock()
		return nil
	}, "dispatch")

	log.Info("not forwarded")
	log.With(String("comp", "scan")).Warn("scan slow", Int("n", 3))
	log.With(String("comp", "dispatch")).Error("send failed")

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("alerts = %d (%q), want 1", len(got), got)
	}
	if !strings.HasPrefix(got[0], "[WARN] scan slow") {
		t.Fatalf("alert = %q", got[0])
	}
	if !strings.Contains(got[0], "- comp=scan") || !strings.Contains(got[0], "- n=3") {
		t.Fatalf("alert fields missing: %q", got[0])
	}
}

func TestNewWriterEmitsJSONWithFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(String("comp", "test"))
	log.Debug("dropped")
	log.Info("hello", Int("k", 7), Err(nil))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("lines = %d, want 1: %q", len(lines), buf.String())
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m["message"] != "hello" || m["comp"] != "test" || m["k"] != float64(7) {
		t.Fatalf("unexpected line: %v", m)
	}
	if _, ok := m["err"]; ok {
		t.Fatalf("nil error should not add a field: %v", m)
	}
}

func TestZeroLoggerIsNoop(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Info("nothing happens")
	if l.With(String("a", "b")).IsZero() {
		t.Fatal("derived logger with fields is not zero")
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := map[string]Level{
		"debug":   LevelDebug,
		" WARN ":  LevelWarn,
		"warning": LevelWarn,
		"error":   LevelError,
		"bogus":   LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in, LevelInfo); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
