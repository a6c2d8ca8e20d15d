package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
)

func TestSLogLoggerWritesPairs(t *testing.T) {
	var buf bytes.Buffer
	l := NewSLogLogger(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))

	l.Debug("hidden", "k", "v")
	if buf.Len() != 0 {
		t.Fatalf("debug written below level: %s", buf.String())
	}

	l.Warn("cache invalidated", "kind", "user", "entries", 3, "remote", true, "error", errors.New("boom"), "odd")
	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	if rec["msg"] != "cache invalidated" || rec["kind"] != "user" || rec["entries"] != float64(3) ||
		rec["remote"] != true || rec["error"] != "boom" {
		t.Fatalf("record = %v", rec)
	}
	if v, ok := rec["odd"]; !ok || v != nil {
		t.Fatalf("trailing key = %v, %v", v, ok)
	}
}

func TestPairsStringifiesKeys(t *testing.T) {
	var keys []string
	pairs([]any{1, "a", "b", 2}, func(k string, _ any) { keys = append(keys, k) })
	if len(keys) != 2 || keys[0] != "1" || keys[1] != "b" {
		t.Fatalf("keys = %v", keys)
	}
}

func TestAdaptersSatisfyLogger(t *testing.T) {
	for _, l := range []Logger{NewNullLogger(), NewSLogLogger(nil), NewPhusluLogger("component", "test")} {
		l.Debug("debug")
		l.Info("info", "n", 1)
	}
}
