package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"dev":     slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"prod":    slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in, slog.LevelInfo); got != want {
			t.Fatalf("ParseLevel(%q)=%v, want %v", in, got, want)
		}
	}
}

func TestLevelFromEnv(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	if got := LevelFromEnv(slog.LevelError); got != slog.LevelDebug {
		t.Fatalf("level=%v, want debug", got)
	}
}

func TestPionFactory_ScopesAndLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	l := NewPionFactory(logger).NewLogger("ice")
	l.Debugf("hidden %d", 1)
	l.Tracef("hidden %d", 2)
	l.Warnf("candidate %s failed", "10.0.0.1")
	l.Error("boom")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("below-level messages were written: %s", out)
	}
	for _, want := range []string{"scope=ice", "candidate 10.0.0.1 failed", "level=WARN", "boom", "level=ERROR"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}
