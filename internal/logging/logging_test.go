package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	pionlogging "github.com/pion/logging"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":      slog.LevelDebug,
		"dev":        slog.LevelDebug,
		" INFO ":     slog.LevelInfo,
		"warning":    slog.LevelWarn,
		"production": slog.LevelError,
		"":           slog.LevelInfo,
		"chatty":     slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in, slog.LevelInfo); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNew_Formats(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, slog.LevelInfo, "json").Info("hello", "room", "r1")
	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("json output: %v (%q)", err, buf.String())
	}
	if rec["msg"] != "hello" || rec["room"] != "r1" {
		t.Fatalf("record = %v", rec)
	}

	buf.Reset()
	logger := New(&buf, slog.LevelWarn, "text")
	logger.Info("hidden")
	logger.Warn("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "msg=shown") {
		t.Fatalf("text output = %q", buf.String())
	}
}

func TestPionFactory(t *testing.T) {
	var buf bytes.Buffer
	f := PionFactory(&buf, slog.LevelInfo).(*pionlogging.DefaultLoggerFactory)
	if f.DefaultLogLevel != pionlogging.LogLevelWarn {
		t.Fatalf("level = %v", f.DefaultLogLevel)
	}
	l := f.NewLogger("ice")
	l.Info("quiet")
	l.Warn("loud")
	if strings.Contains(buf.String(), "quiet") || !strings.Contains(buf.String(), "loud") {
		t.Fatalf("pion output = %q", buf.String())
	}
}
