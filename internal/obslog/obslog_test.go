package obslog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestInitWritesJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "server.log")
	logger, err := Init(Config{Level: "debug", Format: "json", ToFile: true, File: path})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { Set(nil) })

	L().Info("match_setup", zap.String("match_id", "m1"))
	_ = logger.Sync()

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(b), `"msg":"match_setup"`) || !strings.Contains(string(b), `"match_id":"m1"`) {
		t.Fatalf("log line = %s", b)
	}
}

func TestInitRejectsEmptyFile(t *testing.T) {
	if _, err := Init(Config{ToFile: true, File: " "}); err == nil {
		t.Fatalf("expected error for empty log path")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"WARNING": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"bogus":   zapcore.InfoLevel,
		"":        zapcore.InfoLevel,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestSetNilFallsBackToNop(t *testing.T) {
	Set(nil)
	if L() == nil {
		t.Fatalf("nil logger")
	}
}
