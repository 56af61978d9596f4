package msgcat

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultMessages(t *testing.T) {
	c := Default()
	got, err := c.Render("transport.unauthorized", map[string]any{"PlayerID": "0", "MatchID": "m1"})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if got != "credentials rejected for seat 0 in match m1" {
		t.Fatalf("unexpected text %q", got)
	}
	if _, err := c.Render("transport.unauthorized", map[string]any{"PlayerID": "0"}); err == nil {
		t.Fatalf("expected error for missing field")
	}
	if got := c.Text("transport.nope", nil); got != "transport.nope" {
		t.Fatalf("Text fallback = %q", got)
	}
}

func TestOverrideDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.yaml"), []byte("transport:\n  game_over: \"done: {{.MatchID}}\"\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	c, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := c.Text("transport.game_over", map[string]any{"MatchID": "m1"}); got != "done: m1" {
		t.Fatalf("override not applied: %q", got)
	}
	if !c.Has("lobby.seat_taken") {
		t.Fatalf("embedded keys lost")
	}

	if err := os.WriteFile(filepath.Join(dir, "b.yml"), []byte("transport:\n  game_over: again\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := New(dir); err == nil {
		t.Fatalf("expected duplicate key error")
	}
}

func TestBrokenOverride(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.yaml"), []byte("lobby:\n  forbidden: \"{{.MatchID\"\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := New(dir); err == nil {
		t.Fatalf("expected template parse error")
	}
	if err := os.WriteFile(filepath.Join(dir, "a.yaml"), []byte("lobby:\n  forbidden: 3\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := New(dir); err == nil {
		t.Fatalf("expected non-string leaf error")
	}
}
