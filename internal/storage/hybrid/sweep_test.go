package hybrid

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type countingCleaner struct{ calls atomic.Int32 }

func (c *countingCleaner) CleanupEphemeral(context.Context) (int, error) {
	c.calls.Add(1)
	return 0, nil
}

func TestSweeperRunsOnInterval(t *testing.T) {
	c := &countingCleaner{}
	s, err := NewSweeper(c, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("NewSweeper: %v", err)
	}
	s.Start()
	defer func() { _ = s.Shutdown() }()

	deadline := time.Now().Add(2 * time.Second)
	for c.calls.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("sweep ran %d times", c.calls.Load())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSweeperNeedsCleaner(t *testing.T) {
	if _, err := NewSweeper(nil, time.Second); err == nil {
		t.Fatalf("expected error without cleaner")
	}
}
