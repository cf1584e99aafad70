package queue

import (
	"context"
	"testing"
	"time"

	"github.com/kalambet/triageq/internal/submission"
)

func TestPurgeScheduler_RejectsBadSchedule(t *testing.T) {
	m, _, _ := newTestManager(t, 0)
	if _, err := NewPurgeScheduler(m, "every other tuesday"); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
}

func TestPurgeScheduler_PurgesSynced(t *testing.T) {
	m, _, _ := newTestManager(t, 0)
	a, _ := m.Enqueue(ctx, submission.Payload{Text: "a"})
	m.Enqueue(ctx, submission.Payload{Text: "b"})
	setStatus(t, m, a.ID, submission.StatusSynced)

	p, err := NewPurgeScheduler(m, "@every 1h")
	if err != nil {
		t.Fatalf("NewPurgeScheduler: %v", err)
	}
	if n := p.purge(ctx); n != 1 {
		t.Errorf("purge = %d, want 1", n)
	}
	if n := p.purge(ctx); n != 0 {
		t.Errorf("second purge = %d, want 0", n)
	}
}

func TestPurgeScheduler_RunStopsOnCancel(t *testing.T) {
	m, _, _ := newTestManager(t, 0)
	p, err := NewPurgeScheduler(m, "@every 1h")
	if err != nil {
		t.Fatalf("NewPurgeScheduler: %v", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- p.Run(runCtx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
