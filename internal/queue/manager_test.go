package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/triageq/internal/notify"
	"github.com/kalambet/triageq/internal/storage"
	"github.com/kalambet/triageq/internal/submission"
)

type recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recorder) Publish(ev notify.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) kinds() []notify.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notify.Kind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

func fixedNow() time.Time {
	return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func newTestManager(t *testing.T, max int) (*Manager, *storage.Memory, *recorder) {
	t.Helper()
	mem := storage.NewMemory()
	rec := &recorder{}
	m := NewManager(NewStore(mem), Options{MaxItems: max, Now: fixedNow, Events: rec})
	return m, mem, rec
}

// setStatus forces a status through the manager's write path.
func setStatus(t *testing.T, m *Manager, id int64, status submission.Status) {
	t.Helper()
	err := m.Update(ctx, func(items []submission.Submission) []submission.Submission {
		for i := range items {
			if items[i].ID == id {
				items[i].Status = status
				if status == submission.StatusFailed {
					items[i].Error = "HTTP 500"
				}
			}
		}
		return items
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
}

func TestManager_EnqueueRoundTrip(t *testing.T) {
	m, mem, rec := newTestManager(t, 0)

	sub, err := m.Enqueue(ctx, submission.Payload{Text: "  headache and fever ", Locale: "HT"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if sub.Text != "headache and fever" || sub.Locale != "ht" || sub.Status != submission.StatusPending {
		t.Errorf("Enqueue returned %+v", sub)
	}
	if !sub.CreatedAt.Equal(fixedNow()) {
		t.Errorf("CreatedAt = %v, want %v", sub.CreatedAt, fixedNow())
	}

	// A fresh manager over the same storage sees the item.
	other := NewManager(NewStore(mem), Options{})
	pending := other.ListPending(ctx)
	if len(pending) != 1 || pending[0].ID != sub.ID || pending[0].Text != sub.Text {
		t.Fatalf("ListPending = %+v, want [%+v]", pending, sub)
	}

	if kinds := rec.kinds(); len(kinds) != 1 || kinds[0] != notify.KindEnqueued {
		t.Errorf("events = %v, want [enqueued]", kinds)
	}
}

func TestManager_EnqueueInvalidLeavesStorageUntouched(t *testing.T) {
	m, mem, rec := newTestManager(t, 0)
	if _, err := m.Enqueue(ctx, submission.Payload{Text: "cough"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	before, _ := mem.Get(ctx, EntryKey)

	for _, p := range []submission.Payload{
		{Text: ""},
		{Text: "   \t"},
		{Text: "rash", Locale: "fr"},
	} {
		_, err := m.Enqueue(ctx, p)
		if !submission.IsValidation(err) {
			t.Errorf("Enqueue(%+v) error = %v, want validation error", p, err)
		}
	}

	after, _ := mem.Get(ctx, EntryKey)
	if string(before) != string(after) {
		t.Errorf("storage changed:\nbefore %s\nafter  %s", before, after)
	}
	if n := len(rec.kinds()); n != 1 {
		t.Errorf("published %d events, want 1", n)
	}
}

func TestManager_EvictsOldestWhenFull(t *testing.T) {
	const max = 5
	m, _, _ := newTestManager(t, max)

	var ids []int64
	for i := 0; i < max+1; i++ {
		sub, err := m.Enqueue(ctx, submission.Payload{Text: fmt.Sprintf("symptom %d", i)})
		if err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
		ids = append(ids, sub.ID)
	}

	items := m.List(ctx)
	if len(items) != max {
		t.Fatalf("len = %d, want %d", len(items), max)
	}
	if items[0].ID != ids[1] {
		t.Errorf("first id = %d, want %d (oldest evicted)", items[0].ID, ids[1])
	}
	if items[max-1].ID != ids[max] {
		t.Errorf("last id = %d, want newest %d", items[max-1].ID, ids[max])
	}
}

func TestManager_EvictionIgnoresStatus(t *testing.T) {
	m, _, _ := newTestManager(t, 2)
	first, _ := m.Enqueue(ctx, submission.Payload{Text: "a"})
	setStatus(t, m, first.ID, submission.StatusFailed)
	m.Enqueue(ctx, submission.Payload{Text: "b"})
	m.Enqueue(ctx, submission.Payload{Text: "c"})

	if _, err := m.Get(ctx, first.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("failed item should have been evicted, Get err = %v", err)
	}
}

func TestManager_IDsAreUniqueAndIncreasing(t *testing.T) {
	// fixedNow never advances, so ids must still climb.
	m, _, _ := newTestManager(t, 0)
	var last int64
	for i := 0; i < 10; i++ {
		sub, err := m.Enqueue(ctx, submission.Payload{Text: "x"})
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		if sub.ID <= last {
			t.Fatalf("id %d not greater than %d", sub.ID, last)
		}
		last = sub.ID
	}
	if want := fixedNow().UnixMilli(); m.List(ctx)[0].ID != want {
		t.Errorf("first id = %d, want %d", m.List(ctx)[0].ID, want)
	}
}

func TestManager_IDsSeededFromStorage(t *testing.T) {
	mem := storage.NewMemory()
	future := fixedNow().Add(time.Hour).UnixMilli()
	NewStore(mem).Save(ctx, []submission.Submission{{ID: future, Text: "old", Locale: "en", Status: submission.StatusPending}})

	m := NewManager(NewStore(mem), Options{Now: fixedNow})
	sub, err := m.Enqueue(ctx, submission.Payload{Text: "new"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if sub.ID != future+1 {
		t.Errorf("id = %d, want %d", sub.ID, future+1)
	}
}

func TestManager_PurgeSyncedKeepsUnsynced(t *testing.T) {
	m, _, rec := newTestManager(t, 0)
	var subs []submission.Submission
	for _, text := range []string{"a", "b", "c", "d"} {
		s, _ := m.Enqueue(ctx, submission.Payload{Text: text})
		subs = append(subs, s)
	}
	setStatus(t, m, subs[0].ID, submission.StatusSynced)
	setStatus(t, m, subs[1].ID, submission.StatusFailed)
	setStatus(t, m, subs[3].ID, submission.StatusInvalid)

	n, err := m.PurgeSynced(ctx)
	if err != nil {
		t.Fatalf("PurgeSynced: %v", err)
	}
	if n != 1 {
		t.Errorf("removed = %d, want 1", n)
	}

	st := m.Stats(ctx)
	want := Stats{Total: 3, Pending: 1, Failed: 1, Invalid: 1}
	if st != want {
		t.Errorf("Stats = %+v, want %+v", st, want)
	}

	kinds := rec.kinds()
	if kinds[len(kinds)-1] != notify.KindPurged {
		t.Errorf("last event = %s, want purged", kinds[len(kinds)-1])
	}

	// Nothing left to purge: no write, no event.
	count := len(rec.kinds())
	if n, _ := m.PurgeSynced(ctx); n != 0 {
		t.Errorf("second purge removed %d", n)
	}
	if len(rec.kinds()) != count {
		t.Error("empty purge published an event")
	}
}

func TestManager_Retry(t *testing.T) {
	m, _, _ := newTestManager(t, 0)
	a, _ := m.Enqueue(ctx, submission.Payload{Text: "a"})
	b, _ := m.Enqueue(ctx, submission.Payload{Text: "b"})
	setStatus(t, m, a.ID, submission.StatusFailed)

	got, err := m.Retry(ctx, a.ID)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if got.Status != submission.StatusPending || got.Error != "" {
		t.Errorf("Retry returned %+v", got)
	}

	if _, err := m.Retry(ctx, b.ID); !errors.Is(err, ErrNotRetryable) {
		t.Errorf("Retry pending err = %v, want ErrNotRetryable", err)
	}
	if _, err := m.Retry(ctx, 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("Retry unknown err = %v, want ErrNotFound", err)
	}
}

func TestManager_RetryFailed(t *testing.T) {
	m, _, _ := newTestManager(t, 0)
	for _, text := range []string{"a", "b", "c"} {
		s, _ := m.Enqueue(ctx, submission.Payload{Text: text})
		if text != "b" {
			setStatus(t, m, s.ID, submission.StatusFailed)
		}
	}

	n, err := m.RetryFailed(ctx)
	if err != nil {
		t.Fatalf("RetryFailed: %v", err)
	}
	if n != 2 {
		t.Errorf("reset = %d, want 2", n)
	}
	if st := m.Stats(ctx); st.Pending != 3 || st.Failed != 0 {
		t.Errorf("Stats = %+v", st)
	}
}

func TestManager_EligibleIncludesFailed(t *testing.T) {
	m, _, _ := newTestManager(t, 0)
	var subs []submission.Submission
	for _, text := range []string{"a", "b", "c", "d"} {
		s, _ := m.Enqueue(ctx, submission.Payload{Text: text})
		subs = append(subs, s)
	}
	setStatus(t, m, subs[1].ID, submission.StatusFailed)
	setStatus(t, m, subs[2].ID, submission.StatusSynced)
	setStatus(t, m, subs[3].ID, submission.StatusInvalid)

	got := m.Eligible(ctx)
	if len(got) != 2 || got[0].ID != subs[0].ID || got[1].ID != subs[1].ID {
		t.Errorf("Eligible = %+v", got)
	}
	if pending := m.ListPending(ctx); len(pending) != 1 {
		t.Errorf("ListPending = %+v, want 1 item", pending)
	}
}

func TestManager_ConcurrentEnqueue(t *testing.T) {
	m, _, _ := newTestManager(t, 100)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := m.Enqueue(ctx, submission.Payload{Text: fmt.Sprintf("s%d", i)}); err != nil {
				t.Errorf("Enqueue: %v", err)
			}
		}(i)
	}
	wg.Wait()

	items := m.List(ctx)
	if len(items) != 20 {
		t.Fatalf("len = %d, want 20", len(items))
	}
	seen := make(map[int64]bool)
	for _, it := range items {
		if seen[it.ID] {
			t.Errorf("duplicate id %d", it.ID)
		}
		seen[it.ID] = true
	}
}

// flakyEntries wraps a Memory and fails the next Get when failNext is set.
type flakyEntries struct {
	*storage.Memory
	mu       sync.Mutex
	failNext bool
}

func (f *flakyEntries) Get(ctx context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	fail := f.failNext
	f.failNext = false
	f.mu.Unlock()
	if fail {
		return nil, errors.New("database is locked")
	}
	return f.Memory.Get(ctx, key)
}

func (f *flakyEntries) breakNextRead() {
	f.mu.Lock()
	f.failNext = true
	f.mu.Unlock()
}

func TestManager_ReadErrorNeverOverwritesQueue(t *testing.T) {
	writes := []struct {
		name string
		op   func(m *Manager) error
	}{
		{"enqueue", func(m *Manager) error {
			_, err := m.Enqueue(ctx, submission.Payload{Text: "late"})
			return err
		}},
		{"update", func(m *Manager) error {
			return m.Update(ctx, func(items []submission.Submission) []submission.Submission { return items })
		}},
		{"purge", func(m *Manager) error {
			_, err := m.PurgeSynced(ctx)
			return err
		}},
		{"retry", func(m *Manager) error {
			_, err := m.Retry(ctx, 1)
			return err
		}},
		{"retry failed", func(m *Manager) error {
			_, err := m.RetryFailed(ctx)
			return err
		}},
	}

	for _, tc := range writes {
		t.Run(tc.name, func(t *testing.T) {
			entries := &flakyEntries{Memory: storage.NewMemory()}
			m := NewManager(NewStore(entries), Options{Now: fixedNow})
			for _, text := range []string{"a", "b", "c"} {
				if _, err := m.Enqueue(ctx, submission.Payload{Text: text}); err != nil {
					t.Fatalf("Enqueue %s: %v", text, err)
				}
			}
			first := m.List(ctx)[0].ID
			setStatus(t, m, first, submission.StatusSynced)

			entries.breakNextRead()
			if err := tc.op(m); err == nil || !strings.Contains(err.Error(), "database is locked") {
				t.Fatalf("err = %v, want the read error", err)
			}

			if got := m.List(ctx); len(got) != 3 {
				t.Fatalf("stored items = %d, want 3 after a failed read", len(got))
			}
		})
	}
}
