package queue

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/kalambet/triageq/internal/storage"
	"github.com/kalambet/triageq/internal/submission"
)

var ctx = context.Background()

// brokenEntries fails every read.
type brokenEntries struct{}

func (brokenEntries) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("disk on fire")
}

func (brokenEntries) Put(context.Context, string, []byte) error { return errors.New("disk on fire") }
func (brokenEntries) Close() error                              { return nil }

func TestStore_EmptyStorage(t *testing.T) {
	s := NewStore(storage.NewMemory())
	items := s.Load(ctx)
	if items == nil || len(items) != 0 {
		t.Fatalf("Load = %#v, want empty non-nil slice", items)
	}
}

func TestStore_CorruptStorageIsEmpty(t *testing.T) {
	mem := storage.NewMemory()
	mem.Put(ctx, EntryKey, []byte(`{not json`))

	if items := NewStore(mem).Load(ctx); len(items) != 0 {
		t.Fatalf("Load = %v, want empty", items)
	}
}

func TestStore_UnreadableStorageIsEmpty(t *testing.T) {
	if items := NewStore(brokenEntries{}).Load(ctx); len(items) != 0 {
		t.Fatalf("Load = %v, want empty", items)
	}
}

func TestStore_LoadForWrite(t *testing.T) {
	if _, err := NewStore(brokenEntries{}).loadForWrite(ctx); err == nil {
		t.Error("unreadable storage: want an error")
	}

	mem := storage.NewMemory()
	mem.Put(ctx, EntryKey, []byte(`{not json`))
	items, err := NewStore(mem).loadForWrite(ctx)
	if err != nil || len(items) != 0 {
		t.Errorf("corrupt storage: items = %v, err = %v, want empty and nil", items, err)
	}
}

func TestStore_SaveLoadPreservesOrder(t *testing.T) {
	s := NewStore(storage.NewMemory())
	want := []submission.Submission{
		{ID: 3, Text: "c", Locale: "en", Status: submission.StatusPending},
		{ID: 1, Text: "a", Locale: "ht", Status: submission.StatusFailed, Error: "HTTP 503"},
		{ID: 2, Text: "b", Locale: "en", Status: submission.StatusSynced},
	}
	if err := s.Save(ctx, want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got := s.Load(ctx)
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].ID != want[i].ID || got[i].Status != want[i].Status || got[i].Error != want[i].Error {
			t.Errorf("item %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestStore_LoadIsIdempotent(t *testing.T) {
	mem := storage.NewMemory()
	mem.Put(ctx, EntryKey, []byte(`["legacy one", {"id": 5, "symptoms": "cough", "language": "ht", "status": "pending"}, "legacy two"]`))
	s := NewStore(mem)

	first := s.Load(ctx)
	second := s.Load(ctx)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("Load not idempotent:\n%+v\n%+v", first, second)
	}
}

func TestStore_UpgradesLegacyStrings(t *testing.T) {
	mem := storage.NewMemory()
	mem.Put(ctx, EntryKey, []byte(`["  fever  ", {"id": 10, "symptoms": "cough", "language": "ht", "status": "synced"}, "", 42, "rash"]`))

	items := NewStore(mem).Load(ctx)
	if len(items) != 3 {
		t.Fatalf("len = %d, want 3 (empty string and number dropped): %+v", len(items), items)
	}

	fever := items[0]
	if fever.Text != "fever" || fever.Locale != "en" || fever.Status != submission.StatusPending {
		t.Errorf("legacy item = %+v", fever)
	}
	if fever.ID != 11 || items[2].ID != 12 {
		t.Errorf("legacy ids = %d, %d, want 11, 12", fever.ID, items[2].ID)
	}
	if items[1].ID != 10 || items[1].Status != submission.StatusSynced {
		t.Errorf("structured item = %+v", items[1])
	}
}

func TestStore_NormalizesRecords(t *testing.T) {
	mem := storage.NewMemory()
	mem.Put(ctx, EntryKey, []byte(`[{"id": 1, "symptoms": "  ache ", "status": "weird"}, {"id": 2, "symptoms": "   "}]`))

	items := NewStore(mem).Load(ctx)
	if len(items) != 1 {
		t.Fatalf("len = %d, want 1", len(items))
	}
	if items[0].Text != "ache" || items[0].Locale != "en" || items[0].Status != submission.StatusPending {
		t.Errorf("item = %+v", items[0])
	}
}

func TestStore_WireFormat(t *testing.T) {
	mem := storage.NewMemory()
	s := NewStore(mem)
	s.Save(ctx, []submission.Submission{{ID: 1, Text: "x", Locale: "en", Status: submission.StatusPending}})

	raw, err := mem.Get(ctx, EntryKey)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	want := `[{"id":1,"symptoms":"x","language":"en","timestamp":"0001-01-01T00:00:00Z","status":"pending"}]`
	if string(raw) != want {
		t.Errorf("stored = %s\nwant     %s", raw, want)
	}
}
