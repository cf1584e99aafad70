// Package queue persists submissions and manages their lifecycle.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kalambet/triageq/internal/storage"
	"github.com/kalambet/triageq/internal/submission"
)

// EntryKey names the storage entry holding the submission list.
const EntryKey = "symptom_submissions"

// CorruptionError describes persisted data that could not be decoded. Load
// recovers from it by treating storage as empty; it is only logged.
type CorruptionError struct {
	Key string
	Err error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("corrupt entry %s: %v", e.Key, e.Err)
}

func (e *CorruptionError) Unwrap() error { return e.Err }

// Store serializes the ordered submission list into a single named entry.
type Store struct {
	entries storage.Entries
	key     string
	logger  *slog.Logger
}

// NewStore creates a Store over entries using EntryKey.
func NewStore(entries storage.Entries) *Store {
	return &Store{
		entries: entries,
		key:     EntryKey,
		logger:  slog.Default(),
	}
}

// Load returns all stored submissions in insertion order. Missing, unreadable
// or corrupt storage yields an empty slice, never an error.
func (s *Store) Load(ctx context.Context) []submission.Submission {
	items, err := s.loadForWrite(ctx)
	if err != nil {
		s.logger.Warn("queue storage unreadable, treating as empty", "key", s.key, "error", err)
		return []submission.Submission{}
	}
	return items
}

// loadForWrite is Load for callers that save the result back. A read error
// is returned instead of an empty list, so it can never be written over the
// stored queue. Corrupt data still counts as empty.
func (s *Store) loadForWrite(ctx context.Context) ([]submission.Submission, error) {
	raw, err := s.entries.Get(ctx, s.key)
	if errors.Is(err, storage.ErrNotFound) {
		return []submission.Submission{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading submissions: %w", err)
	}

	items, err := decode(raw)
	if err != nil {
		s.logger.Warn("queue storage corrupt, treating as empty", "error", &CorruptionError{Key: s.key, Err: err})
		return []submission.Submission{}, nil
	}
	return items, nil
}

// Save atomically replaces the stored list with items.
func (s *Store) Save(ctx context.Context, items []submission.Submission) error {
	if items == nil {
		items = []submission.Submission{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encoding submissions: %w", err)
	}
	if err := s.entries.Put(ctx, s.key, data); err != nil {
		return fmt.Errorf("saving submissions: %w", err)
	}
	return nil
}

// decode parses the stored array. Bare string elements are entries written
// before submissions were structured; they come back as pending items with
// the default locale, numbered after the highest structured id so repeated
// loads return identical sequences.
func decode(raw []byte) ([]submission.Submission, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return nil, err
	}

	items := make([]submission.Submission, 0, len(elems))
	legacy := make([]int, 0)
	var maxID int64
	for _, elem := range elems {
		trimmed := strings.TrimSpace(string(elem))
		if strings.HasPrefix(trimmed, `"`) {
			var text string
			if err := json.Unmarshal(elem, &text); err != nil {
				continue
			}
			text = strings.TrimSpace(text)
			if text == "" {
				continue
			}
			legacy = append(legacy, len(items))
			items = append(items, submission.Submission{
				Text:   text,
				Locale: submission.DefaultLocale,
				Status: submission.StatusPending,
			})
			continue
		}

		var sub submission.Submission
		if err := json.Unmarshal(elem, &sub); err != nil {
			continue
		}
		sub.Text = strings.TrimSpace(sub.Text)
		if sub.Text == "" {
			continue
		}
		if sub.Locale == "" {
			sub.Locale = submission.DefaultLocale
		}
		switch sub.Status {
		case submission.StatusPending, submission.StatusSynced, submission.StatusFailed, submission.StatusInvalid:
		default:
			sub.Status = submission.StatusPending
		}
		if sub.ID > maxID {
			maxID = sub.ID
		}
		items = append(items, sub)
	}

	for n, idx := range legacy {
		items[idx].ID = maxID + int64(n) + 1
	}
	return items, nil
}
