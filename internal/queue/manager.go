package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kalambet/triageq/internal/notify"
	"github.com/kalambet/triageq/internal/submission"
)

// DefaultMaxItems caps the queue when Options.MaxItems is unset.
const DefaultMaxItems = 50

var (
	ErrNotFound     = errors.New("submission not found")
	ErrNotRetryable = errors.New("submission is not in failed state")
)

// Publisher receives lifecycle events. *notify.Broker implements it.
type Publisher interface {
	Publish(notify.Event)
}

// Options configure a Manager. Zero values pick defaults.
type Options struct {
	MaxItems int
	Now      func() time.Time
	Events   Publisher
	Logger   *slog.Logger
}

// Stats counts stored submissions by status.
type Stats struct {
	Total   int `json:"total"`
	Pending int `json:"pending"`
	Synced  int `json:"synced"`
	Failed  int `json:"failed"`
	Invalid int `json:"invalid"`
}

// Manager validates, enqueues and transitions submissions. Every
// load/mutate/save sequence runs under mu so concurrent callers never lose
// each other's writes.
type Manager struct {
	mu       sync.Mutex
	store    *Store
	maxItems int
	now      func() time.Time
	events   Publisher
	logger   *slog.Logger
	lastID   int64
}

// NewManager creates a Manager persisting through store.
func NewManager(store *Store, opts Options) *Manager {
	if opts.MaxItems <= 0 {
		opts.MaxItems = DefaultMaxItems
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		store:    store,
		maxItems: opts.MaxItems,
		now:      opts.Now,
		events:   opts.Events,
		logger:   opts.Logger,
	}
}

// MaxItems returns the queue capacity.
func (m *Manager) MaxItems() int { return m.maxItems }

// nextID returns a creation-time id that is strictly greater than every id
// handed out or seen in storage. Caller holds mu.
func (m *Manager) nextID(items []submission.Submission) int64 {
	for _, it := range items {
		if it.ID > m.lastID {
			m.lastID = it.ID
		}
	}
	id := m.now().UnixMilli()
	if id <= m.lastID {
		id = m.lastID + 1
	}
	m.lastID = id
	return id
}

// Enqueue validates p and appends a pending submission, evicting the oldest
// items when the queue is full. Invalid payloads return a
// *submission.ValidationError and leave storage untouched.
func (m *Manager) Enqueue(ctx context.Context, p submission.Payload) (submission.Submission, error) {
	if _, err := submission.Normalize(p); err != nil {
		return submission.Submission{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	items, err := m.store.loadForWrite(ctx)
	if err != nil {
		return submission.Submission{}, fmt.Errorf("enqueueing submission: %w", err)
	}
	sub, err := submission.New(m.nextID(items), p, m.now())
	if err != nil {
		return submission.Submission{}, err
	}

	for len(items) >= m.maxItems {
		m.logger.Debug("queue full, evicting oldest submission",
			"submission_id", items[0].ID, "status", items[0].Status, "max_items", m.maxItems)
		items = items[1:]
	}
	items = append(items, sub)

	if err := m.store.Save(ctx, items); err != nil {
		return submission.Submission{}, fmt.Errorf("enqueueing submission: %w", err)
	}

	m.logger.Info("submission queued", "submission_id", sub.ID, "locale", sub.Locale)
	m.publish(notify.KindEnqueued, sub)
	return sub, nil
}

// List returns every stored submission in insertion order.
func (m *Manager) List(ctx context.Context) []submission.Submission {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.Load(ctx)
}

// ListPending returns submissions whose status is pending.
func (m *Manager) ListPending(ctx context.Context) []submission.Submission {
	return m.filter(ctx, func(s submission.Submission) bool {
		return s.Status == submission.StatusPending
	})
}

// Eligible returns the submissions the next sync pass should attempt.
func (m *Manager) Eligible(ctx context.Context) []submission.Submission {
	return m.filter(ctx, submission.Submission.Eligible)
}

func (m *Manager) filter(ctx context.Context, keep func(submission.Submission) bool) []submission.Submission {
	all := m.List(ctx)
	out := make([]submission.Submission, 0, len(all))
	for _, s := range all {
		if keep(s) {
			out = append(out, s)
		}
	}
	return out
}

// Get returns the submission with the given id.
func (m *Manager) Get(ctx context.Context, id int64) (submission.Submission, error) {
	for _, s := range m.List(ctx) {
		if s.ID == id {
			return s, nil
		}
	}
	return submission.Submission{}, ErrNotFound
}

// Stats counts submissions per status.
func (m *Manager) Stats(ctx context.Context) Stats {
	var st Stats
	for _, s := range m.List(ctx) {
		st.Total++
		switch s.Status {
		case submission.StatusPending:
			st.Pending++
		case submission.StatusSynced:
			st.Synced++
		case submission.StatusFailed:
			st.Failed++
		case submission.StatusInvalid:
			st.Invalid++
		}
	}
	return st
}

// Update loads the list, hands it to fn and saves whatever fn returns, all
// under the manager lock. Nothing is saved when the list cannot be read. It is the single write path for sync passes.
func (m *Manager) Update(ctx context.Context, fn func([]submission.Submission) []submission.Submission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	items, err := m.store.loadForWrite(ctx)
	if err != nil {
		return err
	}
	return m.store.Save(ctx, fn(items))
}

// PurgeSynced removes every synced submission and returns how many went.
// Pending, failed and invalid items are kept.
func (m *Manager) PurgeSynced(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	items, err := m.store.loadForWrite(ctx)
	if err != nil {
		return 0, fmt.Errorf("purging synced submissions: %w", err)
	}
	kept := make([]submission.Submission, 0, len(items))
	for _, s := range items {
		if s.Status != submission.StatusSynced {
			kept = append(kept, s)
		}
	}
	removed := len(items) - len(kept)
	if removed == 0 {
		return 0, nil
	}
	if err := m.store.Save(ctx, kept); err != nil {
		return 0, fmt.Errorf("purging synced submissions: %w", err)
	}

	m.logger.Info("purged synced submissions", "count", removed)
	m.publish(notify.KindPurged, removed)
	return removed, nil
}

// Retry moves a failed submission back to pending.
func (m *Manager) Retry(ctx context.Context, id int64) (submission.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	items, err := m.store.loadForWrite(ctx)
	if err != nil {
		return submission.Submission{}, fmt.Errorf("retrying submission %d: %w", id, err)
	}
	for i := range items {
		if items[i].ID != id {
			continue
		}
		if items[i].Status != submission.StatusFailed {
			return items[i], ErrNotRetryable
		}
		items[i].Status = submission.StatusPending
		items[i].Error = ""
		if err := m.store.Save(ctx, items); err != nil {
			return submission.Submission{}, fmt.Errorf("retrying submission %d: %w", id, err)
		}
		return items[i], nil
	}
	return submission.Submission{}, ErrNotFound
}

// RetryFailed moves every failed submission back to pending.
func (m *Manager) RetryFailed(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	items, err := m.store.loadForWrite(ctx)
	if err != nil {
		return 0, fmt.Errorf("retrying failed submissions: %w", err)
	}
	count := 0
	for i := range items {
		if items[i].Status == submission.StatusFailed {
			items[i].Status = submission.StatusPending
			items[i].Error = ""
			count++
		}
	}
	if count == 0 {
		return 0, nil
	}
	if err := m.store.Save(ctx, items); err != nil {
		return 0, fmt.Errorf("retrying failed submissions: %w", err)
	}
	m.logger.Info("reset failed submissions for retry", "count", count)
	return count, nil
}

func (m *Manager) publish(kind notify.Kind, data any) {
	if m.events == nil {
		return
	}
	m.events.Publish(notify.Event{Kind: kind, At: m.now().UTC(), Data: data})
}
