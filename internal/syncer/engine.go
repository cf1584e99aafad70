// Package syncer drains queued submissions to the remote endpoint and owns
// the retry backoff.
package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kalambet/triageq/internal/connectivity"
	"github.com/kalambet/triageq/internal/notify"
	"github.com/kalambet/triageq/internal/remote"
	"github.com/kalambet/triageq/internal/submission"
)

const (
	DefaultBackoffBase = time.Second
	DefaultBackoffMax  = time.Minute
)

// Queue is the part of queue.Manager the engine needs.
type Queue interface {
	Eligible(ctx context.Context) []submission.Submission
	Update(ctx context.Context, fn func([]submission.Submission) []submission.Submission) error
}

// Submitter delivers one payload. *remote.Client implements it.
type Submitter interface {
	Submit(ctx context.Context, p submission.Payload) (json.RawMessage, error)
}

// Connectivity is the monitor surface Run consumes.
type Connectivity interface {
	connectivity.Source
	Wake() <-chan struct{}
}

// Publisher receives completed pass results.
type Publisher interface {
	Publish(notify.Event)
}

// ItemResult is the outcome of one delivery attempt.
type ItemResult struct {
	ID     int64             `json:"id"`
	Status submission.Status `json:"status"`
	Data   json.RawMessage   `json:"data,omitempty"`
	Error  string            `json:"error,omitempty"`
}

// PassResult summarizes a sync pass. Failed counts both rejected and
// retryable items; Retryable counts only the latter.
type PassResult struct {
	Synced     int          `json:"synced"`
	Failed     int          `json:"failed"`
	Retryable  int          `json:"retryable"`
	Results    []ItemResult `json:"results"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
}

// Feedback renders the pass outcome for display.
func (r PassResult) Feedback() string {
	switch {
	case r.Failed > 0:
		return fmt.Sprintf("%d submissions failed to sync.", r.Failed)
	case r.Synced > 0:
		return fmt.Sprintf("%d submissions synced!", r.Synced)
	default:
		return "No pending submissions."
	}
}

// Options configure an Engine. Zero values pick defaults.
type Options struct {
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Clock       Clock
	Events      Publisher
	Logger      *slog.Logger
}

// Engine runs sync passes. Passes never overlap; at most one retry timer is
// scheduled at any time.
type Engine struct {
	queue  Queue
	client Submitter
	conn   Connectivity
	clock  Clock
	events Publisher
	logger *slog.Logger

	base time.Duration
	max  time.Duration

	passMu sync.Mutex

	timerMu sync.Mutex
	timer   Timer
	gen     uint64 // bumped whenever timer is armed or cleared
	delay   time.Duration
	baseCtx context.Context

	lastMu sync.RWMutex
	last   *PassResult
}

// NewEngine creates an engine delivering q's items through client.
func NewEngine(q Queue, client Submitter, conn Connectivity, opts Options) *Engine {
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = DefaultBackoffBase
	}
	if opts.BackoffMax < opts.BackoffBase {
		opts.BackoffMax = DefaultBackoffMax
		if opts.BackoffMax < opts.BackoffBase {
			opts.BackoffMax = opts.BackoffBase
		}
	}
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{
		queue:   q,
		client:  client,
		conn:    conn,
		clock:   opts.Clock,
		events:  opts.Events,
		logger:  opts.Logger,
		base:    opts.BackoffBase,
		max:     opts.BackoffMax,
		delay:   opts.BackoffBase,
		baseCtx: context.Background(),
	}
}

// NextDelay returns the delay the next scheduled retry would use.
func (e *Engine) NextDelay() time.Duration {
	e.timerMu.Lock()
	defer e.timerMu.Unlock()
	return e.delay
}

// RetryScheduled reports whether a retry timer is pending.
func (e *Engine) RetryScheduled() bool {
	e.timerMu.Lock()
	defer e.timerMu.Unlock()
	return e.timer != nil
}

// LastPass returns the most recent pass that attempted anything.
func (e *Engine) LastPass() (PassResult, bool) {
	e.lastMu.RLock()
	defer e.lastMu.RUnlock()
	if e.last == nil {
		return PassResult{}, false
	}
	return *e.last, true
}

// Sync cancels any scheduled retry and runs a pass now. The error is
// non-nil only when the results could not be persisted.
func (e *Engine) Sync(ctx context.Context) (PassResult, error) {
	e.stopTimer()
	return e.pass(ctx)
}

// Run syncs whenever connectivity comes back, and once at start if online.
// It blocks until ctx is cancelled and stops the retry timer on exit.
func (e *Engine) Run(ctx context.Context) error {
	e.timerMu.Lock()
	e.baseCtx = ctx
	e.timerMu.Unlock()
	defer e.stopTimer()

	if e.conn.IsOnline() {
		e.syncIfEligible(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.conn.Wake():
			e.syncIfEligible(ctx)
		}
	}
}

func (e *Engine) syncIfEligible(ctx context.Context) {
	if len(e.queue.Eligible(ctx)) == 0 {
		return
	}
	if _, err := e.Sync(ctx); err != nil {
		e.logger.Error("sync pass failed", "error", err)
	}
}

func (e *Engine) pass(ctx context.Context) (PassResult, error) {
	e.passMu.Lock()
	defer e.passMu.Unlock()

	items := e.queue.Eligible(ctx)
	res := PassResult{StartedAt: e.clock.Now().UTC(), Results: []ItemResult{}}
	if len(items) == 0 {
		res.FinishedAt = res.StartedAt
		return res, nil
	}

	e.logger.Info("sync pass started", "items", len(items))
	for _, it := range items {
		if ctx.Err() != nil {
			break
		}
		res.Results = append(res.Results, e.deliver(ctx, it))
	}
	for _, r := range res.Results {
		switch {
		case r.Status == submission.StatusSynced:
			res.Synced++
		case r.Status == submission.StatusFailed:
			res.Failed++
			res.Retryable++
		default:
			res.Failed++
		}
	}

	now := e.clock.Now().UTC()
	res.FinishedAt = now
	byID := make(map[int64]ItemResult, len(res.Results))
	for _, r := range res.Results {
		byID[r.ID] = r
	}
	err := e.queue.Update(context.WithoutCancel(ctx), func(all []submission.Submission) []submission.Submission {
		for i := range all {
			r, ok := byID[all[i].ID]
			if !ok {
				continue
			}
			all[i].Status = r.Status
			all[i].Error = r.Error
			all[i].Attempts++
			if r.Status == submission.StatusSynced {
				synced := now
				all[i].SyncedAt = &synced
			}
		}
		return all
	})
	if err != nil {
		return res, fmt.Errorf("persisting sync results: %w", err)
	}

	e.logger.Info("sync pass finished", "synced", res.Synced, "failed", res.Failed, "retryable", res.Retryable)
	e.reschedule(res)

	e.lastMu.Lock()
	e.last = &res
	e.lastMu.Unlock()
	if e.events != nil {
		e.events.Publish(notify.Event{Kind: notify.KindPassCompleted, At: now, Data: res})
	}
	return res, nil
}

func (e *Engine) deliver(ctx context.Context, it submission.Submission) ItemResult {
	data, err := e.client.Submit(ctx, it.Payload())
	switch {
	case err == nil:
		return ItemResult{ID: it.ID, Status: submission.StatusSynced, Data: data}
	case remote.IsRejected(err):
		e.logger.Warn("submission rejected", "submission_id", it.ID, "error", err)
		return ItemResult{ID: it.ID, Status: submission.StatusInvalid, Error: err.Error()}
	default:
		e.logger.Warn("submission delivery failed", "submission_id", it.ID, "error", err)
		return ItemResult{ID: it.ID, Status: submission.StatusFailed, Error: err.Error()}
	}
}

// reschedule applies the backoff policy after a pass: retryable failures
// arm the timer if none is pending and double the delay; a clean pass
// resets it.
func (e *Engine) reschedule(res PassResult) {
	e.timerMu.Lock()
	defer e.timerMu.Unlock()

	if res.Failed == 0 {
		e.delay = e.base
		return
	}
	if res.Retryable == 0 || e.timer != nil {
		return
	}

	d := e.delay
	e.logger.Info("retry scheduled", "delay", d)
	e.gen++
	gen := e.gen
	e.timer = e.clock.AfterFunc(d, func() { e.fire(gen) })
	e.delay = min(e.delay*2, e.max)
}

func (e *Engine) fire(gen uint64) {
	e.timerMu.Lock()
	if e.timer == nil || gen != e.gen {
		// Stopped or replaced after the callback was already queued.
		e.timerMu.Unlock()
		return
	}
	e.timer = nil
	e.gen++
	ctx := e.baseCtx
	e.timerMu.Unlock()

	if ctx.Err() != nil {
		return
	}
	if !e.conn.IsOnline() {
		e.logger.Debug("retry skipped while offline")
		return
	}
	if _, err := e.pass(ctx); err != nil {
		e.logger.Error("retry pass failed", "error", err)
	}
}

func (e *Engine) stopTimer() {
	e.timerMu.Lock()
	defer e.timerMu.Unlock()
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
		e.gen++
	}
}
