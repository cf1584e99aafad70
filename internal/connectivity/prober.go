package connectivity

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const (
	// DefaultFailureThreshold is how many failed probes in a row mark the
	// endpoint offline.
	DefaultFailureThreshold = 2
	DefaultInterval         = 15 * time.Second
	DefaultProbeTimeout     = 3 * time.Second
)

// Prober polls a URL and feeds the outcome into a Monitor. Any HTTP
// response, whatever the status, counts as reachable.
type Prober struct {
	URL              string
	Interval         time.Duration
	FailureThreshold int

	monitor  *Monitor
	client   *http.Client
	logger   *slog.Logger
	failures int
}

// NewProber creates a Prober for url reporting into m.
func NewProber(m *Monitor, url string) *Prober {
	return &Prober{
		URL:              url,
		Interval:         DefaultInterval,
		FailureThreshold: DefaultFailureThreshold,
		monitor:          m,
		client:           &http.Client{Timeout: DefaultProbeTimeout},
		logger:           slog.Default(),
	}
}

// Run probes once immediately and then every Interval until ctx is done.
func (p *Prober) Run(ctx context.Context) error {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.Probe(ctx)
		}
	}
}

// Probe performs a single check and updates the monitor. It reports whether
// the probe reached the endpoint.
func (p *Prober) Probe(ctx context.Context) bool {
	err := p.check(ctx)
	if err == nil {
		p.failures = 0
		p.monitor.Set(true)
		return true
	}
	if ctx.Err() != nil {
		return false
	}

	p.failures++
	p.logger.Debug("connectivity probe failed", "url", p.URL, "failures", p.failures, "error", err)
	threshold := p.FailureThreshold
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	if p.failures >= threshold {
		p.monitor.Set(false)
	}
	return false
}

func (p *Prober) check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return fmt.Errorf("building probe request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
	return nil
}
