// Package remote delivers submissions to the triage endpoint.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/kalambet/triageq/internal/submission"
)

const (
	DefaultTimeout = 10 * time.Second
	maxBodyBytes   = 1 << 20
)

// RejectedError is a 4xx answer: the endpoint refused the payload itself
// and repeating the request will not help.
type RejectedError struct {
	Status  int
	Message string
	Details string
}

func (e *RejectedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.Status)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}

// TransientError covers 5xx answers, timeouts, transport failures and
// unreadable success bodies. Status is 0 when no response arrived.
type TransientError struct {
	Status int
	Err    error
}

func (e *TransientError) Error() string {
	if e.Status == 0 {
		return e.Err.Error()
	}
	return fmt.Sprintf("HTTP %d: %v", e.Status, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

func IsRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}

func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Options configure a Client. Zero values pick defaults; RateLimit <= 0
// disables client-side limiting.
type Options struct {
	Timeout   time.Duration
	RateLimit float64
	APIKey    string
}

// Client posts payloads to a single endpoint URL.
type Client struct {
	url        string
	apiKey     string
	timeout    time.Duration
	limiter    *rate.Limiter
	httpClient *http.Client
}

// NewClient creates a client for endpoint.
func NewClient(endpoint string, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	c := &Client{
		url:        strings.TrimRight(endpoint, "/"),
		apiKey:     opts.APIKey,
		timeout:    opts.Timeout,
		httpClient: &http.Client{},
	}
	if opts.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), 1)
	}
	return c
}

// URL returns the endpoint the client posts to.
func (c *Client) URL() string { return c.url }

type requestBody struct {
	Symptoms string `json:"symptoms"`
	Language string `json:"language"`
}

type errorBody struct {
	Error   string          `json:"error"`
	Details json.RawMessage `json:"details"`
}

// Submit delivers p and returns the endpoint's JSON response untouched.
// Failures are *RejectedError or *TransientError.
func (c *Client) Submit(ctx context.Context, p submission.Payload) (json.RawMessage, error) {
	body, err := json.Marshal(requestBody{Symptoms: p.Text, Language: p.Locale})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &TransientError{Err: fmt.Errorf("waiting for rate limiter: %w", err)}
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
			return nil, &TransientError{Err: fmt.Errorf("request timed out after %s", c.timeout)}
		}
		return nil, &TransientError{Err: fmt.Errorf("executing request: %w", err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &TransientError{Status: resp.StatusCode, Err: fmt.Errorf("reading response: %w", err)}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if !json.Valid(respBody) {
			return nil, &TransientError{Status: resp.StatusCode, Err: errors.New("response is not valid JSON")}
		}
		return json.RawMessage(respBody), nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, rejected(resp.StatusCode, respBody)
	default:
		return nil, &TransientError{Status: resp.StatusCode, Err: errors.New(http.StatusText(resp.StatusCode))}
	}
}

func rejected(status int, body []byte) *RejectedError {
	re := &RejectedError{Status: status}
	var eb errorBody
	if json.Unmarshal(body, &eb) == nil {
		re.Message = eb.Error
		if len(eb.Details) > 0 && string(eb.Details) != "null" {
			var s string
			if json.Unmarshal(eb.Details, &s) == nil {
				re.Details = s
			} else {
				re.Details = string(eb.Details)
			}
		}
	}
	return re
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}
