package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/triageq/internal/connectivity"
	"github.com/kalambet/triageq/internal/notify"
	"github.com/kalambet/triageq/internal/queue"
	"github.com/kalambet/triageq/internal/submission"
	"github.com/kalambet/triageq/internal/syncer"
)

const maxRequestBodySize = 64 << 10 // 64KB

type SubmitRequest struct {
	Text   string `json:"text"`
	Locale string `json:"locale"`
}

// Status is the body of GET /status.
type Status struct {
	Online         bool               `json:"online"`
	Queue          queue.Stats        `json:"queue"`
	MaxItems       int                `json:"max_items"`
	NextDelay      string             `json:"next_retry_delay"`
	RetryScheduled bool               `json:"retry_scheduled"`
	LastPass       *syncer.PassResult `json:"last_pass,omitempty"`
	Feedback       string             `json:"feedback,omitempty"`
}

// SyncResponse is the body of POST /sync.
type SyncResponse struct {
	syncer.PassResult
	Feedback string `json:"feedback"`
	Purged   int    `json:"purged,omitempty"`
}

type AppDeps struct {
	Manager      *queue.Manager
	Engine       *syncer.Engine
	Connectivity connectivity.Source
	// Remote serves ?direct=true submissions. Without it they are queued.
	Remote       syncer.Submitter
	Broker       *notify.Broker
	Token        string
}

// NewAppHandler returns the local API. Everything except /health requires
// the bearer token.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/submissions", handleSubmit(deps))
		r.Get("/submissions", handleList(deps))
		r.Get("/submissions/pending", handleListPending(deps))
		r.Post("/submissions/{id}/retry", handleRetry(deps))
		r.Delete("/submissions/synced", handlePurge(deps))
		r.Post("/sync", handleSync(deps))
		r.Get("/status", handleStatus(deps))
		if deps.Broker != nil {
			r.Get("/events", handleEvents(deps.Broker))
		}
	})
	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handleSubmit(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req SubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		payload := submission.Payload{Text: req.Text, Locale: req.Locale}
		if direct, _ := strconv.ParseBool(r.URL.Query().Get("direct")); direct {
			handleSubmitDirect(deps, w, r, payload)
			return
		}

		sub, err := deps.Manager.Enqueue(r.Context(), payload)
		var ve *submission.ValidationError
		if errors.As(err, &ve) {
			validationError(w, ve)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to queue submission: %v", err)
			return
		}
		writeJSON(w, http.StatusCreated, sub)
	}
}

func handleList(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		items := deps.Manager.List(r.Context())
		status := submission.Status(r.URL.Query().Get("status"))
		if status == "" {
			writeJSON(w, http.StatusOK, items)
			return
		}
		switch status {
		case submission.StatusPending, submission.StatusSynced, submission.StatusFailed, submission.StatusInvalid:
		default:
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown status %q", status)
			return
		}
		out := make([]submission.Submission, 0, len(items))
		for _, s := range items {
			if s.Status == status {
				out = append(out, s)
			}
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleListPending(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Manager.ListPending(r.Context()))
	}
}

func handleRetry(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid submission id")
			return
		}

		sub, err := deps.Manager.Retry(r.Context(), id)
		switch {
		case errors.Is(err, queue.ErrNotFound):
			httpError(w, http.StatusNotFound, "not_found", "submission not found")
		case errors.Is(err, queue.ErrNotRetryable):
			httpError(w, http.StatusConflict, "conflict", "submission %d is %s, only failed submissions can be retried", id, sub.Status)
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "failed to retry submission: %v", err)
		default:
			writeJSON(w, http.StatusOK, sub)
		}
	}
}

func handlePurge(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := deps.Manager.PurgeSynced(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to purge: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"purged": n})
	}
}

// handleSync runs a manual pass. With ?purge=true synced items are removed
// afterwards, the way the sync button always did.
func handleSync(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := deps.Engine.Sync(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "sync failed: %v", err)
			return
		}
		resp := SyncResponse{PassResult: res, Feedback: res.Feedback()}

		if purge, _ := strconv.ParseBool(r.URL.Query().Get("purge")); purge {
			n, err := deps.Manager.PurgeSynced(r.Context())
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "sync succeeded but purge failed: %v", err)
				return
			}
			resp.Purged = n
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Status{
			Online:         deps.Connectivity.IsOnline(),
			Queue:          deps.Manager.Stats(r.Context()),
			MaxItems:       deps.Manager.MaxItems(),
			NextDelay:      deps.Engine.NextDelay().String(),
			RetryScheduled: deps.Engine.RetryScheduled(),
		}
		if last, ok := deps.Engine.LastPass(); ok {
			st.LastPass = &last
			st.Feedback = last.Feedback()
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func validationError(w http.ResponseWriter, ve *submission.ValidationError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": ve.Error(),
			"type":    "validation_error",
			"fields":  ve.Fields,
		},
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
