package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/kalambet/triageq/internal/remote"
	"github.com/kalambet/triageq/internal/submission"
)

// DirectResponse is the body of POST /submissions?direct=true. Exactly one
// of Result and Queued is set.
type DirectResponse struct {
	Delivered bool                   `json:"delivered"`
	Result    json.RawMessage        `json:"result,omitempty"`
	Queued    *submission.Submission `json:"queued,omitempty"`
	Reason    string                 `json:"reason,omitempty"`
}

// errRejected wraps an endpoint rejection of a direct submission. Such a
// payload is not queued: delivering it later would be rejected again.
type errRejected struct{ err *remote.RejectedError }

func (e errRejected) Error() string { return e.err.Error() }

// submitDirect posts p straight to the endpoint when online and queues it
// when offline or when delivery fails for a retryable reason.
func submitDirect(ctx context.Context, deps AppDeps, p submission.Payload) (DirectResponse, error) {
	p, err := submission.Normalize(p)
	if err != nil {
		return DirectResponse{}, err
	}

	reason := "offline"
	if deps.Remote != nil && deps.Connectivity.IsOnline() {
		data, err := deps.Remote.Submit(ctx, p)
		var re *remote.RejectedError
		switch {
		case err == nil:
			return DirectResponse{Delivered: true, Result: data}, nil
		case errors.As(err, &re):
			return DirectResponse{}, errRejected{re}
		default:
			slog.Warn("direct submission failed, queueing", "error", err)
			reason = err.Error()
		}
	}

	sub, err := deps.Manager.Enqueue(ctx, p)
	if err != nil {
		return DirectResponse{}, fmt.Errorf("queueing after direct submission: %w", err)
	}
	return DirectResponse{Queued: &sub, Reason: reason}, nil
}

func handleSubmitDirect(deps AppDeps, w http.ResponseWriter, r *http.Request, p submission.Payload) {
	resp, err := submitDirect(r.Context(), deps, p)
	var ve *submission.ValidationError
	var rej errRejected
	switch {
	case errors.As(err, &ve):
		validationError(w, ve)
	case errors.As(err, &rej):
		httpError(w, http.StatusUnprocessableEntity, "rejected_error", "triage endpoint rejected the submission: %v", rej)
	case err != nil:
		httpError(w, http.StatusInternalServerError, "api_error", "failed to submit: %v", err)
	case resp.Delivered:
		writeJSON(w, http.StatusOK, resp)
	default:
		writeJSON(w, http.StatusAccepted, resp)
	}
}
