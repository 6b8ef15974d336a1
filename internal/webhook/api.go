package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/packgate/internal/httpmw"
	"github.com/keithlinneman/packgate/internal/log"
)

const (
	DefaultSignatureHeader = "Payment-Signature"

	// RoutePath is where the payment provider posts events.
	RoutePath = "/webhooks/payments"

	// DefaultRetryAfter is the Retry-After hint sent with 503 responses.
	DefaultRetryAfter = 30

	maxEventBytes = 1 << 20
)

// EventHandler is what the HTTP endpoint dispatches to.
type EventHandler interface {
	Handle(ctx context.Context, raw []byte, signature string) (Outcome, error)
}

// API exposes the dispatcher over HTTP.
type API struct {
	handler         EventHandler
	logger          log.Logger
	signatureHeader string
}

// NewAPI creates the webhook endpoint. An empty signatureHeader uses
// DefaultSignatureHeader.
func NewAPI(h EventHandler, signatureHeader string, logger log.Logger) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if signatureHeader == "" {
		signatureHeader = DefaultSignatureHeader
	}
	return &API{handler: h, logger: logger, signatureHeader: signatureHeader}
}

func (api *API) RegisterRoutes(r chi.Router) {
	r.With(httpmw.Scope("webhook")).Post(RoutePath, api.HandleEvent)
}

type eventResponse struct {
	Received bool   `json:"received"`
	Outcome  string `json:"outcome"`
	Error    string `json:"error,omitempty"`
}

// HandleEvent acknowledges with 200 once the event is applied, a duplicate
// or ignored. Terminal failures get 400 so the processor stops retrying;
// retryable failures get 503 so it redelivers.
func (api *API) HandleEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxEventBytes+1))
	if err != nil {
		api.writeJSON(ctx, w, http.StatusBadRequest, eventResponse{Outcome: string(OutcomeRejected), Error: "unreadable body"})
		return
	}
	if len(raw) > maxEventBytes {
		api.writeJSON(ctx, w, http.StatusRequestEntityTooLarge, eventResponse{Outcome: string(OutcomeRejected), Error: "event too large"})
		return
	}

	outcome, err := api.handler.Handle(ctx, raw, r.Header.Get(api.signatureHeader))
	switch {
	case err == nil:
		api.writeJSON(ctx, w, http.StatusOK, eventResponse{Received: true, Outcome: string(outcome)})
	case Retryable(err):
		w.Header().Set("Retry-After", strconv.Itoa(DefaultRetryAfter))
		api.writeJSON(ctx, w, http.StatusServiceUnavailable, eventResponse{Outcome: string(OutcomeRetry), Error: "temporarily unavailable"})
	case errors.Is(err, ErrInvalidSignature):
		api.writeJSON(ctx, w, http.StatusBadRequest, eventResponse{Outcome: string(outcome), Error: "invalid signature"})
	default:
		api.writeJSON(ctx, w, http.StatusBadRequest, eventResponse{Outcome: string(outcome), Error: publicError(err)})
	}
}

// publicError keeps internal detail out of responses.
func publicError(err error) string {
	switch {
	case errors.Is(err, ErrMalformedEvent):
		return "malformed event"
	case errors.Is(err, ErrUnknownProduct):
		return "unknown product"
	default:
		return "event rejected"
	}
}

func (api *API) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		api.logger.Warn(ctx, "failed to encode JSON response", "error", err)
	}
}
