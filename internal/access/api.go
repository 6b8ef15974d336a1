package access

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/packgate/internal/auth"
	"github.com/keithlinneman/packgate/internal/catalog"
	"github.com/keithlinneman/packgate/internal/entitlement"
	"github.com/keithlinneman/packgate/internal/httpmw"
	"github.com/keithlinneman/packgate/internal/log"
)

// Trials is the trial side of the entitlement store.
type Trials interface {
	StartTrial(ctx context.Context, userID string) (entitlement.TrialWindow, error)
	Trial(ctx context.Context, userID string) (entitlement.TrialWindow, error)
}

type APIOptions struct {
	Logger   log.Logger
	Resolver *Resolver
	Catalog  *catalog.Catalog
	Trials   Trials

	// Tokens authenticates callers. Content and catalog routes accept
	// anonymous callers; trial routes require a token.
	Tokens auth.TokenVerifier

	Now func() time.Time
}

// API serves catalog, content and trial endpoints.
type API struct {
	logger   log.Logger
	resolver *Resolver
	catalog  *catalog.Catalog
	trials   Trials
	tokens   auth.TokenVerifier
	now      func() time.Time
}

func NewAPI(opts APIOptions) *API {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &API{
		logger:   opts.Logger,
		resolver: opts.Resolver,
		catalog:  opts.Catalog,
		trials:   opts.Trials,
		tokens:   opts.Tokens,
		now:      opts.Now,
	}
}

// TrialsPath serves trial start (POST) and status (GET).
const TrialsPath = "/api/trials"

// RegisterRoutes attaches the public API to r.
func (api *API) RegisterRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(httpmw.Scope("content"), auth.Optional(api.tokens, api.logger))
		r.Get("/api/bundles", api.HandleListBundles)
		r.Get("/api/bundles/{bundleID}/content", api.HandleContent)
	})
	r.Group(func(r chi.Router) {
		r.Use(httpmw.Scope("trials"), auth.Required(api.tokens, api.logger))
		r.Post(TrialsPath, api.HandleStartTrial)
		r.Get(TrialsPath, api.HandleTrialStatus)
	})
}

// BundleSummary is a catalog listing entry.
type BundleSummary struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Description string `json:"description,omitempty"`
	Category    string `json:"category"`
	TargetSize  int    `json:"targetSize"`
	Mix         string `json:"difficultyMix"`
	PriceCents  int    `json:"priceCents"`
	ProductID   string `json:"productId,omitempty"`
	SampleSize  int    `json:"sampleSize"`
}

type ContentResponse struct {
	BundleID string                `json:"bundleId"`
	Access   string                `json:"access"`
	Tier     Tier                  `json:"tier"`
	Items    []catalog.ContentItem `json:"items"`
}

type TrialResponse struct {
	Active            bool      `json:"active"`
	StartedAt         time.Time `json:"startedAt"`
	EndsAt            time.Time `json:"endsAt"`
	AccessedBundleIDs []string  `json:"accessedBundleIds"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (api *API) HandleListBundles(w http.ResponseWriter, r *http.Request) {
	bundles := api.catalog.Bundles()
	out := make([]BundleSummary, 0, len(bundles))
	for _, b := range bundles {
		pid, _ := api.catalog.ProductForBundle(b.ID)
		out = append(out, BundleSummary{
			ID:          b.ID,
			DisplayName: b.DisplayName,
			Description: b.Description,
			Category:    string(b.Category),
			TargetSize:  b.TargetSize,
			Mix:         b.Mix.String(),
			PriceCents:  b.PriceCents,
			ProductID:   pid,
			SampleSize:  len(api.catalog.Sample(b.ID)),
		})
	}
	w.Header().Set("Cache-Control", "public, max-age=300")
	api.writeJSON(r.Context(), w, http.StatusOK, out)
}

func (api *API) HandleContent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bundleID := chi.URLParam(r, "bundleID")
	b, ok := api.catalog.Bundle(bundleID)
	if !ok {
		api.writeJSON(ctx, w, http.StatusNotFound, errorResponse{Error: "unknown bundle"})
		return
	}

	userID, _ := auth.UserIDFromContext(ctx)
	a := api.resolver.Resolve(ctx, userID, b)

	resp := ContentResponse{BundleID: b.ID, Access: "full", Tier: a.Tier, Items: a.Items}
	if a.SampleOnly() {
		resp.Access = "sample"
	}
	if resp.Items == nil {
		resp.Items = []catalog.ContentItem{}
	}
	w.Header().Set("Cache-Control", "private, no-store")
	api.writeJSON(ctx, w, http.StatusOK, resp)
}

func (api *API) HandleStartTrial(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, _ := auth.UserIDFromContext(ctx)

	tw, err := api.trials.StartTrial(ctx, userID)
	switch {
	case err == nil:
		api.writeJSON(ctx, w, http.StatusCreated, api.trialResponse(tw))
	case errors.Is(err, entitlement.ErrTrialUsed):
		api.writeJSON(ctx, w, http.StatusConflict, errorResponse{Error: "trial already used"})
	case errors.Is(err, entitlement.ErrInvalidArgument):
		api.writeJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: "invalid user id"})
	case entitlement.Retryable(err):
		api.unavailable(ctx, w, err)
	default:
		api.logger.Error(ctx, err, "start trial failed")
		api.writeJSON(ctx, w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func (api *API) HandleTrialStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, _ := auth.UserIDFromContext(ctx)

	tw, err := api.trials.Trial(ctx, userID)
	switch {
	case err == nil:
		api.writeJSON(ctx, w, http.StatusOK, api.trialResponse(tw))
	case errors.Is(err, entitlement.ErrNotFound):
		api.writeJSON(ctx, w, http.StatusNotFound, errorResponse{Error: "no trial"})
	case errors.Is(err, entitlement.ErrInvalidArgument):
		api.writeJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: "invalid user id"})
	case entitlement.Retryable(err):
		api.unavailable(ctx, w, err)
	default:
		api.logger.Error(ctx, err, "trial lookup failed")
		api.writeJSON(ctx, w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func (api *API) trialResponse(tw entitlement.TrialWindow) TrialResponse {
	ids := tw.AccessedBundleIDs
	if ids == nil {
		ids = []string{}
	}
	return TrialResponse{
		Active:            tw.Active(api.now()),
		StartedAt:         tw.StartedAt,
		EndsAt:            tw.EndsAt,
		AccessedBundleIDs: ids,
	}
}

func (api *API) unavailable(ctx context.Context, w http.ResponseWriter, err error) {
	api.logger.Warn(ctx, "entitlement store unavailable", "err", err)
	w.Header().Set("Retry-After", strconv.Itoa(5))
	api.writeJSON(ctx, w, http.StatusServiceUnavailable, errorResponse{Error: "temporarily unavailable"})
}

func (api *API) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if w.Header().Get("Cache-Control") == "" {
		w.Header().Set("Cache-Control", "no-store")
	}
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		api.logger.Warn(ctx, "failed to encode JSON response", "error", err)
	}
}
