package httpserver_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"

	"github.com/keithlinneman/packgate/internal/access"
	"github.com/keithlinneman/packgate/internal/auth"
	"github.com/keithlinneman/packgate/internal/catalog"
	"github.com/keithlinneman/packgate/internal/contentcache"
	"github.com/keithlinneman/packgate/internal/cryptoutil"
	"github.com/keithlinneman/packgate/internal/docstore"
	"github.com/keithlinneman/packgate/internal/entitlement"
	"github.com/keithlinneman/packgate/internal/generator"
	"github.com/keithlinneman/packgate/internal/health"
	"github.com/keithlinneman/packgate/internal/httpserver"
	"github.com/keithlinneman/packgate/internal/kvstore"
	"github.com/keithlinneman/packgate/internal/log"
	"github.com/keithlinneman/packgate/internal/webhook"
)

const (
	webhookSecret = "whsec_integration"
	jwtSecret     = "jwt_integration"
)

type contentInfo struct{ cat *catalog.Catalog }

func (c contentInfo) CatalogFingerprint() string { return c.cat.Fingerprint() }
func (contentInfo) ContentSchemaVersion() int    { return generator.SchemaVersion }

// newStack wires the public handler the way cmd/server does, on in-memory
// backends.
func newStack(t *testing.T) http.Handler {
	t.Helper()
	cat, err := catalog.New(catalog.Options{
		Bundles: []catalog.Bundle{
			{ID: "rome", DisplayName: "Rome", TargetSize: 12, Mix: catalog.StandardMix, PriceCents: 299},
		},
		Products: map[string]string{"prod_rome": "rome"},
		Samples: map[string][]catalog.ContentItem{"rome": {
			{ID: "rome_s1", Body: "Who founded Rome?", Options: []string{"Romulus", "Remus"}, CorrectIndex: 0, Difficulty: catalog.Easy},
		}},
	})
	if err != nil {
		t.Fatal(err)
	}
	ents, err := entitlement.New(entitlement.Options{Docs: docstore.NewMemoryStore()})
	if err != nil {
		t.Fatal(err)
	}
	cache, err := contentcache.New(contentcache.Options{KV: kvstore.NewMemory(), SchemaVersion: generator.SchemaVersion})
	if err != nil {
		t.Fatal(err)
	}
	gen := generator.New(generator.Options{})

	dispatcher, err := webhook.New(webhook.Options{
		Verifier: &cryptoutil.PayloadVerifier{
			MAC: &cryptoutil.HMACVerifier{Secret: cryptoutil.StaticSecret(webhookSecret)},
		},
		Catalog:      cat,
		Entitlements: ents,
		Cache:        cache,
		Generator:    gen,
	})
	if err != nil {
		t.Fatal(err)
	}
	resolver, err := access.New(access.Options{Catalog: cat, Entitlements: ents, Cache: cache, Generator: gen})
	if err != nil {
		t.Fatal(err)
	}
	tokens, err := auth.NewVerifier(auth.VerifierOptions{Secret: cryptoutil.StaticSecret(jwtSecret)})
	if err != nil {
		t.Fatal(err)
	}

	webhookAPI := webhook.NewAPI(dispatcher, "", log.Nop())
	accessAPI := access.NewAPI(access.APIOptions{Resolver: resolver, Catalog: cat, Trials: ents, Tokens: tokens})

	return httpserver.NewHandler(&httpserver.Options{
		Logger:       log.Nop(),
		UseRecoverMW: true,
		Health:       health.Fixed(true, ""),
		Readiness:    health.Dependency("entitlement store", time.Second, ents.Ping),
		ContentInfo:  contentInfo{cat},
		APIRoutes: func(r chi.Router) {
			webhookAPI.RegisterRoutes(r)
			accessAPI.RegisterRoutes(r)
		},
	})
}

func bearer(t *testing.T, userID string) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(jwtSecret))
	if err != nil {
		t.Fatal(err)
	}
	return "Bearer " + tok
}

func postEvent(t *testing.T, h http.Handler, ev map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", strings.NewReader(string(raw)))
	req.Header.Set(webhook.DefaultSignatureHeader, cryptoutil.SignPayload([]byte(webhookSecret), raw, time.Now()))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func getContent(t *testing.T, h http.Handler, authz string) access.ContentResponse {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/bundles/rome/content", http.NoBody)
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("content status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp access.ContentResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode content: %v", err)
	}
	return resp
}

// TestIntegration_PurchaseRefundLifecycle drives a purchase and a refund
// through the signed webhook endpoint and checks what the content endpoint
// serves at each step.
func TestIntegration_PurchaseRefundLifecycle(t *testing.T) {
	h := newStack(t)
	user := bearer(t, "u_42")

	if got := getContent(t, h, user); got.Access != "sample" || len(got.Items) != 1 {
		t.Fatalf("before purchase: access=%s items=%d", got.Access, len(got.Items))
	}

	purchase := map[string]any{
		"id":   "evt_p1",
		"type": webhook.TypePurchaseCompleted,
		"data": map[string]any{"userId": "u_42", "productId": "prod_rome"},
	}
	if rec := postEvent(t, h, purchase); rec.Code != http.StatusOK {
		t.Fatalf("purchase webhook = %d: %s", rec.Code, rec.Body.String())
	}
	// redelivery is acknowledged without a second grant
	if rec := postEvent(t, h, purchase); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "duplicate") {
		t.Fatalf("redelivery = %d: %s", rec.Code, rec.Body.String())
	}

	full := getContent(t, h, user)
	if full.Access != "full" || full.Tier != access.TierPurchase || len(full.Items) != 12 {
		t.Fatalf("after purchase: access=%s tier=%s items=%d", full.Access, full.Tier, len(full.Items))
	}
	if other := getContent(t, h, bearer(t, "u_other")); other.Access != "sample" {
		t.Fatalf("other user access = %s, want sample", other.Access)
	}

	refund := map[string]any{
		"id":   "evt_r1",
		"type": webhook.TypeChargeRefunded,
		"data": map[string]any{"userId": "u_42", "bundleId": "rome"},
	}
	if rec := postEvent(t, h, refund); rec.Code != http.StatusOK {
		t.Fatalf("refund webhook = %d: %s", rec.Code, rec.Body.String())
	}
	if got := getContent(t, h, user); got.Access != "sample" {
		t.Fatalf("after refund: access = %s, want sample", got.Access)
	}
}

func TestIntegration_UnsignedWebhookRejected(t *testing.T) {
	h := newStack(t)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments",
		strings.NewReader(`{"id":"evt_x","type":"purchase.completed","data":{"userId":"u","productId":"prod_rome"}}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if got := getContent(t, h, bearer(t, "u")); got.Access != "sample" {
		t.Fatalf("unsigned event granted access: %s", got.Access)
	}
}

func TestIntegration_Headers(t *testing.T) {
	h := newStack(t)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/bundles", http.NoBody))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	for _, hdr := range []string{"Strict-Transport-Security", "Content-Security-Policy", "X-Request-Id", "X-Catalog-Version", "X-Content-Schema"} {
		if rec.Header().Get(hdr) == "" {
			t.Errorf("missing header %s", hdr)
		}
	}
}

func TestIntegration_Readiness(t *testing.T) {
	h := newStack(t)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/-/ready", http.NoBody))
	if rec.Code != http.StatusOK {
		t.Fatalf("ready = %d: %s", rec.Code, rec.Body.String())
	}
}
