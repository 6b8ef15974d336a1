package httpmw

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func echoBody(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			var mbe *http.MaxBytesError
			if !errors.As(err, &mbe) {
				t.Errorf("read error = %v, want *http.MaxBytesError", err)
			}
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		_, _ = w.Write(body)
	})
}

func TestMaxBody(t *testing.T) {
	const limit = 32
	tests := []struct {
		name     string
		body     string
		declared bool
		want     int
	}{
		{"under limit", `{"id":"evt_1"}`, true, http.StatusOK},
		{"at limit", strings.Repeat("x", limit), true, http.StatusOK},
		{"declared over limit", strings.Repeat("x", limit+1), true, http.StatusRequestEntityTooLarge},
		{"chunked over limit", strings.Repeat("x", limit*4), false, http.StatusRequestEntityTooLarge},
		{"empty", "", true, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", strings.NewReader(tt.body))
			if !tt.declared {
				req.ContentLength = -1
			}
			rec := httptest.NewRecorder()
			MaxBody(limit)(echoBody(t)).ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			if tt.want == http.StatusOK && rec.Body.String() != tt.body {
				t.Fatalf("body = %q", rec.Body.String())
			}
		})
	}
}

func TestMaxBody_DeclaredOverLimitSkipsHandler(t *testing.T) {
	called := false
	h := MaxBody(4)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/webhooks/payments", strings.NewReader("too long")))
	if called {
		t.Fatal("handler ran for oversized declared body")
	}
}
