package httpmw

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

type stubContentInfo struct {
	fingerprint string
	schema      int
}

func (s *stubContentInfo) CatalogFingerprint() string { return s.fingerprint }
func (s *stubContentInfo) ContentSchemaVersion() int  { return s.schema }

func serveContentHeaders(info ContentInfo) *httptest.ResponseRecorder {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	rec := httptest.NewRecorder()
	ContentHeaders(info)(handler).ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	return rec
}

func TestContentHeaders(t *testing.T) {
	tests := []struct {
		name        string
		info        ContentInfo
		wantCatalog string
		wantSchema  string
	}{
		{"both set", &stubContentInfo{"abcdef1234567890abcdef", 2}, "abcdef123456", "2"},
		{"short fingerprint", &stubContentInfo{"abc123", 1}, "abc123", "1"},
		{"exactly twelve", &stubContentInfo{"abcdef123456", 1}, "abcdef123456", "1"},
		{"empty fingerprint", &stubContentInfo{"", 3}, "", "3"},
		{"zero schema", &stubContentInfo{"abc", 0}, "abc", ""},
		{"nil info", nil, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serveContentHeaders(tt.info)
			if got := rec.Header().Get("X-Catalog-Version"); got != tt.wantCatalog {
				t.Fatalf("X-Catalog-Version = %q, want %q", got, tt.wantCatalog)
			}
			if got := rec.Header().Get("X-Content-Schema"); got != tt.wantSchema {
				t.Fatalf("X-Content-Schema = %q, want %q", got, tt.wantSchema)
			}
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d", rec.Code)
			}
		})
	}
}
