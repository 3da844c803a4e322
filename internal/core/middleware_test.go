package core

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"tripbilling/internal/types"
)

func TestRecoverer_WritesErrorEnvelope(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Recoverer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("nil map")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(types.WithRequestID(req.Context(), `req-"1"`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp APIErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("body is not JSON: %v (%s)", err, rec.Body.String())
	}
	if resp.Error.Code != string(types.ErrCodeInternalUnexpected) || resp.Error.RequestID != `req-"1"` {
		t.Errorf("resp = %+v", resp)
	}
}

func TestRequestLogger_RedactsAndScopesLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	var scoped *slog.Logger
	h := RequestIDMiddleware(RequestLogger(logger, defaultRedactedHeaders)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scoped = types.LoggerFromContext(r.Context(), nil)
		w.WriteHeader(http.StatusTeapot)
	})))

	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/stripe", nil)
	req.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")
	req.Header.Set("X-Request-Id", "req-9")
	h.ServeHTTP(httptest.NewRecorder(), req)

	out := buf.String()
	if strings.Contains(out, "deadbeef") {
		t.Error("signature header leaked into logs")
	}
	if !strings.Contains(out, `"status":418`) || !strings.Contains(out, `"level":"WARN"`) {
		t.Errorf("access log = %s", out)
	}
	if scoped == nil || scoped == logger {
		t.Fatal("handler must receive a request-scoped logger")
	}
	buf.Reset()
	scoped.Info("inside")
	if !strings.Contains(buf.String(), `"request_id":"req-9"`) {
		t.Errorf("scoped logger lacks request id: %s", buf.String())
	}
}

func TestCORSMiddleware(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	t.Run("listed origin", func(t *testing.T) {
		h := NewCORSMiddleware([]string{"https://app.example.com"})(next)
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Origin", "https://app.example.com")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Header().Get("Access-Control-Allow-Origin") != "https://app.example.com" || rec.Header().Get("Vary") != "Origin" {
			t.Errorf("headers = %v", rec.Header())
		}
	})

	t.Run("unlisted origin", func(t *testing.T) {
		h := NewCORSMiddleware([]string{"https://app.example.com"})(next)
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Origin", "https://evil.example.com")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Header().Get("Access-Control-Allow-Origin") != "" {
			t.Error("unlisted origin must not be allowed")
		}
	})

	t.Run("preflight", func(t *testing.T) {
		h := NewCORSMiddleware([]string{"*"})(next)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/", nil))
		if rec.Code != http.StatusNoContent || rec.Header().Get("Access-Control-Allow-Origin") != "*" {
			t.Errorf("preflight = %d %v", rec.Code, rec.Header())
		}
	})
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	rec := httptest.NewRecorder()
	SecurityHeadersMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" || rec.Header().Get("Cache-Control") != "no-store" {
		t.Errorf("headers = %v", rec.Header())
	}
}

func TestUserIdentityMiddleware_MalformedID(t *testing.T) {
	h := UserIdentityMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler must not run")
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(UserIDHeader, "user 1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), string(types.ErrCodeValidationInvalidUserID)) {
		t.Errorf("got %d %s", rec.Code, rec.Body.String())
	}
}

func TestAdminTokenMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	tests := []struct {
		name       string
		configured types.SecretString
		presented  string
		want       int
	}{
		{"disabled", "", "anything", http.StatusNotFound},
		{"missing token", "s3cret", "", http.StatusUnauthorized},
		{"wrong token", "s3cret", "s3cres", http.StatusUnauthorized},
		{"valid token", "s3cret", "s3cret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/admin/stats", nil)
			if tt.presented != "" {
				req.Header.Set(AdminTokenHeader, tt.presented)
			}
			rec := httptest.NewRecorder()
			AdminTokenMiddleware(tt.configured)(ok).ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}
