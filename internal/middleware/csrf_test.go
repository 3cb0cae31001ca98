package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCSRFMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		cookie     string
		header     string
		authHeader string
		want       int
	}{
		{"GET passes", http.MethodGet, "", "", "", http.StatusOK},
		{"POST with matching token", http.MethodPost, "tok", "tok", "", http.StatusOK},
		{"POST without cookie", http.MethodPost, "", "tok", "", http.StatusForbidden},
		{"POST without header", http.MethodPost, "tok", "", "", http.StatusForbidden},
		{"POST with mismatch", http.MethodPost, "tok", "other", "", http.StatusForbidden},
		{"DELETE with mismatch", http.MethodDelete, "tok", "other", "", http.StatusForbidden},
		{"POST with bearer token", http.MethodPost, "", "", "Bearer abc", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewCSRFMiddleware(SessionConfig{})(okHandler())

			req := httptest.NewRequest(tt.method, "/api/onboarding/profile", nil)
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: tt.cookie})
			}
			if tt.header != "" {
				req.Header.Set(csrfHeaderName, tt.header)
			}
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
			if tt.want == http.StatusForbidden {
				var body ErrorResponseBody
				if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
					t.Fatalf("failed to decode: %v", err)
				}
				if body.Code != "CSRF_TOKEN_INVALID" {
					t.Errorf("code = %q", body.Code)
				}
			}
		})
	}
}

func TestCSRFMiddleware_SafeMethodIssuesCookie(t *testing.T) {
	handler := NewCSRFMiddleware(SessionConfig{CookieDomain: "example.com"})(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/me", nil))

	var found *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == csrfCookieName {
			found = c
		}
	}
	if found == nil || len(found.Value) != 64 {
		t.Fatalf("csrf cookie = %+v, want 64-char token", found)
	}
	if found.HttpOnly {
		t.Error("csrf cookie must be readable by the frontend")
	}
}

func TestCSRFTokenHandler_ReusesExistingToken(t *testing.T) {
	handler := NewCSRFTokenHandler(SessionConfig{})

	req := httptest.NewRequest(http.MethodGet, "/api/csrf-token", nil)
	req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: "existing"})
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if body["token"] != "existing" {
		t.Errorf("token = %q, want existing", body["token"])
	}
	if len(w.Result().Cookies()) != 0 {
		t.Error("existing token must not be reissued")
	}
}
