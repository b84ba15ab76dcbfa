package security

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func newRouter(mw gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(mw)
	r.GET("/ping", func(c *gin.Context) { c.String(200, "ok") })
	return r
}

func TestHeadersMiddleware(t *testing.T) {
	router := newRouter(HeadersMiddleware())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/ping", nil))

	want := map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"Referrer-Policy":         "strict-origin-when-cross-origin",
		"Content-Security-Policy": apiCSP,
		"Permissions-Policy":      "geolocation=(), microphone=(), camera=()",
	}
	for header, expected := range want {
		if got := w.Header().Get(header); got != expected {
			t.Errorf("%s = %q, want %q", header, got, expected)
		}
	}
}

func TestCORSMiddleware(t *testing.T) {
	tests := []struct {
		name            string
		allowedOrigins  []string
		requestOrigin   string
		wantAllowed     bool
		wantCredentials bool
	}{
		{
			name:            "listed origin allowed with credentials",
			allowedOrigins:  []string{"https://app.smartjects.io"},
			requestOrigin:   "https://app.smartjects.io",
			wantAllowed:     true,
			wantCredentials: true,
		},
		{
			name:           "wildcard admits any origin without credentials",
			allowedOrigins: []string{"*"},
			requestOrigin:  "https://anything.example",
			wantAllowed:    true,
		},
		{
			name:           "empty list admits all",
			allowedOrigins: nil,
			requestOrigin:  "https://anything.example",
			wantAllowed:    true,
		},
		{
			name:           "unlisted origin gets no CORS headers",
			allowedOrigins: []string{"https://app.smartjects.io"},
			requestOrigin:  "https://evil.example",
			wantAllowed:    false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			router := newRouter(CORSMiddleware(tc.allowedOrigins))

			req := httptest.NewRequest("GET", "/ping", nil)
			req.Header.Set("Origin", tc.requestOrigin)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			gotOrigin := w.Header().Get("Access-Control-Allow-Origin")
			if (gotOrigin != "") != tc.wantAllowed {
				t.Errorf("Allow-Origin = %q, wantAllowed %v", gotOrigin, tc.wantAllowed)
			}
			gotCreds := w.Header().Get("Access-Control-Allow-Credentials") == "true"
			if gotCreds != tc.wantCredentials {
				t.Errorf("Allow-Credentials = %v, want %v", gotCreds, tc.wantCredentials)
			}
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	router := newRouter(CORSMiddleware([]string{"*"}))

	req := httptest.NewRequest("OPTIONS", "/ping", nil)
	req.Header.Set("Origin", "https://app.smartjects.io")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if w.Header().Get("Access-Control-Allow-Methods") == "" {
		t.Error("Access-Control-Allow-Methods not set")
	}
}
