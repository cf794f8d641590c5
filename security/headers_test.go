package security

import (
	"net/http/httptest"
	"testing"
)

func TestSetSecurityHeaders(t *testing.T) {
	w := httptest.NewRecorder()
	SetSecurityHeaders(w, "http://localhost:8000")

	expected := map[string]string{
		"X-Frame-Options":        "DENY",
		"X-Content-Type-Options": "nosniff",
		"Referrer-Policy":        "no-referrer",
		"Cache-Control":          "no-store, no-cache, must-revalidate, private",
		"Pragma":                 "no-cache",
	}

	for header, want := range expected {
		if got := w.Header().Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}

	if got := w.Header().Get("Strict-Transport-Security"); got != "" {
		t.Errorf("HSTS should not be set for http:// servers, got %q", got)
	}
}

func TestSetSecurityHeaders_HTTPS(t *testing.T) {
	w := httptest.NewRecorder()
	SetSecurityHeaders(w, "https://auth.example.com")

	if got := w.Header().Get("Strict-Transport-Security"); got == "" {
		t.Error("HSTS should be set for https:// servers")
	}
}
