package auth

import (
	"net/http"
	"testing"
)

func TestCredentialFromRequest(t *testing.T) {
	t.Run("cookie", func(t *testing.T) {
		r, _ := http.NewRequest(http.MethodGet, "/ws", nil)
		r.AddCookie(&http.Cookie{Name: CookieName, Value: "tok-cookie"})
		if got := CredentialFromRequest(r); got != "tok-cookie" {
			t.Errorf("expected cookie token, got %q", got)
		}
	})

	t.Run("bearer", func(t *testing.T) {
		r, _ := http.NewRequest(http.MethodGet, "/ws", nil)
		r.Header.Set("Authorization", "Bearer tok-bearer")
		if got := CredentialFromRequest(r); got != "tok-bearer" {
			t.Errorf("expected bearer token, got %q", got)
		}
	})

	t.Run("cookie wins over bearer", func(t *testing.T) {
		r, _ := http.NewRequest(http.MethodGet, "/ws", nil)
		r.AddCookie(&http.Cookie{Name: CookieName, Value: "tok-cookie"})
		r.Header.Set("Authorization", "Bearer tok-bearer")
		if got := CredentialFromRequest(r); got != "tok-cookie" {
			t.Errorf("expected cookie to take precedence, got %q", got)
		}
	})

	t.Run("missing", func(t *testing.T) {
		r, _ := http.NewRequest(http.MethodGet, "/ws", nil)
		if got := CredentialFromRequest(r); got != "" {
			t.Errorf("expected empty credential, got %q", got)
		}
	})

	t.Run("non-bearer authorization ignored", func(t *testing.T) {
		r, _ := http.NewRequest(http.MethodGet, "/ws", nil)
		r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
		if got := CredentialFromRequest(r); got != "" {
			t.Errorf("expected empty credential, got %q", got)
		}
	})
}
