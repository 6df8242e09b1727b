package magiclink

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNewHTTPProviderRequiresCredentials(t *testing.T) {
	if _, err := NewHTTPProvider(Config{ProviderSecret: "secret"}); err == nil {
		t.Fatal("expected error without provider url")
	}
	if _, err := NewHTTPProvider(Config{ProviderURL: "http://localhost"}); err == nil {
		t.Fatal("expected error without provider secret")
	}
}

func TestRequestLinkPostsToProvider(t *testing.T) {
	var got linkRequest
	var gotSecret string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/links" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotSecret = r.Header.Get("X-Resource-Secret")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	provider, err := NewHTTPProvider(Config{
		BaseURL:        "https://hub.example.com/session",
		ProviderURL:    server.URL,
		ProviderSecret: "secret",
		TTL:            10 * time.Minute,
	})
	if err != nil {
		t.Fatalf("NewHTTPProvider: %v", err)
	}

	if err := provider.RequestLink(context.Background(), "ada@example.com"); err != nil {
		t.Fatalf("RequestLink: %v", err)
	}
	if gotSecret != "secret" {
		t.Fatalf("secret header = %q", gotSecret)
	}
	if got.Email != "ada@example.com" {
		t.Fatalf("email = %q", got.Email)
	}
	if got.RedirectURL != "https://hub.example.com/session" {
		t.Fatalf("redirect url = %q", got.RedirectURL)
	}
	if got.TTLSeconds != 600 {
		t.Fatalf("ttl seconds = %d", got.TTLSeconds)
	}
}

func TestRequestLinkRejectsProviderFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	provider, err := NewHTTPProvider(Config{ProviderURL: server.URL, ProviderSecret: "secret"})
	if err != nil {
		t.Fatalf("NewHTTPProvider: %v", err)
	}
	if err := provider.RequestLink(context.Background(), "ada@example.com"); err == nil {
		t.Fatal("expected error on provider failure status")
	}
}

func TestRequestLinkRequiresEmail(t *testing.T) {
	provider, err := NewHTTPProvider(Config{ProviderURL: "http://localhost", ProviderSecret: "secret"})
	if err != nil {
		t.Fatalf("NewHTTPProvider: %v", err)
	}
	if err := provider.RequestLink(context.Background(), "   "); err == nil {
		t.Fatal("expected error for blank email")
	}
}
