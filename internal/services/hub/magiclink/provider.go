package magiclink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Provider requests a login link delivery for an email address. The provider
// owns the email channel; the hub only learns the outcome when the link
// redirects back with a signed token.
type Provider interface {
	RequestLink(ctx context.Context, email string) error
}

// HTTPProvider calls the external magic-link service over HTTP.
type HTTPProvider struct {
	providerURL    string
	providerSecret string
	redirectURL    string
	ttl            time.Duration
	httpClient     *http.Client
}

// NewHTTPProvider builds a provider client from config. Provider URL and
// secret are required; without them link requests cannot be authenticated.
func NewHTTPProvider(cfg Config) (*HTTPProvider, error) {
	providerURL := strings.TrimSpace(cfg.ProviderURL)
	providerSecret := strings.TrimSpace(cfg.ProviderSecret)
	if providerURL == "" {
		return nil, errors.New("magic link provider url is required")
	}
	if providerSecret == "" {
		return nil, errors.New("magic link provider secret is required")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &HTTPProvider{
		providerURL:    strings.TrimRight(providerURL, "/"),
		providerSecret: providerSecret,
		redirectURL:    strings.TrimSpace(cfg.BaseURL),
		ttl:            ttl,
		httpClient:     &http.Client{Timeout: 5 * time.Second},
	}, nil
}

type linkRequest struct {
	Email       string `json:"email"`
	RedirectURL string `json:"redirect_url"`
	TTLSeconds  int64  `json:"ttl_seconds"`
}

// RequestLink asks the provider to email a login link. A nil error means the
// provider accepted the request, not that the email arrived.
func (p *HTTPProvider) RequestLink(ctx context.Context, email string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return errors.New("email is required")
	}

	body, err := json.Marshal(linkRequest{
		Email:       email,
		RedirectURL: p.redirectURL,
		TTLSeconds:  int64(p.ttl / time.Second),
	})
	if err != nil {
		return fmt.Errorf("encode link request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, p.providerURL+"/links", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build link request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Resource-Secret", p.providerSecret)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("call magic link provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("magic link provider status %d", resp.StatusCode)
	}
	return nil
}
