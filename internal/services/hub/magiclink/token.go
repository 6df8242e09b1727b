package magiclink

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/gatherspace/gatherspace/internal/platform/errors"
	"github.com/gatherspace/gatherspace/internal/platform/id"
)

// tokenEnv holds raw env values before post-parse validation.
type tokenEnv struct {
	Issuer     string        `env:"GATHERSPACE_SESSION_TOKEN_ISSUER"`
	Audience   string        `env:"GATHERSPACE_SESSION_TOKEN_AUDIENCE"`
	PrivateKey string        `env:"GATHERSPACE_SESSION_TOKEN_PRIVATE_KEY"`
	PublicKey  string        `env:"GATHERSPACE_SESSION_TOKEN_PUBLIC_KEY"`
	TTL        time.Duration `env:"GATHERSPACE_SESSION_TOKEN_TTL"         envDefault:"12h"`
}

// TokenConfig defines how session tokens are signed and verified. PrivateKey
// may be nil on verify-only deployments.
type TokenConfig struct {
	Issuer     string
	Audience   string
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
	TTL        time.Duration
	Now        func() time.Time
}

// SessionClaims captures a validated session token.
type SessionClaims struct {
	AuthID    string
	Email     string
	ExpiresAt time.Time
	IssuedAt  time.Time
	JWTID     string
}

// sessionClaims is the internal claims type used for JWT parsing.
type sessionClaims struct {
	jwt.RegisteredClaims
	AuthID string `json:"auth_id"`
	Email  string `json:"email"`
}

// LoadTokenConfigFromEnv reads session token configuration.
func LoadTokenConfigFromEnv(now func() time.Time) (TokenConfig, error) {
	var raw tokenEnv
	if err := env.Parse(&raw); err != nil {
		return TokenConfig{}, fmt.Errorf("parse session token env: %w", err)
	}
	issuer := strings.TrimSpace(raw.Issuer)
	audience := strings.TrimSpace(raw.Audience)
	publicKey := strings.TrimSpace(raw.PublicKey)
	if issuer == "" {
		return TokenConfig{}, fmt.Errorf("GATHERSPACE_SESSION_TOKEN_ISSUER is required")
	}
	if audience == "" {
		return TokenConfig{}, fmt.Errorf("GATHERSPACE_SESSION_TOKEN_AUDIENCE is required")
	}
	if publicKey == "" {
		return TokenConfig{}, fmt.Errorf("GATHERSPACE_SESSION_TOKEN_PUBLIC_KEY is required")
	}
	publicBytes, err := decodeBase64(publicKey)
	if err != nil {
		return TokenConfig{}, fmt.Errorf("decode session token public key: %w", err)
	}
	if len(publicBytes) != ed25519.PublicKeySize {
		return TokenConfig{}, fmt.Errorf("session token public key must be %d bytes", ed25519.PublicKeySize)
	}
	if raw.TTL <= 0 {
		return TokenConfig{}, fmt.Errorf("session token ttl must be positive")
	}

	cfg := TokenConfig{
		Issuer:    issuer,
		Audience:  audience,
		PublicKey: ed25519.PublicKey(publicBytes),
		TTL:       raw.TTL,
		Now:       now,
	}
	if privateKey := strings.TrimSpace(raw.PrivateKey); privateKey != "" {
		privateBytes, err := decodeBase64(privateKey)
		if err != nil {
			return TokenConfig{}, fmt.Errorf("decode session token private key: %w", err)
		}
		if len(privateBytes) != ed25519.PrivateKeySize {
			return TokenConfig{}, fmt.Errorf("session token private key must be %d bytes", ed25519.PrivateKeySize)
		}
		cfg.PrivateKey = ed25519.PrivateKey(privateBytes)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return cfg, nil
}

// IssueSessionToken signs a session token binding an identity to its email.
func IssueSessionToken(cfg TokenConfig, authID string, email string) (string, error) {
	authID = strings.TrimSpace(authID)
	email = strings.TrimSpace(email)
	if authID == "" || email == "" {
		return "", errors.New("auth id and email are required")
	}
	if len(cfg.PrivateKey) != ed25519.PrivateKeySize {
		return "", errors.New("session token signer is not configured")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	tokenID, err := id.NewID()
	if err != nil {
		return "", fmt.Errorf("generate session token id: %w", err)
	}

	now := cfg.Now().UTC()
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.Issuer,
			Audience:  jwt.ClaimStrings{cfg.Audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(cfg.TTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        tokenID,
		},
		AuthID: authID,
		Email:  email,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(cfg.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

// VerifySessionToken verifies a session token and validates its claims.
func VerifySessionToken(cfg TokenConfig, token string) (SessionClaims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return SessionClaims{}, apperrors.New(apperrors.CodeTokenInvalid, "session token is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Issuer == "" || cfg.Audience == "" || len(cfg.PublicKey) != ed25519.PublicKeySize {
		return SessionClaims{}, errors.New("session token verifier is not configured")
	}

	var parsed sessionClaims
	_, err := jwt.ParseWithClaims(token, &parsed, func(token *jwt.Token) (any, error) {
		return cfg.PublicKey, nil
	},
		jwt.WithValidMethods([]string{"EdDSA"}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return SessionClaims{}, mapJWTError(err)
	}

	if parsed.Issuer == "" || parsed.Issuer != cfg.Issuer {
		return SessionClaims{}, apperrors.WithMetadata(
			apperrors.CodeTokenInvalid,
			"session token issuer mismatch",
			map[string]string{"Field": "issuer"},
		)
	}
	if !audienceContains(parsed.Audience, cfg.Audience) {
		return SessionClaims{}, apperrors.WithMetadata(
			apperrors.CodeTokenInvalid,
			"session token audience mismatch",
			map[string]string{"Field": "audience"},
		)
	}
	if parsed.ExpiresAt == nil {
		return SessionClaims{}, apperrors.New(apperrors.CodeTokenInvalid, "session token exp is required")
	}

	now := cfg.Now().UTC()
	exp := parsed.ExpiresAt.Time.UTC()
	if !exp.After(now) {
		return SessionClaims{}, apperrors.New(apperrors.CodeTokenExpired, "session token is expired")
	}
	if parsed.NotBefore != nil && now.Before(parsed.NotBefore.Time.UTC()) {
		return SessionClaims{}, apperrors.New(apperrors.CodeTokenInvalid, "session token not active yet")
	}

	authID := strings.TrimSpace(parsed.AuthID)
	email := strings.TrimSpace(parsed.Email)
	if authID == "" || email == "" {
		return SessionClaims{}, apperrors.New(apperrors.CodeTokenInvalid, "session token identity is incomplete")
	}

	claims := SessionClaims{
		AuthID:    authID,
		Email:     email,
		ExpiresAt: exp,
		JWTID:     parsed.ID,
	}
	if parsed.IssuedAt != nil {
		claims.IssuedAt = parsed.IssuedAt.Time.UTC()
	}
	return claims, nil
}

// mapJWTError translates jwt library errors to application errors.
func mapJWTError(err error) error {
	if errors.Is(err, jwt.ErrTokenSignatureInvalid) || errors.Is(err, jwt.ErrEd25519Verification) {
		return apperrors.New(apperrors.CodeTokenInvalid, "session token signature is invalid")
	}
	if errors.Is(err, jwt.ErrTokenUnverifiable) {
		return apperrors.New(apperrors.CodeTokenInvalid, "session token alg is invalid")
	}
	return apperrors.New(apperrors.CodeTokenInvalid, "session token is invalid")
}

// audienceContains reports whether the audience list contains the given value.
func audienceContains(aud jwt.ClaimStrings, value string) bool {
	for _, item := range aud {
		if item == value {
			return true
		}
	}
	return false
}

func decodeBase64(value string) ([]byte, error) {
	if value == "" {
		return nil, errors.New("empty base64 value")
	}
	decoded, err := base64.RawStdEncoding.DecodeString(value)
	if err == nil {
		return decoded, nil
	}
	return base64.StdEncoding.DecodeString(value)
}
