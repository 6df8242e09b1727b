package domain

import (
	"net/mail"
	"strings"
	"time"

	apperrors "github.com/gatherspace/gatherspace/internal/platform/errors"
	"github.com/gatherspace/gatherspace/internal/services/hub/storage"
)

// ErrInvalidEmail indicates an email that cannot identify a participant.
var ErrInvalidEmail = apperrors.New(apperrors.CodeIdentityEmail, "email is invalid")

// ErrEmptyAuthID indicates a session identity without a stable reference.
var ErrEmptyAuthID = apperrors.New(apperrors.CodeIdentityAuthID, "auth id is required")

// NormalizeEmail validates and canonicalizes a participant email address.
func NormalizeEmail(email string) (string, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return "", ErrInvalidEmail
	}
	parsed, err := mail.ParseAddress(email)
	if err != nil {
		return "", ErrInvalidEmail
	}
	return strings.ToLower(parsed.Address), nil
}

// DisplayNameFromEmail derives the default display name for a lazily created
// profile: the local part of the address.
func DisplayNameFromEmail(email string) string {
	local, _, found := strings.Cut(email, "@")
	if !found || strings.TrimSpace(local) == "" {
		return email
	}
	return local
}

// newLinkedProfile builds the profile row created on a participant's first
// successful authentication. Affiliation stays nil so "never set" remains
// distinguishable from an empty value entered later.
func newLinkedProfile(email string, authID string, now time.Time) storage.ProfileRecord {
	createdAt := now.UTC()
	linkedAt := createdAt
	return storage.ProfileRecord{
		ID:        authID,
		Email:     email,
		Name:      DisplayNameFromEmail(email),
		LinkedAt:  &linkedAt,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}
