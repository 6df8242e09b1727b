package domain

import (
	"context"
	"errors"
	"strings"

	apperrors "github.com/gatherspace/gatherspace/internal/platform/errors"
	"github.com/gatherspace/gatherspace/internal/services/hub/storage"
)

// ErrLinkConflict indicates an email whose profile is already linked to a
// different authenticated identity.
var ErrLinkConflict = apperrors.New(apperrors.CodeLinkConflict, "profile is linked to a different identity")

// LinkIdentity binds an authenticated identity to the profile holding its
// email, creating the profile when none exists. The call is idempotent: once
// an email is linked, repeat logins for the same identity read the profile
// without writing, and logins claiming a different identity fail with
// ErrLinkConflict.
func (s *Service) LinkIdentity(ctx context.Context, email string, authID string) (storage.ProfileRecord, error) {
	ctx, span := s.tracer.Start(ctx, "hub.link_identity")
	defer span.End()

	email, err := NormalizeEmail(email)
	if err != nil {
		return storage.ProfileRecord{}, err
	}
	authID = strings.TrimSpace(authID)
	if authID == "" {
		return storage.ProfileRecord{}, ErrEmptyAuthID
	}

	existing, err := s.profiles.GetProfileByEmail(ctx, email)
	switch {
	case err == nil:
		return s.linkExisting(ctx, existing, email, authID)
	case errors.Is(err, storage.ErrNotFound):
		return s.createLinked(ctx, email, authID)
	default:
		return storage.ProfileRecord{}, apperrors.Wrap(apperrors.CodeLookupFailure, "lookup profile by email", err)
	}
}

func (s *Service) linkExisting(ctx context.Context, existing storage.ProfileRecord, email string, authID string) (storage.ProfileRecord, error) {
	if existing.ID == authID {
		// Already linked to this identity, or pre-seeded with a matching id.
		// Either way there is nothing to write.
		return existing, nil
	}
	if existing.LinkedAt != nil {
		return storage.ProfileRecord{}, linkConflictError(email)
	}

	// Pre-seeded profile claimed for the first time: adopt the identity's id.
	if err := s.profiles.LinkProfileID(ctx, email, authID, s.clock().UTC()); err != nil {
		if errors.Is(err, storage.ErrConflict) || errors.Is(err, storage.ErrNotFound) {
			// A concurrent login won the race; converge on its outcome.
			return s.rereadLinked(ctx, email, authID)
		}
		return storage.ProfileRecord{}, apperrors.Wrap(apperrors.CodeWriteFailure, "link profile identity", err)
	}

	linked, err := s.profiles.GetProfileByEmail(ctx, email)
	if err != nil {
		return storage.ProfileRecord{}, apperrors.Wrap(apperrors.CodeLookupFailure, "reload linked profile", err)
	}
	return linked, nil
}

func (s *Service) createLinked(ctx context.Context, email string, authID string) (storage.ProfileRecord, error) {
	profile := newLinkedProfile(email, authID, s.clock().UTC())
	if err := s.profiles.PutProfile(ctx, profile); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			// Another login created the profile between our lookup and insert.
			return s.rereadLinked(ctx, email, authID)
		}
		return storage.ProfileRecord{}, apperrors.Wrap(apperrors.CodeWriteFailure, "create linked profile", err)
	}
	return profile, nil
}

// rereadLinked resolves a lost write race by trusting the stored row: the same
// identity converges to a no-op, a different one is a genuine conflict.
func (s *Service) rereadLinked(ctx context.Context, email string, authID string) (storage.ProfileRecord, error) {
	profile, err := s.profiles.GetProfileByEmail(ctx, email)
	if err != nil {
		return storage.ProfileRecord{}, apperrors.Wrap(apperrors.CodeLookupFailure, "reload profile after write race", err)
	}
	if profile.ID == authID {
		return profile, nil
	}
	return storage.ProfileRecord{}, linkConflictError(email)
}

func linkConflictError(email string) error {
	return apperrors.WithMetadata(apperrors.CodeLinkConflict, ErrLinkConflict.Message, map[string]string{
		"email": email,
	})
}
