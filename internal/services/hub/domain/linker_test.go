package domain

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	apperrors "github.com/gatherspace/gatherspace/internal/platform/errors"
	"github.com/gatherspace/gatherspace/internal/services/hub/storage"
)

func TestLinkIdentityCreatesProfileOnFirstLogin(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	profile, err := env.service.LinkIdentity(ctx, "Ada.Lovelace@Example.COM", "auth-1")
	if err != nil {
		t.Fatalf("LinkIdentity: %v", err)
	}
	if profile.ID != "auth-1" {
		t.Fatalf("id = %q, want auth-1", profile.ID)
	}
	if profile.Email != "ada.lovelace@example.com" {
		t.Fatalf("email = %q, want lowercased form", profile.Email)
	}
	if profile.Name != "ada.lovelace" {
		t.Fatalf("name = %q, want local part of email", profile.Name)
	}
	if profile.LinkedAt == nil || !profile.LinkedAt.Equal(env.now) {
		t.Fatalf("linked_at = %v, want %v", profile.LinkedAt, env.now)
	}
	if profile.Affiliation != nil {
		t.Fatal("affiliation must stay unset on lazy creation")
	}
}

func TestLinkIdentityIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.service.LinkIdentity(ctx, "ada@example.com", "auth-1")
	if err != nil {
		t.Fatalf("first login: %v", err)
	}

	// Repeat logins read the row without writing.
	env.profiles.failPut = errors.New("unexpected insert")
	env.profiles.failLink = errors.New("unexpected link write")
	again, err := env.service.LinkIdentity(ctx, "ada@example.com", "auth-1")
	if err != nil {
		t.Fatalf("repeat login: %v", err)
	}
	if again.ID != first.ID || !again.UpdatedAt.Equal(first.UpdatedAt) {
		t.Fatalf("repeat login mutated the profile: %+v vs %+v", again, first)
	}
}

func TestLinkIdentityAdoptsPreSeededProfile(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedProfile(t, "seed-42", "ada@example.com", "Ada Lovelace")

	profile, err := env.service.LinkIdentity(ctx, "ada@example.com", "auth-1")
	if err != nil {
		t.Fatalf("LinkIdentity: %v", err)
	}
	if profile.ID != "auth-1" {
		t.Fatalf("id = %q, want the identity's id", profile.ID)
	}
	if profile.Name != "Ada Lovelace" {
		t.Fatalf("name = %q, pre-seeded display name must survive linking", profile.Name)
	}
	if profile.LinkedAt == nil {
		t.Fatal("linking must stamp linked_at")
	}
}

func TestLinkIdentityRejectsSecondIdentity(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.service.LinkIdentity(ctx, "ada@example.com", "auth-1"); err != nil {
		t.Fatalf("first login: %v", err)
	}

	_, err := env.service.LinkIdentity(ctx, "ada@example.com", "auth-2")
	if !errors.Is(err, ErrLinkConflict) {
		t.Fatalf("error = %v, want ErrLinkConflict", err)
	}
	var domainErr *apperrors.Error
	if !errors.As(err, &domainErr) {
		t.Fatalf("error %T is not a domain error", err)
	}
	if domainErr.Metadata["email"] != "ada@example.com" {
		t.Fatalf("metadata = %v, want the disputed email", domainErr.Metadata)
	}

	// The stored row is untouched.
	profile, err := env.profiles.GetProfileByEmail(ctx, "ada@example.com")
	if err != nil {
		t.Fatalf("GetProfileByEmail: %v", err)
	}
	if profile.ID != "auth-1" {
		t.Fatalf("stored id = %q, conflict must not overwrite", profile.ID)
	}
}

func TestLinkIdentityValidatesInput(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.service.LinkIdentity(ctx, "not an email", "auth-1"); !errors.Is(err, ErrInvalidEmail) {
		t.Fatalf("error = %v, want ErrInvalidEmail", err)
	}
	if _, err := env.service.LinkIdentity(ctx, "ada@example.com", "  "); !errors.Is(err, ErrEmptyAuthID) {
		t.Fatalf("error = %v, want ErrEmptyAuthID", err)
	}
}

func TestLinkIdentityConvergesOnInsertRace(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Simulate a concurrent login inserting between lookup and insert: the
	// store reports conflict while already holding the same identity's row.
	linked := env.now
	env.profiles.byEmail["ada@example.com"] = storage.ProfileRecord{
		ID:        "auth-1",
		Email:     "ada@example.com",
		Name:      "ada",
		LinkedAt:  &linked,
		CreatedAt: env.now,
		UpdatedAt: env.now,
	}
	env.profiles.failGet = nil
	store := &racingProfileStore{fakeProfileStore: env.profiles}
	service, err := NewService(Config{
		Profiles: store,
		Messages: env.messages,
		Clock:    func() time.Time { return env.now },
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	profile, err := service.LinkIdentity(ctx, "ada@example.com", "auth-1")
	if err != nil {
		t.Fatalf("LinkIdentity after race: %v", err)
	}
	if profile.ID != "auth-1" {
		t.Fatalf("id = %q, want convergence on the stored row", profile.ID)
	}
}

func TestLinkIdentityConcurrentLoginsConverge(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	const logins = 8
	var wg sync.WaitGroup
	results := make([]storage.ProfileRecord, logins)
	errs := make([]error, logins)
	for i := range logins {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = env.service.LinkIdentity(ctx, "ada@example.com", "auth-1")
		}()
	}
	wg.Wait()

	for i := range logins {
		if errs[i] != nil {
			t.Fatalf("login %d: %v", i, errs[i])
		}
		if results[i].ID != "auth-1" {
			t.Fatalf("login %d converged on id %q", i, results[i].ID)
		}
	}
	if len(env.profiles.byEmail) != 1 {
		t.Fatalf("store holds %d rows, want 1", len(env.profiles.byEmail))
	}
}

// racingProfileStore makes the first lookup miss so LinkIdentity takes the
// insert path against a store that already holds the row.
type racingProfileStore struct {
	*fakeProfileStore
	mu     sync.Mutex
	missed bool
}

func (s *racingProfileStore) GetProfileByEmail(ctx context.Context, email string) (storage.ProfileRecord, error) {
	s.mu.Lock()
	first := !s.missed
	s.missed = true
	s.mu.Unlock()
	if first {
		return storage.ProfileRecord{}, storage.ErrNotFound
	}
	return s.fakeProfileStore.GetProfileByEmail(ctx, email)
}
