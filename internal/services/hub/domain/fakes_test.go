package domain

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gatherspace/gatherspace/internal/services/hub/storage"
)

// fakeProfileStore is an in-memory ProfileStore with the same uniqueness
// semantics as the sqlite implementation.
type fakeProfileStore struct {
	mu       sync.Mutex
	byEmail  map[string]storage.ProfileRecord
	failGet  error
	failPut  error
	failLink error
}

func newFakeProfileStore() *fakeProfileStore {
	return &fakeProfileStore{byEmail: make(map[string]storage.ProfileRecord)}
}

func (s *fakeProfileStore) PutProfile(ctx context.Context, profile storage.ProfileRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPut != nil {
		return s.failPut
	}
	email := strings.ToLower(profile.Email)
	if _, exists := s.byEmail[email]; exists {
		return storage.ErrConflict
	}
	for _, other := range s.byEmail {
		if other.ID == profile.ID {
			return storage.ErrConflict
		}
	}
	profile.Email = email
	s.byEmail[email] = profile
	return nil
}

func (s *fakeProfileStore) GetProfileByEmail(ctx context.Context, email string) (storage.ProfileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failGet != nil {
		return storage.ProfileRecord{}, s.failGet
	}
	profile, ok := s.byEmail[strings.ToLower(email)]
	if !ok {
		return storage.ProfileRecord{}, storage.ErrNotFound
	}
	return profile, nil
}

func (s *fakeProfileStore) GetProfileByID(ctx context.Context, profileID string) (storage.ProfileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failGet != nil {
		return storage.ProfileRecord{}, s.failGet
	}
	for _, profile := range s.byEmail {
		if profile.ID == profileID {
			return profile, nil
		}
	}
	return storage.ProfileRecord{}, storage.ErrNotFound
}

func (s *fakeProfileStore) LinkProfileID(ctx context.Context, email string, profileID string, linkedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failLink != nil {
		return s.failLink
	}
	email = strings.ToLower(email)
	profile, ok := s.byEmail[email]
	if !ok {
		return storage.ErrNotFound
	}
	for _, other := range s.byEmail {
		if other.Email != email && other.ID == profileID {
			return storage.ErrConflict
		}
	}
	profile.ID = profileID
	profile.LinkedAt = &linkedAt
	profile.UpdatedAt = linkedAt
	s.byEmail[email] = profile
	return nil
}

func (s *fakeProfileStore) ListProfiles(ctx context.Context) ([]storage.ProfileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failGet != nil {
		return nil, s.failGet
	}
	profiles := make([]storage.ProfileRecord, 0, len(s.byEmail))
	for _, profile := range s.byEmail {
		profiles = append(profiles, profile)
	}
	sort.Slice(profiles, func(i, j int) bool {
		if profiles[i].Name != profiles[j].Name {
			return profiles[i].Name < profiles[j].Name
		}
		return profiles[i].ID < profiles[j].ID
	})
	return profiles, nil
}

// fakeMessageStore is an in-memory append-only message log.
type fakeMessageStore struct {
	mu         sync.Mutex
	messages   []storage.MessageRecord
	nextID     int64
	failAppend error
	failList   error
}

func newFakeMessageStore() *fakeMessageStore {
	return &fakeMessageStore{nextID: 1}
}

func (s *fakeMessageStore) AppendMessage(ctx context.Context, message storage.MessageRecord) (storage.MessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAppend != nil {
		return storage.MessageRecord{}, s.failAppend
	}
	message.ID = s.nextID
	s.nextID++
	s.messages = append(s.messages, message)
	return message, nil
}

func (s *fakeMessageStore) ListMessagesByRoom(ctx context.Context, roomID string) ([]storage.MessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failList != nil {
		return nil, s.failList
	}
	var out []storage.MessageRecord
	for _, message := range s.messages {
		if message.RoomID == roomID {
			out = append(out, message)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *fakeMessageStore) MarkMessagesRead(ctx context.Context, roomID string, recipientID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var affected int64
	for i, message := range s.messages {
		if message.RoomID == roomID && message.RecipientID == recipientID && !message.IsRead {
			s.messages[i].IsRead = true
			affected++
		}
	}
	return affected, nil
}

func (s *fakeMessageStore) ListUnreadMessageSenders(ctx context.Context, recipientID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failList != nil {
		return nil, s.failList
	}
	var senders []string
	for _, message := range s.messages {
		if message.RecipientID == recipientID && !message.IsRead {
			senders = append(senders, message.SenderID)
		}
	}
	return senders, nil
}
