// Package domain implements the participant messaging core: identity linking,
// room resolution, the ordered message log, and unread accounting.
package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/gatherspace/gatherspace/internal/platform/errors"
	"github.com/gatherspace/gatherspace/internal/services/hub/eventbus"
	"github.com/gatherspace/gatherspace/internal/services/hub/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// ErrEmptyParty indicates a send with a blank sender or recipient id.
var ErrEmptyParty = apperrors.New(apperrors.CodeMessageEmptyParty, "sender and recipient ids are required")

// ErrRecipientNotFound indicates a send addressed to an unknown participant.
var ErrRecipientNotFound = apperrors.New(apperrors.CodeRecipientNotFound, "recipient profile not found")

// Config defines the collaborators of the messaging service.
type Config struct {
	Profiles storage.ProfileStore
	Messages storage.MessageStore
	Bus      *eventbus.Bus
	Clock    func() time.Time
}

// Service coordinates profile linkage, message persistence, unread
// aggregation, and insert fan-out. It holds no mutable state of its own;
// consistency comes from the stores.
type Service struct {
	profiles storage.ProfileStore
	messages storage.MessageStore
	bus      *eventbus.Bus
	clock    func() time.Time
	tracer   trace.Tracer
}

// NewService builds a messaging service from its collaborators.
func NewService(cfg Config) (*Service, error) {
	if cfg.Profiles == nil {
		return nil, fmt.Errorf("profile store is required")
	}
	if cfg.Messages == nil {
		return nil, fmt.Errorf("message store is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		profiles: cfg.Profiles,
		messages: cfg.Messages,
		bus:      cfg.Bus,
		clock:    clock,
		tracer:   otel.Tracer("gatherspace/hub"),
	}, nil
}

// SendMessage validates and appends one message, then fans the insert out to
// room and recipient subscribers. The stored message is returned so callers
// can echo it without re-reading the log.
func (s *Service) SendMessage(ctx context.Context, senderID string, recipientID string, content string) (storage.MessageRecord, error) {
	ctx, span := s.tracer.Start(ctx, "hub.send_message")
	defer span.End()

	senderID = strings.TrimSpace(senderID)
	recipientID = strings.TrimSpace(recipientID)
	if senderID == "" || recipientID == "" {
		return storage.MessageRecord{}, ErrEmptyParty
	}
	if senderID == recipientID {
		return storage.MessageRecord{}, ErrSelfAddressed
	}
	content, err := ValidateContent(content)
	if err != nil {
		return storage.MessageRecord{}, err
	}

	if _, err := s.profiles.GetProfileByID(ctx, recipientID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.MessageRecord{}, ErrRecipientNotFound
		}
		return storage.MessageRecord{}, apperrors.Wrap(apperrors.CodeLookupFailure, "load recipient profile", err)
	}

	roomID, err := RoomID(senderID, recipientID)
	if err != nil {
		return storage.MessageRecord{}, err
	}

	stored, err := s.messages.AppendMessage(ctx, storage.MessageRecord{
		RoomID:      roomID,
		SenderID:    senderID,
		RecipientID: recipientID,
		Content:     content,
		CreatedAt:   s.clock().UTC(),
	})
	if err != nil {
		return storage.MessageRecord{}, apperrors.Wrap(apperrors.CodeWriteFailure, "append message", err)
	}

	if s.bus != nil {
		s.bus.Publish(eventbus.MessageEvent{Message: stored})
	}
	return stored, nil
}

// ListRoomMessages returns the authoritative room history in chronological
// order. Realtime deliveries are hints; this listing is the system of record.
func (s *Service) ListRoomMessages(ctx context.Context, roomID string) ([]storage.MessageRecord, error) {
	ctx, span := s.tracer.Start(ctx, "hub.list_room_messages")
	defer span.End()

	messages, err := s.messages.ListMessagesByRoom(ctx, roomID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeLookupFailure, "list room messages", err)
	}
	return messages, nil
}

// MarkRoomRead flips the viewer's unread messages in one room to read and
// reports how many changed. Zero means the call was a no-op.
func (s *Service) MarkRoomRead(ctx context.Context, roomID string, recipientID string) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "hub.mark_room_read")
	defer span.End()

	affected, err := s.messages.MarkMessagesRead(ctx, roomID, recipientID)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.CodeWriteFailure, "mark room read", err)
	}
	return affected, nil
}

// ErrProfileNotFound indicates a lookup for an unknown participant.
var ErrProfileNotFound = apperrors.New(apperrors.CodeProfileNotFound, "profile not found")

// GetProfile loads one participant by id.
func (s *Service) GetProfile(ctx context.Context, profileID string) (storage.ProfileRecord, error) {
	profile, err := s.profiles.GetProfileByID(ctx, strings.TrimSpace(profileID))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.ProfileRecord{}, ErrProfileNotFound
		}
		return storage.ProfileRecord{}, apperrors.Wrap(apperrors.CodeLookupFailure, "load profile", err)
	}
	return profile, nil
}

// ProfileEntry pairs one directory profile with the viewer's unread count for
// that sender.
type ProfileEntry struct {
	Profile storage.ProfileRecord
	Unread  int
}

// ListProfiles returns the participant directory ordered by display name with
// per-sender unread badges for the viewer. The viewer's own row is omitted.
func (s *Service) ListProfiles(ctx context.Context, viewerID string) ([]ProfileEntry, error) {
	ctx, span := s.tracer.Start(ctx, "hub.list_profiles")
	defer span.End()

	profiles, err := s.profiles.ListProfiles(ctx)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeLookupFailure, "list profiles", err)
	}

	viewerID = strings.TrimSpace(viewerID)
	counts := UnreadCounts{}
	if viewerID != "" {
		counts, err = s.ViewerUnreadCounts(ctx, viewerID)
		if err != nil {
			return nil, err
		}
	}

	entries := make([]ProfileEntry, 0, len(profiles))
	for _, profile := range profiles {
		if profile.ID == viewerID {
			continue
		}
		entries = append(entries, ProfileEntry{
			Profile: profile,
			Unread:  counts.BySender[profile.ID],
		})
	}
	return entries, nil
}
