// Package storage defines persistence contracts for participant messaging state.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates a requested profile or message record is missing.
var ErrNotFound = errors.New("record not found")

// ErrConflict indicates a requested write conflicts with uniqueness constraints.
var ErrConflict = errors.New("record conflict")

// ProfileRecord stores one event participant identity.
type ProfileRecord struct {
	ID          string
	Email       string
	Name        string
	Affiliation *string
	LinkedAt    *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// MessageRecord stores one direct message between two participants.
//
// ID is assigned by the store on append and is strictly increasing, so it
// doubles as the ordering tiebreaker when two messages share a timestamp.
type MessageRecord struct {
	ID          int64
	RoomID      string
	SenderID    string
	RecipientID string
	Content     string
	IsRead      bool
	CreatedAt   time.Time
}

// ProfileStore persists participant profiles keyed by unique email and id.
type ProfileStore interface {
	PutProfile(ctx context.Context, profile ProfileRecord) error
	GetProfileByEmail(ctx context.Context, email string) (ProfileRecord, error)
	GetProfileByID(ctx context.Context, profileID string) (ProfileRecord, error)
	// LinkProfileID reassigns the id of the profile with the given email and
	// stamps it as linked. The write is keyed by the unique email so concurrent
	// linkage attempts race harmlessly or surface ErrConflict.
	LinkProfileID(ctx context.Context, email string, profileID string, linkedAt time.Time) error
	ListProfiles(ctx context.Context) ([]ProfileRecord, error)
}

// MessageStore persists the append-only direct message log.
type MessageStore interface {
	// AppendMessage inserts one message and returns it with its assigned id.
	AppendMessage(ctx context.Context, message MessageRecord) (MessageRecord, error)
	// ListMessagesByRoom returns all room messages ordered by created_at
	// ascending with id ascending as the tiebreaker.
	ListMessagesByRoom(ctx context.Context, roomID string) ([]MessageRecord, error)
	// MarkMessagesRead flips is_read for all unread room messages addressed to
	// the recipient and reports how many rows changed. Re-invoking after all
	// are read affects zero rows.
	MarkMessagesRead(ctx context.Context, roomID string, recipientID string) (int64, error)
	// ListUnreadMessageSenders returns one sender id per unread message
	// addressed to the recipient. The query touches only the unread subset.
	ListUnreadMessageSenders(ctx context.Context, recipientID string) ([]string, error)
}
