package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/gatherspace/gatherspace/internal/services/hub/storage"
)

// AppendMessage inserts one message row and returns it with its assigned id.
func (s *Store) AppendMessage(ctx context.Context, message storage.MessageRecord) (storage.MessageRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.MessageRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.MessageRecord{}, fmt.Errorf("storage is not configured")
	}
	normalized, err := normalizeMessageRecord(message)
	if err != nil {
		return storage.MessageRecord{}, err
	}

	result, err := s.sqlDB.ExecContext(ctx, `
	INSERT INTO messages (
		room_id, sender_id, recipient_id, content, is_read, created_at
	) VALUES (?, ?, ?, ?, ?, ?)
	`,
		normalized.RoomID,
		normalized.SenderID,
		normalized.RecipientID,
		normalized.Content,
		boolToInt(normalized.IsRead),
		toMillis(normalized.CreatedAt),
	)
	if err != nil {
		return storage.MessageRecord{}, fmt.Errorf("append message: %w", err)
	}
	assignedID, err := result.LastInsertId()
	if err != nil {
		return storage.MessageRecord{}, fmt.Errorf("append message id: %w", err)
	}
	normalized.ID = assignedID
	return normalized, nil
}

// ListMessagesByRoom lists room messages in chronological order with id tiebreak.
func (s *Store) ListMessagesByRoom(ctx context.Context, roomID string) ([]storage.MessageRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return nil, fmt.Errorf("room id is required")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, room_id, sender_id, recipient_id, content, is_read, created_at
FROM messages
WHERE room_id = ?
ORDER BY created_at ASC, id ASC
`, roomID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var results []storage.MessageRecord
	for rows.Next() {
		record, scanErr := scanMessage(rows.Scan)
		if scanErr != nil {
			return nil, fmt.Errorf("scan message row: %w", scanErr)
		}
		results = append(results, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return results, nil
}

// MarkMessagesRead flips unread room messages for the recipient to read.
//
// The read flag is monotonic: this is the only write path touching is_read and
// it only ever moves rows from 0 to 1.
func (s *Store) MarkMessagesRead(ctx context.Context, roomID string, recipientID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	roomID = strings.TrimSpace(roomID)
	recipientID = strings.TrimSpace(recipientID)
	if roomID == "" {
		return 0, fmt.Errorf("room id is required")
	}
	if recipientID == "" {
		return 0, fmt.Errorf("recipient id is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE messages
SET is_read = 1
WHERE room_id = ?
  AND recipient_id = ?
  AND is_read = 0
`, roomID, recipientID)
	if err != nil {
		return 0, fmt.Errorf("mark messages read: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark messages read rows affected: %w", err)
	}
	return affected, nil
}

// ListUnreadMessageSenders lists one sender id per unread message for the recipient.
func (s *Store) ListUnreadMessageSenders(ctx context.Context, recipientID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	recipientID = strings.TrimSpace(recipientID)
	if recipientID == "" {
		return nil, fmt.Errorf("recipient id is required")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT sender_id
FROM messages
WHERE recipient_id = ?
  AND is_read = 0
`, recipientID)
	if err != nil {
		return nil, fmt.Errorf("list unread senders: %w", err)
	}
	defer rows.Close()

	var senders []string
	for rows.Next() {
		var senderID string
		if err := rows.Scan(&senderID); err != nil {
			return nil, fmt.Errorf("scan unread sender row: %w", err)
		}
		senders = append(senders, senderID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate unread sender rows: %w", err)
	}
	return senders, nil
}

func normalizeMessageRecord(record storage.MessageRecord) (storage.MessageRecord, error) {
	record.RoomID = strings.TrimSpace(record.RoomID)
	record.SenderID = strings.TrimSpace(record.SenderID)
	record.RecipientID = strings.TrimSpace(record.RecipientID)
	record.Content = strings.TrimSpace(record.Content)
	if record.RoomID == "" {
		return storage.MessageRecord{}, fmt.Errorf("room id is required")
	}
	if record.SenderID == "" {
		return storage.MessageRecord{}, fmt.Errorf("sender id is required")
	}
	if record.RecipientID == "" {
		return storage.MessageRecord{}, fmt.Errorf("recipient id is required")
	}
	if record.Content == "" {
		return storage.MessageRecord{}, fmt.Errorf("content is required")
	}
	if record.CreatedAt.IsZero() {
		return storage.MessageRecord{}, fmt.Errorf("created_at is required")
	}
	record.CreatedAt = record.CreatedAt.UTC()
	return record, nil
}

func scanMessage(scan scanner) (storage.MessageRecord, error) {
	var record storage.MessageRecord
	var isRead int
	var createdAt int64
	if err := scan(
		&record.ID,
		&record.RoomID,
		&record.SenderID,
		&record.RecipientID,
		&record.Content,
		&isRead,
		&createdAt,
	); err != nil {
		return storage.MessageRecord{}, err
	}
	record.IsRead = isRead != 0
	record.CreatedAt = fromMillis(createdAt)
	return record, nil
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
