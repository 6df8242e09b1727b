package domain

import (
	"context"

	apperrors "github.com/gatherspace/gatherspace/internal/platform/errors"
)

// UnreadCounts aggregates a viewer's unread messages globally and per sender.
// Total always equals the sum over BySender.
type UnreadCounts struct {
	Total    int
	BySender map[string]int
}

// ViewerUnreadCounts computes unread totals for one viewer from the unread
// subset only: the store query is bounded by the unread row count, not the
// size of the log, and the aggregation is a single pass over that subset.
func (s *Service) ViewerUnreadCounts(ctx context.Context, viewerID string) (UnreadCounts, error) {
	ctx, span := s.tracer.Start(ctx, "hub.unread_counts")
	defer span.End()

	senders, err := s.messages.ListUnreadMessageSenders(ctx, viewerID)
	if err != nil {
		return UnreadCounts{}, apperrors.Wrap(apperrors.CodeLookupFailure, "list unread senders", err)
	}
	return aggregateUnread(senders), nil
}

func aggregateUnread(senders []string) UnreadCounts {
	counts := UnreadCounts{BySender: make(map[string]int, len(senders))}
	for _, senderID := range senders {
		counts.Total++
		counts.BySender[senderID]++
	}
	return counts
}
