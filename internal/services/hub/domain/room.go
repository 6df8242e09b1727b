package domain

import (
	"strings"

	apperrors "github.com/gatherspace/gatherspace/internal/platform/errors"
)

// roomSeparator joins the two participant ids of a room. It can never appear
// inside a generated profile id, so the mapping is unambiguous.
const roomSeparator = ":"

// ErrEmptyParticipant indicates RoomID was called with a blank identity, which
// is a caller error rather than a runtime failure.
var ErrEmptyParticipant = apperrors.New(apperrors.CodeRoomEmptyParticipant, "room participant id is required")

// RoomID derives the canonical room identifier for a pair of participants.
//
// The pair is unordered: RoomID(a, b) == RoomID(b, a). Messages in both
// directions and realtime subscriptions share this identifier, so no rooms
// table and no negotiation is needed.
func RoomID(participantA string, participantB string) (string, error) {
	participantA = strings.TrimSpace(participantA)
	participantB = strings.TrimSpace(participantB)
	if participantA == "" || participantB == "" {
		return "", ErrEmptyParticipant
	}
	if participantB < participantA {
		participantA, participantB = participantB, participantA
	}
	return participantA + roomSeparator + participantB, nil
}
