// Package errors provides structured error handling for the messaging core.
package errors

import "google.golang.org/grpc/codes"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Store failure taxonomy
	CodeLookupFailure Code = "LOOKUP_FAILURE"
	CodeWriteFailure  Code = "WRITE_FAILURE"

	// Identity linking errors
	CodeLinkConflict      Code = "LINK_CONFLICT"
	CodeIdentityEmail     Code = "IDENTITY_EMAIL_INVALID"
	CodeIdentityAuthID    Code = "IDENTITY_AUTH_ID_EMPTY"
	CodeSessionRequired   Code = "SESSION_REQUIRED"
	CodeSessionTransition Code = "SESSION_INVALID_TRANSITION"
	CodeTokenInvalid      Code = "SESSION_TOKEN_INVALID"
	CodeTokenExpired      Code = "SESSION_TOKEN_EXPIRED"

	// Messaging errors
	CodeMessageEmptyContent    Code = "MESSAGE_EMPTY_CONTENT"
	CodeMessageContentTooLong  Code = "MESSAGE_CONTENT_TOO_LONG"
	CodeMessageEmptyParty      Code = "MESSAGE_EMPTY_PARTY"
	CodeMessageSelfAddressed   Code = "MESSAGE_SELF_ADDRESSED"
	CodeRoomEmptyParticipant   Code = "ROOM_EMPTY_PARTICIPANT"
	CodeSubscriptionFailure    Code = "SUBSCRIPTION_FAILURE"
	CodeRecipientNotFound      Code = "RECIPIENT_NOT_FOUND"
	CodeProfileNotFound        Code = "PROFILE_NOT_FOUND"
)

// GRPCCode maps a domain error code to the closest gRPC status code.
func (c Code) GRPCCode() codes.Code {
	switch c {
	case CodeLookupFailure, CodeSubscriptionFailure:
		return codes.Unavailable
	case CodeWriteFailure:
		return codes.Aborted
	case CodeLinkConflict:
		return codes.AlreadyExists
	case CodeSessionRequired, CodeTokenInvalid, CodeTokenExpired:
		return codes.Unauthenticated
	case CodeSessionTransition:
		return codes.FailedPrecondition
	case CodeRecipientNotFound, CodeProfileNotFound:
		return codes.NotFound
	case CodeIdentityEmail, CodeIdentityAuthID,
		CodeMessageEmptyContent, CodeMessageContentTooLong,
		CodeMessageEmptyParty, CodeMessageSelfAddressed,
		CodeRoomEmptyParticipant:
		return codes.InvalidArgument
	default:
		return codes.Unknown
	}
}
