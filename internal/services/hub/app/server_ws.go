package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	apperrors "github.com/gatherspace/gatherspace/internal/platform/errors"
	"github.com/gatherspace/gatherspace/internal/services/hub/domain"
	"github.com/gatherspace/gatherspace/internal/services/hub/eventbus"
	"github.com/gatherspace/gatherspace/internal/services/hub/magiclink"
	"github.com/gatherspace/gatherspace/internal/services/hub/session"
	"github.com/gatherspace/gatherspace/internal/services/hub/storage"
	"golang.org/x/net/websocket"
)

type wsFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

type wsErrorEnvelope struct {
	Error wsError `json:"error"`
}

type wsError struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Retryable bool              `json:"retryable"`
	Details   map[string]string `json:"details,omitempty"`
}

type loginPayload struct {
	Email string `json:"email"`
}

type selectPayload struct {
	PeerID string `json:"peer_id"`
}

type sendPayload struct {
	RecipientID string `json:"recipient_id"`
	Content     string `json:"content"`
}

type ackEnvelope struct {
	Result ackResult `json:"result"`
}

type ackResult struct {
	Status    string `json:"status"`
	MessageID int64  `json:"message_id,omitempty"`
	RoomID    string `json:"room_id,omitempty"`
	Count     int    `json:"count,omitempty"`
}

type sessionPayload struct {
	ProfileID string `json:"profile_id"`
	Email     string `json:"email"`
	Name      string `json:"name"`
}

type messageEnvelope struct {
	Message wireMessage `json:"message"`
}

type wireMessage struct {
	ID          int64  `json:"id"`
	RoomID      string `json:"room_id"`
	SenderID    string `json:"sender_id"`
	RecipientID string `json:"recipient_id"`
	Content     string `json:"content"`
	SentAt      string `json:"sent_at"`
}

type unreadPayload struct {
	Total    int            `json:"total"`
	BySender map[string]int `json:"by_sender,omitempty"`
}

type profilesPayload struct {
	Profiles []wireProfile `json:"profiles"`
}

type wireProfile struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	Name        string `json:"name"`
	Affiliation string `json:"affiliation,omitempty"`
	Unread      int    `json:"unread"`
}

// wsPeer serializes frame writes; the read loop and both event pumps share
// one encoder.
type wsPeer struct {
	mu      sync.Mutex
	encoder *json.Encoder
}

func newWSPeer(encoder *json.Encoder) *wsPeer {
	return &wsPeer{encoder: encoder}
}

func (p *wsPeer) writeFrame(frame wsFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.encoder.Encode(frame)
}

// wsClient bundles one connection's collaborators.
type wsClient struct {
	deps    *handlerDeps
	session *session.Manager
	peer    *wsPeer
}

func handleWSConn(conn *websocket.Conn, deps *handlerDeps) {
	defer func() {
		_ = conn.Close()
	}()

	decoder := json.NewDecoder(conn)
	client := &wsClient{
		deps:    deps,
		session: session.NewManager(deps.bus),
		peer:    newWSPeer(json.NewEncoder(conn)),
	}
	// Logout cancels both subscriptions, which ends the pump goroutines.
	defer client.session.Logout()

	ctx := context.Background()
	if request := conn.Request(); request != nil {
		if peerID, ok := request.Context().Value(wsDeepLinkContextKey{}).(string); ok {
			client.session.SetDeepLinkPeer(peerID)
		}
		if claims, ok := request.Context().Value(wsClaimsContextKey{}).(magiclink.SessionClaims); ok {
			authenticateConn(ctx, client, claims)
		}
	}

	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		var frame wsFrame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			decodeErrors++
			_ = writeWSError(client.peer, "", "INVALID_ARGUMENT", "invalid frame payload", nil)
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		if len(frame.Payload) > maxFramePayloadBytes {
			_ = writeWSError(client.peer, frame.RequestID, "INVALID_ARGUMENT", "payload too large", nil)
			continue
		}

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			_ = writeWSError(client.peer, frame.RequestID, "RESOURCE_EXHAUSTED", "rate limit exceeded", nil)
			return
		}

		switch frame.Type {
		case "hub.login":
			handleLoginFrame(ctx, client, frame)
		case "hub.logout":
			handleLogoutFrame(client, frame)
		case "hub.profiles":
			handleProfilesFrame(ctx, client, frame)
		case "hub.select":
			handleSelectFrame(ctx, client, frame)
		case "hub.send":
			handleSendFrame(ctx, client, frame)
		default:
			_ = writeWSError(client.peer, frame.RequestID, "INVALID_ARGUMENT", "unsupported frame type", nil)
		}
	}
}

// authenticateConn links the token identity to its profile and brings the
// session up. A link conflict is reported and the connection stays anonymous;
// the participant can still request a fresh login.
func authenticateConn(ctx context.Context, client *wsClient, claims magiclink.SessionClaims) {
	profile, err := client.deps.service.LinkIdentity(ctx, claims.Email, claims.AuthID)
	if err != nil {
		if errors.Is(err, domain.ErrLinkConflict) {
			log.Printf("hub: identity link conflict for email=%q", claims.Email)
			_ = writeWSErrorFromErr(client.peer, "", err)
			return
		}
		log.Printf("hub: link identity for email=%q: %v", claims.Email, err)
		_ = writeWSErrorFromErr(client.peer, "", err)
		return
	}

	sub, err := client.session.Authenticate(session.Identity{
		ProfileID: profile.ID,
		Email:     profile.Email,
		Name:      profile.Name,
	})
	if err != nil {
		log.Printf("hub: authenticate session for profile=%q: %v", profile.ID, err)
		_ = writeWSErrorFromErr(client.peer, "", err)
		return
	}
	go runUnreadPump(client, sub)

	_ = client.peer.writeFrame(wsFrame{
		Type: "hub.session",
		Payload: mustJSON(sessionPayload{
			ProfileID: profile.ID,
			Email:     profile.Email,
			Name:      profile.Name,
		}),
	})
	pushUnread(ctx, client)

	if peerID, ok := client.session.TakeDeepLinkPeer(); ok {
		selectPeer(ctx, client, peerID, "")
	}
}

func handleLoginFrame(ctx context.Context, client *wsClient, frame wsFrame) {
	var payload loginPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(client.peer, frame.RequestID, "INVALID_ARGUMENT", "invalid login payload", nil)
		return
	}

	email, err := domain.NormalizeEmail(payload.Email)
	if err != nil {
		_ = writeWSErrorFromErr(client.peer, frame.RequestID, err)
		return
	}
	if client.deps.provider == nil {
		_ = writeWSError(client.peer, frame.RequestID, "UNAVAILABLE", "magic link provider is not configured", nil)
		return
	}
	if err := client.session.BeginAuthentication(email); err != nil {
		_ = writeWSErrorFromErr(client.peer, frame.RequestID, err)
		return
	}
	if err := client.deps.provider.RequestLink(ctx, email); err != nil {
		log.Printf("hub: request magic link for email=%q: %v", email, err)
		_ = writeWSError(client.peer, frame.RequestID, "UNAVAILABLE", "magic link request failed", nil)
		return
	}

	writeAck(client.peer, frame.RequestID, ackResult{Status: "pending"})
}

func handleLogoutFrame(client *wsClient, frame wsFrame) {
	client.session.Logout()
	writeAck(client.peer, frame.RequestID, ackResult{Status: "ok"})
}

func handleProfilesFrame(ctx context.Context, client *wsClient, frame wsFrame) {
	identity, ok := client.session.Identity()
	if !ok {
		_ = writeWSError(client.peer, frame.RequestID, "UNAUTHENTICATED", "login required", nil)
		return
	}

	entries, err := client.deps.service.ListProfiles(ctx, identity.ProfileID)
	if err != nil {
		log.Printf("hub: list profiles for viewer=%q: %v", identity.ProfileID, err)
		_ = writeWSErrorFromErr(client.peer, frame.RequestID, err)
		return
	}

	profiles := make([]wireProfile, 0, len(entries))
	for _, entry := range entries {
		profiles = append(profiles, toWireProfile(entry))
	}
	_ = client.peer.writeFrame(wsFrame{
		Type:      "hub.profiles",
		RequestID: frame.RequestID,
		Payload:   mustJSON(profilesPayload{Profiles: profiles}),
	})
}

func handleSelectFrame(ctx context.Context, client *wsClient, frame wsFrame) {
	var payload selectPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(client.peer, frame.RequestID, "INVALID_ARGUMENT", "invalid select payload", nil)
		return
	}
	selectPeer(ctx, client, payload.PeerID, frame.RequestID)
}

// selectPeer opens a conversation: swap the room subscription, replay the
// canonical history, mark it read, and refresh the unread snapshot. Realtime
// events arriving before the swap are covered by the replay.
func selectPeer(ctx context.Context, client *wsClient, peerID string, requestID string) {
	identity, ok := client.session.Identity()
	if !ok {
		_ = writeWSError(client.peer, requestID, "UNAUTHENTICATED", "login required", nil)
		return
	}

	peerID = strings.TrimSpace(peerID)
	if _, err := client.deps.service.GetProfile(ctx, peerID); err != nil {
		_ = writeWSErrorFromErr(client.peer, requestID, err)
		return
	}

	roomID, sub, err := client.session.SelectPeer(peerID)
	if err != nil {
		_ = writeWSErrorFromErr(client.peer, requestID, err)
		return
	}
	go runRoomPump(client, roomID, sub)

	history, err := client.deps.service.ListRoomMessages(ctx, roomID)
	if err != nil {
		log.Printf("hub: replay room=%q: %v", roomID, err)
		_ = writeWSErrorFromErr(client.peer, requestID, err)
		return
	}
	for _, message := range history {
		writeMessageFrame(client.peer, message)
	}

	if _, err := client.deps.service.MarkRoomRead(ctx, roomID, identity.ProfileID); err != nil {
		log.Printf("hub: mark room=%q read for viewer=%q: %v", roomID, identity.ProfileID, err)
	}
	pushUnread(ctx, client)

	writeAck(client.peer, requestID, ackResult{
		Status: "ok",
		RoomID: roomID,
		Count:  len(history),
	})
}

func handleSendFrame(ctx context.Context, client *wsClient, frame wsFrame) {
	identity, ok := client.session.Identity()
	if !ok {
		_ = writeWSError(client.peer, frame.RequestID, "UNAUTHENTICATED", "login required", nil)
		return
	}

	var payload sendPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(client.peer, frame.RequestID, "INVALID_ARGUMENT", "invalid send payload", nil)
		return
	}

	recipientID := strings.TrimSpace(payload.RecipientID)
	if recipientID == "" {
		if current, ok := client.session.CurrentPeer(); ok {
			recipientID = current
		}
	}

	stored, err := client.deps.service.SendMessage(ctx, identity.ProfileID, recipientID, payload.Content)
	if err != nil {
		_ = writeWSErrorFromErr(client.peer, frame.RequestID, err)
		return
	}

	writeAck(client.peer, frame.RequestID, ackResult{
		Status:    "ok",
		MessageID: stored.ID,
		RoomID:    stored.RoomID,
	})
}

// runRoomPump forwards inserts for the open room and marks inbound ones read,
// since the viewer is looking at the conversation. The pump ends when the
// subscription channel closes on peer change or logout.
func runRoomPump(client *wsClient, roomID string, sub *eventbus.Subscription) {
	for event := range sub.Events() {
		writeMessageFrame(client.peer, event.Message)

		identity, ok := client.session.Identity()
		if !ok || event.Message.RecipientID != identity.ProfileID {
			continue
		}
		if _, err := client.deps.service.MarkRoomRead(context.Background(), roomID, identity.ProfileID); err != nil {
			log.Printf("hub: mark room=%q read after delivery: %v", roomID, err)
		}
	}
}

// runUnreadPump refreshes the unread snapshot when a message lands outside
// the open conversation. Events for the open room are skipped; the room pump
// delivers those and marks them read.
func runUnreadPump(client *wsClient, sub *eventbus.Subscription) {
	for event := range sub.Events() {
		if roomID, ok := client.session.CurrentRoom(); ok && roomID == event.Message.RoomID {
			continue
		}
		pushUnread(context.Background(), client)
	}
}

// pushUnread recomputes the viewer's unread counts from storage and pushes
// them. Recomputing keeps the snapshot honest even when bus events were
// dropped.
func pushUnread(ctx context.Context, client *wsClient) {
	identity, ok := client.session.Identity()
	if !ok {
		return
	}
	counts, err := client.deps.service.ViewerUnreadCounts(ctx, identity.ProfileID)
	if err != nil {
		log.Printf("hub: unread counts for viewer=%q: %v", identity.ProfileID, err)
		return
	}
	client.session.SetUnread(counts)
	_ = client.peer.writeFrame(wsFrame{
		Type: "hub.unread",
		Payload: mustJSON(unreadPayload{
			Total:    counts.Total,
			BySender: counts.BySender,
		}),
	})
}

func writeMessageFrame(peer *wsPeer, message storage.MessageRecord) {
	_ = peer.writeFrame(wsFrame{
		Type: "hub.message",
		Payload: mustJSON(messageEnvelope{Message: wireMessage{
			ID:          message.ID,
			RoomID:      message.RoomID,
			SenderID:    message.SenderID,
			RecipientID: message.RecipientID,
			Content:     message.Content,
			SentAt:      message.CreatedAt.UTC().Format(time.RFC3339),
		}}),
	})
}

func toWireProfile(entry domain.ProfileEntry) wireProfile {
	profile := wireProfile{
		ID:     entry.Profile.ID,
		Email:  entry.Profile.Email,
		Name:   entry.Profile.Name,
		Unread: entry.Unread,
	}
	if entry.Profile.Affiliation != nil {
		profile.Affiliation = *entry.Profile.Affiliation
	}
	return profile
}

func writeAck(peer *wsPeer, requestID string, result ackResult) {
	_ = peer.writeFrame(wsFrame{
		Type:      "hub.ack",
		RequestID: requestID,
		Payload:   mustJSON(ackEnvelope{Result: result}),
	})
}

// writeWSErrorFromErr maps a domain error to the frame error vocabulary. The
// gRPC status name carries transport semantics; the domain code rides in the
// details for clients that want the precise cause.
func writeWSErrorFromErr(peer *wsPeer, requestID string, err error) error {
	code := apperrors.CodeOf(err)
	details := map[string]string{"reason": string(code)}
	var domainErr *apperrors.Error
	if errors.As(err, &domainErr) {
		for key, value := range domainErr.Metadata {
			details[key] = value
		}
	}
	return writeWSError(peer, requestID, grpcCodeName(code), wsSafeMessage(err, code), details)
}

func writeWSError(peer *wsPeer, requestID string, code string, message string, details map[string]string) error {
	return peer.writeFrame(wsFrame{
		Type:      "hub.error",
		RequestID: requestID,
		Payload: mustJSON(wsErrorEnvelope{
			Error: wsError{
				Code:      code,
				Message:   message,
				Retryable: code == "UNAVAILABLE",
				Details:   details,
			},
		}),
	})
}

// wsSafeMessage keeps internal causes out of frames: validation errors carry
// their own message, infrastructure failures are reported generically.
func wsSafeMessage(err error, code apperrors.Code) string {
	switch code {
	case apperrors.CodeLookupFailure, apperrors.CodeWriteFailure, apperrors.CodeSubscriptionFailure, apperrors.CodeUnknown:
		return "operation failed, try again"
	}
	var domainErr *apperrors.Error
	if errors.As(err, &domainErr) {
		return domainErr.Message
	}
	return "operation failed"
}

func grpcCodeName(code apperrors.Code) string {
	switch code.GRPCCode().String() {
	case "InvalidArgument":
		return "INVALID_ARGUMENT"
	case "Unauthenticated":
		return "UNAUTHENTICATED"
	case "NotFound":
		return "NOT_FOUND"
	case "AlreadyExists":
		return "ALREADY_EXISTS"
	case "FailedPrecondition":
		return "FAILED_PRECONDITION"
	case "Unavailable":
		return "UNAVAILABLE"
	case "Aborted":
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("failed to marshal websocket frame payload: %v", err)
		return nil
	}
	return b
}
