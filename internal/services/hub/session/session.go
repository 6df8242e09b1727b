// Package session tracks one connected client's authentication state, selected
// conversation, and live subscriptions. A Manager owns nothing durable; it is
// created per connection and discarded with it.
package session

import (
	"strings"
	"sync"

	apperrors "github.com/gatherspace/gatherspace/internal/platform/errors"
	"github.com/gatherspace/gatherspace/internal/services/hub/domain"
	"github.com/gatherspace/gatherspace/internal/services/hub/eventbus"
)

// State is the client's position in the login lifecycle.
type State int

const (
	StateAnonymous State = iota
	StateAuthenticating
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateAnonymous:
		return "anonymous"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	}
	return "unknown"
}

// Identity is the authenticated participant bound to the session.
type Identity struct {
	ProfileID string
	Email     string
	Name      string
}

// ErrNotAuthenticated indicates an operation that requires a logged-in session.
var ErrNotAuthenticated = apperrors.New(apperrors.CodeSessionRequired, "session is not authenticated")

// ErrAlreadyAuthenticated indicates a login attempt over a live session.
var ErrAlreadyAuthenticated = apperrors.New(apperrors.CodeSessionTransition, "session is already authenticated")

// Manager holds the mutable per-connection session state. All methods are safe
// for concurrent use; the transport's read loop and event pumps share one
// instance.
type Manager struct {
	mu  sync.Mutex
	bus *eventbus.Bus

	state        State
	pendingEmail string
	identity     Identity

	peerID  string
	roomID  string
	roomSub *eventbus.Subscription
	selfSub *eventbus.Subscription

	unread       domain.UnreadCounts
	deepLinkPeer string
}

// NewManager creates an anonymous session bound to the event bus.
func NewManager(bus *eventbus.Bus) *Manager {
	return &Manager{bus: bus}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Identity returns the bound participant, or false while not authenticated.
func (m *Manager) Identity() (Identity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity, m.state == StateAuthenticated
}

// BeginAuthentication records that a magic link was requested for the email.
// The session stays usable as anonymous until the link round-trips.
func (m *Manager) BeginAuthentication(email string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return domain.ErrInvalidEmail
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateAuthenticated {
		return ErrAlreadyAuthenticated
	}
	m.state = StateAuthenticating
	m.pendingEmail = email
	return nil
}

// PendingEmail returns the address a magic link is outstanding for.
func (m *Manager) PendingEmail() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pendingEmail
}

// Authenticate binds an identity to the session and acquires the recipient
// subscription that feeds unread pushes. The subscription is returned for the
// caller's pump and owned by the manager for teardown.
func (m *Manager) Authenticate(identity Identity) (*eventbus.Subscription, error) {
	if strings.TrimSpace(identity.ProfileID) == "" {
		return nil, domain.ErrEmptyAuthID
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateAuthenticated {
		return nil, ErrAlreadyAuthenticated
	}

	sub, err := m.bus.SubscribeRecipient(identity.ProfileID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeSubscriptionFailure, "subscribe recipient scope", err)
	}

	m.state = StateAuthenticated
	m.identity = identity
	m.pendingEmail = ""
	m.selfSub = sub
	return sub, nil
}

// SelectPeer switches the open conversation: the previous room subscription is
// released before the next one is acquired, so at most one room feed is live.
func (m *Manager) SelectPeer(peerID string) (string, *eventbus.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateAuthenticated {
		return "", nil, ErrNotAuthenticated
	}

	roomID, err := domain.RoomID(m.identity.ProfileID, peerID)
	if err != nil {
		return "", nil, err
	}

	if m.roomSub != nil {
		m.roomSub.Cancel()
		m.roomSub = nil
	}

	sub, err := m.bus.SubscribeRoom(roomID)
	if err != nil {
		m.peerID = ""
		m.roomID = ""
		return "", nil, apperrors.Wrap(apperrors.CodeSubscriptionFailure, "subscribe room scope", err)
	}

	m.peerID = strings.TrimSpace(peerID)
	m.roomID = roomID
	m.roomSub = sub
	return roomID, sub, nil
}

// ClearPeer closes the open conversation without logging out.
func (m *Manager) ClearPeer() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clearPeerLocked()
}

func (m *Manager) clearPeerLocked() {
	if m.roomSub != nil {
		m.roomSub.Cancel()
		m.roomSub = nil
	}
	m.peerID = ""
	m.roomID = ""
}

// CurrentRoom returns the selected conversation, or false when none is open.
func (m *Manager) CurrentRoom() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.roomID, m.roomID != ""
}

// CurrentPeer returns the selected peer id, or false when none is open.
func (m *Manager) CurrentPeer() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peerID, m.peerID != ""
}

// SetUnread replaces the session's unread snapshot.
func (m *Manager) SetUnread(counts domain.UnreadCounts) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unread = counts
}

// Unread returns the last unread snapshot pushed to the client.
func (m *Manager) Unread() domain.UnreadCounts {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unread
}

// SetDeepLinkPeer stages a peer to auto-select after the next login.
func (m *Manager) SetDeepLinkPeer(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deepLinkPeer = strings.TrimSpace(peerID)
}

// TakeDeepLinkPeer consumes the staged peer; the marker is one-shot.
func (m *Manager) TakeDeepLinkPeer() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	peerID := m.deepLinkPeer
	m.deepLinkPeer = ""
	return peerID, peerID != ""
}

// Logout returns the session to anonymous from any state: both subscriptions
// are cancelled and the identity, peer, unread snapshot, and deep-link marker
// are cleared. Safe to call repeatedly.
func (m *Manager) Logout() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.clearPeerLocked()
	if m.selfSub != nil {
		m.selfSub.Cancel()
		m.selfSub = nil
	}
	m.state = StateAnonymous
	m.pendingEmail = ""
	m.identity = Identity{}
	m.unread = domain.UnreadCounts{}
	m.deepLinkPeer = ""
}
