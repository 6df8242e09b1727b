// Package eventbus fans out message insert events to scoped subscribers.
//
// Delivery is best-effort and at-most-once: a subscriber that is not draining
// its channel loses events, and a subscriber that is not registered when an
// event fires never sees it. Consumers reconcile through the message log, not
// through the bus.
package eventbus

import (
	"sync"

	apperrors "github.com/gatherspace/gatherspace/internal/platform/errors"
	"github.com/gatherspace/gatherspace/internal/services/hub/storage"
)

const subscriptionBuffer = 16

// ErrEmptyScopeKey indicates a subscription without a room or recipient key.
var ErrEmptyScopeKey = apperrors.New(apperrors.CodeSubscriptionFailure, "subscription scope key is required")

// MessageEvent notifies subscribers that one message was appended.
type MessageEvent struct {
	Message storage.MessageRecord
}

type scope int

const (
	scopeRoom scope = iota
	scopeRecipient
)

// Subscription is an explicit handle over one scoped event stream.
//
// Cancel must be called when the viewer closes a conversation, changes the
// selected peer, or logs out; a leaked subscription keeps delivering to a
// listener nobody displays anymore.
type Subscription struct {
	bus    *Bus
	scope  scope
	key    string
	events chan MessageEvent
	once   sync.Once
}

// Events returns the channel delivering scoped message events. The channel is
// closed by Cancel.
func (s *Subscription) Events() <-chan MessageEvent {
	return s.events
}

// Cancel tears the subscription down. It is idempotent and safe to call
// concurrently with Publish.
func (s *Subscription) Cancel() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.bus.remove(s)
	})
}

// Bus routes message insert events to room-scoped and recipient-scoped subscribers.
type Bus struct {
	mu            sync.Mutex
	roomSubs      map[string]map[*Subscription]struct{}
	recipientSubs map[string]map[*Subscription]struct{}
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{
		roomSubs:      make(map[string]map[*Subscription]struct{}),
		recipientSubs: make(map[string]map[*Subscription]struct{}),
	}
}

// SubscribeRoom registers a subscriber for inserts into one room.
func (b *Bus) SubscribeRoom(roomID string) (*Subscription, error) {
	return b.subscribe(scopeRoom, roomID)
}

// SubscribeRecipient registers a subscriber for inserts addressed to one viewer.
func (b *Bus) SubscribeRecipient(recipientID string) (*Subscription, error) {
	return b.subscribe(scopeRecipient, recipientID)
}

func (b *Bus) subscribe(kind scope, key string) (*Subscription, error) {
	if key == "" {
		return nil, ErrEmptyScopeKey
	}

	sub := &Subscription{
		bus:    b,
		scope:  kind,
		key:    key,
		events: make(chan MessageEvent, subscriptionBuffer),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.scopeSet(kind, key, true)
	set[sub] = struct{}{}
	return sub, nil
}

// Publish fans one insert event out to the message's room scope and the
// recipient's scope. Publish never blocks: subscribers with a full buffer
// miss the event and must reload from the log.
func (b *Bus) Publish(event MessageEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.scopeSet(scopeRoom, event.Message.RoomID, false) {
		select {
		case sub.events <- event:
		default:
		}
	}
	for sub := range b.scopeSet(scopeRecipient, event.Message.RecipientID, false) {
		select {
		case sub.events <- event:
		default:
		}
	}
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	set := b.scopeSet(sub.scope, sub.key, false)
	if set != nil {
		delete(set, sub)
		if len(set) == 0 {
			switch sub.scope {
			case scopeRoom:
				delete(b.roomSubs, sub.key)
			case scopeRecipient:
				delete(b.recipientSubs, sub.key)
			}
		}
	}
	// Closed under the bus lock so Publish can never send on a closed channel.
	close(sub.events)
}

func (b *Bus) scopeSet(kind scope, key string, create bool) map[*Subscription]struct{} {
	var table map[string]map[*Subscription]struct{}
	switch kind {
	case scopeRoom:
		table = b.roomSubs
	case scopeRecipient:
		table = b.recipientSubs
	}
	set, ok := table[key]
	if !ok && create {
		set = make(map[*Subscription]struct{})
		table[key] = set
	}
	return set
}
