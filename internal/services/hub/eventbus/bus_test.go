package eventbus

import (
	"errors"
	"testing"
	"time"

	"github.com/gatherspace/gatherspace/internal/services/hub/storage"
)

func testEvent(roomID string, recipientID string) MessageEvent {
	return MessageEvent{
		Message: storage.MessageRecord{
			ID:          1,
			RoomID:      roomID,
			SenderID:    "sender",
			RecipientID: recipientID,
			Content:     "hello",
			CreatedAt:   time.Now().UTC(),
		},
	}
}

func receiveEvent(t *testing.T, sub *Subscription) MessageEvent {
	t.Helper()
	select {
	case event, ok := <-sub.Events():
		if !ok {
			t.Fatal("subscription channel closed unexpectedly")
		}
		return event
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return MessageEvent{}
}

func TestSubscribeRequiresKey(t *testing.T) {
	bus := NewBus()
	if _, err := bus.SubscribeRoom(""); !errors.Is(err, ErrEmptyScopeKey) {
		t.Fatalf("expected ErrEmptyScopeKey, got %v", err)
	}
	if _, err := bus.SubscribeRecipient(""); !errors.Is(err, ErrEmptyScopeKey) {
		t.Fatalf("expected ErrEmptyScopeKey, got %v", err)
	}
}

func TestPublishReachesRoomAndRecipientScopes(t *testing.T) {
	bus := NewBus()

	roomSub, err := bus.SubscribeRoom("a:b")
	if err != nil {
		t.Fatalf("subscribe room: %v", err)
	}
	recipientSub, err := bus.SubscribeRecipient("b")
	if err != nil {
		t.Fatalf("subscribe recipient: %v", err)
	}
	otherRoomSub, err := bus.SubscribeRoom("x:y")
	if err != nil {
		t.Fatalf("subscribe other room: %v", err)
	}

	bus.Publish(testEvent("a:b", "b"))

	if got := receiveEvent(t, roomSub); got.Message.RoomID != "a:b" {
		t.Fatalf("room subscriber saw %q", got.Message.RoomID)
	}
	if got := receiveEvent(t, recipientSub); got.Message.RecipientID != "b" {
		t.Fatalf("recipient subscriber saw %q", got.Message.RecipientID)
	}
	select {
	case <-otherRoomSub.Events():
		t.Fatal("unrelated room subscriber received an event")
	default:
	}
}

func TestCancelStopsDeliveryAndClosesChannel(t *testing.T) {
	bus := NewBus()

	sub, err := bus.SubscribeRoom("a:b")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	sub.Cancel()
	sub.Cancel() // idempotent

	bus.Publish(testEvent("a:b", "b"))

	if _, ok := <-sub.Events(); ok {
		t.Fatal("expected closed channel after Cancel")
	}
}

func TestPublishNeverBlocksOnSlowSubscriber(t *testing.T) {
	bus := NewBus()

	sub, err := bus.SubscribeRecipient("b")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(sub.Cancel)

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Overflow the buffer without anyone draining.
		for range subscriptionBuffer * 3 {
			bus.Publish(testEvent("a:b", "b"))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestPublishAfterAllSubscribersGone(t *testing.T) {
	bus := NewBus()
	sub, err := bus.SubscribeRoom("a:b")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	sub.Cancel()

	// Must be a no-op rather than a panic or send on closed channel.
	bus.Publish(testEvent("a:b", "b"))
}
