package server

import (
	"context"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/badger/internal/badges"
)

func TestAwardDispatcherPublishesToSubscriber(t *testing.T) {
	dispatcher := NewAwardDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "user-1")
	defer cleanup()

	dispatcher.NotifyAward(badges.BadgeInstance{
		ID:             "instance-1",
		UserID:         "user-1",
		BadgeID:        "badge-1",
		BadgeShortname: "link-basic",
		IssuedAt:       time.Now().UTC(),
	})

	select {
	case received := <-stream:
		if received.BadgeShortname != "link-basic" {
			t.Fatalf("expected badge link-basic, got %s", received.BadgeShortname)
		}
		if received.InstanceID != "instance-1" {
			t.Fatalf("expected instance-1, got %s", received.InstanceID)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected award event within deadline")
	}
}

func TestAwardDispatcherIsolatedByUser(t *testing.T) {
	dispatcher := NewAwardDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	userStream, cleanup := dispatcher.Subscribe(ctx, "user-2")
	defer cleanup()

	otherStream, otherCleanup := dispatcher.Subscribe(ctx, "user-3")
	defer otherCleanup()

	dispatcher.Publish(AwardEvent{UserID: "user-3", InstanceID: "instance-3", BadgeShortname: "comment"})

	select {
	case <-userStream:
		t.Fatal("did not expect award event for unrelated user")
	case <-time.After(200 * time.Millisecond):
	}

	select {
	case event := <-otherStream:
		if event.UserID != "user-3" {
			t.Fatalf("expected user-3, received %s", event.UserID)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected award event for subscribed user")
	}
}

func TestAwardDispatcherUnsubscribesOnCancel(t *testing.T) {
	dispatcher := NewAwardDispatcher()
	ctx, cancel := context.WithCancel(context.Background())

	_, cleanup := dispatcher.Subscribe(ctx, "user-4")
	defer cleanup()
	if dispatcher.subscriberCount("user-4") != 1 {
		t.Fatalf("expected one subscriber")
	}

	cancel()
	deadline := time.Now().Add(time.Second)
	for dispatcher.subscriberCount("user-4") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected subscriber to be removed after cancellation")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAwardDispatcherIgnoresIncompleteEvents(t *testing.T) {
	dispatcher := NewAwardDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "user-5")
	defer cleanup()

	dispatcher.Publish(AwardEvent{UserID: "user-5"})

	select {
	case <-stream:
		t.Fatal("did not expect an event without an instance id")
	case <-time.After(100 * time.Millisecond):
	}
}
