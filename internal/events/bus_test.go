/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package events

import "testing"

func TestPublishReachesSubscribers(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	sub1 := bus.Subscribe(EventOwnershipChanged)
	sub2 := bus.Subscribe(EventOwnershipChanged)
	other := bus.Subscribe(EventBroadcastStopped)

	bus.Publish(EventOwnershipChanged, Payload{"speakerId": int64(3)})

	for i, sub := range []Subscriber{sub1, sub2} {
		select {
		case payload := <-sub:
			if payload["speakerId"] != int64(3) {
				t.Fatalf("subscriber %d payload = %v", i+1, payload)
			}
		default:
			t.Fatalf("subscriber %d received nothing", i+1)
		}
	}

	select {
	case <-other:
		t.Fatal("unrelated event type received the payload")
	default:
	}
}

func TestPublishNeverBlocksOnSlowSubscriber(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	sub := bus.Subscribe(EventBroadcastStatus)

	// Overfill the subscriber's buffer; publishes must drop, not block.
	for i := 0; i < 100; i++ {
		bus.Publish(EventBroadcastStatus, Payload{"seq": i})
	}

	if got := len(sub); got != cap(sub) {
		t.Fatalf("buffered %d payloads, want a full buffer of %d", got, cap(sub))
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	sub := bus.Subscribe(EventScheduleFired)
	bus.Unsubscribe(EventScheduleFired, sub)

	if _, open := <-sub; open {
		t.Fatal("unsubscribed channel must be closed")
	}

	// Publishing afterwards must not panic.
	bus.Publish(EventScheduleFired, Payload{})
}
