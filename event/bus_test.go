package event_test

import (
	"testing"
	"time"

	"github.com/emberhollow/worldqueue/event"
	"github.com/emberhollow/worldqueue/id"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()

	ch1, cancel1 := bus.Subscribe(4)
	defer cancel1()
	ch2, cancel2 := bus.Subscribe(4)
	defer cancel2()

	itemID := id.NewWorkItemID()
	bus.Publish(event.WorkItemQueued{
		Base:     event.Now(),
		ItemID:   itemID,
		WorkType: "world.civic_stats",
	})

	for i, ch := range []<-chan event.Event{ch1, ch2} {
		select {
		case evt := <-ch:
			queued, ok := evt.(event.WorkItemQueued)
			if !ok {
				t.Fatalf("subscriber %d: got %T, want WorkItemQueued", i, evt)
			}
			if queued.ItemID != itemID {
				t.Errorf("subscriber %d: ItemID = %v, want %v", i, queued.ItemID, itemID)
			}
			if queued.OccurredAt().IsZero() {
				t.Errorf("subscriber %d: OccurredAt should be stamped", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: event not delivered", i)
		}
	}
}

func TestPublishDropsWhenSubscriberFull(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()

	_, cancel := bus.Subscribe(1)
	defer cancel()

	// First fills the buffer, the next two must drop without blocking.
	for i := 0; i < 3; i++ {
		bus.Publish(event.WorkItemQueued{Base: event.Now(), WorkType: "world.dominion_turn"})
	}

	if got := bus.Dropped(); got != 2 {
		t.Errorf("Dropped() = %d, want 2", got)
	}
}

func TestCancelClosesChannel(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()

	ch, cancel := bus.Subscribe(1)
	cancel()

	if _, open := <-ch; open {
		t.Error("channel should be closed after cancel")
	}

	// Publishing after cancel must not panic or count drops.
	bus.Publish(event.WorkItemQueued{Base: event.Now()})
	if got := bus.Dropped(); got != 0 {
		t.Errorf("Dropped() = %d, want 0", got)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()

	_, cancel := bus.Subscribe(1)
	cancel()
	cancel()
}

func TestCloseShutsDownSubscribers(t *testing.T) {
	bus := event.NewBus()
	ch, _ := bus.Subscribe(1)

	bus.Close()

	if _, open := <-ch; open {
		t.Error("channel should be closed after bus Close")
	}

	// All operations become no-ops.
	bus.Publish(event.WorkItemQueued{Base: event.Now()})
	late, lateCancel := bus.Subscribe(1)
	defer lateCancel()
	if _, open := <-late; open {
		t.Error("subscribing to a closed bus should return a closed channel")
	}
	bus.Close()
}

func TestEventKinds(t *testing.T) {
	tests := []struct {
		evt  event.Event
		kind string
	}{
		{event.WorkItemQueued{}, event.KindWorkItemQueued},
		{event.WorkItemStarted{}, event.KindWorkItemStarted},
		{event.WorkItemCompleted{}, event.KindWorkItemCompleted},
		{event.WorkItemFailed{}, event.KindWorkItemFailed},
		{event.WorkItemRetrying{}, event.KindWorkItemRetrying},
		{event.WorkItemCancelled{}, event.KindWorkItemCancelled},
		{event.WorkItemDeadLettered{}, event.KindWorkItemDead},
		{event.BreakerStateChanged{}, event.KindBreakerStateChanged},
		{event.DominionTurnStarted{}, event.KindDominionTurnStarted},
		{event.DominionTurnCompleted{}, event.KindDominionTurnCompleted},
		{event.DominionTurnFailed{}, event.KindDominionTurnFailed},
		{event.CivicStatsUpdated{}, event.KindCivicStatsUpdated},
		{event.PersonaActionResolved{}, event.KindPersonaActionResolved},
	}
	for _, tt := range tests {
		if got := tt.evt.Kind(); got != tt.kind {
			t.Errorf("%T.Kind() = %q, want %q", tt.evt, got, tt.kind)
		}
	}
}
