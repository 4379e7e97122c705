package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/dkeye/Lounge/internal/core"
)

func TestLocalDeliversOnlyMatchingCollectionInOrder(t *testing.T) {
	bus := NewLocal()
	got := make(chan string, 8)
	unsubscribe, err := bus.Subscribe(context.Background(), core.Messages, func(ev core.Event) {
		got <- ev.Record.ID
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsubscribe()

	ctx := context.Background()
	_ = bus.Publish(ctx, core.Event{Action: core.ActionCreate, Record: core.Record{ID: "u1", Collection: core.Users}})
	_ = bus.Publish(ctx, core.Event{Action: core.ActionCreate, Record: core.Record{ID: "m1", Collection: core.Messages}})
	_ = bus.Publish(ctx, core.Event{Action: core.ActionCreate, Record: core.Record{ID: "m2", Collection: core.Messages}})

	for _, want := range []string{"m1", "m2"} {
		select {
		case id := <-got:
			if id != want {
				t.Fatalf("got %q, want %q", id, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}
}

func TestLocalUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewLocal()
	got := make(chan string, 8)
	unsubscribe, err := bus.Subscribe(context.Background(), core.Users, func(ev core.Event) { got <- ev.Record.ID })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	unsubscribe()
	unsubscribe()

	if err := bus.Publish(context.Background(), core.Event{Record: core.Record{ID: "u1", Collection: core.Users}}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case id := <-got:
		t.Fatalf("unexpected delivery %q after unsubscribe", id)
	case <-time.After(50 * time.Millisecond):
	}
}
