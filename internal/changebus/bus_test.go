package changebus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/Idosegev23/internalMettingLeaders/internal/store"
)

func receive(t *testing.T, sub *Subscription) Message {
	t.Helper()
	select {
	case msg, ok := <-sub.C():
		if !ok {
			t.Fatal("subscription channel closed")
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return Message{}
}

func expectNone(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case msg, ok := <-sub.C():
		if ok {
			t.Fatalf("unexpected message: %+v", msg)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryDeliversInPublishOrder(t *testing.T) {
	bus := NewMemory()
	ctx := context.Background()
	sub, err := bus.Subscribe(ctx, DraftTopic("d1"))
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer sub.Close()

	for _, goal := range []string{"X", "Y", "Z"} {
		if err := bus.Publish(ctx, DraftTopic("d1"), Message{DraftID: "d1", Patch: store.Body{"goals": goal}}); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}
	for _, want := range []string{"X", "Y", "Z"} {
		if got := receive(t, sub).Patch["goals"]; got != want {
			t.Fatalf("goals = %v, want %s", got, want)
		}
	}
}

func TestMemoryIsolatesTopics(t *testing.T) {
	bus := NewMemory()
	ctx := context.Background()
	sub, err := bus.Subscribe(ctx, DraftTopic("d1"))
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer sub.Close()

	if err := bus.Publish(ctx, DraftTopic("d2"), Message{DraftID: "d2"}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	expectNone(t, sub)
}

func TestMemoryPublishDoesNotBlockOnSlowReader(t *testing.T) {
	bus := NewMemory()
	ctx := context.Background()
	sub, err := bus.Subscribe(ctx, "t")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			_ = bus.Publish(ctx, "t", Message{DraftID: "d"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on an unread subscription")
	}
	for i := 0; i < 1000; i++ {
		receive(t, sub)
	}
}

func TestMemorySubscribersGetIndependentPatches(t *testing.T) {
	bus := NewMemory()
	ctx := context.Background()
	a, _ := bus.Subscribe(ctx, "t")
	b, _ := bus.Subscribe(ctx, "t")
	defer a.Close()
	defer b.Close()

	_ = bus.Publish(ctx, "t", Message{Patch: store.Body{"goals": "X"}})
	got := receive(t, a)
	got.Patch["goals"] = "mutated"
	if v := receive(t, b).Patch["goals"]; v != "X" {
		t.Fatalf("second subscriber saw %v", v)
	}
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	bus := NewMemory()
	sub, err := bus.Subscribe(context.Background(), "t")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if n := bus.Subscribers("t"); n != 0 {
		t.Fatalf("Subscribers() = %d after close", n)
	}
	select {
	case _, ok := <-sub.C():
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after Close")
	}
	if err := bus.Publish(context.Background(), "t", Message{}); err != nil {
		t.Fatalf("Publish() after close error = %v", err)
	}
}

func TestRedisRoundTrip(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	bus := NewRedis(client, nil)
	ctx := context.Background()
	sub, err := bus.Subscribe(ctx, DraftTopic("d1"))
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	if err := bus.Publish(ctx, DraftTopic("d1"), Message{DraftID: "d1", Patch: store.Body{"goals": "Grow", "insight": nil}}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	msg := receive(t, sub)
	if msg.DraftID != "d1" || msg.Patch["goals"] != "Grow" {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if v, ok := msg.Patch["insight"]; !ok || v != nil {
		t.Fatalf("insight = %v (present %v), want explicit null", v, ok)
	}

	if err := sub.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}

func TestRedisSubscribeFailsWhenServerDown(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr(), MaxRetries: -1})
	defer client.Close()
	s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := NewRedis(client, nil).Subscribe(ctx, "t"); err == nil {
		t.Fatal("expected subscribe error")
	}
}
