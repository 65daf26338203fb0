package stream

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/orbitdx/skystream/pkg/models"
)

func TestFanOut_PublishWritesBothCacheKeys(t *testing.T) {
	cache := newMemCache()
	bus := newMemBus()
	f := NewFanOut(cache, bus)

	cfg := testSource("apod", time.Hour, 50*time.Millisecond)
	ev := models.DataUpdate{
		Source:    "apod",
		Payload:   json.RawMessage(`{"title":"m31"}`),
		Timestamp: time.Now().UTC(),
	}
	if err := f.Publish(context.Background(), cfg, ev); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, hit, _ := cache.Get(context.Background(), LatestKey("apod")); !hit {
		t.Error("latest key missing")
	}
	if _, hit, _ := cache.Get(context.Background(), LastKnownKey("apod")); !hit {
		t.Error("last-known key missing")
	}

	// The fresh key expires at the source TTL; the fallback outlives it
	time.Sleep(80 * time.Millisecond)
	if _, hit, _ := cache.Get(context.Background(), LatestKey("apod")); hit {
		t.Error("latest key outlived its TTL")
	}
	if _, hit, _ := cache.Get(context.Background(), LastKnownKey("apod")); !hit {
		t.Error("last-known key expired with the fresh one")
	}
}

// Publication reaches the bus even when nobody subscribes locally.
func TestFanOut_PublishesWithZeroSubscribers(t *testing.T) {
	bus := newMemBus()
	f := NewFanOut(newMemCache(), bus)

	msgs, closeSub, _ := bus.Subscribe(context.Background(), UpdateChannel("apod"))
	defer closeSub()

	ev := models.DataUpdate{Source: "apod", Payload: json.RawMessage(`{}`), Timestamp: time.Now().UTC()}
	if err := f.Publish(context.Background(), testSource("apod", time.Hour, time.Hour), ev); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case msg := <-msgs:
		if msg.Channel != UpdateChannel("apod") {
			t.Errorf("channel = %q", msg.Channel)
		}
	case <-time.After(time.Second):
		t.Fatal("bus never saw the update")
	}
}

// A slow subscriber loses events instead of blocking the emitter.
func TestFanOut_SlowSubscriberDropsNotBlocks(t *testing.T) {
	f := NewFanOut(newMemCache(), newMemBus())

	ch, cancel := f.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBuffer+10; i++ {
			f.Emit(models.StreamError{Source: "apod", Message: "x", Timestamp: time.Now()})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("emitter blocked on a slow subscriber")
	}

	// Exactly a buffer's worth was retained
	got := 0
drain:
	for {
		select {
		case <-ch:
			got++
		default:
			break drain
		}
	}
	if got != subscriberBuffer {
		t.Errorf("retained events = %d; want %d", got, subscriberBuffer)
	}
}

func TestFanOut_CancelledSubscriberStopsReceiving(t *testing.T) {
	f := NewFanOut(newMemCache(), newMemBus())

	ch, cancel := f.Subscribe()
	cancel()
	cancel() // safe twice

	f.Emit(models.StreamError{Source: "apod", Message: "x", Timestamp: time.Now()})
	if _, open := <-ch; open {
		t.Error("channel still open after cancel")
	}
}
