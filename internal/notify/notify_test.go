package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"stock-cockpit/lib/logging"
)

type recordingSink struct {
	events []Event
	err    error
	panics bool
}

func (r *recordingSink) Send(ctx context.Context, ev Event) error {
	if r.panics {
		panic("sink exploded")
	}
	r.events = append(r.events, ev)
	return r.err
}

func TestBusFansOutToEverySink(t *testing.T) {
	bus := NewBus()
	bus.SetLogger(logging.Discard())

	failing := &recordingSink{err: errors.New("telegram down")}
	panicking := &recordingSink{panics: true}
	ok := &recordingSink{}
	bus.Register("telegram", failing)
	bus.Register("broken", panicking)
	bus.Register("redis", ok)

	var attempts []string
	bus.OnSent(func(sink string, err error) { attempts = append(attempts, sink) })

	err := bus.Send(context.Background(), Event{Kind: AlertTriggered})
	if err == nil {
		t.Fatal("expected joined error")
	}
	if len(ok.events) != 1 || len(failing.events) != 1 {
		t.Errorf("every sink should be attempted once")
	}
	if ok.events[0].At.IsZero() {
		t.Error("event time should be stamped")
	}
	if len(attempts) != 3 {
		t.Errorf("expected 3 attempts, got %v", attempts)
	}
}

func TestRedisSinkPublishes(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	sink := NewRedisSink(client, "")
	sub := client.Subscribe(ctx, sink.Channel(MarginCompleted))
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	at := time.Date(2026, 3, 2, 18, 10, 0, 0, time.UTC)
	if err := sink.Send(ctx, Event{Kind: MarginCompleted, Job: "margin", At: at, Payload: map[string]int{"rows": 3}}); err != nil {
		t.Fatalf("send: %v", err)
	}

	msg, err := sub.ReceiveMessage(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if msg.Channel != "cockpit.events.margin_completed" {
		t.Errorf("unexpected channel %s", msg.Channel)
	}
	var got Event
	if err := json.Unmarshal([]byte(msg.Payload), &got); err != nil {
		t.Fatal(err)
	}
	if got.Kind != MarginCompleted || got.Job != "margin" || !got.At.Equal(at) {
		t.Errorf("unexpected event %+v", got)
	}
}

type blockingSink struct {
	release chan struct{}
}

func (b *blockingSink) Send(ctx context.Context, ev Event) error {
	<-b.release
	return nil
}

func TestBusAbandonsHungSink(t *testing.T) {
	bus := NewBus()
	bus.SetLogger(logging.Discard())
	bus.SetTimeout(50 * time.Millisecond)

	hung := &blockingSink{release: make(chan struct{})}
	defer close(hung.release)
	ok := &recordingSink{}
	bus.Register("telegram", hung)
	bus.Register("redis", ok)

	done := make(chan error, 1)
	go func() { done <- bus.Send(context.Background(), Event{Kind: AlertTriggered}) }()

	select {
	case err := <-done:
		if !errors.Is(err, ErrSinkTimeout) {
			t.Errorf("expected sink timeout, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("send blocked on a hung sink")
	}
	if len(ok.events) != 1 {
		t.Error("sinks after a hung one should still be attempted")
	}
}
