package bus

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestChannelBus(t *testing.T) {
	ctx := context.Background()

	t.Run("PublishAndSubscribe", func(t *testing.T) {
		bus := NewChannelBus(10)
		defer bus.Close()

		got := make(chan *domain.Message, 1)
		_, err := bus.Subscribe(ctx, domain.TopicDecision, func(_ context.Context, msg *domain.Message) error {
			got <- msg
			return nil
		})
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}

		if err := bus.Publish(ctx, domain.TopicDecision, []byte("hello")); err != nil {
			t.Fatalf("publish failed: %v", err)
		}

		select {
		case msg := <-got:
			if string(msg.Payload) != "hello" {
				t.Errorf("expected payload 'hello', got '%s'", msg.Payload)
			}
			if msg.Topic != domain.TopicDecision {
				t.Errorf("expected topic %s, got %s", domain.TopicDecision, msg.Topic)
			}
			if msg.ID == "" {
				t.Error("expected message id")
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for message")
		}
	})

	t.Run("TopicIsolation", func(t *testing.T) {
		bus := NewChannelBus(10)
		defer bus.Close()

		var decisions, alerts atomic.Int32
		_, _ = bus.Subscribe(ctx, domain.TopicDecision, func(context.Context, *domain.Message) error {
			decisions.Add(1)
			return nil
		})
		_, _ = bus.Subscribe(ctx, domain.TopicAlert, func(context.Context, *domain.Message) error {
			alerts.Add(1)
			return nil
		})

		_ = bus.Publish(ctx, domain.TopicDecision, []byte("d"))
		_ = bus.Publish(ctx, domain.TopicDecision, []byte("d"))
		_ = bus.Publish(ctx, domain.TopicAlert, []byte("a"))

		waitFor(t, func() bool { return decisions.Load() == 2 && alerts.Load() == 1 })
	})

	t.Run("FanOut", func(t *testing.T) {
		bus := NewChannelBus(10)
		defer bus.Close()

		var count atomic.Int32
		for range 3 {
			_, _ = bus.Subscribe(ctx, domain.TopicAlert, func(context.Context, *domain.Message) error {
				count.Add(1)
				return nil
			})
		}
		_ = bus.Publish(ctx, domain.TopicAlert, nil)

		waitFor(t, func() bool { return count.Load() == 3 })
	})

	t.Run("RequiresTopic", func(t *testing.T) {
		bus := NewChannelBus(10)
		defer bus.Close()

		if err := bus.Publish(ctx, "", []byte("x")); err == nil {
			t.Error("expected error for empty topic")
		}
		if _, err := bus.Subscribe(ctx, "", func(context.Context, *domain.Message) error { return nil }); err == nil {
			t.Error("expected error for empty topic")
		}
	})

	t.Run("Unsubscribe", func(t *testing.T) {
		bus := NewChannelBus(10)
		defer bus.Close()

		var count atomic.Int32
		sub, _ := bus.Subscribe(ctx, domain.TopicDecision, func(context.Context, *domain.Message) error {
			count.Add(1)
			return nil
		})
		if sub.Topic() != domain.TopicDecision {
			t.Errorf("expected topic %s, got %s", domain.TopicDecision, sub.Topic())
		}

		_ = bus.Publish(ctx, domain.TopicDecision, nil)
		waitFor(t, func() bool { return count.Load() == 1 })

		_ = sub.Unsubscribe()
		_ = bus.Publish(ctx, domain.TopicDecision, nil)
		time.Sleep(30 * time.Millisecond)

		if count.Load() != 1 {
			t.Errorf("expected 1 message after unsubscribe, got %d", count.Load())
		}
	})

	t.Run("FullSubscriberDrops", func(t *testing.T) {
		bus := NewChannelBus(1)
		defer bus.Close()

		release := make(chan struct{})
		_, _ = bus.Subscribe(ctx, domain.TopicDecision, func(context.Context, *domain.Message) error {
			<-release
			return nil
		})

		for range 5 {
			if err := bus.Publish(ctx, domain.TopicDecision, nil); err != nil {
				t.Fatalf("publish must not fail on a full subscriber: %v", err)
			}
		}
		close(release)

		if bus.Dropped() == 0 {
			t.Error("expected dropped deliveries")
		}
	})

	t.Run("HandlerErrorDoesNotStopDelivery", func(t *testing.T) {
		bus := NewChannelBus(10)
		defer bus.Close()

		var count atomic.Int32
		_, _ = bus.Subscribe(ctx, domain.TopicAlert, func(context.Context, *domain.Message) error {
			count.Add(1)
			return errors.New("boom")
		})
		_ = bus.Publish(ctx, domain.TopicAlert, nil)
		_ = bus.Publish(ctx, domain.TopicAlert, nil)

		waitFor(t, func() bool { return count.Load() == 2 })
	})

	t.Run("Closed", func(t *testing.T) {
		bus := NewChannelBus(10)
		if err := bus.Ping(ctx); err != nil {
			t.Fatalf("ping failed: %v", err)
		}
		_ = bus.Close()
		_ = bus.Close()

		if err := bus.Publish(ctx, domain.TopicAlert, nil); !errors.Is(err, ErrClosed) {
			t.Errorf("expected ErrClosed, got %v", err)
		}
		if err := bus.Ping(ctx); !errors.Is(err, ErrClosed) {
			t.Errorf("expected ErrClosed from ping, got %v", err)
		}
	})
}

func TestNew(t *testing.T) {
	b, err := New(domain.EventBusConfig{Type: "channel", ChannelBufferSize: 5})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer b.Close()
	if _, ok := b.(*ChannelBus); !ok {
		t.Errorf("expected *ChannelBus, got %T", b)
	}

	if _, err := New(domain.EventBusConfig{Type: "kafka"}); err == nil {
		t.Error("expected error for unsupported bus type")
	}
}

// TestNATSBus runs against a live server named by KESTREL_TEST_NATS_URL.
func TestNATSBus(t *testing.T) {
	url := os.Getenv("KESTREL_TEST_NATS_URL")
	if url == "" {
		t.Skip("KESTREL_TEST_NATS_URL not set")
	}

	bus, err := NewNATSBus(domain.EventBusConfig{NATSUrl: url, NATSMaxReconnects: 1, NATSReconnectWait: time.Second})
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer bus.Close()

	ctx := context.Background()
	got := make(chan string, 1)
	sub, err := bus.Subscribe(ctx, domain.TopicAlert, func(_ context.Context, msg *domain.Message) error {
		got <- string(msg.Payload)
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	if err := bus.Ping(ctx); err != nil {
		t.Fatalf("ping failed: %v", err)
	}
	if err := bus.Publish(ctx, domain.TopicAlert, []byte("alert")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case payload := <-got:
		if payload != "alert" {
			t.Errorf("expected 'alert', got %q", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for nats message")
	}
}
