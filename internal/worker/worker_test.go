package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
)

type recordingAnalyzer struct {
	mu       sync.Mutex
	seen     []string
	inFlight atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
}

func (a *recordingAnalyzer) Analyze(_ context.Context, req *domain.TransactionRequest) (*domain.EnhancedResult, error) {
	n := a.inFlight.Add(1)
	defer a.inFlight.Add(-1)
	for {
		p := a.peak.Load()
		if n <= p || a.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(a.delay)

	if req.CustomerEmail == "" {
		return nil, errors.New("customerEmail is required")
	}

	a.mu.Lock()
	a.seen = append(a.seen, req.ID)
	a.mu.Unlock()
	return &domain.EnhancedResult{TransactionID: req.ID, Action: domain.ActionAllow}, nil
}

func (a *recordingAnalyzer) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.seen)
}

func publish(t *testing.T, b domain.EventBus, req domain.TransactionRequest) {
	t.Helper()
	payload, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if err := b.Publish(context.Background(), domain.TopicTransactionIngested, payload); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestWorker(t *testing.T) {
	t.Run("StartAndStop", func(t *testing.T) {
		eventBus := bus.NewChannelBus(100)
		defer eventBus.Close()

		w := NewWorker(eventBus, &recordingAnalyzer{}, nil)
		if err := w.Start(DefaultConfig()); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		if err := w.Start(DefaultConfig()); err == nil {
			t.Error("expected error starting twice")
		}

		stats := w.GetStats()
		if !stats.Running || stats.Topic != domain.TopicTransactionIngested {
			t.Errorf("unexpected stats after start: %+v", stats)
		}

		if err := w.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}
		if w.GetStats().Running {
			t.Error("worker should not be running after stop")
		}
		if err := w.Stop(); err != nil {
			t.Errorf("second Stop failed: %v", err)
		}
	})

	t.Run("ProcessTransactions", func(t *testing.T) {
		eventBus := bus.NewChannelBus(100)
		defer eventBus.Close()

		analyzer := &recordingAnalyzer{}
		w := NewWorker(eventBus, analyzer, nil)
		if err := w.Start(Config{Concurrency: 2, QueueSize: 10}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		publish(t, eventBus, domain.TransactionRequest{ID: "tx-1", MerchantID: "m1", CustomerEmail: "a@example.com", Amount: 10})
		publish(t, eventBus, domain.TransactionRequest{ID: "tx-2", MerchantID: "m1", Amount: 10})
		_ = eventBus.Publish(context.Background(), domain.TopicTransactionIngested, []byte("{not json"))

		waitFor(t, func() bool {
			s := w.GetStats()
			return s.Processed == 1 && s.Failed == 2
		})
		if analyzer.count() != 1 {
			t.Errorf("expected 1 analysed transaction, got %d", analyzer.count())
		}
	})

	t.Run("ConcurrencyIsBounded", func(t *testing.T) {
		eventBus := bus.NewChannelBus(100)
		defer eventBus.Close()

		analyzer := &recordingAnalyzer{delay: 10 * time.Millisecond}
		w := NewWorker(eventBus, analyzer, nil)
		if err := w.Start(Config{Concurrency: 3, QueueSize: 20}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		for i := range 12 {
			publish(t, eventBus, domain.TransactionRequest{
				ID: string(rune('a' + i)), MerchantID: "m1", CustomerEmail: "a@example.com",
			})
		}

		waitFor(t, func() bool { return analyzer.count() == 12 })
		if p := analyzer.peak.Load(); p > 3 {
			t.Errorf("expected at most 3 concurrent analyses, saw %d", p)
		}
	})
}
