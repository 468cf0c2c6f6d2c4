// Package worker analyses transactions delivered on the event bus.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// Analyzer runs the full analysis for one transaction. It is satisfied by
// *service.Service, which records and publishes the result.
type Analyzer interface {
	Analyze(ctx context.Context, req *domain.TransactionRequest) (*domain.EnhancedResult, error)
}

// Config holds worker configuration.
type Config struct {
	// Concurrency is the number of analyses run in parallel.
	Concurrency int

	// QueueSize bounds messages accepted but not yet analysed.
	QueueSize int
}

// DefaultConfig returns a worker pool of 4 with a queue of 100.
func DefaultConfig() Config {
	return Config{Concurrency: 4, QueueSize: 100}
}

// Worker consumes kestrel.transaction.ingested and runs Analyze on each
// message with a fixed pool of goroutines.
type Worker struct {
	bus      domain.EventBus
	analyzer Analyzer
	logger   *slog.Logger

	mu           sync.Mutex
	subscription domain.Subscription
	jobs         chan *domain.Message
	wg           sync.WaitGroup
	cancel       context.CancelFunc

	processed atomic.Int64
	failed    atomic.Int64
}

// NewWorker creates a worker.
func NewWorker(bus domain.EventBus, analyzer Analyzer, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{bus: bus, analyzer: analyzer, logger: logger}
}

// Start subscribes to ingested transactions and starts the pool.
func (w *Worker) Start(cfg Config) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.subscription != nil {
		return errors.New("worker already started")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.Concurrency
	}

	ctx, cancel := context.WithCancel(context.Background())
	jobs := make(chan *domain.Message, cfg.QueueSize)

	sub, err := w.bus.Subscribe(ctx, domain.TopicTransactionIngested, func(ctx context.Context, msg *domain.Message) error {
		select {
		case jobs <- msg:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if err != nil {
		cancel()
		return err
	}

	for range cfg.Concurrency {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg := <-jobs:
					w.process(ctx, msg)
				}
			}
		}()
	}

	w.subscription = sub
	w.jobs = jobs
	w.cancel = cancel

	w.logger.Info("worker started",
		"topic", domain.TopicTransactionIngested,
		"concurrency", cfg.Concurrency,
	)
	return nil
}

func (w *Worker) process(ctx context.Context, msg *domain.Message) {
	var req domain.TransactionRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		w.failed.Add(1)
		metrics.RecordWorkerJob(false)
		w.logger.Error("failed to parse transaction message", "message_id", msg.ID, "error", err)
		return
	}

	result, err := w.analyzer.Analyze(ctx, &req)
	if err != nil {
		w.failed.Add(1)
		metrics.RecordWorkerJob(false)
		w.logger.Error("async analysis failed",
			"message_id", msg.ID,
			"transaction_id", req.ID,
			"merchant_id", req.MerchantID,
			"error", err,
		)
		return
	}

	w.processed.Add(1)
	metrics.RecordWorkerJob(true)
	w.logger.Debug("async analysis complete",
		"transaction_id", result.TransactionID,
		"action", result.Action,
		"duration_ms", result.ProcessingMs,
	)
}

// Stop unsubscribes and waits for in-flight analyses to return.
func (w *Worker) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.subscription == nil {
		return nil
	}

	err := w.subscription.Unsubscribe()
	if err != nil {
		w.logger.Error("failed to unsubscribe", "topic", w.subscription.Topic(), "error", err)
	}
	w.cancel()
	w.wg.Wait()

	w.subscription = nil
	w.jobs = nil
	w.logger.Info("worker stopped", "processed", w.processed.Load(), "failed", w.failed.Load())
	return err
}

// Stats is a snapshot of worker counters.
type Stats struct {
	Running   bool   `json:"running"`
	Topic     string `json:"topic"`
	Processed int64  `json:"processed"`
	Failed    int64  `json:"failed"`
	Queued    int    `json:"queued"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	return Stats{
		Running:   w.subscription != nil,
		Topic:     domain.TopicTransactionIngested,
		Processed: w.processed.Load(),
		Failed:    w.failed.Load(),
		Queued:    len(w.jobs),
	}
}
