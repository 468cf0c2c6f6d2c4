package oracle

import (
	"context"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// BatchOptions controls chunked processing. Items inside a chunk run
// concurrently; chunks are separated by Pause.
type BatchOptions struct {
	Size  int
	Pause time.Duration
}

// RunBatched calls fn for every index in [0, n) in chunks of opts.Size,
// waiting opts.Pause between chunks. It returns ctx.Err() when cancelled;
// fn is not called for indexes reached after cancellation.
func RunBatched(ctx context.Context, n int, opts BatchOptions, fn func(ctx context.Context, i int)) error {
	size := opts.Size
	if size <= 0 {
		size = 1
	}

	for start := 0; start < n; start += size {
		if start > 0 && opts.Pause > 0 {
			timer := time.NewTimer(opts.Pause)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		end := min(start+size, n)
		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				fn(ctx, i)
			}(i)
		}
		wg.Wait()
	}
	return nil
}

// BatchItem is the oracle outcome for one transaction of a batch.
type BatchItem struct {
	TransactionID string                  `json:"transactionId"`
	Analysis      *domain.AIFraudAnalysis `json:"analysis,omitempty"`
	Err           error                   `json:"-"`
}

// BatchAnalyze runs the oracle over txs. Results keep input order; items
// never reached because of cancellation carry ctx.Err().
func BatchAnalyze(ctx context.Context, o domain.Oracle, txs []*domain.Transaction, opts BatchOptions) []BatchItem {
	items := make([]BatchItem, len(txs))
	reached := make([]bool, len(txs))

	err := RunBatched(ctx, len(txs), opts, func(ctx context.Context, i int) {
		reached[i] = true
		items[i].TransactionID = txs[i].ID
		items[i].Analysis, items[i].Err = o.Analyze(ctx, txs[i])
	})

	if err != nil {
		for i := range items {
			if !reached[i] {
				items[i] = BatchItem{TransactionID: txs[i].ID, Err: err}
			}
		}
	}
	return items
}
