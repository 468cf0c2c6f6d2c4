package main

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/kestrel/internal/client"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// paySimEpoch anchors PaySim steps (hours since simulation start).
var paySimEpoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// PaySimTransaction represents a row from the PaySim dataset.
type PaySimTransaction struct {
	Step           int
	Type           string
	Amount         float64
	NameOrig       string
	OldBalanceOrg  float64
	NewBalanceOrig float64
	NameDest       string
	IsFraud        bool
}

// Request maps the row onto a Kestrel transaction: the origin account is
// the customer and the destination account is the merchant.
func (p PaySimTransaction) Request() *domain.TransactionRequest {
	at := paySimEpoch.Add(time.Duration(p.Step) * time.Hour)
	return &domain.TransactionRequest{
		MerchantID:    p.NameDest,
		CustomerEmail: strings.ToLower(p.NameOrig) + "@paysim.invalid",
		Amount:        p.Amount,
		Currency:      "USD",
		PaymentMethod: strings.ToLower(p.Type),
		CreatedAt:     &at,
		Metadata: map[string]any{
			"old_balance": p.OldBalanceOrg,
			"new_balance": p.NewBalanceOrig,
			"step":        p.Step,
		},
	}
}

// Confusion tracks benchmark results.
type Confusion struct {
	TruePositives  int64
	FalsePositives int64
	TrueNegatives  int64
	FalseNegatives int64

	TotalProcessed int64
	TotalErrors    int64

	ProcessingTimeMs int64
}

// Add records one prediction.
func (c *Confusion) Add(predicted, actual bool) {
	switch {
	case predicted && actual:
		atomic.AddInt64(&c.TruePositives, 1)
	case predicted && !actual:
		atomic.AddInt64(&c.FalsePositives, 1)
	case !predicted && !actual:
		atomic.AddInt64(&c.TrueNegatives, 1)
	default:
		atomic.AddInt64(&c.FalseNegatives, 1)
	}
}

// Precision is TP / (TP + FP).
func (c *Confusion) Precision() float64 {
	return ratio(c.TruePositives, c.TruePositives+c.FalsePositives)
}

// Recall is TP / (TP + FN).
func (c *Confusion) Recall() float64 {
	return ratio(c.TruePositives, c.TruePositives+c.FalseNegatives)
}

// F1 is the harmonic mean of precision and recall.
func (c *Confusion) F1() float64 {
	p, r := c.Precision(), c.Recall()
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}

// Accuracy is (TP + TN) / total.
func (c *Confusion) Accuracy() float64 {
	total := c.TruePositives + c.TrueNegatives + c.FalsePositives + c.FalseNegatives
	return ratio(c.TruePositives+c.TrueNegatives, total)
}

func ratio(n, d int64) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}

type benchmarkOptions struct {
	csvPath     string
	limit       int
	workers     int
	fraudOnly   bool
	sampleRate  float64
	traditional bool
	minAction   string
	verbose     bool
}

func benchmarkCmd() *cobra.Command {
	opts := benchmarkOptions{}
	cmd := &cobra.Command{
		Use:   "benchmark",
		Short: "Replay labelled PaySim transactions and report detection quality",
		Long: `benchmark reads a PaySim CSV (with isFraud labels), sends every row to
Kestrel and compares the decision with the label. A decision counts as a
fraud prediction when its action is at least --min-action.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBenchmark(cmd.Context(), cmd.OutOrStdout(), newClient(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.csvPath, "csv", "", "path to PaySim CSV file")
	cmd.Flags().IntVar(&opts.limit, "limit", 10000, "maximum transactions to process (0 = all)")
	cmd.Flags().IntVar(&opts.workers, "workers", 10, "number of concurrent workers")
	cmd.Flags().BoolVar(&opts.fraudOnly, "fraud-only", false, "only replay fraud transactions")
	cmd.Flags().Float64Var(&opts.sampleRate, "sample", 1.0, "sample rate for non-fraud (0.0-1.0)")
	cmd.Flags().BoolVar(&opts.traditional, "traditional", true, "skip the AI oracle")
	cmd.Flags().StringVar(&opts.minAction, "min-action", string(domain.ActionReview), "lowest action counted as a fraud prediction (flag, review, block)")
	cmd.Flags().BoolVar(&opts.verbose, "verbose", false, "print each transaction result")
	_ = cmd.MarkFlagRequired("csv")
	return cmd
}

func runBenchmark(ctx context.Context, out io.Writer, c *client.Client, opts benchmarkOptions) error {
	minRank, ok := actionRank[domain.Action(opts.minAction)]
	if !ok || minRank == 0 {
		return fmt.Errorf("--min-action must be flag, review or block, got %q", opts.minAction)
	}
	if opts.workers <= 0 {
		opts.workers = 1
	}

	if err := c.Health(ctx); err != nil {
		return fmt.Errorf("kestrel not reachable: %w", err)
	}

	file, err := os.Open(opts.csvPath)
	if err != nil {
		return err
	}
	defer func() { _ = file.Close() }()

	transactions, err := readPaySimCSV(file, opts.limit, opts.fraudOnly, opts.sampleRate)
	if err != nil {
		return fmt.Errorf("failed to read CSV: %w", err)
	}
	if len(transactions) == 0 {
		return errors.New("no transactions to replay")
	}

	fraudCount := 0
	for _, tx := range transactions {
		if tx.IsFraud {
			fraudCount++
		}
	}
	fmt.Fprintf(out, "Loaded %d transactions (%d fraud, %d non-fraud)\n", len(transactions), fraudCount, len(transactions)-fraudCount)
	fmt.Fprintf(out, "Running benchmark with %d workers...\n", opts.workers)

	start := time.Now()
	m := replay(ctx, out, c, transactions, opts, minRank)
	printConfusion(out, m, time.Since(start))
	return ctx.Err()
}

var actionRank = map[domain.Action]int{
	domain.ActionAllow:  0,
	domain.ActionFlag:   1,
	domain.ActionReview: 2,
	domain.ActionBlock:  3,
}

func replay(ctx context.Context, out io.Writer, c *client.Client, transactions []PaySimTransaction, opts benchmarkOptions, minRank int) *Confusion {
	m := &Confusion{}
	work := make(chan PaySimTransaction)
	var (
		wg    sync.WaitGroup
		outMu sync.Mutex
	)

	for i := 0; i < opts.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for tx := range work {
				start := time.Now()
				res, err := c.Analyze(ctx, tx.Request(), opts.traditional)
				atomic.AddInt64(&m.ProcessingTimeMs, time.Since(start).Milliseconds())
				atomic.AddInt64(&m.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&m.TotalErrors, 1)
					if opts.verbose {
						outMu.Lock()
						fmt.Fprintf(out, "ERROR %s: %v\n", tx.NameOrig, err)
						outMu.Unlock()
					}
					continue
				}

				predicted := actionRank[res.Action] >= minRank
				m.Add(predicted, tx.IsFraud)

				if opts.verbose {
					mark := "ok"
					if predicted != tx.IsFraud {
						mark = "MISS"
					}
					outMu.Lock()
					fmt.Fprintf(out, "%-4s %-12s %-9s %14.2f fraud=%-5t action=%-6s score=%d\n",
						mark, tx.NameOrig, tx.Type, tx.Amount, tx.IsFraud, res.Action, res.CombinedRiskScore)
					outMu.Unlock()
				}
			}
		}()
	}

	for _, tx := range transactions {
		select {
		case work <- tx:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}
	close(work)
	wg.Wait()
	return m
}

// readPaySimCSV parses PaySim rows. Malformed rows are skipped. When
// sampleRate < 1, non-fraud rows are kept deterministically at that rate.
func readPaySimCSV(r io.Reader, limit int, fraudOnly bool, sampleRate float64) ([]PaySimTransaction, error) {
	reader := csv.NewReader(r)

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}
	for _, col := range []string{"step", "type", "amount", "nameorig", "namedest", "isfraud"} {
		if _, ok := colIndex[col]; !ok {
			return nil, fmt.Errorf("missing column %q", col)
		}
	}
	field := func(record []string, col string) string {
		i, ok := colIndex[col]
		if !ok || i >= len(record) {
			return ""
		}
		return record[i]
	}

	var transactions []PaySimTransaction
	sampleCounter := 0

	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			continue
		}

		isFraud := field(record, "isfraud") == "1"
		if fraudOnly && !isFraud {
			continue
		}
		if !isFraud && sampleRate < 1.0 {
			sampleCounter++
			if float64(sampleCounter%100)/100.0 >= sampleRate {
				continue
			}
		}

		step, err := strconv.Atoi(field(record, "step"))
		if err != nil {
			continue
		}
		amount, err := strconv.ParseFloat(field(record, "amount"), 64)
		if err != nil {
			continue
		}
		oldBalance, _ := strconv.ParseFloat(field(record, "oldbalanceorg"), 64)
		newBalance, _ := strconv.ParseFloat(field(record, "newbalanceorig"), 64)

		transactions = append(transactions, PaySimTransaction{
			Step:           step,
			Type:           field(record, "type"),
			Amount:         amount,
			NameOrig:       field(record, "nameorig"),
			OldBalanceOrg:  oldBalance,
			NewBalanceOrig: newBalance,
			NameDest:       field(record, "namedest"),
			IsFraud:        isFraud,
		})

		if limit > 0 && len(transactions) >= limit {
			break
		}
	}

	return transactions, nil
}

func printConfusion(out io.Writer, m *Confusion, duration time.Duration) {
	fmt.Fprintln(out)
	fmt.Fprintln(out, "BENCHMARK RESULTS")
	fmt.Fprintf(out, "  Processed:  %d\n", m.TotalProcessed)
	fmt.Fprintf(out, "  Errors:     %d\n", m.TotalErrors)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "  Confusion matrix       predicted fraud   predicted legit")
	fmt.Fprintf(out, "    actual fraud         %15d   %15d\n", m.TruePositives, m.FalseNegatives)
	fmt.Fprintf(out, "    actual legit         %15d   %15d\n", m.FalsePositives, m.TrueNegatives)
	fmt.Fprintln(out)
	fmt.Fprintf(out, "  Precision:  %.4f\n", m.Precision())
	fmt.Fprintf(out, "  Recall:     %.4f\n", m.Recall())
	fmt.Fprintf(out, "  F1-Score:   %.4f\n", m.F1())
	fmt.Fprintf(out, "  Accuracy:   %.4f\n", m.Accuracy())
	fmt.Fprintln(out)
	fmt.Fprintf(out, "  Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		fmt.Fprintf(out, "  Avg latency: %.2f ms\n", float64(m.ProcessingTimeMs)/float64(m.TotalProcessed))
		fmt.Fprintf(out, "  Throughput:  %.2f tx/sec\n", float64(m.TotalProcessed)/duration.Seconds())
	}
}
