package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// transactionFlags collects a TransactionRequest from flags or a JSON file.
type transactionFlags struct {
	file          string
	id            string
	merchantID    string
	customerEmail string
	amount        float64
	currency      string
	paymentMethod string
	ipAddress     string
	description   string
	newCustomer   bool
	createdAt     string
}

func (f *transactionFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.file, "file", "f", "", "read the transaction JSON from a file (- for stdin)")
	cmd.Flags().StringVar(&f.id, "id", "", "transaction id (generated when empty)")
	cmd.Flags().StringVar(&f.merchantID, "merchant", "", "merchant id")
	cmd.Flags().StringVar(&f.customerEmail, "email", "", "customer email")
	cmd.Flags().Float64Var(&f.amount, "amount", 0, "transaction amount")
	cmd.Flags().StringVar(&f.currency, "currency", "NGN", "ISO currency code")
	cmd.Flags().StringVar(&f.paymentMethod, "payment-method", "", "payment method")
	cmd.Flags().StringVar(&f.ipAddress, "ip", "", "client IP address")
	cmd.Flags().StringVar(&f.description, "description", "", "free-text description")
	cmd.Flags().BoolVar(&f.newCustomer, "new-customer", false, "customer has no prior history")
	cmd.Flags().StringVar(&f.createdAt, "at", "", "transaction time (RFC3339, default now)")
}

func (f *transactionFlags) request(stdin io.Reader) (*domain.TransactionRequest, error) {
	if f.file != "" {
		var r io.Reader = stdin
		if f.file != "-" {
			file, err := os.Open(f.file)
			if err != nil {
				return nil, fmt.Errorf("failed to open %s: %w", f.file, err)
			}
			defer func() { _ = file.Close() }()
			r = file
		}
		var req domain.TransactionRequest
		if err := json.NewDecoder(r).Decode(&req); err != nil {
			return nil, fmt.Errorf("failed to parse transaction JSON: %w", err)
		}
		return &req, nil
	}

	req := &domain.TransactionRequest{
		ID:            f.id,
		MerchantID:    f.merchantID,
		CustomerEmail: f.customerEmail,
		Amount:        f.amount,
		Currency:      f.currency,
		PaymentMethod: f.paymentMethod,
		IPAddress:     f.ipAddress,
		Description:   f.description,
		IsNewCustomer: f.newCustomer,
	}
	if f.createdAt != "" {
		at, err := time.Parse(time.RFC3339, f.createdAt)
		if err != nil {
			return nil, fmt.Errorf("--at must be RFC3339: %w", err)
		}
		req.CreatedAt = &at
	}
	return req, nil
}

func analyzeCmd() *cobra.Command {
	var (
		tf          transactionFlags
		traditional bool
	)
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Analyze a transaction and record the decision",
		Example: `  kestrelctl analyze --merchant m1 --email jane@example.com --amount 1500000 --new-customer
  kestrelctl analyze -f tx.json --traditional`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := tf.request(cmd.InOrStdin())
			if err != nil {
				return err
			}
			res, err := newClient().Analyze(cmd.Context(), req, traditional)
			if err != nil {
				return err
			}
			printResult(cmd.OutOrStdout(), res)
			return nil
		},
	}
	tf.register(cmd)
	cmd.Flags().BoolVar(&traditional, "traditional", false, "skip the AI oracle")
	return cmd
}

func scoreCmd() *cobra.Command {
	var tf transactionFlags
	cmd := &cobra.Command{
		Use:   "score",
		Short: "Compute the traditional risk score without recording it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := tf.request(cmd.InOrStdin())
			if err != nil {
				return err
			}
			score, err := newClient().Score(cmd.Context(), req)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Score:    %d (%s)\n", score.Score, score.Level)
			printList(out, "Factors", score.Factors)
			printList(out, "Recommendations", score.Recommendations)
			return nil
		},
	}
	tf.register(cmd)
	return cmd
}

func statsCmd() *cobra.Command {
	var start, end string
	cmd := &cobra.Command{
		Use:   "stats MERCHANT_ID",
		Short: "Replay scoring over a merchant's history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var from, to time.Time
			var err error
			if start != "" {
				if from, err = time.Parse(time.RFC3339, start); err != nil {
					return fmt.Errorf("--start must be RFC3339: %w", err)
				}
			}
			if end != "" {
				if to, err = time.Parse(time.RFC3339, end); err != nil {
					return fmt.Errorf("--end must be RFC3339: %w", err)
				}
			}

			s, err := newClient().Statistics(cmd.Context(), args[0], from, to)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Merchant:        %s\n", s.MerchantID)
			fmt.Fprintf(out, "Range:           %s .. %s\n", s.Start.Format(time.RFC3339), s.End.Format(time.RFC3339))
			fmt.Fprintf(out, "Transactions:    %d\n", s.TotalTransactions)
			fmt.Fprintf(out, "Flagged:         %d\n", s.FlaggedTransactions)
			fmt.Fprintf(out, "Blocked:         %d\n", s.BlockedTransactions)
			fmt.Fprintf(out, "Fraud rate:      %.2f%%\n", s.FraudRate)
			fmt.Fprintf(out, "Average score:   %.2f\n", s.AverageRiskScore)
			if len(s.TopRiskFactors) > 0 {
				fmt.Fprintln(out, "Top risk factors:")
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				for _, fc := range s.TopRiskFactors {
					fmt.Fprintf(w, "  %s\t%d\n", fc.Factor, fc.Count)
				}
				_ = w.Flush()
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&start, "start", "", "range start (RFC3339, default beginning of history)")
	cmd.Flags().StringVar(&end, "end", "", "range end (RFC3339, default now)")
	return cmd
}

func rulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect and toggle fraud rules",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List every rule",
		RunE: func(cmd *cobra.Command, _ []string) error {
			list, err := newClient().ListRules(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tWEIGHT\tENABLED\tKIND")
			for _, r := range list {
				fmt.Fprintf(w, "%s\t%s\t%d\t%t\t%s\n", r.ID, r.Name, r.Weight, r.Enabled, r.Condition.Kind)
			}
			return w.Flush()
		},
	})

	for _, enable := range []bool{true, false} {
		use, short := "enable RULE_ID", "Enable a rule"
		if !enable {
			use, short = "disable RULE_ID", "Disable a rule"
		}
		cmd.AddCommand(&cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				rule, err := newClient().ToggleRule(cmd.Context(), args[0], enable)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s enabled=%t\n", rule.ID, rule.Enabled)
				return nil
			},
		})
	}
	return cmd
}

func oracleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "oracle",
		Short: "Show AI oracle status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := newClient().OracleStatus(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Enabled:    %t\n", s.Enabled)
			fmt.Fprintf(out, "Available:  %t\n", s.Available)
			fmt.Fprintf(out, "Model:      %s\n", s.Model)
			fmt.Fprintf(out, "Credential: %t\n", s.CredentialConfigured)
			return nil
		},
	}
}

func printResult(out io.Writer, res *domain.EnhancedResult) {
	fmt.Fprintf(out, "Transaction:  %s\n", res.TransactionID)
	fmt.Fprintf(out, "Evaluation:   %s\n", res.EvaluationID)
	fmt.Fprintf(out, "Action:       %s\n", strings.ToUpper(string(res.Action)))
	if res.Reason != "" {
		fmt.Fprintf(out, "Reason:       %s\n", res.Reason)
	}
	fmt.Fprintf(out, "Risk score:   %d (%s)\n", res.Score, res.Level)
	fmt.Fprintf(out, "Combined:     %d (ai=%t)\n", res.CombinedRiskScore, res.AIEnhanced)
	printList(out, "Factors", res.Factors)
	printList(out, "Recommendations", res.Recommendations)
	if res.AIAnalysis != nil && res.AIAnalysis.Reasoning != "" {
		fmt.Fprintf(out, "AI reasoning: %s\n", res.AIAnalysis.Reasoning)
	}
}

func printList(out io.Writer, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(out, "%s:\n", title)
	for _, it := range items {
		fmt.Fprintf(out, "  - %s\n", it)
	}
}
