// Package decision combines the traditional risk score with the AI oracle's
// opinion into the final action for a transaction.
package decision

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/oracle"
)

// Blend weights for the combined score.
const (
	TraditionalWeight = 0.7
	AIWeight          = 0.3
)

// Scorer produces the traditional risk score.
type Scorer interface {
	Score(ctx context.Context, tx *domain.Transaction) (*domain.RiskScore, error)
}

// Thresholds are the action ladder cut-offs and the AI confidence bar.
type Thresholds struct {
	Flag                int
	Review              int
	Block               int
	ConfidenceThreshold float64
}

// ThresholdsFrom builds thresholds from configuration.
func ThresholdsFrom(fraud domain.FraudConfig, ai domain.AIConfig) Thresholds {
	return Thresholds{
		Flag:                fraud.FlagThreshold,
		Review:              fraud.ReviewThreshold,
		Block:               fraud.BlockThreshold,
		ConfidenceThreshold: ai.ConfidenceThreshold,
	}
}

// Combiner runs scoring and the oracle side by side and decides.
type Combiner struct {
	scorer     Scorer
	oracle     domain.Oracle
	thresholds Thresholds
	aiTimeout  time.Duration
	logger     *slog.Logger
	tracer     trace.Tracer
	now        func() time.Time
}

// New creates a combiner. A nil oracle behaves like a disabled one.
func New(scorer Scorer, o domain.Oracle, thresholds Thresholds, aiTimeout time.Duration, logger *slog.Logger) *Combiner {
	if logger == nil {
		logger = slog.Default()
	}
	if o == nil {
		o = oracle.Disabled{Reason: oracle.ErrDisabled}
	}
	if aiTimeout <= 0 {
		aiTimeout = 10 * time.Second
	}
	return &Combiner{
		scorer:     scorer,
		oracle:     o,
		thresholds: thresholds,
		aiTimeout:  aiTimeout,
		logger:     logger,
		tracer:     otel.Tracer("kestrel/decision"),
		now:        time.Now,
	}
}

type aiOutcome struct {
	analysis *domain.AIFraudAnalysis
	err      error
}

// Decide scores tx and consults the oracle concurrently. Oracle failures
// only mean no AI opinion; scoring failures are returned.
func (c *Combiner) Decide(ctx context.Context, tx *domain.Transaction) (*domain.EnhancedResult, error) {
	return c.decide(ctx, tx, true)
}

// DecideTraditional decides on the traditional score alone.
func (c *Combiner) DecideTraditional(ctx context.Context, tx *domain.Transaction) (*domain.EnhancedResult, error) {
	return c.decide(ctx, tx, false)
}

func (c *Combiner) decide(ctx context.Context, tx *domain.Transaction, useAI bool) (result *domain.EnhancedResult, err error) {
	ctx, span := c.tracer.Start(ctx, "decision.Decide", trace.WithAttributes(attribute.Bool("ai.requested", useAI)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(
				attribute.Int("risk.combined", result.CombinedRiskScore),
				attribute.String("risk.action", string(result.Action)),
				attribute.Bool("ai.enhanced", result.AIEnhanced),
			)
		}
		span.End()
	}()

	start := time.Now()

	// An invalid transaction is never sent to the oracle.
	if verr := tx.Validate(); verr != nil {
		return nil, &domain.ScoringError{TransactionID: txID(tx), Err: verr}
	}

	var aiCh chan aiOutcome
	aiCtx, cancel := context.WithTimeout(ctx, c.aiTimeout)
	defer cancel()
	if useAI {
		aiCh = make(chan aiOutcome, 1)
		go func() {
			a, aerr := c.oracle.Analyze(aiCtx, tx)
			aiCh <- aiOutcome{analysis: a, err: aerr}
		}()
	}

	score, err := c.scorer.Score(ctx, tx)
	if err != nil {
		return nil, err
	}

	var analysis *domain.AIFraudAnalysis
	if useAI {
		var out aiOutcome
		select {
		case out = <-aiCh:
		case <-aiCtx.Done():
			out = aiOutcome{err: aiCtx.Err()}
		}
		analysis = c.accept(tx, out)
	}

	result = c.Combine(score, analysis)
	result.EvaluationID = uuid.New().String()
	result.TransactionID = tx.ID
	result.MerchantID = tx.MerchantID
	result.EvaluatedAt = c.now().UTC()
	result.ProcessingMs = time.Since(start).Milliseconds()

	metrics.RecordAnalysis(string(result.Action), result.AIEnhanced)
	return result, nil
}

// accept filters an oracle outcome down to a usable opinion or nil.
func (c *Combiner) accept(tx *domain.Transaction, out aiOutcome) *domain.AIFraudAnalysis {
	err := out.err
	if err == nil && out.analysis == nil {
		err = oracle.ErrMalformedResponse
	}
	if err == nil {
		return out.analysis
	}

	reason := oracle.FailureReason(err)
	metrics.RecordOracleFailure(reason)

	level := slog.LevelWarn
	if reason == "disabled" || reason == "no_credential" {
		level = slog.LevelDebug
	}
	c.logger.Log(context.Background(), level, "ai analysis unavailable, using traditional score",
		"transaction_id", tx.ID,
		"merchant_id", tx.MerchantID,
		"reason", reason,
		"error", err,
	)
	return nil
}

// Combine folds an optional AI opinion into the traditional score and picks
// the action. It is pure; identifiers and timings are left to the caller.
func (c *Combiner) Combine(score *domain.RiskScore, analysis *domain.AIFraudAnalysis) *domain.EnhancedResult {
	result := &domain.EnhancedResult{
		RiskScore:         *score,
		CombinedRiskScore: score.Score,
	}
	result.Factors = MergeLists(score.Factors, nil)
	result.Recommendations = MergeLists(score.Recommendations, nil)

	if analysis != nil {
		result.AIEnhanced = true
		result.AIAnalysis = analysis
		result.CombinedRiskScore = CombinedScore(score.Score, analysis.Confidence)
		result.Factors = MergeLists(score.Factors, analysis.RiskFactors)
		result.Recommendations = MergeLists(score.Recommendations, analysis.Recommendations)
	}

	result.Action, result.Reason = c.thresholds.Action(result.CombinedRiskScore, analysis)
	return result
}

// CombinedScore blends a traditional score with AI confidence.
func CombinedScore(traditional int, confidence float64) int {
	blended := float64(traditional)*TraditionalWeight + confidence*100*AIWeight
	return int(math.Round(math.Max(0, math.Min(100, blended))))
}

// Action picks the action for a combined score. A confident AI fraud
// opinion never yields less than flag.
func (t Thresholds) Action(combined int, analysis *domain.AIFraudAnalysis) (domain.Action, string) {
	if analysis != nil && analysis.IsFraudulent && analysis.Confidence >= t.ConfidenceThreshold {
		reason := fmt.Sprintf("AI detected fraud with %d%% confidence", int(math.Round(analysis.Confidence*100)))
		switch {
		case combined >= t.Block:
			return domain.ActionBlock, reason
		case combined >= t.Review:
			return domain.ActionReview, reason
		default:
			return domain.ActionFlag, reason
		}
	}

	switch {
	case combined >= t.Block:
		return domain.ActionBlock, fmt.Sprintf("Risk score %d reached block threshold %d", combined, t.Block)
	case combined >= t.Review:
		return domain.ActionReview, fmt.Sprintf("Risk score %d reached review threshold %d", combined, t.Review)
	case combined >= t.Flag:
		return domain.ActionFlag, fmt.Sprintf("Risk score %d reached flag threshold %d", combined, t.Flag)
	default:
		return domain.ActionAllow, ""
	}
}

// MergeLists appends AI entries as "AI: <text>" unless a traditional entry
// already contains the text case-insensitively, then removes duplicates
// keeping first occurrence.
func MergeLists(traditional, ai []string) []string {
	merged := make([]string, 0, len(traditional)+len(ai))
	merged = append(merged, traditional...)

	lowered := make([]string, len(traditional))
	for i, s := range traditional {
		lowered[i] = strings.ToLower(s)
	}

	for _, entry := range ai {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		needle := strings.ToLower(entry)
		covered := false
		for _, l := range lowered {
			if strings.Contains(l, needle) {
				covered = true
				break
			}
		}
		if !covered {
			merged = append(merged, "AI: "+entry)
		}
	}

	seen := make(map[string]struct{}, len(merged))
	out := merged[:0]
	for _, s := range merged {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func txID(tx *domain.Transaction) string {
	if tx == nil {
		return ""
	}
	return tx.ID
}
