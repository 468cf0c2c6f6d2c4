// Package service is the application facade: it wires scoring, decision,
// statistics, rule management, persistence and event publishing behind the
// operations exposed by the API, the worker and the CLI.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/anomaly"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/oracle"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/stats"
)

// ErrNoBus is returned by Submit when no event bus is configured.
var ErrNoBus = errors.New("event bus not configured")

// Deps are the collaborators of a Service. Config and Repository are
// required; the rest fall back to in-process defaults.
type Deps struct {
	Config     *domain.Config
	Repository domain.Repository
	Counters   domain.CounterStore
	Cache      domain.Cache
	Bus        domain.EventBus
	Oracle     domain.Oracle
	Rules      *rules.Registry
	Logger     *slog.Logger
}

// Service implements every Kestrel operation.
type Service struct {
	cfg      *domain.Config
	repo     domain.Repository
	cache    domain.Cache
	bus      domain.EventBus
	oracle   domain.Oracle
	rules    *rules.Registry
	scorer   *scoring.Scorer
	combiner *decision.Combiner
	stats    *stats.Aggregator
	batch    oracle.BatchOptions
	logger   *slog.Logger
	now      func() time.Time
}

// New wires a service.
func New(d Deps) (*Service, error) {
	if d.Config == nil {
		return nil, errors.New("config is required")
	}
	if d.Repository == nil {
		return nil, errors.New("repository is required")
	}

	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	registry := d.Rules
	if registry == nil {
		var err error
		if registry, err = rules.NewDefaultRegistry(logger); err != nil {
			return nil, fmt.Errorf("failed to build rule registry: %w", err)
		}
	}

	counters := d.Counters
	if counters == nil {
		if d.Cache != nil {
			counters = d.Cache
		} else {
			counters = cache.NewLRUCache(d.Config.Cache.LocalMaxSize)
		}
	}

	o := d.Oracle
	if o == nil {
		o = oracle.New(d.Config.AI, d.Cache, logger)
	}

	fraud := d.Config.Fraud
	scorer := scoring.New(registry, scoring.Detectors{
		Velocity:   anomaly.NewVelocity(counters, fraud.VelocityWindow, fraud.VelocityMaxAttempts, logger),
		Amount:     anomaly.NewAmount(d.Repository, fraud.AmountWindow, fraud.AmountMultiplier, logger),
		Geographic: anomaly.NewGeographic(d.Repository, fraud.GeoWindow, fraud.GeoMaxLocations, logger),
	}, logger)

	return &Service{
		cfg:      d.Config,
		repo:     d.Repository,
		cache:    d.Cache,
		bus:      d.Bus,
		oracle:   o,
		rules:    registry,
		scorer:   scorer,
		combiner: decision.New(scorer, o, decision.ThresholdsFrom(fraud, d.Config.AI), d.Config.AI.Timeout, logger),
		stats:    stats.New(d.Repository, registry, fraud, logger),
		batch:    oracle.BatchOptions{Size: d.Config.AI.BatchSize, Pause: d.Config.AI.BatchPause},
		logger:   logger,
		now:      time.Now,
	}, nil
}

func (s *Service) toTransaction(req *domain.TransactionRequest) (*domain.Transaction, error) {
	if req == nil {
		return nil, &domain.ScoringError{Err: fmt.Errorf("%w: request body is required", domain.ErrInvalidTransaction)}
	}
	tx := req.ToTransaction(s.now())
	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}
	return tx, nil
}

// Analyze scores a transaction with AI enhancement, records it and
// publishes the decision.
func (s *Service) Analyze(ctx context.Context, req *domain.TransactionRequest) (*domain.EnhancedResult, error) {
	tx, err := s.toTransaction(req)
	if err != nil {
		return nil, err
	}
	result, err := s.combiner.Decide(ctx, tx)
	if err != nil {
		return nil, err
	}
	s.record(ctx, tx, result)
	return result, nil
}

// AnalyzeTraditionalOnly is Analyze without the AI oracle.
func (s *Service) AnalyzeTraditionalOnly(ctx context.Context, req *domain.TransactionRequest) (*domain.EnhancedResult, error) {
	tx, err := s.toTransaction(req)
	if err != nil {
		return nil, err
	}
	result, err := s.combiner.DecideTraditional(ctx, tx)
	if err != nil {
		return nil, err
	}
	s.record(ctx, tx, result)
	return result, nil
}

// Score returns the traditional risk score without recording anything.
// The velocity counter is still observed.
func (s *Service) Score(ctx context.Context, req *domain.TransactionRequest) (*domain.RiskScore, error) {
	tx, err := s.toTransaction(req)
	if err != nil {
		return nil, err
	}
	return s.scorer.Score(ctx, tx)
}

// BatchResult is one entry of a batch analysis. Failed items carry Error
// instead of Result.
type BatchResult struct {
	Index  int                    `json:"index"`
	Result *domain.EnhancedResult `json:"result,omitempty"`
	Error  string                 `json:"error,omitempty"`
}

// BatchAnalyze runs Analyze over reqs in chunks of the configured batch
// size, pausing between chunks. Output order matches input order.
func (s *Service) BatchAnalyze(ctx context.Context, reqs []*domain.TransactionRequest) []BatchResult {
	out := make([]BatchResult, len(reqs))
	for i := range out {
		out[i].Index = i
	}

	done := make([]bool, len(reqs))
	err := oracle.RunBatched(ctx, len(reqs), s.batch, func(ctx context.Context, i int) {
		done[i] = true
		res, err := s.Analyze(ctx, reqs[i])
		if err != nil {
			out[i].Error = err.Error()
			return
		}
		out[i].Result = res
	})
	if err != nil {
		for i := range out {
			if !done[i] {
				out[i].Error = err.Error()
			}
		}
	}
	return out
}

// Submit queues a transaction for asynchronous analysis by the worker and
// returns the transaction id.
func (s *Service) Submit(ctx context.Context, req *domain.TransactionRequest) (string, error) {
	if s.bus == nil {
		return "", ErrNoBus
	}
	tx, err := s.toTransaction(req)
	if err != nil {
		return "", err
	}
	if err := tx.Validate(); err != nil {
		return "", &domain.ScoringError{TransactionID: tx.ID, Err: err}
	}

	queued := *req
	queued.ID = tx.ID
	queued.CreatedAt = &tx.CreatedAt

	payload, err := json.Marshal(&queued)
	if err != nil {
		return "", fmt.Errorf("failed to marshal transaction: %w", err)
	}
	if err := s.bus.Publish(ctx, domain.TopicTransactionIngested, payload); err != nil {
		return "", fmt.Errorf("failed to publish transaction: %w", err)
	}
	return tx.ID, nil
}

// OracleBatchResult is the oracle opinion for one request of a batch.
type OracleBatchResult struct {
	Index         int                     `json:"index"`
	TransactionID string                  `json:"transactionId,omitempty"`
	Analysis      *domain.AIFraudAnalysis `json:"analysis,omitempty"`
	Error         string                  `json:"error,omitempty"`
}

// OracleBatch asks the AI oracle alone about every request, in chunks of
// the configured batch size. Nothing is scored or recorded; invalid
// requests are reported without calling the oracle.
func (s *Service) OracleBatch(ctx context.Context, reqs []*domain.TransactionRequest) []OracleBatchResult {
	out := make([]OracleBatchResult, len(reqs))
	txs := make([]*domain.Transaction, 0, len(reqs))
	slots := make([]int, 0, len(reqs))

	for i, req := range reqs {
		out[i].Index = i
		tx, err := s.toTransaction(req)
		if err == nil {
			err = tx.Validate()
		}
		if err != nil {
			out[i].Error = err.Error()
			continue
		}
		out[i].TransactionID = tx.ID
		txs = append(txs, tx)
		slots = append(slots, i)
	}

	for j, item := range oracle.BatchAnalyze(ctx, s.oracle, txs, s.batch) {
		i := slots[j]
		if item.Err != nil {
			out[i].Error = item.Err.Error()
			continue
		}
		out[i].Analysis = item.Analysis
	}
	return out
}

// record persists the transaction and its evaluation and publishes the
// decision. Failures are logged and never change the result.
func (s *Service) record(ctx context.Context, tx *domain.Transaction, result *domain.EnhancedResult) {
	if err := s.repo.SaveTransaction(ctx, tx); err != nil {
		s.logger.Error("failed to record transaction",
			"transaction_id", tx.ID,
			"merchant_id", tx.MerchantID,
			"error", err,
		)
	}
	if err := s.repo.SaveEvaluation(ctx, result); err != nil {
		s.logger.Error("failed to save evaluation",
			"evaluation_id", result.EvaluationID,
			"transaction_id", tx.ID,
			"error", err,
		)
	}

	s.logger.Info("transaction analyzed",
		"transaction_id", tx.ID,
		"merchant_id", tx.MerchantID,
		"risk_score", result.Score,
		"combined_score", result.CombinedRiskScore,
		"action", result.Action,
		"ai_enhanced", result.AIEnhanced,
		"duration_ms", result.ProcessingMs,
	)

	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(result)
	if err != nil {
		s.logger.Error("failed to marshal decision", "transaction_id", tx.ID, "error", err)
		return
	}
	if err := s.bus.Publish(ctx, domain.TopicDecision, payload); err != nil {
		s.logger.Error("failed to publish decision", "transaction_id", tx.ID, "error", err)
	}
	if result.Action == domain.ActionReview || result.Action == domain.ActionBlock {
		if err := s.bus.Publish(ctx, domain.TopicAlert, payload); err != nil {
			s.logger.Error("failed to publish alert", "transaction_id", tx.ID, "error", err)
		}
	}
}

// GetStatistics replays traditional scoring over a merchant's history.
func (s *Service) GetStatistics(ctx context.Context, merchantID string, start, end time.Time) (*domain.FraudStatistics, error) {
	return s.stats.Aggregate(ctx, merchantID, start, end)
}

// AddRule registers a custom rule.
func (s *Service) AddRule(rule domain.FraudRule) (domain.FraudRule, error) {
	added, err := s.rules.Add(rule)
	if err != nil {
		return domain.FraudRule{}, err
	}
	s.logger.Info("rule added", "rule_id", added.ID, "name", added.Name, "weight", added.Weight)
	return added, nil
}

// UpdateRule patches a rule; false means the id is unknown.
func (s *Service) UpdateRule(id string, patch domain.RulePatch) (bool, error) {
	ok, err := s.rules.Update(id, patch)
	if ok {
		s.logger.Info("rule updated", "rule_id", id)
	}
	return ok, err
}

// RemoveRule deletes a rule.
func (s *Service) RemoveRule(id string) bool {
	ok := s.rules.Remove(id)
	if ok {
		s.logger.Info("rule removed", "rule_id", id)
	}
	return ok
}

// ToggleRule enables or disables a rule.
func (s *Service) ToggleRule(id string, enabled bool) bool {
	ok := s.rules.Toggle(id, enabled)
	if ok {
		s.logger.Info("rule toggled", "rule_id", id, "enabled", enabled)
	}
	return ok
}

// ListRules returns every rule.
func (s *Service) ListRules() []domain.FraudRule {
	return s.rules.List()
}

// GetRule returns one rule.
func (s *Service) GetRule(id string) (domain.FraudRule, bool) {
	return s.rules.Get(id)
}

// OracleStatus probes the AI oracle.
func (s *Service) OracleStatus(ctx context.Context) domain.OracleStatus {
	return s.oracle.Status(ctx)
}

// GetTransaction loads a recorded transaction.
func (s *Service) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	return s.repo.GetTransaction(ctx, id)
}

// GetEvaluation loads a saved analysis result.
func (s *Service) GetEvaluation(ctx context.Context, id string) (*domain.EnhancedResult, error) {
	return s.repo.GetEvaluation(ctx, id)
}

// Thresholds returns the configured action thresholds.
func (s *Service) Thresholds() domain.FraudConfig {
	return s.cfg.Fraud
}

// Ready checks every backing store.
func (s *Service) Ready(ctx context.Context) map[string]error {
	checks := map[string]error{"repository": s.repo.Ping(ctx)}
	if s.cache != nil {
		checks["cache"] = s.cache.Ping(ctx)
	}
	if s.bus != nil {
		checks["bus"] = s.bus.Ping(ctx)
	}
	return checks
}
