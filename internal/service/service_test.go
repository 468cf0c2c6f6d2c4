package service

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/oracle"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

type fixture struct {
	svc  *Service
	repo *repository.SQLRepository
	bus  *bus.ChannelBus
}

func newFixture(t *testing.T, o domain.Oracle) *fixture {
	t.Helper()

	cfg := domain.DefaultConfig()
	cfg.Repository.SQLitePath = filepath.Join(t.TempDir(), "kestrel.db")
	cfg.AI.BatchPause = 0

	repo, err := repository.New(cfg.Repository)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	b := bus.NewChannelBus(100)
	t.Cleanup(func() { _ = b.Close() })

	if o == nil {
		o = oracle.Disabled{Reason: oracle.ErrDisabled}
	}
	svc, err := New(Deps{Config: cfg, Repository: repo, Bus: b, Oracle: o})
	require.NoError(t, err)

	return &fixture{svc: svc, repo: repo, bus: b}
}

func collect(t *testing.T, b *bus.ChannelBus, topic string) <-chan *domain.Message {
	t.Helper()
	ch := make(chan *domain.Message, 10)
	_, err := b.Subscribe(context.Background(), topic, func(_ context.Context, msg *domain.Message) error {
		ch <- msg
		return nil
	})
	require.NoError(t, err)
	return ch
}

func at(hour int) *time.Time {
	ts := time.Date(2026, 6, 1, hour, 0, 0, 0, time.UTC)
	return &ts
}

type staticOracle struct{ analysis domain.AIFraudAnalysis }

func (o staticOracle) Analyze(context.Context, *domain.Transaction) (*domain.AIFraudAnalysis, error) {
	a := o.analysis
	return &a, nil
}

func (staticOracle) Status(context.Context) domain.OracleStatus {
	return domain.OracleStatus{Enabled: true, Available: true, Model: "static"}
}

func TestAnalyze_RecordsAndPublishes(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	decisions := collect(t, f.bus, domain.TopicDecision)
	alerts := collect(t, f.bus, domain.TopicAlert)

	res, err := f.svc.Analyze(ctx, &domain.TransactionRequest{
		MerchantID:    "m1",
		CustomerEmail: "new@example.com",
		Amount:        1_500_000,
		IsNewCustomer: true,
		CreatedAt:     at(12),
	})
	require.NoError(t, err)

	assert.Equal(t, 50, res.CombinedRiskScore)
	assert.Equal(t, domain.ActionReview, res.Action)
	assert.False(t, res.AIEnhanced)
	require.NotEmpty(t, res.TransactionID)

	stored, err := f.svc.GetTransaction(ctx, res.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionStatusSuccess, stored.Status)
	assert.Equal(t, "NGN", stored.Currency)

	eval, err := f.svc.GetEvaluation(ctx, res.EvaluationID)
	require.NoError(t, err)
	assert.Equal(t, res.Action, eval.Action)
	assert.Equal(t, res.Factors, eval.Factors)

	for _, ch := range []<-chan *domain.Message{decisions, alerts} {
		select {
		case msg := <-ch:
			var got domain.EnhancedResult
			require.NoError(t, json.Unmarshal(msg.Payload, &got))
			assert.Equal(t, res.EvaluationID, got.EvaluationID)
		case <-time.After(time.Second):
			t.Fatal("expected a published event")
		}
	}
}

func TestAnalyze_AllowPublishesNoAlert(t *testing.T) {
	f := newFixture(t, nil)
	alerts := collect(t, f.bus, domain.TopicAlert)

	res, err := f.svc.Analyze(context.Background(), &domain.TransactionRequest{
		MerchantID: "m1", CustomerEmail: "night@example.com", Amount: 25_000, CreatedAt: at(2),
	})
	require.NoError(t, err)
	assert.Equal(t, 15, res.Score)
	assert.Equal(t, domain.ActionAllow, res.Action)

	select {
	case <-alerts:
		t.Fatal("allow must not raise an alert")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAnalyze_HistoryBuildsUp(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first, err := f.svc.Analyze(ctx, &domain.TransactionRequest{
		MerchantID: "m1", CustomerEmail: "a@example.com", Amount: 100, CreatedAt: at(10),
	})
	require.NoError(t, err)
	assert.NotContains(t, first.Factors, scoring.FactorAmount, "a transaction is never part of its own history")

	second, err := f.svc.Analyze(ctx, &domain.TransactionRequest{
		MerchantID: "m1", CustomerEmail: "b@example.com", Amount: 1000, CreatedAt: at(11),
	})
	require.NoError(t, err)
	assert.Contains(t, second.Factors, scoring.FactorAmount)
	assert.Equal(t, 25, second.Score)
}

func TestAnalyze_WithAI(t *testing.T) {
	f := newFixture(t, staticOracle{analysis: domain.AIFraudAnalysis{
		IsFraudulent: true, Confidence: 0.9, RiskFactors: []string{"Card testing"},
	}})
	ctx := context.Background()
	req := &domain.TransactionRequest{MerchantID: "m1", CustomerEmail: "x@example.com", Amount: 100, CreatedAt: at(12)}

	res, err := f.svc.Analyze(ctx, req)
	require.NoError(t, err)
	assert.True(t, res.AIEnhanced)
	assert.Equal(t, 27, res.CombinedRiskScore)
	assert.Equal(t, domain.ActionFlag, res.Action)
	assert.Contains(t, res.Factors, "AI: Card testing")

	trad, err := f.svc.AnalyzeTraditionalOnly(ctx, req)
	require.NoError(t, err)
	assert.False(t, trad.AIEnhanced)
	assert.Equal(t, domain.ActionAllow, trad.Action)

	assert.True(t, f.svc.OracleStatus(ctx).Available)
}

func TestAnalyze_InvalidRequest(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.svc.Analyze(context.Background(), &domain.TransactionRequest{MerchantID: "m1", Amount: 10})
	var se *domain.ScoringError
	require.ErrorAs(t, err, &se)
	assert.ErrorIs(t, err, domain.ErrInvalidTransaction)

	_, err = f.svc.Analyze(context.Background(), nil)
	assert.ErrorIs(t, err, domain.ErrInvalidTransaction)
}

func TestScore_DoesNotRecord(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	rs, err := f.svc.Score(ctx, &domain.TransactionRequest{
		ID: "score-only", MerchantID: "m1", CustomerEmail: "a@example.com", Amount: 2_000_000, CreatedAt: at(12),
	})
	require.NoError(t, err)
	assert.Equal(t, 20, rs.Score)

	_, err = f.svc.GetTransaction(ctx, "score-only")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestBatchAnalyze(t *testing.T) {
	f := newFixture(t, nil)

	// items of one chunk run concurrently and record history as they go,
	// so each item gets its own merchant to keep amount baselines apart
	reqs := []*domain.TransactionRequest{
		{MerchantID: "batch-a", CustomerEmail: "a@example.com", Amount: 10, CreatedAt: at(12)},
		{MerchantID: "batch-b", Amount: 10},
		{MerchantID: "batch-c", CustomerEmail: "c@example.com", Amount: 2_000_000, CreatedAt: at(12)},
		nil,
		{MerchantID: "batch-e", CustomerEmail: "e@example.com", Amount: 10, CreatedAt: at(3)},
		{MerchantID: "batch-f", CustomerEmail: "f@example.com", Amount: 10, CreatedAt: at(12)},
	}
	out := f.svc.BatchAnalyze(context.Background(), reqs)
	require.Len(t, out, len(reqs))

	for i, r := range out {
		assert.Equal(t, i, r.Index)
	}
	assert.NotNil(t, out[0].Result)
	assert.NotEmpty(t, out[1].Error)
	assert.Nil(t, out[1].Result)
	assert.Equal(t, 20, out[2].Result.Score)
	assert.NotEmpty(t, out[3].Error)
	assert.Equal(t, 15, out[4].Result.Score)
	assert.NotNil(t, out[5].Result)
}

func TestOracleBatch(t *testing.T) {
	f := newFixture(t, staticOracle{analysis: domain.AIFraudAnalysis{IsFraudulent: true, Confidence: 0.8}})
	ctx := context.Background()

	out := f.svc.OracleBatch(ctx, []*domain.TransactionRequest{
		{ID: "ob-1", MerchantID: "m1", CustomerEmail: "a@example.com", Amount: 10, CreatedAt: at(12)},
		nil,
		{MerchantID: "m1", CustomerEmail: "c@example.com", Amount: -5},
		{ID: "ob-4", MerchantID: "m1", CustomerEmail: "d@example.com", Amount: 20, CreatedAt: at(12)},
	})
	require.Len(t, out, 4)

	for i, r := range out {
		assert.Equal(t, i, r.Index)
	}
	require.NotNil(t, out[0].Analysis)
	assert.Equal(t, "ob-1", out[0].TransactionID)
	assert.InDelta(t, 0.8, out[0].Analysis.Confidence, 1e-9)
	assert.NotEmpty(t, out[1].Error)
	assert.NotEmpty(t, out[2].Error)
	assert.Nil(t, out[2].Analysis)
	require.NotNil(t, out[3].Analysis)
	assert.Equal(t, "ob-4", out[3].TransactionID)

	_, err := f.svc.GetTransaction(ctx, "ob-1")
	assert.ErrorIs(t, err, repository.ErrNotFound, "oracle-only batches record nothing")
}

func TestRuleManagement(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	req := &domain.TransactionRequest{MerchantID: "m1", CustomerEmail: "usd@example.com", Amount: 50, Currency: "USD", CreatedAt: at(12)}

	rule, err := f.svc.AddRule(domain.FraudRule{
		Name:      "Foreign currency",
		Weight:    35,
		Enabled:   true,
		Condition: domain.Condition{Kind: domain.ConditionExpression, Expression: `currency != "NGN"`},
	})
	require.NoError(t, err)
	require.NotEmpty(t, rule.ID)

	rs, err := f.svc.Score(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 35, rs.Score)

	assert.True(t, f.svc.ToggleRule(rule.ID, false))
	rs, err = f.svc.Score(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 0, rs.Score)

	weight := 10
	ok, err := f.svc.UpdateRule(rule.ID, domain.RulePatch{Weight: &weight})
	require.NoError(t, err)
	assert.True(t, ok)
	got, found := f.svc.GetRule(rule.ID)
	require.True(t, found)
	assert.Equal(t, 10, got.Weight)

	assert.Len(t, f.svc.ListRules(), 7)
	assert.True(t, f.svc.RemoveRule(rule.ID))
	assert.False(t, f.svc.RemoveRule(rule.ID))
	assert.Len(t, f.svc.ListRules(), 6)

	_, err = f.svc.AddRule(domain.FraudRule{Name: "bad", Weight: 5, Condition: domain.Condition{Kind: domain.ConditionExpression, Expression: "amount >"}})
	assert.Error(t, err)
}

func TestGetStatistics(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	for _, req := range []*domain.TransactionRequest{
		{MerchantID: "m1", CustomerEmail: "a@example.com", Amount: 1_500_000, IsNewCustomer: true, CreatedAt: at(10)},
		{MerchantID: "m1", CustomerEmail: "b@example.com", Amount: 25_000, CreatedAt: at(11)},
		{MerchantID: "m2", CustomerEmail: "c@example.com", Amount: 10, CreatedAt: at(12)},
	} {
		_, err := f.svc.Analyze(ctx, req)
		require.NoError(t, err)
	}

	got, err := f.svc.GetStatistics(ctx, "m1", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 2, got.TotalTransactions)
	assert.Equal(t, 1, got.FlaggedTransactions)
	assert.Equal(t, 50.0, got.FraudRate)
}

func TestSubmit(t *testing.T) {
	f := newFixture(t, nil)
	ingested := collect(t, f.bus, domain.TopicTransactionIngested)

	id, err := f.svc.Submit(context.Background(), &domain.TransactionRequest{MerchantID: "m1", CustomerEmail: "a@example.com", Amount: 5})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	select {
	case msg := <-ingested:
		var req domain.TransactionRequest
		require.NoError(t, json.Unmarshal(msg.Payload, &req))
		assert.Equal(t, id, req.ID)
		assert.NotNil(t, req.CreatedAt)
	case <-time.After(time.Second):
		t.Fatal("expected ingested event")
	}

	_, err = f.svc.Submit(context.Background(), &domain.TransactionRequest{MerchantID: "m1", Amount: 5})
	assert.ErrorIs(t, err, domain.ErrInvalidTransaction)

	noBus, err := New(Deps{Config: domain.DefaultConfig(), Repository: f.repo})
	require.NoError(t, err)
	_, err = noBus.Submit(context.Background(), &domain.TransactionRequest{MerchantID: "m1", CustomerEmail: "a@example.com"})
	assert.ErrorIs(t, err, ErrNoBus)
}

func TestReady(t *testing.T) {
	f := newFixture(t, nil)
	for name, err := range f.svc.Ready(context.Background()) {
		assert.NoError(t, err, name)
	}
}
