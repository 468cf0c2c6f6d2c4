package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordAnalysis(t *testing.T) {
	before := testutil.ToFloat64(AnalysesTotal.WithLabelValues("review", "false"))

	RecordAnalysis("review", false)

	assert.Equal(t, before+1, testutil.ToFloat64(AnalysesTotal.WithLabelValues("review", "false")))
}

func TestRecordAnomalyCheck(t *testing.T) {
	before := testutil.ToFloat64(AnomalyChecksTotal.WithLabelValues("velocity", "unavailable"))

	RecordAnomalyCheck("velocity", "unavailable")

	assert.Equal(t, before+1, testutil.ToFloat64(AnomalyChecksTotal.WithLabelValues("velocity", "unavailable")))
}

func TestRecordOracleFailure(t *testing.T) {
	before := testutil.ToFloat64(OracleFailuresTotal.WithLabelValues("timeout"))

	RecordOracleFailure("timeout")

	assert.Equal(t, before+1, testutil.ToFloat64(OracleFailuresTotal.WithLabelValues("timeout")))
}

func TestSetActiveRules(t *testing.T) {
	SetActiveRules(4)
	assert.Equal(t, float64(4), testutil.ToFloat64(ActiveRules))
}

func TestRecordScoring(t *testing.T) {
	RecordScoring(3 * time.Millisecond)
	assert.GreaterOrEqual(t, testutil.CollectAndCount(ScoringDuration), 1)
}
