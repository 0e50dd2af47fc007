package observability

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("", reg)

	m.RecordDiscovered(3)
	m.RecordTrades(5, 2)
	m.RecordTrades(0, 1)
	m.RecordQuarantined("no_pair")
	m.RecordFlagged("low_holders", 4)
	m.RecordTask("trades", 10*time.Millisecond, errors.New("boom"))
	m.SetPaused(true)
	m.SetBackoff(-time.Second)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.TokensDiscovered))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.TradesIngested))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.TradesDuplicate))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.PagesFetched))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TokensQuarantined.WithLabelValues("no_pair")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.TokensFlagged.WithLabelValues("low_holders")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TaskRuns.WithLabelValues("trades", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Paused))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.BackoffSeconds))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordDiscovered(1)
		m.RecordTrades(1, 1)
		m.RecordArchived()
		m.RecordTask("x", time.Second, nil)
		m.SetPaused(false)
		m.MarkTick(time.Now())
	})
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("tw", reg)
	m.RecordArchived()

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "tw_lifecycle_tokens_archived_total 1")
}
