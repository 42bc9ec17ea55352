package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersDistinctInstances(t *testing.T) {
	regA := prometheus.NewRegistry()
	regB := prometheus.NewRegistry()

	mA := New(regA)
	mB := New(regB)

	mA.JobsProcessed.WithLabelValues("buffer_update", "ok").Inc()

	gathered, err := regA.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, gathered)

	gatheredB, err := regB.Gather()
	require.NoError(t, err)
	for _, mf := range gatheredB {
		require.Equal(t, 0, countSamples(mf))
	}
	_ = mB
}

func countSamples(mf *dto.MetricFamily) int {
	n := 0
	for _, m := range mf.Metric {
		if m.Counter != nil && m.Counter.GetValue() > 0 {
			n++
		}
	}
	return n
}

func TestHandlerServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.AnswersSent.Inc()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	Handler(reg).ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	require.Contains(t, rec.Body.String(), "caseforge_answers_sent_total")
}
