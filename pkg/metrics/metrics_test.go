package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_Counts(t *testing.T) {
	c := NewCollector("studyhall")

	c.ObserveStore("Get", OutcomeOK, time.Millisecond)
	c.ObserveStore("Get", OutcomeOK, time.Millisecond)
	c.ObserveStore("Update", OutcomeRejected, time.Millisecond)
	c.ObserveNotification("BADGE_EARNED", OutcomeError)
	c.ObserveScoringEvent("GAME_CORRECT")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.StoreOperations.WithLabelValues("Get", OutcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.StoreOperations.WithLabelValues("Update", OutcomeRejected)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Notifications.WithLabelValues("BADGE_EARNED", OutcomeError)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.ScoringEvents.WithLabelValues("GAME_CORRECT")))
}

func TestCollector_NilIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.ObserveStore("Get", OutcomeOK, time.Millisecond)
		c.ObserveNotification("X", OutcomeOK)
		c.ObserveScoringEvent("X")
	})
}

func TestCollector_SeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewCollector("a")
		NewCollector("a")
	})
}

func TestCollector_Handler(t *testing.T) {
	c := NewCollector("studyhall")
	c.ObserveScoringEvent("GAME_WIN")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `studyhall_scoring_events_total{type="GAME_WIN"} 1`))
}
