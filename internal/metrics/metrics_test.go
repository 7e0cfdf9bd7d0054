package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/CallPipe/internal/models"
)

func TestObserveTurn(t *testing.T) {
	r := NewRecorder("test")

	r.ObserveTurn("acme", models.TurnResponse{
		Action: models.ActionContinue,
		Trace:  models.TurnTrace{ScenarioID: "repair", BookingOutcome: models.OutcomeAdvance},
	}, 3*time.Millisecond, nil)
	r.ObserveTurn("acme", models.TurnResponse{
		Action: models.ActionEscalate,
		Trace:  models.TurnTrace{TriageAction: "escalate"},
	}, time.Millisecond, nil)
	r.ObserveTurn("acme", models.TurnResponse{Action: models.ActionContinue, Trace: models.TurnTrace{Replayed: true}}, 0, nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.TurnsTotal.WithLabelValues("acme", "continue")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.TurnsTotal.WithLabelValues("acme", "escalate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.ScenarioMatches.WithLabelValues("acme", "repair")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.TriageHits.WithLabelValues("acme", "escalate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.BookingOutcomes.WithLabelValues("acme", "advance")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.ReplayedTurns.WithLabelValues("acme")))
}

func TestObserveTurnFailures(t *testing.T) {
	r := NewRecorder("test")
	perr := &models.TurnError{Kind: models.ErrStatePersistence, SessionID: "CA1", Op: "save", Err: errors.New("boom")}
	r.ObserveTurn("acme", models.TurnResponse{Action: models.ActionContinue}, time.Millisecond, perr)
	r.ObserveTurn("", models.TurnResponse{}, 0, models.ErrEmptyTenant)
	r.ObserveTurn("acme", models.TurnResponse{
		Action: models.ActionContinue,
		Trace:  models.TurnTrace{FailureKind: "extraction-failure"},
	}, 0, nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.TurnFailures.WithLabelValues("acme", "state-persistence-failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.TurnFailures.WithLabelValues("", "invalid-request")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.TurnFailures.WithLabelValues("acme", "extraction-failure")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.TurnsTotal.WithLabelValues("acme", "continue")))
}

func TestPoolFallbackAndCalls(t *testing.T) {
	r := NewRecorder("test")
	r.ObservePoolBuild("acme", time.Millisecond, 4, nil)
	r.ObservePoolBuild("acme", time.Millisecond, 0, errors.New("bad yaml"))
	r.RecordFallback("static")
	r.RecordCallEnded("")

	assert.Equal(t, 1.0, testutil.ToFloat64(r.PoolBuilds.WithLabelValues("acme", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.PoolBuilds.WithLabelValues("acme", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.FallbackReplies.WithLabelValues("static")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.CallsEnded.WithLabelValues("unknown")))
}

func TestMiddlewareAndHandler(t *testing.T) {
	r := NewRecorder("test")
	h := r.Middleware("/turn", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/turn", nil))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.HTTPRequests.WithLabelValues("/turn", "418")))

	rr := httptest.NewRecorder()
	r.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, strings.Contains(rr.Body.String(), "test_http_requests_total"))
}
