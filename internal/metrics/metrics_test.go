package metrics

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestStatusBucket(t *testing.T) {
	cases := map[int]string{
		101: "1xx",
		200: "2xx",
		204: "2xx",
		302: "3xx",
		402: "4xx",
		409: "4xx",
		502: "5xx",
		504: "5xx",
	}
	for code, want := range cases {
		assert.Equal(t, want, statusBucket(code), "status %d", code)
	}
}

func TestHandler_ExposesSettlementSeries(t *testing.T) {
	r := gin.New()
	r.GET("/metrics", Handler())

	WithdrawalsTotal.WithLabelValues("completed").Inc()
	SweepRunsTotal.WithLabelValues("ledger_audit", "ok").Inc()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	for _, name := range []string{
		"settle_active_websocket_clients",
		"settle_ledger_audit_mismatches",
		"settle_withdrawals_total",
		"settle_sweep_runs_total",
	} {
		assert.Contains(t, body, name)
	}
}

func TestMiddleware_LabelsByRoutePattern(t *testing.T) {
	r := gin.New()
	r.Use(Middleware())
	r.GET("/v1/orders/:id", func(c *gin.Context) {
		c.JSON(http.StatusConflict, gin.H{"error": "conflict"})
	})

	counter := HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/v1/orders/:id", "4xx")
	before := testutil.ToFloat64(counter)

	for _, id := range []string{"ord_a", "ord_b"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/orders/"+id, nil))
		require.Equal(t, http.StatusConflict, w.Code)
	}

	assert.Equal(t, before+2, testutil.ToFloat64(counter))
}

func TestStartDBStatsCollector(t *testing.T) {
	// sql.Open never dials, so Stats works without a server.
	db, err := sql.Open("postgres", "postgres://localhost:1/none?sslmode=disable")
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	GoroutineCount.Set(0)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		StartDBStatsCollector(ctx, db, 5*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(GoroutineCount) > 0
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, testutil.ToFloat64(DBInUseConnections))

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("collector did not stop on cancel")
	}
}
