package metrics

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rust4c/c2rust-agent-sub001/internal/batch"
	"github.com/rust4c/c2rust-agent-sub001/internal/logging"
	"github.com/rust4c/c2rust-agent-sub001/internal/model"
)

type fixedStatus batch.Snapshot

func (f fixedStatus) Snapshot() batch.Snapshot { return batch.Snapshot(f) }

func scrape(t *testing.T, h http.Handler) string {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestCollector_CountsAttemptsAndUnits(t *testing.T) {
	c := NewCollector()
	events := []model.Event{
		{UnitID: "a", Kind: model.EventStarted, Attempt: 1},
		{UnitID: "a", Kind: model.EventStage, Stage: "repair 1/2"},
		{UnitID: "a", Kind: model.EventRetrying, Attempt: 1, Elapsed: time.Second},
		{UnitID: "a", Kind: model.EventStarted, Attempt: 2},
		{UnitID: "a", Kind: model.EventSucceeded, Attempt: 2, Elapsed: time.Second},
		{UnitID: "b", Kind: model.EventStarted, Attempt: 1},
		{UnitID: "b", Kind: model.EventRetrying, Attempt: 1},
		// canceled during backoff: attempt 1 is reported again
		{UnitID: "b", Kind: model.EventFailed, Attempt: 1},
		{UnitID: "c", Kind: model.EventStarted, Attempt: 1},
	}
	for _, ev := range events {
		c.Handle(ev)
	}

	body := scrape(t, NewRouter(RouterOptions{Gatherer: c.Registry()}))
	assert.Contains(t, body, `c2rust_agent_attempts_total{outcome="retryable_failure"} 2`)
	assert.Contains(t, body, `c2rust_agent_attempts_total{outcome="success"} 1`)
	assert.NotContains(t, body, `outcome="terminal_failure"`)
	assert.Contains(t, body, `c2rust_agent_units_total{status="succeeded"} 1`)
	assert.Contains(t, body, `c2rust_agent_units_total{status="failed"} 1`)
	assert.Contains(t, body, `c2rust_agent_units_in_flight 1`)
	assert.Contains(t, body, `c2rust_agent_stages_total{stage="repair"} 1`)
	assert.Contains(t, body, `c2rust_agent_attempt_duration_seconds_count 3`)
}

func TestStageLabel(t *testing.T) {
	assert.Equal(t, "repair", stageLabel("repair 2/3"))
	assert.Equal(t, "verify", stageLabel("Verify"))
	assert.Equal(t, "unknown", stageLabel("  "))
}

func TestRouter_HealthAndStatus(t *testing.T) {
	r := NewRouter(RouterOptions{
		Status: fixedStatus{Total: 4, Pending: 1, InFlight: 2, Succeeded: 1},
		RunID:  "run-1",
		Root:   "/work",
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok\n", rec.Body.String())

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, 2, got.Snapshot.InFlight)
	assert.Equal(t, 4, got.Snapshot.Total)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServe_ServesUntilShutdown(t *testing.T) {
	c := NewCollector()
	srv, err := Serve("127.0.0.1:0", NewRouter(RouterOptions{Gatherer: c.Registry()}), logging.Discard())
	require.NoError(t, err)

	resp, err := http.Get("http://" + srv.Addr() + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "c2rust_agent_units_in_flight"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	_, err = http.Get("http://" + srv.Addr() + "/healthz")
	assert.Error(t, err)
}
