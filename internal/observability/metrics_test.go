package observability

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStageWindowSnapshot(t *testing.T) {
	w := NewStageWindow(8)
	w.Observe(StageGatewayReply, 500*time.Millisecond)
	w.Observe(StageGatewayReply, 700*time.Millisecond)
	w.Observe(StageGatewayReply, 900*time.Millisecond)
	w.Observe(StageGatewayReply, -time.Millisecond)
	w.ObserveIndicator("final message")
	w.ObserveIndicator("final message")
	w.ObserveIndicator(" ")

	snap := w.Snapshot()
	assert.Equal(t, 8, snap.WindowSize)
	require.Len(t, snap.Stages, 1)

	s := snap.Stages[0]
	assert.Equal(t, 3, s.Samples)
	assert.Equal(t, 900.0, s.LastMS)
	assert.Equal(t, 900.0, s.MaxMS)
	assert.Equal(t, 700.0, s.P50MS)
	assert.Greater(t, s.P95MS, 700.0)
	assert.LessOrEqual(t, s.P95MS, 900.0)
	assert.Equal(t, []Indicator{{Name: "final message", Count: 2}}, snap.Indicators)
}

func TestStageWindowWrapsAround(t *testing.T) {
	w := NewStageWindow(2)
	for _, v := range []time.Duration{10, 20, 30} {
		w.Observe(StageDialog, v*time.Millisecond)
	}
	s := w.Snapshot().Stages[0]
	assert.Equal(t, 2, s.Samples)
	assert.Equal(t, 25.0, s.AvgMS)
	assert.Equal(t, 30.0, s.LastMS)
}

func TestMetricsHandlerExposesInstruments(t *testing.T) {
	m := NewMetrics("autochat_test")
	m.Frames.WithLabelValues("in", "event").Inc()
	m.ObserveDialog("final message", 30*time.Second)
	m.ObserveGatewayLatency(1200 * time.Millisecond)
	m.SetRunStatus("running", "starting", "running", "stopped")

	// A second instance must not collide on registration.
	_ = NewMetrics("autochat_test")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	for _, want := range []string{
		`autochat_test_frames_total{direction="in",type="event"} 1`,
		`autochat_test_dialogs_total{reason="final message"} 1`,
		`autochat_test_run_status{status="running"} 1`,
		`autochat_test_run_status{status="stopped"} 0`,
		"autochat_test_gateway_latency_ms_count 1",
	} {
		assert.Contains(t, string(body), want)
	}
	assert.Len(t, m.Stages.Snapshot().Stages, 2)
}
