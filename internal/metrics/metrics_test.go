package metrics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/nexus/internal/event"
	"github.com/dshills/nexus/internal/logging"
	"github.com/dshills/nexus/internal/loop"
	"github.com/dshills/nexus/internal/worker"
)

func TestMain(m *testing.M) {
	logging.SetDefault(logging.NewNop())
	os.Exit(m.Run())
}

// value returns the counter or gauge value of the series of name whose
// labels include want.
func value(t *testing.T, reg *prometheus.Registry, name string, want map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			matched := 0
			for _, lp := range m.GetLabel() {
				if v, ok := want[lp.GetName()]; ok && v == lp.GetValue() {
					matched++
				}
			}
			if matched != len(want) {
				continue
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				return float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return 0
}

func TestObserver_SourceMetrics(t *testing.T) {
	obs, err := New()
	require.NoError(t, err)
	reg := obs.Registry()

	l := loop.New()
	require.NoError(t, l.Start())
	defer func() { _ = l.StopTimeout(time.Second) }()

	owner, err := event.NewObject(context.Background(), event.WithLoop(l), event.WithObserver(obs))
	require.NoError(t, err)
	src := event.SourceOf[int](owner, "ticks")

	require.NoError(t, src.Connect(func(context.Context, int) error { return nil }))
	require.NoError(t, src.Connect(func(context.Context, int) error { return errors.New("boom") }))
	require.NoError(t, src.Connect(func(context.Context, int) error { panic("bad") }))
	// A deferred free function emitted outside a loop is dropped.
	require.NoError(t, src.Connect(func(context.Context, int) error { return nil }, event.WithMode(event.ModeDeferred)))

	src.Emit(context.Background(), 1)
	src.Emit(context.Background(), 2)

	assert.Equal(t, 2.0, value(t, reg, "nexus_source_emits_total", map[string]string{"source": "ticks"}))
	assert.Equal(t, 6.0, value(t, reg, "nexus_source_deliveries_total", map[string]string{"source": "ticks", "mode": "immediate"}))
	assert.Equal(t, 2.0, value(t, reg, "nexus_source_handler_failures_total", map[string]string{"kind": "error"}))
	assert.Equal(t, 2.0, value(t, reg, "nexus_source_handler_failures_total", map[string]string{"kind": "panic"}))
	assert.Equal(t, 2.0, value(t, reg, "nexus_source_drops_total", map[string]string{"reason": string(event.DropNoLoop)}))
	assert.Equal(t, 6.0, value(t, reg, "nexus_source_handler_duration_seconds", map[string]string{"mode": "immediate"}))

	obs.Pruned("ticks", 3)
	assert.Equal(t, 3.0, value(t, reg, "nexus_source_pruned_connections_total", map[string]string{"source": "ticks"}))
}

func TestObserver_WorkerMetrics(t *testing.T) {
	obs, err := New()
	require.NoError(t, err)
	reg := obs.Registry()

	w := worker.New(worker.WithName("io"), worker.WithObserver(obs))
	require.NoError(t, w.Start())
	assert.Equal(t, float64(worker.StateStarted), value(t, reg, "nexus_worker_state", map[string]string{"worker": "io"}))

	ok, err := w.QueueTask(func(context.Context) error { return nil })
	require.NoError(t, err)
	failed, err := w.QueueTask(func(context.Context) error { return errors.New("boom") })
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, ok.Wait(ctx))
	require.Error(t, failed.Wait(ctx))
	require.NoError(t, w.Stop())

	assert.Equal(t, 1.0, value(t, reg, "nexus_worker_tasks_total", map[string]string{"worker": "io", "outcome": "ok"}))
	assert.Equal(t, 1.0, value(t, reg, "nexus_worker_tasks_total", map[string]string{"worker": "io", "outcome": "error"}))
	assert.Equal(t, 1.0, value(t, reg, "nexus_worker_state_transitions_total", map[string]string{"worker": "io", "to": "stopped"}))
	assert.Equal(t, float64(worker.StateStopped), value(t, reg, "nexus_worker_state", map[string]string{"worker": "io"}))
}

func TestObserver_SharedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(WithRegistry(reg))
	require.NoError(t, err)

	// Registering the same metrics twice fails.
	_, err = New(WithRegistry(reg))
	assert.Error(t, err)
}

func TestObserver_Handler(t *testing.T) {
	obs, err := New(WithProcessMetrics())
	require.NoError(t, err)
	obs.Emitted("ticks", 1)

	srv := httptest.NewServer(obs.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), fmt.Sprintf("nexus_source_emits_total{source=%q} 1", "ticks"))
	assert.Contains(t, string(body), "go_goroutines")
}
