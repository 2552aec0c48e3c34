package metrics

import (
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// findFamily returns the gathered family with the given name
func findFamily(t *testing.T, c *PrometheusCollector, name string) *dto.MetricFamily {
	t.Helper()
	families, err := c.GetRegistry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

// labelValue returns the value of label name on m
func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

func TestPrometheusCollector_RecordCommand(t *testing.T) {
	collector, err := NewPrometheusCollector()
	require.NoError(t, err)

	collector.RecordCommand("get", "ok", 2*time.Millisecond)
	collector.RecordCommand("get", "ok", 3*time.Millisecond)
	collector.RecordCommand("set", "error", time.Millisecond)

	mf := findFamily(t, collector, "mixcache_store_commands_total")
	require.NotNil(t, mf, "store_commands_total metric not found")

	counts := map[string]float64{}
	for _, m := range mf.GetMetric() {
		counts[labelValue(m, "command")+"/"+labelValue(m, "status")] = m.GetCounter().GetValue()
	}
	assert.Equal(t, 2.0, counts["get/ok"])
	assert.Equal(t, 1.0, counts["set/error"])

	hist := findFamily(t, collector, "mixcache_store_command_duration_seconds")
	require.NotNil(t, hist, "command duration histogram not found")
}

func TestPrometheusCollector_WithoutHistogram(t *testing.T) {
	collector, err := NewPrometheusCollector(WithoutHistogram(), WithNamespace("test"))
	require.NoError(t, err)

	collector.RecordCommand("ping", "ok", time.Millisecond)
	assert.Nil(t, findFamily(t, collector, "test_store_command_duration_seconds"))
	assert.NotNil(t, findFamily(t, collector, "test_store_commands_total"))
}

func TestPrometheusCollector_CacheAndHealth(t *testing.T) {
	collector, err := NewPrometheusCollector(WithConstLabels(map[string]string{"instance": "a"}))
	require.NoError(t, err)

	collector.RecordCacheLookup("l1", "hit")
	collector.RecordCacheLookup("l2", "miss")
	collector.RecordCacheError("get")
	collector.RecordEvent("session", "user_blocked")
	collector.SetHealth("cache", 1)
	collector.SetGauge("hit_rate", 0.75)

	lookups := findFamily(t, collector, "mixcache_cache_lookups_total")
	require.NotNil(t, lookups)
	assert.Len(t, lookups.GetMetric(), 2)
	assert.Equal(t, "a", labelValue(lookups.GetMetric()[0], "instance"))

	health := findFamily(t, collector, "mixcache_component_health")
	require.NotNil(t, health)
	assert.Equal(t, 1.0, health.GetMetric()[0].GetGauge().GetValue())

	stat := findFamily(t, collector, "mixcache_stat")
	require.NotNil(t, stat)
	assert.Equal(t, 0.75, stat.GetMetric()[0].GetGauge().GetValue())
}

func TestPrometheusCollector_RecordRequest(t *testing.T) {
	collector, err := NewPrometheusCollector()
	require.NoError(t, err)

	collector.RecordRequest("/grpc.health.v1.Health/Check", "OK", 2*time.Millisecond)
	collector.RecordRequest("/grpc.health.v1.Health/Check", "ResourceExhausted", time.Millisecond)

	total := findFamily(t, collector, "mixcache_grpc_server_requests_total")
	require.NotNil(t, total)
	assert.Len(t, total.GetMetric(), 2)

	duration := findFamily(t, collector, "mixcache_grpc_server_request_duration_seconds")
	require.NotNil(t, duration)
	assert.Equal(t, uint64(2), duration.GetMetric()[0].GetHistogram().GetSampleCount())
}

func TestNopRecorder(t *testing.T) {
	var r Recorder = Nop{}
	assert.NotPanics(t, func() {
		r.RecordCommand("get", "ok", time.Millisecond)
		r.RecordCacheLookup("l1", "hit")
		r.RecordCacheError("set")
		r.RecordEvent("x", "y")
		r.SetHealth("x", 2)
		r.SetGauge("x", 1)
		r.RecordRequest("/m", "OK", time.Millisecond)
	})
}
