package observability

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsCounters(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.IncLookups()
	m.IncLookups()
	m.IncCacheHits()
	m.IncCacheMisses()
	m.IncProviderCalls()
	m.IncProviderErrors()
	m.IncInvalid()

	snap := m.Snapshot()
	assert.EqualValues(t, 2, snap.Lookups)
	assert.EqualValues(t, 1, snap.CacheHits)
	assert.EqualValues(t, 1, snap.CacheMisses)
	assert.EqualValues(t, 1, snap.ProviderCalls)
	assert.EqualValues(t, 1, snap.ProviderErrors)
	assert.EqualValues(t, 1, snap.Invalid)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.promLookups))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.promCacheHits))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.promInvalid))
}

func TestMetricsHistograms(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ObserveLookupDuration(150 * time.Millisecond)
	m.ObserveThrottleWait(time.Second)

	families, err := reg.Gather()
	require.NoError(t, err)

	var found []string
	for _, f := range families {
		found = append(found, f.GetName())
	}
	assert.Contains(t, found, "cnpjgate_lookup_duration_seconds")
	assert.Contains(t, found, "cnpjgate_throttle_wait_seconds")
}

func TestMetricsResponses(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.IncResponse("200")
	m.IncResponse("200")
	m.IncResponse("400")

	assert.Equal(t, float64(2), testutil.ToFloat64(m.promResponses.WithLabelValues("200")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.promResponses.WithLabelValues("400")))
}

func TestMetricsRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.IncLookups()

	families, err := reg.Gather()
	require.NoError(t, err)

	for _, f := range families {
		assert.True(t, strings.HasPrefix(f.GetName(), "cnpjgate_"),
			"metric %s missing namespace", f.GetName())
	}
}
