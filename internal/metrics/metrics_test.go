package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSinkExposesRegisteredMetrics(t *testing.T) {
	s := New()
	s.CacheHit()
	s.CacheMiss()
	s.InflightCollapse()
	s.Eviction()
	s.SetStoreOccupancy(4096)
	s.BuildCompleted("local_ok", 12*time.Millisecond)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	require.Contains(t, body, "distclang_cache_hits_total 1")
	require.Contains(t, body, "distclang_cache_misses_total 1")
	require.Contains(t, body, "distclang_store_occupancy_bytes 4096")
	require.Contains(t, body, `distclang_build_duration_seconds_count{outcome="local_ok"} 1`)
}
