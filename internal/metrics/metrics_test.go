package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCacheMetrics(t *testing.T) {
	SetCacheUsage("/metrics-test", 600, 1000)
	if got := testutil.ToFloat64(cacheUsedBytes.WithLabelValues("/metrics-test")); got != 600 {
		t.Errorf("used = %v, want 600", got)
	}

	before := testutil.ToFloat64(cacheEvictedBytes.WithLabelValues("/metrics-test"))
	RecordEviction("/metrics-test", 128)
	if got := testutil.ToFloat64(cacheEvictedBytes.WithLabelValues("/metrics-test")); got-before != 128 {
		t.Errorf("evicted bytes delta = %v, want 128", got-before)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	RecordSubpackageLoad(10*time.Millisecond, true)
	RecordS3Operation("get_object", time.Millisecond, false)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, name := range []string{"tinyfs_subpackage_loads_total", "tinyfs_s3_operations_total"} {
		if !strings.Contains(string(body), name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}
