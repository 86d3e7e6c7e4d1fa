package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordUnit(t *testing.T) {
	before := testutil.ToFloat64(UnitsTotal.WithLabelValues("m-test", "failed", "single"))
	RecordUnit("m-test", "failed", "single", time.Second, 0)
	after := testutil.ToFloat64(UnitsTotal.WithLabelValues("m-test", "failed", "single"))
	assert.Equal(t, before+1, after)
}

func TestRecordCacheLookup(t *testing.T) {
	hits := testutil.ToFloat64(CacheLookups.WithLabelValues("hit"))
	misses := testutil.ToFloat64(CacheLookups.WithLabelValues("miss"))

	RecordCacheLookup(true)
	RecordCacheLookup(false)
	RecordCacheLookup(false)

	assert.Equal(t, hits+1, testutil.ToFloat64(CacheLookups.WithLabelValues("hit")))
	assert.Equal(t, misses+2, testutil.ToFloat64(CacheLookups.WithLabelValues("miss")))
}

func TestRecordCacheExpiredIgnoresZero(t *testing.T) {
	before := testutil.ToFloat64(CacheExpired)
	RecordCacheExpired(0)
	RecordCacheExpired(3)
	assert.Equal(t, before+3, testutil.ToFloat64(CacheExpired))
}
