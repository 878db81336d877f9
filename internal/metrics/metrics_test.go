package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if apiRequestsTotal == nil || pagesEmittedTotal == nil ||
		storagePagesTotal == nil || quotaWaitsTotal == nil ||
		retryWaitSeconds == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestCountersRecord(t *testing.T) {
	Init()

	IncAPIRequest("video_query", "ok")
	if val := testutil.ToFloat64(apiRequestsTotal.WithLabelValues("video_query", "ok")); val < 1 {
		t.Errorf("expected api request counter >= 1, got %f", val)
	}

	before := testutil.ToFloat64(videosObservedTotal)
	IncPageEmitted(25)
	if got := testutil.ToFloat64(videosObservedTotal); got != before+25 {
		t.Errorf("expected videos observed to grow by 25, got %f -> %f", before, got)
	}

	IncQuotaWait("wait_next_utc_midnight")
	if val := testutil.ToFloat64(quotaWaitsTotal.WithLabelValues("wait_next_utc_midnight")); val < 1 {
		t.Errorf("expected quota wait counter >= 1, got %f", val)
	}

	ObserveRetryWait("transient", 3*time.Second)
	IncCacheHit("user_info")
	IncCacheMiss("user_info")
	IncStoragePage("ok")
	if val := testutil.ToFloat64(storagePagesTotal.WithLabelValues("ok")); val < 1 {
		t.Errorf("expected storage page counter >= 1, got %f", val)
	}
}

func TestHandlerServesRegistry(t *testing.T) {
	if Handler() == nil {
		t.Fatal("Handler() returned nil")
	}
}
