package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if httpRequestsTotal == nil || httpRequestDurationSeconds == nil ||
		submissionsTotal == nil || quotaDenialsTotal == nil || schedulerPassesTotal == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveSubmission(t *testing.T) {
	Init()
	before := testutil.ToFloat64(submissionsTotal.WithLabelValues(OutcomeQuota))
	ObserveSubmission(OutcomeQuota)
	ObserveSubmission(OutcomeQuota)
	if got := testutil.ToFloat64(submissionsTotal.WithLabelValues(OutcomeQuota)); got != before+2 {
		t.Errorf("expected %v quota outcomes, got %v", before+2, got)
	}
}

func TestObserveQuotaDenial(t *testing.T) {
	Init()
	before := testutil.ToFloat64(quotaDenialsTotal.WithLabelValues("plus"))
	ObserveQuotaDenial("plus")
	if got := testutil.ToFloat64(quotaDenialsTotal.WithLabelValues("plus")); got != before+1 {
		t.Errorf("expected %v denials, got %v", before+1, got)
	}
}

func TestObservePass(t *testing.T) {
	Init()
	okBefore := testutil.ToFloat64(schedulerPassesTotal.WithLabelValues("ok"))
	errBefore := testutil.ToFloat64(schedulerPassesTotal.WithLabelValues("error"))

	ObservePass(3, nil)
	ObservePass(0, errors.New("claim next job: boom"))

	if got := testutil.ToFloat64(schedulerPassesTotal.WithLabelValues("ok")); got != okBefore+1 {
		t.Errorf("expected ok passes %v, got %v", okBefore+1, got)
	}
	if got := testutil.ToFloat64(schedulerPassesTotal.WithLabelValues("error")); got != errBefore+1 {
		t.Errorf("expected error passes %v, got %v", errBefore+1, got)
	}
	if n := testutil.CollectAndCount(schedulerPassJobs); n != 1 {
		t.Errorf("expected one histogram series, got %d", n)
	}
}

func TestObserveThrottleDelay(t *testing.T) {
	Init()
	before := testutil.CollectAndCount(executorThrottleSeconds)
	ObserveThrottleDelay(250 * time.Millisecond)
	if got := testutil.CollectAndCount(executorThrottleSeconds); got != before {
		t.Errorf("expected one histogram series, got %d", got)
	}
}
