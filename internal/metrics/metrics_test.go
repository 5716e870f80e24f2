package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestHelpersWithoutGlobal(t *testing.T) {
	SetGlobal(nil)
	// must not panic
	AddImportRows("imported", 3)
	ImportStarted()
	ImportFinished("completed", 1)
	ObserveUpload(10)
	IncSegmentEvaluations("dynamic")
	IncRateLimitExceeded("minute")
}

func TestImportMetrics(t *testing.T) {
	m := New()
	SetGlobal(m)
	defer SetGlobal(nil)

	ImportStarted()
	ImportStarted()
	AddImportRows("imported", 8)
	AddImportRows("invalid", 2)
	AddImportRows("duplicate", 0)
	ImportFinished("completed", 0.5)

	if got := testutil.ToFloat64(m.ImportsActive); got != 1 {
		t.Errorf("ImportsActive = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ImportRowsTotal.WithLabelValues("imported")); got != 8 {
		t.Errorf("rows{imported} = %v, want 8", got)
	}
	if got := testutil.ToFloat64(m.ImportJobsTotal.WithLabelValues("completed")); got != 1 {
		t.Errorf("jobs{completed} = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.ImportRowsTotal); got != 2 {
		t.Errorf("row series = %d, want 2", got)
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.SegmentEvaluationsTotal.WithLabelValues("static").Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `audiences_segment_evaluations_total{kind="static"} 1`) {
		t.Errorf("exposition missing segment counter:\n%s", rec.Body.String())
	}
}
