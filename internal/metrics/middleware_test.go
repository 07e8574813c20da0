package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeLabel_ReplacesInvalidChars(t *testing.T) {
	got := sanitizeLabel("search\n\t🚨")
	if strings.ContainsAny(got, "\n\t") {
		t.Fatalf("sanitizeLabel contains whitespace: %q", got)
	}
	if got == "unknown" {
		t.Fatalf("sanitizeLabel unexpectedly returned %q", got)
	}
}

func TestSanitizeLabel_CapsLength(t *testing.T) {
	long := strings.Repeat("a", maxLabelLen+50)
	got := sanitizeLabel(long)
	if len(got) != maxLabelLen {
		t.Fatalf("sanitizeLabel len=%d, want %d", len(got), maxLabelLen)
	}
}

func TestSanitizeLabel_EmptyFallback(t *testing.T) {
	if got := sanitizeLabel("   "); got != "unknown" {
		t.Fatalf("sanitizeLabel = %q, want %q", got, "unknown")
	}
}

func TestRecordDecision(t *testing.T) {
	allowed := RateLimitDecisions.WithLabelValues("decision-test", "allowed")
	denied := RateLimitDecisions.WithLabelValues("decision-test", "denied")
	beforeAllowed := testutil.ToFloat64(allowed)
	beforeDenied := testutil.ToFloat64(denied)

	RecordDecision("decision-test", true)
	RecordDecision("decision-test", true)
	RecordDecision("decision-test", false)

	assert.Equal(t, beforeAllowed+2, testutil.ToFloat64(allowed))
	assert.Equal(t, beforeDenied+1, testutil.ToFloat64(denied))
}

func TestRecordBatch(t *testing.T) {
	ok := BatchDispatches.WithLabelValues("batch-test", "success")
	failed := BatchDispatches.WithLabelValues("batch-test", "error")
	beforeOK := testutil.ToFloat64(ok)
	beforeFailed := testutil.ToFloat64(failed)

	RecordBatch("batch-test", 3, 10*time.Millisecond, nil)
	RecordBatch("batch-test", 1, time.Millisecond, errors.New("boom"))

	assert.Equal(t, beforeOK+1, testutil.ToFloat64(ok))
	assert.Equal(t, beforeFailed+1, testutil.ToFloat64(failed))
}

func TestMiddleware_RecordsRouteAndStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/probe", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	counter := HTTPRequests.WithLabelValues("GET /v1/probe", "418")
	before := testutil.ToFloat64(counter)

	rec := httptest.NewRecorder()
	Middleware(mux).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/probe", nil))

	require.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, before+1, testutil.ToFloat64(counter))
}
