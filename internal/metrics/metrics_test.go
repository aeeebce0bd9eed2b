package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/Banda/pkg/concurrency"
	"github.com/wehubfusion/Banda/pkg/report"
)

func TestObserveGeneration(t *testing.T) {
	c := NewCollector()

	c.ObserveGeneration("nomina", report.SourceData, "success", 20*time.Millisecond,
		report.Stats{Tables: 3, Rows: 8, PaddedRows: 3, DerivedCells: 2})
	c.ObserveGeneration("nomina", report.SourceData, "TEMPLATE_MISSING", time.Millisecond,
		report.Stats{Tables: 9})

	assert.Equal(t, 1.0, testutil.ToFloat64(c.generated.WithLabelValues("nomina", "data", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.generated.WithLabelValues("nomina", "data", "TEMPLATE_MISSING")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.tables), "failed generations add no tables")
	assert.Equal(t, 8.0, testutil.ToFloat64(c.rows))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.padded))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.derived))
}

func TestHandler_ExposesLimiter(t *testing.T) {
	c := NewCollector()
	limiter := concurrency.NewLimiter(3)
	c.RegisterLimiter(limiter)
	require.NoError(t, limiter.Acquire(context.Background()))
	defer limiter.Release()

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "banda_limiter_capacity 3")
	assert.Contains(t, string(body), "banda_limiter_active 1")
}
