package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollectorsRegistered(t *testing.T) {
	m := New()

	m.RowsExtracted.WithLabelValues("pitch").Add(5)
	m.Requests.WithLabelValues("success").Inc()
	m.Placeholders.Inc()

	assert.Equal(t, 5.0, testutil.ToFloat64(m.RowsExtracted.WithLabelValues("pitch")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Placeholders))

	n, err := testutil.GatherAndCount(m.Registry, "speechcaps_annotation_requests_total")
	assert.NoError(t, err)
	assert.Equal(t, 1, n)
}
