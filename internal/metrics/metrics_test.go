package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestPrometheus_Records(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheus(reg)

	p.AddChunks(4)
	p.AddChunks(3)
	p.AddFallbackSections(1)
	p.IncReducerFallback("lossy")
	p.IncReducerFallback("lossy")
	p.IncSummarization("ok")
	p.ObserveGeneration("ok", 1500*time.Millisecond)
	p.ObserveGeneration("rate_limited", time.Second)

	assert.Equal(t, 7.0, testutil.ToFloat64(p.chunks))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.fallbackSections))
	assert.Equal(t, 2.0, testutil.ToFloat64(p.reducerFallbacks.WithLabelValues("lossy")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.summarizations.WithLabelValues("ok")))
	assert.Equal(t, 2, testutil.CollectAndCount(p.generationDuration))
}

func TestNoop_Implements(t *testing.T) {
	var r Recorder = Noop{}
	r.AddChunks(1)
	r.ObserveGeneration("ok", time.Second)
}
