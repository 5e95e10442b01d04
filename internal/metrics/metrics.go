// Package metrics 记录摘要流水线的运行指标
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder 流水线指标记录接口，便于测试替换
type Recorder interface {
	// ObserveGeneration 记录一次生成调用的耗时和结果（ok 或错误类型）
	ObserveGeneration(outcome string, d time.Duration)
	// AddChunks 记录切分出的块数
	AddChunks(n int)
	// AddFallbackSections 记录使用兜底摘要的章节数
	AddFallbackSections(n int)
	// IncReducerFallback 记录合并阶段退化为拼接的次数
	IncReducerFallback(reason string)
	// IncSummarization 记录一次完整摘要请求的结果
	IncSummarization(result string)
}

// Noop 不记录任何指标
type Noop struct{}

func (Noop) ObserveGeneration(string, time.Duration) {}
func (Noop) AddChunks(int)                           {}
func (Noop) AddFallbackSections(int)                 {}
func (Noop) IncReducerFallback(string)               {}
func (Noop) IncSummarization(string)                 {}

// Prometheus 基于 prometheus 的实现
type Prometheus struct {
	generationDuration *prometheus.HistogramVec
	chunks             prometheus.Counter
	fallbackSections   prometheus.Counter
	reducerFallbacks   *prometheus.CounterVec
	summarizations     *prometheus.CounterVec
}

// NewPrometheus 在给定注册表上创建指标，reg 为 nil 时使用默认注册表
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Prometheus{
		generationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "docdigest",
			Name:      "generation_duration_seconds",
			Help:      "Duration of text-generation backend calls by outcome.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}, []string{"outcome"}),
		chunks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "docdigest",
			Name:      "chunks_total",
			Help:      "Number of chunks produced by the text chunker.",
		}),
		fallbackSections: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "docdigest",
			Name:      "fallback_sections_total",
			Help:      "Number of sections that used the fallback extract.",
		}),
		reducerFallbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docdigest",
			Name:      "reducer_fallbacks_total",
			Help:      "Number of reductions that fell back to concatenation.",
		}, []string{"reason"}),
		summarizations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docdigest",
			Name:      "summarizations_total",
			Help:      "Number of summarization requests by result.",
		}, []string{"result"}),
	}
}

func (p *Prometheus) ObserveGeneration(outcome string, d time.Duration) {
	p.generationDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (p *Prometheus) AddChunks(n int) {
	p.chunks.Add(float64(n))
}

func (p *Prometheus) AddFallbackSections(n int) {
	p.fallbackSections.Add(float64(n))
}

func (p *Prometheus) IncReducerFallback(reason string) {
	p.reducerFallbacks.WithLabelValues(reason).Inc()
}

func (p *Prometheus) IncSummarization(result string) {
	p.summarizations.WithLabelValues(result).Inc()
}
