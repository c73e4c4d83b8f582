package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/John-Robertt/epwatch/internal/domain"
	"github.com/John-Robertt/epwatch/internal/platform"
)

// Collector 把编排与重试事件转换为 prometheus 指标；使用独立的 Registry，不污染全局默认注册表。
type Collector struct {
	reg *prometheus.Registry

	outcomes  *prometheus.CounterVec
	advances  *prometheus.CounterVec
	dropped   *prometheus.CounterVec
	queue     prometheus.Gauge
	announces prometheus.Counter
}

func New() *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "epwatch_download_outcomes_total",
			Help: "下载尝试结果（reason=ok 表示成功）。",
		}, []string{"platform", "reason"}),
		advances: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "epwatch_episode_advances_total",
			Help: "last_episode 推进次数。",
		}, []string{"series"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "epwatch_retry_dropped_total",
			Help: "因达到最大尝试次数而移除的重试条目。",
		}, []string{"reason"}),
		queue: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "epwatch_retry_queue_items",
			Help: "重试队列当前长度。",
		}),
		announces: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "epwatch_announcements_total",
			Help: "已处理的公告数。",
		}),
	}
	c.reg.MustRegister(
		c.outcomes, c.advances, c.dropped, c.queue, c.announces,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry 返回底层注册表（测试用 Gather 检查指标）。
func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// Handler 返回 /metrics 的 HTTP handler。
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

func reasonLabel(out domain.Outcome) string {
	if out.OK {
		return "ok"
	}
	return string(out.Reason)
}

func (c *Collector) OnAttempt(_ string, a platform.Attempt) {
	c.outcomes.WithLabelValues(a.Platform, reasonLabel(a.Outcome)).Inc()
}

func (c *Collector) OnRetryOutcome(item domain.RetryItem, out domain.Outcome) {
	c.outcomes.WithLabelValues(item.Platform, reasonLabel(out)).Inc()
}

func (c *Collector) OnRetryDropped(_ domain.RetryItem, reason domain.Reason) {
	c.dropped.WithLabelValues(string(reason)).Inc()
}

func (c *Collector) OnQueueSize(n int) { c.queue.Set(float64(n)) }

func (c *Collector) OnAdvance(series string, _ int) {
	c.advances.WithLabelValues(series).Inc()
}

func (c *Collector) OnHandled(domain.HandleReport) { c.announces.Inc() }
