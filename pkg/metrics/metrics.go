package metrics

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// 全局 Registry，供 API/Worker 注册与暴露
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(
		JobTotal, JobDuration,
		OutboxDispatchedTotal, OutboxPublishFailTotal, OutboxPendingAge,
		WorkerBusy, WorkerRetryTotal,
	)
}

// JobTotal 任务终态总数（按类型与状态）
var JobTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "jobq_job_total",
		Help: "任务终态总数（按类型与状态）",
	},
	[]string{"type", "status"}, // succeeded | dead_letter | canceled
)

// JobDuration 任务执行耗时（秒，从 started_at 到终态）
var JobDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "jobq_job_duration_seconds",
		Help:    "任务执行耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"type"},
)

// OutboxDispatchedTotal outbox 派发总数（按结果）
var OutboxDispatchedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "jobq_outbox_dispatched_total",
		Help: "outbox 派发总数（按结果）",
	},
	[]string{"result"}, // sent | publish_error
)

// OutboxPublishFailTotal broker 发布失败总数
var OutboxPublishFailTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "jobq_outbox_publish_fail_total",
		Help: "broker 发布失败总数",
	},
)

// OutboxPendingAge 最老未发送 outbox 行的年龄（秒）
var OutboxPendingAge = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "jobq_outbox_pending_age_seconds",
		Help: "最老未发送 outbox 行的年龄（秒）",
	},
)

// WorkerBusy 当前正在执行的任务数（每 Worker）
var WorkerBusy = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "jobq_worker_busy",
		Help: "当前正在执行的任务数",
	},
	[]string{"worker_id"},
)

// WorkerRetryTotal 重试派发总数（failed → queued）
var WorkerRetryTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "jobq_worker_retry_total",
		Help: "重试派发总数",
	},
	[]string{"type"},
)

// WritePrometheus 将 Prometheus 文本格式写入 w（供 Hertz 等复用）
func WritePrometheus(w io.Writer) error {
	metrics, err := DefaultRegistry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range metrics {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
