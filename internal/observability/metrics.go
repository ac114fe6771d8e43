package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "giftrelay_api_requests_total", Help: "API requests"},
		[]string{"endpoint", "status"},
	)
	Enqueues = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "giftrelay_enqueue_total", Help: "Task enqueue results"},
		[]string{"result"},
	)
	Sends = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "giftrelay_send_total", Help: "Channel send outcomes"},
		[]string{"result", "code"},
	)
	SendLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "giftrelay_send_latency_seconds", Help: "Channel send latency"},
	)
	TimerFirings = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "giftrelay_timer_firings_total", Help: "Scheduler firing outcomes"},
		[]string{"result"},
	)
	SweepActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "giftrelay_sweep_actions_total", Help: "Sweep actions applied"},
		[]string{"action"},
	)
	InflightDropped = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "giftrelay_inflight_dropped_total", Help: "Duplicate in-flight requests dropped"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(APIRequests, Enqueues, Sends, SendLatency, TimerFirings, SweepActions, InflightDropped)
}
