package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	ChatRequests     prometheus.Counter
	UpstreamFailures *prometheus.CounterVec
	TokensRelayed    prometheus.Counter
	LoginFailures    prometheus.Counter
	HistoryWrites    *prometheus.CounterVec
	RateLimited      *prometheus.CounterVec
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = New()
		prometheus.MustRegister(
			global.ChatRequests,
			global.UpstreamFailures,
			global.TokensRelayed,
			global.LoginFailures,
			global.HistoryWrites,
			global.RateLimited,
		)
	})
	return global
}

// New returns unregistered collectors, for tests and custom registries.
func New() *Metrics {
	return &Metrics{
		ChatRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clawchat",
			Name:      "chat_requests_total",
			Help:      "Total chat requests that opened an event stream",
		}),
		UpstreamFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clawchat",
			Name:      "upstream_failures_total",
			Help:      "Chat exchanges that ended with an in-stream error event",
		}, []string{"reason"}),
		TokensRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clawchat",
			Name:      "tokens_relayed_total",
			Help:      "Total text deltas forwarded to clients",
		}),
		LoginFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clawchat",
			Name:      "login_failures_total",
			Help:      "Total rejected login attempts",
		}),
		HistoryWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clawchat",
			Name:      "history_writes_total",
			Help:      "History mutations by outcome",
		}, []string{"result"}),
		RateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clawchat",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter",
		}, []string{"scope"}),
	}
}
