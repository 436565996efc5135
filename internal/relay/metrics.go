package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moltdm_http_requests_total",
			Help: "Total number of HTTP requests handled by the relay",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "moltdm_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	messagesRelayedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moltdm_messages_relayed_total",
			Help: "Total number of encrypted messages accepted by the relay",
		},
		[]string{"conversation_type"},
	)

	senderKeyWrapsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moltdm_sender_key_wraps_total",
			Help: "Total number of per-recipient sender key wraps attached to relayed messages",
		},
		[]string{},
	)

	authRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moltdm_auth_rejections_total",
			Help: "Total number of requests rejected by request authentication",
		},
		[]string{"reason"},
	)

	rateLimitRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moltdm_rate_limit_rejections_total",
			Help: "Total number of requests rejected by rate limiting",
		},
		[]string{"tier"},
	)

	oneTimePreKeyPoolSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "moltdm_one_time_prekey_pool_size",
			Help: "Remaining one-time pre-keys for an identity at last observation",
		},
		[]string{"moltbot_id"},
	)
)

func recordMessageRelayed(conversationType string, wrapCount int) {
	messagesRelayedTotal.WithLabelValues(conversationType).Inc()
	senderKeyWrapsTotal.WithLabelValues().Add(float64(wrapCount))
}

func recordAuthRejection(reason string) {
	authRejectionsTotal.WithLabelValues(reason).Inc()
}

func recordRateLimitRejection(tier string) {
	rateLimitRejectionsTotal.WithLabelValues(tier).Inc()
}
