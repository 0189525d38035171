package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	MessagesSentTotal      *prometheus.CounterVec
	MessagesDeliveredTotal *prometheus.CounterVec
	MessagesFailedTotal    *prometheus.CounterVec
	MessagesRetriedTotal   *prometheus.CounterVec
	MessagesDLQTotal       *prometheus.CounterVec

	ProviderCallDuration *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := func(c prometheus.Collector) {
		reg.MustRegister(c)
	}

	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status_code"},
		),
		MessagesSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "messages_sent_total",
				Help: "Total number of send requests accepted",
			},
			[]string{"channel"},
		),
		MessagesDeliveredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "messages_delivered_total",
				Help: "Total number of messages delivered by providers",
			},
			[]string{"channel"},
		),
		MessagesFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "messages_failed_total",
				Help: "Total number of messages that entered FAILED",
			},
			[]string{"channel"},
		),
		MessagesRetriedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "messages_retried_total",
				Help: "Total number of retry attempts",
			},
			[]string{"channel"},
		),
		MessagesDLQTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "messages_dlq_total",
				Help: "Total number of messages sent to a dead-letter queue",
			},
			[]string{"channel"},
		),
		ProviderCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "provider_call_duration_seconds",
				Help:    "Duration of provider send calls in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider", "outcome"},
		),
	}

	factory(m.HTTPRequestsTotal)
	factory(m.HTTPRequestDuration)
	factory(m.MessagesSentTotal)
	factory(m.MessagesDeliveredTotal)
	factory(m.MessagesFailedTotal)
	factory(m.MessagesRetriedTotal)
	factory(m.MessagesDLQTotal)
	factory(m.ProviderCallDuration)

	return m
}
