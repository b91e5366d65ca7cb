package server

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the Prometheus collectors of a Server.
type Metrics struct {
	accepted  prometheus.Counter
	active    prometheus.Gauge
	requests  *prometheus.CounterVec
	responses *prometheus.CounterVec
	errors    *prometheus.CounterVec
}

// NewMetrics registers the server collectors with reg. Like promauto, it
// panics when they are already registered there.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		accepted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tophat",
			Name:      "connections_accepted_total",
			Help:      "Total number of accepted connections",
		}),
		active: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "tophat",
			Name:      "connections_active",
			Help:      "Number of open connections",
		}),
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tophat",
			Name:      "requests_total",
			Help:      "Total number of requests dispatched, by method",
		}, []string{"method"}),
		responses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tophat",
			Name:      "responses_total",
			Help:      "Total number of responses written, by status code",
		}, []string{"code"}),
		errors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tophat",
			Name:      "error_responses_total",
			Help:      "Total number of error responses generated by the engine, by status code",
		}, []string{"code"}),
	}
}

// methodLabel keeps the method label bounded: request methods are
// client-chosen tokens.
func methodLabel(method string) string {
	switch method {
	case "GET", "HEAD", "POST", "PUT", "DELETE", "OPTIONS", "PATCH", "CONNECT", "TRACE":
		return method
	default:
		return "other"
	}
}

func statusLabel(code int) string {
	return strconv.Itoa(code)
}
