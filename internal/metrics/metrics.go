// Package metrics exposes the reference server's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Connections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "opschat_ws_connections",
			Help: "Open channel connections.",
		},
	)

	OnlineUsers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "opschat_online_users",
			Help: "Users with at least one open channel connection.",
		},
	)

	Frames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opschat_ws_frames_total",
			Help: "Channel frames by direction and event.",
		},
		[]string{"direction", "event"},
	)

	MessagesSaved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opschat_messages_saved_total",
			Help: "Persisted messages by type.",
		},
		[]string{"type"},
	)

	Requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opschat_http_requests_total",
			Help: "HTTP requests by method and status code.",
		},
		[]string{"method", "code"},
	)
)

func init() {
	prometheus.MustRegister(Connections)
	prometheus.MustRegister(OnlineUsers)
	prometheus.MustRegister(Frames)
	prometheus.MustRegister(MessagesSaved)
	prometheus.MustRegister(Requests)
}

// ObserveRequest counts one finished HTTP request.
func ObserveRequest(method string, code int) {
	Requests.WithLabelValues(method, strconv.Itoa(code)).Inc()
}

func Handler() http.Handler { return promhttp.Handler() }
