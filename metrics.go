package main

import (
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/zabeloliver/ha-companion/ha-api/haStream"
)

type metrics struct {
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	streamState     prometheus.Gauge
	streamEvents    *prometheus.CounterVec
	entityState     *prometheus.GaugeVec
	locationReports *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ha_requests_total",
				Help: "Requests sent to the Home Assistant REST API.",
			},
			[]string{"method", "endpoint", "result"}),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ha_request_duration_seconds",
				Help:    "Duration of Home Assistant REST API requests.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		streamState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "ha_stream_state",
				Help: "Event stream state: 0 disconnected, 1 connecting, 2 open.",
			},
		),
		streamEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ha_stream_events_total",
				Help: "Events received from the event stream.",
			},
			[]string{"event_type"},
		),
		entityState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ha_entity_state",
				Help: "Current numeric state of an entity. Binary states are 1 or 0.",
			},
			[]string{"entity_id", "domain"},
		),
		locationReports: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ha_location_reports_total",
				Help: "Location reports sent to Home Assistant.",
			},
			[]string{"reason", "result"},
		),
	}
	reg.MustRegister(m.requests)
	reg.MustRegister(m.requestDuration)
	reg.MustRegister(m.streamState)
	reg.MustRegister(m.streamEvents)
	reg.MustRegister(m.entityState)
	reg.MustRegister(m.locationReports)
	return m
}

// observeRequest matches haClient.RequestObserver.
func (m *metrics) observeRequest(method, path string, status int, err error, elapsed time.Duration) {
	endpoint := endpointLabel(path)
	m.requests.WithLabelValues(method, endpoint, requestResult(status, err)).Inc()
	m.requestDuration.WithLabelValues(method, endpoint).Observe(elapsed.Seconds())
}

func (m *metrics) observeStreamState(s haStream.State) {
	m.streamState.Set(float64(s))
}

func (m *metrics) observeLocationReport(reason string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.locationReports.WithLabelValues(reason, result).Inc()
}

// endpointLabel keeps the first path segment so entity ids and dates do not end up
// as label values.
func endpointLabel(path string) string {
	path = strings.Trim(path, "/")
	if path == "" {
		return "/"
	}
	first, _, _ := strings.Cut(path, "/")
	return first
}

func requestResult(status int, err error) string {
	switch {
	case err == nil:
		return "ok"
	case status > 0:
		return strconv.Itoa(status)
	default:
		return "error"
	}
}
