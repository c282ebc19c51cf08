package internal

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 中繼服務的 Prometheus 指標
//
// 所有方法在 nil 接收者上都是空操作，未啟用指標時元件不需要判斷。
type Metrics struct {
	registry    *prometheus.Registry
	events      *prometheus.CounterVec
	messages    *prometheus.CounterVec
	deliveries  *prometheus.CounterVec
	roomsNew    prometheus.Counter
	roomsGone   prometheus.Counter
	connections prometheus.Gauge
	queued      prometheus.Gauge
}

// NewMetrics 建立指標並註冊到獨立的 registry
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "events_total",
			Help:      "Transport events handled, by event type and reply status.",
		}, []string{"event", "status"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "messages_total",
			Help:      "Application messages received, by message type.",
		}, []string{"type"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "deliveries_total",
			Help:      "Outbound deliveries, by result.",
		}, []string{"result"}),
		roomsNew: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "rooms_created_total",
			Help:      "Rooms created by matchmaking.",
		}),
		roomsGone: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "rooms_deleted_total",
			Help:      "Empty rooms removed by the sweeper.",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "websocket_connections",
			Help:      "WebSocket connections currently held by this node.",
		}),
		queued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "queued_connections",
			Help:      "Event-endpoint connections with an outbound queue on this node.",
		}),
	}

	m.registry.MustRegister(
		m.events,
		m.messages,
		m.deliveries,
		m.roomsNew,
		m.roomsGone,
		m.connections,
		m.queued,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Handler 返回 /metrics 的 HTTP handler
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) event(event EventType, status Status) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(string(event), status.String()).Inc()
}

func (m *Metrics) message(t MessageType) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) delivery(result string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(result).Inc()
}

func (m *Metrics) roomCreated() {
	if m == nil {
		return
	}
	m.roomsNew.Inc()
}

func (m *Metrics) roomDeleted() {
	if m == nil {
		return
	}
	m.roomsGone.Inc()
}

func (m *Metrics) connectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) connectionClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

func (m *Metrics) queueOpened() {
	if m == nil {
		return
	}
	m.queued.Inc()
}

func (m *Metrics) queueClosed() {
	if m == nil {
		return
	}
	m.queued.Dec()
}
