package trafficstream

import "github.com/prometheus/client_golang/prometheus"

// metrics is nil when the client was created without a registerer; every
// method is safe to call on a nil receiver.
type metrics struct {
	framesReceived      prometheus.Counter
	framesDropped       *prometheus.CounterVec
	situationsDelivered prometheus.Counter
	reconnectAttempts   prometheus.Counter
	state               prometheus.Gauge
	quality             prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		return nil
	}

	m := &metrics{
		framesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "diwise",
			Subsystem: "tfv_stream",
			Name:      "frames_received_total",
			Help:      "Total number of decodable frames received from the feed",
		}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "diwise",
			Subsystem: "tfv_stream",
			Name:      "dropped_total",
			Help:      "Total number of frames or situations discarded",
		}, []string{"reason"}),
		situationsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "diwise",
			Subsystem: "tfv_stream",
			Name:      "situations_delivered_total",
			Help:      "Total number of deduplicated situations handed to the consumer",
		}),
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "diwise",
			Subsystem: "tfv_stream",
			Name:      "reconnect_attempts_total",
			Help:      "Total number of scheduled reconnection attempts",
		}),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "diwise",
			Subsystem: "tfv_stream",
			Name:      "connection_state",
			Help:      "Current connection state (0=Idle ... 6=Stopped)",
		}),
		quality: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "diwise",
			Subsystem: "tfv_stream",
			Name:      "connection_quality",
			Help:      "Connection quality (0=Disconnected, 1=Poor, 2=Good, 3=Excellent)",
		}),
	}

	reg.MustRegister(
		m.framesReceived, m.framesDropped, m.situationsDelivered,
		m.reconnectAttempts, m.state, m.quality,
	)

	return m
}

func (m *metrics) frameReceived() {
	if m != nil {
		m.framesReceived.Inc()
	}
}

func (m *metrics) dropped(reason string, n int) {
	if m != nil && n > 0 {
		m.framesDropped.WithLabelValues(reason).Add(float64(n))
	}
}

func (m *metrics) delivered(n int) {
	if m != nil {
		m.situationsDelivered.Add(float64(n))
	}
}

func (m *metrics) reconnectScheduled() {
	if m != nil {
		m.reconnectAttempts.Inc()
	}
}

func (m *metrics) observe(s Stats) {
	if m != nil {
		m.state.Set(float64(s.State))
		m.quality.Set(float64(s.Quality))
	}
}
