package indexer

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the ingestion counters. A nil *Metrics records nothing.
type Metrics struct {
	records      *prometheus.CounterVec
	decodeErrors prometheus.Counter
	applyErrors  prometheus.Counter
	duplicates   prometheus.Counter
	reconnects   prometheus.Counter
	cursor       prometheus.Gauge
	state        prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mirror_records_total",
			Help: "Upstream records received, by pipeline phase.",
		}, []string{"phase"}),
		decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mirror_decode_errors_total",
			Help: "Records dropped because they failed to decode.",
		}),
		applyErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mirror_apply_errors_total",
			Help: "Events the store rejected.",
		}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mirror_duplicates_total",
			Help: "Records older than the cursor, dropped as reconnect overlap.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mirror_reconnects_total",
			Help: "Live stream reconnect attempts.",
		}),
		cursor: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mirror_cursor_block",
			Help: "Last block applied to the book.",
		}),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mirror_pipeline_state",
			Help: "Pipeline state: 0 connecting, 1 backfilling, 2 following, 3 reconnecting.",
		}),
	}
	reg.MustRegister(m.records, m.decodeErrors, m.applyErrors, m.duplicates, m.reconnects, m.cursor, m.state)
	return m
}

func (m *Metrics) record(phase string) {
	if m != nil {
		m.records.WithLabelValues(phase).Inc()
	}
}

func (m *Metrics) decodeError() {
	if m != nil {
		m.decodeErrors.Inc()
	}
}

func (m *Metrics) applyError() {
	if m != nil {
		m.applyErrors.Inc()
	}
}

func (m *Metrics) duplicate() {
	if m != nil {
		m.duplicates.Inc()
	}
}

func (m *Metrics) reconnect() {
	if m != nil {
		m.reconnects.Inc()
	}
}

func (m *Metrics) setCursor(block uint64) {
	if m != nil {
		m.cursor.Set(float64(block))
	}
}

func (m *Metrics) setState(s State) {
	if m != nil {
		m.state.Set(float64(s))
	}
}
