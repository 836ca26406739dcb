package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/simpleswitch/go-ss2/internal/flow"
)

// Metrics counts what the engine does per datapath. A nil *Metrics records nothing.
type Metrics struct {
	ops               *prometheus.CounterVec
	learned           *prometheus.CounterVec
	suppressed        *prometheus.CounterVec
	ignored           *prometheus.CounterVec
	transportFailures *prometheus.CounterVec
	attached          *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ops: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ss2_rule_ops_total",
				Help: "Rule operations delivered to datapaths",
			},
			[]string{"datapath", "op"},
		),
		learned: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ss2_hosts_learned_total",
				Help: "Hosts learned at a port",
			},
			[]string{"datapath"},
		),
		suppressed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ss2_packet_in_suppressed_total",
				Help: "Packet arrivals suppressed by the host cache",
			},
			[]string{"datapath"},
		),
		ignored: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ss2_packet_in_ignored_total",
				Help: "Packet arrivals dropped without rule action",
			},
			[]string{"datapath", "reason"},
		),
		transportFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ss2_transport_failures_total",
				Help: "Op lists a datapath did not accept",
			},
			[]string{"datapath"},
		),
		attached: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ss2_datapath_steady",
				Help: "1 when the datapath is provisioned and learning",
			},
			[]string{"datapath"},
		),
	}
	reg.MustRegister(m.ops, m.learned, m.suppressed, m.ignored, m.transportFailures, m.attached)
	return m
}

func (m *Metrics) applied(dp flow.DatapathID, ops []flow.Op) {
	if m == nil {
		return
	}
	for _, op := range ops {
		var kind string
		switch op.(type) {
		case flow.Install:
			kind = "install"
		case flow.Delete:
			kind = "delete"
		case flow.Barrier:
			kind = "barrier"
		}
		m.ops.WithLabelValues(dp.String(), kind).Inc()
	}
}

func (m *Metrics) learn(dp flow.DatapathID) {
	if m != nil {
		m.learned.WithLabelValues(dp.String()).Inc()
	}
}

func (m *Metrics) suppress(dp flow.DatapathID) {
	if m != nil {
		m.suppressed.WithLabelValues(dp.String()).Inc()
	}
}

func (m *Metrics) ignore(dp flow.DatapathID, reason string) {
	if m != nil {
		m.ignored.WithLabelValues(dp.String(), reason).Inc()
	}
}

func (m *Metrics) transportFailure(dp flow.DatapathID) {
	if m != nil {
		m.transportFailures.WithLabelValues(dp.String()).Inc()
	}
}

func (m *Metrics) state(dp flow.DatapathID, s State) {
	if m == nil {
		return
	}
	v := 0.0
	if s == SteadyState {
		v = 1
	}
	m.attached.WithLabelValues(dp.String()).Set(v)
}
