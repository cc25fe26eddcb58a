package cmdchan

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/joeycumines/go-cmdchan/command"
)

const metricsNamespace = "cmdchan"

// Outcome label values.
const (
	outcomeOK        = "ok"
	outcomeFailed    = "failed"
	outcomeCancelled = "cancelled"
	outcomeInvalid   = "invalid"
	outcomePadding   = "padding"
)

// Metrics records channel activity as Prometheus collectors.
//
// A nil *Metrics is valid and records nothing.
//
// Example:
//
//	reg := prometheus.NewRegistry()
//	m, _ := cmdchan.NewMetrics(reg)
//	ch, _ := cmdchan.New(region, cmdchan.WithMetrics(m))
type Metrics struct {
	commands   *prometheus.CounterVec
	controls   *prometheus.CounterVec
	buffers    *prometheus.CounterVec
	pending    *prometheus.GaugeVec
	tornWrites prometheus.Counter
	wakeups    prometheus.Counter
	idle       prometheus.Counter
}

// NewMetrics creates the channel collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "commands_total",
			Help:      "Ring commands processed, by opcode and outcome.",
		}, []string{"opcode", "outcome"}),
		controls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "controls_total",
			Help:      "Control requests completed, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		buffers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "buffers_total",
			Help:      "Synchronous command buffers executed, by outcome.",
		}, []string{"outcome"}),
		pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "pending_controls",
			Help:      "Queued control requests, by queue.",
		}, []string{"queue"}),
		tornWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "torn_write_retries_total",
			Help:      "Times the worker waited for the producer to finish writing a record.",
		}),
		wakeups: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "wakeups_total",
			Help:      "Times a submitter woke the worker.",
		}),
		idle: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "idle_total",
			Help:      "Times the worker released the processor token and slept.",
		}),
	}
	for _, c := range []prometheus.Collector{m.commands, m.controls, m.buffers, m.pending, m.tornWrites, m.wakeups, m.idle} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) command(op command.OpCode, outcome string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(op.String(), outcome).Inc()
}

func (m *Metrics) control(kind ControlKind, err error) {
	if m == nil {
		return
	}
	m.controls.WithLabelValues(kind.String(), outcomeOf(err)).Inc()
}

func (m *Metrics) buffer(err error) {
	if m == nil {
		return
	}
	m.buffers.WithLabelValues(outcomeOf(err)).Inc()
}

func (m *Metrics) setPending(host, guest int64) {
	if m == nil {
		return
	}
	m.pending.WithLabelValues("host").Set(float64(host))
	m.pending.WithLabelValues("guest").Set(float64(guest))
}

func (m *Metrics) tornWrite() {
	if m != nil {
		m.tornWrites.Inc()
	}
}

func (m *Metrics) wakeup() {
	if m != nil {
		m.wakeups.Inc()
	}
}

func (m *Metrics) idled() {
	if m != nil {
		m.idle.Inc()
	}
}

func outcomeOf(err error) string {
	if err == nil {
		return outcomeOK
	}
	return outcomeFailed
}
