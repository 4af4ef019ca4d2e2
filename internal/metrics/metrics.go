package metrics

import "github.com/prometheus/client_golang/prometheus"

// Recorder 汇总缓存与下载相关的可观测指标，供协调器与编排器上报。
type Recorder interface {
	Hit()
	Miss()
	FetchScheduled()
	FetchSucceeded()
	FetchFailed()
	CandidateError(reason string)
	InFlight(delta int)
}

// Noop is a drop-in Recorder that does nothing. It is the default when no
// observability backend is configured.
type Noop struct{}

func (Noop) Hit()                   {}
func (Noop) Miss()                  {}
func (Noop) FetchScheduled()        {}
func (Noop) FetchSucceeded()        {}
func (Noop) FetchFailed()           {}
func (Noop) CandidateError(string)  {}
func (Noop) InFlight(int)           {}

var _ Recorder = Noop{}

// Prom implements Recorder and exports Prometheus counters/gauges.
// Safe for concurrent use; all Prometheus metric types are goroutine-safe.
type Prom struct {
	hits       prometheus.Counter
	misses     prometheus.Counter
	scheduled  prometheus.Counter
	succeeded  prometheus.Counter
	failed     prometheus.Counter
	candidates *prometheus.CounterVec
	inFlight   prometheus.Gauge
}

// NewProm constructs a Prometheus recorder.
//   - reg: registry to register metrics with (nil => prometheus.DefaultRegisterer)
func NewProm(reg prometheus.Registerer) *Prom {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	const ns = "symhub"
	p := &Prom{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Requests served from the local artifact store",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Requests that found no published artifact",
		}),
		scheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "fetch",
			Name:      "scheduled_total",
			Help:      "Background fetches scheduled",
		}),
		succeeded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "fetch",
			Name:      "success_total",
			Help:      "Background fetches that published an artifact",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "fetch",
			Name:      "failure_total",
			Help:      "Background fetches that exhausted every candidate",
		}),
		candidates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Subsystem: "fetch",
				Name:      "candidate_errors_total",
				Help:      "Per-candidate failures by reason",
			},
			[]string{"reason"},
		),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: "fetch",
			Name:      "in_flight",
			Help:      "Fetches currently running",
		}),
	}
	reg.MustRegister(p.hits, p.misses, p.scheduled, p.succeeded, p.failed, p.candidates, p.inFlight)
	return p
}

func (p *Prom) Hit()            { p.hits.Inc() }
func (p *Prom) Miss()           { p.misses.Inc() }
func (p *Prom) FetchScheduled() { p.scheduled.Inc() }
func (p *Prom) FetchSucceeded() { p.succeeded.Inc() }
func (p *Prom) FetchFailed()    { p.failed.Inc() }

func (p *Prom) CandidateError(reason string) {
	p.candidates.WithLabelValues(reason).Inc()
}

func (p *Prom) InFlight(delta int) {
	p.inFlight.Add(float64(delta))
}

var _ Recorder = (*Prom)(nil)
