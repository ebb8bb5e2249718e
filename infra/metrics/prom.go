package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	coremetrics "github.com/kilianp07/homeenergy/core/metrics"
)

// PromSink exposes household load and balancing decisions as Prometheus
// metrics.
type PromSink struct {
	shed        *prometheus.CounterVec
	rebalances  *prometheus.CounterVec
	load        prometheus.Gauge
	threshold   prometheus.Gauge
	usage       prometheus.Gauge
	applianceOn *prometheus.GaugeVec
}

// NewPromSink registers metrics on the default Prometheus registerer. The
// /metrics endpoint is served by StartServer.
func NewPromSink() (*PromSink, error) {
	return NewPromSinkWithRegistry(prometheus.DefaultRegisterer)
}

// NewPromSinkWithRegistry registers metrics on the provided registerer.
// A nil registerer defaults to the global Prometheus registerer.
func NewPromSinkWithRegistry(reg prometheus.Registerer) (*PromSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	shed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "homeenergy_appliance_shed_total",
		Help: "Appliances switched off by the balancer",
	}, []string{"appliance_id"})
	rebalances := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "homeenergy_rebalances_total",
		Help: "Balancing passes by outcome",
	}, []string{"outcome"})
	load := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "homeenergy_load_kw",
		Help: "Current household draw in kW",
	})
	threshold := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "homeenergy_threshold_kw",
		Help: "Configured maximum draw in kW",
	})
	usage := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "homeenergy_usage_percent",
		Help: "Draw as a percentage of the threshold, capped at 100",
	})
	applianceOn := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "homeenergy_appliance_on",
		Help: "1 when the appliance is on",
	}, []string{"appliance_id"})

	var err error
	if shed, err = register(reg, shed); err != nil {
		return nil, err
	}
	if rebalances, err = register(reg, rebalances); err != nil {
		return nil, err
	}
	if load, err = register(reg, load); err != nil {
		return nil, err
	}
	if threshold, err = register(reg, threshold); err != nil {
		return nil, err
	}
	if usage, err = register(reg, usage); err != nil {
		return nil, err
	}
	if applianceOn, err = register(reg, applianceOn); err != nil {
		return nil, err
	}
	return &PromSink{
		shed:        shed,
		rebalances:  rebalances,
		load:        load,
		threshold:   threshold,
		usage:       usage,
		applianceOn: applianceOn,
	}, nil
}

// register returns the already registered collector when c was registered
// by an earlier sink.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// RecordRebalance counts shed appliances and the pass outcome.
func (s *PromSink) RecordRebalance(rec coremetrics.RebalanceRecord) error {
	for _, id := range rec.Shed {
		s.shed.WithLabelValues(id).Inc()
		s.applianceOn.WithLabelValues(id).Set(0)
	}
	s.rebalances.WithLabelValues(outcome(rec)).Inc()
	s.load.Set(rec.LoadAfterKw)
	s.threshold.Set(rec.ThresholdKw)
	return nil
}

// RecordUsage updates the load gauges.
func (s *PromSink) RecordUsage(u coremetrics.UsageSample) error {
	s.load.Set(u.Usage.CurrentKw)
	s.threshold.Set(u.Usage.ThresholdKw)
	s.usage.Set(float64(u.Usage.Percent))
	return nil
}

// RecordStateChange tracks the on/off gauge of an appliance.
func (s *PromSink) RecordStateChange(ev coremetrics.StateChangeEvent) error {
	v := 0.0
	if ev.On {
		v = 1
	}
	s.applianceOn.WithLabelValues(ev.ApplianceID).Set(v)
	return nil
}

func outcome(rec coremetrics.RebalanceRecord) string {
	switch {
	case rec.Unreachable:
		return "unreachable"
	case len(rec.Shed) > 0:
		return "shed"
	default:
		return "noop"
	}
}
