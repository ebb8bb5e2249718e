package metrics

import (
	"errors"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// dropCollector exports the lossy-delivery counters of event buses.
type dropCollector struct {
	desc    *prometheus.Desc
	mu      sync.Mutex
	sources map[string]func() uint64
}

var busDrops = &dropCollector{
	desc: prometheus.NewDesc(
		"eventbus_dropped_events_total",
		"Events not delivered because a subscriber buffer was full.",
		[]string{"bus"}, nil,
	),
	sources: map[string]func() uint64{},
}

func (c *dropCollector) Describe(ch chan<- *prometheus.Desc) { ch <- c.desc }

func (c *dropCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	names := make([]string, 0, len(c.sources))
	for n := range c.sources {
		names = append(names, n)
	}
	sort.Strings(names)
	values := make([]float64, len(names))
	for i, n := range names {
		values[i] = float64(c.sources[n]())
	}
	c.mu.Unlock()
	for i, n := range names {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.CounterValue, values[i], n)
	}
}

// WatchBusDrops exports dropped() as eventbus_dropped_events_total{bus=name}
// on reg. Watching the same name again replaces the previous source.
func WatchBusDrops(reg prometheus.Registerer, name string, dropped func() uint64) error {
	busDrops.mu.Lock()
	busDrops.sources[name] = dropped
	busDrops.mu.Unlock()
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	err := reg.Register(busDrops)
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		return nil
	}
	return err
}
