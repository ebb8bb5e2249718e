package metrics

import (
	"context"
	"errors"

	"github.com/kilianp07/homeenergy/core/events"
	"github.com/kilianp07/homeenergy/core/logger"
	infralogger "github.com/kilianp07/homeenergy/infra/logger"
	coremetrics "github.com/kilianp07/homeenergy/core/metrics"
	"github.com/kilianp07/homeenergy/core/model"
	"github.com/kilianp07/homeenergy/internal/eventbus"
)

// StartEventCollector subscribes to the event bus and records metrics for
// controller events. Sink failures are logged at debug level. It stops when
// the context is canceled. The returned channel is closed once the collector
// has exited.
func StartEventCollector(ctx context.Context, bus eventbus.EventBus, sink coremetrics.MetricsSink, log logger.Logger) <-chan struct{} {
	done := make(chan struct{})
	if bus == nil || sink == nil {
		close(done)
		return done
	}
	if log == nil {
		log = infralogger.NopLogger{}
	}
	sub := bus.SubscribeReliable()
	go func() {
		defer close(done)
		defer bus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub:
				if !ok {
					return
				}
				if err := record(sink, ev); err != nil {
					log.Debugf("metrics sink: %v", err)
				}
			}
		}
	}()
	return done
}

func record(sink coremetrics.MetricsSink, ev eventbus.Event) error {
	switch e := ev.(type) {
	case events.Rebalanced:
		shed := make([]string, 0, len(e.Applied))
		for _, d := range e.Applied {
			shed = append(shed, d.ApplianceID)
		}
		err := sink.RecordRebalance(coremetrics.RebalanceRecord{
			ThresholdKw:  e.ThresholdKw,
			LoadBeforeKw: e.LoadBeforeKw,
			LoadAfterKw:  e.LoadAfterKw,
			Shed:         shed,
			Skipped:      len(e.Skipped),
			Unreachable:  e.Unreachable,
			Time:         e.Time,
		})
		if r, ok := sink.(coremetrics.UsageRecorder); ok {
			err = errors.Join(err, r.RecordUsage(coremetrics.UsageSample{
				Usage: model.Classify(e.LoadAfterKw, e.ThresholdKw),
				Time:  e.Time,
			}))
		}
		return err
	case events.StateChanged:
		if r, ok := sink.(coremetrics.StateChangeRecorder); ok {
			return r.RecordStateChange(coremetrics.StateChangeEvent{
				ApplianceID: e.ApplianceID,
				Name:        e.Name,
				On:          e.On,
				Source:      e.Source,
				Time:        e.Time,
			})
		}
	}
	return nil
}
