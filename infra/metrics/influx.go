package metrics

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/kilianp07/homeenergy/core/logger"
	coremetrics "github.com/kilianp07/homeenergy/core/metrics"
	infralogger "github.com/kilianp07/homeenergy/infra/logger"
)

// InfluxConfig configures the InfluxDB sink.
type InfluxConfig struct {
	URL    string `json:"url"`
	Token  string `json:"token"`
	Org    string `json:"org"`
	Bucket string `json:"bucket"`
}

// InfluxSink writes balancing events to an InfluxDB instance using the
// official client.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	log      logger.Logger
}

// NewInfluxSink creates a new sink configured for the given InfluxDB endpoint.
func NewInfluxSink(cfg InfluxConfig) *InfluxSink {
	base := strings.TrimSuffix(cfg.URL, "/api/v2/write")
	client := influxdb2.NewClientWithOptions(base, cfg.Token,
		influxdb2.DefaultOptions().SetHTTPClient(&http.Client{Timeout: 5 * time.Second}))
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		log:      infralogger.New("influx-sink"),
	}
}

// NewInfluxSinkWithFallback pings the InfluxDB instance and returns a NopSink
// if the health check fails.
func NewInfluxSinkWithFallback(cfg InfluxConfig) coremetrics.MetricsSink {
	sink := NewInfluxSink(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	health, err := sink.client.Health(ctx)
	if err != nil || health.Status != "pass" {
		if err != nil {
			sink.log.Errorf("influx health check error: %v", err)
		} else {
			sink.log.Errorf("influx health status: %s", health.Status)
		}
		sink.client.Close()
		return coremetrics.NopSink{}
	}
	return sink
}

// RecordRebalance writes one rebalance point and one point per shed appliance.
func (s *InfluxSink) RecordRebalance(rec coremetrics.RebalanceRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	p := write.NewPointWithMeasurement("rebalance").
		AddTag("unreachable", strconv.FormatBool(rec.Unreachable)).
		AddTag("component", "controller").
		AddField("threshold_kw", round3(rec.ThresholdKw)).
		AddField("load_before_kw", round3(rec.LoadBeforeKw)).
		AddField("load_after_kw", round3(rec.LoadAfterKw)).
		AddField("shed", len(rec.Shed)).
		AddField("skipped", rec.Skipped).
		SetTime(rec.Time)
	if err := s.writeAPI.WritePoint(ctx, p); err != nil {
		return err
	}
	for _, id := range rec.Shed {
		sp := write.NewPointWithMeasurement("appliance_shed").
			AddTag("appliance_id", id).
			AddTag("component", "controller").
			AddField("threshold_kw", round3(rec.ThresholdKw)).
			SetTime(rec.Time)
		if err := s.writeAPI.WritePoint(ctx, sp); err != nil {
			return err
		}
	}
	return nil
}

// RecordUsage writes a usage sample.
func (s *InfluxSink) RecordUsage(u coremetrics.UsageSample) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p := write.NewPointWithMeasurement("household_usage").
		AddTag("status", string(u.Usage.Status)).
		AddField("current_kw", round3(u.Usage.CurrentKw)).
		AddField("threshold_kw", round3(u.Usage.ThresholdKw)).
		AddField("percent", u.Usage.Percent).
		SetTime(u.Time)
	return s.writeAPI.WritePoint(ctx, p)
}

// RecordStateChange writes an appliance switch.
func (s *InfluxSink) RecordStateChange(ev coremetrics.StateChangeEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p := write.NewPointWithMeasurement("appliance_state").
		AddTag("appliance_id", ev.ApplianceID)
	if ev.Source != "" {
		p = p.AddTag("source", ev.Source)
	}
	p = p.AddField("on", ev.On).
		SetTime(ev.Time)
	return s.writeAPI.WritePoint(ctx, p)
}

// Close releases the client.
func (s *InfluxSink) Close() { s.client.Close() }

func round3(f float64) float64 {
	return math.Round(f*1000) / 1000
}
