package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kilianp07/homeenergy/api/appliances"
	"github.com/kilianp07/homeenergy/config"
	"github.com/kilianp07/homeenergy/core/controller"
	"github.com/kilianp07/homeenergy/core/events"
	"github.com/kilianp07/homeenergy/core/history"
	coremetrics "github.com/kilianp07/homeenergy/core/metrics"
	coremon "github.com/kilianp07/homeenergy/core/monitoring"
	"github.com/kilianp07/homeenergy/core/notify"
	"github.com/kilianp07/homeenergy/core/persistence"
	"github.com/kilianp07/homeenergy/core/registry"
	"github.com/kilianp07/homeenergy/core/settings"
	"github.com/kilianp07/homeenergy/infra/logger"
	"github.com/kilianp07/homeenergy/infra/metrics"
	"github.com/kilianp07/homeenergy/infra/monitoring"
	"github.com/kilianp07/homeenergy/infra/mqtt"
	infranotify "github.com/kilianp07/homeenergy/infra/notify"
	"github.com/kilianp07/homeenergy/infra/store"
	"github.com/kilianp07/homeenergy/internal/eventbus"
)

// Service wires the controller to persistence, MQTT, metrics and the HTTP API.
type Service struct {
	Controller *controller.Controller
	store      persistence.Store
	bridge     *mqtt.Bridge
	bus        *eventbus.Bus
	commands   *eventbus.TypedBus[events.ToggleRequested]
	sink       coremetrics.MetricsSink
	handler    http.Handler
	addr       string
	log        logger.Logger
}

// OpenStore builds the configured store and seeds it on first run.
func OpenStore(ctx context.Context, cfg *config.Config, log logger.Logger) (persistence.Store, error) {
	st, err := store.New(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	if cfg.Seed.Disabled {
		return st, nil
	}
	apps, err := store.LoadSeed(cfg.Seed.Path)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("seed: %w", err)
	}
	seeded, err := store.Seed(ctx, st, apps)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("seed: %w", err)
	}
	if seeded {
		log.Infof("store seeded with %d appliances", len(apps))
	}
	return st, nil
}

// New creates a Service from the configuration.
func New(ctx context.Context, cfg *config.Config) (svc *Service, err error) {
	logg := logger.New("service")
	if err := logger.SetLevel(cfg.Logging.Level); err != nil {
		return nil, err
	}
	mon, err := monitoring.NewSentryMonitor(cfg.Sentry)
	if err != nil {
		logg.Warnf("sentry disabled: %v", err)
	} else {
		coremon.Init(mon)
	}

	s := &Service{
		bus:      eventbus.New(),
		commands: eventbus.NewTyped[events.ToggleRequested](),
		addr:     cfg.HTTP.Addr,
		log:      logg,
	}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	s.store, err = OpenStore(ctx, cfg, logg)
	if err != nil {
		return nil, err
	}
	hist, err := history.Open(cfg.History)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	set, err := settings.NewStore(cfg.Threshold)
	if err != nil {
		_ = hist.Close()
		return nil, fmt.Errorf("threshold: %w", err)
	}
	s.sink, err = coremetrics.NewMetricsSink(cfg.Metrics.Sinks)
	if err != nil {
		_ = hist.Close()
		return nil, fmt.Errorf("metrics: %w", err)
	}
	for _, m := range cfg.Metrics.Sinks {
		logg.Infof("metrics sink enabled: %s", m.Type)
	}

	notifiers := notify.Multi{infranotify.NewLogNotifier(logger.New("notify"))}
	if cfg.MQTT.Enabled {
		s.bridge, err = mqtt.NewBridge(cfg.MQTT, s.commands, logger.New("mqtt"))
		if err != nil {
			_ = hist.Close()
			return nil, fmt.Errorf("mqtt bridge: %w", err)
		}
		notifiers = append(notifiers, s.bridge)
	}

	s.Controller, err = controller.New(registry.New(), s.store,
		controller.WithConfig(cfg.Controller),
		controller.WithSettings(set),
		controller.WithNotifier(notifiers),
		controller.WithBus(s.bus),
		controller.WithCommands(s.commands),
		controller.WithHistory(hist),
		controller.WithLogger(logger.New("controller")),
	)
	if err != nil {
		_ = hist.Close()
		return nil, fmt.Errorf("controller: %w", err)
	}
	if err := s.Controller.Load(ctx); err != nil {
		return nil, err
	}
	if err := metrics.WatchBusDrops(prometheus.DefaultRegisterer, "events", s.bus.Dropped); err != nil {
		logg.Warnf("watch event bus: %v", err)
	}
	if err := metrics.WatchBusDrops(prometheus.DefaultRegisterer, "commands", s.commands.Dropped); err != nil {
		logg.Warnf("watch command bus: %v", err)
	}
	s.handler = metrics.NewMux(prometheus.DefaultGatherer, appliances.NewHandler(s.Controller, cfg.HTTP.Token))
	return s, nil
}

// Handler returns the HTTP handler serving the API and /metrics.
func (s *Service) Handler() http.Handler { return s.handler }

// Run starts the service and blocks until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	collected := metrics.StartEventCollector(ctx, s.bus, s.sink, logger.New("metrics"))
	var forwarded <-chan struct{}
	if s.bridge != nil {
		if err := s.bridge.PublishSnapshot(s.Controller.Appliances()); err != nil {
			s.log.Warnf("publish snapshot: %v", err)
		}
		forwarded = s.bridge.ForwardStates(ctx, s.bus)
	}
	ctrlDone := make(chan struct{})
	go func() {
		defer close(ctrlDone)
		s.Controller.Run(ctx)
	}()

	err := metrics.StartServer(ctx, s.addr, s.handler, logger.New("http"))
	cancel()
	<-ctrlDone
	<-collected
	if forwarded != nil {
		<-forwarded
	}
	return err
}

// Close releases resources held by the service.
func (s *Service) Close() error {
	var errs []error
	if s.bridge != nil {
		s.bridge.Close()
	}
	if s.Controller != nil {
		errs = append(errs, s.Controller.Close())
	}
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	if c, ok := s.sink.(interface{ Close() }); ok {
		c.Close()
	}
	s.commands.Close()
	s.bus.Close()
	coremon.Flush(2 * time.Second)
	return errors.Join(errs...)
}
