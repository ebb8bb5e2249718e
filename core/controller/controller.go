// Package controller runs the auto-balancing loop. It owns the
// read-decide-apply cycle: a consistent snapshot of the registry is handed
// to the balancer and the resulting directives are applied and persisted
// while the controller lock is held, so a toggle racing a periodic check
// never interleaves with it.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kilianp07/homeenergy/core/balancer"
	"github.com/kilianp07/homeenergy/core/events"
	"github.com/kilianp07/homeenergy/core/history"
	"github.com/kilianp07/homeenergy/core/logger"
	"github.com/kilianp07/homeenergy/core/model"
	"github.com/kilianp07/homeenergy/core/monitoring"
	"github.com/kilianp07/homeenergy/core/notify"
	"github.com/kilianp07/homeenergy/core/persistence"
	"github.com/kilianp07/homeenergy/core/registry"
	"github.com/kilianp07/homeenergy/core/settings"
	"github.com/kilianp07/homeenergy/internal/eventbus"
)

// ErrReadOnlySettings is returned by UpdateSettings when the configured
// provider cannot be changed at runtime.
var ErrReadOnlySettings = errors.New("settings are read-only")

// Outcome describes one rebalance pass.
type Outcome struct {
	Trigger      string            `json:"trigger"`
	ThresholdKw  float64           `json:"threshold_kw"`
	LoadBeforeKw float64           `json:"load_before_kw"`
	LoadAfterKw  float64           `json:"load_after_kw"`
	Applied      []model.Directive `json:"applied"`
	Skipped      []model.Directive `json:"skipped,omitempty"`
	Unreachable  bool              `json:"unreachable"`
	Disabled     bool              `json:"disabled"`
}

type settingsUpdater interface {
	Update(model.ThresholdConfig) error
}

// Controller applies balancing decisions to the registry and its
// collaborators.
type Controller struct {
	mu       sync.Mutex
	reg      *registry.Registry
	store    persistence.Store
	settings settings.Provider
	notifier notify.Notifier
	bus      eventbus.EventBus
	commands *eventbus.TypedBus[events.ToggleRequested]
	history  history.LogStore
	log      logger.Logger
	cfg      Config
	now      func() time.Time

	// unreachable is the result of the previous enabled pass; guarded by mu.
	unreachable bool

	// afterDecide runs between the decision and its application.
	afterDecide func()
}

// Option configures a Controller.
type Option func(*Controller)

func WithSettings(p settings.Provider) Option { return func(c *Controller) { c.settings = p } }
func WithNotifier(n notify.Notifier) Option   { return func(c *Controller) { c.notifier = n } }
func WithBus(b eventbus.EventBus) Option      { return func(c *Controller) { c.bus = b } }
func WithHistory(h history.LogStore) Option   { return func(c *Controller) { c.history = h } }
func WithLogger(l logger.Logger) Option       { return func(c *Controller) { c.log = l } }
func WithConfig(cfg Config) Option            { return func(c *Controller) { c.cfg = cfg } }
func WithClock(now func() time.Time) Option   { return func(c *Controller) { c.now = now } }

// WithCommands makes Run consume toggle commands from b.
func WithCommands(b *eventbus.TypedBus[events.ToggleRequested]) Option {
	return func(c *Controller) { c.commands = b }
}

// New creates a controller for reg backed by store.
func New(reg *registry.Registry, store persistence.Store, opts ...Option) (*Controller, error) {
	if reg == nil || store == nil {
		return nil, fmt.Errorf("controller: nil registry or store")
	}
	c := &Controller{
		reg:      reg,
		store:    store,
		settings: settings.Static(model.DefaultThreshold()),
		notifier: notify.NopNotifier{},
		history:  history.NopStore{},
		log:      nopLogger{},
		cfg:      DefaultConfig(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	if err := c.cfg.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Load replaces the registry content with the persisted appliances.
func (c *Controller) Load(ctx context.Context) error {
	apps, err := c.store.LoadAppliances(ctx)
	if err != nil {
		persistFailures.WithLabelValues("load").Inc()
		monitoring.CaptureOp(err, "load", "")
		return fmt.Errorf("load appliances: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.reg.Replace(apps); err != nil {
		return fmt.Errorf("load appliances: %w", err)
	}
	c.log.Infof("loaded %d appliances", len(apps))
	return nil
}

// Appliances returns the registry content in insertion order.
func (c *Controller) Appliances() []model.Appliance { return c.reg.List() }

// Appliance returns one appliance.
func (c *Controller) Appliance(id string) (model.Appliance, error) { return c.reg.Get(id) }

// Settings returns the threshold configuration currently in effect.
func (c *Controller) Settings() model.ThresholdConfig { return c.settings.Threshold() }

// Status classifies the current draw against the threshold.
func (c *Controller) Status() model.Usage {
	return model.Classify(c.reg.TotalLoadKw(registry.IsOn), c.settings.Threshold().MaxThresholdKw)
}

// RestoreAdvice lists off appliances that could be switched back on without
// crossing the threshold. Nothing is applied.
func (c *Controller) RestoreAdvice() []model.Directive {
	return balancer.RestoreAdvice(c.reg.List(), c.settings.Threshold().MaxThresholdKw)
}

// Toggle switches an appliance on or off on behalf of source. The registry
// keeps the new state even when persisting it fails; the returned error then
// wraps persistence.ErrIO. Switching an appliance on triggers a rebalance
// when configured, so the returned appliance reflects the final state.
func (c *Controller) Toggle(ctx context.Context, id string, on bool, source string) (model.Appliance, error) {
	if source == "" {
		source = events.SourceManual
	}
	c.publish(events.ToggleRequested{ApplianceID: id, Desired: on, Source: source})

	c.mu.Lock()
	a, err := c.reg.SetPower(id, on)
	if err != nil {
		c.mu.Unlock()
		return model.Appliance{}, err
	}
	perr := c.persistPower(ctx, a, source)
	c.mu.Unlock()
	toggles.WithLabelValues(source).Inc()
	c.log.Infow("appliance toggled", map[string]any{"appliance_id": id, "on": on, "source": source})

	if !on || !c.cfg.RebalanceOnToggle {
		return a, perr
	}
	_, rerr := c.rebalance(ctx, history.TriggerToggle)
	if latest, err := c.reg.Get(id); err == nil {
		a = latest
	}
	return a, errors.Join(perr, rerr)
}

// persistPower stores the power state of a and announces the change. It must
// be called with c.mu held.
func (c *Controller) persistPower(ctx context.Context, a model.Appliance, source string) error {
	err := c.store.PersistPowerState(ctx, a.ID, a.IsOn)
	if err != nil {
		if !errors.Is(err, persistence.ErrIO) {
			err = persistence.NewIOError("persist_power", a.ID, err)
		}
		persistFailures.WithLabelValues("persist_power").Inc()
		monitoring.CaptureOp(err, "persist_power", a.ID)
		c.log.Errorf("persist %s: %v", a.ID, err)
	}
	c.publish(events.StateChanged{
		ApplianceID: a.ID,
		Name:        a.Name,
		On:          a.IsOn,
		Source:      source,
		Err:         err,
		Time:        c.now(),
	})
	return err
}

// Rebalance sheds load until the draw is at or under the threshold. An
// unreachable threshold is reported through Outcome.Unreachable, not as an
// error; the returned error joins persistence failures of applied directives.
func (c *Controller) Rebalance(ctx context.Context) (Outcome, error) {
	return c.rebalance(ctx, history.TriggerManual)
}

func (c *Controller) rebalance(ctx context.Context, trigger string) (Outcome, error) {
	start := time.Now()
	cfg := c.settings.Threshold()
	out, errs, ongoing := c.decideAndApply(ctx, cfg, trigger)
	rebalanceDuration.Observe(time.Since(start).Seconds())
	if out.Disabled {
		return out, nil
	}
	directivesApplied.Add(float64(len(out.Applied)))
	staleDirectives.Add(float64(len(out.Skipped)))
	now := c.now()
	// A pass that only confirms an overload already reported stays silent.
	quiet := ongoing && len(out.Applied) == 0 && len(out.Skipped) == 0 && len(errs) == 0
	switch {
	case quiet:
		c.log.Debugw("threshold still unreachable", map[string]any{"threshold_kw": out.ThresholdKw, "load_kw": out.LoadAfterKw})
	case out.Unreachable:
		thresholdUnreachable.Inc()
		c.log.Warnf("threshold %.3f kW unreachable: %.3f kW of critical load remains on", out.ThresholdKw, out.LoadAfterKw)
	}
	if len(out.Applied) > 0 {
		c.log.Infow("load shed", map[string]any{
			"trigger":        trigger,
			"shed":           len(out.Applied),
			"load_before_kw": out.LoadBeforeKw,
			"load_after_kw":  out.LoadAfterKw,
			"threshold_kw":   out.ThresholdKw,
		})
	}
	c.publish(events.Rebalanced{
		ThresholdKw:  out.ThresholdKw,
		LoadBeforeKw: out.LoadBeforeKw,
		LoadAfterKw:  out.LoadAfterKw,
		Applied:      out.Applied,
		Skipped:      out.Skipped,
		Unreachable:  out.Unreachable,
		Time:         now,
	})
	if cfg.NotificationsEnabled && !quiet {
		if n, ok := notify.ForRebalance(out.Applied, out.Unreachable, now); ok {
			if err := c.notifier.Notify(ctx, n); err != nil {
				c.log.Warnf("notify: %v", err)
			}
		}
	}
	err := errors.Join(errs...)
	if len(out.Applied) > 0 || len(out.Skipped) > 0 || (out.Unreachable && !quiet) || err != nil {
		c.record(ctx, out, errs, now)
	}
	return out, err
}

// decideAndApply also reports whether the threshold was already unreachable on
// the previous pass.
func (c *Controller) decideAndApply(ctx context.Context, cfg model.ThresholdConfig, trigger string) (Outcome, []error, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	snapshot := c.reg.List()
	out := Outcome{
		Trigger:      trigger,
		ThresholdKw:  cfg.MaxThresholdKw,
		LoadBeforeKw: balancer.CurrentKw(snapshot),
	}
	if !cfg.AutoBalanceEnabled {
		out.Disabled = true
		out.LoadAfterKw = out.LoadBeforeKw
		c.unreachable = false
		return out, nil, false
	}
	directives, err := balancer.Rebalance(snapshot, cfg.MaxThresholdKw)
	out.Unreachable = errors.Is(err, balancer.ErrThresholdUnreachable)
	ongoing := out.Unreachable && c.unreachable
	c.unreachable = out.Unreachable
	if c.afterDecide != nil {
		c.afterDecide()
	}
	var errs []error
	for _, d := range directives {
		applied, err := c.reg.Apply(d)
		if err != nil || !applied {
			c.log.Debugw("skipping stale directive", map[string]any{"appliance_id": d.ApplianceID, "target": string(d.Target)})
			out.Skipped = append(out.Skipped, d)
			continue
		}
		out.Applied = append(out.Applied, d)
		a, err := c.reg.Get(d.ApplianceID)
		if err != nil {
			continue
		}
		if perr := c.persistPower(ctx, a, events.SourceBalancer); perr != nil {
			errs = append(errs, perr)
		}
	}
	out.LoadAfterKw = c.reg.TotalLoadKw(registry.IsOn)
	return out, errs, ongoing
}

func (c *Controller) record(ctx context.Context, out Outcome, errs []error, now time.Time) {
	rec := history.LogRecord{
		Timestamp:    now,
		Trigger:      out.Trigger,
		ThresholdKw:  out.ThresholdKw,
		LoadBeforeKw: out.LoadBeforeKw,
		LoadAfterKw:  out.LoadAfterKw,
		Applied:      out.Applied,
		Skipped:      out.Skipped,
		Unreachable:  out.Unreachable,
	}
	for _, e := range errs {
		rec.Errors = append(rec.Errors, e.Error())
	}
	if err := c.history.Append(ctx, rec); err != nil {
		c.log.Errorf("history append: %v", err)
	}
}

// UpdateSettings changes the threshold configuration and rebalances against
// the new value.
func (c *Controller) UpdateSettings(ctx context.Context, cfg model.ThresholdConfig) (Outcome, error) {
	u, ok := c.settings.(settingsUpdater)
	if !ok {
		return Outcome{}, ErrReadOnlySettings
	}
	if err := u.Update(cfg); err != nil {
		return Outcome{}, err
	}
	c.log.Infow("settings updated", map[string]any{
		"max_threshold_kw":      cfg.MaxThresholdKw,
		"auto_balance_enabled":  cfg.AutoBalanceEnabled,
		"notifications_enabled": cfg.NotificationsEnabled,
	})
	return c.rebalance(ctx, history.TriggerSettings)
}

// AddAppliance persists and registers a new appliance. An empty id is
// replaced by a generated one.
func (c *Controller) AddAppliance(ctx context.Context, a model.Appliance) (model.Appliance, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if err := a.Validate(); err != nil {
		return model.Appliance{}, err
	}
	c.mu.Lock()
	if _, err := c.reg.Get(a.ID); err == nil {
		c.mu.Unlock()
		return model.Appliance{}, fmt.Errorf("%w: %s", registry.ErrDuplicate, a.ID)
	}
	if err := c.save(ctx, a); err != nil {
		c.mu.Unlock()
		return model.Appliance{}, err
	}
	err := c.reg.Add(a)
	c.mu.Unlock()
	if err != nil {
		return model.Appliance{}, err
	}
	c.log.Infof("appliance %s added", a.ID)
	return c.afterEdit(ctx, a)
}

// UpdateAppliance persists and applies new metadata for an existing
// appliance.
func (c *Controller) UpdateAppliance(ctx context.Context, a model.Appliance) (model.Appliance, error) {
	if err := a.Validate(); err != nil {
		return model.Appliance{}, err
	}
	c.mu.Lock()
	prev, err := c.reg.Get(a.ID)
	if err != nil {
		c.mu.Unlock()
		return model.Appliance{}, err
	}
	if err := c.save(ctx, a); err != nil {
		c.mu.Unlock()
		return model.Appliance{}, err
	}
	err = c.reg.Update(a)
	if err == nil && prev.IsOn != a.IsOn {
		c.publish(events.StateChanged{ApplianceID: a.ID, Name: a.Name, On: a.IsOn, Source: events.SourceManual, Time: c.now()})
	}
	c.mu.Unlock()
	if err != nil {
		return model.Appliance{}, err
	}
	return c.afterEdit(ctx, a)
}

// RemoveAppliance deletes an appliance from the store and the registry.
func (c *Controller) RemoveAppliance(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.reg.Get(id); err != nil {
		return err
	}
	if err := c.store.DeleteAppliance(ctx, id); err != nil {
		persistFailures.WithLabelValues("delete").Inc()
		monitoring.CaptureOp(err, "delete", id)
		return persistence.NewIOError("delete", id, err)
	}
	if err := c.reg.Remove(id); err != nil {
		return err
	}
	c.log.Infof("appliance %s removed", id)
	return nil
}

func (c *Controller) save(ctx context.Context, a model.Appliance) error {
	if err := c.store.SaveAppliance(ctx, a); err != nil {
		persistFailures.WithLabelValues("save").Inc()
		monitoring.CaptureOp(err, "save", a.ID)
		if !errors.Is(err, persistence.ErrIO) {
			err = persistence.NewIOError("save", a.ID, err)
		}
		return err
	}
	return nil
}

// afterEdit rebalances when an edit left the appliance on.
func (c *Controller) afterEdit(ctx context.Context, a model.Appliance) (model.Appliance, error) {
	if !a.IsOn || !c.cfg.RebalanceOnToggle {
		return a, nil
	}
	_, err := c.rebalance(ctx, history.TriggerToggle)
	if latest, gerr := c.reg.Get(a.ID); gerr == nil {
		a = latest
	}
	return a, err
}

// History returns recorded decisions matching q.
func (c *Controller) History(ctx context.Context, q history.LogQuery) ([]history.LogRecord, error) {
	return c.history.Query(ctx, q)
}

// Run rebalances once, then every check interval, and executes toggle
// commands received on the commands bus until ctx is canceled.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.CheckInterval())
	defer ticker.Stop()
	var cmds <-chan events.ToggleRequested
	if c.commands != nil {
		sub := c.commands.SubscribeReliable()
		defer c.commands.Unsubscribe(sub)
		cmds = sub
	}
	c.periodic(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.periodic(ctx)
		case cmd, ok := <-cmds:
			if !ok {
				cmds = nil
				continue
			}
			if _, err := c.Toggle(ctx, cmd.ApplianceID, cmd.Desired, cmd.Source); err != nil {
				c.log.Warnf("toggle %s from %s: %v", cmd.ApplianceID, cmd.Source, err)
			}
		}
	}
}

func (c *Controller) periodic(ctx context.Context) {
	if _, err := c.rebalance(ctx, history.TriggerPeriodic); err != nil {
		c.log.Errorf("periodic rebalance: %v", err)
	}
}

func (c *Controller) publish(ev eventbus.Event) {
	if c.bus != nil {
		c.bus.Publish(ev)
	}
}

// Close releases the history store.
func (c *Controller) Close() error {
	return c.history.Close()
}

type nopLogger struct{}

func (nopLogger) Debugf(string, ...any)         {}
func (nopLogger) Debugw(string, map[string]any) {}
func (nopLogger) Infof(string, ...any)          {}
func (nopLogger) Infow(string, map[string]any)  {}
func (nopLogger) Warnf(string, ...any)          {}
func (nopLogger) Errorf(string, ...any)         {}
