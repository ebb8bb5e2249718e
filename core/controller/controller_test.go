package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/homeenergy/core/balancer"
	"github.com/kilianp07/homeenergy/core/events"
	"github.com/kilianp07/homeenergy/core/history"
	"github.com/kilianp07/homeenergy/core/model"
	"github.com/kilianp07/homeenergy/core/notify"
	"github.com/kilianp07/homeenergy/core/persistence"
	"github.com/kilianp07/homeenergy/core/registry"
	"github.com/kilianp07/homeenergy/core/settings"
	"github.com/kilianp07/homeenergy/infra/store"
	"github.com/kilianp07/homeenergy/internal/eventbus"
)

func household() []model.Appliance {
	return []model.Appliance{
		{ID: "fridge", Name: "Refrigerator", RatedPowerWatts: 150, Priority: model.PriorityHigh, IsCritical: true, IsOn: true},
		{ID: "ac", Name: "Air Conditioner", RatedPowerWatts: 1200, Priority: model.PriorityHigh, IsOn: true},
		{ID: "coffee", Name: "Coffee Maker", RatedPowerWatts: 900, Priority: model.PriorityLow, IsOn: true},
		{ID: "washer", Name: "Washing Machine", RatedPowerWatts: 500, Priority: model.PriorityMedium},
	}
}

// failingStore wraps a MemoryStore and fails writes on demand.
type failingStore struct {
	*store.MemoryStore
	mu        sync.Mutex
	failPower bool
	failSave  bool
}

var errDisk = errors.New("disk full")

func (s *failingStore) PersistPowerState(ctx context.Context, id string, on bool) error {
	s.mu.Lock()
	fail := s.failPower
	s.mu.Unlock()
	if fail {
		return errDisk
	}
	return s.MemoryStore.PersistPowerState(ctx, id, on)
}

func (s *failingStore) SaveAppliance(ctx context.Context, a model.Appliance) error {
	if s.failSave {
		return errDisk
	}
	return s.MemoryStore.SaveAppliance(ctx, a)
}

type recordingNotifier struct {
	mu      sync.Mutex
	notices []notify.Notice
}

func (n *recordingNotifier) Notify(_ context.Context, notice notify.Notice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice)
	return nil
}

type memHistory struct {
	records []history.LogRecord
}

func (h *memHistory) Append(_ context.Context, r history.LogRecord) error {
	h.records = append(h.records, r)
	return nil
}

func (h *memHistory) Query(_ context.Context, q history.LogQuery) ([]history.LogRecord, error) {
	var out []history.LogRecord
	for _, r := range h.records {
		if q.Matches(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (h *memHistory) Close() error { return nil }

type fixture struct {
	ctrl     *Controller
	reg      *registry.Registry
	store    *failingStore
	notifier *recordingNotifier
	history  *memHistory
	settings *settings.Store
	events   <-chan eventbus.Event
}

func newFixture(t *testing.T, thresholdKw float64, opts ...Option) *fixture {
	t.Helper()
	ResetMetrics(prometheus.NewRegistry())
	f := &fixture{
		reg:      registry.New(),
		store:    &failingStore{MemoryStore: store.NewMemoryStore(household()...)},
		notifier: &recordingNotifier{},
		history:  &memHistory{},
	}
	cfg := model.DefaultThreshold()
	cfg.MaxThresholdKw = thresholdKw
	var err error
	f.settings, err = settings.NewStore(cfg)
	require.NoError(t, err)
	bus := eventbus.New()
	t.Cleanup(bus.Close)
	f.events = bus.Subscribe()
	base := []Option{
		WithSettings(f.settings),
		WithNotifier(f.notifier),
		WithHistory(f.history),
		WithBus(bus),
		WithClock(func() time.Time { return time.Date(2024, 7, 1, 18, 0, 0, 0, time.UTC) }),
	}
	f.ctrl, err = New(f.reg, f.store, append(base, opts...)...)
	require.NoError(t, err)
	require.NoError(t, f.ctrl.Load(context.Background()))
	return f
}

func (f *fixture) drain() []eventbus.Event {
	var out []eventbus.Event
	for {
		select {
		case ev := <-f.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func (f *fixture) stored(t *testing.T, id string) model.Appliance {
	t.Helper()
	apps, err := f.store.LoadAppliances(context.Background())
	require.NoError(t, err)
	for _, a := range apps {
		if a.ID == id {
			return a
		}
	}
	t.Fatalf("appliance %s not stored", id)
	return model.Appliance{}
}

func TestNew_RequiresRegistryAndStore(t *testing.T) {
	_, err := New(nil, store.NewMemoryStore())
	assert.Error(t, err)
	_, err = New(registry.New(), nil)
	assert.Error(t, err)
	_, err = New(registry.New(), store.NewMemoryStore(), WithConfig(Config{CheckIntervalSeconds: -1}))
	assert.Error(t, err)
}

func TestRebalance_NothingToDo(t *testing.T) {
	f := newFixture(t, 3.5)
	out, err := f.ctrl.Rebalance(context.Background())
	require.NoError(t, err)
	assert.Empty(t, out.Applied)
	assert.False(t, out.Unreachable)
	assert.InDelta(t, 2.25, out.LoadBeforeKw, 1e-9)
	assert.InDelta(t, 2.25, out.LoadAfterKw, 1e-9)
	assert.Empty(t, f.history.records)
	assert.Empty(t, f.notifier.notices)
}

func TestRebalance_ShedsLowPriorityFirst(t *testing.T) {
	f := newFixture(t, 2.0)
	out, err := f.ctrl.Rebalance(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []model.Directive{model.OffDirective("coffee")}, out.Applied)
	assert.InDelta(t, 1.35, out.LoadAfterKw, 1e-9)
	assert.Equal(t, history.TriggerManual, out.Trigger)

	c, err := f.reg.Get("coffee")
	require.NoError(t, err)
	assert.False(t, c.IsOn)
	assert.False(t, f.stored(t, "coffee").IsOn)

	evs := f.drain()
	require.Len(t, evs, 2)
	sc, ok := evs[0].(events.StateChanged)
	require.True(t, ok)
	assert.Equal(t, "coffee", sc.ApplianceID)
	assert.Equal(t, events.SourceBalancer, sc.Source)
	assert.NoError(t, sc.Err)
	rb, ok := evs[1].(events.Rebalanced)
	require.True(t, ok)
	assert.Equal(t, out.Applied, rb.Applied)

	require.Len(t, f.notifier.notices, 1)
	assert.Equal(t, notify.TitleAutoBalance, f.notifier.notices[0].Title)

	require.Len(t, f.history.records, 1)
	assert.Equal(t, history.TriggerManual, f.history.records[0].Trigger)
	assert.Equal(t, 1.0, testutil.ToFloat64(directivesApplied))
}

func TestRebalance_Unreachable(t *testing.T) {
	f := newFixture(t, 0.1)
	out, err := f.ctrl.Rebalance(context.Background())
	require.NoError(t, err)
	assert.True(t, out.Unreachable)
	assert.Equal(t, []model.Directive{model.OffDirective("coffee"), model.OffDirective("ac")}, out.Applied)
	assert.InDelta(t, 0.15, out.LoadAfterKw, 1e-9)

	fridge, err := f.reg.Get("fridge")
	require.NoError(t, err)
	assert.True(t, fridge.IsOn)

	require.Len(t, f.notifier.notices, 1)
	assert.True(t, f.notifier.notices[0].Unreachable)
	require.Len(t, f.history.records, 1)
	assert.True(t, f.history.records[0].Unreachable)
	assert.Equal(t, 1.0, testutil.ToFloat64(thresholdUnreachable))
}

func TestRebalance_UnreachableReportedOncePerEpisode(t *testing.T) {
	f := newFixture(t, 0.1)
	ctx := context.Background()
	_, err := f.ctrl.Rebalance(ctx)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		out, err := f.ctrl.rebalance(ctx, history.TriggerPeriodic)
		require.NoError(t, err)
		assert.True(t, out.Unreachable)
		assert.Empty(t, out.Applied)
	}
	assert.Len(t, f.notifier.notices, 1)
	assert.Len(t, f.history.records, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(thresholdUnreachable))

	cfg := f.settings.Threshold()
	cfg.MaxThresholdKw = 1.0
	out, err := f.ctrl.UpdateSettings(ctx, cfg)
	require.NoError(t, err)
	assert.False(t, out.Unreachable)

	cfg.MaxThresholdKw = 0.1
	out, err = f.ctrl.UpdateSettings(ctx, cfg)
	require.NoError(t, err)
	assert.True(t, out.Unreachable)
	require.Len(t, f.notifier.notices, 2)
	assert.True(t, f.notifier.notices[1].Unreachable)
	assert.Len(t, f.history.records, 2)
}

func TestRebalance_LargeShedPublishesEveryStateChange(t *testing.T) {
	ResetMetrics(prometheus.NewRegistry())
	var apps []model.Appliance
	for i := 0; i < 25; i++ {
		apps = append(apps, model.Appliance{ID: fmt.Sprintf("plug-%02d", i), RatedPowerWatts: 100, Priority: model.PriorityLow, IsOn: true})
	}
	cfg := model.DefaultThreshold()
	cfg.MaxThresholdKw = 0.4
	bus := eventbus.New()
	defer bus.Close()
	sub := bus.SubscribeReliable()
	ctrl, err := New(registry.New(), store.NewMemoryStore(apps...), WithBus(bus), WithSettings(settings.Static(cfg)))
	require.NoError(t, err)
	require.NoError(t, ctrl.Load(context.Background()))

	type result struct {
		out Outcome
		err error
	}
	res := make(chan result, 1)
	go func() {
		out, err := ctrl.Rebalance(context.Background())
		res <- result{out, err}
	}()

	var changed []string
	for ev := range sub {
		if sc, ok := ev.(events.StateChanged); ok {
			changed = append(changed, sc.ApplianceID)
		}
		if _, ok := ev.(events.Rebalanced); ok {
			break
		}
	}
	r := <-res
	require.NoError(t, r.err)
	require.Len(t, r.out.Applied, 21)
	assert.Len(t, changed, 21)
	assert.Zero(t, bus.Dropped())
}

func TestRebalance_Disabled(t *testing.T) {
	f := newFixture(t, 0.5)
	cfg := f.settings.Threshold()
	cfg.AutoBalanceEnabled = false
	require.NoError(t, f.settings.Update(cfg))

	out, err := f.ctrl.Rebalance(context.Background())
	require.NoError(t, err)
	assert.True(t, out.Disabled)
	assert.Empty(t, out.Applied)
	assert.InDelta(t, 2.25, f.reg.TotalLoadKw(registry.IsOn), 1e-9)
	assert.Empty(t, f.drain())
	assert.Empty(t, f.history.records)
}

func TestRebalance_NotificationsDisabled(t *testing.T) {
	f := newFixture(t, 2.0)
	cfg := f.settings.Threshold()
	cfg.NotificationsEnabled = false
	require.NoError(t, f.settings.Update(cfg))

	out, err := f.ctrl.Rebalance(context.Background())
	require.NoError(t, err)
	assert.Len(t, out.Applied, 1)
	assert.Empty(t, f.notifier.notices)
}

func TestRebalance_PersistFailureKeepsRegistryState(t *testing.T) {
	f := newFixture(t, 2.0)
	f.store.failPower = true

	out, err := f.ctrl.Rebalance(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, persistence.ErrIO)
	assert.ErrorIs(t, err, errDisk)
	assert.Equal(t, []model.Directive{model.OffDirective("coffee")}, out.Applied)

	c, gerr := f.reg.Get("coffee")
	require.NoError(t, gerr)
	assert.False(t, c.IsOn)
	assert.True(t, f.stored(t, "coffee").IsOn)

	require.Len(t, f.history.records, 1)
	assert.Len(t, f.history.records[0].Errors, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(persistFailures.WithLabelValues("persist_power")))

	var sc events.StateChanged
	for _, ev := range f.drain() {
		if e, ok := ev.(events.StateChanged); ok {
			sc = e
		}
	}
	assert.ErrorIs(t, sc.Err, persistence.ErrIO)
}

func TestRebalance_SkipsStaleDirective(t *testing.T) {
	f := newFixture(t, 2.0)
	f.ctrl.afterDecide = func() {
		_, err := f.reg.SetPower("coffee", false)
		require.NoError(t, err)
	}
	out, err := f.ctrl.Rebalance(context.Background())
	require.NoError(t, err)
	assert.Empty(t, out.Applied)
	assert.Equal(t, []model.Directive{model.OffDirective("coffee")}, out.Skipped)
	assert.Equal(t, 1.0, testutil.ToFloat64(staleDirectives))

	ac, err := f.reg.Get("ac")
	require.NoError(t, err)
	assert.True(t, ac.IsOn)
}

func TestRebalance_SkipsApplianceMadeCritical(t *testing.T) {
	f := newFixture(t, 2.0)
	f.ctrl.afterDecide = func() {
		c, err := f.reg.Get("coffee")
		require.NoError(t, err)
		c.IsCritical = true
		require.NoError(t, f.reg.Update(c))
	}
	out, err := f.ctrl.Rebalance(context.Background())
	require.NoError(t, err)
	assert.Empty(t, out.Applied)
	assert.Len(t, out.Skipped, 1)
	c, err := f.reg.Get("coffee")
	require.NoError(t, err)
	assert.True(t, c.IsOn)
}

func TestToggle_Off(t *testing.T) {
	f := newFixture(t, 3.5)
	a, err := f.ctrl.Toggle(context.Background(), "ac", false, "")
	require.NoError(t, err)
	assert.False(t, a.IsOn)
	assert.False(t, f.stored(t, "ac").IsOn)

	evs := f.drain()
	require.Len(t, evs, 2)
	req, ok := evs[0].(events.ToggleRequested)
	require.True(t, ok)
	assert.Equal(t, "ac", req.ApplianceID)
	sc, ok := evs[1].(events.StateChanged)
	require.True(t, ok)
	assert.Equal(t, events.SourceManual, sc.Source)
	assert.Equal(t, 1.0, testutil.ToFloat64(toggles.WithLabelValues(events.SourceManual)))
}

func TestToggle_CriticalApplianceCanBeSwitchedOffManually(t *testing.T) {
	f := newFixture(t, 3.5)
	a, err := f.ctrl.Toggle(context.Background(), "fridge", false, events.SourceManual)
	require.NoError(t, err)
	assert.False(t, a.IsOn)
}

func TestToggle_UnknownAppliance(t *testing.T) {
	f := newFixture(t, 3.5)
	_, err := f.ctrl.Toggle(context.Background(), "ghost", true, events.SourceManual)
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestToggle_OnTriggersRebalance(t *testing.T) {
	f := newFixture(t, 1.5)
	_, err := f.ctrl.Toggle(context.Background(), "coffee", false, events.SourceManual)
	require.NoError(t, err)

	a, err := f.ctrl.Toggle(context.Background(), "coffee", true, events.SourceMQTT)
	require.NoError(t, err)
	assert.False(t, a.IsOn, "coffee maker shed again by the follow-up rebalance")
	require.Len(t, f.history.records, 1)
	assert.Equal(t, history.TriggerToggle, f.history.records[0].Trigger)
}

func TestToggle_OnWithoutRebalance(t *testing.T) {
	f := newFixture(t, 1.5, WithConfig(Config{CheckIntervalSeconds: 30}))
	_, err := f.ctrl.Toggle(context.Background(), "coffee", false, events.SourceManual)
	require.NoError(t, err)
	a, err := f.ctrl.Toggle(context.Background(), "coffee", true, events.SourceManual)
	require.NoError(t, err)
	assert.True(t, a.IsOn)
	assert.Empty(t, f.history.records)
}

func TestToggle_PersistFailure(t *testing.T) {
	f := newFixture(t, 3.5)
	f.store.failPower = true
	a, err := f.ctrl.Toggle(context.Background(), "ac", false, events.SourceManual)
	require.Error(t, err)
	assert.ErrorIs(t, err, persistence.ErrIO)
	var ioErr *persistence.IOError
	require.ErrorAs(t, err, &ioErr)
	assert.Equal(t, "ac", ioErr.ApplianceID)
	assert.False(t, a.IsOn)

	got, gerr := f.reg.Get("ac")
	require.NoError(t, gerr)
	assert.False(t, got.IsOn)
}

func TestUpdateSettings_RebalancesAgainstNewThreshold(t *testing.T) {
	f := newFixture(t, 3.5)
	cfg := f.settings.Threshold()
	cfg.MaxThresholdKw = 2.0
	out, err := f.ctrl.UpdateSettings(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, history.TriggerSettings, out.Trigger)
	assert.Equal(t, []model.Directive{model.OffDirective("coffee")}, out.Applied)
	assert.InDelta(t, 2.0, f.ctrl.Settings().MaxThresholdKw, 1e-9)
}

func TestUpdateSettings_Invalid(t *testing.T) {
	f := newFixture(t, 3.5)
	_, err := f.ctrl.UpdateSettings(context.Background(), model.ThresholdConfig{MaxThresholdKw: 0})
	assert.Error(t, err)
	assert.InDelta(t, 3.5, f.ctrl.Settings().MaxThresholdKw, 1e-9)
}

func TestUpdateSettings_ReadOnly(t *testing.T) {
	ctrl, err := New(registry.New(), store.NewMemoryStore(), WithSettings(settings.Static(model.DefaultThreshold())))
	require.NoError(t, err)
	_, err = ctrl.UpdateSettings(context.Background(), model.DefaultThreshold())
	assert.ErrorIs(t, err, ErrReadOnlySettings)
}

func TestStatusAndRestoreAdvice(t *testing.T) {
	f := newFixture(t, 2.5)
	u := f.ctrl.Status()
	assert.InDelta(t, 2.25, u.CurrentKw, 1e-9)
	assert.Equal(t, 90, u.Percent)
	assert.Equal(t, model.UsageOverload, u.Status)
	assert.Empty(t, f.ctrl.RestoreAdvice())

	_, err := f.ctrl.Toggle(context.Background(), "coffee", false, events.SourceManual)
	require.NoError(t, err)
	assert.Equal(t, []model.Directive{model.OnDirective("washer")}, f.ctrl.RestoreAdvice())
	w, err := f.reg.Get("washer")
	require.NoError(t, err)
	assert.False(t, w.IsOn)
}

func TestAddAppliance(t *testing.T) {
	f := newFixture(t, 3.5)
	a, err := f.ctrl.AddAppliance(context.Background(), model.Appliance{Name: "Kettle", RatedPowerWatts: 2000, Priority: model.PriorityLow})
	require.NoError(t, err)
	assert.NotEmpty(t, a.ID)
	assert.Len(t, f.ctrl.Appliances(), 5)
	assert.Equal(t, "Kettle", f.stored(t, a.ID).Name)

	_, err = f.ctrl.AddAppliance(context.Background(), model.Appliance{ID: "ac", Name: "dup"})
	assert.ErrorIs(t, err, registry.ErrDuplicate)

	_, err = f.ctrl.AddAppliance(context.Background(), model.Appliance{ID: "bad", RatedPowerWatts: -1})
	assert.ErrorIs(t, err, model.ErrInvalidAppliance)
}

func TestAddAppliance_OnTriggersRebalance(t *testing.T) {
	f := newFixture(t, 2.5)
	a, err := f.ctrl.AddAppliance(context.Background(), model.Appliance{ID: "kettle", Name: "Kettle", RatedPowerWatts: 2000, Priority: model.PriorityLow, IsOn: true})
	require.NoError(t, err)
	assert.False(t, a.IsOn)
	assert.InDelta(t, 1.35, f.reg.TotalLoadKw(registry.IsOn), 1e-9)
}

func TestAddAppliance_SaveFailureLeavesRegistryUntouched(t *testing.T) {
	f := newFixture(t, 3.5)
	f.store.failSave = true
	_, err := f.ctrl.AddAppliance(context.Background(), model.Appliance{ID: "kettle", Name: "Kettle"})
	assert.ErrorIs(t, err, persistence.ErrIO)
	_, err = f.reg.Get("kettle")
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestUpdateAndRemoveAppliance(t *testing.T) {
	f := newFixture(t, 3.5)
	w, err := f.reg.Get("washer")
	require.NoError(t, err)
	w.Priority = model.PriorityHigh
	w.Name = "Washer"
	_, err = f.ctrl.UpdateAppliance(context.Background(), w)
	require.NoError(t, err)
	assert.Equal(t, model.PriorityHigh, f.stored(t, "washer").Priority)

	_, err = f.ctrl.UpdateAppliance(context.Background(), model.Appliance{ID: "ghost"})
	assert.ErrorIs(t, err, registry.ErrNotFound)

	require.NoError(t, f.ctrl.RemoveAppliance(context.Background(), "washer"))
	_, err = f.reg.Get("washer")
	assert.ErrorIs(t, err, registry.ErrNotFound)
	assert.ErrorIs(t, f.ctrl.RemoveAppliance(context.Background(), "washer"), registry.ErrNotFound)
}

func TestHistoryQuery(t *testing.T) {
	f := newFixture(t, 2.0)
	_, err := f.ctrl.Rebalance(context.Background())
	require.NoError(t, err)
	recs, err := f.ctrl.History(context.Background(), history.LogQuery{ApplianceID: "coffee"})
	require.NoError(t, err)
	assert.Len(t, recs, 1)
	recs, err = f.ctrl.History(context.Background(), history.LogQuery{ApplianceID: "ac"})
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestRun_PeriodicAndCommands(t *testing.T) {
	commands := eventbus.NewTyped[events.ToggleRequested]()
	defer commands.Close()
	f := newFixture(t, 2.0, WithCommands(commands), WithConfig(Config{CheckIntervalSeconds: 1, RebalanceOnToggle: false}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.ctrl.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		c, err := f.reg.Get("coffee")
		return err == nil && !c.IsOn
	}, time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		commands.Publish(events.ToggleRequested{ApplianceID: "washer", Desired: true, Source: events.SourceMQTT})
		w, err := f.reg.Get("washer")
		return err == nil && w.IsOn
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestLoad_StoreFailure(t *testing.T) {
	ResetMetrics(prometheus.NewRegistry())
	ctrl, err := New(registry.New(), brokenLoader{store.NewMemoryStore()})
	require.NoError(t, err)
	err = ctrl.Load(context.Background())
	assert.ErrorIs(t, err, persistence.ErrIO)
}

type brokenLoader struct{ *store.MemoryStore }

func (brokenLoader) LoadAppliances(context.Context) ([]model.Appliance, error) {
	return nil, persistence.NewIOError("load", "", errDisk)
}

func TestOutcomeMatchesBalancer(t *testing.T) {
	f := newFixture(t, 1.0)
	want, _ := balancer.Rebalance(household(), 1.0)
	out, err := f.ctrl.Rebalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, want, out.Applied)
}
