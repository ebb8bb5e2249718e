package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/homeenergy/core/events"
	"github.com/kilianp07/homeenergy/core/model"
	coremon "github.com/kilianp07/homeenergy/core/monitoring"
	"github.com/kilianp07/homeenergy/core/notify"
	"github.com/kilianp07/homeenergy/infra/logger"
	"github.com/kilianp07/homeenergy/internal/eventbus"
)

type commandRecorder struct {
	mu  sync.Mutex
	got []events.ToggleRequested
}

func (c *commandRecorder) Publish(ev events.ToggleRequested) {
	c.mu.Lock()
	c.got = append(c.got, ev)
	c.mu.Unlock()
}

func (c *commandRecorder) all() []events.ToggleRequested {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]events.ToggleRequested(nil), c.got...)
}

func newTestBridge(t *testing.T, mc *mockClient, cfg Config) (*Bridge, *commandRecorder) {
	t.Helper()
	t.Cleanup(useMock(mc))
	rec := &commandRecorder{}
	if cfg.Broker == "" {
		cfg.Broker = "tcp://localhost:1883"
	}
	b, err := NewBridge(cfg, rec, logger.NopLogger{})
	require.NoError(t, err)
	return b, rec
}

func TestNewBridge_SubscribesAndAnnounces(t *testing.T) {
	mc := &mockClient{}
	_, _ = newTestBridge(t, mc, Config{TopicPrefix: "house", QoS: map[string]byte{"command": 1}})

	require.Len(t, mc.subscribed, 1)
	assert.Equal(t, "house/appliances/+/set", mc.subscribed[0].topic)
	assert.Equal(t, byte(1), mc.subscribed[0].qos)
	assert.True(t, mc.opts.WillEnabled)
	assert.Equal(t, "house/status", mc.opts.WillTopic)

	sent := mc.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "house/status", sent[0].topic)
	assert.Equal(t, "online", string(sent[0].payload))
	assert.True(t, sent[0].retained)
}

func TestBridge_OnCommand(t *testing.T) {
	mc := &mockClient{}
	b, rec := newTestBridge(t, mc, Config{TopicPrefix: "house"})

	b.onCommand(nil, mockMessage{topic: "house/appliances/coffee/set", p: []byte(`{"on":false}`)})
	b.onCommand(nil, mockMessage{topic: "house/appliances/tv/set", p: []byte("ON")})
	b.onCommand(nil, mockMessage{topic: "house/appliances/tv/set", p: []byte("maybe")})
	b.onCommand(nil, mockMessage{topic: "house/appliances/a/b/set", p: []byte("on")})
	b.onCommand(nil, mockMessage{topic: "other/appliances/tv/set", p: []byte("on")})

	got := rec.all()
	require.Len(t, got, 2)
	assert.Equal(t, events.ToggleRequested{ApplianceID: "coffee", Desired: false, Source: events.SourceMQTT}, got[0])
	assert.Equal(t, events.ToggleRequested{ApplianceID: "tv", Desired: true, Source: events.SourceMQTT}, got[1])
}

func TestParseCommand(t *testing.T) {
	cases := map[string]bool{"on": true, "OFF": false, "1": true, "false": false, ` {"on": true} `: true}
	for in, want := range cases {
		got, err := ParseCommand([]byte(in))
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, bad := range []string{"", "toggle", `{"state":"on"}`, `{"on":`} {
		_, err := ParseCommand([]byte(bad))
		assert.Error(t, err, bad)
	}
}

func TestBridge_PublishStateRetained(t *testing.T) {
	mc := &mockClient{}
	b, _ := newTestBridge(t, mc, Config{TopicPrefix: "house", QoS: map[string]byte{"state": 1}})
	require.NoError(t, b.PublishState(events.StateChanged{ApplianceID: "ac", Name: "Air Conditioner", On: false, Source: events.SourceBalancer}))

	sent := mc.sent()
	last := sent[len(sent)-1]
	assert.Equal(t, "house/appliances/ac/state", last.topic)
	assert.True(t, last.retained)
	assert.Equal(t, byte(1), last.qos)
	var p StatePayload
	require.NoError(t, json.Unmarshal(last.payload, &p))
	assert.Equal(t, "ac", p.ApplianceID)
	assert.False(t, p.On)
	assert.Equal(t, events.SourceBalancer, p.Source)
	assert.False(t, p.Timestamp.IsZero())
}

func TestBridge_PublishSnapshot(t *testing.T) {
	mc := &mockClient{}
	b, _ := newTestBridge(t, mc, Config{})
	apps := []model.Appliance{{ID: "tv", IsOn: true}, {ID: "washer"}}
	require.NoError(t, b.PublishSnapshot(apps))
	sent := mc.sent()
	require.Len(t, sent, 3)
	assert.Equal(t, "homeenergy/appliances/tv/state", sent[1].topic)
	assert.Equal(t, "homeenergy/appliances/washer/state", sent[2].topic)
}

func TestBridge_Notify(t *testing.T) {
	mc := &mockClient{}
	b, _ := newTestBridge(t, mc, Config{TopicPrefix: "house"})
	n, _ := notify.ForRebalance([]model.Directive{model.OffDirective("coffee")}, false, time.Now())
	require.NoError(t, b.Notify(context.Background(), n))

	sent := mc.sent()
	last := sent[len(sent)-1]
	assert.Equal(t, "house/notifications", last.topic)
	assert.False(t, last.retained)
	var p NoticePayload
	require.NoError(t, json.Unmarshal(last.payload, &p))
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, notify.TitleAutoBalance, p.Title)
	assert.Equal(t, "coffee", p.Directives[0].ApplianceID)
}

type recordMonitor struct {
	mu   sync.Mutex
	err  error
	tags map[string]string
}

func (r *recordMonitor) CaptureException(err error, tags map[string]string) {
	r.mu.Lock()
	r.err, r.tags = err, tags
	r.mu.Unlock()
}
func (r *recordMonitor) Recover()            {}
func (r *recordMonitor) Flush(time.Duration) {}

func TestBridge_PublishRetriesThenCaptures(t *testing.T) {
	mc := &mockClient{}
	b, _ := newTestBridge(t, mc, Config{MaxRetries: 1, BackoffMS: 1})

	mc.publishErrs = []error{errors.New("net fail"), nil}
	require.NoError(t, b.PublishState(events.StateChanged{ApplianceID: "tv"}))
	assert.Len(t, mc.sent(), 3)

	mon := &recordMonitor{}
	coremon.Init(mon)
	t.Cleanup(func() { coremon.Init(nil) })
	mc.publishErrs = []error{errors.New("net fail"), errors.New("net fail")}
	err := b.PublishState(events.StateChanged{ApplianceID: "tv"})
	assert.Error(t, err)
	assert.Error(t, mon.err)
	assert.Equal(t, "tv", mon.tags["appliance_id"])
	assert.Equal(t, "mqtt", mon.tags["module"])
}

func TestBridge_ForwardStates(t *testing.T) {
	mc := &mockClient{}
	b, _ := newTestBridge(t, mc, Config{})
	bus := eventbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := b.ForwardStates(ctx, bus)

	bus.Publish(events.Rebalanced{})
	bus.Publish(events.StateChanged{ApplianceID: "coffee"})
	assert.Eventually(t, func() bool { return len(mc.sent()) == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestBridge_ForwardStatesKeepsBursts(t *testing.T) {
	mc := &mockClient{}
	b, _ := newTestBridge(t, mc, Config{})
	before := len(mc.sent())
	bus := eventbus.New()
	defer bus.Close()
	ctx, cancel := context.WithCancel(context.Background())
	done := b.ForwardStates(ctx, bus)

	for i := 0; i < 40; i++ {
		bus.Publish(events.StateChanged{ApplianceID: fmt.Sprintf("plug-%d", i)})
	}
	assert.Eventually(t, func() bool { return len(mc.sent()) == before+40 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, bus.Dropped())

	cancel()
	<-done
}

func TestBridge_Close(t *testing.T) {
	mc := &mockClient{}
	b, _ := newTestBridge(t, mc, Config{})
	b.Close()
	sent := mc.sent()
	assert.Equal(t, "offline", string(sent[len(sent)-1].payload))
	assert.Equal(t, 1, mc.disconnects)
}
