package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/kilianp07/homeenergy/core/events"
	"github.com/kilianp07/homeenergy/core/logger"
	"github.com/kilianp07/homeenergy/core/model"
	coremon "github.com/kilianp07/homeenergy/core/monitoring"
	"github.com/kilianp07/homeenergy/core/notify"
	"github.com/kilianp07/homeenergy/internal/eventbus"
)

// CommandPublisher receives toggle commands decoded from the broker.
type CommandPublisher interface {
	Publish(events.ToggleRequested)
}

// StatePayload is published retained on <prefix>/appliances/<id>/state.
type StatePayload struct {
	ApplianceID string    `json:"appliance_id"`
	Name        string    `json:"name,omitempty"`
	On          bool      `json:"on"`
	Source      string    `json:"source,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// NoticePayload is published on <prefix>/notifications.
type NoticePayload struct {
	ID string `json:"id"`
	notify.Notice
}

// Bridge connects the controller to the household over MQTT. Smart plugs and
// dashboards send commands on <prefix>/appliances/<id>/set and read state
// from <prefix>/appliances/<id>/state.
type Bridge struct {
	cli        pahoClient
	cfg        Config
	commands   CommandPublisher
	log        logger.Logger
	maxRetries int
	backoff    time.Duration
}

// NewBridge connects to the broker and subscribes to the command topic.
// Subscriptions are renewed on every reconnect.
func NewBridge(cfg Config, commands CommandPublisher, log logger.Logger) (*Bridge, error) {
	cfg.SetDefaults()
	opts, err := NewClientOptions(cfg)
	if err != nil {
		return nil, err
	}
	b := &Bridge{
		cfg:        cfg,
		commands:   commands,
		log:        log,
		maxRetries: cfg.MaxRetries,
		backoff:    time.Duration(cfg.BackoffMS) * time.Millisecond,
	}
	opts.OnConnect = func(c paho.Client) {
		log.Infof("MQTT connected")
		if token := c.Subscribe(b.commandTopic(), cfg.qos("command"), b.onCommand); token.Wait() && token.Error() != nil {
			log.Errorf("subscribe error: %v", token.Error())
		}
		c.Publish(cfg.LWTTopic, cfg.LWTQoS, cfg.LWTRetain, "online")
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		log.Errorf("connection lost: %v", err)
	}
	opts.OnReconnecting = func(_ paho.Client, _ *paho.ClientOptions) {
		log.Warnf("reconnecting to MQTT broker")
	}
	c := newMQTTClient(opts)
	if token := c.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	b.cli = c
	return b, nil
}

func (b *Bridge) commandTopic() string {
	return b.cfg.TopicPrefix + "/appliances/+/set"
}

// StateTopic returns the retained state topic of an appliance.
func (b *Bridge) StateTopic(id string) string {
	return fmt.Sprintf("%s/appliances/%s/state", b.cfg.TopicPrefix, id)
}

// NotificationTopic returns the topic notices are published on.
func (b *Bridge) NotificationTopic() string {
	return b.cfg.TopicPrefix + "/notifications"
}

func (b *Bridge) onCommand(_ paho.Client, msg paho.Message) {
	id, ok := applianceFromTopic(b.cfg.TopicPrefix, msg.Topic())
	if !ok {
		b.log.Warnf("ignoring command on unexpected topic %s", msg.Topic())
		return
	}
	on, err := ParseCommand(msg.Payload())
	if err != nil {
		b.log.Warnf("ignoring command for %s: %v", id, err)
		return
	}
	b.log.Debugw("command received", map[string]any{"appliance_id": id, "on": on})
	b.commands.Publish(events.ToggleRequested{ApplianceID: id, Desired: on, Source: events.SourceMQTT})
}

func applianceFromTopic(prefix, topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, prefix+"/appliances/")
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, "/set")
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

// ParseCommand accepts {"on":bool} or the plain payloads on/off, true/false
// and 1/0.
func ParseCommand(payload []byte) (bool, error) {
	s := strings.TrimSpace(string(payload))
	if strings.HasPrefix(s, "{") {
		var m struct {
			On *bool `json:"on"`
		}
		if err := json.Unmarshal([]byte(s), &m); err != nil {
			return false, fmt.Errorf("decode command: %w", err)
		}
		if m.On == nil {
			return false, fmt.Errorf("command missing on field")
		}
		return *m.On, nil
	}
	switch strings.ToLower(s) {
	case "on":
		return true, nil
	case "off":
		return false, nil
	}
	on, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("unknown command %q", s)
	}
	return on, nil
}

// PublishState publishes the retained state of an appliance.
func (b *Bridge) PublishState(ev events.StateChanged) error {
	ts := ev.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	payload, err := json.Marshal(StatePayload{
		ApplianceID: ev.ApplianceID,
		Name:        ev.Name,
		On:          ev.On,
		Source:      ev.Source,
		Timestamp:   ts,
	})
	if err != nil {
		return err
	}
	return b.publish(b.StateTopic(ev.ApplianceID), b.cfg.qos("state"), true, payload, ev.ApplianceID)
}

// PublishSnapshot publishes the state of every appliance, used on start so
// retained topics match the stored state.
func (b *Bridge) PublishSnapshot(apps []model.Appliance) error {
	now := time.Now()
	for _, a := range apps {
		if err := b.PublishState(events.StateChanged{ApplianceID: a.ID, Name: a.Name, On: a.IsOn, Time: now}); err != nil {
			return err
		}
	}
	return nil
}

// Notify implements notify.Notifier.
func (b *Bridge) Notify(_ context.Context, n notify.Notice) error {
	payload, err := json.Marshal(NoticePayload{ID: uuid.NewString(), Notice: n})
	if err != nil {
		return err
	}
	return b.publish(b.NotificationTopic(), b.cfg.qos("notice"), false, payload, "")
}

func (b *Bridge) publish(topic string, qos byte, retained bool, payload []byte, applianceID string) error {
	var publishErr error
	for attempt := 0; attempt <= b.maxRetries; attempt++ {
		token := b.cli.Publish(topic, qos, retained, payload)
		token.Wait()
		publishErr = token.Error()
		if publishErr == nil {
			return nil
		}
		b.log.Errorf("publish attempt %d to %s failed: %v", attempt+1, topic, publishErr)
		if attempt < b.maxRetries {
			time.Sleep(b.backoff * time.Duration(1<<attempt))
		}
	}
	tags := map[string]string{"module": "mqtt", "topic": topic}
	if applianceID != "" {
		tags["appliance_id"] = applianceID
	}
	coremon.CaptureException(publishErr, tags)
	return publishErr
}

// ForwardStates publishes every StateChanged seen on bus until ctx is done.
// The subscription is reliable so no state change is lost while a publish is
// in flight. The returned channel is closed once forwarding stopped.
func (b *Bridge) ForwardStates(ctx context.Context, bus eventbus.EventBus) <-chan struct{} {
	done := make(chan struct{})
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
				if sc, ok := ev.(events.StateChanged); ok {
					if err := b.PublishState(sc); err != nil {
						b.log.Errorf("publish state %s: %v", sc.ApplianceID, err)
					}
				}
			}
		}
	}()
	return done
}

// Close marks the bridge offline and disconnects.
func (b *Bridge) Close() {
	if b.cli != nil && b.cli.IsConnected() {
		b.cli.Publish(b.cfg.LWTTopic, b.cfg.LWTQoS, b.cfg.LWTRetain, b.cfg.LWTPayload).Wait()
		b.cli.Disconnect(250)
	}
}
