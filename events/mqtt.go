package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	viamutils "go.viam.com/utils"
)

// MQTTConfig describes the broker connection of an MQTTBridge.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
	// SkipFrames leaves video_frame_* events off the broker.
	SkipFrames bool `yaml:"skip_frames"`
}

// MQTTBridge forwards bus events to an MQTT broker as JSON, one message per event.
type MQTTBridge struct {
	cfg    MQTTConfig
	client mqtt.Client
	sub    *Subscription
	bus    *Bus
	logger logging.Logger

	mu        sync.Mutex
	published map[string]uint64
	failures  uint64

	cancel  context.CancelFunc
	workers sync.WaitGroup
}

// NewMQTTBridge connects to the broker and subscribes to bus.
func NewMQTTBridge(ctx context.Context, cfg MQTTConfig, bus *Bus, buffer int, logger logging.Logger) (*MQTTBridge, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt broker is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "sort-tracking"
	}
	broker := cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		logger.Infow("mqtt connection established", "broker", broker, "client_id", cfg.ClientID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warnw("mqtt connection lost, will auto-reconnect", "broker", broker, "error", err)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return nil, errors.Errorf("mqtt connection to %s timed out", broker)
	}
	if err := token.Error(); err != nil {
		return nil, errors.Wrapf(err, "mqtt connection to %s failed", broker)
	}

	sub, err := bus.Subscribe("mqtt-"+cfg.ClientID, buffer)
	if err != nil {
		client.Disconnect(250)
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	b := &MQTTBridge{
		cfg:       cfg,
		client:    client,
		sub:       sub,
		bus:       bus,
		logger:    logger,
		published: make(map[string]uint64),
		cancel:    cancel,
	}
	b.workers.Add(1)
	viamutils.ManagedGo(func() {
		b.forward(ctx)
	}, b.workers.Done)
	return b, nil
}

func (b *MQTTBridge) forward(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-b.sub.C():
			if !ok {
				return
			}
			if err := b.publish(ev); err != nil {
				b.mu.Lock()
				b.failures++
				b.mu.Unlock()
				b.logger.Debugw("mqtt publish failed", "topic", ev.Topic, "error", err)
			}
		}
	}
}

func (b *MQTTBridge) publish(ev Event) error {
	if b.cfg.SkipFrames && strings.HasPrefix(ev.Topic, "video_frame_") {
		return nil
	}
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return errors.Wrap(err, "failed to marshal event")
	}
	topic := Topic(b.cfg.TopicPrefix, ev.Topic)
	token := b.client.Publish(topic, b.cfg.QoS, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		return errors.New("publish timeout")
	}
	if err := token.Error(); err != nil {
		return err
	}
	b.mu.Lock()
	b.published[topic]++
	b.mu.Unlock()
	return nil
}

// Topic joins the prefix and the event topic.
func Topic(prefix, topic string) string {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		return topic
	}
	return fmt.Sprintf("%s/%s", prefix, topic)
}

// Published returns per-topic publish counts and the number of failed publishes.
func (b *MQTTBridge) Published() (map[string]uint64, uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]uint64, len(b.published))
	for k, v := range b.published {
		out[k] = v
	}
	return out, b.failures
}

// Close stops forwarding and disconnects.
func (b *MQTTBridge) Close() error {
	b.cancel()
	b.workers.Wait()
	if err := b.bus.Unsubscribe(b.sub.ID()); err != nil && !errors.Is(err, ErrBusClosed) {
		b.logger.Warnw("cannot unsubscribe mqtt bridge", "error", err)
	}
	if b.client.IsConnected() {
		b.client.Disconnect(250)
	}
	return nil
}
