package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"rtk-rover/internal/events"
	"rtk-rover/internal/telemetry"
)

type MQTTConfig struct {
	Broker    string
	ClientID  string
	Username  string
	Password  string
	TopicBase string
	QoS       byte
	Retain    bool
	Log       *zerolog.Logger
}

// MQTTPublisher mirrors bus events onto broker topics:
//
//	<base>/telemetry/<channel>  rendered telemetry
//	<base>/events/<kind>        every other event
type MQTTPublisher struct {
	cfg    MQTTConfig
	client mqtt.Client
	log    zerolog.Logger

	mu        sync.Mutex
	published uint64
	failed    uint64
}

// NewMQTTPublisher builds the paho client. It does not connect.
func NewMQTTPublisher(cfg MQTTConfig) *MQTTPublisher {
	if cfg.TopicBase == "" {
		cfg.TopicBase = "rover"
	}
	cfg.TopicBase = strings.TrimSuffix(cfg.TopicBase, "/")
	l := zerolog.Nop()
	if cfg.Log != nil {
		l = *cfg.Log
	}
	p := &MQTTPublisher{cfg: cfg, log: l}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetKeepAlive(30 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(time.Minute)
	opts.SetCleanSession(true)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		p.log.Info().Str("broker", cfg.Broker).Msg("connected to broker")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		p.log.Warn().Err(err).Msg("lost connection to broker")
	})
	p.client = mqtt.NewClient(opts)
	return p
}

func newMQTTPublisherWithClient(cfg MQTTConfig, client mqtt.Client) *MQTTPublisher {
	p := NewMQTTPublisher(cfg)
	p.client = client
	return p
}

func (p *MQTTPublisher) Connect(ctx context.Context) error {
	token := p.client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("connect to mqtt broker: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("connect to mqtt broker: %w", ctx.Err())
	}
}

// Run publishes bus events until ctx is done, then disconnects.
func (p *MQTTPublisher) Run(ctx context.Context, bus *events.Bus) {
	id, ch := bus.Subscribe(64)
	defer bus.Unsubscribe(id)
	defer p.Disconnect()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := p.PublishEvent(ev); err != nil {
				p.log.Debug().Err(err).Str("kind", string(ev.Kind)).Msg("publish failed")
			}
		}
	}
}

// Topic returns the topic an event is published on.
func (p *MQTTPublisher) Topic(ev events.Event) string {
	if ev.Kind == events.KindTelemetry {
		if r, ok := ev.Data.(telemetry.Rendered); ok {
			return p.cfg.TopicBase + "/telemetry/" + string(r.Channel)
		}
	}
	return p.cfg.TopicBase + "/events/" + string(ev.Kind)
}

func (p *MQTTPublisher) PublishEvent(ev events.Event) error {
	if !p.client.IsConnected() {
		p.count(false)
		return errors.New("mqtt client is not connected")
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		p.count(false)
		return fmt.Errorf("marshal %s event: %w", ev.Kind, err)
	}
	topic := p.Topic(ev)
	token := p.client.Publish(topic, p.cfg.QoS, p.cfg.Retain, payload)
	if !token.WaitTimeout(5 * time.Second) {
		p.count(false)
		return fmt.Errorf("publish to %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		p.count(false)
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	p.count(true)
	p.log.Debug().Str("topic", topic).Int("payload_size", len(payload)).Msg("published")
	return nil
}

func (p *MQTTPublisher) count(ok bool) {
	p.mu.Lock()
	if ok {
		p.published++
	} else {
		p.failed++
	}
	p.mu.Unlock()
}

// Stats returns how many publishes succeeded and failed.
func (p *MQTTPublisher) Stats() (published, failed uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.published, p.failed
}

func (p *MQTTPublisher) Disconnect() {
	if p.client.IsConnected() {
		p.log.Info().Msg("disconnecting from broker")
		p.client.Disconnect(250)
	}
}
