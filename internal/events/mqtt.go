package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// MQTTOptions configures the optional MQTT mirror of the live channel.
type MQTTOptions struct {
	Broker         string
	ClientID       string
	TopicPrefix    string
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
}

// mqttPublisher is the subset of mqtt.Client the sink needs.
type mqttPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTSink republishes broadcaster events as JSON on <prefix>/processingUpdate.
type MQTTSink struct {
	client  mqttPublisher
	topic   string
	timeout time.Duration
	log     zerolog.Logger

	published atomic.Uint64
	errors    atomic.Uint64

	disconnect func()
}

// DialMQTT connects to the broker and returns a ready sink.
func DialMQTT(opts MQTTOptions, log zerolog.Logger) (*MQTTSink, error) {
	broker := opts.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	log = log.With().Str("component", "mqtt").Str("broker", broker).Logger()

	co := mqtt.NewClientOptions()
	co.AddBroker(broker)
	co.SetClientID(opts.ClientID)
	co.SetAutoReconnect(true)
	co.SetConnectRetry(true)
	co.SetConnectRetryInterval(2 * time.Second)
	co.SetMaxReconnectInterval(30 * time.Second)
	co.OnConnect = func(mqtt.Client) {
		log.Info().Msg("mqtt connection established")
	}
	co.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Msg("mqtt connection lost, will auto-reconnect")
	}

	client := mqtt.NewClient(co)
	token := client.Connect()
	if !token.WaitTimeout(opts.ConnectTimeout) {
		return nil, fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}

	sink := newMQTTSink(client, opts.TopicPrefix, opts.PublishTimeout, log)
	sink.disconnect = func() { client.Disconnect(250) }
	return sink, nil
}

func newMQTTSink(client mqttPublisher, prefix string, timeout time.Duration, log zerolog.Logger) *MQTTSink {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &MQTTSink{
		client:  client,
		topic:   Topic(prefix),
		timeout: timeout,
		log:     log,
	}
}

// Topic returns the MQTT topic events are mirrored to.
func Topic(prefix string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return Name
	}
	return prefix + "/" + Name
}

// Run forwards events from sub until ctx is done or sub is closed.
func (s *MQTTSink) Run(ctx context.Context, sub *Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := s.publish(ev); err != nil {
				s.errors.Add(1)
				s.log.Warn().Err(err).Str("topic", s.topic).Msg("mqtt publish failed")
				continue
			}
			s.published.Add(1)
		}
	}
}

func (s *MQTTSink) publish(ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	token := s.client.Publish(s.topic, 0, false, payload)
	if !token.WaitTimeout(s.timeout) {
		return fmt.Errorf("publish timeout")
	}
	return token.Error()
}

// Counts returns published and failed publish totals.
func (s *MQTTSink) Counts() (published, failed uint64) {
	return s.published.Load(), s.errors.Load()
}

func (s *MQTTSink) Close() {
	if s.disconnect != nil {
		s.disconnect()
		s.log.Info().Msg("mqtt disconnected")
	}
}
