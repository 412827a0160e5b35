package aggregator

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// MQTTConfig represents the config of the Subscriber
type MQTTConfig struct {
	Host      string        `yaml:"host"`
	Port      int           `yaml:"port"`
	Username  string        `yaml:"username"`
	Password  string        `yaml:"password"`
	ClientID  string        `yaml:"client_id"`
	Topic     string        `yaml:"topic"`
	KeepAlive time.Duration `yaml:"keep_alive"`
}

// Subscriber owns the MQTT connection lifecycle: connect with exponential
// backoff, subscribe to the wildcard data topic, and re-enter the loop
// whenever the connection drops. Received payloads go to the injected
// submit callback, which must never block; the subscriber is the hot path.
type Subscriber struct {
	config MQTTConfig
	submit func(payload []byte)
	client mqtt.Client
	lost   chan error
	logger *zap.SugaredLogger
}

// NewSubscriber creates a new Subscriber delivering raw payloads to submit.
func NewSubscriber(config MQTTConfig, submit func(payload []byte), logger *zap.SugaredLogger) *Subscriber {
	return &Subscriber{
		config: config,
		submit: submit,
		lost:   make(chan error, 1),
		logger: logger,
	}
}

// Run connects, subscribes and reconnects until the context is cancelled.
func (s *Subscriber) Run(ctx context.Context) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", s.config.Host, s.config.Port))
	opts.SetUsername(s.config.Username)
	opts.SetPassword(s.config.Password)
	opts.SetClientID(s.config.ClientID)
	opts.SetKeepAlive(s.config.KeepAlive)
	opts.SetCleanSession(true)
	// Reconnects are driven by our own backoff loop, not paho's.
	opts.SetAutoReconnect(false)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		select {
		case s.lost <- err:
		default:
		}
	})

	s.client = mqtt.NewClient(opts)
	defer s.client.Disconnect(250)

	for {
		if err := s.connect(ctx); err != nil {
			return // context cancelled
		}

		if err := s.subscribe(); err != nil {
			s.logger.Errorw("subscribe failed, reconnecting", "topic", s.config.Topic, "error", err)
			s.client.Disconnect(0)
			continue
		}
		s.logger.Infow("subscribed", "topic", s.config.Topic)

		select {
		case <-ctx.Done():
			return
		case err := <-s.lost:
			s.logger.Warnw("connection lost, reconnecting", "error", err)
		}
	}
}

// connect dials the broker, retrying forever with exponential backoff
// (250ms initial, doubling, capped at 10s). It only returns an error when
// the context is cancelled.
func (s *Subscriber) connect(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.Multiplier = 2
	bo.MaxInterval = 10 * time.Second
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0

	return backoff.Retry(func() error {
		token := s.client.Connect()
		token.Wait()
		if err := token.Error(); err != nil {
			s.logger.Warnw("connect failed", "host", s.config.Host, "error", err)
			return err
		}
		s.logger.Infow("connected", "host", s.config.Host, "port", s.config.Port)
		return nil
	}, backoff.WithContext(bo, ctx))
}

// subscribe registers the message handler on the data topic. At-least-once
// delivery; duplicates may double-count within a window, the fact-table
// uniqueness constraint collapses duplicate aggregate writes later.
func (s *Subscriber) subscribe() error {
	token := s.client.Subscribe(s.config.Topic, 1, func(_ mqtt.Client, m mqtt.Message) {
		s.submit(m.Payload())
	})
	token.Wait()
	return token.Error()
}
