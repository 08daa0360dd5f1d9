package telemetry

import (
	"context"
	"encoding/json"
	"time"

	"github.com/benbjohnson/clock"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"

	"go.viam.com/rover/logging"
	"go.viam.com/rover/metrics"
	"go.viam.com/rover/wire"
)

const (
	mqttQoS            = 0
	mqttConnectTimeout = 10 * time.Second
	mqttPublishTimeout = time.Second
	mqttRetryInterval  = 5 * time.Second
)

// MQTTConfig configures the MQTT sink.
type MQTTConfig struct {
	Broker   string
	Topic    string
	ClientID string
	Interval time.Duration
	Clock    clock.Clock
}

// MQTTSink publishes snapshots as JSON to a broker topic.
type MQTTSink struct {
	cfg    MQTTConfig
	client mqtt.Client
	source *Broadcaster
	logger logging.Logger
}

// NewMQTTSink builds a paho client for cfg. The connection is made by Run.
func NewMQTTSink(cfg MQTTConfig, source *Broadcaster, logger logging.Logger) *MQTTSink {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(mqttRetryInterval)
	opts.OnConnect = func(mqtt.Client) {
		logger.Infow("connected to MQTT broker", "broker", cfg.Broker)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warnw("MQTT connection lost", "error", err)
	}
	return newMQTTSinkWithClient(cfg, mqtt.NewClient(opts), source, logger)
}

func newMQTTSinkWithClient(cfg MQTTConfig, client mqtt.Client, source *Broadcaster, logger logging.Logger) *MQTTSink {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &MQTTSink{cfg: cfg, client: client, source: source, logger: logger}
}

// Run connects and publishes each new snapshot, no more than once per interval, until ctx
// is done.
func (s *MQTTSink) Run(ctx context.Context) error {
	token := s.client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		s.logger.Warnw("MQTT connect still pending, retrying in background", "broker", s.cfg.Broker)
	} else if err := token.Error(); err != nil {
		return errors.Wrapf(err, "connect to %s", s.cfg.Broker)
	}
	defer s.client.Disconnect(250)

	forEach(ctx, s.source, s.cfg.Clock, s.cfg.Interval, func(snap wire.Telemetry) {
		if err := s.publish(snap); err != nil {
			metrics.SinkErrors.WithLabelValues("mqtt").Inc()
			s.logger.Debugw("MQTT publish failed", "error", err)
		}
	})
	return nil
}

func (s *MQTTSink) publish(snap wire.Telemetry) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	token := s.client.Publish(s.cfg.Topic, mqttQoS, false, payload)
	if !token.WaitTimeout(mqttPublishTimeout) {
		return errors.New("publish timed out")
	}
	return token.Error()
}
