// Package mqtt is a reference Messenger/InboundSource adapter over an MQTT
// broker. It is not wired into the application root by default; cmd
// entrypoints that want MQTT delivery construct it and pass it in through
// app.Ports the same way cmd/halcyond wires the Ollama inference backend.
package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"halcyon/internal/domain"
	"halcyon/internal/ports"
)

// Config describes the broker connection and topic layout. Outbound
// messages publish to "<TopicPrefix>/<principal>/out"; inbound messages are
// read from "<TopicPrefix>/+/in" with the principal taken from the topic
// segment that follows the prefix.
type Config struct {
	Broker     string
	ClientID   string
	Username   string
	Password   string
	TopicPrefix string
}

func (c Config) topicPrefix() string {
	if c.TopicPrefix == "" {
		return "halcyon"
	}
	return c.TopicPrefix
}

// Adapter implements ports.Messenger and ports.InboundSource over a single
// MQTT broker connection managed by autopaho.
type Adapter struct {
	cfg    Config
	logger *slog.Logger
	cm     *autopaho.ConnectionManager
	events chan ports.InboundEvent
}

var (
	_ ports.Messenger     = (*Adapter)(nil)
	_ ports.InboundSource = (*Adapter)(nil)
)

// New connects to the broker and subscribes to the inbound topic filter.
// The returned Adapter's Receive channel begins delivering events
// immediately; the caller must eventually call Close.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Adapter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	brokerURL, err := url.Parse(cfg.Broker)
	if err != nil {
		return nil, fmt.Errorf("parse mqtt broker url: %w", err)
	}

	a := &Adapter{
		cfg:    cfg,
		logger: logger,
		events: make(chan ports.InboundEvent, 64),
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: cfg.Username,
		ConnectPassword: []byte(cfg.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			logger.Info("mqtt connected to broker", "broker", cfg.Broker)
			subCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if _, err := cm.Subscribe(subCtx, &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{
					{Topic: a.cfg.topicPrefix() + "/+/in", QoS: 1},
				},
			}); err != nil {
				logger.Error("mqtt subscribe failed", "error", err)
			}
		},
		OnConnectError: func(err error) {
			logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: cfg.ClientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					a.handleInbound(pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	a.cm = cm

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	return a, nil
}

func (a *Adapter) handleInbound(topic string, payload []byte) {
	principal := principalFromTopic(a.cfg.topicPrefix(), topic)
	if principal == "" {
		a.logger.Debug("mqtt dropped message on unexpected topic", "topic", topic)
		return
	}
	id, err := domain.ParseID(principal)
	if err != nil {
		a.logger.Warn("mqtt inbound topic has non-UUID principal segment", "topic", topic, "error", err)
		return
	}
	select {
	case a.events <- ports.InboundEvent{Principal: id, Text: string(payload), ReceivedAt: time.Now()}:
	default:
		a.logger.Warn("mqtt inbound event dropped: channel full", "topic", topic)
	}
}

func principalFromTopic(prefix, topic string) string {
	segs := strings.Split(topic, "/")
	prefixSegs := strings.Split(prefix, "/")
	if len(segs) != len(prefixSegs)+2 || segs[len(segs)-1] != "in" {
		return ""
	}
	for i, p := range prefixSegs {
		if segs[i] != p {
			return ""
		}
	}
	return segs[len(prefixSegs)]
}

// SendText publishes text to the principal's outbound topic at QoS 1.
func (a *Adapter) SendText(ctx context.Context, principal domain.UserID, text string) error {
	_, err := a.cm.Publish(ctx, &paho.Publish{
		Topic:   a.outTopic(principal),
		Payload: []byte(text),
		QoS:     1,
	})
	if err != nil {
		return fmt.Errorf("mqtt publish text: %w", err)
	}
	return nil
}

// SendAudio publishes the full audio payload to the principal's outbound
// audio topic. MQTT has no native content-type header, so the MIME type is
// carried as a companion retained message on a "/mime" subtopic.
func (a *Adapter) SendAudio(ctx context.Context, principal domain.UserID, audio io.Reader, mimeType string) error {
	data, err := io.ReadAll(audio)
	if err != nil {
		return fmt.Errorf("read audio payload: %w", err)
	}
	topic := a.outTopic(principal) + "/audio"
	if _, err := a.cm.Publish(ctx, &paho.Publish{Topic: topic + "/mime", Payload: []byte(mimeType), QoS: 1, Retain: true}); err != nil {
		return fmt.Errorf("mqtt publish audio mime: %w", err)
	}
	if _, err := a.cm.Publish(ctx, &paho.Publish{Topic: topic, Payload: data, QoS: 1}); err != nil {
		return fmt.Errorf("mqtt publish audio: %w", err)
	}
	return nil
}

func (a *Adapter) outTopic(principal domain.UserID) string {
	return a.cfg.topicPrefix() + "/" + principal.String() + "/out"
}

// Receive returns the channel inbound messages are delivered on. The
// channel is closed when Close is called.
func (a *Adapter) Receive(ctx context.Context) (<-chan ports.InboundEvent, error) {
	return a.events, nil
}

// Close disconnects from the broker and closes the inbound event channel.
func (a *Adapter) Close(ctx context.Context) error {
	defer close(a.events)
	if a.cm == nil {
		return nil
	}
	return a.cm.Disconnect(ctx)
}
