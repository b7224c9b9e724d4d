// Package mqtt publishes automation messages to an MQTT broker.
package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/roelfdiedericks/meshclaw/internal/config"
	. "github.com/roelfdiedericks/meshclaw/internal/logging"
	"github.com/roelfdiedericks/meshclaw/internal/metrics"
	"github.com/roelfdiedericks/meshclaw/internal/store"
)

const (
	protocolMQTT311   = 4
	keepAlive         = 10 * time.Second
	disconnectQuiesce = 250 // ms
	defaultTimeout    = 5 * time.Second
	defaultPort       = 1883
)

// ErrNotConfigured is returned when no broker server is set.
var ErrNotConfigured = errors.New("mqtt server not configured")

// Settings is a resolved broker connection.
type Settings struct {
	Server   string
	Port     int
	Username string
	Password string
	UseTLS   bool
	ClientID string
	Timeout  time.Duration
}

// BrokerURL returns the paho broker address for s.
func (s Settings) BrokerURL() string {
	scheme := "tcp"
	if s.UseTLS {
		scheme = "ssl"
	}
	port := s.Port
	if port == 0 {
		port = defaultPort
	}
	return fmt.Sprintf("%s://%s:%d", scheme, s.Server, port)
}

// Receipt reports the broker's answer to a publish.
type Receipt struct {
	ReturnCode int
	MessageID  int
}

// SettingsStore provides broker settings saved at runtime.
type SettingsStore interface {
	LatestMQTTSettings(ctx context.Context) (*store.MQTTSettings, error)
}

// Publisher connects, publishes one message at QoS 0 and disconnects.
// Settings are resolved on every publish so changes apply immediately.
type Publisher struct {
	store SettingsStore
	live  *config.Live
}

// NewPublisher creates a publisher. Settings saved in the store take
// precedence over the config file. Either argument may be nil.
func NewPublisher(s SettingsStore, live *config.Live) *Publisher {
	return &Publisher{store: s, live: live}
}

// Resolve picks the broker settings to use.
func (p *Publisher) Resolve(ctx context.Context) (Settings, error) {
	var out Settings
	var cfg config.MQTTConfig
	if p.live != nil {
		cfg = p.live.Get().MQTT
		out = Settings{
			Server:   cfg.Server,
			Port:     cfg.Port,
			Username: cfg.Username,
			Password: cfg.Password,
			UseTLS:   cfg.UseTLS,
		}
	}
	out.ClientID = cfg.ClientID
	out.Timeout = config.DurationOr(cfg.PublishTimeout, defaultTimeout)

	if p.store != nil {
		row, err := p.store.LatestMQTTSettings(ctx)
		switch {
		case err == nil && row.Server != "":
			out.Server = row.Server
			out.Port = row.Port
			out.Username = row.Username
			out.Password = row.Password
			out.UseTLS = row.UseTLS
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return Settings{}, fmt.Errorf("load mqtt settings: %w", err)
		}
	}

	if out.Server == "" {
		return Settings{}, ErrNotConfigured
	}
	if out.Port == 0 {
		out.Port = defaultPort
	}
	if out.ClientID == "" {
		out.ClientID = "meshclaw-" + uuid.NewString()[:8]
	}
	return out, nil
}

// Publish sends payload to topic, not retained, and waits briefly for the
// broker to accept it.
func (p *Publisher) Publish(ctx context.Context, topic, payload string) (*Receipt, error) {
	done := metrics.MetricStartAuto("mqtt", "publish")
	defer done()

	s, err := p.Resolve(ctx)
	if err != nil {
		return nil, err
	}

	opts := paho.NewClientOptions().
		AddBroker(s.BrokerURL()).
		SetClientID(s.ClientID).
		SetProtocolVersion(protocolMQTT311).
		SetKeepAlive(keepAlive).
		SetConnectTimeout(s.Timeout).
		SetAutoReconnect(false).
		SetConnectRetry(false)
	if s.Username != "" {
		opts.SetUsername(s.Username)
		opts.SetPassword(s.Password)
	}
	if s.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12, ServerName: s.Server})
	}

	client := paho.NewClient(opts)
	connect := client.Connect()
	if err := waitToken(ctx, connect, s.Timeout); err != nil {
		metrics.MetricFailWithReason("mqtt", "connect", err.Error())
		return nil, fmt.Errorf("connect %s: %w", s.BrokerURL(), err)
	}
	defer client.Disconnect(disconnectQuiesce)

	receipt := &Receipt{}
	if ct, ok := connect.(*paho.ConnectToken); ok {
		receipt.ReturnCode = int(ct.ReturnCode())
	}

	token := client.Publish(topic, 0, false, payload)
	if err := waitToken(ctx, token, s.Timeout); err != nil {
		metrics.MetricFailWithReason("mqtt", "publish", err.Error())
		return nil, fmt.Errorf("publish %s: %w", topic, err)
	}
	if pt, ok := token.(*paho.PublishToken); ok {
		receipt.MessageID = int(pt.MessageID())
	}

	metrics.MetricSuccess("mqtt", "publish")
	L_debug("mqtt: published", "broker", s.BrokerURL(), "topic", topic, "bytes", len(payload))
	return receipt, nil
}

// waitToken waits for t up to timeout or until ctx ends.
func waitToken(ctx context.Context, t paho.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-t.Done():
		return t.Error()
	case <-timer.C:
		return fmt.Errorf("timed out after %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
