package mqtt

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roelfdiedericks/meshclaw/internal/config"
	"github.com/roelfdiedericks/meshclaw/internal/store"
)

type fakeSettings struct {
	row *store.MQTTSettings
	err error
}

func (f *fakeSettings) LatestMQTTSettings(context.Context) (*store.MQTTSettings, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.row == nil {
		return nil, store.ErrNotFound
	}
	return f.row, nil
}

func liveWith(mutate func(*config.MQTTConfig)) *config.Live {
	cfg := config.Default()
	mutate(&cfg.MQTT)
	return config.NewLive(cfg)
}

func TestResolvePrecedence(t *testing.T) {
	ctx := context.Background()
	live := liveWith(func(m *config.MQTTConfig) {
		m.Server = "file.example"
		m.Port = 8883
		m.ClientID = "fixed"
		m.PublishTimeout = "2s"
	})

	s, err := NewPublisher(&fakeSettings{}, live).Resolve(ctx)
	require.NoError(t, err)
	assert.Equal(t, "file.example", s.Server)
	assert.Equal(t, 8883, s.Port)
	assert.Equal(t, "fixed", s.ClientID)
	assert.Equal(t, 2*time.Second, s.Timeout)

	row := &store.MQTTSettings{Server: "db.example", Port: 1884, Username: "u", UseTLS: true}
	s, err = NewPublisher(&fakeSettings{row: row}, live).Resolve(ctx)
	require.NoError(t, err)
	assert.Equal(t, "db.example", s.Server)
	assert.Equal(t, "ssl://db.example:1884", s.BrokerURL())
	assert.Equal(t, "u", s.Username)

	// A saved row without a server does not override the file
	s, err = NewPublisher(&fakeSettings{row: &store.MQTTSettings{}}, live).Resolve(ctx)
	require.NoError(t, err)
	assert.Equal(t, "file.example", s.Server)
}

func TestResolveNotConfigured(t *testing.T) {
	_, err := NewPublisher(&fakeSettings{}, liveWith(func(*config.MQTTConfig) {})).Resolve(context.Background())
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, err = NewPublisher(nil, nil).Resolve(context.Background())
	assert.ErrorIs(t, err, ErrNotConfigured)

	boom := errors.New("db down")
	_, err = NewPublisher(&fakeSettings{err: boom}, nil).Resolve(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestResolveGeneratesClientID(t *testing.T) {
	s, err := NewPublisher(&fakeSettings{row: &store.MQTTSettings{Server: "x"}}, nil).Resolve(context.Background())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(s.ClientID, "meshclaw-"))
	assert.Equal(t, defaultPort, s.Port)
	assert.Equal(t, "tcp://x:1883", s.BrokerURL())
}

func TestPublishUnreachableBroker(t *testing.T) {
	// Grab a free port and close it so the connect is refused
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	live := liveWith(func(m *config.MQTTConfig) {
		m.Server = "127.0.0.1"
		m.Port = port
		m.PublishTimeout = "1s"
	})
	_, err = NewPublisher(nil, live).Publish(context.Background(), "mesh/test", "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect")
}
