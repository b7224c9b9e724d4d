package collector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roelfdiedericks/meshclaw/internal/config"
	"github.com/roelfdiedericks/meshclaw/internal/mesh"
	"github.com/roelfdiedericks/meshclaw/internal/payload"
	"github.com/roelfdiedericks/meshclaw/internal/store"
)

type fakeService struct {
	mu        sync.Mutex
	contacts  mesh.Result
	failInfo  map[string]bool
	calls     []string
	syncCount int
	started   chan struct{}
}

func (f *fakeService) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeService) FetchContacts(context.Context) mesh.Result {
	f.record("contacts")
	if f.started != nil {
		select {
		case f.started <- struct{}{}:
		default:
		}
	}
	return f.contacts
}

func (f *fakeService) ContactInfo(_ context.Context, name string) mesh.Result {
	f.record("info " + name)
	if f.failInfo[name] {
		return mesh.Result{Error: "timeout"}
	}
	return mesh.Result{OK: true}
}

func (f *fakeService) RequestStatus(_ context.Context, name string) mesh.Result {
	f.record("status " + name)
	return mesh.Result{OK: true}
}

func (f *fakeService) RequestTelemetry(_ context.Context, name string) mesh.Result {
	f.record("telemetry " + name)
	return mesh.Result{Error: "no telemetry"}
}

func (f *fakeService) SyncUnread(context.Context) mesh.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncCount++
	return mesh.Result{OK: true, Data: 1}
}

func (f *fakeService) RefreshNodeInfo(string, bool, payload.Map) bool { return true }

func (f *fakeService) callList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeSettings struct {
	row *store.CollectorSettings
	err error
}

func (f *fakeSettings) LatestCollectorSettings(context.Context) (*store.CollectorSettings, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.row == nil {
		return nil, store.ErrNotFound
	}
	return f.row, nil
}

func liveWith(mutate func(*config.CollectorConfig)) *config.Live {
	cfg := config.Default()
	mutate(&cfg.Collector)
	return config.NewLive(cfg)
}

func TestPlan(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		cfg      func(*config.CollectorConfig)
		row      *store.CollectorSettings
		interval time.Duration
		poll     time.Duration
		status   bool
		tele     bool
	}{
		{
			name:     "config defaults",
			cfg:      func(*config.CollectorConfig) {},
			interval: 5 * time.Minute, poll: 5 * time.Second, status: true, tele: false,
		},
		{
			name:     "saved settings win",
			cfg:      func(*config.CollectorConfig) {},
			row:      &store.CollectorSettings{IntervalSeconds: 120, EnableReqStatus: false, EnableReqTelemetry: true},
			interval: 2 * time.Minute, poll: 5 * time.Second, status: false, tele: true,
		},
		{
			name:     "interval floored at min interval",
			cfg:      func(c *config.CollectorConfig) { c.MinInterval = "45s" },
			row:      &store.CollectorSettings{IntervalSeconds: 0},
			interval: 45 * time.Second, poll: 5 * time.Second,
		},
		{
			name: "min interval never below 5s, poll never below 2s",
			cfg: func(c *config.CollectorConfig) {
				c.MinInterval = "1s"
				c.Interval = "1s"
				c.MessagePoll = "500ms"
			},
			interval: 5 * time.Second, poll: 2 * time.Second, status: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(&fakeService{}, &fakeSettings{row: tt.row}, liveWith(tt.cfg))
			p := c.Plan(ctx)
			assert.Equal(t, tt.interval, p.Interval)
			assert.Equal(t, tt.poll, p.MessagePoll)
			assert.Equal(t, tt.status, p.EnableReqStatus)
			assert.Equal(t, tt.tele, p.EnableReqTelemetry)
		})
	}
}

func TestPlanSettingsError(t *testing.T) {
	c := New(&fakeService{}, &fakeSettings{err: errors.New("locked")}, liveWith(func(*config.CollectorConfig) {}))
	assert.Equal(t, 5*time.Minute, c.Plan(context.Background()).Interval)
}

func TestRunOnce(t *testing.T) {
	svc := &fakeService{
		contacts: mesh.Result{OK: true, Data: []payload.Map{
			{"name": "Alpha"},
			{"adv_name": "Bravo"},
			{"public_key": "cafe"},
			{"rssi": -70},
		}},
		failInfo: map[string]bool{"Bravo": true},
	}
	c := New(svc, nil, liveWith(func(*config.CollectorConfig) {}))

	stats := c.RunOnce(context.Background(), Plan{EnableReqStatus: true, EnableReqTelemetry: true})
	assert.Equal(t, CycleStats{Contacts: 3, OK: 2, Failed: 1, Status: 2, Telemetry: 0}, stats)
	assert.Equal(t, []string{
		"contacts",
		"info Alpha", "status Alpha", "telemetry Alpha",
		"info Bravo",
		"info cafe", "status cafe", "telemetry cafe",
	}, svc.callList())
}

func TestRunOnceToggles(t *testing.T) {
	svc := &fakeService{contacts: mesh.Result{OK: true, Data: []payload.Map{{"name": "Alpha"}}}}
	c := New(svc, nil, liveWith(func(*config.CollectorConfig) {}))

	c.RunOnce(context.Background(), Plan{})
	assert.Equal(t, []string{"contacts", "info Alpha"}, svc.callList())
}

func TestRunOnceContactsFailure(t *testing.T) {
	svc := &fakeService{contacts: mesh.Result{Error: "device CLI failed"}}
	c := New(svc, nil, liveWith(func(*config.CollectorConfig) {}))

	stats := c.RunOnce(context.Background(), Plan{EnableReqStatus: true})
	assert.Equal(t, CycleStats{}, stats)
}

func TestPollUntil(t *testing.T) {
	svc := &fakeService{}
	c := New(svc, nil, liveWith(func(*config.CollectorConfig) {}))

	n := c.PollUntil(context.Background(), time.Now().Add(120*time.Millisecond), 50*time.Millisecond)
	assert.GreaterOrEqual(t, n, 2)
	assert.LessOrEqual(t, n, 4)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	c.PollUntil(ctx, time.Now().Add(time.Hour), time.Minute)
	assert.Less(t, time.Since(start), time.Second, "a cancelled context ends polling")
}

func TestStartStop(t *testing.T) {
	svc := &fakeService{
		contacts: mesh.Result{OK: true, Data: []payload.Map{{"name": "Alpha"}}},
		started:  make(chan struct{}, 1),
	}
	c := New(svc, nil, liveWith(func(*config.CollectorConfig) {}))

	require.NoError(t, c.Start(context.Background()))
	assert.True(t, c.IsRunning())
	require.NoError(t, c.Start(context.Background()), "second start is a no-op")

	select {
	case <-svc.started:
	case <-time.After(2 * time.Second):
		t.Fatal("collector did not run a cycle")
	}

	stopped := make(chan struct{})
	go func() {
		c.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	assert.False(t, c.IsRunning())
	c.Stop()
}

func TestStartRejectsBadSchedule(t *testing.T) {
	c := New(&fakeService{}, nil, liveWith(func(cc *config.CollectorConfig) { cc.NodeRefresh = "every now and then" }))
	assert.Error(t, c.Start(context.Background()))
	assert.False(t, c.IsRunning())
}
