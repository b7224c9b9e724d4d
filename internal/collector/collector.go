// Package collector runs the periodic contact and message collection loop.
package collector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/roelfdiedericks/meshclaw/internal/config"
	. "github.com/roelfdiedericks/meshclaw/internal/logging"
	"github.com/roelfdiedericks/meshclaw/internal/mesh"
	"github.com/roelfdiedericks/meshclaw/internal/metrics"
	"github.com/roelfdiedericks/meshclaw/internal/payload"
	"github.com/roelfdiedericks/meshclaw/internal/store"
)

const (
	floorMinInterval = 5 * time.Second
	floorMessagePoll = 2 * time.Second

	defaultMinInterval = 30 * time.Second
	defaultInterval    = 5 * time.Minute
	defaultMessagePoll = 5 * time.Second
	defaultNodeRefresh = "@every 15m"
)

// Service is the subset of mesh.Service the collector drives.
type Service interface {
	FetchContacts(ctx context.Context) mesh.Result
	ContactInfo(ctx context.Context, name string) mesh.Result
	RequestStatus(ctx context.Context, name string) mesh.Result
	RequestTelemetry(ctx context.Context, name string) mesh.Result
	SyncUnread(ctx context.Context) mesh.Result
	RefreshNodeInfo(name string, full bool, base payload.Map) bool
}

// SettingsStore provides collector settings saved at runtime.
type SettingsStore interface {
	LatestCollectorSettings(ctx context.Context) (*store.CollectorSettings, error)
}

// Plan is the schedule for one cycle.
type Plan struct {
	Interval           time.Duration
	MessagePoll        time.Duration
	EnableReqStatus    bool
	EnableReqTelemetry bool
}

// CycleStats summarizes one fetch pass.
type CycleStats struct {
	Contacts  int `json:"contacts"`
	OK        int `json:"ok"`
	Failed    int `json:"failed"`
	Status    int `json:"status"`
	Telemetry int `json:"telemetry"`
}

// Collector periodically refreshes contacts and polls for unread messages.
type Collector struct {
	svc      Service
	settings SettingsStore
	live     *config.Live

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	cron    *cronlib.Cron
}

// New creates a collector. settings may be nil.
func New(svc Service, settings SettingsStore, live *config.Live) *Collector {
	return &Collector{svc: svc, settings: settings, live: live}
}

// Plan computes the current schedule. The latest saved settings row wins
// over the config file; intervals are floored at safety minimums.
func (c *Collector) Plan(ctx context.Context) Plan {
	cfg := c.live.Get().Collector

	minInterval := config.DurationOr(cfg.MinInterval, defaultMinInterval)
	if minInterval < floorMinInterval {
		minInterval = floorMinInterval
	}

	p := Plan{
		Interval:           config.DurationOr(cfg.Interval, defaultInterval),
		MessagePoll:        config.DurationOr(cfg.MessagePoll, defaultMessagePoll),
		EnableReqStatus:    cfg.EnableReqStatus,
		EnableReqTelemetry: cfg.EnableReqTelemetry,
	}

	if c.settings != nil {
		row, err := c.settings.LatestCollectorSettings(ctx)
		switch {
		case err == nil:
			p.Interval = time.Duration(row.IntervalSeconds) * time.Second
			p.EnableReqStatus = row.EnableReqStatus
			p.EnableReqTelemetry = row.EnableReqTelemetry
		case !errors.Is(err, store.ErrNotFound):
			L_warn("collector: settings unavailable, using config", "error", err)
		}
	}

	if p.Interval < minInterval {
		p.Interval = minInterval
	}
	if p.MessagePoll < floorMessagePoll {
		p.MessagePoll = floorMessagePoll
	}
	return p
}

// RunOnce performs one fetch pass over all contacts. Failures are counted,
// never returned; a failed contact list is treated as empty.
func (c *Collector) RunOnce(ctx context.Context, p Plan) CycleStats {
	done := metrics.MetricStartAuto("collector", "cycle")
	defer done()

	var stats CycleStats
	res := c.svc.FetchContacts(ctx)
	if !res.OK {
		L_warn("collector: contacts failed", "error", res.Error)
		metrics.MetricFailWithReason("collector", "contacts", res.Error)
	}
	items, _ := res.Data.([]payload.Map)
	names := QueryNames(items)
	stats.Contacts = len(names)

	for _, name := range names {
		if ctx.Err() != nil {
			break
		}
		if r := c.svc.ContactInfo(ctx, name); !r.OK {
			stats.Failed++
			metrics.MetricFail("collector", "contact")
			L_warn("collector: contact_info failed", "name", name, "error", r.Error)
			continue
		}
		if p.EnableReqStatus {
			if r := c.svc.RequestStatus(ctx, name); r.OK {
				stats.Status++
			} else {
				L_debug("collector: status failed", "name", name, "error", r.Error)
			}
		}
		if p.EnableReqTelemetry {
			if r := c.svc.RequestTelemetry(ctx, name); r.OK {
				stats.Telemetry++
			} else {
				L_debug("collector: telemetry failed", "name", name, "error", r.Error)
			}
		}
		stats.OK++
		metrics.MetricSuccess("collector", "contact")
	}

	L_info("collector: cycle done", "ok", stats.OK, "contacts", stats.Contacts,
		"status", stats.Status, "telemetry", stats.Telemetry)
	return stats
}

// QueryNames derives the CLI names for a contact list, skipping entries
// with nothing usable.
func QueryNames(items []payload.Map) []string {
	names := make([]string, 0, len(items))
	for _, it := range items {
		if n := payload.QueryName(it); n != "" {
			names = append(names, n)
		}
	}
	return names
}

// PollUntil syncs unread messages every poll until deadline or ctx ends.
// Returns the number of messages stored.
func (c *Collector) PollUntil(ctx context.Context, deadline time.Time, poll time.Duration) int {
	total := 0
	for time.Now().Before(deadline) {
		if r := c.svc.SyncUnread(ctx); r.OK {
			if n, ok := r.Data.(int); ok {
				total += n
			}
		} else {
			L_debug("collector: message poll failed", "error", r.Error)
		}

		wait := poll
		if left := time.Until(deadline); left < wait {
			wait = left
		}
		if wait <= 0 {
			break
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return total
		case <-timer.C:
		}
	}
	return total
}

// Start launches the collection loop and the node refresh schedule.
func (c *Collector) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}

	spec := c.live.Get().Collector.NodeRefresh
	if spec == "" {
		spec = defaultNodeRefresh
	}
	sched := cronlib.New()
	if _, err := sched.AddFunc(spec, func() { c.svc.RefreshNodeInfo("", true, nil) }); err != nil {
		return fmt.Errorf("invalid collector.nodeRefresh %q: %w", spec, err)
	}
	sched.Start()

	c.cron = sched
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	c.running = true

	go c.runLoop(ctx, c.stopCh, c.doneCh)
	L_info("collector: started", "nodeRefresh", spec)
	return nil
}

// Stop ends the loop and waits for the current step to return.
func (c *Collector) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stopCh)
	done := c.doneCh
	cronCtx := c.cron.Stop()
	c.mu.Unlock()

	<-done
	<-cronCtx.Done()
	L_info("collector: stopped")
}

// IsRunning reports whether the loop is active.
func (c *Collector) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Collector) runLoop(parent context.Context, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	for ctx.Err() == nil {
		p := c.Plan(ctx)
		started := time.Now()
		L_debug("collector: cycle starting", "interval", p.Interval, "poll", p.MessagePoll)

		c.runCycle(ctx, p)
		n := c.PollUntil(ctx, started.Add(p.Interval), p.MessagePoll)
		if n > 0 {
			L_debug("collector: messages polled", "stored", n)
		}
		metrics.MetricInc("collector", "cycles")
	}
}

// runCycle isolates a cycle so a panic does not end the loop.
func (c *Collector) runCycle(ctx context.Context, p Plan) {
	defer func() {
		if r := recover(); r != nil {
			L_error("collector: cycle panic", "panic", r)
			metrics.MetricFailWithReason("collector", "cycle", "panic")
		}
	}()
	c.RunOnce(ctx, p)
}
