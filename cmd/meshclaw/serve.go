package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/roelfdiedericks/meshclaw/internal/bus"
	"github.com/roelfdiedericks/meshclaw/internal/config"
	"github.com/roelfdiedericks/meshclaw/internal/device"
	. "github.com/roelfdiedericks/meshclaw/internal/logging"
)

const (
	sessionCheckInterval = 30 * time.Second
	drainTimeout         = 5 * time.Second
)

// ServeCmd runs the long-lived daemon.
type ServeCmd struct {
	NoCollector bool `name:"no-collector" help:"Do not run the collector even if enabled in config."`
}

func (c *ServeCmd) Run(g *Globals) error {
	a, err := openApp(g, true)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.session.Start(); err != nil {
		if device.IsConfiguration(err) {
			return err
		}
		// A missing radio is retried by the session check below
		L_warn("serve: session start failed", "error", err)
	}

	if a.cfg.Automation.Enabled {
		eng := a.engine()
		eng.Subscribe()
		defer eng.Unsubscribe()
	}

	applier := newConfigApplier(g, a.cfg.Device.Target, a.runner, a.session)
	subID := bus.SubscribeEvent(config.TopicApplied, func(ev bus.Event) {
		if cfg, ok := ev.Data.(*config.Config); ok {
			applier.apply(cfg)
		}
	})
	defer bus.UnsubscribeEvent(subID)

	if a.cfg.Source != "" {
		w, err := config.NewWatcher(a.cfg.Source, a.live)
		if err != nil {
			L_warn("serve: config watcher unavailable", "error", err)
		} else if err := w.Start(ctx); err != nil {
			L_warn("serve: config watcher failed to start", "error", err)
		} else {
			defer w.Stop()
		}
	}

	if a.cfg.Collector.Enabled && !c.NoCollector {
		col := a.collector()
		if err := col.Start(ctx); err != nil {
			return err
		}
		defer col.Stop()
	} else {
		L_info("serve: collector disabled")
	}

	a.mesh.RefreshNodeInfo("", true, nil)
	go superviseSession(ctx, a.session)

	L_info("meshclaw serving", "version", version, "target", a.cfg.Device.Target)
	waitForSignal(ctx)

	L_info("serve: shutting down")
	SetShuttingDown()
	cancel()
	if !bus.Drain(drainTimeout) {
		L_warn("serve: event handlers still running at shutdown")
	}
	return nil
}

// retargeter is a device client whose target can change at runtime.
type retargeter interface {
	SetTarget(target string)
}

// restartableSession is the part of the interactive session a reload needs.
type restartableSession interface {
	retargeter
	IsAlive() bool
	Restart() error
}

// configApplier pushes a reloaded config into the running components.
type configApplier struct {
	g       *Globals
	runner  retargeter
	session restartableSession

	mu     sync.Mutex
	target string
}

func newConfigApplier(g *Globals, target string, runner retargeter, session restartableSession) *configApplier {
	return &configApplier{g: g, runner: runner, session: session, target: target}
}

// apply updates the log level and, when the device target changed, points
// the one-shot runner at it and restarts a live session. A dead session is
// left to the supervisor, which starts it on the new target.
func (c *configApplier) apply(cfg *config.Config) {
	applyLogLevel(c.g, cfg.LogLevel)

	c.mu.Lock()
	defer c.mu.Unlock()
	target := cfg.Device.Target
	if target == c.target {
		return
	}
	L_info("serve: device target changed", "from", c.target, "to", target)
	c.target = target
	c.runner.SetTarget(target)
	c.session.SetTarget(target)
	if !c.session.IsAlive() {
		return
	}
	if err := c.session.Restart(); err != nil {
		L_error("serve: session restart on new target failed", "target", target, "error", err)
	}
}

// superviseSession restarts the interactive session when it dies so chat
// lines keep flowing between commands.
func superviseSession(ctx context.Context, s *device.Session) {
	ticker := time.NewTicker(sessionCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.IsAlive() || IsShuttingDown() {
				continue
			}
			L_warn("serve: session not alive, restarting", "state", s.State())
			if err := s.EnsureStarted(); err != nil {
				L_error("serve: session restart failed", "error", err)
			}
		}
	}
}

// waitForSignal blocks until SIGINT/SIGTERM or ctx ends.
func waitForSignal(ctx context.Context) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		L_info("received signal", "signal", sig.String())
	case <-ctx.Done():
	}
}

// CollectCmd runs the collector in the foreground.
type CollectCmd struct {
	Once bool `help:"Run a single fetch pass and print its stats."`
}

func (c *CollectCmd) Run(g *Globals) error {
	a, err := openApp(g, false)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	col := a.collector()
	if c.Once {
		stats := col.RunOnce(ctx, col.Plan(ctx))
		return printJSON(stats)
	}

	if err := col.Start(ctx); err != nil {
		return err
	}
	waitForSignal(ctx)
	SetShuttingDown()
	cancel()
	col.Stop()
	return nil
}
