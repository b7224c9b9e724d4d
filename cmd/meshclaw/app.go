package main

import (
	"fmt"
	"time"

	"github.com/roelfdiedericks/meshclaw/internal/automation"
	"github.com/roelfdiedericks/meshclaw/internal/chat"
	"github.com/roelfdiedericks/meshclaw/internal/collector"
	"github.com/roelfdiedericks/meshclaw/internal/config"
	"github.com/roelfdiedericks/meshclaw/internal/device"
	. "github.com/roelfdiedericks/meshclaw/internal/logging"
	"github.com/roelfdiedericks/meshclaw/internal/mesh"
	"github.com/roelfdiedericks/meshclaw/internal/mqtt"
	"github.com/roelfdiedericks/meshclaw/internal/payload"
	"github.com/roelfdiedericks/meshclaw/internal/store"
)

// app holds the wired components for one command invocation.
type app struct {
	cfg      *config.Config
	live     *config.Live
	store    *store.SQLiteStore
	ingester *chat.Ingester
	runner   *device.Runner
	session  *device.Session // nil unless interactive
	mesh     *mesh.Service
}

// openApp loads config, opens the store and builds the device service.
// interactive adds the long-lived PTY session; otherwise every device call
// is a one-shot run.
func openApp(g *Globals, interactive bool) (*app, error) {
	initLogging(g)

	cfg, err := config.Load(g.ConfigFile)
	if err != nil {
		return nil, err
	}
	applyLogLevel(g, cfg.LogLevel)
	if cfg.Source == "" {
		L_debug("no config file found, using defaults and environment")
	}

	st, err := store.NewSQLiteStore(store.Config{Path: cfg.Store.Path, BusyTimeout: cfg.Store.BusyTimeout})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	a := &app{
		cfg:      cfg,
		live:     config.NewLive(cfg),
		store:    st,
		ingester: chat.NewIngester(st),
	}

	a.runner = device.NewRunner(device.RunnerOptions{
		Binary:   cfg.Device.Binary,
		Target:   cfg.Device.Target,
		Timeout:  config.DurationOr(cfg.Device.CommandTimeout, 30*time.Second),
		OnOutput: a.ingester.HandleOutput,
	})

	normalizer, err := payload.NewContactNormalizer(cfg.Contacts.Query)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("contacts.query: %w", err)
	}

	opts := mesh.Options{
		Runner:   a.runner,
		Store:    st,
		Recorder: a.ingester,
		Contacts: normalizer,
		NodeName: cfg.NodeName,
	}
	if interactive {
		a.session = device.NewSession(device.Options{
			Binary:      cfg.Device.Binary,
			Target:      cfg.Device.Target,
			Columns:     uint16(cfg.Device.Columns),
			Rows:        uint16(cfg.Device.Rows),
			Term:        cfg.Device.Term,
			JSONTimeout: config.DurationOr(cfg.Device.JSONTimeout, 5*time.Second),
			Text: device.TextOptions{
				Dwell:         config.DurationOr(cfg.Device.Dwell, 500*time.Millisecond),
				MaxWait:       config.DurationOr(cfg.Device.MaxWait, 3*time.Second),
				WaitForPrompt: true,
			},
			OnLine: a.ingester.HandleLine,
		})
		opts.Session = a.session
	}

	a.mesh, err = mesh.NewService(opts)
	if err != nil {
		st.Close()
		return nil, err
	}
	return a, nil
}

// engine builds the automation engine replying through the device and
// publishing through the configured broker.
func (a *app) engine() *automation.Engine {
	return automation.NewEngine(a.store, a.mesh, mqtt.NewPublisher(a.store, a.live))
}

func (a *app) collector() *collector.Collector {
	return collector.New(a.mesh, a.store, a.live)
}

// Close stops background work, the session and the store.
func (a *app) Close() {
	a.mesh.Close()
	if a.session != nil {
		if err := a.session.Stop(); err != nil {
			L_warn("session stop failed", "error", err)
		}
	}
	if err := a.store.Close(); err != nil {
		L_warn("store close failed", "error", err)
	}
}
