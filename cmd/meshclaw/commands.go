package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/roelfdiedericks/meshclaw/internal/automation"
	"github.com/roelfdiedericks/meshclaw/internal/collector"
	"github.com/roelfdiedericks/meshclaw/internal/config"
	. "github.com/roelfdiedericks/meshclaw/internal/logging"
	"github.com/roelfdiedericks/meshclaw/internal/mesh"
	"github.com/roelfdiedericks/meshclaw/internal/metrics"
	"github.com/roelfdiedericks/meshclaw/internal/paths"
	"github.com/roelfdiedericks/meshclaw/internal/payload"
	"github.com/roelfdiedericks/meshclaw/internal/store"
)

// ContactsInfoCmd walks the contact list and refreshes every contact.
type ContactsInfoCmd struct {
	Limit int           `help:"Stop after N contacts (0 = all)."`
	Sleep time.Duration `help:"Pause between contacts." default:"0s"`
}

type contactInfoOutcome struct {
	Name  string `json:"name"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func (c *ContactsInfoCmd) Run(g *Globals) error {
	a, err := openApp(g, false)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := context.Background()

	res := a.mesh.FetchContacts(ctx)
	if !res.OK {
		return fmt.Errorf("contacts: %s", res.Error)
	}
	items, _ := res.Data.([]payload.Map)
	names := collector.QueryNames(items)
	if c.Limit > 0 && len(names) > c.Limit {
		names = names[:c.Limit]
	}

	out := make([]contactInfoOutcome, 0, len(names))
	for i, name := range names {
		if i > 0 && c.Sleep > 0 {
			time.Sleep(c.Sleep)
		}
		r := a.mesh.ContactInfo(ctx, name)
		out = append(out, contactInfoOutcome{Name: name, OK: r.OK, Error: r.Error})
	}
	return printJSON(out)
}

// MyNodeCmd prints the local node's info.
type MyNodeCmd struct {
	Name    string        `arg:"" optional:"" help:"Cache key for the node (default from config)."`
	MaxAge  time.Duration `name:"max-age" help:"Accept a cached copy this old (default 1h)."`
	Refresh bool          `help:"Ignore the cache and fetch from the device."`
}

func (c *MyNodeCmd) Run(g *Globals) error {
	a, err := openApp(g, false)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := context.Background()

	var res mesh.Result
	if c.Refresh {
		res = a.mesh.FetchNodeInfo(ctx, c.Name)
	} else {
		res = a.mesh.NodeInfo(ctx, c.Name, c.MaxAge)
	}
	return printResult(res)
}

// SendCmd sends one chat message.
type SendCmd struct {
	Name     string `arg:"" help:"Contact or channel name."`
	Text     string `arg:"" help:"Message text."`
	ClientID string `name:"client-id" help:"Correlation ID stored with the message (default: generated)."`
}

func (c *SendCmd) Run(g *Globals) error {
	a, err := openApp(g, false)
	if err != nil {
		return err
	}
	defer a.Close()
	return printResult(a.mesh.SendMessage(context.Background(), c.Name, c.Text, c.ClientID))
}

// SyncCmd fetches queued messages once.
type SyncCmd struct{}

func (SyncCmd) Run(g *Globals) error {
	a, err := openApp(g, false)
	if err != nil {
		return err
	}
	defer a.Close()
	return printResult(a.mesh.SyncUnread(context.Background()))
}

// MessagesCmd lists stored messages, newest first.
type MessagesCmd struct {
	Name  string `help:"Only messages with this contact name."`
	Key   string `help:"Only messages linked to this public key."`
	Limit int    `help:"Maximum rows (1..500)." default:"50"`
}

func (c *MessagesCmd) Run(g *Globals) error {
	a, err := openApp(g, false)
	if err != nil {
		return err
	}
	defer a.Close()

	msgs, err := a.store.ListMessages(context.Background(), store.MessageFilter{
		PublicKey: c.Key,
		Name:      c.Name,
		Limit:     c.Limit,
	})
	if err != nil {
		return err
	}
	return printJSON(msgs)
}

// AutomationsCmd groups rule management.
type AutomationsCmd struct {
	List   AutomationsListCmd   `cmd:"" help:"List rules in evaluation order."`
	Add    AutomationsAddCmd    `cmd:"" help:"Create a rule."`
	Delete AutomationsDeleteCmd `cmd:"" help:"Delete a rule."`
	Enable AutomationsEnableCmd `cmd:"" help:"Enable or disable a rule."`
	Test   AutomationsTestCmd   `cmd:"" help:"Evaluate rules against a sample message."`
}

type AutomationsListCmd struct{}

func (AutomationsListCmd) Run(g *Globals) error {
	a, err := openApp(g, false)
	if err != nil {
		return err
	}
	defer a.Close()

	rules, err := a.store.ListRules(context.Background())
	if err != nil {
		return err
	}
	return printJSON(rules)
}

type AutomationsAddCmd struct {
	Name          string `required:"" help:"Rule name."`
	Match         string `default:"contains" enum:"equals,prefix,contains,regex" help:"Match type."`
	Pattern       string `required:"" help:"Pattern to match."`
	Action        string `default:"autoresponse" enum:"autoresponse,mqtt" help:"Action type."`
	Response      string `help:"Reply template for autoresponse."`
	Topic         string `help:"MQTT topic template."`
	Payload       string `help:"MQTT payload template."`
	From          string `help:"Only messages from this name."`
	FromKey       string `name:"from-key" help:"Only messages from this public key."`
	Priority      int    `help:"Higher runs first."`
	Cooldown      int    `help:"Seconds between firings."`
	CaseSensitive bool   `name:"case-sensitive" help:"Match case."`
	Continue      bool   `help:"Keep evaluating lower-priority rules after this one fires."`
	Any           bool   `help:"Also match outgoing messages."`
	Description   string `help:"Free text."`
}

func (c *AutomationsAddCmd) Run(g *Globals) error {
	a, err := openApp(g, false)
	if err != nil {
		return err
	}
	defer a.Close()

	r := automation.NewRule(c.Name, c.Match, c.Pattern, c.Action)
	r.Description = c.Description
	r.ResponseText = c.Response
	r.MQTTTopic = c.Topic
	r.MQTTPayload = c.Payload
	r.FromName = c.From
	r.FromPublicKey = c.FromKey
	r.Priority = c.Priority
	r.CooldownSeconds = c.Cooldown
	r.CaseSensitive = c.CaseSensitive
	r.StopProcessing = !c.Continue
	r.OnlyIncoming = !c.Any

	if err := automation.ValidateRule(r); err != nil {
		return err
	}
	if err := a.store.CreateRule(context.Background(), r); err != nil {
		return err
	}
	return printJSON(r)
}

type AutomationsDeleteCmd struct {
	ID int64 `arg:"" help:"Rule ID."`
}

func (c *AutomationsDeleteCmd) Run(g *Globals) error {
	a, err := openApp(g, false)
	if err != nil {
		return err
	}
	defer a.Close()
	return a.store.DeleteRule(context.Background(), c.ID)
}

type AutomationsEnableCmd struct {
	ID      int64 `arg:"" help:"Rule ID."`
	Disable bool  `help:"Disable instead."`
}

func (c *AutomationsEnableCmd) Run(g *Globals) error {
	a, err := openApp(g, false)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := context.Background()

	r, err := a.store.GetRule(ctx, c.ID)
	if err != nil {
		return err
	}
	r.Enabled = !c.Disable
	return a.store.UpdateRule(ctx, r)
}

// AutomationsTestCmd evaluates the rules. Nothing is sent unless --execute.
type AutomationsTestCmd struct {
	Name     string `required:"" help:"Sender name."`
	Text     string `required:"" help:"Message text."`
	Key      string `help:"Sender public key."`
	Outgoing bool   `help:"Treat the message as outgoing."`
	Execute  bool   `help:"Run the actions instead of a dry run."`
}

func (c *AutomationsTestCmd) Run(g *Globals) error {
	a, err := openApp(g, false)
	if err != nil {
		return err
	}
	defer a.Close()

	ev := automation.Event{Name: c.Name, PublicKey: c.Key, Direction: store.DirectionIn, Text: c.Text}
	if c.Outgoing {
		ev.Direction = store.DirectionOut
	}
	results, err := a.engine().Evaluate(context.Background(), ev, !c.Execute)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{
		"dry_run": !c.Execute,
		"event":   ev,
		"results": results,
	})
}

// StatusCmd reports configuration, device reachability and metrics.
type StatusCmd struct {
	Query bool `default:"true" negatable:"" help:"Query the device for node info."`
}

func (c *StatusCmd) Run(g *Globals) error {
	a, err := openApp(g, false)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := context.Background()

	status := map[string]any{
		"version":     version,
		"config":      a.cfg.Source,
		"database":    a.cfg.Store.Path,
		"binary":      a.cfg.Device.Binary,
		"target":      a.cfg.Device.Target,
		"collector":   a.cfg.Collector.Enabled,
		"automations": a.cfg.Automation.Enabled,
	}
	if bin, err := exec.LookPath(a.cfg.Device.Binary); err == nil {
		status["binary_path"] = bin
	} else {
		status["binary_error"] = err.Error()
	}
	if contacts, err := a.store.ListContacts(ctx); err == nil {
		status["contacts"] = len(contacts)
	}
	if rules, err := a.store.ListRules(ctx); err == nil {
		status["rules"] = len(rules)
	}
	if c.Query {
		status["node"] = a.mesh.NodeInfo(ctx, "", 0)
	}
	status["metrics"] = metrics.GetInstance().GetSnapshot()
	return printJSON(status)
}

// ConfigCmd groups config file commands.
type ConfigCmd struct {
	Init ConfigInitCmd `cmd:"" help:"Write a default config file."`
	Show ConfigShowCmd `cmd:"" help:"Print the effective config."`
}

type ConfigInitCmd struct {
	Path   string `arg:"" optional:"" type:"path" help:"Destination (default: ~/.meshclaw/meshclaw.json)."`
	Target string `help:"Device target to write."`
	Force  bool   `help:"Overwrite an existing file."`
}

func (c *ConfigInitCmd) Run(g *Globals) error {
	initLogging(g)

	path := c.Path
	if path == "" {
		var err error
		if path, err = paths.DefaultConfigPath(); err != nil {
			return err
		}
	}
	if _, err := os.Stat(path); err == nil && !c.Force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	cfg := config.Default()
	cfg.Device.Target = c.Target
	if err := config.Save(cfg, path); err != nil {
		return err
	}
	L_info("config written", "path", path)
	fmt.Println(path)
	return nil
}

type ConfigShowCmd struct{}

func (ConfigShowCmd) Run(g *Globals) error {
	initLogging(g)
	cfg, err := config.Load(g.ConfigFile)
	if err != nil {
		return err
	}
	shown := *cfg
	if shown.MQTT.Password != "" {
		shown.MQTT.Password = "********"
	}
	return printJSON(map[string]any{"source": cfg.Source, "config": shown})
}

// printResult prints r and turns a failed result into a non-zero exit.
func printResult(r mesh.Result) error {
	if err := printJSON(r); err != nil {
		return err
	}
	if !r.OK {
		return errors.New(r.Error)
	}
	return nil
}
