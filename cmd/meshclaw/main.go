package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	"golang.org/x/term"

	. "github.com/roelfdiedericks/meshclaw/internal/logging"
)

const version = "0.1.0"

// Globals are flags shared by every command.
type Globals struct {
	ConfigFile string `name:"config" short:"c" help:"Config file (default: ./meshclaw.json, then ~/.meshclaw/meshclaw.json)." type:"path"`
	LogLevel   string `name:"log-level" short:"l" help:"Override log level (trace|debug|info|warn|error)."`
	LogFormat  string `name:"log-format" help:"Log output format." enum:"text,json,logfmt" default:"text"`
	Debug      bool   `help:"Shortcut for --log-level debug with caller info."`
}

// CLI is the meshclaw command tree.
type CLI struct {
	Globals

	Serve        ServeCmd        `cmd:"" help:"Run the device session, chat ingestion, automations and collector."`
	Collect      CollectCmd      `cmd:"" help:"Run collector passes."`
	ContactsInfo ContactsInfoCmd `cmd:"" name:"contacts-info" help:"Fetch the contact list and contact_info for each contact."`
	MyNode       MyNodeCmd       `cmd:"" name:"my-node" help:"Print local node info."`
	Send         SendCmd         `cmd:"" help:"Send a chat message."`
	Sync         SyncCmd         `cmd:"" help:"Fetch unread messages once."`
	Messages     MessagesCmd     `cmd:"" help:"List stored messages."`
	Automations  AutomationsCmd  `cmd:"" help:"Manage and test automation rules."`
	Status       StatusCmd       `cmd:"" help:"Show device status and metrics."`
	Config       ConfigCmd       `cmd:"" help:"Manage the config file."`
	Version      VersionCmd      `cmd:"" help:"Print version."`
}

// VersionCmd prints the version.
type VersionCmd struct{}

func (VersionCmd) Run(*Globals) error {
	fmt.Printf("meshclaw %s\n", version)
	return nil
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("meshclaw"),
		kong.Description("Mediates a MeshCore device CLI: chat capture, contact collection and automations."),
		kong.UsageOnError(),
	)

	err := ctx.Run(&cli.Globals)
	ctx.FatalIfErrorf(err)
}

// initLogging starts the logger before the config is read. The flag level
// wins; otherwise the config level is applied once known.
func initLogging(g *Globals) {
	cfg := DefaultLogOptions()
	cfg.Format = g.LogFormat
	if g.LogLevel != "" {
		cfg.Level = ParseLevel(g.LogLevel)
	}
	if g.Debug {
		cfg.Level = LevelDebug
		cfg.ShowCaller = true
	}
	Init(cfg)
}

func applyLogLevel(g *Globals, level string) {
	if g.LogLevel != "" || g.Debug || level == "" {
		return
	}
	SetLevel(ParseLevel(level))
}

// printJSON writes v to stdout, indented on a terminal and compact otherwise.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	if term.IsTerminal(int(os.Stdout.Fd())) {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}
