package main

import (
	"testing"
	"time"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, args ...string) (*CLI, *kong.Context) {
	t.Helper()
	var cli CLI
	parser, err := kong.New(&cli, kong.Name("meshclaw"), kong.Exit(func(int) { t.Fatalf("unexpected exit") }))
	require.NoError(t, err)
	ctx, err := parser.Parse(args)
	require.NoError(t, err)
	return &cli, ctx
}

func TestParseCommands(t *testing.T) {
	cli, ctx := parse(t, "--config", "/tmp/m.json", "-l", "debug", "contacts-info", "--limit", "3", "--sleep", "2s")
	assert.Equal(t, "contacts-info", ctx.Command())
	assert.Equal(t, "/tmp/m.json", cli.ConfigFile)
	assert.Equal(t, "debug", cli.LogLevel)
	assert.Equal(t, 3, cli.ContactsInfo.Limit)
	assert.Equal(t, 2*time.Second, cli.ContactsInfo.Sleep)

	cli, ctx = parse(t, "send", "Alice", "hello there")
	assert.Equal(t, "send <name> <text>", ctx.Command())
	assert.Equal(t, "Alice", cli.Send.Name)
	assert.Equal(t, "hello there", cli.Send.Text)

	cli, ctx = parse(t, "automations", "test", "--name", "Bob", "--text", "ping")
	assert.Equal(t, "automations test", ctx.Command())
	assert.False(t, cli.Automations.Test.Execute)

	cli, _ = parse(t, "my-node", "--max-age", "10m")
	assert.Equal(t, 10*time.Minute, cli.MyNode.MaxAge)

	cli, _ = parse(t, "collect", "--once")
	assert.True(t, cli.Collect.Once)

	cli, _ = parse(t, "status", "--no-query")
	assert.False(t, cli.Status.Query)
}

func TestParseRejectsUnknownMatchType(t *testing.T) {
	var cli CLI
	parser, err := kong.New(&cli, kong.Name("meshclaw"))
	require.NoError(t, err)
	_, err = parser.Parse([]string{"automations", "add", "--name", "x", "--pattern", "y", "--match", "glob"})
	assert.Error(t, err)
}
