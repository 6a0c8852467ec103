package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	"github.com/vburojevic/tabtrail/internal/cli"
	"github.com/vburojevic/tabtrail/internal/config"
)

const quickStart = `tabtrail - cross-tab session tracking and reliable event delivery

Quick start:
  tabtrail simulate -n 3 -d 20s                 Three tabs sharing one session
  tabtrail simulate --collector --always collector=500
                                                Watch retries and backlog persistence
  tabtrail status --store sqlite://./tabtrail.db
  tabtrail config generate > .tabtrail.yaml

For help:
  tabtrail --help                               All commands and flags
  tabtrail schema                               JSON Schema of every NDJSON line
`

func main() {
	// Show quick start if no args provided
	if len(os.Args) == 1 {
		fmt.Print(quickStart)
		return
	}

	// Load configuration from files/environment
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to load config: %v\n", err)
		cfg = config.Default()
	}

	var c cli.CLI

	// Config values become flag defaults; explicit flags still win.
	vars := kong.Vars{
		"config_format": cfg.Format,
		"config_store":  cfg.Store,
	}

	ctx := kong.Parse(&c,
		kong.Name("tabtrail"),
		kong.Description("tabtrail: one analytics session across browser tabs, delivered reliably to every integration"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}),
		vars,
	)

	globals := cli.NewGlobalsWithConfig(&c, cfg)
	if err := ctx.Run(globals); err != nil {
		if !cli.Reported(err) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}
