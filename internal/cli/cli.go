// Package cli implements the tabtrail command line.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/vburojevic/tabtrail/internal/config"
	"github.com/vburojevic/tabtrail/internal/output"
)

// Build information, set via ldflags.
var (
	Version = "dev"
	Commit  = "none"
)

// CLI is the root command model.
type CLI struct {
	Format  string `short:"f" enum:"ndjson,text" default:"${config_format}" help:"Output format (ndjson, text)"`
	Quiet   bool   `short:"q" help:"Suppress per-event output lines"`
	Verbose bool   `short:"v" help:"Debug logging on stderr and session transition lines"`
	Store   string `default:"${config_store}" help:"Store DSN (empty for memory, sqlite://path, postgres://...)"`
	Config  string `type:"path" help:"Config file (default: search standard locations)"`

	Simulate  SimulateCmd  `cmd:"" help:"Run several in-process tabs and stream their tracking signals"`
	Status    StatusCmd    `cmd:"" help:"Show tab leases, the session record and pending backlogs"`
	Backlog   BacklogCmd   `cmd:"" help:"Inspect or clear undelivered backlogs"`
	Collector CollectorCmd `cmd:"" help:"Run a local collector that accepts delivery batches"`
	ConfigCmd ConfigCmd    `cmd:"" name:"config" help:"Show or generate configuration"`
	Schema    SchemaCmd    `cmd:"" help:"Print JSON Schema for the NDJSON output types"`
	Version   VersionCmd   `cmd:"" help:"Show version information"`
}

// Globals carries the parsed global flags and resolved config into every
// command.
type Globals struct {
	Format  string
	Quiet   bool
	Verbose bool
	Stdout  io.Writer
	Stderr  io.Writer
	Config  *config.Config
}

// NewGlobalsWithConfig merges the parsed flags into cfg. A --config flag
// replaces cfg with that file's contents.
func NewGlobalsWithConfig(c *CLI, cfg *config.Config) *Globals {
	if c.Config != "" {
		loaded, err := config.LoadFromFile(c.Config)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to load %s: %v\n", c.Config, err)
		} else {
			cfg = loaded
		}
	}
	if cfg == nil {
		cfg = config.Default()
	}
	format := c.Format
	if format == "" {
		format = cfg.Format
	}
	if c.Store != "" {
		cfg.Store = c.Store
	}
	return &Globals{
		Format:  format,
		Quiet:   c.Quiet || cfg.Quiet,
		Verbose: c.Verbose || cfg.Verbose,
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
		Config:  cfg,
	}
}

// Debug prints a debug line on stderr when verbose output is on.
func (g *Globals) Debug(format string, args ...any) {
	if g.Verbose {
		fmt.Fprintf(g.Stderr, "[DEBUG] "+format+"\n", args...)
	}
}

// VersionCmd prints build information.
type VersionCmd struct{}

type versionOutput struct {
	Type          string `json:"type"`
	SchemaVersion int    `json:"schemaVersion"`
	Version       string `json:"version"`
	Commit        string `json:"commit"`
}

// Run executes the version command
func (c *VersionCmd) Run(globals *Globals) error {
	if globals.Format == "ndjson" {
		return json.NewEncoder(globals.Stdout).Encode(versionOutput{
			Type:          "version",
			SchemaVersion: output.SchemaVersion,
			Version:       Version,
			Commit:        Commit,
		})
	}
	fmt.Fprintf(globals.Stdout, "tabtrail version %s (%s)\n", Version, Commit)
	return nil
}
