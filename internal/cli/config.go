package cli

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/vburojevic/tabtrail/internal/config"
	"github.com/vburojevic/tabtrail/internal/output"
)

// ConfigCmd groups the configuration subcommands.
type ConfigCmd struct {
	Show     ConfigShowCmd     `cmd:"" default:"1" help:"Show the resolved configuration"`
	Path     ConfigPathCmd     `cmd:"" help:"Show which config file is loaded"`
	Generate ConfigGenerateCmd `cmd:"" help:"Print a config file with every default"`
}

// ConfigShowCmd prints the resolved configuration.
type ConfigShowCmd struct{}

type configOutput struct {
	Type          string         `json:"type"` // config
	SchemaVersion int            `json:"schemaVersion"`
	ConfigFile    string         `json:"config_file,omitempty"`
	Valid         bool           `json:"valid"`
	Problems      string         `json:"problems,omitempty"`
	Settings      map[string]any `json:"settings"`
}

// Run executes the config show command
func (c *ConfigShowCmd) Run(globals *Globals) error {
	cfg := globals.Config
	if cfg == nil {
		cfg = config.Default()
	}
	validateErr := cfg.Validate()

	if globals.Format == "ndjson" {
		out := &configOutput{
			Type:          "config",
			SchemaVersion: output.SchemaVersion,
			ConfigFile:    config.ConfigFile(),
			Valid:         validateErr == nil,
			Settings:      cfg.Settings(),
		}
		if validateErr != nil {
			out.Problems = validateErr.Error()
		}
		return output.NewNDJSONWriter(globals.Stdout).Write(out)
	}

	if path := config.ConfigFile(); path != "" {
		fmt.Fprintf(globals.Stdout, "Config file: %s\n", path)
	} else {
		fmt.Fprintln(globals.Stdout, "Config file: (none, using defaults and environment)")
	}
	if validateErr != nil {
		fmt.Fprintf(globals.Stdout, "Problems:\n%s\n", validateErr)
	}
	fmt.Fprintln(globals.Stdout)
	fmt.Fprintln(globals.Stdout, "Current Configuration:")
	data, err := yaml.Marshal(cfg.Settings())
	if err != nil {
		return err
	}
	_, err = globals.Stdout.Write(data)
	return err
}

// ConfigPathCmd prints the config file location.
type ConfigPathCmd struct{}

type configPathOutput struct {
	Type          string `json:"type"` // config_path
	SchemaVersion int    `json:"schemaVersion"`
	Path          string `json:"path"`
	Found         bool   `json:"found"`
}

// Run executes the config path command
func (c *ConfigPathCmd) Run(globals *Globals) error {
	path := config.ConfigFile()
	if globals.Format == "ndjson" {
		return output.NewNDJSONWriter(globals.Stdout).Write(&configPathOutput{
			Type:          "config_path",
			SchemaVersion: output.SchemaVersion,
			Path:          path,
			Found:         path != "",
		})
	}
	if path == "" {
		fmt.Fprintln(globals.Stdout, "No configuration file found")
		fmt.Fprintln(globals.Stdout, "Searched: /etc/tabtrail, the user config dir, ~/.tabtrail.yaml, ./.tabtrail.yaml, ./tabtrail.yaml")
		return nil
	}
	fmt.Fprintf(globals.Stdout, "Config file: %s\n", path)
	return nil
}

// ConfigGenerateCmd prints a config file holding every default.
type ConfigGenerateCmd struct{}

const configHeader = `# tabtrail configuration file
# Place at ./.tabtrail.yaml, ~/.tabtrail.yaml or in the user config dir.
# Every key can be overridden with TABTRAIL_<SECTION>_<KEY>, e.g. TABTRAIL_SESSION_TIMEOUT=45m.

`

// Run executes the config generate command
func (c *ConfigGenerateCmd) Run(globals *Globals) error {
	data, err := yaml.Marshal(config.Default().Settings())
	if err != nil {
		return err
	}
	if _, err := fmt.Fprint(globals.Stdout, configHeader); err != nil {
		return err
	}
	_, err = globals.Stdout.Write(data)
	return err
}
