package cli

import "fmt"

// validateFlags centralizes common flag combinations to keep behavior consistent.
func validateFlags(globals *Globals, tabs int) error {
	if globals == nil {
		return nil
	}
	// quiet only trims event lines from the NDJSON stream
	if globals.Format == "text" && globals.Quiet {
		return outputErrorCommon(globals, "INVALID_FLAGS", "--quiet is only supported with ndjson output", "switch to --format ndjson or drop --quiet")
	}
	if tabs < 0 {
		return outputErrorCommon(globals, "INVALID_FLAGS", fmt.Sprintf("--tabs must be positive, got %d", tabs))
	}
	if globals.Config != nil {
		if err := globals.Config.Validate(); err != nil {
			return outputErrorCommon(globals, "INVALID_CONFIG", err.Error(), "run 'tabtrail config show' to inspect the resolved config")
		}
	}
	return nil
}
