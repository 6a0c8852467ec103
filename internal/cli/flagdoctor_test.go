package cli

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vburojevic/tabtrail/internal/config"
)

func TestValidateFlags(t *testing.T) {
	globals := &Globals{Format: "text", Quiet: true, Stdout: &bytes.Buffer{}, Stderr: &bytes.Buffer{}}
	require.Error(t, validateFlags(globals, 1))

	globals = &Globals{Format: "ndjson", Stdout: &bytes.Buffer{}, Stderr: &bytes.Buffer{}}
	require.Error(t, validateFlags(globals, -1))

	cfg := config.Default()
	cfg.Session.Timeout = time.Second
	globals = &Globals{Format: "ndjson", Stdout: &bytes.Buffer{}, Stderr: &bytes.Buffer{}, Config: cfg}
	require.Error(t, validateFlags(globals, 1))
	require.Contains(t, globals.Stdout.(*bytes.Buffer).String(), `"code":"INVALID_CONFIG"`)

	globals = &Globals{Format: "ndjson", Stdout: &bytes.Buffer{}, Stderr: &bytes.Buffer{}, Config: config.Default()}
	require.NoError(t, validateFlags(globals, 3))
}
