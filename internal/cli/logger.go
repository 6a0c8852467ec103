package cli

import (
	"os"

	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// newLogger builds the component logger for a command. Logs go to stderr so
// stdout stays a clean NDJSON stream: debug under --verbose, warnings
// otherwise, console encoding when stderr is a terminal and JSON when it is
// not.
func newLogger(globals *Globals) *zap.Logger {
	if globals == nil || globals.Stderr == nil {
		return zap.NewNop()
	}
	level := zapcore.WarnLevel
	if globals.Verbose {
		level = zapcore.DebugLevel
	}
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var encoder zapcore.Encoder
	if stderrIsTerminal(globals) {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encCfg)
	}
	core := zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(globals.Stderr)), zap.NewAtomicLevelAt(level))
	return zap.New(core)
}

func stderrIsTerminal(globals *Globals) bool {
	f, ok := globals.Stderr.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
