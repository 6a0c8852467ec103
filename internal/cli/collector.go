package cli

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"

	"github.com/vburojevic/tabtrail/internal/collector"
	"github.com/vburojevic/tabtrail/internal/output"
)

// CollectorCmd runs a local ingestion endpoint.
type CollectorCmd struct {
	Addr   string   `short:"l" default:"127.0.0.1:8787" help:"Listen address"`
	Script []string `sep:"none" help:"Scripted responses per integration, e.g. 'ga=503,429' (can be repeated)"`
	Always []string `sep:"none" help:"Fixed response per integration, e.g. 'mixpanel=500' (can be repeated)"`
}

type collectorReady struct {
	Type          string   `json:"type"` // collector
	SchemaVersion int      `json:"schemaVersion"`
	Addr          string   `json:"addr"`
	BatchURL      string   `json:"batch_url"`
	Scripted      []string `json:"scripted,omitempty"`
}

type collectorStats struct {
	Type          string            `json:"type"` // collector_stats
	SchemaVersion int               `json:"schemaVersion"`
	Integrations  []collector.Stats `json:"integrations"`
}

// Run executes the collector command
func (c *CollectorCmd) Run(globals *Globals) error {
	opts, scripted, err := collectorOptions(c.Script, c.Always)
	if err != nil {
		return outputErrorCommon(globals, "INVALID_SCRIPT", err.Error(), "use integration=status[,status...]")
	}
	logger := newLogger(globals)
	defer func() { _ = logger.Sync() }()
	col := collector.New(append(opts, collector.WithLogger(logger))...)

	ln, err := net.Listen("tcp", c.Addr)
	if err != nil {
		return wrapErrorCommon(globals, "LISTEN_FAILED", err, "pick a free address with --addr")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	base := "http://" + ln.Addr().String()
	if globals.Format == "ndjson" {
		_ = output.NewNDJSONWriter(globals.Stdout).Write(&collectorReady{
			Type:          "collector",
			SchemaVersion: output.SchemaVersion,
			Addr:          ln.Addr().String(),
			BatchURL:      collector.URL(base, "{integration}"),
			Scripted:      scripted,
		})
	} else {
		fmt.Fprintf(globals.Stdout, "Collector listening on %s\n", base)
		fmt.Fprintf(globals.Stdout, "Batch endpoint: %s\n", collector.URL(base, "<integration>"))
	}

	if err := col.Serve(ctx, ln); err != nil {
		return wrapErrorCommon(globals, "COLLECTOR_FAILED", err)
	}
	return writeCollectorStats(globals, col.Stats())
}

func writeCollectorStats(globals *Globals, stats []collector.Stats) error {
	if globals.Format == "ndjson" {
		if stats == nil {
			stats = []collector.Stats{}
		}
		return output.NewNDJSONWriter(globals.Stdout).Write(&collectorStats{
			Type:          "collector_stats",
			SchemaVersion: output.SchemaVersion,
			Integrations:  stats,
		})
	}
	table := tablewriter.NewWriter(globals.Stdout)
	table.Header("Integration", "Requests", "Accepted", "Rejected", "Events")
	for _, s := range stats {
		if err := table.Append(s.Integration, strconv.Itoa(s.Requests), strconv.Itoa(s.Accepted),
			strconv.Itoa(s.Rejected), strconv.Itoa(s.Events)); err != nil {
			return err
		}
	}
	return table.Render()
}

// collectorOptions turns --script and --always flags into collector options.
// It also returns the sorted integration names they mention.
func collectorOptions(script, always []string) ([]collector.Option, []string, error) {
	scripts, err := parseStatusFlags(script)
	if err != nil {
		return nil, nil, err
	}
	fixed, err := parseStatusFlags(always)
	if err != nil {
		return nil, nil, err
	}
	var opts []collector.Option
	for name, statuses := range scripts {
		opts = append(opts, collector.WithScript(name, statuses...))
	}
	for name, statuses := range fixed {
		if len(statuses) != 1 {
			return nil, nil, fmt.Errorf("--always %s takes exactly one status", name)
		}
		opts = append(opts, collector.WithAlways(name, statuses[0]))
	}
	names := lo.Uniq(append(lo.Keys(scripts), lo.Keys(fixed)...))
	sort.Strings(names)
	return opts, names, nil
}

// parseStatusFlags parses repeated integration=status[,status...] values.
func parseStatusFlags(values []string) (map[string][]int, error) {
	out := map[string][]int{}
	for _, v := range values {
		name, list, ok := strings.Cut(v, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" || strings.TrimSpace(list) == "" {
			return nil, fmt.Errorf("invalid status flag %q", v)
		}
		for _, part := range strings.Split(list, ",") {
			code, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil || code < 100 || code > 599 {
				return nil, fmt.Errorf("invalid HTTP status %q in %q", part, v)
			}
			out[name] = append(out[name], code)
		}
	}
	return out, nil
}
