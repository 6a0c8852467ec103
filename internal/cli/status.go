package cli

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"

	"github.com/vburojevic/tabtrail/internal/delivery"
	"github.com/vburojevic/tabtrail/internal/domain"
	"github.com/vburojevic/tabtrail/internal/output"
	"github.com/vburojevic/tabtrail/internal/storage"
)

// StatusCmd inspects the persisted tracking state in the configured store.
type StatusCmd struct{}

// TabStatus is one tab lease as seen by status.
type TabStatus struct {
	domain.TabInfo
	Stale bool `json:"stale"`
}

// StatusOutput is the NDJSON status record.
type StatusOutput struct {
	Type          string                  `json:"type"` // status
	SchemaVersion int                     `json:"schemaVersion"`
	Timestamp     string                  `json:"timestamp"`
	Store         string                  `json:"store"`
	Tabs          []TabStatus             `json:"tabs"`
	Session       *domain.Session         `json:"session,omitempty"`
	Backlog       []delivery.BacklogEntry `json:"backlog"`
}

// Run executes the status command
func (c *StatusCmd) Run(globals *Globals) error {
	store, keys, err := openInspectionStore(globals)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	now := time.Now()
	out := StatusOutput{
		Type:          "status",
		SchemaVersion: output.SchemaVersion,
		Timestamp:     now.UTC().Format(time.RFC3339),
		Store:         storeLabel(globals.Config, store),
		Tabs:          readTabs(store, keys, now, globals.Config.CrossTab.HeartbeatTimeout),
		Backlog:       delivery.NewBacklog(store, keys, globals.Config.Delivery.MaxBacklog).List(),
	}
	var sess domain.Session
	if store.GetJSON(keys.Session(), &sess) && sess.Valid() {
		out.Session = &sess
	}
	if out.Backlog == nil {
		out.Backlog = []delivery.BacklogEntry{}
	}

	if globals.Format == "ndjson" {
		return output.NewNDJSONWriter(globals.Stdout).Write(&out)
	}
	return renderStatus(globals.Stdout, &out, now)
}

func openInspectionStore(globals *Globals) (*storage.Store, storage.Keys, error) {
	cfg := globals.Config
	keys := storage.NewKeys(cfg.Namespace)
	if cfg.Store == "" {
		globals.Debug("no store configured, the in-memory store starts empty")
	}
	backend, err := storage.BuildBackendFromDSN(cfg.Store)
	if err != nil {
		return nil, keys, wrapErrorCommon(globals, "STORE_UNAVAILABLE", err, "check --store or the store key in the config file")
	}
	return storage.NewStore(backend,
		storage.WithClock(clock.New()),
		storage.WithLogger(newLogger(globals)),
		storage.WithKeys(keys),
	), keys, nil
}

func readTabs(store *storage.Store, keys storage.Keys, now time.Time, timeout time.Duration) []TabStatus {
	tabs := lo.FilterMap(store.Keys(keys.TabPrefix()), func(key string, _ int) (TabStatus, bool) {
		var info domain.TabInfo
		if !store.GetJSON(key, &info) || info.ID == "" {
			return TabStatus{}, false
		}
		return TabStatus{TabInfo: info, Stale: info.Stale(now, timeout)}, true
	})
	sort.Slice(tabs, func(i, j int) bool { return tabs[i].Precedes(tabs[j].TabInfo) })
	if tabs == nil {
		tabs = []TabStatus{}
	}
	return tabs
}

func renderStatus(w io.Writer, out *StatusOutput, now time.Time) error {
	fmt.Fprintf(w, "Store: %s\n\n", out.Store)
	if out.Session != nil {
		fmt.Fprintf(w, "Session %s started %s ago, last heartbeat %s ago",
			out.Session.SessionID, ago(now, out.Session.StartTime), ago(now, out.Session.LastHeartbeat))
		if out.Session.Ended() {
			fmt.Fprintf(w, ", ended (%s)", out.Session.EndTrigger)
		}
		fmt.Fprintln(w)
	} else {
		fmt.Fprintln(w, "No session record")
	}
	fmt.Fprintln(w)

	tabs := tablewriter.NewWriter(w)
	tabs.Header("Tab", "Leader", "Session", "Heartbeat", "Stale")
	for _, t := range out.Tabs {
		if err := tabs.Append(t.ID, strconv.FormatBool(t.IsLeader), t.SessionID,
			ago(now, t.LastHeartbeat), strconv.FormatBool(t.Stale)); err != nil {
			return err
		}
	}
	if err := tabs.Render(); err != nil {
		return err
	}
	fmt.Fprintln(w)
	return renderBacklog(w, out.Backlog, now)
}

func renderBacklog(w io.Writer, entries []delivery.BacklogEntry, now time.Time) error {
	table := tablewriter.NewWriter(w)
	table.Header("Integration", "User", "Events", "Persisted")
	for _, e := range entries {
		if err := table.Append(e.Integration, e.UserID, strconv.Itoa(e.Events), ago(now, e.Timestamp)); err != nil {
			return err
		}
	}
	return table.Render()
}

func ago(now time.Time, ms int64) string {
	if ms == 0 {
		return "-"
	}
	return now.Sub(domain.FromMillis(ms)).Round(time.Second).String()
}

// BacklogCmd groups the backlog subcommands.
type BacklogCmd struct {
	List  BacklogListCmd  `cmd:"" default:"1" help:"List persisted backlogs"`
	Clear BacklogClearCmd `cmd:"" help:"Delete persisted backlogs"`
}

// BacklogListCmd lists persisted backlogs.
type BacklogListCmd struct {
	Integration string `short:"i" help:"Only this integration"`
}

type backlogOutput struct {
	Type          string                  `json:"type"` // backlog
	SchemaVersion int                     `json:"schemaVersion"`
	Entries       []delivery.BacklogEntry `json:"entries"`
	Events        int                     `json:"events"`
}

// Run executes the backlog list command
func (c *BacklogListCmd) Run(globals *Globals) error {
	store, keys, err := openInspectionStore(globals)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	entries := delivery.NewBacklog(store, keys, globals.Config.Delivery.MaxBacklog).List()
	if c.Integration != "" {
		entries = lo.Filter(entries, func(e delivery.BacklogEntry, _ int) bool { return e.Integration == c.Integration })
	}
	if entries == nil {
		entries = []delivery.BacklogEntry{}
	}
	if globals.Format == "ndjson" {
		return output.NewNDJSONWriter(globals.Stdout).Write(&backlogOutput{
			Type:          "backlog",
			SchemaVersion: output.SchemaVersion,
			Entries:       entries,
			Events:        lo.SumBy(entries, func(e delivery.BacklogEntry) int { return e.Events }),
		})
	}
	if len(entries) == 0 {
		fmt.Fprintln(globals.Stdout, "No persisted backlog")
		return nil
	}
	return renderBacklog(globals.Stdout, entries, time.Now())
}

// BacklogClearCmd deletes persisted backlogs.
type BacklogClearCmd struct {
	Integration string `arg:"" optional:"" help:"Integration to clear"`
	All         bool   `help:"Clear every integration"`
}

type backlogCleared struct {
	Type          string `json:"type"` // backlog_cleared
	SchemaVersion int    `json:"schemaVersion"`
	Integration   string `json:"integration,omitempty"`
	Keys          int    `json:"keys"`
}

// Run executes the backlog clear command
func (c *BacklogClearCmd) Run(globals *Globals) error {
	if (c.Integration == "") == !c.All {
		return outputErrorCommon(globals, "INVALID_FLAGS", "name an integration or pass --all, not both", "tabtrail backlog clear <integration> | tabtrail backlog clear --all")
	}
	store, keys, err := openInspectionStore(globals)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	backlog := delivery.NewBacklog(store, keys, globals.Config.Delivery.MaxBacklog)
	cleared := 0
	if c.All {
		for _, e := range backlog.List() {
			backlog.Clear(e.Integration, e.UserID)
			cleared++
		}
	} else {
		cleared = backlog.ClearIntegration(c.Integration)
	}

	if globals.Format == "ndjson" {
		return output.NewNDJSONWriter(globals.Stdout).Write(&backlogCleared{
			Type:          "backlog_cleared",
			SchemaVersion: output.SchemaVersion,
			Integration:   c.Integration,
			Keys:          cleared,
		})
	}
	fmt.Fprintf(globals.Stdout, "Cleared %d backlog key(s)\n", cleared)
	return nil
}
