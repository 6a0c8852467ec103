package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/vburojevic/tabtrail/internal/collector"
	"github.com/vburojevic/tabtrail/internal/config"
	"github.com/vburojevic/tabtrail/internal/crosstab"
	"github.com/vburojevic/tabtrail/internal/domain"
	"github.com/vburojevic/tabtrail/internal/output"
	"github.com/vburojevic/tabtrail/internal/sdk"
	"github.com/vburojevic/tabtrail/internal/storage"
)

// SimulateCmd runs several tabs in one process over a shared store and
// broadcast channel, drives them with generated activity and streams the
// resulting signals.
type SimulateCmd struct {
	Tabs        int      `short:"n" default:"3" help:"Number of tabs"`
	Duration    string   `short:"d" default:"30s" help:"Run time (0 runs until interrupted)"`
	Interval    string   `short:"i" default:"400ms" help:"Mean time between generated activities per tab"`
	UserID      string   `short:"u" help:"User id to identify (default: restored or generated)"`
	Collector   bool     `help:"Deliver to an in-process collector in addition to configured integrations"`
	Script      []string `sep:"none" help:"Scripted collector responses, e.g. 'ga=503,429' (implies --collector)"`
	Always      []string `sep:"none" help:"Fixed collector response, e.g. 'mixpanel=500' (implies --collector)"`
	CloseLeader string   `help:"Close the leader tab after this long to exercise failover"`
	Heartbeat   string   `default:"10s" help:"Heartbeat interval in ndjson output (0 disables)"`
	Table       string   `default:"0" help:"Print the tab table at this interval in text output (0 prints it once at the end)"`
	Seed        uint64   `help:"Activity generator seed (default: random)"`
}

type simTab struct {
	client *sdk.Client
	rng    *rand.Rand
	closed atomic.Bool
}

type simulation struct {
	globals  *Globals
	cfg      *config.Config
	logger   *zap.Logger
	store    *storage.Store
	hub      *crosstab.Hub
	writer   *output.NDJSONWriter
	out      io.Writer // text output
	counters *output.Counters
	runID    string
	started  time.Time

	mu     sync.Mutex
	tabs   []*simTab
	userID string
}

var simPages = []string{"/", "/pricing", "/docs", "/blog", "/signup"}

// Run executes the simulate command
func (c *SimulateCmd) Run(globals *Globals) error {
	if err := validateFlags(globals, c.Tabs); err != nil {
		return err
	}
	if c.Tabs == 0 {
		return outputErrorCommon(globals, "INVALID_FLAGS", "--tabs must be at least 1")
	}
	duration, err := parseDurationFlag(globals, "duration", c.Duration)
	if err != nil {
		return err
	}
	interval, err := parseDurationFlag(globals, "interval", c.Interval)
	if err != nil {
		return err
	}
	if interval <= 0 {
		return outputErrorCommon(globals, "INVALID_FLAGS", "--interval must be positive")
	}
	closeAfter, err := parseDurationFlag(globals, "close-leader", c.CloseLeader)
	if err != nil {
		return err
	}
	heartbeat, err := parseDurationFlag(globals, "heartbeat", c.Heartbeat)
	if err != nil {
		return err
	}
	tableEvery, err := parseDurationFlag(globals, "table", c.Table)
	if err != nil {
		return err
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
	if duration > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, duration)
		defer stop()
	}

	logger := newLogger(globals)
	defer func() { _ = logger.Sync() }()

	cfg := *globals.Config
	cfg.Integrations = append([]config.IntegrationConfig(nil), globals.Config.Integrations...)
	if c.Collector || len(c.Script) > 0 || len(c.Always) > 0 {
		// The collector outlives the run so the final flush can reach it.
		colCtx, stopCollector := context.WithCancel(context.Background())
		defer stopCollector()
		col, base, names, err := c.startCollector(colCtx, logger)
		if err != nil {
			return outputErrorCommon(globals, "COLLECTOR_FAILED", err.Error(), "use integration=status[,status...]")
		}
		if len(names) == 0 {
			names = []string{"collector"}
		}
		for _, name := range names {
			cfg.Integrations = append(cfg.Integrations, config.IntegrationConfig{Name: name, URL: collector.URL(base, name)})
		}
		defer func() {
			if globals.Verbose {
				_ = writeCollectorStats(globals, col.Stats())
			}
		}()
	}

	store := sdk.OpenStore(&cfg, clock.New(), logger)
	defer func() { _ = store.Close() }()

	sim := &simulation{
		globals:  globals,
		cfg:      &cfg,
		logger:   logger,
		store:    store,
		hub:      crosstab.NewHub(),
		writer:   output.NewNDJSONWriter(globals.Stdout),
		out:      &lockedWriter{w: globals.Stdout},
		counters: output.NewCounters(),
		runID:    uuid.NewString(),
		started:  time.Now(),
		userID:   c.UserID,
	}
	seed := c.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}

	for i := 0; i < c.Tabs; i++ {
		tab, err := sim.openTab(ctx, fmt.Sprintf("tab-%d", i+1), rand.New(rand.NewPCG(seed, uint64(i))))
		if err != nil {
			sim.shutdown()
			return wrapErrorCommon(globals, "TAB_START_FAILED", err)
		}
		sim.tabs = append(sim.tabs, tab)
	}

	integrationNames := lo.Map(cfg.Integrations, func(in config.IntegrationConfig, _ int) string { return in.Name })
	if globals.Format == "ndjson" {
		_ = sim.writer.WriteReady(sim.runID, c.Tabs, integrationNames, storeLabel(&cfg, store))
	} else {
		fmt.Fprintf(sim.out, "Simulating %d tabs for user %s (store: %s, integrations: %v)\n",
			c.Tabs, sim.userID, storeLabel(&cfg, store), integrationNames)
	}

	var wg sync.WaitGroup
	for _, tab := range sim.tabs {
		wg.Add(1)
		go func(tab *simTab) {
			defer wg.Done()
			sim.drive(ctx, tab, interval)
		}(tab)
	}

	var hbC, tableC, closeC <-chan time.Time
	if heartbeat > 0 && globals.Format == "ndjson" {
		t := time.NewTicker(heartbeat)
		defer t.Stop()
		hbC = t.C
	}
	if tableEvery > 0 && globals.Format == "text" {
		t := time.NewTicker(tableEvery)
		defer t.Stop()
		tableC = t.C
	}
	if closeAfter > 0 {
		t := time.NewTimer(closeAfter)
		defer t.Stop()
		closeC = t.C
	}

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-hbC:
			sim.writeHeartbeat()
		case <-tableC:
			_ = sim.renderTabs(sim.out)
		case <-closeC:
			sim.closeLeader(ctx)
		}
	}
	wg.Wait()

	if globals.Format == "text" {
		_ = sim.renderTabs(sim.out)
	}
	sim.shutdown()

	summary := sim.counters.Summary(sim.runID, time.Since(sim.started).Milliseconds())
	if globals.Format == "ndjson" {
		return sim.writer.WriteSummary(summary)
	}
	return renderSummary(sim.out, summary)
}

func (c *SimulateCmd) startCollector(ctx context.Context, logger *zap.Logger) (*collector.Collector, string, []string, error) {
	opts, names, err := collectorOptions(c.Script, c.Always)
	if err != nil {
		return nil, "", nil, err
	}
	col := collector.New(append(opts, collector.WithLogger(logger))...)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, "", nil, err
	}
	go func() {
		if err := col.Serve(ctx, ln); err != nil {
			logger.Warn("collector stopped", zap.Error(err))
		}
	}()
	return col, "http://" + ln.Addr().String(), names, nil
}

func (s *simulation) openTab(ctx context.Context, tabID string, rng *rand.Rand) (*simTab, error) {
	var signalsOut *output.NDJSONWriter
	if s.globals.Format == "ndjson" && !s.globals.Quiet {
		signalsOut = s.writer
	}
	opts := []sdk.Option{
		sdk.WithTabID(tabID),
		sdk.WithStore(s.store),
		sdk.WithHub(s.hub),
		sdk.WithLogger(s.logger),
		sdk.WithObserver(output.NewSignals(signalsOut, tabID, s.counters)),
		sdk.WithLeadershipHook(s.onLeadership),
	}
	if s.globals.Verbose && s.globals.Format == "ndjson" {
		opts = append(opts, sdk.WithTransitionHook(func(tr *domain.SessionTransition) {
			_ = s.writer.WriteTransition(tr)
		}))
	}
	client, err := sdk.New(s.cfg, opts...)
	if err != nil {
		return nil, err
	}
	fail := func(err error) (*simTab, error) {
		_ = client.Destroy(context.Background())
		return nil, err
	}
	if err := client.Init(ctx); err != nil {
		return fail(err)
	}
	s.mu.Lock()
	uid := s.userID
	s.mu.Unlock()
	uid, err = client.Identify(ctx, uid)
	if err != nil {
		return fail(err)
	}
	s.mu.Lock()
	s.userID = uid
	s.mu.Unlock()
	if err := client.StartTracking(ctx); err != nil {
		return fail(err)
	}
	return &simTab{client: client, rng: rng}, nil
}

func (s *simulation) onLeadership(tabID string, isLeader bool) {
	state := crosstab.StateFollower.String()
	if isLeader {
		state = crosstab.StateLeader.String()
	}
	if s.globals.Format == "ndjson" {
		_ = s.writer.WriteLeadership(tabID, isLeader, state, time.Now())
		return
	}
	fmt.Fprintf(s.out, "%s %s is now %s\n", time.Now().Format("15:04:05.000"), tabID, state)
}

// drive generates activity for tab until ctx ends or the tab is closed.
func (s *simulation) drive(ctx context.Context, tab *simTab, interval time.Duration) {
	page := simPages[0]
	for {
		wait := time.Duration(tab.rng.Int64N(int64(2 * interval)))
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		if tab.closed.Load() {
			return
		}
		var err error
		switch n := tab.rng.IntN(10); {
		case n < 3:
			next := simPages[tab.rng.IntN(len(simPages))]
			err = tab.client.PageView(ctx, page, next)
			page = next
		case n < 6:
			err = tab.client.Track(ctx, domain.EventClick, "cta", nil)
		case n < 9:
			err = tab.client.Track(ctx, domain.EventScroll, "", map[string]any{"depth": tab.rng.IntN(100)})
		default:
			err = tab.client.Track(ctx, domain.EventCustom, "signup", map[string]any{"plan": "pro"})
		}
		if err != nil && !errors.Is(err, sdk.ErrClosed) && ctx.Err() == nil {
			s.logger.Warn("simulated activity failed", zap.String("tab_id", tab.client.TabID()), zap.Error(err))
		}
	}
}

func (s *simulation) openTabs() []*simTab {
	return lo.Filter(s.tabs, func(t *simTab, _ int) bool { return !t.closed.Load() })
}

// closeLeader unloads the current leader so the remaining tabs fail over.
func (s *simulation) closeLeader(ctx context.Context) {
	leader, ok := lo.Find(s.openTabs(), func(t *simTab) bool { return t.client.IsLeader() })
	if !ok {
		return
	}
	leader.closed.Store(true)
	if err := leader.client.Unload(ctx); err != nil {
		s.logger.Warn("unload failed", zap.String("tab_id", leader.client.TabID()), zap.Error(err))
	}
	if err := leader.client.Destroy(ctx); err != nil {
		s.logger.Warn("destroy failed", zap.String("tab_id", leader.client.TabID()), zap.Error(err))
	}
	s.globals.Debug("closed leader %s", leader.client.TabID())
}

func (s *simulation) writeHeartbeat() {
	open := s.openTabs()
	leaders := lo.CountBy(open, func(t *simTab) bool { return t.client.IsLeader() })
	sessions := lo.Uniq(lo.FilterMap(open, func(t *simTab, _ int) (string, bool) {
		id := t.client.SessionID()
		return id, id != ""
	}))
	_ = s.writer.WriteHeartbeat(&output.Heartbeat{
		Timestamp:       time.Now().UTC().Format(time.RFC3339),
		RunID:           s.runID,
		UptimeSeconds:   int64(time.Since(s.started).Seconds()),
		EventsSinceLast: s.counters.TakeSinceHeartbeat(),
		Leaders:         leaders,
		Sessions:        len(sessions),
	})
}

// shutdown destroys every open tab, flushing what they still hold.
func (s *simulation) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, tab := range s.openTabs() {
		tab.closed.Store(true)
		if err := tab.client.Destroy(ctx); err != nil {
			s.logger.Warn("destroy failed", zap.String("tab_id", tab.client.TabID()), zap.Error(err))
		}
	}
}

func (s *simulation) renderTabs(w io.Writer) error {
	table := tablewriter.NewWriter(w)
	table.Header("Tab", "Coordinator", "Session", "State", "Pending")
	for _, tab := range s.tabs {
		coordinator, sessionID, state, pending := "closed", "", "", 0
		if !tab.closed.Load() {
			coordinator = tab.client.CoordinatorState().String()
			sessionID = tab.client.SessionID()
			state = string(tab.client.SessionState())
			pending = lo.Sum(lo.Values(tab.client.Engine().Pending()))
		}
		if err := table.Append(tab.client.TabID(), coordinator, sessionID, state, strconv.Itoa(pending)); err != nil {
			return err
		}
	}
	return table.Render()
}

func renderSummary(w io.Writer, summary *output.Summary) error {
	fmt.Fprintf(w, "\n%d events in %s across %d sessions\n",
		summary.Events, time.Duration(summary.DurationMs)*time.Millisecond, len(summary.Sessions))
	table := tablewriter.NewWriter(w)
	table.Header("Signal", "Count")
	kinds := lo.Keys(summary.ByKind)
	sort.Strings(kinds)
	for _, kind := range kinds {
		if err := table.Append(kind, strconv.Itoa(summary.ByKind[kind])); err != nil {
			return err
		}
	}
	statuses := lo.Keys(summary.Queue)
	sort.Strings(statuses)
	for _, status := range statuses {
		if err := table.Append("queue "+status, strconv.Itoa(summary.Queue[status])); err != nil {
			return err
		}
	}
	return table.Render()
}

func storeLabel(cfg *config.Config, store *storage.Store) string {
	label := cfg.Store
	if label == "" {
		label = "memory"
	}
	if store.Degraded() {
		label += " (degraded to memory)"
	}
	return label
}

// parseDurationFlag parses a duration flag; empty means zero.
func parseDurationFlag(globals *Globals, name, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil || d < 0 {
		return 0, outputErrorCommon(globals, "INVALID_DURATION", fmt.Sprintf("invalid --%s %q", name, value), "use Go durations such as 500ms, 30s or 5m")
	}
	return d, nil
}

// lockedWriter serializes writes from the tab goroutines.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
