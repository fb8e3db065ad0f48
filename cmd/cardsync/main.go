package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/stellarlinkco/cardsync/internal/bus"
	"github.com/stellarlinkco/cardsync/internal/cardstore"
	"github.com/stellarlinkco/cardsync/internal/config"
	"github.com/stellarlinkco/cardsync/internal/cron"
	"github.com/stellarlinkco/cardsync/internal/gateway"
	"github.com/stellarlinkco/cardsync/internal/hydrate"
	"github.com/stellarlinkco/cardsync/internal/logging"
	"github.com/stellarlinkco/cardsync/internal/panel"
	"github.com/stellarlinkco/cardsync/internal/persist"
	"github.com/stellarlinkco/cardsync/internal/processor"
	"github.com/stellarlinkco/cardsync/internal/session"
	"github.com/stellarlinkco/cardsync/internal/tombstone"
)

var rootCmd = &cobra.Command{
	Use:          "cardsync",
	Short:        "cardsync - card lifecycle and session sync engine",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway (websocket + maintenance jobs)",
	RunE:  runServe,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Write the default config and create the data directory",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show config, store and tombstone status",
	RunE:  runStatus,
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List stored sessions, most recent first",
	RunE:  runSessions,
}

var tombstonesCmd = &cobra.Command{
	Use:   "tombstones",
	Short: "Inspect or edit the deleted-card registry",
}

var tombstonesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List deleted base ids",
	RunE:  runTombstonesList,
}

var tombstonesAddCmd = &cobra.Command{
	Use:   "add <card-id>...",
	Short: "Mark cards as permanently deleted",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runTombstonesAdd,
}

var tombstonesResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear the registry",
	RunE:  runTombstonesReset,
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and run maintenance jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List maintenance jobs and their last run",
	RunE:  runJobsList,
}

var jobsRunCmd = &cobra.Command{
	Use:   "run <job>",
	Short: "Run a maintenance job now",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsRun,
}

var jobsEnableCmd = &cobra.Command{
	Use:   "enable <job>",
	Short: "Enable a job",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setJobEnabled(cmd, args[0], true) },
}

var jobsDisableCmd = &cobra.Command{
	Use:   "disable <job>",
	Short: "Disable a job",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setJobEnabled(cmd, args[0], false) },
}

var jobsRemoveCmd = &cobra.Command{
	Use:   "remove <job>",
	Short: "Remove a job; serve recreates it when maintenance is enabled",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsRemove,
}

var replayCmd = &cobra.Command{
	Use:   "replay <session-id> <events.ndjson>",
	Short: "Apply recorded UI events to a stored session",
	Args:  cobra.ExactArgs(2),
	RunE:  runReplay,
}

var (
	limitN    int
	forceFlag bool
)

func init() {
	sessionsCmd.Flags().IntVarP(&limitN, "limit", "n", 20, "Maximum sessions to list")
	onboardCmd.Flags().BoolVarP(&forceFlag, "force", "f", false, "Overwrite an existing config")
	tombstonesCmd.AddCommand(tombstonesListCmd, tombstonesAddCmd, tombstonesResetCmd)
	jobsCmd.AddCommand(jobsListCmd, jobsRunCmd, jobsEnableCmd, jobsDisableCmd, jobsRemoveCmd)
	rootCmd.AddCommand(serveCmd, onboardCmd, statusCmd, sessionsCmd, tombstonesCmd, jobsCmd, replayCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadRuntime() (*config.Config, *zap.Logger, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, nil, fmt.Errorf("create logger: %w", err)
	}
	return cfg, logger, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	return gw.Run(cmd.Context())
}

func runOnboard(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfgPath := config.ConfigPath()

	if _, err := os.Stat(cfgPath); err == nil && !forceFlag {
		fmt.Fprintf(out, "Config already exists: %s\n", cfgPath)
	} else {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(out, "Created config: %s\n", cfgPath)
	}

	if err := os.MkdirAll(config.DataDir(), 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	fmt.Fprintf(out, "Data dir ready: %s\n", config.DataDir())
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintln(out, "  1. Run 'cardsync serve' to start the gateway")
	fmt.Fprintln(out, "  2. Or set CARDSYNC_STORAGE_DRIVER=memory for a throwaway store")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(out, "Config: error (%v)\n", err)
		return nil
	}

	fmt.Fprintf(out, "Config: %s\n", config.ConfigPath())
	fmt.Fprintf(out, "Storage: %s\n", storageDisplay(cfg.Storage))
	fmt.Fprintf(out, "Gateway: %s:%d\n", cfg.Gateway.Host, cfg.Gateway.Port)
	fmt.Fprintf(out, "Sync: %s\n", syncDisplay(cfg.Sync))
	fmt.Fprintf(out, "Maintenance: enabled=%v\n", cfg.Maintenance.Enabled)
	if cfg.Routing.File != "" {
		fmt.Fprintf(out, "Routes: %s (watch=%v)\n", cfg.Routing.File, cfg.Routing.Watch)
	} else {
		fmt.Fprintln(out, "Routes: built-in")
	}

	reg, err := tombstone.Open(cfg.Tombstones.Path, nil)
	if err != nil {
		fmt.Fprintf(out, "Tombstones: error (%v)\n", err)
	} else {
		fmt.Fprintf(out, "Tombstones: %d\n", reg.Len())
	}

	if cfg.Storage.Driver == config.StorageMemory {
		return nil
	}
	if _, err := os.Stat(cfg.Storage.DBPath); err != nil {
		fmt.Fprintln(out, "Sessions: no database (run 'cardsync serve')")
		return nil
	}
	store, err := gateway.OpenStore(cfg.Storage)
	if err != nil {
		fmt.Fprintf(out, "Sessions: error (%v)\n", err)
		return nil
	}
	defer store.Close()
	list, err := store.ListSessions(cmd.Context(), 0)
	if err != nil {
		fmt.Fprintf(out, "Sessions: error (%v)\n", err)
		return nil
	}
	fmt.Fprintf(out, "Sessions: %d\n", len(list))
	return nil
}

func storageDisplay(c config.StorageConfig) string {
	if c.Driver == config.StorageMemory {
		return "memory (not persistent)"
	}
	return fmt.Sprintf("%s (%s)", c.Driver, c.DBPath)
}

func syncDisplay(c config.SyncConfig) string {
	if c.Ordered {
		return fmt.Sprintf("ordered (queue=%d, timeout=%dms)", c.QueueSize, c.TimeoutMs)
	}
	return fmt.Sprintf("unordered (timeout=%dms)", c.TimeoutMs)
}

func runSessions(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	store, err := gateway.OpenStore(cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close()

	list, err := store.ListSessions(cmd.Context(), limitN)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	out := cmd.OutOrStdout()
	if len(list) == 0 {
		fmt.Fprintln(out, "No sessions")
		return nil
	}
	for _, s := range list {
		flags := ""
		if s.IsFavorite {
			flags += "*"
		}
		if s.IsArchived {
			flags += "a"
		}
		fmt.Fprintf(out, "%s\t%s\t%-2s\t%s\n", s.ID, s.UpdatedAt.Local().Format(time.DateTime), flags, s.Title)
	}
	return nil
}

func openTombstones() (*tombstone.Registry, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return tombstone.Open(cfg.Tombstones.Path, nil)
}

func runTombstonesList(cmd *cobra.Command, args []string) error {
	reg, err := openTombstones()
	if err != nil {
		return err
	}
	for _, id := range reg.List() {
		fmt.Fprintln(cmd.OutOrStdout(), id)
	}
	return nil
}

func runTombstonesAdd(cmd *cobra.Command, args []string) error {
	reg, err := openTombstones()
	if err != nil {
		return err
	}
	for _, id := range args {
		if err := reg.MarkDeleted(id); err != nil {
			return fmt.Errorf("mark %s: %w", id, err)
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Tombstones: %d\n", reg.Len())
	return nil
}

func runTombstonesReset(cmd *cobra.Command, args []string) error {
	reg, err := openTombstones()
	if err != nil {
		return err
	}
	n := reg.Len()
	if err := reg.Reset(); err != nil {
		return fmt.Errorf("reset tombstones: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d tombstones\n", n)
	return nil
}

func runJobsList(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	jobs := cron.NewService(config.CronPath(), nil).ListJobs()
	if len(jobs) == 0 {
		fmt.Fprintln(out, "No jobs (run 'cardsync serve' or 'cardsync jobs run <job>')")
		return nil
	}
	for _, j := range jobs {
		fmt.Fprintf(out, "%s\t%s\tenabled=%v\t%s\n", j.Name, scheduleDisplay(j.Schedule), j.Enabled, lastRunDisplay(j.State))
	}
	return nil
}

func scheduleDisplay(s cron.Schedule) string {
	if s.Kind == cron.KindEvery {
		return "every " + (time.Duration(s.EveryMs) * time.Millisecond).String()
	}
	return s.Expr
}

func lastRunDisplay(st cron.JobState) string {
	if st.Runs == 0 {
		return "never run"
	}
	last := time.UnixMilli(st.LastRunAtMs).Local().Format(time.DateTime)
	if st.LastError != "" {
		return fmt.Sprintf("runs=%d last=%s %s: %s", st.Runs, last, st.LastStatus, st.LastError)
	}
	return fmt.Sprintf("runs=%d last=%s %s", st.Runs, last, st.LastStatus)
}

// runJobsRun registers the maintenance handlers against the configured store
// and tombstone file, then runs one job in the foreground.
func runJobsRun(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	reg, err := tombstone.Open(cfg.Tombstones.Path, logger)
	if err != nil {
		return fmt.Errorf("open tombstones: %w", err)
	}
	store, err := gateway.OpenStore(cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close()

	var cp cron.Checkpointer
	if c, ok := store.(cron.Checkpointer); ok {
		cp = c
	}
	svc := cron.NewService(config.CronPath(), logger)
	if err := cron.RegisterMaintenance(svc, cfg.Maintenance, reg, cp); err != nil {
		return fmt.Errorf("register maintenance: %w", err)
	}

	job, err := svc.RunJob(args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", job.Name, lastRunDisplay(job.State))
	if job.State.LastStatus == "error" {
		return fmt.Errorf("job %s failed: %s", job.Name, job.State.LastError)
	}
	return nil
}

func setJobEnabled(cmd *cobra.Command, ref string, enabled bool) error {
	job, err := cron.NewService(config.CronPath(), nil).EnableJob(ref, enabled)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: enabled=%v\n", job.Name, job.Enabled)
	return nil
}

func runJobsRemove(cmd *cobra.Command, args []string) error {
	if !cron.NewService(config.CronPath(), nil).RemoveJob(args[0]) {
		return fmt.Errorf("job %s not found", args[0])
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", args[0])
	return nil
}

func runReplay(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	f, err := os.Open(args[1])
	if err != nil {
		return fmt.Errorf("open events: %w", err)
	}
	defer f.Close()

	store, err := gateway.OpenStore(cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close()

	reg, err := tombstone.Open(cfg.Tombstones.Path, logger)
	if err != nil {
		return fmt.Errorf("open tombstones: %w", err)
	}
	router, err := panel.LoadRouter(cfg.Routing.File)
	if err != nil {
		return fmt.Errorf("load routes: %w", err)
	}

	cards := cardstore.New(cardstore.WithTombstones(reg), cardstore.WithLogger(logger))
	sessions := session.NewManager(store, cards,
		session.WithHydrator(hydrate.New(reg, logger)),
		session.WithLogger(logger),
		session.WithTitleMaxLen(cfg.Session.TitleMaxLen))
	if _, err := sessions.LoadSession(cmd.Context(), args[0]); err != nil {
		return err
	}

	// Ordered so the stored result matches the order of the file.
	syncer := persist.New(store, sessions.ActiveSessionID, logger, persist.Options{
		Ordered:   true,
		QueueSize: cfg.Sync.QueueSize,
		Timeout:   time.Duration(cfg.Sync.TimeoutMs) * time.Millisecond,
	})
	cards.SetMirror(syncer)
	proc := processor.New(cards, processor.WithRouter(router), processor.WithLogger(logger))

	res, err := replay(cmd.Context(), proc, f)
	syncer.Close()
	if err != nil {
		return err
	}

	p := cards.Partitions()
	fmt.Fprintf(cmd.OutOrStdout(), "Replayed %d/%d events (%d malformed lines); active=%d archived=%d favorite=%d\n",
		res.applied, res.events, res.malformed, len(p.Active), len(p.Archived), len(p.Favorite))
	return nil
}

type replayResult struct {
	events    int
	applied   int
	malformed int
}

// replay applies one UI event per line. Blank lines are skipped and lines that
// do not decode are counted, not fatal. Decoding runs alongside the processor
// so large files stream through.
func replay(ctx context.Context, proc *processor.Processor, r io.Reader) (replayResult, error) {
	var res replayResult
	if err := ctx.Err(); err != nil {
		return res, err
	}

	events := make(chan bus.UIEvent)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(events)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			var ev bus.UIEvent
			if err := json.Unmarshal([]byte(line), &ev); err != nil {
				res.malformed++
				continue
			}
			res.events++
			select {
			case events <- ev:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("read events: %w", err)
		}
		return nil
	})
	g.Go(func() (err error) {
		res.applied, err = proc.ApplyStream(gctx, events)
		return err
	})
	err := g.Wait()
	return res, err
}
