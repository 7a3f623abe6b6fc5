package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/assuredefi/mason-autopilot/internal/agent"
	"github.com/assuredefi/mason-autopilot/internal/backoff"
	"github.com/assuredefi/mason-autopilot/internal/config"
	"github.com/assuredefi/mason-autopilot/internal/domain"
	"github.com/assuredefi/mason-autopilot/internal/guard"
	"github.com/assuredefi/mason-autopilot/internal/log"
	"github.com/assuredefi/mason-autopilot/internal/notify"
	"github.com/assuredefi/mason-autopilot/internal/rules"
	"github.com/assuredefi/mason-autopilot/internal/scheduler"
	"github.com/assuredefi/mason-autopilot/internal/store"
)

// version is set at build time via -ldflags
var version = "dev"

func init() {
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Run the autopilot loop until interrupted",
		RunE:  runStart,
	}
	rootCmd.AddCommand(startCmd)

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Force one cycle now, ignoring the cron schedule",
		RunE:  runOnce,
	}
	rootCmd.AddCommand(runCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show autopilot configuration and recent activity",
		RunE:  runStatus,
	}
	rootCmd.AddCommand(statusCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("mason-autopilot", version)
		},
	}
	rootCmd.AddCommand(versionCmd)
}

// engine bundles the assembled components behind the CLI commands
type engine struct {
	project  *config.ProjectConfig
	cfg      *config.Config
	store    *store.Store
	invoker  *agent.Invoker
	sched    *scheduler.Scheduler
	watchdog *scheduler.Watchdog
}

func (e *engine) Close() error {
	return e.store.Close()
}

func buildEngine() (*engine, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	if cfg.General.Verbosity > verbosity {
		log.Initialize(cfg.General.Verbosity, os.Stderr)
	}

	projectPath, err := config.FindProjectConfig(".")
	if err != nil {
		return nil, err
	}
	project, err := config.LoadProject(projectPath)
	if err != nil {
		return nil, err
	}

	st, err := store.New(cfg.General.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", cfg.General.DatabasePath, err)
	}

	var agentOpts []agent.Option
	if cfg.Agent.Binary != "" {
		agentOpts = append(agentOpts, agent.WithBinary(cfg.Agent.Binary))
	}
	invoker := agent.New(st, project.RepositoryID, project.RepositoryPath, project.APIKey, agentOpts...)

	policy := backoff.Default
	if cfg.Notifications.RetryBaseDelay > 0 {
		policy.BaseDelay = cfg.Notifications.RetryBaseDelay
	}
	dispatcher := notify.New(st, policy)

	sched := scheduler.New(st, guard.New(st), rules.New(st), invoker, dispatcher, scheduler.Config{
		RepositoryID:      project.RepositoryID,
		PollInterval:      cfg.General.PollInterval,
		MaxTurnsAnalysis:  cfg.Agent.MaxTurnsAnalysis,
		MaxTurnsExecution: cfg.Agent.MaxTurnsExecution,
		DigestHour:        cfg.Notifications.DigestHour,
	})

	return &engine{
		project:  project,
		cfg:      cfg,
		store:    st,
		invoker:  invoker,
		sched:    sched,
		watchdog: scheduler.NewWatchdog(st, 5*time.Minute, scheduler.DefaultStaleThreshold),
	}, nil
}

func runStart(cmd *cobra.Command, args []string) error {
	eng, err := buildEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Autopilot started for %s (repository %s)\n",
		eng.project.RepositoryName, eng.project.RepositoryID)
	fmt.Println("Press Ctrl+C to stop")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.sched.Run(ctx) })
	g.Go(func() error { return eng.watchdog.Run(ctx) })
	if err := g.Wait(); err != nil {
		return err
	}

	fmt.Println("Autopilot stopped")
	return nil
}

func runOnce(cmd *cobra.Command, args []string) error {
	eng, err := buildEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	fmt.Printf("Running one cycle for %s\n", eng.project.RepositoryName)
	if err := eng.sched.RunOnce(context.Background()); err != nil {
		return err
	}
	fmt.Println("Cycle finished")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	eng, err := buildEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	bold := color.New(color.Bold)
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	yellow := color.New(color.FgYellow)

	bold.Printf("%s\n", eng.project.RepositoryName)
	fmt.Printf("Dashboard: %s\n\n", eng.project.DashboardURL)

	cfg, err := eng.store.GetAutopilotConfig(eng.project.RepositoryID)
	if err != nil {
		return err
	}
	if cfg == nil {
		yellow.Println("Autopilot is not configured for this repository")
		return nil
	}

	if cfg.Enabled {
		green.Println("Autopilot: enabled")
	} else {
		red.Println("Autopilot: paused")
	}
	fmt.Printf("Schedule:  %s\n", valueOr(cfg.Cron, "(none)"))
	fmt.Printf("Window:    %02d:00-%02d:00\n", cfg.Window.StartHour, cfg.Window.EndHour)
	if cfg.LastHeartbeat != nil {
		fmt.Printf("Heartbeat: %s\n", humanize.Time(*cfg.LastHeartbeat))
	} else {
		fmt.Println("Heartbeat: never")
	}

	pending, err := eng.store.CountPendingItems(eng.project.RepositoryID)
	if err != nil {
		return err
	}
	threshold := cfg.Rails.MaxItemsPerDay * guard.DefaultMultiplier
	fmt.Printf("Backlog:   %s pending (capacity %d)\n", humanize.Comma(int64(pending)), threshold)

	if n := eng.invoker.ConsecutiveFailures(); n > 0 {
		yellow.Printf("Failures:  %d consecutive\n", n)
	}

	runs, err := eng.store.ListRecentRuns(eng.project.RepositoryID, 5)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("\nNo runs recorded yet")
		return nil
	}

	fmt.Println("\nRecent runs:")
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TYPE\tSTATUS\tITEMS\tSTARTED\tDURATION")
	for _, run := range runs {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			run.Type, colorStatus(run.Status), run.ItemsProcessed,
			humanize.Time(run.StartedAt), run.Duration().Round(time.Second))
	}
	return w.Flush()
}

func colorStatus(s domain.RunStatus) string {
	switch s {
	case domain.RunCompleted:
		return color.GreenString(string(s))
	case domain.RunFailed:
		return color.RedString(string(s))
	case domain.RunSkipped:
		return color.YellowString(string(s))
	default:
		return string(s)
	}
}

func valueOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
