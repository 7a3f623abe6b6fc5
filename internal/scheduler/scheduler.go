// Package scheduler drives the periodic autopilot cycle: the cron and
// execution-window gate, backlog capacity check, auto-approval pass, agent
// execution, and the events each phase emits.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/assuredefi/mason-autopilot/internal/agent"
	"github.com/assuredefi/mason-autopilot/internal/domain"
	"github.com/assuredefi/mason-autopilot/internal/guard"
	"github.com/assuredefi/mason-autopilot/internal/log"
)

// highPriorityImpact is the impact score at or above which an analysis
// finding is worth an immediate notification
const highPriorityImpact = 8

// Store is the persistence surface the scheduler needs
type Store interface {
	GetAutopilotConfig(repositoryID string) (*domain.AutopilotConfig, error)
	UpdateHeartbeat(repositoryID string, at time.Time) error
	CreateRun(run *domain.AutopilotRun) error
	FinishRun(id string, status domain.RunStatus, itemsProcessed int, errMsg string) error
	LinkItemsToRun(runID, repositoryID string, since time.Time) (int, error)
	ListItemsByRun(runID string) ([]*domain.BacklogItem, error)
	ListItemsByStatus(repositoryID string, status domain.ItemStatus) ([]*domain.BacklogItem, error)
	TransitionItem(id string, to domain.ItemStatus) error
	SetItemBranch(id, branch string) error
	SetItemResult(id, prURL, errMsg string) error
	CountItemsByStatusSince(repositoryID string, status domain.ItemStatus, since time.Time) (int, error)
	CountPendingItems(repositoryID string) (int, error)
}

// CapacityGuard checks whether backlog intake should be deferred
type CapacityGuard interface {
	Check(repositoryID string, maxItemsPerDay int) guard.Result
}

// RuleEngine approves new items that pass the configured rules
type RuleEngine interface {
	AutoApprove(repositoryID string, rules domain.AutoApprovalRules, rails domain.GuardianRails) (int, error)
}

// AgentInvoker runs the external agent and tracks the failure breaker
type AgentInvoker interface {
	Invoke(ctx context.Context, req agent.Request) (*agent.Result, error)
	ValidateSetup() error
	ShouldSkip() bool
}

// Dispatcher delivers events to the configured notification channels
type Dispatcher interface {
	Dispatch(ctx context.Context, ev *domain.NotificationEvent) []domain.DeliveryResult
}

// Config holds the scheduler's tunables
type Config struct {
	RepositoryID      string
	PollInterval      time.Duration
	MaxTurnsAnalysis  int
	MaxTurnsExecution int
	DigestHour        int // local hour at or past which the daily digest fires
}

// Scheduler owns the cycle loop. All cross-cycle state (the running flag,
// the last trigger time, the last digest day) lives here rather than in
// package globals so tests can run independent instances.
type Scheduler struct {
	store      Store
	guard      CapacityGuard
	rules      RuleEngine
	invoker    AgentInvoker
	dispatcher Dispatcher

	cfg    Config
	parser cron.Parser
	now    func() time.Time

	mu            sync.Mutex
	running       bool
	lastTriggered time.Time
	lastDigest    time.Time
}

// New creates a Scheduler with injected collaborators
func New(store Store, g CapacityGuard, r RuleEngine, inv AgentInvoker, d Dispatcher, cfg Config) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	return &Scheduler{
		store:      store,
		guard:      g,
		rules:      r,
		invoker:    inv,
		dispatcher: d,
		cfg:        cfg,
		parser:     cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		now:        time.Now,
	}
}

// Run executes the timer loop until the context is cancelled. Ticks that
// arrive while a cycle is still running are dropped, not queued.
func (s *Scheduler) Run(ctx context.Context) error {
	log.Info("scheduler started", "repository", s.cfg.RepositoryID, "poll_interval", s.cfg.PollInterval)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("scheduler stopped", "repository", s.cfg.RepositoryID)
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// RunOnce forces a single cycle, ignoring the cron gate but honoring the
// enabled flag, the execution window, and the capacity guard.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	if !s.begin() {
		return fmt.Errorf("a cycle is already running")
	}
	defer s.end()
	s.cycle(ctx, true)
	return nil
}

func (s *Scheduler) tick(ctx context.Context) {
	if !s.begin() {
		log.Debug("previous cycle still running, dropping tick")
		return
	}
	defer s.end()
	s.cycle(ctx, false)
}

func (s *Scheduler) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false
	}
	s.running = true
	return true
}

func (s *Scheduler) end() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// cycle is one pass: heartbeat, digest, window and cron gates, capacity
// check, analysis, rule evaluation, execution. Nothing here returns an
// error: every failure is logged and the loop carries on next tick.
func (s *Scheduler) cycle(ctx context.Context, forced bool) {
	cfg, err := s.store.GetAutopilotConfig(s.cfg.RepositoryID)
	if err != nil {
		log.Warn("reading autopilot config failed", "repository", s.cfg.RepositoryID, "error", err)
		return
	}
	if cfg == nil || !cfg.Enabled {
		log.Debug("autopilot disabled", "repository", s.cfg.RepositoryID)
		return
	}

	now := s.now()
	if err := s.store.UpdateHeartbeat(cfg.RepositoryID, now); err != nil {
		log.Debug("heartbeat update failed", "error", err)
	}

	// The digest is tied to the digest hour alone. Evaluate it before the
	// window and cron gates or a schedule that never fires late in the day
	// would suppress it entirely.
	s.maybeDigest(ctx, cfg, now)

	if !cfg.Window.Contains(now.Hour()) {
		log.Debug("outside execution window", "hour", now.Hour(),
			"window_start", cfg.Window.StartHour, "window_end", cfg.Window.EndHour)
		return
	}

	if !forced && !s.shouldTrigger(cfg.Cron, now) {
		return
	}

	s.mu.Lock()
	s.lastTriggered = now
	s.mu.Unlock()

	log.Info("cycle triggered", "repository", cfg.RepositoryID, "forced", forced)

	capacity := s.guard.Check(cfg.RepositoryID, cfg.Rails.MaxItemsPerDay)
	var itemsCreated int
	analysisOK := false
	if capacity.IsFull {
		// Intake pauses but the backlog keeps draining: rule evaluation and
		// execution below still run against already-pending items.
		s.recordSkipped(cfg, now, capacity.Reason())
	} else {
		var err error
		itemsCreated, analysisOK, err = s.runAnalysis(ctx, cfg, now)
		if err != nil {
			// Setup problems (missing credentials, no agent binary) fail the
			// whole cycle; execution would hit the same error.
			log.Error("cycle aborted", "repository", cfg.RepositoryID, "error", err)
			return
		}
	}

	approved, err := s.rules.AutoApprove(cfg.RepositoryID, cfg.Rules, cfg.Rails)
	if err != nil {
		log.Warn("rule evaluation failed", "repository", cfg.RepositoryID, "error", err)
	}

	if analysisOK {
		s.dispatch(ctx, cfg, domain.EventAnalysisCompleted, domain.AnalysisCompletedData{
			ItemsCreated:  itemsCreated,
			ItemsApproved: approved,
		})
	}

	s.runExecution(ctx, cfg)
}

// shouldTrigger reports whether the cron schedule has a fire time between
// the last trigger and now. An invalid expression never triggers.
func (s *Scheduler) shouldTrigger(expr string, now time.Time) bool {
	if expr == "" {
		return false
	}

	sched, err := s.parser.Parse(expr)
	if err != nil {
		log.Warn("invalid cron expression", "cron", expr, "error", err)
		return false
	}

	s.mu.Lock()
	last := s.lastTriggered
	s.mu.Unlock()
	if last.IsZero() {
		last = now.Add(-24 * time.Hour)
	}

	return now.After(sched.Next(last))
}

// recordSkipped writes a terminal skipped run carrying the guard's reason
func (s *Scheduler) recordSkipped(cfg *domain.AutopilotConfig, now time.Time, reason string) {
	log.Info("analysis skipped", "repository", cfg.RepositoryID, "reason", reason)

	run := &domain.AutopilotRun{
		ID:             uuid.NewString(),
		RepositoryID:   cfg.RepositoryID,
		Type:           domain.RunAnalysis,
		Status:         domain.RunRunning,
		StartedAt:      now,
		LastActivityAt: now,
	}
	if err := s.store.CreateRun(run); err != nil {
		log.Warn("recording skipped run failed", "error", err)
		return
	}
	if err := s.store.FinishRun(run.ID, domain.RunSkipped, 0, reason); err != nil {
		log.Warn("recording skipped run failed", "run", run.ID, "error", err)
	}
}

// runAnalysis invokes the agent's review pass and links the items it
// created to the run. Returns the created count and whether the run
// completed; the error is non-nil only for setup problems that should
// abort the cycle.
func (s *Scheduler) runAnalysis(ctx context.Context, cfg *domain.AutopilotConfig, started time.Time) (int, bool, error) {
	result, err := s.invoker.Invoke(ctx, agent.Request{
		Type:     domain.RunAnalysis,
		Prompt:   analysisPrompt,
		MaxTurns: s.cfg.MaxTurnsAnalysis,
	})
	if err != nil {
		return 0, false, err
	}
	if !result.Success {
		log.Warn("analysis run failed", "run", result.RunID, "code", result.ErrorCode, "error", result.Error)
		return 0, false, nil
	}

	created, err := s.store.LinkItemsToRun(result.RunID, cfg.RepositoryID, started)
	if err != nil {
		log.Warn("linking items to run failed", "run", result.RunID, "error", err)
		return 0, true, nil
	}

	items, err := s.store.ListItemsByRun(result.RunID)
	if err != nil {
		log.Warn("listing run items failed", "run", result.RunID, "error", err)
		return created, true, nil
	}
	for _, item := range items {
		if item.Impact >= highPriorityImpact {
			s.dispatch(ctx, cfg, domain.EventHighPriorityFinding, domain.HighPriorityFindingData{
				ItemID:   item.ID,
				Title:    item.Title,
				Impact:   item.Impact,
				Category: item.Category,
			})
		}
	}

	log.Info("analysis completed", "run", result.RunID, "items_created", created)
	return created, true, nil
}

// runExecution takes the oldest approved item and drives one agent
// execution for it. A failed execution defers the item so it can be
// restored to the queue by hand.
func (s *Scheduler) runExecution(ctx context.Context, cfg *domain.AutopilotConfig) {
	if s.invoker.ShouldSkip() {
		log.Warn("skipping execution, consecutive failure ceiling reached", "repository", cfg.RepositoryID)
		return
	}

	// Config errors are fatal for the cycle, not a reason to park an item:
	// check the setup before the item leaves the approved queue.
	if err := s.invoker.ValidateSetup(); err != nil {
		log.Error("skipping execution, agent setup invalid", "repository", cfg.RepositoryID, "error", err)
		return
	}

	items, err := s.store.ListItemsByStatus(cfg.RepositoryID, domain.ItemApproved)
	if err != nil {
		log.Warn("listing approved items failed", "repository", cfg.RepositoryID, "error", err)
		return
	}
	if len(items) == 0 {
		log.Debug("no approved items to execute", "repository", cfg.RepositoryID)
		return
	}
	item := items[0]

	if err := s.store.TransitionItem(item.ID, domain.ItemInProgress); err != nil {
		log.Warn("starting item failed", "item", item.ID, "error", err)
		return
	}
	branch := branchName(item)
	if err := s.store.SetItemBranch(item.ID, branch); err != nil {
		log.Debug("recording branch failed", "item", item.ID, "error", err)
	}

	started := s.now()
	result, err := s.invoker.Invoke(ctx, agent.Request{
		Type:           domain.RunExecution,
		Prompt:         executionPrompt(item, branch),
		MaxTurns:       s.cfg.MaxTurnsExecution,
		ItemCount:      1,
		PauseOnFailure: cfg.Rails.PauseOnFailure,
	})
	if err != nil {
		log.Error("execution invocation failed", "item", item.ID, "error", err)
		s.deferItem(item, err.Error())
		return
	}

	if !result.Success {
		s.deferItem(item, result.Error)
		s.dispatch(ctx, cfg, domain.EventExecutionFailed, domain.ExecutionFailedData{
			ItemID:    item.ID,
			Title:     item.Title,
			Error:     result.Error,
			ErrorCode: string(result.ErrorCode),
		})
		return
	}

	if err := s.store.TransitionItem(item.ID, domain.ItemCompleted); err != nil {
		log.Warn("completing item failed", "item", item.ID, "error", err)
	}
	if err := s.store.SetItemResult(item.ID, result.PRURL, ""); err != nil {
		log.Debug("recording item result failed", "item", item.ID, "error", err)
	}

	log.Info("execution completed", "item", item.ID, "pr", result.PRURL)
	s.dispatch(ctx, cfg, domain.EventExecutionCompleted, domain.ExecutionCompletedData{
		ItemID:   item.ID,
		Title:    item.Title,
		PRURL:    result.PRURL,
		Duration: s.now().Sub(started),
	})
}

func (s *Scheduler) deferItem(item *domain.BacklogItem, errMsg string) {
	if err := s.store.TransitionItem(item.ID, domain.ItemDeferred); err != nil {
		log.Warn("deferring item failed", "item", item.ID, "error", err)
	}
	if err := s.store.SetItemResult(item.ID, "", errMsg); err != nil {
		log.Debug("recording item error failed", "item", item.ID, "error", err)
	}
}

// maybeDigest emits the daily summary on the first tick at or past the
// digest hour, at most once per calendar day.
func (s *Scheduler) maybeDigest(ctx context.Context, cfg *domain.AutopilotConfig, now time.Time) {
	if now.Hour() < s.cfg.DigestHour {
		return
	}

	s.mu.Lock()
	ly, lm, ld := s.lastDigest.Date()
	y, m, d := now.Date()
	sent := ly == y && lm == m && ld == d
	if !sent {
		s.lastDigest = now
	}
	s.mu.Unlock()
	if sent {
		return
	}

	since := now.Add(-24 * time.Hour)
	completed, err := s.store.CountItemsByStatusSince(cfg.RepositoryID, domain.ItemCompleted, since)
	if err != nil {
		log.Warn("counting completed items failed", "error", err)
	}
	failed, err := s.store.CountItemsByStatusSince(cfg.RepositoryID, domain.ItemDeferred, since)
	if err != nil {
		log.Warn("counting deferred items failed", "error", err)
	}
	pending, err := s.store.CountPendingItems(cfg.RepositoryID)
	if err != nil {
		log.Warn("counting pending items failed", "error", err)
	}

	s.dispatch(ctx, cfg, domain.EventDailyDigest, domain.DailyDigestData{
		ItemsCompleted: completed,
		ItemsFailed:    failed,
		ItemsPending:   pending,
	})
}

func (s *Scheduler) dispatch(ctx context.Context, cfg *domain.AutopilotConfig, t domain.EventType, data domain.EventData) {
	s.dispatcher.Dispatch(ctx, &domain.NotificationEvent{
		Type:           t,
		UserID:         cfg.UserID,
		RepositoryID:   cfg.RepositoryID,
		RepositoryName: cfg.RepositoryName,
		OccurredAt:     s.now(),
		Data:           data,
	})
}

func branchName(item *domain.BacklogItem) string {
	id := item.ID
	if len(id) > 8 {
		id = id[:8]
	}
	return "mason/" + id
}
