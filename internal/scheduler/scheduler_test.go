package scheduler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/assuredefi/mason-autopilot/internal/agent"
	"github.com/assuredefi/mason-autopilot/internal/domain"
	"github.com/assuredefi/mason-autopilot/internal/guard"
)

type fakeStore struct {
	cfg *domain.AutopilotConfig

	heartbeats  int
	runs        []*domain.AutopilotRun
	finished    map[string]domain.RunStatus
	finishMsgs  map[string]string
	approved    []*domain.BacklogItem
	runItems    []*domain.BacklogItem
	linked      int
	transitions []string
	branches    map[string]string
	results     map[string][2]string
}

func newFakeStore(cfg *domain.AutopilotConfig) *fakeStore {
	return &fakeStore{
		cfg:        cfg,
		finished:   make(map[string]domain.RunStatus),
		finishMsgs: make(map[string]string),
		branches:   make(map[string]string),
		results:    make(map[string][2]string),
	}
}

func (f *fakeStore) GetAutopilotConfig(repositoryID string) (*domain.AutopilotConfig, error) {
	return f.cfg, nil
}

func (f *fakeStore) UpdateHeartbeat(repositoryID string, at time.Time) error {
	f.heartbeats++
	return nil
}

func (f *fakeStore) CreateRun(run *domain.AutopilotRun) error {
	f.runs = append(f.runs, run)
	return nil
}

func (f *fakeStore) FinishRun(id string, status domain.RunStatus, itemsProcessed int, errMsg string) error {
	f.finished[id] = status
	f.finishMsgs[id] = errMsg
	return nil
}

func (f *fakeStore) LinkItemsToRun(runID, repositoryID string, since time.Time) (int, error) {
	return f.linked, nil
}

func (f *fakeStore) ListItemsByRun(runID string) ([]*domain.BacklogItem, error) {
	return f.runItems, nil
}

func (f *fakeStore) ListItemsByStatus(repositoryID string, status domain.ItemStatus) ([]*domain.BacklogItem, error) {
	if status == domain.ItemApproved {
		return f.approved, nil
	}
	return nil, nil
}

func (f *fakeStore) TransitionItem(id string, to domain.ItemStatus) error {
	f.transitions = append(f.transitions, id+":"+string(to))
	return nil
}

func (f *fakeStore) SetItemBranch(id, branch string) error {
	f.branches[id] = branch
	return nil
}

func (f *fakeStore) SetItemResult(id, prURL, errMsg string) error {
	f.results[id] = [2]string{prURL, errMsg}
	return nil
}

func (f *fakeStore) CountItemsByStatusSince(repositoryID string, status domain.ItemStatus, since time.Time) (int, error) {
	return 0, nil
}

func (f *fakeStore) CountPendingItems(repositoryID string) (int, error) {
	return len(f.approved), nil
}

type fakeGuard struct{ result guard.Result }

func (g *fakeGuard) Check(repositoryID string, maxItemsPerDay int) guard.Result {
	return g.result
}

type fakeRules struct {
	approved int
	calls    int
}

func (r *fakeRules) AutoApprove(repositoryID string, rules domain.AutoApprovalRules, rails domain.GuardianRails) (int, error) {
	r.calls++
	return r.approved, nil
}

type fakeInvoker struct {
	requests []agent.Request
	results  map[domain.RunType]*agent.Result
	err      error
	setupErr error
	skip     bool
}

func (i *fakeInvoker) Invoke(ctx context.Context, req agent.Request) (*agent.Result, error) {
	i.requests = append(i.requests, req)
	if i.err != nil {
		return nil, i.err
	}
	if r, ok := i.results[req.Type]; ok {
		return r, nil
	}
	return &agent.Result{RunID: "run-" + string(req.Type), Success: true}, nil
}

func (i *fakeInvoker) ValidateSetup() error { return i.setupErr }

func (i *fakeInvoker) ShouldSkip() bool { return i.skip }

type fakeDispatcher struct {
	events []*domain.NotificationEvent
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, ev *domain.NotificationEvent) []domain.DeliveryResult {
	d.events = append(d.events, ev)
	return nil
}

func (d *fakeDispatcher) byType(t domain.EventType) *domain.NotificationEvent {
	for _, ev := range d.events {
		if ev.Type == t {
			return ev
		}
	}
	return nil
}

func testAutopilotConfig() *domain.AutopilotConfig {
	return &domain.AutopilotConfig{
		RepositoryID:   "r1",
		RepositoryName: "example/repo",
		UserID:         "u1",
		Enabled:        true,
		Cron:           "0 9 * * *",
		Rules:          domain.AutoApprovalRules{MaxComplexity: 5, MinImpact: 3},
		Rails:          domain.GuardianRails{MaxItemsPerDay: 5, RequireHumanReviewComplexity: 8},
		Window:         domain.ExecutionWindow{StartHour: 8, EndHour: 17},
	}
}

type fixture struct {
	sched      *Scheduler
	store      *fakeStore
	guard      *fakeGuard
	rules      *fakeRules
	invoker    *fakeInvoker
	dispatcher *fakeDispatcher
}

func newFixture(cfg *domain.AutopilotConfig, now time.Time) *fixture {
	f := &fixture{
		store:      newFakeStore(cfg),
		guard:      &fakeGuard{},
		rules:      &fakeRules{},
		invoker:    &fakeInvoker{results: map[domain.RunType]*agent.Result{}},
		dispatcher: &fakeDispatcher{},
	}
	f.sched = New(f.store, f.guard, f.rules, f.invoker, f.dispatcher, Config{
		RepositoryID: "r1",
		DigestHour:   18,
	})
	f.sched.now = func() time.Time { return now }
	return f
}

func TestScheduler_CronTriggers(t *testing.T) {
	// Cron fires at 09:00, window is [8, 17), it is 09:01 and the last
	// trigger was yesterday morning.
	now := time.Date(2025, 6, 10, 9, 1, 0, 0, time.Local)
	f := newFixture(testAutopilotConfig(), now)
	f.sched.lastTriggered = now.Add(-24*time.Hour - 2*time.Minute)

	f.sched.tick(context.Background())

	if len(f.invoker.requests) == 0 {
		t.Fatal("cycle did not trigger")
	}
	if f.invoker.requests[0].Type != domain.RunAnalysis {
		t.Errorf("first request type = %s, want analysis", f.invoker.requests[0].Type)
	}
	if f.store.heartbeats != 1 {
		t.Errorf("heartbeats = %d, want 1", f.store.heartbeats)
	}
}

func TestScheduler_NoRetriggerSameSchedule(t *testing.T) {
	now := time.Date(2025, 6, 10, 9, 1, 0, 0, time.Local)
	f := newFixture(testAutopilotConfig(), now)
	f.sched.lastTriggered = now.Add(-24 * time.Hour)

	f.sched.tick(context.Background())
	first := len(f.invoker.requests)
	if first == 0 {
		t.Fatal("first tick did not trigger")
	}

	// Next tick a minute later: the 09:00 fire time has been consumed.
	f.sched.now = func() time.Time { return now.Add(time.Minute) }
	f.sched.tick(context.Background())

	if len(f.invoker.requests) != first {
		t.Errorf("second tick triggered again: %d requests", len(f.invoker.requests))
	}
}

func TestScheduler_Disabled(t *testing.T) {
	cfg := testAutopilotConfig()
	cfg.Enabled = false
	now := time.Date(2025, 6, 10, 9, 1, 0, 0, time.Local)
	f := newFixture(cfg, now)

	f.sched.tick(context.Background())

	if f.store.heartbeats != 0 {
		t.Error("disabled autopilot must not heartbeat")
	}
	if len(f.invoker.requests) != 0 {
		t.Error("disabled autopilot must not invoke the agent")
	}
}

func TestScheduler_OutsideWindow(t *testing.T) {
	now := time.Date(2025, 6, 10, 22, 0, 0, 0, time.Local)
	f := newFixture(testAutopilotConfig(), now)

	f.sched.tick(context.Background())

	if f.store.heartbeats != 1 {
		t.Error("heartbeat must still update outside the window")
	}
	if len(f.invoker.requests) != 0 {
		t.Error("no invocation outside the execution window")
	}
}

func TestScheduler_WrappedWindow(t *testing.T) {
	cfg := testAutopilotConfig()
	cfg.Window = domain.ExecutionWindow{StartHour: 22, EndHour: 6}
	now := time.Date(2025, 6, 10, 23, 30, 0, 0, time.Local)
	f := newFixture(cfg, now)

	if err := f.sched.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(f.invoker.requests) == 0 {
		t.Error("23:30 is inside a [22, 6) window")
	}
}

func TestScheduler_InvalidCron(t *testing.T) {
	cfg := testAutopilotConfig()
	cfg.Cron = "not a cron"
	now := time.Date(2025, 6, 10, 9, 1, 0, 0, time.Local)
	f := newFixture(cfg, now)

	f.sched.tick(context.Background())

	if len(f.invoker.requests) != 0 {
		t.Error("an invalid cron expression must never trigger")
	}
}

func TestScheduler_EmptyCron(t *testing.T) {
	cfg := testAutopilotConfig()
	cfg.Cron = ""
	now := time.Date(2025, 6, 10, 9, 1, 0, 0, time.Local)
	f := newFixture(cfg, now)

	f.sched.tick(context.Background())

	if len(f.invoker.requests) != 0 {
		t.Error("no cron expression means never scheduled")
	}
}

func TestScheduler_OverlappingTickDropped(t *testing.T) {
	now := time.Date(2025, 6, 10, 9, 1, 0, 0, time.Local)
	f := newFixture(testAutopilotConfig(), now)

	if !f.sched.begin() {
		t.Fatal("begin failed on idle scheduler")
	}
	f.sched.tick(context.Background())

	if f.store.heartbeats != 0 {
		t.Error("a tick during a running cycle must be dropped entirely")
	}
	f.sched.end()
}

func TestScheduler_CapacityFullSkipsAnalysis(t *testing.T) {
	now := time.Date(2025, 6, 10, 9, 1, 0, 0, time.Local)
	f := newFixture(testAutopilotConfig(), now)
	f.guard.result = guard.Result{Count: 30, Threshold: 25, IsFull: true, PercentFull: 120}
	f.store.approved = []*domain.BacklogItem{
		{ID: "item-1", Title: "Fix bug", Status: domain.ItemApproved},
	}

	if err := f.sched.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(f.store.runs) != 1 {
		t.Fatalf("run count = %d, want 1 skipped run", len(f.store.runs))
	}
	skipped := f.store.runs[0]
	if f.store.finished[skipped.ID] != domain.RunSkipped {
		t.Errorf("run status = %s, want skipped", f.store.finished[skipped.ID])
	}
	if msg := f.store.finishMsgs[skipped.ID]; msg != "backlog full: 30/25 pending items (120%)" {
		t.Errorf("skip reason = %q", msg)
	}

	// Analysis is paused, but the backlog keeps draining.
	if f.rules.calls != 1 {
		t.Error("rule evaluation must still run while intake is paused")
	}
	var sawExecution bool
	for _, req := range f.invoker.requests {
		if req.Type == domain.RunAnalysis {
			t.Error("analysis must not be invoked while the backlog is full")
		}
		if req.Type == domain.RunExecution {
			sawExecution = true
		}
	}
	if !sawExecution {
		t.Error("execution must still run while intake is paused")
	}
}

func TestScheduler_AnalysisEmitsEvents(t *testing.T) {
	now := time.Date(2025, 6, 10, 9, 1, 0, 0, time.Local)
	f := newFixture(testAutopilotConfig(), now)
	f.rules.approved = 2
	f.store.linked = 3
	f.store.runItems = []*domain.BacklogItem{
		{ID: "low", Title: "Tidy docs", Impact: 4},
		{ID: "high", Title: "Fix auth bypass", Impact: 9, Category: "security"},
	}

	if err := f.sched.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	ev := f.dispatcher.byType(domain.EventAnalysisCompleted)
	if ev == nil {
		t.Fatal("no analysis_completed event")
	}
	data := ev.Data.(domain.AnalysisCompletedData)
	if data.ItemsCreated != 3 || data.ItemsApproved != 2 {
		t.Errorf("analysis data = %+v", data)
	}
	if ev.RepositoryName != "example/repo" || ev.UserID != "u1" {
		t.Errorf("event envelope = %+v", ev)
	}

	finding := f.dispatcher.byType(domain.EventHighPriorityFinding)
	if finding == nil {
		t.Fatal("no high_priority_finding event for impact 9")
	}
	fd := finding.Data.(domain.HighPriorityFindingData)
	if fd.ItemID != "high" || fd.Impact != 9 {
		t.Errorf("finding data = %+v", fd)
	}
}

func TestScheduler_ExecutionSuccess(t *testing.T) {
	now := time.Date(2025, 6, 10, 9, 1, 0, 0, time.Local)
	f := newFixture(testAutopilotConfig(), now)
	f.store.approved = []*domain.BacklogItem{
		{ID: "item-12345678-rest", Title: "Fix flaky test", Status: domain.ItemApproved},
	}
	f.invoker.results[domain.RunExecution] = &agent.Result{
		RunID:   "run-x",
		Success: true,
		PRURL:   "https://github.com/acme/repo/pull/42",
	}

	if err := f.sched.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	want := []string{"item-12345678-rest:in_progress", "item-12345678-rest:completed"}
	if len(f.store.transitions) != 2 || f.store.transitions[0] != want[0] || f.store.transitions[1] != want[1] {
		t.Errorf("transitions = %v, want %v", f.store.transitions, want)
	}
	if f.store.branches["item-12345678-rest"] != "mason/item-123" {
		t.Errorf("branch = %q", f.store.branches["item-12345678-rest"])
	}
	if f.store.results["item-12345678-rest"][0] != "https://github.com/acme/repo/pull/42" {
		t.Errorf("recorded PR URL = %q", f.store.results["item-12345678-rest"][0])
	}

	ev := f.dispatcher.byType(domain.EventExecutionCompleted)
	if ev == nil {
		t.Fatal("no execution_completed event")
	}
	data := ev.Data.(domain.ExecutionCompletedData)
	if data.PRURL != "https://github.com/acme/repo/pull/42" {
		t.Errorf("event PR URL = %q", data.PRURL)
	}

	// Execution request carries the rails and the execution turn budget.
	last := f.invoker.requests[len(f.invoker.requests)-1]
	if last.Type != domain.RunExecution || last.ItemCount != 1 {
		t.Errorf("execution request = %+v", last)
	}
}

func TestScheduler_ExecutionFailureDefersItem(t *testing.T) {
	now := time.Date(2025, 6, 10, 9, 1, 0, 0, time.Local)
	f := newFixture(testAutopilotConfig(), now)
	f.store.approved = []*domain.BacklogItem{
		{ID: "i1", Title: "Fix bug", Status: domain.ItemApproved},
	}
	f.invoker.results[domain.RunExecution] = &agent.Result{
		RunID:     "run-x",
		Success:   false,
		Error:     "rate limit exceeded",
		ErrorCode: agent.CodeRateLimit,
	}

	if err := f.sched.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	want := []string{"i1:in_progress", "i1:deferred"}
	if len(f.store.transitions) != 2 || f.store.transitions[1] != want[1] {
		t.Errorf("transitions = %v, want %v", f.store.transitions, want)
	}
	if f.store.results["i1"][1] != "rate limit exceeded" {
		t.Errorf("recorded error = %q", f.store.results["i1"][1])
	}

	ev := f.dispatcher.byType(domain.EventExecutionFailed)
	if ev == nil {
		t.Fatal("no execution_failed event")
	}
	data := ev.Data.(domain.ExecutionFailedData)
	if data.ErrorCode != string(agent.CodeRateLimit) {
		t.Errorf("event error code = %q", data.ErrorCode)
	}
}

func TestScheduler_SetupErrorAbortsCycle(t *testing.T) {
	now := time.Date(2025, 6, 10, 9, 1, 0, 0, time.Local)
	f := newFixture(testAutopilotConfig(), now)
	f.invoker.err = &agent.ConfigError{Reason: "claude executable not found"}
	f.store.approved = []*domain.BacklogItem{
		{ID: "i1", Title: "Fix bug", Status: domain.ItemApproved},
	}

	if err := f.sched.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	if f.rules.calls != 0 {
		t.Error("rule evaluation must not run after a setup error")
	}
	if len(f.store.transitions) != 0 {
		t.Errorf("item touched despite aborted cycle: %v", f.store.transitions)
	}
	if len(f.dispatcher.events) != 0 {
		t.Errorf("events emitted despite aborted cycle: %v", f.dispatcher.events)
	}
}

func TestScheduler_ExecutionSetupErrorLeavesItem(t *testing.T) {
	// With the backlog full the analysis phase is skipped, so execution is
	// the first place a setup problem can surface. The approved item must
	// stay approved: a missing binary is a config error, not work the item
	// failed at.
	now := time.Date(2025, 6, 10, 9, 1, 0, 0, time.Local)
	f := newFixture(testAutopilotConfig(), now)
	f.guard.result = guard.Result{Count: 30, Threshold: 25, IsFull: true, PercentFull: 120}
	f.invoker.setupErr = &agent.ConfigError{Reason: "claude executable not found"}
	f.store.approved = []*domain.BacklogItem{
		{ID: "i1", Title: "Fix bug", Status: domain.ItemApproved},
	}

	if err := f.sched.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(f.store.transitions) != 0 {
		t.Errorf("item touched despite invalid setup: %v", f.store.transitions)
	}
	if len(f.invoker.requests) != 0 {
		t.Errorf("agent invoked despite invalid setup: %d requests", len(f.invoker.requests))
	}
	if f.dispatcher.byType(domain.EventExecutionFailed) != nil {
		t.Error("a config error is not an execution failure event")
	}
}

func TestScheduler_BreakerSkipsExecution(t *testing.T) {
	now := time.Date(2025, 6, 10, 9, 1, 0, 0, time.Local)
	f := newFixture(testAutopilotConfig(), now)
	f.invoker.skip = true
	f.store.approved = []*domain.BacklogItem{
		{ID: "i1", Title: "Fix bug", Status: domain.ItemApproved},
	}

	if err := f.sched.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	for _, req := range f.invoker.requests {
		if req.Type == domain.RunExecution {
			t.Error("execution must be skipped at the failure ceiling")
		}
	}
	if len(f.store.transitions) != 0 {
		t.Errorf("item touched despite skipped execution: %v", f.store.transitions)
	}
}

func TestScheduler_DigestOncePerDay(t *testing.T) {
	// Digest hour 18 with the stock [8, 17) window and a 09:00 schedule: the
	// digest hour is outside every triggered cycle, so it must fire from the
	// plain tick, gated by the hour alone.
	now := time.Date(2025, 6, 10, 18, 5, 0, 0, time.Local)
	f := newFixture(testAutopilotConfig(), now)

	f.sched.tick(context.Background())
	if f.dispatcher.byType(domain.EventDailyDigest) == nil {
		t.Fatal("no daily_digest after the digest hour")
	}
	if len(f.invoker.requests) != 0 {
		t.Error("digest must not require a triggered cycle")
	}

	f.dispatcher.events = nil
	f.sched.now = func() time.Time { return now.Add(time.Hour) }
	f.sched.tick(context.Background())
	if f.dispatcher.byType(domain.EventDailyDigest) != nil {
		t.Error("digest sent twice on the same day")
	}

	f.dispatcher.events = nil
	f.sched.now = func() time.Time { return now.Add(24 * time.Hour) }
	f.sched.tick(context.Background())
	if f.dispatcher.byType(domain.EventDailyDigest) == nil {
		t.Error("digest missing on the next day")
	}
}

func TestScheduler_DigestAcrossFullDayOfTicks(t *testing.T) {
	// A minute-tick day with the stock config emits exactly one digest, on
	// the first tick at 18:00.
	f := newFixture(testAutopilotConfig(), time.Time{})

	day := time.Date(2025, 6, 10, 0, 0, 0, 0, time.Local)
	var digests int
	for minute := 0; minute < 24*60; minute++ {
		now := day.Add(time.Duration(minute) * time.Minute)
		f.sched.now = func() time.Time { return now }
		f.sched.tick(context.Background())

		if n := len(f.dispatcher.events); n > 0 {
			for _, ev := range f.dispatcher.events {
				if ev.Type == domain.EventDailyDigest {
					digests++
					if now.Hour() != 18 || now.Minute() != 0 {
						t.Errorf("digest fired at %s, want 18:00", now.Format("15:04"))
					}
				}
			}
			f.dispatcher.events = nil
		}
	}

	if digests != 1 {
		t.Errorf("digests across the day = %d, want 1", digests)
	}
}

func TestScheduler_RunOnceWhileRunning(t *testing.T) {
	now := time.Date(2025, 6, 10, 9, 1, 0, 0, time.Local)
	f := newFixture(testAutopilotConfig(), now)

	if !f.sched.begin() {
		t.Fatal("begin failed")
	}
	defer f.sched.end()

	if err := f.sched.RunOnce(context.Background()); err == nil {
		t.Error("RunOnce must refuse while a cycle is running")
	}
}

type fakeRunStore struct {
	stale    []*domain.AutopilotRun
	finished map[string]string
}

func (f *fakeRunStore) ListStaleRuns(cutoff time.Time) ([]*domain.AutopilotRun, error) {
	return f.stale, nil
}

func (f *fakeRunStore) FinishRun(id string, status domain.RunStatus, itemsProcessed int, errMsg string) error {
	if f.finished == nil {
		f.finished = make(map[string]string)
	}
	f.finished[id] = fmt.Sprintf("%s: %s", status, errMsg)
	return nil
}

func TestWatchdog_Sweep(t *testing.T) {
	rs := &fakeRunStore{stale: []*domain.AutopilotRun{
		{ID: "hung", Type: domain.RunExecution, Status: domain.RunRunning,
			LastActivityAt: time.Now().Add(-2 * time.Hour)},
	}}
	w := NewWatchdog(rs, time.Minute, 30*time.Minute)

	if n := w.Sweep(); n != 1 {
		t.Fatalf("recovered = %d, want 1", n)
	}
	got := rs.finished["hung"]
	if got == "" {
		t.Fatal("stale run not finished")
	}
	if got[:6] != "failed" {
		t.Errorf("stale run finished as %q, want failed", got)
	}
}

func TestWatchdog_NothingStale(t *testing.T) {
	rs := &fakeRunStore{}
	w := NewWatchdog(rs, time.Minute, 30*time.Minute)

	if n := w.Sweep(); n != 0 {
		t.Errorf("recovered = %d, want 0", n)
	}
}
