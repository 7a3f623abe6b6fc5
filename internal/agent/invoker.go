// Package agent invokes the external coding agent and turns its streamed
// output into structured run results.
package agent

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/assuredefi/mason-autopilot/internal/domain"
	"github.com/assuredefi/mason-autopilot/internal/log"
)

// FailureCeiling is the consecutive-failure count at which callers should
// stop invoking the agent
const FailureCeiling = 3

// allowedTools is the fixed capability allow-list granted to the agent
var allowedTools = []string{
	"Read", "Write", "Edit", "Grep", "Glob", "Bash", "Task", "WebFetch", "WebSearch",
}

var prURLPattern = regexp.MustCompile(`https://github\.com/[^\s"')]+/pull/\d+`)

// ConfigError marks a non-retryable setup problem: missing credentials or
// an unlocatable agent binary. It never counts toward the failure breaker.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return e.Reason }

// Store is the persistence surface the invoker needs for run lifecycle
// bookkeeping and the pause-on-failure rail
type Store interface {
	CreateRun(run *domain.AutopilotRun) error
	FinishRun(id string, status domain.RunStatus, itemsProcessed int, errMsg string) error
	TouchRun(id string, at time.Time) error
	SetEnabled(repositoryID string, enabled bool) error
}

// Request describes one agent invocation
type Request struct {
	Type           domain.RunType
	Prompt         string
	MaxTurns       int
	ItemCount      int  // recorded on the run when it completes
	PauseOnFailure bool // disable autopilot if an execution request fails
}

// Result is the structured outcome of one invocation
type Result struct {
	RunID     string
	Success   bool
	Error     string
	ErrorCode ErrorCode
	Summary   string // final result message text
	PRURL     string // pull request URL found in the summary, if any
	ToolUses  int
}

// Invoker drives agent invocations for one repository and tracks the
// consecutive-failure circuit breaker
type Invoker struct {
	store        Store
	repositoryID string
	repoPath     string
	apiKey       string
	binary       string // optional override; resolved by probing when empty

	activityInterval time.Duration
	now              func() time.Time

	mu       sync.Mutex
	failures int
}

// Option configures an Invoker
type Option func(*Invoker)

// WithBinary overrides agent binary probing with a fixed path
func WithBinary(path string) Option {
	return func(inv *Invoker) { inv.binary = path }
}

// WithActivityInterval sets how often the run's activity timestamp is
// refreshed while output streams
func WithActivityInterval(d time.Duration) Option {
	return func(inv *Invoker) { inv.activityInterval = d }
}

// New creates an Invoker for a repository working copy
func New(store Store, repositoryID, repoPath, apiKey string, opts ...Option) *Invoker {
	inv := &Invoker{
		store:            store,
		repositoryID:     repositoryID,
		repoPath:         repoPath,
		apiKey:           apiKey,
		activityInterval: 30 * time.Second,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

// ConsecutiveFailures returns the current breaker counter
func (inv *Invoker) ConsecutiveFailures() int {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.failures
}

// ShouldSkip reports whether callers should stop invoking the agent until a
// success resets the counter
func (inv *Invoker) ShouldSkip() bool {
	return inv.ConsecutiveFailures() >= FailureCeiling
}

func (inv *Invoker) recordFailure() int {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.failures++
	return inv.failures
}

func (inv *Invoker) recordSuccess() {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.failures = 0
}

// setup verifies credentials are present and resolves the agent binary
func (inv *Invoker) setup() (string, error) {
	if inv.apiKey == "" {
		return "", &ConfigError{Reason: "missing apiKey in mason.config.json: generate one from the dashboard settings page"}
	}

	binary, err := findAgentBinary(inv.binary)
	if err != nil {
		return "", &ConfigError{Reason: err.Error()}
	}
	return binary, nil
}

// ValidateSetup returns the *ConfigError an invocation would fail with,
// without starting one. It never touches the failure counter, so callers
// can gate work on it before committing any state.
func (inv *Invoker) ValidateSetup() error {
	_, err := inv.setup()
	return err
}

// Invoke runs the agent to completion. Setup problems return a *ConfigError
// and leave the failure counter untouched; agent failures are reported in
// the Result with Success false and a classified error code.
func (inv *Invoker) Invoke(ctx context.Context, req Request) (*Result, error) {
	binary, err := inv.setup()
	if err != nil {
		return nil, err
	}

	run := &domain.AutopilotRun{
		ID:             uuid.NewString(),
		RepositoryID:   inv.repositoryID,
		Type:           req.Type,
		Status:         domain.RunRunning,
		StartedAt:      inv.now(),
		LastActivityAt: inv.now(),
	}
	if err := inv.store.CreateRun(run); err != nil {
		return nil, fmt.Errorf("creating run record: %w", err)
	}

	result := &Result{RunID: run.ID}
	cmd := inv.buildCommand(ctx, binary, req)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		inv.finishFailed(run.ID, req, result, err.Error())
		return result, nil
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		inv.finishFailed(run.ID, req, result, err.Error())
		return result, nil
	}

	log.Info("agent started", "run", run.ID, "type", req.Type, "pid", cmd.Process.Pid)

	// Consume the stream as it arrives; the result message terminates it.
	stream := NewStream(stdout)
	var recent []string // last few assistant lines, for failure context
	lastTouch := inv.now()
	for {
		msg, ok := stream.Next()
		if !ok {
			break
		}

		switch msg.Kind {
		case KindAssistantText:
			recent = append(recent, msg.Text)
			if len(recent) > 5 {
				recent = recent[1:]
			}
		case KindToolUse:
			result.ToolUses++
			log.Debug("agent tool use", "run", run.ID, "tool", msg.ToolName)
		case KindResult:
			result.Summary = msg.Summary
			if msg.IsError {
				result.Error = msg.Summary
			}
		}

		if now := inv.now(); now.Sub(lastTouch) >= inv.activityInterval {
			lastTouch = now
			if err := inv.store.TouchRun(run.ID, now); err != nil {
				log.Debug("touching run failed", "run", run.ID, "error", err)
			}
		}
	}

	streamErr := stream.Err()
	if streamErr != nil {
		// The agent may still be writing. Keep the pipe draining so it can
		// exit on its own instead of blocking on a full stdout buffer.
		io.Copy(io.Discard, stdout)
	}

	waitErr := cmd.Wait()
	if waitErr != nil || streamErr != nil || result.Error != "" {
		failure := result.Error
		if failure == "" && streamErr != nil {
			failure = "reading agent output: " + streamErr.Error()
		}
		if failure == "" {
			failure = waitErr.Error()
			if s := strings.TrimSpace(stderr.String()); s != "" {
				failure = failure + ": " + lastLine(s)
			}
		}
		inv.finishFailed(run.ID, req, result, failure)
		return result, nil
	}

	result.Success = true
	result.PRURL = prURLPattern.FindString(result.Summary)
	inv.recordSuccess()
	if err := inv.store.FinishRun(run.ID, domain.RunCompleted, req.ItemCount, ""); err != nil {
		log.Warn("completing run record failed", "run", run.ID, "error", err)
	}
	log.Info("agent completed", "run", run.ID, "tools", result.ToolUses)
	return result, nil
}

// finishFailed records a classified failure, advances the breaker, and
// applies the pause-on-failure rail for execution requests
func (inv *Invoker) finishFailed(runID string, req Request, result *Result, failure string) {
	result.Success = false
	result.Error = failure
	result.ErrorCode = Classify(failure)

	failures := inv.recordFailure()
	log.Warn("agent failed", "run", runID, "code", result.ErrorCode,
		"consecutive_failures", failures, "error", failure)

	msg := string(result.ErrorCode) + ": " + failure
	if err := inv.store.FinishRun(runID, domain.RunFailed, req.ItemCount, msg); err != nil {
		log.Warn("failing run record failed", "run", runID, "error", err)
	}

	if req.PauseOnFailure && req.Type == domain.RunExecution {
		log.Warn("pausing autopilot after execution failure", "repository", inv.repositoryID)
		if err := inv.store.SetEnabled(inv.repositoryID, false); err != nil {
			log.Warn("disabling autopilot failed", "repository", inv.repositoryID, "error", err)
		}
	}
}

// buildCommand assembles the non-interactive agent command line
func (inv *Invoker) buildCommand(ctx context.Context, binary string, req Request) *exec.Cmd {
	args := []string{
		"--print",
		"--verbose",
		"--dangerously-skip-permissions",
		"--output-format", "stream-json",
		"--allowedTools", strings.Join(allowedTools, ","),
	}
	if req.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(req.MaxTurns))
	}
	args = append(args, "-p", req.Prompt)

	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Dir = inv.repoPath
	return cmd
}

// findAgentBinary locates the agent executable by checking the configured
// override, the MASON_AGENT_PATH environment variable, a short list of
// install locations, and finally the system PATH
func findAgentBinary(override string) (string, error) {
	if override != "" {
		if _, err := os.Stat(override); err != nil {
			return "", fmt.Errorf("configured agent binary %s not found: set agent.binary in config.toml to a valid path", override)
		}
		return override, nil
	}

	if path := os.Getenv("MASON_AGENT_PATH"); path != "" {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	home, _ := os.UserHomeDir()
	candidates := []string{
		filepath.Join(home, ".local", "bin", "claude"),
		"/usr/local/bin/claude",
		"/opt/homebrew/bin/claude",
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}

	if path, err := exec.LookPath("claude"); err == nil {
		return path, nil
	}

	return "", fmt.Errorf("claude executable not found: install it or set MASON_AGENT_PATH")
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return lines[len(lines)-1]
}
