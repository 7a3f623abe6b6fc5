package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/assuredefi/mason-autopilot/internal/domain"
	_ "modernc.org/sqlite"
)

// ErrRunFinished is returned when a terminal status would be set twice
var ErrRunFinished = errors.New("run already has a terminal status")

// ErrInvalidTransition is returned for a disallowed item status change
var ErrInvalidTransition = errors.New("invalid item status transition")

// Store provides SQLite-backed persistence for the autopilot engine
type Store struct {
	db *sql.DB
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, err
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// --- Autopilot config ---

// SaveAutopilotConfig inserts or updates a repository's autopilot config
func (s *Store) SaveAutopilotConfig(cfg *domain.AutopilotConfig) error {
	catsJSON, err := json.Marshal(cfg.Rules.ExcludedCategories)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO autopilot_configs (repository_id, repository_name, user_id, enabled, cron,
			max_complexity, min_impact, excluded_categories,
			max_items_per_day, pause_on_failure, require_human_review_complexity,
			window_start_hour, window_end_hour, last_heartbeat)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(repository_id) DO UPDATE SET
			repository_name = excluded.repository_name,
			user_id = excluded.user_id,
			enabled = excluded.enabled,
			cron = excluded.cron,
			max_complexity = excluded.max_complexity,
			min_impact = excluded.min_impact,
			excluded_categories = excluded.excluded_categories,
			max_items_per_day = excluded.max_items_per_day,
			pause_on_failure = excluded.pause_on_failure,
			require_human_review_complexity = excluded.require_human_review_complexity,
			window_start_hour = excluded.window_start_hour,
			window_end_hour = excluded.window_end_hour
	`,
		cfg.RepositoryID,
		cfg.RepositoryName,
		cfg.UserID,
		cfg.Enabled,
		cfg.Cron,
		cfg.Rules.MaxComplexity,
		cfg.Rules.MinImpact,
		string(catsJSON),
		cfg.Rails.MaxItemsPerDay,
		cfg.Rails.PauseOnFailure,
		cfg.Rails.RequireHumanReviewComplexity,
		cfg.Window.StartHour,
		cfg.Window.EndHour,
		cfg.LastHeartbeat,
	)
	return err
}

// GetAutopilotConfig returns the config for a repository, or nil if none exists
func (s *Store) GetAutopilotConfig(repositoryID string) (*domain.AutopilotConfig, error) {
	row := s.db.QueryRow(`
		SELECT repository_id, repository_name, user_id, enabled, cron,
			max_complexity, min_impact, excluded_categories,
			max_items_per_day, pause_on_failure, require_human_review_complexity,
			window_start_hour, window_end_hour, last_heartbeat
		FROM autopilot_configs WHERE repository_id = ?
	`, repositoryID)

	var cfg domain.AutopilotConfig
	var repoName, cron, catsJSON sql.NullString
	var heartbeat sql.NullTime

	err := row.Scan(&cfg.RepositoryID, &repoName, &cfg.UserID, &cfg.Enabled, &cron,
		&cfg.Rules.MaxComplexity, &cfg.Rules.MinImpact, &catsJSON,
		&cfg.Rails.MaxItemsPerDay, &cfg.Rails.PauseOnFailure, &cfg.Rails.RequireHumanReviewComplexity,
		&cfg.Window.StartHour, &cfg.Window.EndHour, &heartbeat)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	cfg.RepositoryName = repoName.String
	cfg.Cron = cron.String
	if heartbeat.Valid {
		t := heartbeat.Time
		cfg.LastHeartbeat = &t
	}
	if catsJSON.String != "" && catsJSON.String != "null" {
		if err := json.Unmarshal([]byte(catsJSON.String), &cfg.Rules.ExcludedCategories); err != nil {
			return nil, err
		}
	}

	return &cfg, nil
}

// UpdateHeartbeat refreshes a config's last-heartbeat timestamp
func (s *Store) UpdateHeartbeat(repositoryID string, at time.Time) error {
	_, err := s.db.Exec(`UPDATE autopilot_configs SET last_heartbeat = ? WHERE repository_id = ?`,
		at, repositoryID)
	return err
}

// SetEnabled flips a config's enabled flag
func (s *Store) SetEnabled(repositoryID string, enabled bool) error {
	_, err := s.db.Exec(`UPDATE autopilot_configs SET enabled = ? WHERE repository_id = ?`,
		enabled, repositoryID)
	return err
}

// --- Backlog items ---

// UpsertItem inserts or updates a backlog item
func (s *Store) UpsertItem(item *domain.BacklogItem) error {
	_, err := s.db.Exec(`
		INSERT INTO backlog_items (id, repository_id, title, status, complexity, impact,
			category, source, run_id, branch_name, pr_url, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			complexity = excluded.complexity,
			impact = excluded.impact,
			category = excluded.category,
			updated_at = excluded.updated_at
	`,
		item.ID,
		item.RepositoryID,
		item.Title,
		string(item.Status),
		item.Complexity,
		item.Impact,
		item.Category,
		string(item.Source),
		item.RunID,
		item.BranchName,
		item.PRURL,
		item.Error,
		item.CreatedAt,
		item.UpdatedAt,
	)
	return err
}

// GetItem retrieves a backlog item by ID
func (s *Store) GetItem(id string) (*domain.BacklogItem, error) {
	row := s.db.QueryRow(itemColumns+` FROM backlog_items WHERE id = ?`, id)
	return scanItem(row)
}

const itemColumns = `SELECT id, repository_id, title, status, complexity, impact,
	category, source, run_id, branch_name, pr_url, error, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*domain.BacklogItem, error) {
	var item domain.BacklogItem
	var status, source string
	var category, runID, branch, prURL, errMsg sql.NullString

	err := row.Scan(&item.ID, &item.RepositoryID, &item.Title, &status, &item.Complexity,
		&item.Impact, &category, &source, &runID, &branch, &prURL, &errMsg,
		&item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return nil, err
	}

	item.Status = domain.ItemStatus(status)
	item.Source = domain.ItemSource(source)
	item.Category = category.String
	item.RunID = runID.String
	item.BranchName = branch.String
	item.PRURL = prURL.String
	item.Error = errMsg.String
	return &item, nil
}

// ListItemsByStatus returns a repository's items with the given status in
// creation order
func (s *Store) ListItemsByStatus(repositoryID string, status domain.ItemStatus) ([]*domain.BacklogItem, error) {
	rows, err := s.db.Query(itemColumns+`
		FROM backlog_items WHERE repository_id = ? AND status = ?
		ORDER BY created_at, id`, repositoryID, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*domain.BacklogItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// CountPendingItems counts a repository's new and approved items
func (s *Store) CountPendingItems(repositoryID string) (int, error) {
	var count int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM backlog_items
		WHERE repository_id = ? AND status IN (?, ?)`,
		repositoryID, string(domain.ItemNew), string(domain.ItemApproved)).Scan(&count)
	return count, err
}

// CountItemsByStatusSince counts items that reached a status after the cutoff
func (s *Store) CountItemsByStatusSince(repositoryID string, status domain.ItemStatus, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM backlog_items
		WHERE repository_id = ? AND status = ? AND updated_at >= ?`,
		repositoryID, string(status), since).Scan(&count)
	return count, err
}

// TransitionItem moves an item to a new status, enforcing the allowed
// transitions. The write is keyed on the current status so a concurrent
// mover cannot apply the same transition twice.
func (s *Store) TransitionItem(id string, to domain.ItemStatus) error {
	item, err := s.GetItem(id)
	if err != nil {
		return err
	}
	if !domain.CanTransition(item.Status, to) {
		return fmt.Errorf("%w: %s -> %s for item %s", ErrInvalidTransition, item.Status, to, id)
	}

	res, err := s.db.Exec(`
		UPDATE backlog_items SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(to), time.Now(), id, string(item.Status))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: item %s changed status concurrently", ErrInvalidTransition, id)
	}
	return nil
}

// SetItemBranch records the working branch for an item entering execution
func (s *Store) SetItemBranch(id, branch string) error {
	_, err := s.db.Exec(`UPDATE backlog_items SET branch_name = ?, updated_at = ? WHERE id = ?`,
		branch, time.Now(), id)
	return err
}

// SetItemResult records the PR URL or error message from an execution attempt
func (s *Store) SetItemResult(id, prURL, errMsg string) error {
	_, err := s.db.Exec(`UPDATE backlog_items SET pr_url = ?, error = ?, updated_at = ? WHERE id = ?`,
		prURL, errMsg, time.Now(), id)
	return err
}

// LinkItemsToRun attaches unlinked items created at or after the cutoff to a
// run. This is a time-window heuristic: the dashboard may create items
// concurrently, so rows can be claimed by the wrong run under racing writers.
func (s *Store) LinkItemsToRun(runID, repositoryID string, since time.Time) (int, error) {
	res, err := s.db.Exec(`
		UPDATE backlog_items SET run_id = ?
		WHERE repository_id = ? AND created_at >= ? AND (run_id IS NULL OR run_id = '')`,
		runID, repositoryID, since)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	_, err = s.db.Exec(`UPDATE autopilot_runs SET items_processed = ? WHERE id = ?`, n, runID)
	return int(n), err
}

// ListItemsByRun returns the items linked to a run in creation order
func (s *Store) ListItemsByRun(runID string) ([]*domain.BacklogItem, error) {
	rows, err := s.db.Query(itemColumns+`
		FROM backlog_items WHERE run_id = ? ORDER BY created_at, id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*domain.BacklogItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// --- Autopilot runs ---

// CreateRun inserts a new run in the running state
func (s *Store) CreateRun(run *domain.AutopilotRun) error {
	_, err := s.db.Exec(`
		INSERT INTO autopilot_runs (id, repository_id, run_type, status, items_processed,
			error, started_at, last_activity_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.RepositoryID, string(run.Type), string(run.Status),
		run.ItemsProcessed, run.Error, run.StartedAt, run.LastActivityAt)
	return err
}

// FinishRun moves a run to a terminal status. The update is guarded on the
// running state so the terminal status is set exactly once; a second call
// returns ErrRunFinished.
func (s *Store) FinishRun(id string, status domain.RunStatus, itemsProcessed int, errMsg string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("status %s is not terminal", status)
	}

	res, err := s.db.Exec(`
		UPDATE autopilot_runs SET status = ?, items_processed = ?, error = ?, completed_at = ?
		WHERE id = ? AND status = ?`,
		string(status), itemsProcessed, errMsg, time.Now(), id, string(domain.RunRunning))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRunFinished
	}
	return nil
}

// TouchRun refreshes a run's last-activity timestamp
func (s *Store) TouchRun(id string, at time.Time) error {
	_, err := s.db.Exec(`UPDATE autopilot_runs SET last_activity_at = ? WHERE id = ?`, at, id)
	return err
}

// GetRun retrieves a run by ID
func (s *Store) GetRun(id string) (*domain.AutopilotRun, error) {
	row := s.db.QueryRow(runColumns+` FROM autopilot_runs WHERE id = ?`, id)
	return scanRun(row)
}

const runColumns = `SELECT id, repository_id, run_type, status, items_processed,
	error, started_at, completed_at, last_activity_at`

func scanRun(row rowScanner) (*domain.AutopilotRun, error) {
	var run domain.AutopilotRun
	var runType, status string
	var errMsg sql.NullString
	var completedAt sql.NullTime

	err := row.Scan(&run.ID, &run.RepositoryID, &runType, &status, &run.ItemsProcessed,
		&errMsg, &run.StartedAt, &completedAt, &run.LastActivityAt)
	if err != nil {
		return nil, err
	}

	run.Type = domain.RunType(runType)
	run.Status = domain.RunStatus(status)
	run.Error = errMsg.String
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	return &run, nil
}

// ListStaleRuns returns running runs whose last activity is older than the cutoff
func (s *Store) ListStaleRuns(cutoff time.Time) ([]*domain.AutopilotRun, error) {
	rows, err := s.db.Query(runColumns+`
		FROM autopilot_runs WHERE status = ? AND last_activity_at < ?`,
		string(domain.RunRunning), cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*domain.AutopilotRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ListRecentRuns returns a repository's newest runs, most recent first
func (s *Store) ListRecentRuns(repositoryID string, limit int) ([]*domain.AutopilotRun, error) {
	rows, err := s.db.Query(runColumns+`
		FROM autopilot_runs WHERE repository_id = ?
		ORDER BY started_at DESC LIMIT ?`, repositoryID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*domain.AutopilotRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// --- Notification channels and delivery logs ---

// SaveChannel inserts or updates a notification channel
func (s *Store) SaveChannel(ch *domain.NotificationChannel) error {
	typesJSON, err := json.Marshal(ch.EventTypes)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO notification_channels (id, user_id, repository_id, channel_type,
			enabled, event_types, url, secret)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			repository_id = excluded.repository_id,
			channel_type = excluded.channel_type,
			enabled = excluded.enabled,
			event_types = excluded.event_types,
			url = excluded.url,
			secret = excluded.secret
	`, ch.ID, ch.UserID, ch.RepositoryID, string(ch.Type), ch.Enabled,
		string(typesJSON), ch.URL, ch.Secret)
	return err
}

// ListChannels returns all channels owned by a user
func (s *Store) ListChannels(userID string) ([]*domain.NotificationChannel, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, repository_id, channel_type, enabled, event_types, url, secret
		FROM notification_channels WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var channels []*domain.NotificationChannel
	for rows.Next() {
		var ch domain.NotificationChannel
		var chType string
		var repoID, typesJSON, url, secret sql.NullString

		if err := rows.Scan(&ch.ID, &ch.UserID, &repoID, &chType, &ch.Enabled,
			&typesJSON, &url, &secret); err != nil {
			return nil, err
		}

		ch.Type = domain.ChannelType(chType)
		ch.RepositoryID = repoID.String
		ch.URL = url.String
		ch.Secret = secret.String
		if typesJSON.String != "" && typesJSON.String != "null" {
			if err := json.Unmarshal([]byte(typesJSON.String), &ch.EventTypes); err != nil {
				return nil, err
			}
		}
		channels = append(channels, &ch)
	}
	return channels, rows.Err()
}

// DeliveryLog is a persisted record of one channel delivery outcome
type DeliveryLog struct {
	ID         string
	ChannelID  string
	EventType  domain.EventType
	Success    bool
	Error      string
	StatusCode int
	Attempts   int
	CreatedAt  time.Time
}

// SaveDelivery records a delivery outcome
func (s *Store) SaveDelivery(d *DeliveryLog) error {
	_, err := s.db.Exec(`
		INSERT INTO notification_deliveries (id, channel_id, event_type, success,
			error, status_code, attempts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.ChannelID, string(d.EventType), d.Success,
		d.Error, d.StatusCode, d.Attempts, d.CreatedAt)
	return err
}
