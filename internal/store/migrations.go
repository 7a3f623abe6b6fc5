package store

const schema = `
CREATE TABLE IF NOT EXISTS autopilot_configs (
    repository_id TEXT PRIMARY KEY,
    repository_name TEXT,
    user_id TEXT NOT NULL,
    enabled BOOLEAN NOT NULL DEFAULT FALSE,
    cron TEXT,
    max_complexity INTEGER NOT NULL DEFAULT 5,
    min_impact INTEGER NOT NULL DEFAULT 3,
    excluded_categories TEXT,
    max_items_per_day INTEGER NOT NULL DEFAULT 5,
    pause_on_failure BOOLEAN NOT NULL DEFAULT TRUE,
    require_human_review_complexity INTEGER NOT NULL DEFAULT 8,
    window_start_hour INTEGER NOT NULL DEFAULT 0,
    window_end_hour INTEGER NOT NULL DEFAULT 0,
    last_heartbeat TIMESTAMP
);

CREATE TABLE IF NOT EXISTS backlog_items (
    id TEXT PRIMARY KEY,
    repository_id TEXT NOT NULL,
    title TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'new',
    complexity INTEGER NOT NULL DEFAULT 0,
    impact INTEGER NOT NULL DEFAULT 0,
    category TEXT,
    source TEXT NOT NULL DEFAULT 'manual',
    run_id TEXT,
    branch_name TEXT,
    pr_url TEXT,
    error TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_items_repo_status ON backlog_items(repository_id, status);
CREATE INDEX IF NOT EXISTS idx_items_run ON backlog_items(run_id);

CREATE TABLE IF NOT EXISTS autopilot_runs (
    id TEXT PRIMARY KEY,
    repository_id TEXT NOT NULL,
    run_type TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'running',
    items_processed INTEGER NOT NULL DEFAULT 0,
    error TEXT,
    started_at TIMESTAMP NOT NULL,
    completed_at TIMESTAMP,
    last_activity_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_repo ON autopilot_runs(repository_id);
CREATE INDEX IF NOT EXISTS idx_runs_status ON autopilot_runs(status);

CREATE TABLE IF NOT EXISTS notification_channels (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    repository_id TEXT,
    channel_type TEXT NOT NULL,
    enabled BOOLEAN NOT NULL DEFAULT TRUE,
    event_types TEXT,
    url TEXT,
    secret TEXT
);

CREATE INDEX IF NOT EXISTS idx_channels_user ON notification_channels(user_id);

CREATE TABLE IF NOT EXISTS notification_deliveries (
    id TEXT PRIMARY KEY,
    channel_id TEXT NOT NULL REFERENCES notification_channels(id),
    event_type TEXT NOT NULL,
    success BOOLEAN NOT NULL,
    error TEXT,
    status_code INTEGER,
    attempts INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_deliveries_channel ON notification_deliveries(channel_id);
`
