package store

// schema is valid for both SQLite and Postgres. Timestamps are unix
// nanoseconds, booleans are 0/1 integers, and lists are JSON text.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS tasks (
	id                     TEXT PRIMARY KEY,
	project_id             TEXT NOT NULL,
	parent_id              TEXT NOT NULL DEFAULT '',
	title                  TEXT NOT NULL,
	description            TEXT NOT NULL DEFAULT '',
	type                   TEXT NOT NULL,
	priority               INTEGER NOT NULL DEFAULT 1,
	status                 TEXT NOT NULL,
	assigned_agent_id      TEXT NOT NULL DEFAULT '',
	last_agent_id          TEXT NOT NULL DEFAULT '',
	depends_on             TEXT NOT NULL DEFAULT '[]',
	required_capabilities  TEXT NOT NULL DEFAULT '[]',
	input                  TEXT NOT NULL DEFAULT '',
	output                 TEXT NOT NULL DEFAULT '',
	error                  TEXT NOT NULL DEFAULT '',
	workflow_instance_id   TEXT NOT NULL DEFAULT '',
	workflow_root          INTEGER NOT NULL DEFAULT 0,
	phase                  TEXT NOT NULL DEFAULT '',
	depth                  INTEGER NOT NULL DEFAULT 0,
	preferred_agent_types  TEXT NOT NULL DEFAULT '[]',
	requires_redundancy    INTEGER NOT NULL DEFAULT 0,
	redundancy_agent_types TEXT NOT NULL DEFAULT '[]',
	acceptance_criteria    TEXT NOT NULL DEFAULT '[]',
	estimated_hours        DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at             BIGINT NOT NULL,
	updated_at             BIGINT NOT NULL,
	started_at             BIGINT,
	completed_at           BIGINT
)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_poll ON tasks (status, priority, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks (parent_id)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_workflow ON tasks (workflow_instance_id)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks (project_id, status)`,

	`CREATE TABLE IF NOT EXISTS task_dependencies (
	task_id       TEXT NOT NULL,
	depends_on_id TEXT NOT NULL,
	PRIMARY KEY (task_id, depends_on_id)
)`,
	`CREATE INDEX IF NOT EXISTS idx_task_dependencies_dep ON task_dependencies (depends_on_id)`,

	`CREATE TABLE IF NOT EXISTS task_logs (
	id         TEXT PRIMARY KEY,
	task_id    TEXT NOT NULL,
	agent_id   TEXT NOT NULL DEFAULT '',
	level      TEXT NOT NULL,
	message    TEXT NOT NULL,
	data       TEXT NOT NULL DEFAULT '',
	created_at BIGINT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_task_logs_task ON task_logs (task_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS agents (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL,
	type            TEXT NOT NULL,
	capabilities    TEXT NOT NULL DEFAULT '[]',
	status          TEXT NOT NULL,
	last_heartbeat  BIGINT,
	current_tasks   INTEGER NOT NULL DEFAULT 0,
	max_concurrent  INTEGER NOT NULL DEFAULT 1,
	avg_quality     DOUBLE PRECISION NOT NULL DEFAULT 0,
	rated           INTEGER NOT NULL DEFAULT 0,
	completed_count INTEGER NOT NULL DEFAULT 0,
	failed_count    INTEGER NOT NULL DEFAULT 0,
	specialties     TEXT NOT NULL DEFAULT '[]',
	created_at      BIGINT NOT NULL,
	updated_at      BIGINT NOT NULL
)`,

	`CREATE TABLE IF NOT EXISTS workflow_instances (
	id               TEXT PRIMARY KEY,
	template_id      TEXT NOT NULL,
	root_task_id     TEXT NOT NULL,
	project_id       TEXT NOT NULL,
	phases           TEXT NOT NULL DEFAULT '[]',
	current_phase    TEXT NOT NULL DEFAULT '',
	phases_completed TEXT NOT NULL DEFAULT '[]',
	status           TEXT NOT NULL,
	created_at       BIGINT NOT NULL,
	updated_at       BIGINT NOT NULL
)`,

	`CREATE TABLE IF NOT EXISTS quality_gates (
	id                   TEXT PRIMARY KEY,
	workflow_instance_id TEXT NOT NULL,
	phase                TEXT NOT NULL,
	name                 TEXT NOT NULL,
	required             INTEGER NOT NULL DEFAULT 1,
	status               TEXT NOT NULL,
	criteria             TEXT NOT NULL DEFAULT '{}',
	details              TEXT NOT NULL DEFAULT '',
	evaluated_at         BIGINT,
	created_at           BIGINT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_quality_gates_instance ON quality_gates (workflow_instance_id, phase)`,

	`CREATE TABLE IF NOT EXISTS approvals (
	id         TEXT PRIMARY KEY,
	task_id    TEXT NOT NULL,
	agent_id   TEXT NOT NULL,
	agent_type TEXT NOT NULL DEFAULT '',
	approved   INTEGER NOT NULL,
	comment    TEXT NOT NULL DEFAULT '',
	created_at BIGINT NOT NULL,
	UNIQUE (task_id, agent_id)
)`,

	`CREATE TABLE IF NOT EXISTS assignments (
	id                    TEXT PRIMARY KEY,
	task_id               TEXT NOT NULL,
	agent_id              TEXT NOT NULL,
	confidence            DOUBLE PRECISION NOT NULL,
	reasoning             TEXT NOT NULL DEFAULT '',
	estimated_duration_ms BIGINT NOT NULL DEFAULT 0,
	backup_agent_ids      TEXT NOT NULL DEFAULT '[]',
	source                TEXT NOT NULL,
	created_at            BIGINT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_assignments_task ON assignments (task_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS jobs (
	id            TEXT PRIMARY KEY,
	type          TEXT NOT NULL,
	status        TEXT NOT NULL,
	attempts      INTEGER NOT NULL DEFAULT 0,
	max_attempts  INTEGER NOT NULL,
	scheduled_at  BIGINT NOT NULL,
	next_retry_at BIGINT,
	started_at    BIGINT,
	completed_at  BIGINT,
	payload       TEXT NOT NULL DEFAULT '',
	result        TEXT NOT NULL DEFAULT '',
	error         TEXT NOT NULL DEFAULT '',
	created_at    BIGINT NOT NULL,
	updated_at    BIGINT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_ready ON jobs (status, scheduled_at)`,

	`CREATE TABLE IF NOT EXISTS task_analyses (
	id            TEXT PRIMARY KEY,
	task_id       TEXT NOT NULL,
	project_id    TEXT NOT NULL,
	agent_id      TEXT NOT NULL DEFAULT '',
	kind          TEXT NOT NULL,
	quality_score DOUBLE PRECISION NOT NULL,
	summary       TEXT NOT NULL DEFAULT '',
	suggestions   TEXT NOT NULL DEFAULT '[]',
	source        TEXT NOT NULL,
	status        TEXT NOT NULL,
	created_at    BIGINT NOT NULL,
	reviewed_at   BIGINT,
	UNIQUE (task_id, kind)
)`,
	`CREATE INDEX IF NOT EXISTS idx_task_analyses_status ON task_analyses (status, created_at)`,

	`CREATE TABLE IF NOT EXISTS project_patterns (
	id             TEXT PRIMARY KEY,
	project_id     TEXT NOT NULL,
	name           TEXT NOT NULL,
	description    TEXT NOT NULL DEFAULT '',
	recommendation TEXT NOT NULL DEFAULT '',
	occurrences    INTEGER NOT NULL DEFAULT 1,
	updated_at     BIGINT NOT NULL,
	UNIQUE (project_id, name)
)`,

	`CREATE TABLE IF NOT EXISTS supervisor_reviews (
	id           TEXT PRIMARY KEY,
	project_id   TEXT NOT NULL DEFAULT '',
	analysis_ids TEXT NOT NULL DEFAULT '[]',
	approved     TEXT NOT NULL DEFAULT '[]',
	rejected     TEXT NOT NULL DEFAULT '[]',
	notes        TEXT NOT NULL DEFAULT '',
	created_at   BIGINT NOT NULL
)`,
}
