package migrations

func init() {
	Register(Migration{
		Timestamp:   "20250601-000000",
		Description: "Initial schema",
		Up: []string{
			// API keys - bearer tokens for programmatic access
			`CREATE TABLE IF NOT EXISTS api_keys (
				uuid TEXT PRIMARY KEY,
				key TEXT UNIQUE NOT NULL,
				name TEXT,
				credits INTEGER NOT NULL DEFAULT 0,
				is_active INTEGER NOT NULL DEFAULT 1,
				last_used_at TEXT,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_api_keys_key ON api_keys(key)`,

			// Jobs - scrape, crawl and search jobs
			`CREATE TABLE IF NOT EXISTS jobs (
				uuid TEXT PRIMARY KEY,
				job_type TEXT NOT NULL,
				job_queue_name TEXT NOT NULL,
				engine TEXT NOT NULL,
				url TEXT NOT NULL,
				payload TEXT NOT NULL,
				api_key_id TEXT,
				origin TEXT,
				status TEXT NOT NULL DEFAULT 'pending',
				total INTEGER NOT NULL DEFAULT 0,
				completed INTEGER NOT NULL DEFAULT 0,
				failed INTEGER NOT NULL DEFAULT 0,
				credits_used INTEGER NOT NULL DEFAULT 0,
				is_success INTEGER NOT NULL DEFAULT 0,
				error_message TEXT,
				job_expire_at TEXT NOT NULL,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status)`,
			`CREATE INDEX IF NOT EXISTS idx_jobs_expire_at ON jobs(job_expire_at)`,

			// Job results - per-URL outputs, append-only
			`CREATE TABLE IF NOT EXISTS job_results (
				uuid TEXT PRIMARY KEY,
				job_uuid TEXT NOT NULL REFERENCES jobs(uuid),
				url TEXT NOT NULL,
				data TEXT NOT NULL,
				status TEXT NOT NULL,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_job_results_job_uuid ON job_results(job_uuid)`,
			`CREATE INDEX IF NOT EXISTS idx_job_results_job_created ON job_results(job_uuid, created_at)`,
		},
	})
}
