package postgres

// schema is applied at startup; every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS authors (
		id               TEXT PRIMARY KEY,
		name             TEXT NOT NULL,
		email            TEXT NOT NULL,
		verified         BOOLEAN NOT NULL DEFAULT FALSE,
		password_hash    TEXT NOT NULL DEFAULT '',
		session          TEXT NOT NULL DEFAULT '',
		used_storage     BIGINT NOT NULL DEFAULT 0,
		total_storage    BIGINT NOT NULL,
		last_name_change TIMESTAMPTZ,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CONSTRAINT authors_storage_check CHECK (used_storage >= 0 AND used_storage <= total_storage)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS authors_email_key ON authors (email)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS authors_name_folded_key ON authors (LOWER(name))`,

	`CREATE TABLE IF NOT EXISTS author_tokens (
		author_id     TEXT NOT NULL REFERENCES authors(id) ON DELETE CASCADE,
		token_session TEXT NOT NULL,
		name          TEXT NOT NULL,
		description   TEXT NOT NULL DEFAULT '',
		permissions   BIGINT NOT NULL,
		allowlists    JSONB NOT NULL DEFAULT '{}',
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (author_id, name)
	)`,

	`CREATE TABLE IF NOT EXISTS packages (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		author_id   TEXT NOT NULL REFERENCES authors(id),
		author_name TEXT NOT NULL,
		description TEXT NOT NULL,
		type        TEXT NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS packages_name_folded_key ON packages (LOWER(name))`,

	`CREATE TABLE IF NOT EXISTS versions (
		package_id        TEXT NOT NULL REFERENCES packages(id),
		version           TEXT NOT NULL,
		hash              TEXT NOT NULL DEFAULT '',
		location          TEXT NOT NULL DEFAULT 'NOT_STORED',
		is_public         BOOLEAN NOT NULL,
		is_stored         BOOLEAN NOT NULL,
		private_key       TEXT NOT NULL DEFAULT '',
		installs          BIGINT NOT NULL DEFAULT 0,
		uploaded_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		status            TEXT NOT NULL,
		dependencies      JSONB NOT NULL DEFAULT '[]',
		incompatibilities JSONB NOT NULL DEFAULT '[]',
		xp_selection      TEXT NOT NULL DEFAULT '*',
		size              BIGINT NOT NULL DEFAULT 0,
		installed_size    BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (package_id, version)
	)`,
	`CREATE INDEX IF NOT EXISTS versions_status_idx ON versions (status) WHERE status = 'Processed'`,
}
