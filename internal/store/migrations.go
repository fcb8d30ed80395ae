package store

// Migration represents a database migration
type Migration struct {
	Version     string
	Description string
	SQL         string
}

// GetSQLiteMigrations returns SQLite migration scripts
func GetSQLiteMigrations() []*Migration {
	return []*Migration{
		{
			Version:     "001",
			Description: "Create listeners table",
			SQL: `
				CREATE TABLE IF NOT EXISTS listeners (
					id TEXT PRIMARY KEY,
					contract TEXT NOT NULL,
					owner TEXT NOT NULL,
					token_id INTEGER NOT NULL,
					target_price TEXT NOT NULL,
					action TEXT NOT NULL,
					amount TEXT NOT NULL,
					price_limit TEXT,
					recipient TEXT,
					status TEXT NOT NULL DEFAULT 'active',
					created_at DATETIME NOT NULL,
					fired_at DATETIME,
					tx_ref TEXT
				);

				CREATE INDEX IF NOT EXISTS idx_listeners_lookup ON listeners(contract, token_id, status);
				CREATE INDEX IF NOT EXISTS idx_listeners_created_at ON listeners(created_at);
			`,
		},
		{
			Version:     "002",
			Description: "Create prices table",
			SQL: `
				CREATE TABLE IF NOT EXISTS prices (
					token_id INTEGER PRIMARY KEY,
					price TEXT NOT NULL,
					observed_at DATETIME NOT NULL
				);
			`,
		},
		{
			Version:     "003",
			Description: "Create contract cache tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS cache_tokens (
					contract TEXT NOT NULL,
					token_id INTEGER NOT NULL,
					uri TEXT NOT NULL,
					total_supply TEXT NOT NULL,
					synced_at DATETIME NOT NULL,
					PRIMARY KEY (contract, token_id)
				);

				CREATE TABLE IF NOT EXISTS cache_balances (
					contract TEXT NOT NULL,
					token_id INTEGER NOT NULL,
					account TEXT NOT NULL,
					amount TEXT NOT NULL,
					synced_at DATETIME NOT NULL,
					PRIMARY KEY (contract, token_id, account)
				);

				CREATE INDEX IF NOT EXISTS idx_cache_balances_contract ON cache_balances(contract);
			`,
		},
	}
}

// GetPostgreSQLMigrations returns PostgreSQL migration scripts
func GetPostgreSQLMigrations() []*Migration {
	return []*Migration{
		{
			Version:     "001",
			Description: "Create listeners table",
			SQL: `
				CREATE TABLE IF NOT EXISTS listeners (
					id TEXT PRIMARY KEY,
					contract TEXT NOT NULL,
					owner TEXT NOT NULL,
					token_id BIGINT NOT NULL,
					target_price TEXT NOT NULL,
					action TEXT NOT NULL,
					amount TEXT NOT NULL,
					price_limit TEXT,
					recipient TEXT,
					status TEXT NOT NULL DEFAULT 'active',
					created_at TIMESTAMPTZ NOT NULL,
					fired_at TIMESTAMPTZ,
					tx_ref TEXT
				);

				CREATE INDEX IF NOT EXISTS idx_listeners_lookup ON listeners(contract, token_id, status);
				CREATE INDEX IF NOT EXISTS idx_listeners_created_at ON listeners(created_at);
			`,
		},
		{
			Version:     "002",
			Description: "Create prices table",
			SQL: `
				CREATE TABLE IF NOT EXISTS prices (
					token_id BIGINT PRIMARY KEY,
					price TEXT NOT NULL,
					observed_at TIMESTAMPTZ NOT NULL
				);
			`,
		},
		{
			Version:     "003",
			Description: "Create contract cache tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS cache_tokens (
					contract TEXT NOT NULL,
					token_id BIGINT NOT NULL,
					uri TEXT NOT NULL,
					total_supply TEXT NOT NULL,
					synced_at TIMESTAMPTZ NOT NULL,
					PRIMARY KEY (contract, token_id)
				);

				CREATE TABLE IF NOT EXISTS cache_balances (
					contract TEXT NOT NULL,
					token_id BIGINT NOT NULL,
					account TEXT NOT NULL,
					amount TEXT NOT NULL,
					synced_at TIMESTAMPTZ NOT NULL,
					PRIMARY KEY (contract, token_id, account)
				);

				CREATE INDEX IF NOT EXISTS idx_cache_balances_contract ON cache_balances(contract);
			`,
		},
	}
}
