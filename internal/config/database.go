package config

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/rs/zerolog"
)

// SetupDatabase initializes the database connection
func SetupDatabase(cfg *Config, log zerolog.Logger) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", cfg.Database.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)

	if err := createTables(db, log); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return db, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id BIGSERIAL PRIMARY KEY,
		utorid VARCHAR(16) UNIQUE NOT NULL,
		name VARCHAR(255) NOT NULL,
		role VARCHAR(16) NOT NULL CHECK (role IN ('regular', 'cashier', 'manager', 'superuser')),
		verified BOOLEAN NOT NULL DEFAULT FALSE,
		suspicious BOOLEAN NOT NULL DEFAULT FALSE,
		balance BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS promotions (
		id BIGSERIAL PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		kind VARCHAR(16) NOT NULL CHECK (kind IN ('automatic', 'onetime')),
		start_time TIMESTAMPTZ NOT NULL,
		end_time TIMESTAMPTZ NOT NULL,
		min_spending NUMERIC(12, 2),
		rate NUMERIC(8, 4),
		points BIGINT,
		CHECK (start_time < end_time)
	)`,
	`CREATE TABLE IF NOT EXISTS events (
		id BIGSERIAL PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		start_time TIMESTAMPTZ NOT NULL,
		end_time TIMESTAMPTZ NOT NULL,
		points_total BIGINT NOT NULL CHECK (points_total >= 0),
		points_awarded BIGINT NOT NULL DEFAULT 0 CHECK (points_awarded >= 0),
		CHECK (points_awarded <= points_total)
	)`,
	`CREATE TABLE IF NOT EXISTS event_guests (
		event_id BIGINT NOT NULL REFERENCES events(id) ON DELETE CASCADE,
		user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		PRIMARY KEY (event_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS event_organizers (
		event_id BIGINT NOT NULL REFERENCES events(id) ON DELETE CASCADE,
		user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		PRIMARY KEY (event_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS transactions (
		id BIGSERIAL PRIMARY KEY,
		kind VARCHAR(16) NOT NULL CHECK (kind IN ('purchase', 'redemption', 'adjustment', 'transfer', 'event')),
		owner_id BIGINT NOT NULL REFERENCES users(id),
		amount BIGINT NOT NULL,
		spent NUMERIC(12, 2),
		redeemed BIGINT,
		related_id BIGINT,
		processed_by BIGINT REFERENCES users(id),
		suspicious BOOLEAN NOT NULL DEFAULT FALSE,
		remark TEXT NOT NULL DEFAULT '',
		created_by BIGINT NOT NULL REFERENCES users(id),
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS transaction_promotions (
		transaction_id BIGINT NOT NULL REFERENCES transactions(id) ON DELETE CASCADE,
		promotion_id BIGINT NOT NULL REFERENCES promotions(id),
		PRIMARY KEY (transaction_id, promotion_id)
	)`,
	// One row per consumed one-time promotion; the primary key is the
	// exactly-once guarantee.
	`CREATE TABLE IF NOT EXISTS onetime_promotion_uses (
		user_id BIGINT NOT NULL REFERENCES users(id),
		promotion_id BIGINT NOT NULL REFERENCES promotions(id),
		transaction_id BIGINT NOT NULL REFERENCES transactions(id) ON DELETE CASCADE,
		PRIMARY KEY (user_id, promotion_id)
	)`,
}

var indexes = []string{
	"CREATE INDEX IF NOT EXISTS idx_transactions_owner ON transactions(owner_id)",
	"CREATE INDEX IF NOT EXISTS idx_transactions_related ON transactions(kind, related_id)",
	"CREATE INDEX IF NOT EXISTS idx_promotions_window ON promotions(kind, start_time, end_time)",
}

// createTables creates the necessary tables in the database
func createTables(db *sqlx.DB, log zerolog.Logger) error {
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}

	for _, idx := range indexes {
		if _, err := db.Exec(idx); err != nil {
			// Indexes only speed up lookups.
			log.Warn().Err(err).Str("statement", idx).Msg("failed to create index")
		}
	}

	return nil
}
