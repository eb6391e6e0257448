package sqlstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

// Base tables carry the original column set; later additions arrive through
// the columnSpec list so existing databases upgrade in place on open.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS crypto_calls (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	token_name TEXT,
	entry_cap REAL,
	peak_cap REAL,
	x_gain REAL,
	message_type TEXT,
	contract_address TEXT,
	timestamp DATETIME,
	message_id INTEGER,
	channel_name TEXT,
	created_at DATETIME
);
CREATE TABLE IF NOT EXISTS raw_messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id INTEGER NOT NULL,
	channel_id INTEGER NOT NULL,
	channel_name TEXT,
	message_text TEXT,
	message_date DATETIME,
	created_at DATETIME,
	UNIQUE(message_id, channel_id)
);`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS crypto_calls (
	id BIGSERIAL PRIMARY KEY,
	token_name TEXT,
	entry_cap DOUBLE PRECISION,
	peak_cap DOUBLE PRECISION,
	x_gain DOUBLE PRECISION,
	message_type TEXT,
	contract_address TEXT,
	timestamp TIMESTAMPTZ,
	message_id BIGINT,
	channel_name TEXT,
	created_at TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS raw_messages (
	id BIGSERIAL PRIMARY KEY,
	message_id BIGINT NOT NULL,
	channel_id BIGINT NOT NULL,
	channel_name TEXT,
	message_text TEXT,
	message_date TIMESTAMPTZ,
	created_at TIMESTAMPTZ,
	UNIQUE(message_id, channel_id)
);`

type columnSpec struct {
	table    string
	column   string
	sqlite   string
	postgres string
}

// Columns added after first release. ALTER failures for columns that exist
// already are expected and skipped.
var addedColumns = []columnSpec{
	{"crypto_calls", "vip_x", "REAL", "DOUBLE PRECISION"},
	{"crypto_calls", "time_to_peak", "TEXT", "TEXT"},
	{"crypto_calls", "linked_crypto_call_id", "INTEGER REFERENCES crypto_calls(id)", "BIGINT REFERENCES crypto_calls(id)"},
	{"raw_messages", "reply_to_message_id", "INTEGER", "BIGINT"},
	{"raw_messages", "is_classified", "BOOLEAN DEFAULT FALSE", "BOOLEAN DEFAULT FALSE"},
	{"raw_messages", "classification_result", "TEXT", "TEXT"},
}

var indexes = []string{
	`CREATE INDEX IF NOT EXISTS idx_crypto_calls_message_id ON crypto_calls(message_id)`,
	`CREATE INDEX IF NOT EXISTS idx_crypto_calls_channel_type_ts ON crypto_calls(channel_name, message_type, timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_raw_messages_date ON raw_messages(message_date)`,
}

// uniqueCallIndex makes retried inserts of the same event no-ops. It can
// fail on databases that accumulated duplicates before the index existed;
// those fall back to append-only inserts.
const uniqueCallIndex = `CREATE UNIQUE INDEX IF NOT EXISTS uq_crypto_calls_channel_message ON crypto_calls(channel_name, message_id)`

func (s *Store) migrate(ctx context.Context) error {
	schema := sqliteSchema
	if s.driver == DriverPostgres {
		schema = postgresSchema
	}
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create base schema: %w", err)
		}
	}

	for _, spec := range addedColumns {
		ddl := spec.sqlite
		if s.driver == DriverPostgres {
			ddl = spec.postgres
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", spec.table, spec.column, ddl)
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			if isExistingColumn(err) {
				continue
			}
			return fmt.Errorf("failed to add column %s.%s: %w", spec.table, spec.column, err)
		}
		log.Debug().Str("table", spec.table).Str("column", spec.column).Msg("added missing column")
	}

	for _, stmt := range indexes {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	if _, err := s.db.ExecContext(ctx, uniqueCallIndex); err != nil {
		log.Warn().Err(err).Msg("call dedupe index unavailable, keeping append-only inserts")
		s.dedupeCalls = false
	} else {
		s.dedupeCalls = true
	}
	return nil
}

func isExistingColumn(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate column") || strings.Contains(msg, "already exists")
}
