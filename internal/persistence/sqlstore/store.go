// Package sqlstore implements the primary sink on a relational database.
// The pure-Go SQLite driver is the default; Postgres is selected by DSN.
// One query set serves both through sqlx rebinding.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/sawpanic/callstream/internal/domain"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	defaultTimeout = 10 * time.Second
)

func init() {
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// Config selects the backing database. DSN wins when set (Postgres);
// otherwise Path names a SQLite file, ":memory:" included.
type Config struct {
	Driver  string        `yaml:"driver"`
	DSN     string        `yaml:"dsn"`
	Path    string        `yaml:"path"`
	Timeout time.Duration `yaml:"timeout"`
}

// Store is the durable source of truth: raw capture, normalized inserts and
// the lookups the linker and backfill job run.
type Store struct {
	db          *sqlx.DB
	driver      string
	timeout     time.Duration
	dedupeCalls bool
}

// Open connects, applies pool settings and upgrades the schema in place.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	driver := cfg.Driver
	dsn := cfg.DSN
	if dsn != "" && driver == "" {
		driver = DriverPostgres
	}
	if driver == "" {
		driver = DriverSQLite
	}
	if driver == DriverSQLite && dsn == "" {
		path := cfg.Path
		if path == "" {
			path = "data/crypto_calls.db"
		}
		if !strings.Contains(path, ":memory:") {
			if dir := filepath.Dir(path); dir != "." {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return nil, fmt.Errorf("failed to create database directory: %w", err)
				}
			}
		}
		dsn = sqliteDSN(path)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", driver, err)
	}

	switch driver {
	case DriverPostgres:
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)
	default:
		// SQLite serializes everything through one connection; this also
		// keeps ":memory:" databases from splitting per connection.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	s := &Store{db: db, driver: driver, timeout: timeout}

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s store: %w", driver, err)
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return s, nil
}

func sqliteDSN(path string) string {
	if strings.Contains(path, ":memory:") {
		return path
	}
	return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
}

// Name reports the backing driver, the key used in sink health snapshots.
func (s *Store) Name() string { return s.driver }

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.db.PingContext(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

const callColumns = `id, token_name, entry_cap, peak_cap, x_gain, vip_x, message_type,
	contract_address, time_to_peak, timestamp, message_id, channel_name,
	linked_crypto_call_id, created_at`

// AppendRow satisfies the Sink contract; the assigned id is discarded.
func (s *Store) AppendRow(ctx context.Context, call domain.CryptoCall) error {
	_, err := s.InsertCall(ctx, &call)
	return err
}

// InsertCall writes a normalized record and fills in the assigned id. When
// the dedupe index is live, a replay of the same (channel, message) returns
// the existing id instead of inserting a duplicate.
func (s *Store) InsertCall(ctx context.Context, call *domain.CryptoCall) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if call.CreatedAt.IsZero() {
		call.CreatedAt = time.Now().UTC()
	}
	// Stored in UTC so timestamp comparisons behave the same on both drivers.
	call.Timestamp = call.Timestamp.UTC()

	query := `
		INSERT INTO crypto_calls (token_name, entry_cap, peak_cap, x_gain, vip_x,
			message_type, contract_address, time_to_peak, timestamp, message_id,
			channel_name, linked_crypto_call_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if s.dedupeCalls {
		query += ` ON CONFLICT (channel_name, message_id) DO NOTHING`
	}
	query += ` RETURNING id`

	err := s.db.QueryRowxContext(ctx, s.db.Rebind(query),
		call.TokenName, call.EntryCap, call.PeakCap, call.XGain, call.VipX,
		call.MessageType, call.ContractAddress, call.TimeToPeak, call.Timestamp,
		call.MessageID, call.ChannelName, call.LinkedCryptoCallID, call.CreatedAt).
		Scan(&call.ID)

	if errors.Is(err, sql.ErrNoRows) || isDuplicate(err) {
		id, ok, lookupErr := s.FindCallByMessageID(ctx, call.ChannelName, call.MessageID)
		if lookupErr != nil {
			return 0, fmt.Errorf("failed to resolve duplicate call: %w", lookupErr)
		}
		if !ok {
			return 0, fmt.Errorf("failed to insert call: %w", err)
		}
		call.ID = id
		return id, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to insert call: %w", err)
	}
	return call.ID, nil
}

// UpsertRaw records a raw message once per (channel_id, message_id).
// Replays keep the first row, preserving any classification marks.
func (s *Store) UpsertRaw(ctx context.Context, raw domain.RawMessage) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if raw.CreatedAt.IsZero() {
		raw.CreatedAt = time.Now().UTC()
	}
	raw.MessageDate = raw.MessageDate.UTC()

	query := s.db.Rebind(`
		INSERT INTO raw_messages (message_id, channel_id, channel_name, message_text,
			message_date, reply_to_message_id, is_classified, classification_result, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (message_id, channel_id) DO NOTHING`)

	_, err := s.db.ExecContext(ctx, query,
		raw.MessageID, raw.ChannelID, raw.ChannelName, raw.MessageText,
		raw.MessageDate, raw.ReplyToMessageID, raw.IsClassified,
		raw.ClassificationResult, raw.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert raw message: %w", err)
	}
	return nil
}

// MarkRawClassified records a parse outcome on the raw row.
func (s *Store) MarkRawClassified(ctx context.Context, channelID, messageID int64, result string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := s.db.Rebind(`
		UPDATE raw_messages SET is_classified = ?, classification_result = ?
		WHERE channel_id = ? AND message_id = ?`)
	if _, err := s.db.ExecContext(ctx, query, true, result, channelID, messageID); err != nil {
		return fmt.Errorf("failed to mark raw message: %w", err)
	}
	return nil
}

// FindCallByMessageID resolves a source message id within a channel to the
// id of its normalized record.
func (s *Store) FindCallByMessageID(ctx context.Context, channelName string, messageID int64) (int64, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var id int64
	query := s.db.Rebind(`
		SELECT id FROM crypto_calls
		WHERE message_id = ? AND channel_name = ?
		ORDER BY id DESC LIMIT 1`)
	err := s.db.QueryRowxContext(ctx, query, messageID, channelName).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to find call by message id: %w", err)
	}
	return id, true, nil
}

// GetCallByID fetches one normalized record.
func (s *Store) GetCallByID(ctx context.Context, id int64) (*domain.CryptoCall, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var call domain.CryptoCall
	query := s.db.Rebind(`SELECT ` + callColumns + ` FROM crypto_calls WHERE id = ?`)
	err := s.db.GetContext(ctx, &call, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get call by id: %w", err)
	}
	return &call, true, nil
}

// FindRecentDiscoveryByContract returns the newest discovery in the channel
// since the cutoff whose contract address matches exactly.
func (s *Store) FindRecentDiscoveryByContract(ctx context.Context, channelName, contract string, since time.Time) (int64, bool, error) {
	return s.findRecentDiscovery(ctx, `contract_address = ?`, channelName, contract, since)
}

// FindRecentDiscoveryByToken returns the newest discovery in the channel
// since the cutoff whose token name matches case-insensitively.
func (s *Store) FindRecentDiscoveryByToken(ctx context.Context, channelName, token string, since time.Time) (int64, bool, error) {
	return s.findRecentDiscovery(ctx, `LOWER(token_name) = LOWER(?)`, channelName, token, since)
}

func (s *Store) findRecentDiscovery(ctx context.Context, match, channelName, value string, since time.Time) (int64, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var id int64
	query := s.db.Rebind(`
		SELECT id FROM crypto_calls
		WHERE channel_name = ? AND message_type = 'discovery' AND ` + match + ` AND timestamp >= ?
		ORDER BY timestamp DESC, id DESC LIMIT 1`)
	err := s.db.QueryRowxContext(ctx, query, channelName, value, since.UTC()).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to find recent discovery: %w", err)
	}
	return id, true, nil
}

// Marks that settle a raw row: the parser already rejected it, live or in
// a prior backfill, so later scans skip it.
var settledRawMarks = [3]string{"not_crypto_call", "unparsed", "backfilled"}

// ListUnparsedRaw returns raw rows newer than the cutoff that never
// produced a normalized record and carry no settled mark, newest first.
// Backfill walks these in batches; rows it marks drop out of the scan set.
func (s *Store) ListUnparsedRaw(ctx context.Context, since time.Time, limit, offset int) ([]domain.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows := []domain.RawMessage{}
	query := s.db.Rebind(`
		SELECT rm.id, rm.message_id, rm.channel_id, rm.channel_name, rm.message_text,
			rm.message_date, rm.reply_to_message_id, rm.is_classified,
			rm.classification_result, rm.created_at
		FROM raw_messages rm
		LEFT JOIN crypto_calls cc
			ON cc.message_id = rm.message_id AND cc.channel_name = rm.channel_name
		WHERE cc.id IS NULL AND rm.message_date >= ?
			AND (rm.is_classified = ? OR rm.classification_result NOT IN (?, ?, ?))
		ORDER BY rm.message_date DESC
		LIMIT ? OFFSET ?`)
	if err := s.db.SelectContext(ctx, &rows, query, since.UTC(), false,
		settledRawMarks[0], settledRawMarks[1], settledRawMarks[2], limit, offset); err != nil {
		return nil, fmt.Errorf("failed to list unparsed raw messages: %w", err)
	}
	return rows, nil
}

// Stats summarizes both tables for the status surfaces.
type Stats struct {
	RawMessages     int64            `json:"raw_messages"`
	UnclassifiedRaw int64            `json:"unclassified_raw"`
	Calls           int64            `json:"calls"`
	LinkedCalls     int64            `json:"linked_calls"`
	CallsByType     map[string]int64 `json:"calls_by_type"`
}

// Stats counts rows by class; used by the status command and the ops
// endpoint.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	st := Stats{CallsByType: map[string]int64{}}
	if err := s.db.GetContext(ctx, &st.RawMessages, `SELECT COUNT(*) FROM raw_messages`); err != nil {
		return st, fmt.Errorf("failed to count raw messages: %w", err)
	}
	query := s.db.Rebind(`SELECT COUNT(*) FROM raw_messages WHERE is_classified = ?`)
	if err := s.db.GetContext(ctx, &st.UnclassifiedRaw, query, false); err != nil {
		return st, fmt.Errorf("failed to count unclassified raw messages: %w", err)
	}
	if err := s.db.GetContext(ctx, &st.Calls, `SELECT COUNT(*) FROM crypto_calls`); err != nil {
		return st, fmt.Errorf("failed to count calls: %w", err)
	}
	if err := s.db.GetContext(ctx, &st.LinkedCalls,
		`SELECT COUNT(*) FROM crypto_calls WHERE linked_crypto_call_id IS NOT NULL`); err != nil {
		return st, fmt.Errorf("failed to count linked calls: %w", err)
	}

	type typeCount struct {
		MessageType string `db:"message_type"`
		N           int64  `db:"n"`
	}
	var counts []typeCount
	if err := s.db.SelectContext(ctx, &counts,
		`SELECT message_type, COUNT(*) AS n FROM crypto_calls GROUP BY message_type`); err != nil {
		return st, fmt.Errorf("failed to count calls by type: %w", err)
	}
	for _, c := range counts {
		st.CallsByType[c.MessageType] = c.N
	}
	return st, nil
}

func isDuplicate(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
