package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	. "github.com/roelfdiedericks/meshclaw/internal/logging"
	"github.com/roelfdiedericks/meshclaw/internal/paths"
)

// Config configures the SQLite store
type Config struct {
	Path        string
	BusyTimeout int // milliseconds (default: 5000)
}

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db     *sql.DB
	config Config
}

// Schema version for migrations
const currentSchemaVersion = 4

// NewSQLiteStore opens (creating if needed) the database and migrates it.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if err := paths.EnsureParentDir(cfg.Path); err != nil {
		return nil, fmt.Errorf("database directory: %w", err)
	}

	timeout := cfg.BusyTimeout
	if timeout == 0 {
		timeout = 5000
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=%d&_foreign_keys=on", cfg.Path, timeout)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &SQLiteStore{db: db, config: cfg}

	if err := store.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	L_info("store: opened", "path", cfg.Path)
	return store, nil
}

// Migrate runs database migrations
func (s *SQLiteStore) Migrate() error {
	var version int
	err := s.db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if err != nil {
		// Table doesn't exist, start from scratch
		version = 0
	}

	if version >= currentSchemaVersion {
		L_debug("store: schema up to date", "version", version)
		return nil
	}

	L_info("store: migrating schema", "from", version, "to", currentSchemaVersion)

	migrations := []func(*sql.DB) error{
		migrateV1,
		migrateV2,
		migrateV3,
		migrateV4,
	}

	for i := version; i < len(migrations); i++ {
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d failed: %w", i+1, err)
		}
		L_debug("store: applied migration", "version", i+1)
	}

	return nil
}

// migrateV1 creates contacts, telemetry, messages and the node info cache
func migrateV1(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	);
	INSERT INTO schema_version (version, applied_at) VALUES (1, ?);

	CREATE TABLE IF NOT EXISTS node_info (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		data TEXT NOT NULL DEFAULT '{}',
		fetched_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_node_info_name ON node_info(name, fetched_at);

	CREATE TABLE IF NOT EXISTS contacts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		public_key TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL DEFAULT '',
		first_seen INTEGER NOT NULL,
		last_seen INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_contacts_name ON contacts(name, last_seen);
	CREATE INDEX IF NOT EXISTS idx_contacts_last_seen ON contacts(last_seen);

	CREATE TABLE IF NOT EXISTS contact_telemetry (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		contact_id INTEGER NOT NULL,
		fetched_at INTEGER NOT NULL,
		adv_name TEXT NOT NULL DEFAULT '',
		last_advert INTEGER,
		adv_lat REAL,
		adv_lon REAL,
		rssi INTEGER,
		snr REAL,
		battery_mv INTEGER,
		battery_percent REAL,
		type INTEGER,
		flags INTEGER,
		out_path_len INTEGER,
		out_path TEXT NOT NULL DEFAULT '',
		lastmod INTEGER,
		raw TEXT NOT NULL DEFAULT '{}',
		FOREIGN KEY (contact_id) REFERENCES contacts(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_telemetry_contact ON contact_telemetry(contact_id, fetched_at);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		contact_id INTEGER,
		name TEXT NOT NULL DEFAULT '',
		public_key TEXT,
		direction TEXT NOT NULL,
		text TEXT NOT NULL,
		ts INTEGER NOT NULL,
		raw TEXT NOT NULL DEFAULT '',
		FOREIGN KEY (contact_id) REFERENCES contacts(id) ON DELETE SET NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_ts ON messages(ts);
	CREATE INDEX IF NOT EXISTS idx_messages_public_key ON messages(public_key);
	CREATE INDEX IF NOT EXISTS idx_messages_dedup ON messages(direction, name, ts);
	`

	_, err := db.Exec(schema, time.Now().Unix())
	return err
}

// migrateV2 adds the collector and MQTT settings tables
func migrateV2(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS collector_config (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		updated_at INTEGER NOT NULL,
		interval_seconds INTEGER NOT NULL DEFAULT 300,
		enable_req_status INTEGER NOT NULL DEFAULT 1,
		enable_req_telemetry INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS mqtt_config (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		updated_at INTEGER NOT NULL,
		server TEXT NOT NULL DEFAULT '',
		port INTEGER NOT NULL DEFAULT 1883,
		username TEXT NOT NULL DEFAULT '',
		password TEXT NOT NULL DEFAULT '',
		use_tls INTEGER NOT NULL DEFAULT 0
	);

	INSERT INTO schema_version (version, applied_at) VALUES (2, ?);
	`

	_, err := db.Exec(schema, time.Now().Unix())
	return err
}

// migrateV3 adds client correlation IDs and delivery status to messages
func migrateV3(db *sql.DB) error {
	schema := `
	ALTER TABLE messages ADD COLUMN client_id TEXT DEFAULT NULL;
	ALTER TABLE messages ADD COLUMN status TEXT DEFAULT NULL;
	CREATE INDEX IF NOT EXISTS idx_messages_client_id ON messages(client_id) WHERE client_id IS NOT NULL;

	INSERT INTO schema_version (version, applied_at) VALUES (3, ?);
	`

	_, err := db.Exec(schema, time.Now().Unix())
	return err
}

// migrateV4 adds automation rules
func migrateV4(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS automation_rules (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		enabled INTEGER NOT NULL DEFAULT 1,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',

		match_type TEXT NOT NULL DEFAULT 'prefix',
		pattern TEXT NOT NULL,
		case_sensitive INTEGER NOT NULL DEFAULT 0,
		only_incoming INTEGER NOT NULL DEFAULT 1,
		from_name TEXT NOT NULL DEFAULT '',
		from_public_key TEXT NOT NULL DEFAULT '',

		action_type TEXT NOT NULL,
		response_text TEXT NOT NULL DEFAULT '',
		mqtt_topic TEXT NOT NULL DEFAULT '',
		mqtt_payload TEXT NOT NULL DEFAULT '',

		priority INTEGER NOT NULL DEFAULT 0,
		stop_processing INTEGER NOT NULL DEFAULT 1,
		cooldown_seconds INTEGER NOT NULL DEFAULT 0,
		last_triggered_at INTEGER,

		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_rules_enabled_priority ON automation_rules(enabled, priority);

	INSERT INTO schema_version (version, applied_at) VALUES (4, ?);
	`

	_, err := db.Exec(schema, time.Now().Unix())
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	L_debug("store: closing")
	return s.db.Close()
}

// DB returns the underlying database connection
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Helper functions

// Timestamps are stored as unix milliseconds; dedup windows are sub-minute.
func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(p *int64) interface{} {
	if p == nil {
		return nil
	}
	return *p
}

func nullFloat(p *float64) interface{} {
	if p == nil {
		return nil
	}
	return *p
}

func intPtr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func floatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
