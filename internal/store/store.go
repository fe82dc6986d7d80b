// Package store persists users, mailboxes, messages and subscription state
// in a single SQL database. The default backend is one embedded sqlite file
// under data/; postgres is available for shared deployments.
package store

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/ignite/mailhub/internal/config"
	"github.com/ignite/mailhub/internal/vault"
)

// Store wraps the SQL database and the credential vault. All credential
// columns (password, refresh_token) are sealed before they hit the disk and
// opened transparently on read.
type Store struct {
	db     *sql.DB
	vault  *vault.Vault
	driver string
}

// Open connects to the configured backend and creates the schema when it
// does not exist yet.
func Open(cfg config.DatabaseConfig, v *vault.Vault) (*Store, error) {
	var (
		db  *sql.DB
		err error
	)
	switch cfg.Driver {
	case "postgres":
		db, err = sql.Open("postgres", cfg.DSN)
	case "sqlite3", "":
		if dir := filepath.Dir(cfg.Path); dir != "." {
			if mkErr := os.MkdirAll(dir, 0o755); mkErr != nil {
				return nil, fmt.Errorf("create data dir: %w", mkErr)
			}
		}
		db, err = sql.Open("sqlite3", cfg.Path+"?_busy_timeout=5000&_journal_mode=WAL")
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db, vault: v, driver: driverName(cfg.Driver)}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, err
	}
	log.Printf("[Store] connected (%s)", s.driver)
	return s, nil
}

// NewWithDB wraps an existing database handle. Used by tests with sqlmock.
func NewWithDB(db *sql.DB, v *vault.Vault, driver string) *Store {
	return &Store{db: db, vault: v, driver: driverName(driver)}
}

func driverName(d string) string {
	if d == "" {
		return "sqlite3"
	}
	return d
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the raw handle for migrations.
func (s *Store) DB() *sql.DB { return s.db }

// rebind converts `?` placeholders to `$n` when running on postgres.
func (s *Store) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type dialect struct {
	serialPK string
	blob     string
	datetime string
	boolDef  func(v bool) string
}

func (s *Store) dialect() dialect {
	if s.driver == "postgres" {
		return dialect{
			serialPK: "BIGSERIAL PRIMARY KEY",
			blob:     "BYTEA",
			datetime: "TIMESTAMPTZ",
			boolDef:  func(v bool) string { return strconv.FormatBool(v) },
		}
	}
	return dialect{
		serialPK: "INTEGER PRIMARY KEY AUTOINCREMENT",
		blob:     "BLOB",
		datetime: "DATETIME",
		boolDef: func(v bool) string {
			if v {
				return "1"
			}
			return "0"
		},
	}
}

func (s *Store) createSchema() error {
	d := s.dialect()
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS users (
			id %s,
			username TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			salt TEXT NOT NULL,
			is_admin BOOLEAN NOT NULL DEFAULT %s,
			created_at %s NOT NULL
		)`, d.serialPK, d.boolDef(false), d.datetime),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS mailboxes (
			id %s,
			user_id BIGINT NOT NULL,
			email TEXT NOT NULL,
			password TEXT NOT NULL,
			client_id TEXT NOT NULL DEFAULT '',
			refresh_token TEXT NOT NULL DEFAULT '',
			mail_type TEXT NOT NULL DEFAULT 'outlook',
			server TEXT NOT NULL DEFAULT '',
			port INTEGER NOT NULL DEFAULT 993,
			use_ssl BOOLEAN NOT NULL DEFAULT %s,
			realtime_enabled BOOLEAN NOT NULL DEFAULT %s,
			last_check_time %s,
			last_error TEXT NOT NULL DEFAULT '',
			created_at %s NOT NULL,
			UNIQUE (user_id, email)
		)`, d.serialPK, d.boolDef(true), d.boolDef(true), d.datetime, d.datetime),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS mail_records (
			id %s,
			mailbox_id BIGINT NOT NULL,
			subject TEXT NOT NULL,
			sender TEXT NOT NULL,
			received_time %s NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			folder TEXT NOT NULL DEFAULT 'INBOX',
			has_attachments BOOLEAN NOT NULL DEFAULT %s,
			created_at %s NOT NULL,
			UNIQUE (mailbox_id, subject, sender, received_time)
		)`, d.serialPK, d.datetime, d.boolDef(false), d.datetime),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS attachments (
			id %s,
			mail_id BIGINT NOT NULL,
			filename TEXT NOT NULL,
			content_type TEXT NOT NULL DEFAULT 'application/octet-stream',
			size BIGINT NOT NULL DEFAULT 0,
			content %s
		)`, d.serialPK, d.blob),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS mailbox_platforms (
			id %s,
			mailbox_id BIGINT NOT NULL,
			platform_name TEXT NOT NULL,
			created_at %s NOT NULL,
			UNIQUE (mailbox_id, platform_name)
		)`, d.serialPK, d.datetime),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS platform_rules (
			id %s,
			user_id BIGINT NOT NULL,
			platform_name TEXT NOT NULL,
			sender_pattern TEXT NOT NULL DEFAULT '',
			subject_pattern TEXT NOT NULL DEFAULT '',
			content_pattern TEXT NOT NULL DEFAULT '',
			is_enabled BOOLEAN NOT NULL DEFAULT %s,
			created_at %s NOT NULL
		)`, d.serialPK, d.boolDef(true), d.datetime),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS platform_corrections (
			id %s,
			user_id BIGINT NOT NULL,
			sender_domain TEXT NOT NULL,
			platform_name TEXT NOT NULL,
			created_at %s NOT NULL,
			UNIQUE (user_id, sender_domain)
		)`, d.serialPK, d.datetime),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS graph_subscriptions (
			id %s,
			mailbox_id BIGINT NOT NULL,
			subscription_id TEXT NOT NULL UNIQUE,
			resource TEXT NOT NULL,
			expiration_time %s NOT NULL,
			created_at %s NOT NULL
		)`, d.serialPK, d.datetime, d.datetime),

		`CREATE TABLE IF NOT EXISTS system_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_mail_records_mailbox ON mail_records (mailbox_id, received_time)`,
		`CREATE INDEX IF NOT EXISTS idx_mailboxes_user ON mailboxes (user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_subscriptions_mailbox ON graph_subscriptions (mailbox_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}
