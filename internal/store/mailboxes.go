package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const mailboxCols = `id, user_id, email, password, client_id, refresh_token, mail_type, server, port, use_ssl, realtime_enabled, last_check_time, last_error, created_at`

func (s *Store) scanMailbox(row interface{ Scan(...any) error }) (*Mailbox, error) {
	var (
		m         Mailbox
		lastCheck sql.NullTime
	)
	err := row.Scan(&m.ID, &m.UserID, &m.Email, &m.Password, &m.ClientID, &m.RefreshToken,
		&m.MailType, &m.Server, &m.Port, &m.UseSSL, &m.RealtimeEnabled, &lastCheck, &m.LastError, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	if lastCheck.Valid {
		t := lastCheck.Time
		m.LastCheckTime = &t
	}
	m.Password = s.vault.Decrypt(m.Password)
	m.ClientID = s.vault.Decrypt(m.ClientID)
	m.RefreshToken = s.vault.Decrypt(m.RefreshToken)
	return &m, nil
}

// AddMailbox stores a mailbox with sealed credentials. Returns ErrDuplicate
// when the address is already connected.
func (s *Store) AddMailbox(ctx context.Context, m *Mailbox) (int64, error) {
	password, err := s.vault.Encrypt(m.Password)
	if err != nil {
		return 0, fmt.Errorf("add mailbox: %w", err)
	}
	clientID, err := s.vault.Encrypt(m.ClientID)
	if err != nil {
		return 0, fmt.Errorf("add mailbox: %w", err)
	}
	refreshToken, err := s.vault.Encrypt(m.RefreshToken)
	if err != nil {
		return 0, fmt.Errorf("add mailbox: %w", err)
	}

	now := time.Now().UTC()
	id, err := s.insertID(ctx,
		`INSERT INTO mailboxes (user_id, email, password, client_id, refresh_token, mail_type,
			server, port, use_ssl, realtime_enabled, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.UserID, m.Email, password, clientID, refreshToken, m.MailType,
		m.Server, m.Port, m.UseSSL, m.RealtimeEnabled, now)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrDuplicate
		}
		return 0, fmt.Errorf("add mailbox: %w", err)
	}
	m.ID = id
	m.CreatedAt = now
	return id, nil
}

// GetMailbox fetches a mailbox by id. ownerID 0 skips the ownership check
// (admin access); otherwise a mailbox owned by someone else reads as
// ErrNotFound.
func (s *Store) GetMailbox(ctx context.Context, id, ownerID int64) (*Mailbox, error) {
	query := `SELECT ` + mailboxCols + ` FROM mailboxes WHERE id = ?`
	args := []any{id}
	if ownerID != 0 {
		query += ` AND user_id = ?`
		args = append(args, ownerID)
	}
	m, err := s.scanMailbox(s.db.QueryRowContext(ctx, s.rebind(query), args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get mailbox: %w", err)
	}
	return m, nil
}

// GetMailboxByEmail resolves a mailbox by address within the owner's scope.
func (s *Store) GetMailboxByEmail(ctx context.Context, email string, ownerID int64) (*Mailbox, error) {
	query := `SELECT ` + mailboxCols + ` FROM mailboxes WHERE LOWER(email) = LOWER(?)`
	args := []any{email}
	if ownerID != 0 {
		query += ` AND user_id = ?`
		args = append(args, ownerID)
	}
	m, err := s.scanMailbox(s.db.QueryRowContext(ctx, s.rebind(query), args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get mailbox by email: %w", err)
	}
	return m, nil
}

// ListMailboxes returns mailboxes newest-last. ownerID 0 lists everything.
func (s *Store) ListMailboxes(ctx context.Context, ownerID int64) ([]*Mailbox, error) {
	query := `SELECT ` + mailboxCols + ` FROM mailboxes`
	var args []any
	if ownerID != 0 {
		query += ` WHERE user_id = ?`
		args = append(args, ownerID)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list mailboxes: %w", err)
	}
	defer rows.Close()

	var list []*Mailbox
	for rows.Next() {
		m, err := s.scanMailbox(rows)
		if err != nil {
			return nil, fmt.Errorf("list mailboxes: %w", err)
		}
		list = append(list, m)
	}
	return list, rows.Err()
}

// ListOutlookMailboxes returns every Graph-capable mailbox.
func (s *Store) ListOutlookMailboxes(ctx context.Context) ([]*Mailbox, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT `+mailboxCols+` FROM mailboxes WHERE mail_type = ? ORDER BY id`), TypeOutlook)
	if err != nil {
		return nil, fmt.Errorf("list outlook mailboxes: %w", err)
	}
	defer rows.Close()

	var list []*Mailbox
	for rows.Next() {
		m, err := s.scanMailbox(rows)
		if err != nil {
			return nil, fmt.Errorf("list outlook mailboxes: %w", err)
		}
		list = append(list, m)
	}
	return list, rows.Err()
}

// MailboxUpdate carries the optional fields of a partial mailbox update.
// The mail type is immutable.
type MailboxUpdate struct {
	Email        *string
	Password     *string
	ClientID     *string
	RefreshToken *string
	Server       *string
	Port         *int
	UseSSL       *bool
}

// UpdateMailbox applies a partial update within the owner's scope.
func (s *Store) UpdateMailbox(ctx context.Context, id, ownerID int64, upd MailboxUpdate) error {
	var (
		sets []string
		args []any
	)
	add := func(col string, val any) {
		sets = append(sets, col+" = ?")
		args = append(args, val)
	}

	if upd.Email != nil {
		add("email", *upd.Email)
	}
	if upd.Password != nil {
		enc, err := s.vault.Encrypt(*upd.Password)
		if err != nil {
			return fmt.Errorf("update mailbox: %w", err)
		}
		add("password", enc)
	}
	if upd.ClientID != nil {
		enc, err := s.vault.Encrypt(*upd.ClientID)
		if err != nil {
			return fmt.Errorf("update mailbox: %w", err)
		}
		add("client_id", enc)
	}
	if upd.RefreshToken != nil {
		enc, err := s.vault.Encrypt(*upd.RefreshToken)
		if err != nil {
			return fmt.Errorf("update mailbox: %w", err)
		}
		add("refresh_token", enc)
	}
	if upd.Server != nil {
		add("server", *upd.Server)
	}
	if upd.Port != nil {
		add("port", *upd.Port)
	}
	if upd.UseSSL != nil {
		add("use_ssl", *upd.UseSSL)
	}
	if len(sets) == 0 {
		return nil
	}

	query := `UPDATE mailboxes SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`
	args = append(args, id)
	if ownerID != 0 {
		query += ` AND user_id = ?`
		args = append(args, ownerID)
	}

	res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return fmt.Errorf("update mailbox: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteMailbox removes a mailbox and its dependent rows.
func (s *Store) DeleteMailbox(ctx context.Context, id, ownerID int64) error {
	return s.DeleteMailboxes(ctx, []int64{id}, ownerID)
}

// DeleteMailboxes removes mailboxes with their messages, attachments, tags
// and subscription rows in one transaction.
func (s *Store) DeleteMailboxes(ctx context.Context, ids []int64, ownerID int64) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete mailboxes: %w", err)
	}
	defer tx.Rollback()

	deleted := 0
	for _, id := range ids {
		query := `DELETE FROM mailboxes WHERE id = ?`
		args := []any{id}
		if ownerID != 0 {
			query += ` AND user_id = ?`
			args = append(args, ownerID)
		}
		res, err := tx.ExecContext(ctx, s.rebind(query), args...)
		if err != nil {
			return fmt.Errorf("delete mailboxes: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			continue
		}
		deleted++

		for _, stmt := range []string{
			`DELETE FROM attachments WHERE mail_id IN (SELECT id FROM mail_records WHERE mailbox_id = ?)`,
			`DELETE FROM mail_records WHERE mailbox_id = ?`,
			`DELETE FROM mailbox_platforms WHERE mailbox_id = ?`,
			`DELETE FROM graph_subscriptions WHERE mailbox_id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, s.rebind(stmt), id); err != nil {
				return fmt.Errorf("delete mailboxes: %w", err)
			}
		}
	}
	if deleted == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// SetRealtimeEnabled toggles live push delivery for a mailbox.
func (s *Store) SetRealtimeEnabled(ctx context.Context, id, ownerID int64, enabled bool) error {
	query := `UPDATE mailboxes SET realtime_enabled = ? WHERE id = ?`
	args := []any{enabled, id}
	if ownerID != 0 {
		query += ` AND user_id = ?`
		args = append(args, ownerID)
	}
	res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return fmt.Errorf("set realtime enabled: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchMailbox stamps the last successful check time and clears the error.
func (s *Store) TouchMailbox(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE mailboxes SET last_check_time = ?, last_error = '' WHERE id = ?`),
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("touch mailbox: %w", err)
	}
	return nil
}

// SetMailboxError records a failure on the mailbox so the UI can sort
// problem accounts first.
func (s *Store) SetMailboxError(ctx context.Context, id int64, msg string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE mailboxes SET last_error = ? WHERE id = ?`), msg, id)
	if err != nil {
		return fmt.Errorf("set mailbox error: %w", err)
	}
	return nil
}

// UpdateRefreshToken rotates the stored refresh token after Graph returns a
// new one.
func (s *Store) UpdateRefreshToken(ctx context.Context, id int64, refreshToken string) error {
	enc, err := s.vault.Encrypt(refreshToken)
	if err != nil {
		return fmt.Errorf("update refresh token: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(
		`UPDATE mailboxes SET refresh_token = ? WHERE id = ?`), enc, id)
	if err != nil {
		return fmt.Errorf("update refresh token: %w", err)
	}
	return nil
}

// CountMailRecords reports how many messages a mailbox has stored. A zero
// count marks the first sync, which ignores the high-water mark.
func (s *Store) CountMailRecords(ctx context.Context, mailboxID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT COUNT(*) FROM mail_records WHERE mailbox_id = ?`), mailboxID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count mail records: %w", err)
	}
	return n, nil
}
