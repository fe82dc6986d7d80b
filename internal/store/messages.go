package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const mailRecordCols = `id, mailbox_id, subject, sender, received_time, content, folder, has_attachments, created_at`

func scanMailRecord(row interface{ Scan(...any) error }) (*MailRecord, error) {
	var m MailRecord
	err := row.Scan(&m.ID, &m.MailboxID, &m.Subject, &m.Sender, &m.ReceivedTime,
		&m.Content, &m.Folder, &m.HasAttachments, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// AddMailRecord persists a fetched message. The unique key on
// (mailbox_id, subject, sender, received_time) makes redelivery a no-op;
// saved reports whether this call actually inserted a row.
func (s *Store) AddMailRecord(ctx context.Context, m *MailRecord) (saved bool, id int64, err error) {
	id, err = s.insertID(ctx,
		`INSERT INTO mail_records (mailbox_id, subject, sender, received_time, content,
			folder, has_attachments, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.MailboxID, m.Subject, m.Sender, m.ReceivedTime, m.Content,
		m.Folder, m.HasAttachments, time.Now().UTC())
	if err != nil {
		if isUniqueViolation(err) {
			existing, gerr := s.findMailRecord(ctx, m)
			if gerr != nil {
				return false, 0, fmt.Errorf("add mail record: %w", gerr)
			}
			return false, existing, nil
		}
		return false, 0, fmt.Errorf("add mail record: %w", err)
	}
	m.ID = id
	return true, id, nil
}

func (s *Store) findMailRecord(ctx context.Context, m *MailRecord) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id FROM mail_records
		 WHERE mailbox_id = ? AND subject = ? AND sender = ? AND received_time = ?`),
		m.MailboxID, m.Subject, m.Sender, m.ReceivedTime).Scan(&id)
	return id, err
}

// GetMailRecord fetches one message, enforcing owner scope through the join.
func (s *Store) GetMailRecord(ctx context.Context, id, ownerID int64) (*MailRecord, error) {
	query := `SELECT m.id, m.mailbox_id, m.subject, m.sender, m.received_time, m.content, m.folder, m.has_attachments, m.created_at
		FROM mail_records m JOIN mailboxes b ON b.id = m.mailbox_id
		WHERE m.id = ?`
	args := []any{id}
	if ownerID != 0 {
		query += ` AND b.user_id = ?`
		args = append(args, ownerID)
	}
	m, err := scanMailRecord(s.db.QueryRowContext(ctx, s.rebind(query), args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get mail record: %w", err)
	}
	return m, nil
}

// ListMailRecords returns a mailbox's messages, newest first.
func (s *Store) ListMailRecords(ctx context.Context, mailboxID, ownerID int64, limit, offset int) ([]*MailRecord, error) {
	if _, err := s.GetMailbox(ctx, mailboxID, ownerID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT `+mailRecordCols+` FROM mail_records
		 WHERE mailbox_id = ?
		 ORDER BY received_time DESC LIMIT ? OFFSET ?`),
		mailboxID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list mail records: %w", err)
	}
	defer rows.Close()

	var list []*MailRecord
	for rows.Next() {
		m, err := scanMailRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("list mail records: %w", err)
		}
		list = append(list, m)
	}
	return list, rows.Err()
}

// LatestMailRecords powers the cross-mailbox live view. Everything received
// in the last ten minutes wins; when that window is empty the newest twenty
// messages come back instead, each annotated with its recipient address.
func (s *Store) LatestMailRecords(ctx context.Context, ownerID int64) ([]*MailRecord, error) {
	base := `SELECT m.id, m.mailbox_id, m.subject, m.sender, m.received_time, m.content, m.folder, m.has_attachments, m.created_at, b.email
		FROM mail_records m JOIN mailboxes b ON b.id = m.mailbox_id`
	scope := ``
	var scopeArgs []any
	if ownerID != 0 {
		scope = ` AND b.user_id = ?`
		scopeArgs = append(scopeArgs, ownerID)
	}

	cutoff := time.Now().UTC().Add(-10 * time.Minute)
	query := base + ` WHERE m.received_time >= ?` + scope + ` ORDER BY m.received_time DESC`
	list, err := s.queryRecipientRecords(ctx, query, append([]any{cutoff}, scopeArgs...)...)
	if err != nil {
		return nil, fmt.Errorf("latest mail records: %w", err)
	}
	if len(list) > 0 {
		return list, nil
	}

	query = base + ` WHERE 1=1` + scope + ` ORDER BY m.received_time DESC LIMIT 20`
	list, err = s.queryRecipientRecords(ctx, query, scopeArgs...)
	if err != nil {
		return nil, fmt.Errorf("latest mail records: %w", err)
	}
	return list, nil
}

// SearchFields selects which columns a search matches against. The zero
// value means all of them.
type SearchFields struct {
	Subject   bool
	Sender    bool
	Recipient bool
	Content   bool
}

func (f SearchFields) none() bool {
	return !f.Subject && !f.Sender && !f.Recipient && !f.Content
}

// SearchMailRecords matches the selected fields against a case-insensitive
// substring, optionally narrowed to one mailbox. Recipient means the owning
// mailbox address.
func (s *Store) SearchMailRecords(ctx context.Context, ownerID int64, q string, fields SearchFields, mailboxID int64, limit int) ([]*MailRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	if fields.none() {
		fields = SearchFields{Subject: true, Sender: true, Recipient: true, Content: true}
	}
	pattern := "%" + strings.ToLower(q) + "%"

	var conds []string
	var args []any
	match := func(col string) {
		conds = append(conds, "LOWER("+col+") LIKE ?")
		args = append(args, pattern)
	}
	if fields.Subject {
		match("m.subject")
	}
	if fields.Sender {
		match("m.sender")
	}
	if fields.Recipient {
		match("b.email")
	}
	if fields.Content {
		match("m.content")
	}

	query := `SELECT m.id, m.mailbox_id, m.subject, m.sender, m.received_time, m.content, m.folder, m.has_attachments, m.created_at, b.email
		FROM mail_records m JOIN mailboxes b ON b.id = m.mailbox_id
		WHERE (` + strings.Join(conds, " OR ") + `)`
	if mailboxID != 0 {
		query += ` AND m.mailbox_id = ?`
		args = append(args, mailboxID)
	}
	if ownerID != 0 {
		query += ` AND b.user_id = ?`
		args = append(args, ownerID)
	}
	query += ` ORDER BY m.received_time DESC LIMIT ?`
	args = append(args, limit)

	list, err := s.queryRecipientRecords(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search mail records: %w", err)
	}
	return list, nil
}

// RecentMailRecords returns messages received since the cutoff for one
// mailbox, newest first. Used by the verification code scan.
func (s *Store) RecentMailRecords(ctx context.Context, mailboxID int64, since time.Time) ([]*MailRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT `+mailRecordCols+` FROM mail_records
		 WHERE mailbox_id = ? AND received_time >= ?
		 ORDER BY received_time DESC`),
		mailboxID, since)
	if err != nil {
		return nil, fmt.Errorf("recent mail records: %w", err)
	}
	defer rows.Close()

	var list []*MailRecord
	for rows.Next() {
		m, err := scanMailRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("recent mail records: %w", err)
		}
		list = append(list, m)
	}
	return list, rows.Err()
}

// ClearMailRecords drops all messages and attachments for a mailbox.
func (s *Store) ClearMailRecords(ctx context.Context, mailboxID, ownerID int64) error {
	if _, err := s.GetMailbox(ctx, mailboxID, ownerID); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("clear mail records: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.rebind(
		`DELETE FROM attachments WHERE mail_id IN (SELECT id FROM mail_records WHERE mailbox_id = ?)`),
		mailboxID); err != nil {
		return fmt.Errorf("clear mail records: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.rebind(
		`DELETE FROM mail_records WHERE mailbox_id = ?`), mailboxID); err != nil {
		return fmt.Errorf("clear mail records: %w", err)
	}
	return tx.Commit()
}

func (s *Store) queryRecipientRecords(ctx context.Context, query string, args ...any) ([]*MailRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []*MailRecord
	for rows.Next() {
		var m MailRecord
		err := rows.Scan(&m.ID, &m.MailboxID, &m.Subject, &m.Sender, &m.ReceivedTime,
			&m.Content, &m.Folder, &m.HasAttachments, &m.CreatedAt, &m.RecipientEmail)
		if err != nil {
			return nil, err
		}
		list = append(list, &m)
	}
	return list, rows.Err()
}
