package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// AddAttachment stores an attachment blob under its message.
func (s *Store) AddAttachment(ctx context.Context, a *Attachment) (int64, error) {
	id, err := s.insertID(ctx,
		`INSERT INTO attachments (mail_id, filename, content_type, size, content)
		 VALUES (?, ?, ?, ?, ?)`,
		a.MailID, a.Filename, a.ContentType, a.Size, a.Content)
	if err != nil {
		return 0, fmt.Errorf("add attachment: %w", err)
	}
	a.ID = id
	return id, nil
}

// ListAttachments returns attachment metadata for a message without the
// blobs.
func (s *Store) ListAttachments(ctx context.Context, mailID int64) ([]*Attachment, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, mail_id, filename, content_type, size FROM attachments
		 WHERE mail_id = ? ORDER BY id`), mailID)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	defer rows.Close()

	var list []*Attachment
	for rows.Next() {
		var a Attachment
		if err := rows.Scan(&a.ID, &a.MailID, &a.Filename, &a.ContentType, &a.Size); err != nil {
			return nil, fmt.Errorf("list attachments: %w", err)
		}
		list = append(list, &a)
	}
	return list, rows.Err()
}

// GetAttachment fetches one attachment including its content, enforcing
// owner scope through the message and mailbox joins.
func (s *Store) GetAttachment(ctx context.Context, id, ownerID int64) (*Attachment, error) {
	query := `SELECT a.id, a.mail_id, a.filename, a.content_type, a.size, a.content
		FROM attachments a
		JOIN mail_records m ON m.id = a.mail_id
		JOIN mailboxes b ON b.id = m.mailbox_id
		WHERE a.id = ?`
	args := []any{id}
	if ownerID != 0 {
		query += ` AND b.user_id = ?`
		args = append(args, ownerID)
	}
	var a Attachment
	err := s.db.QueryRowContext(ctx, s.rebind(query), args...).
		Scan(&a.ID, &a.MailID, &a.Filename, &a.ContentType, &a.Size, &a.Content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get attachment: %w", err)
	}
	return &a, nil
}
