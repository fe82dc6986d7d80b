package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// TagMailboxPlatform records that a mailbox has received mail from a
// platform. Re-tagging is a no-op; names that differ only in case count as
// the same tag, and the first spelling stored wins.
func (s *Store) TagMailboxPlatform(ctx context.Context, mailboxID int64, platform string) error {
	var existing int64
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id FROM mailbox_platforms WHERE mailbox_id = ? AND LOWER(platform_name) = LOWER(?)`),
		mailboxID, platform).Scan(&existing)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("tag mailbox platform: %w", err)
	}

	_, err = s.insertID(ctx,
		`INSERT INTO mailbox_platforms (mailbox_id, platform_name, created_at) VALUES (?, ?, ?)`,
		mailboxID, platform, time.Now().UTC())
	if err != nil && !isUniqueViolation(err) {
		return fmt.Errorf("tag mailbox platform: %w", err)
	}
	return nil
}

// MailboxPlatforms returns the platform names tagged on a mailbox.
func (s *Store) MailboxPlatforms(ctx context.Context, mailboxID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT platform_name FROM mailbox_platforms WHERE mailbox_id = ? ORDER BY platform_name`),
		mailboxID)
	if err != nil {
		return nil, fmt.Errorf("mailbox platforms: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("mailbox platforms: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// AllMailboxPlatforms returns the tag sets for every mailbox in one query,
// keyed by mailbox id.
func (s *Store) AllMailboxPlatforms(ctx context.Context, ownerID int64) (map[int64][]string, error) {
	query := `SELECT p.mailbox_id, p.platform_name
		FROM mailbox_platforms p JOIN mailboxes b ON b.id = p.mailbox_id`
	var args []any
	if ownerID != 0 {
		query += ` WHERE b.user_id = ?`
		args = append(args, ownerID)
	}
	query += ` ORDER BY p.platform_name`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("all mailbox platforms: %w", err)
	}
	defer rows.Close()

	tags := make(map[int64][]string)
	for rows.Next() {
		var (
			id   int64
			name string
		)
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("all mailbox platforms: %w", err)
		}
		tags[id] = append(tags[id], name)
	}
	return tags, rows.Err()
}

// ClearMailboxPlatforms drops all tags so a rescan can rebuild them.
func (s *Store) ClearMailboxPlatforms(ctx context.Context, mailboxID int64) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`DELETE FROM mailbox_platforms WHERE mailbox_id = ?`), mailboxID)
	if err != nil {
		return fmt.Errorf("clear mailbox platforms: %w", err)
	}
	return nil
}

// AddPlatformRule stores a user-defined classification rule.
func (s *Store) AddPlatformRule(ctx context.Context, r *PlatformRule) (int64, error) {
	now := time.Now().UTC()
	id, err := s.insertID(ctx,
		`INSERT INTO platform_rules (user_id, platform_name, sender_pattern, subject_pattern,
			content_pattern, is_enabled, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.UserID, r.PlatformName, r.SenderPattern, r.SubjectPattern,
		r.ContentPattern, r.Enabled, now)
	if err != nil {
		return 0, fmt.Errorf("add platform rule: %w", err)
	}
	r.ID = id
	r.CreatedAt = now
	return id, nil
}

// ListPlatformRules returns a user's rules, oldest first so earlier rules
// win during classification.
func (s *Store) ListPlatformRules(ctx context.Context, userID int64) ([]*PlatformRule, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, user_id, platform_name, sender_pattern, subject_pattern,
			content_pattern, is_enabled, created_at
		 FROM platform_rules WHERE user_id = ? ORDER BY id`), userID)
	if err != nil {
		return nil, fmt.Errorf("list platform rules: %w", err)
	}
	defer rows.Close()

	var list []*PlatformRule
	for rows.Next() {
		var r PlatformRule
		err := rows.Scan(&r.ID, &r.UserID, &r.PlatformName, &r.SenderPattern,
			&r.SubjectPattern, &r.ContentPattern, &r.Enabled, &r.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("list platform rules: %w", err)
		}
		list = append(list, &r)
	}
	return list, rows.Err()
}

// UpdatePlatformRule replaces a rule's patterns and enabled flag.
func (s *Store) UpdatePlatformRule(ctx context.Context, r *PlatformRule) error {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE platform_rules SET platform_name = ?, sender_pattern = ?,
			subject_pattern = ?, content_pattern = ?, is_enabled = ?
		 WHERE id = ? AND user_id = ?`),
		r.PlatformName, r.SenderPattern, r.SubjectPattern, r.ContentPattern,
		r.Enabled, r.ID, r.UserID)
	if err != nil {
		return fmt.Errorf("update platform rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeletePlatformRule removes a rule owned by the user.
func (s *Store) DeletePlatformRule(ctx context.Context, id, userID int64) error {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`DELETE FROM platform_rules WHERE id = ? AND user_id = ?`), id, userID)
	if err != nil {
		return fmt.Errorf("delete platform rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SavePlatformCorrection upserts the confirmed platform for a sender
// domain. A second correction for the same domain replaces the first.
func (s *Store) SavePlatformCorrection(ctx context.Context, c *PlatformCorrection) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE platform_corrections SET platform_name = ?, created_at = ?
		 WHERE user_id = ? AND sender_domain = ?`),
		c.PlatformName, now, c.UserID, c.SenderDomain)
	if err != nil {
		return fmt.Errorf("save platform correction: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	_, err = s.insertID(ctx,
		`INSERT INTO platform_corrections (user_id, sender_domain, platform_name, created_at)
		 VALUES (?, ?, ?, ?)`,
		c.UserID, c.SenderDomain, c.PlatformName, now)
	if err != nil {
		return fmt.Errorf("save platform correction: %w", err)
	}
	return nil
}

// ListPlatformCorrections returns a user's corrections keyed by sender
// domain.
func (s *Store) ListPlatformCorrections(ctx context.Context, userID int64) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT sender_domain, platform_name FROM platform_corrections WHERE user_id = ?`), userID)
	if err != nil {
		return nil, fmt.Errorf("list platform corrections: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var domain, name string
		if err := rows.Scan(&domain, &name); err != nil {
			return nil, fmt.Errorf("list platform corrections: %w", err)
		}
		out[domain] = name
	}
	return out, rows.Err()
}

// GetPlatformCorrection looks up the confirmed platform for one domain.
func (s *Store) GetPlatformCorrection(ctx context.Context, userID int64, domain string) (string, error) {
	var name string
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT platform_name FROM platform_corrections WHERE user_id = ? AND sender_domain = ?`),
		userID, domain).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get platform correction: %w", err)
	}
	return name, nil
}

// UntagMailboxPlatform removes one platform tag from a mailbox.
func (s *Store) UntagMailboxPlatform(ctx context.Context, mailboxID int64, platform string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`DELETE FROM mailbox_platforms WHERE mailbox_id = ? AND platform_name = ?`),
		mailboxID, platform)
	if err != nil {
		return fmt.Errorf("untag mailbox platform: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RenamePlatform renames a platform tag across all of a user's mailboxes.
// Mailboxes already tagged with the new name just lose the old tag.
// Returns the number of rows renamed or dropped.
func (s *Store) RenamePlatform(ctx context.Context, userID int64, from, to string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("rename platform: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.rebind(
		`DELETE FROM mailbox_platforms
		 WHERE platform_name = ?
		   AND mailbox_id IN (SELECT id FROM mailboxes WHERE user_id = ?)
		   AND mailbox_id IN (SELECT mailbox_id FROM mailbox_platforms WHERE platform_name = ?)`),
		from, userID, to)
	if err != nil {
		return 0, fmt.Errorf("rename platform: %w", err)
	}
	dropped, _ := res.RowsAffected()

	res, err = tx.ExecContext(ctx, s.rebind(
		`UPDATE mailbox_platforms SET platform_name = ?
		 WHERE platform_name = ?
		   AND mailbox_id IN (SELECT id FROM mailboxes WHERE user_id = ?)`),
		to, from, userID)
	if err != nil {
		return 0, fmt.Errorf("rename platform: %w", err)
	}
	renamed, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("rename platform: %w", err)
	}
	return int(dropped + renamed), nil
}

// PlatformCorrections returns a user's correction rows, newest first.
func (s *Store) PlatformCorrections(ctx context.Context, userID int64) ([]*PlatformCorrection, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, user_id, sender_domain, platform_name, created_at
		 FROM platform_corrections WHERE user_id = ? ORDER BY id DESC`), userID)
	if err != nil {
		return nil, fmt.Errorf("platform corrections: %w", err)
	}
	defer rows.Close()

	var out []*PlatformCorrection
	for rows.Next() {
		c := &PlatformCorrection{}
		if err := rows.Scan(&c.ID, &c.UserID, &c.SenderDomain, &c.PlatformName, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("platform corrections: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeletePlatformCorrection removes one correction owned by the user.
func (s *Store) DeletePlatformCorrection(ctx context.Context, id, userID int64) error {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`DELETE FROM platform_corrections WHERE id = ? AND user_id = ?`), id, userID)
	if err != nil {
		return fmt.Errorf("delete platform correction: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
