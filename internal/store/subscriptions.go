package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SaveSubscription records a Graph subscription for renewal tracking,
// replacing any previous row for the same resource on that mailbox.
func (s *Store) SaveSubscription(ctx context.Context, sub *Subscription) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save subscription: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.rebind(
		`DELETE FROM graph_subscriptions WHERE mailbox_id = ? AND resource = ?`),
		sub.MailboxID, sub.Resource); err != nil {
		return fmt.Errorf("save subscription: %w", err)
	}
	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, s.rebind(
		`INSERT INTO graph_subscriptions (mailbox_id, subscription_id, resource, expiration_time, created_at)
		 VALUES (?, ?, ?, ?, ?)`),
		sub.MailboxID, sub.SubscriptionID, sub.Resource, sub.ExpirationTime.UTC(), now); err != nil {
		return fmt.Errorf("save subscription: %w", err)
	}
	sub.CreatedAt = now
	return tx.Commit()
}

// GetSubscriptionByID resolves a subscription by its Graph identifier.
func (s *Store) GetSubscriptionByID(ctx context.Context, subscriptionID string) (*Subscription, error) {
	var sub Subscription
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, mailbox_id, subscription_id, resource, expiration_time, created_at FROM graph_subscriptions
		 WHERE subscription_id = ?`), subscriptionID).
		Scan(&sub.ID, &sub.MailboxID, &sub.SubscriptionID, &sub.Resource,
			&sub.ExpirationTime, &sub.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return &sub, nil
}

// ListSubscriptions returns all tracked subscriptions, optionally narrowed
// to one mailbox (mailboxID 0 means all).
func (s *Store) ListSubscriptions(ctx context.Context, mailboxID int64) ([]*Subscription, error) {
	query := `SELECT id, mailbox_id, subscription_id, resource, expiration_time, created_at FROM graph_subscriptions`
	var args []any
	if mailboxID != 0 {
		query += ` WHERE mailbox_id = ?`
		args = append(args, mailboxID)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var list []*Subscription
	for rows.Next() {
		var sub Subscription
		err := rows.Scan(&sub.ID, &sub.MailboxID, &sub.SubscriptionID, &sub.Resource,
			&sub.ExpirationTime, &sub.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("list subscriptions: %w", err)
		}
		list = append(list, &sub)
	}
	return list, rows.Err()
}

// ExpiringSubscriptions returns subscriptions whose expiration falls before
// the deadline, oldest expiration first.
func (s *Store) ExpiringSubscriptions(ctx context.Context, deadline time.Time) ([]*Subscription, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, mailbox_id, subscription_id, resource, expiration_time, created_at FROM graph_subscriptions
		 WHERE expiration_time <= ? ORDER BY expiration_time`), deadline.UTC())
	if err != nil {
		return nil, fmt.Errorf("expiring subscriptions: %w", err)
	}
	defer rows.Close()

	var list []*Subscription
	for rows.Next() {
		var sub Subscription
		err := rows.Scan(&sub.ID, &sub.MailboxID, &sub.SubscriptionID, &sub.Resource,
			&sub.ExpirationTime, &sub.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("expiring subscriptions: %w", err)
		}
		list = append(list, &sub)
	}
	return list, rows.Err()
}

// UpdateSubscriptionExpiration advances the tracked expiration after a
// successful renewal.
func (s *Store) UpdateSubscriptionExpiration(ctx context.Context, subscriptionID string, expiration time.Time) error {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE graph_subscriptions SET expiration_time = ? WHERE subscription_id = ?`),
		expiration.UTC(), subscriptionID)
	if err != nil {
		return fmt.Errorf("update subscription expiration: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSubscription drops one tracked subscription row.
func (s *Store) DeleteSubscription(ctx context.Context, subscriptionID string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`DELETE FROM graph_subscriptions WHERE subscription_id = ?`), subscriptionID)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	return nil
}

// DeleteMailboxSubscriptions drops every subscription row for a mailbox.
func (s *Store) DeleteMailboxSubscriptions(ctx context.Context, mailboxID int64) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`DELETE FROM graph_subscriptions WHERE mailbox_id = ?`), mailboxID)
	if err != nil {
		return fmt.Errorf("delete mailbox subscriptions: %w", err)
	}
	return nil
}

// CountSubscriptions reports how many subscriptions are tracked.
func (s *Store) CountSubscriptions(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM graph_subscriptions`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count subscriptions: %w", err)
	}
	return n, nil
}

// SubscriptionCounts returns how many subscriptions each mailbox has.
func (s *Store) SubscriptionCounts(ctx context.Context) (map[int64]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT mailbox_id, COUNT(*) FROM graph_subscriptions GROUP BY mailbox_id`)
	if err != nil {
		return nil, fmt.Errorf("subscription counts: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]int)
	for rows.Next() {
		var id int64
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("subscription counts: %w", err)
		}
		out[id] = n
	}
	return out, rows.Err()
}
