package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const (
	keyRegistrationEnabled = "registration_enabled"
	keyGraphAPIEnabled     = "graph_api_enabled"
)

func (s *Store) getConfigValue(ctx context.Context, key, def string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT value FROM system_config WHERE key = ?`), key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return def, nil
	}
	if err != nil {
		return "", fmt.Errorf("get config %s: %w", key, err)
	}
	return value, nil
}

func (s *Store) setConfigValue(ctx context.Context, key, value string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE system_config SET value = ? WHERE key = ?`), value, key)
	if err != nil {
		return fmt.Errorf("set config %s: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO system_config (key, value) VALUES (?, ?)`), key, value); err != nil {
		return fmt.Errorf("set config %s: %w", key, err)
	}
	return nil
}

// RegistrationEnabled reports whether new account signup is open. Defaults
// to open until an admin turns it off.
func (s *Store) RegistrationEnabled(ctx context.Context) (bool, error) {
	v, err := s.getConfigValue(ctx, keyRegistrationEnabled, "true")
	return v == "true", err
}

// SetRegistrationEnabled toggles new account signup.
func (s *Store) SetRegistrationEnabled(ctx context.Context, enabled bool) error {
	return s.setConfigValue(ctx, keyRegistrationEnabled, fmt.Sprintf("%t", enabled))
}

// GraphAPIEnabled reports whether Outlook mailboxes use the Graph API path.
func (s *Store) GraphAPIEnabled(ctx context.Context) (bool, error) {
	v, err := s.getConfigValue(ctx, keyGraphAPIEnabled, "true")
	return v == "true", err
}

// SetGraphAPIEnabled toggles the Graph API path for Outlook mailboxes.
func (s *Store) SetGraphAPIEnabled(ctx context.Context, enabled bool) error {
	return s.setConfigValue(ctx, keyGraphAPIEnabled, fmt.Sprintf("%t", enabled))
}
