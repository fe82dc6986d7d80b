package store

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

func hashPassword(password, salt string) string {
	sum := sha256.Sum256([]byte(salt + ":" + password))
	return hex.EncodeToString(sum[:])
}

func newSalt() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// CreateUser registers a user. The first user in the database is made the
// administrator. Returns the created user; ErrDuplicate when the username
// is taken.
func (s *Store) CreateUser(ctx context.Context, username, password string, admin bool) (*User, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
		return nil, fmt.Errorf("count users: %w", err)
	}
	if count == 0 {
		admin = true
	}

	salt, err := newSalt()
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	now := time.Now().UTC()

	id, err := s.insertID(ctx,
		`INSERT INTO users (username, password_hash, salt, is_admin, created_at) VALUES (?, ?, ?, ?, ?)`,
		username, hashPassword(password, salt), salt, admin, now)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	return &User{ID: id, Username: username, IsAdmin: admin, CreatedAt: now}, nil
}

// Authenticate verifies a username/password pair. ErrNotFound covers both
// an unknown user and a wrong password.
func (s *Store) Authenticate(ctx context.Context, username, password string) (*User, error) {
	var (
		u    User
		hash string
		salt string
	)
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, username, password_hash, salt, is_admin, created_at FROM users WHERE username = ?`),
		username).Scan(&u.ID, &u.Username, &hash, &salt, &u.IsAdmin, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("authenticate: %w", err)
	}
	if subtle.ConstantTimeCompare([]byte(hash), []byte(hashPassword(password, salt))) != 1 {
		return nil, ErrNotFound
	}
	return &u, nil
}

// GetUser fetches a user by id.
func (s *Store) GetUser(ctx context.Context, id int64) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, username, is_admin, created_at FROM users WHERE id = ?`),
		id).Scan(&u.ID, &u.Username, &u.IsAdmin, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// ListUsers returns all users, oldest first.
func (s *Store) ListUsers(ctx context.Context) ([]*User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, username, is_admin, created_at FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Username, &u.IsAdmin, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("list users: %w", err)
		}
		users = append(users, &u)
	}
	return users, rows.Err()
}

// DeleteUser removes a user. The caller is responsible for refusing
// self-deletion.
func (s *Store) DeleteUser(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM users WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateUserPassword replaces a user's password with a fresh salt.
func (s *Store) UpdateUserPassword(ctx context.Context, id int64, password string) error {
	salt, err := newSalt()
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE users SET password_hash = ?, salt = ? WHERE id = ?`),
		hashPassword(password, salt), salt, id)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// insertID runs an INSERT and returns the new row id. lib/pq does not
// support LastInsertId, so postgres goes through RETURNING.
func (s *Store) insertID(ctx context.Context, query string, args ...any) (int64, error) {
	query = s.rebind(query)
	if s.driver == "postgres" {
		var id int64
		if err := s.db.QueryRowContext(ctx, query+" RETURNING id", args...).Scan(&id); err != nil {
			return 0, err
		}
		return id, nil
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}
