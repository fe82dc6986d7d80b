package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/mailhub/internal/vault"
)

func setupTestStore(t *testing.T) (*Store, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	v, err := vault.New(make([]byte, 32))
	require.NoError(t, err)

	s := NewWithDB(db, v, "sqlite3")
	return s, mock, func() { db.Close() }
}

func TestRebind(t *testing.T) {
	s := &Store{driver: "sqlite3"}
	assert.Equal(t, "SELECT ? AND ?", s.rebind("SELECT ? AND ?"))

	s = &Store{driver: "postgres"}
	assert.Equal(t, "SELECT $1 AND $2", s.rebind("SELECT ? AND ?"))
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(errors.New("UNIQUE constraint failed: mailboxes.email")))
	assert.True(t, isUniqueViolation(errors.New(`pq: duplicate key value violates unique constraint "mailboxes_email_key"`)))
	assert.False(t, isUniqueViolation(errors.New("syntax error")))
	assert.False(t, isUniqueViolation(nil))
}

func TestCreateUser_FirstIsAdmin(t *testing.T) {
	s, mock, cleanup := setupTestStore(t)
	defer cleanup()

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM users").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec("INSERT INTO users").
		WithArgs("alice", sqlmock.AnyArg(), sqlmock.AnyArg(), true, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	u, err := s.CreateUser(context.Background(), "alice", "secret1", false)
	require.NoError(t, err)
	assert.True(t, u.IsAdmin)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateUser_Duplicate(t *testing.T) {
	s, mock, cleanup := setupTestStore(t)
	defer cleanup()

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM users").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectExec("INSERT INTO users").
		WillReturnError(errors.New("UNIQUE constraint failed: users.username"))

	_, err := s.CreateUser(context.Background(), "alice", "secret1", false)
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestAddMailbox_EncryptsCredentials(t *testing.T) {
	s, mock, cleanup := setupTestStore(t)
	defer cleanup()

	var gotPassword, gotClientID, gotToken string
	mock.ExpectExec("INSERT INTO mailboxes").
		WithArgs(int64(1), "a@outlook.com", capture(&gotPassword), capture(&gotClientID), capture(&gotToken),
			TypeOutlook, "", 993, true, true, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(7, 1))

	m := &Mailbox{
		UserID:       1,
		Email:        "a@outlook.com",
		Password:     "plainpw",
		ClientID:     "cid",
		RefreshToken: "plaintoken",
		MailType:        TypeOutlook,
		Port:            993,
		UseSSL:          true,
		RealtimeEnabled: true,
	}
	id, err := s.AddMailbox(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)

	// Credentials must never reach the database in the clear.
	assert.NotEqual(t, "plainpw", gotPassword)
	assert.NotEqual(t, "cid", gotClientID)
	assert.NotEqual(t, "plaintoken", gotToken)
	assert.True(t, vault.IsEncrypted(gotPassword))
	assert.True(t, vault.IsEncrypted(gotClientID))
	assert.True(t, vault.IsEncrypted(gotToken))
}

func TestAddMailbox_DuplicateEmail(t *testing.T) {
	s, mock, cleanup := setupTestStore(t)
	defer cleanup()

	mock.ExpectExec("INSERT INTO mailboxes").
		WillReturnError(errors.New("UNIQUE constraint failed: mailboxes.email"))

	_, err := s.AddMailbox(context.Background(), &Mailbox{UserID: 1, Email: "a@b.c"})
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestGetMailbox_ScopedNotFound(t *testing.T) {
	s, mock, cleanup := setupTestStore(t)
	defer cleanup()

	mock.ExpectQuery("SELECT (.+) FROM mailboxes WHERE id = \\? AND user_id = \\?").
		WithArgs(int64(5), int64(2)).
		WillReturnRows(sqlmock.NewRows(nil))

	_, err := s.GetMailbox(context.Background(), 5, 2)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetMailbox_DecryptsCredentials(t *testing.T) {
	s, mock, cleanup := setupTestStore(t)
	defer cleanup()

	encPW, err := s.vault.Encrypt("plainpw")
	require.NoError(t, err)
	encCID, err := s.vault.Encrypt("cid")
	require.NoError(t, err)
	encTok, err := s.vault.Encrypt("plaintoken")
	require.NoError(t, err)

	rows := sqlmock.NewRows([]string{
		"id", "user_id", "email", "password", "client_id", "refresh_token", "mail_type",
		"server", "port", "use_ssl", "realtime_enabled", "last_check_time", "last_error", "created_at",
	}).AddRow(5, 1, "a@outlook.com", encPW, encCID, encTok, TypeOutlook,
		"", 993, true, true, nil, "", time.Now())

	mock.ExpectQuery("SELECT (.+) FROM mailboxes WHERE id = \\?").
		WithArgs(int64(5)).WillReturnRows(rows)

	m, err := s.GetMailbox(context.Background(), 5, 0)
	require.NoError(t, err)
	assert.Equal(t, "plainpw", m.Password)
	assert.Equal(t, "cid", m.ClientID)
	assert.Equal(t, "plaintoken", m.RefreshToken)
	assert.Nil(t, m.LastCheckTime)
}

func TestAddMailRecord_DuplicateIsNoOp(t *testing.T) {
	s, mock, cleanup := setupTestStore(t)
	defer cleanup()

	received := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec("INSERT INTO mail_records").
		WillReturnError(errors.New("UNIQUE constraint failed: mail_records.mailbox_id"))
	mock.ExpectQuery("SELECT id FROM mail_records").
		WithArgs(int64(3), "Hi", "x@y.z", received).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))

	saved, id, err := s.AddMailRecord(context.Background(), &MailRecord{
		MailboxID:    3,
		Subject:      "Hi",
		Sender:       "x@y.z",
		ReceivedTime: received,
	})
	require.NoError(t, err)
	assert.False(t, saved)
	assert.Equal(t, int64(42), id)
}

func TestAddMailRecord_Saves(t *testing.T) {
	s, mock, cleanup := setupTestStore(t)
	defer cleanup()

	mock.ExpectExec("INSERT INTO mail_records").
		WillReturnResult(sqlmock.NewResult(9, 1))

	saved, id, err := s.AddMailRecord(context.Background(), &MailRecord{
		MailboxID:    3,
		Subject:      "Hi",
		Sender:       "x@y.z",
		ReceivedTime: time.Now(),
	})
	require.NoError(t, err)
	assert.True(t, saved)
	assert.Equal(t, int64(9), id)
}

func TestUpdateMailbox_EncryptsClientID(t *testing.T) {
	s, mock, cleanup := setupTestStore(t)
	defer cleanup()

	var gotClientID string
	mock.ExpectExec("UPDATE mailboxes SET client_id").
		WithArgs(capture(&gotClientID), int64(5), int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	cid := "new-client-id"
	err := s.UpdateMailbox(context.Background(), 5, 1, MailboxUpdate{ClientID: &cid})
	require.NoError(t, err)
	assert.NotEqual(t, "new-client-id", gotClientID)
	assert.True(t, vault.IsEncrypted(gotClientID))
}

func TestTagMailboxPlatform_CaseInsensitiveDedup(t *testing.T) {
	s, mock, cleanup := setupTestStore(t)
	defer cleanup()

	mock.ExpectQuery("SELECT id FROM mailbox_platforms").
		WithArgs(int64(3), "Acme").
		WillReturnRows(sqlmock.NewRows(nil))
	mock.ExpectExec("INSERT INTO mailbox_platforms").
		WithArgs(int64(3), "Acme", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, s.TagMailboxPlatform(context.Background(), 3, "Acme"))

	// A differently cased re-tag finds the existing row and inserts nothing.
	mock.ExpectQuery("SELECT id FROM mailbox_platforms").
		WithArgs(int64(3), "acme").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))

	require.NoError(t, s.TagMailboxPlatform(context.Background(), 3, "acme"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateMailbox_NoFields(t *testing.T) {
	s, _, cleanup := setupTestStore(t)
	defer cleanup()

	// Nothing to set means no query at all.
	err := s.UpdateMailbox(context.Background(), 1, 1, MailboxUpdate{})
	assert.NoError(t, err)
}

func TestRegistrationEnabled_Default(t *testing.T) {
	s, mock, cleanup := setupTestStore(t)
	defer cleanup()

	mock.ExpectQuery("SELECT value FROM system_config").
		WithArgs("registration_enabled").
		WillReturnRows(sqlmock.NewRows(nil))

	enabled, err := s.RegistrationEnabled(context.Background())
	require.NoError(t, err)
	assert.True(t, enabled)
}

func TestSaveSubscription_ReplacesPrevious(t *testing.T) {
	s, mock, cleanup := setupTestStore(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM graph_subscriptions").
		WithArgs(int64(4), "me/mailFolders('inbox')/messages").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO graph_subscriptions").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := s.SaveSubscription(context.Background(), &Subscription{
		MailboxID:      4,
		SubscriptionID: "sub-1",
		Resource:       "me/mailFolders('inbox')/messages",
		ExpirationTime: time.Now().Add(70 * time.Hour),
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// capture matches any string argument and stores it for later assertions.
type captureArg struct{ dst *string }

func capture(dst *string) sqlmock.Argument { return captureArg{dst} }

func (c captureArg) Match(v driver.Value) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}
	*c.dst = s
	return true
}
