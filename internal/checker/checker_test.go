package checker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/mailhub/internal/graph"
	"github.com/ignite/mailhub/internal/imapfetch"
	"github.com/ignite/mailhub/internal/pkg/distlock"
	"github.com/ignite/mailhub/internal/platform"
	"github.com/ignite/mailhub/internal/store"
	"github.com/ignite/mailhub/internal/vault"
)

type fakePublisher struct {
	mu     sync.Mutex
	events map[int64]int
}

func (p *fakePublisher) Publish(userID int64, records []*store.MailRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.events == nil {
		p.events = make(map[int64]int)
	}
	p.events[userID] += len(records)
}

func newTestChecker(t *testing.T, graphURL string) (*Checker, sqlmock.Sqlmock, *fakePublisher) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	mock.MatchExpectationsInOrder(false)

	v, err := vault.New(make([]byte, 32))
	require.NoError(t, err)
	st := store.NewWithDB(db, v, "sqlite3")

	gc := graph.NewTestClient(graphURL)
	pub := &fakePublisher{}
	c := New(st, gc, imapfetch.New(time.Second), platform.New(st), pub,
		distlock.NewMemoryLocker(), 2, time.Minute)
	return c, mock, pub
}

func TestCheckOne_AlreadyProcessing(t *testing.T) {
	c, _, _ := newTestChecker(t, "http://127.0.0.1:0")

	ok, err := c.locker.TryAcquire(context.Background(), lockKey(9))
	require.NoError(t, err)
	require.True(t, ok)

	_, err = c.CheckOne(context.Background(), 9, 0, nil)
	assert.ErrorIs(t, err, ErrAlreadyProcessing)
	assert.True(t, c.IsProcessing(context.Background(), 9))
}

func TestCheckMany_FiltersInFlight(t *testing.T) {
	c, mock, _ := newTestChecker(t, "http://127.0.0.1:0")

	// The dispatched goroutines will hit the store; let every query fail
	// fast so they finish without doing work.
	mock.ExpectQuery(".*").WillReturnError(assert.AnError)
	mock.ExpectQuery(".*").WillReturnError(assert.AnError)

	ok, err := c.locker.TryAcquire(context.Background(), lockKey(2))
	require.NoError(t, err)
	require.True(t, ok)

	submitted, skipped := c.CheckMany(context.Background(), []int64{1, 2, 3}, 0)
	assert.ElementsMatch(t, []int64{1, 3}, submitted)
	assert.Equal(t, []int64{2}, skipped)
}

func TestStopFlag(t *testing.T) {
	c, _, _ := newTestChecker(t, "http://127.0.0.1:0")

	assert.False(t, c.stopped(4))
	c.Stop(4)
	assert.True(t, c.stopped(4))
	c.clearStop(4)
	assert.False(t, c.stopped(4))
}

func TestCheckOne_GraphPath(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/token":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"access_token":"at","refresh_token":"rt","token_type":"Bearer","expires_in":3600}`))
		case strings.Contains(r.URL.Path, "/mailFolders/inbox/"):
			w.Write([]byte(`{"value":[{
				"id":"m1","subject":"Welcome to Acme",
				"from":{"emailAddress":{"name":"Acme","address":"bot@acme.com"}},
				"receivedDateTime":"2025-06-01T12:00:00Z",
				"body":{"contentType":"html","content":"hello"},
				"hasAttachments":false,"bodyPreview":"hello"}]}`))
		case strings.Contains(r.URL.Path, "/mailFolders/junkemail/"):
			w.Write([]byte(`{"value":[]}`))
		default:
			t.Errorf("unexpected request %s", r.URL.Path)
		}
	}))
	defer ts.Close()

	c, mock, pub := newTestChecker(t, ts.URL)

	mailboxRows := sqlmock.NewRows([]string{
		"id", "user_id", "email", "password", "client_id", "refresh_token", "mail_type",
		"server", "port", "use_ssl", "realtime_enabled", "last_check_time", "last_error", "created_at",
	}).AddRow(5, 1, "a@outlook.com", "pw", "cid", "rt", store.TypeOutlook,
		"", 993, true, true, nil, "", time.Now())

	mock.ExpectQuery("SELECT (.+) FROM mailboxes WHERE id = \\?").WillReturnRows(mailboxRows)
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM mail_records").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery("SELECT value FROM system_config").
		WillReturnRows(sqlmock.NewRows(nil))
	mock.ExpectExec("INSERT INTO mail_records").
		WillReturnResult(sqlmock.NewResult(11, 1))
	mock.ExpectExec("UPDATE mailboxes SET last_check_time").
		WillReturnResult(sqlmock.NewResult(0, 1))

	// Classification for the one new message.
	mock.ExpectQuery("SELECT platform_name FROM platform_corrections").
		WillReturnRows(sqlmock.NewRows([]string{"platform_name"}).AddRow("Acme"))
	mock.ExpectQuery("SELECT id FROM mailbox_platforms").
		WillReturnRows(sqlmock.NewRows(nil))
	mock.ExpectExec("INSERT INTO mailbox_platforms").
		WillReturnResult(sqlmock.NewResult(1, 1))

	var milestones []int
	res, err := c.CheckOne(context.Background(), 5, 0, func(percent int, status string) {
		milestones = append(milestones, percent)
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.NewMessages)
	assert.Equal(t, "a@outlook.com", res.Email)

	assert.Contains(t, milestones, 0)
	assert.Contains(t, milestones, 10)
	assert.Contains(t, milestones, 100)

	assert.Equal(t, 1, pub.events[1])
	assert.False(t, c.IsProcessing(context.Background(), 5))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckOne_PartialFailureStillPublishes(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/token":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"access_token":"at","refresh_token":"rt","token_type":"Bearer","expires_in":3600}`))
		case strings.Contains(r.URL.Path, "/mailFolders/inbox/"):
			w.Write([]byte(`{"value":[{
				"id":"m1","subject":"Welcome to Acme",
				"from":{"emailAddress":{"name":"Acme","address":"bot@acme.com"}},
				"receivedDateTime":"2025-06-01T12:00:00Z",
				"body":{"contentType":"html","content":"hello"},
				"hasAttachments":false,"bodyPreview":"hello"}]}`))
		case strings.Contains(r.URL.Path, "/mailFolders/junkemail/"):
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			t.Errorf("unexpected request %s", r.URL.Path)
		}
	}))
	defer ts.Close()

	c, mock, pub := newTestChecker(t, ts.URL)

	mailboxRows := sqlmock.NewRows([]string{
		"id", "user_id", "email", "password", "client_id", "refresh_token", "mail_type",
		"server", "port", "use_ssl", "realtime_enabled", "last_check_time", "last_error", "created_at",
	}).AddRow(5, 1, "a@outlook.com", "pw", "cid", "rt", store.TypeOutlook,
		"", 993, true, true, nil, "", time.Now())

	mock.ExpectQuery("SELECT (.+) FROM mailboxes WHERE id = \\?").WillReturnRows(mailboxRows)
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM mail_records").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery("SELECT value FROM system_config").
		WillReturnRows(sqlmock.NewRows(nil))
	mock.ExpectExec("INSERT INTO mail_records").
		WillReturnResult(sqlmock.NewResult(11, 1))
	mock.ExpectExec("UPDATE mailboxes SET last_error").
		WillReturnResult(sqlmock.NewResult(0, 1))

	// The inbox message saved before the junk folder failed still gets
	// classified and pushed out.
	mock.ExpectQuery("SELECT platform_name FROM platform_corrections").
		WillReturnRows(sqlmock.NewRows([]string{"platform_name"}).AddRow("Acme"))
	mock.ExpectQuery("SELECT id FROM mailbox_platforms").
		WillReturnRows(sqlmock.NewRows(nil))
	mock.ExpectExec("INSERT INTO mailbox_platforms").
		WillReturnResult(sqlmock.NewResult(1, 1))

	res, err := c.CheckOne(context.Background(), 5, 0, nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "JUNK")
	assert.Equal(t, 1, res.NewMessages)
	assert.Equal(t, 1, pub.events[1])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckOne_AuthFailureRecordsError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer ts.Close()

	c, mock, _ := newTestChecker(t, ts.URL)
	mailboxRows := sqlmock.NewRows([]string{
		"id", "user_id", "email", "password", "client_id", "refresh_token", "mail_type",
		"server", "port", "use_ssl", "realtime_enabled", "last_check_time", "last_error", "created_at",
	}).AddRow(5, 1, "a@outlook.com", "pw", "cid", "rt", store.TypeOutlook,
		"", 993, true, true, nil, "", time.Now())

	mock.ExpectQuery("SELECT (.+) FROM mailboxes WHERE id = \\?").WillReturnRows(mailboxRows)
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM mail_records").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectQuery("SELECT value FROM system_config").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow("true"))
	mock.ExpectExec("UPDATE mailboxes SET last_error").
		WillReturnResult(sqlmock.NewResult(0, 1))

	res, err := c.CheckOne(context.Background(), 5, 0, nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "refreshing token")
}
