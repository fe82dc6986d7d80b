package subscription

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/mailhub/internal/graph"
	"github.com/ignite/mailhub/internal/store"
	"github.com/ignite/mailhub/internal/vault"
)

func graphStub(t *testing.T, createdIDs *[]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/token":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"access_token":"at","token_type":"Bearer","expires_in":3600}`))
		case r.URL.Path == "/subscriptions" && r.Method == http.MethodPost:
			var payload map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
			id := "sub-" + payload["resource"]
			if createdIDs != nil {
				*createdIDs = append(*createdIDs, id)
			}
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(map[string]string{
				"id":                 id,
				"resource":           payload["resource"],
				"clientState":        payload["clientState"],
				"expirationDateTime": payload["expirationDateTime"],
			})
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
}

func newTestManager(t *testing.T, graphURL string) (*Manager, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	mock.MatchExpectationsInOrder(false)

	v, err := vault.New(make([]byte, 32))
	require.NoError(t, err)
	st := store.NewWithDB(db, v, "sqlite3")

	m := New(st, graph.NewTestClient(graphURL), "https://hub.example.com/api/webhook", 12*time.Hour, time.Hour)
	m.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return m, mock
}

func outlookMailbox(id int64) *store.Mailbox {
	return &store.Mailbox{
		ID:           id,
		UserID:       1,
		Email:        "a@outlook.com",
		ClientID:     "cid",
		RefreshToken: "rt",
		MailType:     store.TypeOutlook,
	}
}

func TestEnsureMailbox_CreatesBothFolders(t *testing.T) {
	var created []string
	ts := graphStub(t, &created)
	defer ts.Close()

	m, mock := newTestManager(t, ts.URL)

	var pauses []time.Duration
	m.sleep = func(ctx context.Context, d time.Duration) error {
		pauses = append(pauses, d)
		return nil
	}

	mock.ExpectQuery("SELECT (.+) FROM graph_subscriptions").
		WillReturnRows(sqlmock.NewRows(nil))
	for i := 0; i < 2; i++ {
		mock.ExpectBegin()
		mock.ExpectExec("DELETE FROM graph_subscriptions").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("INSERT INTO graph_subscriptions").
			WillReturnResult(sqlmock.NewResult(int64(i+1), 1))
		mock.ExpectCommit()
	}

	n, err := m.EnsureMailbox(context.Background(), outlookMailbox(7))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{
		"sub-me/mailFolders('inbox')/messages",
		"sub-me/mailFolders('junkemail')/messages",
	}, created)

	// The second folder create waits out the creation pause.
	assert.Equal(t, []time.Duration{createPause}, pauses)
}

func TestEnsureMailbox_SkipsActive(t *testing.T) {
	ts := graphStub(t, nil)
	defer ts.Close()

	m, mock := newTestManager(t, ts.URL)

	rows := sqlmock.NewRows([]string{
		"id", "mailbox_id", "subscription_id", "resource", "expiration_time", "created_at",
	}).
		AddRow(1, 7, "s1", graph.FolderResource(graph.FolderInbox), time.Now().Add(48*time.Hour), time.Now()).
		AddRow(2, 7, "s2", graph.FolderResource(graph.FolderJunk), time.Now().Add(48*time.Hour), time.Now())
	mock.ExpectQuery("SELECT (.+) FROM graph_subscriptions").WillReturnRows(rows)

	n, err := m.EnsureMailbox(context.Background(), outlookMailbox(7))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestEnsureMailbox_DisabledWithoutWebhook(t *testing.T) {
	m, _ := newTestManager(t, "http://127.0.0.1:0")
	m.webhookURL = ""

	_, err := m.EnsureMailbox(context.Background(), outlookMailbox(7))
	require.Error(t, err)
	assert.False(t, m.Enabled())
}

func TestEnsureAll_Pacing(t *testing.T) {
	ts := graphStub(t, nil)
	defer ts.Close()

	m, mock := newTestManager(t, ts.URL)

	var pauses []time.Duration
	m.sleep = func(ctx context.Context, d time.Duration) error {
		pauses = append(pauses, d)
		return nil
	}

	mailboxRows := sqlmock.NewRows([]string{
		"id", "user_id", "email", "password", "client_id", "refresh_token", "mail_type",
		"server", "port", "use_ssl", "realtime_enabled", "last_check_time", "last_error", "created_at",
	}).
		AddRow(1, 1, "a@outlook.com", "", "cid", "rt", store.TypeOutlook, "", 993, true, true, nil, "", time.Now()).
		AddRow(2, 1, "b@outlook.com", "", "cid", "rt", store.TypeOutlook, "", 993, true, true, nil, "", time.Now())
	mock.ExpectQuery("SELECT (.+) FROM mailboxes WHERE mail_type").WillReturnRows(mailboxRows)

	// Two mailboxes, two folders each.
	for i := 0; i < 2; i++ {
		mock.ExpectQuery("SELECT (.+) FROM graph_subscriptions").
			WillReturnRows(sqlmock.NewRows(nil))
		for j := 0; j < 2; j++ {
			mock.ExpectBegin()
			mock.ExpectExec("DELETE FROM graph_subscriptions").
				WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectExec("INSERT INTO graph_subscriptions").
				WillReturnResult(sqlmock.NewResult(1, 1))
			mock.ExpectCommit()
		}
	}

	res, err := m.EnsureAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Total)
	assert.Equal(t, 4, res.Created)
	assert.Equal(t, 0, res.Failed)

	// One pause between each mailbox's two folder creates plus one after
	// each mailbox.
	assert.Equal(t, []time.Duration{createPause, createPause, createPause, createPause}, pauses)
}

func TestRenewalLoop_StartStop(t *testing.T) {
	m, mock := newTestManager(t, "http://127.0.0.1:0")
	mock.ExpectQuery("SELECT (.+) FROM graph_subscriptions").
		WillReturnRows(sqlmock.NewRows(nil))

	require.NoError(t, m.Start())
	assert.Error(t, m.Start())

	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return within a second")
	}

	// Stopping twice is a no-op.
	m.Stop()
}
