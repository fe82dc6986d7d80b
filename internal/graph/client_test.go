package graph

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/mailhub/internal/pkg/httpretry"
)

func newTestClient(ts *httptest.Server) *Client {
	return &Client{
		baseURL:     ts.URL,
		tokenURL:    ts.URL + "/token",
		httpClient:  httpretry.NewRetryClient(ts.Client(), 1),
		tokenClient: ts.Client(),
	}
}

func TestRefreshToken(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/token", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		assert.Equal(t, "old-refresh", r.Form.Get("refresh_token"))
		assert.Equal(t, "cid", r.Form.Get("client_id"))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "new-access",
			"refresh_token": "new-refresh",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	}))
	defer ts.Close()

	tok, err := newTestClient(ts).RefreshToken(context.Background(), "cid", "old-refresh")
	require.NoError(t, err)
	assert.Equal(t, "new-access", tok.AccessToken)
	assert.Equal(t, "new-refresh", tok.RefreshToken)
	assert.WithinDuration(t, time.Now().Add(time.Hour), tok.ExpiresAt, time.Minute)
}

func TestRefreshToken_Invalid(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer ts.Close()

	// An expired or revoked refresh token must read as an auth failure so
	// callers flag the mailbox for re-authorization.
	_, err := newTestClient(ts).RefreshToken(context.Background(), "cid", "bad")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthFailed)
}

func TestListMessages(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/me/mailFolders/inbox/messages", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		q := r.URL.Query()
		assert.Equal(t, "receivedDateTime desc", q.Get("$orderby"))
		assert.Equal(t, "5", q.Get("$top"))
		assert.Contains(t, q.Get("$select"), "bodyPreview")

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"value":[{
			"id":"m1","subject":"Hello",
			"from":{"emailAddress":{"name":"Acme","address":"no-reply@acme.com"}},
			"receivedDateTime":"2025-06-01T12:00:00Z",
			"body":{"contentType":"html","content":"<p>hi</p>"},
			"hasAttachments":false,"bodyPreview":"hi"}]}`))
	}))
	defer ts.Close()

	msgs, err := newTestClient(ts).ListMessages(context.Background(), "tok", FolderInbox, 5, time.Time{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, "Acme <no-reply@acme.com>", msgs[0].Sender())
	assert.Equal(t, "<p>hi</p>", msgs[0].Body.Content)
}

func TestMessageSender_NoName(t *testing.T) {
	m := Message{From: Recipient{EmailAddress: EmailAddress{Address: "a@b.c"}}}
	assert.Equal(t, "a@b.c", m.Sender())

	m.From.EmailAddress.Name = "a@b.c"
	assert.Equal(t, "a@b.c", m.Sender())
}

func TestErrorKinds(t *testing.T) {
	cases := []struct {
		status int
		kind   error
	}{
		{401, ErrAuthFailed},
		{403, ErrAuthFailed},
		{429, ErrThrottled},
		{500, ErrTransient},
		{503, ErrTransient},
		{400, ErrPermanent},
		{404, ErrPermanent},
	}
	for _, tc := range cases {
		err := newAPIError(tc.status, "boom", 0)
		assert.ErrorIs(t, err, tc.kind, "status %d", tc.status)
	}
}

func TestTokenErrorKinds(t *testing.T) {
	assert.ErrorIs(t, newTokenError(400, `{"error":"invalid_grant"}`), ErrAuthFailed)
	assert.ErrorIs(t, newTokenError(400, `{"error":"invalid_request"}`), ErrAuthFailed)
	assert.ErrorIs(t, newTokenError(401, "unauthorized"), ErrAuthFailed)
	assert.ErrorIs(t, newTokenError(429, "slow down"), ErrThrottled)
	assert.ErrorIs(t, newTokenError(503, "down"), ErrTransient)
}

func TestCreateSubscription(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/subscriptions", r.URL.Path)

		var payload map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "created", payload["changeType"])
		assert.Equal(t, "me/mailFolders('inbox')/messages", payload["resource"])
		assert.Equal(t, "email_7", payload["clientState"])
		assert.Equal(t, "https://hub.example.com/api/webhook", payload["notificationUrl"])

		// Expiration must use the seven-digit fractional layout and sit
		// near the 4230 minute ceiling.
		exp, err := time.Parse("2006-01-02T15:04:05.0000000Z", payload["expirationDateTime"])
		require.NoError(t, err)
		assert.WithinDuration(t, time.Now().Add(MaxExpirationMinutes*time.Minute), exp, time.Minute)

		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"sub-1","resource":"me/mailFolders('inbox')/messages",
			"expirationDateTime":"` + payload["expirationDateTime"] + `","clientState":"email_7"}`))
	}))
	defer ts.Close()

	sub, err := newTestClient(ts).CreateSubscription(context.Background(), "tok",
		FolderInbox, "https://hub.example.com/api/webhook", ClientState(7))
	require.NoError(t, err)
	assert.Equal(t, "sub-1", sub.ID)

	exp, err := sub.Expiration()
	require.NoError(t, err)
	assert.False(t, exp.IsZero())
}

func TestDeleteSubscription_GoneIsOK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	err := newTestClient(ts).DeleteSubscription(context.Background(), "tok", "sub-gone")
	assert.NoError(t, err)
}

func TestDoRequest_ThrottledCarriesRetryAfter(t *testing.T) {
	var calls int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"code":"TooManyRequests"}}`))
	}))
	defer ts.Close()

	c := &Client{
		baseURL: ts.URL,
		// Bare client so the retry layer does not swallow the 429.
		httpClient: ts.Client(),
	}
	_, err := c.ListMessages(context.Background(), "tok", FolderInbox, 5, time.Time{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrThrottled)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 30*time.Second, apiErr.RetryAfter)
	assert.Equal(t, 1, calls)
}
