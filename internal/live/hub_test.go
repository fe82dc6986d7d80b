package live

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/mailhub/internal/store"
)

func startHub(t *testing.T) (*Hub, string) {
	t.Helper()
	h := NewHub()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := strconv.ParseInt(r.URL.Query().Get("user"), 10, 64)
		require.NoError(t, err)
		h.ServeWS(w, r, userID)
	}))
	t.Cleanup(ts.Close)
	return h, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dial(t *testing.T, url string, userID int64) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url+"?user="+strconv.FormatInt(userID, 10), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForClients(t *testing.T, h *Hub, userID int64, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.ClientCount(userID) < n {
		if time.Now().After(deadline) {
			t.Fatalf("user %d never reached %d clients", userID, n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPublishReachesOnlyOwner(t *testing.T) {
	h, url := startHub(t)

	alice := dial(t, url, 1)
	bob := dial(t, url, 2)
	waitForClients(t, h, 1, 1)
	waitForClients(t, h, 2, 1)

	h.Publish(1, []*store.MailRecord{{ID: 10, Subject: "hi", Sender: "x@y.z"}})

	alice.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	require.NoError(t, alice.ReadJSON(&ev))
	assert.Equal(t, "new_mails", ev.Type)
	assert.Equal(t, 1, ev.Count)
	require.Len(t, ev.Data, 1)
	assert.Equal(t, "hi", ev.Data[0].Subject)

	// Bob gets nothing.
	bob.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := bob.ReadMessage()
	assert.Error(t, err)
}

func TestPublishOrderPreservedPerUser(t *testing.T) {
	h, url := startHub(t)
	conn := dial(t, url, 1)
	waitForClients(t, h, 1, 1)

	for i := 1; i <= 3; i++ {
		h.Publish(1, []*store.MailRecord{{ID: int64(i)}})
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for i := 1; i <= 3; i++ {
		var ev Event
		require.NoError(t, conn.ReadJSON(&ev))
		require.Len(t, ev.Data, 1)
		assert.Equal(t, int64(i), ev.Data[0].ID)
	}
}

func TestDisconnectRemovesClient(t *testing.T) {
	h, url := startHub(t)
	conn := dial(t, url, 1)
	waitForClients(t, h, 1, 1)

	conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for h.ClientCount(1) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("client was not removed after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPublishEmptyIsNoOp(t *testing.T) {
	h := NewHub()
	h.Publish(1, nil)
	assert.Equal(t, 0, h.ClientCount(1))
}
