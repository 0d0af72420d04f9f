package realtime

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/driftsync/driftsync/internal/monitoring"
	"github.com/driftsync/driftsync/internal/types"
)

func newHubServer(t *testing.T) (*Hub, *httptest.Server, string) {
	t.Helper()
	hub := NewHub(monitoring.NewMetrics(prometheus.NewRegistry()), zap.NewNop())
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(func() { hub.Close(); srv.Close() })
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	return hub, srv, wsURL
}

func dial(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readUntil(t *testing.T, conn *websocket.Conn, msgType types.StreamMessageType) types.StreamMessage {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		var msg types.StreamMessage
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == msgType {
			return msg
		}
	}
	t.Fatalf("did not receive %s in time", msgType)
	return types.StreamMessage{}
}

func TestHubConnectAndBroadcast(t *testing.T) {
	hub, _, wsURL := newHubServer(t)

	conn := dial(t, wsURL)
	readUntil(t, conn, types.MsgConnected)

	require.NoError(t, conn.WriteJSON(types.StreamMessage{
		Type: types.MsgSubscribe, Collections: []string{"todos"},
	}))

	assert.Eventually(t, func() bool { return hub.ConnectedClients() == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.BroadcastChange(types.ChangeItem{
		Collection: "todos", DocumentID: "t1",
		Document: map[string]interface{}{"id": "t1", "text": "Buy milk"},
		Seq:      1,
	})

	msg := readUntil(t, conn, types.MsgChange)
	require.NotNil(t, msg.Data)
	assert.Equal(t, "t1", msg.Data.DocumentID)
	assert.Equal(t, "Buy milk", msg.Data.Document["text"])
}

func TestHubCollectionFiltering(t *testing.T) {
	hub, _, wsURL := newHubServer(t)

	conn := dial(t, wsURL)
	readUntil(t, conn, types.MsgConnected)
	require.NoError(t, conn.WriteJSON(types.StreamMessage{
		Type: types.MsgSubscribe, Collections: []string{"products"},
	}))
	assert.Eventually(t, func() bool { return hub.ConnectedClients() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond) // let the subscribe land

	hub.BroadcastChange(types.ChangeItem{Collection: "todos", DocumentID: "t1", Seq: 1})
	hub.BroadcastChange(types.ChangeItem{Collection: "products", DocumentID: "p1", Seq: 2})

	msg := readUntil(t, conn, types.MsgChange)
	assert.Equal(t, "p1", msg.Data.DocumentID, "only subscribed collections are delivered")
}

func TestHubRingBufferReplaysToLateJoiners(t *testing.T) {
	hub, _, wsURL := newHubServer(t)

	hub.BroadcastChange(types.ChangeItem{Collection: "todos", DocumentID: "early", Seq: 1})
	assert.Eventually(t, func() bool { return len(hub.Recent(0)) == 1 }, 2*time.Second, 10*time.Millisecond)

	conn := dial(t, wsURL)
	readUntil(t, conn, types.MsgConnected)
	require.NoError(t, conn.WriteJSON(types.StreamMessage{
		Type: types.MsgSubscribe, Collections: []string{"todos"},
	}))

	msg := readUntil(t, conn, types.MsgChange)
	assert.Equal(t, "early", msg.Data.DocumentID)
}

func TestHubRecentSinceFilter(t *testing.T) {
	hub, _, _ := newHubServer(t)

	hub.BroadcastChange(types.ChangeItem{Collection: "todos", DocumentID: "a", Seq: 1})
	hub.BroadcastChange(types.ChangeItem{Collection: "todos", DocumentID: "b", Seq: 2})
	assert.Eventually(t, func() bool { return len(hub.Recent(0)) == 2 }, 2*time.Second, 10*time.Millisecond)

	recent := hub.Recent(1)
	require.Len(t, recent, 1)
	assert.Equal(t, "b", recent[0].DocumentID)
}

func TestClientReceivesChanges(t *testing.T) {
	hub, _, wsURL := newHubServer(t)

	var mu sync.Mutex
	var received []types.ChangeItem
	client := NewClient(wsURL, []string{"todos"}, func(item types.ChangeItem) {
		mu.Lock()
		received = append(received, item)
		mu.Unlock()
	}, nil, zap.NewNop())
	client.Connect()
	defer client.Destroy()

	assert.Eventually(t, func() bool { return client.IsConnected() }, 3*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return hub.ConnectedClients() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	hub.BroadcastChange(types.ChangeItem{
		Collection: "todos", DocumentID: "t1",
		Document: map[string]interface{}{"id": "t1"}, Seq: 1,
	})

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1 && received[0].DocumentID == "t1"
	}, 3*time.Second, 10*time.Millisecond)
}

func TestClientDestroyDoesNotReconnect(t *testing.T) {
	hub, _, wsURL := newHubServer(t)

	client := NewClient(wsURL, nil, nil, nil, zap.NewNop())
	client.Connect()

	assert.Eventually(t, func() bool { return client.IsConnected() }, 3*time.Second, 10*time.Millisecond)
	client.Destroy()
	assert.False(t, client.IsConnected())

	assert.Eventually(t, func() bool { return hub.ConnectedClients() == 0 }, 3*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, hub.ConnectedClients(), "manual close must not reconnect")
}

func TestClientReconnectsAfterTransportClose(t *testing.T) {
	hub := NewHub(monitoring.NewMetrics(prometheus.NewRegistry()), zap.NewNop())
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer srv.Close()
	defer hub.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	client := NewClient(wsURL, []string{"todos"}, nil, nil, zap.NewNop())
	client.Connect()
	defer client.Destroy()

	assert.Eventually(t, func() bool { return hub.ConnectedClients() == 1 }, 3*time.Second, 10*time.Millisecond)

	// server-side drop: the client should come back on its own
	hubMuKill(hub)

	assert.Eventually(t, func() bool { return hub.ConnectedClients() >= 1 }, 5*time.Second, 20*time.Millisecond)
}

// hubMuKill force-closes every live subscriber connection, simulating a
// transport failure without tearing the hub down.
func hubMuKill(h *Hub) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.clients {
		s.conn.Close()
	}
}
