package realtime

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serveRegistry(t *testing.T, r *Registry) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			t.Errorf("Failed to upgrade connection: %v", err)
			return
		}
		client := NewClient(conn, r, testLogger())
		r.Connect(client, req.URL.Query().Get("userId"), req.URL.Query().Get("garageIds"))
		client.Start()
	}))
}

func dial(t *testing.T, server *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "?" + query
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}
	require.NoError(t, err)
	return conn
}

func TestClient_PingPong(t *testing.T) {
	r := NewRegistry(testLogger())
	server := serveRegistry(t, r)
	defer server.Close()

	conn := dial(t, server, "userId=u1")
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(Message{Event: EventPing}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var reply Message
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, EventPong, reply.Event)
}

func TestClient_ReceivesGroupEvents(t *testing.T) {
	r := NewRegistry(testLogger())
	server := serveRegistry(t, r)
	defer server.Close()

	conn := dial(t, server, "userId=owner&garageIds=g1,g2")
	defer conn.Close()

	require.Eventually(t, func() bool {
		return len(r.ActiveGarageIDs()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, r.SendToGroup("newEmergency", map[string]string{"id": "e1"}, "g2"))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg struct {
		Event string            `json:"event"`
		Data  map[string]string `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "newEmergency", msg.Event)
	assert.Equal(t, "e1", msg.Data["id"])
}

func TestClient_DisconnectLeavesGroups(t *testing.T) {
	r := NewRegistry(testLogger())
	server := serveRegistry(t, r)
	defer server.Close()

	conn := dial(t, server, "userId=owner&garageIds=g1")
	require.Eventually(t, func() bool { return r.Count() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		return r.Count() == 0 && len(r.ActiveGarageIDs()) == 0
	}, 2*time.Second, 10*time.Millisecond)
	_, ok := r.SocketFor("owner")
	assert.False(t, ok)
}

func TestClient_SendAfterClose(t *testing.T) {
	r := NewRegistry(testLogger())
	server := serveRegistry(t, r)
	defer server.Close()

	conn := dial(t, server, "userId=owner")
	defer conn.Close()

	var connID string
	require.Eventually(t, func() bool {
		id, ok := r.SocketFor("owner")
		connID = id
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	r.Clear()
	assert.ErrorIs(t, r.EmitTo(connID, "acceptedRescue", nil), ErrNoConnection)
}

func TestClient_RunReturnsWhenPeerLeaves(t *testing.T) {
	r := NewRegistry(testLogger())
	finished := make(chan struct{})
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			t.Errorf("Failed to upgrade connection: %v", err)
			return
		}
		client := NewClient(conn, r, testLogger())
		r.Connect(client, "u1", "")
		client.Run()
		close(finished)
	}))
	defer server.Close()

	conn := dial(t, server, "")
	require.Eventually(t, func() bool {
		return r.Count() == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("client did not stop")
	}
	assert.Equal(t, 0, r.Count())
}
