package dashboard

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bastion-dev/bastion/internal/common/logger"
	"github.com/bastion-dev/bastion/pkg/protocol"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)
	return log
}

// dialTestConn returns a server-side WebSocket connection backed by a real
// client peer, so close semantics behave as in production.
func dialTestConn(t *testing.T) *websocket.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{}
	connCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		connCh <- conn
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	peer, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = peer.Close() })

	return <-connCh
}

// dialTestPair is dialTestConn with the client peer exposed, for tests that
// assert on the order frames hit the wire.
func dialTestPair(t *testing.T) (server, peer *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	connCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		connCh <- conn
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	peer, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = peer.Close() })

	return <-connCh, peer
}

func TestClassOf(t *testing.T) {
	assert.Equal(t, ClassLog, ClassOf(protocol.TypeDeployLog))
	assert.Equal(t, ClassLog, ClassOf(protocol.TypeLogStream))
	assert.Equal(t, ClassLog, ClassOf(protocol.TypeInfraLog))
	assert.Equal(t, ClassLog, ClassOf(protocol.TypeSystemLog))

	assert.Equal(t, ClassStatus, ClassOf(protocol.TypeDeployStatus))
	assert.Equal(t, ClassStatus, ClassOf(protocol.TypeServerStatus))
	assert.Equal(t, ClassStatus, ClassOf(protocol.TypeAuditUpdate))
	assert.Equal(t, ClassStatus, ClassOf(protocol.TypeInitialState))
}

func TestLogClassDropsOldestUnderBackpressure(t *testing.T) {
	hub := NewHub(testLogger(t))
	c := NewClient("c1", "owner-1", dialTestConn(t), hub, testLogger(t))

	// No write pump running: everything queues.
	overflow := 10
	for i := 0; i < logRingSize+overflow; i++ {
		c.enqueue(ClassLog, []byte(fmt.Sprintf("log-%d", i)))
	}

	batch := c.drainRing()
	require.Len(t, batch, logRingSize)
	assert.Equal(t, uint64(overflow), c.DroppedLogFrames())
	// The oldest frames were shed; the first survivor is frame `overflow`.
	assert.Equal(t, fmt.Sprintf("log-%d", overflow), string(batch[0]))
	assert.Equal(t, fmt.Sprintf("log-%d", logRingSize+overflow-1), string(batch[len(batch)-1]))
}

func TestStatusClassNeverDropsClosesInstead(t *testing.T) {
	hub := NewHub(testLogger(t))
	c := NewClient("c1", "owner-1", dialTestConn(t), hub, testLogger(t))

	for i := 0; i < statusQueueSize; i++ {
		c.enqueue(ClassStatus, []byte("status"))
	}
	select {
	case <-c.done:
		t.Fatal("client closed before queue overflowed")
	default:
	}

	// One more status frame overflows the queue: the client must be closed,
	// and nothing silently discarded.
	c.enqueue(ClassStatus, []byte("status-overflow"))
	select {
	case <-c.done:
	default:
		t.Fatal("client was not closed on status overflow")
	}
	assert.Len(t, c.status, statusQueueSize)
}

func TestStatusWrittenBeforeQueuedLogs(t *testing.T) {
	hub := NewHub(testLogger(t))
	server, peer := dialTestPair(t)
	c := NewClient("c1", "owner-1", server, hub, testLogger(t))

	// Log lines for a run land in the ring before the status frame that
	// opens the run is queued. The pump must still put the status frame on
	// the wire first.
	c.enqueue(ClassLog, []byte(`{"type":"DEPLOY_LOG","line":"one"}`))
	c.enqueue(ClassLog, []byte(`{"type":"DEPLOY_LOG","line":"two"}`))
	c.enqueue(ClassStatus, []byte(`{"type":"DEPLOY_STATUS","phase":"cloning"}`))

	go c.writePump()
	t.Cleanup(c.close)

	_, first, err := peer.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(first), "DEPLOY_STATUS")

	_, second, err := peer.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(second), "one")

	_, third, err := peer.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(third), "two")
}

func TestBroadcastScopedToOwner(t *testing.T) {
	hub := NewHub(testLogger(t))
	mine := NewClient("c1", "owner-1", dialTestConn(t), hub, testLogger(t))
	other := NewClient("c2", "owner-2", dialTestConn(t), hub, testLogger(t))
	hub.register(mine)
	hub.register(other)

	hub.BroadcastToOwner("owner-1", protocol.TypeDeployStatus, protocol.StatusUpdatePayload{
		AppID: "app-1",
		Phase: "building",
	})

	assert.Len(t, mine.status, 1)
	assert.Len(t, other.status, 0)

	hub.unregister(mine)
	assert.Equal(t, 1, hub.ClientCount())
}
