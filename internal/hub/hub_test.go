package hub

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHub(t *testing.T, opts Options) *Hub {
	t.Helper()
	h := NewHub(clockwork.NewRealClock(), opts)
	t.Cleanup(func() { h.Stop() })
	return h
}

// newTestConnPair creates a connected pair of WebSocket connections for testing.
func newTestConnPair(t *testing.T) (server *ws.Conn, client *ws.Conn) {
	t.Helper()
	upgrader := ws.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	ready := make(chan *ws.Conn, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		ready <- conn
	}))
	t.Cleanup(func() { srv.Close() })

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := ws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { clientConn.Close() })

	serverConn := <-ready
	t.Cleanup(func() { serverConn.Close() })

	return serverConn, clientConn
}

// dialAgent registers a fresh agent with running pumps and returns the
// client side of its connection.
func dialAgent(t *testing.T, h *Hub) (*ws.Conn, *Agent) {
	t.Helper()
	server, client := newTestConnPair(t)
	a := h.NewAgent(server, "127.0.0.1")
	require.NoError(t, h.Register(a))
	return client, a
}

// waitForCount polls until the hub reports the expected agent count.
func waitForCount(h *Hub, expected int) bool {
	for range 200 {
		if h.Count() == expected {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

// readPayloads reads frames until want payloads have been collected,
// splitting coalesced frames on the newline separator.
func readPayloads(t *testing.T, conn *ws.Conn, want int, timeout time.Duration) []string {
	t.Helper()
	var got []string
	deadline := time.Now().Add(timeout)
	for len(got) < want {
		require.NoError(t, conn.SetReadDeadline(deadline))
		_, frame, err := conn.ReadMessage()
		require.NoError(t, err)
		for _, p := range bytes.Split(frame, []byte{'\n'}) {
			got = append(got, string(p))
		}
	}
	require.Len(t, got, want)
	return got
}

// assertNoPayload asserts that no data frame arrives within the window.
func assertNoPayload(t *testing.T, conn *ws.Conn, window time.Duration) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(window)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "expected no further payloads")
}

func TestHub_BroadcastReachesAllAgents(t *testing.T) {
	h := newTestHub(t, Options{})

	connA, _ := dialAgent(t, h)
	connB, _ := dialAgent(t, h)
	connC, _ := dialAgent(t, h)
	require.True(t, waitForCount(h, 3))

	h.Broadcast([]byte("hello"))

	for _, conn := range []*ws.Conn{connA, connB, connC} {
		got := readPayloads(t, conn, 1, time.Second)
		assert.Equal(t, []string{"hello"}, got)
	}
}

func TestHub_OrderPreservedPerAgent(t *testing.T) {
	h := newTestHub(t, Options{})

	conn, _ := dialAgent(t, h)
	require.True(t, waitForCount(h, 1))

	want := make([]string, 0, 5)
	for i := 1; i <= 5; i++ {
		msg := fmt.Sprintf("m%d", i)
		want = append(want, msg)
		h.Broadcast([]byte(msg))
	}

	got := readPayloads(t, conn, 5, time.Second)
	assert.Equal(t, want, got)
}

func TestHub_LateJoiner(t *testing.T) {
	h := newTestHub(t, Options{})

	connA, _ := dialAgent(t, h)
	require.True(t, waitForCount(h, 1))

	h.Broadcast([]byte("m1"))
	assert.Equal(t, []string{"m1"}, readPayloads(t, connA, 1, time.Second))

	// B joins after m1 has been fanned out and must never see it.
	connB, _ := dialAgent(t, h)
	require.True(t, waitForCount(h, 2))

	h.Broadcast([]byte("m2"))
	assert.Equal(t, []string{"m2"}, readPayloads(t, connA, 1, time.Second))
	assert.Equal(t, []string{"m2"}, readPayloads(t, connB, 1, time.Second))
	assertNoPayload(t, connB, 100*time.Millisecond)
}

func TestHub_SlowConsumerEvicted(t *testing.T) {
	h := newTestHub(t, Options{SendBuffer: 1})

	// A never drains: register via command injection without starting pumps.
	serverA, clientA := newTestConnPair(t)
	slowAgent := h.NewAgent(serverA, "127.0.0.1")
	errCh := make(chan error, 1)
	h.cmdCh <- registerCmd{agent: slowAgent, errorChannel: errCh}
	require.NoError(t, <-errCh)

	connB, _ := dialAgent(t, h)
	require.True(t, waitForCount(h, 2))

	want := make([]string, 0, 5)
	for i := 1; i <= 5; i++ {
		msg := fmt.Sprintf("m%d", i)
		want = append(want, msg)
		h.Broadcast([]byte(msg))
	}

	// B is unaffected and receives everything in order.
	assert.Equal(t, want, readPayloads(t, connB, 5, time.Second))

	// A was removed after its capacity-1 queue overflowed.
	require.True(t, waitForCount(h, 1))

	// A's connection is closed with a policy violation frame.
	require.NoError(t, clientA.SetReadDeadline(time.Now().Add(time.Second)))
	_, _, err := clientA.ReadMessage()
	var closeErr *ws.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, ws.ClosePolicyViolation, closeErr.Code)
	assert.Contains(t, closeErr.Text, "slow consumer")
}

func TestHub_UnregisterIdempotent(t *testing.T) {
	h := newTestHub(t, Options{})

	_, a := dialAgent(t, h)
	require.True(t, waitForCount(h, 1))

	h.Unregister(a)
	require.True(t, waitForCount(h, 0))

	// Second unregister is a no-op, not a fault.
	h.Unregister(a)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, h.Count())
}

func TestHub_NoResurrection(t *testing.T) {
	h := newTestHub(t, Options{})

	conn, a := dialAgent(t, h)
	require.True(t, waitForCount(h, 1))

	h.Unregister(a)
	require.True(t, waitForCount(h, 0))

	// The client observes a normal close, not data.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, _, err := conn.ReadMessage()
	var closeErr *ws.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, ws.CloseNormalClosure, closeErr.Code)

	// A stale agent handle cannot rejoin; a new identity is required.
	err = h.Register(a)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "closed")

	h.Broadcast([]byte("never"))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, h.Count())
}

func TestHub_CountViaActor(t *testing.T) {
	h := newTestHub(t, Options{})

	assert.Equal(t, 0, h.Count())

	conn1, _ := dialAgent(t, h)
	dialAgent(t, h)
	require.True(t, waitForCount(h, 2))

	conn1.Close()
	require.True(t, waitForCount(h, 1))
}

func TestHub_MaxAgents(t *testing.T) {
	h := newTestHub(t, Options{MaxAgents: 2})

	dialAgent(t, h)
	dialAgent(t, h)
	require.True(t, waitForCount(h, 2))

	server, _ := newTestConnPair(t)
	err := h.Register(h.NewAgent(server, "127.0.0.1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max agents")
	assert.Equal(t, 2, h.Count())
}

func TestHub_StopClosesAgentsGracefully(t *testing.T) {
	h := NewHub(clockwork.NewRealClock(), Options{})

	conn, _ := dialAgent(t, h)
	require.True(t, waitForCount(h, 1))

	h.Stop()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, _, err := conn.ReadMessage()
	var closeErr *ws.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, ws.CloseNormalClosure, closeErr.Code)
	assert.Contains(t, closeErr.Text, "shutting down")
}

func TestHub_DeadlineEviction(t *testing.T) {
	h := newTestHub(t, Options{
		PingInterval: 20 * time.Millisecond,
		PongTimeout:  50 * time.Millisecond,
	})

	// The client never reads, so pings are never answered with pongs.
	dialAgent(t, h)
	require.True(t, waitForCount(h, 1))

	assert.True(t, waitForCount(h, 0), "agent should be evicted after the read deadline expires")
}

func TestHub_BroadcastNoAgents(t *testing.T) {
	h := newTestHub(t, Options{})
	// Should not panic
	h.Broadcast([]byte("into the void"))
}
