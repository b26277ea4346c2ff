package wsconn

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nilsbertram/portal/internal/protocol"
)

// newTestConnection spins up a real localhost WebSocket server and client
// and wraps the server side in a Connection, so writePump exercises an
// actual *websocket.Conn rather than a mock.
func newTestConnection(t *testing.T, opts Options) (*Connection, *websocket.Conn) {
	t.Helper()

	var serverConnCh = make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		serverConnCh <- conn
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + srv.URL[len("http"):]
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = clientConn.Close() })

	var serverConn *websocket.Conn
	select {
	case serverConn = <-serverConnCh:
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted the connection")
	}

	conn := New(serverConn, serverConn.RemoteAddr().String(), opts)
	t.Cleanup(func() { _ = conn.Close(1000, "") })

	return conn, clientConn
}

func TestConnectionLifecycleStates(t *testing.T) {
	t.Parallel()

	conn, _ := newTestConnection(t, Options{})
	assert.Equal(t, StateConnecting, conn.State())

	conn.MarkOpen()
	assert.Equal(t, StateOpen, conn.State())

	require.NoError(t, conn.Close(1000, "bye"))
	assert.Equal(t, StateClosed, conn.State())
}

func TestConnectionCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	conn, _ := newTestConnection(t, Options{})
	require.NoError(t, conn.Close(1000, ""))
	require.NoError(t, conn.Close(1000, ""))
}

func TestConnectionSendFailsAfterClose(t *testing.T) {
	t.Parallel()

	conn, _ := newTestConnection(t, Options{})
	require.NoError(t, conn.Close(1000, ""))

	err := conn.Send("too late")
	assert.Error(t, err)
}

func TestConnectionSessionAttributes(t *testing.T) {
	t.Parallel()

	conn, _ := newTestConnection(t, Options{})

	_, ok := conn.Attr("username")
	assert.False(t, ok)

	conn.SetAttr("username", "alice")
	v, ok := conn.Attr("username")
	require.True(t, ok)
	assert.Equal(t, "alice", v)

	conn.DeleteAttr("username")
	_, ok = conn.Attr("username")
	assert.False(t, ok)
}

func TestConnectionChannelTracking(t *testing.T) {
	t.Parallel()

	conn, _ := newTestConnection(t, Options{})

	conn.TrackChannel("room1")
	conn.TrackChannel("room2")
	assert.ElementsMatch(t, []string{"room1", "room2"}, conn.SubscribedChannels())

	conn.UntrackChannel("room1")
	assert.ElementsMatch(t, []string{"room2"}, conn.SubscribedChannels())
}

func TestConnectionSendAndReceiveRoundTrip(t *testing.T) {
	t.Parallel()

	conn, client := newTestConnection(t, Options{Codec: protocol.JSONCodec{}})

	require.NoError(t, conn.Send("hello"))

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := client.ReadMessage()
	require.NoError(t, err)

	decoded, err := protocol.JSONCodec{}.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "hello", decoded.Data)
}

func TestConnectionDeliverAndRecv(t *testing.T) {
	t.Parallel()

	conn, _ := newTestConnection(t, Options{QueueSize: 4})

	conn.Deliver(&protocol.Packet{Data: "first"})
	conn.Deliver(&protocol.Packet{Data: "second"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	p1, err := conn.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "first", p1.Data)

	p2, err := conn.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "second", p2.Data)
}

func TestConnectionRecvRespectsContextCancellation(t *testing.T) {
	t.Parallel()

	conn, _ := newTestConnection(t, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := conn.Recv(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConnectionSendChunksLargePayloads(t *testing.T) {
	t.Parallel()

	conn, client := newTestConnection(t, Options{Codec: protocol.JSONCodec{}})

	large := make([]byte, chunkThreshold*3)
	for i := range large {
		large[i] = byte(i % 251)
	}

	require.NoError(t, conn.Send(large))

	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := client.ReadMessage()
	require.NoError(t, err)

	decoded, err := protocol.JSONCodec{}.Decode(data)
	require.NoError(t, err)

	got, ok := decoded.Data.([]byte)
	require.True(t, ok)
	assert.Equal(t, large, got)
}

func TestConnectionIDsAreUnique(t *testing.T) {
	t.Parallel()

	c1, _ := newTestConnection(t, Options{})
	c2, _ := newTestConnection(t, Options{})

	assert.NotEqual(t, c1.ID(), c2.ID())
}
