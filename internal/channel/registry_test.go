package channel

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nilsbertram/portal/internal/protocol"
	"github.com/nilsbertram/portal/internal/wsconn"
	"github.com/nilsbertram/portal/predicate"
)

type testPeer struct {
	conn   *wsconn.Connection
	client *websocket.Conn
}

func newTestPeer(t *testing.T, registrar wsconn.ChannelRegistrar) *testPeer {
	t.Helper()

	connCh := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		connCh <- c
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + srv.URL[len("http"):]
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	var serverConn *websocket.Conn
	select {
	case serverConn = <-connCh:
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted the connection")
	}

	conn := wsconn.New(serverConn, serverConn.RemoteAddr().String(), wsconn.Options{Registrar: registrar})
	t.Cleanup(func() { _ = conn.Close(1000, "") })

	return &testPeer{conn: conn, client: client}
}

func (p *testPeer) readPacket(t *testing.T) *protocol.Packet {
	t.Helper()
	p.client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := p.client.ReadMessage()
	require.NoError(t, err)
	pkt, err := protocol.JSONCodec{}.Decode(data)
	require.NoError(t, err)
	return pkt
}

func TestRegistrySubscribeTracksBothIndexes(t *testing.T) {
	t.Parallel()

	r := New()
	peer := newTestPeer(t, r)

	r.Subscribe(peer.conn, "room1", "room2")

	assert.ElementsMatch(t, []string{"room1", "room2"}, peer.conn.SubscribedChannels())
	assert.Equal(t, 2, r.ChannelCount())
	assert.Contains(t, r.Subscribers("room1"), peer.conn)
}

func TestRegistryUnsubscribeDeletesEmptyChannels(t *testing.T) {
	t.Parallel()

	r := New()
	peer := newTestPeer(t, r)

	r.Subscribe(peer.conn, "room1")
	require.Equal(t, 1, r.ChannelCount())

	r.Unsubscribe(peer.conn, "room1")
	assert.Equal(t, 0, r.ChannelCount())
	assert.Empty(t, peer.conn.SubscribedChannels())
}

func TestRegistryUnsubscribeAll(t *testing.T) {
	t.Parallel()

	r := New()
	peer := newTestPeer(t, r)

	r.Subscribe(peer.conn, "a", "b", "c")
	r.UnsubscribeAll(peer.conn)

	assert.Empty(t, peer.conn.SubscribedChannels())
	assert.Equal(t, 0, r.ChannelCount())
}

func TestRegistryPublishDeliversToSubscribersOnly(t *testing.T) {
	t.Parallel()

	r := New()
	member := newTestPeer(t, r)
	outsider := newTestPeer(t, r)

	r.Subscribe(member.conn, "room1")

	r.Publish([]string{"room1"}, "hello room", nil, nil)

	got := member.readPacket(t)
	assert.Equal(t, "hello room", got.Data)
	assert.Equal(t, "room1", got.Channel)
	assert.Equal(t, 3, got.Source)

	outsider.client.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err := outsider.client.ReadMessage()
	assert.Error(t, err, "a non-subscriber should not receive the publish")
}

func TestRegistryPublishHonorsExclude(t *testing.T) {
	t.Parallel()

	r := New()
	publisher := newTestPeer(t, r)
	other := newTestPeer(t, r)

	r.Subscribe(publisher.conn, "room1")
	r.Subscribe(other.conn, "room1")

	r.Publish([]string{"room1"}, "hello", map[*wsconn.Connection]struct{}{publisher.conn: {}}, nil)

	got := other.readPacket(t)
	assert.Equal(t, "hello", got.Data)

	publisher.client.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err := publisher.client.ReadMessage()
	assert.Error(t, err, "the excluded connection should not receive the publish")
}

func TestRegistryPublishHonorsPredicate(t *testing.T) {
	t.Parallel()

	r := New()
	admin := newTestPeer(t, r)
	guest := newTestPeer(t, r)

	admin.conn.SetAttr("role", "admin")

	r.Subscribe(admin.conn, "room1")
	r.Subscribe(guest.conn, "room1")

	r.Publish([]string{"room1"}, "admins only", nil, predicate.IsEqual("role", "admin"))

	got := admin.readPacket(t)
	assert.Equal(t, "admins only", got.Data)

	guest.client.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err := guest.client.ReadMessage()
	assert.Error(t, err, "a connection failing the predicate should not receive the publish")
}

func TestRegistryBroadcastIgnoresChannelMembership(t *testing.T) {
	t.Parallel()

	r := New()
	peer := newTestPeer(t, r)

	clients := map[*wsconn.Connection]struct{}{peer.conn: {}}
	r.Broadcast(clients, "server wide", nil, nil)

	got := peer.readPacket(t)
	assert.Equal(t, "server wide", got.Data)
	assert.Equal(t, 4, got.Source)
	assert.Empty(t, got.Channel)
}

func TestRegistrySubscribersReturnsSnapshot(t *testing.T) {
	t.Parallel()

	r := New()
	peer := newTestPeer(t, r)

	assert.Empty(t, r.Subscribers("room1"))

	r.Subscribe(peer.conn, "room1")
	assert.Len(t, r.Subscribers("room1"), 1)
}
