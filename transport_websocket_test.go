package gigbuds

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gigbuds/go-realtime-sdk/api"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// fakeHub is a minimal hub: it sends the handshake, answers invocations through the
// respond callback and lets the test push frames.
type fakeHub struct {
	server   *httptest.Server
	headers  chan http.Header
	conns    chan *websocket.Conn
	invokes  chan api.HubFrame
	respond  func(frame api.HubFrame) api.HubFrame
	greeting api.HubFrame
}

func newFakeHub(t *testing.T, configure ...func(hub *fakeHub)) *fakeHub {
	hub := &fakeHub{
		headers:  make(chan http.Header, 4),
		conns:    make(chan *websocket.Conn, 4),
		invokes:  make(chan api.HubFrame, 16),
		greeting: api.HubFrame{Type_: api.HubFrameType_Handshake, ConnectionId: "ws-1"},
		respond: func(frame api.HubFrame) api.HubFrame {
			return api.HubFrame{Type_: api.HubFrameType_Completion, InvocationId: frame.InvocationId}
		},
	}
	for _, fn := range configure {
		fn(hub)
	}
	upgrader := websocket.Upgrader{}
	hub.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.headers <- r.Header.Clone()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if err := conn.WriteJSON(hub.greeting); err != nil {
			return
		}
		hub.conns <- conn
		for {
			var frame api.HubFrame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			hub.invokes <- frame
			if err := conn.WriteJSON(hub.respond(frame)); err != nil {
				return
			}
		}
	}))
	t.Cleanup(hub.server.Close)
	return hub
}

func dialFakeHub(t *testing.T, hub *fakeHub) (Connection, *websocket.Conn) {
	t.Helper()
	options := testOptions()
	transport := NewWebSocketTransport(options, NewConfiguration(options))
	conn, err := transport.Dial(context.Background(), DialRequest{
		HubURL:      hub.server.URL + "/hubs/notifications",
		BearerToken: "token-1",
		DeviceID:    "device-1",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	select {
	case serverConn := <-hub.conns:
		return conn, serverConn
	case <-time.After(time.Second):
		t.Fatal("hub never accepted the connection")
	}
	return nil, nil
}

func TestWebSocketURL(t *testing.T) {
	u, err := websocketURL("https://api.gigbuds.test/hubs/notifications")
	require.NoError(t, err)
	require.Equal(t, "wss://api.gigbuds.test/hubs/notifications", u)

	u, err = websocketURL("http://localhost:5000/hub")
	require.NoError(t, err)
	require.Equal(t, "ws://localhost:5000/hub", u)

	_, err = websocketURL("ftp://example.com")
	require.Error(t, err)
}

func TestWebSocketTransport_Handshake(t *testing.T) {
	hub := newFakeHub(t)
	conn, _ := dialFakeHub(t, hub)

	require.Equal(t, "ws-1", conn.ID())
	header := <-hub.headers
	require.Equal(t, "Bearer token-1", header.Get("Authorization"))
	require.Equal(t, "device-1", header.Get("X-Device-Id"))
	require.Contains(t, header.Get("User-Agent"), "Gigbuds-Realtime-SDK/")
	require.Contains(t, header.Get("X-Client-Platform"), "Go/go")
}

func TestWebSocketTransport_HandshakeRejected(t *testing.T) {
	hub := newFakeHub(t, func(hub *fakeHub) {
		hub.greeting = api.HubFrame{Type_: api.HubFrameType_Handshake, Error: "unauthorized"}
	})

	options := testOptions()
	transport := NewWebSocketTransport(options, NewConfiguration(options))
	_, err := transport.Dial(context.Background(), DialRequest{HubURL: hub.server.URL})
	require.ErrorContains(t, err, "unauthorized")
}

func TestWebSocketTransport_DialRefused(t *testing.T) {
	options := testOptions()
	transport := NewWebSocketTransport(options, NewConfiguration(options))
	_, err := transport.Dial(context.Background(), DialRequest{HubURL: "http://127.0.0.1:1/hub"})
	require.Error(t, err)
}

func TestWebSocketTransport_Invoke(t *testing.T) {
	hub := newFakeHub(t)
	conn, _ := dialFakeHub(t, hub)

	require.NoError(t, conn.Invoke(context.Background(), HubMethod_AddToGroup, "jobseekers"))

	frame := <-hub.invokes
	require.Equal(t, api.HubFrameType_Invocation, frame.Type_)
	require.Equal(t, HubMethod_AddToGroup, frame.Target)
	require.NotEmpty(t, frame.InvocationId)
	require.Len(t, frame.Arguments, 1)
	require.JSONEq(t, `"jobseekers"`, string(frame.Arguments[0]))
}

func TestWebSocketTransport_InvokeError(t *testing.T) {
	hub := newFakeHub(t, func(hub *fakeHub) {
		hub.respond = func(frame api.HubFrame) api.HubFrame {
			return api.HubFrame{Type_: api.HubFrameType_Completion, InvocationId: frame.InvocationId, Error: "no such group"}
		}
	})
	conn, _ := dialFakeHub(t, hub)

	err := conn.Invoke(context.Background(), HubMethod_RemoveFromGroup, "ghosts")
	var invocationErr *InvocationError
	require.True(t, errors.As(err, &invocationErr))
	require.Equal(t, HubMethod_RemoveFromGroup, invocationErr.Method)
	require.Equal(t, "no such group", invocationErr.Message)
}

func TestWebSocketTransport_ReceivesEvents(t *testing.T) {
	hub := newFakeHub(t)
	conn, serverConn := dialFakeHub(t, hub)

	require.NoError(t, serverConn.WriteJSON(api.HubFrame{Type_: api.HubFrameType_Ping}))
	require.NoError(t, serverConn.WriteJSON(api.HubFrame{
		Type_:     api.HubFrameType_Invocation,
		Target:    HubEvent_ApplicationAccepted,
		Arguments: []json.RawMessage{json.RawMessage(`{"id":"a-1"}`)},
	}))

	select {
	case msg := <-conn.Messages():
		require.Equal(t, HubEvent_ApplicationAccepted, msg.Target)
		require.JSONEq(t, `{"id":"a-1"}`, string(msg.Arguments[0]))
	case <-time.After(time.Second):
		t.Fatal("no message received")
	}
}

func TestWebSocketTransport_ServerClose(t *testing.T) {
	hub := newFakeHub(t)
	conn, serverConn := dialFakeHub(t, hub)

	require.NoError(t, serverConn.WriteJSON(api.HubFrame{Type_: api.HubFrameType_Close, Error: "server shutting down"}))

	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("connection did not end")
	}
	require.ErrorContains(t, conn.Err(), "server shutting down")
	_, open := <-conn.Messages()
	require.False(t, open)
	require.ErrorIs(t, conn.Invoke(context.Background(), HubMethod_AddToGroup, "x"), ErrConnectionEnd)
}

func TestWebSocketTransport_LocalClose(t *testing.T) {
	hub := newFakeHub(t)
	conn, _ := dialFakeHub(t, hub)

	require.NoError(t, conn.Close())
	<-conn.Done()
	require.NoError(t, conn.Err())
	require.NoError(t, conn.Close())
}
