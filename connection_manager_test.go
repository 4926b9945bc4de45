package gigbuds

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gigbuds/go-realtime-sdk/api"
	"github.com/stretchr/testify/require"
)

func TestOptions_BackoffDelay(t *testing.T) {
	options := &Options{}
	options.CheckDefaults()

	expected := []time.Duration{
		0,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for i, want := range expected {
		attempt := i + 1
		require.Equal(t, want, options.BackoffDelay(attempt), "attempt %d", attempt)
	}
	require.Equal(t, time.Duration(0), options.BackoffDelay(0))
}

func TestConnectionManager_Connect(t *testing.T) {
	s := newTestSession(t, nil)
	require.NoError(t, s.store.Set(context.Background(), StorageKey_AccessToken, "opaque-token"))

	err := s.manager.Connect(context.Background())
	require.NoError(t, err)

	require.Equal(t, PhaseConnected, s.manager.Phase())
	require.True(t, s.manager.Connected.Load())
	require.Equal(t, "conn-1", s.manager.ConnectionID())
	require.Equal(t, 0, s.manager.ReconnectAttempts())
	require.Equal(t, []api.ClientEventType{api.ClientEventType_Connected}, s.events.Types())

	info := s.events.Events(api.ClientEventType_Connected)[0].EventData.(api.ConnectionInfo)
	require.Equal(t, "conn-1", info.ConnectionID)

	req := s.transport.lastRequest()
	require.Equal(t, "opaque-token", req.BearerToken)
	require.Equal(t, "device-1", req.DeviceID)

	// Already connected
	require.NoError(t, s.manager.Connect(context.Background()))
	require.Equal(t, 1, s.transport.Dials())
}

func TestConnectionManager_ConnectWithoutCredential(t *testing.T) {
	s := newTestSession(t, nil)

	require.NoError(t, s.manager.Connect(context.Background()))
	require.Empty(t, s.transport.lastRequest().BearerToken)
}

func TestConnectionManager_ConcurrentConnectDialsOnce(t *testing.T) {
	s := newTestSession(t, nil)
	block := make(chan struct{})
	s.transport.setBlock(block, false)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.manager.Connect(context.Background())
		}()
	}

	require.Eventually(t, func() bool { return s.transport.Dials() == 1 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	close(block)
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, 1, s.transport.Dials())
	require.Equal(t, 1, s.events.Count(api.ClientEventType_Connected))
}

func TestConnectionManager_InitialFailureRetriesFromAttemptTwo(t *testing.T) {
	s := newTestSession(t, nil)
	s.transport.setFailures(2)

	err := s.manager.Connect(context.Background())
	require.ErrorIs(t, err, errDialRefused)

	require.Eventually(t, func() bool {
		return s.events.Count(api.ClientEventType_Connected) == 1
	}, time.Second, time.Millisecond)
	require.Equal(t, PhaseConnected, s.manager.Phase())
	require.Equal(t, 3, s.transport.Dials())
	require.Equal(t, 0, s.manager.ReconnectAttempts())

	require.Equal(t, []api.ClientEventType{
		api.ClientEventType_ConnectionFailed,
		api.ClientEventType_Reconnecting,
		api.ClientEventType_ConnectionFailed,
		api.ClientEventType_Connected,
	}, s.events.Types())

	reconnecting := s.events.Events(api.ClientEventType_Reconnecting)[0].EventData.(api.ReconnectInfo)
	require.Equal(t, 2, reconnecting.Attempt)
	require.Equal(t, MaxReconnectAttempts, reconnecting.MaxAttempts)
	require.Equal(t, s.options.BackoffDelay(2).Milliseconds(), reconnecting.DelayMS)
}

func TestConnectionManager_GivesUpAfterMaxAttempts(t *testing.T) {
	s := newTestSession(t, nil)
	s.transport.setFailAll(true)

	require.Error(t, s.manager.Connect(context.Background()))
	require.Eventually(t, func() bool {
		return s.events.Count(api.ClientEventType_MaxReconnectAttemptsReached) == 1
	}, 2*time.Second, time.Millisecond)

	require.Equal(t, PhaseDisconnected, s.manager.Phase())
	require.Equal(t, MaxReconnectAttempts, s.transport.Dials())
	require.Equal(t, MaxReconnectAttempts, s.events.Count(api.ClientEventType_ConnectionFailed))
	require.Equal(t, MaxReconnectAttempts, s.manager.ReconnectAttempts())

	// No further attempts once given up
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, MaxReconnectAttempts, s.transport.Dials())

	// An explicit Connect resets the counter and resumes
	s.transport.setFailAll(false)
	require.NoError(t, s.manager.Connect(context.Background()))
	require.Equal(t, PhaseConnected, s.manager.Phase())
	require.Equal(t, 0, s.manager.ReconnectAttempts())
}

func TestConnectionManager_ConnectWhileReconnectingIsNoop(t *testing.T) {
	options := testOptions()
	options.ReconnectBaseDelay = time.Hour
	options.ReconnectMaxDelay = time.Hour
	s := newTestSession(t, options)
	s.transport.setFailAll(true)

	require.Error(t, s.manager.Connect(context.Background()))
	require.Equal(t, PhaseReconnecting, s.manager.Phase())

	require.NoError(t, s.manager.Connect(context.Background()))
	require.Equal(t, 1, s.transport.Dials())
	require.Equal(t, PhaseReconnecting, s.manager.Phase())
}

func TestConnectionManager_ReconnectsAfterDrop(t *testing.T) {
	s := newTestSession(t, nil)
	require.NoError(t, s.manager.Connect(context.Background()))
	first := s.transport.lastConn()

	first.drop(errors.New("connection reset by peer"))

	require.Eventually(t, func() bool {
		return s.events.Count(api.ClientEventType_Reconnected) == 1
	}, time.Second, time.Millisecond)
	require.Equal(t, PhaseConnected, s.manager.Phase())
	require.Equal(t, "conn-2", s.manager.ConnectionID())
	require.Equal(t, 2, s.transport.Dials())

	require.Equal(t, []api.ClientEventType{
		api.ClientEventType_Connected,
		api.ClientEventType_Disconnected,
		api.ClientEventType_Reconnecting,
		api.ClientEventType_Reconnected,
	}, s.events.Types())

	disconnected := s.events.Events(api.ClientEventType_Disconnected)[0]
	require.Equal(t, api.ClientEventStatus_Failure, disconnected.Status)
	require.ErrorContains(t, disconnected.Error, "connection reset by peer")

	reconnecting := s.events.Events(api.ClientEventType_Reconnecting)[0].EventData.(api.ReconnectInfo)
	require.Equal(t, 1, reconnecting.Attempt)
	require.Equal(t, int64(0), reconnecting.DelayMS)
}

func TestConnectionManager_DisconnectStopsReconnectLoop(t *testing.T) {
	options := testOptions()
	options.ReconnectBaseDelay = time.Hour
	options.ReconnectMaxDelay = time.Hour
	s := newTestSession(t, options)
	s.transport.setFailAll(true)

	require.Error(t, s.manager.Connect(context.Background()))
	require.Equal(t, PhaseReconnecting, s.manager.Phase())

	require.NoError(t, s.manager.Disconnect())
	require.Equal(t, PhaseDisconnected, s.manager.Phase())

	disconnected := s.events.Events(api.ClientEventType_Disconnected)
	require.Len(t, disconnected, 1)
	require.Equal(t, api.ClientEventStatus_Intentional, disconnected[0].Status)

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, s.transport.Dials())
	require.Zero(t, s.events.Count(api.ClientEventType_MaxReconnectAttemptsReached))

	// Disconnecting again emits nothing
	require.NoError(t, s.manager.Disconnect())
	require.Len(t, s.events.Events(api.ClientEventType_Disconnected), 1)
}

func TestConnectionManager_DisconnectClosesConnection(t *testing.T) {
	s := newTestSession(t, nil)
	require.NoError(t, s.manager.Connect(context.Background()))
	conn := s.transport.lastConn()

	require.NoError(t, s.manager.Disconnect())
	require.True(t, conn.isClosed())
	require.False(t, s.manager.Connected.Load())
	require.Empty(t, s.manager.ConnectionID())

	// The watcher sees the close but must not reconnect an intentional disconnect.
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, s.transport.Dials())
	require.Zero(t, s.events.Count(api.ClientEventType_Reconnecting))
}

func TestConnectionManager_DisconnectSupersedesInFlightDial(t *testing.T) {
	s := newTestSession(t, nil)
	block := make(chan struct{})
	s.transport.setBlock(block, true)

	result := make(chan error, 1)
	go func() {
		result <- s.manager.Connect(context.Background())
	}()
	require.Eventually(t, func() bool { return s.transport.Dials() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, s.manager.Disconnect())
	close(block)

	err := <-result
	require.ErrorIs(t, err, ErrConnectionSuperseded)
	require.Equal(t, PhaseDisconnected, s.manager.Phase())
	require.True(t, s.transport.lastConn().isClosed())
	require.Zero(t, s.events.Count(api.ClientEventType_Connected))
}

func TestConnectionManager_CallerCancelDoesNotRetry(t *testing.T) {
	s := newTestSession(t, nil)
	s.transport.setBlock(make(chan struct{}), false)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := s.manager.Connect(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.Equal(t, PhaseDisconnected, s.manager.Phase())
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, s.transport.Dials())
	require.Zero(t, s.events.Count(api.ClientEventType_Reconnecting))
}

func TestConnectionManager_DeliversMessages(t *testing.T) {
	s := newTestSession(t, nil)
	received := make(chan api.HubMessage, 1)
	s.manager.SetMessageHandler(func(message api.HubMessage) {
		received <- message
	})
	require.NoError(t, s.manager.Connect(context.Background()))

	s.transport.lastConn().push(HubEvent_ProfileViewed, `{"id":"n-1"}`)

	select {
	case message := <-received:
		require.Equal(t, HubEvent_ProfileViewed, message.Target)
		require.JSONEq(t, `{"id":"n-1"}`, string(message.Arguments[0]))
	case <-time.After(time.Second):
		t.Fatal("message was not delivered")
	}
}

func TestConnectionManager_Close(t *testing.T) {
	s := newTestSession(t, nil)
	require.NoError(t, s.manager.Connect(context.Background()))

	require.NoError(t, s.manager.Close())
	require.Equal(t, PhaseDisconnected, s.manager.Phase())
	require.ErrorIs(t, s.manager.Connect(context.Background()), ErrClientClosed)
}
