package gigbuds

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gigbuds/go-realtime-sdk/api"
	"github.com/gigbuds/go-realtime-sdk/util"
	"github.com/matryer/try"
	"golang.org/x/sync/singleflight"
)

type ConnectionPhase string

const (
	PhaseDisconnected ConnectionPhase = "disconnected"
	PhaseConnecting   ConnectionPhase = "connecting"
	PhaseConnected    ConnectionPhase = "connected"
	PhaseReconnecting ConnectionPhase = "reconnecting"
)

// ErrConnectionSuperseded is returned when a dial completes after Disconnect or Close
// started a new session epoch. The late connection is closed.
var ErrConnectionSuperseded = errors.New("gigbuds: connection attempt superseded")

type MessageHandler func(message api.HubMessage)

// ConnectionManager owns the single hub connection of a session and its reconnect loop.
//
// Every Disconnect bumps an epoch. Dials, watchers and reconnect loops capture the epoch
// they were started under and go silent once it changes.
type ConnectionManager struct {
	Connected atomic.Bool

	hubURL      string
	transport   Transport
	credentials *CredentialProvider
	deviceID    string
	bus         *EventBus
	options     *Options
	onMessage   MessageHandler

	context context.Context
	cancel  context.CancelFunc
	flight  singleflight.Group

	mu                sync.Mutex
	phase             ConnectionPhase
	reconnectAttempts int
	connectionID      string
	conn              Connection
	epoch             uint64
	cancelAttempt     context.CancelFunc
}

func NewConnectionManager(
	hubURL string,
	transport Transport,
	credentials *CredentialProvider,
	deviceID string,
	bus *EventBus,
	options *Options,
) *ConnectionManager {
	m := &ConnectionManager{
		hubURL:      hubURL,
		transport:   transport,
		credentials: credentials,
		deviceID:    deviceID,
		bus:         bus,
		options:     options,
		phase:       PhaseDisconnected,
	}
	m.context, m.cancel = context.WithCancel(context.Background())
	return m
}

// SetMessageHandler installs the callback that receives every server-pushed event.
// It must be set before the first Connect.
func (m *ConnectionManager) SetMessageHandler(handler MessageHandler) {
	m.onMessage = handler
}

func (m *ConnectionManager) Phase() ConnectionPhase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// ConnectionID is the hub-assigned id of the live connection, or "" when not connected.
func (m *ConnectionManager) ConnectionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectionID
}

func (m *ConnectionManager) ReconnectAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reconnectAttempts
}

func (m *ConnectionManager) activeConnection() Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != PhaseConnected {
		return nil
	}
	return m.conn
}

// Connect opens the hub connection. It is a no-op while a connection exists or a connect
// or reconnect sequence is already running; concurrent callers share one dial. When the
// first dial fails the error is returned and reconnection continues in the background.
func (m *ConnectionManager) Connect(ctx context.Context) error {
	_, err, _ := m.flight.Do("connect", func() (interface{}, error) {
		return nil, m.connect(ctx)
	})
	return err
}

func (m *ConnectionManager) connect(ctx context.Context) error {
	m.mu.Lock()
	if m.context.Err() != nil {
		m.mu.Unlock()
		return ErrClientClosed
	}
	switch m.phase {
	case PhaseConnecting, PhaseConnected, PhaseReconnecting:
		util.Debugf("Connect ignored, connection is %s", m.phase)
		m.mu.Unlock()
		return nil
	}
	m.phase = PhaseConnecting
	m.reconnectAttempts = 0
	epoch := m.epoch
	attemptCtx, cancel := context.WithTimeout(ctx, m.options.RequestTimeout)
	m.cancelAttempt = cancel
	m.mu.Unlock()

	defer cancel()
	stop := context.AfterFunc(m.context, cancel)
	defer stop()

	util.Infof("Connecting to hub %s", m.hubURL)
	err := m.dial(attemptCtx, epoch, api.ClientEventType_Connected, 1)
	if err == nil {
		return nil
	}

	m.mu.Lock()
	if m.epoch != epoch || errors.Is(err, ErrConnectionSuperseded) {
		m.mu.Unlock()
		return err
	}
	if ctx.Err() != nil || m.context.Err() != nil {
		// Aborted by the caller, not a hub failure: nothing to retry.
		m.phase = PhaseDisconnected
		m.cancelAttempt = nil
		m.mu.Unlock()
		util.Debugf("Connect aborted: %v", err)
		return err
	}
	m.reconnectAttempts = 1
	m.mu.Unlock()

	util.Warnf("Connection to hub failed: %v", err)
	m.publish(api.ClientEventType_ConnectionFailed, m.reconnectInfo(1), api.ClientEventStatus_Failure, err)
	m.startReconnect(epoch, 1, false)
	return err
}

// dial opens a connection and, if the epoch is unchanged, makes it the live one.
func (m *ConnectionManager) dial(ctx context.Context, epoch uint64, onSuccess api.ClientEventType, attempt int) error {
	var token string
	if m.credentials != nil {
		var err error
		if token, err = m.credentials.BearerToken(ctx); err != nil {
			util.Warnf("Unable to read access token, connecting without it: %v", err)
		}
	}

	conn, err := m.transport.Dial(ctx, DialRequest{
		HubURL:      m.hubURL,
		BearerToken: token,
		DeviceID:    m.deviceID,
	})
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.epoch != epoch || m.context.Err() != nil {
		m.mu.Unlock()
		_ = conn.Close()
		return ErrConnectionSuperseded
	}
	m.conn = conn
	m.connectionID = conn.ID()
	m.phase = PhaseConnected
	m.reconnectAttempts = 0
	m.cancelAttempt = nil
	m.Connected.Store(true)
	m.mu.Unlock()

	util.Infof("Connected to hub, connection id %s", conn.ID())
	m.publish(onSuccess, api.ConnectionInfo{ConnectionID: conn.ID(), Attempt: attempt}, api.ClientEventStatus_Success, nil)
	go m.watch(conn, epoch)
	return nil
}

func (m *ConnectionManager) watch(conn Connection, epoch uint64) {
	for message := range conn.Messages() {
		if m.onMessage != nil && m.isCurrent(epoch) {
			m.onMessage(message)
		}
	}
	<-conn.Done()
	m.handleClosed(conn, epoch)
}

func (m *ConnectionManager) isCurrent(epoch uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch == epoch
}

func (m *ConnectionManager) handleClosed(conn Connection, epoch uint64) {
	m.mu.Lock()
	if m.epoch != epoch || m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.connectionID = ""
	// Reconnecting right away so a concurrent Connect cannot start a second sequence.
	m.phase = PhaseReconnecting
	m.Connected.Store(false)
	m.mu.Unlock()

	err := conn.Err()
	if err == nil {
		err = ErrConnectionEnd
	}
	util.Warnf("Hub connection lost: %v", err)
	m.publish(api.ClientEventType_Disconnected, nil, api.ClientEventStatus_Failure, err)
	m.startReconnect(epoch, 0, true)
}

func (m *ConnectionManager) reconnectInfo(attempt int) api.ReconnectInfo {
	return api.ReconnectInfo{
		Attempt:     attempt,
		MaxAttempts: MaxReconnectAttempts,
		DelayMS:     m.options.BackoffDelay(attempt + 1).Milliseconds(),
	}
}

// startReconnect launches the reconnect loop after `failures` consecutive failed attempts.
func (m *ConnectionManager) startReconnect(epoch uint64, failures int, afterDrop bool) {
	m.mu.Lock()
	if m.epoch != epoch || m.context.Err() != nil {
		m.mu.Unlock()
		return
	}
	m.phase = PhaseReconnecting
	m.reconnectAttempts = failures
	m.Connected.Store(false)
	loopCtx, cancel := context.WithCancel(m.context)
	m.cancelAttempt = cancel
	m.mu.Unlock()

	next := failures + 1
	m.publish(api.ClientEventType_Reconnecting, api.ReconnectInfo{
		Attempt:     next,
		MaxAttempts: MaxReconnectAttempts,
		DelayMS:     m.options.BackoffDelay(next).Milliseconds(),
	}, api.ClientEventStatus_Info, nil)

	go m.reconnectLoop(loopCtx, cancel, epoch, failures, afterDrop)
}

func (m *ConnectionManager) reconnectLoop(ctx context.Context, cancel context.CancelFunc, epoch uint64, failures int, afterDrop bool) {
	defer cancel()

	onSuccess := api.ClientEventType_Connected
	if afterDrop {
		onSuccess = api.ClientEventType_Reconnected
	}

	exhausted := false
	// The attempt param is auto-incremented; n counts consecutive failures across the
	// initial connect and this loop.
	err := try.Do(func(attempt int) (bool, error) {
		n := failures + attempt
		if delay := m.options.BackoffDelay(n); delay > 0 {
			util.Infof("Reconnecting to hub in %s (attempt %d of %d)", delay, n, MaxReconnectAttempts)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return false, ctx.Err()
			case <-timer.C:
			}
		}

		attemptCtx, cancelAttempt := context.WithTimeout(ctx, m.options.RequestTimeout)
		err := m.dial(attemptCtx, epoch, onSuccess, n)
		cancelAttempt()
		if err == nil {
			return false, nil
		}
		if ctx.Err() != nil || errors.Is(err, ErrConnectionSuperseded) {
			return false, err
		}

		m.mu.Lock()
		if m.epoch != epoch {
			m.mu.Unlock()
			return false, ErrConnectionSuperseded
		}
		m.reconnectAttempts = n
		m.mu.Unlock()

		util.Warnf("Reconnect attempt %d of %d failed: %v", n, MaxReconnectAttempts, err)
		m.publish(api.ClientEventType_ConnectionFailed, m.reconnectInfo(n), api.ClientEventStatus_Failure, err)
		if n >= MaxReconnectAttempts {
			exhausted = true
			return false, err
		}
		return true, err
	})
	if err == nil || !exhausted {
		return
	}

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return
	}
	m.phase = PhaseDisconnected
	m.cancelAttempt = nil
	m.mu.Unlock()

	util.Warnf("Giving up on the hub after %d failed attempts. Call Connect to try again.", MaxReconnectAttempts)
	m.publish(api.ClientEventType_MaxReconnectAttemptsReached, api.ReconnectInfo{
		Attempt:     MaxReconnectAttempts,
		MaxAttempts: MaxReconnectAttempts,
	}, api.ClientEventStatus_Failure, err)
}

// Disconnect closes the connection and stops any connect or reconnect in flight.
// A disconnected event is emitted only if the manager was not already disconnected.
func (m *ConnectionManager) Disconnect() error {
	m.mu.Lock()
	m.epoch++
	wasDisconnected := m.phase == PhaseDisconnected
	conn := m.conn
	cancel := m.cancelAttempt
	m.conn = nil
	m.cancelAttempt = nil
	m.connectionID = ""
	m.phase = PhaseDisconnected
	m.reconnectAttempts = 0
	m.Connected.Store(false)
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if conn != nil {
		err = conn.Close()
	}
	if !wasDisconnected {
		util.Infof("Disconnected from hub")
		m.publish(api.ClientEventType_Disconnected, nil, api.ClientEventStatus_Intentional, nil)
	}
	return err
}

func (m *ConnectionManager) Close() error {
	err := m.Disconnect()
	m.cancel()
	return err
}

func (m *ConnectionManager) publish(eventType api.ClientEventType, data interface{}, status string, err error) {
	m.bus.Publish(api.ClientEvent{
		EventType: eventType,
		EventData: data,
		Status:    status,
		Error:     err,
	})
}
