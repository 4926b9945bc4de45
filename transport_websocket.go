package gigbuds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gigbuds/go-realtime-sdk/api"
	"github.com/gigbuds/go-realtime-sdk/util"
	"github.com/gorilla/websocket"
)

// WebSocketTransport speaks the hub's JSON frame protocol over a single WebSocket.
type WebSocketTransport struct {
	options *Options
	cfg     *HTTPConfiguration
	dialer  *websocket.Dialer
}

func NewWebSocketTransport(options *Options, cfg *HTTPConfiguration) *WebSocketTransport {
	return &WebSocketTransport{
		options: options,
		cfg:     cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: options.RequestTimeout,
		},
	}
}

func websocketURL(hubURL string) (string, error) {
	u, err := url.Parse(hubURL)
	if err != nil {
		return "", fmt.Errorf("invalid hub URL %q: %w", hubURL, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported hub URL scheme %q", u.Scheme)
	}
	return u.String(), nil
}

func (t *WebSocketTransport) Dial(ctx context.Context, req DialRequest) (Connection, error) {
	wsURL, err := websocketURL(req.HubURL)
	if err != nil {
		return nil, err
	}

	conn, resp, err := t.dialer.DialContext(ctx, wsURL, req.header(t.cfg))
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial %s: %s: %w", wsURL, resp.Status, err)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", wsURL, err)
	}

	id, err := t.awaitHandshake(ctx, conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	c := &websocketConnection{
		conn:     conn,
		id:       id,
		messages: make(chan api.HubMessage, 16),
		done:     make(chan struct{}),
		pending:  make(map[string]pendingInvocation),
	}
	go c.readLoop()
	return c, nil
}

func (t *WebSocketTransport) awaitHandshake(ctx context.Context, conn *websocket.Conn) (string, error) {
	// Reads do not take a context; closing the socket unblocks them.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	deadline := time.Now().Add(t.options.RequestTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)

	var frame api.HubFrame
	if err := conn.ReadJSON(&frame); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("websocket handshake: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	if frame.Type_ != api.HubFrameType_Handshake {
		return "", fmt.Errorf("websocket handshake: expected %s frame, got %q", api.HubFrameType_Handshake, frame.Type_)
	}
	if frame.Error != "" {
		return "", fmt.Errorf("websocket handshake rejected: %s", frame.Error)
	}
	return frame.ConnectionId, nil
}

type pendingInvocation struct {
	method string
	result chan error
}

type websocketConnection struct {
	conn     *websocket.Conn
	id       string
	messages chan api.HubMessage
	done     chan struct{}

	writeMu        sync.Mutex
	mu             sync.Mutex
	err            error
	pending        map[string]pendingInvocation
	finishOnce     sync.Once
	closedLocally  atomic.Bool
	nextInvocation atomic.Uint64
}

func (c *websocketConnection) ID() string                      { return c.id }
func (c *websocketConnection) Messages() <-chan api.HubMessage { return c.messages }
func (c *websocketConnection) Done() <-chan struct{}           { return c.done }

func (c *websocketConnection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *websocketConnection) readLoop() {
	defer close(c.messages)
	for {
		var frame api.HubFrame
		if err := c.conn.ReadJSON(&frame); err != nil {
			if c.closedLocally.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				c.finish(nil)
			} else {
				c.finish(fmt.Errorf("websocket read: %w", err))
			}
			return
		}

		switch frame.Type_ {
		case api.HubFrameType_Invocation:
			select {
			case c.messages <- api.HubMessage{Target: frame.Target, Arguments: frame.Arguments}:
			case <-c.done:
				return
			}
		case api.HubFrameType_Completion:
			c.complete(frame.InvocationId, frame.Error)
		case api.HubFrameType_Ping:
		case api.HubFrameType_Close:
			reason := frame.Error
			if reason == "" {
				reason = "no reason given"
			}
			c.finish(fmt.Errorf("hub closed connection: %s", reason))
			return
		default:
			util.Debugf("Ignoring websocket frame of type %q", frame.Type_)
		}
	}
}

func (c *websocketConnection) complete(invocationID string, message string) {
	c.mu.Lock()
	p, ok := c.pending[invocationID]
	delete(c.pending, invocationID)
	c.mu.Unlock()
	if !ok {
		return
	}
	if message != "" {
		p.result <- &InvocationError{Method: p.method, Message: message}
		return
	}
	p.result <- nil
}

func (c *websocketConnection) finish(err error) {
	c.finishOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		pending := c.pending
		c.pending = nil
		c.mu.Unlock()

		for _, p := range pending {
			p.result <- ErrConnectionEnd
		}
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *websocketConnection) Invoke(ctx context.Context, method string, args ...interface{}) error {
	arguments := make([]json.RawMessage, 0, len(args))
	for _, arg := range args {
		raw, err := json.Marshal(arg)
		if err != nil {
			return fmt.Errorf("marshal %s argument: %w", method, err)
		}
		arguments = append(arguments, raw)
	}

	invocationID := strconv.FormatUint(c.nextInvocation.Add(1), 10)
	result := make(chan error, 1)

	c.mu.Lock()
	if c.pending == nil {
		c.mu.Unlock()
		return ErrConnectionEnd
	}
	c.pending[invocationID] = pendingInvocation{method: method, result: result}
	c.mu.Unlock()

	frame := api.HubFrame{
		Type_:        api.HubFrameType_Invocation,
		InvocationId: invocationID,
		Target:       method,
		Arguments:    arguments,
	}

	c.writeMu.Lock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
	} else {
		_ = c.conn.SetWriteDeadline(time.Time{})
	}
	err := c.conn.WriteJSON(frame)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(invocationID)
		return fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		c.forget(invocationID)
		return ctx.Err()
	}
}

func (c *websocketConnection) forget(invocationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending != nil {
		delete(c.pending, invocationID)
	}
}

func (c *websocketConnection) Close() error {
	if !c.closedLocally.CompareAndSwap(false, true) {
		return nil
	}
	c.writeMu.Lock()
	err := c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.finish(nil)
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		util.Debugf("Error sending websocket close frame: %v", err)
	}
	return nil
}
