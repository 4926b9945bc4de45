package gigbuds

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gigbuds/go-realtime-sdk/api"
	"github.com/gigbuds/go-realtime-sdk/util"
	"github.com/launchdarkly/eventsource"
)

const (
	sseEventHandshake = "handshake"
	sseEventPing      = "ping"
)

// SSETransport receives server events over a text/event-stream and sends invocations
// as HTTP POSTs tagged with the stream's connection id.
type SSETransport struct {
	options      *Options
	cfg          *HTTPConfiguration
	streamClient *http.Client
}

func NewSSETransport(options *Options, cfg *HTTPConfiguration) *SSETransport {
	return &SSETransport{
		options: options,
		cfg:     cfg,
		// The stream is long-lived, so it cannot share the request timeout of cfg.HTTPClient.
		streamClient: &http.Client{Transport: cfg.HTTPClient.Transport},
	}
}

type subscribeResult struct {
	stream *eventsource.Stream
	err    error
}

func (t *SSETransport) Dial(ctx context.Context, req DialRequest) (Connection, error) {
	streamURL, err := joinURL(req.HubURL, "stream")
	if err != nil {
		return nil, err
	}
	invokeURL, err := joinURL(req.HubURL, "invoke")
	if err != nil {
		return nil, err
	}

	// No request context: it would tear the stream down once the dial returns.
	httpReq, err := http.NewRequest(http.MethodGet, streamURL, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header = req.header(t.cfg)
	httpReq.Header.Set("Accept", "text/event-stream")

	c := &sseConnection{
		invokeURL: invokeURL,
		cfg:       t.cfg,
		messages:  make(chan api.HubMessage, 16),
		done:      make(chan struct{}),
	}

	subscribed := make(chan subscribeResult, 1)
	go func() {
		stream, err := eventsource.SubscribeWithRequestAndOptions(httpReq,
			eventsource.StreamOptionHTTPClient(t.streamClient),
			eventsource.StreamOptionErrorHandler(c.handleStreamError),
		)
		subscribed <- subscribeResult{stream: stream, err: err}
	}()

	var stream *eventsource.Stream
	select {
	case r := <-subscribed:
		if r.err != nil {
			return nil, fmt.Errorf("sse subscribe %s: %w", streamURL, r.err)
		}
		stream = r.stream
	case <-ctx.Done():
		go func() {
			if r := <-subscribed; r.stream != nil {
				r.stream.Close()
			}
		}()
		return nil, ctx.Err()
	}
	c.setStream(stream)

	timer := time.NewTimer(t.options.RequestTimeout)
	defer timer.Stop()
	select {
	case ev, ok := <-stream.Events:
		if !ok {
			c.finish(ErrConnectionEnd, true)
			return nil, fmt.Errorf("sse handshake: %w", ErrConnectionEnd)
		}
		if ev.Event() != sseEventHandshake {
			c.finish(nil, true)
			return nil, fmt.Errorf("sse handshake: expected %s event, got %q", sseEventHandshake, ev.Event())
		}
		var data api.HandshakeData
		if err := json.Unmarshal([]byte(ev.Data()), &data); err != nil {
			c.finish(nil, true)
			return nil, fmt.Errorf("sse handshake: %w", err)
		}
		c.id = data.ConnectionId
	case <-c.done:
		return nil, fmt.Errorf("sse handshake: %w", c.Err())
	case <-ctx.Done():
		c.finish(nil, true)
		return nil, ctx.Err()
	case <-timer.C:
		c.finish(nil, true)
		return nil, fmt.Errorf("sse handshake: timed out after %s", t.options.RequestTimeout)
	}

	go c.pump(stream)
	return c, nil
}

type sseConnection struct {
	id        string
	invokeURL string
	cfg       *HTTPConfiguration
	messages  chan api.HubMessage
	done      chan struct{}

	mu            sync.Mutex
	stream        *eventsource.Stream
	err           error
	finishOnce    sync.Once
	closedLocally atomic.Bool
}

func (c *sseConnection) ID() string                      { return c.id }
func (c *sseConnection) Messages() <-chan api.HubMessage { return c.messages }
func (c *sseConnection) Done() <-chan struct{}           { return c.done }

func (c *sseConnection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *sseConnection) setStream(stream *eventsource.Stream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stream = stream
}

// handleStreamError stops the library's own retry loop: every stream error ends the connection.
func (c *sseConnection) handleStreamError(err error) eventsource.StreamErrorHandlerResult {
	util.Debugf("SSE - Error: %v", err)
	if c.closedLocally.Load() {
		c.finish(nil, false)
	} else {
		c.finish(fmt.Errorf("sse stream: %w", err), false)
	}
	return eventsource.StreamErrorHandlerResult{
		CloseNow: true,
	}
}

func (c *sseConnection) finish(err error, closeStream bool) {
	c.finishOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		stream := c.stream
		c.mu.Unlock()
		close(c.done)
		if closeStream && stream != nil {
			stream.Close()
		}
	})
}

func (c *sseConnection) pump(stream *eventsource.Stream) {
	defer close(c.messages)
	for {
		select {
		case <-c.done:
			return
		case event, ok := <-stream.Events:
			if !ok {
				c.finish(ErrConnectionEnd, false)
				return
			}
			message, ok, err := parseSSEEvent(event)
			if err != nil {
				util.Debugf("SSE - Error unmarshalling message: %v", err)
				continue
			}
			if !ok {
				continue
			}
			select {
			case c.messages <- message:
			case <-c.done:
				return
			}
		}
	}
}

// parseSSEEvent turns a named event into a hub message. The data is either a JSON array
// of arguments or a single JSON value. Unnamed events carry a {target, arguments} envelope.
func parseSSEEvent(event eventsource.Event) (message api.HubMessage, ok bool, err error) {
	name := event.Event()
	data := strings.TrimSpace(event.Data())

	switch name {
	case sseEventPing, sseEventHandshake:
		return message, false, nil
	case "", "message":
		var envelope struct {
			Target    string            `json:"target"`
			Arguments []json.RawMessage `json:"arguments"`
		}
		if err = json.Unmarshal([]byte(data), &envelope); err != nil {
			return message, false, err
		}
		if envelope.Target == "" {
			return message, false, fmt.Errorf("event envelope has no target")
		}
		return api.HubMessage{Target: envelope.Target, Arguments: envelope.Arguments}, true, nil
	}

	message.Target = name
	if data == "" {
		return message, true, nil
	}
	if strings.HasPrefix(data, "[") {
		if err = json.Unmarshal([]byte(data), &message.Arguments); err != nil {
			return message, false, err
		}
		return message, true, nil
	}
	if !json.Valid([]byte(data)) {
		return message, false, fmt.Errorf("invalid JSON data for event %q", name)
	}
	message.Arguments = []json.RawMessage{json.RawMessage(data)}
	return message, true, nil
}

func (c *sseConnection) Invoke(ctx context.Context, method string, args ...interface{}) error {
	select {
	case <-c.done:
		return ErrConnectionEnd
	default:
	}
	if args == nil {
		args = []interface{}{}
	}

	body, err := json.Marshal(api.InvokeRequest{ConnectionId: c.id, Target: method, Arguments: args})
	if err != nil {
		return fmt.Errorf("marshal %s invocation: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.invokeURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	for header, value := range c.cfg.DefaultHeader {
		req.Header.Set(header, value)
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("invoke %s: %w", method, err)
	}
	// always ensure body is closed to avoid goroutine leak
	defer func() {
		_ = resp.Body.Close()
	}()
	responseBody, readError := io.ReadAll(resp.Body)
	if readError != nil {
		return fmt.Errorf("invoke %s: read response: %w", method, readError)
	}

	if resp.StatusCode >= 300 {
		message := strings.TrimSpace(string(responseBody))
		if message == "" {
			message = resp.Status
		}
		return &InvocationError{Method: method, Message: message}
	}
	return nil
}

func (c *sseConnection) Close() error {
	if !c.closedLocally.CompareAndSwap(false, true) {
		return nil
	}
	c.finish(nil, true)
	return nil
}
