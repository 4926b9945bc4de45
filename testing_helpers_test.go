package gigbuds

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gigbuds/go-realtime-sdk/api"
	"github.com/gigbuds/go-realtime-sdk/storage"
	"github.com/gigbuds/go-realtime-sdk/util"
)

var errDialRefused = errors.New("dial tcp: connection refused")

func TestMain(m *testing.M) {
	flag.Parse()
	if !testing.Verbose() {
		util.SetLogger(util.DiscardLogger{})
	} else {
		util.SetLogger(util.NewDefaultLogger("debug"))
	}
	os.Exit(m.Run())
}

// testOptions shrinks every delay so reconnect and lifecycle tests run in milliseconds.
func testOptions() *Options {
	options := &Options{
		Groups:             []string{"jobseekers"},
		RequestTimeout:     time.Second,
		ReconnectBaseDelay: 5 * time.Millisecond,
		ReconnectMaxDelay:  40 * time.Millisecond,
		ReadinessDelay:     20 * time.Millisecond,
		ForegroundDebounce: 20 * time.Millisecond,
	}
	options.CheckDefaults()
	return options
}

// fakeTransport records every dial, invocation and close, in order, as strings such as
// "dial", "invoke:AddToGroup:jobseekers" and "close".
type fakeTransport struct {
	mu         sync.Mutex
	ops        []string
	dials      int
	failures   int
	failAll    bool
	block      chan struct{}
	ignoreCtx  bool
	invokeErrs map[string]error
	conns      []*fakeConnection
	requests   []DialRequest
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{invokeErrs: make(map[string]error)}
}

func (t *fakeTransport) Dial(ctx context.Context, req DialRequest) (Connection, error) {
	t.mu.Lock()
	t.dials++
	n := t.dials
	t.ops = append(t.ops, "dial")
	t.requests = append(t.requests, req)
	block := t.block
	ignoreCtx := t.ignoreCtx
	fail := t.failAll || t.failures > 0
	if t.failures > 0 {
		t.failures--
	}
	t.mu.Unlock()

	if block != nil {
		if ignoreCtx {
			<-block
		} else {
			select {
			case <-block:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	if fail {
		return nil, errDialRefused
	}

	conn := &fakeConnection{
		transport: t,
		id:        fmt.Sprintf("conn-%d", n),
		messages:  make(chan api.HubMessage, 16),
		done:      make(chan struct{}),
	}
	t.mu.Lock()
	t.conns = append(t.conns, conn)
	t.mu.Unlock()
	return conn, nil
}

func (t *fakeTransport) record(op string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ops = append(t.ops, op)
}

func (t *fakeTransport) Ops() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.ops...)
}

func (t *fakeTransport) clearOps() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ops = nil
}

func (t *fakeTransport) Dials() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

func (t *fakeTransport) setFailures(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures = n
}

func (t *fakeTransport) setFailAll(fail bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failAll = fail
}

func (t *fakeTransport) setBlock(block chan struct{}, ignoreCtx bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.block = block
	t.ignoreCtx = ignoreCtx
}

func (t *fakeTransport) failInvoke(op string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.invokeErrs[op] = err
}

func (t *fakeTransport) lastConn() *fakeConnection {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.conns) == 0 {
		return nil
	}
	return t.conns[len(t.conns)-1]
}

func (t *fakeTransport) lastRequest() DialRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.requests) == 0 {
		return DialRequest{}
	}
	return t.requests[len(t.requests)-1]
}

// countOps returns how many recorded ops start with prefix.
func (t *fakeTransport) countOps(prefix string) int {
	count := 0
	for _, op := range t.Ops() {
		if strings.HasPrefix(op, prefix) {
			count++
		}
	}
	return count
}

type fakeConnection struct {
	transport *fakeTransport
	id        string
	messages  chan api.HubMessage
	done      chan struct{}

	once   sync.Once
	mu     sync.Mutex
	err    error
	closed bool
}

func (c *fakeConnection) ID() string                      { return c.id }
func (c *fakeConnection) Messages() <-chan api.HubMessage { return c.messages }
func (c *fakeConnection) Done() <-chan struct{}           { return c.done }

func (c *fakeConnection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *fakeConnection) Invoke(_ context.Context, method string, args ...interface{}) error {
	select {
	case <-c.done:
		return ErrConnectionEnd
	default:
	}
	op := "invoke:" + method
	for _, arg := range args {
		op += fmt.Sprintf(":%v", arg)
	}
	c.transport.record(op)

	c.transport.mu.Lock()
	err := c.transport.invokeErrs[op]
	c.transport.mu.Unlock()
	if err != nil {
		return &InvocationError{Method: method, Message: err.Error()}
	}
	return nil
}

func (c *fakeConnection) Close() error {
	c.mu.Lock()
	already := c.closed
	c.closed = true
	c.mu.Unlock()
	if already {
		return nil
	}
	c.transport.record("close")
	c.finish(nil)
	return nil
}

func (c *fakeConnection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// drop simulates the hub going away.
func (c *fakeConnection) drop(err error) {
	c.finish(err)
}

func (c *fakeConnection) push(target string, args ...string) {
	msg := api.HubMessage{Target: target}
	for _, arg := range args {
		msg.Arguments = append(msg.Arguments, []byte(arg))
	}
	c.messages <- msg
}

func (c *fakeConnection) finish(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
		close(c.messages)
	})
}

// eventRecorder captures client events in publish order.
type eventRecorder struct {
	mu     sync.Mutex
	events []api.ClientEvent
}

var allClientEventTypes = []api.ClientEventType{
	api.ClientEventType_Connected,
	api.ClientEventType_Disconnected,
	api.ClientEventType_Reconnecting,
	api.ClientEventType_Reconnected,
	api.ClientEventType_ConnectionFailed,
	api.ClientEventType_MaxReconnectAttemptsReached,
	api.ClientEventType_NotificationReceived,
	api.ClientEventType_NotificationsChanged,
}

func recordEvents(bus *EventBus) *eventRecorder {
	r := &eventRecorder{}
	for _, eventType := range allClientEventTypes {
		bus.Subscribe(eventType, func(event api.ClientEvent) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.events = append(r.events, event)
		})
	}
	return r
}

func (r *eventRecorder) Types() []api.ClientEventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]api.ClientEventType, 0, len(r.events))
	for _, event := range r.events {
		types = append(types, event.EventType)
	}
	return types
}

func (r *eventRecorder) Events(eventType api.ClientEventType) []api.ClientEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []api.ClientEvent
	for _, event := range r.events {
		if event.EventType == eventType {
			out = append(out, event)
		}
	}
	return out
}

func (r *eventRecorder) Count(eventType api.ClientEventType) int {
	return len(r.Events(eventType))
}

type testSession struct {
	transport *fakeTransport
	bus       *EventBus
	options   *Options
	store     *storage.MemoryStore
	manager   *ConnectionManager
	groups    *GroupMembership
	lifecycle *LifecycleCoordinator
	events    *eventRecorder
}

func newTestSession(t *testing.T, options *Options) *testSession {
	t.Helper()
	if options == nil {
		options = testOptions()
	}
	s := &testSession{
		transport: newFakeTransport(),
		bus:       NewEventBus(nil),
		options:   options,
		store:     storage.NewMemoryStore(),
	}
	s.events = recordEvents(s.bus)
	s.manager = NewConnectionManager("https://hub.gigbuds.test/notifications", s.transport,
		NewCredentialProvider(s.store), "device-1", s.bus, options)
	s.groups = NewGroupMembership(s.manager, options.Groups)
	s.lifecycle = NewLifecycleCoordinator(s.manager, s.groups, s.bus, options)
	t.Cleanup(func() {
		_ = s.lifecycle.Unmount(context.Background())
		_ = s.manager.Close()
	})
	return s
}

func ptr[T any](v T) *T {
	return &v
}
