package gigbuds

import (
	"context"
	"sync"
	"time"

	"github.com/gigbuds/go-realtime-sdk/api"
	"github.com/gigbuds/go-realtime-sdk/util"
)

type LifecycleState string

const (
	StateIdle          LifecycleState = "idle"
	StateMounting      LifecycleState = "mounting"
	StateActive        LifecycleState = "active"
	StateBackgrounding LifecycleState = "backgrounding"
	StateUnmounting    LifecycleState = "unmounting"
)

// AppState is the OS-level application state signal.
type AppState string

const (
	AppStateActive     AppState = "active"
	AppStateBackground AppState = "background"
	AppStateInactive   AppState = "inactive"
)

// LifecycleCoordinator pairs connect/join with leave/disconnect across mount, unmount
// and foreground/background transitions.
//
// Every connect, disconnect, join and leave sequence runs under opMu, so a late
// callback cannot interleave with a teardown. Every timer is tracked and checks the
// mounted flag before it acts.
type LifecycleCoordinator struct {
	manager *ConnectionManager
	groups  *GroupMembership
	bus     *EventBus
	options *Options

	opMu sync.Mutex

	mu              sync.Mutex
	state           LifecycleState
	mounted         bool
	tokens          []SubscriptionToken
	timers          map[uint64]*time.Timer
	nextTimer       uint64
	rejoinTimer     uint64
	foregroundTimer uint64
	cancelConnect   context.CancelFunc
}

func NewLifecycleCoordinator(manager *ConnectionManager, groups *GroupMembership, bus *EventBus, options *Options) *LifecycleCoordinator {
	return &LifecycleCoordinator{
		manager: manager,
		groups:  groups,
		bus:     bus,
		options: options,
		state:   StateIdle,
		timers:  make(map[uint64]*time.Timer),
	}
}

func (c *LifecycleCoordinator) State() LifecycleState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Mount subscribes to connection events and connects. Mounting twice is a no-op.
// A failed first connect is returned, but the coordinator still goes active: the
// connection manager keeps retrying in the background.
func (c *LifecycleCoordinator) Mount(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		util.Debugf("Mount ignored, lifecycle is %s", c.state)
		return nil
	}
	c.state = StateMounting
	c.mounted = true
	c.tokens = append(c.tokens,
		c.bus.Subscribe(api.ClientEventType_Connected, c.onConnected),
		c.bus.Subscribe(api.ClientEventType_Reconnected, c.onConnected),
		c.bus.Subscribe(api.ClientEventType_Disconnected, c.onDisconnected),
	)
	c.mu.Unlock()

	c.opMu.Lock()
	err := c.connect(ctx)
	c.opMu.Unlock()

	c.mu.Lock()
	if c.state == StateMounting {
		c.state = StateActive
	}
	c.mu.Unlock()
	return err
}

// connect must be called with opMu held. Unmount and Background can abort it.
func (c *LifecycleCoordinator) connect(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	c.mu.Lock()
	c.cancelConnect = cancel
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.cancelConnect = nil
		c.mu.Unlock()
		cancel()
	}()
	return c.manager.Connect(ctx)
}

// HandleAppState feeds an OS application state change into the coordinator.
func (c *LifecycleCoordinator) HandleAppState(state AppState) {
	switch state {
	case AppStateActive:
		c.Foreground()
	case AppStateBackground, AppStateInactive:
		c.Background()
	default:
		util.Warnf("Ignoring unknown app state %q", state)
	}
}

// Background leaves every joined group and then disconnects. The disconnect runs even
// when leaving fails.
func (c *LifecycleCoordinator) Background() {
	c.mu.Lock()
	if c.mounted && c.state == StateBackgrounding {
		// Still backgrounded: drop a foreground that has not fired yet.
		c.stopTimerLocked(c.foregroundTimer)
		c.mu.Unlock()
		return
	}
	if !c.mounted || (c.state != StateActive && c.state != StateMounting) {
		c.mu.Unlock()
		return
	}
	c.state = StateBackgrounding
	c.stopTimerLocked(c.rejoinTimer)
	c.stopTimerLocked(c.foregroundTimer)
	if c.cancelConnect != nil {
		c.cancelConnect()
	}
	c.mu.Unlock()

	util.Infof("App moved to background, releasing hub connection")
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.teardown(context.Background())
}

// Foreground schedules a reconnect after ForegroundDebounce. Another Background before
// the debounce elapses cancels it.
func (c *LifecycleCoordinator) Foreground() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.mounted || c.state != StateBackgrounding {
		return
	}
	c.stopTimerLocked(c.foregroundTimer)
	c.foregroundTimer = c.scheduleLocked(c.options.ForegroundDebounce, c.resume)
}

func (c *LifecycleCoordinator) resume() {
	c.mu.Lock()
	if !c.mounted || c.state != StateBackgrounding {
		c.mu.Unlock()
		return
	}
	c.state = StateActive
	c.mu.Unlock()

	util.Infof("App returned to foreground, reconnecting")
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if c.State() != StateActive {
		return
	}
	if err := c.connect(context.Background()); err != nil {
		util.Warnf("Reconnect on foreground failed: %v", err)
	}
}

// Unmount tears everything Mount set up: timers, its own subscriptions, any in-flight
// connect, group membership and the connection.
func (c *LifecycleCoordinator) Unmount(ctx context.Context) error {
	c.mu.Lock()
	if !c.mounted {
		c.mu.Unlock()
		return nil
	}
	c.mounted = false
	c.state = StateUnmounting
	for id, timer := range c.timers {
		timer.Stop()
		delete(c.timers, id)
	}
	tokens := c.tokens
	c.tokens = nil
	if c.cancelConnect != nil {
		c.cancelConnect()
	}
	c.mu.Unlock()

	for _, token := range tokens {
		c.bus.Unsubscribe(token)
	}

	c.opMu.Lock()
	err := c.teardown(ctx)
	c.opMu.Unlock()

	c.mu.Lock()
	c.state = StateIdle
	c.mu.Unlock()
	return err
}

// teardown must be called with opMu held.
func (c *LifecycleCoordinator) teardown(ctx context.Context) error {
	leaveCtx, cancel := context.WithTimeout(ctx, c.options.RequestTimeout)
	c.groups.LeaveAll(leaveCtx)
	cancel()
	return c.manager.Disconnect()
}

func (c *LifecycleCoordinator) onConnected(_ api.ClientEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.mounted || (c.state != StateActive && c.state != StateMounting) {
		return
	}
	c.stopTimerLocked(c.rejoinTimer)
	c.rejoinTimer = c.scheduleLocked(c.options.ReadinessDelay, c.rejoin)
}

func (c *LifecycleCoordinator) onDisconnected(_ api.ClientEvent) {
	c.groups.reset()
}

func (c *LifecycleCoordinator) rejoin() {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	state := c.State()
	if state != StateActive && state != StateMounting {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.options.RequestTimeout)
	defer cancel()
	joined := c.groups.JoinAll(ctx)
	util.Debugf("Re-asserted group membership, joined %d of %d groups", joined, len(c.groups.DesiredGroups()))
}

// scheduleLocked runs fn after delay unless the timer is stopped or the coordinator
// is unmounted first. c.mu must be held.
func (c *LifecycleCoordinator) scheduleLocked(delay time.Duration, fn func()) uint64 {
	c.nextTimer++
	id := c.nextTimer
	c.timers[id] = time.AfterFunc(delay, func() {
		c.mu.Lock()
		_, live := c.timers[id]
		delete(c.timers, id)
		mounted := c.mounted
		c.mu.Unlock()
		if !live || !mounted {
			return
		}
		fn()
	})
	return id
}

func (c *LifecycleCoordinator) stopTimerLocked(id uint64) {
	if timer, ok := c.timers[id]; ok {
		timer.Stop()
		delete(c.timers, id)
	}
}

// pendingTimers is the number of scheduled callbacks that have not run yet.
func (c *LifecycleCoordinator) pendingTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}
