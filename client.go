package gigbuds

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/gigbuds/go-realtime-sdk/api"
	"github.com/gigbuds/go-realtime-sdk/storage"
	"github.com/gigbuds/go-realtime-sdk/util"
)

var ErrClientClosed = errors.New("gigbuds: client is closed")

// Client is one realtime notification session.
// In most cases there should be only one, shared, Client.
type Client struct {
	cfg     *HTTPConfiguration
	options *Options
	hubURL  string

	store         storage.KeyValueStore
	ownsStore     bool
	deviceID      string
	bus           *EventBus
	manager       *ConnectionManager
	groups        *GroupMembership
	dispatcher    *Dispatcher
	lifecycle     *LifecycleCoordinator
	notifications *NotificationStore
	storeToken    SubscriptionToken

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// NewClient wires a session against the hub at hubURL. Nothing connects until Mount
// or Connect is called. The persisted notification list is loaded before it returns.
func NewClient(hubURL string, options *Options) (*Client, error) {
	if hubURL == "" {
		return nil, fmt.Errorf("Missing hub URL! Call NewClient with a valid hub URL.")
	}
	if u, err := url.Parse(hubURL); err != nil || u.Host == "" {
		return nil, fmt.Errorf("Invalid hub URL %q. Call NewClient with an absolute http(s) or ws(s) URL.", hubURL)
	}
	if options == nil {
		options = &Options{}
	}
	if options.Logger != nil {
		util.SetLogger(options.Logger)
	}
	options.CheckDefaults()
	cfg := NewConfiguration(options)

	c := &Client{
		cfg:     cfg,
		options: options,
		hubURL:  hubURL,
		store:   options.Store,
	}
	if c.store == nil {
		c.store = storage.NewMemoryStore()
		c.ownsStore = true
	}

	ctx, cancel := context.WithTimeout(context.Background(), options.RequestTimeout)
	defer cancel()
	deviceID, err := DeviceID(ctx, c.store)
	if err != nil {
		return nil, err
	}
	c.deviceID = deviceID

	transport := options.Transport
	if transport == nil {
		transport = newTransport(options.TransportKind, options, cfg)
	}

	c.bus = NewEventBus(options.ClientEventHandler)
	c.manager = NewConnectionManager(hubURL, transport, NewCredentialProvider(c.store), deviceID, c.bus, options)
	c.dispatcher = NewDispatcher(c.bus)
	c.manager.SetMessageHandler(c.dispatcher.Dispatch)
	c.groups = NewGroupMembership(c.manager, options.Groups)
	c.lifecycle = NewLifecycleCoordinator(c.manager, c.groups, c.bus, options)
	c.notifications = NewNotificationStore(c.store, c.bus, options)
	c.notifications.Load(ctx)
	c.storeToken = c.bus.Subscribe(api.ClientEventType_NotificationReceived, c.notifications.handleNotificationReceived)

	util.Debugf("Realtime client created for %s using %T", hubURL, transport)
	return c, nil
}

func (c *Client) checkOpen() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClientClosed
	}
	return nil
}

// Mount starts the session: it connects and re-asserts group membership after every
// successful (re)connect until Unmount.
func (c *Client) Mount(ctx context.Context) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.lifecycle.Mount(ctx)
}

func (c *Client) Unmount(ctx context.Context) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.lifecycle.Unmount(ctx)
}

func (c *Client) HandleAppState(state AppState) {
	if c.checkOpen() != nil {
		return
	}
	c.lifecycle.HandleAppState(state)
}

func (c *Client) Connect(ctx context.Context) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.manager.Connect(ctx)
}

func (c *Client) Disconnect() error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.manager.Disconnect()
}

func (c *Client) AddToGroup(ctx context.Context, group string) bool {
	if c.checkOpen() != nil {
		return false
	}
	return c.groups.AddToGroup(ctx, group)
}

func (c *Client) RemoveFromGroup(ctx context.Context, group string) bool {
	if c.checkOpen() != nil {
		return false
	}
	return c.groups.RemoveFromGroup(ctx, group)
}

// SetGroups replaces the groups re-asserted after each (re)connect. Groups already joined
// are left alone until the next disconnect.
func (c *Client) SetGroups(groups []string) {
	c.groups.SetDesiredGroups(groups)
}

func (c *Client) JoinedGroups() []string {
	return c.groups.JoinedGroups()
}

// Subscribe registers handler for one event type. Handlers run on the goroutine that
// produced the event and must not block. That goroutine may hold the lifecycle lock, so
// a handler must not call Mount, Unmount, HandleAppState, Connect, Disconnect or Close
// directly; start a goroutine for that instead.
func (c *Client) Subscribe(eventType api.ClientEventType, handler EventHandler) SubscriptionToken {
	return c.bus.Subscribe(eventType, handler)
}

func (c *Client) Unsubscribe(token SubscriptionToken) bool {
	return c.bus.Unsubscribe(token)
}

// RegisterEvent installs a normalizer for a server event the client does not know about.
func (c *Client) RegisterEvent(name string, normalizer Normalizer) {
	c.dispatcher.Register(name, normalizer)
}

func (c *Client) Notifications() *NotificationStore {
	return c.notifications
}

func (c *Client) Credentials() *CredentialProvider {
	return NewCredentialProvider(c.store)
}

func (c *Client) IsConnected() bool {
	return c.manager.Connected.Load()
}

func (c *Client) ConnectionPhase() ConnectionPhase {
	return c.manager.Phase()
}

func (c *Client) ConnectionID() string {
	return c.manager.ConnectionID()
}

func (c *Client) State() LifecycleState {
	return c.lifecycle.State()
}

func (c *Client) DeviceID() string {
	return c.deviceID
}

// Close unmounts, releases the connection and closes the store if the client opened it.
// Every later call returns ErrClientClosed.
func (c *Client) Close() (err error) {
	c.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.options.RequestTimeout)
		defer cancel()

		err = c.lifecycle.Unmount(ctx)
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		c.bus.Unsubscribe(c.storeToken)
		if closeErr := c.manager.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		if c.ownsStore {
			if closeErr := c.store.Close(); closeErr != nil && err == nil {
				err = closeErr
			}
		}
		util.Infof("Realtime client closed")
	})
	return err
}
