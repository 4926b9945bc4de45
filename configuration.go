package gigbuds

import (
	"net/http"
	"time"

	"github.com/gigbuds/go-realtime-sdk/api"
	"github.com/gigbuds/go-realtime-sdk/storage"
	"github.com/gigbuds/go-realtime-sdk/util"
)

const VERSION = "1.0.0"

const (
	// MaxReconnectAttempts is the number of consecutive failed connects after which retrying stops.
	MaxReconnectAttempts = 5

	DefaultReconnectBaseDelay = time.Second
	DefaultReconnectMaxDelay  = 30 * time.Second

	// DefaultReadinessDelay separates a successful connect from the group joins that follow it.
	// The hub acknowledges the handshake before the server-side session can accept group
	// invocations, so joins sent immediately after connect can be lost.
	DefaultReadinessDelay = time.Second

	// DefaultForegroundDebounce absorbs rapid background/foreground flapping.
	DefaultForegroundDebounce = 300 * time.Millisecond

	DefaultRequestTimeout         = 10 * time.Second
	DefaultDedupWindow            = 30 * time.Second
	DefaultMaxStoredNotifications = 500
)

type TransportKind string

const (
	TransportKind_WebSocket TransportKind = "websocket"
	TransportKind_SSE       TransportKind = "sse"
)

type Options struct {
	// Groups is the desired membership set, re-asserted after every successful (re)connect.
	Groups []string `json:"groups,omitempty"`

	TransportKind          TransportKind `json:"transport,omitempty"`
	RequestTimeout         time.Duration `json:"requestTimeout,omitempty"`
	ReconnectBaseDelay     time.Duration `json:"reconnectBaseDelay,omitempty"`
	ReconnectMaxDelay      time.Duration `json:"reconnectMaxDelay,omitempty"`
	ReadinessDelay         time.Duration `json:"readinessDelay,omitempty"`
	ForegroundDebounce     time.Duration `json:"foregroundDebounce,omitempty"`
	DedupWindow            time.Duration `json:"dedupWindow,omitempty"`
	MaxStoredNotifications int           `json:"maxStoredNotifications,omitempty"`

	// Store defaults to an in-memory store when nil.
	Store storage.KeyValueStore
	// Transport overrides TransportKind when set.
	Transport Transport
	// ClientEventHandler receives a copy of every client event. Sends never block; events are dropped when full.
	ClientEventHandler chan api.ClientEvent
	Logger             util.Logger
}

func (o *Options) CheckDefaults() {
	if o.TransportKind == "" {
		o.TransportKind = TransportKind_WebSocket
	} else if o.TransportKind != TransportKind_WebSocket && o.TransportKind != TransportKind_SSE {
		util.Warnf("Unknown transport %q. Defaulting to websocket.", o.TransportKind)
		o.TransportKind = TransportKind_WebSocket
	}

	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.ReconnectBaseDelay <= 0 {
		o.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if o.ReconnectMaxDelay <= 0 {
		o.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if o.ReconnectMaxDelay < o.ReconnectBaseDelay {
		util.Warnf("ReconnectMaxDelay cannot be less than ReconnectBaseDelay. Using %s.", o.ReconnectBaseDelay)
		o.ReconnectMaxDelay = o.ReconnectBaseDelay
	}
	if o.ReadinessDelay < 0 {
		util.Warnf("ReadinessDelay cannot be negative. Defaulting to %s.", DefaultReadinessDelay)
		o.ReadinessDelay = DefaultReadinessDelay
	} else if o.ReadinessDelay == 0 {
		o.ReadinessDelay = DefaultReadinessDelay
	}
	if o.ForegroundDebounce <= 0 {
		o.ForegroundDebounce = DefaultForegroundDebounce
	}
	if o.DedupWindow <= 0 {
		o.DedupWindow = DefaultDedupWindow
	}
	if o.MaxStoredNotifications <= 0 {
		o.MaxStoredNotifications = DefaultMaxStoredNotifications
	} else if o.MaxStoredNotifications > 10000 {
		util.Warnf("MaxStoredNotifications cannot exceed 10000, the list is rewritten on every change.")
		o.MaxStoredNotifications = 10000
	}
}

// BackoffDelay returns the wait before reconnect attempt n (1-based): none for the
// first attempt, then base*2^(n-1) capped at max.
func (o *Options) BackoffDelay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	delay := o.ReconnectBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= o.ReconnectMaxDelay {
			return o.ReconnectMaxDelay
		}
	}
	return delay
}

type HTTPConfiguration struct {
	DefaultHeader map[string]string `json:"defaultHeader,omitempty"`
	UserAgent     string            `json:"userAgent,omitempty"`
	PlatformData  *api.PlatformData `json:"platformData,omitempty"`
	HTTPClient    *http.Client
}

func NewConfiguration(options *Options) *HTTPConfiguration {
	platform := (&api.PlatformData{}).Default(VERSION)
	cfg := &HTTPConfiguration{
		DefaultHeader: make(map[string]string),
		UserAgent:     "Gigbuds-Realtime-SDK/" + VERSION + "/go",
		PlatformData:  platform,
		HTTPClient: &http.Client{
			// Set an explicit timeout so that we don't wait forever on a request
			Timeout: options.RequestTimeout,
		},
	}
	cfg.AddDefaultHeader(headerPlatform, platform.HeaderValue())
	return cfg
}

func (c *HTTPConfiguration) AddDefaultHeader(key string, value string) {
	c.DefaultHeader[key] = value
}
