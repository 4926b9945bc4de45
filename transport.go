package gigbuds

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/gigbuds/go-realtime-sdk/api"
)

const (
	HubMethod_AddToGroup      = "AddToGroup"
	HubMethod_RemoveFromGroup = "RemoveFromGroup"

	headerDeviceID = "X-Device-Id"
	headerPlatform = "X-Client-Platform"
)

var (
	ErrNotConnected  = errors.New("gigbuds: not connected")
	ErrConnectionEnd = errors.New("gigbuds: connection closed")
)

// DialRequest carries everything a transport needs to open a hub connection.
type DialRequest struct {
	HubURL string
	// BearerToken is attached as an Authorization header when non-empty.
	BearerToken string
	DeviceID    string
}

func (r DialRequest) header(cfg *HTTPConfiguration) http.Header {
	header := http.Header{}
	for key, value := range cfg.DefaultHeader {
		header.Set(key, value)
	}
	if r.BearerToken != "" {
		header.Set("Authorization", "Bearer "+r.BearerToken)
	}
	if r.DeviceID != "" {
		header.Set(headerDeviceID, r.DeviceID)
	}
	if cfg.UserAgent != "" {
		header.Set("User-Agent", cfg.UserAgent)
	}
	return header
}

// Transport opens connections to the hub. Implementations must not retry on their
// own; reconnection is owned by the ConnectionManager.
type Transport interface {
	Dial(ctx context.Context, req DialRequest) (Connection, error)
}

// Connection is one live, authenticated hub session. The context passed to Dial only
// bounds the handshake, never the session.
type Connection interface {
	ID() string
	// Messages delivers server-pushed events until the connection ends.
	Messages() <-chan api.HubMessage
	// Done is closed when the connection ends, for any reason.
	Done() <-chan struct{}
	// Err reports why the connection ended; nil after a local Close.
	Err() error
	// Invoke calls a hub method and waits for its completion.
	Invoke(ctx context.Context, method string, args ...interface{}) error
	Close() error
}

// InvocationError is a failure reported by the hub for a client invocation.
type InvocationError struct {
	Method  string
	Message string
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("hub invocation %s failed: %s", e.Method, e.Message)
}

func newTransport(kind TransportKind, options *Options, cfg *HTTPConfiguration) Transport {
	if kind == TransportKind_SSE {
		return NewSSETransport(options, cfg)
	}
	return NewWebSocketTransport(options, cfg)
}

func joinURL(base string, path string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid hub URL %q: %w", base, err)
	}
	return u.JoinPath(path).String(), nil
}
