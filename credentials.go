package gigbuds

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gigbuds/go-realtime-sdk/storage"
	"github.com/gigbuds/go-realtime-sdk/util"
	"github.com/golang-jwt/jwt/v5"
)

// Keys the client reads and writes in the persistent store.
const (
	StorageKey_AccessToken   = "accessToken"
	StorageKey_Notifications = "notifications"
	StorageKey_DeviceID      = "deviceId"
)

// CredentialProvider reads the bearer credential the host application stored after sign-in.
type CredentialProvider struct {
	store  storage.KeyValueStore
	parser *jwt.Parser
	now    func() time.Time
}

func NewCredentialProvider(store storage.KeyValueStore) *CredentialProvider {
	return &CredentialProvider{
		store:  store,
		parser: jwt.NewParser(),
		now:    time.Now,
	}
}

// BearerToken returns the stored access token, or "" when there is none. A token that
// parses as a JWT with an expiry in the past is not sent. Opaque tokens are returned as-is;
// the hub verifies signatures, so the claims are only inspected, never trusted.
func (p *CredentialProvider) BearerToken(ctx context.Context) (string, error) {
	token, err := p.store.Get(ctx, StorageKey_AccessToken)
	if errors.Is(err, storage.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", nil
	}

	claims := &jwt.RegisteredClaims{}
	if _, _, err := p.parser.ParseUnverified(token, claims); err != nil {
		return token, nil
	}
	if claims.ExpiresAt != nil && !claims.ExpiresAt.Time.After(p.now()) {
		util.Warnf("Stored access token expired at %s, connecting without it", claims.ExpiresAt.Time.Format(time.RFC3339))
		return "", nil
	}
	return token, nil
}

func (p *CredentialProvider) SetToken(ctx context.Context, token string) error {
	return p.store.Set(ctx, StorageKey_AccessToken, token)
}

func (p *CredentialProvider) ClearToken(ctx context.Context) error {
	return p.store.Delete(ctx, StorageKey_AccessToken)
}
