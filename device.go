package gigbuds

import (
	"context"
	"errors"
	"fmt"

	"github.com/gigbuds/go-realtime-sdk/storage"
	"github.com/gigbuds/go-realtime-sdk/util"
	"github.com/google/uuid"
)

// DeviceID returns the identifier of this installation, creating and storing one on first use.
func DeviceID(ctx context.Context, store storage.KeyValueStore) (string, error) {
	value, err := store.Get(ctx, StorageKey_DeviceID)
	if err == nil {
		if id, parseErr := uuid.Parse(value); parseErr == nil {
			return id.String(), nil
		}
		util.Warnf("Stored device id %q is not a UUID, replacing it", value)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("read device id: %w", err)
	}

	id := uuid.NewString()
	if err := store.Set(ctx, StorageKey_DeviceID, id); err != nil {
		return "", fmt.Errorf("store device id: %w", err)
	}
	return id, nil
}
