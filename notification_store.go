package gigbuds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gigbuds/go-realtime-sdk/api"
	"github.com/gigbuds/go-realtime-sdk/storage"
	"github.com/gigbuds/go-realtime-sdk/util"
)

// NotificationStore keeps the notification list in memory, newest first, and mirrors
// every change to the persistent store as one JSON array under StorageKey_Notifications.
// All mutations go through its methods; each persists before it emits notificationsChanged.
type NotificationStore struct {
	kv             storage.KeyValueStore
	bus            *EventBus
	window         time.Duration
	maxSize        int
	requestTimeout time.Duration
	now            func() time.Time

	mu    sync.Mutex
	items []api.Notification
	seen  map[uint64]seenEvent
}

// seenEvent is the last stored notification built from a given server event.
type seenEvent struct {
	id string
	at time.Time
}

func NewNotificationStore(kv storage.KeyValueStore, bus *EventBus, options *Options) *NotificationStore {
	return &NotificationStore{
		kv:             kv,
		bus:            bus,
		window:         options.DedupWindow,
		maxSize:        options.MaxStoredNotifications,
		requestTimeout: options.RequestTimeout,
		now:            time.Now,
		seen:           make(map[uint64]seenEvent),
	}
}

// Load replaces the in-memory list with the persisted one. A missing or corrupt blob
// loads as an empty list, and entries that fail validation are dropped.
func (s *NotificationStore) Load(ctx context.Context) []api.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = s.read(ctx)
	return copyNotifications(s.items)
}

func (s *NotificationStore) read(ctx context.Context) []api.Notification {
	blob, err := s.kv.Get(ctx, StorageKey_Notifications)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		util.Warnf("Unable to read stored notifications: %v", err)
		return nil
	}

	var entries []json.RawMessage
	if err := util.Decode([]byte(blob), &entries, util.PreservingConfig()); err != nil {
		util.Warnf("Stored notifications are corrupt, starting empty: %v", err)
		return nil
	}

	items := make([]api.Notification, 0, len(entries))
	ids := make(map[string]struct{}, len(entries))
	for i, entry := range entries {
		var notification api.Notification
		if err := util.Decode(entry, &notification, util.PreservingConfig()); err != nil {
			util.Debugf("Dropping stored notification %d: %v", i, err)
			continue
		}
		if err := notification.Validate(); err != nil {
			util.Debugf("Dropping stored notification %d: %v", i, err)
			continue
		}
		if _, dup := ids[notification.Id]; dup {
			continue
		}
		ids[notification.Id] = struct{}{}
		items = append(items, notification)
	}
	if len(items) > s.maxSize {
		items = items[:s.maxSize]
	}
	return items
}

// Save overwrites the persisted list with the in-memory one.
func (s *NotificationStore) Save(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(ctx, s.items)
}

func (s *NotificationStore) write(ctx context.Context, items []api.Notification) error {
	if items == nil {
		items = []api.Notification{}
	}
	blob, err := util.Encode(items)
	if err != nil {
		return fmt.Errorf("encode notifications: %w", err)
	}
	if err := s.kv.Set(ctx, StorageKey_Notifications, string(blob)); err != nil {
		return fmt.Errorf("persist notifications: %w", err)
	}
	return nil
}

// Append adds notification at the head of the list. It returns false without changing
// anything when the id is already stored. A notification without a server id is also
// rejected as a redelivery when the same server event was stored within the dedup window
// and that copy is still in the list.
func (s *NotificationStore) Append(ctx context.Context, notification api.Notification) (bool, error) {
	if err := notification.Validate(); err != nil {
		return false, fmt.Errorf("invalid notification: %w", err)
	}

	s.mu.Lock()
	now := s.now()
	s.pruneSeen(now)
	for _, existing := range s.items {
		if existing.Id == notification.Id {
			s.mu.Unlock()
			util.Debugf("Notification %s already stored", notification.Id)
			return false, nil
		}
	}
	if notification.IdGenerated && notification.Fingerprint != 0 {
		if previous, ok := s.seen[notification.Fingerprint]; ok && s.containsLocked(previous.id) {
			s.mu.Unlock()
			util.Infof("Dropping redelivered notification, same event stored as %s %s ago",
				previous.id, now.Sub(previous.at).Round(time.Millisecond))
			return false, nil
		}
	}

	items := make([]api.Notification, 0, len(s.items)+1)
	items = append(items, notification.Copy())
	items = append(items, s.items...)
	if len(items) > s.maxSize {
		items = items[:s.maxSize]
	}
	if err := s.write(ctx, items); err != nil {
		s.mu.Unlock()
		return false, err
	}
	s.items = items
	if notification.Fingerprint != 0 {
		s.seen[notification.Fingerprint] = seenEvent{id: notification.Id, at: now}
	}
	snapshot := s.snapshot()
	s.mu.Unlock()

	s.publish(snapshot)
	return true, nil
}

func (s *NotificationStore) pruneSeen(now time.Time) {
	for fp, event := range s.seen {
		if now.Sub(event.at) > s.window {
			delete(s.seen, fp)
		}
	}
}

func (s *NotificationStore) containsLocked(id string) bool {
	for _, n := range s.items {
		if n.Id == id {
			return true
		}
	}
	return false
}

// MarkRead marks one notification read. It reports false when the id is unknown
// or the notification was already read.
func (s *NotificationStore) MarkRead(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	index := -1
	for i, n := range s.items {
		if n.Id == id {
			index = i
			break
		}
	}
	if index < 0 || s.items[index].IsRead {
		s.mu.Unlock()
		return false, nil
	}

	items := copyNotifications(s.items)
	items[index].IsRead = true
	if err := s.write(ctx, items); err != nil {
		s.mu.Unlock()
		return false, err
	}
	s.items = items
	snapshot := s.snapshot()
	s.mu.Unlock()

	s.publish(snapshot)
	return true, nil
}

// MarkAllRead returns the number of notifications that changed.
func (s *NotificationStore) MarkAllRead(ctx context.Context) (int, error) {
	s.mu.Lock()
	items := copyNotifications(s.items)
	changed := 0
	for i := range items {
		if !items[i].IsRead {
			items[i].IsRead = true
			changed++
		}
	}
	if changed == 0 {
		s.mu.Unlock()
		return 0, nil
	}
	if err := s.write(ctx, items); err != nil {
		s.mu.Unlock()
		return 0, err
	}
	s.items = items
	snapshot := s.snapshot()
	s.mu.Unlock()

	s.publish(snapshot)
	return changed, nil
}

// DeleteAll empties the list and removes the persisted blob.
func (s *NotificationStore) DeleteAll(ctx context.Context) error {
	s.mu.Lock()
	if err := s.kv.Delete(ctx, StorageKey_Notifications); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("delete notifications: %w", err)
	}
	s.items = nil
	s.seen = make(map[uint64]seenEvent)
	snapshot := s.snapshot()
	s.mu.Unlock()

	s.publish(snapshot)
	return nil
}

func (s *NotificationStore) List() []api.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyNotifications(s.items)
}

func (s *NotificationStore) UnreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread()
}

func (s *NotificationStore) unread() int {
	count := 0
	for _, n := range s.items {
		if !n.IsRead {
			count++
		}
	}
	return count
}

func (s *NotificationStore) snapshot() api.NotificationsSnapshot {
	return api.NotificationsSnapshot{
		Notifications: copyNotifications(s.items),
		UnreadCount:   s.unread(),
	}
}

func (s *NotificationStore) publish(snapshot api.NotificationsSnapshot) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(api.ClientEvent{
		EventType: api.ClientEventType_NotificationsChanged,
		EventData: snapshot,
		Status:    api.ClientEventStatus_Success,
	})
}

// handleNotificationReceived is subscribed to notificationReceived on the client's bus.
func (s *NotificationStore) handleNotificationReceived(event api.ClientEvent) {
	notification, ok := event.EventData.(api.Notification)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.requestTimeout)
	defer cancel()
	if _, err := s.Append(ctx, notification); err != nil {
		util.Warnf("Unable to store notification %s: %v", notification.Id, err)
	}
}

func copyNotifications(items []api.Notification) []api.Notification {
	out := make([]api.Notification, len(items))
	for i, n := range items {
		out[i] = n.Copy()
	}
	return out
}
