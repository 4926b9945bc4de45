package gigbuds

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gigbuds/go-realtime-sdk/api"
	"github.com/gigbuds/go-realtime-sdk/util"
	"github.com/google/uuid"
	"github.com/twmb/murmur3"
)

// Server event names the hub pushes.
const (
	HubEvent_NewPostFromFollowedEntity      = "newPostFromFollowedEntity"
	HubEvent_FeedbackReceived               = "feedbackReceived"
	HubEvent_FeedbackSent                   = "feedbackSent"
	HubEvent_ApplicationAccepted            = "applicationAccepted"
	HubEvent_ApplicationRejected            = "applicationRejected"
	HubEvent_ApplicationRemovedFromApproved = "applicationRemovedFromApproved"
	HubEvent_JobCompleted                   = "jobCompleted"
	HubEvent_NewJobMatching                 = "newJobMatching"
	HubEvent_ProfileViewed                  = "profileViewed"
	HubEvent_ReceiveNotification            = "receiveNotification"
)

var ErrUnknownEvent = errors.New("gigbuds: unknown hub event")

// Normalizer turns the raw arguments of one server event into a notification.
type Normalizer func(args []json.RawMessage, now time.Time) (api.Notification, error)

// notificationDefaults fill the fields a payload leaves out.
type notificationDefaults struct {
	Type    api.NotificationType
	Title   string
	Content string
}

var defaultNormalizers = map[string]notificationDefaults{
	HubEvent_NewPostFromFollowedEntity:      {api.NotificationType_Job, "New job post", "Someone you follow posted a new job."},
	HubEvent_FeedbackReceived:               {api.NotificationType_Feedback, "New feedback", "You received new feedback."},
	HubEvent_FeedbackSent:                   {api.NotificationType_Feedback, "Feedback sent", "Your feedback was submitted."},
	HubEvent_ApplicationAccepted:            {api.NotificationType_Application, "Application accepted", "Your application was accepted."},
	HubEvent_ApplicationRejected:            {api.NotificationType_Application, "Application rejected", "Your application was not selected."},
	HubEvent_ApplicationRemovedFromApproved: {api.NotificationType_Application, "Application update", "You were removed from the approved applicants."},
	HubEvent_JobCompleted:                   {api.NotificationType_Job, "Job completed", "A job you worked on was marked completed."},
	HubEvent_ProfileViewed:                  {api.NotificationType_Profile, "Profile viewed", "Someone viewed your profile."},
}

// Dispatcher routes named server events to a single notificationReceived event.
// Callers only ever see api.Notification, never transport-level event names.
type Dispatcher struct {
	bus *EventBus
	now func() time.Time

	mu          sync.RWMutex
	normalizers map[string]Normalizer
}

func NewDispatcher(bus *EventBus) *Dispatcher {
	d := &Dispatcher{
		bus:         bus,
		now:         time.Now,
		normalizers: make(map[string]Normalizer),
	}
	for name, defaults := range defaultNormalizers {
		d.Register(name, fixedTypeNormalizer(defaults))
	}
	d.Register(HubEvent_NewJobMatching, normalizeJobMatching)
	d.Register(HubEvent_ReceiveNotification, normalizeGeneric)
	return d
}

// Register installs or replaces the normalizer for a server event name.
func (d *Dispatcher) Register(name string, normalizer Normalizer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.normalizers[name] = normalizer
}

func (d *Dispatcher) EventNames() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.normalizers))
	for name := range d.normalizers {
		names = append(names, name)
	}
	return names
}

// Normalize builds the notification for msg without publishing it.
func (d *Dispatcher) Normalize(msg api.HubMessage) (api.Notification, error) {
	d.mu.RLock()
	normalizer, ok := d.normalizers[msg.Target]
	d.mu.RUnlock()
	if !ok {
		return api.Notification{}, fmt.Errorf("%w: %s", ErrUnknownEvent, msg.Target)
	}

	notification, err := normalizer(msg.Arguments, d.now())
	if err != nil {
		return api.Notification{}, fmt.Errorf("normalize %s: %w", msg.Target, err)
	}
	notification.IsRead = false
	notification.Fingerprint = fingerprint(msg)
	if err := notification.Validate(); err != nil {
		return api.Notification{}, fmt.Errorf("normalize %s: %w", msg.Target, err)
	}
	return notification, nil
}

// Dispatch is the ConnectionManager's message handler.
func (d *Dispatcher) Dispatch(msg api.HubMessage) {
	notification, err := d.Normalize(msg)
	if errors.Is(err, ErrUnknownEvent) {
		util.Debugf("Ignoring unknown hub event %s", msg.Target)
		return
	}
	if err != nil {
		util.Warnf("Dropping hub event: %v", err)
		return
	}

	d.bus.Publish(api.ClientEvent{
		EventType: api.ClientEventType_NotificationReceived,
		EventData: notification,
		Status:    api.ClientEventStatus_Success,
	})
}

func fingerprint(msg api.HubMessage) uint64 {
	data := []byte(msg.Target)
	for _, arg := range msg.Arguments {
		data = append(data, 0)
		data = append(data, arg...)
	}
	return murmur3.Sum64(data)
}

func fixedTypeNormalizer(defaults notificationDefaults) Normalizer {
	return func(args []json.RawMessage, now time.Time) (api.Notification, error) {
		payload, err := decodeArgument(args, 0)
		if err != nil {
			return api.Notification{}, err
		}
		return buildNotification(payload, defaults, now), nil
	}
}

// normalizeJobMatching keeps the match details sent as a second argument under
// additionalPayload.matching.
func normalizeJobMatching(args []json.RawMessage, now time.Time) (api.Notification, error) {
	payload, err := decodeArgument(args, 0)
	if err != nil {
		return api.Notification{}, err
	}
	matching, err := decodeArgument(args, 1)
	if err != nil {
		return api.Notification{}, err
	}

	notification := buildNotification(payload, notificationDefaults{
		Type:    api.NotificationType_Job,
		Title:   "New job match",
		Content: "A new job matches your profile.",
	}, now)
	if matching != nil {
		if notification.AdditionalPayload == nil {
			notification.AdditionalPayload = make(map[string]interface{})
		}
		notification.AdditionalPayload["matching"] = matching
	}
	return notification, nil
}

// normalizeGeneric handles receiveNotification, whose payload declares its own type.
func normalizeGeneric(args []json.RawMessage, now time.Time) (api.Notification, error) {
	payload, err := decodeArgument(args, 0)
	if err != nil {
		return api.Notification{}, err
	}
	defaults := notificationDefaults{
		Type:    api.NotificationType_Other,
		Title:   "New notification",
		Content: "You have a new notification.",
	}
	if object, ok := payload.(map[string]interface{}); ok {
		if declared, ok := object["type"].(string); ok {
			defaults.Type = api.ParseNotificationType(strings.ToLower(strings.TrimSpace(declared)))
		}
	}
	return buildNotification(payload, defaults, now), nil
}

// decodeArgument returns nil when the argument is absent.
func decodeArgument(args []json.RawMessage, index int) (interface{}, error) {
	if index >= len(args) || len(args[index]) == 0 {
		return nil, nil
	}
	var value interface{}
	if err := util.Decode(args[index], &value, util.PreservingConfig()); err != nil {
		return nil, fmt.Errorf("argument %d: %w", index, err)
	}
	return value, nil
}

func buildNotification(payload interface{}, defaults notificationDefaults, now time.Time) api.Notification {
	notification := api.Notification{
		Type_:     defaults.Type,
		Title:     defaults.Title,
		Content:   defaults.Content,
		Timestamp: now.UTC(),
	}

	switch value := payload.(type) {
	case nil:
	case string:
		if strings.TrimSpace(value) != "" {
			notification.Content = value
		}
	case map[string]interface{}:
		if id := firstString(value, "id", "notificationId"); id != "" {
			notification.Id = id
		}
		if title := firstString(value, "title"); title != "" {
			notification.Title = title
		}
		if content := firstString(value, "content", "message", "body"); content != "" {
			notification.Content = content
		}
		if ts, ok := firstTimestamp(value, "timestamp", "createdAt", "sentAt"); ok {
			notification.Timestamp = ts
		}
		notification.AdditionalPayload = value
		for _, key := range []string{"data", "additionalPayload"} {
			if nested, ok := value[key].(map[string]interface{}); ok {
				notification.AdditionalPayload = nested
				break
			}
		}
	default:
		notification.AdditionalPayload = map[string]interface{}{"value": value}
	}

	if notification.Id == "" {
		notification.Id = uuid.NewString()
		notification.IdGenerated = true
	}
	return notification
}

// firstString returns the first key holding a non-empty string or number.
func firstString(object map[string]interface{}, keys ...string) string {
	for _, key := range keys {
		switch value := object[key].(type) {
		case string:
			if strings.TrimSpace(value) != "" {
				return value
			}
		case json.Number:
			return value.String()
		}
	}
	return ""
}

// Numeric timestamps below this are epoch seconds (1e11 ms is March 1973, 1e11 s is
// far beyond any real date).
const epochMillisThreshold = 100_000_000_000

// firstTimestamp accepts RFC 3339 strings, epoch seconds and epoch milliseconds.
func firstTimestamp(object map[string]interface{}, keys ...string) (time.Time, bool) {
	for _, key := range keys {
		switch value := object[key].(type) {
		case string:
			if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
				return ts.UTC(), true
			}
		case json.Number:
			if n, err := value.Int64(); err == nil && n > 0 {
				if n < epochMillisThreshold {
					return time.Unix(n, 0).UTC(), true
				}
				return time.UnixMilli(n).UTC(), true
			}
		}
	}
	return time.Time{}, false
}
