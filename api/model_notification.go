package api

import (
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type NotificationType string

const (
	NotificationType_Job         NotificationType = "job"
	NotificationType_Message     NotificationType = "message"
	NotificationType_Schedule    NotificationType = "schedule"
	NotificationType_Application NotificationType = "application"
	NotificationType_Feedback    NotificationType = "feedback"
	NotificationType_Profile     NotificationType = "profile"
	NotificationType_Other       NotificationType = "other"
)

var allNotificationTypes = []NotificationType{
	NotificationType_Job,
	NotificationType_Message,
	NotificationType_Schedule,
	NotificationType_Application,
	NotificationType_Feedback,
	NotificationType_Profile,
	NotificationType_Other,
}

// ParseNotificationType maps a payload-declared type onto the known set; anything else is "other".
func ParseNotificationType(value string) NotificationType {
	for _, t := range allNotificationTypes {
		if string(t) == value {
			return t
		}
	}
	return NotificationType_Other
}

// Notification is the single record every server event is normalized into.
// The JSON tags are the persisted format.
type Notification struct {
	Id                string                 `json:"id" validate:"required"`
	Type_             NotificationType       `json:"type" validate:"required,oneof=job message schedule application feedback profile other"`
	Title             string                 `json:"title" validate:"required"`
	Content           string                 `json:"content"`
	Timestamp         time.Time              `json:"timestamp" validate:"required"`
	IsRead            bool                   `json:"isRead"`
	AdditionalPayload map[string]interface{} `json:"additionalPayload,omitempty"`

	// Fingerprint identifies the raw server event the record was built from. Not persisted.
	Fingerprint uint64 `json:"-"`
	// IdGenerated is set when the server event carried no id and Id was made up locally.
	IdGenerated bool `json:"-"`
}

// Copy returns n with AdditionalPayload deep-copied, so the copy shares no maps or
// slices with the original.
func (n Notification) Copy() Notification {
	if n.AdditionalPayload != nil {
		n.AdditionalPayload = copyPayloadMap(n.AdditionalPayload)
	}
	return n
}

func copyPayloadMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = copyPayloadValue(v)
	}
	return out
}

func copyPayloadValue(v interface{}) interface{} {
	switch value := v.(type) {
	case map[string]interface{}:
		return copyPayloadMap(value)
	case []interface{}:
		out := make([]interface{}, len(value))
		for i, item := range value {
			out[i] = copyPayloadValue(item)
		}
		return out
	default:
		return value
	}
}

// Validate reports whether the record has every field a persisted notification needs.
func (n Notification) Validate() error {
	return validate.Struct(n)
}

// NotificationsSnapshot is the EventData of notificationsChanged events.
type NotificationsSnapshot struct {
	Notifications []Notification `json:"notifications"`
	UnreadCount   int            `json:"unreadCount"`
}
