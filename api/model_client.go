package api

type ClientEvent struct {
	EventType ClientEventType `json:"eventType"`
	EventData interface{}     `json:"eventData"`
	Status    string          `json:"status"`
	Error     error           `json:"error"`
}

type ClientEventType string

const (
	ClientEventType_Connected                   ClientEventType = "connected"
	ClientEventType_Disconnected                ClientEventType = "disconnected"
	ClientEventType_Reconnecting                ClientEventType = "reconnecting"
	ClientEventType_Reconnected                 ClientEventType = "reconnected"
	ClientEventType_ConnectionFailed            ClientEventType = "connectionFailed"
	ClientEventType_MaxReconnectAttemptsReached ClientEventType = "maxReconnectAttemptsReached"
	ClientEventType_NotificationReceived        ClientEventType = "notificationReceived"
	ClientEventType_NotificationsChanged        ClientEventType = "notificationsChanged"
)

const (
	ClientEventStatus_Success     = "success"
	ClientEventStatus_Failure     = "failure"
	ClientEventStatus_Info        = "info"
	ClientEventStatus_Intentional = "intentional"
)

// ConnectionInfo is the EventData of connected and reconnected events.
type ConnectionInfo struct {
	ConnectionID string `json:"connectionId"`
	Attempt      int    `json:"attempt"`
}

// ReconnectInfo is the EventData of reconnecting and connectionFailed events.
type ReconnectInfo struct {
	Attempt     int   `json:"attempt"`
	MaxAttempts int   `json:"maxAttempts"`
	DelayMS     int64 `json:"delayMs"`
}
