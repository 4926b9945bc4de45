package gigbuds

import (
	"github.com/gigbuds/go-realtime-sdk/api"
	"github.com/gigbuds/go-realtime-sdk/storage"
	"github.com/gigbuds/go-realtime-sdk/util"
)

type Notification = api.Notification
type NotificationType = api.NotificationType
type NotificationsSnapshot = api.NotificationsSnapshot
type ClientEvent = api.ClientEvent
type ClientEventType = api.ClientEventType
type ConnectionInfo = api.ConnectionInfo
type ReconnectInfo = api.ReconnectInfo
type HubMessage = api.HubMessage
type PlatformData = api.PlatformData
type KeyValueStore = storage.KeyValueStore
type Logger = util.Logger

// SetLogger replaces the package-wide logger. It panics on nil.
func SetLogger(log Logger) {
	util.SetLogger(log)
}
