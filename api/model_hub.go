package api

import "encoding/json"

type HubFrameType string

const (
	HubFrameType_Handshake  HubFrameType = "handshake"
	HubFrameType_Invocation HubFrameType = "invocation"
	HubFrameType_Completion HubFrameType = "completion"
	HubFrameType_Ping       HubFrameType = "ping"
	HubFrameType_Close      HubFrameType = "close"
)

// HubFrame is one JSON text frame exchanged with the hub over a WebSocket.
type HubFrame struct {
	Type_        HubFrameType      `json:"type"`
	ConnectionId string            `json:"connectionId,omitempty"`
	InvocationId string            `json:"invocationId,omitempty"`
	Target       string            `json:"target,omitempty"`
	Arguments    []json.RawMessage `json:"arguments,omitempty"`
	Error        string            `json:"error,omitempty"`
}

// HubMessage is a server-pushed event, independent of the transport that carried it.
type HubMessage struct {
	Target    string
	Arguments []json.RawMessage
}

// InvokeRequest is the body of an HTTP invocation on the SSE transport.
type InvokeRequest struct {
	ConnectionId string        `json:"connectionId"`
	Target       string        `json:"target"`
	Arguments    []interface{} `json:"arguments"`
}

type HandshakeData struct {
	ConnectionId string `json:"connectionId"`
}
