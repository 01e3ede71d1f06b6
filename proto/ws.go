package proto

import (
	"encoding/json"
)

// Envelope frames every message on a WebSocket session, in both directions.
type Envelope struct {
	Action    string          `json:"action"`
	RequestID string          `json:"requestId,omitempty"`
	Status    string          `json:"status,omitempty"` // "success" or "error" on responses
	Error     string          `json:"error,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Client -> server actions.
const (
	ActionCommandSubscribe        = "command/subscribe"
	ActionCommandUnsubscribe      = "command/unsubscribe"
	ActionCommandInsert           = "command/insert"
	ActionCommandUpdate           = "command/update"
	ActionNotificationSubscribe   = "notification/subscribe"
	ActionNotificationUnsubscribe = "notification/unsubscribe"
	ActionNotificationInsert      = "notification/insert"
)

// Server -> client push actions carry the same insert/update action names so
// a session sees "notification/insert" whether it produced or received one.

type SubscribePayload struct {
	DeviceGUIDs []string `json:"deviceGuids,omitempty"` // empty means any accessible device
	Names       []string `json:"names,omitempty"`       // empty means any name
}

type SubscribeAckPayload struct {
	SubscriptionID string `json:"subscriptionId"`
}

type UnsubscribePayload struct {
	SubscriptionID string `json:"subscriptionId"`
}

type InsertPayload struct {
	DeviceGUID string          `json:"deviceGuid"`
	Name       string          `json:"name"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

type CommandUpdatePayload struct {
	DeviceGUID string          `json:"deviceGuid"`
	CommandID  string          `json:"commandId"`
	Status     string          `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
}
