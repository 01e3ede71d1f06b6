package proto

import (
	"encoding/json"
)

// Kind identifies the class of a published message. Command updates are a
// distinct class because their waiters are keyed by command id rather than
// device guid.
type Kind string

const (
	KindCommand       Kind = "command"
	KindNotification  Kind = "notification"
	KindCommandUpdate Kind = "command_update"
)

type Message struct {
	ID         string          `json:"id"`
	Kind       Kind            `json:"kind"`
	DeviceGUID string          `json:"deviceGuid"`
	NetworkID  int64           `json:"networkId,omitempty"` // resolved from the device on publish
	Name       string          `json:"name"`
	Timestamp  int64           `json:"timestamp"` // microseconds from the shared monotonic clock
	Payload    json.RawMessage `json:"payload,omitempty"`
	CommandID  string          `json:"commandId,omitempty"` // set on command_update messages
	Status     string          `json:"status,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
}

// RouteKey is the value subscriptions are matched against: the originating
// command id for update messages, the device guid for everything else.
func (m Message) RouteKey() string {
	if m.Kind == KindCommandUpdate {
		return m.CommandID
	}
	return m.DeviceGUID
}
