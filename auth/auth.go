package auth

import (
	"github.com/driftworks/fleethub/proto"
)

// Action names checked by the transport layer per endpoint.
const (
	ActionGetNotification    = "GetDeviceNotification"
	ActionCreateNotification = "CreateDeviceNotification"
	ActionGetCommand         = "GetDeviceCommand"
	ActionCreateCommand      = "CreateDeviceCommand"
	ActionUpdateCommand      = "UpdateDeviceCommand"
	ActionGetDevice          = "GetDevice"
)

// Permission is a single access-key scoping rule. A nil slice means
// unrestricted; an empty non-nil slice admits nothing.
type Permission struct {
	DeviceGUIDs []string `yaml:"deviceGuids,omitempty" json:"deviceGuids,omitempty"`
	NetworkIDs  []int64  `yaml:"networkIds,omitempty" json:"networkIds,omitempty"`
	Actions     []string `yaml:"actions,omitempty" json:"actions,omitempty"`
}

func (p Permission) admitsDevice(guid string) bool {
	if p.DeviceGUIDs == nil {
		return true
	}
	for _, g := range p.DeviceGUIDs {
		if g == guid {
			return true
		}
	}
	return false
}

func (p Permission) admitsNetwork(id int64) bool {
	if p.NetworkIDs == nil {
		return true
	}
	for _, n := range p.NetworkIDs {
		if n == id {
			return true
		}
	}
	return false
}

func (p Permission) admitsAction(action string) bool {
	if p.Actions == nil {
		return true
	}
	for _, a := range p.Actions {
		if a == action {
			return true
		}
	}
	return false
}

// Identity is the resolved capability context of a caller. The transport
// layer authenticates and hands an Identity to the core; the core only ever
// asks it authorization questions.
type Identity struct {
	Key         string
	Admin       bool
	Permissions []Permission
}

// CanAccess reports whether the caller may see the given device. A caller is
// authorized iff at least one permission record admits both the device and
// the device's network. Admin callers short-circuit to true.
func (id Identity) CanAccess(deviceGUID string, networkID int64) bool {
	if id.Admin {
		return true
	}
	for _, p := range id.Permissions {
		if p.admitsDevice(deviceGUID) && p.admitsNetwork(networkID) {
			return true
		}
	}
	return false
}

// Allowed reports whether the caller may observe the message, via catch-up
// or live dispatch alike.
func (id Identity) Allowed(msg proto.Message) bool {
	return id.CanAccess(msg.DeviceGUID, msg.NetworkID)
}

// CanAct reports whether any permission record admits the named action.
func (id Identity) CanAct(action string) bool {
	if id.Admin {
		return true
	}
	for _, p := range id.Permissions {
		if p.admitsAction(action) {
			return true
		}
	}
	return false
}
