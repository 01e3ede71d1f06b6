package server

import (
	"sync"

	"github.com/driftworks/fleethub/auth"
)

type Device struct {
	GUID      string `json:"guid"`
	Name      string `json:"name"`
	NetworkID int64  `json:"networkId"`
}

// DeviceCatalog maps device guids to their network. Publishing resolves a
// message's network id here; polls with an explicit device list are narrowed
// to the devices the caller may actually see before any subscription is
// registered.
type DeviceCatalog struct {
	mu    sync.RWMutex
	store map[string]Device
}

func NewDeviceCatalog() *DeviceCatalog {
	return &DeviceCatalog{store: make(map[string]Device)}
}

func (c *DeviceCatalog) Store(d Device) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store[d.GUID] = d
}

func (c *DeviceCatalog) Get(guid string) (Device, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.store[guid]
	return d, ok
}

func (c *DeviceCatalog) Delete(guid string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.store, guid)
}

func (c *DeviceCatalog) List() []Device {
	c.mu.RLock()
	defer c.mu.RUnlock()

	devices := make([]Device, 0, len(c.store))
	for _, d := range c.store {
		devices = append(devices, d)
	}
	return devices
}

// Accessible narrows guids to known devices the identity may access.
func (c *DeviceCatalog) Accessible(guids []string, identity auth.Identity) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]string, 0, len(guids))
	for _, guid := range guids {
		d, ok := c.store[guid]
		if !ok {
			continue
		}
		if identity.CanAccess(d.GUID, d.NetworkID) {
			out = append(out, guid)
		}
	}
	return out
}
