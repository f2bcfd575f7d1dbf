package ble

import (
	"slices"
	"sync"
)

// DevicePatch holds the fields to merge into a registry entry. Nil fields
// are left unchanged.
type DevicePatch struct {
	Name        *string
	LocalName   *string
	RSSI        *int
	IsConnected *bool
}

func (p DevicePatch) apply(d Device) Device {
	if p.Name != nil {
		d.Name = *p.Name
	}
	if p.LocalName != nil {
		d.LocalName = *p.LocalName
	}
	if p.RSSI != nil {
		d.RSSI = *p.RSSI
	}
	if p.IsConnected != nil {
		d.IsConnected = *p.IsConnected
	}
	return d
}

// Connected returns a patch that only sets IsConnected.
func Connected(v bool) DevicePatch {
	return DevicePatch{IsConnected: &v}
}

// Registry is the ordered set of known devices, keyed by ID. Updates are
// copy-on-write under a single-writer lock, so a snapshot handed out earlier
// never changes underneath its holder.
type Registry struct {
	mu      sync.RWMutex
	devices []Device
}

// NewRegistry creates a registry holding devices in order. Later entries
// with an ID already seen are dropped.
func NewRegistry(devices ...Device) *Registry {
	r := &Registry{}
	for _, d := range devices {
		if r.indexOf(d.ID) < 0 {
			r.devices = append(r.devices, d)
		}
	}
	return r
}

func (r *Registry) indexOf(id string) int {
	return slices.IndexFunc(r.devices, func(d Device) bool { return d.ID == id })
}

// FindIndexByID returns the position of the device with the given ID, or -1.
func (r *Registry) FindIndexByID(id string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.indexOf(id)
}

// Get returns the device with the given ID.
func (r *Registry) Get(id string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i := r.indexOf(id)
	if i < 0 {
		return Device{}, false
	}
	return r.devices[i], true
}

// Len returns the number of known devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// Snapshot returns a copy of the devices in registry order.
func (r *Registry) Snapshot() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.devices)
}

// UpdateDevice merges patch into the device with the given ID and returns
// the merged record. Every other entry is left untouched. An unknown ID
// fails with ErrDeviceNotFound and leaves the registry unchanged.
func (r *Registry) UpdateDevice(id string, patch DevicePatch) (Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexOf(id)
	if i < 0 {
		return Device{}, &Error{Kind: KindDeviceNotFound, Op: "update device", DeviceID: id}
	}
	next := slices.Clone(r.devices)
	next[i] = patch.apply(next[i])
	r.devices = next
	return next[i], nil
}

// Upsert adds d, or refreshes the advertised fields of the known device with
// the same ID in place. The connection state of a known device is kept.
func (r *Registry) Upsert(d Device) Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := slices.Clone(r.devices)
	if i := r.indexOf(d.ID); i >= 0 {
		d.IsConnected = next[i].IsConnected
		if d.Name == "" {
			d.Name = next[i].Name
		}
		if d.LocalName == "" {
			d.LocalName = next[i].LocalName
		}
		next[i] = d
	} else {
		next = append(next, d)
	}
	r.devices = next
	return d
}
