package registry

import (
	"Go2FlowGuard/internal/model"
	"log/slog"
	"slices"
	"sync"
)

// Registry tracks the devices currently connected to the controller.
// It is mutated by connection events and read by the poller.
type Registry struct {
	mu       sync.RWMutex
	devices  map[model.DeviceID]struct{}
	onChange func(size int)
}

// New creates an empty registry. onChange, if non-nil, is called with the new
// size after every mutation, while the registry lock is held.
func New(onChange func(size int)) *Registry {
	return &Registry{
		devices:  make(map[model.DeviceID]struct{}),
		onChange: onChange,
	}
}

// Register adds a device. It reports whether the device was newly added.
func (r *Registry) Register(id model.DeviceID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.devices[id]; ok {
		return false
	}
	r.devices[id] = struct{}{}
	slog.Debug("Register datapath", "device", id)
	r.changed()
	return true
}

// Unregister removes a device. It reports whether the device was present.
func (r *Registry) Unregister(id model.DeviceID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.devices[id]; !ok {
		return false
	}
	delete(r.devices, id)
	slog.Debug("Unregister datapath", "device", id)
	r.changed()
	return true
}

// Snapshot returns a sorted point-in-time copy of the registered device ids.
func (r *Registry) Snapshot() []model.DeviceID {
	r.mu.RLock()
	ids := make([]model.DeviceID, 0, len(r.devices))
	for id := range r.devices {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	slices.Sort(ids)
	return ids
}

// Contains reports whether the device is registered.
func (r *Registry) Contains(id model.DeviceID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.devices[id]
	return ok
}

// Len returns the number of registered devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// DeviceConnected implements model.DeviceListener.
func (r *Registry) DeviceConnected(id model.DeviceID) { r.Register(id) }

// DeviceDisconnected implements model.DeviceListener.
func (r *Registry) DeviceDisconnected(id model.DeviceID) { r.Unregister(id) }

func (r *Registry) changed() {
	if r.onChange != nil {
		r.onChange(len(r.devices))
	}
}
