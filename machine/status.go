package machine

import "sync"

// DeviceStatus is the host-side view of the controller derived from telemetry.
type DeviceStatus struct {
	TeachDone         bool `json:"teachDone"`
	ManualMode        bool `json:"manualMode"`
	LaserPowerEnabled bool `json:"laserPowerEnabled"`
}

// DefaultDeviceStatus is the status assumed before any telemetry arrives.
func DefaultDeviceStatus() DeviceStatus {
	return DeviceStatus{LaserPowerEnabled: true}
}

// StatusStore guards a DeviceStatus shared between the dispatcher and a run.
type StatusStore struct {
	mx sync.RWMutex
	s  DeviceStatus
}

func NewStatusStore() *StatusStore {
	return &StatusStore{s: DefaultDeviceStatus()}
}

func (st *StatusStore) Get() DeviceStatus {
	st.mx.RLock()
	defer st.mx.RUnlock()
	return st.s
}

// Set replaces the status and reports whether it changed.
func (st *StatusStore) Set(s DeviceStatus) bool {
	st.mx.Lock()
	defer st.mx.Unlock()
	changed := st.s != s
	st.s = s
	return changed
}

// Update applies fn to the status under the lock and reports whether it
// changed, along with the new value.
func (st *StatusStore) Update(fn func(s *DeviceStatus)) (DeviceStatus, bool) {
	st.mx.Lock()
	defer st.mx.Unlock()
	prev := st.s
	fn(&st.s)
	return st.s, st.s != prev
}

// DefaultPositions is the slot table the firmware ships with.
var DefaultPositions = map[int]int{1: 0, 2: 267, 3: 533, 4: 800, 5: 1067, 6: 1333}

// PositionCache maps slots to the last absolute position reported for them.
type PositionCache struct {
	mx  sync.RWMutex
	pos [MaxSlot + 1]int
}

func NewPositionCache() *PositionCache {
	c := &PositionCache{}
	for slot, p := range DefaultPositions {
		c.pos[slot] = p
	}
	return c
}

func (c *PositionCache) Get(slot int) (int, bool) {
	if !validSlot(slot) {
		return 0, false
	}
	c.mx.RLock()
	defer c.mx.RUnlock()
	return c.pos[slot], true
}

// Set records pos for slot, ignoring out-of-range values. It reports whether
// the entry was accepted.
func (c *PositionCache) Set(slot, pos int) bool {
	if !validSlot(slot) || !validPosition(pos) {
		return false
	}
	c.mx.Lock()
	c.pos[slot] = pos
	c.mx.Unlock()
	return true
}

func (c *PositionCache) Snapshot() map[int]int {
	c.mx.RLock()
	defer c.mx.RUnlock()
	m := make(map[int]int, MaxSlot)
	for slot := MinSlot; slot <= MaxSlot; slot++ {
		m[slot] = c.pos[slot]
	}
	return m
}
