// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package iwm

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// Slot is one position on the daisy chain.
// The chain does not own the device; the application does.
type Slot struct {
	dev      Device
	kind     DeviceKind
	addr     atomic.Uint32
	active   atomic.Bool
	switched atomic.Bool
}

// Device returns the device in this slot
func (s *Slot) Device() Device {
	return s.dev
}

// Kind returns the device kind
func (s *Slot) Kind() DeviceKind {
	return s.kind
}

// Name returns the device name
func (s *Slot) Name() string {
	return s.dev.Name()
}

// Address returns the bus address assigned by INIT, or 0
func (s *Slot) Address() uint8 {
	return uint8(s.addr.Load())
}

// Active reports whether the slot takes part in INIT and dispatch
func (s *Slot) Active() bool {
	return s.active.Load()
}

// Initialized reports whether INIT has assigned an address since the last reset
func (s *Slot) Initialized() bool {
	return s.Address() != 0
}

// Switched reports whether the media changed since the last INIT
func (s *Slot) Switched() bool {
	return s.switched.Load()
}

// MarkSwitched flags a media change; INIT clears it
func (s *Slot) MarkSwitched() {
	s.switched.Store(true)
}

func (s *Slot) setAddress(addr uint8) {
	s.addr.Store(uint32(addr))
}

// Registry is the daisy chain, in cabling order.
type Registry struct {
	mu    sync.RWMutex
	slots []*Slot
}

// NewRegistry creates an empty daisy chain
func NewRegistry() *Registry {
	return &Registry{}
}

// AddDevice inserts dev at the front of the chain, unaddressed and inactive.
// The owner activates it once it is ready to answer.
func (r *Registry) AddDevice(dev Device, kind DeviceKind) *Slot {
	s := &Slot{dev: dev, kind: kind}

	r.mu.Lock()
	r.slots = append([]*Slot{s}, r.slots...)
	r.mu.Unlock()

	Logger(ComponentRegistry).WithField("device", dev.Name()).Debugf("added %s device", kind)
	return s
}

// RemoveDevice unlinks dev from the chain. The device itself is untouched.
func (r *Registry) RemoveDevice(dev Device) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, s := range r.slots {
		if s.dev == dev {
			r.slots = append(r.slots[:i:i], r.slots[i+1:]...)
			return true
		}
	}
	return false
}

// DeviceByAddress returns the active slot at addr
func (r *Registry) DeviceByAddress(addr uint8) (*Slot, bool) {
	if addr == 0 {
		return nil, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, s := range r.slots {
		if s.Address() == addr && s.Active() {
			return s, true
		}
	}
	return nil, false
}

// SetActive changes the active flag of the slot at addr
func (r *Registry) SetActive(addr uint8, active bool) bool {
	if addr == 0 {
		return false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, s := range r.slots {
		if s.Address() == addr {
			s.active.Store(active)
			return true
		}
	}
	return false
}

// Lookup returns the slot holding dev
func (r *Registry) Lookup(dev Device) (*Slot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, s := range r.slots {
		if s.dev == dev {
			return s, true
		}
	}
	return nil, false
}

// Activate changes the active flag of dev
func (r *Registry) Activate(dev Device, active bool) error {
	s, ok := r.Lookup(dev)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotAttached, dev.Name())
	}
	s.active.Store(active)
	return nil
}

// ChangeAddress overrides the bus address of dev
func (r *Registry) ChangeAddress(dev Device, addr uint8) error {
	s, ok := r.Lookup(dev)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotAttached, dev.Name())
	}
	s.setAddress(addr)
	return nil
}

// NumDevices returns the number of slots
func (r *Registry) NumDevices() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.slots)
}

// Slots returns a snapshot of the chain, front first
func (r *Registry) Slots() []*Slot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Slot(nil), r.slots...)
}

// ClearAddresses unassigns every slot, as a bus reset does
func (r *Registry) ClearAddresses() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.slots {
		s.setAddress(0)
	}
}

// assignNext gives addr to the first unaddressed active slot.
// last is true when no active slot follows it.
func (r *Registry) assignNext(addr uint8) (slot *Slot, last bool, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i, s := range r.slots {
		s.switched.Store(false)
		if !s.Active() || s.Address() != 0 {
			continue
		}
		s.setAddress(addr)
		last = true
		for _, rest := range r.slots[i+1:] {
			if rest.Active() {
				last = false
				break
			}
		}
		return s, last, true
	}
	return nil, false, false
}

// Shutdown calls Shutdown on every device and returns the combined error
func (r *Registry) Shutdown() error {
	var errs []error
	for _, s := range r.Slots() {
		if err := s.dev.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}
