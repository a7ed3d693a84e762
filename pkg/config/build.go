// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package config

import (
	"errors"
	"fmt"

	"github.com/Thermoquad/smartport/pkg/blockdisk"
	"github.com/Thermoquad/smartport/pkg/clockdev"
	"github.com/Thermoquad/smartport/pkg/iwm"
)

// Device is a constructed device ready to be attached to the chain
type Device struct {
	Device iwm.Device
	Kind   iwm.DeviceKind
	Active bool
}

// Build constructs the configured devices and mounts their images.
// On failure every device built so far is shut down.
func Build(cfg *Config) ([]Device, error) {
	devs := make([]Device, 0, len(cfg.Devices))

	for _, dc := range cfg.Devices {
		d, err := buildDevice(dc)
		if err != nil {
			var errs []error
			errs = append(errs, err)
			for _, built := range devs {
				errs = append(errs, built.Device.Shutdown())
			}
			return nil, errors.Join(errs...)
		}
		devs = append(devs, d)
	}
	return devs, nil
}

func buildDevice(dc DeviceConfig) (Device, error) {
	switch dc.Kind {
	case KindDisk:
		disk := blockdisk.New(dc.Name)
		if dc.Image != "" {
			if err := disk.Mount(dc.Image, dc.ReadOnly); err != nil {
				return Device{}, fmt.Errorf("device %q: %w", dc.Name, err)
			}
		}
		return Device{Device: disk, Kind: iwm.KindBlockDisk, Active: dc.IsActive()}, nil

	case KindClock:
		clock, err := clockdev.New(dc.Name, dc.Timezone)
		if err != nil {
			return Device{}, fmt.Errorf("device %q: %w", dc.Name, err)
		}
		return Device{Device: clock, Kind: iwm.KindClock, Active: dc.IsActive()}, nil
	}
	return Device{}, fmt.Errorf("device %q: unknown kind %q", dc.Name, dc.Kind)
}

// Register attaches devs to registry so that the chain follows configuration order
func Register(registry *iwm.Registry, devs []Device) error {
	for i := len(devs) - 1; i >= 0; i-- {
		d := devs[i]
		registry.AddDevice(d.Device, d.Kind)
		if err := registry.Activate(d.Device, d.Active); err != nil {
			return err
		}
	}
	return nil
}
