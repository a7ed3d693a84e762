// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package config

import (
	"github.com/Thermoquad/smartport/pkg/iwm"
	"github.com/Thermoquad/smartport/pkg/iwm/sim"
	"github.com/Thermoquad/smartport/pkg/relay"
	"github.com/Thermoquad/smartport/pkg/smartport"
)

// Relay defaults
const (
	DefaultAddress = ":1985"
	DefaultBaud    = 115200
)

// Default returns a configuration with one clock and every default applied
func Default() *Config {
	cfg := &Config{Devices: []DeviceConfig{{Kind: KindClock}}}
	Normalize(cfg)
	return cfg
}

// Normalize applies defaults to zero fields.
// It must be called only after Validate.
func Normalize(cfg *Config) {
	if cfg == nil {
		return
	}

	bus := iwm.DefaultBusConfig()
	tr := iwm.DefaultTransportConfig()
	b := &cfg.Bus
	setTicks(&b.CmdReqFalling, bus.CmdReqFalling)
	setTicks(&b.IsrReqFalling, bus.IsrReqFalling)
	setTicks(&b.SendReqRising, tr.SendReqRising)
	setTicks(&b.SendReqFalling, tr.SendReqFalling)
	setTicks(&b.SendRecover, tr.SendRecover)
	setTicks(&b.RecvReqRising, tr.RecvReqRising)
	setInt(&b.SendRetries, tr.SendRetries)
	setInt(&b.SampleRateHz, sim.DefaultSampleRate)

	r := &cfg.Relay
	if r.Mode == "" {
		r.Mode = ModeListen
	}
	if r.Address == "" && r.Mode == ModeListen {
		r.Address = DefaultAddress
	}
	setInt(&r.Baud, DefaultBaud)
	setInt(&r.RetryIntervalMs, int(relay.DefaultRetryInterval.Milliseconds()))
	setInt(&r.PollWaitMs, int(relay.DefaultPollWait.Milliseconds()))
	setInt(&r.TimeoutMs, int(relay.DefaultTimeout.Milliseconds()))

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}

	for i := range cfg.Devices {
		d := &cfg.Devices[i]
		d.Name = effectiveName(*d, i)
		if len(d.Name) > smartport.DIBNameLength {
			d.Name = d.Name[:smartport.DIBNameLength]
		}
		if d.Active == nil {
			active := true
			d.Active = &active
		}
	}
}

func setTicks(v *uint64, def uint64) {
	if *v == 0 {
		*v = def
	}
}

func setInt(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}
