// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package config

import (
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Thermoquad/smartport/pkg/smartport"
)

// MaxTimeoutTicks bounds every bus timeout (one second)
const MaxTimeoutTicks = 10_000_000

// MaxSendRetries bounds the reply retry count
const MaxSendRetries = 20

// Validate checks configuration correctness.
// It performs declarative validation only and does not mutate cfg.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if err := validateBus(cfg.Bus); err != nil {
		return fmt.Errorf("bus: %w", err)
	}
	if err := validateRelay(cfg.Relay); err != nil {
		return fmt.Errorf("relay: %w", err)
	}
	if err := validateBoard(cfg.Board); err != nil {
		return fmt.Errorf("board: %w", err)
	}
	if err := validateLog(cfg.Log); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	return validateDevices(cfg.Devices)
}

func validateBus(b BusConfig) error {
	timeouts := []struct {
		name  string
		value uint64
	}{
		{"cmd_req_falling", b.CmdReqFalling},
		{"isr_req_falling", b.IsrReqFalling},
		{"send_req_rising", b.SendReqRising},
		{"send_req_falling", b.SendReqFalling},
		{"send_recover", b.SendRecover},
		{"recv_req_rising", b.RecvReqRising},
	}
	for _, t := range timeouts {
		if t.value > MaxTimeoutTicks {
			return fmt.Errorf("%s = %d ticks exceeds %d", t.name, t.value, MaxTimeoutTicks)
		}
	}

	if b.SendRetries < 0 || b.SendRetries > MaxSendRetries {
		return fmt.Errorf("send_retries = %d out of range 0..%d", b.SendRetries, MaxSendRetries)
	}

	// A cell must span a whole number of samples, at least four
	if b.SampleRateHz != 0 {
		if b.SampleRateHz < 1_000_000 || b.SampleRateHz%250_000 != 0 {
			return fmt.Errorf("sample_rate_hz = %d must be a multiple of 250000 and at least 1000000", b.SampleRateHz)
		}
	}
	return nil
}

func validateRelay(r RelayConfig) error {
	switch r.Mode {
	case "", ModeListen, ModeDial:
	case ModeSerial:
		if r.Port == "" {
			return fmt.Errorf("mode serial requires port")
		}
	case ModeWebSocket:
		if r.URL == "" {
			return fmt.Errorf("mode websocket requires url")
		}
	default:
		return fmt.Errorf("unknown mode %q", r.Mode)
	}
	if r.Mode == ModeDial && r.Address == "" {
		return fmt.Errorf("mode dial requires address")
	}
	if r.Baud < 0 || r.RetryIntervalMs < 0 || r.PollWaitMs < 0 || r.TimeoutMs < 0 {
		return fmt.Errorf("negative baud or interval")
	}
	return nil
}

func validateBoard(b BoardConfig) error {
	if len(b.Phases) != 0 && len(b.Phases) != 4 {
		return fmt.Errorf("phases needs 4 pin names, got %d", len(b.Phases))
	}
	for i, p := range b.Phases {
		if p == "" {
			return fmt.Errorf("phase PH%d has no pin name", i)
		}
	}
	if b.CaptureHz < 0 {
		return fmt.Errorf("negative capture_hz")
	}
	return nil
}

func validateLog(l LogConfig) error {
	if l.Level != "" {
		if _, err := log.ParseLevel(l.Level); err != nil {
			return err
		}
	}
	switch l.Format {
	case "", "text", "json":
		return nil
	}
	return fmt.Errorf("unknown format %q", l.Format)
}

func validateDevices(devs []DeviceConfig) error {
	names := make(map[string]int)

	for i, d := range devs {
		name := effectiveName(d, i)

		for j := 0; j < len(name); j++ {
			if name[j] < 0x20 || name[j] > 0x7E {
				return fmt.Errorf("device %d: name must contain printable ASCII characters only", i)
			}
		}
		if len(name) > smartport.DIBNameLength {
			name = name[:smartport.DIBNameLength]
		}
		if prev, exists := names[name]; exists {
			return fmt.Errorf("device %d: name %q already used by device %d", i, name, prev)
		}
		names[name] = i

		switch d.Kind {
		case KindDisk:
			if d.Image == "" {
				continue
			}
			if _, err := os.Stat(d.Image); err != nil {
				return fmt.Errorf("device %q: image: %w", name, err)
			}
		case KindClock:
			if d.Timezone != "" {
				if _, err := time.LoadLocation(d.Timezone); err != nil {
					return fmt.Errorf("device %q: timezone: %w", name, err)
				}
			}
			if d.Image != "" || d.ReadOnly {
				return fmt.Errorf("device %q: clock takes no image", name)
			}
		default:
			return fmt.Errorf("device %d: unknown kind %q", i, d.Kind)
		}
	}
	return nil
}

// effectiveName returns the configured name or the one Normalize will assign
func effectiveName(d DeviceConfig, index int) string {
	if d.Name != "" {
		return d.Name
	}
	switch d.Kind {
	case KindClock:
		return "FN_CLOCK"
	default:
		return fmt.Sprintf("SMARTPORT%d", index+1)
	}
}
