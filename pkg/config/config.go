// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package config loads the YAML description of a SmartPort device chain.
//
// The lifecycle is Load, Validate, Normalize, then Build. Validate never
// mutates the configuration; Normalize fills in defaults and must only run
// on a configuration that passed Validate.
package config

import (
	"time"

	"periph.io/x/conn/v3/physic"

	"github.com/Thermoquad/smartport/pkg/iwm"
	"github.com/Thermoquad/smartport/pkg/iwm/board"
)

type Config struct {
	Bus     BusConfig      `yaml:"bus"`
	Relay   RelayConfig    `yaml:"relay"`
	Board   BoardConfig    `yaml:"board"`
	Log     LogConfig      `yaml:"log"`
	Devices []DeviceConfig `yaml:"devices"`
}

// ---- BUS ----

// BusConfig holds handshake timeouts in 100 ns ticks
type BusConfig struct {
	CmdReqFalling   uint64 `yaml:"cmd_req_falling"`
	IsrReqFalling   uint64 `yaml:"isr_req_falling"`
	SendReqRising   uint64 `yaml:"send_req_rising"`
	SendReqFalling  uint64 `yaml:"send_req_falling"`
	SendRecover     uint64 `yaml:"send_recover"`
	RecvReqRising   uint64 `yaml:"recv_req_rising"`
	SendRetries     int    `yaml:"send_retries"`
	SampleRateHz    int    `yaml:"sample_rate_hz"`
	// LironWorkaround enables the resend shim on the electrical transport
	// and on data packets arriving over the relay
	LironWorkaround bool   `yaml:"liron_workaround"`
}

// ---- RELAY ----

// Relay modes
const (
	ModeListen    = "listen"
	ModeDial      = "dial"
	ModeSerial    = "serial"
	ModeWebSocket = "websocket"
)

type RelayConfig struct {
	Mode            string `yaml:"mode"`
	Address         string `yaml:"address"` // host:port for listen and dial
	Port            string `yaml:"port"`    // serial device
	Baud            int    `yaml:"baud"`
	URL             string `yaml:"url"`
	Username        string `yaml:"username"`
	NoSSLVerify     bool   `yaml:"no_ssl_verify"`
	RetryIntervalMs int    `yaml:"retry_interval_ms"`
	PollWaitMs      int    `yaml:"poll_wait_ms"`
	TimeoutMs       int    `yaml:"timeout_ms"`
}

// ---- BOARD ----

type BoardConfig struct {
	Phases    []string `yaml:"phases"` // PH0..PH3
	ACK       string   `yaml:"ack"`
	TxPort    string   `yaml:"tx_port"`
	RxPort    string   `yaml:"rx_port"`
	CaptureHz int      `yaml:"capture_hz"`
	NoEdges   bool     `yaml:"no_edges"`
}

// ---- LOG ----

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// ---- DEVICES ----

// Device kinds
const (
	KindDisk  = "disk"
	KindClock = "clock"
)

type DeviceConfig struct {
	Kind     string `yaml:"kind"`
	Name     string `yaml:"name"`
	Image    string `yaml:"image"`
	ReadOnly bool   `yaml:"read_only"`
	Timezone string `yaml:"timezone"`
	Active   *bool  `yaml:"active"` // default true
}

// IsActive reports whether the device answers INIT, defaulting to true
func (d DeviceConfig) IsActive() bool {
	return d.Active == nil || *d.Active
}

// ---- CONVERSIONS ----

// BusTimings returns the state machine timeouts
func (c *Config) BusTimings() iwm.BusConfig {
	return iwm.BusConfig{
		CmdReqFalling:   c.Bus.CmdReqFalling,
		IsrReqFalling:   c.Bus.IsrReqFalling,
		LironWorkaround: c.Bus.LironWorkaround,
	}
}

// TransportTimings returns the electrical handshake settings
func (c *Config) TransportTimings() iwm.TransportConfig {
	return iwm.TransportConfig{
		SendReqRising:   c.Bus.SendReqRising,
		SendReqFalling:  c.Bus.SendReqFalling,
		SendRecover:     c.Bus.SendRecover,
		RecvReqRising:   c.Bus.RecvReqRising,
		SendRetries:     c.Bus.SendRetries,
		LironWorkaround: c.Bus.LironWorkaround,
	}
}

// BoardPins returns the GPIO and SPI wiring
func (c *Config) BoardPins() board.Config {
	cfg := board.DefaultConfig()
	copy(cfg.Phases[:], c.Board.Phases)
	if c.Board.ACK != "" {
		cfg.ACK = c.Board.ACK
	}
	if c.Board.TxPort != "" {
		cfg.TxPort = c.Board.TxPort
	}
	if c.Board.RxPort != "" {
		cfg.RxPort = c.Board.RxPort
	}
	if c.Board.CaptureHz > 0 {
		cfg.Capture = physic.Frequency(c.Board.CaptureHz) * physic.Hertz
	}
	cfg.Edges = !c.Board.NoEdges
	return cfg
}

// RetryInterval returns the pause between dial attempts
func (c *Config) RetryInterval() time.Duration {
	return time.Duration(c.Relay.RetryIntervalMs) * time.Millisecond
}

// PollWait returns how long an idle relay poll blocks
func (c *Config) PollWait() time.Duration {
	return time.Duration(c.Relay.PollWaitMs) * time.Millisecond
}

// Timeout returns the host-side relay round trip bound
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.Relay.TimeoutMs) * time.Millisecond
}
