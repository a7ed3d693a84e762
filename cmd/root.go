// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/smartport/pkg/config"
	"github.com/Thermoquad/smartport/pkg/iwm"
)

var (
	// Serial connection flags
	portName string
	baudRate int

	// WebSocket connection flags
	wsURL         string
	wsUsername    string
	wsNoSSLVerify bool

	// TCP relay flag
	tcpAddr string

	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "smartport",
	Short: "SmartPort device emulator and bus analyzer",
	Long: `smartport - Emulates a daisy chain of SmartPort devices for an Apple II host.

The device side (serve) runs the bus state machine either on a GPIO/SPI board
wired to the drive connector, or behind a relay link to a remote host adapter.
The host side commands (discovery, ping, console, raw_log, error_detection)
drive a serving device over the same relay link. simulate runs a whole chain
against a simulated host, and codec encodes or decodes single packets offline.

Connection modes:
  Serial:    --port /dev/ttyUSB0 [--baud 115200]
  WebSocket: --url ws://host/path [--username user]
  TCP:       --tcp host:1985

For WebSocket authentication, the password is read from the SMARTPORT_PASSWORD
environment variable, or prompted interactively if not set. The --password
flag is intentionally not provided to avoid leaking credentials in shell history.`,
	Version:       "1.0.0",
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if logLevel == "" {
			return nil
		}
		if err := iwm.SetLogLevel(logLevel); err != nil {
			return fmt.Errorf("--log-level: %w", err)
		}
		return nil
	},
}

func init() {
	// Serial connection flags
	rootCmd.PersistentFlags().StringVarP(&portName, "port", "p", "", "Serial port device")
	rootCmd.PersistentFlags().IntVarP(&baudRate, "baud", "b", config.DefaultBaud, "Baud rate (serial only)")

	// WebSocket connection flags
	rootCmd.PersistentFlags().StringVarP(&wsURL, "url", "u", "", "WebSocket URL (ws:// or wss://)")
	rootCmd.PersistentFlags().StringVar(&wsUsername, "username", "", "Username for HTTP Basic auth")
	rootCmd.PersistentFlags().BoolVar(&wsNoSSLVerify, "no-ssl-verify", false, "Skip TLS certificate verification (wss:// only)")

	rootCmd.PersistentFlags().StringVar(&tcpAddr, "tcp", "", "TCP relay address (host:port)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (overrides log.level)")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// loadConfig reads --config (or the defaults), applies the connection flags
// that were set on the command line, then validates and normalizes.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := &config.Config{}
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return nil, err
		}
	}
	if len(cfg.Devices) == 0 {
		cfg.Devices = config.Default().Devices
	}

	flags := cmd.Flags()
	r := &cfg.Relay
	switch {
	case flags.Changed("port"):
		r.Mode, r.Port = config.ModeSerial, portName
	case flags.Changed("url"):
		r.Mode, r.URL = config.ModeWebSocket, wsURL
	case flags.Changed("tcp"):
		r.Address = tcpAddr
		if r.Mode != config.ModeListen {
			r.Mode = config.ModeDial
		}
	}
	if flags.Changed("baud") {
		r.Baud = baudRate
	}
	if flags.Changed("username") {
		r.Username = wsUsername
	}
	if flags.Changed("no-ssl-verify") {
		r.NoSSLVerify = wsNoSSLVerify
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = logLevel
	}

	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	config.Normalize(cfg)

	if err := iwm.SetLogLevel(cfg.Log.Level); err != nil {
		return nil, err
	}
	iwm.SetLogFormat(cfg.Log.Format)
	return cfg, nil
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
