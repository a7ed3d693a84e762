// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package iwm

import (
	log "github.com/sirupsen/logrus"
)

// Component identifies a subsystem in log output.
type Component string

// Bus engine components.
const (
	ComponentBus       Component = "bus"
	ComponentTransport Component = "transport"
	ComponentISR       Component = "isr"
	ComponentRegistry  Component = "registry"
	ComponentRelay     Component = "relay"
	ComponentDisk      Component = "disk"
	ComponentClock     Component = "clock"
	ComponentBoard     Component = "board"
)

// Logger returns a log entry tagged with the component name
func Logger(c Component) *log.Entry {
	return log.WithField("component", string(c))
}

// SetLogLevel parses and applies a logrus level name
func SetLogLevel(level string) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return err
	}
	log.SetLevel(lvl)
	return nil
}

// SetLogFormat selects the text or json formatter
func SetLogFormat(format string) {
	if format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
		return
	}
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
}
