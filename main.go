// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad
//
// SmartPort - Apple IIgs SmartPort Device Emulator
//
// Emulates a daisy chain of SmartPort block and character devices on the
// IWM bus, either on board GPIO or through a relay link, and provides host
// tools for exercising a bus from the other side.

package main

import (
	"os"

	"github.com/Thermoquad/smartport/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
