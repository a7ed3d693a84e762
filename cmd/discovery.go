// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/smartport/pkg/smartport"
)

var (
	discoveryTimeout int
	discoveryNoReset bool
)

var discoveryCmd = &cobra.Command{
	Use:   "discovery",
	Short: "Enumerate the device chain behind a relay link",
	Long: `Reset the bus and assign unit numbers with INIT, then list the device
information block (DIB) of every unit.

INIT is sent to 0x81, 0x82, ... until a device answers with the end of
chain status. Each unit is then asked for its DIB (STATUS code 0x03).

Use --no-reset to keep the current assignment and only list DIBs of units
answering INIT from 0x81.

Examples:
  smartport discovery --tcp pi.local:1985
  smartport discovery --port /dev/ttyUSB0

Exit codes:
  0 - Discovery successful (at least one device found)
  1 - Discovery failed (no devices or timeout)
  2 - Connection error`,
	RunE: runDiscovery,
}

func init() {
	rootCmd.AddCommand(discoveryCmd)
	discoveryCmd.Flags().IntVar(&discoveryTimeout, "timeout", 5, "Timeout in seconds for discovery")
	discoveryCmd.Flags().BoolVar(&discoveryNoReset, "no-reset", false, "Do not reset the bus before INIT")
}

func runDiscovery(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	client, connInfo, err := OpenClient(ctx, time.Duration(discoveryTimeout)*time.Second, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer client.Conn().Close()

	fmt.Printf("smartport - Device Discovery\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Timeout: %d seconds\n\n", discoveryTimeout)

	var units []uint8
	if discoveryNoReset {
		units, err = initSweep(ctx, client.Init)
	} else {
		fmt.Printf("Sending RESET and INIT sweep...\n")
		units, err = client.Enumerate(ctx)
	}
	if err != nil {
		fmt.Printf("DISCOVERY FAILED: %v\n", err)
		if len(units) == 0 {
			os.Exit(1)
		}
	}

	for _, unit := range units {
		dib, err := client.DIB(ctx, unit)
		if err != nil {
			fmt.Printf("\nUnit %02X: DIB failed: %v\n", unit, err)
			continue
		}
		fmt.Printf("\nDevice found:\n")
		fmt.Printf("  Unit: %02X\n", unit)
		fmt.Printf("  Name: %s\n", dib.Name)
		fmt.Printf("  Type: %s (%02X/%02X)\n", formatDeviceType(dib.Type), dib.Type, dib.Subtype)
		fmt.Printf("  Status: %s\n", smartport.FormatStatusByte(dib.Status))
		if dib.Blocks > 0 {
			fmt.Printf("  Blocks: %d (%d KiB)\n", dib.Blocks, dib.Blocks*smartport.BlockSize/1024)
		}
		fmt.Printf("  Version: %d.%d\n", dib.Version[0], dib.Version[1])
	}

	fmt.Printf("\n--- Discovery summary ---\n")
	fmt.Printf("Devices found: %d\n", len(units))

	if len(units) == 0 {
		fmt.Printf("No devices discovered. Check connection and device configuration.\n")
		os.Exit(1)
	}
	return nil
}

// initSweep sends INIT from 0x81 until the end of chain status
func initSweep(ctx context.Context, initFn func(context.Context, uint8) (uint8, error)) ([]uint8, error) {
	var units []uint8
	for unit := uint8(0x81); unit < 0xFF; unit++ {
		status, err := initFn(ctx, unit)
		if err != nil {
			return units, err
		}
		units = append(units, unit)
		if status == smartport.InitEndOfChain&^smartport.HighBit {
			break
		}
	}
	return units, nil
}

func formatDeviceType(t uint8) string {
	switch t {
	case smartport.DeviceType35Disk:
		return "3.5 disk"
	case smartport.DeviceTypeSCSI:
		return "SCSI"
	case smartport.DeviceTypeFujiNet:
		return "FujiNet"
	case smartport.DeviceTypeHardDisk:
		return "hard disk"
	case smartport.DeviceTypeClock:
		return "clock"
	}
	return "other"
}
