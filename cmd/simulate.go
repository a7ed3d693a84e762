// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bytes"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/smartport/pkg/blockdisk"
	"github.com/Thermoquad/smartport/pkg/clockdev"
	"github.com/Thermoquad/smartport/pkg/config"
	"github.com/Thermoquad/smartport/pkg/iwm"
	"github.com/Thermoquad/smartport/pkg/iwm/sim"
	"github.com/Thermoquad/smartport/pkg/smartport"
)

var (
	simBlocks  uint32
	simCorrupt bool
	simVerbose bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a virtual host session against the device chain",
	Long: `Drive the bus state machine and the electrical transport from a simulated
host, on a virtual clock, and print a transcript of every transaction.

The session resets the bus, enumerates the chain with INIT, reads the DIB of
every unit, then exercises block I/O on disks and the time formats on clocks.

The chain comes from --config. Without one, an in-memory disk of --blocks
blocks and a clock are simulated, and writes never touch a file.`,
	RunE: runSimulate,
}

func init() {
	rootCmd.AddCommand(simulateCmd)
	simulateCmd.Flags().Uint32Var(&simBlocks, "blocks", 280, "Blocks in the in-memory disk (no config)")
	simulateCmd.Flags().BoolVar(&simCorrupt, "corrupt", false, "Corrupt the first WRITEBLOCK data packet")
	simulateCmd.Flags().BoolVar(&simVerbose, "verbose", false, "Show bus events")
}

func runSimulate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	registry := iwm.NewRegistry()
	defer registry.Shutdown()

	if configPath != "" {
		devs, err := config.Build(cfg)
		if err != nil {
			return err
		}
		if err := config.Register(registry, devs); err != nil {
			return err
		}
	} else if err := defaultSimChain(registry, simBlocks); err != nil {
		return err
	}

	host := sim.NewHost(cfg.Bus.SampleRateHz)
	tr := iwm.NewTransport(host.Hardware(), cfg.TransportTimings())
	bus := iwm.NewBus(tr, registry, cfg.BusTimings())
	host.Attach(bus)
	host.Transcript = func(line string) { fmt.Printf("  %s\n", line) }
	if simVerbose {
		bus.Observe(func(e iwm.Event) { fmt.Printf("    %s\n", e) })
	}

	fmt.Printf("smartport - Bus Simulation\n")
	fmt.Printf("Sample rate: %d Hz (%d samples per cell)\n", cfg.Bus.SampleRateHz, iwm.SamplesPerCell(cfg.Bus.SampleRateHz))
	fmt.Printf("Devices: %d\n\n", registry.NumDevices())

	host.Reset()

	fmt.Printf("Enumerating:\n")
	units, err := host.Enumerate()
	if err != nil {
		return fmt.Errorf("enumerate: %w", err)
	}
	fmt.Println()

	for _, unit := range units {
		slot, ok := registry.DeviceByAddress(unit)
		if !ok {
			continue
		}
		fmt.Printf("Unit %02X (%s):\n", unit, slot.Name())

		p, err := host.Status(unit, smartport.StatusCodeDIB)
		if err != nil {
			fmt.Printf("  DIB failed: %v\n\n", err)
			continue
		}
		if dib, err := smartport.ParseDIB(p.Data(), false); err == nil {
			fmt.Printf("  name=%q type=%02X/%02X blocks=%d status=%s\n",
				dib.Name, dib.Type, dib.Subtype, dib.Blocks, smartport.FormatStatusByte(dib.Status))
		}

		switch slot.Kind() {
		case iwm.KindBlockDisk:
			simulateDisk(host, unit)
		case iwm.KindClock:
			for _, code := range []uint8{clockdev.CodeISO, clockdev.CodeProDOS, clockdev.CodeTimezone} {
				host.Status(unit, code)
			}
		}
		fmt.Println()
	}

	stats := bus.Stats()
	stats.CalculateRates()
	fmt.Print(stats.String())
	fmt.Printf("Reply transmits: %d\n", host.Transmits())
	return nil
}

// defaultSimChain adds an in-memory disk and a clock, disk first in the chain
func defaultSimChain(registry *iwm.Registry, blocks uint32) error {
	clock, err := clockdev.New("FN_CLOCK", "")
	if err != nil {
		return err
	}
	disk := blockdisk.New("SIMDISK")
	disk.MountImage(blockdisk.NewMemoryImage(blocks), blocks, false)

	registry.AddDevice(clock, iwm.KindClock)
	registry.AddDevice(disk, iwm.KindBlockDisk)
	for _, dev := range []iwm.Device{disk, clock} {
		if err := registry.Activate(dev, true); err != nil {
			return err
		}
	}
	return nil
}

// simulateDisk reads block 0, writes a pattern to the last block and reads it back
func simulateDisk(host *sim.Host, unit uint8) {
	p, err := host.Status(unit, smartport.StatusCodeStatus)
	if err != nil || len(p.Data()) < 4 {
		return
	}
	blocks := uint32(p.Data()[1]) | uint32(p.Data()[2])<<8 | uint32(p.Data()[3])<<16
	if blocks == 0 {
		return
	}

	if _, status, err := host.ReadBlock(unit, 0); err == nil && status != smartport.ErrNoError {
		fmt.Printf("  block 0: %s\n", smartport.FormatErrorCode(status))
	}

	last := blocks - 1
	pattern := bytes.Repeat([]byte{0xA5, 0x5A}, smartport.BlockSize/2)
	corrupt := simCorrupt
	if corrupt {
		host.CorruptNextData()
		simCorrupt = false
	}
	status, err := host.WriteBlock(unit, last, pattern)
	if err != nil && corrupt {
		// The dropped data packet holds the bus until the host resets it
		fmt.Printf("  block %d: corrupt write dropped, resetting\n", last)
		host.Reset()
		if _, err := host.Enumerate(); err != nil {
			return
		}
		status, err = host.WriteBlock(unit, last, pattern)
	}
	if err != nil || status != smartport.ErrNoError {
		return
	}

	data, _, err := host.ReadBlock(unit, last)
	if err != nil {
		return
	}
	if bytes.Equal(data, pattern) {
		fmt.Printf("  block %d: write verified\n", last)
	} else {
		fmt.Printf("  block %d: read back differs\n", last)
	}
}
