// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/smartport/pkg/smartport"
)

var codecData string

var codecCmd = &cobra.Command{
	Use:   "codec",
	Short: "Encode and decode SmartPort wire packets offline",
}

var encodeCmd = &cobra.Command{
	Use:   "encode <unit> <opcode> [param...]",
	Short: "Encode a command packet and print its wire bytes",
	Long: `Encode a SmartPort command packet from a unit number, an opcode and its
parameter bytes. Numbers accept 0x prefixes. With --data a data packet carrying
the given hex payload is encoded after the command.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runEncode,
}

var decodeCmd = &cobra.Command{
	Use:   "decode <hex>...",
	Short: "Decode wire bytes and report framing anomalies",
	Long: `Decode a SmartPort packet from hex wire bytes. Arguments are joined, so
the bytes can be given as one string or one byte per argument.

Exit codes:
  0 - Packet decoded without anomalies
  1 - Packet rejected or anomalies found`,
	Args: cobra.MinimumNArgs(1),
	RunE: runDecode,
}

func init() {
	rootCmd.AddCommand(codecCmd)
	codecCmd.AddCommand(encodeCmd, decodeCmd)
	encodeCmd.Flags().StringVar(&codecData, "data", "", "Hex payload of a data packet sent after the command")
}

func parseByte(s string) (uint8, error) {
	v, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid byte %q", s)
	}
	return uint8(v), nil
}

func parseHex(args []string) ([]byte, error) {
	s := strings.Join(args, "")
	s = strings.NewReplacer(" ", "", ":", "", "0x", "", "0X", "").Replace(s)
	return hex.DecodeString(s)
}

func runEncode(cmd *cobra.Command, args []string) error {
	unit, err := parseByte(args[0])
	if err != nil {
		return err
	}
	opcode, err := parseByte(args[1])
	if err != nil {
		return err
	}
	params := make([]byte, 0, len(args)-2)
	for _, a := range args[2:] {
		b, err := parseByte(a)
		if err != nil {
			return err
		}
		params = append(params, b)
	}

	raw, err := smartport.EncodeCommand(unit, opcode, params)
	if err != nil {
		return err
	}
	fmt.Printf("%s unit=%02X\n", smartport.FormatOpcode(opcode), unit)
	fmt.Printf("command: % X\n", raw)

	if codecData == "" {
		return nil
	}
	data, err := parseHex([]string{codecData})
	if err != nil {
		return fmt.Errorf("--data: %w", err)
	}
	ptype := uint8(smartport.PacketTypeData)
	if opcode&smartport.OpExtended != 0 {
		ptype = smartport.PacketTypeExtData
	}
	dataRaw, err := smartport.EncodePacketFromValues(unit, smartport.HostAddress, ptype, smartport.AuxByte, 0, data)
	if err != nil {
		return err
	}
	fmt.Printf("data:    % X\n", dataRaw)
	return nil
}

func runDecode(cmd *cobra.Command, args []string) error {
	raw, err := parseHex(args)
	if err != nil {
		return fmt.Errorf("invalid hex: %w", err)
	}

	failed := false
	p, err := smartport.NewDecoder().DecodePacket(raw)
	switch {
	case p == nil:
		fmt.Printf("DECODE ERROR: %v\n", err)
		failed = true
	case err != nil:
		fmt.Printf("%s\n", smartport.FormatPacket(p))
		fmt.Printf("DECODE ERROR: %v\n", err)
		failed = true
	default:
		fmt.Printf("%s\n", smartport.FormatPacket(p))
		if len(p.Data()) > 0 {
			fmt.Print(smartport.FormatHexDump(p.Data(), 0))
		}
	}

	if anomalies := smartport.ValidatePacket(raw); len(anomalies) > 0 {
		failed = true
		fmt.Printf("Anomalies:\n")
		printAnomalies(anomalies)
	}

	if failed {
		os.Exit(1)
	}
	return nil
}
