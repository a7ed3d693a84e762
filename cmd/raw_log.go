// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/smartport/pkg/relay"
)

var rawLogCmd = &cobra.Command{
	Use:   "raw_log",
	Short: "Display the relay frame stream in human-readable format",
	Long: `Continuously decode and display relay frames as they arrive.

Each frame is printed with a timestamp, its message kind and every SmartPort
packet it carries. Nothing is sent on the link.

Supports serial, WebSocket and TCP connections.`,
	RunE: runRawLog,
}

func init() {
	rootCmd.AddCommand(rawLogCmd)
}

func runRawLog(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	conn, connInfo, err := OpenConnection(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	fmt.Printf("SmartPort - Raw Frame Log\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Press Ctrl+C to exit\n\n")

	decoder := relay.NewFrameDecoder()
	buf := make([]byte, 256)

	for {
		n, err := conn.Read(buf)
		if err != nil {
			if errors.Is(err, relay.ErrConnectionClosed) || ctx.Err() != nil {
				log.Printf("Connection closed")
				return nil
			}
			log.Printf("Read error: %v", err)
			continue
		}

		for i := 0; i < n; i++ {
			body, err := decoder.DecodeByte(buf[i])
			if err != nil {
				fmt.Printf("[ERROR] %v\n", err)
				continue
			}
			if body == nil {
				continue
			}
			m, err := relay.ParseMessage(body)
			if err != nil {
				fmt.Printf("[ERROR] %v\n", err)
				continue
			}
			fmt.Printf("[%s] %s\n", time.Now().Format("15:04:05.000"), m)
		}
	}
}
