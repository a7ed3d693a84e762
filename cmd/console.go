// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/smartport/pkg/relay"
)

var consoleTimeout int

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Interactive TUI for browsing SmartPort devices",
	Long: `Browse the devices behind a relay link in an interactive terminal UI.

Features:
  - Device discovery (RESET, INIT sweep and DIB of every unit)
  - Block viewer with hex dump for disks
  - Current time for clocks
  - Eject for disks
  - Relay round trip and device uptime every few seconds
  - Automatic reconnection on connection loss

Tab switches between the device list and the block number input. Enter reads
the selected block (or the time of a clock). [ and ] step through blocks,
e ejects the selected disk and r runs discovery again.`,
	RunE: runConsole,
}

func init() {
	rootCmd.AddCommand(consoleCmd)
	consoleCmd.Flags().IntVar(&consoleTimeout, "timeout", 2, "Timeout in seconds for each transaction")
}

// connectionManager handles connection lifecycle and reconnection
type connectionManager struct {
	ctx      context.Context
	timeout  time.Duration
	client   *relay.Client
	connInfo string
	mu       sync.RWMutex
	p        *tea.Program
}

func (cm *connectionManager) getClient() *relay.Client {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.client
}

func (cm *connectionManager) setClient(client *relay.Client, connInfo string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.client = client
	cm.connInfo = connInfo
}

func runConsole(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	timeout := time.Duration(consoleTimeout) * time.Second
	client, connInfo, err := OpenClient(ctx, timeout, nil)
	if err != nil {
		return err
	}

	cm := &connectionManager{
		ctx:      ctx,
		timeout:  timeout,
		client:   client,
		connInfo: connInfo,
	}

	m := initialConsoleModel(cm, connInfo)
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithMouseCellMotion())
	cm.p = p

	go cm.watchLoop()

	_, err = p.Run()
	cancel()
	cm.getClient().Conn().Close()
	if err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}

// watchLoop waits for the connection to drop and reconnects
func (cm *connectionManager) watchLoop() {
	for {
		client := cm.getClient()
		select {
		case <-cm.ctx.Done():
			return
		case <-client.Conn().Done():
		}

		cm.p.Send(connectionLostMsg{err: client.Conn().Err()})
		if !cm.reconnect() {
			return
		}
	}
}

// reconnect attempts to reconnect with exponential backoff.
// Returns false if shutdown was requested during reconnection.
func (cm *connectionManager) reconnect() bool {
	backoff := 1 * time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-cm.ctx.Done():
			return false
		case <-time.After(backoff):
		}

		client, connInfo, err := OpenClient(cm.ctx, cm.timeout, nil)
		if err == nil {
			cm.setClient(client, connInfo)
			cm.p.Send(reconnectedMsg{connInfo: connInfo})
			return true
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
