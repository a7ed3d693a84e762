// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/smartport/pkg/relay"
	"github.com/Thermoquad/smartport/pkg/smartport"
)

var (
	showAll       bool
	statsInterval int
	useTUI        bool
)

var errorDetectionCmd = &cobra.Command{
	Use:   "error_detection",
	Short: "Exercise the bus and analyze malformed replies",
	Long: `Repeatedly enumerate the daisy chain and issue STATUS and READBLOCK
commands through the relay, validating every reply packet.

This command detects:
  - Malformed packets (missing sync, clear high bits, bad group counts)
  - Checksum errors and decode failures
  - Transaction timeouts and relay link errors
  - Statistics and trends (packet rate, error rate, success rate)

By default, only errors are displayed. Use --show-all to display valid packets too.`,
	RunE: runErrorDetection,
}

func init() {
	rootCmd.AddCommand(errorDetectionCmd)
	errorDetectionCmd.Flags().BoolVar(&showAll, "show-all", false, "Show all packets (not just errors)")
	errorDetectionCmd.Flags().IntVar(&statsInterval, "stats-interval", 10, "Statistics update interval (seconds)")
	errorDetectionCmd.Flags().BoolVar(&useTUI, "tui", true, "Use terminal UI (false for text mode)")
}

// replyReport is the outcome of checking one reply packet
type replyReport struct {
	time      time.Time
	raw       []byte
	packet    *smartport.Packet
	decodeErr error
	anomalies []smartport.ValidationError
}

func (r replyReport) ok() bool {
	return r.decodeErr == nil && len(r.anomalies) == 0
}

// checker validates replies seen on the link and accumulates statistics
type checker struct {
	mu    sync.Mutex
	stats *smartport.Statistics
	out   func(replyReport)
}

func newChecker(out func(replyReport)) *checker {
	return &checker{stats: smartport.NewStatistics(), out: out}
}

// trace is installed as the relay Conn trace hook
func (c *checker) trace(outbound bool, m relay.Message) {
	if outbound || m.Kind != relay.KindResponse {
		return
	}
	for _, raw := range m.Replies {
		r := replyReport{time: time.Now(), raw: raw}
		r.packet, r.decodeErr = smartport.NewDecoder().DecodePacket(raw)
		r.anomalies = smartport.ValidatePacket(raw)

		c.mu.Lock()
		c.stats.Update(r.packet, r.decodeErr)
		if r.decodeErr == nil {
			c.stats.RecordReply()
		}
		c.mu.Unlock()

		if c.out != nil {
			c.out(r)
		}
	}
}

func (c *checker) record(f func(s *smartport.Statistics)) {
	c.mu.Lock()
	f(c.stats)
	c.mu.Unlock()
}

// snapshot copies the statistics for display
func (c *checker) snapshot() smartport.Statistics {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := *c.stats
	s.Commands = make(map[uint8]uint64, len(c.stats.Commands))
	for k, v := range c.stats.Commands {
		s.Commands[k] = v
	}
	return s
}

func runErrorDetection(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	var (
		report func(replyReport)
		failed func(string, error)
		p      *tea.Program
		units  []chainRow
		unitMu sync.Mutex
	)

	if useTUI {
		report = func(r replyReport) {
			if r.ok() && !showAll {
				return
			}
			if p != nil {
				p.Send(reportMsg(r))
			}
		}
		failed = func(what string, err error) {
			if p != nil {
				p.Send(eventMsg{timestamp: time.Now(), message: fmt.Sprintf("%s: %v", what, err), isError: true})
			}
		}
	} else {
		report = printReport
		failed = func(what string, err error) {
			timestamp := time.Now().Format("15:04:05.000")
			fmt.Printf("[%s] \033[1;31mTRANSACTION FAILED:\033[0m %s: %v\n\n", timestamp, what, err)
		}
	}

	chk := newChecker(report)
	client, connInfo, err := OpenClient(ctx, 0, chk.trace)
	if err != nil {
		return err
	}
	defer client.Conn().Close()

	setUnits := func(rows []chainRow) {
		unitMu.Lock()
		units = rows
		unitMu.Unlock()
	}

	if !useTUI {
		fmt.Printf("SmartPort - Error Detection Mode\n")
		fmt.Printf("Connection: %s\n", connInfo)
		fmt.Printf("Statistics interval: %d seconds\n", statsInterval)
		if showAll {
			fmt.Printf("Mode: All packets\n")
		} else {
			fmt.Printf("Mode: Errors only\n")
		}
		fmt.Printf("Press Ctrl+C to exit\n\n")

		go func() {
			ticker := time.NewTicker(time.Duration(statsInterval) * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					s := chk.snapshot()
					fmt.Println()
					fmt.Print(s.String())
					fmt.Println()
				}
			}
		}()

		err := exercise(ctx, client, chk, setUnits, failed)
		s := chk.snapshot()
		fmt.Println()
		fmt.Print(s.String())
		return err
	}

	source := monitorSource{
		stats: chk.snapshot,
		chain: func() []chainRow {
			unitMu.Lock()
			defer unitMu.Unlock()
			return append([]chainRow(nil), units...)
		},
	}
	p = tea.NewProgram(detectionModel{initialModel("SMARTPORT ERROR DETECTION", connInfo, source)})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		exercise(ctx, client, chk, setUnits, failed)
		p.Quit()
	}()

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("TUI error: %v", err)
	}
	return nil
}

// exercise loops over enumeration and per-unit commands until ctx ends
func exercise(ctx context.Context, client *relay.Client, chk *checker, setUnits func([]chainRow), failed func(string, error)) error {
	for ctx.Err() == nil {
		units, err := client.Enumerate(ctx)
		chk.record(func(s *smartport.Statistics) { s.RecordReset() })
		if err != nil {
			if done, err := transactionFailed(ctx, chk, "enumerate", err, failed); done {
				return err
			}
			continue
		}

		rows := make([]chainRow, 0, len(units))
		for _, unit := range units {
			if ctx.Err() != nil {
				return nil
			}
			row := chainRow{address: unit, active: true, kind: "unknown"}
			dib, err := client.DIB(ctx, unit)
			if err != nil {
				if done, err := transactionFailed(ctx, chk, fmt.Sprintf("DIB %02X", unit), err, failed); done {
					return err
				}
				rows = append(rows, row)
				continue
			}
			row.name, row.kind = dib.Name, formatDeviceType(dib.Type)
			rows = append(rows, row)

			if dib.Type == smartport.DeviceTypeClock {
				continue
			}
			if _, _, err := client.ReadBlock(ctx, unit, 0); err != nil {
				if done, err := transactionFailed(ctx, chk, fmt.Sprintf("READBLOCK %02X", unit), err, failed); done {
					return err
				}
			}
		}
		setUnits(rows)
	}
	return nil
}

// transactionFailed counts a failed transaction and reports whether the loop should stop
func transactionFailed(ctx context.Context, chk *checker, what string, err error, failed func(string, error)) (bool, error) {
	if ctx.Err() != nil {
		return true, nil
	}
	if errors.Is(err, relay.ErrConnectionClosed) {
		return true, err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		chk.record(func(s *smartport.Statistics) { s.RecordTimeout() })
	}
	failed(what, err)
	return false, nil
}

// printReport prints one reply in text mode
func printReport(r replyReport) {
	timestamp := r.time.Format("15:04:05.000")

	if r.ok() {
		if showAll {
			fmt.Printf("[%s] %s\n", timestamp, smartport.FormatPacket(r.packet))
		}
		return
	}

	if r.decodeErr != nil {
		fmt.Printf("[%s] \033[1;31mDECODE ERROR:\033[0m %v\n", timestamp, r.decodeErr)
	} else {
		fmt.Printf("[%s] \033[1;33mVALIDATION ERROR:\033[0m %s\n", timestamp, smartport.FormatPacket(r.packet))
	}
	printAnomalies(r.anomalies)
	fmt.Print(smartport.FormatHexDump(r.raw, 64))
	fmt.Printf("  >>> PACKET REJECTED <<<\n\n")
}

func printAnomalies(anomalies []smartport.ValidationError) {
	for i, a := range anomalies {
		switch a.Type {
		case smartport.AnomalyChecksumError, smartport.AnomalyInvalidCount, smartport.AnomalyLengthMismatch:
			fmt.Printf("  Issue %d: \033[1;31m%s\033[0m\n", i+1, a.Message)
			if received, ok := a.Details["length"].(int); ok {
				if expected, ok := a.Details["expected"].(int); ok {
					fmt.Printf("    length=%d, expected=%d\n", received, expected)
				}
			}
		case smartport.AnomalyHighBitClear, smartport.AnomalyChecksumPattern:
			fmt.Printf("  Issue %d: \033[1;33m%s\033[0m\n", i+1, a.Message)
			if offset, ok := a.Details["offset"].(int); ok {
				fmt.Printf("    offset=%d\n", offset)
			}
		default:
			fmt.Printf("  Issue %d: %s\n", i+1, a.Message)
		}
	}
}

// reportMsg carries a checked reply into the TUI
type reportMsg replyReport

// detectionModel extends the monitor with reply reports
type detectionModel struct {
	model
}

func (m detectionModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if r, ok := msg.(reportMsg); ok {
		entry := eventLogEntry{timestamp: r.time}
		switch {
		case r.decodeErr != nil:
			entry.message, entry.isError = fmt.Sprintf("decode: %v", r.decodeErr), true
		case len(r.anomalies) > 0:
			entry.message = fmt.Sprintf("%s: %s", smartport.FormatPacket(r.packet), r.anomalies[0].Message)
			entry.isError = true
		default:
			entry.message = smartport.FormatPacket(r.packet)
		}
		m.addLogEntry(entry)
		return m, nil
	}
	inner, cmd := m.model.Update(msg)
	m.model = inner.(model)
	return m, cmd
}
