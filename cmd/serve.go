// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/smartport/pkg/config"
	"github.com/Thermoquad/smartport/pkg/iwm"
	"github.com/Thermoquad/smartport/pkg/iwm/board"
	"github.com/Thermoquad/smartport/pkg/relay"
)

// reqPollInterval is the PH0 sampling period for boards without edge detection
const reqPollInterval = 20 * time.Microsecond

var (
	serveTUI    bool
	serveBoard  bool
	serveListen bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the configured device chain to a SmartPort host",
	Long: `Run the SmartPort bus state machine for the devices listed in --config.

Backends:
  Board (--board):  GPIO phase lines and SPI shift registers wired to the
                    drive connector (board section of the config)
  Relay (default):  commands arrive over the relay link from a remote host
                    adapter, using the relay section of the config or the
                    connection flags

Relay modes:
  listen     accept one host at a time on relay.address (default :1985)
  dial       connect to relay.address, reconnecting every retry_interval_ms
  serial     relay frames over relay.port
  websocket  relay frames over relay.url

Without a config file a single clock device is served.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVar(&serveTUI, "tui", false, "Show the bus monitor")
	serveCmd.Flags().BoolVar(&serveBoard, "board", false, "Drive the bus through the GPIO/SPI board")
	serveCmd.Flags().BoolVar(&serveListen, "listen", false, "Accept relay hosts on --tcp (or relay.address)")
}

// server owns the device chain and the bus currently serving it
type server struct {
	cfg      *config.Config
	registry *iwm.Registry
	observer iwm.Observer

	mu  sync.Mutex
	bus *iwm.Bus
}

func (s *server) currentBus() *iwm.Bus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bus
}

func (s *server) newBus(link iwm.Link) *iwm.Bus {
	bus := iwm.NewBus(link, s.registry, s.cfg.BusTimings())
	bus.Observe(s.observer)

	s.mu.Lock()
	s.bus = bus
	s.mu.Unlock()
	return bus
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if serveListen {
		cfg.Relay.Mode = config.ModeListen
		if cmd.Flags().Changed("tcp") {
			cfg.Relay.Address = tcpAddr
		} else if cfg.Relay.Address == "" {
			cfg.Relay.Address = config.DefaultAddress
		}
	}

	devs, err := config.Build(cfg)
	if err != nil {
		return err
	}
	registry := iwm.NewRegistry()
	if err := config.Register(registry, devs); err != nil {
		registry.Shutdown()
		return err
	}
	defer func() {
		if err := registry.Shutdown(); err != nil {
			iwm.Logger(iwm.ComponentRegistry).Warnf("shutdown: %v", err)
		}
	}()

	ctx, cancel := signalContext()
	defer cancel()

	srv := &server{cfg: cfg, registry: registry}
	info := describeBackend(cfg)

	if !serveTUI {
		fmt.Printf("smartport - Device Server\n")
		fmt.Printf("Backend: %s\n", info)
		fmt.Printf("Devices: %d\n", registry.NumDevices())
		fmt.Printf("Press Ctrl+C to exit\n\n")

		err := srv.run(ctx)
		if bus := srv.currentBus(); bus != nil {
			stats := bus.Stats()
			stats.CalculateRates()
			fmt.Println()
			fmt.Print(stats.String())
		}
		return err
	}

	p := tea.NewProgram(initialModel("SMARTPORT - BUS MONITOR", info, registrySource(srv.currentBus, registry)))
	srv.observer = func(e iwm.Event) {
		go p.Send(busEventMsg(e))
	}

	// The monitor owns the terminal, keep log output off it
	iwm.SetLogLevel("error")

	done := make(chan error, 1)
	go func() {
		err := srv.run(ctx)
		p.Quit()
		done <- err
	}()

	if _, err := p.Run(); err != nil {
		cancel()
		<-done
		return fmt.Errorf("TUI error: %w", err)
	}
	cancel()
	return <-done
}

func describeBackend(cfg *config.Config) string {
	if serveBoard {
		pins := cfg.BoardPins()
		return fmt.Sprintf("Board: PH %v, ACK %s, TX %s, RX %s", pins.Phases, pins.ACK, pins.TxPort, pins.RxPort)
	}
	r := cfg.Relay
	switch r.Mode {
	case config.ModeListen:
		return fmt.Sprintf("Relay listen: %s", r.Address)
	case config.ModeDial:
		return fmt.Sprintf("Relay dial: %s", r.Address)
	case config.ModeSerial:
		return fmt.Sprintf("Relay serial: %s @ %d baud", r.Port, r.Baud)
	}
	return fmt.Sprintf("Relay WebSocket: %s", r.URL)
}

// run serves until ctx is cancelled. Cancellation is not an error.
func (s *server) run(ctx context.Context) error {
	var err error
	switch {
	case serveBoard:
		err = s.runBoard(ctx)
	case s.cfg.Relay.Mode == config.ModeListen:
		err = relay.Listen(ctx, s.cfg.Relay.Address, func(ctx context.Context, c net.Conn) error {
			return s.serveConn(ctx, c)
		})
	default:
		err = s.runClientLink(ctx)
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// runClientLink opens the relay link, serves it, and reopens it when it drops
func (s *server) runClientLink(ctx context.Context) error {
	log := iwm.Logger(iwm.ComponentRelay)
	retry := s.cfg.RetryInterval()

	for ctx.Err() == nil {
		conn, info, err := OpenRelayLink(ctx, s.cfg.Relay, retry)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			log.Warnf("open link, retrying in %s: %v", retry, err)
			select {
			case <-ctx.Done():
			case <-time.After(retry):
			}
			continue
		}

		log.Infof("%s connected", info)
		if err := s.serveConn(ctx, conn); err != nil && ctx.Err() == nil {
			log.Warnf("%s: session ended: %v", info, err)
		}
	}
	return ctx.Err()
}

// serveConn runs a bus over one relay stream until it closes
func (s *server) serveConn(ctx context.Context, rw io.ReadWriteCloser) error {
	conn := relay.NewConn(rw, relay.ConnOptions{})
	defer conn.Close()

	s.registry.ClearAddresses()
	bus := s.newBus(relay.NewLink(conn, s.cfg.PollWait()))
	err := relay.RunBus(ctx, bus, conn)
	if errors.Is(err, relay.ErrConnectionClosed) {
		return nil
	}
	return err
}

// runBoard drives the bus from the GPIO/SPI board
func (s *server) runBoard(ctx context.Context) error {
	b, err := board.Open(s.cfg.BoardPins())
	if err != nil {
		return err
	}
	defer b.Close()

	bus := s.newBus(iwm.NewTransport(b.Hardware(), s.cfg.TransportTimings()))
	if s.cfg.BoardPins().Edges {
		go b.WatchREQ(ctx, bus.HandlePhaseEdge)
	} else {
		go b.PollREQ(ctx, reqPollInterval, bus.HandlePhaseEdge)
	}

	err = bus.Run(ctx)
	if berr := b.Err(); berr != nil {
		return fmt.Errorf("board: %w", berr)
	}
	return err
}
