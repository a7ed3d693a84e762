// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package board drives the SmartPort lines from Linux GPIO and SPI through periph.io.
//
// The four phase lines and ACK are plain GPIOs. Read-data is the MOSI pin of
// one SPI port clocked at one byte per two bit cells; write-data is sampled
// on the MISO pin of a second port clocked at the capture rate.
package board

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	"github.com/Thermoquad/smartport/pkg/iwm"
)

// TxFrequency shifts one pattern byte (two 4 µs cells) every 8 µs
const TxFrequency = physic.MegaHertz

// DefaultCaptureRate gives 8 samples per bit cell
const DefaultCaptureRate = 2 * physic.MegaHertz

// ErrPinNotFound is returned when a configured pin name is not registered
var ErrPinNotFound = errors.New("board: pin not found")

// Config names the pins and SPI ports wired to the bus
type Config struct {
	Phases  [4]string // PH0 (REQ) first
	ACK     string
	TxPort  string
	RxPort  string
	Capture physic.Frequency
	Edges   bool // arm PH0 edge detection for WatchREQ
}

// DefaultConfig returns the Raspberry Pi header wiring
func DefaultConfig() Config {
	return Config{
		Phases:  [4]string{"GPIO17", "GPIO27", "GPIO22", "GPIO23"},
		ACK:     "GPIO24",
		TxPort:  "SPI0.0",
		RxPort:  "SPI1.0",
		Capture: DefaultCaptureRate,
		Edges:   true,
	}
}

// Board implements every hardware collaborator of iwm.Transport.
type Board struct {
	phases [4]gpio.PinIO
	ack    gpio.PinIO
	tx     spi.Conn
	rx     spi.Conn
	rate   int
	start  time.Time

	closers []func() error

	mu      sync.Mutex
	lastErr error
}

// Open initializes the host drivers and claims the configured pins and ports
func Open(cfg Config) (*Board, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("board: host init: %w", err)
	}

	var pins [4]gpio.PinIO
	for i, name := range cfg.Phases {
		p := gpioreg.ByName(name)
		if p == nil {
			return nil, fmt.Errorf("%w: PH%d %q", ErrPinNotFound, i, name)
		}
		pins[i] = p
	}
	ack := gpioreg.ByName(cfg.ACK)
	if ack == nil {
		return nil, fmt.Errorf("%w: ACK %q", ErrPinNotFound, cfg.ACK)
	}

	if cfg.Capture == 0 {
		cfg.Capture = DefaultCaptureRate
	}

	txPort, err := spireg.Open(cfg.TxPort)
	if err != nil {
		return nil, fmt.Errorf("board: open %s: %w", cfg.TxPort, err)
	}
	tx, err := txPort.Connect(TxFrequency, spi.Mode0, 8)
	if err != nil {
		txPort.Close()
		return nil, fmt.Errorf("board: connect %s: %w", cfg.TxPort, err)
	}

	rxPort, err := spireg.Open(cfg.RxPort)
	if err != nil {
		txPort.Close()
		return nil, fmt.Errorf("board: open %s: %w", cfg.RxPort, err)
	}
	rx, err := rxPort.Connect(cfg.Capture, spi.Mode0, 8)
	if err != nil {
		txPort.Close()
		rxPort.Close()
		return nil, fmt.Errorf("board: connect %s: %w", cfg.RxPort, err)
	}

	b, err := New(pins, ack, tx, rx, int(cfg.Capture/physic.Hertz), cfg.Edges)
	if err != nil {
		txPort.Close()
		rxPort.Close()
		return nil, err
	}
	b.closers = append(b.closers, txPort.Close, rxPort.Close)

	iwm.Logger(iwm.ComponentBoard).
		WithField("tx", cfg.TxPort).WithField("rx", cfg.RxPort).
		Infof("board ready, capture at %s", cfg.Capture)
	return b, nil
}

// New builds a board from already resolved pins and SPI connections.
// With edges PH0 is armed for WaitForEdge.
func New(phases [4]gpio.PinIO, ack gpio.PinIO, tx, rx spi.Conn, rate int, edges bool) (*Board, error) {
	for i, p := range phases {
		edge := gpio.NoEdge
		if i == 0 && edges {
			edge = gpio.BothEdges
		}
		if err := p.In(gpio.PullDown, edge); err != nil {
			return nil, fmt.Errorf("board: PH%d: %w", i, err)
		}
	}

	b := &Board{phases: phases, ack: ack, tx: tx, rx: rx, rate: rate, start: time.Now()}
	b.SetACK()
	if err := b.Err(); err != nil {
		return nil, err
	}
	return b, nil
}

// Hardware returns the collaborators to build an iwm.Transport on
func (b *Board) Hardware() iwm.Hardware {
	return iwm.Hardware{
		Phases:      b,
		Lines:       b,
		Sampler:     b,
		Transmitter: b,
		Clock:       b,
	}
}

func (b *Board) fail(err error) {
	if err == nil {
		return
	}
	b.mu.Lock()
	b.lastErr = err
	b.mu.Unlock()
	iwm.Logger(iwm.ComponentBoard).Warn(err)
}

// Err returns the last pin error
func (b *Board) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastErr
}

// PhaseVector reads PH0..PH3 into bits 0..3
func (b *Board) PhaseVector() uint8 {
	var v uint8
	for i, p := range b.phases {
		if p.Read() == gpio.High {
			v |= 1 << i
		}
	}
	return v
}

// REQ reads PH0
func (b *Board) REQ() bool {
	return b.phases[0].Read() == gpio.High
}

// SetACK releases ACK by switching the pin to input
func (b *Board) SetACK() {
	if err := b.ack.In(gpio.PullNoChange, gpio.NoEdge); err != nil {
		b.fail(fmt.Errorf("board: release ACK: %w", err))
	}
}

// ClearACK drives ACK low
func (b *Board) ClearACK() {
	if err := b.ack.Out(gpio.Low); err != nil {
		b.fail(fmt.Errorf("board: assert ACK: %w", err))
	}
}

// SampleRate returns the write-data capture rate in Hz
func (b *Board) SampleRate() int {
	return b.rate
}

// Capture clocks in samples from the write-data line
func (b *Board) Capture(samples int) []byte {
	w := make([]byte, (samples+7)/8)
	r := make([]byte, len(w))
	if err := b.rx.Tx(w, r); err != nil {
		b.fail(fmt.Errorf("board: capture: %w", err))
	}
	return r
}

// Transmit shifts a pulse pattern out on read-data
func (b *Board) Transmit(pattern []byte) error {
	return b.tx.Tx(pattern, nil)
}

// Now returns 100 ns ticks since the board was opened
func (b *Board) Now() uint64 {
	return uint64(time.Since(b.start) / 100)
}

// WatchREQ calls fn on every PH0 edge until ctx is done.
// Requires the board to be opened with edge detection.
func (b *Board) WatchREQ(ctx context.Context, fn func()) {
	for ctx.Err() == nil {
		if b.phases[0].WaitForEdge(100 * time.Millisecond) {
			fn()
		}
	}
}

// PollREQ samples PH0 every interval and calls fn on each rising edge
// until ctx is done. It stands in for WatchREQ without edge detection.
func (b *Board) PollREQ(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	prev := b.REQ()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		req := b.REQ()
		if req && !prev {
			fn()
		}
		prev = req
	}
}

// Close releases ACK and the SPI ports
func (b *Board) Close() error {
	b.SetACK()
	var errs []error
	for _, c := range b.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
