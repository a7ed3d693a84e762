// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package board

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"

	"github.com/Thermoquad/smartport/pkg/iwm"
	"github.com/Thermoquad/smartport/pkg/smartport"
)

// fakeSPI records writes and answers reads from fill, then holds the final line level
type fakeSPI struct {
	written [][]byte
	fill    []byte
}

func (f *fakeSPI) String() string               { return "fakespi" }
func (f *fakeSPI) Duplex() conn.Duplex          { return conn.Full }
func (f *fakeSPI) TxPackets([]spi.Packet) error { return nil }

func (f *fakeSPI) Tx(w, r []byte) error {
	f.written = append(f.written, append([]byte(nil), w...))
	idle := byte(0xFF)
	if n := len(f.fill); n > 0 && f.fill[n-1]&1 == 0 {
		idle = 0x00
	}
	for i := range r {
		if i < len(f.fill) {
			r[i] = f.fill[i]
		} else {
			r[i] = idle
		}
	}
	return nil
}

type rig struct {
	board  *Board
	phases [4]*gpiotest.Pin
	ack    *gpiotest.Pin
	tx, rx *fakeSPI
}

func newRig(t *testing.T) *rig {
	t.Helper()
	r := &rig{ack: &gpiotest.Pin{N: "ACK", L: gpio.High}, tx: &fakeSPI{}, rx: &fakeSPI{}}
	var pins [4]gpio.PinIO
	for i := range r.phases {
		r.phases[i] = &gpiotest.Pin{N: fmt.Sprintf("PH%d", i)}
		pins[i] = r.phases[i]
	}
	r.phases[0].EdgesChan = make(chan gpio.Level, 1)

	b, err := New(pins, r.ack, r.tx, r.rx, int(DefaultCaptureRate/physic.Hertz), true)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	r.board = b
	return r
}

func (r *rig) drive(vector uint8) {
	for i, p := range r.phases {
		p.L = gpio.Level(vector&(1<<i) != 0)
	}
}

// ============================================================
// Line Tests
// ============================================================

func TestPhaseVector(t *testing.T) {
	r := newRig(t)

	tests := []uint8{iwm.VectorIdle, iwm.VectorEnable, iwm.VectorEnableReq, iwm.VectorReset}
	for _, v := range tests {
		r.drive(v)
		if got := r.board.PhaseVector(); got != v {
			t.Errorf("PhaseVector = %04b, want %04b", got, v)
		}
		if r.board.REQ() != (v&1 != 0) {
			t.Errorf("REQ mismatch for %04b", v)
		}
	}
}

func TestACK(t *testing.T) {
	r := newRig(t)

	r.board.ClearACK()
	if r.ack.L != gpio.Low {
		t.Error("ClearACK did not drive ACK low")
	}
	r.board.SetACK()
	if r.ack.P != gpio.PullNoChange {
		t.Errorf("SetACK pull = %s", r.ack.P)
	}
	if err := r.board.Err(); err != nil {
		t.Errorf("unexpected pin error: %v", err)
	}
}

func TestClockMonotonic(t *testing.T) {
	r := newRig(t)
	a := r.board.Now()
	time.Sleep(time.Millisecond)
	if b := r.board.Now(); b-a < 10*iwm.TickPerMicrosecond {
		t.Errorf("clock advanced %d ticks over 1ms", b-a)
	}
}

// ============================================================
// Transport Tests
// ============================================================

func TestTransportReceive(t *testing.T) {
	r := newRig(t)
	frame, _ := smartport.EncodeCommand(0x81, smartport.OpStatus, []byte{1, 0, 3})
	r.rx.fill = iwm.EncodeLine(frame, r.board.SampleRate())
	r.drive(iwm.VectorEnableReq)

	tr := iwm.NewTransport(r.board.Hardware(), iwm.DefaultTransportConfig())
	raw, err := tr.ReceivePacket(smartport.CommandPacketLen)
	if err != nil {
		t.Fatalf("ReceivePacket failed: %v", err)
	}
	data, ok := smartport.Decode(raw)
	if !ok || data[0] != smartport.OpStatus {
		t.Errorf("decoded % X, ok=%v", data, ok)
	}
	if len(r.rx.written) != 1 {
		t.Errorf("capture transfers = %d", len(r.rx.written))
	}
}

func TestTransmit(t *testing.T) {
	r := newRig(t)
	frame := smartport.MustEncodeReply(0x81, smartport.PacketTypeStatus, 0, nil)
	pattern := iwm.EncodeSPI(frame)

	if err := r.board.Transmit(pattern); err != nil {
		t.Fatal(err)
	}
	if len(r.tx.written) != 1 || !bytes.Equal(iwm.DecodeSPI(r.tx.written[0]), frame) {
		t.Error("read-data pattern not shifted out intact")
	}
}

func TestWatchREQ(t *testing.T) {
	r := newRig(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fired := make(chan struct{}, 1)
	go r.board.WatchREQ(ctx, func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	})

	r.phases[0].EdgesChan <- gpio.High
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("edge callback not invoked")
	}
}

func TestPollREQ(t *testing.T) {
	r := newRig(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fired := make(chan struct{}, 1)
	go r.board.PollREQ(ctx, time.Millisecond, func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	})

	time.Sleep(5 * time.Millisecond)
	if err := r.phases[0].Out(gpio.High); err != nil {
		t.Fatal(err)
	}
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("rising edge not detected")
	}
}

func TestClose(t *testing.T) {
	r := newRig(t)
	closed := 0
	r.board.closers = append(r.board.closers, func() error { closed++; return nil })
	if err := r.board.Close(); err != nil || closed != 1 {
		t.Errorf("Close err=%v closed=%d", err, closed)
	}
}
