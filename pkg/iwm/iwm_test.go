// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package iwm

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/Thermoquad/smartport/pkg/smartport"
)

// ============================================================
// Phase Tests
// ============================================================

func TestClassifyPhase(t *testing.T) {
	tests := []struct {
		vector uint8
		want   Phase
	}{
		{0b0000, PhaseIdle},
		{0b1010, PhaseEnable},
		{0b1011, PhaseEnable},
		{0b0101, PhaseReset},
		{0b1111, PhaseIdle},
		{0b0001, PhaseIdle},
		{0b1110, PhaseIdle},
		{0xFA, PhaseEnable},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%04b", tt.vector), func(t *testing.T) {
			if got := ClassifyPhase(tt.vector); got != tt.want {
				t.Errorf("ClassifyPhase(%04b) = %s, want %s", tt.vector, got, tt.want)
			}
		})
	}
}

// ============================================================
// Mailbox Tests
// ============================================================

func TestMailbox_CommandOnly(t *testing.T) {
	m := NewMailbox()
	if _, ok := m.Consume(); ok {
		t.Fatal("empty mailbox consumed")
	}

	if !m.TryStageCommand([]byte{1, 2, 3}, false) {
		t.Fatal("TryStageCommand refused in standby")
	}
	if m.Mode() != ModeCommand {
		t.Fatalf("mode = %s, want command", m.Mode())
	}
	if m.TryStageCommand([]byte{9}, false) {
		t.Error("second stage accepted while command pending")
	}

	st, ok := m.Consume()
	if !ok || !bytes.Equal(st.Command, []byte{1, 2, 3}) || st.Data != nil {
		t.Errorf("Consume = %+v, %v", st, ok)
	}

	m.Clear()
	if m.Mode() != ModeStandby {
		t.Errorf("mode after Clear = %s", m.Mode())
	}
}

func TestMailbox_WithData(t *testing.T) {
	m := NewMailbox()

	if m.StageData([]byte{7}) {
		t.Error("StageData accepted in standby")
	}
	m.TryStageCommand([]byte{1}, true)
	if m.Mode() != ModeRxData {
		t.Fatalf("mode = %s, want rxdata", m.Mode())
	}
	if _, ok := m.Consume(); ok {
		t.Error("Consume succeeded while waiting for data")
	}
	if !m.StageData([]byte{4, 5}) {
		t.Fatal("StageData refused in rxdata")
	}

	st, ok := m.Consume()
	if !ok || !bytes.Equal(st.Data, []byte{4, 5}) || !st.DataVerified {
		t.Errorf("Consume = %+v, %v", st, ok)
	}
}

func TestMailbox_Stage(t *testing.T) {
	m := NewMailbox()
	if !m.Stage([]byte{1}, []byte{2}) {
		t.Fatal("Stage refused")
	}
	st, _ := m.Consume()
	if st.DataVerified {
		t.Error("relay-staged data must not be marked verified")
	}
	if m.Stage([]byte{3}, nil) {
		t.Error("Stage accepted while occupied")
	}
}

// ============================================================
// Bitstream Tests
// ============================================================

func TestEncodeSPI(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
		want  []byte
	}{
		{"start byte", []byte{0xC3}, []byte{0x44, 0x00, 0x00, 0x44}},
		{"all ones", []byte{0xFF}, []byte{0x44, 0x44, 0x44, 0x44}},
		{"alternating", []byte{0xAA}, []byte{0x40, 0x40, 0x40, 0x40}},
		{"stops at zero", []byte{0x80, 0x00, 0xFF}, []byte{0x40, 0x00, 0x00, 0x00}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EncodeSPI(tt.frame); !bytes.Equal(got, tt.want) {
				t.Errorf("EncodeSPI = % X, want % X", got, tt.want)
			}
		})
	}
}

func TestSPI_RoundTrip(t *testing.T) {
	frame := smartport.MustEncodeReply(0x81, smartport.PacketTypeData, 0, []byte("HELLO WORLD"))
	pattern := EncodeSPI(frame)
	if len(pattern) != len(frame)*SPIBytesPerIn {
		t.Fatalf("pattern length = %d", len(pattern))
	}
	if !bytes.Equal(DecodeSPI(pattern), frame) {
		t.Error("DecodeSPI does not reverse EncodeSPI")
	}
}

func TestCaptureSamples(t *testing.T) {
	if got := SamplesPerCell(2_000_000); got != 8 {
		t.Errorf("SamplesPerCell = %d, want 8", got)
	}
	if got := CaptureSamples(smartport.CommandPacketLen, 2_000_000); got != 30*8*8 {
		t.Errorf("CaptureSamples = %d, want %d", got, 30*8*8)
	}
}

func TestLineDecoder_Frame(t *testing.T) {
	rates := []int{1_000_000, 2_000_000, 4_000_000}
	frame := smartport.MustEncodeReply(0x82, smartport.PacketTypeStatus, 0, []byte{0x10, 0x20, 0x30, 0x40})

	for _, rate := range rates {
		t.Run(fmt.Sprintf("%dHz", rate), func(t *testing.T) {
			got := NewLineDecoder(rate).DecodeStream(EncodeLine(frame, rate), smartport.CommandPacketLen)
			if len(got) != len(frame)-1 {
				t.Fatalf("rate %d: decoded %d bytes, want %d", rate, len(got), len(frame)-1)
			}
			if !bytes.Equal(got[:5], []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF}) {
				t.Errorf("rate %d: preamble = % X", rate, got[:5])
			}
			if !bytes.Equal(got[5:], frame[smartport.SyncLength:]) {
				t.Errorf("rate %d: body = % X, want % X", rate, got[5:], frame[smartport.SyncLength:])
			}
			data, ok := smartport.Decode(got)
			if !ok || !bytes.Equal(data, []byte{0x10, 0x20, 0x30, 0x40}) {
				t.Errorf("rate %d: Decode = % X, %v", rate, data, ok)
			}
		})
	}
}

func TestLineDecoder_MaxLen(t *testing.T) {
	frame := smartport.MustEncodeReply(0x81, smartport.PacketTypeData, 0, make([]byte, 100))
	got := NewLineDecoder(2_000_000).DecodeStream(EncodeLine(frame, 2_000_000), 20)
	if len(got) > 21 {
		t.Errorf("decoded %d bytes past maxLen 20", len(got))
	}
}

func TestLineDecoder_IdleLine(t *testing.T) {
	idle := bytes.Repeat([]byte{0xFF}, 64)
	got := NewLineDecoder(2_000_000).DecodeStream(idle, smartport.CommandPacketLen)
	if len(got) != 1 || got[0] != 0 {
		t.Errorf("idle line decoded to % X", got)
	}
}

// ============================================================
// Registry Tests
// ============================================================

type named struct {
	BaseDevice
	name string
	err  error
}

func (n *named) Name() string    { return n.name }
func (n *named) Shutdown() error { return n.err }

func TestRegistry_PushFront(t *testing.T) {
	r := NewRegistry()
	a, b, c := &named{name: "a"}, &named{name: "b"}, &named{name: "c"}
	r.AddDevice(a, KindBlockDisk)
	r.AddDevice(b, KindClock)
	r.AddDevice(c, KindOther)

	var order []string
	for _, s := range r.Slots() {
		order = append(order, s.Name())
		if s.Active() || s.Address() != 0 {
			t.Errorf("%s: new slot active=%v addr=%02X", s.Name(), s.Active(), s.Address())
		}
	}
	if got := order[0] + order[1] + order[2]; got != "cba" {
		t.Errorf("chain order = %s, want cba", got)
	}

	if !r.RemoveDevice(b) || r.NumDevices() != 2 {
		t.Error("RemoveDevice failed")
	}
	if r.RemoveDevice(b) {
		t.Error("RemoveDevice succeeded twice")
	}
}

func TestRegistry_DeviceByAddress(t *testing.T) {
	r := NewRegistry()
	dev := &named{name: "d"}
	r.AddDevice(dev, KindBlockDisk)

	if err := r.ChangeAddress(dev, 0x83); err != nil {
		t.Fatal(err)
	}
	if _, ok := r.DeviceByAddress(0x83); ok {
		t.Error("inactive device found by address")
	}
	if !r.SetActive(0x83, true) {
		t.Fatal("SetActive failed")
	}
	if s, ok := r.DeviceByAddress(0x83); !ok || s.Device() != dev {
		t.Error("active device not found by address")
	}
	if _, ok := r.DeviceByAddress(0); ok {
		t.Error("address 0 matched")
	}
	if r.SetActive(0x99, true) {
		t.Error("SetActive matched unknown address")
	}

	r.ClearAddresses()
	if _, ok := r.DeviceByAddress(0x83); ok {
		t.Error("device still addressed after ClearAddresses")
	}
}

func TestRegistry_NotAttached(t *testing.T) {
	r := NewRegistry()
	stranger := &named{name: "x"}
	if err := r.Activate(stranger, true); !errors.Is(err, ErrNotAttached) {
		t.Errorf("Activate err = %v", err)
	}
	if err := r.ChangeAddress(stranger, 0x81); !errors.Is(err, ErrNotAttached) {
		t.Errorf("ChangeAddress err = %v", err)
	}
}

func TestRegistry_AssignNextClearsSwitched(t *testing.T) {
	r := NewRegistry()
	a, b := &named{name: "a"}, &named{name: "b"}
	sa := r.AddDevice(a, KindBlockDisk)
	sb := r.AddDevice(b, KindBlockDisk)
	r.Activate(a, true)
	r.Activate(b, true)
	sa.MarkSwitched()
	sb.MarkSwitched()

	slot, last, ok := r.assignNext(0x81)
	if !ok || slot != sb || last {
		t.Fatalf("assignNext = %v %v %v", slot.Name(), last, ok)
	}
	if sb.Switched() {
		t.Error("switched flag not cleared on visited slot")
	}

	slot, last, ok = r.assignNext(0x82)
	if !ok || slot != sa || !last {
		t.Fatalf("second assignNext = %v %v %v", slot.Name(), last, ok)
	}
	if sa.Switched() {
		t.Error("switched flag not cleared")
	}

	if _, _, ok := r.assignNext(0x83); ok {
		t.Error("assignNext succeeded with every slot addressed")
	}
}

func TestRegistry_Shutdown(t *testing.T) {
	r := NewRegistry()
	boom := errors.New("boom")
	r.AddDevice(&named{name: "ok"}, KindOther)
	r.AddDevice(&named{name: "bad", err: boom}, KindOther)

	if err := r.Shutdown(); !errors.Is(err, boom) {
		t.Errorf("Shutdown err = %v, want boom", err)
	}
}

// ============================================================
// Request Tests
// ============================================================

type recorder struct {
	frames [][]byte
	err    error
}

func (r *recorder) SendPacket(raw []byte) error {
	r.frames = append(r.frames, append([]byte(nil), raw...))
	return r.err
}

func (r *recorder) status(t *testing.T, i int) *smartport.Packet {
	t.Helper()
	p, err := smartport.NewDecoder().DecodePacket(r.frames[i])
	if err != nil {
		t.Fatalf("reply %d: %v", i, err)
	}
	return p
}

func cmd(opcode, code uint8) smartport.Command {
	return smartport.Command{Dest: 0x81, Source: smartport.HostAddress, Opcode: opcode, ParamCount: 3, Params: []byte{1, 0, code, 0, 0, 0, 0}}
}

func TestRequest_BadCommand(t *testing.T) {
	list, _ := smartport.EncodePacketFromValues(0x81, smartport.HostAddress, smartport.PacketTypeData, smartport.AuxByte, 0, []byte{1, 2})

	tests := []struct {
		name   string
		opcode uint8
		data   []byte
		want   uint8
	}{
		{"status", smartport.OpStatus, nil, smartport.ErrBadCommand},
		{"control", smartport.OpControl, list, smartport.ErrBadCtl},
		{"extended control", smartport.OpControl | smartport.OpExtended, list, smartport.ErrBadCommand},
		{"write", smartport.OpWrite, list, smartport.ErrBadCommand},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			r := NewRequest(cmd(tt.opcode, 0), rec, tt.data)
			r.BadCommand()

			if r.Replies() != 1 {
				t.Fatalf("replies = %d", r.Replies())
			}
			p := rec.status(t, 0)
			if p.Status() != tt.want || p.Type() != smartport.PacketTypeStatus {
				t.Errorf("reply status=%02X type=%02X, want %02X/status", p.Status(), p.Type(), tt.want)
			}
			if tt.data != nil && !r.dataRead {
				t.Error("data packet not drained")
			}
		})
	}
}

func TestRequest_ReplyTypes(t *testing.T) {
	tests := []struct {
		name     string
		opcode   uint8
		send     func(r *Request)
		wantType uint8
	}{
		{"status", smartport.OpStatus, func(r *Request) { r.ReplyStatus(0, []byte{1}) }, smartport.PacketTypeStatus},
		{"ext status", smartport.OpStatus | smartport.OpExtended, func(r *Request) { r.ReplyStatus(0, []byte{1}) }, smartport.PacketTypeExtStatus},
		{"data", smartport.OpReadBlock, func(r *Request) { r.ReplyData(0, []byte{1}) }, smartport.PacketTypeData},
		{"ext data", smartport.OpReadBlock | smartport.OpExtended, func(r *Request) { r.ReplyData(0, []byte{1}) }, smartport.PacketTypeExtData},
		{"ext plain reply", smartport.OpWriteBlock | smartport.OpExtended, func(r *Request) { r.NoError() }, smartport.PacketTypeStatus},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			tt.send(NewRequest(cmd(tt.opcode, 0), rec, nil))
			p := rec.status(t, 0)
			if p.Type() != tt.wantType {
				t.Errorf("type = %02X, want %02X", p.Type(), tt.wantType)
			}
			if p.Source() != 0x81 || p.Dest() != smartport.HostAddress {
				t.Errorf("source/dest = %02X/%02X", p.Source(), p.Dest())
			}
		})
	}
}

func TestRequest_ReadData(t *testing.T) {
	good, _ := smartport.EncodePacketFromValues(0x81, smartport.HostAddress, smartport.PacketTypeData, smartport.AuxByte, 0, []byte{9, 8, 7})
	bad := append([]byte(nil), good...)
	bad[15] ^= 0x01

	r := NewRequest(cmd(smartport.OpWrite, 0), &recorder{}, nil)
	if _, err := r.ReadData(); !errors.Is(err, ErrNoDataPacket) {
		t.Errorf("no data: err = %v", err)
	}

	r = NewRequest(cmd(smartport.OpWrite, 0), &recorder{}, good)
	if data, err := r.ReadData(); err != nil || !bytes.Equal(data, []byte{9, 8, 7}) {
		t.Errorf("good: %v % X", err, data)
	}

	r = NewRequest(cmd(smartport.OpWrite, 0), &recorder{}, bad)
	if _, err := r.ReadData(); !errors.Is(err, smartport.ErrChecksum) {
		t.Errorf("bad: err = %v, want ErrChecksum", err)
	}

	r = NewRequest(cmd(smartport.OpWrite, 0), &recorder{}, bad)
	r.dataVerified = true
	if _, err := r.ReadData(); err != nil {
		t.Errorf("accepted bad packet: err = %v", err)
	}
}

func TestRequest_SendError(t *testing.T) {
	rec := &recorder{err: ErrTimeout}
	var hookErr error
	r := NewRequest(cmd(smartport.OpStatus, 0), rec, nil)
	r.onReply = func(_ uint8, err error) { hookErr = err }

	if err := r.NoError(); !errors.Is(err, ErrTimeout) {
		t.Errorf("NoError err = %v", err)
	}
	if !errors.Is(r.Err(), ErrTimeout) || !errors.Is(hookErr, ErrTimeout) {
		t.Error("send error not recorded")
	}
}

// ============================================================
// Transport Tests
// ============================================================

type fakeLines struct {
	req        bool
	dropOnACK  bool // REQ follows ACK like a host that accepts every packet
	riseOnRel  bool
	sets       int
	clears     int
	transmits  int
	lastFrame  []byte
	captureBuf []byte
}

func (f *fakeLines) SetACK() {
	f.sets++
	if f.riseOnRel {
		f.req = true
	}
}

func (f *fakeLines) ClearACK() {
	f.clears++
	if f.dropOnACK {
		f.req = false
	}
}

func (f *fakeLines) REQ() bool                  { return f.req }
func (f *fakeLines) PhaseVector() uint8         { return VectorEnable }
func (f *fakeLines) Capture(samples int) []byte { return f.captureBuf }
func (f *fakeLines) SampleRate() int            { return 2_000_000 }

func (f *fakeLines) Transmit(pattern []byte) error {
	f.transmits++
	f.lastFrame = DecodeSPI(pattern)
	return nil
}

type tickClock struct{ t uint64 }

func (c *tickClock) Now() uint64 {
	c.t += 100
	return c.t
}

func newFakeTransport(f *fakeLines) *Transport {
	return NewTransport(Hardware{Phases: f, Lines: f, Sampler: f, Transmitter: f, Clock: &tickClock{}}, DefaultTransportConfig())
}

func TestTransport_SendNoREQ(t *testing.T) {
	f := &fakeLines{}
	tr := newFakeTransport(f)

	err := tr.Send(0x81, smartport.PacketTypeStatus, 0, nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if f.sets != 5 {
		t.Errorf("attempts = %d, want 5", f.sets)
	}
	if f.transmits != 0 {
		t.Errorf("transmitted %d times without REQ", f.transmits)
	}
}

func TestTransport_SendHostHoldsREQ(t *testing.T) {
	f := &fakeLines{riseOnRel: true}
	tr := newFakeTransport(f)

	err := tr.Send(0x81, smartport.PacketTypeStatus, 0, nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if f.transmits != 5 {
		t.Errorf("transmits = %d, want 5", f.transmits)
	}
}

func TestTransport_SendOK(t *testing.T) {
	f := &fakeLines{riseOnRel: true, dropOnACK: true}
	tr := newFakeTransport(f)

	if err := tr.Send(0x81, smartport.PacketTypeData, 0, []byte{1, 2, 3}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if f.transmits != 1 {
		t.Errorf("transmits = %d", f.transmits)
	}
	if data, ok := smartport.Decode(f.lastFrame); !ok || !bytes.Equal(data, []byte{1, 2, 3}) {
		t.Errorf("host received % X (ok=%v)", data, ok)
	}
	if f.clears != 1 {
		t.Errorf("ACK asserted %d times, want 1", f.clears)
	}
}

func TestTransport_Receive(t *testing.T) {
	frame, _ := smartport.EncodeCommand(0x81, smartport.OpStatus, []byte{1, 0, 3})
	f := &fakeLines{req: true, captureBuf: EncodeLine(frame, 2_000_000)}
	tr := newFakeTransport(f)

	raw, err := tr.ReceivePacket(smartport.CommandPacketLen)
	if err != nil {
		t.Fatalf("ReceivePacket failed: %v", err)
	}
	p, err := smartport.NewDecoder().DecodePacket(raw)
	if err != nil {
		t.Fatal(err)
	}
	c, err := smartport.ParseCommand(p)
	if err != nil || c.Code() != 3 || c.Dest != 0x81 {
		t.Errorf("command = %+v, %v", c, err)
	}
}

func TestTransport_ReceiveNoREQ(t *testing.T) {
	tr := newFakeTransport(&fakeLines{})
	if _, err := tr.ReceivePacket(smartport.CommandPacketLen); !errors.Is(err, ErrTimeout) {
		t.Errorf("err = %v, want ErrTimeout", err)
	}
}

// ============================================================
// Bus Tests
// ============================================================

// stagingLink is a packet-level Link that stages transactions directly
type stagingLink struct {
	vector     uint8
	script     []uint8 // sampled before vector
	mb         *Mailbox
	sent       [][]byte
	reqTimeout bool
}

func (l *stagingLink) AttachMailbox(m *Mailbox) { l.mb = m }

func (l *stagingLink) PhaseVector() uint8 {
	if len(l.script) > 0 {
		v := l.script[0]
		l.script = l.script[1:]
		return v
	}
	return l.vector
}

func (l *stagingLink) SetACK()   {}
func (l *stagingLink) ClearACK() {}

func (l *stagingLink) WaitREQ(bool, uint64) error {
	if l.reqTimeout {
		return ErrTimeout
	}
	return nil
}

func (l *stagingLink) ReceivePacket(int) ([]byte, error) {
	return nil, ErrTimeout
}

func (l *stagingLink) SendPacket(raw []byte) error {
	l.sent = append(l.sent, append([]byte(nil), raw...))
	return nil
}

type writer struct {
	BaseDevice
	got []byte
}

func (w *writer) Name() string { return "writer" }

func (w *writer) Write(r *Request) {
	data, err := r.ReadData()
	if err != nil {
		r.IOError()
		return
	}
	w.got = data
	r.NoError()
}

func newTestBus(t *testing.T) (*Bus, *stagingLink, *writer) {
	t.Helper()
	link := &stagingLink{vector: VectorEnable}
	reg := NewRegistry()
	w := &writer{}
	reg.AddDevice(w, KindOther)
	reg.Activate(w, true)
	reg.ChangeAddress(w, 0x81)

	bus := NewBus(link, reg, DefaultBusConfig())
	if link.mb != bus.Mailbox() {
		t.Fatal("mailbox not attached")
	}
	return bus, link, w
}

func replyStatus(t *testing.T, raw []byte) uint8 {
	t.Helper()
	p, err := smartport.NewDecoder().DecodePacket(raw)
	if err != nil {
		t.Fatal(err)
	}
	return p.Status()
}

func TestBus_Idle(t *testing.T) {
	bus, link, _ := newTestBus(t)
	link.vector = VectorIdle
	if bus.Service() {
		t.Error("Service returned true on idle bus")
	}
	if bus.State() != PhaseIdle {
		t.Errorf("state = %s", bus.State())
	}
}

func TestBus_EnableWithoutCommand(t *testing.T) {
	bus, link, _ := newTestBus(t)
	if !bus.Service() {
		t.Error("Service returned false on enabled bus")
	}
	if len(link.sent) != 0 {
		t.Error("reply sent without a command")
	}
}

func TestBus_DispatchWithData(t *testing.T) {
	bus, link, w := newTestBus(t)

	command, _ := smartport.EncodeCommand(0x81, smartport.OpWrite, []byte{1, 0, 3, 0})
	data, _ := smartport.EncodePacketFromValues(0x81, smartport.HostAddress, smartport.PacketTypeData, smartport.AuxByte, 0, []byte("abc"))
	link.mb.Stage(command, data)

	bus.Service()

	if len(link.sent) != 1 || replyStatus(t, link.sent[0]) != smartport.ErrNoError {
		t.Fatalf("replies = %d", len(link.sent))
	}
	if string(w.got) != "abc" {
		t.Errorf("device got %q", w.got)
	}
	if bus.Mailbox().Mode() != ModeStandby {
		t.Error("mailbox not cleared")
	}
	if s := bus.Stats(); s.Replies != 1 || s.Commands[smartport.OpWrite] != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestBus_CorruptCommandRepliesIOError(t *testing.T) {
	bus, link, _ := newTestBus(t)

	command, _ := smartport.EncodeCommand(0x81, smartport.OpStatus, []byte{1, 0, 0})
	command[16] ^= 0x01
	link.mb.Stage(command, nil)

	bus.Service()

	if len(link.sent) != 1 {
		t.Fatalf("replies = %d, want 1", len(link.sent))
	}
	if got := replyStatus(t, link.sent[0]); got != smartport.ErrIOError {
		t.Errorf("status = %02X, want IOERROR", got)
	}
	if bus.Stats().ChecksumErrors != 1 {
		t.Error("checksum error not counted")
	}
}

func TestBus_CorruptInitIsDiscarded(t *testing.T) {
	link := &stagingLink{vector: VectorEnable}
	reg := NewRegistry()
	w := &writer{}
	reg.AddDevice(w, KindOther)
	reg.Activate(w, true)
	bus := NewBus(link, reg, DefaultBusConfig())

	var events []Event
	bus.Observe(func(e Event) { events = append(events, e) })

	command, _ := smartport.EncodeCommand(0x81, smartport.OpInit, []byte{0x00})
	// first byte of the 7-byte group
	command[smartport.SyncLength+1+smartport.HeaderSize+1+2+1] ^= 0x01
	if _, ok := smartport.Decode(command); ok {
		t.Fatal("corrupted INIT still decodes")
	}
	link.mb.Stage(command, nil)

	bus.Service()

	slot, _ := reg.Lookup(w)
	if slot.Address() != 0 {
		t.Errorf("address = %02X, want unassigned", slot.Address())
	}
	if len(link.sent) != 0 {
		t.Errorf("replies = %d, want none", len(link.sent))
	}
	if bus.Stats().ChecksumErrors != 1 {
		t.Error("checksum error not counted")
	}
	if len(events) == 0 || events[len(events)-1].Kind != EventChecksum {
		t.Errorf("events = %v", events)
	}
	if bus.Mailbox().Mode() != ModeStandby {
		t.Error("mailbox not cleared")
	}

	// A clean resend is answered
	command, _ = smartport.EncodeCommand(0x81, smartport.OpInit, []byte{0x00})
	link.mb.Stage(command, nil)
	bus.Service()
	if slot.Address() != 0x81 || len(link.sent) != 1 {
		t.Errorf("after resend: address = %02X, replies = %d", slot.Address(), len(link.sent))
	}
}

func TestBus_RelayDataResend(t *testing.T) {
	tests := []struct {
		name  string
		liron bool
		want  uint8
	}{
		{"workaround on", true, smartport.ErrNoError},
		{"workaround off", false, smartport.ErrIOError},
	}

	payload := bytes.Repeat([]byte{0x5A}, 300)
	command, _ := smartport.EncodeCommand(0x81, smartport.OpWrite, []byte{1, 0, 0x2C, 0x01})
	data, _ := smartport.EncodePacketFromValues(0x81, smartport.HostAddress, smartport.PacketTypeData, smartport.AuxByte, 0, payload)
	data[smartport.SyncLength+1+smartport.HeaderSize+1] ^= 0x01

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			link := &stagingLink{vector: VectorEnable}
			reg := NewRegistry()
			w := &writer{}
			reg.AddDevice(w, KindOther)
			reg.Activate(w, true)
			reg.ChangeAddress(w, 0x81)

			cfg := DefaultBusConfig()
			cfg.LironWorkaround = tt.liron
			bus := NewBus(link, reg, cfg)

			link.mb.Stage(command, data)
			bus.Service()
			link.mb.Stage(command, data)
			bus.Service()

			if len(link.sent) != 2 {
				t.Fatalf("replies = %d, want 2", len(link.sent))
			}
			if got := replyStatus(t, link.sent[0]); got != smartport.ErrIOError {
				t.Errorf("first status = %02X, want IOERROR", got)
			}
			if got := replyStatus(t, link.sent[1]); got != tt.want {
				t.Errorf("resend status = %02X, want %02X", got, tt.want)
			}
			if tt.liron && len(w.got) != len(payload) {
				t.Errorf("device got %d bytes, want %d", len(w.got), len(payload))
			}
		})
	}
}

func TestBus_UnknownUnitIsSilent(t *testing.T) {
	bus, link, _ := newTestBus(t)

	command, _ := smartport.EncodeCommand(0x85, smartport.OpStatus, []byte{1, 0, 0})
	link.mb.Stage(command, nil)
	bus.Service()

	if len(link.sent) != 0 {
		t.Error("reply sent for unknown unit")
	}
	if bus.Mailbox().Mode() != ModeStandby {
		t.Error("mailbox not cleared")
	}
}

func TestBus_REQTimeoutAborts(t *testing.T) {
	bus, link, _ := newTestBus(t)
	link.reqTimeout = true

	var events []Event
	bus.Observe(func(e Event) { events = append(events, e) })

	command, _ := smartport.EncodeCommand(0x81, smartport.OpStatus, []byte{1, 0, 0})
	link.mb.Stage(command, nil)
	bus.Service()

	if len(link.sent) != 0 {
		t.Error("reply sent after REQ timeout")
	}
	if bus.Stats().Timeouts != 1 {
		t.Error("timeout not counted")
	}
	if len(events) == 0 || events[len(events)-1].Kind != EventTimeout {
		t.Errorf("events = %v", events)
	}
}

func TestBus_Reset(t *testing.T) {
	bus, link, _ := newTestBus(t)
	link.script = []uint8{VectorReset, VectorReset, VectorReset}
	link.vector = VectorIdle

	bus.Service()

	if s, ok := bus.Registry().DeviceByAddress(0x81); ok {
		t.Errorf("%s still addressed after reset", s.Name())
	}
	if bus.Stats().Resets != 1 {
		t.Error("reset not counted")
	}
	if len(link.script) != 0 {
		t.Errorf("reset released with %d samples left", len(link.script))
	}
	if bus.State() != PhaseIdle {
		t.Errorf("state = %s", bus.State())
	}
}
