// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package relay

import (
	"context"
	"time"

	"github.com/Thermoquad/smartport/pkg/iwm"
)

// DefaultPollWait bounds how long an idle phase sample waits for the next request
const DefaultPollWait = 5 * time.Millisecond

// Link is the device side of a relay connection. It implements iwm.Link:
// each Request is staged into the bus mailbox whole, the phase vector reads
// Enable while it is pending, and the replies the bus sends are returned in
// one Response when the bus releases ACK at the end of the transaction.
//
// All methods are called from the bus poll goroutine.
type Link struct {
	conn  *Conn
	mb    *iwm.Mailbox
	start time.Time
	wait  time.Duration

	inflight bool
	seq      uint32
	replies  [][]byte
}

// NewLink wraps conn. wait is how long PhaseVector blocks on an empty queue.
func NewLink(conn *Conn, wait time.Duration) *Link {
	return &Link{conn: conn, start: time.Now(), wait: wait}
}

// AttachMailbox is called by iwm.NewBus
func (l *Link) AttachMailbox(m *iwm.Mailbox) {
	l.mb = m
}

// Conn returns the underlying connection
func (l *Link) Conn() *Conn {
	return l.conn
}

// PhaseVector reports Enable while a request is staged and otherwise takes
// the next message off the queue.
func (l *Link) PhaseVector() uint8 {
	if l.mb == nil {
		return iwm.VectorIdle
	}
	if l.mb.Mode() != iwm.ModeStandby {
		return iwm.VectorEnable
	}

	msgs := l.conn.Messages()
	if l.wait <= 0 {
		select {
		case m, ok := <-msgs:
			return l.take(m, ok)
		default:
			return iwm.VectorIdle
		}
	}

	t := time.NewTimer(l.wait)
	defer t.Stop()
	select {
	case m, ok := <-msgs:
		return l.take(m, ok)
	case <-t.C:
		return iwm.VectorIdle
	}
}

func (l *Link) take(m Message, ok bool) uint8 {
	if !ok {
		return iwm.VectorIdle
	}
	return l.accept(m)
}

func (l *Link) accept(m Message) uint8 {
	log := iwm.Logger(iwm.ComponentRelay)

	switch m.Kind {
	case KindRequest:
		if len(m.Command) == 0 || !l.mb.Stage(m.Command, m.Data) {
			log.WithField("seq", m.Seq).Debug("request without a command packet")
			l.respond(Message{Kind: KindResponse, Seq: m.Seq})
			return iwm.VectorIdle
		}
		l.inflight = true
		l.seq = m.Seq
		l.replies = nil
		return iwm.VectorEnable

	case KindReset:
		l.respond(Message{Kind: KindResponse, Seq: m.Seq})
		return iwm.VectorReset

	case KindPing:
		l.respond(Message{Kind: KindPong, Seq: m.Seq, Uptime: uint64(time.Since(l.start))})
		return iwm.VectorIdle
	}

	log.Debugf("ignoring %s", m.Kind)
	return iwm.VectorIdle
}

func (l *Link) respond(m Message) {
	if err := l.conn.Send(m); err != nil {
		iwm.Logger(iwm.ComponentRelay).WithField("seq", m.Seq).Warnf("send %s: %v", m.Kind, err)
	}
}

// WaitREQ succeeds at once; the relay has no electrical handshake
func (l *Link) WaitREQ(bool, uint64) error {
	return nil
}

// SetACK ends the transaction once the bus has cleared the mailbox
func (l *Link) SetACK() {
	if !l.inflight || l.mb.Mode() != iwm.ModeStandby {
		return
	}
	l.inflight = false
	l.respond(Message{Kind: KindResponse, Seq: l.seq, Replies: l.replies})
	l.replies = nil
}

// ClearACK does nothing on the relay
func (l *Link) ClearACK() {}

// ReceivePacket is unused: requests arrive staged
func (l *Link) ReceivePacket(int) ([]byte, error) {
	return nil, iwm.ErrNoCommand
}

// SendPacket queues a reply for the Response of the current transaction
func (l *Link) SendPacket(raw []byte) error {
	if !l.inflight {
		return iwm.ErrNoCommand
	}
	l.replies = append(l.replies, append([]byte(nil), raw...))
	return nil
}

// RunBus runs bus until ctx is done or conn fails, and returns the reason
func RunBus(ctx context.Context, bus *iwm.Bus, conn *Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-conn.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	err := bus.Run(ctx)
	if cerr := conn.Err(); cerr != nil {
		return cerr
	}
	return err
}
