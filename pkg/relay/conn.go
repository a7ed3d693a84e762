// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/Thermoquad/smartport/pkg/iwm"
)

// DefaultQueueSize is the number of decoded messages buffered ahead of the reader
const DefaultQueueSize = 16

// Conn exchanges Messages over a byte stream.
// A reader goroutine decodes frames into a buffered channel; writes are serialized.
type Conn struct {
	rw io.ReadWriteCloser

	wmu sync.Mutex
	in  chan Message

	closeOnce sync.Once
	done      chan struct{}
	errMu     sync.Mutex
	err       error

	frames      atomic.Uint64
	frameErrors atomic.Uint64

	trace func(outbound bool, m Message)
}

// ConnOptions tunes a Conn
type ConnOptions struct {
	// Queue is the inbound channel depth, 0 means DefaultQueueSize
	Queue int
	// Trace receives every message read or written when set
	Trace func(outbound bool, m Message)
}

// NewConn starts reading rw
func NewConn(rw io.ReadWriteCloser, opts ConnOptions) *Conn {
	if opts.Queue <= 0 {
		opts.Queue = DefaultQueueSize
	}
	c := &Conn{
		rw:    rw,
		in:    make(chan Message, opts.Queue),
		done:  make(chan struct{}),
		trace: opts.Trace,
	}
	go c.readLoop()
	return c
}

func (c *Conn) readLoop() {
	defer close(c.in)
	log := iwm.Logger(iwm.ComponentRelay)
	dec := NewFrameDecoder()
	buf := make([]byte, 512)

	for {
		n, err := c.rw.Read(buf)
		for _, b := range buf[:n] {
			body, ferr := dec.DecodeByte(b)
			if ferr != nil {
				c.frameErrors.Add(1)
				log.Debugf("dropping frame: %v", ferr)
				continue
			}
			if body == nil {
				continue
			}
			m, perr := ParseMessage(body)
			if perr != nil {
				c.frameErrors.Add(1)
				log.Debugf("dropping message: %v", perr)
				continue
			}
			c.frames.Add(1)
			if c.trace != nil {
				c.trace(false, m)
			}
			select {
			case c.in <- m:
			case <-c.done:
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debugf("read: %v", err)
			}
			c.fail(err)
			return
		}
	}
}

func (c *Conn) fail(err error) {
	c.errMu.Lock()
	if c.err == nil {
		c.err = fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	c.errMu.Unlock()
	c.closeOnce.Do(func() { close(c.done) })
}

// Err returns why the connection stopped, or nil while it is open
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Done is closed once the connection has failed or been closed
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Messages returns the inbound queue. It is closed when reading stops.
func (c *Conn) Messages() <-chan Message {
	return c.in
}

// Send encodes and writes one message
func (c *Conn) Send(m Message) error {
	if err := c.Err(); err != nil {
		return err
	}
	frame, err := m.Encode()
	if err != nil {
		return err
	}

	c.wmu.Lock()
	_, err = c.rw.Write(frame)
	c.wmu.Unlock()
	if err != nil {
		c.fail(err)
		return fmt.Errorf("%w: write: %v", ErrConnectionClosed, err)
	}
	if c.trace != nil {
		c.trace(true, m)
	}
	return nil
}

// Receive waits for the next message
func (c *Conn) Receive(ctx context.Context) (Message, error) {
	select {
	case m, ok := <-c.in:
		if !ok {
			return Message{}, c.closedErr()
		}
		return m, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (c *Conn) closedErr() error {
	if err := c.Err(); err != nil {
		return err
	}
	return ErrConnectionClosed
}

// Counters returns the number of accepted and rejected frames
func (c *Conn) Counters() (ok, bad uint64) {
	return c.frames.Load(), c.frameErrors.Load()
}

// Close stops the reader and closes the stream
func (c *Conn) Close() error {
	c.fail(io.EOF)
	return c.rw.Close()
}
