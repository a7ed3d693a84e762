// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/Thermoquad/smartport/pkg/iwm"
)

// DefaultRetryInterval is the pause between dial attempts
const DefaultRetryInterval = 5 * time.Second

// Dial connects to addr over TCP, retrying every interval until ctx is done
func Dial(ctx context.Context, addr string, interval time.Duration) (net.Conn, error) {
	if interval <= 0 {
		interval = DefaultRetryInterval
	}
	log := iwm.Logger(iwm.ComponentRelay).WithField("addr", addr)
	var d net.Dialer

	for attempt := 1; ; attempt++ {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			log.Info("connected")
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.WithField("attempt", attempt).Warnf("dial failed, retrying in %s: %v", interval, err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// Handler serves one accepted connection until it returns
type Handler func(ctx context.Context, conn net.Conn) error

// Listen accepts on addr and serves one connection at a time until ctx is done
func Listen(ctx context.Context, addr string, serve Handler) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return Serve(ctx, ln, serve)
}

// Serve accepts connections from ln one at a time until ctx is done
func Serve(ctx context.Context, ln net.Listener, serve Handler) error {
	log := iwm.Logger(iwm.ComponentRelay).WithField("addr", ln.Addr().String())
	log.Info("listening")

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			log.Warnf("accept: %v", err)
			continue
		}

		peer := conn.RemoteAddr().String()
		log.WithField("peer", peer).Info("host connected")
		if err := serve(ctx, conn); err != nil && ctx.Err() == nil {
			log.WithField("peer", peer).Warnf("session ended: %v", err)
		}
		conn.Close()
	}
}
