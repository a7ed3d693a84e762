// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"go.bug.st/serial"
	"golang.org/x/term"

	"github.com/Thermoquad/smartport/pkg/config"
	"github.com/Thermoquad/smartport/pkg/relay"
)

// Connection is the byte stream carrying relay frames
type Connection = io.ReadWriteCloser

// SerialConnection wraps a serial port
type SerialConnection struct {
	port serial.Port
}

func (s *SerialConnection) Read(p []byte) (int, error) {
	return s.port.Read(p)
}

func (s *SerialConnection) Write(p []byte) (int, error) {
	return s.port.Write(p)
}

func (s *SerialConnection) Close() error {
	return s.port.Close()
}

// WebSocketConnection presents the binary messages of a WebSocket as a byte stream
type WebSocketConnection struct {
	conn      *websocket.Conn
	buf       []byte
	bufOffset int
	closed    bool
}

func (w *WebSocketConnection) Read(p []byte) (int, error) {
	if w.closed {
		return 0, relay.ErrConnectionClosed
	}

	if w.bufOffset < len(w.buf) {
		n := copy(p, w.buf[w.bufOffset:])
		w.bufOffset += n
		return n, nil
	}

	for {
		messageType, data, err := w.conn.ReadMessage()
		if err != nil {
			w.closed = true
			return 0, err
		}

		// Relay frames travel in binary messages only
		if messageType != websocket.BinaryMessage {
			continue
		}

		w.buf = data
		w.bufOffset = 0
		n := copy(p, w.buf)
		w.bufOffset = n
		return n, nil
	}
}

func (w *WebSocketConnection) Write(p []byte) (int, error) {
	err := w.conn.WriteMessage(websocket.BinaryMessage, p)
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *WebSocketConnection) Close() error {
	return w.conn.Close()
}

// OpenSerialConnection opens a serial port connection (8N1)
func OpenSerialConnection(portName string, baudRate int) (Connection, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", portName, err)
	}

	return &SerialConnection{port: port}, nil
}

// OpenWebSocketConnection opens a WebSocket connection with HTTP Basic auth
func OpenWebSocketConnection(ctx context.Context, wsURL, username, password string, skipSSLVerify bool) (Connection, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}

	switch u.Scheme {
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported URL scheme: %s (use ws:// or wss://)", u.Scheme)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	if u.Scheme == "wss" {
		dialer.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: skipSSLVerify,
		}
	}

	headers := http.Header{}
	if username != "" && password != "" {
		credentials := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
		headers.Set("Authorization", "Basic "+credentials)
	}

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	conn, resp, err := dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("WebSocket connection failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("WebSocket connection failed: %w", err)
	}

	return &WebSocketConnection{conn: conn}, nil
}

// GetPassword retrieves the password from SMARTPORT_PASSWORD or prompts for it
func GetPassword() (string, error) {
	if pw := os.Getenv("SMARTPORT_PASSWORD"); pw != "" {
		return pw, nil
	}

	fmt.Fprint(os.Stderr, "Password: ")

	passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		// Not a terminal, read a plain line
		reader := bufio.NewReader(os.Stdin)
		password, err := reader.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		fmt.Fprintln(os.Stderr)
		return strings.TrimSpace(password), nil
	}

	fmt.Fprintln(os.Stderr)
	return string(passwordBytes), nil
}

// OpenRelayLink opens the byte stream described by the relay section.
// Listen mode is not a client link and is handled by serve.
func OpenRelayLink(ctx context.Context, r config.RelayConfig, retry time.Duration) (Connection, string, error) {
	switch r.Mode {
	case config.ModeWebSocket:
		password := ""
		if r.Username != "" {
			var err error
			if password, err = GetPassword(); err != nil {
				return nil, "", err
			}
		}
		conn, err := OpenWebSocketConnection(ctx, r.URL, r.Username, password, r.NoSSLVerify)
		if err != nil {
			return nil, "", err
		}
		return conn, fmt.Sprintf("WebSocket: %s", r.URL), nil

	case config.ModeSerial:
		conn, err := OpenSerialConnection(r.Port, r.Baud)
		if err != nil {
			return nil, "", err
		}
		return conn, fmt.Sprintf("Serial: %s @ %d baud", r.Port, r.Baud), nil

	case config.ModeDial:
		conn, err := relay.Dial(ctx, r.Address, retry)
		if err != nil {
			return nil, "", err
		}
		return conn, fmt.Sprintf("TCP: %s", r.Address), nil
	}
	return nil, "", fmt.Errorf("relay mode %q has no client link", r.Mode)
}

// OpenConnection opens a serial, WebSocket or TCP connection based on flags
func OpenConnection(ctx context.Context) (Connection, string, error) {
	r := config.RelayConfig{
		Baud:        baudRate,
		Username:    wsUsername,
		NoSSLVerify: wsNoSSLVerify,
	}
	switch {
	case wsURL != "":
		r.Mode, r.URL = config.ModeWebSocket, wsURL
	case portName != "":
		r.Mode, r.Port = config.ModeSerial, portName
	case tcpAddr != "":
		r.Mode, r.Address = config.ModeDial, tcpAddr
	default:
		return nil, "", fmt.Errorf("one of --port, --url or --tcp must be specified")
	}
	return OpenRelayLink(ctx, r, time.Second)
}

// OpenClient opens a connection and wraps it in a relay host client
func OpenClient(ctx context.Context, timeout time.Duration, trace func(outbound bool, m relay.Message)) (*relay.Client, string, error) {
	conn, info, err := OpenConnection(ctx)
	if err != nil {
		return nil, "", err
	}
	rc := relay.NewConn(conn, relay.ConnOptions{Trace: trace})
	return relay.NewClient(rc, timeout), info, nil
}
