// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package clockdev emulates a character-mode real time clock on the SmartPort bus.
package clockdev

import (
	"bytes"
	"fmt"
	"sync"
	"time"
	_ "time/tzdata"

	"github.com/Thermoquad/smartport/pkg/iwm"
	"github.com/Thermoquad/smartport/pkg/smartport"
)

// Character status codes
const (
	CodeSimple   = 'T' // 7 bytes: century, year, month, day, hour, minute, second
	CodeProDOS   = 'P' // 4 bytes ProDOS date/time
	CodeSOS      = 'S' // YYYYMMDD0HHMMSS000 plus NUL
	CodeISO      = 'I' // ISO 8601 local with offset plus NUL
	CodeISOUTC   = 'Z' // ISO 8601 UTC plus NUL
	CodeApeTime  = 'A' // day, month, year-2000, hour, minute, second
	CodeApeUTC   = 'B'
	CodeTimezone = 'G'
)

// ControlSetTimezone sets the zone from the data packet
const ControlSetTimezone = 'T'

const isoLayout = "2006-01-02T15:04:05-0700"

// Version is the firmware version reported in the DIB
var Version = [2]byte{0x00, 0x01}

// Clock is a read-only character device returning the current time.
type Clock struct {
	iwm.BaseDevice

	name string
	now  func() time.Time

	mu   sync.Mutex
	zone string
	loc  *time.Location
}

// New creates a clock reporting time in the given IANA zone.
// An empty zone means UTC.
func New(name, zone string) (*Clock, error) {
	c := &Clock{name: name, now: time.Now, zone: "UTC", loc: time.UTC}
	if zone != "" {
		if err := c.SetTimezone(zone); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Name returns the DIB name
func (c *Clock) Name() string {
	return c.name
}

// SetTimezone changes the zone used by the local time formats
func (c *Clock) SetTimezone(zone string) error {
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return fmt.Errorf("clock %s: %w", c.name, err)
	}
	c.mu.Lock()
	c.zone, c.loc = zone, loc
	c.mu.Unlock()
	return nil
}

// Timezone returns the configured zone name
func (c *Clock) Timezone() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.zone
}

func (c *Clock) local() time.Time {
	c.mu.Lock()
	loc := c.loc
	c.mu.Unlock()
	return c.now().In(loc)
}

// Status answers the generic status codes and the character time formats
func (c *Clock) Status(r *iwm.Request) {
	code := r.Command.Code()

	switch code {
	case smartport.StatusCodeStatus:
		r.ReplyStatus(smartport.ErrNoError, smartport.BuildStatus(smartport.StatOnline, 0))
		return
	case smartport.StatusCodeDIB:
		r.ReplyStatus(smartport.ErrNoError, smartport.BuildDIB(
			smartport.StatRead|smartport.StatOnline, 0, c.name,
			smartport.DeviceTypeClock, smartport.SubtypeClock, Version))
		return
	}

	r.ReplyData(smartport.ErrNoError, c.format(code))
}

// format renders the current time for a character status code.
// Unknown codes give an empty payload.
func (c *Clock) format(code uint8) []byte {
	switch code {
	case CodeSimple:
		t := c.local()
		return []byte{
			byte(t.Year() / 100), byte(t.Year() % 100), byte(t.Month()),
			byte(t.Day()), byte(t.Hour()), byte(t.Minute()), byte(t.Second()),
		}
	case CodeProDOS:
		t := c.local()
		mon, yy := int(t.Month()), t.Year()%100
		return []byte{
			byte(t.Day() + mon<<5),
			byte(yy<<1 + mon>>3),
			byte(t.Minute()),
			byte(t.Hour()),
		}
	case CodeSOS:
		t := c.local()
		return cstring(fmt.Sprintf("%04d%02d%02d0%02d%02d%02d000",
			t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second()))
	case CodeISO:
		return cstring(c.local().Format(isoLayout))
	case CodeISOUTC:
		return cstring(c.now().UTC().Format(isoLayout))
	case CodeApeTime:
		return apeTime(c.local())
	case CodeApeUTC:
		return apeTime(c.now().UTC())
	case CodeTimezone:
		return []byte(c.Timezone())
	}
	return nil
}

func apeTime(t time.Time) []byte {
	return []byte{
		byte(t.Day()), byte(t.Month()), byte(t.Year() - 2000),
		byte(t.Hour()), byte(t.Minute()), byte(t.Second()),
	}
}

func cstring(s string) []byte {
	return append([]byte(s), 0)
}

// Control consumes the data packet and applies 'T' (set timezone)
func (c *Clock) Control(r *iwm.Request) {
	data, err := r.ReadData()
	log := iwm.Logger(iwm.ComponentClock).WithField("device", c.name)

	if r.Command.Code() == ControlSetTimezone {
		if err != nil {
			log.Debugf("set timezone: %v", err)
			r.IOError()
			return
		}
		if i := bytes.IndexByte(data, 0); i >= 0 {
			data = data[:i]
		}
		if err := c.SetTimezone(string(data)); err != nil {
			log.Warnf("set timezone: %v", err)
			r.Reply(smartport.ErrBadCtlParm)
			return
		}
		log.Infof("timezone set to %s", c.Timezone())
	}
	r.NoError()
}

// Open always succeeds
func (c *Clock) Open(r *iwm.Request) {
	r.NoError()
}

// Close always succeeds
func (c *Clock) Close(r *iwm.Request) {
	r.NoError()
}
