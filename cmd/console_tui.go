// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Thermoquad/smartport/pkg/clockdev"
	"github.com/Thermoquad/smartport/pkg/smartport"
)

//////////////////////////////////////////////////////////////
// Constants
//////////////////////////////////////////////////////////////

const (
	pingIntervalSeconds = 5 // Ping the relay every N seconds
	hexViewBytes        = smartport.BlockSize
)

// Focus states
const (
	focusDeviceList = iota
	focusBlockInput
)

//////////////////////////////////////////////////////////////
// Types
//////////////////////////////////////////////////////////////

// device is one unit found by discovery
type device struct {
	unit uint8
	dib  smartport.DIB
}

// Implement list.Item interface
func (d device) Title() string { return fmt.Sprintf("%02X %s", d.unit, strings.TrimSpace(d.dib.Name)) }
func (d device) Description() string {
	if d.isDisk() {
		return fmt.Sprintf("%s, %d blocks", formatDeviceType(d.dib.Type), d.dib.Blocks)
	}
	return formatDeviceType(d.dib.Type)
}
func (d device) FilterValue() string { return d.dib.Name }

func (d device) isDisk() bool {
	return d.dib.Type != smartport.DeviceTypeClock
}

// consoleModel is the Bubble Tea model for the console TUI
type consoleModel struct {
	connMgr  *connectionManager
	connInfo string

	// Device tracking
	devices       []device
	deviceList    list.Model
	discoveryDone bool

	// Block viewer
	blockInput   textinput.Model
	focusedField int
	viewTitle    string
	viewData     []byte
	viewText     string

	// Transaction counters
	transactions uint64
	failures     uint64
	lastRTT      time.Duration

	errorLog []eventLogEntry

	// UI state
	width          int
	height         int
	quitting       bool
	connectionLost bool

	// Ping state
	deviceUptime time.Duration
	hasUptime    bool
}

//////////////////////////////////////////////////////////////
// Messages
//////////////////////////////////////////////////////////////

type consoleTickMsg time.Time

type discoveryCompleteMsg struct {
	devices []device
	err     error
}

type blockReadMsg struct {
	unit   uint8
	block  uint32
	data   []byte
	status uint8
	rtt    time.Duration
	err    error
}

type clockReadMsg struct {
	unit uint8
	text string
	err  error
}

type ejectMsg struct {
	unit   uint8
	status uint8
	err    error
}

type pongMsg struct {
	rtt    time.Duration
	uptime time.Duration
	err    error
}

type connectionLostMsg struct {
	err error
}

type reconnectedMsg struct {
	connInfo string
}

//////////////////////////////////////////////////////////////
// Model Initialization
//////////////////////////////////////////////////////////////

func initialConsoleModel(connMgr *connectionManager, connInfo string) consoleModel {
	ti := textinput.New()
	ti.Placeholder = "0"
	ti.CharLimit = 8
	ti.Width = 10

	delegate := list.NewDefaultDelegate()
	delegate.ShowDescription = true
	delegate.SetHeight(2)
	deviceList := list.New([]list.Item{}, delegate, 30, 10)
	deviceList.Title = "Devices"
	deviceList.SetShowStatusBar(false)
	deviceList.SetShowHelp(false)
	deviceList.SetFilteringEnabled(false)

	return consoleModel{
		connMgr:      connMgr,
		connInfo:     connInfo,
		deviceList:   deviceList,
		blockInput:   ti,
		focusedField: focusDeviceList,
		errorLog:     make([]eventLogEntry, 0),
		width:        80,
		height:       24,
	}
}

//////////////////////////////////////////////////////////////
// Commands
//////////////////////////////////////////////////////////////

func consoleTickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return consoleTickMsg(t)
	})
}

func (m consoleModel) discoverCmd() tea.Cmd {
	cm := m.connMgr
	return func() tea.Msg {
		client := cm.getClient()
		units, err := client.Enumerate(cm.ctx)
		devices := make([]device, 0, len(units))
		for _, unit := range units {
			dib, derr := client.DIB(cm.ctx, unit)
			if derr != nil {
				err = derr
				continue
			}
			devices = append(devices, device{unit: unit, dib: dib})
		}
		return discoveryCompleteMsg{devices: devices, err: err}
	}
}

func (m consoleModel) readBlockCmd(unit uint8, block uint32) tea.Cmd {
	cm := m.connMgr
	return func() tea.Msg {
		start := time.Now()
		data, status, err := cm.getClient().ReadBlock(cm.ctx, unit, block)
		return blockReadMsg{unit: unit, block: block, data: data, status: status, rtt: time.Since(start), err: err}
	}
}

func (m consoleModel) readClockCmd(unit uint8) tea.Cmd {
	cm := m.connMgr
	return func() tea.Msg {
		p, err := cm.getClient().Status(cm.ctx, unit, clockdev.CodeISO)
		if err != nil {
			return clockReadMsg{unit: unit, err: err}
		}
		return clockReadMsg{unit: unit, text: string(bytes.TrimRight(p.Data(), "\x00"))}
	}
}

func (m consoleModel) ejectCmd(unit uint8) tea.Cmd {
	cm := m.connMgr
	return func() tea.Msg {
		status, err := cm.getClient().Control(cm.ctx, unit, smartport.ControlCodeEject, nil)
		return ejectMsg{unit: unit, status: status, err: err}
	}
}

func (m consoleModel) pingCmd() tea.Cmd {
	cm := m.connMgr
	return func() tea.Msg {
		rtt, uptime, err := cm.getClient().Ping(cm.ctx)
		return pongMsg{rtt: rtt, uptime: uptime, err: err}
	}
}

//////////////////////////////////////////////////////////////
// Bubble Tea Interface
//////////////////////////////////////////////////////////////

func (m consoleModel) Init() tea.Cmd {
	return tea.Batch(consoleTickCmd(), m.discoverCmd(), m.pingCmd())
}

func (m consoleModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyMsg(msg)

	case tea.MouseMsg:
		if msg.Action == tea.MouseActionRelease && msg.Button == tea.MouseButtonLeft {
			m.deviceList, _ = m.deviceList.Update(msg)
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.updateListSize()

	case consoleTickMsg:
		var cmd tea.Cmd
		if !m.connectionLost && time.Time(msg).Unix()%pingIntervalSeconds == 0 {
			cmd = m.pingCmd()
		}
		return m, tea.Batch(consoleTickCmd(), cmd)

	case discoveryCompleteMsg:
		m.discoveryDone = true
		m.devices = msg.devices
		m.updateDeviceList()
		if msg.err != nil {
			m.addLogEntry(fmt.Sprintf("Discovery: %v", msg.err), true)
		}
		m.addLogEntry(fmt.Sprintf("Discovery complete: %d device(s)", len(m.devices)), false)

	case blockReadMsg:
		m.countTransaction(msg.err, msg.rtt)
		switch {
		case msg.err != nil:
			m.addLogEntry(fmt.Sprintf("READBLOCK %02X/%d: %v", msg.unit, msg.block, msg.err), true)
		case msg.status != smartport.ErrNoError:
			m.addLogEntry(fmt.Sprintf("READBLOCK %02X/%d: %s", msg.unit, msg.block, smartport.FormatErrorCode(msg.status)), true)
		default:
			m.viewTitle = fmt.Sprintf("Unit %02X block %d", msg.unit, msg.block)
			m.viewData = msg.data
			m.viewText = ""
		}

	case clockReadMsg:
		m.countTransaction(msg.err, 0)
		if msg.err != nil {
			m.addLogEntry(fmt.Sprintf("clock %02X: %v", msg.unit, msg.err), true)
			break
		}
		m.viewTitle = fmt.Sprintf("Unit %02X time", msg.unit)
		m.viewData = nil
		m.viewText = msg.text

	case ejectMsg:
		m.countTransaction(msg.err, 0)
		if msg.err != nil {
			m.addLogEntry(fmt.Sprintf("eject %02X: %v", msg.unit, msg.err), true)
			break
		}
		m.addLogEntry(fmt.Sprintf("eject %02X: %s", msg.unit, smartport.FormatErrorCode(msg.status)), msg.status != smartport.ErrNoError)

	case pongMsg:
		if msg.err != nil {
			m.addLogEntry(fmt.Sprintf("ping: %v", msg.err), true)
			break
		}
		m.lastRTT = msg.rtt
		m.deviceUptime = msg.uptime
		m.hasUptime = true

	case connectionLostMsg:
		m.connectionLost = true
		m.addLogEntry(fmt.Sprintf("Connection lost (%v) - reconnecting...", msg.err), true)

	case reconnectedMsg:
		m.connectionLost = false
		m.connInfo = msg.connInfo
		m.discoveryDone = false
		m.devices = nil
		m.updateDeviceList()
		m.addLogEntry("Reconnected - starting discovery", false)
		return m, m.discoverCmd()
	}

	var cmd tea.Cmd
	if m.focusedField == focusBlockInput {
		m.blockInput, cmd = m.blockInput.Update(msg)
		cmds = append(cmds, cmd)
	}
	if m.focusedField == focusDeviceList {
		m.deviceList, cmd = m.deviceList.Update(msg)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

func (m *consoleModel) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		m.quitting = true
		return *m, tea.Quit

	case "q":
		if m.focusedField != focusBlockInput {
			m.quitting = true
			return *m, tea.Quit
		}

	case "tab", "shift+tab":
		if m.focusedField == focusDeviceList {
			m.focusedField = focusBlockInput
			m.blockInput.Focus()
		} else {
			m.focusedField = focusDeviceList
			m.blockInput.Blur()
		}
		return *m, nil

	case "enter":
		cmd := m.handleEnter(0)
		return *m, cmd

	case "[":
		cmd := m.handleEnter(-1)
		return *m, cmd

	case "]":
		cmd := m.handleEnter(1)
		return *m, cmd

	case "e":
		if m.focusedField == focusDeviceList {
			if d := m.getSelectedDevice(); d != nil && d.isDisk() && !m.connectionLost {
				return *m, m.ejectCmd(d.unit)
			}
			return *m, nil
		}

	case "r":
		if m.focusedField == focusDeviceList && !m.connectionLost {
			m.discoveryDone = false
			return *m, m.discoverCmd()
		}
	}

	var cmd tea.Cmd
	if m.focusedField == focusBlockInput {
		m.blockInput, cmd = m.blockInput.Update(msg)
	} else {
		m.deviceList, cmd = m.deviceList.Update(msg)
	}
	return *m, cmd
}

// handleEnter reads the block in the input moved by step, or the clock time
func (m *consoleModel) handleEnter(step int) tea.Cmd {
	if m.connectionLost {
		m.addLogEntry("Cannot send command: connection lost", true)
		return nil
	}
	selected := m.getSelectedDevice()
	if selected == nil {
		return nil
	}
	if !selected.isDisk() {
		return m.readClockCmd(selected.unit)
	}

	block := int64(0)
	if v := strings.TrimSpace(m.blockInput.Value()); v != "" {
		n, err := strconv.ParseInt(v, 0, 32)
		if err != nil {
			m.addLogEntry(fmt.Sprintf("Invalid block number %q", v), true)
			return nil
		}
		block = n
	}
	block += int64(step)
	if block < 0 {
		block = 0
	}
	m.blockInput.SetValue(strconv.FormatInt(block, 10))
	return m.readBlockCmd(selected.unit, uint32(block))
}

func (m consoleModel) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	var s strings.Builder

	// Styles
	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("12")).
		Background(lipgloss.Color("235")).
		Padding(0, 1)

	headerStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241"))

	statsLabelStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("12")).
		Bold(true)

	statsValueStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("10"))

	errorStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("9")).
		Bold(true)

	warningStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("11"))

	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	focusedBoxStyle := boxStyle.
		BorderForeground(lipgloss.Color("12"))

	// Header
	s.WriteString(titleStyle.Render("SMARTPORT CONSOLE"))
	s.WriteString(" ")
	connStatus := m.connInfo
	if m.connectionLost {
		connStatus = warningStyle.Render("RECONNECTING...")
	}
	s.WriteString(headerStyle.Render(fmt.Sprintf("| %s | q=quit Tab=switch e=eject r=rescan", connStatus)))
	s.WriteString("\n")

	if m.hasUptime {
		s.WriteString(fmt.Sprintf(" %s %s  %s %s",
			statsLabelStyle.Render("Device Uptime:"),
			statsValueStyle.Render(formatUptime(m.deviceUptime)),
			statsLabelStyle.Render("RTT:"),
			statsValueStyle.Render(m.lastRTT.Round(time.Microsecond).String())))
	}
	s.WriteString("\n\n")

	if !m.discoveryDone {
		s.WriteString(warningStyle.Render("Discovering devices..."))
		s.WriteString("\n\n")
		s.WriteString(m.renderEventLog(statsLabelStyle, warningStyle, boxStyle))
		return s.String()
	}

	// Layout: left panel (devices) | right panel (viewer)
	leftWidth := 30
	rightWidth := m.width - leftWidth - 6
	if rightWidth < 20 {
		rightWidth = 20
	}

	listStyle := boxStyle.Width(leftWidth)
	if m.focusedField == focusDeviceList {
		listStyle = focusedBoxStyle.Width(leftWidth)
	}
	devicePanel := listStyle.Render(m.deviceList.View())
	viewPanel := boxStyle.Width(rightWidth).Render(m.renderViewer(statsLabelStyle, headerStyle))

	s.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, devicePanel, " ", viewPanel))
	s.WriteString("\n\n")

	s.WriteString(m.renderStatisticsBar(statsLabelStyle, statsValueStyle, errorStyle, boxStyle))
	s.WriteString("\n\n")

	s.WriteString(m.renderEventLog(statsLabelStyle, warningStyle, boxStyle))

	return s.String()
}

//////////////////////////////////////////////////////////////
// View Helpers
//////////////////////////////////////////////////////////////

func (m consoleModel) renderViewer(statsLabelStyle, headerStyle lipgloss.Style) string {
	var s strings.Builder

	selected := m.getSelectedDevice()
	if selected == nil {
		s.WriteString(headerStyle.Render("No device selected"))
		return s.String()
	}

	if selected.isDisk() {
		s.WriteString(statsLabelStyle.Render("Block: "))
		if m.focusedField == focusBlockInput {
			s.WriteString(m.blockInput.View())
		} else {
			val := m.blockInput.Value()
			if val == "" {
				val = m.blockInput.Placeholder
			}
			s.WriteString(fmt.Sprintf("[%s]", val))
		}
		s.WriteString(headerStyle.Render("  Enter=read [ ]=step"))
	} else {
		s.WriteString(headerStyle.Render("Enter=read time"))
	}
	s.WriteString("\n\n")

	if m.viewTitle == "" {
		s.WriteString(headerStyle.Render("(nothing read yet)"))
		return s.String()
	}
	s.WriteString(statsLabelStyle.Render(m.viewTitle))
	s.WriteString("\n")
	if m.viewData != nil {
		limit := hexViewBytes
		if rows := m.height - 20; rows > 0 && rows*16 < limit {
			limit = rows * 16
		}
		s.WriteString(smartport.FormatHexDump(m.viewData, limit))
	} else {
		s.WriteString(m.viewText)
	}
	return s.String()
}

func (m consoleModel) renderStatisticsBar(statsLabelStyle, statsValueStyle, errorStyle, boxStyle lipgloss.Style) string {
	ok, bad := m.connMgr.getClient().Conn().Counters()

	content := fmt.Sprintf("%s %s  %s %s  %s %s  %s %s",
		statsLabelStyle.Render("Transactions:"), statsValueStyle.Render(fmt.Sprintf("%d", m.transactions)),
		statsLabelStyle.Render("Failed:"), func() string {
			if m.failures > 0 {
				return errorStyle.Render(fmt.Sprintf("%d", m.failures))
			}
			return statsValueStyle.Render("0")
		}(),
		statsLabelStyle.Render("Frames:"), statsValueStyle.Render(fmt.Sprintf("%d", ok)),
		statsLabelStyle.Render("Bad frames:"), func() string {
			if bad > 0 {
				return errorStyle.Render(fmt.Sprintf("%d", bad))
			}
			return statsValueStyle.Render("0")
		}(),
	)

	return boxStyle.Width(m.width - 4).Render(content)
}

func (m consoleModel) renderEventLog(statsLabelStyle, warningStyle, boxStyle lipgloss.Style) string {
	var s strings.Builder
	s.WriteString(statsLabelStyle.Render("EVENTS"))
	s.WriteString("\n")

	headerStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errorStyleLocal := lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)

	logHeight := 8
	if len(m.errorLog) < logHeight {
		logHeight = len(m.errorLog)
	}
	startIdx := len(m.errorLog) - logHeight

	if len(m.errorLog) == 0 {
		s.WriteString(headerStyle.Render("  (no events yet)"))
	} else {
		for i := startIdx; i < len(m.errorLog); i++ {
			entry := m.errorLog[i]
			timestamp := entry.timestamp.Format("15:04:05.000")
			icon := "i"
			style := warningStyle
			if entry.isError {
				icon = "x"
				style = errorStyleLocal
			}
			s.WriteString(fmt.Sprintf("%s %s %s\n",
				headerStyle.Render(timestamp),
				style.Render(icon),
				entry.message))
		}
	}

	return boxStyle.Width(m.width - 4).Render(s.String())
}

//////////////////////////////////////////////////////////////
// Helpers
//////////////////////////////////////////////////////////////

func (m *consoleModel) countTransaction(err error, rtt time.Duration) {
	m.transactions++
	if err != nil {
		m.failures++
	}
	if rtt > 0 {
		m.lastRTT = rtt
	}
}

func (m *consoleModel) addLogEntry(message string, isError bool) {
	m.errorLog = append(m.errorLog, eventLogEntry{
		timestamp: time.Now(),
		message:   message,
		isError:   isError,
	})
	if len(m.errorLog) > maxLogEntries {
		m.errorLog = m.errorLog[len(m.errorLog)-maxLogEntries:]
	}
}

func (m *consoleModel) getSelectedDevice() *device {
	if len(m.devices) == 0 {
		return nil
	}

	idx := m.deviceList.Index()
	if idx < 0 || idx >= len(m.devices) {
		return nil
	}

	return &m.devices[idx]
}

func (m *consoleModel) updateDeviceList() {
	items := make([]list.Item, len(m.devices))
	for i, d := range m.devices {
		items[i] = d
	}
	m.deviceList.SetItems(items)
}

func (m *consoleModel) updateListSize() {
	listHeight := m.height / 3
	if listHeight < 5 {
		listHeight = 5
	}
	m.deviceList.SetSize(28, listHeight)
}
