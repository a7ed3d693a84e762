// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Thermoquad/smartport/pkg/iwm"
	"github.com/Thermoquad/smartport/pkg/smartport"
)

const maxLogEntries = 100

// Event log entry
type eventLogEntry struct {
	timestamp time.Time
	message   string
	isError   bool
}

// chainRow is one daisy chain slot as shown by the monitor
type chainRow struct {
	name    string
	kind    string
	address uint8
	active  bool
}

// monitorSource supplies the data the monitor polls once per tick
type monitorSource struct {
	stats func() smartport.Statistics
	chain func() []chainRow
}

// registrySource polls the bus counters and the registry slots
func registrySource(bus func() *iwm.Bus, registry *iwm.Registry) monitorSource {
	return monitorSource{
		stats: func() smartport.Statistics {
			if b := bus(); b != nil {
				return b.Stats()
			}
			return *smartport.NewStatistics()
		},
		chain: func() []chainRow {
			var rows []chainRow
			for _, s := range registry.Slots() {
				rows = append(rows, chainRow{
					name:    s.Name(),
					kind:    s.Kind().String(),
					address: s.Address(),
					active:  s.Active(),
				})
			}
			return rows
		},
	}
}

// TUI model
type model struct {
	title    string
	connInfo string
	source   monitorSource
	stats    smartport.Statistics
	chain    table.Model
	eventLog []eventLogEntry
	width    int
	height   int
	quitting bool
}

// Messages
type tickMsg time.Time
type eventMsg eventLogEntry

// busEventMsg converts a bus event for the monitor
func busEventMsg(e iwm.Event) eventMsg {
	isError := false
	switch e.Kind {
	case iwm.EventTimeout, iwm.EventChecksum, iwm.EventDropped:
		isError = true
	case iwm.EventReply:
		isError = e.Status&^smartport.HighBit != smartport.ErrNoError
	}
	return eventMsg{timestamp: e.Time, message: e.Summary(), isError: isError}
}

// formatUptime formats a duration as a human-friendly string
func formatUptime(d time.Duration) string {
	if d < time.Second {
		return "0 seconds"
	}

	total := uint64(d / time.Second)
	days := total / 86400
	hours := total / 3600 % 24
	minutes := total / 60 % 60
	seconds := total % 60

	plural := func(n uint64, unit string) string {
		if n == 1 {
			return "1 " + unit
		}
		return fmt.Sprintf("%d %ss", n, unit)
	}

	parts := []string{}
	if days > 0 {
		parts = append(parts, plural(days, "day"))
	}
	if hours > 0 {
		parts = append(parts, plural(hours, "hour"))
	}
	if minutes > 0 {
		parts = append(parts, plural(minutes, "minute"))
	}
	if seconds > 0 || len(parts) == 0 {
		parts = append(parts, plural(seconds, "second"))
	}

	if len(parts) == 1 {
		return parts[0]
	}
	if len(parts) == 2 {
		return parts[0] + " and " + parts[1]
	}
	last := parts[len(parts)-1]
	rest := strings.Join(parts[:len(parts)-1], ", ")
	return rest + ", and " + last
}

func initialModel(title, connInfo string, source monitorSource) model {
	columns := []table.Column{
		{Title: "Unit", Width: 6},
		{Title: "Name", Width: 18},
		{Title: "Kind", Width: 10},
		{Title: "State", Width: 10},
	}
	t := table.New(
		table.WithColumns(columns),
		table.WithHeight(5),
		table.WithFocused(false),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(true)
	styles.Selected = lipgloss.NewStyle()
	t.SetStyles(styles)

	m := model{
		title:    title,
		connInfo: connInfo,
		source:   source,
		chain:    t,
		eventLog: make([]eventLogEntry, 0),
		width:    80,
		height:   24,
	}
	m.refresh()
	return m
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		tickCmd(),
		tea.EnterAltScreen,
	)
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m *model) refresh() {
	if m.source.stats != nil {
		m.stats = m.source.stats()
		m.stats.CalculateRates()
	}
	if m.source.chain == nil {
		return
	}
	var rows []table.Row
	for _, c := range m.source.chain() {
		unit := "--"
		if c.address != 0 {
			unit = fmt.Sprintf("%02X", c.address)
		}
		state := "inactive"
		if c.active {
			state = "active"
		}
		rows = append(rows, table.Row{unit, c.name, c.kind, state})
	}
	m.chain.SetRows(rows)
	if len(rows) > 0 {
		m.chain.SetHeight(len(rows) + 1)
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		m.refresh()
		return m, tickCmd()

	case eventMsg:
		m.addLogEntry(eventLogEntry(msg))
	}

	return m, nil
}

func (m *model) addLogEntry(entry eventLogEntry) {
	if entry.timestamp.IsZero() {
		entry.timestamp = time.Now()
	}
	m.eventLog = append(m.eventLog, entry)

	// Keep only last N entries
	if len(m.eventLog) > maxLogEntries {
		m.eventLog = m.eventLog[len(m.eventLog)-maxLogEntries:]
	}
}

func (m model) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

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

	// Header
	var s strings.Builder
	s.WriteString(titleStyle.Render(m.title))
	s.WriteString("\n")
	s.WriteString(headerStyle.Render(fmt.Sprintf("%s | Press 'q' to quit", m.connInfo)))
	s.WriteString("\n\n")

	// Statistics
	st := m.stats
	var validPercent float64
	errors := st.ChecksumErrors + st.DecodeErrors + st.Timeouts
	if st.TotalPackets > 0 {
		validPercent = float64(st.ValidPackets) * 100.0 / float64(st.TotalPackets)
	}

	statsContent := strings.Builder{}
	statsContent.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s\n",
		statsLabelStyle.Render("Packets:"), statsValueStyle.Render(fmt.Sprintf("%d", st.TotalPackets)),
		statsLabelStyle.Render("Valid:"), statsValueStyle.Render(fmt.Sprintf("%d (%.1f%%)", st.ValidPackets, validPercent)),
		statsLabelStyle.Render("Replies:"), statsValueStyle.Render(fmt.Sprintf("%d", st.Replies)),
	))
	statsContent.WriteString(fmt.Sprintf("%s %s   %s %s\n",
		statsLabelStyle.Render("Resets:"), statsValueStyle.Render(fmt.Sprintf("%d", st.Resets)),
		statsLabelStyle.Render("Inits:"), statsValueStyle.Render(fmt.Sprintf("%d", st.Inits)),
	))

	if errors > 0 {
		statsContent.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s   %s %s\n",
			statsLabelStyle.Render("Checksum:"), errorStyle.Render(fmt.Sprintf("%d", st.ChecksumErrors)),
			statsLabelStyle.Render("Decode:"), errorStyle.Render(fmt.Sprintf("%d", st.DecodeErrors)),
			statsLabelStyle.Render("Timeouts:"), errorStyle.Render(fmt.Sprintf("%d", st.Timeouts)),
			statsLabelStyle.Render("Retries:"), warningStyle.Render(fmt.Sprintf("%d", st.Retries)),
		))
	}

	statsContent.WriteString(fmt.Sprintf("%s %s   %s %s",
		statsLabelStyle.Render("Packet Rate:"), statsValueStyle.Render(fmt.Sprintf("%.1f pkts/s", st.PacketRate)),
		statsLabelStyle.Render("Error Rate:"), func() string {
			if st.ErrorRate > 0 {
				return errorStyle.Render(fmt.Sprintf("%.1f err/s", st.ErrorRate))
			}
			return statsValueStyle.Render(fmt.Sprintf("%.1f err/s", st.ErrorRate))
		}(),
	))

	s.WriteString(boxStyle.Render(statsContent.String()))
	s.WriteString("\n\n")

	// Daisy chain
	if len(m.chain.Rows()) > 0 {
		s.WriteString(statsLabelStyle.Render("Daisy Chain:"))
		s.WriteString("\n")
		s.WriteString(boxStyle.Render(m.chain.View()))
		s.WriteString("\n\n")
	}

	// Event log
	s.WriteString(statsLabelStyle.Render("Recent Events:"))
	s.WriteString("\n")

	logHeight := m.height - 15 - len(m.chain.Rows())
	if logHeight < 5 {
		logHeight = 5
	}

	logContent := strings.Builder{}
	startIdx := len(m.eventLog) - logHeight
	if startIdx < 0 {
		startIdx = 0
	}

	if len(m.eventLog) == 0 {
		logContent.WriteString(headerStyle.Render("  (no events yet)"))
	} else {
		for i := startIdx; i < len(m.eventLog); i++ {
			entry := m.eventLog[i]
			timestamp := entry.timestamp.Format("15:04:05.000")
			if entry.isError {
				logContent.WriteString(fmt.Sprintf("%s %s\n",
					headerStyle.Render(timestamp),
					errorStyle.Render("✗ "+entry.message),
				))
			} else {
				logContent.WriteString(fmt.Sprintf("%s %s\n",
					headerStyle.Render(timestamp),
					warningStyle.Render("ℹ "+entry.message),
				))
			}
		}
	}

	s.WriteString(boxStyle.Width(m.width - 4).Render(logContent.String()))

	return s.String()
}
