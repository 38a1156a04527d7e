package ui

import (
	"fmt"
	"strings"
	"sync"

	tea "github.com/charmbracelet/bubbletea"
)

// DeviceRow is one device's current status in a fleet dashboard.
type DeviceRow struct {
	DeviceID string
	Platform string
	Status   StepStatus
	Message  string
}

// deviceUpdateMsg reports a status change for one device row.
type deviceUpdateMsg struct {
	index   int
	status  StepStatus
	message string
}

// fleetDoneMsg signals that every device has reached a terminal state and
// the dashboard should render its final frame and quit.
type fleetDoneMsg struct{}

// FleetModel is the live multi-device flashing dashboard used by `flashctl
// flash` when more than one device is targeted: one row per device, updated
// as each device's Flasher reports progress, following the same
// run-once-and-render pattern as RunOnceModel rather than an interactive
// TUI.
type FleetModel struct {
	title string
	rows  []DeviceRow
	width int
}

// NewFleetModel creates a dashboard with one pending row per device.
func NewFleetModel(title string, ids, platforms []string) FleetModel {
	rows := make([]DeviceRow, len(ids))
	for i, id := range ids {
		platform := ""
		if i < len(platforms) {
			platform = platforms[i]
		}
		rows[i] = DeviceRow{DeviceID: id, Platform: platform, Status: StepPending}
	}
	return FleetModel{title: title, rows: rows, width: GetTerminalWidth()}
}

func (m FleetModel) Init() tea.Cmd {
	return nil
}

func (m FleetModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		if m.width > MaxContentWidth {
			m.width = MaxContentWidth
		}
	case deviceUpdateMsg:
		if msg.index >= 0 && msg.index < len(m.rows) {
			m.rows[msg.index].Status = msg.status
			m.rows[msg.index].Message = msg.message
		}
	case fleetDoneMsg:
		return m, tea.Quit
	}
	return m, nil
}

func (m FleetModel) View() string {
	var b strings.Builder
	b.WriteString(ProgressLabelStyle.Render(m.title))
	b.WriteString("\n\n")
	for _, row := range m.rows {
		b.WriteString(m.renderRow(row))
		b.WriteString("\n")
	}
	return b.String()
}

func (m FleetModel) renderRow(row DeviceRow) string {
	var marker string
	var style = StepPendingStyle
	switch row.Status {
	case StepComplete:
		marker, style = StepMarkerComplete, StepCompleteStyle
	case StepRunning:
		marker, style = StepMarkerRunning, StepRunningStyle
	case StepFailed:
		marker, style = FailureMarker, ErrorTitleStyle
	case StepSkipped:
		marker, style = "⊘", StepPendingStyle
	default:
		marker, style = StepMarkerPending, StepPendingStyle
	}

	label := row.DeviceID
	if row.Platform != "" {
		label = fmt.Sprintf("%s (%s)", row.DeviceID, row.Platform)
	}

	line := fmt.Sprintf("  %s %s", style.Render(marker), label)
	if row.Message != "" {
		line += "  " + StepNoteStyle.Render("("+row.Message+")")
	}
	return line
}

// FleetRunner drives a FleetModel as a live-updating terminal program while
// a Dispatch call runs in the background, the same role CommandRunner plays
// for a single device.
type FleetRunner struct {
	program *tea.Program
	done    chan struct{}
	once    sync.Once
}

// NewFleetRunner starts rendering a dashboard with one row per device. The
// caller reports progress with UpdateDevice and calls Finish once every
// device has reached a terminal state.
func NewFleetRunner(title string, ids, platforms []string) *FleetRunner {
	model := NewFleetModel(title, ids, platforms)
	program := tea.NewProgram(model)
	done := make(chan struct{})

	go func() {
		defer close(done)
		_, _ = program.Run()
	}()

	return &FleetRunner{program: program, done: done}
}

// UpdateDevice reports a status change for the device at index (the
// position it was created with in NewFleetRunner's ids slice).
func (r *FleetRunner) UpdateDevice(index int, status StepStatus, message string) {
	r.program.Send(deviceUpdateMsg{index: index, status: status, message: message})
}

// Finish signals the dashboard to render its final frame and waits for it
// to exit. Safe to call more than once.
func (r *FleetRunner) Finish() {
	r.once.Do(func() {
		r.program.Send(fleetDoneMsg{})
	})
	<-r.done
}
