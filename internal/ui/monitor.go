package ui

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/calsol/telemetry/internal/descriptor"
	"github.com/calsol/telemetry/internal/xsp"
)

// StaleAfter is how long a value may go without an update before the
// monitor marks it stale.
const StaleAfter = 5 * time.Second

// Messages the monitor accepts from its feeder.
type (
	// MessagesMsg carries newly decoded messages.
	MessagesMsg []xsp.Message
	// StatsMsg carries the decoder counters.
	StatsMsg xsp.Stats
	// SourceClosedMsg reports that the upstream ended; Err is nil on EOF.
	SourceClosedMsg struct{ Err error }

	tickMsg time.Time
)

type monitorKeyMap struct {
	Up    key.Binding
	Down  key.Binding
	Pause key.Binding
	Clear key.Binding
	Quit  key.Binding
}

// ShortHelp returns keybindings to be shown in the mini help view
func (k monitorKeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Pause, k.Clear, k.Quit}
}

// FullHelp returns keybindings for the expanded help view
func (k monitorKeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{{k.Up, k.Down}, {k.Pause, k.Clear, k.Quit}}
}

type rowKey struct {
	id   uint16
	name string
}

// Reading is the latest value seen for one message.
type Reading struct {
	ID      uint16
	Packet  string
	Name    string
	Units   string
	Value   any
	Count   uint64
	Updated time.Time
}

// Monitor is a Bubble Tea model listing the latest value of every
// decoded message.
type Monitor struct {
	source   string
	table    *descriptor.Table
	readings map[rowKey]*Reading
	stats    xsp.Stats
	paused   bool
	closed   bool
	err      error
	now      func() time.Time

	keys   monitorKeyMap
	help   help.Model
	view   table.Model
	width  int
	height int
}

// NewMonitor creates a monitor titled with source. Packet names and units
// come from descriptors.
func NewMonitor(source string, descriptors *descriptor.Table) *Monitor {
	width, height := GetTerminalSize()

	view := table.New(
		table.WithColumns(monitorColumns(width)),
		table.WithFocused(true),
		table.WithHeight(tableHeight(height)),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(PrimaryColor).
		BorderBottom(true).
		Bold(true)
	styles.Selected = styles.Selected.
		Foreground(TextColor).
		Background(PrimaryColor)
	view.SetStyles(styles)

	return &Monitor{
		source:   source,
		table:    descriptors,
		readings: make(map[rowKey]*Reading),
		now:      time.Now,
		keys: monitorKeyMap{
			Up:    key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
			Down:  key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
			Pause: key.NewBinding(key.WithKeys("p", " "), key.WithHelp("p", "pause")),
			Clear: key.NewBinding(key.WithKeys("c"), key.WithHelp("c", "clear")),
			Quit:  key.NewBinding(key.WithKeys("q", "ctrl+c", "esc"), key.WithHelp("q", "quit")),
		},
		help:   help.New(),
		view:   view,
		width:  width,
		height: height,
	}
}

func monitorColumns(width int) []table.Column {
	fixed := 6 + 10 + 8 + 8 + 8 + 14 // id, value, units, count, age, cell padding
	flex := width - fixed
	if flex < 24 {
		flex = 24
	}
	return []table.Column{
		{Title: "ID", Width: 6},
		{Title: "Packet", Width: flex / 2},
		{Title: "Message", Width: flex - flex/2},
		{Title: "Value", Width: 10},
		{Title: "Units", Width: 8},
		{Title: "Count", Width: 8},
		{Title: "Age", Width: 8},
	}
}

func tableHeight(height int) int {
	h := height - 7 // title, status, help and margins
	if h < 5 {
		h = 5
	}
	return h
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Init implements tea.Model
func (m *Monitor) Init() tea.Cmd {
	return tick()
}

// Update implements tea.Model
func (m *Monitor) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.view.SetColumns(monitorColumns(msg.Width))
		m.view.SetHeight(tableHeight(msg.Height))
		m.help.Width = msg.Width
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Pause):
			m.paused = !m.paused
			return m, nil
		case key.Matches(msg, m.keys.Clear):
			m.readings = make(map[rowKey]*Reading)
			m.refresh()
			return m, nil
		}

	case MessagesMsg:
		if !m.paused {
			m.Apply(msg)
		}
		return m, nil

	case StatsMsg:
		m.stats = xsp.Stats(msg)
		return m, nil

	case SourceClosedMsg:
		m.closed = true
		m.err = msg.Err
		return m, nil

	case tickMsg:
		m.refresh()
		return m, tick()
	}

	var cmd tea.Cmd
	m.view, cmd = m.view.Update(msg)
	return m, cmd
}

// Apply records msgs and rebuilds the table.
func (m *Monitor) Apply(msgs []xsp.Message) {
	for _, msg := range msgs {
		k := rowKey{msg.ID, msg.Name}
		r, ok := m.readings[k]
		if !ok {
			r = &Reading{ID: msg.ID, Name: msg.Name, Packet: descriptor.FormatID(msg.ID)}
			if d, found := m.table.Lookup(msg.ID); found {
				r.Packet = d.Name
				if spec, ok := d.Message(msg.Name); ok {
					r.Units = spec.Units
				}
			}
			m.readings[k] = r
		}
		r.Value = msg.Value
		r.Updated = msg.Time
		r.Count++
	}
	m.refresh()
}

// Readings returns the current readings ordered by id, then name.
func (m *Monitor) Readings() []Reading {
	out := make([]Reading, 0, len(m.readings))
	for _, r := range m.readings {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Paused reports whether updates are being held back.
func (m *Monitor) Paused() bool { return m.paused }

func (m *Monitor) refresh() {
	now := m.now()
	readings := m.Readings()
	rows := make([]table.Row, 0, len(readings))
	for _, r := range readings {
		age := now.Sub(r.Updated).Truncate(100 * time.Millisecond)
		ageText := age.String()
		if age > StaleAfter {
			ageText += " !"
		}
		rows = append(rows, table.Row{
			descriptor.FormatID(r.ID),
			r.Packet,
			r.Name,
			FormatValue(r.Value),
			r.Units,
			strconv.FormatUint(r.Count, 10),
			ageText,
		})
	}
	m.view.SetRows(rows)
}

// View implements tea.Model
func (m *Monitor) View() string {
	var b strings.Builder

	title := HeaderTitleStyle.Render("TELEMETRY MONITOR") + HeaderCommandStyle.Render(m.source)
	if m.paused {
		title += "  " + PausedStyle.Render("PAUSED")
	}
	b.WriteString(title + "\n\n")
	b.WriteString(m.view.View() + "\n")

	status := fmt.Sprintf("%s read · %d packets · %d messages · %d framing errors · %d unknown ids",
		FormatBytes(int64(m.stats.Bytes)), m.stats.Packets, m.stats.Messages,
		m.stats.FramingErrors, m.stats.MissingDescriptors)
	b.WriteString(StatusBarStyle.Render(status) + "\n")

	if m.closed {
		if m.err != nil {
			b.WriteString(ErrorMessageStyle.Render(" source failed: "+m.err.Error()) + "\n")
		} else {
			b.WriteString(WarningTitleStyle.Render(" source closed") + "\n")
		}
	}
	b.WriteString(m.help.View(m.keys))
	return b.String()
}

// FormatValue renders a decoded value compactly.
func FormatValue(v any) string {
	switch v := v.(type) {
	case nil:
		return "-"
	case float64:
		return strconv.FormatFloat(v, 'g', 6, 64)
	case int64:
		return strconv.FormatInt(v, 10)
	case uint64:
		return strconv.FormatUint(v, 10)
	case bool:
		return strconv.FormatBool(v)
	case string:
		return strconv.Quote(v)
	default:
		return fmt.Sprint(v)
	}
}

// NewMonitorProgram wraps m in a full-screen program. Feed it with
// Program.Send.
func NewMonitorProgram(m *Monitor) *tea.Program {
	return tea.NewProgram(m, tea.WithAltScreen())
}
