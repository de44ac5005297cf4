package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/justapithecus/afar/display"
)

// sessionPane is the key of the pane that receives session output.
const sessionPane = ""

// chrome is the number of lines taken by the header and footer.
const chrome = 3

type (
	paneMsg   struct{ key string }
	appendMsg struct {
		key    string
		text   string
		stderr bool
	}
	displayMsg struct {
		key  string
		repr *display.Repr
	}
	clearMsg    struct{ key string }
	finishedMsg struct {
		state  string
		detail string
	}
)

type pane struct {
	key  string
	body strings.Builder
}

func (p *pane) title() string {
	if p.key == sessionPane {
		return "session"
	}
	if len(p.key) > 12 {
		return p.key[len(p.key)-12:]
	}
	return p.key
}

// Model is the Bubble Tea model behind Frontend.
type Model struct {
	panes    []*pane
	index    map[string]int
	focus    int
	viewport viewport.Model
	ready    bool
	state    string
	detail   string
	quitting bool
}

// NewModel returns a model with only the session pane.
func NewModel() *Model {
	m := &Model{index: map[string]int{}, state: "running"}
	m.pane(sessionPane)
	return m
}

// pane returns the pane for key, creating it.
func (m *Model) pane(key string) *pane {
	if i, ok := m.index[key]; ok {
		return m.panes[i]
	}
	p := &pane{key: key}
	m.index[key] = len(m.panes)
	m.panes = append(m.panes, p)
	return p
}

// Init implements tea.Model.
func (m *Model) Init() tea.Cmd { return nil }

// Update implements tea.Model.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		height := max(msg.Height-chrome, 1)
		if !m.ready {
			m.viewport = viewport.New(msg.Width, height)
			m.ready = true
		} else {
			m.viewport.Width, m.viewport.Height = msg.Width, height
		}
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			m.quitting = true
			return m, tea.Quit
		case key.Matches(msg, keys.Next):
			m.setFocus(m.focus + 1)
			return m, nil
		case key.Matches(msg, keys.Prev):
			m.setFocus(m.focus - 1)
			return m, nil
		}

	case paneMsg:
		m.pane(msg.key)
		m.setFocus(m.index[msg.key])
		return m, nil

	case appendMsg:
		text := msg.text
		if msg.stderr {
			text = ErrorStyle.Render(text)
		}
		m.pane(msg.key).body.WriteString(text)
		m.touched(msg.key)
		return m, nil

	case displayMsg:
		text := msg.repr.Text()
		if msg.repr.IsError {
			text = ErrorStyle.Render(text)
		}
		p := m.pane(msg.key)
		p.body.WriteString(text)
		p.body.WriteString("\n")
		m.touched(msg.key)
		return m, nil

	case clearMsg:
		m.pane(msg.key).body.Reset()
		m.touched(msg.key)
		return m, nil

	case finishedMsg:
		m.state, m.detail = msg.state, msg.detail
		return m, nil
	}

	if !m.ready {
		return m, nil
	}
	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m *Model) setFocus(i int) {
	n := len(m.panes)
	m.focus = ((i % n) + n) % n
	m.refresh()
}

// touched refreshes the viewport when key is the focused pane.
func (m *Model) touched(key string) {
	if m.index[key] == m.focus {
		m.refresh()
	}
}

func (m *Model) refresh() {
	if !m.ready {
		return
	}
	m.viewport.SetContent(m.panes[m.focus].body.String())
	m.viewport.GotoBottom()
}

// View implements tea.Model.
func (m *Model) View() string {
	if m.quitting {
		return ""
	}
	if !m.ready {
		return "starting..."
	}

	tabs := make([]string, len(m.panes))
	for i, p := range m.panes {
		style := tabStyle
		if i == m.focus {
			style = activeTabStyle
		}
		tabs[i] = style.Render(p.title())
	}
	header := lipgloss.JoinHorizontal(lipgloss.Top, TitleStyle.Render("afar "), lipgloss.JoinHorizontal(lipgloss.Top, tabs...))

	status := StateStyle(m.state).Render(m.state)
	if m.detail != "" {
		status += " " + HelpStyle.Render(m.detail)
	}
	help := HelpStyle.Render(fmt.Sprintf("%s  tab/shift+tab switch pane  up/down scroll  q quit", status))
	return header + "\n\n" + m.viewport.View() + "\n" + help
}

// Text returns the plain contents of the pane for key.
func (m *Model) Text(key string) string {
	i, ok := m.index[key]
	if !ok {
		return ""
	}
	return m.panes[i].body.String()
}
