package cli

import (
	"fmt"
	"strings"

	"charm.land/bubbles/v2/progress"
	tea "charm.land/bubbletea/v2"
	"github.com/charmbracelet/lipgloss"
	"github.com/raphaelgruber/objdetect-go/internal/service"
)

// Theme holds the color scheme for the progress display.
type Theme struct {
	Status  lipgloss.Color
	Success lipgloss.Color
	Error   lipgloss.Color
	Hint    lipgloss.Color
}

// defaultTheme provides default colors.
var defaultTheme = Theme{
	Status:  lipgloss.Color("#5FAFD7"), // light blue
	Success: lipgloss.Color("#00D787"), // green
	Error:   lipgloss.Color("#FF005F"), // red
	Hint:    lipgloss.Color("#6C6C6C"), // dim gray
}

func (t Theme) statusStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Status)
}

func (t Theme) completedStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Success).Bold(true)
}

func (t Theme) errorStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Error).Bold(true)
}

func (t Theme) hintStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Hint).Italic(true)
}

// stateMsg carries an orchestrator snapshot.
type stateMsg service.State

// updatesClosedMsg is sent when the orchestrator closed its updates channel.
type updatesClosedMsg struct{}

// progressModel is the bubbletea model for a running detection.
type progressModel struct {
	updates  <-chan service.State
	gen      uint64
	state    service.State
	progress progress.Model
	theme    Theme
	done     bool
	quitting bool
}

func newProgressModel(updates <-chan service.State, initial service.State) progressModel {
	prog := progress.New(
		progress.WithDefaultBlend(),
		progress.WithWidth(40),
	)

	return progressModel{
		updates:  updates,
		gen:      initial.Generation,
		state:    initial,
		progress: prog,
		theme:    defaultTheme,
	}
}

// Init starts listening for state updates.
func (m progressModel) Init() tea.Cmd {
	return tea.Batch(
		waitForState(m.updates),
		m.progress.Init(),
	)
}

// Update handles messages and returns the updated model.
func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyPressMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			m.quitting = true
			m.done = true
			return m, tea.Quit
		}

	case stateMsg:
		s := service.State(msg)
		// Snapshots published before this submission are ignored.
		if s.Generation != m.gen {
			if s.Generation > m.gen {
				m.done = true
				return m, tea.Quit
			}
			return m, waitForState(m.updates)
		}
		m.state = s
		if s.Phase == service.PhaseSucceeded || s.Phase == service.PhaseFailed {
			m.done = true
			return m, tea.Quit
		}
		return m, waitForState(m.updates)

	case updatesClosedMsg:
		m.done = true
		return m, tea.Quit

	case progress.FrameMsg:
		var cmd tea.Cmd
		m.progress, cmd = m.progress.Update(msg)
		return m, cmd
	}

	return m, nil
}

// View renders the progress display.
func (m progressModel) View() tea.View {
	return tea.NewView(m.renderContent())
}

func (m progressModel) renderContent() string {
	if m.done {
		return m.finalView()
	}

	status := m.theme.statusStyle().Render(fmt.Sprintf("[%s]", m.state.Phase))

	var pct float64
	detail := "waiting for progress"
	switch {
	case m.state.Phase == service.PhaseSubmitting:
		detail = "submitting"
	case m.state.Progress != nil:
		pct = *m.state.Progress / 100
		detail = fmt.Sprintf("%.0f%%", *m.state.Progress)
	}
	bar := m.progress.ViewAs(pct)

	hint := m.theme.hintStyle().Render("Press Ctrl+C to cancel the job")
	return fmt.Sprintf("%s %s %s\n%s\n", status, bar, detail, hint)
}

func (m progressModel) finalView() string {
	if m.quitting {
		return m.theme.hintStyle().Render("\nDetection canceled.\n")
	}

	switch m.state.Phase {
	case service.PhaseFailed:
		return m.theme.errorStyle().Render(fmt.Sprintf("\n✗ Detection failed (%s): %s\n",
			service.ErrorKind(m.state.Err), m.state.Err))
	case service.PhaseSucceeded:
		return m.theme.completedStyle().Render("✓ Completed") + "\n\n" + overlaySummary(m.state)
	default:
		return ""
	}
}

// overlaySummary describes the overlay of a succeeded state.
func overlaySummary(s service.State) string {
	if s.Overlay == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "  Model:       %s\n", s.Overlay.Tag)
	fmt.Fprintf(&b, "  Features:    %d\n", s.Overlay.Len())
	fmt.Fprintf(&b, "  Classified:  %d\n", s.Overlay.Collection.Classified())
	fmt.Fprintf(&b, "  Layer:       %s\n", s.Overlay.ID)
	return b.String()
}

// waitForState blocks on the next snapshot in a bubbletea command goroutine.
func waitForState(updates <-chan service.State) tea.Cmd {
	return func() tea.Msg {
		s, ok := <-updates
		if !ok {
			return updatesClosedMsg{}
		}
		return stateMsg(s)
	}
}

// RunDetectProgress shows the interactive progress UI until the job with the
// given initial state finishes. It reports whether the user quit early.
func RunDetectProgress(updates <-chan service.State, initial service.State) (quit bool, err error) {
	p := tea.NewProgram(newProgressModel(updates, initial))

	finalModel, err := p.Run()
	if err != nil {
		return false, fmt.Errorf("progress UI error: %w", err)
	}
	if m, ok := finalModel.(progressModel); ok {
		return m.quitting, nil
	}
	return false, nil
}
