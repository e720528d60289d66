package batch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/sparkvisionsa/valuetech-bridge/internal/dispatch"
	"github.com/sparkvisionsa/valuetech-bridge/internal/events"
	"github.com/sparkvisionsa/valuetech-bridge/internal/protocol"
)

const barWidth = 32

// Controls sends the cooperative batch signals.
type Controls interface {
	Pause(ctx context.Context) (*protocol.Response, error)
	Resume(ctx context.Context) (*protocol.Response, error)
	Stop(ctx context.Context) (*protocol.Response, error)
}

type progressMsg events.Event

type feedClosedMsg struct{}

type doneMsg struct {
	resp *protocol.Response
	err  error
}

type retireMsg struct{ gen int }

type controlMsg struct {
	action string
	resp   *protocol.Response
	err    error
}

// Model shows one pending batch command and its progress. The command's
// response and its terminal progress event may arrive in either order; the
// view exits once both the command has settled and the progress bar has
// been retired.
type Model struct {
	title    string
	outcome  *dispatch.Outcome
	control  Controls
	progress <-chan events.Event
	grace    time.Duration

	spinner spinner.Model
	help    help.Model
	keys    keyMap
	theme   Theme

	latest  events.Event
	visible bool
	gen     int

	done   bool
	resp   *protocol.Response
	err    error
	notice string
	quit   bool
}

// New creates the view. progress is typically a hub subscription; grace is
// how long a finished bar stays up.
func New(title string, outcome *dispatch.Outcome, control Controls, progress <-chan events.Event, grace time.Duration) Model {
	sp := spinner.New(spinner.WithSpinner(spinner.Dot))
	theme := NewDefaultTheme()
	sp.Style = theme.Running
	return Model{
		title:    title,
		outcome:  outcome,
		control:  control,
		progress: progress,
		grace:    grace,
		spinner:  sp,
		help:     help.New(),
		keys:     defaultKeys(),
		theme:    theme,
	}
}

// Result returns the command's outcome once the view has exited. ok is false
// if the user detached before the command settled.
func (m Model) Result() (resp *protocol.Response, ok bool, err error) {
	return m.resp, m.done, m.err
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, waitProgress(m.progress), waitOutcome(m.outcome))
}

func waitProgress(ch <-chan events.Event) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return feedClosedMsg{}
		}
		return progressMsg(ev)
	}
}

func waitOutcome(o *dispatch.Outcome) tea.Cmd {
	return func() tea.Msg {
		resp, err := o.Wait(context.Background())
		return doneMsg{resp: resp, err: err}
	}
}

func (m Model) sendControl(action string, fn func(context.Context) (*protocol.Response, error)) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		resp, err := fn(ctx)
		return controlMsg{action: action, resp: resp, err: err}
	}
}

func (m Model) retireAfterGrace() tea.Cmd {
	gen := m.gen
	return tea.Tick(m.grace, func(time.Time) tea.Msg { return retireMsg{gen: gen} })
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			m.quit = true
			return m, tea.Quit
		case key.Matches(msg, m.keys.Pause):
			m.notice = "pausing..."
			return m, m.sendControl("pause", m.control.Pause)
		case key.Matches(msg, m.keys.Resume):
			m.notice = "resuming..."
			return m, m.sendControl("resume", m.control.Resume)
		case key.Matches(msg, m.keys.Stop):
			m.notice = "stopping..."
			return m, m.sendControl("stop", m.control.Stop)
		}

	case tea.WindowSizeMsg:
		m.help.Width = msg.Width

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case progressMsg:
		ev := events.Event(msg)
		m.latest = ev
		m.visible = true
		m.gen++
		cmds := []tea.Cmd{waitProgress(m.progress)}
		if ev.Terminal() {
			cmds = append(cmds, m.retireAfterGrace())
		}
		return m, tea.Batch(cmds...)

	case feedClosedMsg:
		m.progress = nil

	case retireMsg:
		if msg.gen != m.gen {
			return m, nil
		}
		m.visible = false
		if m.done {
			return m, tea.Quit
		}

	case doneMsg:
		m.done = true
		m.resp, m.err = msg.resp, msg.err
		if !m.visible {
			return m, tea.Quit
		}
		// Leave the bar up briefly in case the terminal event is late.
		m.gen++
		return m, m.retireAfterGrace()

	case controlMsg:
		if msg.err != nil {
			m.notice = fmt.Sprintf("%s failed: %v", msg.action, msg.err)
		} else {
			m.notice = fmt.Sprintf("%s acknowledged (%s)", msg.action, msg.resp.Status)
		}
	}

	return m, nil
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(m.theme.Title.Render(m.title))
	b.WriteString("\n\n")

	if m.visible {
		b.WriteString(m.renderProgress())
	} else if !m.done {
		b.WriteString(m.spinner.View() + " waiting for progress...")
	}
	b.WriteString("\n")

	if m.done {
		b.WriteString("\n" + m.renderResult())
	}
	if m.notice != "" {
		b.WriteString("\n" + m.theme.Dim.Render(m.notice))
	}
	b.WriteString("\n\n" + m.help.View(m.keys))

	return lipgloss.NewStyle().Margin(1, 2).Render(b.String())
}

func (m Model) renderProgress() string {
	ev := m.latest
	status := string(ev.Status)
	style := m.theme.Running
	switch strings.ToUpper(status) {
	case string(protocol.ProgressPaused):
		style = m.theme.Paused
	case string(protocol.ProgressCompleted):
		style = m.theme.OK
	case string(protocol.ProgressFailed), string(protocol.ProgressStopped):
		style = m.theme.Failed
	}

	line := m.spinner.View() + " " + style.Render(status)
	if pct := ev.Percent(); pct >= 0 {
		line += "  " + renderBar(pct, m.theme) + fmt.Sprintf(" %3.0f%% (%d/%d)", pct, *ev.Current, *ev.Total)
	}
	if ev.Message != "" {
		line += "\n" + m.theme.Dim.Render(ev.Message)
	}
	return line
}

func (m Model) renderResult() string {
	if m.err != nil {
		return m.theme.Failed.Render("✗ " + m.err.Error())
	}
	if m.resp == nil {
		return m.theme.OK.Render("✓ done")
	}
	text := fmt.Sprintf("✓ %s (command %d)", m.resp.Status, m.resp.CommandID)
	if m.resp.Message != "" {
		text += ": " + m.resp.Message
	}
	return m.theme.OK.Render(text)
}

func renderBar(pct float64, theme Theme) string {
	filled := int(pct / 100 * barWidth)
	if filled > barWidth {
		filled = barWidth
	}
	return theme.BarFull.Render(strings.Repeat("█", filled)) +
		theme.BarEmpty.Render(strings.Repeat("░", barWidth-filled))
}
