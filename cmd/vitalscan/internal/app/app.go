package app

import (
	"context"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/germanamz/vitalscan/cmd/vitalscan/internal/bridge"
	"github.com/germanamz/vitalscan/cmd/vitalscan/internal/format"
	"github.com/germanamz/vitalscan/cmd/vitalscan/internal/styles"
	"github.com/germanamz/vitalscan/pkg/session"
)

// maxEvents is how many session events the verbose log keeps.
const maxEvents = 6

// Session is the part of *session.Session the model drives.
type Session interface {
	bridge.Source
	Mount(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context)
	Retry(ctx context.Context) error
	Snapshot() session.State
}

// ProgramReadyMsg hands the running program to the model so it can start
// the bridge goroutines.
type ProgramReadyMsg struct {
	Program bridge.Sender
}

// actionDoneMsg reports the state after a session call returned.
type actionDoneMsg struct {
	state session.State
	err   error
}

// Model is the root bubbletea model.
type Model struct {
	ctx          context.Context
	sess         Session
	verbose      bool
	state        session.State
	spinner      spinner.Model
	bar          progress.Model
	events       []session.Event
	cancelBridge context.CancelFunc
	width        int
	scanStart    time.Time
	elapsed      time.Duration
}

// New creates the model for sess.
func New(ctx context.Context, sess Session, verbose bool) Model {
	sp := spinner.New(
		spinner.WithSpinner(spinner.Spinner{Frames: format.SpinnerFrames, FPS: time.Second / 10}),
		spinner.WithStyle(styles.SpinnerStyle),
	)
	bar := progress.New(progress.WithDefaultGradient(), progress.WithWidth(40))

	return Model{
		ctx:     ctx,
		sess:    sess,
		verbose: verbose,
		state:   sess.Snapshot(),
		spinner: sp,
		bar:     bar,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.call(m.sess.Mount))
}

// call runs fn off the update loop and reports the resulting state.
func (m Model) call(fn func(context.Context) error) tea.Cmd {
	ctx, sess := m.ctx, m.sess
	return func() tea.Msg {
		err := fn(ctx)
		return actionDoneMsg{state: sess.Snapshot(), err: err}
	}
}

func (m Model) stop() tea.Cmd {
	return m.call(func(ctx context.Context) error {
		m.sess.Stop(ctx)
		return nil
	})
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.bar.Width = max(min(msg.Width-24, 60), 10)
		format.InitMarkdownRenderer(msg.Width)
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case ProgramReadyMsg:
		if m.cancelBridge == nil {
			m.cancelBridge = bridge.Start(m.ctx, msg.Program, m.sess, m.state.Version)
		}
		return m, nil

	case bridge.StateMsg:
		m.apply(msg.State)
		return m, nil

	case bridge.EventMsg:
		m.events = append(m.events, msg.Event)
		if len(m.events) > maxEvents {
			m.events = m.events[len(m.events)-maxEvents:]
		}
		return m, nil

	case actionDoneMsg:
		m.apply(msg.state)
		return m, nil

	case spinner.TickMsg:
		if m.state.Scanning {
			m.elapsed = time.Since(m.scanStart)
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		if m.cancelBridge != nil {
			m.cancelBridge()
			m.cancelBridge = nil
		}
		return m, tea.Quit

	case "s":
		if m.state.Initializing || m.state.Scanning {
			return m, nil
		}
		return m, m.call(m.sess.Start)

	case "x":
		if !m.state.Scanning {
			return m, nil
		}
		return m, m.stop()

	case "r":
		if m.state.Initializing || m.state.Scanning {
			return m, nil
		}
		return m, m.call(m.sess.Retry)
	}

	return m, nil
}

// apply adopts st unless a newer state was already seen.
func (m *Model) apply(st session.State) {
	if st.Version < m.state.Version {
		return
	}
	if st.Scanning && !m.state.Scanning {
		m.scanStart = time.Now()
		m.elapsed = 0
	}
	m.state = st
}

func (m Model) View() string {
	var sb strings.Builder
	st := m.state

	sb.WriteString(styles.TitleStyle.Render("VitalScan"))
	sb.WriteString("\n\n")

	switch {
	case st.Initializing:
		sb.WriteString(m.spinner.View() + " Initializing scanner...")
	case st.Scanning:
		sb.WriteString(m.spinner.View() + " Measuring " + m.bar.ViewAs(st.Progress/100))
		if m.elapsed > 0 {
			sb.WriteString(styles.StatusStyle.Render(" " + format.FmtDuration(m.elapsed)))
		}
	case st.Results != nil:
		sb.WriteString(styles.SuccessStyle.Render("Measurement complete"))
	default:
		sb.WriteString(styles.StatusStyle.Render("Ready"))
	}
	sb.WriteString("\n")

	if st.Warning != nil {
		sb.WriteString("\n")
		sb.WriteString(styles.WarningStyle.Render(m.truncate("⚠ " + st.Warning.Message)))
		sb.WriteString("\n")
	}

	if st.Err != nil {
		sb.WriteString("\n")
		sb.WriteString(styles.ErrorBlockStyle.Render(st.Err.Message))
		sb.WriteString("\n")
	}

	if st.Results != nil {
		sb.WriteString("\n")
		sb.WriteString(format.RenderMarkdown(format.ResultsMarkdown(*st.Results, m.verbose)))
		sb.WriteString("\n")
	}

	if m.verbose && len(m.events) > 0 {
		sb.WriteString("\n")
		for _, ev := range m.events {
			line := ev.Timestamp.Format("15:04:05") + " " + string(ev.Kind)
			sb.WriteString(styles.StatusStyle.Render(m.truncate(line)))
			sb.WriteString("\n")
		}
	}

	sb.WriteString("\n")
	sb.WriteString(m.help())
	return sb.String()
}

func (m Model) truncate(s string) string {
	return format.Truncate(s, m.width)
}

func (m Model) help() string {
	type binding struct{ key, desc string }
	var keys []binding
	switch {
	case m.state.Initializing:
	case m.state.Scanning:
		keys = append(keys, binding{"x", "stop"})
	case m.state.Err != nil || m.state.Results != nil:
		keys = append(keys, binding{"r", "retry"})
	default:
		keys = append(keys, binding{"s", "start"})
	}
	keys = append(keys, binding{"q", "quit"})

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = styles.HelpKeyStyle.Render(k.key) + " " + styles.HelpDescStyle.Render(k.desc)
	}
	return strings.Join(parts, styles.HelpDescStyle.Render(" · "))
}
