// Package tui is the terminal front end of the recorder.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/codebuildervaibhav/session-transcription/internal/recorder"
	"github.com/codebuildervaibhav/session-transcription/internal/types"

	tea "github.com/charmbracelet/bubbletea"
)

const (
	tickInterval    = 250 * time.Millisecond
	awaitTimeout    = 10 * time.Minute
	transientErrFor = 5 * time.Second
)

// Recorder is the lifecycle surface the model drives.
type Recorder interface {
	Start(ctx context.Context, spec types.FormatSpec) error
	Pause(ctx context.Context) error
	Background(ctx context.Context) error
	Resume(ctx context.Context) error
	Stop(ctx context.Context) error
	Discard(ctx context.Context) error
	Recover(ctx context.Context, rec *recorder.ResumeRecord, choice recorder.RecoverChoice) error
	AwaitResult(ctx context.Context) (*types.RecordingSession, error)
	Snapshot() recorder.Snapshot
}

// Model is the root bubbletea model for the recorder.
type Model struct {
	rec  Recorder
	spec types.FormatSpec

	// Set while the user still has to choose what to do with an interrupted session
	pending *recorder.ResumeRecord

	snap     recorder.Snapshot
	busy     string
	document string

	errorMessage   string
	errorTransient bool

	width  int
	height int
}

// New creates a model. pending is the surviving ResumeRecord, if any.
func New(rec Recorder, spec types.FormatSpec, pending *recorder.ResumeRecord) Model {
	return Model{
		rec:     rec,
		spec:    spec,
		pending: pending,
		snap:    rec.Snapshot(),
	}
}

// Init starts the refresh loop.
func (m Model) Init() tea.Cmd {
	return tickCmd()
}

func tickCmd() tea.Cmd {
	return tea.Tick(tickInterval, func(time.Time) tea.Msg {
		return TickMsg{}
	})
}

// actionCmd runs a lifecycle action off the UI goroutine.
func actionCmd(name string, fn func(context.Context) error) tea.Cmd {
	return func() tea.Msg {
		return ActionResultMsg{Action: name, Err: fn(context.Background())}
	}
}

func recoverCmd(rec Recorder, record *recorder.ResumeRecord, choice recorder.RecoverChoice) tea.Cmd {
	return func() tea.Msg {
		return RecoveredMsg{Choice: choice, Err: rec.Recover(context.Background(), record, choice)}
	}
}

// awaitCmd blocks until the session being finalized has a result.
func awaitCmd(rec Recorder) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), awaitTimeout)
		defer cancel()
		sess, err := rec.AwaitResult(ctx)
		return ResultMsg{Session: sess, Err: err}
	}
}

// backgroundAndQuitCmd persists the session before the program exits.
func backgroundAndQuitCmd(rec Recorder) tea.Cmd {
	return func() tea.Msg {
		rec.Background(context.Background())
		return tea.Quit()
	}
}

func clearTransientErrorCmd() tea.Cmd {
	return tea.Tick(transientErrFor, func(time.Time) tea.Msg {
		return ClearTransientErrorMsg{}
	})
}

// Update processes messages and returns the updated model and any commands.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case TickMsg:
		m.snap = m.rec.Snapshot()
		return m, tickCmd()

	case ActionResultMsg:
		m.busy = ""
		m.snap = m.rec.Snapshot()
		if msg.Err != nil {
			m.errorMessage = fmt.Sprintf("%s: %v", msg.Action, msg.Err)
			m.errorTransient = true
			return m, clearTransientErrorCmd()
		}
		if msg.Action == "start" {
			m.document = ""
		}
		if msg.Action == "stop" {
			return m, awaitCmd(m.rec)
		}
		return m, nil

	case RecoveredMsg:
		m.busy = ""
		if msg.Err != nil {
			m.errorMessage = fmt.Sprintf("recover: %v", msg.Err)
			return m, nil
		}
		m.pending = nil
		m.snap = m.rec.Snapshot()
		if msg.Choice == recorder.RecoverFinalize {
			return m, awaitCmd(m.rec)
		}
		return m, nil

	case ResultMsg:
		m.snap = m.rec.Snapshot()
		if msg.Err != nil {
			m.errorMessage = msg.Err.Error()
			m.errorTransient = false
			return m, nil
		}
		m.document = msg.Session.Document
		return m, nil

	case ClearTransientErrorMsg:
		if m.errorTransient {
			m.errorMessage = ""
			m.errorTransient = false
		}
		return m, nil
	}

	return m, nil
}

// handleKey processes key presses.
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	key := msg.String()

	if key == KeyCtrlC || key == KeyQuit || key == KeyQuitUpper {
		// Leaving mid-session is treated like the app going to the background
		switch m.snap.State {
		case recorder.StateRecording, recorder.StatePaused:
			return m, backgroundAndQuitCmd(m.rec)
		}
		return m, tea.Quit
	}

	if m.busy != "" {
		return m, nil
	}

	if m.pending != nil {
		var choice recorder.RecoverChoice
		switch key {
		case KeyRecoverResume:
			// A stopped session only waits for its finalize request
			if m.pending.Finalizing {
				return m, nil
			}
			choice = recorder.RecoverResume
		case KeyRecoverFinalize:
			choice = recorder.RecoverFinalize
		case KeyRecoverDiscard:
			choice = recorder.RecoverDiscard
		default:
			return m, nil
		}
		m.busy = "recovering"
		return m, recoverCmd(m.rec, m.pending, choice)
	}

	switch key {
	case KeySpace:
		switch m.snap.State {
		case recorder.StateIdle, recorder.StateCompleted, recorder.StateFailed:
			m.busy = "starting"
			m.errorMessage = ""
			spec := m.spec
			return m, actionCmd("start", func(ctx context.Context) error { return m.rec.Start(ctx, spec) })
		case recorder.StateRecording:
			m.busy = "pausing"
			return m, actionCmd("pause", m.rec.Pause)
		case recorder.StatePaused:
			m.busy = "resuming"
			return m, actionCmd("resume", m.rec.Resume)
		}

	case KeyStop:
		switch m.snap.State {
		case recorder.StateRecording, recorder.StatePaused:
			m.busy = "stopping"
			return m, actionCmd("stop", m.rec.Stop)
		}

	case KeyDiscard:
		if m.snap.State == recorder.StatePaused {
			m.busy = "discarding"
			return m, actionCmd("discard", m.rec.Discard)
		}

	case KeyBackground:
		switch m.snap.State {
		case recorder.StateRecording, recorder.StatePaused:
			return m, actionCmd("background", m.rec.Background)
		}
	}

	return m, nil
}

// View renders the full TUI.
func (m Model) View() string {
	width := m.width
	if width == 0 {
		width = 60
	}

	var sections []string
	sections = append(sections, m.renderHeader())
	sections = append(sections, m.renderStatusBar())
	sections = append(sections, DividerStyle.Render(strings.Repeat("─", width)))

	if m.pending != nil {
		sections = append(sections, m.renderRecoveryPrompt())
	} else {
		sections = append(sections, m.renderBody())
	}

	sections = append(sections, DividerStyle.Render(strings.Repeat("─", width)))
	if m.errorMessage != "" {
		sections = append(sections, ErrorStyle.Render("✗ ")+ErrorTextStyle.Render(m.errorMessage))
	}
	sections = append(sections, m.renderFooter())

	return strings.Join(sections, "\n")
}

func (m Model) renderHeader() string {
	title := TitleStyle.Render("SESSION RECORDER")
	if m.spec.Title != "" {
		title += DimStyle.Render(" — " + m.spec.Title)
	}
	if m.snap.SessionID != "" {
		title += DimStyle.Render("  " + m.snap.SessionID)
	}
	return title
}

func (m Model) renderStatusBar() string {
	var dot string
	switch m.snap.State {
	case recorder.StateRecording:
		dot = RecordingDotStyle.Render("● REC")
	case recorder.StatePaused:
		dot = PausedDotStyle.Render("❚❚ PAUSED")
		if m.snap.Background {
			dot += DimStyle.Render(" (background)")
		}
	case recorder.StateProcessing:
		dot = SpinnerStyle.Render("⟳ PROCESSING")
	case recorder.StateCompleted:
		dot = DoneStyle.Render("✓ DONE")
	case recorder.StateFailed:
		dot = ErrorStyle.Render("✗ FAILED")
	default:
		dot = IdleDotStyle.Render("○ IDLE")
	}

	parts := []string{dot, formatElapsed(m.snap.Elapsed)}

	q := m.snap.Queue
	if q.Delivered+q.Pending+q.Failed > 0 {
		chunks := fmt.Sprintf("chunks %d sent", q.Delivered)
		if q.Pending > 0 {
			chunks += fmt.Sprintf(", %d pending", q.Pending)
		}
		if q.Failed > 0 {
			chunks += fmt.Sprintf(", %d failed", q.Failed)
		}
		parts = append(parts, DimStyle.Render(chunks))
	}

	if q.Online {
		parts = append(parts, OnlineBadgeStyle.Render("online"))
	} else {
		parts = append(parts, OfflineBadgeStyle.Render("OFFLINE"))
	}

	if m.busy != "" {
		parts = append(parts, SpinnerStyle.Render(m.busy+"..."))
	}

	return strings.Join(parts, "  ")
}

func (m Model) renderRecoveryPrompt() string {
	p := m.pending
	title, verb := "An interrupted session was found.", "paused"
	if p.Finalizing {
		title, verb = "A stopped session was never finalized.", "stopped"
	}

	choices := "  "
	if !p.Finalizing {
		choices += FooterKeyStyle.Render("r") + FooterDescStyle.Render(" resume recording") + "   "
	}
	choices += FooterKeyStyle.Render("f") + FooterDescStyle.Render(" finalize now") +
		"   " + FooterKeyStyle.Render("d") + FooterDescStyle.Render(" discard")

	lines := []string{
		PromptStyle.Render(title),
		DimStyle.Render(fmt.Sprintf("  %s  %s recorded, %d chunk(s), %s %s",
			p.SessionID,
			formatElapsed(time.Duration(p.Duration*float64(time.Second))),
			p.ChunkIndex,
			verb,
			p.PausedAt.Local().Format("Jan 2 15:04"))),
		"",
		choices,
	}
	return strings.Join(lines, "\n")
}

func (m Model) renderBody() string {
	if m.document == "" {
		switch m.snap.State {
		case recorder.StateProcessing:
			return DimStyle.Render("  Waiting for the server to finish the document...")
		case recorder.StateIdle:
			return DimStyle.Render("  Press space to start recording")
		}
		return ""
	}

	lines := strings.Split(m.document, "\n")
	visible := m.bodyLines()
	if len(lines) > visible {
		lines = append(lines[:visible-1], DimStyle.Render(fmt.Sprintf("  ... %d more line(s)", len(lines)-visible+1)))
	}
	return DocumentStyle.Width(max(20, m.width)).Render(strings.Join(lines, "\n"))
}

func (m Model) bodyLines() int {
	if m.height == 0 {
		return 20
	}
	// header, status, two dividers, error and footer
	return max(3, m.height-6)
}

func (m Model) renderFooter() string {
	type hint struct{ key, desc string }
	var hints []hint

	switch m.snap.State {
	case recorder.StateRecording:
		hints = []hint{{"space", "pause"}, {"s", "stop"}, {"ctrl+z", "background"}, {"q", "quit"}}
	case recorder.StatePaused:
		hints = []hint{{"space", "resume"}, {"s", "stop"}, {"d", "discard"}, {"q", "quit"}}
	case recorder.StateProcessing:
		hints = []hint{{"q", "quit"}}
	default:
		hints = []hint{{"space", "record"}, {"q", "quit"}}
	}
	if m.pending != nil {
		hints = []hint{{"q", "quit"}}
	}

	var parts []string
	for _, h := range hints {
		parts = append(parts, FooterKeyStyle.Render(h.key)+" "+FooterDescStyle.Render(h.desc))
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, strings.Join(parts, "  "))
}

func formatElapsed(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d / time.Hour)
	mnt := int(d/time.Minute) % 60
	s := int(d/time.Second) % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, mnt, s)
	}
	return fmt.Sprintf("%02d:%02d", mnt, s)
}
