package ui

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
)

const maxLogLines = 12

// Screen is the surface a match is played on.
type Screen interface {
	// SetStatus replaces the status line; waiting shows a spinner.
	SetStatus(text string, waiting bool)
	// Log appends a line to the event log.
	Log(line string)
	// Run blocks until the player quits or ctx ends.
	Run(ctx context.Context) error
	Quit()
}

// Submit handles one line typed by the player and returns feedback to log,
// or "" for none.
type Submit func(line string) string

// StatusMsg updates the status line of the play model.
type StatusMsg struct {
	Text    string
	Waiting bool
}

// LogMsg appends a line to the play model's log.
type LogMsg string

// PlayModel is the interactive match screen.
type PlayModel struct {
	title    string
	status   string
	waiting  bool
	spinner  spinner.Model
	input    textinput.Model
	lines    []string
	submit   Submit
	quitting bool
}

func NewPlayModel(title string, submit Submit) PlayModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = SpinnerStyle

	in := textinput.New()
	in.Placeholder = "fire | move <x> <y> | say <text>"
	in.CharLimit = 120
	in.Width = 48
	in.Focus()

	return PlayModel{
		title:   title,
		status:  "Starting...",
		waiting: true,
		spinner: s,
		input:   in,
		submit:  submit,
	}
}

func (m PlayModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, textinput.Blink)
}

func (m PlayModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			m.quitting = true
			return m, tea.Quit
		case tea.KeyEnter:
			line := strings.TrimSpace(m.input.Value())
			m.input.SetValue("")
			if line != "" && m.submit != nil {
				if feedback := m.submit(line); feedback != "" {
					m.lines = appendLine(m.lines, feedback)
				}
			}
			return m, nil
		}

	case StatusMsg:
		m.status = msg.Text
		m.waiting = msg.Waiting
		return m, nil

	case LogMsg:
		m.lines = appendLine(m.lines, string(msg))
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m PlayModel) View() string {
	if m.quitting {
		return ""
	}
	var b strings.Builder
	b.WriteString(TitleStyle.Render(IconShip+" "+m.title) + "\n\n")

	if m.waiting {
		b.WriteString(m.spinner.View() + " " + m.status + "\n")
	} else {
		b.WriteString(StatusStyle.Render(m.status) + "\n")
	}

	if len(m.lines) > 0 {
		b.WriteString(LogStyle.Render(strings.Join(m.lines, "\n")) + "\n")
	}
	b.WriteString(m.input.View() + "\n")
	b.WriteString(MutedStyle.Render("enter: send  esc: leave") + "\n")
	return b.String()
}

func appendLine(lines []string, line string) []string {
	lines = append(lines, line)
	if len(lines) > maxLogLines {
		lines = lines[len(lines)-maxLogLines:]
	}
	return lines
}

// TerminalScreen runs PlayModel in a bubbletea program. Updates made
// before Run starts are queued and replayed in order.
type TerminalScreen struct {
	program *tea.Program
	updates chan tea.Msg
}

func NewTerminalScreen(title string, submit Submit) *TerminalScreen {
	return &TerminalScreen{
		program: tea.NewProgram(NewPlayModel(title, submit)),
		updates: make(chan tea.Msg, 256),
	}
}

func (s *TerminalScreen) push(msg tea.Msg) {
	select {
	case s.updates <- msg:
	default:
	}
}

func (s *TerminalScreen) SetStatus(text string, waiting bool) {
	s.push(StatusMsg{Text: text, Waiting: waiting})
}

func (s *TerminalScreen) Log(line string) { s.push(LogMsg(line)) }

func (s *TerminalScreen) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, s.program.Quit)
	defer stop()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-s.updates:
				s.program.Send(msg)
			}
		}
	}()

	_, err := s.program.Run()
	return err
}

func (s *TerminalScreen) Quit() { s.program.Quit() }

// PlainScreen reads commands line by line and prints events as plain text,
// for pipes and terminals without raw mode.
type PlainScreen struct {
	in     io.Reader
	out    io.Writer
	submit Submit

	mu     sync.Mutex
	status string
	quit   chan struct{}
	once   sync.Once
}

func NewPlainScreen(in io.Reader, out io.Writer, submit Submit) *PlainScreen {
	return &PlainScreen{in: in, out: out, submit: submit, quit: make(chan struct{})}
}

func (s *PlainScreen) SetStatus(text string, _ bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if text == s.status {
		return
	}
	s.status = text
	fmt.Fprintf(s.out, "== %s\n", text)
}

func (s *PlainScreen) Log(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintln(s.out, line)
}

// Run returns at end of input, on Quit, or when ctx ends.
func (s *PlainScreen) Run(ctx context.Context) error {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(s.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-s.quit:
				return
			}
		}
		errc <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.quit:
			return nil
		case err := <-errc:
			return err
		case line := <-lines:
			line = strings.TrimSpace(line)
			if line == "" || s.submit == nil {
				continue
			}
			if feedback := s.submit(line); feedback != "" {
				s.Log(feedback)
			}
		}
	}
}

func (s *PlainScreen) Quit() { s.once.Do(func() { close(s.quit) }) }
