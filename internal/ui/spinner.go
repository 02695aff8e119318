package ui

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
)

// LineSpinner animates a single status line until stopped. It is used for
// the short blocking steps before the play screen takes over.
type LineSpinner struct {
	out     io.Writer
	frames  spinner.Spinner
	mu      sync.Mutex
	message string
	started bool
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// NewConnectionSpinner spins while talking to the relay.
func NewConnectionSpinner(message string) *LineSpinner {
	return newLineSpinner(Output, spinner.Globe, message)
}

// NewWaitingSpinner spins while waiting on the other player.
func NewWaitingSpinner(message string) *LineSpinner {
	return newLineSpinner(Output, spinner.Points, message)
}

func newLineSpinner(out io.Writer, frames spinner.Spinner, message string) *LineSpinner {
	return &LineSpinner{
		out:     out,
		frames:  frames,
		message: message,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Start draws frames at the spinner's own FPS.
func (s *LineSpinner) Start() *LineSpinner {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	go func() {
		defer close(s.stopped)
		ticker := time.NewTicker(s.frames.FPS)
		defer ticker.Stop()
		for i := 0; ; i++ {
			s.mu.Lock()
			msg := s.message
			s.mu.Unlock()
			frame := SpinnerStyle.Render(s.frames.Frames[i%len(s.frames.Frames)])
			fmt.Fprintf(s.out, "\r%s %s", frame, msg)

			select {
			case <-s.done:
				return
			case <-ticker.C:
			}
		}
	}()
	return s
}

// Update replaces the message shown next to the spinner.
func (s *LineSpinner) Update(message string) {
	s.mu.Lock()
	s.message = message
	s.mu.Unlock()
}

// Stop clears the line. It is safe to call more than once.
func (s *LineSpinner) Stop() {
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		started := s.started
		s.mu.Unlock()
		if started {
			<-s.stopped
		}
		fmt.Fprint(s.out, "\r\033[K")
	})
}

func (s *LineSpinner) Success(message string) {
	s.Stop()
	PrintSuccess(message)
}

func (s *LineSpinner) Error(message string) {
	s.Stop()
	PrintError(message)
}
