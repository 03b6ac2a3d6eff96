package main

import (
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/lipgloss"
)

const (
	spinnerFrameWidth = 2 // braille frames render about two columns wide
	spinnerAnimDelay  = 80 * time.Millisecond
	spinnerClearPad   = 5
)

// spinner animates a single status line while a command waits on the
// network. Outside a terminal it prints the message once.
type spinner struct {
	frames  []string
	message atomic.Pointer[string]
	done    atomic.Bool
	stopped chan struct{}
	w       io.Writer
	width   atomic.Int64
}

func newSpinner(w io.Writer, message string) *spinner {
	s := &spinner{
		frames:  []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"},
		stopped: make(chan struct{}),
		w:       w,
	}
	s.SetMessage(message)
	return s
}

// SetMessage replaces the text shown next to the spinner.
func (s *spinner) SetMessage(msg string) {
	s.message.Store(&msg)
	if n := int64(spinnerFrameWidth + 1 + len(msg)); n > s.width.Load() {
		s.width.Store(n)
	}
}

func (s *spinner) Start() {
	if !isTTY() {
		fmt.Fprintf(s.w, "%s...\n", *s.message.Load())
		close(s.stopped)
		return
	}

	go func() {
		defer close(s.stopped)
		style := lipgloss.NewStyle().Foreground(colorPrimary)
		for i := 0; !s.done.Load(); i++ {
			frame := s.frames[i%len(s.frames)]
			fmt.Fprintf(s.w, "\r%s %s", style.Render(frame), *s.message.Load())
			time.Sleep(spinnerAnimDelay)
		}
	}()
}

func (s *spinner) Stop() {
	s.done.Store(true)
	<-s.stopped
	if isTTY() {
		fmt.Fprint(s.w, "\r"+strings.Repeat(" ", int(s.width.Load())+spinnerClearPad)+"\r")
	}
}

// runWithSpinner runs operation while a spinner animates on w.
func runWithSpinner(w io.Writer, message string, operation func(*spinner) error) error {
	spin := newSpinner(w, message)
	spin.Start()
	err := operation(spin)
	spin.Stop()
	return err
}
