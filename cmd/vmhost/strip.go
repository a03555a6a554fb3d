package main

import (
	"bytes"
	"io"

	"github.com/charmbracelet/x/ansi"
)

// stripWriter removes ANSI escape sequences from complete lines. A partial
// line is held until its newline arrives or Flush is called, so sequences
// split across writes are still recognized.
type stripWriter struct {
	w       io.Writer
	pending []byte
}

func newStripWriter(w io.Writer) *stripWriter {
	return &stripWriter{w: w}
}

func (s *stripWriter) Write(p []byte) (int, error) {
	s.pending = append(s.pending, p...)
	for {
		i := bytes.IndexByte(s.pending, '\n')
		if i < 0 {
			return len(p), nil
		}
		if _, err := io.WriteString(s.w, ansi.Strip(string(s.pending[:i+1]))); err != nil {
			return 0, err
		}
		s.pending = s.pending[i+1:]
	}
}

// Flush writes whatever partial line is left.
func (s *stripWriter) Flush() error {
	if len(s.pending) == 0 {
		return nil
	}
	_, err := io.WriteString(s.w, ansi.Strip(string(s.pending)))
	s.pending = nil
	return err
}
