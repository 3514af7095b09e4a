package shared

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

// StringWriteCloser is a sink the Printer can write to. Terminals and log
// files both fit through NewWriteCloser.
type StringWriteCloser interface {
	io.Closer
	io.StringWriter
}

type writeCloserSink struct {
	w io.WriteCloser
}

// NewWriteCloser adapts an io.WriteCloser into a printer sink. A nil writer
// yields a nil sink.
func NewWriteCloser(w io.WriteCloser) StringWriteCloser {
	if w == nil {
		return nil
	}
	return &writeCloserSink{w: w}
}

func (s *writeCloserSink) WriteString(text string) (int, error) {
	return io.WriteString(s.w, text)
}

func (s *writeCloserSink) Close() error {
	return s.w.Close()
}

// Printer renders the voice CLI transcript: status lines at the margin, tool
// output indented beneath them. Each write fans out to every sink, so the
// same transcript can reach the terminal and a file at once.
type Printer struct {
	mu     sync.Mutex
	indent string
	sinks  []StringWriteCloser
}

func NewPrinter(indent string, sinks ...StringWriteCloser) (*Printer, error) {
	if len(sinks) == 0 {
		return nil, errors.New("no sink provided")
	}
	for _, sink := range sinks {
		if sink == nil {
			return nil, errors.New("nil sink provided")
		}
	}
	return &Printer{indent: indent, sinks: sinks}, nil
}

// Write renders s at the given indent level. Every line of a multi-line
// string is indented, so block content such as YAML stays aligned.
func (p *Printer) Write(s string, level int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fanOut(p.render(s, level))
}

// Writeln is Write with a trailing newline.
func (p *Printer) Writeln(s string, level int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fanOut(p.render(s, level) + "\n")
}

func (p *Printer) render(s string, level int) string {
	prefix := strings.Repeat(p.indent, level)
	var b strings.Builder
	for i, line := range strings.Split(s, "\n") {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(prefix)
		b.WriteString(line)
	}
	return b.String()
}

func (p *Printer) fanOut(s string) error {
	for i, sink := range p.sinks {
		if _, err := sink.WriteString(s); err != nil {
			return fmt.Errorf("writing to sink %d: %w", i, err)
		}
	}
	return nil
}

// Close closes every sink. All sinks get closed; the first failure is
// returned.
func (p *Printer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for i, sink := range p.sinks {
		if err := sink.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing sink %d: %w", i, err)
		}
	}
	return firstErr
}
