// Package console renders execution events as indented human-readable lines.
package console

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"

	"github.com/PipeOpsHQ/execflow/observe"
)

const (
	colorReset  = "\033[0m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
)

type Sink struct {
	w       io.Writer
	color   bool
	verbose bool

	mu      sync.Mutex
	depth   map[string]int
	started map[string]time.Time
}

type Option func(*Sink)

// WithColor forces ANSI colors on or off.
func WithColor(on bool) Option {
	return func(s *Sink) { s.color = on }
}

// WithVerbose also prints content updates and progress ticks.
func WithVerbose(on bool) Option {
	return func(s *Sink) { s.verbose = on }
}

// New writes to w. Colors are enabled when w is a terminal.
func New(w io.Writer, opts ...Option) *Sink {
	if w == nil {
		w = os.Stdout
	}
	s := &Sink{
		w:       w,
		depth:   map[string]int{},
		started: map[string]time.Time{},
	}
	if f, ok := w.(*os.File); ok {
		fd := f.Fd()
		s.color = isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Sink) Emit(_ context.Context, event observe.Event) error {
	event.Normalize()
	s.mu.Lock()
	defer s.mu.Unlock()

	src := event.Source
	if _, ok := event.Kind.(observe.Started); ok {
		d := 0
		if parent, ok := s.depth[src.ParentID]; ok && src.ParentID != "" {
			d = parent + 1
		}
		s.depth[src.ID] = d
		s.started[src.ID] = event.Timestamp
	}
	line := s.format(event)
	if line == "" {
		return nil
	}
	indent := strings.Repeat("  ", s.depth[src.ID])
	if _, err := fmt.Fprintf(s.w, "%s%s\n", indent, line); err != nil {
		return fmt.Errorf("failed to write console event: %w", err)
	}
	if _, ok := event.Kind.(observe.Finished); ok {
		delete(s.started, src.ID)
	}
	return nil
}

func (s *Sink) format(event observe.Event) string {
	src := event.Source
	label := string(src.Kind)
	switch k := event.Kind.(type) {
	case observe.Started:
		name := k.Name
		if name == "" {
			name = shortID(src.ID)
		}
		return s.paint(colorDim, "▸ ") + label + " " + name
	case observe.Finished:
		took := ""
		if at, ok := s.started[src.ID]; ok {
			took = " in " + humanizeDuration(event.Timestamp.Sub(at))
		}
		if k.Error != "" {
			return s.paint(colorRed, "✗ ") + label + took + ": " + k.Error
		}
		msg := ""
		if k.Message != "" {
			msg = ": " + k.Message
		}
		return s.paint(colorGreen, "✓ ") + label + took + msg
	case observe.Failure:
		return s.paint(colorRed, "! ") + k.Text
	case observe.Message:
		return "  " + k.Text
	case observe.LowConsistencyDetected:
		return s.paint(colorYellow, "⚠ ") + fmt.Sprintf("low consistency %.3f", k.Consistency)
	case observe.UsageReported:
		return s.paint(colorDim, fmt.Sprintf("  tokens in=%s out=%s",
			humanize.Comma(int64(k.Usage.InputTokens)),
			humanize.Comma(int64(k.Usage.OutputTokens))))
	case observe.ArtifactStarted:
		return "  artifact " + k.Title
	case observe.Progress:
		if !s.verbose {
			return ""
		}
		switch k.Phase {
		case observe.ProgressPhaseStarted:
			return s.paint(colorDim, fmt.Sprintf("  0/%d", k.Total))
		case observe.ProgressPhaseUpdated:
			return s.paint(colorDim, fmt.Sprintf("  %s done", humanize.Ordinal(k.N)))
		}
	case observe.Updated:
		if s.verbose {
			return "  " + k.Chunk.Delta.String()
		}
	}
	return ""
}

func (s *Sink) paint(color, text string) string {
	if !s.color {
		return text
	}
	return color + text + colorReset
}

func humanizeDuration(d time.Duration) string {
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return strings.TrimSpace(humanize.RelTime(time.Now().Add(-d), time.Now(), "", ""))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
