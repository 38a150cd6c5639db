// Package repl is the interactive terminal front end of a learning session.
package repl

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/manash/lingolens/internal/display"
	"github.com/manash/lingolens/internal/image"
	"github.com/manash/lingolens/internal/ledger"
	"github.com/manash/lingolens/internal/pipeline"
)

// Ledger is the part of the usage ledger the cost command reads.
type Ledger interface {
	GetTotalCost(ctx context.Context) (*ledger.Summary, error)
	GetSessionCost(ctx context.Context, sessionID string) (*ledger.Summary, error)
	GetCostByDateRange(ctx context.Context, start, end time.Time) (*ledger.Summary, error)
	GetCostByProvider(ctx context.Context) ([]ledger.GroupSummary, error)
	GetCostByOperation(ctx context.Context) ([]ledger.GroupSummary, error)
}

type REPL struct {
	in         io.Reader
	out        io.Writer
	err        io.Writer
	pipeline   *pipeline.Pipeline
	loader     *image.Loader
	displayer  *display.Displayer
	ledger     Ledger
	previewDir string
	preview    *image.Preview
	commands   map[string]Command
	running    bool
}

type Config struct {
	In        io.Reader
	Out       io.Writer
	Err       io.Writer
	Pipeline  *pipeline.Pipeline
	Loader    *image.Loader
	Displayer *display.Displayer
	// Ledger may be nil when usage recording is disabled.
	Ledger Ledger
	// PreviewDir holds preview files; empty means the OS temp dir.
	PreviewDir string
}

func New(cfg *Config) *REPL {
	r := &REPL{
		in:         cfg.In,
		out:        cfg.Out,
		err:        cfg.Err,
		pipeline:   cfg.Pipeline,
		loader:     cfg.Loader,
		displayer:  cfg.Displayer,
		ledger:     cfg.Ledger,
		previewDir: cfg.PreviewDir,
		commands:   make(map[string]Command),
	}
	r.registerCommands()
	return r
}

func (r *REPL) Run(ctx context.Context) error {
	cancel := r.pipeline.Subscribe(r.onEvent)
	defer cancel()

	r.running = true
	r.printWelcome()

	scanner := bufio.NewScanner(r.in)
	for r.running {
		r.printPrompt()
		if !scanner.Scan() {
			break
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if err := r.execute(ctx, line); err != nil {
			fmt.Fprintf(r.err, "Error: %v\n", err)
		}
	}

	return scanner.Err()
}

func (r *REPL) execute(ctx context.Context, line string) error {
	parts := parseCommand(line)
	if len(parts) == 0 {
		return nil
	}

	cmdName := strings.ToLower(parts[0])
	args := parts[1:]

	cmd, ok := r.commands[cmdName]
	if !ok {
		return fmt.Errorf("unknown command: %s (type 'help' for available commands)", cmdName)
	}

	return cmd.Execute(ctx, r, args)
}

func (r *REPL) Stop() {
	r.running = false
}

func (r *REPL) onEvent(ev pipeline.Event) {
	switch ev.Kind {
	case pipeline.EventStatus:
		if ev.Status == pipeline.StatusChecking {
			return
		}
		snap := r.pipeline.Snapshot()
		fmt.Fprintf(r.out, "Language pair %s -> %s: %s\n", snap.Source, snap.Target, ev.Status)
	case pipeline.EventTranslation:
		snap := r.pipeline.Snapshot()
		if ev.Index < len(snap.Questions) && snap.Questions[ev.Index].TranslationFailed {
			fmt.Fprintf(r.err, "Warning: question %d could not be translated, showing the original\n", ev.Index+1)
		}
	}
}

func (r *REPL) printWelcome() {
	fmt.Fprintln(r.out, "lingolens interactive mode")
	fmt.Fprintln(r.out, "Load an image with 'load <path|url>', then 'run'.")
	fmt.Fprintln(r.out, "Type 'help' for available commands, 'quit' to exit.")
	fmt.Fprintln(r.out)
}

func (r *REPL) printPrompt() {
	snap := r.pipeline.Snapshot()
	if len(snap.Questions) > 0 {
		answered, _ := snap.Answered()
		fmt.Fprintf(r.out, "lingolens [%s->%s %s] (%d/%d)> ", snap.Source, snap.Target, snap.Proficiency, answered, len(snap.Questions))
	} else {
		fmt.Fprintf(r.out, "lingolens [%s->%s %s]> ", snap.Source, snap.Target, snap.Proficiency)
	}
}

// Close releases the current preview through the pipeline.
func (r *REPL) Close() error {
	r.preview = nil
	return r.pipeline.Close()
}

func parseCommand(line string) []string {
	var parts []string
	var current strings.Builder
	inQuotes := false
	quoteChar := rune(0)

	for _, ch := range line {
		switch {
		case ch == '"' || ch == '\'':
			if inQuotes && ch == quoteChar {
				inQuotes = false
				quoteChar = 0
			} else if !inQuotes {
				inQuotes = true
				quoteChar = ch
			} else {
				current.WriteRune(ch)
			}
		case ch == ' ' && !inQuotes:
			if current.Len() > 0 {
				parts = append(parts, current.String())
				current.Reset()
			}
		default:
			current.WriteRune(ch)
		}
	}

	if current.Len() > 0 {
		parts = append(parts, current.String())
	}

	return parts
}
