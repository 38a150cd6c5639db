// Package batch turns many images into question worksheets, one pipeline
// per image.
package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/manash/lingolens/internal/image"
	"github.com/manash/lingolens/internal/pipeline"
	"github.com/manash/lingolens/internal/security"
	"github.com/manash/lingolens/pkg/models"
)

// PipelineFactory builds a fresh pipeline for one item.
type PipelineFactory func(opts ...pipeline.Option) (*pipeline.Pipeline, error)

type Result struct {
	Index     int
	Image     string
	Path      string
	Questions int
	Failed    int
	Cost      float64
	Error     error
	Duration  time.Duration
}

type Options struct {
	OutputDir   string
	Source      string
	Target      string
	Proficiency string
	Parallel    int
	StopOnError bool
	DelayMs     int
}

// Worksheet is the JSON document written for every image.
type Worksheet struct {
	Image       string              `json:"image"`
	Source      models.LanguageCode `json:"source_language"`
	Target      models.LanguageCode `json:"target_language"`
	Proficiency models.Proficiency  `json:"proficiency"`
	Description string              `json:"description"`
	Questions   []WorksheetQuestion `json:"questions"`
	GeneratedAt time.Time           `json:"generated_at"`
}

type WorksheetQuestion struct {
	Number            int    `json:"number"`
	Text              string `json:"text"`
	Original          string `json:"original"`
	TranslationFailed bool   `json:"translation_failed,omitempty"`
}

type Processor struct {
	newPipeline PipelineFactory
	loader      *image.Loader
	recorder    pipeline.Recorder
	logger      logrus.FieldLogger
	out         io.Writer
	err         io.Writer
	outMu       sync.Mutex
}

// NewProcessor creates a processor. recorder may be nil.
func NewProcessor(factory PipelineFactory, loader *image.Loader, recorder pipeline.Recorder, logger logrus.FieldLogger, out, errOut io.Writer) *Processor {
	return &Processor{
		newPipeline: factory,
		loader:      loader,
		recorder:    recorder,
		logger:      logger,
		out:         out,
		err:         errOut,
	}
}

func (p *Processor) printf(format string, args ...any) {
	p.outMu.Lock()
	fmt.Fprintf(p.out, format, args...)
	p.outMu.Unlock()
}

func (p *Processor) errorf(format string, args ...any) {
	p.outMu.Lock()
	fmt.Fprintf(p.err, format, args...)
	p.outMu.Unlock()
}

func (p *Processor) Process(ctx context.Context, items []Item, opts *Options) ([]Result, error) {
	if err := os.MkdirAll(opts.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	if opts.Parallel <= 1 {
		return p.processSequential(ctx, items, opts)
	}
	return p.processParallel(ctx, items, opts)
}

func (p *Processor) processSequential(ctx context.Context, items []Item, opts *Options) ([]Result, error) {
	results := make([]Result, len(items))
	total := len(items)

	for i, item := range items {
		select {
		case <-ctx.Done():
			return results, ctx.Err()
		default:
		}

		result := p.processItem(ctx, item, opts, i+1, total)
		results[i] = result

		if result.Error != nil && opts.StopOnError {
			return results, fmt.Errorf("stopped at item %d: %w", i+1, result.Error)
		}

		if opts.DelayMs > 0 && i < len(items)-1 {
			select {
			case <-ctx.Done():
				return results, ctx.Err()
			case <-time.After(time.Duration(opts.DelayMs) * time.Millisecond):
			}
		}
	}

	return results, nil
}

func (p *Processor) processParallel(ctx context.Context, items []Item, opts *Options) ([]Result, error) {
	results := make([]Result, len(items))
	total := len(items)

	type job struct {
		index int
		item  Item
	}

	jobs := make(chan job, len(items))
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	stopped := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return opts.StopOnError && firstErr != nil
	}

	workers := min(opts.Parallel, len(items))
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				if ctx.Err() != nil || stopped() {
					return
				}

				result := p.processItem(ctx, j.item, opts, j.index+1, total)

				mu.Lock()
				results[j.index] = result
				if result.Error != nil && opts.StopOnError && firstErr == nil {
					firstErr = result.Error
				}
				mu.Unlock()
			}
		}()
	}

	for i, item := range items {
		jobs <- job{index: i, item: item}
	}
	close(jobs)

	wg.Wait()

	if firstErr != nil {
		return results, fmt.Errorf("batch stopped due to error: %w", firstErr)
	}
	return results, ctx.Err()
}

// tally sums the cost of one item and forwards to the shared recorder.
type tally struct {
	mu    sync.Mutex
	total float64
	next  pipeline.Recorder
}

func (t *tally) Record(ctx context.Context, sessionID, operation string, usage *models.Usage) error {
	t.mu.Lock()
	t.total += usage.TotalCost()
	t.mu.Unlock()
	if t.next == nil {
		return nil
	}
	return t.next.Record(ctx, sessionID, operation, usage)
}

func (p *Processor) processItem(ctx context.Context, item Item, opts *Options, current, total int) Result {
	start := time.Now()
	result := Result{Index: item.Index, Image: item.Image}
	logger := p.logger.WithFields(logrus.Fields{"item": item.Index, "image": item.Image})

	fail := func(err error) Result {
		result.Error = err
		result.Duration = time.Since(start)
		p.errorf("       Error: %v\n", err)
		logger.WithError(err).Warn("worksheet failed")
		return result
	}

	p.printf("[%d/%d] Processing: %s\n", current, total, truncate(item.Image, 60))

	outPath, err := worksheetPath(opts.OutputDir, item)
	if err != nil {
		return fail(fmt.Errorf("invalid output name: %w", err))
	}

	img, err := p.loader.Load(ctx, item.Image)
	if err != nil {
		return fail(fmt.Errorf("load failed: %w", err))
	}

	costs := &tally{next: p.recorder}
	pl, err := p.newPipeline(pipeline.WithRecorder(costs), pipeline.WithLogger(logger))
	if err != nil {
		return fail(err)
	}
	defer pl.Close()

	source := firstSet(item.Source, opts.Source, string(models.LangEnglish))
	target := firstSet(item.Target, opts.Target, string(models.LangFrench))
	if err := pl.SetLanguages(source, target); err != nil {
		return fail(err)
	}
	if level := firstSet(item.Proficiency, opts.Proficiency); level != "" {
		if err := pl.SetProficiency(level); err != nil {
			return fail(err)
		}
	}

	if _, err := pl.IngestImage(img, nil); err != nil {
		return fail(err)
	}

	snap, err := pl.Run(ctx)
	result.Cost = costs.total
	if err != nil {
		return fail(err)
	}

	ws := newWorksheet(item.Image, snap)
	if err := writeWorksheet(outPath, ws); err != nil {
		return fail(err)
	}

	result.Path = outPath
	result.Questions = len(ws.Questions)
	result.Failed = lo.CountBy(ws.Questions, func(q WorksheetQuestion) bool { return q.TranslationFailed })
	result.Duration = time.Since(start)

	p.printf("       Saved: %s (%d questions, $%.4f)\n", result.Path, result.Questions, result.Cost)
	return result
}

func firstSet(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func worksheetPath(dir string, item Item) (string, error) {
	path, err := security.OutputPath(dir, item.Image, ".json")
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, fmt.Sprintf("%03d-%s", item.Index, filepath.Base(path))), nil
}

func newWorksheet(src string, snap *pipeline.Snapshot) *Worksheet {
	return &Worksheet{
		Image:       src,
		Source:      snap.Source,
		Target:      snap.Target,
		Proficiency: snap.Proficiency,
		Description: snap.Description,
		Questions: lo.Map(snap.Questions, func(q models.Question, i int) WorksheetQuestion {
			return WorksheetQuestion{
				Number:            i + 1,
				Text:              q.DisplayText(),
				Original:          q.SourceText,
				TranslationFailed: q.TranslationFailed,
			}
		}),
		GeneratedAt: time.Now().UTC(),
	}
}

func writeWorksheet(path string, ws *Worksheet) error {
	data, err := json.MarshalIndent(ws, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("save failed: %w", err)
	}
	return nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func (p *Processor) PrintSummary(results []Result) {
	failed := lo.Filter(results, func(r Result, _ int) bool { return r.Error != nil })
	done := len(results) - len(failed)

	fmt.Fprintln(p.out)
	fmt.Fprintln(p.out, "Summary:")
	fmt.Fprintf(p.out, "  Successful: %d/%d worksheets\n", done, len(results))
	fmt.Fprintf(p.out, "  Questions: %d\n", lo.SumBy(results, func(r Result) int { return r.Questions }))
	if untranslated := lo.SumBy(results, func(r Result) int { return r.Failed }); untranslated > 0 {
		fmt.Fprintf(p.out, "  Untranslated: %d (kept in the source language)\n", untranslated)
	}
	if len(failed) > 0 {
		fmt.Fprintf(p.out, "  Failed: %d (see errors below)\n", len(failed))
	}
	fmt.Fprintf(p.out, "  Total cost: $%.4f\n", lo.SumBy(results, func(r Result) float64 { return r.Cost }))

	if len(failed) > 0 {
		fmt.Fprintln(p.out)
		fmt.Fprintln(p.out, "Errors:")
		for _, e := range failed {
			fmt.Fprintf(p.out, "  [%d] %s: %v\n", e.Index, truncate(e.Image, 40), e.Error)
		}
	}
}
