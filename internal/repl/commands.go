package repl

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/manash/lingolens/internal/image"
	"github.com/manash/lingolens/internal/ledger"
	"github.com/manash/lingolens/internal/pipeline"
	"github.com/manash/lingolens/pkg/models"
)

type Command interface {
	Name() string
	Aliases() []string
	Description() string
	Usage() string
	Execute(ctx context.Context, r *REPL, args []string) error
}

func allCommands() []Command {
	return []Command{
		&LoadCommand{},
		&ShowCommand{},
		&RunCommand{},
		&DescribeCommand{},
		&QuestionsCommand{},
		&TranslateCommand{},
		&ListCommand{},
		&AnswerCommand{},
		&DeleteCommand{},
		&LangCommand{},
		&LevelCommand{},
		&StatusCommand{},
		&CostCommand{},
		&HelpCommand{},
		&QuitCommand{},
	}
}

func (r *REPL) registerCommands() {
	for _, cmd := range allCommands() {
		r.commands[cmd.Name()] = cmd
		for _, alias := range cmd.Aliases() {
			r.commands[alias] = cmd
		}
	}
}

// LoadCommand ingests an image from a file or URL
type LoadCommand struct{}

func (c *LoadCommand) Name() string        { return "load" }
func (c *LoadCommand) Aliases() []string   { return []string{"l", "open"} }
func (c *LoadCommand) Description() string { return "Load an image from a file path or URL" }
func (c *LoadCommand) Usage() string       { return "load <path|url>" }

func (c *LoadCommand) Execute(ctx context.Context, r *REPL, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: %s", c.Usage())
	}

	img, err := r.loader.Load(ctx, args[0])
	if err != nil {
		return err
	}

	preview, err := image.NewPreview(img, r.previewDir)
	if err != nil {
		return err
	}

	gen, err := r.pipeline.IngestImage(img, preview)
	if err != nil {
		r.discardPreview(preview)
		return err
	}
	r.preview = preview

	fmt.Fprintf(r.out, "Loaded %s (%s, %.1f KB), image #%d\n", img.Source, img.MIMEType, float64(len(img.Data))/1024, gen)
	if err := r.displayer.ShowPreview(preview, img.Source); err != nil {
		fmt.Fprintf(r.err, "Warning: failed to display: %v\n", err)
	}
	return nil
}

// discardPreview releases a preview the pipeline never took ownership of.
func (r *REPL) discardPreview(p *image.Preview) {
	if err := p.Release(); err != nil {
		fmt.Fprintf(r.err, "Warning: failed to release preview: %v\n", err)
	}
}

// ShowCommand renders the current image
type ShowCommand struct{}

func (c *ShowCommand) Name() string        { return "show" }
func (c *ShowCommand) Aliases() []string   { return []string{"display", "view"} }
func (c *ShowCommand) Description() string { return "Display the current image" }
func (c *ShowCommand) Usage() string       { return "show" }

func (c *ShowCommand) Execute(_ context.Context, r *REPL, _ []string) error {
	snap := r.pipeline.Snapshot()
	if !snap.HasImage || r.preview == nil {
		return errors.New("no image loaded (use 'load <path|url>')")
	}
	return r.displayer.ShowPreview(r.preview, snap.ImageSource)
}

// RunCommand processes the current image end to end
type RunCommand struct{}

func (c *RunCommand) Name() string      { return "run" }
func (c *RunCommand) Aliases() []string { return []string{"go", "process"} }
func (c *RunCommand) Description() string {
	return "Describe the image, generate questions and translate them"
}
func (c *RunCommand) Usage() string { return "run" }

func (c *RunCommand) Execute(ctx context.Context, r *REPL, _ []string) error {
	if !r.pipeline.Snapshot().HasImage {
		return errors.New("no image loaded (use 'load <path|url>')")
	}

	fmt.Fprintln(r.out, "Processing image...")
	snap, err := r.pipeline.Run(ctx)
	if snap != nil {
		printDescription(r, snap.Description)
		printQuestions(r, snap)
	}
	return err
}

// DescribeCommand asks the model for an image description
type DescribeCommand struct{}

func (c *DescribeCommand) Name() string        { return "describe" }
func (c *DescribeCommand) Aliases() []string   { return []string{"desc"} }
func (c *DescribeCommand) Description() string { return "Describe the current image" }
func (c *DescribeCommand) Usage() string       { return "describe" }

func (c *DescribeCommand) Execute(ctx context.Context, r *REPL, _ []string) error {
	fmt.Fprintln(r.out, "Describing image...")
	desc, err := r.pipeline.GenerateDescription(ctx)
	if err != nil {
		return err
	}
	printDescription(r, desc)
	return nil
}

// QuestionsCommand generates questions from the description
type QuestionsCommand struct{}

func (c *QuestionsCommand) Name() string      { return "questions" }
func (c *QuestionsCommand) Aliases() []string { return []string{"gen", "g"} }
func (c *QuestionsCommand) Description() string {
	return "Generate questions about the described image"
}
func (c *QuestionsCommand) Usage() string { return "questions" }

func (c *QuestionsCommand) Execute(ctx context.Context, r *REPL, _ []string) error {
	fmt.Fprintf(r.out, "Generating %s questions...\n", r.pipeline.Config().QuestionRange)
	if _, err := r.pipeline.GenerateQuestions(ctx); err != nil {
		return err
	}
	snap := r.pipeline.Snapshot()
	printQuestions(r, &snap)
	return nil
}

// TranslateCommand translates the questions into the target language
type TranslateCommand struct{}

func (c *TranslateCommand) Name() string      { return "translate" }
func (c *TranslateCommand) Aliases() []string { return []string{"tr", "t"} }
func (c *TranslateCommand) Description() string {
	return "Translate questions into the target language"
}
func (c *TranslateCommand) Usage() string { return "translate" }

func (c *TranslateCommand) Execute(ctx context.Context, r *REPL, _ []string) error {
	report, err := r.pipeline.TranslateQuestions(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "Translated %d question(s)", report.Translated)
	if report.Failed > 0 {
		fmt.Fprintf(r.out, ", %d kept in the original language", report.Failed)
	}
	fmt.Fprintln(r.out)

	snap := r.pipeline.Snapshot()
	printQuestions(r, &snap)
	return nil
}

// ListCommand prints the question list
type ListCommand struct{}

func (c *ListCommand) Name() string        { return "list" }
func (c *ListCommand) Aliases() []string   { return []string{"ls"} }
func (c *ListCommand) Description() string { return "List questions and answers so far" }
func (c *ListCommand) Usage() string       { return "list" }

func (c *ListCommand) Execute(_ context.Context, r *REPL, _ []string) error {
	snap := r.pipeline.Snapshot()
	if len(snap.Questions) == 0 {
		fmt.Fprintln(r.out, "No questions yet.")
		return nil
	}
	printQuestions(r, &snap)
	return nil
}

// AnswerCommand submits an answer for grading
type AnswerCommand struct{}

func (c *AnswerCommand) Name() string        { return "answer" }
func (c *AnswerCommand) Aliases() []string   { return []string{"a"} }
func (c *AnswerCommand) Description() string { return "Answer a question" }
func (c *AnswerCommand) Usage() string       { return "answer <n> <your answer>" }

func (c *AnswerCommand) Execute(ctx context.Context, r *REPL, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: %s", c.Usage())
	}
	n, err := questionNumber(args[0])
	if err != nil {
		return err
	}

	ev, err := r.pipeline.EvaluateAnswer(ctx, n-1, strings.Join(args[1:], " "))
	if err != nil {
		return err
	}

	if ev.Correct {
		fmt.Fprintln(r.out, "Correct!")
	} else {
		fmt.Fprintln(r.out, "Not quite.")
	}
	if ev.Reason != "" {
		fmt.Fprintf(r.out, "  %s\n", ev.Reason)
	}
	return nil
}

// DeleteCommand removes a question
type DeleteCommand struct{}

func (c *DeleteCommand) Name() string        { return "delete" }
func (c *DeleteCommand) Aliases() []string   { return []string{"del", "rm"} }
func (c *DeleteCommand) Description() string { return "Remove a question from the list" }
func (c *DeleteCommand) Usage() string       { return "delete <n>" }

func (c *DeleteCommand) Execute(_ context.Context, r *REPL, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: %s", c.Usage())
	}
	n, err := questionNumber(args[0])
	if err != nil {
		return err
	}
	if !r.pipeline.DeleteQuestion(n - 1) {
		fmt.Fprintf(r.out, "No question %d.\n", n)
		return nil
	}
	fmt.Fprintf(r.out, "Deleted question %d.\n", n)
	return nil
}

// LangCommand shows or changes the language pair
type LangCommand struct{}

func (c *LangCommand) Name() string        { return "lang" }
func (c *LangCommand) Aliases() []string   { return []string{"language"} }
func (c *LangCommand) Description() string { return "Show or set source and target languages" }
func (c *LangCommand) Usage() string       { return "lang [<source> <target>]" }

func (c *LangCommand) Execute(ctx context.Context, r *REPL, args []string) error {
	switch len(args) {
	case 0:
		snap := r.pipeline.Snapshot()
		fmt.Fprintf(r.out, "Source: %s (%s)\n", snap.Source, snap.Source.DisplayName())
		fmt.Fprintf(r.out, "Target: %s (%s)\n", snap.Target, snap.Target.DisplayName())
		fmt.Fprintln(r.out, "\nSupported languages:")
		for _, code := range models.SupportedLanguages() {
			fmt.Fprintf(r.out, "  %-4s%s\n", code, code.DisplayName())
		}
		return nil
	case 2:
		if err := r.pipeline.SetLanguages(strings.ToLower(args[0]), strings.ToLower(args[1])); err != nil {
			return err
		}
		_, err := r.pipeline.CheckLanguagePairSupported(ctx)
		return err
	default:
		return fmt.Errorf("usage: %s", c.Usage())
	}
}

// LevelCommand shows or changes the learner's proficiency
type LevelCommand struct{}

func (c *LevelCommand) Name() string        { return "level" }
func (c *LevelCommand) Aliases() []string   { return []string{"proficiency"} }
func (c *LevelCommand) Description() string { return "Show or set proficiency level" }
func (c *LevelCommand) Usage() string       { return "level [beginner|intermediate|advanced]" }

func (c *LevelCommand) Execute(_ context.Context, r *REPL, args []string) error {
	if len(args) == 0 {
		fmt.Fprintf(r.out, "Level: %s\n", r.pipeline.Snapshot().Proficiency)
		return nil
	}
	if err := r.pipeline.SetProficiency(strings.ToLower(args[0])); err != nil {
		return err
	}
	fmt.Fprintf(r.out, "Level set to: %s\n", strings.ToLower(args[0]))
	return nil
}

// StatusCommand summarises the session
type StatusCommand struct{}

func (c *StatusCommand) Name() string        { return "status" }
func (c *StatusCommand) Aliases() []string   { return []string{"st", "info"} }
func (c *StatusCommand) Description() string { return "Show session status" }
func (c *StatusCommand) Usage() string       { return "status" }

func (c *StatusCommand) Execute(_ context.Context, r *REPL, _ []string) error {
	snap := r.pipeline.Snapshot()
	answered, correct := snap.Answered()

	fmt.Fprintf(r.out, "Session:     %s\n", snap.ID)
	fmt.Fprintf(r.out, "Languages:   %s -> %s (%s)\n", snap.Source, snap.Target, snap.Status)
	fmt.Fprintf(r.out, "Level:       %s\n", snap.Proficiency)
	if snap.HasImage {
		fmt.Fprintf(r.out, "Image:       %s (#%d)\n", snap.ImageSource, snap.Generation)
	} else {
		fmt.Fprintln(r.out, "Image:       none")
	}
	fmt.Fprintf(r.out, "Description: %s\n", lo.Ternary(snap.Description == "", "none", truncate(snap.Description, 60)))
	fmt.Fprintf(r.out, "Questions:   %d (%d answered, %d correct)\n", len(snap.Questions), answered, correct)
	return nil
}

// CostCommand displays usage recorded in the ledger
type CostCommand struct{}

func (c *CostCommand) Name() string      { return "cost" }
func (c *CostCommand) Aliases() []string { return []string{"$"} }
func (c *CostCommand) Description() string {
	return "View cost summary (today, week, month, total, provider, operation, session)"
}
func (c *CostCommand) Usage() string {
	return "cost <today|week|month|total|provider|operation|session>"
}

func (c *CostCommand) Execute(ctx context.Context, r *REPL, args []string) error {
	if r.ledger == nil {
		fmt.Fprintln(r.out, "Usage ledger is disabled.")
		return nil
	}
	if len(args) == 0 {
		return c.showTotal(ctx, r)
	}

	subCmd := strings.ToLower(args[0])
	switch subCmd {
	case "today":
		return c.showRange(ctx, r, 1, "Today's cost")
	case "week":
		return c.showRange(ctx, r, 7, "Last 7 days cost")
	case "month":
		return c.showRange(ctx, r, 30, "Last 30 days cost")
	case "total":
		return c.showTotal(ctx, r)
	case "provider":
		return c.showGroups(ctx, r, "Provider", r.ledger.GetCostByProvider)
	case "operation", "op":
		return c.showGroups(ctx, r, "Operation", r.ledger.GetCostByOperation)
	case "session":
		return c.showSession(ctx, r)
	default:
		return fmt.Errorf("unknown cost command: %s\nUsage: %s", subCmd, c.Usage())
	}
}

func (c *CostCommand) showRange(ctx context.Context, r *REPL, days int, label string) error {
	now := time.Now()
	end := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
	start := end.AddDate(0, 0, -days)

	summary, err := r.ledger.GetCostByDateRange(ctx, start, end)
	if err != nil {
		return err
	}
	if summary.EntryCount == 0 {
		fmt.Fprintln(r.out, "No costs recorded in that period.")
		return nil
	}
	printSummary(r, label, summary)
	return nil
}

func (c *CostCommand) showTotal(ctx context.Context, r *REPL) error {
	summary, err := r.ledger.GetTotalCost(ctx)
	if err != nil {
		return err
	}
	if summary.EntryCount == 0 {
		fmt.Fprintln(r.out, "No costs recorded yet.")
		return nil
	}
	printSummary(r, "Total cost", summary)
	return nil
}

func (c *CostCommand) showSession(ctx context.Context, r *REPL) error {
	summary, err := r.ledger.GetSessionCost(ctx, r.pipeline.Snapshot().ID)
	if err != nil {
		return err
	}
	if summary.EntryCount == 0 {
		fmt.Fprintln(r.out, "No costs in current session.")
		return nil
	}
	printSummary(r, "Session cost", summary)
	return nil
}

func (c *CostCommand) showGroups(ctx context.Context, r *REPL, title string, fetch func(context.Context) ([]ledger.GroupSummary, error)) error {
	groups, err := fetch(ctx)
	if err != nil {
		return err
	}
	if len(groups) == 0 {
		fmt.Fprintln(r.out, "No costs recorded yet.")
		return nil
	}

	fmt.Fprintf(r.out, "%-20s  %-6s  %s\n", title, "Calls", "Cost")
	fmt.Fprintln(r.out, strings.Repeat("-", 42))
	for _, g := range groups {
		fmt.Fprintf(r.out, "%-20s  %-6d  $%.4f\n", g.Key, g.EntryCount, g.TotalCost)
	}
	fmt.Fprintln(r.out, strings.Repeat("-", 42))
	fmt.Fprintf(r.out, "%-20s  %-6d  $%.4f\n", "Total",
		lo.SumBy(groups, func(g ledger.GroupSummary) int { return g.EntryCount }),
		lo.SumBy(groups, func(g ledger.GroupSummary) float64 { return g.TotalCost }))
	return nil
}

func printSummary(r *REPL, label string, s *ledger.Summary) {
	fmt.Fprintf(r.out, "%s: $%.4f (%d call(s), %d in / %d out tokens)\n",
		label, s.TotalCost, s.EntryCount, s.InputTokens, s.OutputTokens)
}

// HelpCommand shows available commands
type HelpCommand struct{}

func (c *HelpCommand) Name() string        { return "help" }
func (c *HelpCommand) Aliases() []string   { return []string{"?"} }
func (c *HelpCommand) Description() string { return "Show available commands" }
func (c *HelpCommand) Usage() string       { return "help" }

func (c *HelpCommand) Execute(_ context.Context, r *REPL, _ []string) error {
	fmt.Fprintln(r.out, "Available commands:")
	fmt.Fprintln(r.out)

	for _, cmd := range allCommands() {
		aliases := ""
		if len(cmd.Aliases()) > 0 {
			aliases = fmt.Sprintf(" (%s)", strings.Join(cmd.Aliases(), ", "))
		}
		fmt.Fprintf(r.out, "  %-24s%s\n", cmd.Name()+aliases, cmd.Description())
		fmt.Fprintf(r.out, "  %-24sUsage: %s\n", "", cmd.Usage())
	}

	return nil
}

// QuitCommand exits the REPL
type QuitCommand struct{}

func (c *QuitCommand) Name() string        { return "quit" }
func (c *QuitCommand) Aliases() []string   { return []string{"exit", "q"} }
func (c *QuitCommand) Description() string { return "Exit interactive mode" }
func (c *QuitCommand) Usage() string       { return "quit" }

func (c *QuitCommand) Execute(_ context.Context, r *REPL, _ []string) error {
	snap := r.pipeline.Snapshot()
	if answered, correct := snap.Answered(); answered > 0 {
		fmt.Fprintf(r.out, "Score: %d/%d correct\n", correct, answered)
	}
	fmt.Fprintln(r.out, "Goodbye!")
	r.Stop()
	return nil
}

func printDescription(r *REPL, desc string) {
	if desc == "" {
		return
	}
	fmt.Fprintf(r.out, "\nDescription:\n  %s\n", desc)
}

func printQuestions(r *REPL, snap *pipeline.Snapshot) {
	if len(snap.Questions) == 0 {
		return
	}
	fmt.Fprintln(r.out, "\nQuestions:")
	for i, q := range snap.Questions {
		mark := " "
		if q.Evaluation != nil {
			mark = lo.Ternary(q.Evaluation.Correct, "+", "x")
		}
		fmt.Fprintf(r.out, "%s %2d. %s\n", mark, i+1, q.DisplayText())
		if q.IsTranslated() && !q.TranslationFailed && snap.Source != snap.Target {
			fmt.Fprintf(r.out, "      (%s)\n", q.SourceText)
		}
	}
}

func questionNumber(arg string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSuffix(arg, "."))
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid question number: %s", arg)
	}
	return n, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
