package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/crafter-station/cadence-sub000/internal/application/services"
	"github.com/crafter-station/cadence-sub000/internal/config"
	"github.com/crafter-station/cadence-sub000/internal/domain/models"
)

// evaluationCmd groups the campaign commands
func evaluationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "evaluation",
		Aliases: []string{"eval"},
		Short:   "Create and steer prompt evaluations",
	}
	cmd.AddCommand(
		evalCreateCmd(),
		evalStartCmd(),
		evalResumeCmd(),
		evalPauseCmd(),
		evalCancelCmd(),
		evalShowCmd(),
		evalListCmd(),
		evalDeclareWinnerCmd(),
	)
	return cmd
}

// withApp opens the database, wires the stack and runs fn
func withApp(ctx context.Context, fn func(ctx context.Context, a *app) error) error {
	pool, err := initDB(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	a, err := buildApp(pool)
	if err != nil {
		return err
	}
	return fn(ctx, a)
}

func evalCreateCmd() *cobra.Command {
	var (
		templatePath string
		name         string
		promptID     string
		promptFile   string
		personas     []string
		goals        []string
		epochs       int
		tests        int
		concurrency  int
		threshold    float64
		metric       string
		start        bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an evaluation from a template or flags",
		Example: `  cadence evaluation create -f campaigns/refund.yaml
  cadence evaluation create --name "refund flow" --prompt-file agent.md --personas p_angry,p_confused --start`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var input services.CreateEvaluationInput
			if templatePath != "" {
				var err error
				input, err = config.LoadTemplate(templatePath, cfg.Campaign)
				if err != nil {
					return err
				}
			} else {
				tmpl := config.DefaultTemplate(cfg.Campaign)
				input = services.CreateEvaluationInput{
					Name:           name,
					SourcePromptID: promptID,
					Config:         tmpl.Evaluation,
				}
				if promptFile != "" {
					content, err := os.ReadFile(promptFile)
					if err != nil {
						return fmt.Errorf("reading prompt file: %w", err)
					}
					input.SourcePrompt = strings.TrimSpace(string(content))
				}
			}

			flags := cmd.Flags()
			if flags.Changed("personas") {
				input.Config.PersonaIDs = personas
			}
			if flags.Changed("goal") {
				input.Config.Goals = goals
			}
			if flags.Changed("epochs") {
				input.Config.MaxEpochs = epochs
			}
			if flags.Changed("tests") {
				input.Config.TestsPerEpoch = tests
			}
			if flags.Changed("concurrency") {
				input.Config.Concurrency = concurrency
			}
			if flags.Changed("threshold") {
				input.Config.ImprovementThreshold = threshold
			}
			if flags.Changed("metric") {
				input.Config.TargetMetric = models.TargetMetric(metric)
			}

			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				evaluation, err := a.campaigns.Create(ctx, input)
				if err != nil {
					return err
				}
				fmt.Printf("Created evaluation %s (%s)\n", evaluation.ID, evaluation.Name)
				if !start {
					fmt.Printf("Start it with: cadence evaluation start %s\n", evaluation.ID)
					return nil
				}
				return runCampaign(ctx, a, evaluation.ID, a.campaigns.Start)
			})
		},
	}

	cmd.Flags().StringVarP(&templatePath, "file", "f", "", "campaign template (.yaml, .yml or .toml)")
	cmd.Flags().StringVar(&name, "name", "", "evaluation name")
	cmd.Flags().StringVar(&promptID, "prompt-id", "", "existing source prompt version id")
	cmd.Flags().StringVar(&promptFile, "prompt-file", "", "file holding the source prompt text")
	cmd.Flags().StringSliceVar(&personas, "personas", nil, "persona ids to test against")
	cmd.Flags().StringSliceVar(&goals, "goal", nil, "conversion goal (repeatable)")
	cmd.Flags().IntVar(&epochs, "epochs", 0, "maximum number of epochs")
	cmd.Flags().IntVar(&tests, "tests", 0, "test calls per epoch")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "concurrent calls per epoch")
	cmd.Flags().Float64Var(&threshold, "threshold", 0, "minimum improvement in points to accept an epoch")
	cmd.Flags().StringVar(&metric, "metric", "", "target metric: accuracy or conversion_rate")
	cmd.Flags().BoolVar(&start, "start", false, "start the campaign and follow its progress")
	return cmd
}

func evalStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <evaluation-id>",
		Short: "Run an evaluation in the foreground until it stops",
		Long: `Run a pending or paused evaluation in this process and print its
progress. Interrupting the command pauses the evaluation after recording
the interruption; resume it later with "cadence evaluation resume".`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				return runCampaign(ctx, a, args[0], a.campaigns.Start)
			})
		},
	}
}

func evalResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <evaluation-id>",
		Short: "Resume a paused evaluation in the foreground",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				return runCampaign(ctx, a, args[0], a.campaigns.Resume)
			})
		},
	}
}

// runCampaign launches an evaluation on the local scheduler and follows its
// progress until the campaign task returns
func runCampaign(ctx context.Context, a *app, id string, launch func(context.Context, string) (*models.Evaluation, error)) error {
	if !a.voice {
		return fmt.Errorf("running campaigns requires LiveKit. Set CADENCE_LIVEKIT_URL, CADENCE_LIVEKIT_API_KEY and CADENCE_LIVEKIT_API_SECRET")
	}

	events := a.progress.Subscribe(id)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for event := range events {
			printEvent(event)
		}
	}()

	evaluation, err := launch(ctx, id)
	if err != nil {
		a.progress.Unsubscribe(id, events)
		<-done
		return err
	}
	fmt.Printf("Running %s (%d epochs, %d calls per epoch)\n",
		evaluation.ID, evaluation.Config.MaxEpochs, evaluation.Config.TestsPerEpoch)

	waitErr := a.scheduler.Wait(ctx)
	if waitErr != nil {
		// interrupted: pause so the campaign can be resumed later
		bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if _, err := a.campaigns.Pause(bg, id); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to pause %s: %v\n", id, err)
		}
		_ = a.scheduler.Shutdown(bg)
	}
	a.progress.Unsubscribe(id, events)
	<-done

	final, err := a.campaigns.Get(context.WithoutCancel(ctx), id)
	if err != nil {
		return err
	}
	fmt.Println()
	printEvaluation(final)
	if waitErr != nil {
		return fmt.Errorf("interrupted: %w", waitErr)
	}
	return nil
}

func evalPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause <evaluation-id>",
		Short: "Pause an evaluation after its current epoch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				evaluation, err := a.campaigns.Pause(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Printf("Pause requested for %s; it pauses once the running epoch finishes\n", evaluation.ID)
				return nil
			})
		},
	}
}

func evalCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <evaluation-id>",
		Short: "Cancel an evaluation permanently",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				evaluation, err := a.campaigns.Cancel(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Printf("Evaluation %s cancelled\n", evaluation.ID)
				return nil
			})
		},
	}
}

func evalShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <evaluation-id>",
		Short: "Show an evaluation and its epochs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				evaluation, err := a.campaigns.Get(ctx, args[0])
				if err != nil {
					return err
				}
				epochs, err := a.campaigns.ListEpochs(ctx, evaluation.ID)
				if err != nil {
					return err
				}
				printEvaluation(evaluation)
				if len(epochs) == 0 {
					return nil
				}

				fmt.Println()
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "EPOCH\tSTATUS\tPROMPT\tACCURACY\tCONVERSION\tACCEPTED\tNEXT PROMPT")
				for _, ep := range epochs {
					fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%t\t%s\n",
						ep.EpochNumber, ep.Status, ep.PromptID,
						formatMetric(ep.Accuracy), formatMetric(ep.ConversionRate),
						ep.IsAccepted, ep.ResultingPromptID)
				}
				return w.Flush()
			})
		},
	}
}

func evalListCmd() *cobra.Command {
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List evaluations, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				evaluations, err := a.campaigns.List(ctx, limit, offset)
				if err != nil {
					return err
				}
				if len(evaluations) == 0 {
					fmt.Println("No evaluations found.")
					return nil
				}

				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tNAME\tSTATUS\tEPOCH\tBEST ACCURACY\tBEST CONVERSION\tCREATED")
				for _, e := range evaluations {
					fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%s\t%s\n",
						e.ID, e.Name, e.Status, e.CurrentEpochNumber, e.Config.MaxEpochs,
						formatMetric(e.BestAccuracy), formatMetric(e.BestConversionRate),
						e.CreatedAt.Local().Format("2006-01-02 15:04"))
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of evaluations")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of evaluations to skip")
	return cmd
}

func evalDeclareWinnerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "declare-winner <evaluation-id> <prompt-id>",
		Short: "Record the prompt version chosen as the winner",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				evaluation, err := a.campaigns.DeclareWinner(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				fmt.Printf("Evaluation %s completed with winner %s\n", evaluation.ID, evaluation.WinnerPromptID)
				return nil
			})
		},
	}
}

func printEvent(event models.ProgressEvent) {
	ts := event.At.Local().Format("15:04:05")
	switch {
	case event.EpochNumber > 0:
		fmt.Printf("%s [epoch %d] %-20s %s\n", ts, event.EpochNumber, event.Kind, event.Message)
	default:
		fmt.Printf("%s %-28s %s\n", ts, event.Kind, event.Message)
	}
}

func printEvaluation(e *models.Evaluation) {
	fmt.Printf("Evaluation: %s\n", e.ID)
	fmt.Printf("  Name:            %s\n", e.Name)
	fmt.Printf("  Status:          %s\n", e.Status)
	fmt.Printf("  Epoch:           %d/%d\n", e.CurrentEpochNumber, e.Config.MaxEpochs)
	fmt.Printf("  Target Metric:   %s\n", e.Config.TargetMetric)
	fmt.Printf("  Source Prompt:   %s\n", e.SourcePromptID)
	if e.BestPromptID != "" {
		fmt.Printf("  Best Prompt:     %s\n", e.BestPromptID)
	}
	fmt.Printf("  Best Accuracy:   %s\n", formatMetric(e.BestAccuracy))
	fmt.Printf("  Best Conversion: %s\n", formatMetric(e.BestConversionRate))
	if e.WinnerPromptID != "" {
		fmt.Printf("  Winner:          %s\n", e.WinnerPromptID)
	}
	if e.ErrorMessage != "" {
		fmt.Printf("  Error:           %s\n", e.ErrorMessage)
	}
}

func formatMetric(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.1f%%", *v)
}
