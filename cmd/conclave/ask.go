package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/conclave/pkg/council"
	"github.com/go-go-golems/conclave/pkg/events"
	"github.com/go-go-golems/conclave/pkg/inference"
)

func newAskCommand() *cobra.Command {
	var (
		models   []string
		chairman string
		solo     bool
		verbose  bool
	)

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Run one deliberation turn locally and print the result",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			apiKey := resolveAPIKey(cfg)
			if apiKey == "" {
				return errors.New("no API key: set CONCLAVE_API_KEY or OPENROUTER_API_KEY")
			}

			councilCfg := cfg.Server.Council
			if len(models) > 0 {
				councilCfg.PanelModels = models
			}
			if chairman != "" {
				councilCfg.Chairman = chairman
			}

			engine := inference.NewOpenAIEngine(apiKey, inference.WithBaseURL(cfg.BaseURL))
			question := strings.Join(args, " ")

			turnID := uuid.NewString()
			emitter := events.NewEmitter(turnID, turnID, &printerSink{verbose: verbose})

			options := []council.Option{}
			if solo {
				options = append(options, council.WithMode(council.ModeSolo))
			}
			orch := council.NewOrchestrator(turnID, turnID, question, councilCfg, engine, emitter, options...)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return orch.Run(ctx)
		},
	}

	cmd.Flags().StringSliceVar(&models, "model", nil, "panel model (repeatable, overrides config)")
	cmd.Flags().StringVar(&chairman, "chairman", "", "chairman model (overrides config)")
	cmd.Flags().BoolVar(&solo, "solo", false, "skip deliberation, chairman answers directly")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "stream panel output, not just the final answer")
	return cmd
}

// printerSink renders the event log for a terminal: progress markers on
// stderr, the synthesized answer streaming on stdout.
type printerSink struct {
	verbose bool
}

func (p *printerSink) PublishEvent(ev events.Event) error {
	switch e := ev.(type) {
	case *events.EventStageStart:
		fmt.Fprintf(os.Stderr, "\n=== %s ===\n", events.StageOf(e.Type()))

	case *events.EventChunk:
		if events.StageOf(e.Type()) == events.Stage3 {
			fmt.Print(e.Delta)
		} else if p.verbose {
			fmt.Fprint(os.Stderr, e.Delta)
		}

	case *events.EventStage1Response:
		fmt.Fprintf(os.Stderr, "* %s answered (%dms, %d tokens)\n",
			e.Data.Model, e.Data.DurationMs, e.Data.CompletionTokens)

	case *events.EventStage2Response:
		fmt.Fprintf(os.Stderr, "* %s ranked: %s\n",
			e.Data.Model, strings.Join(e.Data.ParsedRanking, " > "))

	case *events.EventStage2Complete:
		for _, agg := range e.Data.AggregateRankings {
			fmt.Fprintf(os.Stderr, "  %.2f  %s\n", agg.AverageRank, agg.Model)
		}

	case *events.EventError:
		fmt.Fprintf(os.Stderr, "\nerror: %s\n", e.ErrorString)

	case *events.EventComplete:
		fmt.Println()
	}
	return nil
}

var _ events.EventSink = (*printerSink)(nil)
