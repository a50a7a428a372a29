package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-cantor/internal/journal"
	"github.com/loqalabs/loqa-cantor/internal/pipeline"
	"github.com/loqalabs/loqa-cantor/internal/telemetry"
)

var (
	renderOutput    string
	renderWorkers   int
	renderOnFailure string
	renderPerPhrase bool
)

func init() {
	renderCmd.Flags().StringVarP(&renderOutput, "output", "o", "", "directory for exported WAV files")
	renderCmd.Flags().IntVarP(&renderWorkers, "workers", "w", 0, "phrases rendered in parallel")
	renderCmd.Flags().StringVar(&renderOnFailure, "on-failure", "", "synthesis failure policy: fail or silence")
	renderCmd.Flags().BoolVar(&renderPerPhrase, "per-phrase", false, "also write one file per phrase")
	rootCmd.AddCommand(renderCmd)
}

var renderCmd = &cobra.Command{
	Use:   "render <score>",
	Short: "Render a score to WAV",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		if renderOutput != "" {
			cfg.Export.Dir = renderOutput
		}
		if renderWorkers > 0 {
			cfg.Pipeline.Workers = renderWorkers
		}
		if renderPerPhrase {
			cfg.Export.PerPhrase = true
		}
		switch renderOnFailure {
		case "":
		case "fail", "silence":
			cfg.Synth.OnFailure = renderOnFailure
		default:
			return fmt.Errorf("unknown failure policy %q", renderOnFailure)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		js, err := journal.Open(ctx, cfg.Journal, logger)
		if err != nil {
			return err
		}
		defer js.Close()

		pipe, _, err := pipeline.Build(cfg, js, telemetry.NewMetrics(nil, nil), logger)
		if err != nil {
			return err
		}
		res, err := pipe.Run(ctx, args[0])
		if err != nil {
			return err
		}
		printResult(cmd, res)
		return nil
	},
}

func printResult(cmd *cobra.Command, res *pipeline.Result) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "render %s\n", res.RenderID)
	fmt.Fprintf(out, "  notes shifted %d, unvoiced %d, skipped %d, fallbacks %d, silenced %d\n",
		res.Retarget.Shifted, res.Retarget.Unvoiced, res.Retarget.Skipped, res.Retarget.Fallbacks, res.Silenced)
	for _, path := range res.Paths {
		size := "?"
		if info, err := os.Stat(path); err == nil {
			size = humanize.Bytes(uint64(info.Size()))
		}
		fmt.Fprintf(out, "  %s (%s)\n", path, size)
	}
}
