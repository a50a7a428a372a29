package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-cantor/internal/journal"
)

var historyLimit int

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of renders to list")
	rootCmd.AddCommand(historyCmd)
}

var historyCmd = &cobra.Command{
	Use:   "history [render-id]",
	Short: "List recent renders, or the events of one render",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		js, err := journal.Open(cmd.Context(), cfg.Journal, logger)
		if err != nil {
			return err
		}
		defer js.Close()

		out := cmd.OutOrStdout()
		if len(args) == 1 {
			events, err := js.ListRenderEvents(cmd.Context(), args[0], historyLimit)
			if err != nil {
				return err
			}
			for _, e := range events {
				fmt.Fprintf(out, "%s  %-18s %s\n", e.CreatedAt.Format("15:04:05.000"), e.Type, e.Payload)
			}
			return nil
		}

		renders, err := js.ListRenders(cmd.Context(), historyLimit)
		if err != nil {
			return err
		}
		for _, r := range renders {
			fmt.Fprintf(out, "%s  %-9s %-14s %s\n", r.ID, r.Status, humanize.Time(r.CreatedAt), r.Source)
		}
		return nil
	},
}
