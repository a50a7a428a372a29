package main

import (
	"fmt"
	"math"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-cantor/internal/decode"
	"github.com/loqalabs/loqa-cantor/internal/mix"
	"github.com/loqalabs/loqa-cantor/internal/score"
)

func init() {
	rootCmd.AddCommand(inspectCmd)
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <score>",
	Short: "Decode and segment a score without rendering it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		kind, err := decode.ParseKind(cfg.Decoder.Kind)
		if err != nil {
			return err
		}
		sc, err := decode.New(kind).Decode(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		comp, err := score.SegmentScore(sc)
		if err != nil {
			return err
		}
		inspect(cmd, comp, cfg.Audio.SampleRate)
		return nil
	},
}

func inspect(cmd *cobra.Command, comp *score.Composition, sampleRate int) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s: %d tracks\n", comp.Name, len(comp.Tracks))
	for _, t := range comp.Tracks {
		fmt.Fprintf(out, "track %q: %d phrases, %d notes\n", t.Name, len(t.Phrases), t.NoteCount())
		for i, p := range t.Phrases {
			samples := int64(math.Round((p.End() - p.Start() + mix.TailMargin) * float64(sampleRate)))
			fmt.Fprintf(out, "  %3d  %7.3fs-%7.3fs  %2d notes  %s samples (%s)  %q\n",
				i, p.Start(), p.End(), len(p.Notes),
				humanize.Comma(samples), humanize.Bytes(uint64(samples)*8), p.Text())
		}
	}
}
