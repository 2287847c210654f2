package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/MrWong99/telepathy/internal/inference"
	"github.com/MrWong99/telepathy/pkg/types"
)

const barWidth = 40

func newPredictCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "predict <file.wav>...",
		Short: "Classify WAV files with the current run",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ic, err := c.loadInference(cmd.Context())
			if err != nil {
				return err
			}
			failed := 0
			for _, path := range args {
				p, err := classifyFile(cmd.Context(), ic, path)
				if err != nil {
					fmt.Fprintf(c.stderr, "%s: %v\n", path, err)
					failed++
					continue
				}
				printPrediction(c.stdout, path, p, ic.Categories())
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d files could not be classified", failed, len(args))
			}
			return nil
		},
	}
}

func (c *cli) loadInference(ctx context.Context) (*inference.Context, error) {
	store, err := openArtifacts(c.cfg)
	if err != nil {
		return nil, err
	}
	ic, err := inference.Load(ctx, store)
	if err != nil {
		return nil, fmt.Errorf("load artifacts: %w", err)
	}
	ic.WarnOnDrift(c.cfg.Audio.SampleRate, c.cfg.Audio.MaxDuration, c.cfg.Features)
	return ic, nil
}

func classifyFile(ctx context.Context, ic *inference.Context, path string) (types.Prediction, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return types.Prediction{}, err
	}
	return ic.ClassifyBytes(ctx, data)
}

// printPrediction writes the predicted emotion followed by one bar per
// category in category order.
func printPrediction(w io.Writer, name string, p types.Prediction, categories []string) {
	fmt.Fprintf(w, "%s\n  emotion: %s (%.1f%%)\n", name, strings.ToUpper(p.Emotion), 100*p.Confidence)
	width := 0
	for _, cat := range categories {
		width = max(width, len(cat))
	}
	for _, cat := range categories {
		prob := p.Probabilities[cat]
		n := int(prob*barWidth + 0.5)
		fmt.Fprintf(w, "  %-*s %s%s %5.1f%%\n", width, cat,
			strings.Repeat("█", n), strings.Repeat("░", barWidth-n), 100*prob)
	}
}
