package main

import (
	"fmt"
	"maps"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/telepathy/internal/config"
	"github.com/MrWong99/telepathy/internal/corpus"
	"github.com/MrWong99/telepathy/internal/train"
)

func newTrainCmd(c *cli) *cobra.Command {
	var (
		data   []string
		layout string
		epochs int
	)
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a classifier and store it as the current run",
		Long: `Scan the configured corpora, extract features, train the recurrent
classifier and persist the artifacts as a new run.

Examples:
  telepathy train
  telepathy train --data sample_data
  telepathy train --data /corpora/RAVDESS --layout ravdess --epochs 80`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := c.cfg
			if len(data) > 0 {
				l := corpus.Layout(layout)
				cfg.Train.Corpora = nil
				for _, d := range data {
					cfg.Train.Corpora = append(cfg.Train.Corpora, config.CorpusConfig{Path: d, Layout: l})
				}
			}
			if epochs > 0 {
				cfg.Train.Epochs = epochs
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}

			store, err := openArtifacts(cfg)
			if err != nil {
				return err
			}
			var opts []train.Option
			cache, err := openFeatureCache(cfg)
			if err != nil {
				return err
			}
			if cache != nil {
				defer cache.Close()
				opts = append(opts, train.WithCache(cache))
			}

			res, err := train.New(cfg, store, opts...).Run(cmd.Context())
			if err != nil {
				return err
			}
			printTrainReport(c, res)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&data, "data", nil, "corpus directories, replacing train.corpora")
	cmd.Flags().StringVar(&layout, "layout", string(corpus.LayoutDirectory), "layout of --data directories (directory, ravdess, cremad)")
	cmd.Flags().IntVar(&epochs, "epochs", 0, "override train.epochs")
	return cmd
}

func printTrainReport(c *cli, res *train.Result) {
	w := tabwriter.NewWriter(c.stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	best := res.History.Best()
	fmt.Fprintf(w, "Run:\t%s\n", res.RunID)
	fmt.Fprintf(w, "Emotions:\t%v\n", res.Categories)
	fmt.Fprintf(w, "Clips scanned:\t%d\n", res.Scanned)
	for _, reason := range slices.Sorted(maps.Keys(res.Skipped)) {
		fmt.Fprintf(w, "Skipped (%s):\t%d\n", reason, res.Skipped[reason])
	}
	if res.Failed > 0 {
		fmt.Fprintf(w, "Failed to decode:\t%d\n", res.Failed)
	}
	if res.Cached > 0 {
		fmt.Fprintf(w, "From cache:\t%d\n", res.Cached)
	}
	if res.Augmented > 0 {
		fmt.Fprintf(w, "Augmented (train only):\t%d\n", res.Augmented)
	}
	fmt.Fprintf(w, "Train / validation:\t%d / %d\n", res.TrainSamples, res.ValidationSamples)
	fmt.Fprintf(w, "Input shape:\t%d×%d\n", res.TimeSteps, res.FeatureCount)
	fmt.Fprintf(w, "Epochs run:\t%d (best %d, early stop %v)\n", len(res.History.Epochs), res.History.BestEpoch, res.History.StoppedEarly)
	fmt.Fprintf(w, "Train loss / accuracy:\t%.4f / %.2f%%\n", best.Loss, 100*best.Accuracy)
	if best.HasValidation {
		fmt.Fprintf(w, "Validation loss / accuracy:\t%.4f / %.2f%%\n", best.ValLoss, 100*best.ValAccuracy)
	}
	fmt.Fprintf(w, "Duration:\t%s\n", res.Duration.Round(time.Millisecond))
}
