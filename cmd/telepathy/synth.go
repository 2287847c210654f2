package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/telepathy/internal/synth"
)

func newSynthCmd(c *cli) *cobra.Command {
	opts := synth.CorpusOptions{}
	cmd := &cobra.Command{
		Use:   "synth",
		Short: "Write a synthetic labelled corpus",
		Long: `Generate harmonic test tones with per-emotion pitch, vibrato and noise
and write them as <out>/<emotion>/<emotion>_NN.wav. The corpus is meant for
smoke tests of the training and serving paths, not for real accuracy.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.SampleRate == 0 {
				opts.SampleRate = c.cfg.Audio.SampleRate
			}
			n, err := synth.WriteCorpus(cmd.Context(), opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.stdout, "wrote %d clips to %s\n", n, opts.Dir)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.Dir, "out", "o", "sample_data", "output directory")
	f.IntVarP(&opts.PerEmotion, "per-emotion", "n", 20, "clips per emotion")
	f.DurationVar(&opts.Duration, "duration", 3*time.Second, "clip length")
	f.IntVar(&opts.SampleRate, "sample-rate", 0, "sample rate in Hz (default audio.sample_rate)")
	f.Uint64Var(&opts.Seed, "seed", 42, "random seed")
	f.StringSliceVar(&opts.Emotions, "emotions", nil, "emotions to generate (default all)")
	return cmd
}
