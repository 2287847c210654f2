package main

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/cobra"
)

func newDemoCmd(c *cli) *cobra.Command {
	var data string
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Classify the first clip of every emotion directory",
		Long: `Walk <data>/<emotion>/ directories in sorted order, classify the first
WAV file of each and compare the prediction with the directory name.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ic, err := c.loadInference(cmd.Context())
			if err != nil {
				return err
			}
			samples, err := firstClips(data)
			if err != nil {
				return err
			}
			if len(samples) == 0 {
				return fmt.Errorf("no emotion directories with WAV files under %s", data)
			}

			correct := 0
			for _, s := range samples {
				p, err := classifyFile(cmd.Context(), ic, s.path)
				if err != nil {
					fmt.Fprintf(c.stderr, "%s: %v\n", s.path, err)
					continue
				}
				mark := "✗"
				if p.Emotion == s.label {
					mark = "✓"
					correct++
				}
				fmt.Fprintf(c.stdout, "%s %-10s → %-10s (%.1f%%)  %s\n",
					mark, s.label, p.Emotion, 100*p.Confidence, filepath.Base(s.path))
			}
			fmt.Fprintf(c.stdout, "\naccuracy: %d/%d (%.1f%%)\n",
				correct, len(samples), 100*float64(correct)/float64(len(samples)))
			return nil
		},
	}
	cmd.Flags().StringVar(&data, "data", "sample_data", "directory holding one sub-directory per emotion")
	return cmd
}

type labelledClip struct {
	label string
	path  string
}

// firstClips returns the alphabetically first .wav file of every
// sub-directory of root.
func firstClips(root string) ([]labelledClip, error) {
	dirs, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	var out []labelledClip
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(root, d.Name()))
		if err != nil {
			return nil, err
		}
		idx := slices.IndexFunc(files, func(f os.DirEntry) bool {
			return !f.IsDir() && strings.EqualFold(filepath.Ext(f.Name()), ".wav")
		})
		if idx < 0 {
			continue
		}
		out = append(out, labelledClip{label: d.Name(), path: filepath.Join(root, d.Name(), files[idx].Name())})
	}
	return out, nil
}
