// Package corpus discovers labelled clips on disk.
//
// Three layouts are understood: one directory per category, the RAVDESS
// naming scheme and the CREMA-D naming scheme. Files that cannot be labelled
// are skipped and counted by reason; they never abort a scan.
package corpus

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Layout selects how a label is derived from a file's path.
type Layout string

const (
	// LayoutDirectory expects <root>/<category>/*.wav.
	LayoutDirectory Layout = "directory"

	// LayoutRAVDESS expects <root>/Actor_XX/03-01-EE-II-SS-RR-AA.wav with the
	// emotion code in the third field.
	LayoutRAVDESS Layout = "ravdess"

	// LayoutCREMAD expects <root>/AAAA_SSS_EEE_LL.wav with the emotion code
	// in the third field.
	LayoutCREMAD Layout = "cremad"
)

// IsValid reports whether l is a recognised layout.
func (l Layout) IsValid() bool {
	switch l {
	case LayoutDirectory, LayoutRAVDESS, LayoutCREMAD:
		return true
	}
	return false
}

// SkipReason classifies a file that was not turned into an [Item].
type SkipReason string

const (
	SkipNotWAV      SkipReason = "not_wav"
	SkipUnparseable SkipReason = "unparseable"
	SkipUnknownCode SkipReason = "unknown_code"
	SkipExcluded    SkipReason = "excluded"
)

var (
	errNotWAV      = errors.New("not a wav file")
	errUnparseable = errors.New("file name does not match layout")
	errUnknownCode = errors.New("unknown emotion code")
)

var ravdessCodes = map[string]string{
	"01": "neutral",
	"02": "calm",
	"03": "happy",
	"04": "sad",
	"05": "angry",
	"06": "fearful",
	"07": "disgust",
	"08": "surprised",
}

var cremadCodes = map[string]string{
	"NEU": "neutral",
	"NE":  "neutral",
	"HAP": "happy",
	"HA":  "happy",
	"SAD": "sad",
	"SA":  "sad",
	"ANG": "angry",
	"AN":  "angry",
	"FEA": "fearful",
	"FE":  "fearful",
	"DIS": "disgust",
}

// Label returns the category of the file at rel, a slash- or
// OS-separated path relative to the corpus root.
func Label(layout Layout, rel string) (string, error) {
	rel = filepath.ToSlash(rel)
	base := rel[strings.LastIndex(rel, "/")+1:]
	ext := filepath.Ext(base)
	if !strings.EqualFold(ext, ".wav") {
		return "", errNotWAV
	}
	stem := strings.TrimSuffix(base, ext)

	switch layout {
	case LayoutDirectory:
		dir, _, ok := strings.Cut(rel, "/")
		if !ok || strings.Contains(rel[len(dir)+1:], "/") || dir == "" {
			return "", errUnparseable
		}
		return dir, nil
	case LayoutRAVDESS:
		return code(strings.Split(stem, "-"), ravdessCodes)
	case LayoutCREMAD:
		return code(strings.Split(stem, "_"), cremadCodes)
	}
	return "", fmt.Errorf("corpus: unknown layout %q", layout)
}

func code(fields []string, table map[string]string) (string, error) {
	if len(fields) < 3 || fields[2] == "" {
		return "", errUnparseable
	}
	label, ok := table[strings.ToUpper(fields[2])]
	if !ok {
		return "", fmt.Errorf("%w %q", errUnknownCode, fields[2])
	}
	return label, nil
}

// Source is one corpus root and its layout.
type Source struct {
	Root   string
	Layout Layout
}

// Item is one labelled clip.
type Item struct {
	Path  string
	Label string
}

// Report is the outcome of [Scan].
type Report struct {
	Items   []Item
	Skipped map[SkipReason]int

	// MissingRoots lists sources whose root directory does not exist.
	MissingRoots []string
}

// SkippedTotal returns the number of skipped files across all reasons.
func (r Report) SkippedTotal() int {
	n := 0
	for _, c := range r.Skipped {
		n += c
	}
	return n
}

// Scan walks every source in order, visiting directory entries in lexical
// order, and keeps the clips whose category is in allow. An empty allow list
// keeps every category. Missing roots are logged and recorded; other I/O
// errors abort the scan.
func Scan(ctx context.Context, sources []Source, allow []string) (Report, error) {
	allowed := make(map[string]bool, len(allow))
	for _, a := range allow {
		allowed[a] = true
	}
	rep := Report{Skipped: make(map[SkipReason]int)}

	for _, src := range sources {
		if !src.Layout.IsValid() {
			return rep, fmt.Errorf("corpus: %s: unknown layout %q", src.Root, src.Layout)
		}
		if _, err := os.Stat(src.Root); errors.Is(err, fs.ErrNotExist) {
			slog.Warn("corpus root not found", "root", src.Root, "layout", src.Layout)
			rep.MissingRoots = append(rep.MissingRoots, src.Root)
			continue
		}

		err := filepath.WalkDir(src.Root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			rel, err := filepath.Rel(src.Root, path)
			if err != nil {
				return err
			}
			label, err := Label(src.Layout, rel)
			if err != nil {
				reason := reasonFor(err)
				rep.Skipped[reason]++
				if reason != SkipNotWAV {
					slog.Debug("corpus: skipping file", "path", path, "reason", reason, "err", err)
				}
				return nil
			}
			if len(allowed) > 0 && !allowed[label] {
				rep.Skipped[SkipExcluded]++
				return nil
			}
			rep.Items = append(rep.Items, Item{Path: path, Label: label})
			return nil
		})
		if err != nil {
			return rep, fmt.Errorf("corpus: walk %s: %w", src.Root, err)
		}
	}

	slog.Info("corpus scanned", "sources", len(sources), "items", len(rep.Items), "skipped", rep.SkippedTotal())
	return rep, nil
}

func reasonFor(err error) SkipReason {
	switch {
	case errors.Is(err, errNotWAV):
		return SkipNotWAV
	case errors.Is(err, errUnknownCode):
		return SkipUnknownCode
	default:
		return SkipUnparseable
	}
}
