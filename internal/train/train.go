// Package train runs a complete training pass: corpus scan, parallel
// feature extraction, stratified split, scaler and codec fitting, classifier
// training and artifact persistence.
package train

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"os"
	"runtime"
	"slices"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/telepathy/internal/artifact"
	"github.com/MrWong99/telepathy/internal/config"
	"github.com/MrWong99/telepathy/internal/corpus"
	"github.com/MrWong99/telepathy/internal/featcache"
	"github.com/MrWong99/telepathy/internal/observe"
	"github.com/MrWong99/telepathy/pkg/audio"
	"github.com/MrWong99/telepathy/pkg/augment"
	"github.com/MrWong99/telepathy/pkg/features"
	"github.com/MrWong99/telepathy/pkg/labels"
	"github.com/MrWong99/telepathy/pkg/model"
	"github.com/MrWong99/telepathy/pkg/normalize"
	"github.com/MrWong99/telepathy/pkg/types"
)

// Result summarises a finished run.
type Result struct {
	RunID      string
	Categories []string

	// Scanned is the number of labelled clips found in the corpora.
	Scanned int

	// Skipped counts files dropped by the scan, by reason.
	Skipped map[string]int

	// Failed counts clips that could not be decoded or extracted.
	Failed int

	// Cached counts clips whose features came from the feature cache.
	Cached int

	// Augmented counts training clips whose features were taken from an
	// augmented waveform. Validation clips are never augmented.
	Augmented int

	// MissingRoots lists configured corpus roots that do not exist.
	MissingRoots []string

	TrainSamples      int
	ValidationSamples int
	TimeSteps         int
	FeatureCount      int

	History  model.History
	Manifest artifact.Manifest
	Duration time.Duration
}

// Trainer runs training passes under one configuration.
type Trainer struct {
	cfg     *config.Config
	store   *artifact.Store
	cache   *featcache.Cache
	metrics *observe.Metrics
}

// Option customises a [Trainer].
type Option func(*Trainer)

// WithCache enables the feature cache for unaugmented extraction.
func WithCache(c *featcache.Cache) Option {
	return func(t *Trainer) { t.cache = c }
}

// WithMetrics overrides [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(t *Trainer) { t.metrics = m }
}

// New returns a Trainer that saves its artifacts to store.
func New(cfg *config.Config, store *artifact.Store, opts ...Option) *Trainer {
	t := &Trainer{cfg: cfg, store: store}
	for _, o := range opts {
		o(t)
	}
	if t.metrics == nil {
		t.metrics = observe.DefaultMetrics()
	}
	return t
}

// skipMissingRoot is the skip reason reported for absent corpus roots.
const skipMissingRoot = "missing_root"

// job is one clip to extract. idx is the corpus item index and seeds the
// augmenter.
type job struct {
	idx  int
	path string
}

// clip is the extraction outcome of one job.
type clip struct {
	matrix features.Matrix
	ok     bool
	cached bool
}

// Run trains a classifier and persists it as a new run. It returns an error
// wrapping [types.ErrNoTrainableData] when fewer than two categories have
// usable clips.
func (t *Trainer) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	tc := t.cfg.Train
	log := slog.With("component", "train")

	sources := make([]corpus.Source, len(tc.Corpora))
	for i, c := range tc.Corpora {
		sources[i] = corpus.Source{Root: c.Path, Layout: c.Layout}
	}
	report, err := corpus.Scan(ctx, sources, tc.Categories)
	if err != nil {
		return nil, err
	}
	res := &Result{Scanned: len(report.Items), Skipped: make(map[string]int, len(report.Skipped))}
	for reason, n := range report.Skipped {
		res.Skipped[string(reason)] = n
		t.metrics.RecordCorpusFiles(ctx, "skipped_"+string(reason), n)
	}
	if n := len(report.MissingRoots); n > 0 {
		res.MissingRoots = report.MissingRoots
		res.Skipped[skipMissingRoot] = n
		t.metrics.RecordCorpusFiles(ctx, "skipped_"+skipMissingRoot, n)
	}
	if len(report.Items) == 0 {
		return nil, fmt.Errorf("train: no labelled clips in %d corpora: %w", len(sources), types.ErrNoTrainableData)
	}

	ext, err := features.New(t.cfg.Features)
	if err != nil {
		return nil, err
	}
	jobs := make([]job, len(report.Items))
	for i, it := range report.Items {
		jobs[i] = job{idx: i, path: it.Path}
	}
	clips, err := t.extract(ctx, ext, jobs, false)
	if err != nil {
		return nil, err
	}

	var (
		matrices []features.Matrix
		names    []string
		items    []int // corpus item index of every matrix
	)
	for i, c := range clips {
		switch {
		case !c.ok:
			res.Failed++
		default:
			if c.cached {
				res.Cached++
			}
			matrices = append(matrices, c.matrix)
			names = append(names, report.Items[i].Label)
			items = append(items, i)
		}
	}
	t.metrics.RecordCorpusFiles(ctx, "used", len(matrices)-res.Cached)
	t.metrics.RecordCorpusFiles(ctx, "cached", res.Cached)
	t.metrics.RecordCorpusFiles(ctx, "failed", res.Failed)
	if t.cache != nil {
		hits, misses := t.cache.Stats()
		log.Debug("feature cache", "hits", hits, "misses", misses)
	}

	codec := labels.Fit(names)
	if codec.Len() < 2 {
		return nil, fmt.Errorf("train: %d usable clips in %d categories, need at least 2 categories: %w",
			len(matrices), codec.Len(), types.ErrNoTrainableData)
	}
	res.Categories = codec.Categories()

	ys := make([]int, len(names))
	for i, n := range names {
		if ys[i], err = codec.Encode(n); err != nil {
			return nil, err
		}
	}
	trainIdx, valIdx := StratifiedSplit(ys, tc.ValidationSplit, tc.Seed)

	if t.cfg.Augment.Enabled() {
		if res.Augmented, err = t.augmentTraining(ctx, ext, report.Items, items, trainIdx, matrices); err != nil {
			return nil, err
		}
	}

	// Every clip is padded to the longest one before the scaler sees it.
	steps := 0
	for _, m := range matrices {
		steps = max(steps, m.Rows)
	}
	trainMats := make([]features.Matrix, len(trainIdx))
	for i, idx := range trainIdx {
		trainMats[i] = matrices[idx]
	}
	norm, err := normalize.FitSteps(trainMats, steps)
	if err != nil {
		return nil, err
	}
	res.TimeSteps, res.FeatureCount = norm.TimeSteps, norm.FeatureCount

	toSamples := func(idx []int) ([]model.Sample, error) {
		out := make([]model.Sample, len(idx))
		for i, j := range idx {
			x, err := norm.Apply(matrices[j])
			if err != nil {
				return nil, err
			}
			out[i] = model.Sample{X: x.Data, Y: ys[j]}
		}
		return out, nil
	}
	trainSet, err := toSamples(trainIdx)
	if err != nil {
		return nil, err
	}
	valSet, err := toSamples(valIdx)
	if err != nil {
		return nil, err
	}
	res.TrainSamples, res.ValidationSamples = len(trainSet), len(valSet)

	arch := model.Architecture{
		TimeSteps:    norm.TimeSteps,
		FeatureCount: norm.FeatureCount,
		Hidden1:      tc.Hidden1,
		Hidden2:      tc.Hidden2,
		Dropout:      tc.Dropout,
		Classes:      codec.Len(),
	}
	clf, err := model.New(arch, tc.Seed)
	if err != nil {
		return nil, err
	}
	log.Info("training started",
		"train_samples", len(trainSet),
		"validation_samples", len(valSet),
		"categories", res.Categories,
		"time_steps", arch.TimeSteps,
		"feature_count", arch.FeatureCount,
	)

	hist, err := clf.Fit(ctx, trainSet, valSet, model.TrainConfig{
		Epochs:       tc.Epochs,
		BatchSize:    tc.BatchSize,
		LearningRate: tc.LearningRate,
		Patience:     tc.Patience,
		ClipNorm:     tc.ClipNorm,
		Seed:         tc.Seed,
		Workers:      tc.Workers,
		OnEpoch: func(s model.EpochStats) {
			t.metrics.TrainingEpochs.Add(ctx, 1)
			attrs := []any{"epoch", s.Epoch, "loss", s.Loss, "accuracy", s.Accuracy, "duration", s.Duration}
			if s.HasValidation {
				attrs = append(attrs, "val_loss", s.ValLoss, "val_accuracy", s.ValAccuracy)
			}
			if s.Checkpointed {
				attrs = append(attrs, "checkpoint", true)
			}
			log.Info("epoch finished", attrs...)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("train: fit: %w", err)
	}
	res.History = hist

	best := hist.Best()
	metrics := artifact.Metrics{
		TrainSamples:      len(trainSet),
		ValidationSamples: len(valSet),
		Skipped:           res.Skipped,
		Epochs:            len(hist.Epochs),
		BestEpoch:         hist.BestEpoch,
		StoppedEarly:      hist.StoppedEarly,
		TrainLoss:         best.Loss,
		TrainAccuracy:     best.Accuracy,
		ValLoss:           best.ValLoss,
		ValAccuracy:       best.ValAccuracy,
	}
	if best.HasValidation {
		t.metrics.ValidationAccuracy.Record(ctx, best.ValAccuracy)
	}

	res.RunID = uuid.NewString()
	manifest, err := t.store.Save(ctx, &artifact.Bundle{
		RunID:      res.RunID,
		Audio:      artifact.AudioParams{SampleRate: t.cfg.Audio.SampleRate, MaxDuration: t.cfg.Audio.MaxDuration},
		Features:   t.cfg.Features,
		Normalizer: norm,
		Labels:     codec,
		Classifier: clf,
		Metrics:    metrics,
	})
	if err != nil {
		return nil, err
	}
	res.Manifest = manifest
	res.Duration = time.Since(start)

	log.Info("training finished",
		"run_id", res.RunID,
		"best_epoch", hist.BestEpoch,
		"val_accuracy", best.ValAccuracy,
		"stopped_early", hist.StoppedEarly,
		"duration", res.Duration,
	)
	return res, nil
}

// augmentTraining replaces the features of the training matrices (positions trainIdx
// of matrices, taken from corpus items items[pos]) with features of an
// augmented waveform. A clip whose augmented extraction fails keeps its
// plain features. It returns the number of replaced matrices.
func (t *Trainer) augmentTraining(ctx context.Context, ext *features.Extractor, corpusItems []corpus.Item, items, trainIdx []int, matrices []features.Matrix) (int, error) {
	jobs := make([]job, len(trainIdx))
	for k, pos := range trainIdx {
		i := items[pos]
		jobs[k] = job{idx: i, path: corpusItems[i].Path}
	}
	clips, err := t.extract(ctx, ext, jobs, true)
	if err != nil {
		return 0, err
	}
	n := 0
	for k, c := range clips {
		if c.ok {
			matrices[trainIdx[k]] = c.matrix
			n++
		}
	}
	return n, nil
}

// extract decodes and featurises every job with a bounded worker pool.
// Results land in the slot of their job so the dataset order does not depend
// on scheduling. Per-clip failures are logged and leave the slot empty; only
// cancellation aborts.
func (t *Trainer) extract(ctx context.Context, ext *features.Extractor, jobs []job, augmenting bool) ([]clip, error) {
	workers := t.cfg.Train.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	loader := audio.Loader{SampleRate: t.cfg.Audio.SampleRate, MaxDuration: t.cfg.Audio.MaxDuration}
	useCache := t.cache != nil && !augmenting

	out := make([]clip, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, j := range jobs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			c, err := t.extractOne(gctx, ext, loader, j.idx, j.path, useCache, augmenting)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				slog.Warn("skipping clip", "path", j.path, "augmented", augmenting, "err", err)
				return nil
			}
			out[i] = c
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("train: extract: %w", err)
	}
	return out, nil
}

func (t *Trainer) extractOne(ctx context.Context, ext *features.Extractor, loader audio.Loader, idx int, path string, useCache, augmenting bool) (clip, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return clip{}, err
	}
	if useCache {
		m, ok, err := t.cache.Get(data)
		if err != nil {
			slog.Warn("feature cache read failed", "path", path, "err", err)
		} else if ok {
			return clip{matrix: m, ok: true, cached: true}, nil
		}
	}

	ctx, done := observe.Stage(ctx, "extract", t.metrics.ExtractionDuration)
	m, err := func() (features.Matrix, error) {
		w, err := loader.Load(data)
		if err != nil {
			return features.Matrix{}, err
		}
		if augmenting {
			aug, err := augment.New(t.cfg.Augment, t.cfg.Train.Seed+uint64(idx))
			if err != nil {
				return features.Matrix{}, err
			}
			if w, err = aug.Apply(w); err != nil {
				return features.Matrix{}, err
			}
		}
		return ext.Extract(w)
	}()
	done(err)
	if err != nil {
		return clip{}, err
	}
	if err := ctx.Err(); err != nil {
		return clip{}, err
	}

	if useCache {
		if err := t.cache.Put(data, m); err != nil {
			slog.Warn("feature cache write failed", "path", path, "err", err)
		}
	}
	return clip{matrix: m, ok: true}, nil
}

// StratifiedSplit partitions the indices of ys into training and validation
// sets, holding out round(n·frac) of every class with n members (at most
// n-1, so every class keeps a training example). Both outputs are sorted.
// The choice of held-out members is fully determined by seed.
func StratifiedSplit(ys []int, frac float64, seed uint64) (train, val []int) {
	byClass := map[int][]int{}
	var classes []int
	for i, y := range ys {
		if _, ok := byClass[y]; !ok {
			classes = append(classes, y)
		}
		byClass[y] = append(byClass[y], i)
	}
	slices.Sort(classes)

	rng := rand.New(rand.NewPCG(seed, seed^0x6a09e667f3bcc909))
	for _, c := range classes {
		idx := byClass[c]
		rng.Shuffle(len(idx), func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })
		k := int(math.Round(float64(len(idx)) * frac))
		k = min(max(k, 0), len(idx)-1)
		val = append(val, idx[:k]...)
		train = append(train, idx[k:]...)
	}
	slices.Sort(train)
	slices.Sort(val)
	return train, val
}
