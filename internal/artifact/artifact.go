// Package artifact persists and restores the products of a training run:
// the classifier weights, the normalizer parameters and the label codec.
//
// Every run is written under runs/<run_id>/. The three artifacts go first,
// then a manifest recording their checksums and shapes, and last the
// current.json pointer, so a reader following current.json never sees a
// half-written run. Loading verifies the checksums and that time steps,
// feature count and category count agree across all three artifacts.
package artifact

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/MrWong99/telepathy/internal/storage"
	"github.com/MrWong99/telepathy/pkg/features"
	"github.com/MrWong99/telepathy/pkg/labels"
	"github.com/MrWong99/telepathy/pkg/model"
	"github.com/MrWong99/telepathy/pkg/normalize"
	"github.com/MrWong99/telepathy/pkg/types"
)

// File names inside a run directory.
const (
	ModelFile    = "model.msgpack"
	ScalerFile   = "scaler.json"
	LabelsFile   = "labels.json"
	ManifestFile = "manifest.json"
	CurrentFile  = "current.json"
)

// AudioParams records how clips were decoded for training. Inference decodes
// with the same values.
type AudioParams struct {
	SampleRate  int           `json:"sample_rate"`
	MaxDuration time.Duration `json:"max_duration"`
}

// Metrics summarises the training run that produced the artifacts.
type Metrics struct {
	TrainSamples      int            `json:"train_samples"`
	ValidationSamples int            `json:"validation_samples"`
	Skipped           map[string]int `json:"skipped,omitempty"`
	Epochs            int            `json:"epochs"`
	BestEpoch         int            `json:"best_epoch"`
	StoppedEarly      bool           `json:"stopped_early"`
	TrainLoss         float64        `json:"train_loss"`
	TrainAccuracy     float64        `json:"train_accuracy"`
	ValLoss           float64        `json:"val_loss,omitempty"`
	ValAccuracy       float64        `json:"val_accuracy,omitempty"`
}

// FileInfo is the checksum record of one artifact file.
type FileInfo struct {
	SHA256 string `json:"sha256"`
	Size   int    `json:"size"`
}

// Manifest describes one run directory.
type Manifest struct {
	RunID              string              `json:"run_id"`
	CreatedAt          time.Time           `json:"created_at"`
	TimeSteps          int                 `json:"time_steps"`
	FeatureCount       int                 `json:"feature_count"`
	CategoryCount      int                 `json:"category_count"`
	Categories         []string            `json:"categories"`
	Audio              AudioParams         `json:"audio"`
	Features           features.Config     `json:"features"`
	FeatureFingerprint string              `json:"feature_fingerprint"`
	Files              map[string]FileInfo `json:"files"`
	Metrics            Metrics             `json:"metrics"`
}

// Bundle is a complete, mutually consistent set of artifacts.
type Bundle struct {
	RunID      string
	Audio      AudioParams
	Features   features.Config
	Normalizer *normalize.Normalizer
	Labels     *labels.Codec
	Classifier *model.Classifier
	Metrics    Metrics

	// Manifest is filled by [Store.Load] and [Store.Save].
	Manifest Manifest
}

// Check verifies that the artifacts agree on time steps, feature count and
// category count, and that the feature configuration produces the
// normalizer's width.
func (b *Bundle) Check() error {
	if b.Normalizer == nil || b.Labels == nil || b.Classifier == nil {
		return fmt.Errorf("artifact: incomplete bundle: %w", types.ErrArtifactLoad)
	}
	if err := b.Normalizer.Validate(); err != nil {
		return err
	}
	arch := b.Classifier.Architecture()
	var errs []error
	if arch.TimeSteps != b.Normalizer.TimeSteps {
		errs = append(errs, fmt.Errorf("classifier expects %d time steps, scaler has %d", arch.TimeSteps, b.Normalizer.TimeSteps))
	}
	if arch.FeatureCount != b.Normalizer.FeatureCount {
		errs = append(errs, fmt.Errorf("classifier expects %d features, scaler has %d", arch.FeatureCount, b.Normalizer.FeatureCount))
	}
	if w := b.Features.Schema().Width(); w != b.Normalizer.FeatureCount {
		errs = append(errs, fmt.Errorf("feature schema has %d columns, scaler has %d", w, b.Normalizer.FeatureCount))
	}
	if arch.Classes != b.Labels.Len() {
		errs = append(errs, fmt.Errorf("classifier has %d outputs, codec has %d categories", arch.Classes, b.Labels.Len()))
	}
	if len(errs) > 0 {
		return fmt.Errorf("artifact: %w: %w", types.ErrShapeMismatch, errors.Join(errs...))
	}
	return nil
}

// scalerFile is the on-disk form of the normalizer.
type scalerFile struct {
	RunID string `json:"run_id"`
	*normalize.Normalizer
	Schema features.Schema `json:"schema"`
}

// labelsFile is the on-disk form of the label codec.
type labelsFile struct {
	RunID         string        `json:"run_id"`
	CategoryCount int           `json:"category_count"`
	Codec         *labels.Codec `json:"codec"`
}

type currentFile struct {
	RunID     string    `json:"run_id"`
	Manifest  string    `json:"manifest"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store reads and writes bundles through a [storage.Store].
type Store struct {
	fs  storage.Store
	now func() time.Time
}

// NewStore returns an artifact store backed by fs.
func NewStore(fs storage.Store) *Store {
	return &Store{fs: fs, now: time.Now}
}

// RunDir returns the storage prefix of a run.
func RunDir(runID string) string { return path.Join("runs", runID) }

// Save writes b under a new run directory and points current.json at it.
func (s *Store) Save(ctx context.Context, b *Bundle) (Manifest, error) {
	if b.RunID == "" {
		return Manifest{}, errors.New("artifact: save: empty run id")
	}
	if err := b.Check(); err != nil {
		return Manifest{}, err
	}

	var weights bytes.Buffer
	if err := b.Classifier.Save(&weights); err != nil {
		return Manifest{}, fmt.Errorf("artifact: save: %w", err)
	}
	scaler, err := json.MarshalIndent(scalerFile{RunID: b.RunID, Normalizer: b.Normalizer, Schema: b.Features.Schema()}, "", "  ")
	if err != nil {
		return Manifest{}, fmt.Errorf("artifact: encode scaler: %w", err)
	}
	codec, err := json.MarshalIndent(labelsFile{RunID: b.RunID, CategoryCount: b.Labels.Len(), Codec: b.Labels}, "", "  ")
	if err != nil {
		return Manifest{}, fmt.Errorf("artifact: encode labels: %w", err)
	}

	dir := RunDir(b.RunID)
	m := Manifest{
		RunID:              b.RunID,
		CreatedAt:          s.now().UTC(),
		TimeSteps:          b.Normalizer.TimeSteps,
		FeatureCount:       b.Normalizer.FeatureCount,
		CategoryCount:      b.Labels.Len(),
		Categories:         b.Labels.Categories(),
		Audio:              b.Audio,
		Features:           b.Features,
		FeatureFingerprint: b.Features.Fingerprint(),
		Files:              make(map[string]FileInfo, 3),
		Metrics:            b.Metrics,
	}
	for _, f := range []struct {
		name string
		data []byte
	}{
		{ModelFile, weights.Bytes()},
		{ScalerFile, scaler},
		{LabelsFile, codec},
	} {
		if err := s.fs.Put(ctx, path.Join(dir, f.name), f.data); err != nil {
			return Manifest{}, fmt.Errorf("artifact: save %s: %w", f.name, err)
		}
		m.Files[f.name] = FileInfo{SHA256: checksum(f.data), Size: len(f.data)}
	}

	manifest, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return Manifest{}, fmt.Errorf("artifact: encode manifest: %w", err)
	}
	if err := s.fs.Put(ctx, path.Join(dir, ManifestFile), manifest); err != nil {
		return Manifest{}, fmt.Errorf("artifact: save manifest: %w", err)
	}
	cur, err := json.MarshalIndent(currentFile{RunID: b.RunID, Manifest: path.Join(dir, ManifestFile), UpdatedAt: m.CreatedAt}, "", "  ")
	if err != nil {
		return Manifest{}, fmt.Errorf("artifact: encode current: %w", err)
	}
	if err := s.fs.Put(ctx, CurrentFile, cur); err != nil {
		return Manifest{}, fmt.Errorf("artifact: save current: %w", err)
	}
	b.Manifest = m
	return m, nil
}

// Current returns the run ID current.json points at.
func (s *Store) Current(ctx context.Context) (string, error) {
	data, err := s.fs.Get(ctx, CurrentFile)
	if err != nil {
		return "", fmt.Errorf("artifact: read %s: %w: %w", CurrentFile, types.ErrArtifactLoad, err)
	}
	var cur currentFile
	if err := json.Unmarshal(data, &cur); err != nil {
		return "", fmt.Errorf("artifact: decode %s: %w: %w", CurrentFile, types.ErrArtifactLoad, err)
	}
	if cur.RunID == "" {
		return "", fmt.Errorf("artifact: %s has no run id: %w", CurrentFile, types.ErrArtifactLoad)
	}
	return cur.RunID, nil
}

// LoadCurrent loads the run current.json points at.
func (s *Store) LoadCurrent(ctx context.Context) (*Bundle, error) {
	runID, err := s.Current(ctx)
	if err != nil {
		return nil, err
	}
	return s.Load(ctx, runID)
}

// Load reads and verifies one run. Missing files, checksum mismatches and
// undecodable content yield errors wrapping [types.ErrArtifactLoad];
// disagreeing shapes yield errors wrapping [types.ErrShapeMismatch].
func (s *Store) Load(ctx context.Context, runID string) (*Bundle, error) {
	dir := RunDir(runID)
	raw, err := s.fs.Get(ctx, path.Join(dir, ManifestFile))
	if err != nil {
		return nil, fmt.Errorf("artifact: run %s: %w: %w", runID, types.ErrArtifactLoad, err)
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("artifact: decode manifest of %s: %w: %w", runID, types.ErrArtifactLoad, err)
	}
	if m.RunID != runID {
		return nil, fmt.Errorf("artifact: manifest in %s names run %q: %w", dir, m.RunID, types.ErrArtifactLoad)
	}

	files := make(map[string][]byte, 3)
	for _, name := range []string{ModelFile, ScalerFile, LabelsFile} {
		data, err := s.fs.Get(ctx, path.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("artifact: run %s: %w: %w", runID, types.ErrArtifactLoad, err)
		}
		want, ok := m.Files[name]
		if !ok {
			return nil, fmt.Errorf("artifact: manifest of %s lists no %s: %w", runID, name, types.ErrArtifactLoad)
		}
		if got := checksum(data); got != want.SHA256 {
			return nil, fmt.Errorf("artifact: %s/%s checksum %s, manifest says %s: %w", dir, name, got, want.SHA256, types.ErrArtifactLoad)
		}
		files[name] = data
	}

	clf, err := model.Load(bytes.NewReader(files[ModelFile]))
	if err != nil {
		return nil, fmt.Errorf("artifact: run %s: %w", runID, err)
	}
	var sc scalerFile
	if err := json.Unmarshal(files[ScalerFile], &sc); err != nil {
		return nil, fmt.Errorf("artifact: decode %s of %s: %w: %w", ScalerFile, runID, types.ErrArtifactLoad, err)
	}
	if sc.Normalizer == nil {
		return nil, fmt.Errorf("artifact: %s of %s holds no parameters: %w", ScalerFile, runID, types.ErrArtifactLoad)
	}
	var lf labelsFile
	if err := json.Unmarshal(files[LabelsFile], &lf); err != nil {
		return nil, fmt.Errorf("artifact: decode %s of %s: %w: %w", LabelsFile, runID, types.ErrArtifactLoad, err)
	}
	if lf.Codec == nil {
		return nil, fmt.Errorf("artifact: %s of %s holds no categories: %w", LabelsFile, runID, types.ErrArtifactLoad)
	}
	if lf.CategoryCount != lf.Codec.Len() {
		return nil, fmt.Errorf("artifact: %s declares %d categories but lists %d: %w", LabelsFile, lf.CategoryCount, lf.Codec.Len(), types.ErrShapeMismatch)
	}
	if !sc.Schema.Equal(m.Features.Schema()) {
		return nil, fmt.Errorf("artifact: scaler schema differs from the run's feature configuration: %w", types.ErrShapeMismatch)
	}
	if m.TimeSteps != sc.TimeSteps || m.FeatureCount != sc.FeatureCount || m.CategoryCount != lf.Codec.Len() {
		return nil, fmt.Errorf("artifact: manifest shape (%d, %d, %d) differs from artifacts (%d, %d, %d): %w",
			m.TimeSteps, m.FeatureCount, m.CategoryCount, sc.TimeSteps, sc.FeatureCount, lf.Codec.Len(), types.ErrShapeMismatch)
	}

	b := &Bundle{
		RunID:      runID,
		Audio:      m.Audio,
		Features:   m.Features,
		Normalizer: sc.Normalizer,
		Labels:     lf.Codec,
		Classifier: clf,
		Metrics:    m.Metrics,
		Manifest:   m,
	}
	if err := b.Check(); err != nil {
		return nil, err
	}
	return b, nil
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
