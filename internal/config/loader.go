package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/MrWong99/telepathy/internal/corpus"
	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of [Default] and
// validates the result. An empty document yields the defaults.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills fields that were explicitly zeroed or left empty and
// have no meaningful zero value.
func ApplyDefaults(cfg *Config) {
	def := Default()
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = def.Server.ListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = def.Server.LogLevel
	}
	if cfg.Server.MaxUploadBytes == 0 {
		cfg.Server.MaxUploadBytes = def.Server.MaxUploadBytes
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = def.Server.ShutdownTimeout
	}
	if len(cfg.Train.Categories) == 0 {
		cfg.Train.Categories = def.Train.Categories
	}
	for i := range cfg.Train.Corpora {
		if cfg.Train.Corpora[i].Layout == "" {
			cfg.Train.Corpora[i].Layout = corpus.LayoutDirectory
		}
	}
	if cfg.Artifacts.Backend == "" {
		cfg.Artifacts.Backend = def.Artifacts.Backend
	}
	if cfg.History.MemoryLimit == 0 {
		cfg.History.MemoryLimit = def.History.MemoryLimit
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = def.Telemetry.ServiceName
	}
	if cfg.Telemetry.MetricsPath == "" {
		cfg.Telemetry.MetricsPath = def.Telemetry.MetricsPath
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.MaxUploadBytes < 0 {
		errs = append(errs, fmt.Errorf("server.max_upload_bytes must not be negative, got %d", cfg.Server.MaxUploadBytes))
	}
	if cfg.Server.ReadTimeout < 0 || cfg.Server.WriteTimeout < 0 || cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, errors.New("server timeouts must not be negative"))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Audio
	if cfg.Audio.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate must be positive, got %d", cfg.Audio.SampleRate))
	}
	if cfg.Audio.MaxDuration <= 0 {
		errs = append(errs, fmt.Errorf("audio.max_duration must be positive, got %s", cfg.Audio.MaxDuration))
	}

	// Features
	if err := cfg.Features.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("features: %w", err))
	} else if minRate := cfg.Features.MinSampleRate(); cfg.Audio.SampleRate > 0 && cfg.Audio.SampleRate < minRate {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d is too low for the contrast bands; need at least %d", cfg.Audio.SampleRate, minRate))
	}
	if err := cfg.Augment.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("augment: %w", err))
	}

	// Train
	errs = append(errs, validateTrain(&cfg.Train)...)

	// Artifacts
	switch {
	case !cfg.Artifacts.Backend.IsValid():
		errs = append(errs, fmt.Errorf("artifacts.backend %q is invalid; valid values: local, s3", cfg.Artifacts.Backend))
	case cfg.Artifacts.Backend == BackendLocal && cfg.Artifacts.Dir == "":
		errs = append(errs, errors.New("artifacts.dir is required when backend is local"))
	case cfg.Artifacts.Backend == BackendS3 && cfg.Artifacts.Bucket == "":
		errs = append(errs, errors.New("artifacts.bucket is required when backend is s3"))
	}

	// History
	if cfg.History.MemoryLimit < 0 {
		errs = append(errs, fmt.Errorf("history.memory_limit must not be negative, got %d", cfg.History.MemoryLimit))
	}
	if cfg.History.Enabled && cfg.History.PostgresDSN == "" {
		slog.Debug("history.postgres_dsn is empty; prediction history is kept in memory only")
	}

	// Telemetry
	if !strings.HasPrefix(cfg.Telemetry.MetricsPath, "/") {
		errs = append(errs, fmt.Errorf("telemetry.metrics_path %q must start with /", cfg.Telemetry.MetricsPath))
	}

	return errors.Join(errs...)
}

func validateTrain(t *TrainConfig) []error {
	var errs []error
	for i, c := range t.Corpora {
		prefix := fmt.Sprintf("train.corpora[%d]", i)
		if c.Path == "" {
			errs = append(errs, fmt.Errorf("%s.path is required", prefix))
		}
		if !c.Layout.IsValid() {
			errs = append(errs, fmt.Errorf("%s.layout %q is invalid; valid values: directory, ravdess, cremad", prefix, c.Layout))
		}
	}

	seen := make(map[string]int, len(t.Categories))
	for i, name := range t.Categories {
		if name == "" {
			errs = append(errs, fmt.Errorf("train.categories[%d] is empty", i))
			continue
		}
		if prev, ok := seen[name]; ok {
			errs = append(errs, fmt.Errorf("train.categories[%d] %q is a duplicate of train.categories[%d]", i, name, prev))
		}
		seen[name] = i
	}
	if len(seen) == 1 {
		errs = append(errs, errors.New("train.categories needs at least two entries"))
	}

	if t.Epochs <= 0 {
		errs = append(errs, fmt.Errorf("train.epochs must be positive, got %d", t.Epochs))
	}
	if t.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("train.batch_size must be positive, got %d", t.BatchSize))
	}
	if t.Patience < 0 {
		errs = append(errs, fmt.Errorf("train.patience must not be negative, got %d", t.Patience))
	}
	if t.LearningRate <= 0 {
		errs = append(errs, fmt.Errorf("train.learning_rate must be positive, got %g", t.LearningRate))
	}
	if t.ClipNorm < 0 {
		errs = append(errs, fmt.Errorf("train.clip_norm must not be negative, got %g", t.ClipNorm))
	}
	if t.ValidationSplit < 0 || t.ValidationSplit >= 1 {
		errs = append(errs, fmt.Errorf("train.validation_split must be in [0, 1), got %g", t.ValidationSplit))
	}
	if t.Workers < 0 {
		errs = append(errs, fmt.Errorf("train.workers must not be negative, got %d", t.Workers))
	}
	if t.Hidden1 <= 0 || t.Hidden2 <= 0 {
		errs = append(errs, fmt.Errorf("train.hidden1 and train.hidden2 must be positive, got %d and %d", t.Hidden1, t.Hidden2))
	}
	if t.Dropout < 0 || t.Dropout >= 1 {
		errs = append(errs, fmt.Errorf("train.dropout must be in [0, 1), got %g", t.Dropout))
	}
	return errs
}

// SortedCategories returns the configured categories in the order the
// label codec assigns indices.
func (t TrainConfig) SortedCategories() []string {
	out := slices.Clone(t.Categories)
	slices.Sort(out)
	return slices.Compact(out)
}
