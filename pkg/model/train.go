package model

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"runtime"
	"time"

	"github.com/MrWong99/telepathy/pkg/types"
	"golang.org/x/sync/errgroup"
)

// TrainConfig controls [Classifier.Fit].
type TrainConfig struct {
	Epochs       int
	BatchSize    int
	LearningRate float64

	// Patience is the number of epochs without improvement of the monitored
	// loss before training stops early. Zero disables early stopping.
	Patience int

	// ClipNorm bounds the global gradient norm of each update. Zero disables
	// clipping.
	ClipNorm float64

	// Seed drives shuffling and dropout.
	Seed uint64

	// Workers bounds the goroutines computing per-example gradients. Zero
	// means GOMAXPROCS.
	Workers int

	// OnEpoch, if set, is called after every epoch.
	OnEpoch func(EpochStats)
}

// DefaultTrainConfig returns 50 epochs of batch 16 at learning rate 1e-3
// with patience 10 and clip norm 5.
func DefaultTrainConfig() TrainConfig {
	return TrainConfig{
		Epochs:       50,
		BatchSize:    16,
		LearningRate: 1e-3,
		Patience:     10,
		ClipNorm:     5,
		Seed:         42,
	}
}

// EpochStats summarises one epoch. Loss and Accuracy are running averages
// over the epoch's mini-batches (with dropout active).
type EpochStats struct {
	Epoch         int           `json:"epoch"`
	Loss          float64       `json:"loss"`
	Accuracy      float64       `json:"accuracy"`
	ValLoss       float64       `json:"val_loss,omitempty"`
	ValAccuracy   float64       `json:"val_accuracy,omitempty"`
	HasValidation bool          `json:"has_validation"`
	Checkpointed  bool          `json:"checkpointed"`
	Duration      time.Duration `json:"duration"`
}

// History is the outcome of [Classifier.Fit].
type History struct {
	Epochs       []EpochStats `json:"epochs"`
	BestEpoch    int          `json:"best_epoch"`
	StoppedEarly bool         `json:"stopped_early"`
}

// Best returns the stats of the checkpointed epoch.
func (h History) Best() EpochStats {
	for _, e := range h.Epochs {
		if e.Epoch == h.BestEpoch {
			return e
		}
	}
	return EpochStats{}
}

// Fit trains the classifier on train, using val (which may be empty) as the
// held-out set. After the last epoch the weights of the best checkpoint are
// restored and the classifier moves to [StateTrained].
//
// With a validation set the checkpoint keeps the highest validation accuracy
// (ties go to the lower validation loss) and early stopping watches the
// validation loss. Without one, both watch the training loss.
func (c *Classifier) Fit(ctx context.Context, train, val []Sample, cfg TrainConfig) (History, error) {
	if len(train) == 0 {
		return History{}, fmt.Errorf("model: fit: %w", types.ErrNoTrainableData)
	}
	if cfg.Epochs <= 0 || cfg.BatchSize <= 0 || cfg.LearningRate <= 0 {
		return History{}, fmt.Errorf("model: invalid train config: epochs=%d batch=%d lr=%g", cfg.Epochs, cfg.BatchSize, cfg.LearningRate)
	}
	for _, set := range [][]Sample{train, val} {
		if err := c.checkSamples(set); err != nil {
			return History{}, err
		}
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x2545f4914f6cdd1d))
	opt := newAdam(c.w.params(), cfg.LearningRate)
	grads := c.w.zerosLike()
	slots := make([]weights, cfg.BatchSize)
	for i := range slots {
		slots[i] = c.w.zerosLike()
	}

	order := make([]int, len(train))
	for i := range order {
		order[i] = i
	}

	mon := newMonitor(len(val) > 0, cfg.Patience)
	var hist History
	best := c.w.clone()

	for epoch := 1; epoch <= cfg.Epochs; epoch++ {
		start := time.Now()
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

		var lossSum float64
		var correct int
		for b := 0; b < len(order); b += cfg.BatchSize {
			if err := ctx.Err(); err != nil {
				return hist, err
			}
			batch := order[b:min(b+cfg.BatchSize, len(order))]
			masks := make([]dropoutMasks, len(batch))
			for i := range batch {
				masks[i] = c.drawMasks(rng)
			}

			losses := make([]float64, len(batch))
			preds := make([]int, len(batch))
			var g errgroup.Group
			g.SetLimit(workers)
			for i, idx := range batch {
				g.Go(func() error {
					slots[i].reset()
					losses[i], preds[i] = c.backprop(train[idx], masks[i], &slots[i])
					return nil
				})
			}
			_ = g.Wait()

			grads.reset()
			gp := grads.params()
			for i, idx := range batch {
				for k, p := range slots[i].params() {
					for j, v := range p {
						gp[k][j] += v
					}
				}
				lossSum += losses[i]
				if preds[i] == train[idx].Y {
					correct++
				}
			}
			scale := 1 / float64(len(batch))
			for _, p := range gp {
				for j := range p {
					p[j] *= scale
				}
			}
			clipGlobalNorm(gp, cfg.ClipNorm)
			opt.step(c.w.params(), gp)
		}

		stats := EpochStats{
			Epoch:    epoch,
			Loss:     lossSum / float64(len(train)),
			Accuracy: float64(correct) / float64(len(train)),
		}
		if len(val) > 0 {
			stats.HasValidation = true
			stats.ValLoss, stats.ValAccuracy = c.evaluate(val, workers)
		}
		if math.IsNaN(stats.Loss) {
			return hist, fmt.Errorf("model: training diverged at epoch %d", epoch)
		}

		improved, stop := mon.observe(stats)
		if improved {
			best = c.w.clone()
			hist.BestEpoch = epoch
			stats.Checkpointed = true
		}
		stats.Duration = time.Since(start)
		hist.Epochs = append(hist.Epochs, stats)
		if cfg.OnEpoch != nil {
			cfg.OnEpoch(stats)
		}
		if stop {
			hist.StoppedEarly = true
			break
		}
	}

	c.w = best
	c.state = StateTrained
	return hist, nil
}

// Evaluate returns the mean cross-entropy and accuracy of the inference
// pass over samples.
func (c *Classifier) Evaluate(samples []Sample) (loss, accuracy float64, err error) {
	if c.state != StateTrained {
		return 0, 0, fmt.Errorf("model: evaluate: %w", types.ErrArtifactNotLoaded)
	}
	if len(samples) == 0 {
		return 0, 0, nil
	}
	if err := c.checkSamples(samples); err != nil {
		return 0, 0, err
	}
	loss, accuracy = c.evaluate(samples, runtime.GOMAXPROCS(0))
	return loss, accuracy, nil
}

func (c *Classifier) evaluate(samples []Sample, workers int) (float64, float64) {
	losses := make([]float64, len(samples))
	hits := make([]bool, len(samples))
	var g errgroup.Group
	g.SetLimit(workers)
	for i, s := range samples {
		g.Go(func() error {
			p := c.forward(s.X)
			losses[i] = crossEntropy(p, s.Y)
			hits[i] = argmax(p) == s.Y
			return nil
		})
	}
	_ = g.Wait()

	var loss float64
	var correct int
	for i := range samples {
		loss += losses[i]
		if hits[i] {
			correct++
		}
	}
	n := float64(len(samples))
	return loss / n, float64(correct) / n
}

func (c *Classifier) checkSamples(samples []Sample) error {
	for i, s := range samples {
		if len(s.X) != c.arch.InputLen() {
			return fmt.Errorf("model: sample %d has length %d, want %d: %w", i, len(s.X), c.arch.InputLen(), types.ErrShapeMismatch)
		}
		if s.Y < 0 || s.Y >= c.arch.Classes {
			return fmt.Errorf("model: sample %d has class %d outside [0, %d): %w", i, s.Y, c.arch.Classes, types.ErrUnknownLabel)
		}
	}
	return nil
}

// monitor implements the checkpoint and early-stopping policies.
type monitor struct {
	useVal   bool
	patience int

	bestAcc  float64
	bestLoss float64 // loss of the checkpointed epoch

	stopBest float64 // best monitored loss for early stopping
	wait     int
}

func newMonitor(useVal bool, patience int) *monitor {
	return &monitor{
		useVal:   useVal,
		patience: patience,
		bestAcc:  math.Inf(-1),
		bestLoss: math.Inf(1),
		stopBest: math.Inf(1),
	}
}

// observe returns whether the epoch becomes the new checkpoint and whether
// training should stop.
func (m *monitor) observe(s EpochStats) (improved, stop bool) {
	loss := s.Loss
	if m.useVal {
		loss = s.ValLoss
		if s.ValAccuracy > m.bestAcc || (s.ValAccuracy == m.bestAcc && loss < m.bestLoss) {
			m.bestAcc, m.bestLoss = s.ValAccuracy, loss
			improved = true
		}
	} else if loss < m.bestLoss {
		m.bestLoss = loss
		improved = true
	}

	if loss < m.stopBest {
		m.stopBest = loss
		m.wait = 0
	} else {
		m.wait++
	}
	stop = m.patience > 0 && m.wait >= m.patience
	return improved, stop
}
