// Package trainer is a small training loop that fits a parameter vector to a
// benchmark objective, one mayfly run per epoch. It reports loss and val_loss
// to registered listeners after every epoch.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/cwbudde/sizif/internal/metrics"
	"github.com/cwbudde/sizif/internal/opt"
	"github.com/cwbudde/sizif/internal/retention"
)

// validationShift offsets every parameter before evaluating val_loss, so the
// validation metric measures the objective around the fitted point rather
// than at it.
const validationShift = 0.05

// Config holds training parameters.
type Config struct {
	Objective     string
	Dim           int
	Epochs        int
	ItersPerEpoch int
	PopSize       int
	Seed          int64
	Lower         float64
	Upper         float64
	// Shrink scales the search radius around the current parameters after
	// each epoch. Zero selects 0.7.
	Shrink float64
	// Patience and Threshold configure early stopping on val_loss. Zero
	// patience trains all epochs.
	Patience  int
	Threshold float64
}

func (c Config) validate() error {
	if c.Dim <= 0 {
		return fmt.Errorf("dimension must be positive, got %d", c.Dim)
	}
	if c.Epochs <= 0 {
		return fmt.Errorf("epochs must be positive, got %d", c.Epochs)
	}
	if c.ItersPerEpoch <= 0 {
		return fmt.Errorf("iterations per epoch must be positive, got %d", c.ItersPerEpoch)
	}
	if !(c.Lower < c.Upper) {
		return fmt.Errorf("lower bound %g must be below upper bound %g", c.Lower, c.Upper)
	}
	if c.Shrink < 0 || c.Shrink > 1 {
		return fmt.Errorf("shrink must be within [0, 1], got %g", c.Shrink)
	}
	if c.Patience < 0 || c.Threshold < 0 {
		return fmt.Errorf("patience and threshold must not be negative")
	}
	return nil
}

// Trainer runs epochs over a Model and notifies listeners.
type Trainer struct {
	cfg          Config
	objective    opt.Objective
	model        *Model
	listeners    []retention.Listener
	newOptimizer func(seed int64) opt.Optimizer
}

// New creates a trainer. A nil model starts from scratch.
func New(cfg Config, model *Model) (*Trainer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	objective, err := opt.LookupObjective(cfg.Objective)
	if err != nil {
		return nil, err
	}
	if cfg.Shrink == 0 {
		cfg.Shrink = 0.7
	}
	if model == nil {
		model = &Model{}
	}
	if model.Objective == "" {
		model.Objective = cfg.Objective
	}
	if len(model.Params) != 0 && len(model.Params) != cfg.Dim {
		return nil, fmt.Errorf("model has %d parameters, training expects %d", len(model.Params), cfg.Dim)
	}

	return &Trainer{
		cfg:       cfg,
		objective: objective,
		model:     model,
		newOptimizer: func(seed int64) opt.Optimizer {
			return opt.NewMayfly(cfg.ItersPerEpoch, cfg.PopSize, seed)
		},
	}, nil
}

// Register adds a listener. Listeners are called in registration order.
func (t *Trainer) Register(l retention.Listener) {
	t.listeners = append(t.listeners, l)
}

// Model returns the model being trained.
func (t *Trainer) Model() *Model { return t.model }

// Run trains epochs startEpoch+1 through cfg.Epochs. An error returned by a
// listener stops training.
func (t *Trainer) Run(ctx context.Context, startEpoch int) error {
	if startEpoch < 0 {
		startEpoch = 0
	}
	stop := &EarlyStop{Patience: t.cfg.Patience, Threshold: t.cfg.Threshold}
	if startEpoch >= t.cfg.Epochs {
		slog.Info("Training already complete", "epoch", startEpoch, "epochs", t.cfg.Epochs)
		return nil
	}

	slog.Info("Starting training",
		"objective", t.cfg.Objective,
		"dim", t.cfg.Dim,
		"start_epoch", startEpoch+1,
		"epochs", t.cfg.Epochs)

	for epoch := startEpoch + 1; epoch <= t.cfg.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		for _, l := range t.listeners {
			if err := l.BeginIteration(ctx, epoch); err != nil {
				return fmt.Errorf("epoch %d: %w", epoch, err)
			}
		}

		start := time.Now()
		if err := t.step(epoch); err != nil {
			return fmt.Errorf("epoch %d: %w", epoch, err)
		}
		metrics.TrainingIteration.Set(float64(epoch))

		slog.Info("Epoch complete",
			"epoch", epoch,
			"loss", t.model.Loss,
			"val_loss", t.model.ValLoss,
			"elapsed", time.Since(start))

		ev := retention.IterationEvent{
			Iteration: epoch,
			Metrics: map[string]float64{
				"loss":     t.model.Loss,
				"val_loss": t.model.ValLoss,
			},
		}
		for _, l := range t.listeners {
			if err := l.EndIteration(ctx, ev); err != nil {
				return fmt.Errorf("epoch %d: %w", epoch, err)
			}
		}

		if stop.Update(t.model.ValLoss) {
			slog.Info("Early stopping", "epoch", epoch, "stale_epochs", stop.Stale(), "val_loss", t.model.ValLoss)
			return nil
		}
	}
	return nil
}

// step runs one optimizer pass and keeps the result when it improves the
// current loss.
func (t *Trainer) step(epoch int) error {
	lower, upper := t.searchBox(epoch)
	res, err := t.newOptimizer(t.cfg.Seed + int64(epoch)).Run(t.objective, lower, upper)
	if err != nil {
		return err
	}
	if len(res.Position) != t.cfg.Dim {
		return errors.New("optimizer returned a position of the wrong dimension")
	}

	if len(t.model.Params) == 0 || res.Cost < t.objective(t.model.Params) {
		t.model.Params = res.Position
	}
	t.model.Epoch = epoch
	t.model.Loss = t.objective(t.model.Params)
	t.model.ValLoss = t.objective(shifted(t.model.Params, validationShift))
	return nil
}

// searchBox returns the bounds for epoch: the full box until parameters
// exist, then a box around them that shrinks every epoch.
func (t *Trainer) searchBox(epoch int) (lower, upper []float64) {
	lower = make([]float64, t.cfg.Dim)
	upper = make([]float64, t.cfg.Dim)
	if len(t.model.Params) == 0 {
		for i := range lower {
			lower[i], upper[i] = t.cfg.Lower, t.cfg.Upper
		}
		return lower, upper
	}

	radius := (t.cfg.Upper - t.cfg.Lower) / 2 * math.Pow(t.cfg.Shrink, float64(epoch-1))
	for i, p := range t.model.Params {
		lower[i] = math.Max(t.cfg.Lower, p-radius)
		upper[i] = math.Min(t.cfg.Upper, p+radius)
	}
	return lower, upper
}

func shifted(x []float64, by float64) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = v + by
	}
	return out
}
