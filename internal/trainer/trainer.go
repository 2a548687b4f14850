// Package trainer fits the classifier head on a class-per-directory image
// corpus and persists the result as a single artifact.
package trainer

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/moby/sys/atomicwriter"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"tumorclf/internal/augment"
	"tumorclf/internal/events"
	"tumorclf/internal/model"
	"tumorclf/internal/preprocess"
)

// Defaults applied when corresponding Config fields are unset.
const (
	DefaultEpochs       = 10
	DefaultBatchSize    = 32
	DefaultLearningRate = 0.001
	DefaultHiddenUnits  = 128
	DefaultDropoutRate  = 0.5
)

// Config holds every training tunable. Zero numeric fields take the
// defaults above, except DropoutRate where 0 disables dropout; start from
// DefaultConfig to get 0.5.
type Config struct {
	Epochs       int
	BatchSize    int
	LearningRate float64
	HiddenUnits  int
	DropoutRate  float64
	Seed         uint64
	Workers      int

	Preprocess preprocess.Options
	Augment    augment.Params
	NoAugment  bool
	// Backbone is the frozen Stage A. Nil builds a seeded ConvBackbone.
	Backbone model.Backbone

	// ArtifactPath and HistoryPath are skipped when empty.
	ArtifactPath string
	HistoryPath  string

	Logger zerolog.Logger
	Events events.Publisher
}

func DefaultConfig() Config {
	return Config{
		Epochs:       DefaultEpochs,
		BatchSize:    DefaultBatchSize,
		LearningRate: DefaultLearningRate,
		HiddenUnits:  DefaultHiddenUnits,
		DropoutRate:  DefaultDropoutRate,
		Preprocess:   preprocess.DefaultOptions(),
		Augment:      augment.DefaultParams(),
		Logger:       zerolog.Nop(),
	}
}

func (c *Config) applyDefaults() {
	if c.Epochs <= 0 {
		c.Epochs = DefaultEpochs
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.LearningRate <= 0 {
		c.LearningRate = DefaultLearningRate
	}
	if c.HiddenUnits <= 0 {
		c.HiddenUnits = DefaultHiddenUnits
	}
	if c.DropoutRate < 0 || c.DropoutRate >= 1 {
		c.DropoutRate = DefaultDropoutRate
	}
	if c.Workers <= 0 {
		c.Workers = runtime.GOMAXPROCS(0)
	}
	if c.Preprocess.Interpolation == "" {
		c.Preprocess.Interpolation = preprocess.Nearest
	}
	c.Events = events.OrNoop(c.Events)
}

// EpochStats is one row of the training history.
type EpochStats struct {
	Epoch       int     `json:"epoch"`
	Loss        float64 `json:"loss"`
	Accuracy    float64 `json:"accuracy"`
	ValLoss     float64 `json:"val_loss"`
	ValAccuracy float64 `json:"val_accuracy"`
	Seconds     float64 `json:"seconds"`
}

// Result is what a finished run produced.
type Result struct {
	RunID        string
	Classifier   *model.Classifier
	Metadata     model.Metadata
	History      []EpochStats
	ArtifactPath string
	TestLoss     float64
	TestAccuracy float64
}

// StepsPerEpoch is floor(n/batch), and 1 when the corpus is smaller than a
// batch.
func StepsPerEpoch(n, batch int) int {
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	return max(1, n/batch)
}

type Trainer struct {
	cfg Config
	log zerolog.Logger
}

func New(cfg Config) *Trainer {
	cfg.applyDefaults()
	return &Trainer{cfg: cfg, log: cfg.Logger}
}

// Train runs the full procedure. ctx is only consulted before feature
// caching and at epoch boundaries: an epoch that has started always
// finishes. Integrity errors abort before any file is written.
func (t *Trainer) Train(ctx context.Context, trainDir, valDir string) (*Result, error) {
	cfg := t.cfg
	train, err := ScanCorpus(trainDir)
	if err != nil {
		return nil, fmt.Errorf("training corpus: %w", err)
	}
	val, err := ScanCorpus(valDir)
	if err != nil {
		return nil, fmt.Errorf("validation corpus: %w", err)
	}
	if err := checkCompatible(train, val); err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed+1))
	bb := cfg.Backbone
	if bb == nil {
		bb = model.NewConvBackbone(cfg.Seed)
	}
	clf := &model.Classifier{
		Labels:     train.Classes,
		Backbone:   bb,
		Head:       model.NewHead(bb.Channels(), cfg.HiddenUnits, len(train.Classes), cfg.DropoutRate, rng),
		Preprocess: cfg.Preprocess,
	}
	if err := clf.Validate(); err != nil {
		return nil, err
	}

	steps := StepsPerEpoch(len(train.Samples), cfg.BatchSize)
	t.log.Info().Str("run_id", runID).Strs("classes", train.Classes).
		Int("train_samples", len(train.Samples)).Int("val_samples", len(val.Samples)).
		Int("epochs", cfg.Epochs).Int("steps_per_epoch", steps).Str("backbone", string(bb.Kind())).
		Msg("training started")
	cfg.Events.Publish(events.Event{Name: "train_start", Subject: runID, Fields: map[string]any{
		"classes": train.Classes, "train_samples": len(train.Samples), "val_samples": len(val.Samples),
	}})

	valX, err := t.featurizeFiles(ctx, clf, val.Samples)
	if err != nil {
		return nil, fmt.Errorf("validation features: %w", err)
	}
	valLabels := labelsOf(val.Samples)

	gen, err := augment.NewGenerator(train.Samples, augment.GeneratorConfig{
		BatchSize:  cfg.BatchSize,
		Augment:    !cfg.NoAugment,
		Shuffle:    true,
		Params:     cfg.Augment,
		Preprocess: cfg.Preprocess,
		Seed:       cfg.Seed,
		Workers:    cfg.Workers,
	})
	if err != nil {
		return nil, err
	}
	opt := NewAdam(cfg.LearningRate)
	// epochs run to completion once started
	work := context.WithoutCancel(ctx)

	var history []EpochStats
	for epoch := 1; epoch <= cfg.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			t.log.Warn().Str("run_id", runID).Int("epoch", epoch).Msg("training canceled")
			return nil, err
		}
		start := time.Now()
		var lossSum float64
		var correct, seen int
		for s := 0; s < steps; s++ {
			batch, err := gen.Next(work)
			if err != nil {
				return nil, fmt.Errorf("epoch %d step %d: %w", epoch, s+1, err)
			}
			x, err := t.featurize(work, clf, batch.Images)
			if err != nil {
				return nil, fmt.Errorf("epoch %d step %d: %w", epoch, s+1, err)
			}
			y := model.OneHot(batch.Labels, len(clf.Labels))
			pass := clf.Head.Forward(x, model.ModeTraining, rng)
			lossSum += model.CrossEntropy(pass.P, y)
			correct += countCorrect(pass.P, batch.Labels)
			seen += len(batch.Labels)
			grads := clf.Head.Backward(pass, y)
			opt.Step(clf.Head.Params(), grads.Slices())
		}
		valLoss, valAcc := evaluate(clf.Head, valX, valLabels)
		st := EpochStats{
			Epoch:       epoch,
			Loss:        lossSum / float64(steps),
			Accuracy:    float64(correct) / float64(seen),
			ValLoss:     valLoss,
			ValAccuracy: valAcc,
			Seconds:     time.Since(start).Seconds(),
		}
		history = append(history, st)
		t.log.Info().Str("run_id", runID).Int("epoch", epoch).Int("of", cfg.Epochs).
			Float64("loss", st.Loss).Float64("accuracy", st.Accuracy).
			Float64("val_loss", st.ValLoss).Float64("val_accuracy", st.ValAccuracy).
			Msg("epoch finished")
		cfg.Events.Publish(events.Event{Name: "epoch_end", Subject: runID, Fields: map[string]any{
			"epoch": epoch, "loss": st.Loss, "val_accuracy": st.ValAccuracy,
		}})
	}

	testLoss, testAcc := evaluate(clf.Head, valX, valLabels)
	t.log.Info().Str("run_id", runID).Float64("test_loss", testLoss).
		Msgf("Test Accuracy: %.2f%%", testAcc*100)

	meta := model.Metadata{
		RunID:            runID,
		CreatedUnix:      time.Now().Unix(),
		Epochs:           cfg.Epochs,
		TrainSamples:     len(train.Samples),
		ValSamples:       len(val.Samples),
		FinalValAccuracy: testAcc,
	}
	res := &Result{
		RunID:        runID,
		Classifier:   clf,
		Metadata:     meta,
		History:      history,
		TestLoss:     testLoss,
		TestAccuracy: testAcc,
	}
	if cfg.ArtifactPath != "" {
		if err := model.SaveArtifact(cfg.ArtifactPath, clf, meta); err != nil {
			return nil, err
		}
		res.ArtifactPath = cfg.ArtifactPath
		t.log.Info().Str("run_id", runID).Str("path", cfg.ArtifactPath).Msg("artifact saved")
		cfg.Events.Publish(events.Event{Name: "artifact_saved", Subject: runID, Fields: map[string]any{"path": cfg.ArtifactPath}})
	}
	if cfg.HistoryPath != "" {
		if err := writeHistory(cfg.HistoryPath, history); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// featurize pools backbone features for every image of a batch.
func (t *Trainer) featurize(ctx context.Context, clf *model.Classifier, batch *preprocess.Tensor) (*mat.Dense, error) {
	x := mat.NewDense(batch.N, clf.Backbone.Channels(), nil)
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(t.cfg.Workers)
	for i := 0; i < batch.N; i++ {
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			f, err := clf.Features(batch.At(i))
			if err != nil {
				return err
			}
			x.SetRow(i, f)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return x, nil
}

// featurizeFiles loads unaugmented images and pools their features.
func (t *Trainer) featurizeFiles(ctx context.Context, clf *model.Classifier, samples []augment.Sample) (*mat.Dense, error) {
	x := mat.NewDense(len(samples), clf.Backbone.Channels(), nil)
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(t.cfg.Workers)
	for i, s := range samples {
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			im, err := preprocess.LoadFile(s.Path, clf.Preprocess)
			if err != nil {
				return err
			}
			f, err := clf.Features(im)
			if err != nil {
				return err
			}
			x.SetRow(i, f)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return x, nil
}

func labelsOf(samples []augment.Sample) []int {
	out := make([]int, len(samples))
	for i, s := range samples {
		out[i] = s.Label
	}
	return out
}

func evaluate(h *model.Head, x *mat.Dense, labels []int) (loss, acc float64) {
	pass := h.Forward(x, model.ModeInference, nil)
	loss = model.CrossEntropy(pass.P, model.OneHot(labels, h.Classes()))
	acc = float64(countCorrect(pass.P, labels)) / float64(len(labels))
	return loss, acc
}

func countCorrect(p *mat.Dense, labels []int) int {
	var n int
	for i, l := range labels {
		if model.Argmax(p.RawRowView(i)) == l {
			n++
		}
	}
	return n
}

func writeHistory(path string, history []EpochStats) error {
	b, err := json.MarshalIndent(history, "", "  ")
	if err != nil {
		return err
	}
	if err := atomicwriter.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write history %s: %w", path, err)
	}
	return nil
}
