package main

import (
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"tumorclf/internal/preprocess"
	"tumorclf/internal/trainer"
)

func newTrainCmd(a *app) *cobra.Command {
	var (
		trainDir, valDir, out, history string
		epochs, batch, workers         int
		lr, dropout                    float64
		seed                           uint64
		interp                         string
		noAugment                      bool
		backbone, weights, onnxModel   string
		onnxLib                        string
	)
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Fit the classifier head on a class-per-directory corpus",
		Example: "  tumorclf train --train-dir data/Training --val-dir data/Testing --out model.tmr\n" +
			"  tumorclf train --config tumorclf.yaml --epochs 3",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := cmd.Flags()
			c := &a.cfg
			if f.Changed("train-dir") {
				c.Train.TrainDir = trainDir
			}
			if f.Changed("val-dir") {
				c.Train.ValDir = valDir
			}
			if f.Changed("out") {
				c.Train.Artifact = out
			}
			if f.Changed("history") {
				c.Train.History = history
			}
			if f.Changed("epochs") {
				c.Train.Epochs = epochs
			}
			if f.Changed("batch-size") {
				c.Train.BatchSize = batch
			}
			if f.Changed("workers") {
				c.Train.Workers = workers
			}
			if f.Changed("lr") {
				c.Train.LearningRate = lr
			}
			if f.Changed("dropout") {
				c.Train.DropoutRate = &dropout
			}
			if f.Changed("seed") {
				c.Train.Seed = seed
			}
			if f.Changed("interpolation") {
				c.Train.Interpolation = interp
			}
			if f.Changed("no-augment") {
				c.Train.NoAugment = noAugment
			}
			if f.Changed("backbone") {
				c.Backbone.Kind = backbone
			}
			if f.Changed("backbone-weights") {
				c.Backbone.Weights = weights
			}
			if f.Changed("onnx-model") {
				c.Backbone.ModelPath = onnxModel
			}
			if f.Changed("onnx-lib") {
				c.Backbone.ONNX.LibraryPath = onnxLib
			}
			if err := a.finalize(cmd.ErrOrStderr()); err != nil {
				return err
			}
			if c.Train.TrainDir == "" || c.Train.ValDir == "" {
				return errors.New("train: --train-dir and --val-dir are required")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			res, err := runTraining(ctx, a)
			if err != nil {
				return err
			}
			defer res.Classifier.Close()
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Test Accuracy: %.2f%%\n", res.TestAccuracy*100)
			fmt.Fprintf(w, "Model saved to %s\n", res.ArtifactPath)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&trainDir, "train-dir", "", "Training corpus, one subdirectory per class")
	f.StringVar(&valDir, "val-dir", "", "Validation corpus with the same classes")
	f.StringVar(&out, "out", "", "Artifact output path")
	f.StringVar(&history, "history", "", "Optional JSON training history output")
	f.IntVar(&epochs, "epochs", trainer.DefaultEpochs, "Training epochs")
	f.IntVar(&batch, "batch-size", trainer.DefaultBatchSize, "Batch size")
	f.IntVar(&workers, "workers", 0, "Parallel image loaders (0 = GOMAXPROCS)")
	f.Float64Var(&lr, "lr", trainer.DefaultLearningRate, "Adam learning rate")
	f.Float64Var(&dropout, "dropout", trainer.DefaultDropoutRate, "Head dropout rate during training, in [0, 1)")
	f.Uint64Var(&seed, "seed", 0, "Seed for shuffling, augmentation, dropout and head init")
	f.StringVar(&interp, "interpolation", string(preprocess.Nearest), "Resize kernel: nearest|bilinear|lanczos3")
	f.BoolVar(&noAugment, "no-augment", false, "Disable training-time augmentation")
	f.StringVar(&backbone, "backbone", "conv", "Frozen feature extractor: conv (seeded random filters, not pretrained) | onnx (pretrained model from --onnx-model)")
	f.StringVar(&weights, "backbone-weights", "", "Conv backbone weights written by init-backbone")
	f.StringVar(&onnxModel, "onnx-model", "", "ONNX feature extractor (with --backbone onnx)")
	f.StringVar(&onnxLib, "onnx-lib", "", "Path to the onnxruntime shared library")
	return cmd
}
