package main

import (
	"context"
	"time"

	"tumorclf/internal/events"
	"tumorclf/internal/predictor"
	"tumorclf/internal/preprocess"
	"tumorclf/internal/trainer"
)

// runTraining builds the backbone and trainer from a.cfg and runs one
// training job.
func runTraining(ctx context.Context, a *app) (*trainer.Result, error) {
	c := a.cfg
	interp, err := preprocess.ParseInterpolation(c.Train.Interpolation)
	if err != nil {
		return nil, err
	}
	bb, err := buildBackbone(c.Backbone)
	if err != nil {
		return nil, err
	}
	dropout := trainer.DefaultDropoutRate
	if c.Train.DropoutRate != nil {
		dropout = *c.Train.DropoutRate
	}
	tr := trainer.New(trainer.Config{
		Epochs:       c.Train.Epochs,
		BatchSize:    c.Train.BatchSize,
		LearningRate: c.Train.LearningRate,
		HiddenUnits:  c.Train.HiddenUnits,
		DropoutRate:  dropout,
		Seed:         c.Train.Seed,
		Workers:      c.Train.Workers,
		Preprocess:   preprocess.Options{Interpolation: interp},
		Augment:      c.Train.Augment,
		NoAugment:    c.Train.NoAugment,
		Backbone:     bb,
		ArtifactPath: c.Train.Artifact,
		HistoryPath:  c.Train.History,
		Logger:       a.log,
		Events:       events.LogPublisher{Logger: a.log},
	})
	res, err := tr.Train(ctx, c.Train.TrainDir, c.Train.ValDir)
	if err != nil {
		_ = bb.Close()
		return nil, err
	}
	return res, nil
}

// serviceConfig maps the server section onto the prediction service.
func serviceConfig(a *app) predictor.ServiceConfig {
	s := a.cfg.Server
	return predictor.ServiceConfig{
		ArtifactPath:  s.Artifact,
		Load:          loadOptions(a),
		MaxInflight:   s.MaxInflight,
		MaxQueueDepth: s.MaxQueueDepth,
		MaxWait:       time.Duration(s.MaxWaitMs) * time.Millisecond,
		CacheTTL:      time.Duration(s.CacheTTLSeconds) * time.Second,
		CacheSize:     s.CacheSize,
		Logger:        a.log,
		Events:        events.LogPublisher{Logger: a.log},
	}
}
