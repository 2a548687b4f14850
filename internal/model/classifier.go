// Package model holds the two-stage classifier: a frozen Backbone that maps
// a preprocessed image to a feature map, and a trainable Head that maps the
// pooled features to a class distribution.
package model

import (
	"fmt"

	"tumorclf/internal/preprocess"
)

// Classifier composes both stages with the label order and preprocessing
// options it was trained with. It is read-only after construction and safe
// for concurrent use.
type Classifier struct {
	Labels     []string
	Backbone   Backbone
	Head       *Head
	Preprocess preprocess.Options
}

// Validate checks that the stages chain and the label map fits the head.
func (c *Classifier) Validate() error {
	if c.Backbone == nil || c.Head == nil {
		return fmt.Errorf("classifier is missing a stage")
	}
	if c.Backbone.Channels() != c.Head.In() {
		return fmt.Errorf("backbone produces %d channels, head expects %d", c.Backbone.Channels(), c.Head.In())
	}
	return ValidateLabels(c.Labels, c.Head.Classes())
}

// Features runs Stage A and pools the result.
func (c *Classifier) Features(img preprocess.Image) ([]float64, error) {
	fm, err := c.Backbone.Extract(img)
	if err != nil {
		return nil, err
	}
	return Pool(fm), nil
}

// Distribution is one inference-mode pass over a single image.
func (c *Classifier) Distribution(img preprocess.Image) ([]float64, error) {
	f, err := c.Features(img)
	if err != nil {
		return nil, err
	}
	return c.Head.Predict(f)
}

// PredictTensor returns one distribution per image of t.
func (c *Classifier) PredictTensor(t *preprocess.Tensor) ([][]float64, error) {
	out := make([][]float64, t.N)
	for i := 0; i < t.N; i++ {
		d, err := c.Distribution(t.At(i))
		if err != nil {
			return nil, fmt.Errorf("image %d: %w", i, err)
		}
		out[i] = d
	}
	return out, nil
}

func (c *Classifier) Close() error {
	if c.Backbone == nil {
		return nil
	}
	return c.Backbone.Close()
}
