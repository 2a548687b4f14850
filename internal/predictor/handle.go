package predictor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/cenkalti/backoff"

	"tumorclf/internal/clferr"
	"tumorclf/internal/model"
	"tumorclf/internal/preprocess"
)

// Result is one prediction. Confidence is the raw probability of Label.
type Result struct {
	Label        string
	Confidence   float64
	Distribution map[string]float64
}

// FormatConfidence renders a probability as a percentage with two decimals,
// e.g. 0.97123 -> "97.12%".
func FormatConfidence(c float64) string {
	return fmt.Sprintf("%.2f%%", c*100)
}

// Handle is a loaded artifact. It is immutable and safe for concurrent
// Predict calls; share one per process.
type Handle struct {
	clf  *model.Classifier
	meta model.Metadata
	path string
}

// NewHandle wraps an in-memory classifier, e.g. one just returned by training.
func NewHandle(clf *model.Classifier, meta model.Metadata) (*Handle, error) {
	if clf == nil {
		return nil, clferr.ErrModelNotLoaded()
	}
	if err := clf.Validate(); err != nil {
		return nil, err
	}
	return &Handle{clf: clf, meta: meta}, nil
}

// retryDelay is the pause before the single retry of a failed artifact read.
var retryDelay = 200 * time.Millisecond

// Load reads and decodes the artifact at path. A transient read error is
// retried once; missing files and permission errors are not.
func Load(ctx context.Context, path string, opts model.LoadOptions) (*Handle, error) {
	var b []byte
	op := func() error {
		var err error
		b, err = os.ReadFile(path)
		if err != nil && (errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission)) {
			return backoff.Permanent(err)
		}
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(retryDelay), 1), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, clferr.ErrArtifactLoad(path, err)
	}
	clf, meta, err := model.DecodeArtifact(path, b, opts)
	if err != nil {
		return nil, err
	}
	return &Handle{clf: clf, meta: meta, path: path}, nil
}

func (h *Handle) loaded() bool { return h != nil && h.clf != nil }

// Labels returns the index->label map in output order.
func (h *Handle) Labels() []string {
	if !h.loaded() {
		return nil
	}
	return append([]string(nil), h.clf.Labels...)
}

func (h *Handle) Metadata() model.Metadata {
	if !h.loaded() {
		return model.Metadata{}
	}
	return h.meta
}

func (h *Handle) Path() string {
	if h == nil {
		return ""
	}
	return h.path
}

func (h *Handle) Classifier() *model.Classifier {
	if h == nil {
		return nil
	}
	return h.clf
}

// Predict reads one encoded image from r and classifies it.
func (h *Handle) Predict(ctx context.Context, r io.Reader) (Result, error) {
	if !h.loaded() {
		return Result{}, clferr.ErrModelNotLoaded()
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return Result{}, fmt.Errorf("read image: %w", err)
	}
	return h.PredictBytes(ctx, b)
}

// PredictFile classifies the image stored at path.
func (h *Handle) PredictFile(ctx context.Context, path string) (Result, error) {
	if !h.loaded() {
		return Result{}, clferr.ErrModelNotLoaded()
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Result{}, err
	}
	return h.PredictBytes(ctx, b)
}

// PredictBytes classifies an in-memory encoded image. Decode and format
// errors are returned unchanged.
func (h *Handle) PredictBytes(ctx context.Context, b []byte) (Result, error) {
	if !h.loaded() {
		return Result{}, clferr.ErrModelNotLoaded()
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	im, err := preprocess.LoadBytes(b, h.clf.Preprocess)
	if err != nil {
		return Result{}, err
	}
	return h.PredictImage(im)
}

// PredictImage classifies an already preprocessed image.
func (h *Handle) PredictImage(im preprocess.Image) (Result, error) {
	if !h.loaded() {
		return Result{}, clferr.ErrModelNotLoaded()
	}
	dist, err := h.clf.Distribution(im)
	if err != nil {
		return Result{}, err
	}
	return h.result(dist), nil
}

// PredictTensor classifies every image of a batch.
func (h *Handle) PredictTensor(t *preprocess.Tensor) ([]Result, error) {
	if !h.loaded() {
		return nil, clferr.ErrModelNotLoaded()
	}
	dists, err := h.clf.PredictTensor(t)
	if err != nil {
		return nil, err
	}
	out := make([]Result, len(dists))
	for i, d := range dists {
		out[i] = h.result(d)
	}
	return out, nil
}

func (h *Handle) result(dist []float64) Result {
	best := model.Argmax(dist)
	m := make(map[string]float64, len(dist))
	for i, p := range dist {
		m[h.clf.Labels[i]] = p
	}
	return Result{Label: h.clf.Labels[best], Confidence: dist[best], Distribution: m}
}

func (h *Handle) Close() error {
	if !h.loaded() {
		return nil
	}
	return h.clf.Close()
}
