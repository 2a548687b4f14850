package augment

import (
	"context"
	"errors"
	"math/rand/v2"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"

	"tumorclf/internal/preprocess"
)

// Sample is one labeled corpus file.
type Sample struct {
	Path  string
	Label int
}

// Batch pairs a tensor with the class index of every image in it.
type Batch struct {
	Images *preprocess.Tensor
	Labels []int
}

type GeneratorConfig struct {
	BatchSize  int
	Augment    bool
	Shuffle    bool
	Params     Params
	Preprocess preprocess.Options
	Seed       uint64
	// Workers bounds parallel image loading; 0 means GOMAXPROCS.
	Workers int
}

// Generator yields batches lazily and forever. Every pass over the corpus
// is one permutation; the trailing partial batch of a pass is dropped
// unless the corpus is smaller than one batch.
type Generator struct {
	mu      sync.Mutex
	samples []Sample
	cfg     GeneratorConfig
	rng     *rand.Rand
	order   []int
	pos     int
}

var ErrNoSamples = errors.New("augment: generator needs at least one sample")

func NewGenerator(samples []Sample, cfg GeneratorConfig) (*Generator, error) {
	if len(samples) == 0 {
		return nil, ErrNoSamples
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	g := &Generator{samples: append([]Sample(nil), samples...), cfg: cfg}
	g.Reset()
	return g, nil
}

// Reset restarts the sequence from its first batch.
func (g *Generator) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rng = rand.New(rand.NewPCG(g.cfg.Seed, g.cfg.Seed^0x9e3779b97f4a7c15))
	g.order = make([]int, len(g.samples))
	for i := range g.order {
		g.order[i] = i
	}
	g.pos = 0
	g.permute()
}

func (g *Generator) permute() {
	if g.cfg.Shuffle {
		g.rng.Shuffle(len(g.order), func(i, j int) { g.order[i], g.order[j] = g.order[j], g.order[i] })
	}
}

// BatchSize is the number of images per emitted batch.
func (g *Generator) BatchSize() int {
	return min(g.cfg.BatchSize, len(g.samples))
}

// StepsPerEpoch is floor(N/batch), at least 1.
func (g *Generator) StepsPerEpoch() int {
	return max(1, len(g.samples)/g.cfg.BatchSize)
}

// Next assembles the following batch.
func (g *Generator) Next(ctx context.Context) (*Batch, error) {
	g.mu.Lock()
	bs := g.BatchSize()
	if g.pos+bs > len(g.order) {
		g.pos = 0
		g.permute()
	}
	idx := append([]int(nil), g.order[g.pos:g.pos+bs]...)
	g.pos += bs
	// seeds are drawn in batch order under the lock so the output does not
	// depend on worker scheduling
	seeds := make([]uint64, bs)
	for i := range seeds {
		seeds[i] = g.rng.Uint64()
	}
	g.mu.Unlock()

	imgs := make([]preprocess.Image, bs)
	labels := make([]int, bs)
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(g.cfg.Workers)
	for i, si := range idx {
		s := g.samples[si]
		labels[i] = s.Label
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			im, err := preprocess.LoadFile(s.Path, g.cfg.Preprocess)
			if err != nil {
				return err
			}
			if g.cfg.Augment {
				rng := rand.New(rand.NewPCG(seeds[i], uint64(si)))
				im = g.cfg.Params.Sample(rng).Apply(im)
			}
			imgs[i] = im
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return &Batch{Images: preprocess.Batch(imgs...), Labels: labels}, nil
}
