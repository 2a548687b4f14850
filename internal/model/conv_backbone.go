package model

import (
	"fmt"
	"math"
	"math/rand/v2"
	"os"

	"github.com/fxamacker/cbor/v2"
	"github.com/moby/sys/atomicwriter"

	"tumorclf/internal/preprocess"
)

// ConvLayer is a square convolution with zero padding of Kernel/2 followed
// by ReLU6. Weights are laid out [out][ky][kx][in].
type ConvLayer struct {
	In      int       `cbor:"in"`
	Out     int       `cbor:"out"`
	Kernel  int       `cbor:"kernel"`
	Stride  int       `cbor:"stride"`
	Weights []float32 `cbor:"weights"`
	Bias    []float32 `cbor:"bias"`
}

func (l ConvLayer) validate() error {
	if l.In <= 0 || l.Out <= 0 || l.Kernel <= 0 || l.Stride <= 0 {
		return fmt.Errorf("conv layer has non-positive dimension %+v", [4]int{l.In, l.Out, l.Kernel, l.Stride})
	}
	if want := l.Out * l.Kernel * l.Kernel * l.In; len(l.Weights) != want {
		return fmt.Errorf("conv layer weights: have %d, want %d", len(l.Weights), want)
	}
	if len(l.Bias) != l.Out {
		return fmt.Errorf("conv layer bias: have %d, want %d", len(l.Bias), l.Out)
	}
	return nil
}

func (l ConvLayer) forward(in FeatureMap) FeatureMap {
	pad := l.Kernel / 2
	oh := (in.H+2*pad-l.Kernel)/l.Stride + 1
	ow := (in.W+2*pad-l.Kernel)/l.Stride + 1
	out := FeatureMap{H: oh, W: ow, C: l.Out, Data: make([]float32, oh*ow*l.Out)}
	kk := l.Kernel * l.Kernel * l.In
	for oy := 0; oy < oh; oy++ {
		for ox := 0; ox < ow; ox++ {
			dst := out.Data[(oy*ow+ox)*l.Out : (oy*ow+ox+1)*l.Out]
			copy(dst, l.Bias)
			for ky := 0; ky < l.Kernel; ky++ {
				iy := oy*l.Stride + ky - pad
				if iy < 0 || iy >= in.H {
					continue
				}
				for kx := 0; kx < l.Kernel; kx++ {
					ix := ox*l.Stride + kx - pad
					if ix < 0 || ix >= in.W {
						continue
					}
					src := in.Data[(iy*in.W+ix)*in.C : (iy*in.W+ix+1)*in.C]
					base := (ky*l.Kernel + kx) * l.In
					for o := range dst {
						w := l.Weights[o*kk+base : o*kk+base+l.In]
						var acc float32
						for c, v := range src {
							acc += v * w[c]
						}
						dst[o] += acc
					}
				}
			}
			for o, v := range dst {
				dst[o] = min(max(v, 0), 6)
			}
		}
	}
	return out
}

// ConvBackbone is a small pure-Go stride-2 convolution stack.
type ConvBackbone struct {
	Layers []ConvLayer `cbor:"layers"`
}

// DefaultConvChannels is the channel progression of NewConvBackbone.
var DefaultConvChannels = []int{16, 32, 64}

// NewConvBackbone builds the default 3x3 stride-2 stack with He-normal
// weights drawn from seed. The same seed always yields the same weights.
// These are random filters, not pretrained ones; use ONNXBackbone for
// pretrained features.
func NewConvBackbone(seed uint64) *ConvBackbone {
	rng := rand.New(rand.NewPCG(seed, 0xc0ffee))
	in := preprocess.Channels
	layers := make([]ConvLayer, 0, len(DefaultConvChannels))
	for _, out := range DefaultConvChannels {
		l := ConvLayer{In: in, Out: out, Kernel: 3, Stride: 2,
			Weights: make([]float32, out*3*3*in), Bias: make([]float32, out)}
		std := math.Sqrt(2 / float64(3*3*in))
		for i := range l.Weights {
			l.Weights[i] = float32(rng.NormFloat64() * std)
		}
		layers = append(layers, l)
		in = out
	}
	return &ConvBackbone{Layers: layers}
}

// LoadConvBackbone reads CBOR-encoded weights written by Save.
func LoadConvBackbone(path string) (*ConvBackbone, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read conv weights: %w", err)
	}
	var cb ConvBackbone
	if err := cbor.Unmarshal(b, &cb); err != nil {
		return nil, fmt.Errorf("decode conv weights %s: %w", path, err)
	}
	if err := cb.Validate(); err != nil {
		return nil, fmt.Errorf("conv weights %s: %w", path, err)
	}
	return &cb, nil
}

// Save writes the weights as CBOR.
func (cb *ConvBackbone) Save(path string) error {
	b, err := cbor.Marshal(cb)
	if err != nil {
		return err
	}
	return atomicwriter.WriteFile(path, b, 0o644)
}

// Validate checks that consecutive layers chain and weights are sized.
func (cb *ConvBackbone) Validate() error {
	if len(cb.Layers) == 0 {
		return fmt.Errorf("conv backbone has no layers")
	}
	in := preprocess.Channels
	for i, l := range cb.Layers {
		if err := l.validate(); err != nil {
			return fmt.Errorf("layer %d: %w", i, err)
		}
		if l.In != in {
			return fmt.Errorf("layer %d: input depth %d, previous layer produces %d", i, l.In, in)
		}
		in = l.Out
	}
	return nil
}

func (cb *ConvBackbone) Kind() BackboneKind { return BackboneConv }

func (cb *ConvBackbone) Channels() int { return cb.Layers[len(cb.Layers)-1].Out }

func (cb *ConvBackbone) Extract(img preprocess.Image) (FeatureMap, error) {
	if len(img) != preprocess.ImageSize {
		return FeatureMap{}, fmt.Errorf("conv backbone: image has %d values, want %d", len(img), preprocess.ImageSize)
	}
	fm := FeatureMap{H: preprocess.Height, W: preprocess.Width, C: preprocess.Channels, Data: img}
	for _, l := range cb.Layers {
		fm = l.forward(fm)
	}
	return fm, nil
}

func (cb *ConvBackbone) Close() error { return nil }
