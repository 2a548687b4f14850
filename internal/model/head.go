package model

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Mode selects training or inference behavior of the head. The zero value
// is inference.
type Mode int

const (
	ModeInference Mode = iota
	ModeTraining
)

func (m Mode) String() string {
	if m == ModeTraining {
		return "training"
	}
	return "inference"
}

// Head is Stage B: Dense(hidden, ReLU) -> Dropout -> Dense(classes, softmax)
// over pooled backbone features.
type Head struct {
	W1          *mat.Dense // hidden x in
	B1          []float64
	W2          *mat.Dense // classes x hidden
	B2          []float64
	DropoutRate float64
}

// NewHead initializes weights Glorot-uniform and biases to zero.
func NewHead(in, hidden, classes int, dropout float64, rng *rand.Rand) *Head {
	return &Head{
		W1:          glorot(hidden, in, rng),
		B1:          make([]float64, hidden),
		W2:          glorot(classes, hidden, rng),
		B2:          make([]float64, classes),
		DropoutRate: dropout,
	}
}

func glorot(rows, cols int, rng *rand.Rand) *mat.Dense {
	lim := math.Sqrt(6 / float64(rows+cols))
	data := make([]float64, rows*cols)
	for i := range data {
		data[i] = (rng.Float64()*2 - 1) * lim
	}
	return mat.NewDense(rows, cols, data)
}

// In is the pooled feature width the head accepts.
func (h *Head) In() int {
	_, c := h.W1.Dims()
	return c
}

func (h *Head) Hidden() int {
	r, _ := h.W1.Dims()
	return r
}

// Classes is the width of the output distribution.
func (h *Head) Classes() int {
	r, _ := h.W2.Dims()
	return r
}

// HeadPass keeps the intermediates Backward needs.
type HeadPass struct {
	X    *mat.Dense // batch x in
	A    *mat.Dense // relu(X W1^T + b1)
	Hd   *mat.Dense // A after dropout
	Mask *mat.Dense // nil outside training
	P    *mat.Dense // softmax probabilities, batch x classes
}

// Forward runs the head on a batch of pooled features. Dropout is inverted
// and only applied in ModeTraining; rng may be nil otherwise.
func (h *Head) Forward(x *mat.Dense, mode Mode, rng *rand.Rand) *HeadPass {
	n, _ := x.Dims()
	a := mat.NewDense(n, h.Hidden(), nil)
	a.Mul(x, h.W1.T())
	addBias(a, h.B1)
	a.Apply(func(_, _ int, v float64) float64 { return math.Max(v, 0) }, a)

	pass := &HeadPass{X: x, A: a, Hd: a}
	if mode == ModeTraining && h.DropoutRate > 0 {
		keep := 1 - h.DropoutRate
		mask := mat.NewDense(n, h.Hidden(), nil)
		mask.Apply(func(_, _ int, _ float64) float64 {
			if rng.Float64() < keep {
				return 1 / keep
			}
			return 0
		}, mask)
		hd := mat.NewDense(n, h.Hidden(), nil)
		hd.MulElem(a, mask)
		pass.Mask, pass.Hd = mask, hd
	}

	p := mat.NewDense(n, h.Classes(), nil)
	p.Mul(pass.Hd, h.W2.T())
	addBias(p, h.B2)
	for i := 0; i < n; i++ {
		softmax(p.RawRowView(i))
	}
	pass.P = p
	return pass
}

func addBias(m *mat.Dense, b []float64) {
	r, _ := m.Dims()
	for i := 0; i < r; i++ {
		floats.Add(m.RawRowView(i), b)
	}
}

// softmax is max-shifted so large logits cannot overflow.
func softmax(z []float64) {
	m := floats.Max(z)
	var sum float64
	for i, v := range z {
		z[i] = math.Exp(v - m)
		sum += z[i]
	}
	floats.Scale(1/sum, z)
}

// Gradients of the mean cross-entropy with respect to every head parameter.
type Gradients struct {
	W1 *mat.Dense
	B1 []float64
	W2 *mat.Dense
	B2 []float64
}

// Backward differentiates mean categorical cross-entropy given one-hot y.
func (h *Head) Backward(pass *HeadPass, y *mat.Dense) Gradients {
	n, _ := pass.P.Dims()
	dz := mat.NewDense(n, h.Classes(), nil)
	dz.Sub(pass.P, y)
	dz.Scale(1/float64(n), dz)

	g := Gradients{
		W1: mat.NewDense(h.Hidden(), h.In(), nil),
		W2: mat.NewDense(h.Classes(), h.Hidden(), nil),
		B2: colSums(dz),
	}
	g.W2.Mul(dz.T(), pass.Hd)

	dh := mat.NewDense(n, h.Hidden(), nil)
	dh.Mul(dz, h.W2)
	if pass.Mask != nil {
		dh.MulElem(dh, pass.Mask)
	}
	dh.Apply(func(i, j int, v float64) float64 {
		if pass.A.At(i, j) <= 0 {
			return 0
		}
		return v
	}, dh)
	g.W1.Mul(dh.T(), pass.X)
	g.B1 = colSums(dh)
	return g
}

func colSums(m *mat.Dense) []float64 {
	r, c := m.Dims()
	out := make([]float64, c)
	for i := 0; i < r; i++ {
		floats.Add(out, m.RawRowView(i))
	}
	return out
}

// Params returns views over the parameters in a fixed order. Updating the
// returned slices updates the head.
func (h *Head) Params() [][]float64 {
	return [][]float64{h.W1.RawMatrix().Data, h.B1, h.W2.RawMatrix().Data, h.B2}
}

// Slices returns the gradients in the order of Head.Params.
func (g Gradients) Slices() [][]float64 {
	return [][]float64{g.W1.RawMatrix().Data, g.B1, g.W2.RawMatrix().Data, g.B2}
}

const probEpsilon = 1e-7

// CrossEntropy is the mean categorical cross-entropy with probabilities
// clipped to [1e-7, 1-1e-7].
func CrossEntropy(p, y *mat.Dense) float64 {
	n, k := p.Dims()
	var loss float64
	for i := 0; i < n; i++ {
		for j := 0; j < k; j++ {
			if t := y.At(i, j); t != 0 {
				q := math.Min(math.Max(p.At(i, j), probEpsilon), 1-probEpsilon)
				loss -= t * math.Log(q)
			}
		}
	}
	return loss / float64(n)
}

// OneHot encodes class indices as a batch x classes matrix.
func OneHot(labels []int, classes int) *mat.Dense {
	y := mat.NewDense(len(labels), classes, nil)
	for i, l := range labels {
		y.Set(i, l, 1)
	}
	return y
}

// Predict returns the inference-mode distribution for one pooled vector.
func (h *Head) Predict(features []float64) ([]float64, error) {
	if len(features) != h.In() {
		return nil, fmt.Errorf("head expects %d features, got %d", h.In(), len(features))
	}
	x := mat.NewDense(1, len(features), append([]float64(nil), features...))
	pass := h.Forward(x, ModeInference, nil)
	return append([]float64(nil), pass.P.RawRowView(0)...), nil
}

// Argmax returns the index of the largest value; ties go to the lowest index.
func Argmax(v []float64) int {
	best := 0
	for i := 1; i < len(v); i++ {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}
