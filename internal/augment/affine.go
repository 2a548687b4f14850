// Package augment produces randomized training variants of preprocessed
// images. Nothing outside training should import it.
package augment

import (
	"math"
	"math/rand/v2"

	"golang.org/x/image/math/f64"

	"tumorclf/internal/preprocess"
)

// Params are the augmentation ranges. Angles are in degrees except Shear,
// which is a shear intensity in radians.
type Params struct {
	RotationDeg    float64 `json:"rotation_deg" yaml:"rotation_deg" toml:"rotation_deg"`
	WidthShift     float64 `json:"width_shift" yaml:"width_shift" toml:"width_shift"`
	HeightShift    float64 `json:"height_shift" yaml:"height_shift" toml:"height_shift"`
	Shear          float64 `json:"shear" yaml:"shear" toml:"shear"`
	Zoom           float64 `json:"zoom" yaml:"zoom" toml:"zoom"`
	HorizontalFlip bool    `json:"horizontal_flip" yaml:"horizontal_flip" toml:"horizontal_flip"`
}

func DefaultParams() Params {
	return Params{
		RotationDeg:    20,
		WidthShift:     0.2,
		HeightShift:    0.2,
		Shear:          0.2,
		Zoom:           0.2,
		HorizontalFlip: true,
	}
}

// Transform is one sampled augmentation.
type Transform struct {
	// M maps output pixel coordinates (x, y) to input coordinates.
	M    f64.Aff3
	Flip bool
}

var identity = f64.Aff3{1, 0, 0, 0, 1, 0}

// mul returns a·b, i.e. b applied first.
func mul(a, b f64.Aff3) f64.Aff3 {
	return f64.Aff3{
		a[0]*b[0] + a[1]*b[3], a[0]*b[1] + a[1]*b[4], a[0]*b[2] + a[1]*b[5] + a[2],
		a[3]*b[0] + a[4]*b[3], a[3]*b[1] + a[4]*b[4], a[3]*b[2] + a[4]*b[5] + a[5],
	}
}

func uniform(rng *rand.Rand, lim float64) float64 {
	if lim == 0 {
		return 0
	}
	return (rng.Float64()*2 - 1) * lim
}

// Sample draws a random transform from p.
func (p Params) Sample(rng *rand.Rand) Transform {
	theta := uniform(rng, p.RotationDeg) * math.Pi / 180
	tx := uniform(rng, p.WidthShift) * preprocess.Width
	ty := uniform(rng, p.HeightShift) * preprocess.Height
	shear := uniform(rng, p.Shear)
	zx, zy := 1.0, 1.0
	if p.Zoom != 0 {
		zx = 1 + uniform(rng, p.Zoom)
		zy = 1 + uniform(rng, p.Zoom)
	}
	flip := p.HorizontalFlip && rng.Float64() < 0.5

	cos, sin := math.Cos(theta), math.Sin(theta)
	rot := f64.Aff3{cos, -sin, 0, sin, cos, 0}
	shift := f64.Aff3{1, 0, tx, 0, 1, ty}
	sh := f64.Aff3{1, -math.Sin(shear), 0, 0, math.Cos(shear), 0}
	zoom := f64.Aff3{zx, 0, 0, 0, zy, 0}

	cx, cy := float64(preprocess.Width-1)/2, float64(preprocess.Height-1)/2
	toCenter := f64.Aff3{1, 0, -cx, 0, 1, -cy}
	fromCenter := f64.Aff3{1, 0, cx, 0, 1, cy}

	m := identity
	for _, step := range []f64.Aff3{fromCenter, rot, shift, sh, zoom, toCenter} {
		m = mul(m, step)
	}
	return Transform{M: m, Flip: flip}
}

// Apply warps src by t. Out-of-bounds reads replicate the nearest edge
// pixel; sampling is bilinear.
func (t Transform) Apply(src preprocess.Image) preprocess.Image {
	const w, h, ch = preprocess.Width, preprocess.Height, preprocess.Channels
	dst := make(preprocess.Image, preprocess.ImageSize)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			fx, fy := float64(x), float64(y)
			sx := t.M[0]*fx + t.M[1]*fy + t.M[2]
			sy := t.M[3]*fx + t.M[4]*fy + t.M[5]
			sx = clamp(sx, 0, w-1)
			sy = clamp(sy, 0, h-1)

			x0, y0 := int(sx), int(sy)
			x1, y1 := min(x0+1, w-1), min(y0+1, h-1)
			ax, ay := float32(sx-float64(x0)), float32(sy-float64(y0))

			ox := x
			if t.Flip {
				ox = w - 1 - x
			}
			o := (y*w + ox) * ch
			for c := 0; c < ch; c++ {
				top := src.At(y0, x0, c)*(1-ax) + src.At(y0, x1, c)*ax
				bot := src.At(y1, x0, c)*(1-ax) + src.At(y1, x1, c)*ax
				v := top*(1-ay) + bot*ay
				dst[o+c] = float32(clamp(float64(v), 0, 1))
			}
		}
	}
	return dst
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
