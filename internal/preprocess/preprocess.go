// Package preprocess turns an encoded image into the fixed-shape float tensor
// the classifier consumes. Training, validation and inference all go through
// FromImage so the three paths cannot drift apart.
package preprocess

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/nfnt/resize"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"tumorclf/internal/clferr"
)

const (
	Height   = 150
	Width    = 150
	Channels = 3
	// ImageSize is the number of float32 values in one preprocessed image.
	ImageSize = Height * Width * Channels
	// MaxPixels bounds the decoded size of an input image.
	MaxPixels = 50_000_000
)

// Image is one preprocessed image in HWC order, values in [0,1].
type Image []float32

// At returns the value at row y, column x, channel c.
func (im Image) At(y, x, c int) float32 {
	return im[(y*Width+x)*Channels+c]
}

// Tensor is an NHWC batch of preprocessed images.
type Tensor struct {
	N    int
	Data []float32
}

// Shape returns (N, 150, 150, 3).
func (t *Tensor) Shape() [4]int {
	return [4]int{t.N, Height, Width, Channels}
}

// At returns the i-th image of the batch. The slice aliases t.Data.
func (t *Tensor) At(i int) Image {
	return Image(t.Data[i*ImageSize : (i+1)*ImageSize])
}

// Batch copies images into a single contiguous tensor.
func Batch(imgs ...Image) *Tensor {
	t := &Tensor{N: len(imgs), Data: make([]float32, len(imgs)*ImageSize)}
	for i, im := range imgs {
		copy(t.Data[i*ImageSize:], im)
	}
	return t
}

// Interpolation selects the stretch-resize kernel.
type Interpolation string

const (
	Nearest  Interpolation = "nearest"
	Bilinear Interpolation = "bilinear"
	Lanczos3 Interpolation = "lanczos3"
)

// ParseInterpolation maps a config string to an Interpolation. Empty means nearest.
func ParseInterpolation(s string) (Interpolation, error) {
	switch Interpolation(strings.ToLower(strings.TrimSpace(s))) {
	case "", Nearest:
		return Nearest, nil
	case Bilinear:
		return Bilinear, nil
	case Lanczos3:
		return Lanczos3, nil
	default:
		return "", fmt.Errorf("unknown interpolation %q (want nearest|bilinear|lanczos3)", s)
	}
}

// Options are the preprocessing parameters persisted in the artifact.
type Options struct {
	Interpolation Interpolation `cbor:"interpolation" json:"interpolation"`
}

func DefaultOptions() Options { return Options{Interpolation: Nearest} }

// DecodeBytes sniffs and decodes raw image bytes.
func DecodeBytes(b []byte) (image.Image, error) {
	if len(b) == 0 {
		return nil, clferr.ErrDecode(fmt.Errorf("empty input"))
	}
	mt := mimetype.Detect(b)
	if !strings.HasPrefix(mt.String(), "image/") {
		return nil, clferr.ErrDecode(fmt.Errorf("content type %s is not an image", mt.String()))
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(b))
	if err != nil {
		return nil, clferr.ErrDecode(err)
	}
	if px := int64(cfg.Width) * int64(cfg.Height); px > MaxPixels {
		return nil, clferr.ErrUnsupportedFormat(fmt.Sprintf("image is %dx%d, over the %d pixel limit", cfg.Width, cfg.Height, MaxPixels))
	}
	img, _, err := image.Decode(bytes.NewReader(b))
	if err != nil {
		return nil, clferr.ErrDecode(err)
	}
	return img, nil
}

// FromImage converts a decoded image into the model input.
func FromImage(img image.Image, opts Options) (Image, error) {
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, clferr.ErrUnsupportedFormat("image has zero area")
	}
	switch img.ColorModel() {
	case color.AlphaModel, color.Alpha16Model:
		return nil, clferr.ErrUnsupportedFormat("alpha-only image has no color channels")
	}

	resized, err := resizeRGB(dropAlpha(img), opts.Interpolation)
	if err != nil {
		return nil, err
	}

	out := make(Image, ImageSize)
	for y := 0; y < Height; y++ {
		row := resized.Pix[y*resized.Stride:]
		for x := 0; x < Width; x++ {
			px := row[x*4:]
			o := (y*Width + x) * Channels
			out[o] = float32(px[0]) / 255
			out[o+1] = float32(px[1]) / 255
			out[o+2] = float32(px[2]) / 255
		}
	}
	return out, nil
}

// dropAlpha returns an opaque copy holding the straight (non-premultiplied)
// color of every pixel. Opaque inputs are returned unchanged.
func dropAlpha(img image.Image) image.Image {
	if o, ok := img.(interface{ Opaque() bool }); ok && o.Opaque() {
		return img
	}
	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			c.A = 0xff
			dst.SetNRGBA(x-b.Min.X, y-b.Min.Y, c)
		}
	}
	return dst
}

func resizeRGB(src image.Image, interp Interpolation) (*image.NRGBA, error) {
	dst := image.NewNRGBA(image.Rect(0, 0, Width, Height))
	switch interp {
	case "", Nearest:
		draw.NearestNeighbor.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	case Bilinear:
		draw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	case Lanczos3:
		r := resize.Resize(Width, Height, src, resize.Lanczos3)
		draw.Draw(dst, dst.Bounds(), r, r.Bounds().Min, draw.Src)
	default:
		return nil, fmt.Errorf("unknown interpolation %q", interp)
	}
	return dst, nil
}

// Load reads, decodes and converts one image.
func Load(r io.Reader, opts Options) (Image, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	return LoadBytes(b, opts)
}

// LoadBytes decodes and converts one in-memory image.
func LoadBytes(b []byte, opts Options) (Image, error) {
	img, err := DecodeBytes(b)
	if err != nil {
		return nil, err
	}
	return FromImage(img, opts)
}

// LoadFile is Load for a path on disk.
func LoadFile(path string, opts Options) (Image, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	im, err := LoadBytes(b, opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return im, nil
}

// Preprocess returns a batch of one, shape (1,150,150,3).
func Preprocess(r io.Reader, opts Options) (*Tensor, error) {
	im, err := Load(r, opts)
	if err != nil {
		return nil, err
	}
	return &Tensor{N: 1, Data: im}, nil
}
