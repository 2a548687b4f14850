package model

import "tumorclf/internal/preprocess"

// BackboneKind tags the Stage A implementation stored in an artifact.
type BackboneKind string

const (
	BackboneConv BackboneKind = "conv"
	BackboneONNX BackboneKind = "onnx"
)

// FeatureMap is an HWC activation volume.
type FeatureMap struct {
	H, W, C int
	Data    []float32
}

// Backbone is the frozen feature extractor. Implementations must be safe
// for concurrent Extract calls.
type Backbone interface {
	Kind() BackboneKind
	// Channels is the depth of the produced feature map, i.e. the head input width.
	Channels() int
	Extract(img preprocess.Image) (FeatureMap, error)
	Close() error
}

// Pool is global average pooling over the spatial axes.
func Pool(fm FeatureMap) []float64 {
	out := make([]float64, fm.C)
	n := fm.H * fm.W
	if n == 0 {
		return out
	}
	for i := 0; i < n; i++ {
		row := fm.Data[i*fm.C : (i+1)*fm.C]
		for c, v := range row {
			out[c] += float64(v)
		}
	}
	for c := range out {
		out[c] /= float64(n)
	}
	return out
}
