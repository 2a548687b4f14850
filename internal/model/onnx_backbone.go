package model

import (
	"errors"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"tumorclf/internal/preprocess"
)

// ONNXConfig describes how to run an exported feature extractor such as
// MobileNetV2 without its classification top. OutputShape is the feature
// map without the batch axis, in HWC order.
type ONNXConfig struct {
	LibraryPath string  `cbor:"-" json:"library_path" yaml:"library_path" toml:"library_path"`
	InputName   string  `cbor:"input_name" json:"input_name" yaml:"input_name" toml:"input_name"`
	OutputName  string  `cbor:"output_name" json:"output_name" yaml:"output_name" toml:"output_name"`
	OutputShape []int64 `cbor:"output_shape" json:"output_shape" yaml:"output_shape" toml:"output_shape"`
}

func (c ONNXConfig) validate() error {
	if c.InputName == "" || c.OutputName == "" {
		return errors.New("onnx backbone: input and output names are required")
	}
	if len(c.OutputShape) != 3 {
		return fmt.Errorf("onnx backbone: output shape %v must be [H W C]", c.OutputShape)
	}
	for _, d := range c.OutputShape {
		if d <= 0 {
			return fmt.Errorf("onnx backbone: output shape %v has non-positive dimension", c.OutputShape)
		}
	}
	return nil
}

var (
	ortOnce sync.Once
	ortErr  error
)

func initRuntime(libraryPath string) error {
	ortOnce.Do(func() {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		ortErr = ort.InitializeEnvironment()
	})
	return ortErr
}

// ONNXBackbone runs a pretrained extractor through onnxruntime. The session
// is dynamic: tensors are allocated per call, so Extract is safe to call
// from several goroutines.
type ONNXBackbone struct {
	cfg     ONNXConfig
	model   []byte
	session *ort.DynamicAdvancedSession
}

// NewONNXBackbone creates a session from in-memory ONNX bytes.
func NewONNXBackbone(modelBytes []byte, cfg ONNXConfig) (*ONNXBackbone, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if err := initRuntime(cfg.LibraryPath); err != nil {
		return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}
	session, err := ort.NewDynamicAdvancedSessionWithONNXData(modelBytes,
		[]string{cfg.InputName}, []string{cfg.OutputName}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}
	return &ONNXBackbone{cfg: cfg, model: modelBytes, session: session}, nil
}

func (b *ONNXBackbone) Kind() BackboneKind { return BackboneONNX }

func (b *ONNXBackbone) Channels() int { return int(b.cfg.OutputShape[2]) }

// Config returns the session parameters persisted alongside the model bytes.
func (b *ONNXBackbone) Config() ONNXConfig { return b.cfg }

// ModelBytes returns the ONNX graph the session was built from.
func (b *ONNXBackbone) ModelBytes() []byte { return b.model }

func (b *ONNXBackbone) Extract(img preprocess.Image) (FeatureMap, error) {
	if len(img) != preprocess.ImageSize {
		return FeatureMap{}, fmt.Errorf("onnx backbone: image has %d values, want %d", len(img), preprocess.ImageSize)
	}
	input, err := ort.NewTensor(ort.NewShape(1, preprocess.Height, preprocess.Width, preprocess.Channels), []float32(img))
	if err != nil {
		return FeatureMap{}, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer input.Destroy()

	shape := b.cfg.OutputShape
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, shape[0], shape[1], shape[2]))
	if err != nil {
		return FeatureMap{}, fmt.Errorf("failed to create output tensor: %w", err)
	}
	defer output.Destroy()

	if err := b.session.Run([]ort.ArbitraryTensor{input}, []ort.ArbitraryTensor{output}); err != nil {
		return FeatureMap{}, fmt.Errorf("inference failed: %w", err)
	}
	data := append([]float32(nil), output.GetData()...)
	return FeatureMap{H: int(shape[0]), W: int(shape[1]), C: int(shape[2]), Data: data}, nil
}

func (b *ONNXBackbone) Close() error {
	if b.session != nil {
		return b.session.Destroy()
	}
	return nil
}
