package model

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/moby/sys/atomicwriter"
	"gonum.org/v1/gonum/mat"

	"tumorclf/internal/clferr"
	"tumorclf/internal/preprocess"
)

// Artifact file layout: magic, one version byte, SHA-256 of the body, then
// the body itself (zstd-compressed CBOR).
const (
	artifactMagic   = "TMRCLF"
	artifactVersion = 1
	headerLen       = len(artifactMagic) + 1 + sha256.Size
)

// Metadata describes the training run that produced an artifact.
type Metadata struct {
	RunID            string  `cbor:"run_id" json:"run_id"`
	CreatedUnix      int64   `cbor:"created_unix" json:"created_unix"`
	Epochs           int     `cbor:"epochs" json:"epochs"`
	TrainSamples     int     `cbor:"train_samples" json:"train_samples"`
	ValSamples       int     `cbor:"val_samples" json:"val_samples"`
	FinalValAccuracy float64 `cbor:"final_val_accuracy" json:"final_val_accuracy"`
}

type backbonePayload struct {
	Kind       BackboneKind  `cbor:"kind"`
	Conv       *ConvBackbone `cbor:"conv,omitempty"`
	ONNX       []byte        `cbor:"onnx,omitempty"`
	ONNXConfig *ONNXConfig   `cbor:"onnx_config,omitempty"`
}

type headPayload struct {
	In      int       `cbor:"in"`
	Hidden  int       `cbor:"hidden"`
	Classes int       `cbor:"classes"`
	W1      []float64 `cbor:"w1"`
	B1      []float64 `cbor:"b1"`
	W2      []float64 `cbor:"w2"`
	B2      []float64 `cbor:"b2"`
	Dropout float64   `cbor:"dropout"`
}

type artifactPayload struct {
	Labels     []string           `cbor:"labels"`
	Preprocess preprocess.Options `cbor:"preprocess"`
	Backbone   backbonePayload    `cbor:"backbone"`
	Head       headPayload        `cbor:"head"`
	Meta       Metadata           `cbor:"meta"`
}

// EncodeArtifact serializes clf and meta.
func EncodeArtifact(clf *Classifier, meta Metadata) ([]byte, error) {
	if err := clf.Validate(); err != nil {
		return nil, err
	}
	p := artifactPayload{
		Labels:     clf.Labels,
		Preprocess: clf.Preprocess,
		Meta:       meta,
		Head: headPayload{
			In:      clf.Head.In(),
			Hidden:  clf.Head.Hidden(),
			Classes: clf.Head.Classes(),
			W1:      clf.Head.W1.RawMatrix().Data,
			B1:      clf.Head.B1,
			W2:      clf.Head.W2.RawMatrix().Data,
			B2:      clf.Head.B2,
			Dropout: clf.Head.DropoutRate,
		},
	}
	switch bb := clf.Backbone.(type) {
	case *ConvBackbone:
		p.Backbone = backbonePayload{Kind: BackboneConv, Conv: bb}
	case *ONNXBackbone:
		cfg := bb.Config()
		p.Backbone = backbonePayload{Kind: BackboneONNX, ONNX: bb.ModelBytes(), ONNXConfig: &cfg}
	default:
		return nil, fmt.Errorf("cannot serialize backbone %T", clf.Backbone)
	}
	return seal(p)
}

func seal(p artifactPayload) ([]byte, error) {
	raw, err := cbor.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode artifact: %w", err)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	body := enc.EncodeAll(raw, nil)
	_ = enc.Close()

	sum := sha256.Sum256(body)
	var buf bytes.Buffer
	buf.Grow(headerLen + len(body))
	buf.WriteString(artifactMagic)
	buf.WriteByte(artifactVersion)
	buf.Write(sum[:])
	buf.Write(body)
	return buf.Bytes(), nil
}

// SaveArtifact writes the artifact atomically: readers see either the old
// file or the complete new one.
func SaveArtifact(path string, clf *Classifier, meta Metadata) error {
	b, err := EncodeArtifact(clf, meta)
	if err != nil {
		return err
	}
	if err := atomicwriter.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write artifact %s: %w", path, err)
	}
	return nil
}

// LoadOptions are host-specific settings that are not part of the artifact.
type LoadOptions struct {
	ONNXLibraryPath string
}

// LoadArtifact reads and decodes an artifact from disk.
func LoadArtifact(path string, opts LoadOptions) (*Classifier, Metadata, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, Metadata{}, clferr.ErrArtifactLoad(path, err)
	}
	return DecodeArtifact(path, b, opts)
}

// DecodeArtifact parses artifact bytes; name is used in error messages.
// Corruption yields an artifact-load error and an untrustworthy label map
// yields a label-ordering error.
func DecodeArtifact(name string, b []byte, opts LoadOptions) (*Classifier, Metadata, error) {
	clf, meta, err := decodeArtifact(b, opts)
	if err != nil {
		if clferr.IsLabelOrdering(err) {
			return nil, Metadata{}, err
		}
		return nil, Metadata{}, clferr.ErrArtifactLoad(name, err)
	}
	return clf, meta, nil
}

func decodeArtifact(b []byte, opts LoadOptions) (*Classifier, Metadata, error) {
	if len(b) < headerLen || string(b[:len(artifactMagic)]) != artifactMagic {
		return nil, Metadata{}, errors.New("not a classifier artifact")
	}
	if v := b[len(artifactMagic)]; v != artifactVersion {
		return nil, Metadata{}, fmt.Errorf("unsupported artifact version %d", v)
	}
	body := b[headerLen:]
	sum := sha256.Sum256(body)
	if !bytes.Equal(sum[:], b[len(artifactMagic)+1:headerLen]) {
		return nil, Metadata{}, errors.New("artifact checksum mismatch")
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, Metadata{}, err
	}
	defer dec.Close()
	raw, err := dec.DecodeAll(body, nil)
	if err != nil {
		return nil, Metadata{}, fmt.Errorf("decompress artifact: %w", err)
	}
	var p artifactPayload
	if err := cbor.Unmarshal(raw, &p); err != nil {
		return nil, Metadata{}, fmt.Errorf("decode artifact: %w", err)
	}

	head, err := p.Head.build()
	if err != nil {
		return nil, Metadata{}, err
	}
	if err := ValidateLabels(p.Labels, head.Classes()); err != nil {
		return nil, Metadata{}, err
	}
	interp, err := preprocess.ParseInterpolation(string(p.Preprocess.Interpolation))
	if err != nil {
		return nil, Metadata{}, err
	}

	var bb Backbone
	switch p.Backbone.Kind {
	case BackboneConv:
		if p.Backbone.Conv == nil {
			return nil, Metadata{}, errors.New("conv backbone weights missing")
		}
		if err := p.Backbone.Conv.Validate(); err != nil {
			return nil, Metadata{}, err
		}
		bb = p.Backbone.Conv
	case BackboneONNX:
		if p.Backbone.ONNXConfig == nil || len(p.Backbone.ONNX) == 0 {
			return nil, Metadata{}, errors.New("onnx backbone model missing")
		}
		cfg := *p.Backbone.ONNXConfig
		cfg.LibraryPath = opts.ONNXLibraryPath
		ob, err := NewONNXBackbone(p.Backbone.ONNX, cfg)
		if err != nil {
			return nil, Metadata{}, err
		}
		bb = ob
	default:
		return nil, Metadata{}, fmt.Errorf("unknown backbone kind %q", p.Backbone.Kind)
	}

	clf := &Classifier{
		Labels:     p.Labels,
		Backbone:   bb,
		Head:       head,
		Preprocess: preprocess.Options{Interpolation: interp},
	}
	if bb.Channels() != head.In() {
		_ = bb.Close()
		return nil, Metadata{}, fmt.Errorf("backbone produces %d channels, head expects %d", bb.Channels(), head.In())
	}
	return clf, p.Meta, nil
}

func (hp headPayload) build() (*Head, error) {
	if hp.In <= 0 || hp.Hidden <= 0 || hp.Classes <= 0 {
		return nil, fmt.Errorf("head has non-positive dimension (%d, %d, %d)", hp.In, hp.Hidden, hp.Classes)
	}
	if len(hp.W1) != hp.Hidden*hp.In || len(hp.B1) != hp.Hidden ||
		len(hp.W2) != hp.Classes*hp.Hidden || len(hp.B2) != hp.Classes {
		return nil, errors.New("head weight sizes do not match its dimensions")
	}
	return &Head{
		W1:          mat.NewDense(hp.Hidden, hp.In, hp.W1),
		B1:          hp.B1,
		W2:          mat.NewDense(hp.Classes, hp.Hidden, hp.W2),
		B2:          hp.B2,
		DropoutRate: hp.Dropout,
	}, nil
}
