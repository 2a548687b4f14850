package main

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tumorclf/internal/config"
	"tumorclf/internal/model"
	"tumorclf/internal/preprocess"
)

func writeArtifact(t *testing.T, dir string) string {
	t.Helper()
	bb := model.NewConvBackbone(1)
	clf := &model.Classifier{
		Labels:     []string{"glioma_tumor", "no_tumor"},
		Backbone:   bb,
		Head:       model.NewHead(bb.Channels(), 8, 2, 0.5, rand.New(rand.NewPCG(1, 2))),
		Preprocess: preprocess.DefaultOptions(),
	}
	p := filepath.Join(dir, "m.tmr")
	require.NoError(t, model.SaveArtifact(p, clf, model.Metadata{RunID: "run-1", Epochs: 2, TrainSamples: 4, ValSamples: 2}))
	return p
}

func writeGrayPNG(t *testing.T, path string) {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 10, 10))
	for i := range img.Pix {
		img.Pix[i] = 128
	}
	img.Set(0, 0, color.Gray{Y: 0})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(append(args, "--log-level", "disabled"))
	err := root.Execute()
	return out.String(), errOut.String(), err
}

func TestBuildBackbone(t *testing.T) {
	bb, err := buildBackbone(config.BackboneConfig{Kind: "conv", Seed: 3})
	require.NoError(t, err)
	assert.Equal(t, model.BackboneConv, bb.Kind())

	dir := t.TempDir()
	weights := filepath.Join(dir, "bb.cbor")
	require.NoError(t, model.NewConvBackbone(3).Save(weights))
	loaded, err := buildBackbone(config.BackboneConfig{Kind: "conv", Weights: weights})
	require.NoError(t, err)
	assert.Equal(t, bb.(*model.ConvBackbone).Layers, loaded.(*model.ConvBackbone).Layers)

	_, err = buildBackbone(config.BackboneConfig{Kind: "conv", Weights: filepath.Join(dir, "missing.cbor")})
	assert.Error(t, err)
	_, err = buildBackbone(config.BackboneConfig{Kind: "onnx", ModelPath: filepath.Join(dir, "missing.onnx")})
	assert.Error(t, err)
	_, err = buildBackbone(config.BackboneConfig{Kind: "vgg"})
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	l, err := newLogger(&buf, config.LogConfig{Level: "warn", Format: "json"})
	require.NoError(t, err)
	l.Info().Msg("hidden")
	l.Warn().Msg("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"svc":"tumorclf"`)

	_, err = newLogger(&buf, config.LogConfig{Level: "chatty"})
	assert.Error(t, err)
}

func TestPredictCommand(t *testing.T) {
	dir := t.TempDir()
	art := writeArtifact(t, dir)
	img := filepath.Join(dir, "scan.png")
	writeGrayPNG(t, img)

	out, _, err := execute(t, "predict", "--artifact", art, img)
	require.NoError(t, err)
	assert.Contains(t, out, "Predicted Class: ")
	assert.Contains(t, out, "Confidence: ")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(out), "%"), out)

	out, _, err = execute(t, "predict", "--artifact", art, "--json", img)
	require.NoError(t, err)
	var got struct {
		Image      string `json:"image"`
		Class      string `json:"class"`
		Confidence string `json:"confidence"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, img, got.Image)
	assert.Contains(t, []string{"glioma_tumor", "no_tumor"}, got.Class)
}

func TestPredictCommandReportsBadImages(t *testing.T) {
	dir := t.TempDir()
	art := writeArtifact(t, dir)
	txt := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(txt, []byte("not an image"), 0o644))
	good := filepath.Join(dir, "scan.png")
	writeGrayPNG(t, good)

	out, errOut, err := execute(t, "predict", "--artifact", art, txt, good)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2")
	assert.Contains(t, errOut, "notes.txt")
	assert.Contains(t, out, "Image: "+good)
}

func TestPredictCommandMissingArtifact(t *testing.T) {
	_, _, err := execute(t, "predict", "--artifact", filepath.Join(t.TempDir(), "none.tmr"), "x.png")
	assert.Error(t, err)
}

func TestInspectCommand(t *testing.T) {
	art := writeArtifact(t, t.TempDir())
	out, _, err := execute(t, "inspect", art)
	require.NoError(t, err)
	assert.Contains(t, out, "glioma_tumor, no_tumor")
	assert.Contains(t, out, "conv (64 channels)")
	assert.Contains(t, out, "run-1")

	out, _, err = execute(t, "inspect", "--json", art)
	require.NoError(t, err)
	var o inspectOutput
	require.NoError(t, json.Unmarshal([]byte(out), &o))
	assert.Equal(t, []string{"glioma_tumor", "no_tumor"}, o.Labels)
	assert.Equal(t, 8, o.HiddenUnits)
	assert.Equal(t, "nearest", o.Interpolation)
	assert.Equal(t, 2, o.Metadata.Epochs)
}

func TestInitBackboneCommand(t *testing.T) {
	out := filepath.Join(t.TempDir(), "bb.cbor")
	_, _, err := execute(t, "init-backbone", "--seed", "9", "--out", out)
	require.NoError(t, err)
	cb, err := model.LoadConvBackbone(out)
	require.NoError(t, err)
	assert.Equal(t, model.NewConvBackbone(9).Layers, cb.Layers)
}

func TestTrainCommandRequiresCorpora(t *testing.T) {
	_, _, err := execute(t, "train", "--out", filepath.Join(t.TempDir(), "m.tmr"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--train-dir")
}

func TestConfigFileAndFlagPrecedence(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "tumorclf.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("log:\n  level: loud\n"), 0o644))
	_, _, err := execute(t, "--config", cfgPath, "inspect", "whatever.tmr")
	// "disabled" from --log-level overrides the invalid file value, so the
	// failure is about the missing artifact
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "invalid config")

	require.NoError(t, os.WriteFile(cfgPath, []byte("train:\n  dropout_rate: 2\n"), 0o644))
	_, _, err = execute(t, "--config", cfgPath, "inspect", "whatever.tmr")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func writeTrainCorpus(t *testing.T, root string) {
	t.Helper()
	for _, class := range []string{"glioma_tumor", "no_tumor"} {
		dir := filepath.Join(root, class)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		for i := 0; i < 2; i++ {
			writeGrayPNG(t, filepath.Join(dir, class+"_"+string(rune('a'+i))+".png"))
		}
	}
}

func TestRunTrainingDefaultsToHalfDropout(t *testing.T) {
	dir := t.TempDir()
	data := filepath.Join(dir, "data")
	writeTrainCorpus(t, data)

	cases := map[string]struct {
		dropout *float64
		want    float64
	}{
		"default":       {nil, 0.5},
		"explicit zero": {new(float64), 0},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			a := &app{logLevel: "disabled"}
			a.cfg.Train.TrainDir = data
			a.cfg.Train.ValDir = data
			a.cfg.Train.Artifact = filepath.Join(t.TempDir(), "m.tmr")
			a.cfg.Train.Epochs = 1
			a.cfg.Train.DropoutRate = tc.dropout
			require.NoError(t, a.finalize(&bytes.Buffer{}))

			res, err := runTraining(context.Background(), a)
			require.NoError(t, err)
			defer res.Classifier.Close()
			assert.InDelta(t, tc.want, res.Classifier.Head.DropoutRate, 1e-12)
		})
	}
}

func TestTrainHelpMarksConvAsNotPretrained(t *testing.T) {
	out, _, err := execute(t, "train", "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "not pretrained")
	assert.Contains(t, out, "--dropout")
}
