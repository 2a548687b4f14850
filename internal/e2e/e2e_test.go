package e2e

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"tumorclf/internal/events"
	"tumorclf/internal/model"
	"tumorclf/internal/preprocess"
	"tumorclf/internal/trainer"
	"tumorclf/pkg/types"
)

var confidenceRe = regexp.MustCompile(`^\d{1,3}\.\d{2}%$`)

// TestE2E_TrainServePredict trains on a tiny two-class corpus smaller than
// one batch, serves the artifact and classifies a 10x10 gray scan.
func TestE2E_TrainServePredict(t *testing.T) {
	classes := []string{"glioma_tumor", "no_tumor"}
	trainDir := createCorpus(t, classes, 3)
	valDir := createCorpus(t, classes, 2)
	artifact := filepath.Join(t.TempDir(), "brain_tumor_classifier.tmr")
	history := filepath.Join(t.TempDir(), "history.json")

	pub := events.NewMemoryPublisher()
	cfg := trainer.DefaultConfig()
	cfg.Epochs = 2
	cfg.Seed = 11
	cfg.ArtifactPath = artifact
	cfg.HistoryPath = history
	cfg.Events = pub
	res, err := trainer.New(cfg).Train(context.Background(), trainDir, valDir)
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	defer res.Classifier.Close()
	if len(res.History) != 2 {
		t.Fatalf("history len=%d", len(res.History))
	}
	if _, err := os.Stat(history); err != nil {
		t.Fatalf("history not written: %v", err)
	}

	srv, svc := newServerForArtifact(t, artifact, true)
	waitState(t, svc, "ready")

	code, body := get(t, srv.URL+"/readyz")
	if code != http.StatusOK {
		t.Fatalf("readyz=%d %s", code, body)
	}
	code, body = get(t, srv.URL+"/labels")
	if code != http.StatusOK {
		t.Fatalf("labels=%d", code)
	}
	var lr types.LabelsResponse
	if err := json.Unmarshal(body, &lr); err != nil {
		t.Fatalf("labels json: %v", err)
	}
	if strings.Join(lr.Labels, ",") != "glioma_tumor,no_tumor" {
		t.Fatalf("labels=%v", lr.Labels)
	}

	code, body = postUpload(t, srv, "scan.png", pngBytes(t, 10, 128, false))
	if code != http.StatusOK {
		t.Fatalf("predict=%d %s", code, body)
	}
	var pr types.PredictResponse
	if err := json.Unmarshal(body, &pr); err != nil {
		t.Fatalf("predict json: %v", err)
	}
	if pr.Class != "glioma_tumor" && pr.Class != "no_tumor" {
		t.Fatalf("unexpected class %q", pr.Class)
	}
	if !confidenceRe.MatchString(pr.Confidence) {
		t.Fatalf("confidence %q not formatted as xx.xx%%", pr.Confidence)
	}
	if pr.ConfidenceRaw <= 0 || pr.ConfidenceRaw >= 1 {
		t.Fatalf("confidence out of (0,1): %v", pr.ConfidenceRaw)
	}

	// the served prediction matches the in-process classifier
	im, err := preprocess.LoadBytes(pngBytes(t, 10, 128, false), res.Classifier.Preprocess)
	if err != nil {
		t.Fatalf("preprocess: %v", err)
	}
	dist, err := res.Classifier.Distribution(im)
	if err != nil {
		t.Fatalf("distribution: %v", err)
	}
	if res.Classifier.Labels[model.Argmax(dist)] != pr.Class {
		t.Fatalf("served class %q differs from trained classifier", pr.Class)
	}

	names := strings.Join(pub.Names(), ",")
	for _, want := range []string{"train_start", "epoch_end", "artifact_saved"} {
		if !strings.Contains(names, want) {
			t.Fatalf("missing %s event in %s", want, names)
		}
	}
}

func writeArtifact(t *testing.T) string {
	t.Helper()
	bb := model.NewConvBackbone(5)
	clf := &model.Classifier{
		Labels:     []string{"meningioma_tumor", "no_tumor", "pituitary_tumor"},
		Backbone:   bb,
		Head:       model.NewHead(bb.Channels(), 16, 3, 0.5, rand.New(rand.NewPCG(5, 5))),
		Preprocess: preprocess.DefaultOptions(),
	}
	p := filepath.Join(t.TempDir(), "m.tmr")
	if err := model.SaveArtifact(p, clf, model.Metadata{RunID: "e2e"}); err != nil {
		t.Fatalf("save artifact: %v", err)
	}
	return p
}

// TestE2E_PlainTextIs400 uploads a text file named like an image.
func TestE2E_PlainTextIs400(t *testing.T) {
	srv, svc := newServerForArtifact(t, writeArtifact(t), true)
	waitState(t, svc, "ready")

	code, body := postUpload(t, srv, "scan.jpg", []byte("this is not an MRI scan"))
	if code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %s", code, body)
	}
	var er types.ErrorResponse
	if err := json.Unmarshal(body, &er); err != nil {
		t.Fatalf("json: %v", err)
	}
	if er.Kind != "decode_error" {
		t.Fatalf("kind=%q", er.Kind)
	}
}

func TestE2E_MissingFileField(t *testing.T) {
	srv, _ := newServerForArtifact(t, writeArtifact(t), false)
	resp, err := http.Post(srv.URL+"/predict", "multipart/form-data; boundary=xyz", strings.NewReader("--xyz--\r\n"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	var er types.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		t.Fatalf("json: %v", err)
	}
	if er.Error != "No file uploaded" {
		t.Fatalf("error=%q", er.Error)
	}
}

// TestE2E_PredictBeforeLoad503 never starts the load.
func TestE2E_PredictBeforeLoad503(t *testing.T) {
	srv, _ := newServerForArtifact(t, writeArtifact(t), false)

	code, body := postUpload(t, srv, "scan.png", pngBytes(t, 10, 128, false))
	if code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d %s", code, body)
	}
	var er types.ErrorResponse
	if err := json.Unmarshal(body, &er); err != nil {
		t.Fatalf("json: %v", err)
	}
	if er.Kind != "model_not_loaded" {
		t.Fatalf("kind=%q", er.Kind)
	}
	code, body = get(t, srv.URL+"/readyz")
	if code != http.StatusServiceUnavailable || string(body) != "loading" {
		t.Fatalf("readyz=%d %q", code, body)
	}
}

func TestE2E_CorruptArtifactErrorState(t *testing.T) {
	p := filepath.Join(t.TempDir(), "broken.tmr")
	if err := os.WriteFile(p, []byte("TMRCLF garbage"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	srv, svc := newServerForArtifact(t, p, true)
	waitState(t, svc, "error")

	code, body := get(t, srv.URL+"/readyz")
	if code != http.StatusServiceUnavailable || string(body) != "error" {
		t.Fatalf("readyz=%d %q", code, body)
	}
	code, body = get(t, srv.URL+"/status")
	if code != http.StatusOK {
		t.Fatalf("status=%d", code)
	}
	var st types.StatusResponse
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatalf("json: %v", err)
	}
	if st.State != "error" || st.Error == "" {
		t.Fatalf("unexpected status: %+v", st)
	}
}
