package e2e

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"tumorclf/internal/httpapi"
	"tumorclf/internal/predictor"
)

func pngBytes(t *testing.T, size int, level uint8, blob bool) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, size, size))
	for i := range img.Pix {
		img.Pix[i] = level
	}
	if blob {
		for y := size / 4; y < size/2; y++ {
			for x := size / 4; x < size/2; x++ {
				img.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

// createCorpus writes a class-per-directory corpus with n scans per class.
func createCorpus(t *testing.T, classes []string, n int) string {
	t.Helper()
	dir := t.TempDir()
	for ci, c := range classes {
		if err := os.MkdirAll(filepath.Join(dir, c), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		for i := 0; i < n; i++ {
			level := uint8(20 + i)
			if ci%2 == 1 {
				level = uint8(190 + i)
			}
			p := filepath.Join(dir, c, fmt.Sprintf("scan_%02d.png", i))
			if err := os.WriteFile(p, pngBytes(t, 24, level, ci%2 == 1), 0o644); err != nil {
				t.Fatalf("write scan: %v", err)
			}
		}
	}
	return dir
}

// newServerForArtifact serves a Service for artifact. When start is true the
// artifact load is kicked off in the background.
func newServerForArtifact(t *testing.T, artifact string, start bool) (*httptest.Server, *predictor.Service) {
	t.Helper()
	svc := predictor.NewService(predictor.ServiceConfig{ArtifactPath: artifact, MaxWait: time.Second})
	if start {
		svc.Start(context.Background())
	}
	srv := httptest.NewServer(httpapi.NewMux(svc))
	t.Cleanup(func() {
		srv.Close()
		_ = svc.Close()
	})
	return srv, svc
}

func waitState(t *testing.T, svc *predictor.Service, want string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if svc.Status().State == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("service did not reach state %q, last=%q", want, svc.Status().State)
}

// postUpload sends content as the multipart field "file" to /predict.
func postUpload(t *testing.T, srv *httptest.Server, filename string, content []byte) (int, []byte) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("form file: %v", err)
	}
	if _, err := fw.Write(content); err != nil {
		t.Fatalf("write form: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close form: %v", err)
	}
	resp, err := http.Post(srv.URL+"/predict", mw.FormDataContentType(), &body)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, b
}

func get(t *testing.T, url string) (int, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, b
}
