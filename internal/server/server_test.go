package server

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"testing"

	"github.com/herdvision/herdvision/internal/config"
	"github.com/herdvision/herdvision/internal/diagnosis"
	"github.com/herdvision/herdvision/internal/telemetry"
)

const testSecret = "test-secret"

func newTestServer(t *testing.T) *Server {
	t.Helper()
	root := t.TempDir()
	cfg, err := config.Load(filepath.Join(root, "absent.yaml"))
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	cfg.Server.Secret = testSecret
	cfg.Model.CheckpointPath = filepath.Join(root, "models", "best_model.json") // absent: stub mode
	cfg.Model.ClassMapPath = filepath.Join(root, "models", "class_map.json")
	cfg.Postprocess.TreatmentMapPath = filepath.Join(root, "metadata", "treatment_map.json")
	cfg.Gradcam.OutputDir = filepath.Join(root, "gradcams")
	cfg.Artifacts.ProjectRoot = root
	cfg.Artifacts.TimeoutSeconds = 2

	tel, err := telemetry.NewProvider(context.Background(), telemetry.Config{Enabled: false})
	if err != nil {
		t.Fatalf("telemetry: %v", err)
	}
	return New(cfg, tel)
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

// multipartBody assembles a /predict form with an optional file part.
func multipartBody(t *testing.T, fields map[string]string, fileName, fileType string, fileData []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("write field %s: %v", k, err)
		}
	}
	if fileData != nil {
		hdr := textproto.MIMEHeader{}
		hdr.Set("Content-Disposition", `form-data; name="file"; filename="`+fileName+`"`)
		hdr.Set("Content-Type", fileType)
		part, err := mw.CreatePart(hdr)
		if err != nil {
			t.Fatalf("create part: %v", err)
		}
		if _, err := part.Write(fileData); err != nil {
			t.Fatalf("write part: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func doPredict(t *testing.T, s *Server, secret string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/predict", body)
	req.Header.Set("Content-Type", contentType)
	if secret != "" {
		req.Header.Set("X-Inference-Secret", secret)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestPredictRequiresSecret(t *testing.T) {
	s := newTestServer(t)
	body, ct := multipartBody(t, map[string]string{"symptom_text": "x"}, "a.png", "image/png", pngBytes(t, 10, 10))
	rec := doPredict(t, s, "", body, ct)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without secret, got %d", rec.Code)
	}
}

func TestPredictRequiresImage(t *testing.T) {
	s := newTestServer(t)
	body, ct := multipartBody(t, map[string]string{"symptom_text": "x"}, "", "", nil)
	rec := doPredict(t, s, testSecret, body, ct)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without file, got %d", rec.Code)
	}
}

func TestPredictRejectsNonImageMIME(t *testing.T) {
	s := newTestServer(t)
	body, ct := multipartBody(t, nil, "notes.txt", "text/plain", []byte("not an image"))
	rec := doPredict(t, s, testSecret, body, ct)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-image MIME, got %d", rec.Code)
	}
}

func TestPredictRejectsOversizeUpload(t *testing.T) {
	s := newTestServer(t)
	big := bytes.Repeat([]byte{0xAB}, maxUploadBytes+1)
	body, ct := multipartBody(t, nil, "huge.png", "image/png", big)
	rec := doPredict(t, s, testSecret, body, ct)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for oversize upload, got %d", rec.Code)
	}
}

func TestPredictRejectsUndecodableImage(t *testing.T) {
	s := newTestServer(t)
	body, ct := multipartBody(t, nil, "broken.png", "image/png", []byte("garbage"))
	rec := doPredict(t, s, testSecret, body, ct)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for undecodable image, got %d", rec.Code)
	}
}

func TestPredictStubEndToEnd(t *testing.T) {
	s := newTestServer(t)
	fields := map[string]string{
		"symptom_text": "ulcer and drooling",
		"case_id":      "case-42",
		"weight":       "250",
	}
	body, ct := multipartBody(t, fields, "cow.png", "image/png", pngBytes(t, 100, 100))
	rec := doPredict(t, s, testSecret, body, ct)
	if rec.Code != http.StatusOK {
		t.Fatalf("predict failed: %d %s", rec.Code, rec.Body.String())
	}

	var res diagnosis.InferenceResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	if res.ModelVersion != "stub" {
		t.Fatalf("expected stub model version, got %q", res.ModelVersion)
	}
	if res.Top.Disease == "" {
		t.Fatalf("top disease missing: %+v", res)
	}
	if res.Confidence < 0 || res.Confidence > 1 {
		t.Fatalf("confidence out of range: %v", res.Confidence)
	}
	if res.GradcamLocator != nil {
		t.Fatalf("stub result should carry a null locator, got %q", *res.GradcamLocator)
	}
	if res.CaseID != "case-42" || res.SymptomText != "ulcer and drooling" {
		t.Fatalf("request fields not echoed: %+v", res)
	}
}

func TestHealthReportsDegraded(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("health returned %d", rec.Code)
	}

	var out struct {
		Status       string `json:"status"`
		ModelVersion string `json:"model_version"`
		Degraded     bool   `json:"degraded"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if out.Status != "ok" || !out.Degraded || out.ModelVersion != "stub" {
		t.Fatalf("unexpected health payload: %+v", out)
	}
}

func TestResolveEndpoint(t *testing.T) {
	s := newTestServer(t)

	// Stage an artifact where the locator candidates will find it.
	dir := filepath.Join(s.cfg.Artifacts.ProjectRoot, "gradcams")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "x.png"), []byte("artifact-bytes"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	do := func(secret, locator string) *httptest.ResponseRecorder {
		payload, _ := json.Marshal(map[string]string{"locator": locator})
		req := httptest.NewRequest(http.MethodPost, "/resolve", bytes.NewReader(payload))
		if secret != "" {
			req.Header.Set("X-Inference-Secret", secret)
		}
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		return rec
	}

	if rec := do("", "/gradcams/x.png"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without secret, got %d", rec.Code)
	}
	if rec := do(testSecret, "/gradcams/missing.png"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing artifact, got %d", rec.Code)
	}
	rec := do(testSecret, "/gradcams/x.png")
	if rec.Code != http.StatusOK || rec.Body.String() != "artifact-bytes" {
		t.Fatalf("resolve failed: %d %q", rec.Code, rec.Body.String())
	}
}

func TestGradcamStaticMount(t *testing.T) {
	s := newTestServer(t)
	if err := os.MkdirAll(s.cfg.Gradcam.OutputDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(s.cfg.Gradcam.OutputDir, "served.png"), []byte("served"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/gradcams/served.png", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "served" {
		t.Fatalf("static mount failed: %d %q", rec.Code, rec.Body.String())
	}
}
