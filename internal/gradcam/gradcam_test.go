package gradcam

import (
	"encoding/json"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/herdvision/herdvision/internal/backbone"
	"github.com/herdvision/herdvision/internal/checkpoint"
	"github.com/herdvision/herdvision/internal/classmap"
)

func testImage(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{
				R: uint8((x * 255) / w),
				G: uint8((y * 255) / h),
				B: 64,
				A: 255,
			})
		}
	}
	return img
}

func missingStore(t *testing.T) *classmap.Store {
	t.Helper()
	return classmap.NewStore(filepath.Join(t.TempDir(), "absent.json"))
}

func TestPreprocessShape(t *testing.T) {
	x := Preprocess(testImage(100, 100))
	c, h, w, err := x.Dims3()
	if err != nil {
		t.Fatalf("dims: %v", err)
	}
	if c != 3 || h != cropSize || w != cropSize {
		t.Fatalf("unexpected tensor shape %dx%dx%d", c, h, w)
	}

	// Non-square sources crop to the same square.
	x = Preprocess(testImage(640, 120))
	if _, h, w, _ := x.Dims3(); h != cropSize || w != cropSize {
		t.Fatalf("landscape crop produced %dx%d", h, w)
	}
}

func TestPreprocessNormalization(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 80, 80))
	for y := 0; y < 80; y++ {
		for x := 0; x < 80; x++ {
			img.SetRGBA(x, y, color.RGBA{R: 255, G: 255, B: 255, A: 255})
		}
	}
	x := Preprocess(img)
	plane := cropSize * cropSize
	for ch := 0; ch < 3; ch++ {
		want := (1 - normMean[ch]) / normStd[ch]
		got := x.Data[ch*plane+plane/2]
		if math.Abs(float64(got-want)) > 1e-3 {
			t.Fatalf("channel %d normalized to %v, want %v", ch, got, want)
		}
	}
}

func TestNormalizeHeat(t *testing.T) {
	heat := []float32{2, 4, 6}
	normalizeHeat(heat)
	if heat[0] != 0 || heat[1] != 0.5 || heat[2] != 1 {
		t.Fatalf("unexpected normalization: %v", heat)
	}

	flat := []float32{3, 3, 3}
	normalizeHeat(flat)
	for _, v := range flat {
		if v != 0 {
			t.Fatalf("flat map should normalize to zero, got %v", flat)
		}
	}
}

func TestInferStubWhenCheckpointMissing(t *testing.T) {
	dir := t.TempDir()
	resolver := checkpoint.NewResolver(filepath.Join(dir, "absent.json"), false, missingStore(t))
	g := New(resolver, missingStore(t), filepath.Join(dir, "out"))

	res := g.Infer(testImage(100, 100))
	if res.ModelVersion != StubVersion {
		t.Fatalf("expected stub version, got %q", res.ModelVersion)
	}
	if res.Locator != nil {
		t.Fatalf("stub result should have a null locator")
	}
	if len(res.Predictions) != 3 || res.Predictions[0].Disease != "foot-and-mouth" || res.Predictions[0].Score != 0.82 {
		t.Fatalf("unexpected stub fixture: %+v", res.Predictions)
	}
	if res.Explanation == "" {
		t.Fatalf("stub result should carry an explanation")
	}
}

func TestInferGeneratesHeatmap(t *testing.T) {
	if testing.Short() {
		t.Skip("full forward pass")
	}

	dir := t.TempDir()
	ckptPath := filepath.Join(dir, "best_model.json")
	writeSkeletonCheckpoint(t, ckptPath, 3)

	outDir := filepath.Join(dir, "gradcams")
	resolver := checkpoint.NewResolver(ckptPath, false, missingStore(t))
	g := New(resolver, missingStore(t), outDir)

	res := g.Infer(testImage(120, 90))
	if res.ModelVersion == StubVersion {
		t.Fatalf("expected a real model, got stub")
	}
	if len(res.Predictions) != 3 {
		t.Fatalf("expected 3 predictions, got %d", len(res.Predictions))
	}

	var sum float64
	for _, p := range res.Predictions {
		if p.Score < 0 || p.Score > 1 {
			t.Fatalf("score out of range: %+v", p)
		}
		sum += p.Score
	}
	if math.Abs(sum-1) > 1e-4 {
		t.Fatalf("probabilities sum to %v", sum)
	}

	if res.Locator == nil {
		t.Fatalf("expected a heatmap locator, explanation=%q", res.Explanation)
	}
	name := filepath.Base(*res.Locator)
	if filepath.Dir(*res.Locator) != "/gradcams" {
		t.Fatalf("locator outside the gradcams mount: %q", *res.Locator)
	}
	if _, err := os.Stat(filepath.Join(outDir, name)); err != nil {
		t.Fatalf("heatmap file not persisted: %v", err)
	}
}

func writeSkeletonCheckpoint(t *testing.T, path string, numClasses int) {
	t.Helper()
	net, err := backbone.New(numClasses)
	if err != nil {
		t.Fatalf("new network: %v", err)
	}
	tensors := make(map[string]any)
	for name, p := range net.Params() {
		tensors[name] = map[string]any{"shape": p.Shape, "data": p.Data}
	}
	data, err := json.Marshal(tensors)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}
