// Package gradcam runs a diagnosis over an uploaded image and renders a
// class-activation heatmap explaining the top prediction.
package gradcam

import (
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/herdvision/herdvision/internal/backbone"
	"github.com/herdvision/herdvision/internal/checkpoint"
	"github.com/herdvision/herdvision/internal/classmap"
	"github.com/herdvision/herdvision/internal/diagnosis"
	"github.com/herdvision/herdvision/internal/redact"
	"github.com/herdvision/herdvision/internal/tensor"
)

// StubVersion marks results answered from canned fixtures instead of a model.
const StubVersion = "stub"

const overlayAlpha = 0.6

// Base explanation strings for each answer source.
const (
	explanationLocal          = "Model result (local)."
	explanationStubNoRuntime  = "Stub (model runtime not available)."
	explanationStubLoadFailed = "Stub: model load failed on server, returning fallback."

	// Appended when predictions are real but no heatmap could be produced.
	saliencyNote = "A heatmap overlay could not be produced for this image."
)

// Result is the raw per-request inference outcome, before post-processing.
type Result struct {
	Predictions  []diagnosis.Prediction
	Locator      *string
	ModelVersion string
	Explanation  string
}

// Generator ties the resolved model, the class map, and the heatmap output
// directory together. Inference failures never escape Infer; they degrade to
// stub results.
type Generator struct {
	resolver  *checkpoint.Resolver
	classes   *classmap.Store
	outputDir string
}

// New returns a Generator writing heatmaps under outputDir.
func New(resolver *checkpoint.Resolver, classes *classmap.Store, outputDir string) *Generator {
	return &Generator{resolver: resolver, classes: classes, outputDir: outputDir}
}

// Infer classifies the image and, when the model exposes spatial activations,
// renders a heatmap for the top class. Every failure path returns a usable
// Result: a missing or broken model degrades to stub predictions, a saliency
// failure keeps the real predictions and drops only the locator.
func (g *Generator) Infer(img image.Image) *Result {
	model, err := g.resolver.Load()
	if err != nil {
		if errors.Is(err, checkpoint.ErrRuntimeUnavailable) {
			return stubResult(stubRuntimeUnavailable(), explanationStubNoRuntime)
		}
		return stubResult(stubLoadFailure(), explanationStubLoadFailed)
	}

	input := Preprocess(img)

	var (
		logits []float32
		state  *backbone.RunState
	)
	if model.Net != nil {
		state, err = model.Net.Forward(input)
		if err == nil {
			logits = state.Logits()
		}
	} else {
		logits, err = model.Live.Predict(input)
	}
	if err != nil {
		redact.Logf("gradcam: forward pass failed, serving stub predictions: %v", err)
		return stubResult(stubLoadFailure(), explanationStubLoadFailed)
	}

	probs := tensor.Softmax(logits)
	res := &Result{
		Predictions:  g.label(probs),
		ModelVersion: model.Version,
		Explanation:  explanationLocal,
	}

	if state == nil {
		// Live modules expose logits only; there is no activation to capture.
		res.Explanation += "\n\n" + saliencyNote
		return res
	}

	locator, err := g.renderSaliency(model.Net, state, argmax(probs), img)
	if err != nil {
		redact.Logf("gradcam: heatmap generation failed: %v", err)
		res.Explanation += "\n\n" + saliencyNote
		return res
	}
	res.Locator = &locator
	return res
}

// label maps output indices through the class map; indices without an entry
// keep their stringified index as the label.
func (g *Generator) label(probs []float32) []diagnosis.Prediction {
	table := g.classes.Load()
	out := make([]diagnosis.Prediction, len(probs))
	for i, p := range probs {
		out[i] = diagnosis.Prediction{Disease: table.Label(i), Score: float64(p)}
	}
	return out
}

// renderSaliency captures the deepest convolution's activation from the
// request's forward tape, replays a backward pass seeded at the top class,
// and persists the weighted heatmap as a red overlay on the source image.
func (g *Generator) renderSaliency(net *backbone.Network, state *backbone.RunState, classIdx int, src image.Image) (string, error) {
	convIdx := net.LastConvIndex()
	if convIdx < 0 {
		return "", errors.New("gradcam: no convolutional layer to capture")
	}

	act, err := state.ActivationAt(convIdx)
	if err != nil {
		return "", err
	}
	grad, err := state.BackwardTo(convIdx, classIdx)
	if err != nil {
		return "", err
	}

	c, h, w, err := act.Dims3()
	if err != nil {
		return "", err
	}

	// Channel importance is the spatial mean of the gradient; the map is the
	// importance-weighted channel sum, clamped at zero.
	cam := make([]float32, h*w)
	area := float32(h * w)
	for ch := 0; ch < c; ch++ {
		base := ch * h * w
		var sum float32
		for i := 0; i < h*w; i++ {
			sum += grad.Data[base+i]
		}
		weight := sum / area
		if weight == 0 {
			continue
		}
		for i := 0; i < h*w; i++ {
			cam[i] += weight * act.Data[base+i]
		}
	}
	for i := range cam {
		if cam[i] < 0 {
			cam[i] = 0
		}
	}

	bounds := src.Bounds()
	heat := tensor.BilinearResize(cam, h, w, bounds.Dy(), bounds.Dx())
	normalizeHeat(heat)

	name := "gradcam_" + artifactID() + ".png"
	if err := g.savePNG(name, renderOverlay(src, heat)); err != nil {
		return "", err
	}
	return "/gradcams/" + name, nil
}

func (g *Generator) savePNG(name string, img image.Image) error {
	if err := os.MkdirAll(g.outputDir, 0o755); err != nil {
		return fmt.Errorf("gradcam: create output dir: %w", err)
	}
	f, err := os.Create(filepath.Join(g.outputDir, name))
	if err != nil {
		return fmt.Errorf("gradcam: create artifact: %w", err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		return fmt.Errorf("gradcam: encode artifact: %w", err)
	}
	return nil
}

func artifactID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

// normalizeHeat rescales the map to [0,1] in place. A flat map becomes zero.
func normalizeHeat(heat []float32) {
	if len(heat) == 0 {
		return
	}
	lo, hi := heat[0], heat[0]
	for _, v := range heat {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	span := hi - lo
	if span == 0 {
		for i := range heat {
			heat[i] = 0
		}
		return
	}
	for i := range heat {
		heat[i] = (heat[i] - lo) / span
	}
}

// renderOverlay blends a red layer over the source, with per-pixel alpha
// proportional to the heat value.
func renderOverlay(src image.Image, heat []float32) *image.RGBA {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	out := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, bl, _ := src.At(b.Min.X+x, b.Min.Y+y).RGBA()
			a := overlayAlpha * heat[y*w+x]
			out.SetRGBA(x, y, color.RGBA{
				R: clamp255((1-a)*float32(r>>8) + a*255),
				G: clamp255((1 - a) * float32(g>>8)),
				B: clamp255((1 - a) * float32(bl>>8)),
				A: 255,
			})
		}
	}
	return out
}

func clamp255(v float32) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}

func argmax(probs []float32) int {
	best := 0
	for i, p := range probs {
		if p > probs[best] {
			best = i
		}
	}
	return best
}

func stubResult(preds []diagnosis.Prediction, explanation string) *Result {
	return &Result{Predictions: preds, ModelVersion: StubVersion, Explanation: explanation}
}

// Canned answer when the numeric runtime itself is absent.
func stubRuntimeUnavailable() []diagnosis.Prediction {
	return []diagnosis.Prediction{
		{Disease: "foot-and-mouth", Score: 0.5},
		{Disease: "lumpy", Score: 0.3},
		{Disease: "healthy", Score: 0.2},
	}
}

// Canned answer when the checkpoint failed to load or the forward pass broke.
func stubLoadFailure() []diagnosis.Prediction {
	return []diagnosis.Prediction{
		{Disease: "foot-and-mouth", Score: 0.82},
		{Disease: "lumpy", Score: 0.10},
		{Disease: "healthy", Score: 0.08},
	}
}
