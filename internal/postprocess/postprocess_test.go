package postprocess

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/herdvision/herdvision/internal/diagnosis"
	"github.com/herdvision/herdvision/internal/gradcam"
)

func rawResult(preds ...diagnosis.Prediction) *gradcam.Result {
	return &gradcam.Result{
		Predictions:  preds,
		ModelVersion: "state_dict:best_model.json",
		Explanation:  "Model result (local).",
	}
}

func kg(v float64) *float64 { return &v }

func defaultProcessor() *Processor {
	return New(1.0, 0.18, 0.5, nil)
}

func TestTemperatureOneIsNoOp(t *testing.T) {
	p := defaultProcessor()
	res := p.Process(rawResult(
		diagnosis.Prediction{Disease: "foot-and-mouth", Score: 0.5},
		diagnosis.Prediction{Disease: "lumpy", Score: 0.3},
		diagnosis.Prediction{Disease: "healthy", Score: 0.2},
	), "", Subject{}, "")

	want := []float64{0.5, 0.3, 0.2}
	for i, w := range want {
		if math.Abs(res.Predictions[i].Score-w) > 1e-9 {
			t.Fatalf("prediction %d changed under T=1: got %v want %v", i, res.Predictions[i].Score, w)
		}
	}
}

func TestTemperatureScaling(t *testing.T) {
	p := New(2.0, 0.18, 0.5, nil)
	preds := p.scaleTemperature([]diagnosis.Prediction{
		{Disease: "a", Score: 0.8},
		{Disease: "b", Score: 0.2},
	})

	// T=2 takes square roots: sqrt(0.8)/(sqrt(0.8)+sqrt(0.2)) = 2/3.
	if math.Abs(preds[0].Score-2.0/3.0) > 1e-6 || math.Abs(preds[1].Score-1.0/3.0) > 1e-6 {
		t.Fatalf("unexpected scaled scores: %+v", preds)
	}

	// A zero score must not blow up the logarithm.
	preds = p.scaleTemperature([]diagnosis.Prediction{
		{Disease: "a", Score: 0},
		{Disease: "b", Score: 1},
	})
	if math.IsNaN(preds[0].Score) || math.IsInf(preds[0].Score, 0) {
		t.Fatalf("zero score produced %v", preds[0].Score)
	}
}

func TestKeywordBoostRaisesMatchedDisease(t *testing.T) {
	p := defaultProcessor()
	raw := func() *gradcam.Result {
		return rawResult(
			diagnosis.Prediction{Disease: "foot-and-mouth", Score: 0.3},
			diagnosis.Prediction{Disease: "lumpy", Score: 0.4},
			diagnosis.Prediction{Disease: "healthy", Score: 0.3},
		)
	}

	plain := p.Process(raw(), "", Subject{}, "")
	boosted := p.Process(raw(), "ulcer and drooling around the mouth", Subject{}, "")

	score := func(r diagnosis.InferenceResult, disease string) float64 {
		for _, pr := range r.Predictions {
			if pr.Disease == disease {
				return pr.Score
			}
		}
		t.Fatalf("disease %q missing from %+v", disease, r.Predictions)
		return 0
	}

	if score(boosted, "foot-and-mouth") <= score(plain, "foot-and-mouth") {
		t.Fatalf("matched keywords did not raise the score: %v vs %v",
			score(boosted, "foot-and-mouth"), score(plain, "foot-and-mouth"))
	}
	if boosted.Top.Disease != "foot-and-mouth" {
		t.Fatalf("expected boost to flip the top prediction, got %q", boosted.Top.Disease)
	}
}

func TestProcessedScoresFormSortedDistribution(t *testing.T) {
	p := defaultProcessor()
	res := p.Process(rawResult(
		diagnosis.Prediction{Disease: "healthy", Score: 0.1},
		diagnosis.Prediction{Disease: "foot-and-mouth", Score: 0.7},
		diagnosis.Prediction{Disease: "lumpy", Score: 0.4},
	), "swelling and lumps", Subject{}, "")

	var sum float64
	for i, pr := range res.Predictions {
		sum += pr.Score
		if i > 0 && pr.Score > res.Predictions[i-1].Score {
			t.Fatalf("predictions not sorted descending: %+v", res.Predictions)
		}
	}
	if math.Abs(sum-1) > 1e-6 {
		t.Fatalf("scores sum to %v", sum)
	}
	if res.Top != res.Predictions[0] {
		t.Fatalf("top %+v is not the first prediction", res.Top)
	}
	if res.Confidence != res.Top.Score {
		t.Fatalf("confidence %v does not match top score %v", res.Confidence, res.Top.Score)
	}
}

func TestLightSubjectDiscountsLumpy(t *testing.T) {
	p := defaultProcessor()
	raw := func() *gradcam.Result {
		return rawResult(
			diagnosis.Prediction{Disease: "lumpy", Score: 0.5},
			diagnosis.Prediction{Disease: "foot-and-mouth", Score: 0.3},
			diagnosis.Prediction{Disease: "healthy", Score: 0.2},
		)
	}

	heavy := p.Process(raw(), "", Subject{Weight: kg(120)}, "")
	light := p.Process(raw(), "", Subject{Weight: kg(30)}, "")

	if light.Predictions[0].Score >= heavy.Predictions[0].Score {
		t.Fatalf("light subject should discount lumpy: %v vs %v",
			light.Predictions[0].Score, heavy.Predictions[0].Score)
	}
	if heavy.Predictions[0].Score != 0.5 {
		t.Fatalf("heavy subject must not be discounted, got %v", heavy.Predictions[0].Score)
	}
}

func TestUncertaintyNote(t *testing.T) {
	p := defaultProcessor()

	low := p.Process(rawResult(
		diagnosis.Prediction{Disease: "foot-and-mouth", Score: 0.4},
		diagnosis.Prediction{Disease: "lumpy", Score: 0.35},
		diagnosis.Prediction{Disease: "healthy", Score: 0.25},
	), "", Subject{}, "")
	if !low.Uncertain || !strings.Contains(low.ExplanationText, "Model confidence is low") {
		t.Fatalf("low-confidence result missing advisory: %+v", low)
	}

	high := p.Process(rawResult(
		diagnosis.Prediction{Disease: "foot-and-mouth", Score: 0.82},
		diagnosis.Prediction{Disease: "lumpy", Score: 0.10},
		diagnosis.Prediction{Disease: "healthy", Score: 0.08},
	), "", Subject{}, "")
	if high.Uncertain || strings.Contains(high.ExplanationText, "Model confidence is low") {
		t.Fatalf("confident result should carry no advisory: %+v", high)
	}
}

func TestSeverityMapping(t *testing.T) {
	p := defaultProcessor()
	confident := rawResult(
		diagnosis.Prediction{Disease: "foot-and-mouth", Score: 0.82},
		diagnosis.Prediction{Disease: "lumpy", Score: 0.10},
		diagnosis.Prediction{Disease: "healthy", Score: 0.08},
	)

	res := p.Process(confident, "", Subject{}, "")
	if res.Severity != diagnosis.SeverityHigh {
		t.Fatalf("expected high severity at %v, got %q", res.Confidence, res.Severity)
	}

	// An externally supplied severity always wins.
	res = p.Process(confident, "", Subject{}, diagnosis.SeverityLow)
	if res.Severity != diagnosis.SeverityLow {
		t.Fatalf("external severity should take precedence, got %q", res.Severity)
	}
}

func TestTreatmentAugmentation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "treatment_map.json")
	// BOM-prefixed, as exported tables sometimes are.
	content := "\xEF\xBB\xBF" + `{"foot-and-mouth": "Supportive care. Antipyretic at 2 mg/kg daily."}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	p := New(1.0, 0.18, 0.5, NewTreatmentStore(path))
	res := p.Process(rawResult(
		diagnosis.Prediction{Disease: "foot-and-mouth", Score: 0.82},
		diagnosis.Prediction{Disease: "lumpy", Score: 0.10},
		diagnosis.Prediction{Disease: "healthy", Score: 0.08},
	), "", Subject{Weight: kg(250)}, "")

	if !strings.Contains(res.ExplanationText, "Suggested treatment:") {
		t.Fatalf("treatment text missing: %q", res.ExplanationText)
	}
	if !strings.Contains(res.ExplanationText, "500 mg total (2 mg/kg × 250 kg)") {
		t.Fatalf("computed dosage missing: %q", res.ExplanationText)
	}

	// No weight, no dosage line.
	res = p.Process(rawResult(
		diagnosis.Prediction{Disease: "foot-and-mouth", Score: 0.82},
		diagnosis.Prediction{Disease: "lumpy", Score: 0.10},
		diagnosis.Prediction{Disease: "healthy", Score: 0.08},
	), "", Subject{}, "")
	if strings.Contains(res.ExplanationText, "Dosage guidance") {
		t.Fatalf("dosage computed without a known weight: %q", res.ExplanationText)
	}
}

func TestExtractDosageRate(t *testing.T) {
	cases := []struct {
		text string
		rate float64
		ok   bool
	}{
		{"Give 2 mg/kg twice daily", 2, true},
		{"2.5 mg / kg with food", 2.5, true},
		{"dose mg per kg: 3", 3, true},
		{"mg_per_kg=4", 4, true},
		{"MG/KG 5 is not a rate prefix", 0, false},
		{"supportive care only", 0, false},
		{"", 0, false},
	}
	for _, tc := range cases {
		rate, ok := ExtractDosageRate(tc.text)
		if ok != tc.ok || rate != tc.rate {
			t.Fatalf("ExtractDosageRate(%q) = %v,%v want %v,%v", tc.text, rate, ok, tc.rate, tc.ok)
		}
	}
}

func TestComputeDosageFormat(t *testing.T) {
	if got := ComputeDosage(250, 2); got != "500 mg total (2 mg/kg × 250 kg)" {
		t.Fatalf("unexpected dosage line: %q", got)
	}
}

func TestTreatmentStoreMissingFile(t *testing.T) {
	s := NewTreatmentStore(filepath.Join(t.TempDir(), "absent.json"))
	if table := s.Load(); len(table) != 0 {
		t.Fatalf("missing source should yield an empty table, got %v", table)
	}
}
