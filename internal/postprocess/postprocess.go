// Package postprocess calibrates raw predictions with symptom text and
// subject attributes and assembles the final diagnosis answer.
package postprocess

import (
	"math"
	"sort"
	"strings"

	"github.com/herdvision/herdvision/internal/diagnosis"
	"github.com/herdvision/herdvision/internal/gradcam"
)

// Subject carries the optional attributes of the animal under diagnosis.
type Subject struct {
	Breed  string
	Age    float64
	Weight *float64 // kg; nil when unknown
}

// Symptom keywords that nudge a disease's score when they appear in the
// reported symptom text.
var diseaseKeywords = map[string][]string{
	"foot-and-mouth": {"mouth", "ulcer", "saliva", "drool", "blister", "lesion"},
	"lumpy":          {"lump", "bump", "swelling", "nodul", "lumpy"},
	"healthy":        {"no sign", "healthy", "normal", "none"},
}

const uncertaintyNote = "Note: Model confidence is low. Consider consulting a veterinarian and uploading additional images or symptom details."

const scoreFloor = 1e-12

// Processor applies temperature scaling, keyword boosting, subject
// heuristics, and treatment augmentation to a raw inference result.
type Processor struct {
	temperature float64
	boost       float64
	threshold   float64
	treatments  *TreatmentStore
}

// New returns a Processor with the given calibration settings.
func New(temperature, boost, threshold float64, treatments *TreatmentStore) *Processor {
	return &Processor{
		temperature: temperature,
		boost:       boost,
		threshold:   threshold,
		treatments:  treatments,
	}
}

// Process transforms the raw result into the final InferenceResult. After
// processing, scores form a distribution sorted descending by score.
func (p *Processor) Process(raw *gradcam.Result, symptomText string, subject Subject, externalSeverity diagnosis.Severity) diagnosis.InferenceResult {
	preds := make([]diagnosis.Prediction, len(raw.Predictions))
	copy(preds, raw.Predictions)

	preds = p.scaleTemperature(preds)
	p.boostByKeywords(preds, symptomText)
	applySubjectHeuristics(preds, subject)
	renormalize(preds)
	sort.SliceStable(preds, func(i, j int) bool { return preds[i].Score > preds[j].Score })

	top := diagnosis.TopOf(preds)
	confidence := top.Score
	uncertain := confidence < p.threshold

	severity := externalSeverity
	if severity == "" {
		severity = diagnosis.SeverityForConfidence(confidence)
	}

	explanation := raw.Explanation
	explanation += p.treatmentSuffix(top.Disease, subject)
	if uncertain {
		explanation += "\n\n" + uncertaintyNote
	}

	return diagnosis.InferenceResult{
		Predictions:     preds,
		Top:             top,
		Confidence:      confidence,
		Severity:        severity,
		Uncertain:       uncertain,
		GradcamLocator:  raw.Locator,
		ExplanationText: explanation,
		ModelVersion:    raw.ModelVersion,
	}
}

// scaleTemperature rescales scores as exp(ln(s)/T) and renormalizes. T = 1 is
// an exact no-op; scores are clamped to a small positive floor before the
// logarithm.
func (p *Processor) scaleTemperature(preds []diagnosis.Prediction) []diagnosis.Prediction {
	if p.temperature == 1 || p.temperature <= 0 || len(preds) == 0 {
		return preds
	}
	var sum float64
	for i := range preds {
		s := preds[i].Score
		if s < scoreFloor {
			s = scoreFloor
		}
		if s > 1 {
			s = 1
		}
		preds[i].Score = math.Exp(math.Log(s) / p.temperature)
		sum += preds[i].Score
	}
	if sum == 0 {
		sum = 1
	}
	for i := range preds {
		preds[i].Score /= sum
	}
	return preds
}

// boostByKeywords adds the boost constant to a disease's score once per
// keyword found in the symptom text, case-insensitively.
func (p *Processor) boostByKeywords(preds []diagnosis.Prediction, symptomText string) {
	if symptomText == "" {
		return
	}
	txt := strings.ToLower(symptomText)
	boosts := make(map[string]float64)
	for disease, kws := range diseaseKeywords {
		for _, kw := range kws {
			if strings.Contains(txt, kw) {
				boosts[disease] += p.boost
			}
		}
	}
	for i := range preds {
		preds[i].Score += boosts[preds[i].Disease]
	}
}

// applySubjectHeuristics holds the narrow attribute-based corrections. The
// single rule: lumpy skin disease is rarer in animals under 40 kg, so its
// score is discounted by 10% there.
func applySubjectHeuristics(preds []diagnosis.Prediction, subject Subject) {
	if subject.Weight == nil || *subject.Weight >= 40 {
		return
	}
	for i := range preds {
		if preds[i].Disease == "lumpy" {
			preds[i].Score *= 0.9
		}
	}
}

// renormalize divides scores by their sum, treating a zero sum as 1.
func renormalize(preds []diagnosis.Prediction) {
	var sum float64
	for i := range preds {
		sum += preds[i].Score
	}
	if sum == 0 {
		sum = 1
	}
	for i := range preds {
		preds[i].Score /= sum
	}
}

// treatmentSuffix appends treatment guidance for the top disease and, when
// the guidance encodes a dosage rate and the subject's weight is known, a
// computed total dose.
func (p *Processor) treatmentSuffix(disease string, subject Subject) string {
	if p.treatments == nil || disease == "" {
		return ""
	}
	text := p.treatments.Load()[disease]
	if text == "" {
		return ""
	}
	out := "\n\nSuggested treatment:\n" + text
	if rate, ok := ExtractDosageRate(text); ok && subject.Weight != nil && *subject.Weight > 0 {
		out += "\n\nDosage guidance (auto-computed): " + ComputeDosage(*subject.Weight, rate)
	}
	return out
}
