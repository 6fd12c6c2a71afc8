// Package diagnosis holds the result types shared by the inference,
// post-processing, and HTTP layers.
package diagnosis

// Prediction is a single disease candidate with its probability score.
type Prediction struct {
	Disease string  `json:"disease"`
	Score   float64 `json:"score"`
}

// Severity buckets a diagnosis by confidence.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// SeverityForConfidence maps a confidence score to a severity bucket.
// Both bounds are exclusive: 0.8 itself is medium, 0.5 itself is low.
func SeverityForConfidence(confidence float64) Severity {
	switch {
	case confidence > 0.8:
		return SeverityHigh
	case confidence > 0.5:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// InferenceResult is the per-request diagnosis answer. It is immutable once
// returned; review workflows downstream snapshot and override externally.
type InferenceResult struct {
	Predictions     []Prediction `json:"predictions"`
	Top             Prediction   `json:"top"`
	Confidence      float64      `json:"confidence"`
	Severity        Severity     `json:"severity"`
	Uncertain       bool         `json:"uncertain"`
	GradcamLocator  *string      `json:"gradcam_locator"`
	ExplanationText string       `json:"explanation_text"`
	ModelVersion    string       `json:"model_version"`
	CaseID          string       `json:"case_id,omitempty"`
	SymptomText     string       `json:"symptom_text,omitempty"`
}

// TopOf returns the highest-scoring prediction. Ties keep the earlier entry.
func TopOf(preds []Prediction) Prediction {
	var top Prediction
	for i, p := range preds {
		if i == 0 || p.Score > top.Score {
			top = p
		}
	}
	return top
}
