// Package checkpoint loads saved classifier state in whatever shape it was
// written, repairs mismatched parameter names, and binds the result into the
// fixed skeleton. Checkpoints are JSON tensor archives (flat, or nested under
// a "state_dict"/"model_state_dict" key) or ready-to-run ONNX modules.
package checkpoint

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/herdvision/herdvision/internal/tensor"
)

// Shape identifies how a checkpoint stores its parameters, decided once at
// load time.
type Shape int

const (
	// LiveModule is a ready-to-run ONNX module; it binds directly and skips
	// key remapping.
	LiveModule Shape = iota
	// NestedStateDict stores the parameter mapping under a wrapper key.
	NestedStateDict
	// FlatStateDict is a bare name→tensor mapping.
	FlatStateDict
)

func (s Shape) String() string {
	switch s {
	case LiveModule:
		return "live_module"
	case NestedStateDict:
		return "nested_state_dict"
	case FlatStateDict:
		return "flat_state_dict"
	default:
		return "unknown"
	}
}

// nestedKeys are tried in order when a checkpoint wraps its state mapping.
var nestedKeys = []string{"state_dict", "model_state_dict"}

// StateDict is a parameter name → tensor mapping.
type StateDict map[string]*tensor.Tensor

// Checkpoint is a loaded, shape-classified checkpoint.
type Checkpoint struct {
	Shape     Shape
	NestedKey string    // wrapper key for NestedStateDict
	State     StateDict // nil for LiveModule
	Path      string
}

// Open reads and classifies a checkpoint file. When the strict decode fails
// and allowUnsafe is set, a permissive decode is retried; otherwise the
// original failure is returned.
func Open(path string, allowUnsafe bool) (*Checkpoint, error) {
	if strings.EqualFold(filepath.Ext(path), ".onnx") {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("checkpoint: module file missing at %s: %w", path, err)
		}
		return &Checkpoint{Shape: LiveModule, Path: path}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: read %s: %w", path, err)
	}

	ckpt, strictErr := decode(data, false)
	if strictErr == nil {
		ckpt.Path = path
		return ckpt, nil
	}
	if !allowUnsafe {
		return nil, fmt.Errorf("checkpoint: decode %s: %w", path, strictErr)
	}

	ckpt, unsafeErr := decode(data, true)
	if unsafeErr != nil {
		// Report the strict failure; the permissive retry is best-effort.
		return nil, fmt.Errorf("checkpoint: decode %s (permissive retry also failed: %v): %w", path, unsafeErr, strictErr)
	}
	ckpt.Path = path
	return ckpt, nil
}

func decode(data []byte, permissive bool) (*Checkpoint, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, fmt.Errorf("not a JSON object: %w", err)
	}

	for _, key := range nestedKeys {
		raw, ok := top[key]
		if !ok {
			continue
		}
		var inner map[string]json.RawMessage
		if err := json.Unmarshal(raw, &inner); err != nil {
			return nil, fmt.Errorf("key %q is not a state mapping: %w", key, err)
		}
		sd, err := decodeStateDict(inner, permissive)
		if err != nil {
			return nil, err
		}
		return &Checkpoint{Shape: NestedStateDict, NestedKey: key, State: sd}, nil
	}

	sd, err := decodeStateDict(top, permissive)
	if err != nil {
		return nil, err
	}
	return &Checkpoint{Shape: FlatStateDict, State: sd}, nil
}

func decodeStateDict(raw map[string]json.RawMessage, permissive bool) (StateDict, error) {
	if len(raw) == 0 {
		return nil, errors.New("state mapping is empty")
	}
	sd := make(StateDict, len(raw))
	for name, msg := range raw {
		t, err := decodeTensor(msg, permissive)
		if err != nil {
			return nil, fmt.Errorf("tensor %q: %w", name, err)
		}
		sd[name] = t
	}
	return sd, nil
}

type tensorPayload struct {
	Shape []int           `json:"shape"`
	Data  json.RawMessage `json:"data"`
	Raw   string          `json:"raw"`
}

func decodeTensor(msg json.RawMessage, permissive bool) (*tensor.Tensor, error) {
	var payload tensorPayload
	if err := json.Unmarshal(msg, &payload); err != nil {
		return nil, fmt.Errorf("not a tensor object: %w", err)
	}
	if len(payload.Shape) == 0 {
		return nil, errors.New("missing shape")
	}
	want := tensor.Numel(payload.Shape)
	if want == 0 {
		return nil, fmt.Errorf("degenerate shape %v", payload.Shape)
	}

	var values []float32
	var err error
	switch {
	case payload.Raw != "":
		values, err = decodeRaw(payload.Raw, permissive)
	case len(payload.Data) > 0:
		values, err = decodeValues(payload.Data, permissive)
	default:
		return nil, errors.New("tensor has neither data nor raw payload")
	}
	if err != nil {
		return nil, err
	}

	if len(values) != want {
		if !permissive {
			return nil, fmt.Errorf("%d values do not fit shape %v (want %d)", len(values), payload.Shape, want)
		}
		values = padOrTruncate(values, want)
	}
	return tensor.FromData(values, payload.Shape...)
}

func decodeValues(raw json.RawMessage, permissive bool) ([]float32, error) {
	if !permissive {
		var strict []float64
		if err := json.Unmarshal(raw, &strict); err != nil {
			return nil, fmt.Errorf("data is not a numeric array: %w", err)
		}
		out := make([]float32, len(strict))
		for i, v := range strict {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("non-finite value at index %d", i)
			}
			out[i] = float32(v)
		}
		return out, nil
	}

	var loose []any
	if err := json.Unmarshal(raw, &loose); err != nil {
		return nil, fmt.Errorf("data is not an array: %w", err)
	}
	out := make([]float32, len(loose))
	for i, v := range loose {
		out[i] = coerceValue(v)
	}
	return out, nil
}

// coerceValue maps permissive-mode entries to float32, flattening NaN/Inf
// spellings and unparseable values to 0.
func coerceValue(v any) float32 {
	switch t := v.(type) {
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return 0
		}
		return float32(t)
	case string:
		s := strings.ToLower(strings.TrimSpace(t))
		switch s {
		case "nan", "inf", "+inf", "-inf", "infinity", "+infinity", "-infinity":
			return 0
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
			return float32(f)
		}
		return 0
	case bool:
		if t {
			return 1
		}
		return 0
	default:
		return 0
	}
}

func decodeRaw(encoded string, permissive bool) ([]float32, error) {
	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("raw payload is not base64: %w", err)
	}
	if len(blob)%4 != 0 {
		if !permissive {
			return nil, fmt.Errorf("raw payload length %d is not a multiple of 4", len(blob))
		}
		blob = blob[:len(blob)-len(blob)%4]
	}
	out := make([]float32, len(blob)/4)
	for i := range out {
		bits := binary.LittleEndian.Uint32(blob[i*4:])
		f := math.Float32frombits(bits)
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			if !permissive {
				return nil, fmt.Errorf("non-finite value at index %d", i)
			}
			f = 0
		}
		out[i] = f
	}
	return out, nil
}

func padOrTruncate(values []float32, want int) []float32 {
	if len(values) >= want {
		return values[:want]
	}
	out := make([]float32, want)
	copy(out, values)
	return out
}
