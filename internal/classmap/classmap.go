// Package classmap loads and normalizes the model's index↔label table.
package classmap

import (
	"encoding/json"
	"os"
	"strconv"
	"sync"

	"github.com/herdvision/herdvision/internal/redact"
)

// ClassMap maps stringified class indices ("0".."N-1") to disease labels.
type ClassMap map[string]string

// Default returns the built-in 3-class table used when no source is available.
func Default() ClassMap {
	return ClassMap{
		"0": "foot-and-mouth",
		"1": "healthy",
		"2": "lumpy",
	}
}

// Label returns the label for a class index, falling back to the
// stringified index when the table has no entry for it.
func (m ClassMap) Label(idx int) string {
	key := strconv.Itoa(idx)
	if label, ok := m[key]; ok {
		return label
	}
	return key
}

// Labels returns the labels in index order. Indices absent from the
// table appear as their stringified index.
func (m ClassMap) Labels() []string {
	out := make([]string, len(m))
	for i := range out {
		out[i] = m.Label(i)
	}
	return out
}

// Len reports the number of classes.
func (m ClassMap) Len() int { return len(m) }

// Store memoizes the class map for the life of the process.
// A changed table on disk requires a restart (or Reset, in tests).
type Store struct {
	path string

	mu       sync.Mutex
	loaded   bool
	classMap ClassMap
}

// NewStore returns a Store reading from the given JSON file.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load returns the normalized class map, reading and caching it on first use.
// Missing or corrupt sources fall back to the default table.
func (s *Store) Load() ClassMap {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loaded {
		return s.classMap
	}

	s.classMap = s.loadLocked()
	s.loaded = true
	return s.classMap
}

// Reset clears the cached table so the next Load re-reads the source.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loaded = false
	s.classMap = nil
}

func (s *Store) loadLocked() ClassMap {
	data, err := os.ReadFile(s.path)
	if err != nil {
		redact.Logf("classmap: %s unreadable (%v), using default table", s.path, err)
		return Default()
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		redact.Logf("classmap: failed to parse %s (%v), using default table", s.path, err)
		return Default()
	}

	normalized := normalize(raw)
	if len(normalized) == 0 {
		redact.Logf("classmap: %s is empty, using default table", s.path)
		return Default()
	}
	return normalized
}

// normalize accepts either index→label or label→index tables and returns
// the canonical index→label form. The inverted shape is detected when any
// key is non-numeric while values look numeric.
func normalize(raw map[string]any) ClassMap {
	if looksLabelToIndex(raw) {
		out := make(ClassMap, len(raw))
		for label, idx := range raw {
			out[indexKey(idx)] = label
		}
		return out
	}

	out := make(ClassMap, len(raw))
	for k, v := range raw {
		out[k] = stringify(v)
	}
	return out
}

func looksLabelToIndex(raw map[string]any) bool {
	if len(raw) == 0 {
		return false
	}
	anyNonDigitKey := false
	anyNumericValue := false
	for k, v := range raw {
		if !isDigits(k) {
			anyNonDigitKey = true
		}
		switch t := v.(type) {
		case float64:
			anyNumericValue = true
		case string:
			if isDigits(t) {
				anyNumericValue = true
			}
		}
	}
	return anyNonDigitKey && anyNumericValue
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func indexKey(v any) string {
	switch t := v.(type) {
	case float64:
		return strconv.Itoa(int(t))
	case string:
		if n, err := strconv.Atoi(t); err == nil {
			return strconv.Itoa(n)
		}
		return t
	default:
		return stringify(v)
	}
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}
