package postprocess

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"sync"

	"github.com/herdvision/herdvision/internal/redact"
)

// TreatmentStore memoizes the disease→treatment-guidance table. A missing or
// unparseable source yields an empty table, never an error.
type TreatmentStore struct {
	path string

	mu     sync.Mutex
	loaded bool
	table  map[string]string
}

// NewTreatmentStore returns a store reading from the given JSON file.
func NewTreatmentStore(path string) *TreatmentStore {
	return &TreatmentStore{path: path}
}

// Load returns the treatment table, reading and caching it on first use.
func (s *TreatmentStore) Load() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loaded {
		return s.table
	}

	s.table = s.loadLocked()
	s.loaded = true
	return s.table
}

// Reset clears the cached table so the next Load re-reads the source.
func (s *TreatmentStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loaded = false
	s.table = nil
}

func (s *TreatmentStore) loadLocked() map[string]string {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return map[string]string{}
	}
	// Tolerate a UTF-8 BOM; the table is hand-edited on Windows sometimes.
	data = bytes.TrimPrefix(data, []byte{0xEF, 0xBB, 0xBF})

	var table map[string]string
	if err := json.Unmarshal(data, &table); err != nil {
		redact.Logf("postprocess: failed to parse %s: %v", s.path, err)
		return map[string]string{}
	}
	return table
}

// Dosage rates embedded in treatment text come in a few spellings.
var dosageRatePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)([0-9]+(?:\.[0-9]+)?)\s*mg\s*/\s*kg`),
	regexp.MustCompile(`(?i)mg[_\s/]*per[_\s]*kg[:=]?\s*([0-9]+(?:\.[0-9]+)?)`),
	regexp.MustCompile(`(?i)mg_per_kg[:=]\s*([0-9]+(?:\.[0-9]+)?)`),
}

// ExtractDosageRate pulls a mg/kg dosage rate out of free-text treatment
// guidance, accepting "2 mg/kg", "mg per kg: 2", and "mg_per_kg=2" spellings.
func ExtractDosageRate(text string) (float64, bool) {
	if text == "" {
		return 0, false
	}
	for _, re := range dosageRatePatterns {
		m := re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		rate, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		return rate, true
	}
	return 0, false
}

// ComputeDosage formats the total dose for a subject of known weight.
func ComputeDosage(weightKg, mgPerKg float64) string {
	return fmt.Sprintf("%.0f mg total (%v mg/kg × %v kg)", mgPerKg*weightKg, mgPerKg, weightKg)
}
