package features

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/icstlab/icst/pkg/apperr"
)

// DefaultMissingBudget is the number of accepted features a sample may lack
// before it is excluded instead of imputed.
const DefaultMissingBudget = 10

// RawSample is one input row as submitted by a client.
//
// Feature values may be float64, json.Number, string or nil. Strings are
// parsed as numbers; blank, NA and NaN strings and nil are missing values.
type RawSample struct {
	ID       string         `json:"sampleID" validate:"required,sampleid"`
	Type     string         `json:"type,omitempty" validate:"max=64"`
	Features map[string]any `json:"genes" validate:"required,min=1"`
}

// AlignedSample is a RawSample projected onto a Set, in canonical order and
// with every missing value imputed.
type AlignedSample struct {
	ID      string
	Type    string
	Values  []float64
	Imputed int
}

// Result is the output of Align.
type Result struct {
	Samples []AlignedSample
	// Invalid counts samples excluded for exceeding the missing-feature budget.
	Invalid int
	// Types lists the type label of every sample in Samples, in order.
	Types []string
}

// Matrix returns the feature vectors of all aligned samples.
func (r *Result) Matrix() [][]float64 {
	m := make([][]float64, len(r.Samples))
	for i := range r.Samples {
		m[i] = r.Samples[i].Values
	}
	return m
}

// IDs returns the sample identifiers in order.
func (r *Result) IDs() []string {
	ids := make([]string, len(r.Samples))
	for i := range r.Samples {
		ids[i] = r.Samples[i].ID
	}
	return ids
}

// Imputer fills the missing (NaN) entries of a canonical feature vector in
// place. Implementations must be deterministic.
type Imputer interface {
	Width() int
	Impute(row []float64) error
}

// Aligner aligns raw samples to a feature set.
type Aligner struct {
	MissingBudget int
}

// NewAligner returns an Aligner with the given missing-feature budget.
// A negative budget selects DefaultMissingBudget.
func NewAligner(missingBudget int) *Aligner {
	if missingBudget < 0 {
		missingBudget = DefaultMissingBudget
	}
	return &Aligner{MissingBudget: missingBudget}
}

// Align intersects every sample's feature names with set, drops samples
// with too many missing accepted features and imputes the rest with imp.
func (a *Aligner) Align(raw []RawSample, set *Set, imp Imputer) (*Result, error) {
	if set == nil || imp == nil {
		return nil, apperr.New(apperr.ModelUnavailable, "feature set or imputer not loaded")
	}
	if imp.Width() != set.Len() {
		return nil, apperr.New(apperr.ModelUnavailable,
			"imputer expects %d features but the accepted feature set has %d", imp.Width(), set.Len())
	}
	if len(raw) == 0 {
		return nil, apperr.New(apperr.MalformedInput, "no samples submitted")
	}
	if err := checkIDs(raw); err != nil {
		return nil, err
	}

	width := set.Len()
	rows := make([][]float64, len(raw))
	present := make([]int, len(raw))
	matched := 0

	for i, sample := range raw {
		row, n, m, err := project(sample, set)
		if err != nil {
			return nil, err
		}
		rows[i] = row
		present[i] = n
		matched += m
	}

	if matched == 0 {
		return nil, apperr.New(apperr.MalformedInput,
			"none of the submitted feature names match the %d accepted features", width)
	}

	res := &Result{}
	for i, sample := range raw {
		missing := width - present[i]
		if missing > a.MissingBudget {
			res.Invalid++
			continue
		}

		row := rows[i]
		if missing > 0 {
			if err := imp.Impute(row); err != nil {
				return nil, apperr.Wrap(apperr.InternalFailure, err, "impute sample %q", sample.ID)
			}
		}
		if len(row) != width || hasNaN(row) {
			return nil, apperr.New(apperr.MalformedInput,
				"sample %q: expected %d complete features after alignment", sample.ID, width)
		}

		typ := strings.TrimSpace(sample.Type)
		if typ == "" {
			typ = UnknownType
		}

		res.Samples = append(res.Samples, AlignedSample{
			ID:      sample.ID,
			Type:    typ,
			Values:  row,
			Imputed: missing,
		})
		res.Types = append(res.Types, typ)
	}

	if len(res.Samples) == 0 {
		return nil, apperr.New(apperr.MalformedInput,
			"no valid samples: all %d samples miss more than %d of the %d accepted features",
			len(raw), a.MissingBudget, width)
	}

	return res, nil
}

func checkIDs(raw []RawSample) error {
	seen := make(map[string]struct{}, len(raw))
	for i, s := range raw {
		if strings.TrimSpace(s.ID) == "" {
			return apperr.New(apperr.MalformedInput, "sample %d: sample id cannot be empty", i)
		}
		if _, dup := seen[s.ID]; dup {
			return apperr.New(apperr.MalformedInput, "duplicate sample id %q", s.ID)
		}
		seen[s.ID] = struct{}{}
	}
	return nil
}

// project places a sample's accepted values at their canonical positions.
// It returns the row (NaN where missing), the number of present values and
// the number of matched feature names.
func project(sample RawSample, set *Set) ([]float64, int, int, error) {
	row := make([]float64, set.Len())
	for i := range row {
		row[i] = math.NaN()
	}

	keys := make([]string, 0, len(sample.Features))
	for k := range sample.Features {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	seen := make(map[int]string, len(keys))
	present, matched := 0, 0
	for _, key := range keys {
		idx, ok := set.Index(Normalize(key))
		if !ok {
			continue
		}
		if prev, dup := seen[idx]; dup {
			return nil, 0, 0, apperr.New(apperr.MalformedInput,
				"sample %q: feature names %q and %q refer to the same feature", sample.ID, prev, key)
		}
		seen[idx] = key
		matched++

		v, missing, err := parseValue(sample.Features[key])
		if err != nil {
			return nil, 0, 0, apperr.Wrap(apperr.MalformedInput, err,
				"sample %q: feature %q has a non-numeric value", sample.ID, key)
		}
		if missing {
			continue
		}
		row[idx] = v
		present++
	}
	return row, present, matched, nil
}

func parseValue(v any) (float64, bool, error) {
	switch x := v.(type) {
	case nil:
		return 0, true, nil
	case float64:
		return finite(x)
	case float32:
		return finite(float64(x))
	case int:
		return float64(x), false, nil
	case int64:
		return float64(x), false, nil
	case json.Number:
		f, err := strconv.ParseFloat(x.String(), 64)
		if err != nil {
			return 0, false, err
		}
		return finite(f)
	case string:
		s := strings.TrimSpace(x)
		switch strings.ToUpper(s) {
		case "", "NA", "NAN", "N/A", "NULL":
			return 0, true, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false, err
		}
		return finite(f)
	default:
		return 0, false, fmt.Errorf("unsupported value type %T", v)
	}
}

func finite(f float64) (float64, bool, error) {
	if math.IsNaN(f) {
		return 0, true, nil
	}
	if math.IsInf(f, 0) {
		return 0, false, fmt.Errorf("value is infinite")
	}
	return f, false, nil
}

func hasNaN(row []float64) bool {
	for _, v := range row {
		if math.IsNaN(v) {
			return true
		}
	}
	return false
}
