package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
)

// Imputer kinds accepted in imputer files.
const (
	ImputerConstant = "constant"
	ImputerChained  = "chained"
)

// ImputerSpec is the serialized form of a fitted imputer.
//
// A "constant" imputer only needs Fill. A "chained" imputer additionally
// carries one regression per feature: feature j is predicted as
// Intercepts[j] + sum over k != j of Coefficients[j][k]*x[k].
type ImputerSpec struct {
	Kind         string      `json:"kind"`
	Fill         []float64   `json:"fill"`
	Coefficients [][]float64 `json:"coefficients,omitempty"`
	Intercepts   []float64   `json:"intercepts,omitempty"`
	Rounds       int         `json:"rounds,omitempty"`
	Min          *float64    `json:"min,omitempty"`
	Max          *float64    `json:"max,omitempty"`
}

// FittedImputer fills NaN entries of a canonical feature vector in place.
type FittedImputer interface {
	Width() int
	Impute(row []float64) error
}

// ConstantImputer replaces each missing feature with a fixed per-feature
// value, usually the training mean.
type ConstantImputer struct {
	fill []float64
}

// NewConstantImputer builds a ConstantImputer from fill.
func NewConstantImputer(fill []float64) (*ConstantImputer, error) {
	if len(fill) == 0 {
		return nil, errors.New("imputer: fill values are required")
	}
	for j, v := range fill {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("imputer: fill value %d is not finite", j)
		}
	}
	return &ConstantImputer{fill: fill}, nil
}

func (c *ConstantImputer) Width() int { return len(c.fill) }

func (c *ConstantImputer) Impute(row []float64) error {
	if len(row) != len(c.fill) {
		return fmt.Errorf("imputer: row has %d features, want %d", len(row), len(c.fill))
	}
	for j, v := range row {
		if math.IsNaN(v) {
			row[j] = c.fill[j]
		}
	}
	return nil
}

// ChainedImputer starts from the fill values and then, for a fixed number
// of rounds, re-estimates every missing feature in ascending index order
// from the current values of all other features.
type ChainedImputer struct {
	fill   []float64
	coef   [][]float64
	icpt   []float64
	rounds int
	min    float64
	max    float64
}

// NewChainedImputer validates spec and builds a ChainedImputer.
func NewChainedImputer(spec ImputerSpec) (*ChainedImputer, error) {
	width := len(spec.Fill)
	if _, err := NewConstantImputer(spec.Fill); err != nil {
		return nil, err
	}
	if len(spec.Coefficients) != width || len(spec.Intercepts) != width {
		return nil, fmt.Errorf("imputer: chained imputer needs %d coefficient rows and intercepts, got %d and %d",
			width, len(spec.Coefficients), len(spec.Intercepts))
	}
	for j, c := range spec.Coefficients {
		if len(c) != width {
			return nil, fmt.Errorf("imputer: coefficient row %d has %d entries, want %d", j, len(c), width)
		}
	}

	rounds := spec.Rounds
	if rounds <= 0 {
		rounds = 10
	}
	lo, hi := math.Inf(-1), math.Inf(1)
	if spec.Min != nil {
		lo = *spec.Min
	}
	if spec.Max != nil {
		hi = *spec.Max
	}
	if lo > hi {
		return nil, fmt.Errorf("imputer: min %v exceeds max %v", lo, hi)
	}

	return &ChainedImputer{
		fill:   spec.Fill,
		coef:   spec.Coefficients,
		icpt:   spec.Intercepts,
		rounds: rounds,
		min:    lo,
		max:    hi,
	}, nil
}

func (c *ChainedImputer) Width() int { return len(c.fill) }

func (c *ChainedImputer) Impute(row []float64) error {
	if len(row) != len(c.fill) {
		return fmt.Errorf("imputer: row has %d features, want %d", len(row), len(c.fill))
	}

	var missing []int
	for j, v := range row {
		if math.IsNaN(v) {
			missing = append(missing, j)
			row[j] = c.fill[j]
		}
	}

	for r := 0; r < c.rounds && len(missing) > 0; r++ {
		for _, j := range missing {
			est := c.icpt[j]
			for k, v := range row {
				if k != j {
					est += c.coef[j][k] * v
				}
			}
			row[j] = math.Min(math.Max(est, c.min), c.max)
		}
	}

	for _, j := range missing {
		if math.IsNaN(row[j]) || math.IsInf(row[j], 0) {
			return fmt.Errorf("imputer: feature %d diverged", j)
		}
	}
	return nil
}

// LoadImputer reads an ImputerSpec from a JSON file.
func LoadImputer(path string) (FittedImputer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open imputer: %w", err)
	}
	defer f.Close()
	return DecodeImputer(f)
}

// DecodeImputer reads an ImputerSpec from r and builds the matching imputer.
func DecodeImputer(r io.Reader) (FittedImputer, error) {
	var spec ImputerSpec
	if err := json.NewDecoder(r).Decode(&spec); err != nil {
		return nil, fmt.Errorf("decode imputer: %w", err)
	}

	switch spec.Kind {
	case ImputerConstant, "":
		return NewConstantImputer(spec.Fill)
	case ImputerChained:
		return NewChainedImputer(spec)
	default:
		return nil, fmt.Errorf("imputer: unknown kind %q", spec.Kind)
	}
}
