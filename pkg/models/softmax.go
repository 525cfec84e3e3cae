package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
)

// SoftmaxSpec is the serialized form of a multinomial logistic model.
//
//	{
//	  "name": "subgroup-lr-v3",
//	  "weights": [[...], ...],   // classes x features
//	  "bias": [...],             // classes
//	  "mean": [...],             // optional, features
//	  "scale": [...]             // optional, features
//	}
type SoftmaxSpec struct {
	Name    string      `json:"name"`
	Weights [][]float64 `json:"weights"`
	Bias    []float64   `json:"bias"`
	Mean    []float64   `json:"mean,omitempty"`
	Scale   []float64   `json:"scale,omitempty"`
}

// SoftmaxModel scores rows as softmax(W·z + b), where z is the row
// standardized with Mean and Scale when present.
type SoftmaxModel struct {
	name    string
	weights [][]float64
	bias    []float64
	mean    []float64
	scale   []float64
}

// NewSoftmaxModel validates spec and builds a model from it.
func NewSoftmaxModel(spec SoftmaxSpec) (*SoftmaxModel, error) {
	if len(spec.Weights) < 2 {
		return nil, errors.New("softmax: at least two classes required")
	}
	width := len(spec.Weights[0])
	if width == 0 {
		return nil, errors.New("softmax: weights have no features")
	}
	for k, w := range spec.Weights {
		if len(w) != width {
			return nil, fmt.Errorf("softmax: class %d has %d weights, want %d", k, len(w), width)
		}
	}
	if len(spec.Bias) != len(spec.Weights) {
		return nil, fmt.Errorf("softmax: %d biases for %d classes", len(spec.Bias), len(spec.Weights))
	}
	if spec.Mean != nil && len(spec.Mean) != width {
		return nil, fmt.Errorf("softmax: mean has %d entries, want %d", len(spec.Mean), width)
	}
	if spec.Scale != nil {
		if len(spec.Scale) != width {
			return nil, fmt.Errorf("softmax: scale has %d entries, want %d", len(spec.Scale), width)
		}
		for j, s := range spec.Scale {
			if s == 0 {
				return nil, fmt.Errorf("softmax: scale of feature %d is zero", j)
			}
		}
	}

	name := spec.Name
	if name == "" {
		name = "softmax"
	}

	return &SoftmaxModel{
		name:    name,
		weights: spec.Weights,
		bias:    spec.Bias,
		mean:    spec.Mean,
		scale:   spec.Scale,
	}, nil
}

// LoadSoftmaxModel reads a SoftmaxSpec from a JSON file.
func LoadSoftmaxModel(path string) (*SoftmaxModel, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open model: %w", err)
	}
	defer f.Close()
	return DecodeSoftmaxModel(f)
}

// DecodeSoftmaxModel reads a SoftmaxSpec from r.
func DecodeSoftmaxModel(r io.Reader) (*SoftmaxModel, error) {
	var spec SoftmaxSpec
	if err := json.NewDecoder(r).Decode(&spec); err != nil {
		return nil, fmt.Errorf("decode softmax model: %w", err)
	}
	return NewSoftmaxModel(spec)
}

// Name returns the model identifier.
func (m *SoftmaxModel) Name() string { return m.name }

// Width returns the number of input features.
func (m *SoftmaxModel) Width() int { return len(m.weights[0]) }

// Classes returns the number of output classes.
func (m *SoftmaxModel) Classes() int { return len(m.weights) }

// PredictProba scores every row of x.
func (m *SoftmaxModel) PredictProba(ctx context.Context, x [][]float64) ([][]float64, error) {
	out := make([][]float64, len(x))
	z := make([]float64, m.Width())
	for i, row := range x {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(row) != m.Width() {
			return nil, fmt.Errorf("softmax: row %d has %d features, want %d", i, len(row), m.Width())
		}
		for j, v := range row {
			if m.mean != nil {
				v -= m.mean[j]
			}
			if m.scale != nil {
				v /= m.scale[j]
			}
			z[j] = v
		}
		out[i] = m.score(z)
	}
	return out, nil
}

func (m *SoftmaxModel) score(z []float64) []float64 {
	logits := make([]float64, len(m.weights))
	peak := math.Inf(-1)
	for k, w := range m.weights {
		s := m.bias[k]
		for j, v := range z {
			s += w[j] * v
		}
		logits[k] = s
		peak = math.Max(peak, s)
	}

	sum := 0.0
	for k, l := range logits {
		logits[k] = math.Exp(l - peak)
		sum += logits[k]
	}
	for k := range logits {
		logits[k] /= sum
	}
	return logits
}
