// Package models adapts externally trained scoring artifacts to a uniform
// "probability vector per sample" interface.
//
// Available classifiers:
//   - SoftmaxModel: multinomial logistic model exported as JSON, scored in-process
//   - RemoteModel: delegates scoring to an HTTP model server
//
// The package also holds the other fitted artifacts the pipeline consumes:
// the bootstrap Ensemble and the imputers used by feature alignment.
// Artifacts are stateless after loading and safe for concurrent use.
package models

import (
	"context"
	"fmt"
	"math"

	"github.com/icstlab/icst/pkg/apperr"
)

// ProbabilityTolerance bounds how far a probability vector may sum from 1.
const ProbabilityTolerance = 1e-6

// Classifier scores feature vectors.
type Classifier interface {
	// Name returns a short identifier for logs and metrics.
	Name() string
	// Width is the number of features each input row must have.
	Width() int
	// Classes is the length of every returned probability vector.
	Classes() int
	// PredictProba returns one probability vector per input row.
	PredictProba(ctx context.Context, x [][]float64) ([][]float64, error)
}

// Predict scores x with c and verifies the result's shape and that every
// row is a probability distribution.
func Predict(ctx context.Context, c Classifier, x [][]float64) ([][]float64, error) {
	for i, row := range x {
		if len(row) != c.Width() {
			return nil, apperr.New(apperr.MalformedInput,
				"row %d has %d features, classifier %s expects %d", i, len(row), c.Name(), c.Width())
		}
	}

	probs, err := c.PredictProba(ctx, x)
	if err != nil {
		return nil, err
	}
	if err := CheckProbabilities(probs, len(x), c.Classes()); err != nil {
		return nil, apperr.Wrap(apperr.InternalFailure, err, "classifier %s returned invalid probabilities", c.Name())
	}
	return probs, nil
}

// CheckProbabilities verifies that probs has rows rows of classes finite
// values in [0,1] summing to 1 within ProbabilityTolerance.
func CheckProbabilities(probs [][]float64, rows, classes int) error {
	if len(probs) != rows {
		return fmt.Errorf("expected %d probability rows, got %d", rows, len(probs))
	}
	for i, p := range probs {
		if len(p) != classes {
			return fmt.Errorf("row %d: expected %d classes, got %d", i, classes, len(p))
		}
		sum := 0.0
		for j, v := range p {
			if math.IsNaN(v) || v < 0 || v > 1 {
				return fmt.Errorf("row %d class %d: probability %v out of range", i, j, v)
			}
			sum += v
		}
		if math.Abs(sum-1) > ProbabilityTolerance {
			return fmt.Errorf("row %d: probabilities sum to %v", i, sum)
		}
	}
	return nil
}
