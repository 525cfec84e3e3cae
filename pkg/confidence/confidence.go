// Package confidence derives bootstrap confidence intervals for predictions.
//
// Every ensemble member scores the same aligned matrix; for each sample the
// member-wise maximum class probabilities form an empirical distribution
// summarized by five percentiles.
package confidence

import (
	"context"
	"math"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/icstlab/icst/pkg/apperr"
	"github.com/icstlab/icst/pkg/models"
)

// Interval is the five-number summary of one sample's bootstrap
// distribution. Fields are non-decreasing in declaration order.
type Interval struct {
	Min    float64 `json:"min"`
	Lower  float64 `json:"lower"`
	Median float64 `json:"median"`
	Upper  float64 `json:"upper"`
	Max    float64 `json:"max"`
}

// Values returns the interval as [min, lower, median, upper, max].
func (iv Interval) Values() []float64 {
	return []float64{iv.Min, iv.Lower, iv.Median, iv.Upper, iv.Max}
}

// ValidateWidth rejects interval widths outside [0, 100].
func ValidateWidth(width float64) error {
	if math.IsNaN(width) || width < 0 || width > 100 {
		return apperr.New(apperr.InvalidInterval, "interval %v must be between 0 and 100", width)
	}
	return nil
}

// Estimator scores ensemble members concurrently.
type Estimator struct {
	// Parallelism bounds how many members score at once. Zero means
	// GOMAXPROCS.
	Parallelism int
}

// Estimate computes one Interval per row of matrix.
func Estimate(ctx context.Context, matrix [][]float64, ensemble *models.Ensemble, width float64) ([]Interval, error) {
	return (&Estimator{}).Estimate(ctx, matrix, ensemble, width)
}

// Estimate computes one Interval per row of matrix. The result does not
// depend on Parallelism.
func (e *Estimator) Estimate(ctx context.Context, matrix [][]float64, ensemble *models.Ensemble, width float64) ([]Interval, error) {
	if err := ValidateWidth(width); err != nil {
		return nil, err
	}
	if ensemble == nil || ensemble.Len() == 0 {
		return nil, apperr.New(apperr.ModelUnavailable, "bootstrap ensemble not loaded")
	}
	if len(matrix) == 0 {
		return []Interval{}, nil
	}

	maxima := make([][]float64, ensemble.Len())

	limit := e.Parallelism
	if limit <= 0 {
		limit = runtime.GOMAXPROCS(0)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for m := 0; m < ensemble.Len(); m++ {
		member := ensemble.Member(m)
		g.Go(func() error {
			probs, err := models.Predict(gctx, member, matrix)
			if err != nil {
				return err
			}
			row := make([]float64, len(probs))
			for i, p := range probs {
				row[i] = maxOf(p)
			}
			maxima[m] = row
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	bound := 100 - width
	qs := [5]float64{0, bound / 2, 50, 100 - bound/2, 100}

	out := make([]Interval, len(matrix))
	column := make([]float64, ensemble.Len())
	for i := range matrix {
		for m := range maxima {
			column[m] = maxima[m][i]
		}
		sort.Float64s(column)
		out[i] = Interval{
			Min:    Percentile(column, qs[0]),
			Lower:  Percentile(column, qs[1]),
			Median: Percentile(column, qs[2]),
			Upper:  Percentile(column, qs[3]),
			Max:    Percentile(column, qs[4]),
		}
	}
	return out, nil
}

// Percentile returns the q-th percentile of sorted, interpolating linearly
// between the two nearest order statistics.
func Percentile(sorted []float64, q float64) float64 {
	n := len(sorted)
	if n == 0 {
		return math.NaN()
	}
	if n == 1 {
		return sorted[0]
	}

	rank := q / 100 * float64(n-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo < 0 {
		lo = 0
	}
	if hi > n-1 {
		hi = n - 1
	}
	return sorted[lo] + (sorted[hi]-sorted[lo])*(rank-float64(lo))
}

func maxOf(p []float64) float64 {
	best := math.Inf(-1)
	for _, v := range p {
		if v > best {
			best = v
		}
	}
	return best
}
