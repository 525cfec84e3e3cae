package confidence

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/icstlab/icst/pkg/apperr"
	"github.com/icstlab/icst/pkg/models"
)

// fixedMember returns the same probability vector for every row.
type fixedMember struct {
	name  string
	probs []float64
	calls *int
}

func (f fixedMember) Name() string { return f.name }
func (f fixedMember) Width() int { return 2 }
func (f fixedMember) Classes() int { return len(f.probs) }

func (f fixedMember) PredictProba(_ context.Context, x [][]float64) ([][]float64, error) {
	if f.calls != nil {
		*f.calls++
	}
	out := make([][]float64, len(x))
	for i := range x {
		out[i] = f.probs
	}
	return out, nil
}

type failingMember struct{ fixedMember }

func (f failingMember) PredictProba(context.Context, [][]float64) ([][]float64, error) {
	return nil, errors.New("member exploded")
}

func ensembleOf(t *testing.T, peaks ...float64) *models.Ensemble {
	t.Helper()
	members := make([]models.Classifier, len(peaks))
	for i, p := range peaks {
		members[i] = fixedMember{name: fmt.Sprintf("m%d", i), probs: []float64{p, 1 - p}}
	}
	e, err := models.NewEnsemble(members)
	require.NoError(t, err)
	return e
}

func TestPercentile_Linear(t *testing.T) {
	sorted := []float64{1, 2, 3, 4}
	tests := []struct {
		q    float64
		want float64
	}{
		{0, 1},
		{100, 4},
		{50, 2.5},
		{2.5, 1.075},
		{97.5, 3.925},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, Percentile(sorted, tt.q), 1e-12, "q=%v", tt.q)
	}
	assert.Equal(t, 7.0, Percentile([]float64{7}, 30))
	assert.True(t, math.IsNaN(Percentile(nil, 50)))
}

func TestEstimate_FiveNumberSummary(t *testing.T) {
	e := ensembleOf(t, 0.6, 0.9, 0.7, 0.8)
	matrix := [][]float64{{1, 2}, {3, 4}}

	got, err := Estimate(context.Background(), matrix, e, 95)
	require.NoError(t, err)
	require.Len(t, got, 2)

	iv := got[0]
	assert.InDelta(t, 0.6, iv.Min, 1e-12)
	assert.InDelta(t, 0.6075, iv.Lower, 1e-12)
	assert.InDelta(t, 0.75, iv.Median, 1e-12)
	assert.InDelta(t, 0.8925, iv.Upper, 1e-12)
	assert.InDelta(t, 0.9, iv.Max, 1e-12)
	assert.Equal(t, got[0], got[1])
}

func TestEstimate_WidthBounds(t *testing.T) {
	e := ensembleOf(t, 0.6, 0.9)
	matrix := [][]float64{{1, 2}}

	full, err := Estimate(context.Background(), matrix, e, 100)
	require.NoError(t, err)
	assert.Equal(t, full[0].Min, full[0].Lower)
	assert.Equal(t, full[0].Max, full[0].Upper)

	zero, err := Estimate(context.Background(), matrix, e, 0)
	require.NoError(t, err)
	assert.InDelta(t, zero[0].Median, zero[0].Lower, 1e-12)
	assert.InDelta(t, zero[0].Median, zero[0].Upper, 1e-12)
}

func TestEstimate_InvalidIntervalBeforeScoring(t *testing.T) {
	calls := 0
	e, err := models.NewEnsemble([]models.Classifier{fixedMember{name: "m", probs: []float64{0.5, 0.5}, calls: &calls}})
	require.NoError(t, err)

	for _, width := range []float64{-1, 100.5, math.NaN()} {
		_, err := Estimate(context.Background(), [][]float64{{1, 2}}, e, width)
		require.Error(t, err)
		assert.Equal(t, apperr.InvalidInterval, apperr.KindOf(err))
	}
	assert.Zero(t, calls)
}

func TestEstimate_MemberFailure(t *testing.T) {
	e, err := models.NewEnsemble([]models.Classifier{
		fixedMember{name: "ok", probs: []float64{0.5, 0.5}},
		failingMember{fixedMember{name: "bad", probs: []float64{0.5, 0.5}}},
	})
	require.NoError(t, err)

	_, err = Estimate(context.Background(), [][]float64{{1, 2}}, e, 95)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "member exploded")
}

func TestEstimate_ParallelMatchesSequential(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	members := make([]models.Classifier, 25)
	for i := range members {
		spec := models.SoftmaxSpec{
			Name:    fmt.Sprintf("b%d", i),
			Weights: [][]float64{{rng.NormFloat64(), rng.NormFloat64()}, {rng.NormFloat64(), rng.NormFloat64()}, {0, 0}},
			Bias:    []float64{rng.NormFloat64(), 0, 0},
		}
		m, err := models.NewSoftmaxModel(spec)
		require.NoError(t, err)
		members[i] = m
	}
	e, err := models.NewEnsemble(members)
	require.NoError(t, err)

	matrix := make([][]float64, 40)
	for i := range matrix {
		matrix[i] = []float64{rng.NormFloat64(), rng.NormFloat64()}
	}

	seq, err := (&Estimator{Parallelism: 1}).Estimate(context.Background(), matrix, e, 90)
	require.NoError(t, err)
	par, err := (&Estimator{Parallelism: 8}).Estimate(context.Background(), matrix, e, 90)
	require.NoError(t, err)
	assert.Equal(t, seq, par)

	for _, iv := range par {
		v := iv.Values()
		for k := 1; k < len(v); k++ {
			assert.LessOrEqual(t, v[k-1], v[k], "interval %v not ordered", v)
		}
	}
}

func TestEstimate_EmptyMatrix(t *testing.T) {
	got, err := Estimate(context.Background(), nil, ensembleOf(t, 0.7), 95)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestEstimate_NoEnsemble(t *testing.T) {
	_, err := Estimate(context.Background(), [][]float64{{1, 2}}, nil, 95)
	assert.Equal(t, apperr.ModelUnavailable, apperr.KindOf(err))
}
