package qc

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/icstlab/icst/pkg/apperr"
)

func TestDecide_Outcomes(t *testing.T) {
	tests := []struct {
		name       string
		p          []float64
		wantKind   Kind
		wantClass  int
		wantPaired int
	}{
		{
			name:       "A confident",
			p:          []float64{0.97, 0.01, 0.01, 0.00, 0.01, 0.00},
			wantKind:   Confident,
			wantClass:  0,
			wantPaired: -1,
		},
		{
			name:       "B ambiguous pair",
			p:          []float64{0.50, 0.45, 0.02, 0.01, 0.01, 0.01},
			wantKind:   Ambiguous,
			wantClass:  0,
			wantPaired: 1,
		},
		{
			name:       "C not classifiable",
			p:          []float64{0.40, 0.35, 0.10, 0.08, 0.05, 0.02},
			wantKind:   NotClassifiable,
			wantClass:  -1,
			wantPaired: -1,
		},
		{
			name:       "pair named in probability order",
			p:          []float64{0.01, 0.30, 0.02, 0.65, 0.01, 0.01},
			wantKind:   Ambiguous,
			wantClass:  3,
			wantPaired: 1,
		},
		{
			name:       "pair clears threshold but leader below floor",
			p:          []float64{0.49, 0.49, 0.02},
			wantKind:   NotClassifiable,
			wantClass:  -1,
			wantPaired: -1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Decide(tt.p, DefaultThreshold)
			assert.Equal(t, tt.wantKind, got.Kind)
			assert.Equal(t, tt.wantClass, got.Class)
			assert.Equal(t, tt.wantPaired, got.PairedClass)
			assert.Equal(t, tt.p, got.Probabilities)
		})
	}
}

func TestDecide_AmbiguousCarriesPairProbabilities(t *testing.T) {
	got := Decide([]float64{0.50, 0.45, 0.02, 0.01, 0.01, 0.01}, DefaultThreshold)
	require.Equal(t, Ambiguous, got.Kind)
	assert.Equal(t, 0.50, got.ProbA)
	assert.Equal(t, 0.45, got.ProbB)
}

func TestDecide_ThresholdIsInclusive(t *testing.T) {
	got := Decide([]float64{0.8, 0.2}, 0.8)
	assert.Equal(t, Confident, got.Kind)
	assert.Equal(t, 0, got.Class)

	got = Decide([]float64{0.6, 0.2, 0.2}, 0.8)
	assert.Equal(t, Ambiguous, got.Kind)
}

func TestDecide_TiesResolveToLowestIndex(t *testing.T) {
	got := Decide([]float64{0.1, 0.45, 0.45}, 0.9)
	assert.Equal(t, NotClassifiable, got.Kind)

	got = Decide([]float64{0.5, 0.5}, 1)
	require.Equal(t, Ambiguous, got.Kind)
	assert.Equal(t, 0, got.Class)
	assert.Equal(t, 1, got.PairedClass)

	got = Decide([]float64{0.5, 0.5}, 0.5)
	assert.Equal(t, Confident, got.Kind)
	assert.Equal(t, 0, got.Class)
}

func TestDecide_DegenerateVectors(t *testing.T) {
	assert.Equal(t, NotClassifiable, Decide(nil, DefaultThreshold).Kind)

	got := Decide([]float64{1}, DefaultThreshold)
	assert.Equal(t, Confident, got.Kind)

	got = Decide([]float64{0.6}, DefaultThreshold)
	assert.Equal(t, NotClassifiable, got.Kind)
}

// The decision is a total function of the vector: every random vector maps
// to exactly the kind the three rules describe.
func TestDecide_Properties(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 5000; i++ {
		p := randomDistribution(rng, 2+rng.Intn(6))
		got := Decide(p, DefaultThreshold)

		maxP, secondP, argmax := reference(p)
		switch {
		case maxP >= DefaultThreshold:
			require.Equal(t, Confident, got.Kind, "p=%v", p)
			require.Equal(t, argmax, got.Class)
		case maxP+secondP >= DefaultThreshold && maxP >= MajorityFloor:
			require.Equal(t, Ambiguous, got.Kind, "p=%v", p)
			require.Equal(t, argmax, got.Class)
			require.Equal(t, secondP, p[got.PairedClass])
			require.NotEqual(t, got.Class, got.PairedClass)
		default:
			require.Equal(t, NotClassifiable, got.Kind, "p=%v", p)
		}
	}
}

func reference(p []float64) (maxP, secondP float64, argmax int) {
	maxP, secondP = math.Inf(-1), math.Inf(-1)
	for i, v := range p {
		if v > maxP {
			secondP = maxP
			maxP, argmax = v, i
		} else if v > secondP {
			secondP = v
		}
	}
	return maxP, secondP, argmax
}

func randomDistribution(rng *rand.Rand, n int) []float64 {
	p := make([]float64, n)
	sum := 0.0
	peak := rng.Intn(n)
	for i := range p {
		p[i] = rng.Float64()
		if i == peak {
			p[i] *= 1 + 20*rng.Float64()
		}
		sum += p[i]
	}
	for i := range p {
		p[i] /= sum
	}
	return p
}

func TestValidateThreshold(t *testing.T) {
	for _, ok := range []float64{0.001, 0.5, DefaultThreshold, 1} {
		assert.NoError(t, ValidateThreshold(ok), "threshold %v", ok)
	}
	for _, bad := range []float64{0, -0.1, 1.01, math.NaN()} {
		err := ValidateThreshold(bad)
		require.Error(t, err, "threshold %v", bad)
		assert.Equal(t, apperr.MalformedInput, apperr.KindOf(err))
	}
}

func TestSummarize(t *testing.T) {
	outcomes := DecideAll([][]float64{
		{0.97, 0.01, 0.01, 0.00, 0.01, 0.00},
		{0.50, 0.45, 0.02, 0.01, 0.01, 0.01},
		{0.40, 0.35, 0.10, 0.08, 0.05, 0.02},
		{0.40, 0.35, 0.10, 0.08, 0.05, 0.02},
	}, DefaultThreshold)

	assert.Equal(t, Summary{Confident: 1, Ambiguous: 1, NotClassifiable: 2}, Summarize(outcomes))
}

func TestDecide_MajorityFloorIsInclusive(t *testing.T) {
	got := Decide([]float64{0.50, 0.45, 0.05}, 0.9)
	assert.Equal(t, Ambiguous, got.Kind)
	assert.Equal(t, 0, got.Class)
	assert.Equal(t, 1, got.PairedClass)

	got = Decide([]float64{0.49, 0.46, 0.05}, 0.9)
	assert.Equal(t, NotClassifiable, got.Kind)
}
