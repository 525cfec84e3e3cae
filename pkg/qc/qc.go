// Package qc turns a probability vector into a call: a confident class, an
// ambiguous pair of classes, or no call at all.
package qc

import (
	"math"

	"github.com/icstlab/icst/pkg/apperr"
)

// DefaultThreshold is the calibrated cutoff used when none is configured.
const DefaultThreshold = 0.915

// MajorityFloor is the probability the leading class of an ambiguous pair
// must reach.
const MajorityFloor = 0.5

// Kind is the QC decision for one sample.
type Kind string

const (
	Confident       Kind = "confident"
	Ambiguous       Kind = "ambiguous"
	NotClassifiable Kind = "not_classifiable"
)

// Outcome is the decision for one probability vector.
//
// Class is the winning class index for Confident and Ambiguous outcomes and
// -1 for NotClassifiable. PairedClass, ProbA and ProbB are only set for
// Ambiguous outcomes.
type Outcome struct {
	Kind          Kind
	Class         int
	PairedClass   int
	Probabilities []float64
	ProbA         float64
	ProbB         float64
}

// Decide applies the QC gate to p.
//
// The highest probability wins outright when it reaches threshold. Otherwise
// the top two are reported as a pair when together they reach threshold and
// the top one holds at least MajorityFloor. Everything else is not
// classifiable. Both comparisons are inclusive: a leader of exactly 0.50
// with a runner-up of 0.45 must come out Ambiguous at threshold 0.9.
func Decide(p []float64, threshold float64) Outcome {
	if len(p) == 0 {
		return Outcome{Kind: NotClassifiable, Class: -1, PairedClass: -1}
	}

	first, second := topTwo(p)
	top := p[first]

	if top >= threshold {
		return Outcome{Kind: Confident, Class: first, PairedClass: -1, Probabilities: p}
	}

	runnerUp := 0.0
	if second >= 0 {
		runnerUp = p[second]
	}
	if second >= 0 && top+runnerUp >= threshold && top >= MajorityFloor {
		return Outcome{
			Kind:          Ambiguous,
			Class:         first,
			PairedClass:   second,
			Probabilities: p,
			ProbA:         top,
			ProbB:         runnerUp,
		}
	}

	return Outcome{Kind: NotClassifiable, Class: -1, PairedClass: -1, Probabilities: p}
}

// topTwo returns the index of the largest value and of the largest among
// the rest. Ties resolve to the lowest index. second is -1 when p has a
// single element.
func topTwo(p []float64) (first, second int) {
	first, second = 0, -1
	for i := 1; i < len(p); i++ {
		if p[i] > p[first] {
			first = i
		}
	}
	for i := range p {
		if i == first {
			continue
		}
		if second < 0 || p[i] > p[second] {
			second = i
		}
	}
	return first, second
}

// DecideAll applies Decide to every row.
func DecideAll(probs [][]float64, threshold float64) []Outcome {
	out := make([]Outcome, len(probs))
	for i, p := range probs {
		out[i] = Decide(p, threshold)
	}
	return out
}

// ValidateThreshold rejects thresholds outside (0, 1].
func ValidateThreshold(threshold float64) error {
	if math.IsNaN(threshold) || threshold <= 0 || threshold > 1 {
		return apperr.New(apperr.MalformedInput, "qc threshold %v must be in (0, 1]", threshold)
	}
	return nil
}

// Summary counts outcomes per kind.
type Summary struct {
	Confident       int `json:"confident"`
	Ambiguous       int `json:"ambiguous"`
	NotClassifiable int `json:"nc"`
}

// Summarize counts outcomes per kind.
func Summarize(outcomes []Outcome) Summary {
	var s Summary
	for _, o := range outcomes {
		switch o.Kind {
		case Confident:
			s.Confident++
		case Ambiguous:
			s.Ambiguous++
		case NotClassifiable:
			s.NotClassifiable++
		}
	}
	return s
}
