package pipeline

import (
	"context"
	"time"

	"github.com/icstlab/icst/pkg/artifacts"
	"github.com/icstlab/icst/pkg/features"
	"github.com/icstlab/icst/pkg/qc"
)

// SampleCall is the QC-gated call for one sample.
type SampleCall struct {
	SampleID    string    `json:"sampleID"`
	Type        string    `json:"type"`
	Outcome     qc.Kind   `json:"outcome"`
	Prediction  string    `json:"prediction"`
	Probs       []float64 `json:"probs"`
	PairedClass string    `json:"pairedClass,omitempty"`
	PairedProbs []float64 `json:"pairedProbs,omitempty"`
	Imputed     int       `json:"imputed"`
	// Genes holds the aligned feature values; analyse results only.
	Genes       []float64 `json:"genes,omitempty"`
}

// Classification is the result of a classify call or analyse job.
type Classification struct {
	Samples     []SampleCall `json:"samples"`
	Invalid     int          `json:"invalid"`
	NC          int          `json:"nc"`
	Ambiguous   int          `json:"ambiguous"`
	Confident   int          `json:"confident"`
	Classes     []string     `json:"classes"`
	QCThreshold float64      `json:"qcThreshold"`
	Version     string       `json:"version"`
}

// SampleProbs is the raw classifier output for one sample.
type SampleProbs struct {
	SampleID string    `json:"sampleID"`
	Type     string    `json:"type"`
	Probs    []float64 `json:"probs"`
}

// Probabilities is the result of a probability call.
type Probabilities struct {
	Samples []SampleProbs `json:"samples"`
	Invalid int           `json:"invalid"`
	Classes []string      `json:"classes"`
	Version string        `json:"version"`
}

// Classify aligns, scores and QC-gates a synchronous batch.
func (s *Service) Classify(ctx context.Context, req *SamplesRequest) (*Classification, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := s.checkBatch(len(req.Samples)); err != nil {
		return nil, err
	}
	threshold, err := s.threshold(req.QCThreshold)
	if err != nil {
		return nil, err
	}
	b, err := s.bundle()
	if err != nil {
		return nil, err
	}
	return s.classify(ctx, b, req.Samples, threshold, false)
}

func (s *Service) classify(ctx context.Context, b *artifacts.Bundle, raw []features.RawSample, threshold float64, withGenes bool) (*Classification, error) {
	start := time.Now()

	sc, err := s.score(ctx, b, raw)
	if err != nil {
		return nil, err
	}

	outcomes := qc.DecideAll(sc.probs, threshold)
	summary := qc.Summarize(outcomes)

	out := &Classification{
		Samples:     make([]SampleCall, len(outcomes)),
		Invalid:     sc.aligned.Invalid,
		NC:          summary.NotClassifiable,
		Ambiguous:   summary.Ambiguous,
		Confident:   summary.Confident,
		Classes:     b.Classes,
		QCThreshold: threshold,
		Version:     b.Version,
	}
	for i, o := range outcomes {
		sample := sc.aligned.Samples[i]
		out.Samples[i] = callFor(b, sample, o)
		if withGenes {
			out.Samples[i].Genes = sample.Values
		}
	}

	s.observer.ObserveClassification(summary, sc.aligned.Invalid, time.Since(start))
	s.logger.Debug("classified batch",
		"samples", len(raw),
		"invalid", out.Invalid,
		"nc", out.NC,
		"ambiguous", out.Ambiguous,
		"version", b.Version)

	return out, nil
}

func callFor(b *artifacts.Bundle, sample features.AlignedSample, o qc.Outcome) SampleCall {
	call := SampleCall{
		SampleID: sample.ID,
		Type:     sample.Type,
		Outcome:  o.Kind,
		Probs:    o.Probabilities,
		Imputed:  sample.Imputed,
	}
	switch o.Kind {
	case qc.Confident:
		call.Prediction = b.ClassLabel(o.Class)
	case qc.Ambiguous:
		call.Prediction = b.ClassLabel(o.Class)
		call.PairedClass = b.ClassLabel(o.PairedClass)
		call.PairedProbs = []float64{o.ProbA, o.ProbB}
	default:
		call.Prediction = NotClassifiableLabel
	}
	return call
}

// Probabilities returns the raw classifier output without the QC gate.
func (s *Service) Probabilities(ctx context.Context, req *SamplesRequest) (*Probabilities, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := s.checkBatch(len(req.Samples)); err != nil {
		return nil, err
	}
	b, err := s.bundle()
	if err != nil {
		return nil, err
	}

	sc, err := s.score(ctx, b, req.Samples)
	if err != nil {
		return nil, err
	}

	out := &Probabilities{
		Samples: make([]SampleProbs, len(sc.probs)),
		Invalid: sc.aligned.Invalid,
		Classes: b.Classes,
		Version: b.Version,
	}
	for i, p := range sc.probs {
		sample := sc.aligned.Samples[i]
		out.Samples[i] = SampleProbs{SampleID: sample.ID, Type: sample.Type, Probs: p}
	}
	return out, nil
}
