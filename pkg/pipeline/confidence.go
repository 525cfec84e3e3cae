package pipeline

import (
	"context"
	"time"

	"github.com/icstlab/icst/pkg/apperr"
	"github.com/icstlab/icst/pkg/confidence"
)

// SampleInterval is the bootstrap interval for one sample.
type SampleInterval struct {
	SampleID string              `json:"sampleID"`
	Type     string              `json:"type"`
	Interval confidence.Interval `json:"interval"`
}

// Confidence is the result of a confidence call or job.
type Confidence struct {
	Samples []SampleInterval `json:"samples"`
	Invalid int              `json:"invalid"`
	Width   float64          `json:"interval"`
	Members int              `json:"members"`
	Version string           `json:"version"`
}

// ValidateConfidence performs every check that does not require scoring,
// alignment included, so asynchronous submissions can be rejected before a
// job is created.
func (s *Service) ValidateConfidence(req *ConfidenceRequest) error {
	if err := confidence.ValidateWidth(req.Interval); err != nil {
		return err
	}
	if err := req.Validate(); err != nil {
		return err
	}
	b, err := s.bundle()
	if err != nil {
		return err
	}
	if b.Ensemble == nil {
		return apperr.New(apperr.ModelUnavailable, "artifacts %s have no bootstrap ensemble", b.Version)
	}
	_, err = s.aligner.Align(req.Samples, b.Features, b.Imputer)
	return err
}

// ConfidenceSync runs Confidence for a batch small enough to answer inline.
func (s *Service) ConfidenceSync(ctx context.Context, req *ConfidenceRequest) (*Confidence, error) {
	if err := s.checkBatch(len(req.Samples)); err != nil {
		return nil, err
	}
	return s.Confidence(ctx, req)
}

// Confidence aligns the batch and computes one bootstrap interval per valid
// sample.
func (s *Service) Confidence(ctx context.Context, req *ConfidenceRequest) (*Confidence, error) {
	if err := confidence.ValidateWidth(req.Interval); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	b, err := s.bundle()
	if err != nil {
		return nil, err
	}
	if b.Ensemble == nil {
		return nil, apperr.New(apperr.ModelUnavailable, "artifacts %s have no bootstrap ensemble", b.Version)
	}

	aligned, err := s.aligner.Align(req.Samples, b.Features, b.Imputer)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	intervals, err := s.estimator.Estimate(ctx, aligned.Matrix(), b.Ensemble, req.Interval)
	if err != nil {
		return nil, err
	}
	s.observer.ObserveBootstrap(len(intervals), time.Since(start))

	out := &Confidence{
		Samples: make([]SampleInterval, len(intervals)),
		Invalid: aligned.Invalid,
		Width:   req.Interval,
		Members: b.Ensemble.Len(),
		Version: b.Version,
	}
	for i, iv := range intervals {
		sample := aligned.Samples[i]
		out.Samples[i] = SampleInterval{SampleID: sample.ID, Type: sample.Type, Interval: iv}
	}
	return out, nil
}
