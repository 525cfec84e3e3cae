package pipeline

import (
	"context"
	"io"
	"os"

	"github.com/icstlab/icst/pkg/apperr"
	"github.com/icstlab/icst/pkg/artifacts"
	"github.com/icstlab/icst/pkg/features"
)

// Analysis is the result of an analyse job: the full classification of an
// uploaded matrix plus the feature names it was aligned to.
type Analysis struct {
	Classification
	Features []string `json:"geneNames"`
	Filename string   `json:"filename,omitempty"`
}

// ExtractedSample is one aligned row of an extracted matrix.
type ExtractedSample struct {
	SampleID string    `json:"sampleID"`
	Type     string    `json:"type"`
	Values   []float64 `json:"values"`
	Imputed  int       `json:"imputed"`
}

// Extraction is an uploaded matrix reduced to the accepted features.
type Extraction struct {
	Features []string          `json:"geneNames"`
	Samples  []ExtractedSample `json:"samples"`
	Invalid  int               `json:"invalid"`
	Version  string            `json:"version"`
}

// ValidateAnalyse checks the options of an analyse upload before the file
// is stored and a job is created.
func (s *Service) ValidateAnalyse(threshold *float64) error {
	if _, err := s.threshold(threshold); err != nil {
		return err
	}
	_, err := s.bundle()
	return err
}

// Analyse reads the uploaded matrix at req.Path and classifies it.
func (s *Service) Analyse(ctx context.Context, req *FileRequest) (*Analysis, error) {
	if err := req.Validate(); err != nil {
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

	raw, err := s.readFile(b, req)
	if err != nil {
		return nil, err
	}

	cls, err := s.classify(ctx, b, raw, threshold, true)
	if err != nil {
		return nil, err
	}
	return &Analysis{
		Classification: *cls,
		Features:       b.Features.Names(),
		Filename:       req.Filename,
	}, nil
}

// Extract aligns an uploaded matrix from r without scoring it.
func (s *Service) Extract(ctx context.Context, r io.Reader, filename, delimiter string) (*Extraction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := s.bundle()
	if err != nil {
		return nil, err
	}

	raw, err := features.ReadCSV(r, features.CSVOptions{
		Delimiter: features.DelimiterFor(filename, delimiter),
		Set:       b.Features,
	})
	if err != nil {
		return nil, err
	}
	aligned, err := s.aligner.Align(raw, b.Features, b.Imputer)
	if err != nil {
		return nil, err
	}

	out := &Extraction{
		Features: b.Features.Names(),
		Samples:  make([]ExtractedSample, len(aligned.Samples)),
		Invalid:  aligned.Invalid,
		Version:  b.Version,
	}
	for i, sample := range aligned.Samples {
		out.Samples[i] = ExtractedSample{
			SampleID: sample.ID,
			Type:     sample.Type,
			Values:   sample.Values,
			Imputed:  sample.Imputed,
		}
	}
	return out, nil
}

func (s *Service) readFile(b *artifacts.Bundle, req *FileRequest) ([]features.RawSample, error) {
	f, err := os.Open(req.Path)
	if err != nil {
		return nil, apperr.Wrap(apperr.InternalFailure, err, "open uploaded file")
	}
	defer f.Close()

	name := req.Filename
	if name == "" {
		name = req.Path
	}
	return features.ReadCSV(f, features.CSVOptions{
		Delimiter: features.DelimiterFor(name, req.Delimiter),
		Set:       b.Features,
	})
}
