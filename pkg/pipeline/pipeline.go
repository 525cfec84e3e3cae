// Package pipeline runs the classification workflow on top of the loaded
// artifacts: feature alignment, classifier scoring, the QC gate and
// bootstrap confidence estimation.
//
// Every operation captures one artifact Bundle when it starts and uses it
// to the end, so a concurrent reload never mixes versions within a call.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/icstlab/icst/pkg/apperr"
	"github.com/icstlab/icst/pkg/artifacts"
	"github.com/icstlab/icst/pkg/confidence"
	"github.com/icstlab/icst/pkg/features"
	"github.com/icstlab/icst/pkg/models"
	"github.com/icstlab/icst/pkg/qc"
)

// NotClassifiableLabel is reported as the prediction of samples that fail
// the QC gate.
const NotClassifiableLabel = "NC"

// BundleSource provides the current artifact Bundle.
type BundleSource interface {
	Current() *artifacts.Bundle
}

// Observer receives pipeline measurements. All methods must be safe for
// concurrent use.
type Observer interface {
	ObserveClassification(summary qc.Summary, invalid int, elapsed time.Duration)
	ObserveBootstrap(samples int, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) ObserveClassification(qc.Summary, int, time.Duration) {}
func (nopObserver) ObserveBootstrap(int, time.Duration) {}

// Config holds pipeline tunables.
type Config struct {
	QCThreshold          float64
	MissingBudget        int
	BootstrapParallelism int
	// MaxSyncSamples bounds synchronous batches. Zero means unlimited.
	MaxSyncSamples int
}

// Service runs pipeline operations.
type Service struct {
	source    BundleSource
	aligner   *features.Aligner
	estimator *confidence.Estimator
	cfg       Config
	observer  Observer
	logger    *slog.Logger
}

// New creates a Service. A nil observer or logger selects a no-op observer
// and slog.Default().
func New(source BundleSource, cfg Config, observer Observer, logger *slog.Logger) (*Service, error) {
	if cfg.QCThreshold == 0 {
		cfg.QCThreshold = qc.DefaultThreshold
	}
	if err := qc.ValidateThreshold(cfg.QCThreshold); err != nil {
		return nil, err
	}
	if observer == nil {
		observer = nopObserver{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		source:    source,
		aligner:   features.NewAligner(cfg.MissingBudget),
		estimator: &confidence.Estimator{Parallelism: cfg.BootstrapParallelism},
		cfg:       cfg,
		observer:  observer,
		logger:    logger,
	}, nil
}

func (s *Service) bundle() (*artifacts.Bundle, error) {
	b := s.source.Current()
	if b == nil {
		return nil, apperr.New(apperr.ModelUnavailable, "artifacts are not loaded")
	}
	return b, nil
}

func (s *Service) checkBatch(n int) error {
	if s.cfg.MaxSyncSamples > 0 && n > s.cfg.MaxSyncSamples {
		return apperr.New(apperr.TooLarge,
			"%d samples exceed the synchronous limit of %d; upload a file instead", n, s.cfg.MaxSyncSamples)
	}
	return nil
}

func (s *Service) threshold(override *float64) (float64, error) {
	if override == nil {
		return s.cfg.QCThreshold, nil
	}
	if err := qc.ValidateThreshold(*override); err != nil {
		return 0, err
	}
	return *override, nil
}

// scored is an aligned batch with its classifier output.
type scored struct {
	aligned *features.Result
	probs   [][]float64
}

func (s *Service) score(ctx context.Context, b *artifacts.Bundle, raw []features.RawSample) (*scored, error) {
	aligned, err := s.aligner.Align(raw, b.Features, b.Imputer)
	if err != nil {
		return nil, err
	}
	probs, err := models.Predict(ctx, b.Classifier, aligned.Matrix())
	if err != nil {
		return nil, err
	}
	return &scored{aligned: aligned, probs: probs}, nil
}
