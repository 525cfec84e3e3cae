package pipeline

import (
	"context"
	"encoding/json"

	"github.com/icstlab/icst/pkg/apperr"
	"github.com/icstlab/icst/pkg/jobs"
)

// Register installs the pipeline's job runners on o.
func (s *Service) Register(o *jobs.Orchestrator) {
	o.Register(jobs.KindAnalyse, s.runAnalyse)
	o.Register(jobs.KindConfidence, s.runConfidence)
}

func (s *Service) runAnalyse(ctx context.Context, payload json.RawMessage) (any, error) {
	var req FileRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, apperr.Wrap(apperr.InternalFailure, err, "decode analyse payload")
	}
	return s.Analyse(ctx, &req)
}

func (s *Service) runConfidence(ctx context.Context, payload json.RawMessage) (any, error) {
	var req ConfidenceRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, apperr.Wrap(apperr.InternalFailure, err, "decode confidence payload")
	}
	return s.Confidence(ctx, &req)
}
