package service

import (
	"context"

	"github.com/curvescan/curvescan/internal/holders"
	"github.com/curvescan/curvescan/internal/jobs"
	"github.com/curvescan/curvescan/internal/model"
)

// HolderAnalyzer adapts the holder orchestrator to the job processor's
// analyzer interface.
type HolderAnalyzer struct {
	orch *holders.Orchestrator
}

// NewHolderAnalyzer wraps the orchestrator.
func NewHolderAnalyzer(orch *holders.Orchestrator) *HolderAnalyzer {
	return &HolderAnalyzer{orch: orch}
}

// Analyze runs one holder analysis for a job request.
func (a *HolderAnalyzer) Analyze(ctx context.Context, req jobs.AnalyzeRequest) (model.HolderSnapshot, error) {
	return a.orch.Analyze(ctx, holders.Request{
		Mint:               req.Mint,
		ForceRefresh:       req.ForceRefresh,
		SkipClassification: req.SkipClassification,
		SaveSnapshot:       req.SaveSnapshot,
	})
}
