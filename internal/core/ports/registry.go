package ports

import (
	"context"

	"github.com/ArkLabsHQ/tidal/internal/core/domain"
)

type CandidatesRequest struct {
	SwapType   domain.SwapType
	ChainID    string
	Token      string
	AmountSats uint64
}

// IntermediaryRegistry discovers LPs.
type IntermediaryRegistry interface {
	// GetCandidates returns the LPs advertising support for the request.
	// A zero AmountSats skips the amount bounds check.
	GetCandidates(ctx context.Context, req CandidatesRequest) ([]domain.Intermediary, error)
	Reload(ctx context.Context) error
	// Remove blacklists an LP for the lifetime of the registry.
	Remove(url string)
}
