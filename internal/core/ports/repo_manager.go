package ports

import "github.com/ArkLabsHQ/tidal/internal/core/domain"

type RepoManager interface {
	Swaps() domain.SwapRepository
	Close()
}
