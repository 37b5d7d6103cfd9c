package usecase

import (
	"encoding/json"
	"fmt"

	"github.com/fenrick/miro-bridge/internal/domain"
)

// CacheService reads board snapshots written by the debounced refresher.
type CacheService struct {
	cache domain.CacheRepository
}

// NewCacheService wires a CacheService.
func NewCacheService(cache domain.CacheRepository) *CacheService {
	return &CacheService{cache: cache}
}

// Board returns the cached snapshot for boardID, or ErrNotFound when no
// unexpired entry exists.
func (s *CacheService) Board(ctx domain.Context, boardID string) (json.RawMessage, error) {
	if boardID == "" {
		return nil, fmt.Errorf("op=cache.Board: empty board id: %w", domain.ErrInvalidArgument)
	}
	entry, err := s.cache.Get(ctx, "board:"+boardID)
	if err != nil {
		return nil, fmt.Errorf("op=cache.Board: %w", err)
	}
	return entry.Value, nil
}
