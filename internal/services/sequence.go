package services

import (
	"context"
	"fmt"

	"csms/internal/models"
	"csms/internal/store"
)

// SequenceGenerator hands out per-station counters. Values for one (station,
// type) pair never repeat and start at 1.
type SequenceGenerator struct {
	Store store.SequenceStore
}

func NewSequenceGenerator(s store.SequenceStore) *SequenceGenerator {
	return &SequenceGenerator{Store: s}
}

func (g *SequenceGenerator) Next(ctx context.Context, stationId string, kind models.SequenceType) (int64, error) {
	v, err := g.Store.NextSequenceValue(ctx, stationId, kind)
	if err != nil {
		return 0, fmt.Errorf("next %s for %s: %w", kind, stationId, err)
	}
	return v, nil
}
