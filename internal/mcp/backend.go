package mcp

import (
	"context"

	"github.com/oaklabs/oakd/internal/activity"
	"github.com/oaklabs/oakd/internal/retrieval"
)

// LocalBackend serves tools straight from the daemon's own components.
type LocalBackend struct {
	engine *retrieval.Engine
	store  *activity.Store
}

var _ Backend = (*LocalBackend)(nil)

// NewLocalBackend binds the tools to in-process components.
func NewLocalBackend(engine *retrieval.Engine, store *activity.Store) *LocalBackend {
	return &LocalBackend{engine: engine, store: store}
}

func (b *LocalBackend) Search(ctx context.Context, query, searchType string, limit int) ([]retrieval.Result, error) {
	return b.engine.Search(ctx, retrieval.Query{
		Text:  query,
		Type:  retrieval.SearchType(searchType),
		Limit: limit,
	})
}

func (b *LocalBackend) Remember(ctx context.Context, obs activity.Observation) (*activity.Observation, error) {
	return b.store.AddObservation(ctx, obs)
}

func (b *LocalBackend) Plans(ctx context.Context, sessionID string, limit int) ([]activity.PromptBatch, error) {
	return b.store.ListPlans(ctx, sessionID, limit, 0)
}

func (b *LocalBackend) Memories(ctx context.Context, f activity.ObservationFilter) ([]activity.Observation, error) {
	return b.store.ListObservations(ctx, f)
}
