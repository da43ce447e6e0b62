package stats

import (
	"context"
	"fmt"

	"enginehub/internal/registry"
	"enginehub/internal/storage"
)

// Snapshot is a computed, ephemeral view over the engine catalog. Document
// counts come from local bookkeeping, never a live backend recount, so the
// call is cheap and safe at arbitrary frequency.
type Snapshot struct {
	UserEngines   int
	SystemEngines int
	TotalEngines  int
	ActiveEngines int
	TotalFiles    int
	User          []EngineStats
	System        []EngineStats
	CurrentEngine EngineStats
}

// EngineStats is one engine with its derived file count.
type EngineStats struct {
	Engine    storage.Engine
	FileCount int
}

// Aggregator computes overview statistics from the registry and per-engine
// document counts.
type Aggregator struct {
	store    *storage.Store
	registry *registry.Registry
}

// New creates an Aggregator.
func New(store *storage.Store, reg *registry.Registry) *Aggregator {
	return &Aggregator{store: store, registry: reg}
}

// Overview computes the snapshot for a caller. Invariants: TotalEngines is
// always UserEngines+SystemEngines, and TotalFiles is the sum of every
// listed engine's file count.
func (a *Aggregator) Overview(ctx context.Context, owner string) (Snapshot, error) {
	// Resolve first: this may lazily create the system default, which must
	// then show up in the same snapshot's counts.
	def, err := a.registry.ResolveDefault(ctx, owner)
	if err != nil {
		return Snapshot{}, fmt.Errorf("resolving default engine: %w", err)
	}

	userEngines, err := a.registry.List(ctx, owner)
	if err != nil {
		return Snapshot{}, fmt.Errorf("listing user engines: %w", err)
	}
	systemEngines, err := a.registry.List(ctx, storage.SystemOwner)
	if err != nil {
		return Snapshot{}, fmt.Errorf("listing system engines: %w", err)
	}

	snap := Snapshot{
		UserEngines:   len(userEngines),
		SystemEngines: len(systemEngines),
		TotalEngines:  len(userEngines) + len(systemEngines),
	}

	collect := func(engines []storage.Engine) ([]EngineStats, error) {
		out := make([]EngineStats, 0, len(engines))
		for _, e := range engines {
			n, err := a.store.CountLiveDocuments(e.ID)
			if err != nil {
				return nil, fmt.Errorf("counting documents for %s: %w", e.ID, err)
			}
			es := EngineStats{Engine: e, FileCount: n}
			out = append(out, es)
			snap.TotalFiles += n
			if e.Status == storage.EngineActive {
				snap.ActiveEngines++
			}
			if e.ID == def.ID {
				snap.CurrentEngine = es
			}
		}
		return out, nil
	}

	if snap.User, err = collect(userEngines); err != nil {
		return Snapshot{}, err
	}
	if snap.System, err = collect(systemEngines); err != nil {
		return Snapshot{}, err
	}

	return snap, nil
}
