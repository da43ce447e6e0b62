package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"enginehub/internal/backend"
	"enginehub/internal/storage"
)

// Error kinds surfaced by the registry. Not-found (including cross-tenant
// lookups) reuses storage.ErrNotFound.
var (
	ErrValidation        = errors.New("invalid input")
	ErrQuotaExceeded     = errors.New("engine quota exceeded")
	ErrInvalidTransition = errors.New("invalid status transition")
)

const maxNameLength = 128

// engineTransitions maps a target status to the statuses it may be reached
// from. Anything else is an ErrInvalidTransition; nothing leaves "deleted".
var engineTransitions = map[string][]string{
	storage.EngineActive:   {storage.EngineProvisioning, storage.EngineDegraded},
	storage.EngineDegraded: {storage.EngineProvisioning, storage.EngineActive},
	storage.EngineDeleted:  {storage.EngineProvisioning, storage.EngineActive, storage.EngineDegraded},
}

// Registry is the durable catalog of engines. It exclusively owns Engine
// records; other components go through MarkStatus rather than mutating
// status themselves.
type Registry struct {
	store       *storage.Store
	indexer     backend.Indexer
	maxPerOwner int
	logger      *slog.Logger

	defaultMu sync.Mutex // serializes default-engine assignment per process
}

// New creates a Registry. maxPerOwner <= 0 defaults to 20.
func New(store *storage.Store, indexer backend.Indexer, maxPerOwner int) *Registry {
	if maxPerOwner <= 0 {
		maxPerOwner = 20
	}
	return &Registry{
		store:       store,
		indexer:     indexer,
		maxPerOwner: maxPerOwner,
		logger:      slog.Default(),
	}
}

// Create allocates a new engine in "provisioning" and submits its creation
// to the indexing backend. It returns immediately; the reconciler advances
// the engine to "active" once the backend converges. The owner's first
// engine becomes their default.
func (r *Registry) Create(ctx context.Context, owner, name, description string) (storage.Engine, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return storage.Engine{}, fmt.Errorf("%w: display name is required", ErrValidation)
	}
	if utf8.RuneCountInString(name) > maxNameLength {
		return storage.Engine{}, fmt.Errorf("%w: display name exceeds %d characters", ErrValidation, maxNameLength)
	}

	e, err := r.allocate(owner, name, description)
	if err != nil {
		return storage.Engine{}, err
	}

	// Submit failure is not fatal: the engine stays in provisioning with no
	// handle and the reconciler resubmits on its next pass.
	h, err := r.indexer.SubmitEngine(ctx, backend.EngineSpec{Name: name})
	if err != nil {
		r.logger.Warn("engine submit failed, deferring to reconcile", "engine_id", e.ID, "error", err)
		return e, nil
	}
	if err := r.store.SetEnginePendingHandle(e.ID, h.ID); err != nil {
		return storage.Engine{}, fmt.Errorf("recording pending handle: %w", err)
	}
	e.PendingHandle = h.ID
	return e, nil
}

// allocate checks quota, decides whether the new engine becomes the owner's
// default, and inserts it. Held under defaultMu so two concurrent creates for
// the same owner cannot both observe "no default yet" and both claim it;
// exactly one engine per owner may be marked default.
func (r *Registry) allocate(owner, name, description string) (storage.Engine, error) {
	r.defaultMu.Lock()
	defer r.defaultMu.Unlock()

	n, err := r.store.CountEngines(owner)
	if err != nil {
		return storage.Engine{}, fmt.Errorf("counting engines: %w", err)
	}
	if n >= r.maxPerOwner {
		return storage.Engine{}, fmt.Errorf("%w: limit of %d engines per user", ErrQuotaExceeded, r.maxPerOwner)
	}

	isDefault := false
	if _, err := r.store.GetDefaultEngine(owner); err == storage.ErrNotFound {
		isDefault = true
	} else if err != nil {
		return storage.Engine{}, fmt.Errorf("resolving default: %w", err)
	}

	e := storage.Engine{
		ID:          uuid.New().String(),
		Owner:       owner,
		Name:        name,
		Description: description,
		Status:      storage.EngineProvisioning,
		IsDefault:   isDefault,
		CreatedAt:   time.Now().UTC(),
	}
	if err := r.store.InsertEngine(e); err != nil {
		return storage.Engine{}, fmt.Errorf("inserting engine: %w", err)
	}
	return e, nil
}

// List returns all of the owner's non-deleted engines, creation time ascending.
func (r *Registry) List(ctx context.Context, owner string) ([]storage.Engine, error) {
	return r.store.ListEngines(owner)
}

// Get returns the engine only when it exists, is not deleted, and belongs to
// owner. Cross-tenant lookups report storage.ErrNotFound, never the record.
func (r *Registry) Get(ctx context.Context, owner, engineID string) (storage.Engine, error) {
	e, err := r.store.GetEngine(engineID)
	if err != nil {
		return storage.Engine{}, err
	}
	if e.Owner != owner || e.Status == storage.EngineDeleted {
		return storage.Engine{}, storage.ErrNotFound
	}
	return e, nil
}

// MarkStatus applies a lifecycle transition. Illegal transitions (including
// anything out of "deleted") fail with ErrInvalidTransition.
func (r *Registry) MarkStatus(ctx context.Context, engineID, status string) error {
	from, ok := engineTransitions[status]
	if !ok {
		return fmt.Errorf("%w: no transition to %q", ErrInvalidTransition, status)
	}
	applied, err := r.store.UpdateEngineStatus(engineID, from, status)
	if err != nil {
		return fmt.Errorf("updating engine status: %w", err)
	}
	if applied {
		return nil
	}
	e, err := r.store.GetEngine(engineID)
	if err != nil {
		return err
	}
	if e.Status == status {
		// Reapplying the current state is idempotent, not an error.
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.Status, status)
}

// ResolveDefault returns the owner's designated default engine, falling back
// to the distinguished system default, which is created lazily on first use.
func (r *Registry) ResolveDefault(ctx context.Context, owner string) (storage.Engine, error) {
	e, err := r.store.GetDefaultEngine(owner)
	if err == nil {
		return e, nil
	}
	if err != storage.ErrNotFound {
		return storage.Engine{}, err
	}
	return r.systemDefault(ctx)
}

func (r *Registry) systemDefault(ctx context.Context) (storage.Engine, error) {
	r.defaultMu.Lock()
	defer r.defaultMu.Unlock()

	e, err := r.store.GetDefaultEngine(storage.SystemOwner)
	if err == nil {
		return e, nil
	}
	if err != storage.ErrNotFound {
		return storage.Engine{}, err
	}

	e = storage.Engine{
		ID:          uuid.New().String(),
		Owner:       storage.SystemOwner,
		Name:        "default",
		Description: "system default engine",
		Status:      storage.EngineProvisioning,
		IsDefault:   true,
		CreatedAt:   time.Now().UTC(),
	}
	if err := r.store.InsertEngine(e); err != nil {
		return storage.Engine{}, fmt.Errorf("inserting system default: %w", err)
	}
	r.logger.Info("created system default engine", "engine_id", e.ID)

	if h, err := r.indexer.SubmitEngine(ctx, backend.EngineSpec{Name: e.Name}); err != nil {
		r.logger.Warn("system default submit failed, deferring to reconcile", "engine_id", e.ID, "error", err)
	} else if err := r.store.SetEnginePendingHandle(e.ID, h.ID); err != nil {
		return storage.Engine{}, fmt.Errorf("recording pending handle: %w", err)
	} else {
		e.PendingHandle = h.ID
	}
	return e, nil
}

// Reconcile drives provisioning engines toward backend truth: engines with
// no outstanding handle are resubmitted, the rest are polled. Safe to invoke
// repeatedly and concurrently; every transition is a status CAS.
func (r *Registry) Reconcile(ctx context.Context) error {
	engines, err := r.store.ListEnginesByStatus(storage.EngineProvisioning)
	if err != nil {
		return fmt.Errorf("listing provisioning engines: %w", err)
	}

	for _, e := range engines {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if e.PendingHandle == "" {
			h, err := r.indexer.SubmitEngine(ctx, backend.EngineSpec{Name: e.Name})
			if err != nil {
				r.logger.Warn("engine resubmit failed", "engine_id", e.ID, "error", err)
				continue
			}
			if err := r.store.SetEnginePendingHandle(e.ID, h.ID); err != nil {
				return fmt.Errorf("recording pending handle: %w", err)
			}
			continue
		}

		p, err := r.indexer.PollStatus(ctx, backend.Handle{ID: e.PendingHandle})
		if err != nil {
			if errors.Is(err, backend.ErrFailure) {
				r.degrade(e.ID, err)
			} else {
				r.logger.Warn("engine poll failed", "engine_id", e.ID, "error", err)
			}
			continue
		}

		switch p.State {
		case backend.StateDone:
			if _, err := r.store.ActivateEngine(e.ID, p.ResultRef); err != nil {
				return fmt.Errorf("activating engine %s: %w", e.ID, err)
			}
			r.logger.Info("engine converged", "engine_id", e.ID, "backend_ref", p.ResultRef)
		case backend.StateFailed:
			r.degrade(e.ID, errors.New(p.Reason))
		}
	}
	return nil
}

func (r *Registry) degrade(engineID string, cause error) {
	applied, err := r.store.UpdateEngineStatus(engineID,
		[]string{storage.EngineProvisioning, storage.EngineActive}, storage.EngineDegraded)
	if err != nil {
		r.logger.Error("failed to degrade engine", "engine_id", engineID, "error", err)
		return
	}
	if applied {
		r.logger.Warn("engine degraded", "engine_id", engineID, "cause", cause)
	}
}
