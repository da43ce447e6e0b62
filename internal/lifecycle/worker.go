package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"enginehub/internal/registry"
	"enginehub/internal/storage"
)

// Worker is the background reconciler: it repeatedly drives provisioning
// engines and unconverged documents toward backend truth.
type Worker struct {
	store    *storage.Store
	registry *registry.Registry
	manager  *Manager
	poll     time.Duration
	logger   *slog.Logger
}

// NewWorker creates a Worker. If pollInterval is <= 0, it defaults to 5s.
func NewWorker(store *storage.Store, reg *registry.Registry, manager *Manager, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &Worker{
		store:    store,
		registry: reg,
		manager:  manager,
		poll:     pollInterval,
		logger:   slog.Default(),
	}
}

// Run reconciles until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		if err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error("reconcile pass failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce performs a single reconcile pass: engine convergence first, then
// document convergence for every engine that still has unconverged documents.
func (w *Worker) RunOnce(ctx context.Context) error {
	if err := w.registry.Reconcile(ctx); err != nil {
		return fmt.Errorf("reconciling engines: %w", err)
	}

	ids, err := w.store.ListUnconvergedEngineIDs()
	if err != nil {
		return fmt.Errorf("listing unconverged engines: %w", err)
	}
	for _, id := range ids {
		if err := w.manager.Reconcile(ctx, id); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Warn("document reconcile failed", "engine_id", id, "error", err)
		}
	}
	return nil
}
