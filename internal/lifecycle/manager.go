package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"enginehub/internal/backend"
	"enginehub/internal/registry"
	"enginehub/internal/storage"
)

// ErrValidation mirrors registry.ErrValidation for bad import input.
var ErrValidation = registry.ErrValidation

// ImportItem is one document handed to Import.
type ImportItem struct {
	Name    string
	Content string
}

// ImportResult reports one item's outcome. Items fail independently; a batch
// never aborts because one submission failed.
type ImportResult struct {
	LocalID    string
	Name       string
	BackendRef string // provisional backend reference (pending handle)
	Failed     bool
	Error      string
}

// Manager orchestrates document import, deletion, and reconciliation within
// engines, keeping local bookkeeping coherent with the eventually-consistent
// indexing backend.
type Manager struct {
	store    *storage.Store
	registry *registry.Registry
	indexer  backend.Indexer
	parallel int
	logger   *slog.Logger
}

// New creates a Manager. parallel bounds concurrent reconcile polls; <= 0
// defaults to 4.
func New(store *storage.Store, reg *registry.Registry, indexer backend.Indexer, parallel int) *Manager {
	if parallel <= 0 {
		parallel = 4
	}
	return &Manager{
		store:    store,
		registry: reg,
		indexer:  indexer,
		parallel: parallel,
		logger:   slog.Default(),
	}
}

// Import creates a pending Document per item and submits each to the backend.
// It returns immediately with per-item outcomes; convergence is discovered by
// later reconcile passes.
func (m *Manager) Import(ctx context.Context, owner, engineID string, items []ImportItem) ([]ImportResult, error) {
	engine, err := m.registry.Get(ctx, owner, engineID)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: no items to import", ErrValidation)
	}

	ref := engineRef(engine)
	results := make([]ImportResult, 0, len(items))
	for _, item := range items {
		results = append(results, m.importOne(ctx, ref, engine.ID, item))
	}
	return results, nil
}

func (m *Manager) importOne(ctx context.Context, engineRef, engineID string, item ImportItem) ImportResult {
	if item.Name == "" {
		return ImportResult{Name: item.Name, Failed: true, Error: "document name is required"}
	}

	doc := storage.Document{
		ID:          uuid.New().String(),
		EngineID:    engineID,
		Name:        item.Name,
		Status:      storage.DocPending,
		SubmittedAt: time.Now().UTC(),
	}
	if err := m.store.InsertDocument(doc); err != nil {
		return ImportResult{Name: item.Name, Failed: true, Error: err.Error()}
	}

	h, err := m.indexer.SubmitDocument(ctx, engineRef, backend.DocumentPayload{
		Name:    item.Name,
		Content: item.Content,
	})
	if err != nil {
		m.logger.Warn("document submit failed", "doc_id", doc.ID, "error", err)
		if _, ferr := m.store.UpdateDocumentStatus(doc.ID, []string{storage.DocPending}, storage.DocFailed); ferr != nil {
			m.logger.Error("failed to mark document failed", "doc_id", doc.ID, "error", ferr)
		}
		return ImportResult{LocalID: doc.ID, Name: item.Name, Failed: true, Error: err.Error()}
	}

	if err := m.store.SetDocumentPendingHandle(doc.ID, h.ID); err != nil {
		return ImportResult{LocalID: doc.ID, Name: item.Name, Failed: true, Error: err.Error()}
	}
	return ImportResult{LocalID: doc.ID, Name: item.Name, BackendRef: h.ID}
}

// Delete flags the document delete_pending and then asks the backend to
// remove it. The local flag comes first: from that moment listings and query
// results exclude the document regardless of backend convergence. Deleting an
// already-deleted document is a no-op success.
func (m *Manager) Delete(ctx context.Context, owner, engineID, documentID string) error {
	engine, err := m.registry.Get(ctx, owner, engineID)
	if err != nil {
		return err
	}
	doc, err := m.store.GetDocument(documentID)
	if err != nil {
		return err
	}
	if doc.EngineID != engine.ID {
		return storage.ErrNotFound
	}

	switch doc.Status {
	case storage.DocDeletePending, storage.DocDeleted, storage.DocFailed:
		// Already gone (or never indexed); repeat deletes succeed.
		return nil
	}

	// The submit handle is retained across the transition: for a still-pending
	// document it is the only route to the backend-assigned id the deletion
	// must eventually target.
	applied, err := m.store.MarkDocumentDeletePending(doc.ID, doc.PendingHandle)
	if err != nil {
		return fmt.Errorf("flagging document for deletion: %w", err)
	}
	if !applied {
		// Lost a race with another delete or a terminal transition; the
		// document is no longer live either way.
		return nil
	}

	if doc.BackendID == "" {
		if doc.PendingHandle != "" {
			// Indexing has not converged, so the backend id is unknown. The
			// reconciler keeps polling the retained submit handle and issues
			// the deletion once the id arrives.
			return nil
		}
		// The backend never accepted this document; removal converges
		// trivially.
		if _, err := m.store.MarkDocumentDeleted(doc.ID); err != nil {
			return fmt.Errorf("finalizing deletion: %w", err)
		}
		return nil
	}

	h, err := m.indexer.RequestDeletion(ctx, engineRef(engine), doc.BackendID)
	if err != nil {
		// The local exclusion already holds; the reconciler resubmits the
		// backend deletion on its next pass.
		m.logger.Warn("deletion request failed, deferring to reconcile",
			"doc_id", doc.ID, "error", err)
		return nil
	}
	if err := m.store.SetDocumentPendingHandle(doc.ID, h.ID); err != nil {
		return fmt.Errorf("recording deletion handle: %w", err)
	}
	return nil
}

// List aggregates live documents across all of the owner's engines. It first
// runs one bounded reconcile attempt per engine so recently converged items
// show current status, without blocking on the backend for long.
func (m *Manager) List(ctx context.Context, owner string) ([]storage.Document, error) {
	engines, err := m.registry.List(ctx, owner)
	if err != nil {
		return nil, err
	}

	reconcileCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	for _, e := range engines {
		if err := m.Reconcile(reconcileCtx, e.ID); err != nil {
			m.logger.Debug("opportunistic reconcile skipped", "engine_id", e.ID, "error", err)
			break
		}
	}

	return m.store.ListLiveDocuments(owner)
}

// Reconcile polls every unconverged document in the engine and advances
// status as backend results arrive. Idempotent: transitions are status CAS,
// so concurrent passes and stale poll results cannot resurrect a terminal
// document.
func (m *Manager) Reconcile(ctx context.Context, engineID string) error {
	docs, err := m.store.ListDocumentsByEngine(engineID, storage.DocPending, storage.DocDeletePending)
	if err != nil {
		return fmt.Errorf("listing unconverged documents: %w", err)
	}
	if len(docs) == 0 {
		return nil
	}

	engine, err := m.store.GetEngine(engineID)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.parallel)
	for _, doc := range docs {
		doc := doc
		g.Go(func() error {
			m.reconcileDoc(gctx, engine, doc)
			return gctx.Err()
		})
	}
	return g.Wait()
}

func (m *Manager) reconcileDoc(ctx context.Context, engine storage.Engine, doc storage.Document) {
	if doc.PendingHandle == "" {
		// Only delete_pending documents can be handleless here: the deletion
		// request never reached the backend. Resubmit it.
		if doc.Status != storage.DocDeletePending {
			return
		}
		if doc.BackendID == "" {
			// The backend never accepted this document, so there is nothing
			// to remove remotely.
			if _, err := m.store.MarkDocumentDeleted(doc.ID); err != nil {
				m.logger.Error("failed to mark document deleted", "doc_id", doc.ID, "error", err)
			}
			return
		}
		m.requestDeletion(ctx, engine, doc.ID, doc.BackendID)
		return
	}

	p, err := m.indexer.PollStatus(ctx, backend.Handle{ID: doc.PendingHandle})
	if err != nil {
		switch {
		case errors.Is(err, backend.ErrFailure) && doc.Status == storage.DocPending:
			m.failDoc(doc.ID, err)
		case errors.Is(err, backend.ErrFailure) && doc.Status == storage.DocDeletePending && doc.BackendID == "":
			// The retained submit operation failed terminally: the backend
			// never indexed the document, so removal converges trivially.
			if _, derr := m.store.MarkDocumentDeleted(doc.ID); derr != nil {
				m.logger.Error("failed to mark document deleted", "doc_id", doc.ID, "error", derr)
			}
		default:
			m.logger.Warn("document poll failed", "doc_id", doc.ID, "error", err)
		}
		return
	}

	switch {
	case p.State == backend.StateDone && doc.Status == storage.DocPending:
		applied, err := m.store.MarkDocumentIndexed(doc.ID, p.ResultRef)
		if err != nil {
			m.logger.Error("failed to mark document indexed", "doc_id", doc.ID, "error", err)
			return
		}
		if applied {
			m.logger.Info("document converged", "doc_id", doc.ID, "backend_id", p.ResultRef)
		}
	case p.State == backend.StateDone && doc.Status == storage.DocDeletePending:
		if p.ResultRef != "" {
			// The polled handle was the submit operation: the backend
			// finished indexing after deletion was requested locally. Record
			// the now-known id and issue the deletion against it.
			if err := m.store.RecordDocumentBackendID(doc.ID, p.ResultRef); err != nil {
				m.logger.Error("failed to record backend id", "doc_id", doc.ID, "error", err)
				return
			}
			m.requestDeletion(ctx, engine, doc.ID, p.ResultRef)
			return
		}
		applied, err := m.store.MarkDocumentDeleted(doc.ID)
		if err != nil {
			m.logger.Error("failed to mark document deleted", "doc_id", doc.ID, "error", err)
			return
		}
		if applied {
			m.logger.Info("document removal converged", "doc_id", doc.ID)
		}
	case p.State == backend.StateFailed && doc.Status == storage.DocPending:
		m.failDoc(doc.ID, errors.New(p.Reason))
	case p.State == backend.StateFailed && doc.Status == storage.DocDeletePending && doc.BackendID == "":
		// Submit failed after deletion was requested; the backend never
		// indexed the document.
		if _, err := m.store.MarkDocumentDeleted(doc.ID); err != nil {
			m.logger.Error("failed to mark document deleted", "doc_id", doc.ID, "error", err)
		}
	case p.State == backend.StateFailed && doc.Status == storage.DocDeletePending:
		// Deletion attempt failed at the backend; clear the handle so the
		// next pass resubmits. The document stays excluded locally.
		m.logger.Warn("backend deletion failed, will resubmit", "doc_id", doc.ID, "reason", p.Reason)
		if err := m.store.SetDocumentPendingHandle(doc.ID, ""); err != nil {
			m.logger.Error("failed to clear deletion handle", "doc_id", doc.ID, "error", err)
		}
	}
}

// requestDeletion asks the backend to remove a document by its backend id
// and records the resulting operation handle. A request failure leaves the
// document handleless so the next pass retries.
func (m *Manager) requestDeletion(ctx context.Context, engine storage.Engine, docID, backendID string) {
	h, err := m.indexer.RequestDeletion(ctx, engineRef(engine), backendID)
	if err != nil {
		m.logger.Warn("deletion request failed, will retry", "doc_id", docID, "error", err)
		return
	}
	if err := m.store.SetDocumentPendingHandle(docID, h.ID); err != nil {
		m.logger.Error("failed to record deletion handle", "doc_id", docID, "error", err)
	}
}

func (m *Manager) failDoc(docID string, cause error) {
	applied, err := m.store.UpdateDocumentStatus(docID, []string{storage.DocPending}, storage.DocFailed)
	if err != nil {
		m.logger.Error("failed to mark document failed", "doc_id", docID, "error", err)
		return
	}
	if applied {
		m.logger.Warn("document failed", "doc_id", docID, "cause", cause)
	}
}

// Document returns a single document, ownership-checked through its engine.
func (m *Manager) Document(ctx context.Context, owner, engineID, documentID string) (storage.Document, error) {
	engine, err := m.registry.Get(ctx, owner, engineID)
	if err != nil {
		return storage.Document{}, err
	}
	doc, err := m.store.GetDocument(documentID)
	if err != nil {
		return storage.Document{}, err
	}
	if doc.EngineID != engine.ID {
		return storage.Document{}, storage.ErrNotFound
	}
	return doc, nil
}

// engineRef is the handle used when talking to the backend about an engine:
// the backend-assigned ref once known, the local id as a provisional ref
// before that.
func engineRef(e storage.Engine) string {
	if e.BackendRef != "" {
		return e.BackendRef
	}
	return e.ID
}

