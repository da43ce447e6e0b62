package query

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"enginehub/internal/backend"
	"enginehub/internal/registry"
	"enginehub/internal/storage"
)

// InsufficientAnswer is returned when no grounded context survives filtering.
const InsufficientAnswer = "I don't have enough indexed material to answer that question."

// Context is a retrieved passage attributed to a source document. DocumentID
// is the local document id when the passage maps to a known document.
type Context struct {
	DocumentID string
	Name       string
	Text       string
	Score      float64
}

// Result is the ephemeral outcome of one question.
type Result struct {
	Answer   string
	Contexts []Context
}

// Coordinator executes questions against an engine's converged index. It
// never surfaces passages from documents that are logically deleted locally,
// even while the backend still reports them.
type Coordinator struct {
	store    *storage.Store
	registry *registry.Registry
	indexer  backend.Indexer
	logger   *slog.Logger
}

// New creates a Coordinator.
func New(store *storage.Store, reg *registry.Registry, indexer backend.Indexer) *Coordinator {
	return &Coordinator{
		store:    store,
		registry: reg,
		indexer:  indexer,
		logger:   slog.Default(),
	}
}

// Ask answers a question against the owner's engine. With an empty engineID
// the owner's default engine (or the system default) is used. The engine must
// be active; provisioning and degraded engines refuse with
// backend.ErrEngineNotReady so the caller can retry after a delay.
func (c *Coordinator) Ask(ctx context.Context, owner, engineID, question string) (Result, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return Result{}, fmt.Errorf("%w: question is required", registry.ErrValidation)
	}

	var engine storage.Engine
	var err error
	if engineID == "" {
		engine, err = c.registry.ResolveDefault(ctx, owner)
	} else {
		engine, err = c.registry.Get(ctx, owner, engineID)
	}
	if err != nil {
		return Result{}, err
	}
	if engine.Status != storage.EngineActive {
		return Result{}, fmt.Errorf("%w: engine %s is %s", backend.ErrEngineNotReady, engine.ID, engine.Status)
	}

	out, err := c.indexer.Query(ctx, engine.BackendRef, question)
	if err != nil {
		return Result{}, err
	}

	contexts := c.filterContexts(engine.ID, out.Contexts)
	if len(contexts) == 0 {
		return Result{Answer: InsufficientAnswer, Contexts: []Context{}}, nil
	}
	return Result{Answer: out.Answer, Contexts: contexts}, nil
}

// filterContexts cross-references every backend context against live local
// document status. The backend's deletion convergence lags well behind the
// local delete_pending mark, so this filter is mandatory even though it is
// redundant once the backend converges.
func (c *Coordinator) filterContexts(engineID string, raw []backend.Context) []Context {
	contexts := make([]Context, 0, len(raw))
	for _, bc := range raw {
		doc, err := c.lookupDoc(engineID, bc.DocumentID)
		if err == storage.ErrNotFound {
			// Passage from a document this service never tracked; nothing
			// marks it deleted, so pass it through under the backend id.
			contexts = append(contexts, Context{
				DocumentID: bc.DocumentID,
				Text:       bc.Text,
				Score:      bc.Score,
			})
			continue
		}
		if err != nil {
			c.logger.Warn("context lookup failed, dropping passage",
				"backend_doc_id", bc.DocumentID, "error", err)
			continue
		}
		if !doc.Live() {
			continue
		}
		contexts = append(contexts, Context{
			DocumentID: doc.ID,
			Name:       doc.Name,
			Text:       bc.Text,
			Score:      bc.Score,
		})
	}
	return contexts
}

// lookupDoc resolves a context's document reference, which may be either the
// backend-assigned id or the locally issued one.
func (c *Coordinator) lookupDoc(engineID, ref string) (storage.Document, error) {
	if ref == "" {
		// Unconverged rows carry an empty backend_id; an empty ref must not
		// match one of them and claim its identity.
		return storage.Document{}, storage.ErrNotFound
	}
	doc, err := c.store.GetDocumentByBackendID(engineID, ref)
	if err != storage.ErrNotFound {
		return doc, err
	}
	doc, err = c.store.GetDocument(ref)
	if err != nil {
		return storage.Document{}, err
	}
	if doc.EngineID != engineID {
		return storage.Document{}, storage.ErrNotFound
	}
	return doc, nil
}
