package backend

import (
	"context"
	"errors"
)

// Errors surfaced by adapter implementations. Transient conditions
// (ErrUnavailable, ErrTimeout) are retried by the Retrying wrapper before
// being reported as ErrFailure.
var (
	ErrUnavailable    = errors.New("indexing backend unavailable")
	ErrTimeout        = errors.New("indexing backend timed out")
	ErrFailure        = errors.New("indexing backend failure")
	ErrEngineNotReady = errors.New("engine not ready")
)

// Handle references an asynchronous backend operation. The backend accepts
// work immediately and converges later; polling the handle is the only way
// truth is discovered.
type Handle struct {
	ID string
}

// Poll states.
const (
	StatePending = "pending"
	StateDone    = "done"
	StateFailed  = "failed"
)

// Poll is the observed state of a pending operation.
type Poll struct {
	State     string
	ResultRef string // backend-assigned ref, set once State is done
	Reason    string // failure reason, set once State is failed
}

// EngineSpec describes an engine to create on the backend.
type EngineSpec struct {
	Name string
}

// DocumentPayload is the content handed to the backend for indexing.
type DocumentPayload struct {
	Name    string
	Content string
}

// Context is a retrieved passage supporting an answer.
type Context struct {
	DocumentID string  `json:"documentId"`
	Text       string  `json:"text"`
	Score      float64 `json:"score"`
}

// QueryOutput is the backend's answer to a question.
type QueryOutput struct {
	Answer   string
	Contexts []Context
}

// Indexer is the single abstraction point for the external managed indexing
// service. Submit operations return a provisional Handle before the backend
// has necessarily accepted the work; PollStatus discovers convergence.
// Observed acceptable convergence latencies span 10-60 seconds, so callers
// poll rather than wait.
type Indexer interface {
	SubmitEngine(ctx context.Context, spec EngineSpec) (Handle, error)
	SubmitDocument(ctx context.Context, engineRef string, doc DocumentPayload) (Handle, error)
	RequestDeletion(ctx context.Context, engineRef, documentRef string) (Handle, error)
	PollStatus(ctx context.Context, h Handle) (Poll, error)
	Query(ctx context.Context, engineRef, question string) (QueryOutput, error)
}
