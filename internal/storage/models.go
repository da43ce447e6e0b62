package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// SystemOwner is the sentinel owner id for the distinguished system-default
// engine.
const SystemOwner = "system"

// Engine statuses.
const (
	EngineProvisioning = "provisioning"
	EngineActive       = "active"
	EngineDegraded     = "degraded"
	EngineDeleted      = "deleted"
)

// Document ingestion statuses. The order is monotonic: pending -> indexed ->
// delete_pending -> deleted. "failed" is terminal and reachable only from
// "pending".
const (
	DocPending       = "pending"
	DocIndexed       = "indexed"
	DocDeletePending = "delete_pending"
	DocDeleted       = "deleted"
	DocFailed        = "failed"
)

type Engine struct {
	ID            string
	Owner         string
	Name          string
	Description   string
	Status        string
	IsDefault     bool
	BackendRef    string // backend-assigned engine handle, empty until accepted
	PendingHandle string // outstanding submit operation, empty once converged
	CreatedAt     time.Time
}

type Document struct {
	ID            string // locally generated at import time
	BackendID     string // backend-assigned, empty until the backend accepts
	EngineID      string
	Name          string
	Status        string
	PendingHandle string
	SubmittedAt   time.Time
	ConvergedAt   time.Time // zero until the backend confirms
}

// Live reports whether the document should be visible to listings and query
// results. A document stops being live the moment deletion is requested,
// before the backend has converged.
func (d Document) Live() bool {
	return d.Status == DocPending || d.Status == DocIndexed
}
