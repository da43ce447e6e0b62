package storage

import (
	"fmt"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testEngine(owner string, n int) Engine {
	return Engine{
		ID:        fmt.Sprintf("eng-%s-%d", owner, n),
		Owner:     owner,
		Name:      fmt.Sprintf("engine %d", n),
		Status:    EngineProvisioning,
		CreatedAt: time.Date(2026, 1, 1, 0, 0, n, 0, time.UTC),
	}
}

func testDocument(engineID string, n int) Document {
	return Document{
		ID:          fmt.Sprintf("doc-%s-%d", engineID, n),
		EngineID:    engineID,
		Name:        fmt.Sprintf("doc-%d.txt", n),
		Status:      DocPending,
		SubmittedAt: time.Date(2026, 1, 2, 0, 0, n, 0, time.UTC),
	}
}

func TestEngineRoundTrip(t *testing.T) {
	s := openTestStore(t)

	e := testEngine("u1", 1)
	e.Description = "test corpus"
	e.IsDefault = true
	e.PendingHandle = "op-123"
	if err := s.InsertEngine(e); err != nil {
		t.Fatalf("InsertEngine: %v", err)
	}

	got, err := s.GetEngine(e.ID)
	if err != nil {
		t.Fatalf("GetEngine: %v", err)
	}
	if got.Owner != "u1" || got.Name != "engine 1" || got.Description != "test corpus" {
		t.Errorf("engine fields mismatch: %+v", got)
	}
	if !got.IsDefault || got.PendingHandle != "op-123" || got.Status != EngineProvisioning {
		t.Errorf("engine state mismatch: %+v", got)
	}
	if !got.CreatedAt.Equal(e.CreatedAt) {
		t.Errorf("created_at = %v, want %v", got.CreatedAt, e.CreatedAt)
	}
}

func TestGetEngineNotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetEngine("missing"); err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestListEnginesOrderAndDeletedExcluded(t *testing.T) {
	s := openTestStore(t)

	for i := 3; i >= 1; i-- {
		if err := s.InsertEngine(testEngine("u1", i)); err != nil {
			t.Fatalf("InsertEngine %d: %v", i, err)
		}
	}
	// Engine for a different owner must not show up.
	if err := s.InsertEngine(testEngine("u2", 9)); err != nil {
		t.Fatalf("InsertEngine u2: %v", err)
	}
	// Soft-deleted engine must not show up.
	if ok, err := s.UpdateEngineStatus("eng-u1-2", []string{EngineProvisioning}, EngineDeleted); err != nil || !ok {
		t.Fatalf("UpdateEngineStatus: ok=%v err=%v", ok, err)
	}

	engines, err := s.ListEngines("u1")
	if err != nil {
		t.Fatalf("ListEngines: %v", err)
	}
	if len(engines) != 2 {
		t.Fatalf("len = %d, want 2", len(engines))
	}
	if engines[0].ID != "eng-u1-1" || engines[1].ID != "eng-u1-3" {
		t.Errorf("order = [%s %s], want creation ascending", engines[0].ID, engines[1].ID)
	}
}

func TestUpdateEngineStatusCAS(t *testing.T) {
	s := openTestStore(t)
	if err := s.InsertEngine(testEngine("u1", 1)); err != nil {
		t.Fatalf("InsertEngine: %v", err)
	}

	ok, err := s.UpdateEngineStatus("eng-u1-1", []string{EngineProvisioning}, EngineActive)
	if err != nil || !ok {
		t.Fatalf("provisioning->active: ok=%v err=%v", ok, err)
	}

	// Stale transition from provisioning must not apply.
	ok, err = s.UpdateEngineStatus("eng-u1-1", []string{EngineProvisioning}, EngineDegraded)
	if err != nil {
		t.Fatalf("stale transition errored: %v", err)
	}
	if ok {
		t.Error("stale transition applied, want CAS miss")
	}

	got, err := s.GetEngine("eng-u1-1")
	if err != nil {
		t.Fatalf("GetEngine: %v", err)
	}
	if got.Status != EngineActive {
		t.Errorf("status = %s, want active", got.Status)
	}
}

func TestActivateEngine(t *testing.T) {
	s := openTestStore(t)
	e := testEngine("u1", 1)
	e.PendingHandle = "op-1"
	if err := s.InsertEngine(e); err != nil {
		t.Fatalf("InsertEngine: %v", err)
	}

	ok, err := s.ActivateEngine(e.ID, "backend-ref-1")
	if err != nil || !ok {
		t.Fatalf("ActivateEngine: ok=%v err=%v", ok, err)
	}

	got, _ := s.GetEngine(e.ID)
	if got.Status != EngineActive || got.BackendRef != "backend-ref-1" || got.PendingHandle != "" {
		t.Errorf("engine after activate = %+v", got)
	}

	// Second activation is a CAS miss, not an error.
	ok, err = s.ActivateEngine(e.ID, "backend-ref-2")
	if err != nil {
		t.Fatalf("second ActivateEngine errored: %v", err)
	}
	if ok {
		t.Error("second activation applied, want miss")
	}
}

func TestGetDefaultEngine(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.GetDefaultEngine("u1"); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound with no engines", err)
	}

	e := testEngine("u1", 1)
	e.IsDefault = true
	if err := s.InsertEngine(e); err != nil {
		t.Fatalf("InsertEngine: %v", err)
	}
	if err := s.InsertEngine(testEngine("u1", 2)); err != nil {
		t.Fatalf("InsertEngine: %v", err)
	}

	got, err := s.GetDefaultEngine("u1")
	if err != nil {
		t.Fatalf("GetDefaultEngine: %v", err)
	}
	if got.ID != e.ID {
		t.Errorf("default = %s, want %s", got.ID, e.ID)
	}
}

func TestDocumentLifecycleTransitions(t *testing.T) {
	s := openTestStore(t)
	if err := s.InsertEngine(testEngine("u1", 1)); err != nil {
		t.Fatalf("InsertEngine: %v", err)
	}
	d := testDocument("eng-u1-1", 1)
	d.PendingHandle = "op-doc-1"
	if err := s.InsertDocument(d); err != nil {
		t.Fatalf("InsertDocument: %v", err)
	}

	ok, err := s.MarkDocumentIndexed(d.ID, "backend-doc-1")
	if err != nil || !ok {
		t.Fatalf("MarkDocumentIndexed: ok=%v err=%v", ok, err)
	}

	got, err := s.GetDocument(d.ID)
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if got.Status != DocIndexed || got.BackendID != "backend-doc-1" {
		t.Errorf("document after index = %+v", got)
	}
	if got.ConvergedAt.IsZero() {
		t.Error("converged_at not recorded")
	}

	ok, err = s.MarkDocumentDeletePending(d.ID, "op-del-1")
	if err != nil || !ok {
		t.Fatalf("MarkDocumentDeletePending: ok=%v err=%v", ok, err)
	}
	ok, err = s.MarkDocumentDeleted(d.ID)
	if err != nil || !ok {
		t.Fatalf("MarkDocumentDeleted: ok=%v err=%v", ok, err)
	}

	// Terminal: a stale "indexed" result must not resurrect the document.
	ok, err = s.MarkDocumentIndexed(d.ID, "backend-doc-late")
	if err != nil {
		t.Fatalf("stale MarkDocumentIndexed errored: %v", err)
	}
	if ok {
		t.Error("stale index applied after deletion")
	}
	got, _ = s.GetDocument(d.ID)
	if got.Status != DocDeleted {
		t.Errorf("status = %s, want deleted", got.Status)
	}
}

func TestGetDocumentByBackendID(t *testing.T) {
	s := openTestStore(t)
	if err := s.InsertEngine(testEngine("u1", 1)); err != nil {
		t.Fatalf("InsertEngine: %v", err)
	}
	d := testDocument("eng-u1-1", 1)
	if err := s.InsertDocument(d); err != nil {
		t.Fatalf("InsertDocument: %v", err)
	}
	if _, err := s.MarkDocumentIndexed(d.ID, "backend-doc-1"); err != nil {
		t.Fatalf("MarkDocumentIndexed: %v", err)
	}

	got, err := s.GetDocumentByBackendID("eng-u1-1", "backend-doc-1")
	if err != nil {
		t.Fatalf("GetDocumentByBackendID: %v", err)
	}
	if got.ID != d.ID {
		t.Errorf("id = %s, want %s", got.ID, d.ID)
	}

	if _, err := s.GetDocumentByBackendID("eng-u1-1", "unknown"); err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestListLiveDocumentsExcludesDeletePending(t *testing.T) {
	s := openTestStore(t)
	if err := s.InsertEngine(testEngine("u1", 1)); err != nil {
		t.Fatalf("InsertEngine: %v", err)
	}

	for i := 1; i <= 3; i++ {
		if err := s.InsertDocument(testDocument("eng-u1-1", i)); err != nil {
			t.Fatalf("InsertDocument %d: %v", i, err)
		}
	}
	if ok, err := s.MarkDocumentDeletePending("doc-eng-u1-1-2", "op-del"); err != nil || !ok {
		t.Fatalf("MarkDocumentDeletePending: ok=%v err=%v", ok, err)
	}

	docs, err := s.ListLiveDocuments("u1")
	if err != nil {
		t.Fatalf("ListLiveDocuments: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("len = %d, want 2", len(docs))
	}
	for _, d := range docs {
		if d.ID == "doc-eng-u1-1-2" {
			t.Error("delete_pending document still listed")
		}
	}

	n, err := s.CountLiveDocuments("eng-u1-1")
	if err != nil {
		t.Fatalf("CountLiveDocuments: %v", err)
	}
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	if err := s1.InsertEngine(testEngine("u1", 1)); err != nil {
		t.Fatalf("InsertEngine: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	if _, err := s2.GetEngine("eng-u1-1"); err != nil {
		t.Errorf("engine lost across reopen: %v", err)
	}
}
