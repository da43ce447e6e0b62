package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"enginehub/internal/backend"
	"enginehub/internal/lifecycle"
	"enginehub/internal/query"
	"enginehub/internal/registry"
	"enginehub/internal/stats"
	"enginehub/internal/storage"
)

const testOwner = "user-1"

// fakeIndexer converges every submitted operation on first poll and answers
// queries from a scripted result.
type fakeIndexer struct {
	mu       sync.Mutex
	nextOp   int
	docRefs  map[string]string // handle id -> backend doc ref
	answer   string
	contexts []backend.Context
	queryErr error
}

func newFakeIndexer() *fakeIndexer {
	return &fakeIndexer{docRefs: make(map[string]string)}
}

func (f *fakeIndexer) SubmitEngine(ctx context.Context, spec backend.EngineSpec) (backend.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextOp++
	return backend.Handle{ID: fmt.Sprintf("op-%d", f.nextOp)}, nil
}

func (f *fakeIndexer) SubmitDocument(ctx context.Context, engineRef string, doc backend.DocumentPayload) (backend.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextOp++
	h := backend.Handle{ID: fmt.Sprintf("op-%d", f.nextOp)}
	f.docRefs[h.ID] = "bdoc-" + doc.Name
	return h, nil
}

func (f *fakeIndexer) RequestDeletion(ctx context.Context, engineRef, documentRef string) (backend.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextOp++
	return backend.Handle{ID: fmt.Sprintf("op-%d", f.nextOp)}, nil
}

func (f *fakeIndexer) PollStatus(ctx context.Context, h backend.Handle) (backend.Poll, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ref, ok := f.docRefs[h.ID]; ok {
		return backend.Poll{State: backend.StateDone, ResultRef: ref}, nil
	}
	return backend.Poll{State: backend.StateDone, ResultRef: "ref-" + h.ID}, nil
}

func (f *fakeIndexer) Query(ctx context.Context, engineRef, question string) (backend.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queryErr != nil {
		return backend.QueryOutput{}, f.queryErr
	}
	return backend.QueryOutput{Answer: f.answer, Contexts: f.contexts}, nil
}

type fixture struct {
	handler http.Handler
	store   *storage.Store
	reg     *registry.Registry
	mgr     *lifecycle.Manager
	idx     *fakeIndexer
}

func setup(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	idx := newFakeIndexer()
	reg := registry.New(store, idx, 0)
	mgr := lifecycle.New(store, reg, idx, 0)
	coord := query.New(store, reg, idx)
	agg := stats.New(store, reg)

	handler := NewHandler(Deps{
		Store:     store,
		Registry:  reg,
		Lifecycle: mgr,
		Query:     coord,
		Stats:     agg,
	})
	return &fixture{
		handler: handler,
		store:   store,
		reg:     reg,
		mgr:     mgr,
		idx:     idx,
	}
}

func (fx *fixture) do(t *testing.T, method, url, owner, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if owner != "" {
		req.Header.Set("X-User-ID", owner)
	}
	rr := httptest.NewRecorder()
	fx.handler.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&out); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return out
}

// createActiveEngine creates an engine over HTTP and drives it to active.
func (fx *fixture) createActiveEngine(t *testing.T, owner, name string) string {
	t.Helper()
	rr := fx.do(t, http.MethodPost, "/engines", owner, fmt.Sprintf(`{"displayName":%q}`, name))
	if rr.Code != http.StatusCreated {
		t.Fatalf("create engine status = %d, want %d; body = %s", rr.Code, http.StatusCreated, rr.Body.String())
	}
	resp := decode(t, rr)
	id := resp["engine"].(map[string]any)["id"].(string)
	if err := fx.reg.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	return id
}

func TestHealth_NoIdentityRequired(t *testing.T) {
	fx := setup(t)
	rr := fx.do(t, http.MethodGet, "/health", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
}

func TestMissingIdentity(t *testing.T) {
	fx := setup(t)
	rr := fx.do(t, http.MethodGet, "/engines", "", "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusUnauthorized)
	}
	resp := decode(t, rr)
	if resp["success"] != false {
		t.Errorf("success = %v, want false", resp["success"])
	}
}

func TestReservedIdentityRejected(t *testing.T) {
	fx := setup(t)
	rr := fx.do(t, http.MethodGet, "/engines", "system", "")
	if rr.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusForbidden)
	}
	resp := decode(t, rr)
	if resp["success"] != false {
		t.Errorf("success = %v, want false", resp["success"])
	}
}

func TestCreateEngine(t *testing.T) {
	fx := setup(t)

	rr := fx.do(t, http.MethodPost, "/engines", testOwner, `{"displayName":"research","description":"papers"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusCreated, rr.Body.String())
	}
	resp := decode(t, rr)
	engine := resp["engine"].(map[string]any)
	if engine["displayName"] != "research" {
		t.Errorf("displayName = %v, want research", engine["displayName"])
	}
	if engine["status"] != storage.EngineProvisioning {
		t.Errorf("status = %v, want %s", engine["status"], storage.EngineProvisioning)
	}
	if engine["isDefault"] != true {
		t.Errorf("first engine should be the owner default")
	}
}

func TestCreateEngine_EmptyName(t *testing.T) {
	fx := setup(t)
	rr := fx.do(t, http.MethodPost, "/engines", testOwner, `{"displayName":"  "}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestListEngines_OwnerScoped(t *testing.T) {
	fx := setup(t)
	fx.createActiveEngine(t, testOwner, "mine")
	fx.createActiveEngine(t, "user-2", "theirs")

	rr := fx.do(t, http.MethodGet, "/engines", testOwner, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	resp := decode(t, rr)
	engines := resp["engines"].([]any)
	if len(engines) != 1 {
		t.Fatalf("len(engines) = %d, want 1", len(engines))
	}
	if name := engines[0].(map[string]any)["displayName"]; name != "mine" {
		t.Errorf("displayName = %v, want mine", name)
	}
}

func TestImportAndQuery(t *testing.T) {
	fx := setup(t)
	engineID := fx.createActiveEngine(t, testOwner, "notes")

	rr := fx.do(t, http.MethodPost, "/engines/"+engineID+"/documents", testOwner,
		`{"items":[{"name":"doc.txt","content":"The capital of France is Paris."}]}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("import status = %d, want %d; body = %s", rr.Code, http.StatusOK, rr.Body.String())
	}
	resp := decode(t, rr)
	imported := resp["importedFiles"].([]any)
	if len(imported) != 1 {
		t.Fatalf("len(importedFiles) = %d, want 1", len(imported))
	}
	first := imported[0].(map[string]any)
	if first["success"] != true {
		t.Fatalf("import failed: %v", first["error"])
	}
	docID := first["generatedFileId"].(string)

	if err := fx.mgr.Reconcile(context.Background(), engineID); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	fx.idx.answer = "Paris"
	fx.idx.contexts = []backend.Context{
		{DocumentID: "bdoc-doc.txt", Text: "The capital of France is Paris.", Score: 0.9},
	}
	rr = fx.do(t, http.MethodPost, "/engines/"+engineID+"/query", testOwner, `{"question":"What is the capital of France?"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("query status = %d, want %d; body = %s", rr.Code, http.StatusOK, rr.Body.String())
	}
	resp = decode(t, rr)
	if resp["answer"] != "Paris" {
		t.Errorf("answer = %v, want Paris", resp["answer"])
	}
	contexts := resp["sources"].(map[string]any)["contexts"].([]any)
	if len(contexts) != 1 {
		t.Fatalf("len(contexts) = %d, want 1", len(contexts))
	}
	ctx0 := contexts[0].(map[string]any)
	if ctx0["documentId"] != docID {
		t.Errorf("documentId = %v, want local id %s", ctx0["documentId"], docID)
	}
	if ctx0["name"] != "doc.txt" {
		t.Errorf("name = %v, want doc.txt", ctx0["name"])
	}
}

func TestQueryProvisioningEngine_Conflict(t *testing.T) {
	fx := setup(t)

	rr := fx.do(t, http.MethodPost, "/engines", testOwner, `{"displayName":"fresh"}`)
	engineID := decode(t, rr)["engine"].(map[string]any)["id"].(string)

	rr = fx.do(t, http.MethodPost, "/engines/"+engineID+"/query", testOwner, `{"question":"anything?"}`)
	if rr.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusConflict, rr.Body.String())
	}
}

func TestImportMultipart(t *testing.T) {
	fx := setup(t)
	engineID := fx.createActiveEngine(t, testOwner, "uploads")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("files", "notes.md")
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	fw.Write([]byte("# Notes\n\nGo ships with a race detector."))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/engines/"+engineID+"/documents", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-User-ID", testOwner)
	rr := httptest.NewRecorder()
	fx.handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusOK, rr.Body.String())
	}
	resp := decode(t, rr)
	imported := resp["importedFiles"].([]any)
	if len(imported) != 1 {
		t.Fatalf("len(importedFiles) = %d, want 1", len(imported))
	}
	if name := imported[0].(map[string]any)["name"]; name != "notes.md" {
		t.Errorf("name = %v, want notes.md", name)
	}
}

func TestImportEmptyBatch(t *testing.T) {
	fx := setup(t)
	engineID := fx.createActiveEngine(t, testOwner, "notes")

	rr := fx.do(t, http.MethodPost, "/engines/"+engineID+"/documents", testOwner, `{"items":[]}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusBadRequest, rr.Body.String())
	}
}

func TestImportCrossTenant_NotFound(t *testing.T) {
	fx := setup(t)
	engineID := fx.createActiveEngine(t, testOwner, "notes")

	rr := fx.do(t, http.MethodPost, "/engines/"+engineID+"/documents", "user-2",
		`{"items":[{"name":"x.txt","content":"hi"}]}`)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusNotFound, rr.Body.String())
	}
}

func TestDeleteDocument(t *testing.T) {
	fx := setup(t)
	engineID := fx.createActiveEngine(t, testOwner, "notes")

	rr := fx.do(t, http.MethodPost, "/engines/"+engineID+"/documents", testOwner,
		`{"items":[{"name":"gone.txt","content":"soon deleted"}]}`)
	docID := decode(t, rr)["importedFiles"].([]any)[0].(map[string]any)["generatedFileId"].(string)

	rr = fx.do(t, http.MethodDelete, "/documents/"+docID+"?engineId="+engineID, testOwner, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("delete status = %d, want %d; body = %s", rr.Code, http.StatusOK, rr.Body.String())
	}

	rr = fx.do(t, http.MethodGet, "/documents", testOwner, "")
	resp := decode(t, rr)
	for _, d := range resp["documents"].([]any) {
		if d.(map[string]any)["id"] == docID {
			t.Errorf("deleted document still listed")
		}
	}
}

func TestDeleteDocument_MissingEngineID(t *testing.T) {
	fx := setup(t)
	rr := fx.do(t, http.MethodDelete, "/documents/some-id", testOwner, "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestOverview(t *testing.T) {
	fx := setup(t)
	engineID := fx.createActiveEngine(t, testOwner, "notes")

	fx.do(t, http.MethodPost, "/engines/"+engineID+"/documents", testOwner,
		`{"items":[{"name":"a.txt","content":"alpha"},{"name":"b.txt","content":"beta"}]}`)

	rr := fx.do(t, http.MethodGet, "/engines/overview", testOwner, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusOK, rr.Body.String())
	}
	resp := decode(t, rr)
	statsObj := resp["statistics"].(map[string]any)
	if statsObj["userEngines"].(float64) != 1 {
		t.Errorf("userEngines = %v, want 1", statsObj["userEngines"])
	}
	total := statsObj["userEngines"].(float64) + statsObj["systemEngines"].(float64)
	if statsObj["totalEngines"].(float64) != total {
		t.Errorf("totalEngines = %v, want %v", statsObj["totalEngines"], total)
	}
	if statsObj["totalFiles"].(float64) != 2 {
		t.Errorf("totalFiles = %v, want 2", statsObj["totalFiles"])
	}
	current := resp["currentEngine"].(map[string]any)
	if current["id"] != engineID {
		t.Errorf("currentEngine.id = %v, want %s", current["id"], engineID)
	}
}

func TestBackendUnavailable_RetryAfter(t *testing.T) {
	fx := setup(t)
	engineID := fx.createActiveEngine(t, testOwner, "notes")

	fx.idx.queryErr = backend.ErrUnavailable
	rr := fx.do(t, http.MethodPost, "/engines/"+engineID+"/query", testOwner, `{"question":"up?"}`)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusServiceUnavailable, rr.Body.String())
	}
	if rr.Header().Get("Retry-After") != "5" {
		t.Errorf("Retry-After = %q, want 5", rr.Header().Get("Retry-After"))
	}
}
