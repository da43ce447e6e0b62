package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Compile-time check that HTTPIndexer implements Indexer.
var _ Indexer = (*HTTPIndexer)(nil)

// HTTPIndexer talks to the managed indexing service over its REST API.
// Submit and delete endpoints answer 202 with an operation id; the operation
// is then polled until it converges.
type HTTPIndexer struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	callWait   time.Duration
}

// NewHTTPIndexer creates an HTTPIndexer targeting the given base URL.
// callWait bounds each individual HTTP call; if <= 0 it defaults to 15s.
func NewHTTPIndexer(baseURL, apiKey string, callWait time.Duration) *HTTPIndexer {
	if callWait <= 0 {
		callWait = 15 * time.Second
	}
	return &HTTPIndexer{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 0},
		callWait:   callWait,
	}
}

type operationResponse struct {
	OperationID string `json:"operation_id"`
}

type operationStatus struct {
	Status    string `json:"status"`
	ResultRef string `json:"result_ref"`
	Reason    string `json:"reason"`
}

type queryRequest struct {
	Question string `json:"question"`
}

type queryResponse struct {
	Answer   string    `json:"answer"`
	Contexts []Context `json:"contexts"`
}

func (c *HTTPIndexer) SubmitEngine(ctx context.Context, spec EngineSpec) (Handle, error) {
	var op operationResponse
	err := c.do(ctx, http.MethodPost, "/v1/engines", map[string]string{"name": spec.Name}, &op)
	if err != nil {
		return Handle{}, err
	}
	return Handle{ID: op.OperationID}, nil
}

func (c *HTTPIndexer) SubmitDocument(ctx context.Context, engineRef string, doc DocumentPayload) (Handle, error) {
	path := "/v1/engines/" + url.PathEscape(engineRef) + "/documents"
	body := map[string]string{"name": doc.Name, "content": doc.Content}
	var op operationResponse
	if err := c.do(ctx, http.MethodPost, path, body, &op); err != nil {
		return Handle{}, err
	}
	return Handle{ID: op.OperationID}, nil
}

func (c *HTTPIndexer) RequestDeletion(ctx context.Context, engineRef, documentRef string) (Handle, error) {
	path := "/v1/engines/" + url.PathEscape(engineRef) + "/documents/" + url.PathEscape(documentRef)
	var op operationResponse
	if err := c.do(ctx, http.MethodDelete, path, nil, &op); err != nil {
		return Handle{}, err
	}
	return Handle{ID: op.OperationID}, nil
}

func (c *HTTPIndexer) PollStatus(ctx context.Context, h Handle) (Poll, error) {
	var st operationStatus
	if err := c.do(ctx, http.MethodGet, "/v1/operations/"+url.PathEscape(h.ID), nil, &st); err != nil {
		return Poll{}, err
	}
	switch st.Status {
	case StatePending, StateDone, StateFailed:
		return Poll{State: st.Status, ResultRef: st.ResultRef, Reason: st.Reason}, nil
	default:
		return Poll{}, fmt.Errorf("%w: unknown operation status %q", ErrFailure, st.Status)
	}
}

func (c *HTTPIndexer) Query(ctx context.Context, engineRef, question string) (QueryOutput, error) {
	path := "/v1/engines/" + url.PathEscape(engineRef) + "/query"
	var resp queryResponse
	if err := c.do(ctx, http.MethodPost, path, queryRequest{Question: question}, &resp); err != nil {
		return QueryOutput{}, err
	}
	return QueryOutput{Answer: resp.Answer, Contexts: resp.Contexts}, nil
}

// do performs one bounded HTTP call and decodes the JSON response into out.
// Local state is never mutated here, so a timed-out call is always safe to
// retry.
func (c *HTTPIndexer) do(ctx context.Context, method, path string, body, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.callWait)
	defer cancel()

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s %s", ErrTimeout, method, path)
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		// fall through to decode
	case resp.StatusCode == http.StatusConflict:
		return fmt.Errorf("%w: %s %s", ErrEngineNotReady, method, path)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: status %d: %s", ErrFailure, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding response: %v", ErrFailure, err)
	}
	return nil
}
