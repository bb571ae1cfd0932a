package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"entropyguard/internal/alert"
)

// JSON-RPC 2.0 error codes that can never succeed on retry.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
)

const maxResponseSize = 1 << 20

// RPCError is an error object returned by the signer.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// HTTPError is a non-2xx response from the signer.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	ID      uint64 `json:"id"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
	ID      uint64          `json:"id"`
}

// rpcClient is a minimal JSON-RPC 2.0 over HTTP client.
type rpcClient struct {
	endpoint  string
	authToken string
	http      *http.Client
	nextID    atomic.Uint64
}

// call invokes method and returns the raw result. Errors are classified
// as alert.Transient or alert.Permanent.
func (c *rpcClient) call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	req := rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.nextID.Add(1),
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, alert.NewPermanent(fmt.Errorf("encode %s request: %w", method, err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, alert.NewPermanent(fmt.Errorf("build %s request: %w", method, err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, alert.NewTransient(fmt.Errorf("%s: %w", method, err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, alert.NewTransient(fmt.Errorf("read %s response: %w", method, err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, classifyHTTP(method, resp, data)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(data, &rpcResp); err != nil {
		return nil, alert.NewTransient(fmt.Errorf("decode %s response: %w", method, err))
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	return rpcResp.Result, nil
}

func classifyHTTP(method string, resp *http.Response, body []byte) error {
	snippet := string(body)
	if len(snippet) > 256 {
		snippet = snippet[:256]
	}
	err := fmt.Errorf("%s: %w", method, &HTTPError{StatusCode: resp.StatusCode, Body: snippet})

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &alert.SubmissionError{
			Kind:       alert.Transient,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Err:        err,
		}
	case resp.StatusCode == http.StatusRequestTimeout:
		return alert.NewTransient(err)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return alert.NewPermanent(err)
	default:
		return alert.NewTransient(err)
	}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// classifyRPC maps an RPC error object to a submission error kind.
func classifyRPC(err error) error {
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		return err
	}
	switch rpcErr.Code {
	case CodeParseError, CodeInvalidRequest, CodeMethodNotFound, CodeInvalidParams:
		return alert.NewPermanent(err)
	default:
		return alert.NewTransient(err)
	}
}
