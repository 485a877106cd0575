package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// RemoteBackend talks to an already-running sandbox server over HTTP. The
// server owns the namespace and the file index; this client only issues
// requests. Stop is a no-op because the server outlives the run.
type RemoteBackend struct {
	baseURL    string
	apiKey     string
	timeout    time.Duration
	httpClient *http.Client
	logger     *slog.Logger
}

// RemoteOption configures a RemoteBackend.
type RemoteOption func(*RemoteBackend)

// WithAPIKey sets the X-API-Key header on every request.
func WithAPIKey(key string) RemoteOption {
	return func(b *RemoteBackend) { b.apiKey = key }
}

// WithRequestTimeout overrides the default per-request timeout.
func WithRequestTimeout(d time.Duration) RemoteOption {
	return func(b *RemoteBackend) { b.timeout = d }
}

// WithRemoteHTTPClient overrides the HTTP client, mainly for tests.
func WithRemoteHTTPClient(client *http.Client) RemoteOption {
	return func(b *RemoteBackend) { b.httpClient = client }
}

// NewRemoteBackend creates a client for the sandbox server at baseURL.
func NewRemoteBackend(baseURL string, logger *slog.Logger, opts ...RemoteOption) *RemoteBackend {
	b := &RemoteBackend{
		baseURL:    strings.TrimRight(baseURL, "/"),
		timeout:    DefaultExecTimeout,
		httpClient: &http.Client{},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// statusResponse is the GET /status body.
type statusResponse struct {
	Status       string `json:"status"`
	FilesIndexed int    `json:"files_indexed"`
	ContextInfo  string `json:"context_info,omitempty"`
}

type executeRequest struct {
	Code string `json:"code"`
}

type getVarRequest struct {
	Name string `json:"name"`
}

type getVarResponse struct {
	Success bool   `json:"success"`
	Value   any    `json:"value,omitempty"`
	Error   string `json:"error,omitempty"`
}

type listVarsResponse struct {
	Success   bool              `json:"success"`
	Variables map[string]string `json:"variables"`
}

type filesResponse struct {
	Files []string `json:"files"`
}

type fileResponse struct {
	Content string `json:"content"`
}

type reindexResponse struct {
	FilesIndexed int `json:"files_indexed"`
}

// do issues one request with the auth header and decodes the JSON body into
// out. Non-2xx statuses are errors.
func (b *RemoteBackend) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if b.apiKey != "" {
		req.Header.Set("X-API-Key", b.apiKey)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// Start verifies the server is reachable and ready, with bounded retries to
// ride out a server that is still starting up.
func (b *RemoteBackend) Start(ctx context.Context) bool {
	const attempts = 5

	for i := 0; i < attempts; i++ {
		if b.Ping(ctx) {
			b.logger.Info("remote sandbox ready", slog.String("url", b.baseURL))
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(time.Second):
		}
	}
	b.logger.Error("remote sandbox unreachable", slog.String("url", b.baseURL))
	return false
}

// Stop is a no-op: the server keeps running for other clients.
func (b *RemoteBackend) Stop() {}

// Ping reports whether the server answers /status with a ready state.
func (b *RemoteBackend) Ping(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, DefaultPingTimeout)
	defer cancel()

	var status statusResponse
	if err := b.do(ctx, http.MethodGet, "/status", nil, &status); err != nil {
		return false
	}
	return status.Status == StatusReady
}

// ExecCode executes code on the server. Transport failures yield a failed
// result, never an error.
func (b *RemoteBackend) ExecCode(ctx context.Context, code string, timeout time.Duration) *ExecutionResult {
	if timeout <= 0 {
		timeout = b.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var result ExecutionResult
	if err := b.do(ctx, http.MethodPost, "/execute", executeRequest{Code: code}, &result); err != nil {
		b.logger.Warn("remote execute failed", slog.String("error", err.Error()))
		return FailedResult(fmt.Sprintf("Request failed: %v", err))
	}
	return &result
}

// GetVariable reads a namespace binding, nil when unbound or unreachable.
func (b *RemoteBackend) GetVariable(ctx context.Context, name string) any {
	ctx, cancel := context.WithTimeout(ctx, DefaultVarTimeout)
	defer cancel()

	var resp getVarResponse
	if err := b.do(ctx, http.MethodPost, "/get_var", getVarRequest{Name: name}, &resp); err != nil {
		return nil
	}
	if !resp.Success {
		return nil
	}
	return resp.Value
}

// ListVariables lists user-defined namespace bindings.
func (b *RemoteBackend) ListVariables(ctx context.Context) map[string]string {
	ctx, cancel := context.WithTimeout(ctx, DefaultVarTimeout)
	defer cancel()

	var resp listVarsResponse
	if err := b.do(ctx, http.MethodGet, "/list_vars", nil, &resp); err != nil || !resp.Success {
		return map[string]string{}
	}
	return resp.Variables
}

// ListFiles lists indexed server files matching pattern.
func (b *RemoteBackend) ListFiles(ctx context.Context, pattern string) []string {
	var resp filesResponse
	if err := b.do(ctx, http.MethodGet, "/files?pattern="+url.QueryEscape(pattern), nil, &resp); err != nil {
		return nil
	}
	return resp.Files
}

// ReadFile reads one indexed server file.
func (b *RemoteBackend) ReadFile(ctx context.Context, path string) (string, error) {
	var resp fileResponse
	if err := b.do(ctx, http.MethodGet, "/file/"+path, nil, &resp); err != nil {
		return "", err
	}
	return resp.Content, nil
}

// Reindex asks the server to rebuild its file index.
func (b *RemoteBackend) Reindex(ctx context.Context) int {
	var resp reindexResponse
	if err := b.do(ctx, http.MethodPost, "/reindex", nil, &resp); err != nil {
		b.logger.Warn("reindex failed", slog.String("error", err.Error()))
		return 0
	}
	return resp.FilesIndexed
}

// Reset clears the server's namespace.
func (b *RemoteBackend) Reset(ctx context.Context) bool {
	var resp statusResponse
	if err := b.do(ctx, http.MethodPost, "/reset", nil, &resp); err != nil {
		return false
	}
	return resp.Status == "reset"
}
