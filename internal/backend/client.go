// Package backend is the REST client for the simulation service.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrUnauthorized    = errors.New("unauthorized")
)

// APIError carries a non-2xx response that maps to no sentinel.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend: %d: %s", e.Status, e.Message)
}

type TokenSource func() string

type Client struct {
	baseURL string
	token   TokenSource
	http    *http.Client
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

func NewClient(baseURL string, token TokenSource, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// StartSession creates a session, or resumes req.SessionID when set.
func (c *Client) StartSession(ctx context.Context, req StartRequest) (StartResponse, error) {
	var out StartResponse
	if err := c.postJSON(ctx, "/simulation/start", req, &out); err != nil {
		return StartResponse{}, fmt.Errorf("start session: %w", err)
	}
	if out.SessionID == "" {
		return StartResponse{}, errors.New("start session: empty session id")
	}
	return out, nil
}

func (c *Client) SubmitTask(ctx context.Context, sub Submission) (SubmissionResult, error) {
	var out SubmissionResult
	if err := c.postJSON(ctx, "/simulation/tasks/submit", sub, &out); err != nil {
		return SubmissionResult{}, fmt.Errorf("submit task: %w", err)
	}
	return out, nil
}

func (c *Client) UploadFile(ctx context.Context, name string, r io.Reader) (UploadResult, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", name)
	if err != nil {
		return UploadResult{}, fmt.Errorf("upload: %w", err)
	}
	if _, err := io.Copy(fw, r); err != nil {
		return UploadResult{}, fmt.Errorf("upload: read: %w", err)
	}
	if err := mw.Close(); err != nil {
		return UploadResult{}, fmt.Errorf("upload: %w", err)
	}
	var out UploadResult
	if err := c.do(ctx, "/simulation/upload", mw.FormDataContentType(), &buf, &out); err != nil {
		return UploadResult{}, fmt.Errorf("upload: %w", err)
	}
	return out, nil
}

// MediaToken fetches connection details for the voice room with agentName dispatched.
func (c *Client) MediaToken(ctx context.Context, agentName string) (MediaDetails, error) {
	body := map[string]any{
		"room_config": map[string]any{
			"agents": []map[string]string{{"agent_name": agentName}},
		},
	}
	var out MediaDetails
	if err := c.postJSON(ctx, "/livekit/connection-details", body, &out); err != nil {
		return MediaDetails{}, fmt.Errorf("media token: %w", err)
	}
	return out, nil
}

func (c *Client) Evaluate(ctx context.Context, req EvaluateRequest) (Evaluation, error) {
	var out Evaluation
	if err := c.postJSON(ctx, "/simulation/evaluate", req, &out); err != nil {
		return Evaluation{}, fmt.Errorf("evaluate: %w", err)
	}
	return out, nil
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	b, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	return c.do(ctx, path, "application/json", bytes.NewReader(b), out)
}

func (c *Client) do(ctx context.Context, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	if c.token != nil {
		if tok := c.token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

func statusError(resp *http.Response) error {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	_ = json.Unmarshal(raw, &payload)
	msg := payload.Message
	if msg == "" {
		msg = payload.Error
	}
	if msg == "" {
		msg = "Request failed"
	}
	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrSessionNotFound, msg)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, msg)
	}
	return &APIError{Status: resp.StatusCode, Message: msg}
}
