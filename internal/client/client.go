// Package client talks to the editing authority over its HTTP API. Client
// implements session.Authority and Stream implements transport.Transport,
// so a session.Manager can edit against a remote server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"taskcollab/api/internal/auth"
	"taskcollab/api/internal/hub"
	"taskcollab/api/internal/operation"
	"taskcollab/api/internal/protocol"
	"taskcollab/api/internal/resolver"
	"taskcollab/api/internal/store"
)

// APIError is an error response the client has no sentinel for.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New returns a client for the API at baseURL that authenticates with token.
// A nil httpClient uses one with a 30 second timeout.
func New(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    httpClient,
	}
}

// IssueToken asks the server's development identity endpoint for a token.
func IssueToken(ctx context.Context, baseURL string, who protocol.Identity) (string, error) {
	c := New(baseURL, "", nil)
	var out struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/token", who, &out); err != nil {
		return "", fmt.Errorf("issue token: %w", err)
	}
	return out.Token, nil
}

func (c *Client) CreateTask(ctx context.Context, taskID string) error {
	body := map[string]string{"id": taskID}
	if err := c.do(ctx, http.MethodPost, "/api/tasks", body, nil); err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

func taskPath(taskID, suffix string) string {
	path := "/api/tasks/" + url.PathEscape(taskID)
	if suffix != "" {
		path += "/" + suffix
	}
	return path
}

// Join joins as the identity in the client's token; who is not sent.
func (c *Client) Join(ctx context.Context, taskID string, who protocol.Identity) (protocol.Snapshot, error) {
	var snapshot protocol.Snapshot
	if err := c.do(ctx, http.MethodPost, taskPath(taskID, "join"), nil, &snapshot); err != nil {
		return protocol.Snapshot{}, err
	}
	return snapshot, nil
}

func (c *Client) Leave(ctx context.Context, taskID, userID string) error {
	return c.do(ctx, http.MethodPost, taskPath(taskID, "leave"), nil, nil)
}

func (c *Client) Submit(ctx context.Context, taskID string, op operation.Operation) (resolver.Applied, error) {
	var applied resolver.Applied
	if err := c.do(ctx, http.MethodPost, taskPath(taskID, "operations"), op, &applied); err != nil {
		return resolver.Applied{}, err
	}
	return applied, nil
}

func (c *Client) Heartbeat(ctx context.Context, taskID, userID string) (protocol.SyncTick, error) {
	var tick protocol.SyncTick
	if err := c.do(ctx, http.MethodPost, taskPath(taskID, "heartbeat"), nil, &tick); err != nil {
		return protocol.SyncTick{}, err
	}
	return tick, nil
}

func (c *Client) SetLock(ctx context.Context, taskID, userID string, locked bool) (string, error) {
	var out protocol.LockPayload
	body := map[string]bool{"locked": locked}
	if err := c.do(ctx, http.MethodPost, taskPath(taskID, "lock"), body, &out); err != nil {
		return "", err
	}
	return out.Holder, nil
}

func (c *Client) LockOwner(ctx context.Context, taskID string) (string, error) {
	var out protocol.LockPayload
	if err := c.do(ctx, http.MethodGet, taskPath(taskID, "lock"), nil, &out); err != nil {
		return "", err
	}
	return out.Holder, nil
}

func (c *Client) UpdateCursor(ctx context.Context, taskID, userID string, field operation.Field, offset int) error {
	body := protocol.CursorPayload{Field: field, Offset: offset}
	return c.do(ctx, http.MethodPost, taskPath(taskID, "cursor"), body, nil)
}

func (c *Client) Snapshot(ctx context.Context, taskID string) (protocol.Snapshot, error) {
	var snapshot protocol.Snapshot
	if err := c.do(ctx, http.MethodGet, taskPath(taskID, ""), nil, &snapshot); err != nil {
		return protocol.Snapshot{}, err
	}
	return snapshot, nil
}

func (c *Client) Presence(ctx context.Context, userID string) (protocol.PresenceView, error) {
	var view protocol.PresenceView
	if err := c.do(ctx, http.MethodGet, "/api/presence/"+url.PathEscape(userID), nil, &view); err != nil {
		return protocol.PresenceView{}, err
	}
	return view, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// decodeError turns an error body back into the error the server mapped,
// so callers can match it with errors.Is and errors.As.
func decodeError(resp *http.Response) error {
	var body protocol.ErrorBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return &APIError{Status: resp.StatusCode, Code: "UNKNOWN", Message: resp.Status}
	}
	details := body.Details

	switch body.Code {
	case protocol.CodeLockConflict:
		return &resolver.LockConflictError{Holder: details.Holder}
	case protocol.CodeNotLockHolder:
		return fmt.Errorf("%s: %w", body.Message, resolver.ErrNotLockHolder)
	case protocol.CodeOverlapConflict:
		return &resolver.OverlapConflictError{Field: details.Field, ConflictingOp: details.ConflictingOp, CurrentVersion: details.CurrentVersion}
	case protocol.CodeStaleFieldVersion:
		return &resolver.StaleFieldVersionError{Field: details.Field, BaseVersion: details.BaseVersion, CurrentVersion: details.CurrentVersion}
	case protocol.CodeInvalidRange:
		return &operation.RangeError{Field: details.Field, Start: details.Start, Length: details.Length, FieldLength: details.FieldLength}
	case protocol.CodeInvalidValue:
		return &operation.ValueError{Field: details.Field, Reason: body.Message}
	case protocol.CodeOwnedElsewhere:
		return &hub.OwnedElsewhereError{Node: details.Node}
	case protocol.CodeNotEditing:
		return fmt.Errorf("%s: %w", body.Message, hub.ErrNotEditing)
	case protocol.CodeTaskNotFound:
		return fmt.Errorf("%s: %w", body.Message, store.ErrTaskNotFound)
	case protocol.CodeForbidden:
		return fmt.Errorf("%s: %w", body.Message, hub.ErrForbidden)
	case protocol.CodeUnauthorized:
		return fmt.Errorf("%s: %w", body.Message, auth.ErrInvalidToken)
	}
	return &APIError{Status: resp.StatusCode, Code: body.Code, Message: body.Message}
}
