package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/stagehand/stagehand/pkg/models"
)

const requestTimeout = 30 * time.Second

// Client talks to the stagehand API server.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: requestTimeout},
	}
}

type submitRequest struct {
	Spec      *models.WorkflowSpec `json:"spec"`
	Workspace string               `json:"workspace"`
}

func (c *Client) Submit(ctx context.Context, spec *models.WorkflowSpec, workspace string) (*models.WorkflowInstance, error) {
	var instance models.WorkflowInstance

	err := c.do(ctx, http.MethodPost, "/workflows", submitRequest{Spec: spec, Workspace: workspace}, &instance)
	if err != nil {
		return nil, err
	}

	return &instance, nil
}

func (c *Client) Status(ctx context.Context, id string) (*models.WorkflowInstance, error) {
	var instance models.WorkflowInstance

	err := c.do(ctx, http.MethodGet, "/workflows/"+id, nil, &instance)
	if err != nil {
		return nil, err
	}

	return &instance, nil
}

func (c *Client) History(ctx context.Context, id string) (json.RawMessage, error) {
	var raw json.RawMessage

	err := c.do(ctx, http.MethodGet, "/workflows/"+id+"/history", nil, &raw)
	if err != nil {
		return nil, err
	}

	return raw, nil
}

func (c *Client) List(ctx context.Context, status string, limit int) (json.RawMessage, error) {
	path := fmt.Sprintf("/workflows?limit=%d", limit)
	if status != "" {
		path += "&status=" + status
	}

	var raw json.RawMessage

	err := c.do(ctx, http.MethodGet, path, nil, &raw)
	if err != nil {
		return nil, err
	}

	return raw, nil
}

type approvalRequest struct {
	Decision  string `json:"decision"`
	DecidedBy string `json:"decided_by,omitempty"`
	Comment   string `json:"comment,omitempty"`
}

func (c *Client) Decide(ctx context.Context, id, decision, decidedBy, comment string) error {
	body := approvalRequest{Decision: decision, DecidedBy: decidedBy, Comment: comment}

	return c.do(ctx, http.MethodPost, "/workflows/"+id+"/approval", body, nil)
}

type cancelRequest struct {
	CancelledBy string `json:"cancelled_by,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

func (c *Client) Cancel(ctx context.Context, id, cancelledBy, reason string) error {
	body := cancelRequest{CancelledBy: cancelledBy, Reason: reason}

	return c.do(ctx, http.MethodPost, "/workflows/"+id+"/cancel", body, nil)
}

type previewRequest struct {
	Spec *models.WorkflowSpec `json:"spec"`
}

func (c *Client) Preview(ctx context.Context, spec *models.WorkflowSpec) (json.RawMessage, error) {
	var raw json.RawMessage

	err := c.do(ctx, http.MethodPost, "/specs/preview", previewRequest{Spec: spec}, &raw)
	if err != nil {
		return nil, err
	}

	return raw, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, target any) error {
	var reader io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}

		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, bytes.TrimSpace(data))
	}

	if target == nil {
		return nil
	}

	return json.Unmarshal(data, target)
}
