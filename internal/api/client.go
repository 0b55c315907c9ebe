package api

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

	"github.com/tutu-network/transferd/internal/domain"
)

// Client talks to a running transferd over HTTP.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// NewClient returns a client for baseURL (e.g. http://127.0.0.1:8233).
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: MaxResultWait + 30*time.Second},
	}
}

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("transferd: %d %s", e.Status, e.Message)
}

// SubmitResponse is the body returned by Submit.
type SubmitResponse struct {
	Handle   string       `json:"handle"`
	Created  bool         `json:"created"`
	Transfer TransferView `json:"transfer"`
}

// Submit starts a transfer.
func (c *Client) Submit(ctx context.Context, req domain.TransferRequest) (*SubmitResponse, error) {
	body := map[string]interface{}{
		"source_account": req.SourceAccount,
		"target_account": req.TargetAccount,
		"amount":         req.Amount,
		"reference_id":   req.ReferenceID,
	}
	var out SubmitResponse
	if _, err := c.do(ctx, http.MethodPost, "/api/transfers", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Get fetches a transfer by handle or reference id.
func (c *Client) Get(ctx context.Context, id string) (*TransferView, error) {
	var out TransferView
	if _, err := c.do(ctx, http.MethodGet, "/api/transfers/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// List returns transfers matching status (all|running|completed|failed).
func (c *Client) List(ctx context.Context, status string) ([]TransferView, error) {
	var out struct {
		Transfers []TransferView `json:"transfers"`
	}
	path := "/api/transfers"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	if _, err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Transfers, nil
}

// Signal sends an approval decision.
func (c *Client) Signal(ctx context.Context, id string, sig domain.ApprovalSignal) error {
	body := SignalRequest(sig)
	_, err := c.do(ctx, http.MethodPost, "/api/transfers/"+url.PathEscape(id)+"/signal", body, nil)
	return err
}

// Cancel cancels a suspended transfer.
func (c *Client) Cancel(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodPost, "/api/transfers/"+url.PathEscape(id)+"/cancel", nil, nil)
	return err
}

// Result waits up to wait for the transfer's result. It returns nil with
// no error if the transfer is still running.
func (c *Client) Result(ctx context.Context, id string, wait time.Duration) (*domain.TransferResult, error) {
	path := "/api/transfers/" + url.PathEscape(id) + "/result"
	if wait > 0 {
		path += "?wait=" + url.QueryEscape(wait.String())
	}
	var out domain.TransferResult
	status, err := c.do(ctx, http.MethodGet, path, nil, &out)
	if err != nil {
		return nil, err
	}
	if status == http.StatusAccepted {
		return nil, nil
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) (int, error) {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return 0, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0, fmt.Errorf("transferd unreachable at %s: %w", c.BaseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&e)
		return resp.StatusCode, &APIError{Status: resp.StatusCode, Message: e.Error.Message}
	}
	if out != nil && resp.StatusCode != http.StatusAccepted {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
