package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/comfygate/comfygate/api/rest/service/generation"
	"github.com/comfygate/comfygate/internal/models"
	"github.com/pkg/errors"
)

// Comfygate is the client-side view of the gateway REST API.
type Comfygate interface {
	SubmitGeneration(ctx context.Context, req *generation.SubmitRequest) (*models.Generation, error)
	GetGeneration(ctx context.Context, id string) (*models.Generation, error)
	ListGenerations(ctx context.Context, userID, status string) (models.Generations, error)
	RequeueGeneration(ctx context.Context, id string) (*models.Generation, error)
	DeleteGeneration(ctx context.Context, id string) error
}

type client struct {
	baseURL    string
	httpClient *http.Client
}

// New builds a client against the gateway at baseURL.
func New(baseURL string) Comfygate {
	return &client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *client) SubmitGeneration(ctx context.Context, req *generation.SubmitRequest) (*models.Generation, error) {
	g := &models.Generation{}
	return g, c.do(ctx, http.MethodPost, "/v1/generations", req, g)
}

func (c *client) GetGeneration(ctx context.Context, id string) (*models.Generation, error) {
	g := &models.Generation{}
	return g, c.do(ctx, http.MethodGet, "/v1/generations/"+id, nil, g)
}

func (c *client) ListGenerations(ctx context.Context, userID, status string) (models.Generations, error) {
	params := []string{}
	if userID != "" {
		params = append(params, "user_id="+userID)
	}
	if status != "" {
		params = append(params, "status="+status)
	}

	path := "/v1/generations"
	if len(params) > 0 {
		path += "?" + strings.Join(params, "&")
	}

	var out models.Generations
	return out, c.do(ctx, http.MethodGet, path, nil, &out)
}

func (c *client) RequeueGeneration(ctx context.Context, id string) (*models.Generation, error) {
	g := &models.Generation{}
	return g, c.do(ctx, http.MethodPost, "/v1/generations/"+id+"/requeue", nil, g)
}

func (c *client) DeleteGeneration(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/generations/"+id, nil, nil)
}

func (c *client) do(ctx context.Context, method, path string, body, target interface{}) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "failed to encode request")
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("request failed: %s: %s",
			resp.Status, strings.TrimSpace(string(snippet)))
	}

	if target == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(target)
}
