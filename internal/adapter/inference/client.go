// Package inference talks to the model-serving sidecar. Embedding math and
// model weights live entirely on the other side of this HTTP boundary.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cr4342/msearch-sub004/internal/core/domain"
	"github.com/cr4342/msearch-sub004/internal/core/port"
	"go.uber.org/zap"
)

type Client struct {
	baseURL string
	client  *http.Client
	log     *zap.Logger
}

// NewClient builds the sidecar client. The timeout caps a single request; the
// pool task timeout still governs the task as a whole.
func NewClient(baseURL string, timeout time.Duration, log *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		log:     log,
	}
}

// Load asks the sidecar to bring a model into memory.
func (c *Client) Load(ctx context.Context, modelType string) error {
	return c.post(ctx, fmt.Sprintf("/models/%s/load", url.PathEscape(modelType)), nil, nil)
}

// Unload asks the sidecar to release a model's memory.
func (c *Client) Unload(ctx context.Context, modelType string) error {
	return c.post(ctx, fmt.Sprintf("/models/%s/unload", url.PathEscape(modelType)), nil, nil)
}

// IsLoaded reports whether the sidecar currently holds the model.
func (c *Client) IsLoaded(ctx context.Context, modelType string) (bool, error) {
	var out struct {
		Loaded bool `json:"loaded"`
	}
	if err := c.get(ctx, fmt.Sprintf("/models/%s", url.PathEscape(modelType)), &out); err != nil {
		return false, err
	}
	return out.Loaded, nil
}

type embedRequest struct {
	Model     string         `json:"model"`
	BatchSize int            `json:"batch_size,omitempty"`
	Payload   domain.Payload `json:"payload"`
}

type embedResponse struct {
	VectorRef  string `json:"vector_ref"`
	Dimensions int    `json:"dimensions"`
	Count      int    `json:"count"`
}

// EmbeddingExecutor returns the executor for one embedding task type. It runs
// the sidecar embed call and records the resulting vector reference in the
// metadata store keyed by file.
func (c *Client) EmbeddingExecutor(modelType string, meta port.MetadataStore) port.Executor {
	return port.ExecutorFunc(func(ctx context.Context, payload domain.Payload) (domain.Payload, error) {
		batchSize, _ := payload[domain.PayloadBatchSize].(int)
		req := embedRequest{Model: modelType, BatchSize: batchSize, Payload: payload}

		var resp embedResponse
		if err := c.post(ctx, "/embed", req, &resp); err != nil {
			return nil, fmt.Errorf("embed with %s: %w", modelType, err)
		}

		result := domain.Payload{
			"vector_ref": resp.VectorRef,
			"dimensions": resp.Dimensions,
			"count":      resp.Count,
		}
		if fid := payload.FileID(); fid != "" && meta != nil {
			ref, err := json.Marshal(result)
			if err == nil {
				if err := meta.Put(ctx, fid, ref, 0); err != nil {
					c.log.Warn("Failed to store vector reference",
						zap.String("file_id", fid), zap.Error(err))
				}
			}
		}
		return result, nil
	})
}

// TaskExecutor returns an executor that forwards the payload to one sidecar
// endpoint and hands back its JSON response. Preprocessing and segmentation
// task types use this passthrough.
func (c *Client) TaskExecutor(path string) port.Executor {
	return port.ExecutorFunc(func(ctx context.Context, payload domain.Payload) (domain.Payload, error) {
		var result domain.Payload
		if err := c.post(ctx, path, payload, &result); err != nil {
			return nil, fmt.Errorf("sidecar %s: %w", path, err)
		}
		return result, nil
	})
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("inference sidecar returned status %d: %s", resp.StatusCode, string(b))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
