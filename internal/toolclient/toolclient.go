// Package toolclient implements the Tool Client (C3, §4.3): a uniform
// request/response wrapper around the external tool service, with a small
// per-tool field-remap table applied on request and undone on response.
package toolclient

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/sonic/internal/config"
	"github.com/nextlevelbuilder/sonic/internal/errs"
	"github.com/nextlevelbuilder/sonic/internal/tracing"
)

// Tool describes one entry of GET /tools/list (§6.4).
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// Client is the C3 Tool Client.
type Client struct {
	baseURL string
	http    *http.Client
	remaps  map[string]config.Remap
	limiter *rate.Limiter
	tracer  *tracing.Tracer
}

// New builds a Client from configuration. A nil/zero rate limit disables
// limiting.
func New(cfg config.ToolsConfig) *Client {
	var lim *rate.Limiter
	if cfg.RateLimitPerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(cfg.RateLimitPerSec), int(cfg.RateLimitPerSec)+1)
	}
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: cfg.BaseURL,
		http:    &http.Client{Timeout: timeout},
		remaps:  cfg.FieldRemaps,
		limiter: lim,
	}
}

// WithTracer attaches a Tracer used to span every Execute call. Passing nil
// disables tracing (the zero value already does, this just documents it).
func (c *Client) WithTracer(t *tracing.Tracer) *Client {
	c.tracer = t
	return c
}

type executeRequest struct {
	Tool  string         `json:"tool"`
	Input map[string]any `json:"input"`
}

type executeResponse struct {
	Success bool           `json:"success"`
	Result  map[string]any `json:"result"`
	Error   *struct {
		ErrorKind string `json:"errorKind"`
		Message   string `json:"message"`
	} `json:"error,omitempty"`
}

// Execute calls POST /tools/execute, applying the field remap for toolName
// on the request and undoing it on the response (§4.3).
func (c *Client) Execute(ctx context.Context, toolName string, input map[string]any) (map[string]any, error) {
	ctx, span := c.tracer.Start(ctx, "toolclient.Execute", attribute.String("tool.name", toolName))
	defer span.End()

	result, err := c.execute(ctx, toolName, input)
	tracing.RecordError(span, err)
	return result, err
}

func (c *Client) execute(ctx context.Context, toolName string, input map[string]any) (map[string]any, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, errs.Wrap(errs.ToolTimeout, "rate limit wait", err)
		}
	}

	remapped := applyRequestRemap(c.remaps[toolName], input)

	body, err := json.Marshal(executeRequest{Tool: toolName, Input: remapped})
	if err != nil {
		return nil, errs.Wrap(errs.ToolMalformed, "encode request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tools/execute", bytes.NewReader(body))
	if err != nil {
		return nil, errs.Wrap(errs.ToolUpstream, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errs.Wrap(errs.ToolTimeout, "tool call timed out", err)
		}
		return nil, errs.Wrap(errs.ToolUpstream, "tool call failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Wrap(errs.ToolUpstream, "read response", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, errs.New(errs.ToolNotFound, toolName)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, errs.New(errs.ToolUnauthorized, toolName)
	}

	var out executeResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errs.Wrap(errs.ToolMalformed, "decode response", err)
	}
	if !out.Success {
		kind := errs.ToolUpstream
		msg := "tool execution failed"
		if out.Error != nil {
			if out.Error.ErrorKind != "" {
				kind = errs.Kind(out.Error.ErrorKind)
			}
			msg = out.Error.Message
		}
		return nil, errs.New(kind, msg)
	}

	return applyResponseRemap(c.remaps[toolName], out.Result), nil
}

// List calls GET /tools/list (§6.4).
func (c *Client) List(ctx context.Context) ([]Tool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/tools/list", nil)
	if err != nil {
		return nil, errs.Wrap(errs.ToolUpstream, "build request", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.ToolUpstream, "list tools failed", err)
	}
	defer resp.Body.Close()
	var out struct {
		Tools []Tool `json:"tools"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errs.Wrap(errs.ToolMalformed, "decode tool list", err)
	}
	return out.Tools, nil
}

func applyRequestRemap(remap config.Remap, input map[string]any) map[string]any {
	if len(remap.RequestFields) == 0 {
		return input
	}
	out := make(map[string]any, len(input))
	for k, v := range input {
		if upstream, ok := remap.RequestFields[k]; ok {
			out[upstream] = v
		} else {
			out[k] = v
		}
	}
	return out
}

func applyResponseRemap(remap config.Remap, result map[string]any) map[string]any {
	if len(remap.ResponseFields) == 0 {
		return result
	}
	out := make(map[string]any, len(result))
	for k, v := range result {
		if internal, ok := remap.ResponseFields[k]; ok {
			out[internal] = v
		} else {
			out[k] = v
		}
	}
	return out
}

// TruncateResult enforces §8 B3: a serialized result over capBytes is
// truncated with a {truncated:true, originalSize} marker.
func TruncateResult(result any, capBytes int) any {
	raw, err := json.Marshal(result)
	if err != nil || len(raw) <= capBytes {
		return result
	}
	truncated := raw[:capBytes]
	return map[string]any{
		"truncated":    true,
		"originalSize": len(raw),
		"preview":      string(truncated),
	}
}
