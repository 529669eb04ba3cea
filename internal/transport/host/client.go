package host

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

	"go.uber.org/zap"

	"seedbridge.ai/internal/bridge"
	"seedbridge.ai/internal/protocol"
	"seedbridge.ai/internal/seedkey"
)

// Error is a failure reported by the host with a protocol error code.
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("host: %s (status %d)", e.Code, e.Status)
	}
	return fmt.Sprintf("host: %s: %s (status %d)", e.Code, e.Message, e.Status)
}

// Client drives the host's dimension compiler, registry injector and console over HTTP.
// It satisfies bridge.Compiler, bridge.Injector and bridge.Commands.
type Client struct {
	base string
	http *http.Client
	log  *zap.Logger
}

func New(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: timeout},
		log:  logger.Named("host"),
	}
}

var (
	_ bridge.Compiler = (*Client)(nil)
	_ bridge.Injector = (*Client)(nil)
	_ bridge.Commands = (*Client)(nil)
)

type compileRequest struct {
	Grid seedkey.Grid `json:"grid"`
}

type compileResponse struct {
	Definition json.RawMessage `json:"definition"`
}

func (c *Client) Compile(ctx context.Context, grid seedkey.Grid) (bridge.Definition, error) {
	var resp compileResponse
	if err := c.do(ctx, http.MethodPost, "/v1/dimensions/compile", compileRequest{Grid: grid}, &resp, protocol.ErrCompileFailed); err != nil {
		return nil, err
	}
	if len(resp.Definition) == 0 || string(resp.Definition) == "null" {
		return nil, &Error{Status: http.StatusOK, Code: protocol.ErrCompileFailed, Message: "empty definition"}
	}
	return resp.Definition, nil
}

type injectRequest struct {
	DimensionID string          `json:"dimension_id"`
	Definition  json.RawMessage `json:"definition"`
	Grid        seedkey.Grid    `json:"grid"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

func (c *Client) Inject(ctx context.Context, dimensionID string, def bridge.Definition, grid seedkey.Grid) (bool, error) {
	var resp okResponse
	req := injectRequest{DimensionID: dimensionID, Definition: json.RawMessage(def), Grid: grid}
	if err := c.do(ctx, http.MethodPost, "/v1/dimensions", req, &resp, protocol.ErrInjectFailed); err != nil {
		return false, err
	}
	return resp.OK, nil
}

func (c *Client) Remove(ctx context.Context, dimensionID string) (bool, error) {
	var resp okResponse
	if err := c.do(ctx, http.MethodDelete, "/v1/dimensions/"+url.PathEscape(dimensionID), nil, &resp, protocol.ErrRemoveFailed); err != nil {
		return false, err
	}
	return resp.OK, nil
}

type commandRequest struct {
	Command string `json:"command"`
}

func (c *Client) Run(ctx context.Context, command string) error {
	return c.do(ctx, http.MethodPost, "/v1/commands", commandRequest{Command: command}, nil, protocol.ErrCommandFailed)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any, fallbackCode string) error {
	if c.base == "" {
		return errors.New("host: no base url configured")
	}
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("host: encode %s: %w", path, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("host: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("host: read %s: %w", path, err)
	}
	if resp.StatusCode/100 != 2 {
		herr := &Error{Status: resp.StatusCode, Code: fallbackCode, Message: strings.TrimSpace(string(b))}
		var e protocol.ErrorMsg
		if json.Unmarshal(b, &e) == nil && e.Code != "" {
			herr.Code, herr.Message = e.Code, e.Message
		}
		c.log.Debug("host call failed", zap.String("method", method), zap.String("path", path), zap.Int("status", resp.StatusCode), zap.String("code", herr.Code))
		return herr
	}
	if out == nil || len(bytes.TrimSpace(b)) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("host: decode %s: %w", path, err)
	}
	return nil
}
