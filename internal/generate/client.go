// Package generate talks to an Ollama-compatible endpoint to produce the
// planner's spoken content: trigger phrases, forged checklist scripts, and
// chat replies.
package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"butler/internal/config"
	appLog "butler/internal/log"
)

// Sentinel errors callers can match with errors.Is.
var (
	// ErrUnreachable means the generation endpoint could not be contacted.
	ErrUnreachable = errors.New("generation endpoint unreachable")
	// ErrTimeout means the call exceeded its deadline.
	ErrTimeout = errors.New("generation timed out")
	// ErrBadResponse means the endpoint answered with an unusable payload.
	ErrBadResponse = errors.New("bad generation response")
)

// phraseSchema guards the shape of a generated trigger phrase before it is
// handed to the speech layer.
var phraseSchema = jsonschema.MustCompileString("phrase.json", `{
	"type": "object",
	"properties": {
		"trigger": {"type": "string", "minLength": 1},
		"reply_yes": {"type": "string"},
		"reply_no": {"type": "string"}
	},
	"required": ["trigger"]
}`)

// Client is an Ollama API client.
type Client struct {
	baseURL      string
	model        string
	httpClient   *http.Client
	timeout      time.Duration
	forgeTimeout time.Duration
}

// NewClient builds a Client from configuration.
func NewClient(cfg config.GeneratorConfig) *Client {
	return &Client{
		baseURL:      strings.TrimRight(cfg.URL, "/"),
		model:        cfg.Model,
		httpClient:   &http.Client{},
		timeout:      time.Duration(cfg.TimeoutSeconds) * time.Second,
		forgeTimeout: time.Duration(cfg.ForgeTimeoutSeconds) * time.Second,
	}
}

type genOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumCtx      int     `json:"num_ctx,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type generateRequest struct {
	Model   string     `json:"model"`
	Prompt  string     `json:"prompt"`
	Stream  bool       `json:"stream"`
	Format  string     `json:"format"`
	Options genOptions `json:"options"`
}

type generateResponse struct {
	Response string `json:"response"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Format   string        `json:"format"`
}

type chatResponse struct {
	Message chatMessage `json:"message"`
}

// generateJSON runs one /api/generate call in JSON mode and returns the raw
// JSON document the model produced.
func (c *Client) generateJSON(ctx context.Context, prompt string, opts genOptions, timeout time.Duration) (json.RawMessage, error) {
	body, err := json.Marshal(generateRequest{
		Model:   c.model,
		Prompt:  prompt,
		Stream:  false,
		Format:  "json",
		Options: opts,
	})
	if err != nil {
		return nil, err
	}

	data, err := c.post(ctx, "/api/generate", body, timeout)
	if err != nil {
		return nil, err
	}

	var resp generateResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	if resp.Response == "" {
		return nil, fmt.Errorf("%w: empty response field", ErrBadResponse)
	}
	return json.RawMessage(resp.Response), nil
}

// chatJSON runs one /api/chat call in JSON mode and returns the assistant
// message content.
func (c *Client) chatJSON(ctx context.Context, messages []chatMessage, timeout time.Duration) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   false,
		Format:   "json",
	})
	if err != nil {
		return "", err
	}

	data, err := c.post(ctx, "/api/chat", body, timeout)
	if err != nil {
		return "", err
	}

	var resp chatResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	return resp.Message.Content, nil
}

func (c *Client) post(ctx context.Context, path string, body []byte, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, normalizeNetworkError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d: %s", ErrBadResponse, resp.StatusCode, truncate(string(data), 200))
	}

	appLog.Debug("generation call completed", "path", path, "elapsed", time.Since(start).String())
	return data, nil
}

// normalizeNetworkError maps transport failures onto the package's sentinel
// errors so callers can branch without inspecting error strings.
func normalizeNetworkError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return fmt.Errorf("%w: %v", ErrUnreachable, urlErr.Err)
	}
	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
