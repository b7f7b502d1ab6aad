package openai

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
	"sync"
	"time"

	"assistant-relay/internal/domain"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	betaHeader     = "assistants=v2"
	requestTimeout = 10 * time.Second
	// PlaceholderPrompt seeds a thread when the caller's prompt is empty.
	PlaceholderPrompt = "hello."
)

type threadMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type createThreadRequest struct {
	Messages []threadMessage `json:"messages"`
}

type createRunRequest struct {
	AssistantID string `json:"assistant_id"`
	Stream      bool   `json:"stream"`
}

type objectResponse struct {
	ID     string `json:"id"`
	Object string `json:"object"`
}

// SecretGetter resolves the API credential.
type SecretGetter interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("openai: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client is a focused client for the Assistants API: threads, messages and
// streamed runs.
type Client struct {
	baseURL    string
	httpClient *http.Client
	// streamClient has no overall timeout; a streamed run lives until the
	// run ends or the caller's context is done.
	streamClient *http.Client
	secrets      SecretGetter
	keyName      string

	keyMu  sync.Mutex
	apiKey string
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithStreamHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.streamClient = httpClient
	}
}

// NewClient creates a Client whose API key is read from the secret store on
// first use and kept for the lifetime of the process.
func NewClient(secrets SecretGetter, keyName string, opts ...Option) (*Client, error) {
	if secrets == nil {
		return nil, errors.New("openai: secret getter must not be nil")
	}
	keyName = strings.TrimSpace(keyName)
	if keyName == "" {
		return nil, errors.New("openai: api key name must not be empty")
	}
	c := &Client{
		baseURL:      defaultBaseURL,
		httpClient:   &http.Client{Timeout: requestTimeout},
		streamClient: &http.Client{},
		secrets:      secrets,
		keyName:      keyName,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// resolveAPIKey fetches the key on first success and caches it. A failed
// fetch is not cached so the next request retries.
func (c *Client) resolveAPIKey(ctx context.Context) (string, error) {
	c.keyMu.Lock()
	defer c.keyMu.Unlock()
	if c.apiKey != "" {
		return c.apiKey, nil
	}
	key, err := c.secrets.GetSecret(ctx, c.keyName)
	if err != nil {
		return "", fmt.Errorf("openai: fetch api key: %w", err)
	}
	c.apiKey = key
	return key, nil
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: requestTimeout}
}

func (c *Client) resolvedStreamClient() *http.Client {
	if c.streamClient != nil {
		return c.streamClient
	}
	return http.DefaultClient
}

func endpoint(baseURL string, parts ...string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	if !strings.HasSuffix(base, "/v1") {
		base += "/v1"
	}
	for _, p := range parts {
		base += "/" + url.PathEscape(p)
	}
	return base
}

// CreateThread starts a new thread seeded with prompt, or with the
// placeholder prompt when prompt is empty, and returns its id.
func (c *Client) CreateThread(ctx context.Context, prompt string) (string, error) {
	body := createThreadRequest{Messages: []threadMessage{{Role: "user", Content: seedPrompt(prompt)}}}

	var out objectResponse
	if err := c.postJSON(ctx, endpoint(c.baseURL, "threads"), body, &out); err != nil {
		return "", fmt.Errorf("openai: create thread: %w", err)
	}
	if out.ID == "" {
		return "", errors.New("openai: create thread: empty thread id")
	}
	return out.ID, nil
}

// AddMessage appends prompt as a user turn on an existing thread. An empty
// prompt is sent as PlaceholderPrompt; the messages endpoint rejects empty
// content.
func (c *Client) AddMessage(ctx context.Context, threadID, prompt string) error {
	if strings.TrimSpace(threadID) == "" {
		return errors.New("openai: thread id must not be empty")
	}
	body := threadMessage{Role: "user", Content: seedPrompt(prompt)}

	var out objectResponse
	if err := c.postJSON(ctx, endpoint(c.baseURL, "threads", threadID, "messages"), body, &out); err != nil {
		return fmt.Errorf("openai: add message: %w", err)
	}
	return nil
}

// StreamRun starts a streamed run of assistantID on threadID. The returned
// stream owns the response body; the caller must Close it.
func (c *Client) StreamRun(ctx context.Context, threadID, assistantID string) (domain.FragmentStream, error) {
	if strings.TrimSpace(threadID) == "" {
		return nil, errors.New("openai: thread id must not be empty")
	}
	if strings.TrimSpace(assistantID) == "" {
		return nil, errors.New("openai: assistant id must not be empty")
	}
	apiKey, err := c.resolveAPIKey(ctx)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(createRunRequest{AssistantID: assistantID, Stream: true})
	if err != nil {
		return nil, fmt.Errorf("openai: marshal run request: %w", err)
	}
	u := endpoint(c.baseURL, "threads", threadID, "runs")

	streamCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(streamCtx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("openai: create run request: %w", err)
	}
	c.setHeaders(req, apiKey)
	req.Header.Set("Accept", "text/event-stream")

	res, err := c.resolvedStreamClient().Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("openai: start run: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		_ = res.Body.Close()
		cancel()
		return nil, fmt.Errorf("openai: start run: %w", &HTTPStatusError{StatusCode: res.StatusCode, URL: u, Body: string(buf)})
	}
	return newRunStream(res.Body, cancel), nil
}

func (c *Client) setHeaders(req *http.Request, apiKey string) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("OpenAI-Beta", betaHeader)
}

func (c *Client) postJSON(ctx context.Context, u string, in, out any) error {
	apiKey, err := c.resolveAPIKey(ctx)
	if err != nil {
		return err
	}
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(req, apiKey)

	raw, err := c.doJSONRequest(req, u)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) doJSONRequest(req *http.Request, u string) ([]byte, error) {
	res, doErr := c.resolvedHTTPClient().Do(req)
	if doErr != nil {
		return nil, doErr
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        u,
			Body:       string(buf),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}

func seedPrompt(prompt string) string {
	if strings.TrimSpace(prompt) == "" {
		return PlaceholderPrompt
	}
	return prompt
}
