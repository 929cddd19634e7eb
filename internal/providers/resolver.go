package providers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/deepread/deepread/internal/version"
	openai "github.com/sashabaranov/go-openai"
)

// Config is the credential part of a caller supplied provider config.
type Config struct {
	APIKey  string `json:"api_key"`
	BaseURL string `json:"base_url"`
}

type Message struct {
	Role    string
	Content string
	Name    string
}

// ChatStream yields completion deltas in upstream order. Recv returns io.EOF
// once the provider signals the end of the stream.
type ChatStream interface {
	Recv() (string, error)
	Close() error
}

type ResolveOption func(*resolveOptions)

type resolveOptions struct {
	transport http.RoundTripper
}

// WithTransport sets the base transport used for upstream calls.
func WithTransport(transport http.RoundTripper) ResolveOption {
	return func(o *resolveOptions) {
		o.transport = transport
	}
}

type Client struct {
	kind    Kind
	name    string
	baseURL string
	headers http.Header
	api     *openai.Client
}

// Resolve builds a client for the named provider. It never touches the
// network; a bad key or unreachable URL only shows up once the client is used.
func Resolve(name string, cfg Config, opts ...ResolveOption) (*Client, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	options := resolveOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	base := options.transport
	if base == nil {
		base = http.DefaultTransport
	}

	kind := ParseKind(name)
	apiKey := strings.TrimSpace(cfg.APIKey)
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	headers := kind.Headers(apiKey)

	clientConfig := openai.DefaultConfig(apiKey)
	clientConfig.BaseURL = baseURL
	clientConfig.HTTPClient = &http.Client{
		Transport: &headerTransport{base: base, headers: headers},
	}

	return &Client{
		kind:    kind,
		name:    normalizeName(name),
		baseURL: baseURL,
		headers: headers,
		api:     openai.NewClientWithConfig(clientConfig),
	}, nil
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return &ConfigurationError{Field: "api_key"}
	}
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		return &ConfigurationError{Field: "base_url"}
	}
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return &ConfigurationError{Field: "base_url", Reason: "is not a valid URL"}
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return &ConfigurationError{Field: "base_url", Reason: "must include scheme and host"}
	}
	return nil
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func (c *Client) Kind() Kind {
	return c.kind
}

func (c *Client) Name() string {
	return c.name
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// Headers returns a copy of the extra headers sent with every request.
func (c *Client) Headers() http.Header {
	return c.headers.Clone()
}

func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	list, err := c.api.ListModels(ctx)
	if err != nil {
		return nil, newUpstreamError(c.name, "list models", err)
	}

	models := make([]string, 0, len(list.Models))
	for _, model := range list.Models {
		models = append(models, model.ID)
	}
	return models, nil
}

// StreamChatCompletion opens a streaming completion. The returned stream must
// be closed by the caller; cancelling ctx aborts the upstream request.
func (c *Client) StreamChatCompletion(ctx context.Context, model string, messages []Message) (ChatStream, error) {
	request := openai.ChatCompletionRequest{
		Model:    model,
		Messages: make([]openai.ChatCompletionMessage, 0, len(messages)),
		Stream:   true,
	}
	for _, message := range messages {
		request.Messages = append(request.Messages, openai.ChatCompletionMessage{
			Role:    message.Role,
			Content: message.Content,
			Name:    message.Name,
		})
	}

	stream, err := c.api.CreateChatCompletionStream(ctx, request)
	if err != nil {
		return nil, newUpstreamError(c.name, "chat completion", err)
	}
	return &chatStream{provider: c.name, stream: stream}, nil
}

type chatStream struct {
	provider string
	stream   *openai.ChatCompletionStream
}

func (s *chatStream) Recv() (string, error) {
	response, err := s.stream.Recv()
	if errors.Is(err, io.EOF) {
		return "", io.EOF
	}
	if err != nil {
		return "", newUpstreamError(s.provider, "chat completion stream", err)
	}
	if len(response.Choices) == 0 {
		return "", nil
	}
	return response.Choices[0].Delta.Content, nil
}

func (s *chatStream) Close() error {
	return s.stream.Close()
}

type headerTransport struct {
	base    http.RoundTripper
	headers http.Header
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	cloned := req.Clone(req.Context())
	cloned.Header = req.Header.Clone()
	for key, values := range t.headers {
		cloned.Header[key] = append([]string(nil), values...)
	}
	if cloned.Header.Get("User-Agent") == "" {
		cloned.Header.Set("User-Agent", version.UserAgent())
	}
	return t.base.RoundTrip(cloned)
}
