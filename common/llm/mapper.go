package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/flowstack/engine/common/connector"
	"github.com/flowstack/engine/common/graph"
	"github.com/flowstack/engine/common/logger"
	"github.com/flowstack/engine/common/redisx"
)

const (
	defaultModel    = openai.GPT4oMini
	defaultCacheTTL = 10 * time.Minute
	cachePrefix     = "llm:cache:"
)

// ChatClient is the slice of the go-openai client the mapper needs
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (
		openai.ChatCompletionResponse, error)
}

// Opts configures the mapper
type Opts struct {
	Client       ChatClient
	Cache        *redisx.Client
	Logger       *logger.Logger
	DefaultModel string
}

// Mapper derives parameter values from upstream payloads with an LLM
// and serves llm.complete invocations. Completions are cached in Redis
// keyed by a hash of the prompt and the upstream snapshot.
type Mapper struct {
	client       ChatClient
	cache        *redisx.Client
	log          *logger.Logger
	defaultModel string
}

// New builds a mapper
func New(opts Opts) (*Mapper, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("llm: chat client is required")
	}
	model := opts.DefaultModel
	if model == "" {
		model = defaultModel
	}
	return &Mapper{
		client:       opts.Client,
		cache:        opts.Cache,
		log:          opts.Logger,
		defaultModel: model,
	}, nil
}

// NewFromAPIKey constructs a mapper with the default go-openai client
func NewFromAPIKey(apiKey string, opts Opts) (*Mapper, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("llm: api key is required")
	}
	opts.Client = openai.NewClient(apiKey)
	return New(opts)
}

// Complete implements connector.Completer for llm.complete nodes
func (m *Mapper) Complete(ctx context.Context, req connector.CompletionRequest) (string, error) {
	model := req.Model
	if model == "" {
		model = m.defaultModel
	}

	ttl := req.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}

	key := cacheKey(req.Prompt, req.System, model, nil)
	if cached, ok := m.lookup(ctx, key); ok {
		return cached, nil
	}

	text, err := m.chat(ctx, model, req.System, req.Prompt, req.Temperature, req.MaxTokens)
	if err != nil {
		return "", err
	}

	m.store(ctx, key, text, ttl)
	return text, nil
}

// MapValue resolves an llm-tagged parameter by asking the model to
// derive the value from the upstream payload. The result is parsed as
// JSON when possible, otherwise returned as a string.
func (m *Mapper) MapValue(ctx context.Context, spec *graph.LLMValue, upstream map[string]any) (any, error) {
	if spec == nil || spec.Prompt == "" {
		return nil, connector.Errorf(connector.KindValidation, "llm value missing prompt")
	}

	model := spec.Model
	if model == "" {
		model = m.defaultModel
	}

	ttl := defaultCacheTTL
	if spec.CacheTTLSec > 0 {
		ttl = time.Duration(spec.CacheTTLSec) * time.Second
	}

	payload, err := json.Marshal(upstream)
	if err != nil {
		return nil, fmt.Errorf("marshal upstream payload: %w", err)
	}

	key := cacheKey(spec.Prompt, spec.System, model, payload)
	if cached, ok := m.lookup(ctx, key); ok {
		return parseMapped(cached), nil
	}

	system := spec.System
	if system == "" {
		system = "You map workflow data. Answer with only the requested value, as JSON when the value is structured."
	}
	if len(spec.JSONSchema) > 0 {
		system += "\nThe answer must be JSON conforming to this schema:\n" + string(spec.JSONSchema)
	}

	prompt := fmt.Sprintf("%s\n\nUpstream data:\n%s", spec.Prompt, payload)

	text, err := m.chat(ctx, model, system, prompt, spec.Temperature, spec.MaxTokens)
	if err != nil {
		return nil, err
	}

	m.store(ctx, key, text, ttl)
	return parseMapped(text), nil
}

func (m *Mapper) chat(ctx context.Context, model, system, prompt string, temperature float64, maxTokens int) (string, error) {
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if system != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: prompt,
	})

	resp, err := m.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: float32(temperature),
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", classifyProviderError(err)
	}
	if len(resp.Choices) == 0 {
		return "", connector.Errorf(connector.KindProviderServer, "completion returned no choices")
	}

	if m.log != nil {
		m.log.Debug("llm completion",
			"model", model,
			"prompt_tokens", resp.Usage.PromptTokens,
			"completion_tokens", resp.Usage.CompletionTokens)
	}

	return resp.Choices[0].Message.Content, nil
}

func (m *Mapper) lookup(ctx context.Context, key string) (string, bool) {
	if m.cache == nil {
		return "", false
	}
	val, found, err := m.cache.Get(ctx, key)
	if err != nil || !found {
		return "", false
	}
	return val, true
}

func (m *Mapper) store(ctx context.Context, key, value string, ttl time.Duration) {
	if m.cache == nil {
		return
	}
	if err := m.cache.Set(ctx, key, value, ttl); err != nil && m.log != nil {
		m.log.Warn("llm cache write failed", "error", err)
	}
}

func cacheKey(prompt, system, model string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(prompt))
	h.Write([]byte{0})
	h.Write([]byte(system))
	h.Write([]byte{0})
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write(payload)
	return cachePrefix + hex.EncodeToString(h.Sum(nil))
}

// parseMapped prefers structured values: JSON parses win, everything
// else stays a trimmed string
func parseMapped(text string) any {
	trimmed := strings.TrimSpace(text)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	var parsed any
	if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil {
		return parsed
	}
	return trimmed
}

func classifyProviderError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == 429:
			return connector.NewError(connector.KindRateLimited, "provider rate limit", err)
		case apiErr.HTTPStatusCode == 401 || apiErr.HTTPStatusCode == 403:
			return connector.NewError(connector.KindAuthExpired, "provider auth rejected", err)
		case apiErr.HTTPStatusCode >= 500:
			return connector.NewError(connector.KindProviderServer, "provider error", err)
		case apiErr.HTTPStatusCode >= 400:
			return connector.NewError(connector.KindProviderRequest, "provider rejected request", err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return connector.NewError(connector.KindNetworkTimeout, "completion timed out", err)
	}
	return connector.NewError(connector.KindProviderServer, "completion failed", err)
}
