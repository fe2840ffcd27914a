package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	goopenai "github.com/sashabaranov/go-openai"
	"google.golang.org/genai"

	"aibuddy/internal/apperr"
	"aibuddy/internal/config"
	"aibuddy/internal/models"
)

const (
	modelsPath   = "/v1/models"
	maxErrorBody = 4096
)

// Streamer opens a streamed chat completion. The reader yields reply
// fragments and ends with io.EOF when the upstream finishes cleanly.
type Streamer interface {
	OpenStream(ctx context.Context, messages []*schema.Message) (*schema.StreamReader[*schema.Message], error)
}

// Completer runs a single non-streamed completion.
type Completer interface {
	Complete(ctx context.Context, messages []*schema.Message) (string, error)
}

// UpstreamError is a non-2xx answer from the completion provider.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.StatusCode, e.Body)
}

type Client struct {
	http       *resty.Client
	upstream   model.BaseChatModel
	extractor  model.BaseChatModel
	extractTmp float32
	log        zerolog.Logger
}

// NewClient builds the streaming chat model for the upstream endpoint and
// the chat model used for structured extraction. Both the stream and the
// model listing share one HTTP transport.
func NewClient(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Client, error) {
	baseURL := strings.TrimRight(cfg.Upstream.BaseURL, "/")
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetAuthToken(cfg.Upstream.APIKey).
		SetHeader("Content-Type", "application/json")
	if cfg.Upstream.StreamTimeout > 0 {
		httpClient.SetTimeout(cfg.Upstream.StreamTimeout)
	}

	upCfg := &openai.ChatModelConfig{
		BaseURL:    baseURL + "/v1",
		APIKey:     cfg.Upstream.APIKey,
		Model:      cfg.Upstream.Model,
		HTTPClient: httpClient.GetClient(),
	}
	if t := cfg.Upstream.Temperature; t > 0 {
		upCfg.Temperature = &t
	}
	if p := cfg.Upstream.TopP; p > 0 {
		upCfg.TopP = &p
	}
	upstream, err := openai.NewChatModel(ctx, upCfg)
	if err != nil {
		return nil, fmt.Errorf("init upstream chat model: %w", err)
	}

	extractor, err := newChatModel(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Client{
		http:       httpClient,
		upstream:   upstream,
		extractor:  extractor,
		extractTmp: cfg.Extraction.Temperature,
		log:        log,
	}, nil
}

func newChatModel(ctx context.Context, cfg *config.Config) (model.BaseChatModel, error) {
	provider := cfg.Extraction.Provider
	provCfg := config.ProviderConfig{
		BaseURL: strings.TrimRight(cfg.Upstream.BaseURL, "/") + "/v1",
		Model:   cfg.Upstream.Model,
		APIKey:  cfg.Upstream.APIKey,
	}
	if provider == "" {
		provider = "openai"
	} else {
		p, ok := cfg.Providers[provider]
		if !ok {
			return nil, fmt.Errorf("provider %s not configured", provider)
		}
		provCfg = p
	}
	modelName := cfg.Extraction.Model
	if modelName == "" {
		modelName = provCfg.Model
	}

	var (
		chatModel model.BaseChatModel
		err       error
	)
	switch provider {
	case "openai":
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: provCfg.BaseURL,
			Model:   modelName,
			APIKey:  provCfg.APIKey,
		})
	case "gemini":
		var client *genai.Client
		client, err = genai.NewClient(ctx, &genai.ClientConfig{APIKey: provCfg.APIKey})
		if err != nil {
			return nil, fmt.Errorf("gemini client: %w", err)
		}
		chatModel, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  modelName,
		})
	case "claude":
		var baseURLPtr *string
		if provCfg.BaseURL != "" {
			baseURLPtr = &provCfg.BaseURL
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:    provCfg.APIKey,
			Model:     modelName,
			BaseURL:   baseURLPtr,
			MaxTokens: 3000,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s chat model: %w", provider, err)
	}
	return chatModel, nil
}

// OpenStream starts a streamed completion. Errors returned here happen
// before any fragment is read. The caller must close the reader.
func (c *Client) OpenStream(ctx context.Context, messages []*schema.Message) (*schema.StreamReader[*schema.Message], error) {
	sr, err := c.upstream.Stream(ctx, messages)
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) && apiErr.HTTPStatusCode > 0 {
			upErr := &UpstreamError{StatusCode: apiErr.HTTPStatusCode, Body: apiErr.Message}
			c.log.Warn().Int("status", upErr.StatusCode).Msg("upstream rejected stream request")
			return nil, apperr.Wrap(apperr.KindUpstreamFailure, upErr.Body, upErr)
		}
		return nil, apperr.Wrap(apperr.KindUpstreamFailure, "upstream unreachable", err)
	}
	return sr, nil
}

// ListModels asks the upstream which models it serves.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	var list goopenai.ModelsList
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&list).
		Get(modelsPath)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUpstreamFailure, "upstream unreachable", err)
	}
	if !resp.IsSuccess() {
		upErr := &UpstreamError{StatusCode: resp.StatusCode(), Body: truncate(resp.String(), maxErrorBody)}
		return nil, apperr.Wrap(apperr.KindUpstreamFailure, upErr.Body, upErr)
	}
	ids := make([]string, 0, len(list.Models))
	for _, m := range list.Models {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.ToValidUTF8(s[:n], "")
}

// Complete runs the extraction model and returns the reply text.
func (c *Client) Complete(ctx context.Context, messages []*schema.Message) (string, error) {
	var opts []model.Option
	if c.extractTmp > 0 {
		opts = append(opts, model.WithTemperature(c.extractTmp))
	}
	out, err := c.extractor.Generate(ctx, messages, opts...)
	if err != nil {
		return "", apperr.Wrap(apperr.KindUpstreamFailure, "completion failed", err)
	}
	if out == nil {
		return "", apperr.New(apperr.KindUpstreamFailure, "empty completion")
	}
	return out.Content, nil
}

// ToSchema converts role/content pairs to eino messages.
func ToSchema(role models.Role, content string) *schema.Message {
	switch role {
	case models.RoleAssistant:
		return schema.AssistantMessage(content, nil)
	case models.RoleSystem:
		return schema.SystemMessage(content)
	default:
		return schema.UserMessage(content)
	}
}

// History converts stored messages to eino messages, skipping nil entries.
func History(msgs []*models.Message) []*schema.Message {
	out := make([]*schema.Message, 0, len(msgs))
	for _, m := range msgs {
		if m == nil {
			continue
		}
		out = append(out, ToSchema(m.Role, m.Content))
	}
	return out
}
