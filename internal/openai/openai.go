package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/chriskillpack/photocircuit/internal/llm"

	oagc "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const DefaultModel = "gpt-4o"

type Options struct {
	APIKey  string // falls back to $OPENAI_API_KEY when empty
	Model   string
	BaseURL string // for OpenAI compatible servers and tests

	HttpClient *http.Client
}

type openai struct {
	oac   *oagc.Client
	model string
}

var (
	_ llm.ChatModel     = &openai{}
	_ llm.HealthChecker = &openai{}
)

func Init(opts Options) *openai {
	model := opts.Model
	if model == "" {
		model = DefaultModel
	}

	reqopts := []option.RequestOption{
		// Callers own the retry policy
		option.WithMaxRetries(0),
	}
	if opts.HttpClient != nil {
		reqopts = append(reqopts, option.WithHTTPClient(opts.HttpClient))
	}
	if opts.APIKey != "" {
		reqopts = append(reqopts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		base := opts.BaseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		reqopts = append(reqopts, option.WithBaseURL(base))
	}

	return &openai{
		oac:   oagc.NewClient(reqopts...),
		model: model,
	}
}

func (o *openai) Name() string { return "openai" }

func (o *openai) Model() string { return o.model }

// IsHealthy reports whether the API knows about the configured model, which
// also proves the key is accepted.
func (o *openai) IsHealthy(ctx context.Context) bool {
	_, err := o.oac.Models.Get(ctx, o.model)
	return err == nil
}

func (o *openai) Complete(ctx context.Context, msgs []llm.Message, s llm.Settings) (string, error) {
	params := oagc.ChatCompletionNewParams{
		Messages:    oagc.F(chatMessages(msgs)),
		Model:       oagc.F(oagc.ChatModel(o.model)),
		Temperature: oagc.Float(s.Temperature),
	}
	if s.MaxTokens > 0 {
		params.MaxTokens = oagc.Int(int64(s.MaxTokens))
	}

	resp, err := o.oac.Chat.Completions.New(ctx, params)
	if err != nil {
		var apierr *oagc.Error
		if errors.As(err, &apierr) {
			return "", fmt.Errorf("openai status %d: %w", apierr.StatusCode, err)
		}
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai returned no choices")
	}

	return resp.Choices[0].Message.Content, nil
}

// chatMessages converts a conversation to the chat completions wire form.
// Images become image_url parts carrying a data URL.
func chatMessages(msgs []llm.Message) []oagc.ChatCompletionMessageParamUnion {
	out := make([]oagc.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case llm.RoleSystem:
			out = append(out, oagc.SystemMessage(m.Text))
		default:
			parts := make([]oagc.ChatCompletionContentPartUnionParam, 0, 1+len(m.Images))
			if m.Text != "" {
				parts = append(parts, oagc.TextPart(m.Text))
			}
			for _, img := range m.Images {
				parts = append(parts, oagc.ImagePart(img.DataURL()))
			}
			out = append(out, oagc.UserMessageParts(parts...))
		}
	}

	return out
}
