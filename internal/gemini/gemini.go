package gemini

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/chriskillpack/photocircuit/internal/llm"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

const DefaultModel = "gemini-1.5-flash"

type gemini struct {
	cl    *genai.Client
	model string
}

var (
	_ llm.ChatModel     = &gemini{}
	_ llm.HealthChecker = &gemini{}
)

// Init creates the client once; callers must Close it.
func Init(ctx context.Context, apiKey, model string, opts ...option.ClientOption) (*gemini, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("gemini API key is empty")
	}
	model = strings.TrimSpace(model)
	if model == "" {
		model = DefaultModel
	}

	cl, err := genai.NewClient(ctx, append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}

	return &gemini{cl: cl, model: model}, nil
}

func (g *gemini) Name() string { return "gemini" }

func (g *gemini) Model() string { return g.model }

func (g *gemini) Close() error { return g.cl.Close() }

func (g *gemini) IsHealthy(ctx context.Context) bool {
	_, err := g.cl.GenerativeModel(g.model).Info(ctx)
	return err == nil
}

func (g *gemini) Complete(ctx context.Context, msgs []llm.Message, s llm.Settings) (string, error) {
	system, parts, err := contents(msgs)
	if err != nil {
		return "", err
	}

	// GenerativeModel is cheap and not safe to share once configured
	m := g.cl.GenerativeModel(g.model)
	m.SystemInstruction = system
	m.SetTemperature(float32(s.Temperature))
	if s.MaxTokens > 0 {
		m.SetMaxOutputTokens(int32(s.MaxTokens))
	}

	resp, err := m.GenerateContent(ctx, parts...)
	if err != nil {
		return "", err
	}
	txt := firstText(resp)
	if txt == "" {
		return "", errors.New("gemini returned an empty response")
	}

	return txt, nil
}

// contents splits a conversation into the system instruction and the user
// parts. Gemini wants raw image bytes, so images are decoded here.
func contents(msgs []llm.Message) (*genai.Content, []genai.Part, error) {
	var (
		system *genai.Content
		parts  []genai.Part
	)
	for _, m := range msgs {
		switch m.Role {
		case llm.RoleSystem:
			if system == nil {
				system = &genai.Content{}
			}
			system.Parts = append(system.Parts, genai.Text(m.Text))
		default:
			if m.Text != "" {
				parts = append(parts, genai.Text(m.Text))
			}
			for _, img := range m.Images {
				// Padding is optional
				data, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(img.Data, "="))
				if err != nil {
					return nil, nil, fmt.Errorf("decoding %s image: %w", img.MIMEType, err)
				}
				parts = append(parts, genai.Blob{MIMEType: img.MIMEType, Data: data})
			}
		}
	}
	if len(parts) == 0 {
		return nil, nil, errors.New("no user content")
	}

	return system, parts, nil
}

func firstText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	for _, c := range resp.Candidates {
		if c.Content == nil {
			continue
		}
		for _, p := range c.Content.Parts {
			if t, ok := p.(genai.Text); ok {
				return string(t)
			}
		}
	}
	return ""
}
