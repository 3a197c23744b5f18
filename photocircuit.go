package photocircuit

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"net/http"
	"time"

	"github.com/chriskillpack/photocircuit/detection"
	"github.com/chriskillpack/photocircuit/internal/detect"
	"github.com/chriskillpack/photocircuit/internal/gemini"
	"github.com/chriskillpack/photocircuit/internal/llama"
	"github.com/chriskillpack/photocircuit/internal/llm"
	"github.com/chriskillpack/photocircuit/internal/openai"
	"github.com/chriskillpack/photocircuit/internal/prompt"
)

//go:embed prompts
var promptsFS embed.FS

// Prompts returns the default prompt templates compiled into the binary.
func Prompts() fs.FS {
	sub, err := fs.Sub(promptsFS, "prompts")
	if err != nil {
		panic(err)
	}
	return sub
}

type InitOptions struct {
	OpenAI        bool
	OpenAIKey     string // if empty the client reads $OPENAI_API_KEY
	OpenAIModel   string
	OpenAIBaseURL string

	GeminiKey   string
	GeminiModel string

	LlamaServer string
	LlamaSeed   int

	Prompts prompt.Source // if nil uses the embedded prompts

	Timeout      time.Duration // per detection call
	MaxImageSize int           // bytes of base64
	MaxTokens    int

	HttpClient *http.Client // if nil uses http.DefaultClient
}

type PhotoCircuit struct {
	detection.ComponentDetector

	model llm.ChatModel
}

func Init(ctx context.Context, pio InitOptions) (*PhotoCircuit, error) {
	httpClient := pio.HttpClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	var n int
	if pio.OpenAI {
		n++
	}
	if pio.GeminiKey != "" {
		n++
	}
	if pio.LlamaServer != "" {
		n++
	}
	switch n {
	case 0:
		return nil, fmt.Errorf("%w: no backend selected", detection.ErrConfiguration)
	case 1:
		// no-op
	default:
		return nil, fmt.Errorf("%w: multiple backends selected, only one allowed", detection.ErrConfiguration)
	}

	var model llm.ChatModel
	if pio.OpenAI {
		model = openai.Init(openai.Options{
			APIKey:     pio.OpenAIKey,
			Model:      pio.OpenAIModel,
			BaseURL:    pio.OpenAIBaseURL,
			HttpClient: httpClient,
		})
	} else if pio.GeminiKey != "" {
		g, err := gemini.Init(ctx, pio.GeminiKey, pio.GeminiModel)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", detection.ErrConfiguration, err)
		}
		model = g
	} else if pio.LlamaServer != "" {
		model = llama.Init(pio.LlamaServer, pio.LlamaSeed, httpClient)
	}

	prompts := pio.Prompts
	if prompts == nil {
		prompts = prompt.FS(Prompts())
	}

	d, err := detect.New(ctx, model, prompts, detect.Options{
		Timeout:      pio.Timeout,
		MaxImageSize: pio.MaxImageSize,
		Settings:     llm.Settings{MaxTokens: pio.MaxTokens},
	})
	if err != nil {
		closeModel(model)
		return nil, err
	}

	return &PhotoCircuit{ComponentDetector: d, model: model}, nil
}

// Name returns the selected backend.
func (p *PhotoCircuit) Name() string { return p.model.Name() }

func (p *PhotoCircuit) Model() string { return p.model.Model() }

// IsHealthy asks the backend whether it is reachable. Backends that cannot
// tell are assumed healthy.
func (p *PhotoCircuit) IsHealthy(ctx context.Context) bool {
	if hc, ok := p.model.(llm.HealthChecker); ok {
		return hc.IsHealthy(ctx)
	}
	return true
}

func (p *PhotoCircuit) Close() error {
	return closeModel(p.model)
}

func closeModel(m llm.ChatModel) error {
	if c, ok := m.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
