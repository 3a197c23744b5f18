package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/chriskillpack/photocircuit"

	toml "github.com/pelletier/go-toml/v2"
)

type Config struct {
	Server struct {
		Port         string `toml:"port"`
		MaxBodyBytes int64  `toml:"max_body_bytes"`
	} `toml:"server"`

	Backend struct {
		Provider       string `toml:"provider"` // openai | gemini | llama
		Model          string `toml:"model"`
		APIKey         string `toml:"api_key"`  // defaults to $OPENAI_API_KEY or $GEMINI_API_KEY
		BaseURL        string `toml:"base_url"` // OpenAI compatible servers only
		LlamaServer    string `toml:"llama_server"`
		LlamaSeed      int    `toml:"llama_seed"`
		TimeoutSeconds int    `toml:"timeout_seconds"`
		MaxTokens      int    `toml:"max_tokens"`
		MaxImageSize   int    `toml:"max_image_size"`
	} `toml:"backend"`

	Prompts struct {
		Dir string `toml:"dir"`
		DB  string `toml:"db"`
	} `toml:"prompts"`

	Batch struct {
		Workers int `toml:"workers"`
	} `toml:"batch"`
}

// LoadConfig reads the TOML file at path, or starts from an empty config when
// path is empty, and fills in defaults. It does not validate, flags may still
// be applied on top.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	applyDefaults(&cfg)

	return &cfg, nil
}

func applyDefaults(c *Config) {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.MaxBodyBytes <= 0 {
		c.Server.MaxBodyBytes = 32 << 20
	}
	if c.Backend.LlamaSeed == 0 {
		c.Backend.LlamaSeed = 385480504
	}
	if c.Backend.TimeoutSeconds <= 0 {
		c.Backend.TimeoutSeconds = 60
	}
	if c.Batch.Workers <= 0 {
		c.Batch.Workers = 4
	}
}

// setProvider switches the backend. A key from the config file belongs to
// the provider it was written for, so it is dropped when the provider changes.
func (c *Config) setProvider(p string) {
	if c.Backend.Provider != p {
		c.Backend.APIKey = ""
	}
	c.Backend.Provider = p
}

// resolveAPIKey fills the API key from the environment of the chosen
// provider. Called after flags are applied so the provider is final.
func (c *Config) resolveAPIKey() {
	if c.Backend.APIKey != "" {
		return
	}
	switch c.Backend.Provider {
	case "openai":
		c.Backend.APIKey = os.Getenv("OPENAI_API_KEY")
	case "gemini":
		c.Backend.APIKey = os.Getenv("GEMINI_API_KEY")
	}
}

func (c *Config) validate() error {
	switch c.Backend.Provider {
	case "":
		return fmt.Errorf("no backend selected, use -openai, -gemini or -llama")
	case "openai":
	case "gemini":
		if c.Backend.APIKey == "" {
			return fmt.Errorf("gemini backend needs an API key, set GEMINI_API_KEY")
		}
	case "llama":
		if c.Backend.LlamaServer == "" {
			return fmt.Errorf("llama backend needs backend.llama_server")
		}
	default:
		return fmt.Errorf("unknown backend provider %q", c.Backend.Provider)
	}
	if c.Prompts.Dir != "" && c.Prompts.DB != "" {
		return fmt.Errorf("prompts.dir and prompts.db are mutually exclusive")
	}
	if c.Backend.MaxImageSize > 0 && int64(c.Backend.MaxImageSize) > c.Server.MaxBodyBytes {
		return fmt.Errorf("backend.max_image_size %d exceeds server.max_body_bytes %d", c.Backend.MaxImageSize, c.Server.MaxBodyBytes)
	}
	return nil
}

func (c *Config) Timeout() time.Duration {
	return time.Duration(c.Backend.TimeoutSeconds) * time.Second
}

func (c *Config) initOptions() photocircuit.InitOptions {
	pio := photocircuit.InitOptions{
		Timeout:      c.Timeout(),
		MaxImageSize: c.Backend.MaxImageSize,
		MaxTokens:    c.Backend.MaxTokens,
		HttpClient: &http.Client{
			// Leave room for the detector's own deadline to fire first
			Timeout: c.Timeout() + 5*time.Second,
		},
	}

	switch c.Backend.Provider {
	case "openai":
		pio.OpenAI = true
		pio.OpenAIKey = c.Backend.APIKey
		pio.OpenAIModel = c.Backend.Model
		pio.OpenAIBaseURL = c.Backend.BaseURL
	case "gemini":
		pio.GeminiKey = c.Backend.APIKey
		pio.GeminiModel = c.Backend.Model
	case "llama":
		pio.LlamaServer = c.Backend.LlamaServer
		pio.LlamaSeed = c.Backend.LlamaSeed
	}

	return pio
}
