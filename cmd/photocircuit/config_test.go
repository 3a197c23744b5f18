package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "photocircuit.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("Unexpected error %s", err)
	}
	if expected, actual := "8080", cfg.Server.Port; expected != actual {
		t.Errorf("Expected port %q, got %q", expected, actual)
	}
	if expected, actual := 60*time.Second, cfg.Timeout(); expected != actual {
		t.Errorf("Expected timeout %s, got %s", expected, actual)
	}
	if expected, actual := 4, cfg.Batch.Workers; expected != actual {
		t.Errorf("Expected %d workers, got %d", expected, actual)
	}
	if err := cfg.validate(); err == nil {
		t.Error("Expected an error without a backend")
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := writeConfig(t, `
[server]
port = "9000"

[backend]
provider = "llama"
llama_server = "http://localhost:8080"
timeout_seconds = 5
max_tokens = 512

[prompts]
dir = "/etc/photocircuit/prompts"
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("Unexpected error %s", err)
	}
	if err := cfg.validate(); err != nil {
		t.Fatalf("Unexpected error %s", err)
	}

	if expected, actual := "9000", cfg.Server.Port; expected != actual {
		t.Errorf("Expected port %q, got %q", expected, actual)
	}

	pio := cfg.initOptions()
	if expected, actual := "http://localhost:8080", pio.LlamaServer; expected != actual {
		t.Errorf("Expected llama server %q, got %q", expected, actual)
	}
	if pio.OpenAI || pio.GeminiKey != "" {
		t.Error("Expected only the llama backend to be selected")
	}
	if expected, actual := 5*time.Second, pio.Timeout; expected != actual {
		t.Errorf("Expected timeout %s, got %s", expected, actual)
	}
	if expected, actual := 512, pio.MaxTokens; expected != actual {
		t.Errorf("Expected max tokens %d, got %d", expected, actual)
	}
	if pio.HttpClient.Timeout <= pio.Timeout {
		t.Errorf("Expected the HTTP client timeout %s to exceed the detection timeout %s", pio.HttpClient.Timeout, pio.Timeout)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("Expected an error for a missing file")
	}
	if _, err := LoadConfig(writeConfig(t, "[backend\nprovider=")); err == nil {
		t.Error("Expected an error for malformed TOML")
	}
}

func TestConfigValidate(t *testing.T) {
	for name, tc := range map[string]struct {
		body string
		ok   bool
	}{
		"openai":          {`backend.provider = "openai"`, true},
		"gemini no key":   {`backend.provider = "gemini"`, false},
		"gemini with key": {"[backend]\nprovider = \"gemini\"\napi_key = \"k\"", true},
		"llama no server": {`backend.provider = "llama"`, false},
		"unknown":         {`backend.provider = "ollama"`, false},
		"two prompt srcs": {"backend.provider = \"openai\"\n[prompts]\ndir = \"a\"\ndb = \"b\"", false},
		"image over body": {"[server]\nmax_body_bytes = 10\n[backend]\nprovider = \"openai\"\nmax_image_size = 20", false},
	} {
		t.Run(name, func(t *testing.T) {
			t.Setenv("GEMINI_API_KEY", "")
			cfg, err := LoadConfig(writeConfig(t, tc.body))
			if err != nil {
				t.Fatalf("Unexpected error %s", err)
			}
			cfg.resolveAPIKey()
			err = cfg.validate()
			if tc.ok && err != nil {
				t.Errorf("Unexpected error %s", err)
			}
			if !tc.ok && err == nil {
				t.Error("Expected a validation error")
			}
		})
	}
}

func TestResolveAPIKeyFromEnv(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "from-env")
	cfg, err := LoadConfig(writeConfig(t, `backend.provider = "gemini"`))
	if err != nil {
		t.Fatal(err)
	}
	cfg.resolveAPIKey()
	if expected, actual := "from-env", cfg.Backend.APIKey; expected != actual {
		t.Errorf("Expected key %q, got %q", expected, actual)
	}
	if expected, actual := "from-env", cfg.initOptions().GeminiKey; expected != actual {
		t.Errorf("Expected gemini key %q, got %q", expected, actual)
	}
}

func TestSetProviderDropsOtherKey(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "gemini-key")
	cfg, err := LoadConfig(writeConfig(t, `
[backend]
provider = "openai"
api_key = "openai-key"
`))
	if err != nil {
		t.Fatal(err)
	}

	cfg.setProvider("gemini")
	cfg.resolveAPIKey()
	if expected, actual := "gemini-key", cfg.Backend.APIKey; expected != actual {
		t.Errorf("Expected key %q, got %q", expected, actual)
	}
	if expected, actual := "gemini-key", cfg.initOptions().GeminiKey; expected != actual {
		t.Errorf("Expected gemini key %q, got %q", expected, actual)
	}
}

func TestSetProviderKeepsOwnKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "env-key")
	cfg, err := LoadConfig(writeConfig(t, `
[backend]
provider = "openai"
api_key = "file-key"
`))
	if err != nil {
		t.Fatal(err)
	}

	cfg.setProvider("openai")
	cfg.resolveAPIKey()
	if expected, actual := "file-key", cfg.Backend.APIKey; expected != actual {
		t.Errorf("Expected key %q, got %q", expected, actual)
	}
}
