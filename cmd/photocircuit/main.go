package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"time"

	"github.com/chriskillpack/photocircuit"
	"github.com/chriskillpack/photocircuit/internal/prompt"

	"github.com/joho/godotenv"
)

var (
	configPath  = flag.String("config", "", "Path to a TOML config file")
	port        = flag.String("port", "8080", "Port to serve on")
	llamaServer = flag.String("llama", "", "Address of running llama server, typically http://localhost:8080")
	llamaSeed   = flag.Int("seed", 385480504, "Random seed to llama")
	openAI      = flag.Bool("openai", false, "Use OpenAI")
	gemini      = flag.Bool("gemini", false, "Use Google Gemini")
	model       = flag.String("model", "", "Model name, defaults per backend")
	baseURL     = flag.String("base-url", "", "Base URL of an OpenAI compatible API")
	timeout     = flag.Duration("timeout", 60*time.Second, "Per image detection timeout")
	promptDir   = flag.String("prompt-dir", "", "Directory to load prompts from instead of the built in ones")
	promptDB    = flag.String("promptdb", "", "Path to a sqlite prompt database")
	seedPrompts = flag.Bool("seed-prompts", false, "Copy the built in prompts into -promptdb and exit")
	imagesPath  = flag.String("images", "", "Detect components in every photo under this directory and exit")
	workers     = flag.Int("workers", 4, "Concurrent detections in -images mode")
	count       = flag.Int("count", -1, "Number of photos to process in -images mode")

	lameduck atomic.Bool
)

// applyFlags copies explicitly set flags over the config file values.
func applyFlags(cfg *Config) error {
	var backends int
	var err error
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.Server.Port = *port
		case "llama":
			backends++
			cfg.setProvider("llama")
			cfg.Backend.LlamaServer = *llamaServer
		case "seed":
			cfg.Backend.LlamaSeed = *llamaSeed
		case "openai":
			if *openAI {
				backends++
				cfg.setProvider("openai")
			}
		case "gemini":
			if *gemini {
				backends++
				cfg.setProvider("gemini")
			}
		case "model":
			cfg.Backend.Model = *model
		case "base-url":
			cfg.Backend.BaseURL = *baseURL
		case "timeout":
			if *timeout < time.Second {
				err = fmt.Errorf("-timeout must be at least 1s")
			}
			cfg.Backend.TimeoutSeconds = int(timeout.Seconds())
		case "prompt-dir":
			cfg.Prompts.Dir = *promptDir
		case "promptdb":
			cfg.Prompts.DB = *promptDB
		case "workers":
			cfg.Batch.Workers = max(*workers, 1)
		}
	})
	if backends > 1 {
		return fmt.Errorf("multiple backends selected, only one allowed")
	}

	return err
}

func sighandler(ch chan os.Signal, stop func(), cancel context.CancelFunc) {
	for {
		<-ch
		if lameduck.Load() {
			// Already in lame duck, hard stop
			fmt.Println("Exiting")
			cancel()
			return
		} else {
			fmt.Println("SIGINT received, stopping...")
			lameduck.Store(true)
			stop()
		}
	}
}

func seedPromptDB(ctx context.Context, path string) error {
	if path == "" {
		return fmt.Errorf("-seed-prompts needs -promptdb")
	}
	db, err := photocircuit.NewPromptDB(ctx, path)
	if err != nil {
		return err
	}
	defer db.Close()

	n, err := db.ImportFS(ctx, photocircuit.Prompts(), false)
	if err != nil {
		return err
	}
	fmt.Printf("Added %d prompts to %s\n", n, path)

	return nil
}

func runBatchMode(ctx context.Context, pc *photocircuit.PhotoCircuit, cfg *Config) error {
	photos, err := findImageFiles(*imagesPath)
	if err != nil {
		return err
	}
	if *count > -1 {
		photos = photos[:min(len(photos), *count)]
	}
	fmt.Printf("%d photos to process\nUsing backend %s model %s\n", len(photos), pc.Name(), pc.Model())

	results := runBatch(ctx, pc, photos, cfg.Batch.Workers, lameduck.Load, os.Stderr)
	if failed := printResults(os.Stdout, results); failed > 0 {
		return fmt.Errorf("%d of %d photos failed", failed, len(photos))
	}

	return nil
}

func serve(ctx context.Context, pc *photocircuit.PhotoCircuit, cfg *Config, stopping <-chan struct{}) error {
	srv := NewServer(pc, cfg.Server.Port, cfg.Server.MaxBodyBytes, log.Default())

	go func() {
		select {
		case <-stopping:
		case <-ctx.Done():
		}
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout()+5*time.Second)
		defer cancel()
		srv.Shutdown(sctx)
	}()

	log.Printf("Serving %s model %s on port %s\n", pc.Name(), pc.Model(), cfg.Server.Port)
	if err := srv.Start(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

func run(ctx context.Context, cfg *Config, stopping <-chan struct{}) error {
	if *seedPrompts {
		return seedPromptDB(ctx, cfg.Prompts.DB)
	}

	pio := cfg.initOptions()
	var db *photocircuit.PromptDB
	switch {
	case cfg.Prompts.Dir != "":
		pio.Prompts = prompt.Dir(cfg.Prompts.Dir)
	case cfg.Prompts.DB != "":
		var err error
		if db, err = photocircuit.NewPromptDB(ctx, cfg.Prompts.DB); err != nil {
			return err
		}
		pio.Prompts = db
	}

	pc, err := photocircuit.Init(ctx, pio)
	// Init reads the prompts once
	if db != nil {
		db.Close()
	}
	if err != nil {
		return err
	}
	defer pc.Close()

	if !pc.IsHealthy(ctx) {
		log.Printf("Warning: %s backend is not responding\n", pc.Name())
	}

	if *imagesPath != "" {
		return runBatchMode(ctx, pc, cfg)
	}

	return serve(ctx, pc, cfg, stopping)
}

func main() {
	// Environment from .env, if there is one, before flags and config
	_ = godotenv.Load()

	flag.Parse()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	if err := applyFlags(cfg); err != nil {
		log.Fatal(err)
	}
	cfg.resolveAPIKey()
	if !*seedPrompts {
		if err := cfg.validate(); err != nil {
			flag.Usage()
			log.Fatal(err)
		}
	}

	sigch := make(chan os.Signal, 2)
	signal.Notify(sigch, os.Interrupt)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stopping := make(chan struct{})
	go sighandler(sigch, func() { close(stopping) }, cancel)

	if err := run(ctx, cfg, stopping); err != nil {
		log.Fatal(err)
	}
}
