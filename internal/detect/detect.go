// Package detect implements component detection on top of a chat model.
package detect

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/template"
	"time"

	"github.com/chriskillpack/photocircuit/detection"
	"github.com/chriskillpack/photocircuit/internal/llm"
	"github.com/chriskillpack/photocircuit/internal/prompt"
)

// Prompt template names, relative to the prompt source root.
const (
	SystemPrompt = "component_detection/system.txt"
	UserPrompt   = "component_detection/user.txt"
)

const (
	DefaultTimeout      = 60 * time.Second
	DefaultMaxImageSize = 20 << 20 // bytes of base64
	DefaultMaxTokens    = 1024
)

type Options struct {
	// Timeout bounds each backend call. Zero means DefaultTimeout.
	Timeout time.Duration

	// MaxImageSize is the largest accepted base64 payload, in bytes. Zero
	// means DefaultMaxImageSize.
	MaxImageSize int

	// Settings are passed to the model on every call. A zero MaxTokens is
	// replaced with DefaultMaxTokens.
	Settings llm.Settings
}

// UserInput is what the user message template is rendered with.
type UserInput struct {
	Image    string
	MIMEType string
}

// pipeline is the fixed conversation shape sent to the model. It is never
// modified after New returns.
type pipeline struct {
	system   string
	user     *template.Template
	model    llm.ChatModel
	settings llm.Settings
}

// LLM is a detection.ComponentDetector backed by a chat model.
type LLM struct {
	p            *pipeline
	timeout      time.Duration
	maxImageSize int
}

var _ detection.ComponentDetector = &LLM{}

// New loads the detection prompts from prompts and builds a detector that
// sends them to model. Any failure is wrapped in detection.ErrConfiguration.
func New(ctx context.Context, model llm.ChatModel, prompts prompt.Source, opts Options) (*LLM, error) {
	if model == nil {
		return nil, fmt.Errorf("%w: no chat model", detection.ErrConfiguration)
	}
	if prompts == nil {
		return nil, fmt.Errorf("%w: no prompt source", detection.ErrConfiguration)
	}

	system, err := prompts.Load(ctx, SystemPrompt)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", detection.ErrConfiguration, err)
	}
	usertext, err := prompts.Load(ctx, UserPrompt)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", detection.ErrConfiguration, err)
	}
	user, err := template.New(UserPrompt).Option("missingkey=error").Parse(usertext)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %w", detection.ErrConfiguration, UserPrompt, err)
	}
	// Field typos only show up on execution
	if err := user.Execute(io.Discard, UserInput{Image: "AAAA", MIMEType: "image/jpeg"}); err != nil {
		return nil, fmt.Errorf("%w: rendering %s: %w", detection.ErrConfiguration, UserPrompt, err)
	}

	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxImageSize <= 0 {
		opts.MaxImageSize = DefaultMaxImageSize
	}
	if opts.Settings.MaxTokens <= 0 {
		opts.Settings.MaxTokens = DefaultMaxTokens
	}

	return &LLM{
		p: &pipeline{
			system:   system,
			user:     user,
			model:    model,
			settings: opts.Settings,
		},
		timeout:      opts.Timeout,
		maxImageSize: opts.MaxImageSize,
	}, nil
}

// Model returns the chat model the detector sends requests to.
func (d *LLM) Model() llm.ChatModel { return d.p.model }

func (d *LLM) DetectComponents(ctx context.Context, image string) (string, error) {
	img, err := d.checkImage(image)
	if err != nil {
		return "", err
	}

	msgs, err := d.p.messages(img)
	if err != nil {
		return "", fmt.Errorf("%w: %w", detection.ErrConfiguration, err)
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	out, err := d.p.model.Complete(ctx, msgs, d.p.settings)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
			return "", fmt.Errorf("%w: %s after %s: %w", detection.ErrTimeout, d.p.model.Name(), time.Since(start).Round(time.Millisecond), err)
		case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
			return "", fmt.Errorf("%s: %w", d.p.model.Name(), context.Canceled)
		}
		return "", fmt.Errorf("%w: %s: %w", detection.ErrBackend, d.p.model.Name(), err)
	}

	return out, nil
}

func (d *LLM) checkImage(image string) (llm.Image, error) {
	data, mime := splitDataURL(image)
	if data == "" {
		return llm.Image{}, fmt.Errorf("%w: empty image", detection.ErrInvalidInput)
	}
	if len(data) > d.maxImageSize {
		return llm.Image{}, fmt.Errorf("%w: image is %d bytes, limit is %d", detection.ErrInvalidInput, len(data), d.maxImageSize)
	}
	if mime == "" {
		mime = SniffMIME(data)
	}

	return llm.Image{MIMEType: mime, Data: data}, nil
}

// messages binds img into the conversation. The image always travels as the
// user message's image part; the template may also reference it.
func (p *pipeline) messages(img llm.Image) ([]llm.Message, error) {
	var sb strings.Builder
	if err := p.user.Execute(&sb, UserInput{Image: img.Data, MIMEType: img.MIMEType}); err != nil {
		return nil, fmt.Errorf("rendering user prompt: %w", err)
	}

	return []llm.Message{
		{Role: llm.RoleSystem, Text: p.system},
		{Role: llm.RoleUser, Text: sb.String(), Images: []llm.Image{img}},
	}, nil
}

// splitDataURL strips a "data:<mime>;base64," prefix, returning the payload
// and the MIME type it named.
func splitDataURL(s string) (data, mime string) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(strings.ToLower(s), "data:") {
		return s, ""
	}
	i := strings.IndexByte(s, ',')
	if i == -1 {
		return s, ""
	}
	meta := s[len("data:"):i]
	if semi := strings.IndexByte(meta, ';'); semi >= 0 {
		meta = meta[:semi]
	}

	return s[i+1:], strings.ToLower(strings.TrimSpace(meta))
}

// SniffMIME guesses the image type from the first bytes of a base64
// payload. Payloads that do not decode are assumed to be JPEG, which is what
// cameras produce.
func SniffMIME(b64 string) string {
	// 684 base64 characters decode to the 512 bytes DetectContentType reads
	n := min(len(b64), 684)
	n -= n % 4
	head, err := base64.StdEncoding.DecodeString(b64[:n])
	if err != nil || len(head) == 0 {
		return "image/jpeg"
	}

	mime := http.DetectContentType(head)
	if !strings.HasPrefix(mime, "image/") {
		return "image/jpeg"
	}
	return mime
}
