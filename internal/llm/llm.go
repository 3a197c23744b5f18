// Package llm describes the chat model clients that detectors talk to.
package llm

import "context"

type Role string

const (
	RoleSystem Role = "system"
	RoleUser   Role = "user"
)

// Image is an image attached to a message. Data is the base64 payload exactly
// as the caller supplied it, without any data URL prefix.
type Image struct {
	MIMEType string
	Data     string
}

// DataURL returns the image as a data: URL, the form most vision APIs accept.
func (i Image) DataURL() string {
	return "data:" + i.MIMEType + ";base64," + i.Data
}

type Message struct {
	Role   Role
	Text   string
	Images []Image
}

// Settings are the generation parameters sent with each request.
type Settings struct {
	Temperature float64
	MaxTokens   int
}

// ChatModel sends a conversation to a language model and returns the text of
// its reply. Implementations must not retry on their own.
type ChatModel interface {
	// Name returns the name of the backend, e.g. "openai" or "llama".
	Name() string

	// Model returns the model identifier requests are made against.
	Model() string

	Complete(ctx context.Context, msgs []Message, s Settings) (string, error)
}

// HealthChecker is implemented by models that can report whether their
// backend is reachable.
type HealthChecker interface {
	IsHealthy(ctx context.Context) bool
}
