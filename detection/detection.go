package detection

import (
	"context"
	"errors"
)

// ComponentDetector identifies the electronic components in a photograph of
// a circuit.
type ComponentDetector interface {
	// DetectComponents returns a textual description of the components found
	// in image, a base64 encoded photograph (a data URL is also accepted). On
	// failure the description is empty and the error can be classified with
	// errors.Is against the Err* values below, or context.Canceled when ctx
	// was canceled. Implementations must be safe for concurrent use.
	DetectComponents(ctx context.Context, image string) (string, error)
}

// Func adapts an ordinary function to a ComponentDetector.
type Func func(ctx context.Context, image string) (string, error)

func (f Func) DetectComponents(ctx context.Context, image string) (string, error) {
	return f(ctx, image)
}

var (
	// ErrConfiguration is returned when a detector cannot be built, e.g. a
	// prompt is missing. It is not retryable.
	ErrConfiguration = errors.New("configuration error")

	// ErrBackend is returned when the detection backend failed or could not
	// be reached. Callers may retry.
	ErrBackend = errors.New("backend error")

	// ErrTimeout is returned when the backend did not answer in time.
	ErrTimeout = errors.New("backend timeout")

	// ErrInvalidInput is returned for an empty or unacceptable image.
	ErrInvalidInput = errors.New("invalid input")
)
