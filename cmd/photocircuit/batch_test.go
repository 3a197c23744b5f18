package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/chriskillpack/photocircuit/detection"
)

func writePhotos(t *testing.T, names ...string) string {
	t.Helper()
	root := t.TempDir()
	for _, name := range names {
		path := filepath.Join(root, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(name), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func TestFindImageFiles(t *testing.T) {
	root := writePhotos(t, "a.jpg", "b.JPEG", "nested/c.png", "d.webp", "notes.txt", "e.gif")

	photos, err := findImageFiles(root)
	if err != nil {
		t.Fatalf("Unexpected error %s", err)
	}
	for i, p := range photos {
		photos[i], _ = filepath.Rel(root, p)
	}
	slices.Sort(photos)

	expected := []string{"a.jpg", "b.JPEG", "d.webp", filepath.Join("nested", "c.png")}
	slices.Sort(expected)
	if !slices.Equal(expected, photos) {
		t.Errorf("Expected %v, got %v", expected, photos)
	}
}

func TestRunBatch(t *testing.T) {
	root := writePhotos(t, "one.jpg", "two.jpg", "three.jpg")
	photos, err := findImageFiles(root)
	if err != nil {
		t.Fatal(err)
	}

	// Echo the decoded file contents so each result can be matched to its photo
	d := detection.Func(func(ctx context.Context, image string) (string, error) {
		data, err := base64.StdEncoding.DecodeString(image)
		if err != nil {
			return "", err
		}
		if string(data) == "two.jpg" {
			return "", fmt.Errorf("%w: rate limited", detection.ErrBackend)
		}
		return "components in " + string(data), nil
	})

	results := runBatch(t.Context(), d, photos, 2, func() bool { return false }, io.Discard)
	if expected, actual := len(photos), len(results); expected != actual {
		t.Fatalf("Expected %d results, got %d", expected, actual)
	}
	for _, r := range results {
		name := filepath.Base(r.Path)
		if name == "two.jpg" {
			if !errors.Is(r.Err, detection.ErrBackend) {
				t.Errorf("Expected ErrBackend for %s, got %v", name, r.Err)
			}
			continue
		}
		if expected, actual := "components in "+name, r.Result; expected != actual {
			t.Errorf("Expected %q, got %q", expected, actual)
		}
	}

	var sb strings.Builder
	if expected, actual := 1, printResults(&sb, results); expected != actual {
		t.Errorf("Expected %d failure, got %d", expected, actual)
	}
	if !strings.Contains(sb.String(), "two.jpg: error - ") {
		t.Errorf("Expected the failure to be printed, got %q", sb.String())
	}
}

func TestRunBatchStopsAfterErrors(t *testing.T) {
	names := make([]string, 20)
	for i := range names {
		names[i] = fmt.Sprintf("%02d.jpg", i)
	}
	photos, err := findImageFiles(writePhotos(t, names...))
	if err != nil {
		t.Fatal(err)
	}

	var calls atomic.Int32
	d := detection.Func(func(ctx context.Context, image string) (string, error) {
		calls.Add(1)
		return "", errors.New("backend down")
	})

	runBatch(t.Context(), d, photos, 1, func() bool { return false }, io.Discard)
	if n := calls.Load(); n >= int32(len(photos)) {
		t.Errorf("Expected the batch to stop early, got %d calls", n)
	}
}

func TestRunBatchStopping(t *testing.T) {
	photos, err := findImageFiles(writePhotos(t, "a.jpg", "b.jpg"))
	if err != nil {
		t.Fatal(err)
	}

	var calls atomic.Int32
	d := detection.Func(func(ctx context.Context, image string) (string, error) {
		calls.Add(1)
		return "ok", nil
	})

	results := runBatch(t.Context(), d, photos, 1, func() bool { return true }, io.Discard)
	if expected, actual := int32(0), calls.Load(); expected != actual {
		t.Errorf("Expected %d calls, got %d", expected, actual)
	}

	var sb strings.Builder
	if expected, actual := 0, printResults(&sb, results); expected != actual {
		t.Errorf("Expected %d failures, got %d", expected, actual)
	}
	if expected, actual := 2, strings.Count(sb.String(), "skipped"); expected != actual {
		t.Errorf("Expected %d skipped photos, got %d", expected, actual)
	}
}

func TestPrintResultsEmptyDescription(t *testing.T) {
	results := []batchResult{
		{Path: "/photos/blank.jpg", Attempted: true},
		{Path: "/photos/later.jpg"},
	}

	var sb strings.Builder
	if expected, actual := 0, printResults(&sb, results); expected != actual {
		t.Errorf("Expected %d failures, got %d", expected, actual)
	}
	out := sb.String()
	if !strings.Contains(out, "blank.jpg: no components reported") {
		t.Errorf("Expected the empty description to be reported, got %q", out)
	}
	if strings.Contains(out, "blank.jpg: skipped") {
		t.Errorf("Expected an attempted photo not to be skipped, got %q", out)
	}
	if !strings.Contains(out, "later.jpg: skipped") {
		t.Errorf("Expected the unattempted photo to be skipped, got %q", out)
	}
}

func TestRunBatchEmptyDescription(t *testing.T) {
	photos, err := findImageFiles(writePhotos(t, "blank.jpg"))
	if err != nil {
		t.Fatal(err)
	}

	d := detection.Func(func(ctx context.Context, image string) (string, error) {
		return "", nil
	})
	results := runBatch(t.Context(), d, photos, 1, func() bool { return false }, io.Discard)
	if !results[0].Attempted {
		t.Error("Expected the photo to be attempted")
	}
}
