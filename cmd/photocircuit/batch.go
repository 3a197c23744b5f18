package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/chriskillpack/photocircuit/detection"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
)

const maxBatchErrors = 5

var imageExts = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
}

type batchResult struct {
	Path      string
	Attempted bool
	Result    string
	Err       error
}

func findImageFiles(root string) ([]string, error) {
	var photos []string

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !d.IsDir() && imageExts[strings.ToLower(filepath.Ext(path))] {
			photos = append(photos, path)
		}

		return nil
	})

	return photos, err
}

// runBatch detects components in every photo with up to workers calls in
// flight. It stops handing out work after maxBatchErrors failures or once
// stopping reports true. Results are returned in input order; photos that
// were never attempted have Attempted unset.
func runBatch(ctx context.Context, d detection.ComponentDetector, photos []string, workers int, stopping func() bool, progress io.Writer) []batchResult {
	results := make([]batchResult, len(photos))
	for i, path := range photos {
		results[i].Path = path
	}
	var errcnt atomic.Int32

	bar := progressbar.NewOptions(
		len(photos),
		progressbar.OptionSetWriter(progress),
		progressbar.OptionSetDescription("Detecting components"),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionShowCount(),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(progress) }),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i, path := range photos {
		if errcnt.Load() >= maxBatchErrors || stopping() || ctx.Err() != nil {
			break
		}

		g.Go(func() error {
			defer bar.Add(1)

			results[i].Attempted = true
			results[i].Result, results[i].Err = detectFile(ctx, d, path)
			if results[i].Err != nil {
				errcnt.Add(1)
			}
			// Per photo errors are reported, not fatal to the batch
			return nil
		})
	}
	g.Wait()
	bar.Finish()

	return results
}

func detectFile(ctx context.Context, d detection.ComponentDetector, path string) (string, error) {
	imgdata, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}

	return d.DetectComponents(ctx, base64.StdEncoding.EncodeToString(imgdata))
}

// printResults writes one section per photo and returns how many failed.
func printResults(w io.Writer, results []batchResult) int {
	var failed int
	for _, r := range results {
		_, fname := filepath.Split(r.Path)
		switch {
		case !r.Attempted:
			fmt.Fprintf(w, "%s: skipped\n", fname)
		case r.Err != nil:
			failed++
			fmt.Fprintf(w, "%s: error - %s\n", fname, r.Err)
		case strings.TrimSpace(r.Result) == "":
			fmt.Fprintf(w, "%s: no components reported\n", fname)
		default:
			fmt.Fprintf(w, "%s:\n%s\n\n", fname, strings.TrimSpace(r.Result))
		}
	}

	return failed
}
