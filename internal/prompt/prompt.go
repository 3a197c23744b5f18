package prompt

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

// Source resolves a prompt template name, such as
// "component_detection/system.txt", to its text.
type Source interface {
	Load(ctx context.Context, name string) (string, error)
}

type fsSource struct {
	fsys fs.FS
	root string // for error messages only
}

// FS returns a Source that reads prompts out of fsys.
func FS(fsys fs.FS) Source {
	return &fsSource{fsys: fsys}
}

// Dir returns a Source that reads prompts from <root>/<name> on disk.
func Dir(root string) Source {
	return &fsSource{fsys: os.DirFS(root), root: root}
}

func (s *fsSource) Load(ctx context.Context, name string) (string, error) {
	if !fs.ValidPath(name) || name == "." {
		return "", fmt.Errorf("invalid prompt name %q", name)
	}

	data, err := fs.ReadFile(s.fsys, name)
	if err != nil {
		if s.root != "" {
			return "", fmt.Errorf("reading prompt %s from %s: %w", name, s.root, err)
		}
		return "", fmt.Errorf("reading prompt %s: %w", name, err)
	}

	text := strings.TrimSpace(string(data))
	if text == "" {
		return "", fmt.Errorf("prompt %s is empty", name)
	}

	return text, nil
}
