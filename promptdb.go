package photocircuit

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chriskillpack/photocircuit/internal/prompt"

	"github.com/tailscale/squibble"
	_ "modernc.org/sqlite"
)

//go:embed db/latest_schema.sql
var dbSchema string

var schema = &squibble.Schema{
	Current: dbSchema,
}

// PromptDB stores prompt templates in sqlite so they can be edited without a
// redeploy. It satisfies prompt.Source.
type PromptDB struct {
	mu sync.Mutex
	db *sql.DB

	filepath string
}

var _ prompt.Source = &PromptDB{}

type Prompt struct {
	Name      string
	Body      string
	UpdatedAt time.Time
}

func NewPromptDB(ctx context.Context, fname string) (*PromptDB, error) {
	// Open the DB but flip on the cleaner timestamps from Go
	sqldb, err := sql.Open("sqlite", fname+"?_time_format=sqlite")
	if err != nil {
		return nil, err
	}
	if err := sqldb.PingContext(ctx); err != nil {
		sqldb.Close()
		return nil, err
	}
	if err := schema.Apply(ctx, sqldb); err != nil {
		sqldb.Close()
		return nil, fmt.Errorf("applying schema to %s: %w", fname, err)
	}

	return &PromptDB{db: sqldb, filepath: fname}, nil
}

func (db *PromptDB) Close() {
	db.mu.Lock()
	defer db.mu.Unlock()

	db.db.Close()
}

// Load returns the body of the named prompt. Unknown names report
// fs.ErrNotExist, like the file backed sources.
func (db *PromptDB) Load(ctx context.Context, name string) (string, error) {
	var body string
	err := db.db.QueryRowContext(ctx, "SELECT body FROM prompts WHERE name=?", name).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("prompt %s in %s: %w", name, db.filepath, fs.ErrNotExist)
	}
	if err != nil {
		return "", fmt.Errorf("loading prompt %s: %w", name, err)
	}

	body = strings.TrimSpace(body)
	if body == "" {
		return "", fmt.Errorf("prompt %s is empty", name)
	}

	return body, nil
}

// Put creates or replaces a single prompt.
func (db *PromptDB) Put(ctx context.Context, name, body string) error {
	_, err := db.PutPrompts(ctx, []Prompt{{Name: name, Body: body}}, true, 1)
	return err
}

// Get returns the stored row for name, or sql.ErrNoRows.
func (db *PromptDB) Get(ctx context.Context, name string) (*Prompt, error) {
	p := &Prompt{}
	err := db.db.QueryRowContext(ctx,
		"SELECT name, body, updated_at FROM prompts WHERE name=?", name).Scan(&p.Name, &p.Body, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}

	return p, nil
}

// Names lists the stored prompt names in order.
func (db *PromptDB) Names(ctx context.Context) ([]string, error) {
	rows, err := db.db.QueryContext(ctx, "SELECT name FROM prompts ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}

	return names, rows.Err()
}

// PutPrompts inserts prompts in batches inside one transaction. Existing
// prompts are only replaced when overwrite is set. It returns the number of
// rows written.
func (db *PromptDB) PutPrompts(ctx context.Context, prompts []Prompt, overwrite bool, batchSize int) (int, error) {
	if batchSize < 1 {
		batchSize = 100
	}
	for _, p := range prompts {
		if !fs.ValidPath(p.Name) || p.Name == "." {
			return 0, fmt.Errorf("invalid prompt name %q", p.Name)
		}
	}

	txn, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer txn.Rollback()

	now := time.Now().UTC()
	start := 0
	affected := 0
	for start < len(prompts) {
		end := min(start+batchSize, len(prompts))

		qsb := strings.Builder{}
		if overwrite {
			qsb.WriteString("INSERT INTO prompts (name, body, updated_at) VALUES")
		} else {
			qsb.WriteString("INSERT OR IGNORE INTO prompts (name, body, updated_at) VALUES")
		}
		values := make([]any, 0, (end-start)*3)
		for idx, p := range prompts[start:end] {
			if idx > 0 {
				qsb.WriteString(",")
			}
			qsb.WriteString(" ($")
			qsb.WriteString(strconv.Itoa(idx*3 + 1))
			qsb.WriteString(",$")
			qsb.WriteString(strconv.Itoa(idx*3 + 2))
			qsb.WriteString(",$")
			qsb.WriteString(strconv.Itoa(idx*3 + 3))
			qsb.WriteString(")")

			values = append(values, p.Name, p.Body, now)
		}
		if overwrite {
			qsb.WriteString(" ON CONFLICT(name) DO UPDATE SET body=excluded.body, updated_at=excluded.updated_at")
		}

		res, err := txn.ExecContext(ctx, qsb.String(), values...)
		if err != nil {
			return 0, err
		}

		ra, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		affected += int(ra)
		start = end
	}

	return affected, txn.Commit()
}

// ImportFS copies every .txt prompt under fsys into the database, keyed by
// its slash separated path.
func (db *PromptDB) ImportFS(ctx context.Context, fsys fs.FS, overwrite bool) (int, error) {
	var prompts []Prompt
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || path.Ext(p) != ".txt" {
			return nil
		}

		body, err := fs.ReadFile(fsys, p)
		if err != nil {
			return err
		}
		prompts = append(prompts, Prompt{Name: p, Body: string(body)})

		return nil
	})
	if err != nil {
		return 0, err
	}

	return db.PutPrompts(ctx, prompts, overwrite, 100)
}
