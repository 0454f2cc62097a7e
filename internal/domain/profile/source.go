package profile

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Source supplies raw catalog documents
type Source interface {
	Documents(ctx context.Context) ([]Document, error)
}

//go:embed catalog/*.yaml
var embedded embed.FS

// EmbeddedSource serves the default catalog compiled into the binary
type EmbeddedSource struct{}

func (EmbeddedSource) Documents(ctx context.Context) ([]Document, error) {
	return readFS(ctx, embedded, "catalog")
}

// DirSource reads *.yaml and *.yml files from a directory
type DirSource struct {
	Dir string
}

func (s DirSource) Documents(ctx context.Context) ([]Document, error) {
	info, err := os.Stat(s.Dir)
	if err != nil {
		return nil, fmt.Errorf("catalog dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("catalog dir: %s is not a directory", s.Dir)
	}
	return readFS(ctx, os.DirFS(s.Dir), ".")
}

func readFS(ctx context.Context, fsys fs.FS, dir string) ([]Document, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !IsDocumentName(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	docs := make([]Document, 0, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := fs.ReadFile(fsys, filepath.ToSlash(filepath.Join(dir, name)))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		docs = append(docs, Document{Name: name, Data: data})
	}
	return docs, nil
}

// IsDocumentName reports whether a file name looks like a catalog document
func IsDocumentName(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
