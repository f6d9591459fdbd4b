package workflow

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

//go:embed templates/*.yaml
var builtinTemplates embed.FS

// Registry holds the templates available for decomposition.
type Registry struct {
	mu        sync.RWMutex
	templates map[string]*Template
	logger    *slog.Logger
}

// NewRegistry returns a registry preloaded with the built-in templates.
func NewRegistry(logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{templates: make(map[string]*Template), logger: logger}
	if _, err := r.loadFS(builtinTemplates, "templates"); err != nil {
		return nil, fmt.Errorf("builtin templates: %w", err)
	}
	return r, nil
}

// Register validates t and adds or replaces it.
func (r *Registry) Register(t *Template) error {
	if err := t.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.templates[t.ID] = t
	r.mu.Unlock()
	return nil
}

// Get returns the template with id.
func (r *Registry) Get(id string) (*Template, error) {
	r.mu.RLock()
	t, ok := r.templates[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTemplate, id)
	}
	return t, nil
}

// List returns all templates ordered by id.
func (r *Registry) List() []*Template {
	r.mu.RLock()
	out := make([]*Template, 0, len(r.templates))
	for _, t := range r.templates {
		out = append(out, t)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LoadDir registers every *.yaml and *.yml file in dir. Invalid files are
// logged and skipped; the count of loaded templates is returned.
func (r *Registry) LoadDir(dir string) (int, error) {
	return r.loadFS(os.DirFS(dir), ".")
}

func (r *Registry) loadFS(fsys fs.FS, root string) (int, error) {
	entries, err := fs.ReadDir(fsys, root)
	if err != nil {
		return 0, err
	}
	loaded := 0
	for _, e := range entries {
		if e.IsDir() || !isTemplateFile(e.Name()) {
			continue
		}
		path := e.Name()
		if root != "." {
			path = root + "/" + e.Name()
		}
		data, err := fs.ReadFile(fsys, path)
		if err != nil {
			return loaded, err
		}
		t, err := ParseTemplate(data)
		if err != nil {
			r.logger.Warn("skipping workflow template", slog.String("file", e.Name()), slog.Any("err", err))
			continue
		}
		r.mu.Lock()
		r.templates[t.ID] = t
		r.mu.Unlock()
		loaded++
	}
	return loaded, nil
}

func isTemplateFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

// Watch reloads dir whenever a template file changes, until ctx is done.
// Removed files keep their last registered version.
func (r *Registry) Watch(ctx context.Context, dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch templates: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	// Editors emit bursts of events per save; reload once the burst settles.
	var reload <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isTemplateFile(ev.Name) || ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			reload = time.After(200 * time.Millisecond)
		case <-reload:
			reload = nil
			n, err := r.LoadDir(dir)
			if err != nil {
				r.logger.Warn("reload workflow templates", slog.String("dir", dir), slog.Any("err", err))
				continue
			}
			r.logger.Info("workflow templates reloaded", slog.String("dir", dir), slog.Int("count", n))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("template watcher", slog.Any("err", err))
		}
	}
}
