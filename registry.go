package agentflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// ErrDefinitionNotFound is returned for unknown definition names or versions.
var ErrDefinitionNotFound = errors.New("definition not found")

// Registry holds every registered version of every definition. Versions are
// never replaced: registering changed content under a known name adds the
// next version, and registering unchanged content returns the current one.
type Registry struct {
	mu       sync.RWMutex
	versions map[string][]*Definition
	logger   *slog.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = discardLogger()
	}
	return &Registry{versions: map[string][]*Definition{}, logger: logger}
}

// Register adds def and returns the registered, versioned definition.
func (r *Registry) Register(def *Definition) *Definition {
	r.mu.Lock()
	defer r.mu.Unlock()

	versions := r.versions[def.Name()]
	if n := len(versions); n > 0 && versions[n-1].Fingerprint() == def.Fingerprint() {
		return versions[n-1]
	}
	registered := def.withVersion(len(versions) + 1)
	r.versions[def.Name()] = append(versions, registered)
	r.logger.Info("definition registered",
		"definition", registered.Name(),
		"version", registered.Version())
	return registered
}

// Get returns the latest version of a definition.
func (r *Registry) Get(name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	versions := r.versions[name]
	if len(versions) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrDefinitionNotFound, name)
	}
	return versions[len(versions)-1], nil
}

// GetVersion returns a specific version of a definition.
func (r *Registry) GetVersion(name string, version int) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	versions := r.versions[name]
	if version < 1 || version > len(versions) {
		return nil, fmt.Errorf("%w: %q version %d", ErrDefinitionNotFound, name, version)
	}
	return versions[version-1], nil
}

// Names lists the registered definition names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.versions))
	for name := range r.versions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func isDefinitionFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		return true
	default:
		return false
	}
}

// LoadDir registers every definition file in dir.
func (r *Registry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read definitions directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !isDefinitionFile(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		def, err := LoadFile(path)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		r.Register(def)
	}
	return nil
}

// Watch registers definition files in dir as they are created or written,
// until ctx is done. Invalid files are logged and skipped; the previously
// registered version stays current.
func (r *Registry) Watch(ctx context.Context, dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				r.handleWatchEvent(event)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Error("definition watcher error", "error", err)
			}
		}
	}()
	return nil
}

func (r *Registry) handleWatchEvent(event fsnotify.Event) {
	if !isDefinitionFile(event.Name) {
		return
	}
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}
	def, err := LoadFile(event.Name)
	if err != nil {
		r.logger.Warn("ignoring invalid definition file",
			"path", event.Name,
			"error", err)
		return
	}
	r.Register(def)
}
