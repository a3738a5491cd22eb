package index

import (
	"fmt"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"github.com/planweave/semindex/internal/record"
)

// Registry owns one Collection per record type. It is constructed once
// and passed by reference to the AutoIndexer and SearchService rather
// than living in package-level state.
type Registry struct {
	collections map[string]*Collection
}

// NewRegistry creates collection handles for every known record type
// under rootDir. Each collection opens lazily on first access.
func NewRegistry(rootDir string, factory StoreFactory, logger *zap.Logger) *Registry {
	collections := make(map[string]*Collection, len(record.Types()))
	for _, t := range record.Types() {
		name := string(t)
		collections[name] = NewCollection(name, filepath.Join(rootDir, name), factory, logger)
	}
	return &Registry{collections: collections}
}

// Get returns the named collection, or ErrNotFound for an unknown
// collection name.
func (r *Registry) Get(name string) (*Collection, error) {
	coll, ok := r.collections[name]
	if !ok {
		return nil, fmt.Errorf("collection %q: %w", name, ErrNotFound)
	}
	return coll, nil
}

// Names lists the registered collection names in stable order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.collections))
	for name := range r.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HealthReport returns per-collection health for every registered
// collection.
func (r *Registry) HealthReport() (map[string]Health, error) {
	report := make(map[string]Health, len(r.collections))
	for name, coll := range r.collections {
		health, err := coll.Health()
		if err != nil {
			return nil, fmt.Errorf("health for %s: %w", name, err)
		}
		report[name] = health
	}
	return report, nil
}

// Close closes every opened collection, returning the first error.
func (r *Registry) Close() error {
	var firstErr error
	for _, coll := range r.collections {
		if err := coll.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
