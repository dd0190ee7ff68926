// Package hooks pulls source text chunks out of the caller's data store.
// The build pipeline only sees the DataHooks interface; which backing store
// serves it is picked by name from the registry, so deployments swap stores
// through config alone.
package hooks

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/nmxmxh/kgraph/internal/config"
)

// DataHooks supplies the text chunks a build extracts from. FullData feeds
// full rebuilds; IncrementalData feeds updates with everything newer than
// sinceVersion, where "newer" is the hook's own interpretation of the
// version string.
type DataHooks interface {
	FullData(ctx context.Context) ([]string, error)
	IncrementalData(ctx context.Context, sinceVersion string) ([]string, error)
	Close() error
}

// Factory builds a DataHooks from config. Factories must not block beyond
// connection setup.
type Factory func(ctx context.Context, cfg config.HooksConfig, log *zap.Logger) (DataHooks, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register adds a named hook factory. Call from package init; duplicate
// names panic because they are programmer error.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("hooks: factory %q registered twice", name))
	}
	registry[name] = factory
}

// Open resolves cfg.Module against the registry and builds the hooks.
func Open(ctx context.Context, cfg config.HooksConfig, log *zap.Logger) (DataHooks, error) {
	registryMu.RLock()
	factory, ok := registry[cfg.Module]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("hooks: unknown module %q (registered: %v)", cfg.Module, names())
	}
	return factory(ctx, cfg, log.With(zap.String("hooks", cfg.Module)))
}

func names() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
