package hooks

import (
	"context"

	"go.uber.org/zap"

	"github.com/nmxmxh/kgraph/internal/config"
)

func init() {
	Register("static", func(_ context.Context, _ config.HooksConfig, _ *zap.Logger) (DataHooks, error) {
		return &StaticHooks{
			Full: []string{
				"Sample text: point hooks.module at your own data store in config.yaml.",
			},
			Incremental: []string{
				"Sample incremental text: point hooks.module at your own data store in config.yaml.",
			},
		}, nil
	})
}

// StaticHooks serves fixed chunks. The registry default is a placeholder
// deployment; tests construct their own.
type StaticHooks struct {
	Full        []string
	Incremental []string
}

func (h *StaticHooks) FullData(context.Context) ([]string, error) {
	return h.Full, nil
}

func (h *StaticHooks) IncrementalData(context.Context, string) ([]string, error) {
	return h.Incremental, nil
}

func (h *StaticHooks) Close() error { return nil }
