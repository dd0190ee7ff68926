// Package query is the read surface. Every request binds to the
// latest_ready_version captured at request time, so running builds are
// invisible until they commit.
package query

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/nmxmxh/kgraph/internal/config"
	"github.com/nmxmxh/kgraph/internal/storage"
)

// ErrNoReadyVersion means no build has ever published a version.
var ErrNoReadyVersion = errors.New("no ready graph version")

// StateReader is the slice of storage.StateStore the service needs.
type StateReader interface {
	GetStateAndTask(ctx context.Context) (storage.KGState, *storage.TaskInfo, error)
}

// GraphReader is the slice of storage.GraphStore the service needs.
type GraphReader interface {
	Query(ctx context.Context, version string, p storage.QueryParams) (storage.QueryResult, error)
	EntityTypes(ctx context.Context, version string) ([]string, error)
	RelationTypes(ctx context.Context, version string) ([]string, error)
	Stats(ctx context.Context, version string) (storage.Stats, error)
}

// Params are raw request parameters; zero values mean "use the configured
// default".
type Params struct {
	Q                 string
	EntityTypes       []string
	RelationTypes     []string
	LimitNodes        int
	LimitEdges        int
	Depth             int
	IncludeProperties bool
}

// Result is a subgraph plus the version it was read from.
type Result struct {
	Version string `json:"version"`
	storage.QueryResult
}

// TypesResult lists entity or relation type tags for one version.
type TypesResult struct {
	Version string   `json:"version"`
	Types   []string `json:"types"`
}

// StatsResult carries version counters.
type StatsResult struct {
	Version string `json:"version"`
	storage.Stats
}

// Service resolves the current version and dispatches versioned reads,
// optionally through a cache.
type Service struct {
	state StateReader
	graph GraphReader
	cache *Cache
	cfg   config.QueryConfig
	log   *zap.Logger
}

// NewService wires the read path. cache may be nil.
func NewService(state StateReader, graph GraphReader, cache *Cache, cfg config.QueryConfig, log *zap.Logger) *Service {
	return &Service{
		state: state,
		graph: graph,
		cache: cache,
		cfg:   cfg,
		log:   log.With(zap.String("component", "query")),
	}
}

// Status returns the raw state and the task worth displaying.
func (s *Service) Status(ctx context.Context) (storage.KGState, *storage.TaskInfo, error) {
	return s.state.GetStateAndTask(ctx)
}

func (s *Service) readyVersion(ctx context.Context) (string, error) {
	st, _, err := s.state.GetStateAndTask(ctx)
	if err != nil {
		return "", err
	}
	if st.LatestReadyVersion == "" {
		return "", ErrNoReadyVersion
	}
	return st.LatestReadyVersion, nil
}

// Query runs a bounded subgraph read against the current version.
func (s *Service) Query(ctx context.Context, p Params) (Result, error) {
	version, err := s.readyVersion(ctx)
	if err != nil {
		return Result{}, err
	}
	resolved := s.resolve(p)

	if s.cache != nil {
		var cached storage.QueryResult
		if s.cache.Get(ctx, version, resolved, &cached) {
			return Result{Version: version, QueryResult: cached}, nil
		}
	}

	out, err := s.graph.Query(ctx, version, resolved)
	if err != nil {
		return Result{}, err
	}
	if s.cache != nil {
		s.cache.Set(ctx, version, resolved, out)
	}
	return Result{Version: version, QueryResult: out}, nil
}

// EntityTypes lists entity labels of the current version.
func (s *Service) EntityTypes(ctx context.Context) (TypesResult, error) {
	version, err := s.readyVersion(ctx)
	if err != nil {
		return TypesResult{}, err
	}
	types, err := s.graph.EntityTypes(ctx, version)
	if err != nil {
		return TypesResult{}, err
	}
	return TypesResult{Version: version, Types: emptyNotNil(types)}, nil
}

// RelationTypes lists predicates of the current version.
func (s *Service) RelationTypes(ctx context.Context) (TypesResult, error) {
	version, err := s.readyVersion(ctx)
	if err != nil {
		return TypesResult{}, err
	}
	types, err := s.graph.RelationTypes(ctx, version)
	if err != nil {
		return TypesResult{}, err
	}
	return TypesResult{Version: version, Types: emptyNotNil(types)}, nil
}

// Stats counts nodes, edges and labels of the current version.
func (s *Service) Stats(ctx context.Context) (StatsResult, error) {
	version, err := s.readyVersion(ctx)
	if err != nil {
		return StatsResult{}, err
	}
	stats, err := s.graph.Stats(ctx, version)
	if err != nil {
		return StatsResult{}, err
	}
	return StatsResult{Version: version, Stats: stats}, nil
}

// resolve applies configured defaults and clamps depth to the ceiling.
func (s *Service) resolve(p Params) storage.QueryParams {
	out := storage.QueryParams{
		Q:                 p.Q,
		EntityTypes:       p.EntityTypes,
		RelationTypes:     p.RelationTypes,
		LimitNodes:        p.LimitNodes,
		LimitEdges:        p.LimitEdges,
		Depth:             p.Depth,
		MaxSeedNodes:      s.cfg.MaxSeedNodes,
		IncludeProperties: p.IncludeProperties,
	}
	if out.LimitNodes <= 0 {
		out.LimitNodes = s.cfg.DefaultLimitNodes
	}
	if out.LimitEdges <= 0 {
		out.LimitEdges = s.cfg.DefaultLimitEdges
	}
	if out.Depth <= 0 {
		out.Depth = s.cfg.DefaultDepth
	}
	if s.cfg.MaxDepth > 0 && out.Depth > s.cfg.MaxDepth {
		out.Depth = s.cfg.MaxDepth
	}
	return out
}

func emptyNotNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
