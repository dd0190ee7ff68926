// Package build runs the graph construction pipeline: admission through the
// state store's CAS, hooks for source text, extraction, versioned writes,
// publication and retention. At most one pipeline runs at a time; the
// database enforces that, not this process.
package build

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/nmxmxh/kgraph/internal/config"
	"github.com/nmxmxh/kgraph/internal/hooks"
	"github.com/nmxmxh/kgraph/internal/kg"
	"github.com/nmxmxh/kgraph/internal/metrics"
	"github.com/nmxmxh/kgraph/internal/storage"
)

// ErrNoBaseVersion rejects incremental triggers before any full build has
// published a version.
var ErrNoBaseVersion = errors.New("no ready version to update from")

// StateStore is the slice of storage.StateStore the orchestrator needs.
type StateStore interface {
	GetStateAndTask(ctx context.Context) (storage.KGState, *storage.TaskInfo, error)
	TryAcquire(ctx context.Context, taskType storage.TaskType, version string) (*storage.TaskInfo, error)
	UpdateProgress(ctx context.Context, taskID string, progress int, message string) error
	CommitSuccess(ctx context.Context, taskID, version string) error
	CommitFailure(ctx context.Context, taskID, errMsg string) error
}

// GraphStore is the slice of storage.GraphStore the orchestrator needs.
type GraphStore interface {
	WriteGraph(ctx context.Context, version string, graph *kg.Graph) error
	LoadGraph(ctx context.Context, version string) (*kg.Graph, error)
	DeleteVersion(ctx context.Context, version string) error
	CleanupOldVersions(ctx context.Context, retention config.RetentionConfig) ([]string, error)
}

// Extractor produces the graph for a set of chunks, optionally on top of a
// base graph.
type Extractor interface {
	Build(ctx context.Context, chunks []string, base *kg.Graph, obs time.Time) (*kg.Graph, error)
}

// TriggerResult is the accepted-trigger response body.
type TriggerResult struct {
	TaskID      string `json:"task_id"`
	Status      string `json:"status"`
	Version     string `json:"version"`
	BaseVersion string `json:"base_version,omitempty"`
}

// Orchestrator owns the background pipeline goroutine.
type Orchestrator struct {
	cfg       *config.Config
	state     StateStore
	graph     GraphStore
	hooks     hooks.DataHooks
	extractor Extractor
	log       *zap.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running *atomic.Bool
}

// NewOrchestrator wires the pipeline dependencies.
func NewOrchestrator(cfg *config.Config, state StateStore, graph GraphStore, h hooks.DataHooks, extractor Extractor, log *zap.Logger) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:       cfg,
		state:     state,
		graph:     graph,
		hooks:     h,
		extractor: extractor,
		log:       log.With(zap.String("component", "orchestrator")),
		baseCtx:   ctx,
		cancel:    cancel,
		running:   atomic.NewBool(false),
	}
}

// Running reports whether this instance has a pipeline goroutine in flight.
func (o *Orchestrator) Running() bool {
	return o.running.Load()
}

// TriggerFullBuild acquires the state lock and starts a full rebuild in the
// background. A *storage.ConflictError surfaces when another task runs.
func (o *Orchestrator) TriggerFullBuild(ctx context.Context) (TriggerResult, error) {
	version := kg.NewVersion()
	task, err := o.state.TryAcquire(ctx, storage.TaskFullBuild, version)
	if err != nil {
		return TriggerResult{}, err
	}
	o.launch(task)
	return TriggerResult{
		TaskID:  task.TaskID,
		Status:  string(storage.StatusBuilding),
		Version: version,
	}, nil
}

// TriggerIncrementalUpdate acquires the state lock and starts an update on
// top of the latest ready version. The base version is snapshotted inside
// the acquire transaction.
func (o *Orchestrator) TriggerIncrementalUpdate(ctx context.Context) (TriggerResult, error) {
	st, _, err := o.state.GetStateAndTask(ctx)
	if err != nil {
		return TriggerResult{}, err
	}
	if st.LatestReadyVersion == "" {
		return TriggerResult{}, ErrNoBaseVersion
	}

	version := kg.NewVersion()
	task, err := o.state.TryAcquire(ctx, storage.TaskIncrementalUpdate, version)
	if err != nil {
		return TriggerResult{}, err
	}
	o.launch(task)
	return TriggerResult{
		TaskID:      task.TaskID,
		Status:      string(storage.StatusUpdating),
		Version:     version,
		BaseVersion: task.BaseVersion,
	}, nil
}

// Shutdown stops accepting pipeline work and waits for the in-flight one.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.cancel()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pipeline still running at shutdown: %w", ctx.Err())
	}
}

// Wait blocks until the current pipeline goroutine, if any, finishes.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) launch(task *storage.TaskInfo) {
	o.running.Store(true)
	metrics.BuildRunning.Set(1)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			o.running.Store(false)
			metrics.BuildRunning.Set(0)
		}()
		o.run(task)
	}()
}

func (o *Orchestrator) run(task *storage.TaskInfo) {
	start := time.Now()
	ctx := o.baseCtx
	cancel := context.CancelFunc(func() {})
	if o.cfg.Task.TimeoutS > 0 {
		ctx, cancel = context.WithTimeout(ctx, time.Duration(o.cfg.Task.TimeoutS)*time.Second)
	}
	defer cancel()

	log := o.log.With(
		zap.String("task_id", task.TaskID),
		zap.String("type", string(task.Type)),
		zap.String("version", task.Version))

	wrote, err := o.pipeline(ctx, task)
	metrics.BuildDuration.WithLabelValues(string(task.Type)).Observe(time.Since(start).Seconds())
	if err == nil {
		metrics.BuildsTotal.WithLabelValues(string(task.Type), "success").Inc()
		log.Info("build pipeline finished", zap.Duration("elapsed", time.Since(start)))
		return
	}

	metrics.BuildsTotal.WithLabelValues(string(task.Type), "failure").Inc()
	msg := err.Error()
	if errors.Is(err, context.DeadlineExceeded) {
		msg = "timeout"
	}
	log.Error("build pipeline failed", zap.Error(err), zap.Bool("partial_writes", wrote))
	o.fail(task, msg, wrote)
}

// pipeline runs one build attempt. Returns whether any graph writes for the
// new version happened, for failure cleanup.
func (o *Orchestrator) pipeline(ctx context.Context, task *storage.TaskInfo) (bool, error) {
	progress := func(pct int, msg string) {
		if err := o.state.UpdateProgress(ctx, task.TaskID, pct, msg); err != nil {
			o.log.Warn("progress update failed", zap.String("task_id", task.TaskID), zap.Error(err))
		}
	}

	incremental := task.Type == storage.TaskIncrementalUpdate

	var chunks []string
	var err error
	if incremental {
		progress(1, "starting incremental update")
		chunks, err = o.hooks.IncrementalData(ctx, task.BaseVersion)
	} else {
		progress(1, "starting full build")
		chunks, err = o.hooks.FullData(ctx)
	}
	if err != nil {
		return false, fmt.Errorf("hook: %w", err)
	}
	if len(chunks) == 0 {
		if incremental {
			return false, fmt.Errorf("hook: no new chunks since version %s", task.BaseVersion)
		}
		return false, errors.New("hook: data source returned no chunks")
	}
	progress(10, fmt.Sprintf("fetched %d chunks", len(chunks)))

	var base *kg.Graph
	if incremental {
		progress(20, "loading base version graph")
		base, err = o.graph.LoadGraph(ctx, task.BaseVersion)
		if err != nil {
			return false, fmt.Errorf("load base version %s: %w", task.BaseVersion, err)
		}
	}

	if incremental {
		progress(55, "building knowledge graph")
	} else {
		progress(45, "building knowledge graph")
	}
	graph, err := o.extractor.Build(ctx, chunks, base, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("extract: %w", err)
	}
	if graph.Empty() {
		return false, errors.New("extract: produced an empty graph")
	}
	if incremental {
		progress(78, fmt.Sprintf("built graph: %d entities, %d relationships", len(graph.Entities), len(graph.Relationships)))
		progress(88, "writing graph")
	} else {
		progress(75, fmt.Sprintf("built graph: %d entities, %d relationships", len(graph.Entities), len(graph.Relationships)))
		progress(85, "writing graph")
	}

	if err := o.graph.WriteGraph(ctx, task.Version, graph); err != nil {
		return true, fmt.Errorf("write graph: %w", err)
	}

	progress(95, "publishing version")
	if err := o.state.CommitSuccess(ctx, task.TaskID, task.Version); err != nil {
		return true, fmt.Errorf("commit: %w", err)
	}

	o.sweep(ctx)
	return true, nil
}

// fail finishes the task and removes partial writes. Runs on a fresh
// context: the pipeline context may already be dead.
func (o *Orchestrator) fail(task *storage.TaskInfo, msg string, wrote bool) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := o.state.CommitFailure(ctx, task.TaskID, msg); err != nil {
		o.log.Error("commit failure did not apply", zap.String("task_id", task.TaskID), zap.Error(err))
	}
	if wrote {
		if err := o.graph.DeleteVersion(ctx, task.Version); err != nil {
			o.log.Error("partial version left behind", zap.String("version", task.Version), zap.Error(err))
		}
	}
}

// sweep applies retention after a successful commit. Failures are logged,
// never propagated into the just-finished task.
func (o *Orchestrator) sweep(ctx context.Context) {
	deleted, err := o.graph.CleanupOldVersions(ctx, o.cfg.Retention)
	if err != nil {
		o.log.Warn("retention cleanup failed", zap.Error(err))
	}
	if len(deleted) > 0 {
		metrics.VersionsDeleted.Add(float64(len(deleted)))
		o.log.Info("retention cleanup removed versions", zap.Strings("versions", deleted))
	}
}
