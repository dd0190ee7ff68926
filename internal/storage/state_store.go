package storage

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"
	"go.uber.org/zap"
)

// StateStore owns the KGState singleton and the KGTask history. Admission
// control is a compare-and-set executed inside one write transaction, so it
// holds across process restarts and even accidental second instances.
type StateStore struct {
	client    *Client
	graphName string
	log       *zap.Logger
}

// NewStateStore binds a state store to the given graph name.
func NewStateStore(client *Client, graphName string, log *zap.Logger) *StateStore {
	if graphName == "" {
		graphName = DefaultGraphName
	}
	return &StateStore{client: client, graphName: graphName, log: log.With(zap.String("component", "state_store"))}
}

// EnsureSchema creates the uniqueness constraints the stores rely on.
// Idempotent.
func (s *StateStore) EnsureSchema(ctx context.Context) error {
	statements := []string{
		"CREATE CONSTRAINT kgstate_graph_name IF NOT EXISTS FOR (s:KGState) REQUIRE s.graph_name IS UNIQUE",
		"CREATE CONSTRAINT kgtask_task_id IF NOT EXISTS FOR (t:KGTask) REQUIRE t.task_id IS UNIQUE",
		"CREATE CONSTRAINT entity_identity IF NOT EXISTS FOR (e:Entity) REQUIRE (e.kg_version, e.entity_label, e.name) IS UNIQUE",
	}
	for _, stmt := range statements {
		if _, err := s.client.Write(ctx, stmt, nil); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

const mergeStateFragment = `
MERGE (s:KGState {graph_name: $graph_name})
ON CREATE SET
  s.status = 'IDLE',
  s.latest_ready_version = null,
  s.current_task_id = null,
  s.updated_at = datetime()
`

// RecoverOnStartup sweeps a crashed build: any BUILDING or UPDATING state
// left behind becomes FAILED and its task is finished with an error.
// Idempotent; a clean state passes through untouched.
func (s *StateStore) RecoverOnStartup(ctx context.Context) error {
	query := mergeStateFragment + `
WITH s
OPTIONAL MATCH (t:KGTask {task_id: s.current_task_id})
WITH s, t
CALL {
  WITH s, t
  WITH s, t
  WHERE s.status IN ['BUILDING','UPDATING']
  SET s.status = 'FAILED', s.current_task_id = null, s.updated_at = datetime()
  FOREACH (_ IN CASE WHEN t IS NULL THEN [] ELSE [1] END |
    SET t.error = coalesce(t.error, 'server restarted'), t.finished_at = datetime()
  )
  RETURN count(*) AS swept
}
RETURN swept
`
	records, err := s.client.Write(ctx, query, map[string]any{"graph_name": s.graphName})
	if err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}
	if len(records) > 0 {
		if swept, ok := records[0].Get("swept"); ok {
			if n, ok := swept.(int64); ok && n > 0 {
				s.log.Warn("recovered interrupted build, state marked FAILED")
			}
		}
	}
	return nil
}

// GetStateAndTask reads the singleton state plus the task worth showing:
// the running one, or the most recent failed one when status is FAILED.
func (s *StateStore) GetStateAndTask(ctx context.Context) (KGState, *TaskInfo, error) {
	query := mergeStateFragment + `
WITH s
OPTIONAL MATCH (t:KGTask {task_id: s.current_task_id})
RETURN s AS state, t AS task
`
	records, err := s.client.Write(ctx, query, map[string]any{"graph_name": s.graphName})
	if err != nil {
		return KGState{}, nil, fmt.Errorf("read state: %w", err)
	}
	if len(records) == 0 {
		return KGState{}, nil, fmt.Errorf("read state: no row returned")
	}

	stateNode, ok := nodeValue(records[0], "state")
	if !ok {
		return KGState{}, nil, fmt.Errorf("read state: malformed record")
	}
	state := stateFromNode(stateNode)

	var task *TaskInfo
	if taskNode, ok := nodeValue(records[0], "task"); ok {
		task = taskFromNode(taskNode)
	}

	if state.Status == StatusFailed && task == nil {
		task, err = s.lastFailedTask(ctx)
		if err != nil {
			return state, nil, err
		}
	}
	return state, task, nil
}

func (s *StateStore) lastFailedTask(ctx context.Context) (*TaskInfo, error) {
	query := `
MATCH (t:KGTask)
WHERE t.finished_at IS NOT NULL AND t.error IS NOT NULL
RETURN t
ORDER BY t.finished_at DESC
LIMIT 1
`
	records, err := s.client.Read(ctx, query, nil)
	if err != nil {
		return nil, fmt.Errorf("read last failed task: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}
	if n, ok := nodeValue(records[0], "t"); ok {
		return taskFromNode(n), nil
	}
	return nil, nil
}

// TryAcquire is the admission CAS. Inside one write transaction it either
// observes a running build and reports the conflict, or flips the state to
// the task's target status and inserts the KGTask row. Exactly one of two
// racing callers wins; the database serializes them. For incremental tasks
// the base version is snapshotted from latest_ready_version inside the same
// transaction, so it can never be stale.
func (s *StateStore) TryAcquire(ctx context.Context, taskType TaskType, version string) (*TaskInfo, error) {
	query := mergeStateFragment + `
WITH s
OPTIONAL MATCH (running:KGTask {task_id: s.current_task_id})
WITH s, running
CALL {
  WITH s, running
  WITH s, running
  WHERE s.status IN ['BUILDING','UPDATING']
  RETURN {conflict: true, state: s, task: running} AS out
  UNION
  WITH s, running
  WITH s, running
  WHERE NOT s.status IN ['BUILDING','UPDATING']
  MERGE (t:KGTask {task_id: $task_id})
  ON CREATE SET
    t.type = $task_type,
    t.version = $version,
    t.base_version = CASE WHEN $task_type = 'incremental_update' THEN s.latest_ready_version ELSE null END,
    t.started_at = datetime(),
    t.finished_at = null,
    t.progress = 0,
    t.error = null
  SET s.status = $target_status, s.current_task_id = $task_id, s.updated_at = datetime()
  RETURN {conflict: false, state: s, task: t} AS out
}
RETURN out
`
	params := map[string]any{
		"graph_name":    s.graphName,
		"task_id":       version,
		"task_type":     string(taskType),
		"version":       version,
		"target_status": string(taskType.TargetStatus()),
	}
	records, err := s.client.Write(ctx, query, params)
	if err != nil {
		return nil, fmt.Errorf("acquire build state: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("acquire build state: no row returned")
	}

	raw, _ := records[0].Get("out")
	out, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("acquire build state: malformed record")
	}

	var state KGState
	if n, ok := out["state"].(dbtype.Node); ok {
		state = stateFromNode(n)
	}
	var task *TaskInfo
	if n, ok := out["task"].(dbtype.Node); ok {
		task = taskFromNode(n)
	}

	if conflict, _ := out["conflict"].(bool); conflict {
		return nil, &ConflictError{State: state, Task: task}
	}
	if task == nil {
		return nil, fmt.Errorf("acquire build state: task row missing after acquire")
	}
	s.log.Info("acquired build state",
		zap.String("task_id", task.TaskID),
		zap.String("type", string(task.Type)),
		zap.String("base_version", task.BaseVersion))
	return task, nil
}

// UpdateProgress records a pipeline milestone. Best effort; failures are
// logged by the caller and never fail the build.
func (s *StateStore) UpdateProgress(ctx context.Context, taskID string, progress int, message string) error {
	query := `
MATCH (t:KGTask {task_id: $task_id})
SET t.progress = $progress
FOREACH (_ IN CASE WHEN $message = '' THEN [] ELSE [1] END | SET t.message = $message)
RETURN count(t) AS n
`
	_, err := s.client.Write(ctx, query, map[string]any{
		"task_id":  taskID,
		"progress": progress,
		"message":  message,
	})
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return nil
}

// CommitSuccess publishes version atomically: READY status, cleared task
// lock, advanced latest_ready_version, finished task. Only the task holding
// the lock may commit, and latest_ready_version never moves backwards; a
// violated guard leaves everything untouched and returns ErrStaleTask.
func (s *StateStore) CommitSuccess(ctx context.Context, taskID, version string) error {
	query := `
MATCH (s:KGState {graph_name: $graph_name, current_task_id: $task_id})
MATCH (t:KGTask {task_id: $task_id})
WHERE s.latest_ready_version IS NULL
   OR size(s.latest_ready_version) < size($version)
   OR (size(s.latest_ready_version) = size($version) AND s.latest_ready_version < $version)
SET
  s.status = 'READY',
  s.latest_ready_version = $version,
  s.current_task_id = null,
  s.updated_at = datetime(),
  t.finished_at = datetime(),
  t.progress = 100,
  t.error = null
RETURN count(s) AS n
`
	records, err := s.client.Write(ctx, query, map[string]any{
		"graph_name": s.graphName,
		"task_id":    taskID,
		"version":    version,
	})
	if err != nil {
		return fmt.Errorf("commit success: %w", err)
	}
	if committed(records) {
		s.log.Info("published new graph version", zap.String("version", version))
		return nil
	}
	return fmt.Errorf("commit success for task %s: %w", taskID, ErrStaleTask)
}

// CommitFailure finishes the task with an error and parks the state in
// FAILED. latest_ready_version is untouched so readers keep the previous
// complete version.
func (s *StateStore) CommitFailure(ctx context.Context, taskID, errMsg string) error {
	query := `
MATCH (s:KGState {graph_name: $graph_name, current_task_id: $task_id})
MATCH (t:KGTask {task_id: $task_id})
SET
  s.status = 'FAILED',
  s.current_task_id = null,
  s.updated_at = datetime(),
  t.finished_at = datetime(),
  t.error = $error
RETURN count(s) AS n
`
	records, err := s.client.Write(ctx, query, map[string]any{
		"graph_name": s.graphName,
		"task_id":    taskID,
		"error":      errMsg,
	})
	if err != nil {
		return fmt.Errorf("commit failure: %w", err)
	}
	if committed(records) {
		s.log.Warn("build task failed", zap.String("task_id", taskID), zap.String("error", errMsg))
		return nil
	}
	return fmt.Errorf("commit failure for task %s: %w", taskID, ErrStaleTask)
}

func committed(records []*neo4j.Record) bool {
	if len(records) == 0 {
		return false
	}
	v, ok := records[0].Get("n")
	if !ok {
		return false
	}
	n, ok := v.(int64)
	return ok && n > 0
}
