package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"
)

// DefaultGraphName is the only graph this single-instance service manages.
const DefaultGraphName = "default"

// Status is the global build-state machine value.
type Status string

const (
	StatusIdle     Status = "IDLE"
	StatusBuilding Status = "BUILDING"
	StatusUpdating Status = "UPDATING"
	StatusReady    Status = "READY"
	StatusFailed   Status = "FAILED"
)

// Admitting reports whether a new build may be started from this status.
func (s Status) Admitting() bool {
	return s != StatusBuilding && s != StatusUpdating
}

// TaskType distinguishes full rebuilds from incremental updates.
type TaskType string

const (
	TaskFullBuild         TaskType = "full_build"
	TaskIncrementalUpdate TaskType = "incremental_update"
)

// TargetStatus maps a task type to the non-admitting status it holds while
// running.
func (t TaskType) TargetStatus() Status {
	if t == TaskIncrementalUpdate {
		return StatusUpdating
	}
	return StatusBuilding
}

// KGState is the singleton global state row. LatestReadyVersion is empty
// until the first successful build.
type KGState struct {
	GraphName          string
	Status             Status
	LatestReadyVersion string
	CurrentTaskID      string
	UpdatedAt          time.Time
}

// TaskInfo is one build task record; task_id equals the version it builds.
type TaskInfo struct {
	TaskID      string
	Type        TaskType
	Version     string
	BaseVersion string
	StartedAt   time.Time
	FinishedAt  *time.Time
	Progress    int
	Message     string
	Error       string
}

// ConflictError is returned by TryAcquire when another task holds the state
// lock. It carries the observed state for the 409 response detail.
type ConflictError struct {
	State KGState
	Task  *TaskInfo
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("task %s already %s", e.State.CurrentTaskID, e.State.Status)
}

// ErrStaleTask means a commit was attempted by a task that no longer owns
// the state lock; the commit is a no-op.
var ErrStaleTask = errors.New("task no longer owns the build state")

func stateFromNode(n dbtype.Node) KGState {
	s := KGState{
		GraphName:          stringProp(n.Props, "graph_name"),
		Status:             Status(stringProp(n.Props, "status")),
		LatestReadyVersion: stringProp(n.Props, "latest_ready_version"),
		CurrentTaskID:      stringProp(n.Props, "current_task_id"),
	}
	if t, ok := timeProp(n.Props, "updated_at"); ok {
		s.UpdatedAt = t
	}
	return s
}

func taskFromNode(n dbtype.Node) *TaskInfo {
	t := &TaskInfo{
		TaskID:      stringProp(n.Props, "task_id"),
		Type:        TaskType(stringProp(n.Props, "type")),
		Version:     stringProp(n.Props, "version"),
		BaseVersion: stringProp(n.Props, "base_version"),
		Message:     stringProp(n.Props, "message"),
		Error:       stringProp(n.Props, "error"),
	}
	if v, ok := n.Props["progress"].(int64); ok {
		t.Progress = int(v)
	}
	if ts, ok := timeProp(n.Props, "started_at"); ok {
		t.StartedAt = ts
	}
	if ts, ok := timeProp(n.Props, "finished_at"); ok {
		t.FinishedAt = &ts
	}
	return t
}

func stringProp(props map[string]any, key string) string {
	if v, ok := props[key].(string); ok {
		return v
	}
	return ""
}

func timeProp(props map[string]any, key string) (time.Time, bool) {
	switch v := props[key].(type) {
	case time.Time:
		return v, true
	case dbtype.LocalDateTime:
		return v.Time(), true
	}
	return time.Time{}, false
}

func nodeValue(rec *neo4j.Record, key string) (dbtype.Node, bool) {
	v, ok := rec.Get(key)
	if !ok || v == nil {
		return dbtype.Node{}, false
	}
	n, ok := v.(dbtype.Node)
	return n, ok
}
