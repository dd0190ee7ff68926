package storage

import (
	"testing"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetentionDeleteSet(t *testing.T) {
	tests := []struct {
		name     string
		latest   string
		versions []string
		keep     int
		want     []string
	}{
		{
			name:     "under budget keeps everything",
			latest:   "300",
			versions: []string{"100", "200", "300"},
			keep:     5,
			want:     nil,
		},
		{
			name:     "oldest beyond budget go",
			latest:   "500",
			versions: []string{"100", "200", "300", "400", "500"},
			keep:     2,
			want:     []string{"300", "200", "100"},
		},
		{
			name:     "published latest survives even outside the newest window",
			latest:   "100",
			versions: []string{"100", "200", "300", "400"},
			keep:     2,
			want:     []string{"200"},
		},
		{
			name:     "length beats lexical order",
			latest:   "1000",
			versions: []string{"999", "1000", "998"},
			keep:     1,
			want:     []string{"999", "998"},
		},
		{
			name:     "empty input",
			latest:   "",
			versions: nil,
			keep:     3,
			want:     nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, retentionDeleteSet(tt.latest, tt.versions, tt.keep))
		})
	}
}

func TestStatusAdmitting(t *testing.T) {
	assert.True(t, StatusIdle.Admitting())
	assert.True(t, StatusReady.Admitting())
	assert.True(t, StatusFailed.Admitting())
	assert.False(t, StatusBuilding.Admitting())
	assert.False(t, StatusUpdating.Admitting())
}

func TestTaskTypeTargetStatus(t *testing.T) {
	assert.Equal(t, StatusBuilding, TaskFullBuild.TargetStatus())
	assert.Equal(t, StatusUpdating, TaskIncrementalUpdate.TargetStatus())
}

func TestStateFromNode(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	n := dbtype.Node{Props: map[string]any{
		"graph_name":           "default",
		"status":               "READY",
		"latest_ready_version": "1748980800000",
		"updated_at":           now,
	}}
	s := stateFromNode(n)
	assert.Equal(t, "default", s.GraphName)
	assert.Equal(t, StatusReady, s.Status)
	assert.Equal(t, "1748980800000", s.LatestReadyVersion)
	assert.Empty(t, s.CurrentTaskID)
	assert.Equal(t, now, s.UpdatedAt)
}

func TestTaskFromNode(t *testing.T) {
	started := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	finished := started.Add(time.Minute)
	n := dbtype.Node{Props: map[string]any{
		"task_id":     "1748980800000",
		"type":        "incremental_update",
		"version":     "1748980800000",
		"base_version": "1748894400000",
		"started_at":  started,
		"finished_at": finished,
		"progress":    int64(45),
		"message":     "writing graph",
	}}
	task := taskFromNode(n)
	assert.Equal(t, TaskIncrementalUpdate, task.Type)
	assert.Equal(t, "1748894400000", task.BaseVersion)
	assert.Equal(t, 45, task.Progress)
	require.NotNil(t, task.FinishedAt)
	assert.Equal(t, finished, *task.FinishedAt)
	assert.Empty(t, task.Error)
}

func TestBatchesSplitsRows(t *testing.T) {
	rows := make([]map[string]any, 1201)
	var sizes []int
	for batch := range batches(rows, 500) {
		sizes = append(sizes, len(batch))
	}
	assert.Equal(t, []int{500, 500, 201}, sizes)

	var none []int
	for batch := range batches(nil, 500) {
		none = append(none, len(batch))
	}
	assert.Empty(t, none)
}

func newNode(id, label, name string, extra map[string]any) dbtype.Node {
	props := map[string]any{
		"kg_version":   "100",
		"entity_label": label,
		"name":         name,
	}
	for k, v := range extra {
		props[k] = v
	}
	return dbtype.Node{ElementId: id, Labels: []string{"Entity"}, Props: props}
}

func newRel(id, src, dst, predicate string) dbtype.Relationship {
	return dbtype.Relationship{
		ElementId:      id,
		StartElementId: src,
		EndElementId:   dst,
		Type:           "REL",
		Props: map[string]any{
			"kg_version": "100",
			"predicate":  predicate,
		},
	}
}

func TestAccumulatorNodeLimitTruncates(t *testing.T) {
	acc := newSubgraphAccumulator(QueryParams{LimitNodes: 2, LimitEdges: 10})
	require.True(t, acc.addNode(newNode("n1", "Person", "alice", nil)))
	require.True(t, acc.addNode(newNode("n2", "Person", "bob", nil)))
	require.False(t, acc.addNode(newNode("n3", "Person", "carol", nil)))

	res := acc.result()
	assert.Len(t, res.Nodes, 2)
	assert.True(t, res.Truncated)
}

func TestAccumulatorDropsEdgeWhenEndpointCut(t *testing.T) {
	acc := newSubgraphAccumulator(QueryParams{LimitNodes: 1, LimitEdges: 10})
	a := newNode("n1", "Person", "alice", nil)
	b := newNode("n2", "Company", "acme", nil)
	acc.addEdge(a, b, newRel("e1", "n1", "n2", "works_at"))

	res := acc.result()
	assert.Len(t, res.Nodes, 1)
	assert.Empty(t, res.Edges)
	assert.True(t, res.Truncated)
}

func TestAccumulatorEdgeLimitTruncates(t *testing.T) {
	acc := newSubgraphAccumulator(QueryParams{LimitNodes: 10, LimitEdges: 1})
	a := newNode("n1", "Person", "alice", nil)
	b := newNode("n2", "Company", "acme", nil)
	c := newNode("n3", "City", "berlin", nil)
	acc.addEdge(a, b, newRel("e1", "n1", "n2", "works_at"))
	acc.addEdge(a, c, newRel("e2", "n1", "n3", "lives_in"))

	res := acc.result()
	assert.Len(t, res.Edges, 1)
	assert.True(t, res.Truncated)
	assert.Equal(t, "works_at", res.Edges[0].Type)
}

func TestAccumulatorDeduplicates(t *testing.T) {
	acc := newSubgraphAccumulator(QueryParams{LimitNodes: 10, LimitEdges: 10})
	a := newNode("n1", "Person", "alice", nil)
	b := newNode("n2", "Company", "acme", nil)
	r := newRel("e1", "n1", "n2", "works_at")
	acc.addEdge(a, b, r)
	acc.addEdge(a, b, r)

	res := acc.result()
	assert.Len(t, res.Nodes, 2)
	assert.Len(t, res.Edges, 1)
	assert.False(t, res.Truncated)
}

func TestAccumulatorEmptyResultIsNonNil(t *testing.T) {
	res := newSubgraphAccumulator(QueryParams{LimitNodes: 5, LimitEdges: 5}).result()
	assert.NotNil(t, res.Nodes)
	assert.NotNil(t, res.Edges)
	assert.False(t, res.Truncated)
}

func TestCleanedPropsStripsInternals(t *testing.T) {
	props := map[string]any{
		"kg_version":   "100",
		"embeddings":   []any{0.1, 0.2},
		"name":         "alice",
		"entity_label": "Person",
		"age":          int64(30),
	}
	out := cleanedProps(props, true, "name", "entity_label")
	assert.Equal(t, map[string]any{"age": int64(30)}, out)

	assert.Nil(t, cleanedProps(props, false, "name"))
	assert.Nil(t, cleanedProps(map[string]any{"kg_version": "100"}, true))
}

func TestEdgePredicateFallback(t *testing.T) {
	acc := newSubgraphAccumulator(QueryParams{LimitNodes: 10, LimitEdges: 10})
	a := newNode("n1", "Person", "alice", nil)
	b := newNode("n2", "Person", "bob", nil)
	r := dbtype.Relationship{ElementId: "e1", StartElementId: "n1", EndElementId: "n2", Type: "REL", Props: map[string]any{}}
	acc.addEdge(a, b, r)

	res := acc.result()
	require.Len(t, res.Edges, 1)
	assert.Equal(t, "related_to", res.Edges[0].Type)
}
