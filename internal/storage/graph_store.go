package storage

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/nmxmxh/kgraph/internal/config"
	"github.com/nmxmxh/kgraph/internal/kg"
)

// upsertBatchSize bounds the UNWIND row count per write round-trip.
const upsertBatchSize = 500

// GraphStore reads and writes versioned graph data. Every node and edge
// carries kg_version; nothing is shared between versions, and every read
// filters on an explicit version.
type GraphStore struct {
	client    *Client
	graphName string
	log       *zap.Logger
}

// NewGraphStore binds a graph store to the given graph name.
func NewGraphStore(client *Client, graphName string, log *zap.Logger) *GraphStore {
	if graphName == "" {
		graphName = DefaultGraphName
	}
	return &GraphStore{client: client, graphName: graphName, log: log.With(zap.String("component", "graph_store"))}
}

// Stats summarizes one version.
type Stats struct {
	EntityCount   int `json:"entity_count"`
	RelationCount int `json:"relation_count"`
	NodeTypeCount int `json:"node_type_count"`
}

// WriteGraph persists a complete graph under version: nodes first so edge
// MATCHes resolve, both in UNWIND batches.
func (g *GraphStore) WriteGraph(ctx context.Context, version string, graph *kg.Graph) error {
	if err := g.UpsertNodes(ctx, version, graph.Entities); err != nil {
		return err
	}
	return g.UpsertEdges(ctx, version, graph.Relationships)
}

// UpsertNodes merges entities by (kg_version, entity_label, name); the
// property bag overwrites.
func (g *GraphStore) UpsertNodes(ctx context.Context, version string, entities []kg.Entity) error {
	rows := make([]map[string]any, 0, len(entities))
	for _, e := range entities {
		props := map[string]any{
			"kg_version":   version,
			"entity_label": e.Label,
			"name":         e.Name,
		}
		if len(e.Properties.Embeddings) > 0 {
			props["embeddings"] = e.Properties.Embeddings
		}
		rows = append(rows, map[string]any{
			"kg_version":   version,
			"entity_label": e.Label,
			"name":         e.Name,
			"props":        props,
		})
	}

	query := `
UNWIND $rows AS row
MERGE (e:Entity {kg_version: row.kg_version, entity_label: row.entity_label, name: row.name})
SET e += row.props
RETURN count(e) AS n
`
	for batch := range batches(rows, upsertBatchSize) {
		if _, err := g.client.Write(ctx, query, map[string]any{"rows": batch}); err != nil {
			return fmt.Errorf("upsert nodes for version %s: %w", version, err)
		}
	}
	return nil
}

// UpsertEdges merges relationships by (kg_version, endpoints, predicate).
// Edges whose endpoints were not written are silently skipped by the MATCH.
func (g *GraphStore) UpsertEdges(ctx context.Context, version string, rels []kg.Relationship) error {
	rows := make([]map[string]any, 0, len(rels))
	for _, r := range rels {
		predicate := r.Predicate()
		props := map[string]any{
			"kg_version": version,
			"predicate":  predicate,
		}
		if len(r.Properties.AtomicFacts) > 0 {
			props["atomic_facts"] = r.Properties.AtomicFacts
		}
		if len(r.Properties.TObs) > 0 {
			props["t_obs"] = r.Properties.TObs
		}
		if len(r.Properties.TStart) > 0 {
			props["t_start"] = r.Properties.TStart
		}
		if len(r.Properties.TEnd) > 0 {
			props["t_end"] = r.Properties.TEnd
		}
		if len(r.Properties.Embeddings) > 0 {
			props["embeddings"] = r.Properties.Embeddings
		}
		rows = append(rows, map[string]any{
			"kg_version":  version,
			"start_label": r.Start.Label,
			"start_name":  r.Start.Name,
			"end_label":   r.End.Label,
			"end_name":    r.End.Name,
			"predicate":   predicate,
			"props":       props,
		})
	}

	query := `
UNWIND $rows AS row
MATCH (s:Entity {kg_version: row.kg_version, entity_label: row.start_label, name: row.start_name})
MATCH (t:Entity {kg_version: row.kg_version, entity_label: row.end_label, name: row.end_name})
MERGE (s)-[r:REL {kg_version: row.kg_version, predicate: row.predicate}]->(t)
SET r += row.props
RETURN count(r) AS n
`
	for batch := range batches(rows, upsertBatchSize) {
		if _, err := g.client.Write(ctx, query, map[string]any{"rows": batch}); err != nil {
			return fmt.Errorf("upsert edges for version %s: %w", version, err)
		}
	}
	return nil
}

// LoadGraph reads every node and edge of one version back into the
// extractor's graph type. Used to seed incremental builds.
func (g *GraphStore) LoadGraph(ctx context.Context, version string) (*kg.Graph, error) {
	nodeQuery := `
MATCH (e:Entity {kg_version: $v})
RETURN e
`
	relQuery := `
MATCH (s:Entity {kg_version: $v})-[r:REL {kg_version: $v}]->(t:Entity {kg_version: $v})
RETURN s, properties(r) AS rp, t
`

	graph := &kg.Graph{}
	index := make(map[string]kg.Entity)

	records, err := g.client.Read(ctx, nodeQuery, map[string]any{"v": version})
	if err != nil {
		return nil, fmt.Errorf("load nodes for version %s: %w", version, err)
	}
	for _, rec := range records {
		n, ok := nodeValue(rec, "e")
		if !ok {
			continue
		}
		ent := kg.Entity{
			Label: stringProp(n.Props, "entity_label"),
			Name:  stringProp(n.Props, "name"),
			Properties: kg.EntityProps{
				Embeddings: floatSliceProp(n.Props, "embeddings"),
			},
		}
		graph.Entities = append(graph.Entities, ent)
		index[ent.Key()] = ent
	}

	records, err = g.client.Read(ctx, relQuery, map[string]any{"v": version})
	if err != nil {
		return nil, fmt.Errorf("load edges for version %s: %w", version, err)
	}
	for _, rec := range records {
		startNode, okS := nodeValue(rec, "s")
		endNode, okT := nodeValue(rec, "t")
		if !okS || !okT {
			continue
		}
		startKey := stringProp(startNode.Props, "entity_label") + ":" + stringProp(startNode.Props, "name")
		endKey := stringProp(endNode.Props, "entity_label") + ":" + stringProp(endNode.Props, "name")
		start, okS := index[startKey]
		end, okT := index[endKey]
		if !okS || !okT {
			continue
		}

		rp := mapValue(rec, "rp")
		graph.Relationships = append(graph.Relationships, kg.Relationship{
			Start: start,
			End:   end,
			Name:  stringProp(rp, "predicate"),
			Properties: kg.RelationshipProps{
				AtomicFacts: stringSliceProp(rp, "atomic_facts"),
				TObs:        stringSliceProp(rp, "t_obs"),
				TStart:      stringSliceProp(rp, "t_start"),
				TEnd:        stringSliceProp(rp, "t_end"),
				Embeddings:  floatSliceProp(rp, "embeddings"),
			},
		})
	}
	return graph, nil
}

// DeleteVersion detach-deletes every node tagged with version; the edges go
// with their endpoints.
func (g *GraphStore) DeleteVersion(ctx context.Context, version string) error {
	query := `
MATCH (e:Entity {kg_version: $v})
DETACH DELETE e
`
	if _, err := g.client.Write(ctx, query, map[string]any{"v": version}); err != nil {
		return fmt.Errorf("delete version %s: %w", version, err)
	}
	g.log.Info("deleted graph version", zap.String("version", version))
	return nil
}

// EntityTypes lists distinct entity labels of one version, sorted.
func (g *GraphStore) EntityTypes(ctx context.Context, version string) ([]string, error) {
	query := `
MATCH (e:Entity {kg_version: $v})
RETURN DISTINCT e.entity_label AS t
ORDER BY t
`
	return g.stringColumn(ctx, query, version)
}

// RelationTypes lists distinct predicates of one version, sorted.
func (g *GraphStore) RelationTypes(ctx context.Context, version string) ([]string, error) {
	query := `
MATCH ()-[r:REL {kg_version: $v}]->()
RETURN DISTINCT r.predicate AS t
ORDER BY t
`
	return g.stringColumn(ctx, query, version)
}

func (g *GraphStore) stringColumn(ctx context.Context, query, version string) ([]string, error) {
	records, err := g.client.Read(ctx, query, map[string]any{"v": version})
	if err != nil {
		return nil, fmt.Errorf("list types for version %s: %w", version, err)
	}
	out := make([]string, 0, len(records))
	for _, rec := range records {
		if v, ok := rec.Get("t"); ok {
			if s, ok := v.(string); ok && s != "" {
				out = append(out, s)
			}
		}
	}
	return out, nil
}

// Stats counts nodes, edges and distinct labels for one version.
func (g *GraphStore) Stats(ctx context.Context, version string) (Stats, error) {
	nodeQuery := `MATCH (e:Entity {kg_version: $v}) RETURN count(e) AS n, count(DISTINCT e.entity_label) AS t`
	relQuery := `MATCH ()-[r:REL {kg_version: $v}]->() RETURN count(r) AS n`

	var stats Stats
	records, err := g.client.Read(ctx, nodeQuery, map[string]any{"v": version})
	if err != nil {
		return stats, fmt.Errorf("stats for version %s: %w", version, err)
	}
	if len(records) > 0 {
		stats.EntityCount = intColumn(records[0], "n")
		stats.NodeTypeCount = intColumn(records[0], "t")
	}
	records, err = g.client.Read(ctx, relQuery, map[string]any{"v": version})
	if err != nil {
		return stats, fmt.Errorf("stats for version %s: %w", version, err)
	}
	if len(records) > 0 {
		stats.RelationCount = intColumn(records[0], "n")
	}
	return stats, nil
}

// ReadyVersions returns the published latest version and every version with
// a successfully finished task, for the retention sweeper.
func (g *GraphStore) ReadyVersions(ctx context.Context) (latest string, versions []string, err error) {
	query := `
MATCH (s:KGState {graph_name: $graph_name})
WITH s.latest_ready_version AS latest
OPTIONAL MATCH (t:KGTask)
WHERE t.finished_at IS NOT NULL AND (t.error IS NULL OR t.error = '')
WITH latest, collect(DISTINCT t.version) AS versions
RETURN latest, versions
`
	records, err := g.client.Read(ctx, query, map[string]any{"graph_name": g.graphName})
	if err != nil {
		return "", nil, fmt.Errorf("list ready versions: %w", err)
	}
	if len(records) == 0 {
		return "", nil, nil
	}
	if v, ok := records[0].Get("latest"); ok {
		if s, ok := v.(string); ok {
			latest = s
		}
	}
	if v, ok := records[0].Get("versions"); ok {
		if list, ok := v.([]any); ok {
			for _, item := range list {
				if s, ok := item.(string); ok && s != "" {
					versions = append(versions, s)
				}
			}
		}
	}
	return latest, versions, nil
}

// CleanupOldVersions deletes all READY versions beyond the newest
// max_versions. The published latest version is never in the delete set.
// Returns the versions it deleted.
func (g *GraphStore) CleanupOldVersions(ctx context.Context, retention config.RetentionConfig) ([]string, error) {
	if !retention.EnableCleanup || retention.MaxVersions <= 0 {
		return nil, nil
	}

	latest, versions, err := g.ReadyVersions(ctx)
	if err != nil {
		return nil, err
	}

	toDelete := retentionDeleteSet(latest, versions, retention.MaxVersions)
	deleted := make([]string, 0, len(toDelete))
	for _, v := range toDelete {
		if err := g.DeleteVersion(ctx, v); err != nil {
			return deleted, err
		}
		deleted = append(deleted, v)
	}
	return deleted, nil
}

// retentionDeleteSet sorts versions newest-first, keeps the first keep of
// them plus latest, and returns the rest.
func retentionDeleteSet(latest string, versions []string, keep int) []string {
	sorted := make([]string, 0, len(versions))
	for _, v := range versions {
		if v != "" {
			sorted = append(sorted, v)
		}
	}
	// Newest first, length-then-lexical order.
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && kg.CompareVersions(sorted[j], sorted[j-1]) > 0; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}

	keepSet := make(map[string]struct{}, keep+1)
	for i, v := range sorted {
		if i >= keep {
			break
		}
		keepSet[v] = struct{}{}
	}
	if latest != "" {
		keepSet[latest] = struct{}{}
	}

	var out []string
	for _, v := range sorted {
		if _, ok := keepSet[v]; !ok {
			out = append(out, v)
		}
	}
	return out
}

func batches(rows []map[string]any, size int) func(yield func([]map[string]any) bool) {
	return func(yield func([]map[string]any) bool) {
		if len(rows) == 0 {
			return
		}
		for i := 0; i < len(rows); i += size {
			end := min(i+size, len(rows))
			if !yield(rows[i:end]) {
				return
			}
		}
	}
}
