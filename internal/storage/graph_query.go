package storage

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"

	"github.com/nmxmxh/kgraph/internal/kg"
)

// QueryParams is a resolved subgraph query: the service layer has already
// applied defaults and clamped depth, so the store trusts the numbers.
type QueryParams struct {
	Q                 string
	EntityTypes       []string
	RelationTypes     []string
	LimitNodes        int
	LimitEdges        int
	Depth             int
	MaxSeedNodes      int
	IncludeProperties bool
}

// GraphNode is the wire shape of a returned node.
type GraphNode struct {
	ID         string         `json:"id"`
	Types      []string       `json:"types"`
	Name       string         `json:"name"`
	Properties map[string]any `json:"properties,omitempty"`
}

// GraphEdge is the wire shape of a returned edge.
type GraphEdge struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Source     string         `json:"source"`
	Target     string         `json:"target"`
	Properties map[string]any `json:"properties,omitempty"`
}

// QueryResult is a bounded subgraph. Truncated is set whenever either limit
// cut results off.
type QueryResult struct {
	Nodes     []GraphNode `json:"nodes"`
	Edges     []GraphEdge `json:"edges"`
	Truncated bool        `json:"truncated"`
}

// Query extracts a bounded subgraph from one version. With a search term it
// seeds on case-insensitive name substring matches and expands outward up to
// Depth hops; without one it browses the version directly. Edges whose
// endpoint fell to the node limit are dropped so the result is always a
// consistent subgraph.
func (g *GraphStore) Query(ctx context.Context, version string, p QueryParams) (QueryResult, error) {
	if p.Q == "" {
		return g.browse(ctx, version, p)
	}
	return g.search(ctx, version, p)
}

func (g *GraphStore) search(ctx context.Context, version string, p QueryParams) (QueryResult, error) {
	acc := newSubgraphAccumulator(p)

	seedQuery := `
MATCH (s:Entity {kg_version: $v})
WHERE toLower(s.name) CONTAINS toLower($q)
  AND (size($entity_types) = 0 OR s.entity_label IN $entity_types)
WITH s ORDER BY s.name
LIMIT $seed_limit
RETURN s
`
	params := map[string]any{
		"v":            version,
		"q":            p.Q,
		"entity_types": emptyNotNil(p.EntityTypes),
		"seed_limit":   p.MaxSeedNodes,
	}
	records, err := g.client.Read(ctx, seedQuery, params)
	if err != nil {
		return QueryResult{}, fmt.Errorf("query seeds for version %s: %w", version, err)
	}
	for _, rec := range records {
		if n, ok := nodeValue(rec, "s"); ok {
			acc.addNode(n)
		}
	}
	if len(records) == 0 || p.Depth < 1 {
		return acc.result(), nil
	}

	// Variable-length bounds cannot be parameterized; the depth is a
	// clamped int, never caller text.
	expandQuery := fmt.Sprintf(`
MATCH (s:Entity {kg_version: $v})
WHERE toLower(s.name) CONTAINS toLower($q)
  AND (size($entity_types) = 0 OR s.entity_label IN $entity_types)
WITH s ORDER BY s.name
LIMIT $seed_limit
MATCH p = (s)-[:REL*1..%d {kg_version: $v}]-(:Entity {kg_version: $v})
UNWIND relationships(p) AS r
WITH DISTINCT r
WHERE size($relation_types) = 0 OR r.predicate IN $relation_types
MATCH (a:Entity)-[r]->(b:Entity)
RETURN a, r, b
LIMIT $edge_limit
`, p.Depth)
	params["relation_types"] = emptyNotNil(p.RelationTypes)
	params["edge_limit"] = p.LimitEdges + 1

	records, err = g.client.Read(ctx, expandQuery, params)
	if err != nil {
		return QueryResult{}, fmt.Errorf("query expansion for version %s: %w", version, err)
	}
	for _, rec := range records {
		a, okA := nodeValue(rec, "a")
		b, okB := nodeValue(rec, "b")
		r, okR := relValue(rec, "r")
		if !okA || !okB || !okR {
			continue
		}
		acc.addEdge(a, b, r)
	}
	return acc.result(), nil
}

func (g *GraphStore) browse(ctx context.Context, version string, p QueryParams) (QueryResult, error) {
	acc := newSubgraphAccumulator(p)

	nodeQuery := `
MATCH (e:Entity {kg_version: $v})
WHERE size($entity_types) = 0 OR e.entity_label IN $entity_types
WITH e ORDER BY e.name
LIMIT $node_limit
RETURN e
`
	records, err := g.client.Read(ctx, nodeQuery, map[string]any{
		"v":            version,
		"entity_types": emptyNotNil(p.EntityTypes),
		"node_limit":   p.LimitNodes + 1,
	})
	if err != nil {
		return QueryResult{}, fmt.Errorf("browse nodes for version %s: %w", version, err)
	}
	for _, rec := range records {
		if n, ok := nodeValue(rec, "e"); ok {
			acc.addNode(n)
		}
	}

	edgeQuery := `
MATCH (a:Entity {kg_version: $v})-[r:REL {kg_version: $v}]->(b:Entity {kg_version: $v})
WHERE size($relation_types) = 0 OR r.predicate IN $relation_types
RETURN a, r, b
LIMIT $edge_limit
`
	records, err = g.client.Read(ctx, edgeQuery, map[string]any{
		"v":              version,
		"relation_types": emptyNotNil(p.RelationTypes),
		"edge_limit":     p.LimitEdges + 1,
	})
	if err != nil {
		return QueryResult{}, fmt.Errorf("browse edges for version %s: %w", version, err)
	}
	for _, rec := range records {
		a, okA := nodeValue(rec, "a")
		b, okB := nodeValue(rec, "b")
		r, okR := relValue(rec, "r")
		if !okA || !okB || !okR {
			continue
		}
		acc.addEdgeExisting(a, b, r)
	}
	return acc.result(), nil
}

// subgraphAccumulator assembles nodes and edges in arrival order, enforcing
// both limits and recording truncation. Edges only survive when both
// endpoints made it into the node set.
type subgraphAccumulator struct {
	p         QueryParams
	nodes     []GraphNode
	nodeIDs   map[string]struct{}
	edges     []GraphEdge
	edgeIDs   map[string]struct{}
	truncated bool
}

func newSubgraphAccumulator(p QueryParams) *subgraphAccumulator {
	return &subgraphAccumulator{
		p:       p,
		nodeIDs: make(map[string]struct{}),
		edgeIDs: make(map[string]struct{}),
	}
}

// addNode admits a node unless the node limit is hit; returns whether the
// node is in the set afterwards.
func (acc *subgraphAccumulator) addNode(n dbtype.Node) bool {
	if _, ok := acc.nodeIDs[n.ElementId]; ok {
		return true
	}
	if len(acc.nodes) >= acc.p.LimitNodes {
		acc.truncated = true
		return false
	}
	acc.nodeIDs[n.ElementId] = struct{}{}
	acc.nodes = append(acc.nodes, GraphNode{
		ID:         n.ElementId,
		Types:      nodeTypes(n),
		Name:       stringProp(n.Props, "name"),
		Properties: cleanedProps(n.Props, acc.p.IncludeProperties, "name", "entity_label"),
	})
	return true
}

// addEdge admits an edge, pulling in endpoints that are not yet in the node
// set.
func (acc *subgraphAccumulator) addEdge(a, b dbtype.Node, r dbtype.Relationship) {
	if !acc.addNode(a) || !acc.addNode(b) {
		return
	}
	acc.admitEdge(r)
}

// addEdgeExisting admits an edge only when both endpoints are already
// present; used by browse where the node set is fixed up front.
func (acc *subgraphAccumulator) addEdgeExisting(a, b dbtype.Node, r dbtype.Relationship) {
	if _, ok := acc.nodeIDs[a.ElementId]; !ok {
		acc.truncated = true
		return
	}
	if _, ok := acc.nodeIDs[b.ElementId]; !ok {
		acc.truncated = true
		return
	}
	acc.admitEdge(r)
}

func (acc *subgraphAccumulator) admitEdge(r dbtype.Relationship) {
	if _, ok := acc.edgeIDs[r.ElementId]; ok {
		return
	}
	if len(acc.edges) >= acc.p.LimitEdges {
		acc.truncated = true
		return
	}
	predicate := stringProp(r.Props, "predicate")
	if predicate == "" {
		predicate = kg.FallbackPredicate
	}
	acc.edgeIDs[r.ElementId] = struct{}{}
	acc.edges = append(acc.edges, GraphEdge{
		ID:         r.ElementId,
		Type:       predicate,
		Source:     r.StartElementId,
		Target:     r.EndElementId,
		Properties: cleanedProps(r.Props, acc.p.IncludeProperties, "predicate"),
	})
}

func (acc *subgraphAccumulator) result() QueryResult {
	res := QueryResult{
		Nodes:     acc.nodes,
		Edges:     acc.edges,
		Truncated: acc.truncated,
	}
	if res.Nodes == nil {
		res.Nodes = []GraphNode{}
	}
	if res.Edges == nil {
		res.Edges = []GraphEdge{}
	}
	return res
}

func nodeTypes(n dbtype.Node) []string {
	if label := stringProp(n.Props, "entity_label"); label != "" {
		return []string{label}
	}
	return n.Labels
}

// cleanedProps strips internal bookkeeping (kg_version, embeddings) and the
// fields already surfaced at the top level.
func cleanedProps(props map[string]any, include bool, surfaced ...string) map[string]any {
	if !include {
		return nil
	}
	out := make(map[string]any, len(props))
	for k, v := range props {
		if k == "kg_version" || k == "embeddings" {
			continue
		}
		skip := false
		for _, s := range surfaced {
			if k == s {
				skip = true
				break
			}
		}
		if skip {
			continue
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func emptyNotNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
