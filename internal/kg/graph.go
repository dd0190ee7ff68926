package kg

import (
	"fmt"
	"strings"
)

// Entity is a node in the knowledge graph. Identity within a version is the
// (Label, Name) pair; everything else lives in Properties.
type Entity struct {
	Label      string         `json:"label"`
	Name       string         `json:"name"`
	Properties EntityProps    `json:"properties"`
	Extra      map[string]any `json:"extra,omitempty"`
}

// EntityProps carries the typed property bag written to the graph store.
type EntityProps struct {
	Embeddings []float64 `json:"embeddings,omitempty"`
}

// Key returns the identity key of the entity within one graph version.
func (e Entity) Key() string {
	return e.Label + ":" + e.Name
}

// Relationship is a directed edge between two entities. Identity within a
// version is (start key, end key, Name).
type Relationship struct {
	Start      Entity           `json:"start"`
	End        Entity           `json:"end"`
	Name       string           `json:"name"`
	Properties RelationshipProps `json:"properties"`
}

// RelationshipProps is the edge property bag.
type RelationshipProps struct {
	AtomicFacts []string  `json:"atomic_facts,omitempty"`
	TObs        []string  `json:"t_obs,omitempty"`
	TStart      []string  `json:"t_start,omitempty"`
	TEnd        []string  `json:"t_end,omitempty"`
	Embeddings  []float64 `json:"embeddings,omitempty"`
}

// FallbackPredicate names edges whose predicate came back empty from
// extraction or storage.
const FallbackPredicate = "related_to"

// Predicate returns the relationship name, falling back for empty names.
func (r Relationship) Predicate() string {
	if strings.TrimSpace(r.Name) == "" {
		return FallbackPredicate
	}
	return r.Name
}

// Key returns the identity key of the edge within one graph version.
func (r Relationship) Key() string {
	return fmt.Sprintf("%s->%s->%s", r.Start.Key(), r.Predicate(), r.End.Key())
}

// Graph is one complete build of the knowledge graph. A Graph never spans
// versions; the version tag is applied by the store at write time.
type Graph struct {
	Entities      []Entity       `json:"entities"`
	Relationships []Relationship `json:"relationships"`
}

// Empty reports whether the graph holds no entities and no relationships.
func (g *Graph) Empty() bool {
	return g == nil || (len(g.Entities) == 0 && len(g.Relationships) == 0)
}

// Merge folds other into g, deduplicating entities by key and relationships
// by edge key. Later duplicates win for properties.
func (g *Graph) Merge(other *Graph) {
	if other == nil {
		return
	}
	seenEnt := make(map[string]int, len(g.Entities))
	for i, e := range g.Entities {
		seenEnt[e.Key()] = i
	}
	for _, e := range other.Entities {
		if i, ok := seenEnt[e.Key()]; ok {
			g.Entities[i] = e
			continue
		}
		seenEnt[e.Key()] = len(g.Entities)
		g.Entities = append(g.Entities, e)
	}

	seenRel := make(map[string]int, len(g.Relationships))
	for i, r := range g.Relationships {
		seenRel[r.Key()] = i
	}
	for _, r := range other.Relationships {
		if i, ok := seenRel[r.Key()]; ok {
			g.Relationships[i] = r
			continue
		}
		seenRel[r.Key()] = len(g.Relationships)
		g.Relationships = append(g.Relationships, r)
	}
}
