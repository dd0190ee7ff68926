// Package extract turns source text into a knowledge graph through an
// OpenAI-compatible LLM: a first pass distills each chunk into atomic
// facts, a second pass assembles entities and relationships from fact
// batches, and an embeddings pass resolves new entities against the base
// graph.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nmxmxh/kgraph/internal/kg"
)

// Extractor produces a complete graph from text chunks. With a non-nil base
// the result contains the base graph plus everything newly extracted, with
// new entities resolved onto base entities where they match.
type Extractor interface {
	Build(ctx context.Context, chunks []string, base *kg.Graph, obs time.Time) (*kg.Graph, error)
}

const factsSystemPrompt = `You extract atomic facts from text.
An atomic fact is one minimal, self-contained statement: single subject, single predicate, single object.
Resolve relative time expressions (such as "last year" or "next month") against the observation_date into absolute dates.
Keep proper nouns exactly as written in the source text.
Respond with JSON only: {"atomic_facts": ["...", "..."]}`

const graphSystemPrompt = `You build a knowledge graph from atomic facts.
Extract entities as {"entity_label": "...", "name": "..."} where entity_label is a short type tag such as Person, Company or Event, and name is exactly as written in the facts.
Extract relationships as {"start_label", "start_name", "end_label", "end_name", "predicate", "source_facts", "t_start", "t_end"} where predicate is a short verb phrase in snake_case, source_facts lists the facts the relationship came from, and t_start/t_end are absolute dates when the facts state them (otherwise omit).
Reuse the known entities verbatim when the facts refer to them.
Respond with JSON only: {"entities": [...], "relationships": [...]}`

type factsPayload struct {
	AtomicFacts []string `json:"atomic_facts"`
}

type graphPayload struct {
	Entities []struct {
		EntityLabel string `json:"entity_label"`
		Name        string `json:"name"`
	} `json:"entities"`
	Relationships []struct {
		StartLabel  string   `json:"start_label"`
		StartName   string   `json:"start_name"`
		EndLabel    string   `json:"end_label"`
		EndName     string   `json:"end_name"`
		Predicate   string   `json:"predicate"`
		SourceFacts []string `json:"source_facts"`
		TStart      string   `json:"t_start"`
		TEnd        string   `json:"t_end"`
	} `json:"relationships"`
}

func factsUserPrompt(obs time.Time, chunk string) string {
	return fmt.Sprintf("observation_date: %s\n\nparagraph:\n%s", obs.Format(time.RFC3339), strings.TrimSpace(chunk))
}

func graphUserPrompt(obs time.Time, knownEntities []string, facts []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "observation_date: %s\n", obs.Format(time.RFC3339))
	if len(knownEntities) > 0 {
		b.WriteString("\nknown entities:\n")
		for _, e := range knownEntities {
			b.WriteString("- ")
			b.WriteString(e)
			b.WriteString("\n")
		}
	}
	b.WriteString("\natomic facts:\n")
	for _, f := range facts {
		b.WriteString("- ")
		b.WriteString(f)
		b.WriteString("\n")
	}
	return b.String()
}

// decodeJSONBlock unmarshals model output that may be wrapped in markdown
// code fences or surrounded by prose.
func decodeJSONBlock(content string, out any) error {
	s := strings.TrimSpace(content)
	if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+3:]
		s = strings.TrimPrefix(s, "json")
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
	}
	s = strings.TrimSpace(s)
	if start := strings.IndexAny(s, "{["); start > 0 {
		s = s[start:]
	}
	if err := json.Unmarshal([]byte(s), out); err != nil {
		return fmt.Errorf("parse model output: %w", err)
	}
	return nil
}

func parseGraphPayload(content string, obs time.Time) (*kg.Graph, error) {
	var payload graphPayload
	if err := decodeJSONBlock(content, &payload); err != nil {
		return nil, err
	}

	graph := &kg.Graph{}
	index := make(map[string]kg.Entity)
	addEntity := func(label, name string) (kg.Entity, bool) {
		label, name = strings.TrimSpace(label), strings.TrimSpace(name)
		if name == "" {
			return kg.Entity{}, false
		}
		if label == "" {
			label = "unknown"
		}
		e := kg.Entity{Label: label, Name: name}
		if existing, ok := index[e.Key()]; ok {
			return existing, true
		}
		index[e.Key()] = e
		graph.Entities = append(graph.Entities, e)
		return e, true
	}

	for _, e := range payload.Entities {
		addEntity(e.EntityLabel, e.Name)
	}
	obsStamp := obs.Format(time.RFC3339)
	for _, r := range payload.Relationships {
		start, okS := addEntity(r.StartLabel, r.StartName)
		end, okE := addEntity(r.EndLabel, r.EndName)
		if !okS || !okE {
			continue
		}
		rel := kg.Relationship{
			Start: start,
			End:   end,
			Name:  strings.TrimSpace(r.Predicate),
			Properties: kg.RelationshipProps{
				AtomicFacts: r.SourceFacts,
				TObs:        []string{obsStamp},
			},
		}
		if r.TStart != "" {
			rel.Properties.TStart = []string{r.TStart}
		}
		if r.TEnd != "" {
			rel.Properties.TEnd = []string{r.TEnd}
		}
		graph.Relationships = append(graph.Relationships, rel)
	}
	return graph, nil
}
