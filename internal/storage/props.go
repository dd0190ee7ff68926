package storage

import (
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"
)

// Property-bag and record accessors. The driver hands back any-typed values;
// these keep the type switches in one place.

func stringSliceProp(props map[string]any, key string) []string {
	raw, ok := props[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func floatSliceProp(props map[string]any, key string) []float64 {
	raw, ok := props[key].([]any)
	if !ok {
		return nil
	}
	out := make([]float64, 0, len(raw))
	for _, v := range raw {
		switch n := v.(type) {
		case float64:
			out = append(out, n)
		case int64:
			out = append(out, float64(n))
		}
	}
	return out
}

func mapValue(rec *neo4j.Record, key string) map[string]any {
	v, ok := rec.Get(key)
	if !ok {
		return nil
	}
	m, _ := v.(map[string]any)
	return m
}

func relValue(rec *neo4j.Record, key string) (dbtype.Relationship, bool) {
	v, ok := rec.Get(key)
	if !ok || v == nil {
		return dbtype.Relationship{}, false
	}
	r, ok := v.(dbtype.Relationship)
	return r, ok
}

func intColumn(rec *neo4j.Record, key string) int {
	v, ok := rec.Get(key)
	if !ok {
		return 0
	}
	n, _ := v.(int64)
	return int(n)
}
