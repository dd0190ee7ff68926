package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nmxmxh/kgraph/internal/config"
	"github.com/nmxmxh/kgraph/internal/kg"
)

func TestDecodeJSONBlock(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    []string
		wantErr bool
	}{
		{
			name:    "plain json",
			content: `{"atomic_facts": ["a", "b"]}`,
			want:    []string{"a", "b"},
		},
		{
			name:    "fenced json",
			content: "```json\n{\"atomic_facts\": [\"a\"]}\n```",
			want:    []string{"a"},
		},
		{
			name:    "fenced without language tag",
			content: "```\n{\"atomic_facts\": []}\n```",
			want:    []string{},
		},
		{
			name:    "leading prose",
			content: `Here is the result: {"atomic_facts": ["x"]}`,
			want:    []string{"x"},
		},
		{
			name:    "not json",
			content: "I could not extract anything.",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var payload factsPayload
			err := decodeJSONBlock(tt.content, &payload)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			if len(tt.want) == 0 {
				assert.Empty(t, payload.AtomicFacts)
			} else {
				assert.Equal(t, tt.want, payload.AtomicFacts)
			}
		})
	}
}

func TestParseGraphPayload(t *testing.T) {
	obs := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	content := `{
		"entities": [
			{"entity_label": "Person", "name": "Ada Lovelace"},
			{"entity_label": "Person", "name": "Ada Lovelace"},
			{"entity_label": "", "name": "Analytical Engine"}
		],
		"relationships": [
			{
				"start_label": "Person", "start_name": "Ada Lovelace",
				"end_label": "unknown", "end_name": "Analytical Engine",
				"predicate": "wrote_program_for",
				"source_facts": ["Ada Lovelace wrote a program for the Analytical Engine."],
				"t_start": "1843-01-01"
			},
			{"start_label": "Person", "start_name": "", "end_label": "Person", "end_name": "x", "predicate": "broken"}
		]
	}`
	graph, err := parseGraphPayload(content, obs)
	require.NoError(t, err)

	assert.Len(t, graph.Entities, 2)
	assert.Equal(t, "unknown", graph.Entities[1].Label)

	require.Len(t, graph.Relationships, 1)
	rel := graph.Relationships[0]
	assert.Equal(t, "wrote_program_for", rel.Name)
	assert.Equal(t, []string{"1843-01-01"}, rel.Properties.TStart)
	assert.Equal(t, []string{obs.Format(time.RFC3339)}, rel.Properties.TObs)
	assert.NotEmpty(t, rel.Properties.AtomicFacts)
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, cosine([]float64{1, 0}, []float64{2, 0}), 1e-9)
	assert.InDelta(t, 0.0, cosine([]float64{1, 0}, []float64{0, 1}), 1e-9)
	assert.Equal(t, 0.0, cosine([]float64{1}, []float64{1, 2}))
	assert.Equal(t, 0.0, cosine(nil, nil))
}

func TestResolveAgainstBase(t *testing.T) {
	cfg := config.ExtractConfig{
		EntThreshold:      0.8,
		EntityNameWeight:  0.8,
		EntityLabelWeight: 0.2,
	}
	baseEnt := kg.Entity{Label: "Person", Name: "Ada Lovelace", Properties: kg.EntityProps{Embeddings: []float64{1, 0}}}
	base := &kg.Graph{Entities: []kg.Entity{
		baseEnt,
		{Label: "Machine", Name: "Analytical Engine", Properties: kg.EntityProps{Embeddings: []float64{0, 1}}},
	}}

	// Near-identical embedding and the same label clears the threshold;
	// the orthogonal one does not.
	alias := kg.Entity{Label: "Person", Name: "A. Lovelace", Properties: kg.EntityProps{Embeddings: []float64{0.99, 0.01}}}
	stranger := kg.Entity{Label: "Person", Name: "Charles Babbage", Properties: kg.EntityProps{Embeddings: []float64{0, 1}}}
	g := &kg.Graph{
		Entities: []kg.Entity{alias, stranger},
		Relationships: []kg.Relationship{
			{Start: alias, End: stranger, Name: "corresponded_with"},
		},
	}

	resolveAgainstBase(g, base, cfg)

	names := make([]string, 0, len(g.Entities))
	for _, e := range g.Entities {
		names = append(names, e.Name)
	}
	assert.Contains(t, names, "Ada Lovelace")
	assert.NotContains(t, names, "A. Lovelace")
	assert.Contains(t, names, "Charles Babbage")

	require.Len(t, g.Relationships, 1)
	assert.Equal(t, "Ada Lovelace", g.Relationships[0].Start.Name)
	assert.Equal(t, "Charles Babbage", g.Relationships[0].End.Name)
}

func TestResolveExactKeyAlwaysWins(t *testing.T) {
	cfg := config.ExtractConfig{EntThreshold: 0.99, EntityNameWeight: 0.8, EntityLabelWeight: 0.2}
	base := &kg.Graph{Entities: []kg.Entity{
		{Label: "Person", Name: "Ada Lovelace", Properties: kg.EntityProps{Embeddings: []float64{1, 0}}},
	}}
	g := &kg.Graph{Entities: []kg.Entity{{Label: "Person", Name: "Ada Lovelace"}}}

	resolveAgainstBase(g, base, cfg)
	require.Len(t, g.Entities, 1)
	assert.Equal(t, []float64{1, 0}, g.Entities[0].Properties.Embeddings)
}

// fakeUpstream serves both chat completions and embeddings.
func fakeUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/chat/completions":
			var req chatRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			system := req.Messages[0].Content

			var content string
			if strings.Contains(system, "atomic facts from text") {
				content = `{"atomic_facts": ["Ada Lovelace wrote a program for the Analytical Engine."]}`
			} else {
				content = `{
					"entities": [
						{"entity_label": "Person", "name": "Ada Lovelace"},
						{"entity_label": "Machine", "name": "Analytical Engine"}
					],
					"relationships": [{
						"start_label": "Person", "start_name": "Ada Lovelace",
						"end_label": "Machine", "end_name": "Analytical Engine",
						"predicate": "wrote_program_for",
						"source_facts": ["Ada Lovelace wrote a program for the Analytical Engine."]
					}]
				}`
			}
			resp := chatResponse{Usage: usage{TotalTokens: 42}}
			resp.Choices = append(resp.Choices, struct {
				Message chatMessage `json:"message"`
			}{Message: chatMessage{Role: "assistant", Content: content}})
			require.NoError(t, json.NewEncoder(w).Encode(resp))
		case "/embeddings":
			var req embedRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			resp := embedResponse{Usage: usage{TotalTokens: len(req.Input)}}
			for i := range req.Input {
				resp.Data = append(resp.Data, struct {
					Index     int       `json:"index"`
					Embedding []float64 `json:"embedding"`
				}{Index: i, Embedding: []float64{1, float64(i)}})
			}
			require.NoError(t, json.NewEncoder(w).Encode(resp))
		default:
			http.NotFound(w, r)
		}
	}))
}

func testConfig(baseURL string) *config.Config {
	cfg, err := config.Parse([]byte(fmt.Sprintf(`
neo4j:
  uri: bolt://localhost:7687
  username: neo4j
  password: test
hooks:
  module: static
llm:
  api_base_url: %s
  model: test-model
embeddings:
  api_base_url: %s
  model: test-embed
`, baseURL, baseURL)))
	if err != nil {
		panic(err)
	}
	return cfg
}

func TestLLMExtractorBuild(t *testing.T) {
	srv := fakeUpstream(t)
	defer srv.Close()

	x := NewLLMExtractor(testConfig(srv.URL), zap.NewNop())
	graph, err := x.Build(context.Background(), []string{"Ada Lovelace wrote the first program."}, nil, time.Now().UTC())
	require.NoError(t, err)

	assert.Len(t, graph.Entities, 2)
	require.Len(t, graph.Relationships, 1)
	assert.Equal(t, "wrote_program_for", graph.Relationships[0].Name)
	for _, e := range graph.Entities {
		assert.NotEmpty(t, e.Properties.Embeddings, "entity %s should carry embeddings", e.Name)
	}
}

func TestLLMExtractorBuildMergesBase(t *testing.T) {
	srv := fakeUpstream(t)
	defer srv.Close()

	base := &kg.Graph{Entities: []kg.Entity{
		{Label: "Person", Name: "Charles Babbage", Properties: kg.EntityProps{Embeddings: []float64{0, 1}}},
	}}

	x := NewLLMExtractor(testConfig(srv.URL), zap.NewNop())
	graph, err := x.Build(context.Background(), []string{"some new text"}, base, time.Now().UTC())
	require.NoError(t, err)

	names := make([]string, 0, len(graph.Entities))
	for _, e := range graph.Entities {
		names = append(names, e.Name)
	}
	assert.Contains(t, names, "Charles Babbage")
	assert.Contains(t, names, "Ada Lovelace")
}

func TestLLMExtractorEmptyFactsFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := chatResponse{}
		resp.Choices = append(resp.Choices, struct {
			Message chatMessage `json:"message"`
		}{Message: chatMessage{Content: `{"atomic_facts": []}`}})
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	x := NewLLMExtractor(testConfig(srv.URL), zap.NewNop())
	_, err := x.Build(context.Background(), []string{"text"}, nil, time.Now().UTC())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no atomic facts")
}

func TestChatClientSurfacesStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	c := NewChatClient(cfg.LLM, zap.NewNop())
	_, _, err := c.Complete(context.Background(), "sys", "user")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream exploded")
}

func TestTokenEstimate(t *testing.T) {
	assert.Equal(t, 1, tokenEstimate("", 0))
	assert.Equal(t, 110, tokenEstimate(strings.Repeat("x", 40), 100))
}
