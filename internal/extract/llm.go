package extract

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nmxmxh/kgraph/internal/config"
	"github.com/nmxmxh/kgraph/internal/kg"
	"github.com/nmxmxh/kgraph/pkg/throttle"
)

const (
	embedBatchSize   = 64
	maxKnownEntities = 200
)

// LLMExtractor implements Extractor over the chat and embeddings upstreams.
// Every wire call goes through a rate limiter; chunk and batch fan-out is
// otherwise unordered.
type LLMExtractor struct {
	chat       *ChatClient
	embed      *EmbedClient
	llmLimiter *throttle.Limiter
	embLimiter *throttle.Limiter
	cfg        config.ExtractConfig
	fanout     int
	log        *zap.Logger
}

// NewLLMExtractor wires clients and limiters from config.
func NewLLMExtractor(cfg *config.Config, log *zap.Logger) *LLMExtractor {
	fanout := cfg.LLM.Concurrency.MaxInFlight
	if fanout <= 0 {
		fanout = 8
	}
	return &LLMExtractor{
		chat:       NewChatClient(cfg.LLM, log),
		embed:      NewEmbedClient(cfg.Embed, log),
		llmLimiter: throttle.NewLimiter("llm", policyFrom(cfg.LLM.UpstreamConfig), log),
		embLimiter: throttle.NewLimiter("embeddings", policyFrom(cfg.Embed), log),
		cfg:        cfg.Extract,
		fanout:     fanout,
		log:        log.With(zap.String("component", "extractor")),
	}
}

func policyFrom(u config.UpstreamConfig) throttle.Policy {
	return throttle.Policy{
		MaxInFlight:       u.Concurrency.MaxInFlight,
		RPM:               u.RateLimit.RPM,
		TPM:               u.RateLimit.TPM,
		MaxRetries:        u.Retry.MaxRetries,
		InitialBackoff:    time.Duration(u.Retry.InitialBackoffS * float64(time.Second)),
		MaxBackoff:        time.Duration(u.Retry.MaxBackoffS * float64(time.Second)),
		BackoffMultiplier: u.Retry.BackoffMultiplier,
	}
}

// Build runs the full extraction: facts per chunk, graph per fact batch,
// embeddings, then resolution and merge against the base graph.
func (x *LLMExtractor) Build(ctx context.Context, chunks []string, base *kg.Graph, obs time.Time) (*kg.Graph, error) {
	facts, err := x.atomicFacts(ctx, chunks, obs)
	if err != nil {
		return nil, err
	}
	if len(facts) == 0 {
		return nil, fmt.Errorf("no atomic facts extracted from %d chunks", len(chunks))
	}
	x.log.Info("extracted atomic facts", zap.Int("chunks", len(chunks)), zap.Int("facts", len(facts)))

	fresh, err := x.graphFromFacts(ctx, facts, base, obs)
	if err != nil {
		return nil, err
	}
	if fresh.Empty() {
		return nil, fmt.Errorf("no entities extracted from %d facts", len(facts))
	}

	if err := x.embedEntities(ctx, fresh); err != nil {
		return nil, err
	}

	if base == nil || base.Empty() {
		return fresh, nil
	}
	resolveAgainstBase(fresh, base, x.cfg)
	merged := cloneGraph(base)
	merged.Merge(fresh)
	return merged, nil
}

func (x *LLMExtractor) atomicFacts(ctx context.Context, chunks []string, obs time.Time) ([]string, error) {
	prompts := make([]string, 0, len(chunks))
	for _, c := range chunks {
		if strings.TrimSpace(c) == "" {
			continue
		}
		prompts = append(prompts, factsUserPrompt(obs, c))
	}

	results := make([][]string, len(prompts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(x.fanout)
	for i, prompt := range prompts {
		g.Go(func() error {
			return x.llmLimiter.Do(gctx, tokenEstimate(prompt, x.chat.maxTokens), func(ctx context.Context) (int, error) {
				content, used, err := x.chat.Complete(ctx, factsSystemPrompt, prompt)
				if err != nil {
					return used, err
				}
				var payload factsPayload
				if err := decodeJSONBlock(content, &payload); err != nil {
					return used, err
				}
				results[i] = payload.AtomicFacts
				return used, nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("extract atomic facts: %w", err)
	}

	var facts []string
	seen := make(map[string]struct{})
	for _, batch := range results {
		for _, f := range batch {
			if f == "" {
				continue
			}
			if _, dup := seen[f]; dup {
				continue
			}
			seen[f] = struct{}{}
			facts = append(facts, f)
		}
	}
	return facts, nil
}

func (x *LLMExtractor) graphFromFacts(ctx context.Context, facts []string, base *kg.Graph, obs time.Time) (*kg.Graph, error) {
	known := knownEntityLines(base)
	batchSize := x.cfg.FactsPerRequest
	if batchSize <= 0 {
		batchSize = 20
	}

	var batches [][]string
	for i := 0; i < len(facts); i += batchSize {
		batches = append(batches, facts[i:min(i+batchSize, len(facts))])
	}

	parts := make([]*kg.Graph, len(batches))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(x.fanout)
	for i, batch := range batches {
		prompt := graphUserPrompt(obs, known, batch)
		g.Go(func() error {
			return x.llmLimiter.Do(gctx, tokenEstimate(prompt, x.chat.maxTokens), func(ctx context.Context) (int, error) {
				content, used, err := x.chat.Complete(ctx, graphSystemPrompt, prompt)
				if err != nil {
					return used, err
				}
				part, err := parseGraphPayload(content, obs)
				if err != nil {
					return used, err
				}
				parts[i] = part
				return used, nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("build graph from facts: %w", err)
	}

	graph := &kg.Graph{}
	for _, part := range parts {
		graph.Merge(part)
	}
	return graph, nil
}

// embedEntities fills entity name embeddings in place, batched through the
// embeddings limiter.
func (x *LLMExtractor) embedEntities(ctx context.Context, graph *kg.Graph) error {
	for start := 0; start < len(graph.Entities); start += embedBatchSize {
		end := min(start+embedBatchSize, len(graph.Entities))
		names := make([]string, 0, end-start)
		est := 0
		for _, e := range graph.Entities[start:end] {
			names = append(names, e.Name)
			est += len(e.Name)/4 + 1
		}

		err := x.embLimiter.Do(ctx, est, func(ctx context.Context) (int, error) {
			vectors, used, err := x.embed.Embed(ctx, names)
			if err != nil {
				return used, err
			}
			for i := range vectors {
				graph.Entities[start+i].Properties.Embeddings = vectors[i]
			}
			return used, nil
		})
		if err != nil {
			return fmt.Errorf("embed entity names: %w", err)
		}
	}
	return nil
}

func knownEntityLines(base *kg.Graph) []string {
	if base == nil {
		return nil
	}
	lines := make([]string, 0, min(len(base.Entities), maxKnownEntities))
	for _, e := range base.Entities {
		if len(lines) >= maxKnownEntities {
			break
		}
		lines = append(lines, e.Label+": "+e.Name)
	}
	return lines
}

// resolveAgainstBase rewrites extracted entities onto matching base
// entities. Exact (label, name) hits always resolve; otherwise the best
// embedding match wins when the weighted name/label score clears the
// threshold. Relationship endpoints follow their entities.
func resolveAgainstBase(g *kg.Graph, base *kg.Graph, cfg config.ExtractConfig) {
	baseByKey := make(map[string]kg.Entity, len(base.Entities))
	for _, e := range base.Entities {
		baseByKey[e.Key()] = e
	}

	mapping := make(map[string]kg.Entity)
	for _, e := range g.Entities {
		if match, ok := baseByKey[e.Key()]; ok {
			mapping[e.Key()] = match
			continue
		}
		if len(e.Properties.Embeddings) == 0 {
			continue
		}
		var best kg.Entity
		bestScore := 0.0
		for _, b := range base.Entities {
			if len(b.Properties.Embeddings) == 0 {
				continue
			}
			score := cfg.EntityNameWeight * cosine(e.Properties.Embeddings, b.Properties.Embeddings)
			if e.Label == b.Label {
				score += cfg.EntityLabelWeight
			}
			if score > bestScore {
				bestScore, best = score, b
			}
		}
		if bestScore >= cfg.EntThreshold {
			mapping[e.Key()] = best
		}
	}
	if len(mapping) == 0 {
		return
	}

	resolved := &kg.Graph{}
	seen := make(map[string]struct{})
	for _, e := range g.Entities {
		if match, ok := mapping[e.Key()]; ok {
			e = match
		}
		if _, dup := seen[e.Key()]; dup {
			continue
		}
		seen[e.Key()] = struct{}{}
		resolved.Entities = append(resolved.Entities, e)
	}
	for _, r := range g.Relationships {
		if match, ok := mapping[r.Start.Key()]; ok {
			r.Start = match
		}
		if match, ok := mapping[r.End.Key()]; ok {
			r.End = match
		}
		resolved.Relationships = append(resolved.Relationships, r)
	}
	*g = *resolved
}

func cloneGraph(g *kg.Graph) *kg.Graph {
	out := &kg.Graph{
		Entities:      make([]kg.Entity, len(g.Entities)),
		Relationships: make([]kg.Relationship, len(g.Relationships)),
	}
	copy(out.Entities, g.Entities)
	copy(out.Relationships, g.Relationships)
	return out
}

func cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
