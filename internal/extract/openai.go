package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	cb "github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/nmxmxh/kgraph/internal/config"
	"github.com/nmxmxh/kgraph/pkg/throttle"
)

// ChatClient speaks the OpenAI-compatible chat completions API. A circuit
// breaker sits in front of the wire call so a dead upstream fails fast
// instead of burning the whole retry budget per request.
type ChatClient struct {
	httpClient        *http.Client
	baseURL           string
	apiKey            string
	model             string
	maxTokens         int
	temperature       float64
	repetitionPenalty float64
	breaker           *cb.CircuitBreaker
	log               *zap.Logger
}

// NewChatClient builds a chat client from the llm config section.
func NewChatClient(cfg config.LLMConfig, log *zap.Logger) *ChatClient {
	return &ChatClient{
		httpClient:        &http.Client{Timeout: 120 * time.Second},
		baseURL:           strings.TrimRight(cfg.APIBaseURL, "/"),
		apiKey:            cfg.APIKey,
		model:             cfg.Model,
		maxTokens:         cfg.MaxTokens,
		temperature:       cfg.Temperature,
		repetitionPenalty: cfg.RepetitionPenalty,
		breaker:           newBreaker("llm", log),
		log:               log.With(zap.String("upstream", "llm")),
	}
}

// EmbedClient speaks the OpenAI-compatible embeddings API.
type EmbedClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
	breaker    *cb.CircuitBreaker
	log        *zap.Logger
}

// NewEmbedClient builds an embeddings client from the embeddings config
// section.
func NewEmbedClient(cfg config.UpstreamConfig, log *zap.Logger) *EmbedClient {
	return &EmbedClient{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		baseURL:    strings.TrimRight(cfg.APIBaseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		breaker:    newBreaker("embeddings", log),
		log:        log.With(zap.String("upstream", "embeddings")),
	}
}

func newBreaker(name string, log *zap.Logger) *cb.CircuitBreaker {
	return cb.NewCircuitBreaker(cb.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts cb.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to cb.State) {
			log.Warn("circuit breaker state change",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model             string        `json:"model"`
	Messages          []chatMessage `json:"messages"`
	Temperature       float64       `json:"temperature"`
	MaxTokens         int           `json:"max_tokens,omitempty"`
	RepetitionPenalty float64       `json:"repetition_penalty,omitempty"`
}

type usage struct {
	TotalTokens int `json:"total_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage usage `json:"usage"`
}

// Complete sends one system+user exchange and returns the assistant content
// plus the total tokens the upstream reports (0 when unreported).
func (c *ChatClient) Complete(ctx context.Context, system, user string) (string, int, error) {
	req := chatRequest{
		Model:             c.model,
		Temperature:       c.temperature,
		MaxTokens:         c.maxTokens,
		RepetitionPenalty: c.repetitionPenalty,
	}
	if system != "" {
		req.Messages = append(req.Messages, chatMessage{Role: "system", Content: system})
	}
	req.Messages = append(req.Messages, chatMessage{Role: "user", Content: user})

	var resp chatResponse
	err := postJSON(ctx, c.httpClient, c.breaker, c.baseURL+"/chat/completions", c.apiKey, req, &resp)
	if err != nil {
		return "", 0, err
	}
	if len(resp.Choices) == 0 {
		return "", resp.Usage.TotalTokens, fmt.Errorf("chat completion returned no choices")
	}
	return resp.Choices[0].Message.Content, resp.Usage.TotalTokens, nil
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
	Usage usage `json:"usage"`
}

// Embed returns one vector per input, in input order.
func (c *EmbedClient) Embed(ctx context.Context, texts []string) ([][]float64, int, error) {
	if len(texts) == 0 {
		return nil, 0, nil
	}
	var resp embedResponse
	err := postJSON(ctx, c.httpClient, c.breaker, c.baseURL+"/embeddings", c.apiKey, embedRequest{Model: c.model, Input: texts}, &resp)
	if err != nil {
		return nil, 0, err
	}
	out := make([][]float64, len(texts))
	for _, d := range resp.Data {
		if d.Index >= 0 && d.Index < len(out) {
			out[d.Index] = d.Embedding
		}
	}
	return out, resp.Usage.TotalTokens, nil
}

func postJSON(ctx context.Context, client *http.Client, breaker *cb.CircuitBreaker, url, apiKey string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	raw, err := breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+apiKey)
		}

		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			return nil, &throttle.StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
		}
		return data, nil
	})
	if err != nil {
		return err
	}

	data, _ := raw.([]byte)
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// tokenEstimate approximates the token cost of a prompt for TPM accounting:
// four characters per token plus the completion budget.
func tokenEstimate(prompt string, maxTokens int) int {
	est := len(prompt)/4 + maxTokens
	if est < 1 {
		est = 1
	}
	return est
}
