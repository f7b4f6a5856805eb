package llmextract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"log/slog"

	"github.com/jackronrau/anycrawl/internal/llm"
	"github.com/jackronrau/anycrawl/internal/models"
)

// ChatClient is the transport the agent calls per chunk.
type ChatClient interface {
	Chat(ctx context.Context, model *llm.ModelConfig, system, user string, opts llm.CallOptions) (*llm.CallResult, error)
}

// TokenUsage accumulates token counts across chunk calls.
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
	Total  int `json:"total"`
}

// CallRecord logs one model call for cost accounting.
type CallRecord struct {
	Type         string  `json:"type"`
	Model        string  `json:"model"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	Metadata     string  `json:"metadata,omitempty"`
}

// Result is the output of one extraction.
type Result struct {
	Data    any          `json:"data"`
	Tokens  TokenUsage   `json:"tokens"`
	Chunks  int          `json:"chunks"`
	CostUSD float64      `json:"cost"`
	Calls   []CallRecord `json:"-"`
}

// Agent extracts structured data with one model. It is stateless across
// jobs; the extractor caches one instance per model id.
type Agent struct {
	model  *llm.ModelConfig
	client ChatClient
	tok    *Tokenizer
	logger *slog.Logger
}

// NewAgent builds an agent for model.
func NewAgent(model *llm.ModelConfig, client ChatClient, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		model:  model,
		client: client,
		tok:    NewTokenizer(model.ID),
		logger: logger,
	}
}

// Extract runs schema-constrained extraction over content. Content larger
// than the input budget is chunked at line boundaries and the per-chunk
// results merged.
func (a *Agent) Extract(ctx context.Context, content string, opts *models.JSONOptions) (*Result, error) {
	schema := opts.Schema
	if schema == nil {
		schema = map[string]any{}
	}
	normalized, wrapped := NormalizeSchema(schema)
	system := a.buildSystemPrompt(normalized, opts)

	maxInput := a.model.MaxInputTokens
	if maxInput <= 0 {
		maxInput = 16384
	}
	budget := maxInput*8/10 - a.tok.Count(system)
	if budget < 1 {
		budget = 1
	}
	overlap := maxInput / 10
	if overlap > 200 {
		overlap = 200
	}

	var chunks []string
	if a.tok.Count(content) <= budget {
		chunks = []string{content}
	} else {
		chunks = ChunkByLines(content, budget, overlap, a.tok)
	}

	res := &Result{Chunks: len(chunks)}
	var merged any
	for i, chunk := range chunks {
		if err := a.checkCostLimit(opts, res, system, chunk); err != nil {
			return nil, err
		}
		call, err := a.client.Chat(ctx, a.model, system, chunk, llm.CallOptions{
			JSONMode:  true,
			MaxTokens: a.model.MaxOutputTokens,
		})
		if err != nil {
			return nil, fmt.Errorf("chunk %d/%d: %w", i+1, len(chunks), err)
		}

		cost := a.model.CostUSD(call.InputTokens, call.OutputTokens)
		res.Tokens.Input += call.InputTokens
		res.Tokens.Output += call.OutputTokens
		res.Tokens.Total += call.InputTokens + call.OutputTokens
		res.CostUSD += cost
		res.Calls = append(res.Calls, CallRecord{
			Type:         "extract",
			Model:        a.model.ID,
			InputTokens:  call.InputTokens,
			OutputTokens: call.OutputTokens,
			CostUSD:      cost,
			Metadata:     fmt.Sprintf("chunk %d/%d", i+1, len(chunks)),
		})

		data, err := parseJSONContent(call.Content)
		if err != nil {
			return nil, fmt.Errorf("chunk %d/%d: %w", i+1, len(chunks), err)
		}
		if merged == nil {
			merged = data
		} else {
			merged = mergeValues(merged, data)
		}
	}

	if wrapped {
		if obj, ok := merged.(map[string]any); ok {
			merged = obj["items"]
		}
	}
	res.Data = merged
	return res, nil
}

// checkCostLimit rejects a call whose projected cost would push the job
// past its limit. Output is projected at the model's output ceiling.
func (a *Agent) checkCostLimit(opts *models.JSONOptions, res *Result, system, chunk string) error {
	if opts.CostLimitUSD <= 0 {
		return nil
	}
	next := a.model.CostUSD(a.tok.Count(system)+a.tok.Count(chunk), a.model.MaxOutputTokens)
	if res.CostUSD+next > opts.CostLimitUSD {
		return &models.CostLimitError{
			LimitUSD:   opts.CostLimitUSD,
			CurrentUSD: res.CostUSD,
			NextUSD:    next,
		}
	}
	return nil
}

func (a *Agent) buildSystemPrompt(schema map[string]any, opts *models.JSONOptions) string {
	var b strings.Builder
	b.WriteString("You are a data extraction engine. Extract the requested fields ")
	b.WriteString("from the provided page content and respond with a single JSON object. ")
	b.WriteString("Use null for fields that are not present. Do not invent values.\n\n")

	if opts.SchemaName != "" {
		b.WriteString("Schema: ")
		b.WriteString(opts.SchemaName)
		b.WriteString("\n")
	}
	if opts.SchemaDesc != "" {
		b.WriteString(opts.SchemaDesc)
		b.WriteString("\n")
	}
	if fields := BuildFieldPrompt(schema); fields != "" {
		b.WriteString("\nFields:\n")
		b.WriteString(fields)
	}
	if opts.UserPrompt != "" {
		b.WriteString("\nAdditional instructions: ")
		b.WriteString(opts.UserPrompt)
		b.WriteString("\n")
	}
	return b.String()
}

// parseJSONContent tolerates markdown fences around the model's JSON.
func parseJSONContent(content string) (any, error) {
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
		trimmed = strings.TrimSpace(trimmed)
	}
	var data any
	if err := json.Unmarshal([]byte(trimmed), &data); err != nil {
		return nil, fmt.Errorf("model returned invalid JSON: %w", err)
	}
	return data, nil
}

// mergeValues combines per-chunk extractions: objects merge key-wise
// preferring non-empty values, arrays concatenate and dedup by
// stringified identity, scalars keep the first non-empty value.
func mergeValues(a, b any) any {
	am, aIsMap := a.(map[string]any)
	bm, bIsMap := b.(map[string]any)
	if aIsMap && bIsMap {
		out := make(map[string]any, len(am)+len(bm))
		for k, v := range am {
			out[k] = v
		}
		for k, v := range bm {
			if existing, ok := out[k]; ok {
				out[k] = mergeValues(existing, v)
			} else {
				out[k] = v
			}
		}
		return out
	}

	as, aIsSlice := a.([]any)
	bs, bIsSlice := b.([]any)
	if aIsSlice && bIsSlice {
		seen := map[string]bool{}
		var out []any
		for _, v := range append(as, bs...) {
			key := stringify(v)
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, v)
		}
		return out
	}

	if isEmpty(a) {
		return b
	}
	return a
}

func stringify(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

func isEmpty(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case map[string]any:
		return len(val) == 0
	case []any:
		return len(val) == 0
	}
	return false
}

// Extractor caches one agent per model id and satisfies the data
// extractor's JSONExtractor dependency.
type Extractor struct {
	registry *llm.Registry
	client   ChatClient
	logger   *slog.Logger

	mu     sync.Mutex
	agents map[string]*Agent
}

// NewExtractor builds the extraction front end.
func NewExtractor(registry *llm.Registry, client ChatClient, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		registry: registry,
		client:   client,
		logger:   logger,
		agents:   map[string]*Agent{},
	}
}

// Extract resolves the model, reuses its cached agent, and returns the
// extracted data.
func (e *Extractor) Extract(ctx context.Context, markdown string, opts *models.JSONOptions) (any, error) {
	modelID := opts.Model
	if modelID == "" {
		modelID = e.registry.DefaultExtractModel()
	}
	agent, err := e.agent(modelID)
	if err != nil {
		return nil, err
	}
	res, err := agent.Extract(ctx, markdown, opts)
	if err != nil {
		return nil, err
	}
	e.logger.Debug("llm extraction finished",
		"model", modelID,
		"chunks", res.Chunks,
		"tokens", res.Tokens.Total,
		"cost_usd", res.CostUSD,
	)
	return res.Data, nil
}

// ExtractFull returns the full result including token usage and cost.
func (e *Extractor) ExtractFull(ctx context.Context, markdown string, opts *models.JSONOptions) (*Result, error) {
	modelID := opts.Model
	if modelID == "" {
		modelID = e.registry.DefaultExtractModel()
	}
	agent, err := e.agent(modelID)
	if err != nil {
		return nil, err
	}
	return agent.Extract(ctx, markdown, opts)
}

func (e *Extractor) agent(modelID string) (*Agent, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if a, ok := e.agents[modelID]; ok {
		return a, nil
	}
	model, err := e.registry.Get(modelID)
	if err != nil {
		return nil, err
	}
	a := NewAgent(model, e.client, e.logger)
	e.agents[modelID] = a
	return a, nil
}
