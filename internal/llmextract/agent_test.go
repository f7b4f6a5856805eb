package llmextract

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/jackronrau/anycrawl/internal/llm"
	"github.com/jackronrau/anycrawl/internal/models"
)

type fakeChatClient struct {
	responses []string
	calls     []string // user prompts received
	err       error
}

func (f *fakeChatClient) Chat(ctx context.Context, model *llm.ModelConfig, system, user string, opts llm.CallOptions) (*llm.CallResult, error) {
	f.calls = append(f.calls, user)
	if f.err != nil {
		return nil, f.err
	}
	idx := len(f.calls) - 1
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	return &llm.CallResult{
		Content:      f.responses[idx],
		InputTokens:  100,
		OutputTokens: 50,
		FinishReason: "stop",
		Model:        model.ID,
	}, nil
}

func testModel() *llm.ModelConfig {
	return &llm.ModelConfig{
		ID:              "test-model",
		BaseURL:         "http://localhost:1",
		MaxInputTokens:  1000,
		MaxOutputTokens: 500,
		InputPriceUSD:   1.0,
		OutputPriceUSD:  2.0,
	}
}

// testAgent builds an agent with the character-estimate tokenizer so
// tests never load an encoding.
func testAgent(client ChatClient) *Agent {
	return &Agent{
		model:  testModel(),
		client: client,
		tok:    &Tokenizer{},
	}
}

func TestAgentSingleCall(t *testing.T) {
	client := &fakeChatClient{responses: []string{`{"title": "Hello"}`}}
	agent := testAgent(client)

	res, err := agent.Extract(context.Background(), "short content", &models.JSONOptions{
		Schema: map[string]any{
			"title": map[string]any{"type": "string"},
		},
	})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if res.Chunks != 1 || len(client.calls) != 1 {
		t.Errorf("chunks = %d, calls = %d", res.Chunks, len(client.calls))
	}
	data := res.Data.(map[string]any)
	if data["title"] != "Hello" {
		t.Errorf("data = %v", data)
	}
	if res.Tokens.Input != 100 || res.Tokens.Output != 50 || res.Tokens.Total != 150 {
		t.Errorf("tokens = %+v", res.Tokens)
	}
	// 100 in at $1/MTok + 50 out at $2/MTok
	want := 100.0/1e6 + 50.0*2/1e6
	if res.CostUSD != want {
		t.Errorf("cost = %v, want %v", res.CostUSD, want)
	}
}

func TestAgentChunksLargeContent(t *testing.T) {
	client := &fakeChatClient{responses: []string{
		`{"names": ["alice", "bob"]}`,
		`{"names": ["bob", "carol"]}`,
	}}
	agent := testAgent(client)

	// ~2000 tokens of content against a 1000 token model.
	var lines []string
	for i := 0; i < 200; i++ {
		lines = append(lines, fmt.Sprintf("line %03d %s", i, strings.Repeat("w", 30)))
	}
	content := strings.Join(lines, "\n")

	res, err := agent.Extract(context.Background(), content, &models.JSONOptions{
		Schema: map[string]any{
			"names": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			},
		},
	})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if res.Chunks < 2 || len(client.calls) != res.Chunks {
		t.Fatalf("chunks = %d, calls = %d", res.Chunks, len(client.calls))
	}

	data := res.Data.(map[string]any)
	names := data["names"].([]any)
	if !reflect.DeepEqual(names, []any{"alice", "bob", "carol"}) {
		t.Errorf("merged names = %v", names)
	}
}

func TestAgentArrayUnwrap(t *testing.T) {
	client := &fakeChatClient{responses: []string{`{"items": ["a", "b"]}`}}
	agent := testAgent(client)

	res, err := agent.Extract(context.Background(), "content", &models.JSONOptions{
		Schema: map[string]any{
			"type":  "array",
			"items": map[string]any{"type": "string"},
		},
	})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	arr, ok := res.Data.([]any)
	if !ok || len(arr) != 2 {
		t.Errorf("expected unwrapped array, got %T %v", res.Data, res.Data)
	}
}

func TestAgentCostLimit(t *testing.T) {
	client := &fakeChatClient{responses: []string{`{}`}}
	agent := testAgent(client)

	// Projected first-call cost is roughly (system+content)*$1/MTok +
	// 500*$2/MTok, far above a 1e-9 limit.
	_, err := agent.Extract(context.Background(), "content", &models.JSONOptions{
		Schema:       map[string]any{"x": map[string]any{"type": "string"}},
		CostLimitUSD: 1e-9,
	})
	if err == nil {
		t.Fatal("expected cost limit error")
	}
	var cle *models.CostLimitError
	if !errors.As(err, &cle) {
		t.Fatalf("error type %T", err)
	}
	if models.CodeOf(err) != models.ErrCodeCostLimit {
		t.Errorf("code = %s", models.CodeOf(err))
	}
	if len(client.calls) != 0 {
		t.Error("call dispatched despite cost limit")
	}
}

func TestAgentToleratesFencedJSON(t *testing.T) {
	client := &fakeChatClient{responses: []string{"```json\n{\"a\": 1}\n```"}}
	agent := testAgent(client)

	res, err := agent.Extract(context.Background(), "content", &models.JSONOptions{})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	data := res.Data.(map[string]any)
	if data["a"] != float64(1) {
		t.Errorf("data = %v", data)
	}
}

func TestAgentInvalidJSON(t *testing.T) {
	client := &fakeChatClient{responses: []string{"not json at all"}}
	agent := testAgent(client)

	_, err := agent.Extract(context.Background(), "content", &models.JSONOptions{})
	if err == nil || !strings.Contains(err.Error(), "invalid JSON") {
		t.Errorf("err = %v", err)
	}
}

func TestMergeValues(t *testing.T) {
	tests := []struct {
		name string
		a, b any
		want any
	}{
		{
			"objects prefer non-empty",
			map[string]any{"x": "", "y": "keep"},
			map[string]any{"x": "filled", "y": "ignored"},
			map[string]any{"x": "filled", "y": "keep"},
		},
		{
			"arrays concat dedup",
			[]any{"a", "b"},
			[]any{"b", "c"},
			[]any{"a", "b", "c"},
		},
		{
			"array dedup by structure",
			[]any{map[string]any{"id": float64(1)}},
			[]any{map[string]any{"id": float64(1)}, map[string]any{"id": float64(2)}},
			[]any{map[string]any{"id": float64(1)}, map[string]any{"id": float64(2)}},
		},
		{
			"scalar first non-empty",
			"first", "second", "first",
		},
		{
			"nil yields other",
			nil, "value", "value",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := mergeValues(tt.a, tt.b); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("mergeValues(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

type staticRegistryClient struct{ fakeChatClient }

func TestExtractorCachesAgents(t *testing.T) {
	registry, err := llm.LoadRegistry(llm.RegistryOptions{DefaultExtractModel: "gpt-4o-mini"})
	if err != nil {
		t.Fatal(err)
	}
	client := &staticRegistryClient{fakeChatClient{responses: []string{`{}`}}}
	e := NewExtractor(registry, client, nil)

	a1, err := e.agent("gpt-4o-mini")
	if err != nil {
		t.Fatal(err)
	}
	a2, err := e.agent("gpt-4o-mini")
	if err != nil {
		t.Fatal(err)
	}
	if a1 != a2 {
		t.Error("agent not cached per model id")
	}
	if _, err := e.agent("no-such-model"); err == nil {
		t.Error("expected error for unknown model")
	}
}
