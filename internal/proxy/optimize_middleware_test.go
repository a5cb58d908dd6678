package proxy

import (
	"testing"

	"github.com/allaspectsdev/promptopt/internal/config"
	"github.com/allaspectsdev/promptopt/internal/optimize"
	"github.com/allaspectsdev/promptopt/internal/pipeline"
	"github.com/allaspectsdev/promptopt/internal/tokenizer"
)

func TestToOptimizeMessagesOrdersSystemThenMessages(t *testing.T) {
	req := &pipeline.Request{
		System: "be concise",
		Messages: []pipeline.Message{
			{Role: "user", Content: "hello"},
			{Role: "assistant", Content: "hi there"},
		},
	}

	msgs := toOptimizeMessages(req)
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[0].Role != "system" || msgs[0].Content != "be concise" {
		t.Fatalf("expected the system prompt first, got %+v", msgs[0])
	}
	if msgs[1].Role != "user" || msgs[2].Role != "assistant" {
		t.Fatalf("expected message order preserved after system, got %+v", msgs)
	}
}

func TestToOptimizeMessagesIncludesSystemBlocks(t *testing.T) {
	req := &pipeline.Request{
		SystemBlocks: []pipeline.ContentBlock{{Type: "text", Text: "block one"}, {Type: "text", Text: ""}},
	}
	msgs := toOptimizeMessages(req)
	if len(msgs) != 1 {
		t.Fatalf("expected only the non-empty system block to produce a message, got %d", len(msgs))
	}
	if msgs[0].Content != "block one" {
		t.Fatalf("expected content %q, got %q", "block one", msgs[0].Content)
	}
}

func TestToOptimizeToolsCopiesNameDescriptionAndParameters(t *testing.T) {
	tools := []pipeline.Tool{
		{Name: "search", Description: "searches the web", InputSchema: map[string]interface{}{"query": "string"}},
	}
	out := toOptimizeTools(tools)
	if len(out) != 1 {
		t.Fatalf("expected 1 tool, got %d", len(out))
	}
	if out[0].Name != "search" || out[0].Description != "searches the web" {
		t.Fatalf("unexpected tool translation: %+v", out[0])
	}
	if out[0].Parameters["query"] != "string" {
		t.Fatalf("expected parameters to carry through, got %+v", out[0].Parameters)
	}
}

func TestToOptimizeToolsHandlesNonMapSchema(t *testing.T) {
	tools := []pipeline.Tool{{Name: "legacy", InputSchema: "not a map"}}
	out := toOptimizeTools(tools)
	if out[0].Parameters != nil {
		t.Fatalf("expected a nil Parameters map for a non-map schema, got %+v", out[0].Parameters)
	}
}

func TestApplyResultRewritesSystemAndMessages(t *testing.T) {
	req := &pipeline.Request{
		System:       "old system",
		SystemBlocks: []pipeline.ContentBlock{{Type: "text", Text: "stale block"}},
		Messages:     []pipeline.Message{{Role: "user", Content: "old message"}},
	}
	result := optimize.Result{
		BlocksOut: []*optimize.Block{
			{Kind: optimize.KindSystem, Content: "new system"},
			{Kind: optimize.KindConstraint, Content: "must respond in JSON"},
			{Kind: optimize.KindUser, Content: "new user turn"},
			{Kind: optimize.KindAssistant, Content: "prior reply"},
		},
	}

	applyResult(req, result)

	if req.System != "new system\n\nmust respond in JSON" {
		t.Fatalf("unexpected merged system content: %q", req.System)
	}
	if req.SystemBlocks != nil {
		t.Fatal("expected stale SystemBlocks cleared once System is rewritten")
	}
	if len(req.Messages) != 2 || req.Messages[0].Content != "new user turn" || req.Messages[1].Content != "prior reply" {
		t.Fatalf("unexpected rewritten messages: %+v", req.Messages)
	}
}

func TestApplyResultLeavesRequestUntouchedWhenNoBlocksMatch(t *testing.T) {
	req := &pipeline.Request{System: "keep me", Messages: []pipeline.Message{{Role: "user", Content: "keep me too"}}}
	applyResult(req, optimize.Result{})

	if req.System != "keep me" {
		t.Fatalf("expected System untouched when the result has no blocks, got %q", req.System)
	}
	if len(req.Messages) != 1 || req.Messages[0].Content != "keep me too" {
		t.Fatalf("expected Messages untouched when the result has no blocks, got %+v", req.Messages)
	}
}

func TestBuildOptimizeConfigConvertsSecondsToDuration(t *testing.T) {
	pc := config.PipelineConfig{
		TargetBudgetTokens: 1000,
		CacheTTLSeconds:    120,
	}
	tok := tokenizer.New()
	cfg := buildOptimizeConfig(pc, tok)

	if cfg.CacheTTL.Seconds() != 120 {
		t.Fatalf("expected a 120s cache TTL, got %v", cfg.CacheTTL)
	}
	if cfg.TokenizerEncoding == nil {
		t.Fatal("expected TokenizerEncoding to be wired to the tokenizer's GetEncoding")
	}
	if got := cfg.TokenizerEncoding("gpt-4o-mini"); got != "o200k_base" {
		t.Fatalf("expected o200k_base for gpt-4o-mini, got %q", got)
	}
}
