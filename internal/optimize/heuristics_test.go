package optimize

import (
	"strings"
	"testing"
)

func countRunes(s string) int { return len(s) }

func TestJunkRemovalDropsEmptyAndMatchedAssistantBlocks(t *testing.T) {
	blocks := []*Block{
		NewBlock(KindAssistant, "   ", "message:assistant", 0),
		NewBlock(KindAssistant, "Sure, I can help with that!", "message:assistant", 1),
		NewBlock(KindAssistant, "real content here", "message:assistant", 2),
	}
	out := junkRemoval(blocks, []string{"^Sure,"}, nil)
	if len(out) != 1 {
		t.Fatalf("expected 1 surviving block, got %d", len(out))
	}
	if out[0].Content != "real content here" {
		t.Fatalf("unexpected survivor: %q", out[0].Content)
	}
}

func TestJunkRemovalNeverDropsMustKeep(t *testing.T) {
	b := NewBlock(KindAssistant, "   ", "message:assistant", 0)
	b.MustKeep = true
	out := junkRemoval([]*Block{b}, nil, nil)
	if len(out) != 1 {
		t.Fatal("must_keep junk block should survive junk removal")
	}
}

func TestJunkRemovalProtectsBlockInLastNTurns(t *testing.T) {
	b := NewBlock(KindAssistant, "Sure, I can help with that!", "message:assistant", 0)
	protected := map[string]bool{b.ID: true}
	out := junkRemoval([]*Block{b}, []string{"^Sure,"}, protected)
	if len(out) != 1 {
		t.Fatal("expected a junk-matching reply inside the last N turns to survive junk removal")
	}
}

func TestRunHeuristicsProtectsJunkLookingReplyInLastTurn(t *testing.T) {
	blocks := []*Block{
		NewBlock(KindUser, "question one", "message:user", 0),
		NewBlock(KindAssistant, "Sure, I can help with that!", "message:assistant", 1),
	}
	cfg := HeuristicsConfig{JunkPatterns: []string{"^Sure,"}, KeepLastNTurns: 1}
	out := RunHeuristics(blocks, cfg, countRunes)

	found := false
	for _, b := range out {
		if b.Kind == KindAssistant {
			found = true
		}
	}
	if !found {
		t.Fatal("expected the most recent turn's assistant reply to survive junk removal even though it matches a junk pattern")
	}
}

func TestDeduplicateKeepsLatestTimestampPerFingerprint(t *testing.T) {
	b1 := NewBlock(KindDoc, "duplicate text", "retrieved:1", 0)
	b2 := NewBlock(KindDoc, "duplicate text", "retrieved:2", 5)
	b3 := NewBlock(KindDoc, "unique text", "retrieved:3", 3)
	out := deduplicate([]*Block{b1, b2, b3})

	if len(out) != 2 {
		t.Fatalf("expected 2 survivors, got %d", len(out))
	}
	ids := map[string]bool{}
	for _, b := range out {
		ids[b.ID] = true
	}
	if !ids[b2.ID] {
		t.Fatal("expected the later-timestamp duplicate to survive")
	}
	if ids[b1.ID] {
		t.Fatal("expected the earlier-timestamp duplicate to be dropped")
	}
}

func TestDeduplicateNeverMergesMustKeepBlocks(t *testing.T) {
	b1 := NewBlock(KindSystem, "same content", "message:system", 0)
	b1.MustKeep = true
	b2 := NewBlock(KindDoc, "same content", "retrieved:1", 1)
	out := deduplicate([]*Block{b1, b2})
	if len(out) != 2 {
		t.Fatal("must_keep blocks must not be subject to deduplication against non-must_keep blocks")
	}
}

func TestMinimizeToolSchemasDropsDisallowedAndTrimsFields(t *testing.T) {
	content := encodeToolSchema(ToolSchema{Name: "search", Description: "long description", Parameters: map[string]interface{}{"q": "string"}, Required: []string{"q"}})
	b := NewBlock(KindTool, content, "tool-schema", 0)
	other := NewBlock(KindTool, encodeToolSchema(ToolSchema{Name: "delete_all"}), "tool-schema", 1)

	out := minimizeToolSchemas([]*Block{b, other}, []string{"search"}, countRunes)
	if len(out) != 1 {
		t.Fatalf("expected the disallowed tool to be dropped, got %d blocks", len(out))
	}
	if out[0].Content == content {
		t.Fatal("expected tool content to be minimized (description stripped)")
	}
}

func TestMinimizeToolSchemasAllowAllWildcard(t *testing.T) {
	b := NewBlock(KindTool, encodeToolSchema(ToolSchema{Name: "anything"}), "tool-schema", 0)
	out := minimizeToolSchemas([]*Block{b}, []string{"*"}, countRunes)
	if len(out) != 1 {
		t.Fatal("expected wildcard allowlist to keep every tool")
	}
}

func TestCompactJSONConvertsLargeUniformArray(t *testing.T) {
	content := `[{"id":1,"name":"a"},{"id":2,"name":"b"},{"id":3,"name":"c"}]`
	b := NewBlock(KindDoc, content, "retrieved:1", 0)
	out := compactJSON([]*Block{b}, 10, 2, countRunes)
	if out[0].Content == content {
		t.Fatal("expected content to be rewritten to tabular form")
	}
	if out[0].Content[:7] != "id|name" {
		t.Fatalf("expected a header row of sorted keys, got %q", out[0].Content)
	}
}

func TestCompactJSONLeavesShortContentAlone(t *testing.T) {
	content := `[{"id":1}]`
	b := NewBlock(KindDoc, content, "retrieved:1", 0)
	out := compactJSON([]*Block{b}, 1000, 2, countRunes)
	if out[0].Content != content {
		t.Fatal("expected content under truncateChars to be left unchanged")
	}
}

func TestTrimLogsKeepsErrorWindowAndTail(t *testing.T) {
	content := "line0\nline1\nERROR something broke\nline3\nline4\nline5\nline6\nline7"
	b := NewBlock(KindAssistant, content, "log:service", 0)
	out := trimLogs([]*Block{b}, 1, 2, countRunes)

	trimmed := out[0].Content
	if !strings.Contains(trimmed, "ERROR something broke") {
		t.Fatal("expected the error line to survive trimming")
	}
	if !strings.Contains(trimmed, "line6") || !strings.Contains(trimmed, "line7") {
		t.Fatal("expected the final tail lines to survive trimming")
	}
	if strings.Contains(trimmed, "line4") {
		t.Fatal("expected a middle line outside the window/tail to be elided")
	}
}

func TestTrimLogsIgnoresNonLogBlocks(t *testing.T) {
	b := NewBlock(KindAssistant, "not a log", "message:assistant", 0)
	out := trimLogs([]*Block{b}, 1, 1, countRunes)
	if out[0].Content != "not a log" {
		t.Fatal("expected non-log blocks to be left untouched")
	}
}

func TestKeepLastNTurnsMarksOnlyRecentPairs(t *testing.T) {
	blocks := []*Block{
		NewBlock(KindUser, "q1", "message:user", 0),
		NewBlock(KindAssistant, "a1", "message:assistant", 1),
		NewBlock(KindUser, "q2", "message:user", 2),
		NewBlock(KindAssistant, "a2", "message:assistant", 3),
	}
	out := keepLastNTurns(blocks, 1)
	if out[0].MustKeep || out[1].MustKeep {
		t.Fatal("expected the older turn to remain unmarked")
	}
	if !out[2].MustKeep || !out[3].MustKeep {
		t.Fatal("expected the most recent turn to be marked must_keep")
	}
}

func TestKeepLastNTurnsZeroIsNoOp(t *testing.T) {
	blocks := []*Block{NewBlock(KindUser, "q1", "message:user", 0)}
	out := keepLastNTurns(blocks, 0)
	if out[0].MustKeep {
		t.Fatal("expected n<=0 to leave must_keep flags untouched")
	}
}

func TestExtractConstraintsCreatesMustKeepBlockAfterLastSystem(t *testing.T) {
	blocks := []*Block{
		NewBlock(KindSystem, "You MUST always answer in JSON.", "message:system", 0),
		NewBlock(KindUser, "what's the weather", "message:user", 1),
	}
	out := extractConstraints(blocks, countRunes)
	if len(out) != 3 {
		t.Fatalf("expected a constraint block to be inserted, got %d blocks", len(out))
	}
	if out[1].Kind != KindConstraint {
		t.Fatalf("expected constraint block immediately after the last system block, got %s", out[1].Kind)
	}
	if !out[1].MustKeep {
		t.Fatal("expected the constraint block to be must_keep")
	}
}

func TestExtractConstraintsNoKeywordsIsNoOp(t *testing.T) {
	blocks := []*Block{NewBlock(KindUser, "nothing special here", "message:user", 0)}
	out := extractConstraints(blocks, countRunes)
	if len(out) != 1 {
		t.Fatal("expected no constraint block when no keyword lines are present")
	}
}

func TestRunHeuristicsAppliesStepsInOrder(t *testing.T) {
	blocks := []*Block{
		NewBlock(KindSystem, "You MUST respond in JSON.", "message:system", 0),
		NewBlock(KindUser, "question one", "message:user", 1),
		NewBlock(KindAssistant, "answer one", "message:assistant", 2),
		NewBlock(KindAssistant, "", "message:assistant", 3),
	}
	cfg := HeuristicsConfig{KeepLastNTurns: 1}
	out := RunHeuristics(blocks, cfg, countRunes)

	foundConstraint := false
	for _, b := range out {
		if b.Kind == KindConstraint {
			foundConstraint = true
		}
	}
	if !foundConstraint {
		t.Fatal("expected constraint extraction to run as the final heuristic step")
	}
}
