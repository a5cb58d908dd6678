package optimize

import "testing"

func TestValidatePassesWhenAllPostConditionsHold(t *testing.T) {
	sys := NewBlock(KindSystem, "be helpful", "message:system", 0)
	sys.MustKeep = true
	user := NewBlock(KindUser, "hello", "message:user", 1)
	user.MustKeep = true
	blocks := []*Block{sys, user}

	result := Validate(blocks, blocks, nil, true, 1000)
	if !result.Passed {
		t.Fatalf("expected validation to pass, got failures: %v", result.Failures)
	}
}

func TestValidateFailsV1WhenSystemDropped(t *testing.T) {
	original := []*Block{NewBlock(KindSystem, "be helpful", "message:system", 0)}
	current := []*Block{NewBlock(KindUser, "hi", "message:user", 1)}
	result := Validate(current, original, nil, true, 1000)
	if result.Passed {
		t.Fatal("expected failure when system input existed but system block is missing")
	}
	if !hasFailure(result.Failures, FailV1SystemMissing) {
		t.Fatalf("expected V1 failure, got %v", result.Failures)
	}
}

func TestValidateFailsV2WhenNoUserBlock(t *testing.T) {
	blocks := []*Block{NewBlock(KindAssistant, "hi", "message:assistant", 0)}
	result := Validate(blocks, blocks, nil, false, 1000)
	if !hasFailure(result.Failures, FailV2UserMissing) {
		t.Fatalf("expected V2 failure, got %v", result.Failures)
	}
}

func TestValidateFailsV3WhenConstraintDropped(t *testing.T) {
	blocks := []*Block{NewBlock(KindUser, "hi", "message:user", 0)}
	result := Validate(blocks, blocks, []string{"MUST respond in JSON"}, false, 1000)
	if !hasFailure(result.Failures, FailV3ConstraintMissing) {
		t.Fatalf("expected V3 failure, got %v", result.Failures)
	}
}

func TestValidateFailsV4WhenOverBudget(t *testing.T) {
	b := NewBlock(KindUser, "hi", "message:user", 0)
	b.TokenCount = 2000
	result := Validate([]*Block{b}, []*Block{b}, nil, false, 1000)
	if !hasFailure(result.Failures, FailV4OverBudget) {
		t.Fatalf("expected V4 failure, got %v", result.Failures)
	}
}

func TestValidateFailsV5WhenMustKeepDropped(t *testing.T) {
	kept := NewBlock(KindSystem, "keep me", "message:system", 0)
	kept.MustKeep = true
	original := []*Block{kept}
	result := Validate(nil, original, nil, false, 1000)
	if !hasFailure(result.Failures, FailV5MustKeepDropped) {
		t.Fatalf("expected V5 failure, got %v", result.Failures)
	}
}

func hasFailure(failures []ValidationFailure, target ValidationFailure) bool {
	for _, f := range failures {
		if f == target {
			return true
		}
	}
	return false
}

func TestNextFallbackStateOnlyBudgetGoesToUndoCompression(t *testing.T) {
	next := nextFallbackState(StateInitial, []ValidationFailure{FailV4OverBudget})
	if next != StateUndoCompression {
		t.Fatalf("expected F0 with only V4 to move to F1, got %s", next)
	}
}

func TestNextFallbackStateOtherFailureSkipsToWidenKeep(t *testing.T) {
	next := nextFallbackState(StateInitial, []ValidationFailure{FailV1SystemMissing})
	if next != StateWidenKeep {
		t.Fatalf("expected F0 with a non-V4 failure to move to F2, got %s", next)
	}
}

func TestNextFallbackStateNoFailuresIsDone(t *testing.T) {
	next := nextFallbackState(StateWidenKeep, nil)
	if next != StateDone {
		t.Fatalf("expected no failures to transition to DONE, got %s", next)
	}
}

func TestNextFallbackStateProgressesThroughTable(t *testing.T) {
	if s := nextFallbackState(StateUndoCompression, []ValidationFailure{FailV4OverBudget}); s != StateWidenKeep {
		t.Fatalf("expected F1 -> F2, got %s", s)
	}
	if s := nextFallbackState(StateWidenKeep, []ValidationFailure{FailV4OverBudget}); s != StateMinimalSafe {
		t.Fatalf("expected F2 -> F3, got %s", s)
	}
	if s := nextFallbackState(StateMinimalSafe, []ValidationFailure{FailV4OverBudget}); s != StateMinimalSafe {
		t.Fatalf("expected F3 to be terminal, got %s", s)
	}
}

func TestUndoCompressionRestoresOriginalContent(t *testing.T) {
	b := NewBlock(KindDoc, "short", "retrieved:1", 0)
	b.OriginalContent = "much longer original content"
	b.Compressed = true
	countFn := func(s string) int { return len(s) }

	undoCompression([]*Block{b}, countFn)

	if b.Compressed {
		t.Fatal("expected Compressed to be cleared")
	}
	if b.Content != "much longer original content" {
		t.Fatalf("expected content restored, got %q", b.Content)
	}
	if b.OriginalContent != "" {
		t.Fatal("expected OriginalContent to be cleared after restoration")
	}
}

func TestMinimalSafeKeepsSystemDeveloperLastUserConstraintAndBestTool(t *testing.T) {
	sys := NewBlock(KindSystem, "sys", "message:system", 0)
	dev := NewBlock(KindDeveloper, "dev", "message:developer", 1)
	u1 := NewBlock(KindUser, "first", "message:user", 2)
	a1 := NewBlock(KindAssistant, "reply", "message:assistant", 3)
	u2 := NewBlock(KindUser, "second", "message:user", 4)
	con := NewBlock(KindConstraint, "MUST do x", "constraint-extraction", 5)
	tLow := NewBlock(KindTool, "tool a", "tool-schema", 6)
	tLow.Priority = 0.2
	tHigh := NewBlock(KindTool, "tool b", "tool-schema", 7)
	tHigh.Priority = 0.9

	blocks := []*Block{sys, dev, u1, a1, u2, con, tLow, tHigh}
	kept, dropped := minimalSafe(blocks)

	keptIDs := map[string]bool{}
	for _, b := range kept {
		keptIDs[b.ID] = true
	}

	for _, want := range []*Block{sys, dev, u2, con, tHigh} {
		if !keptIDs[want.ID] {
			t.Fatalf("expected %s (%s) to survive minimal-safe fallback", want.Kind, want.Content)
		}
	}
	if keptIDs[u1.ID] || keptIDs[a1.ID] || keptIDs[tLow.ID] {
		t.Fatal("expected the older turn and the lower-priority tool to be dropped")
	}
	for _, d := range dropped {
		if d.Reason != ReasonMinimalSafe {
			t.Fatalf("expected drop reason %q, got %q", ReasonMinimalSafe, d.Reason)
		}
	}
}
