package optimize

import "testing"

func baseSelectorConfig() SelectorConfig {
	return SelectorConfig{
		MMRLambda:     0.7,
		TypeFractions: map[string]float64{"doc": 0.5, "assistant": 0.2, "tool": 0.15, "user": 0.15},
		RecencyTau:    10,
		SafetyMargin:  0,
	}
}

func TestSelectNeverDropsMustKeepBlocks(t *testing.T) {
	sys := NewBlock(KindSystem, "be helpful", "message:system", 0)
	sys.MustKeep = true
	sys.TokenCount = 5

	doc := NewBlock(KindDoc, "a long retrieved document about widgets", "retrieved:1", 1)
	doc.TokenCount = 1000

	blocks := []*Block{sys, doc}
	out, dropped, err := Select(blocks, 5, "tenant-a", baseSelectorConfig(), nil, nil)
	if err != nil {
		t.Fatalf("Select error: %v", err)
	}

	found := false
	for _, b := range out {
		if b.ID == sys.ID {
			found = true
		}
	}
	if !found {
		t.Fatal("expected the must_keep system block to survive selection even under a tight budget")
	}

	for _, d := range dropped {
		if d.ID == sys.ID {
			t.Fatal("must_keep block must never appear in the dropped set")
		}
	}
}

func TestSelectDropsOverBudgetCandidates(t *testing.T) {
	doc := NewBlock(KindDoc, "a long retrieved document about widgets and gears", "retrieved:1", 0)
	doc.TokenCount = 1000

	blocks := []*Block{doc}
	out, dropped, err := Select(blocks, 10, "tenant-a", baseSelectorConfig(), nil, nil)
	if err != nil {
		t.Fatalf("Select error: %v", err)
	}
	if len(out) != 0 {
		t.Fatal("expected the oversized candidate to be dropped, not selected")
	}
	if len(dropped) != 1 || dropped[0].ID != doc.ID {
		t.Fatalf("expected the oversized candidate in dropped, got %+v", dropped)
	}
}

func TestSelectAcceptsWithinBudgetCandidates(t *testing.T) {
	doc := NewBlock(KindDoc, "short doc", "retrieved:1", 0)
	doc.TokenCount = 5

	blocks := []*Block{doc}
	cfg := baseSelectorConfig()
	out, _, err := Select(blocks, 100, "tenant-a", cfg, nil, nil)
	if err != nil {
		t.Fatalf("Select error: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected the small candidate to be accepted, got %d blocks", len(out))
	}
}

func TestSelectOutputOrderedByTimestamp(t *testing.T) {
	sys := NewBlock(KindSystem, "sys", "message:system", 5)
	sys.MustKeep = true
	sys.TokenCount = 1
	doc := NewBlock(KindDoc, "doc", "retrieved:1", 1)
	doc.TokenCount = 1

	out, _, err := Select([]*Block{sys, doc}, 100, "tenant-a", baseSelectorConfig(), nil, nil)
	if err != nil {
		t.Fatalf("Select error: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected both blocks accepted, got %d", len(out))
	}
	if out[0].Timestamp > out[1].Timestamp {
		t.Fatal("expected selector output ordered by ascending timestamp")
	}
}

func TestSplitBudgetPoolsRoundingRemainderAsOverflow(t *testing.T) {
	fractions := map[string]float64{"doc": 0.34, "tool": 0.33, "user": 0.33}
	budgets, overflow := splitBudget(100, fractions)
	spent := 0
	for _, v := range budgets {
		spent += v
	}
	if spent+overflow != 100 {
		t.Fatalf("expected sub-budgets plus overflow to equal available, got %d+%d", spent, overflow)
	}
}

func TestJaccardTokensEmptySetsAreZero(t *testing.T) {
	if got := jaccardTokens("", "Something"); got != 0 {
		t.Fatalf("expected 0 for an empty operand, got %f", got)
	}
}

func TestMMROrderPrefersHigherPriorityOnTie(t *testing.T) {
	low := scoredBlock{block: &Block{ID: "a", Priority: 0.1, Timestamp: 0}, utility: 0.5}
	high := scoredBlock{block: &Block{ID: "b", Priority: 0.9, Timestamp: 0}, utility: 0.5}

	ordered := mmrOrder([]scoredBlock{low, high}, nil, 0.7)
	if ordered[0].block.ID != "b" {
		t.Fatalf("expected the higher-priority block to be selected first on a utility tie, got %s", ordered[0].block.ID)
	}
}
