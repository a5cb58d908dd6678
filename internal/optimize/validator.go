package optimize

// ValidationFailure records which post-condition failed.
type ValidationFailure string

const (
	FailV1SystemMissing     ValidationFailure = "V1_system_missing"
	FailV2UserMissing       ValidationFailure = "V2_user_missing"
	FailV3ConstraintMissing ValidationFailure = "V3_constraint_missing"
	FailV4OverBudget        ValidationFailure = "V4_over_budget"
	FailV5MustKeepDropped   ValidationFailure = "V5_must_keep_dropped"
)

// ValidationResult is the outcome of one Validate call.
type ValidationResult struct {
	Passed   bool
	Failures []ValidationFailure
}

// Validate checks V1-V5 against blocks. original is the canonicalized input
// block list (before heuristics/selection/compression), used for V3 and V5;
// extractedConstraints holds the content of every constraint block created
// by heuristic (g); hadSystemInput reports whether the canonicalized input
// contained any system block.
func Validate(blocks []*Block, original []*Block, extractedConstraints []string, hadSystemInput bool, budget int) ValidationResult {
	var failures []ValidationFailure

	if hadSystemInput && !hasKind(blocks, KindSystem) {
		failures = append(failures, FailV1SystemMissing)
	}

	if !hasKind(blocks, KindUser) {
		failures = append(failures, FailV2UserMissing)
	}

	present := contentSet(blocks)
	for _, c := range extractedConstraints {
		if !present[normalize(c)] {
			failures = append(failures, FailV3ConstraintMissing)
			break
		}
	}

	if TotalTokens(blocks) > budget {
		failures = append(failures, FailV4OverBudget)
	}

	for _, b := range original {
		if !b.MustKeep {
			continue
		}
		if !present[normalize(b.Content)] {
			failures = append(failures, FailV5MustKeepDropped)
			break
		}
	}

	return ValidationResult{Passed: len(failures) == 0, Failures: failures}
}

func hasKind(blocks []*Block, kind Kind) bool {
	for _, b := range blocks {
		if b.Kind == kind {
			return true
		}
	}
	return false
}

func contentSet(blocks []*Block) map[string]bool {
	out := make(map[string]bool, len(blocks))
	for _, b := range blocks {
		out[normalize(b.Content)] = true
	}
	return out
}

// FallbackState names one node of the F0-F3 state machine.
type FallbackState string

const (
	StateInitial         FallbackState = "F0_initial"
	StateUndoCompression FallbackState = "F1_undo_compression"
	StateWidenKeep       FallbackState = "F2_widen_keep"
	StateMinimalSafe     FallbackState = "F3_minimal_safe"
	StateDone            FallbackState = "DONE"
)

// nextFallbackState computes the transition out of current given which
// post-conditions failed, per the 4.8 state table.
func nextFallbackState(current FallbackState, failures []ValidationFailure) FallbackState {
	if len(failures) == 0 {
		return StateDone
	}
	switch current {
	case StateInitial:
		if onlyV4(failures) {
			return StateUndoCompression
		}
		return StateWidenKeep
	case StateUndoCompression:
		return StateWidenKeep
	case StateWidenKeep:
		return StateMinimalSafe
	case StateMinimalSafe:
		return StateMinimalSafe
	}
	return StateMinimalSafe
}

func onlyV4(failures []ValidationFailure) bool {
	for _, f := range failures {
		if f != FailV4OverBudget {
			return false
		}
	}
	return true
}

// undoCompression restores every compressed block's original content,
// token count, and fingerprint, per F1.
func undoCompression(blocks []*Block, countFn func(string) int) {
	for _, b := range blocks {
		if !b.Compressed {
			continue
		}
		b.SetContent(b.OriginalContent, countFn)
		b.Compressed = false
		b.OriginalContent = ""
	}
}

// minimalSafe implements F3: keep only system, developer, the most recent
// user block, every constraint block, and at most one tool block (the
// highest-priority one). Everything else is dropped with reason
// "dropped-at-minimal-safe".
func minimalSafe(blocks []*Block) ([]*Block, []DroppedBlock) {
	ordered := SortByTimestamp(blocks)

	lastUserIdx := -1
	for i, b := range ordered {
		if b.Kind == KindUser {
			lastUserIdx = i
		}
	}

	var bestTool *Block
	for _, b := range ordered {
		if b.Kind != KindTool {
			continue
		}
		if bestTool == nil || b.Priority > bestTool.Priority {
			bestTool = b
		}
	}

	var kept []*Block
	var dropped []DroppedBlock
	for i, b := range ordered {
		switch {
		case b.Kind == KindSystem, b.Kind == KindDeveloper, b.Kind == KindConstraint:
			kept = append(kept, b)
		case i == lastUserIdx:
			kept = append(kept, b)
		case bestTool != nil && b.ID == bestTool.ID:
			kept = append(kept, b)
		default:
			dropped = append(dropped, DroppedBlock{ID: b.ID, Kind: b.Kind, Tokens: b.TokenCount, Reason: ReasonMinimalSafe})
		}
	}
	return kept, dropped
}
