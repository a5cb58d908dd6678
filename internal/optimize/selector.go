package optimize

import (
	"math"
	"regexp"
	"sort"
	"strings"
)

// SelectorConfig carries the subset of config.PipelineConfig the semantic
// selector needs (4.6).
type SelectorConfig struct {
	VectorTopK    int
	MMRLambda     float64
	TypeFractions map[string]float64
	RecencyTau    float64
	SourceTrust   map[string]float64
	SafetyMargin  int
}

// utility factor weights (4.6 step 3).
const (
	weightSim                 = 0.40
	weightRecency             = 0.20
	weightConstraintHits      = 0.15
	weightIdentifierHits      = 0.10
	weightSourceTrust         = 0.10
	weightEntityPreservation  = 0.05
	defaultSourceTrust        = 0.5
)

var identifierRe = regexp.MustCompile(`\b[0-9a-fA-F]{8,}\b|\b[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b|\b\d{3,}\b|` + "```")

// Select runs the semantic selection stage. It mutates nothing in place;
// candidates not accepted are returned in dropped. embed embeds a single
// text (the query); lookup returns vector-store neighbours of the query,
// scoped to tenantID, or nil if the vector store is unavailable or
// disabled — in which case the candidate set is just the in-list
// non-must_keep blocks (UPSTREAM_DEGRADED for that sub-step, not fatal).
func Select(blocks []*Block, budget int, tenantID string, cfg SelectorConfig, embed func(string) ([]float32, error), lookup func(query []float32, perKind int) []VectorRecord) ([]*Block, []DroppedBlock, error) {
	keep, candidates := ByMustKeep(blocks)

	query := buildQuery(blocks)
	var q []float32
	if query != "" && embed != nil {
		v, err := embed(query)
		if err == nil {
			q = v
		}
	}

	if lookup != nil && q != nil {
		for _, rec := range lookup(q, cfg.VectorTopK) {
			if rec.TenantID != tenantID {
				continue
			}
			b := NewBlock(rec.Kind, rec.Content, "vector:"+rec.ID, newestTimestamp(blocks)+1)
			b.Embedding = rec.Embedding
			candidates = append(candidates, b)
		}
	}

	newest := newestTimestamp(blocks)
	scored := make([]scoredBlock, 0, len(candidates))
	for _, b := range candidates {
		u := utilityScore(b, q, query, newest, cfg)
		scored = append(scored, scoredBlock{block: b, utility: u})
	}

	ordered := mmrOrder(scored, q, cfg.MMRLambda)

	mustKeepTokens := TotalTokens(keep)
	available := budget - cfg.SafetyMargin - mustKeepTokens
	if available < 0 {
		available = 0
	}
	subBudgets, overflow := splitBudget(available, cfg.TypeFractions)

	var accepted []*Block
	var dropped []DroppedBlock
	for _, sb := range ordered {
		b := sb.block
		kind := string(b.Kind)
		sub := subBudgets[kind]
		if b.TokenCount <= sub {
			subBudgets[kind] = sub - b.TokenCount
			accepted = append(accepted, b)
		} else if b.TokenCount <= sub+overflow {
			overflow -= (b.TokenCount - sub)
			subBudgets[kind] = 0
			accepted = append(accepted, b)
		} else {
			reason := ReasonOverBudget
			if sb.utility < 0.2 {
				reason = ReasonLowUtility
			}
			dropped = append(dropped, DroppedBlock{ID: b.ID, Kind: b.Kind, Tokens: b.TokenCount, Reason: reason})
		}
	}

	out := append([]*Block(nil), keep...)
	out = append(out, accepted...)
	out = SortByTimestamp(out)
	return out, dropped, nil
}

type scoredBlock struct {
	block   *Block
	utility float64
}

func buildQuery(blocks []*Block) string {
	ordered := SortByTimestamp(blocks)
	var users []string
	for i := len(ordered) - 1; i >= 0 && len(users) < 3; i-- {
		if ordered[i].Kind == KindUser {
			users = append(users, ordered[i].Content)
		}
	}
	return strings.Join(users, "\n")
}

func newestTimestamp(blocks []*Block) int64 {
	var max int64
	for _, b := range blocks {
		if b.Timestamp > max {
			max = b.Timestamp
		}
	}
	return max
}

func utilityScore(b *Block, q []float32, queryText string, newest int64, cfg SelectorConfig) float64 {
	sim := 0.0
	if q != nil && b.Embedding != nil {
		if s, err := CosineSimilarity(q, b.Embedding); err == nil {
			sim = clamp01(s)
		}
	}

	tau := cfg.RecencyTau
	if tau <= 0 {
		tau = 1
	}
	delta := float64(newest - b.Timestamp)
	recency := math.Exp(-delta / tau)

	constraintHits := clamp01(float64(countConstraintKeywords(b.Content)) / 3)
	identifierHits := clamp01(float64(len(identifierRe.FindAllString(b.Content, -1))) / 5)

	trust := defaultSourceTrust
	if v, ok := cfg.SourceTrust[b.Source]; ok {
		trust = v
	}

	entity := jaccardTokens(b.Content, queryText)

	return weightSim*sim +
		weightRecency*recency +
		weightConstraintHits*constraintHits +
		weightIdentifierHits*identifierHits +
		weightSourceTrust*trust +
		weightEntityPreservation*entity
}

func countConstraintKeywords(content string) int {
	return len(constraintKeywordRe.FindAllString(content, -1))
}

func jaccardTokens(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	inter := 0
	for t := range setA {
		if setB[t] {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func tokenSet(s string) map[string]bool {
	words := strings.Fields(s)
	out := make(map[string]bool, len(words))
	for _, w := range words {
		if len(w) > 2 && w[0] >= 'A' && w[0] <= 'Z' {
			out[w] = true
		}
	}
	return out
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// mmrOrder implements step 4: iteratively select the candidate maximizing
// λ·utility(b) − (1−λ)·max_{s∈S} cosine(v_b, v_s), breaking ties by higher
// priority, then higher timestamp, then lexicographic id.
func mmrOrder(scored []scoredBlock, q []float32, lambda float64) []scoredBlock {
	sort.Slice(scored, func(i, j int) bool {
		return lessTieBreak(scored[i], scored[j])
	})

	var selected []scoredBlock
	remaining := append([]scoredBlock(nil), scored...)

	for len(remaining) > 0 {
		bestIdx := -1
		var bestScore float64
		for i, cand := range remaining {
			maxSim := 0.0
			if cand.block.Embedding != nil {
				for _, s := range selected {
					if s.block.Embedding == nil {
						continue
					}
					if sim, err := CosineSimilarity(cand.block.Embedding, s.block.Embedding); err == nil && sim > maxSim {
						maxSim = sim
					}
				}
			}
			mmr := lambda*cand.utility - (1-lambda)*maxSim
			if bestIdx == -1 || mmr > bestScore || (mmr == bestScore && lessTieBreak(cand, remaining[bestIdx])) {
				bestIdx = i
				bestScore = mmr
			}
		}
		selected = append(selected, remaining[bestIdx])
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}
	return selected
}

func lessTieBreak(a, b scoredBlock) bool {
	if a.block.Priority != b.block.Priority {
		return a.block.Priority > b.block.Priority
	}
	if a.block.Timestamp != b.block.Timestamp {
		return a.block.Timestamp > b.block.Timestamp
	}
	return a.block.ID < b.block.ID
}

// splitBudget divides available into per-kind sub-budgets by fractions,
// pooling any rounding remainder into a shared overflow pool (4.6 step 5).
func splitBudget(available int, fractions map[string]float64) (map[string]int, int) {
	out := make(map[string]int, len(fractions))
	spent := 0
	for kind, frac := range fractions {
		amt := int(math.Floor(float64(available) * frac))
		out[kind] = amt
		spent += amt
	}
	overflow := available - spent
	if overflow < 0 {
		overflow = 0
	}
	return out, overflow
}
