package optimize

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/allaspectsdev/promptopt/internal/metrics"
	"github.com/allaspectsdev/promptopt/internal/tracing"
)

// Config is the complete set of tunables the Orchestrator needs to drive a
// single run (6). It is deliberately independent of config.PipelineConfig's
// concrete type so this package stays free of an import cycle; the proxy
// layer adapts config.PipelineConfig into this shape.
type Config struct {
	TargetBudgetTokens int
	SafetyMarginTokens int
	EnableCache        bool
	EnableSemantic     bool
	EnableCompression  bool

	Heuristics HeuristicsConfig
	Selector   SelectorConfig
	CacheTTL   time.Duration

	TokenizerEncoding func(model string) string
}

// Orchestrator is the single entry point sequencing every stage (4.9).
type Orchestrator struct {
	tok       counter
	cache     *Cache
	embedder  Embedder
	vectors   *VectorStore
	compressor *Compressor
	metrics   *metrics.Collector
}

// NewOrchestrator builds an Orchestrator from its collaborators. cache,
// embedder, vectors, and metricsCollector may all be nil; a nil collaborator
// degrades its stage per the UPSTREAM_DEGRADED contract instead of failing
// the run.
func NewOrchestrator(tok counter, cache *Cache, embedder Embedder, vectors *VectorStore, comp *Compressor, metricsCollector *metrics.Collector) *Orchestrator {
	return &Orchestrator{tok: tok, cache: cache, embedder: embedder, vectors: vectors, compressor: comp, metrics: metricsCollector}
}

// Run drives the full pipeline: Canonicalize -> Heuristics -> Cache ->
// Semantic -> Compression -> Validate(+fallback), and returns the Result
// described in §6. Only CodeInputInvalid and CodeValidationFailed ever
// surface as a non-nil error. cfg is immutable for the duration of the run;
// any widening performed by the fallback state machine operates on a local
// copy, never on cfg itself.
func (o *Orchestrator) Run(ctx context.Context, req Request, cfg Config) (Result, error) {
	ctx, span := tracing.Tracer().Start(ctx, "optimize.Run")
	defer span.End()

	start := time.Now()

	if err := validateInput(req); err != nil {
		return Result{}, err
	}

	budget := req.BudgetOverride
	if budget <= 0 {
		budget = cfg.TargetBudgetTokens
		if budget <= 0 {
			budget = 4096
		}
	}

	model := req.TargetModel
	countFn := func(text string) int {
		n, _ := o.tok.Count(model, text)
		return n
	}

	var timings StageTimings
	var degraded []string
	route := RouteHeuristic
	fallbackState := StateDone

	t0 := time.Now()
	blocks, tokenizerFellBack := Canonicalize(req, model, o.tok)
	timings.Canonicalize = time.Since(t0).Milliseconds()

	hadSystemInput := hasKind(blocks, KindSystem)
	original := cloneAll(blocks)
	tokensBefore := TotalTokens(blocks)

	t0 = time.Now()
	blocks = RunHeuristics(blocks, cfg.Heuristics, countFn)
	timings.Heuristics = time.Since(t0).Milliseconds()

	var extractedConstraints []string
	for _, b := range blocks {
		if b.Kind == KindConstraint {
			extractedConstraints = append(extractedConstraints, b.Content)
		}
	}

	var cacheHit bool
	var dropped []DroppedBlock

	// compute runs the budget-driven stages (semantic selection, then
	// compression) against the heuristics output. It is the unit of work
	// GetOrCompute single-flights across concurrent identical requests (S8),
	// and its result is what gets cached, so a run that never goes over
	// budget still populates the cache instead of only the over-budget path.
	compute := func() (*CacheEntry, error) {
		stageBlocks := blocks
		stageRoute := RouteHeuristic
		var stageDegraded []string
		var stageDropped []DroppedBlock

		if TotalTokens(stageBlocks) > budget {
			if cfg.EnableSemantic {
				ts := time.Now()
				sel, selDropped, err := o.runSemantic(ctx, stageBlocks, budget, req.TenantID, cfg)
				timings.Semantic = time.Since(ts).Milliseconds()
				if err != nil {
					stageDegraded = append(stageDegraded, "semantic")
				} else {
					stageBlocks = sel
					stageDropped = append(stageDropped, selDropped...)
					stageRoute = RouteHeuristicSemantic
				}
			}

			if cfg.EnableCompression && TotalTokens(stageBlocks) > budget {
				ts := time.Now()
				o.runCompression(ctx, stageBlocks, countFn)
				timings.Compression = time.Since(ts).Milliseconds()
				if stageRoute == RouteHeuristicSemantic {
					stageRoute = RouteHeuristicSemanticComp
				}
			}
		}

		return &CacheEntry{
			Blocks:    cloneAll(stageBlocks),
			Dropped:   stageDropped,
			Stats:     Stats{Route: stageRoute, DegradedStages: stageDegraded},
			CreatedAt: time.Now(),
			ExpiresAt: time.Now().Add(cfg.CacheTTL),
		}, nil
	}

	cacheEnabled := cfg.EnableCache && o.cache != nil
	if cacheEnabled {
		cacheKey := Key(model, o.encodingName(model, cfg), blocks, budget)
		t0 = time.Now()
		entry, hit, err := o.cache.GetOrCompute(cacheKey, func() (*CacheEntry, error) {
			e, cerr := compute()
			if cerr != nil {
				return nil, cerr
			}
			e.Key = cacheKey
			return e, nil
		})
		timings.Cache = time.Since(t0).Milliseconds()
		if err != nil {
			degraded = append(degraded, "cache")
			entry, _ = compute()
		}
		blocks = entry.Blocks
		dropped = append(dropped, entry.Dropped...)
		route = entry.Stats.Route
		degraded = append(degraded, entry.Stats.DegradedStages...)
		cacheHit = hit
		if cacheHit {
			route += "+cache-hit"
		}
	} else {
		entry, _ := compute()
		blocks = entry.Blocks
		dropped = append(dropped, entry.Dropped...)
		route = entry.Stats.Route
		degraded = append(degraded, entry.Stats.DegradedStages...)
	}

	t0 = time.Now()
	blocks, validateDropped, fbState, fbFailed := o.validateWithFallback(ctx, blocks, original, extractedConstraints, hadSystemInput, budget, req.TenantID, countFn, cfg)
	timings.Validate = time.Since(t0).Milliseconds()
	dropped = append(dropped, validateDropped...)
	fallbackState = fbState

	if fbState != StateInitial && fbState != StateDone {
		route += RouteFallbackSuffix
	}

	if fbFailed {
		return Result{}, &Error{Code: CodeValidationFailed, Message: "post-conditions failed after minimal-safe fallback"}
	}

	tokensAfter := TotalTokens(blocks)
	ratio := 0.0
	if tokensBefore > 0 {
		ratio = 1 - float64(tokensAfter)/float64(tokensBefore)
	}

	stats := Stats{
		TokensBefore:      tokensBefore,
		TokensAfter:       tokensAfter,
		TokensSaved:       tokensBefore - tokensAfter,
		CompressionRatio:  ratio,
		Route:             route,
		CacheHit:          cacheHit,
		FallbackUsed:      fbState != StateInitial && fbState != StateDone,
		LatencyMs:         time.Since(start).Milliseconds(),
		StageTimingsMs:    timings,
		TokenizerFallback: tokenizerFellBack,
		DegradedStages:    degraded,
		FallbackState:     string(fallbackState),
	}
	if faithfulness, ok := meanFaithfulness(blocks); ok {
		stats.FaithfulnessScore = faithfulness
		stats.HasFaithfulness = true
	}

	o.recordMetrics(stats)
	span.SetAttributes(
		attribute.String("optimize.route", route),
		attribute.Int("optimize.tokens_before", tokensBefore),
		attribute.Int("optimize.tokens_after", tokensAfter),
	)

	return Result{BlocksOut: blocks, Stats: stats, Dropped: dropped}, nil
}

func validateInput(req Request) error {
	if len(req.Messages) == 0 {
		return &Error{Code: CodeInputInvalid, Message: "request has no messages"}
	}
	hasNonEmptyUser := false
	for _, m := range req.Messages {
		if m.Role == "user" && m.Content != "" {
			hasNonEmptyUser = true
		}
	}
	if !hasNonEmptyUser {
		return &Error{Code: CodeInputInvalid, Message: "request has no non-empty user content"}
	}
	return nil
}

func (o *Orchestrator) encodingName(model string, cfg Config) string {
	if cfg.TokenizerEncoding != nil {
		return cfg.TokenizerEncoding(model)
	}
	return "cl100k_base"
}

func (o *Orchestrator) runSemantic(ctx context.Context, blocks []*Block, budget int, tenantID string, cfg Config) ([]*Block, []DroppedBlock, error) {
	embed := func(text string) ([]float32, error) {
		if o.embedder == nil {
			return nil, errNoEmbedder
		}
		return o.embedder.Embed(ctx, text)
	}
	var lookup func([]float32, int) []VectorRecord
	if o.vectors != nil {
		lookup = func(q []float32, perKind int) []VectorRecord {
			matches, err := o.vectors.Search(tenantID, q, perKind)
			if err != nil {
				return nil
			}
			recs := make([]VectorRecord, len(matches))
			for i, m := range matches {
				recs[i] = m.Record
			}
			return recs
		}
	}
	return Select(blocks, budget, tenantID, cfg.Selector, embed, lookup)
}

func (o *Orchestrator) runCompression(ctx context.Context, blocks []*Block, countFn func(string) int) {
	if o.compressor == nil {
		return
	}
	for _, b := range blocks {
		if b.MustKeep {
			continue
		}
		accepted, reason := o.compressor.Compress(ctx, b, countFn)
		if !accepted && reason != "" {
			log.Debug().Str("block_id", b.ID).Str("reason", reason).Msg("compression candidate rejected")
		}
	}
}

func (o *Orchestrator) validateWithFallback(ctx context.Context, blocks, original []*Block, extractedConstraints []string, hadSystemInput bool, budget int, tenantID string, countFn func(string) int, cfg Config) ([]*Block, []DroppedBlock, FallbackState, bool) {
	state := StateInitial
	var dropped []DroppedBlock
	keepN := cfg.Heuristics.KeepLastNTurns

	for {
		result := Validate(blocks, original, extractedConstraints, hadSystemInput, budget)
		next := nextFallbackState(state, result.Failures)

		if next == StateDone {
			return blocks, dropped, state, false
		}

		switch next {
		case StateUndoCompression:
			undoCompression(blocks, countFn)
		case StateWidenKeep:
			keepN += 2
			blocks = keepLastNTurns(blocks, keepN)

			if TotalTokens(blocks) > budget {
				if cfg.EnableSemantic {
					if sel, selDropped, err := o.runSemantic(ctx, blocks, budget, tenantID, cfg); err == nil {
						blocks = sel
						dropped = append(dropped, selDropped...)
					}
				}
				if cfg.EnableCompression && TotalTokens(blocks) > budget {
					o.runCompression(ctx, blocks, countFn)
				}
			}
		case StateMinimalSafe:
			kept, minDropped := minimalSafe(blocks)
			dropped = append(dropped, minDropped...)
			blocks = kept

			final := Validate(blocks, original, extractedConstraints, hadSystemInput, budget)
			if !final.Passed {
				return blocks, dropped, StateMinimalSafe, true
			}
			return blocks, dropped, StateMinimalSafe, false
		}

		state = next
	}
}

func meanFaithfulness(blocks []*Block) (float64, bool) {
	var sum float64
	var n int
	for _, b := range blocks {
		if !b.Compressed {
			continue
		}
		sum += Faithfulness(b.OriginalContent, b.Content)
		n++
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

func (o *Orchestrator) recordMetrics(stats Stats) {
	if o.metrics == nil {
		return
	}
	o.metrics.ObserveMiddlewareTime("optimize", "canonicalize", float64(stats.StageTimingsMs.Canonicalize)/1000)
	o.metrics.ObserveMiddlewareTime("optimize", "heuristics", float64(stats.StageTimingsMs.Heuristics)/1000)
	o.metrics.ObserveMiddlewareTime("optimize", "cache", float64(stats.StageTimingsMs.Cache)/1000)
	o.metrics.ObserveMiddlewareTime("optimize", "semantic", float64(stats.StageTimingsMs.Semantic)/1000)
	o.metrics.ObserveMiddlewareTime("optimize", "compression", float64(stats.StageTimingsMs.Compression)/1000)
	o.metrics.ObserveMiddlewareTime("optimize", "validate", float64(stats.StageTimingsMs.Validate)/1000)
}

func cloneAll(blocks []*Block) []*Block {
	out := make([]*Block, len(blocks))
	for i, b := range blocks {
		out[i] = b.Clone()
	}
	return out
}

var errNoEmbedder = &Error{Code: CodeUpstreamDegraded, Message: "no embedder configured"}
