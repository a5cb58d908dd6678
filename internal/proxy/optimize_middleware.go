package proxy

import (
	"context"
	"time"

	"github.com/allaspectsdev/promptopt/internal/compress"
	"github.com/allaspectsdev/promptopt/internal/config"
	"github.com/allaspectsdev/promptopt/internal/optimize"
	"github.com/allaspectsdev/promptopt/internal/pipeline"
	"github.com/allaspectsdev/promptopt/internal/tokenizer"
	"github.com/rs/zerolog"
)

// OptimizeMiddleware adapts internal/optimize.Orchestrator to the
// pipeline.Middleware contract, translating between a pipeline.Request and
// the Orchestrator's own Block-based Request/Result so it can sit in the
// same chain as the dedup/rules/cache middlewares (it runs after them,
// since they operate on the raw wire shape and this middleware rewrites
// content wholesale).
type OptimizeMiddleware struct {
	orchestrator *optimize.Orchestrator
	tok          *tokenizer.Tokenizer
	cfg          func() config.PipelineConfig
	logger       zerolog.Logger
	enabled      bool
}

// NewOptimizeMiddleware builds an OptimizeMiddleware. cfg is called on every
// request so a hot-reloaded configuration takes effect without restarting
// the proxy.
func NewOptimizeMiddleware(orch *optimize.Orchestrator, tok *tokenizer.Tokenizer, cfg func() config.PipelineConfig, logger zerolog.Logger, enabled bool) *OptimizeMiddleware {
	return &OptimizeMiddleware{orchestrator: orch, tok: tok, cfg: cfg, logger: logger, enabled: enabled}
}

func (m *OptimizeMiddleware) Name() string  { return "optimize" }
func (m *OptimizeMiddleware) Enabled() bool { return m.enabled }

// ProcessRequest runs the token-budget optimization pipeline over req's
// messages and tools, then rewrites req in place with the optimized
// content. A run-level failure (INPUT_INVALID, VALIDATION_FAILED) aborts
// the request; any other stage degradation is logged and the original
// request is forwarded unmodified, matching the chain's existing
// fail-open convention for non-critical middleware.
func (m *OptimizeMiddleware) ProcessRequest(ctx context.Context, req *pipeline.Request) (*pipeline.Request, error) {
	pc := m.cfg()

	oreq := optimize.Request{
		Messages:    toOptimizeMessages(req),
		Tools:       toOptimizeTools(req.Tools),
		TargetModel: req.Model,
		TenantID:    pc.TenantID,
	}

	ocfg := buildOptimizeConfig(pc, m.tok)

	result, err := m.orchestrator.Run(ctx, oreq, ocfg)
	if err != nil {
		if oerr, ok := err.(*optimize.Error); ok {
			m.logger.Warn().Str("code", string(oerr.Code)).Str("request_id", req.ID).Msg("optimization run failed, forwarding request unmodified")
		}
		return req, nil
	}

	applyResult(req, result)

	if req.Metadata == nil {
		req.Metadata = make(map[string]interface{})
	}
	req.Metadata["optimize_tokens_before"] = result.Stats.TokensBefore
	req.Metadata["optimize_tokens_after"] = result.Stats.TokensAfter
	req.Metadata["optimize_route"] = result.Stats.Route
	req.Metadata["optimize_fallback_state"] = result.Stats.FallbackState

	return req, nil
}

// ProcessResponse is a no-op; the optimization stage only rewrites requests.
func (m *OptimizeMiddleware) ProcessResponse(_ context.Context, _ *pipeline.Request, resp *pipeline.Response) (*pipeline.Response, error) {
	return resp, nil
}

func toOptimizeMessages(req *pipeline.Request) []optimize.Message {
	var out []optimize.Message
	if req.System != "" {
		out = append(out, optimize.Message{Role: "system", Content: req.System})
	}
	for _, sb := range req.SystemBlocks {
		if sb.Text != "" {
			out = append(out, optimize.Message{Role: "system", Content: sb.Text})
		}
	}
	for _, msg := range req.Messages {
		out = append(out, optimize.Message{Role: msg.Role, Content: compress.ExtractText(msg.Content)})
	}
	return out
}

func toOptimizeTools(tools []pipeline.Tool) []optimize.ToolSchema {
	out := make([]optimize.ToolSchema, len(tools))
	for i, t := range tools {
		params, _ := t.InputSchema.(map[string]interface{})
		out[i] = optimize.ToolSchema{Name: t.Name, Description: t.Description, Parameters: params}
	}
	return out
}

// applyResult rewrites req's system/messages from the optimized block list.
// Tool definitions are left as originally parsed: minimizeToolSchemas
// operates on the pipeline's own copy for cost-accounting purposes but the
// upstream provider still needs the full schema to validate tool calls, so
// only the request's conversational content is rewritten in place.
func applyResult(req *pipeline.Request, result optimize.Result) {
	var systemParts []string
	var messages []pipeline.Message

	for _, b := range result.BlocksOut {
		switch b.Kind {
		case optimize.KindSystem, optimize.KindDeveloper, optimize.KindConstraint:
			systemParts = append(systemParts, b.Content)
		case optimize.KindUser:
			messages = append(messages, pipeline.Message{Role: "user", Content: b.Content})
		case optimize.KindAssistant:
			messages = append(messages, pipeline.Message{Role: "assistant", Content: b.Content})
		case optimize.KindTool, optimize.KindDoc:
			messages = append(messages, pipeline.Message{Role: "user", Content: b.Content})
		}
	}

	if len(systemParts) > 0 {
		req.System = joinLines(systemParts)
		req.SystemBlocks = nil
	}
	if len(messages) > 0 {
		req.Messages = messages
	}
}

func joinLines(parts []string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += "\n\n" + p
	}
	return out
}

func buildOptimizeConfig(pc config.PipelineConfig, tok *tokenizer.Tokenizer) optimize.Config {
	return optimize.Config{
		TargetBudgetTokens: pc.TargetBudgetTokens,
		SafetyMarginTokens: pc.SafetyMarginTokens,
		EnableCache:        pc.EnableCache,
		EnableSemantic:     pc.EnableSemantic,
		EnableCompression:  pc.EnableCompression,
		CacheTTL:           time.Duration(pc.CacheTTLSeconds) * time.Second,
		TokenizerEncoding:  tok.GetEncoding,
		Heuristics: optimize.HeuristicsConfig{
			JunkPatterns:        pc.JunkPatterns,
			ToolAllowlist:       pc.ToolAllowlist,
			JSONTruncateItems:   pc.JSONTruncateItems,
			JSONTruncateChars:   pc.JSONTruncateChars,
			LogErrorWindowLines: pc.LogErrorWindowLines,
			LogTailLines:        pc.LogTailLines,
			KeepLastNTurns:      pc.KeepLastNTurns,
		},
		Selector: optimize.SelectorConfig{
			VectorTopK:    pc.VectorTopK,
			MMRLambda:     pc.MMRLambda,
			TypeFractions: pc.TypeFractions,
			RecencyTau:    pc.RecencyTau,
			SourceTrust:   pc.SourceTrust,
			SafetyMargin:  pc.SafetyMarginTokens,
		},
	}
}

var _ pipeline.Middleware = (*OptimizeMiddleware)(nil)
