package optimize

// Message is one turn of the input conversation, already reduced to plain
// text by the caller (the proxy's format translation layer extracts text
// from provider-specific content-block shapes before handing messages to
// the pipeline).
type Message struct {
	Role    string
	Content string
}

// ToolSchema describes one callable tool offered to the model.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
	Required    []string
	Examples    []string
}

// Doc is a retrieved document to be considered for inclusion.
type Doc struct {
	ID       string
	Content  string
	Metadata map[string]string
}

// Request is the core pipeline's single input value.
type Request struct {
	Messages      []Message
	Tools         []ToolSchema
	Docs          []Doc
	TargetModel   string
	TenantID      string
	BudgetOverride int // 0 means "use config.Pipeline.TargetBudgetTokens"
}

// DroppedBlock records one block that did not make it into the final
// output, and why.
type DroppedBlock struct {
	ID     string
	Kind   Kind
	Tokens int
	Reason string
}

// Dropped-block reasons.
const (
	ReasonOverBudget    = "over-budget"
	ReasonLowUtility    = "low-utility"
	ReasonMMRRedundant  = "mmr-redundant"
	ReasonKindCap       = "kind-cap"
	ReasonJunk          = "junk"
	ReasonDuplicate     = "duplicate"
	ReasonToolDisallow  = "tool-disallowed"
	ReasonMinimalSafe   = "dropped-at-minimal-safe"
)

// StageTimings records per-stage wall-clock duration in milliseconds.
type StageTimings struct {
	Canonicalize int64
	Heuristics   int64
	Cache        int64
	Semantic     int64
	Compression  int64
	Validate     int64
}

// Stats is the optimization summary returned alongside the blocks.
type Stats struct {
	TokensBefore      int
	TokensAfter       int
	TokensSaved       int
	CompressionRatio  float64
	Route             string
	CacheHit          bool
	FallbackUsed      bool
	LatencyMs         int64
	StageTimingsMs    StageTimings
	FaithfulnessScore float64
	HasFaithfulness   bool
	TokenizerFallback bool
	DegradedStages    []string
	FallbackState     string
}

// Result is the output of one Run.
type Result struct {
	BlocksOut []*Block
	Stats     Stats
	Dropped   []DroppedBlock
}

// Route labels, built up from the set of stages that materially modified
// the block list.
const (
	RouteHeuristic             = "heuristic"
	RouteCache                 = "cache"
	RouteHeuristicCacheHit     = "heuristic+cache-hit"
	RouteHeuristicSemantic     = "heuristic+semantic"
	RouteHeuristicSemanticComp = "heuristic+semantic+compression"
	RouteFallbackSuffix        = "+fallback"
)
