package optimize

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// HeuristicsConfig carries the subset of config.PipelineConfig the
// heuristics stage needs. It is a plain struct (not config.PipelineConfig
// itself) so this package has no import-time dependency on internal/config,
// matching the way internal/compress/rules.go takes its own RulesConfig
// rather than importing internal/config directly.
type HeuristicsConfig struct {
	JunkPatterns        []string
	ToolAllowlist       []string
	JSONTruncateItems   int
	JSONTruncateChars   int
	LogErrorWindowLines int
	LogTailLines        int
	KeepLastNTurns      int
}

// RunHeuristics applies the seven deterministic transforms in fixed order
// (4.3). It returns the transformed block list; constraint extraction may
// append one new block.
func RunHeuristics(blocks []*Block, cfg HeuristicsConfig, countFn func(string) int) []*Block {
	protected := lastNTurnIDs(blocks, cfg.KeepLastNTurns)
	blocks = junkRemoval(blocks, cfg.JunkPatterns, protected)
	blocks = deduplicate(blocks)
	blocks = minimizeToolSchemas(blocks, cfg.ToolAllowlist, countFn)
	blocks = compactJSON(blocks, cfg.JSONTruncateChars, cfg.JSONTruncateItems, countFn)
	blocks = trimLogs(blocks, cfg.LogErrorWindowLines, cfg.LogTailLines, countFn)
	blocks = keepLastNTurns(blocks, cfg.KeepLastNTurns)
	blocks = extractConstraints(blocks, countFn)
	return blocks
}

// --- (a) junk removal ---

func compileJunkPatterns(patterns []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			continue
		}
		out = append(out, re)
	}
	return out
}

// junkRemoval drops non-must_keep assistant blocks whose normalized content
// is empty or matches a junk pattern. protected holds the IDs of blocks in
// the last n turns (f); a junk-looking reply there is kept rather than
// deleted, since (f) hasn't run yet to mark it must_keep itself.
func junkRemoval(blocks []*Block, patterns []string, protected map[string]bool) []*Block {
	res := compileJunkPatterns(patterns)
	out := make([]*Block, 0, len(blocks))
	for _, b := range blocks {
		if !b.MustKeep && !protected[b.ID] && b.Kind == KindAssistant && isJunk(b.Content, res) {
			continue
		}
		out = append(out, b)
	}
	return out
}

func isJunk(content string, patterns []*regexp.Regexp) bool {
	if strings.TrimSpace(normalize(content)) == "" {
		return true
	}
	for _, re := range patterns {
		if re.MatchString(content) {
			return true
		}
	}
	return false
}

// --- (b) deduplication ---

// deduplicate groups non-must_keep blocks by fingerprint, keeping the
// greatest-timestamp member of each group (P7).
func deduplicate(blocks []*Block) []*Block {
	keep, rest := ByMustKeep(blocks)

	best := make(map[string]*Block)
	for _, b := range rest {
		cur, ok := best[b.Fingerprint]
		if !ok || b.Timestamp > cur.Timestamp {
			best[b.Fingerprint] = b
		}
	}

	survivors := make([]*Block, 0, len(rest))
	seen := make(map[string]bool)
	for _, b := range rest {
		if best[b.Fingerprint] == b && !seen[b.Fingerprint] {
			survivors = append(survivors, b)
			seen[b.Fingerprint] = true
		}
	}

	return mergeOriginalOrder(keep, survivors, blocks)
}

// mergeOriginalOrder rebuilds a single list from two disjoint subsets of
// original, preserving original's relative ordering.
func mergeOriginalOrder(a, b []*Block, original []*Block) []*Block {
	include := make(map[string]bool, len(a)+len(b))
	for _, blk := range a {
		include[blk.ID] = true
	}
	for _, blk := range b {
		include[blk.ID] = true
	}
	out := make([]*Block, 0, len(include))
	for _, blk := range original {
		if include[blk.ID] {
			out = append(out, blk)
		}
	}
	return out
}

// --- (c) tool-schema minimization ---

// toolSchemaFields is the set of keys retained on a tool block's content;
// everything else (description, examples) is dropped.
var toolSchemaFields = []string{"name", "parameters", "required"}

func minimizeToolSchemas(blocks []*Block, allowlist []string, countFn func(string) int) []*Block {
	allowed := make(map[string]bool, len(allowlist))
	allowAll := false
	for _, name := range allowlist {
		if name == "*" {
			allowAll = true
		}
		allowed[name] = true
	}

	out := make([]*Block, 0, len(blocks))
	for _, b := range blocks {
		if b.Kind != KindTool {
			out = append(out, b)
			continue
		}

		name, minimized, ok := minimizeToolContent(b.Content)
		if !ok {
			out = append(out, b)
			continue
		}

		if len(allowlist) > 0 && !allowAll && !allowed[name] {
			continue
		}

		b.SetContent(minimized, countFn)
		out = append(out, b)
	}
	return out
}

func minimizeToolContent(content string) (name string, minimized string, ok bool) {
	var full map[string]interface{}
	if err := json.Unmarshal([]byte(content), &full); err != nil {
		return "", "", false
	}
	name, _ = full["name"].(string)

	trimmed := make(map[string]interface{}, len(toolSchemaFields))
	for _, field := range toolSchemaFields {
		if v, ok := full[field]; ok {
			trimmed[field] = v
		}
	}
	b, err := json.Marshal(trimmed)
	if err != nil {
		return name, "", false
	}
	return name, string(b), true
}

// --- (d) JSON/TOON compaction ---

const elisionMarker = "[... %d more records elided ...]"

// compactJSON rewrites any block whose content is a JSON array of uniform
// objects, and whose length exceeds truncateChars, into a header line of
// keys followed by one pipe-delimited row per record.
func compactJSON(blocks []*Block, truncateChars, truncateItems int, countFn func(string) int) []*Block {
	for _, b := range blocks {
		if len(b.Content) <= truncateChars {
			continue
		}
		toon, ok := jsonArrayToTOON(b.Content, truncateItems)
		if !ok {
			continue
		}
		b.SetContent(toon, countFn)
	}
	return blocks
}

// jsonArrayToTOON converts a JSON array-of-objects string to a tabular
// encoding. Returns ok=false if content is not such an array.
func jsonArrayToTOON(content string, truncateItems int) (string, bool) {
	var records []map[string]interface{}
	if err := json.Unmarshal([]byte(content), &records); err != nil {
		return "", false
	}
	if len(records) == 0 {
		return "", false
	}

	keys := sortedKeys(records[0])
	if len(keys) == 0 {
		return "", false
	}

	total := len(records)
	if truncateItems > 0 && total > truncateItems {
		records = records[:truncateItems]
	}

	var b strings.Builder
	b.WriteString(strings.Join(keys, "|"))
	for _, rec := range records {
		b.WriteByte('\n')
		vals := make([]string, len(keys))
		for i, k := range keys {
			vals[i] = fmt.Sprintf("%v", rec[k])
		}
		b.WriteString(strings.Join(vals, "|"))
	}
	if truncateItems > 0 && total > truncateItems {
		b.WriteByte('\n')
		fmt.Fprintf(&b, elisionMarker, total-truncateItems)
	}
	return b.String(), true
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// --- (e) log trimming ---

var logErrorLineRe = regexp.MustCompile(`ERROR|Exception|Traceback`)

// logSourcePrefix marks a block as log output by its Source tag, set by the
// caller/canonicalizer convention "log:<name>".
const logSourcePrefix = "log:"

func isLogBlock(b *Block) bool {
	return strings.HasPrefix(b.Source, logSourcePrefix)
}

// trimLogs keeps lines within windowLines of a matched error line, plus the
// final tailLines, collapsing gaps with an elision marker.
func trimLogs(blocks []*Block, windowLines, tailLines int, countFn func(string) int) []*Block {
	for _, b := range blocks {
		if !isLogBlock(b) {
			continue
		}
		trimmed := trimLogLines(b.Content, windowLines, tailLines)
		b.SetContent(trimmed, countFn)
	}
	return blocks
}

func trimLogLines(content string, windowLines, tailLines int) string {
	lines := strings.Split(content, "\n")
	n := len(lines)
	keep := make([]bool, n)

	for i, line := range lines {
		if logErrorLineRe.MatchString(line) {
			lo, hi := i-windowLines, i+windowLines
			if lo < 0 {
				lo = 0
			}
			if hi > n-1 {
				hi = n - 1
			}
			for j := lo; j <= hi; j++ {
				keep[j] = true
			}
		}
	}
	for i := n - tailLines; i < n; i++ {
		if i >= 0 {
			keep[i] = true
		}
	}

	var out []string
	gap := 0
	for i, line := range lines {
		if keep[i] {
			if gap > 0 {
				out = append(out, fmt.Sprintf("[...elided %d lines...]", gap))
				gap = 0
			}
			out = append(out, line)
		} else {
			gap++
		}
	}
	if gap > 0 {
		out = append(out, fmt.Sprintf("[...elided %d lines...]", gap))
	}
	return strings.Join(out, "\n")
}

// --- (f) keep last N turns ---

// lastNTurnIDs identifies consecutive user/assistant runs in timestamp order
// as turns, and returns the IDs of every block in the last n turns. Shared
// by (a), which must not delete a turn-recent assistant reply before (f)
// has had a chance to protect it, and (f) itself.
func lastNTurnIDs(blocks []*Block, n int) map[string]bool {
	ids := make(map[string]bool)
	if n <= 0 {
		return ids
	}
	ordered := SortByTimestamp(blocks)

	type turn struct{ indices []int }
	var turns []turn
	var current turn
	for i, b := range ordered {
		if b.Kind != KindUser && b.Kind != KindAssistant {
			continue
		}
		current.indices = append(current.indices, i)
		if b.Kind == KindAssistant {
			turns = append(turns, current)
			current = turn{}
		}
	}
	if len(current.indices) > 0 {
		turns = append(turns, current)
	}

	start := len(turns) - n
	if start < 0 {
		start = 0
	}
	for _, t := range turns[start:] {
		for _, idx := range t.indices {
			ids[ordered[idx].ID] = true
		}
	}
	return ids
}

// keepLastNTurns marks every block in the last n turns must_keep.
func keepLastNTurns(blocks []*Block, n int) []*Block {
	ids := lastNTurnIDs(blocks, n)
	for _, b := range blocks {
		if ids[b.ID] {
			b.MustKeep = true
		}
	}
	return blocks
}

// --- (g) constraint extraction ---

var constraintKeywordRe = regexp.MustCompile(`\b(MUST NOT|MUST|ALWAYS|NEVER|FORMAT|JSON|DEADLINE)\b`)

// extractConstraints scans system, developer, and user blocks for lines
// containing a constraint keyword, collecting them into a single new
// constraint block placed immediately after the last system block.
func extractConstraints(blocks []*Block, countFn func(string) int) []*Block {
	var lines []string
	for _, b := range blocks {
		if b.Kind != KindSystem && b.Kind != KindDeveloper && b.Kind != KindUser {
			continue
		}
		for _, line := range strings.Split(b.Content, "\n") {
			if constraintKeywordRe.MatchString(line) {
				lines = append(lines, strings.TrimSpace(line))
			}
		}
	}
	if len(lines) == 0 {
		return blocks
	}

	content := strings.Join(lines, "\n")
	lastSystemIdx := -1
	for i, b := range blocks {
		if b.Kind == KindSystem {
			lastSystemIdx = i
		}
	}

	cb := NewBlock(KindConstraint, content, "constraint-extraction", nextTimestamp(blocks, lastSystemIdx))
	cb.MustKeep = true
	cb.TokenCount = countFn(content)

	if lastSystemIdx < 0 {
		return append([]*Block{cb}, blocks...)
	}
	out := make([]*Block, 0, len(blocks)+1)
	out = append(out, blocks[:lastSystemIdx+1]...)
	out = append(out, cb)
	out = append(out, blocks[lastSystemIdx+1:]...)
	return out
}

// nextTimestamp picks a timestamp for a newly inserted block that keeps it
// ordered immediately after afterIdx without colliding with an existing
// timestamp.
func nextTimestamp(blocks []*Block, afterIdx int) int64 {
	if afterIdx < 0 || afterIdx >= len(blocks) {
		if len(blocks) == 0 {
			return 0
		}
		return blocks[0].Timestamp - 1
	}
	base := blocks[afterIdx].Timestamp
	if afterIdx+1 < len(blocks) && blocks[afterIdx+1].Timestamp == base+1 {
		// No integer gap available; fall back to the same timestamp as the
		// anchor block. Relative kind-order (I2) is unaffected since
		// constraint is its own kind.
		return base
	}
	return base + 1
}
