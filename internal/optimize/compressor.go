package optimize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// CompressorConfig configures the compression stage (4.7).
type CompressorConfig struct {
	Ratio                 float64
	FaithfulnessThreshold float64
	ProviderURL           string
	APIKey                string
	Model                 string
}

// Compressor produces a shorter candidate for a block's content and reports
// whether the candidate is faithful enough, and smaller, to accept.
type Compressor struct {
	cfg    CompressorConfig
	client *http.Client
}

// NewCompressor builds a Compressor. If cfg.ProviderURL is empty, Compress
// always uses the extractive fallback.
func NewCompressor(cfg CompressorConfig) *Compressor {
	if cfg.Ratio <= 0 || cfg.Ratio >= 1 {
		cfg.Ratio = 0.5
	}
	if cfg.FaithfulnessThreshold <= 0 {
		cfg.FaithfulnessThreshold = 0.85
	}
	return &Compressor{cfg: cfg, client: &http.Client{Timeout: 20 * time.Second}}
}

// delimiterRe matches the delimiter tokens the compressor must preserve.
var delimiterRe = regexp.MustCompile("[\\n.!?]|```")

// Compress runs the per-block compression algorithm (4.7). blocks that are
// must_keep are never passed here by the Orchestrator; Compress itself does
// not check MustKeep so it can be unit tested directly against any block.
func (c *Compressor) Compress(ctx context.Context, b *Block, countFn func(string) int) (accepted bool, reason string) {
	target := int(math.Ceil(float64(b.TokenCount) * c.cfg.Ratio))
	if target < 1 {
		target = 1
	}

	candidate, err := c.learnedCompress(ctx, b.Content, target)
	if err != nil {
		log.Debug().Err(err).Msg("learned compressor unavailable, using extractive fallback")
		candidate = extractiveCompress(b.Content, c.cfg.Ratio)
	}

	if !preservesDelimiters(b.Content, candidate) {
		return false, "delimiters-not-preserved"
	}

	faithfulness := Faithfulness(b.Content, candidate)
	candidateTokens := countFn(candidate)

	if faithfulness < c.cfg.FaithfulnessThreshold {
		return false, "below-faithfulness-threshold"
	}
	if candidateTokens >= b.TokenCount {
		return false, "not-smaller"
	}

	b.OriginalContent = b.Content
	b.SetContent(candidate, countFn)
	b.Compressed = true
	return true, ""
}

// preservesDelimiters requires that every delimiter class present in
// original still appears at least once in candidate.
func preservesDelimiters(original, candidate string) bool {
	classes := map[string]bool{}
	for _, m := range delimiterRe.FindAllString(original, -1) {
		classes[m] = true
	}
	for cls := range classes {
		if !strings.Contains(candidate, cls) {
			return false
		}
	}
	return true
}

// Faithfulness returns a score in [0,1] combining token-overlap F1 with
// identifier-Jaccard, taking the minimum of the two so a candidate cannot
// score well by preserving prose while silently dropping an identifier.
func Faithfulness(original, candidate string) float64 {
	f1 := tokenOverlapF1(original, candidate)
	idJaccard := identifierJaccard(original, candidate)
	return math.Min(f1, idJaccard)
}

func tokenOverlapF1(a, b string) float64 {
	wordsA := strings.Fields(strings.ToLower(a))
	wordsB := strings.Fields(strings.ToLower(b))
	if len(wordsA) == 0 && len(wordsB) == 0 {
		return 1
	}
	if len(wordsA) == 0 || len(wordsB) == 0 {
		return 0
	}

	counts := make(map[string]int, len(wordsA))
	for _, w := range wordsA {
		counts[w]++
	}
	overlap := 0
	for _, w := range wordsB {
		if counts[w] > 0 {
			counts[w]--
			overlap++
		}
	}

	precision := float64(overlap) / float64(len(wordsB))
	recall := float64(overlap) / float64(len(wordsA))
	if precision+recall == 0 {
		return 0
	}
	return 2 * precision * recall / (precision + recall)
}

// identifierJaccard returns 1.0 only if every identifier-like token in
// original also appears in candidate, per 4.7's "reject any candidate that
// drops a block's identifiers wholesale" requirement.
func identifierJaccard(original, candidate string) float64 {
	idsOrig := uniqueStrings(identifierRe.FindAllString(original, -1))
	if len(idsOrig) == 0 {
		return 1
	}
	idsCand := toSet(identifierRe.FindAllString(candidate, -1))

	present := 0
	for _, id := range idsOrig {
		if idsCand[id] {
			present++
		}
	}
	return float64(present) / float64(len(idsOrig))
}

func uniqueStrings(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func toSet(in []string) map[string]bool {
	out := make(map[string]bool, len(in))
	for _, s := range in {
		out[s] = true
	}
	return out
}

// --- learned compressor (external call) ---

type compressRequest struct {
	Model     string `json:"model"`
	MaxTokens int    `json:"max_tokens"`
	Messages  []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

type compressResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// learnedCompress calls an external compression model when ProviderURL is
// configured. It returns an error (never panics) so Compress can fall back
// to the extractive path.
func (c *Compressor) learnedCompress(ctx context.Context, content string, targetTokens int) (string, error) {
	if c.cfg.ProviderURL == "" {
		return "", fmt.Errorf("optimize: no compression provider configured")
	}

	prompt := fmt.Sprintf(
		"Rewrite the following text to approximately %d tokens, preserving every fact, identifier, and instruction exactly:\n\n%s",
		targetTokens, content,
	)

	reqBody := compressRequest{Model: c.cfg.Model, MaxTokens: targetTokens * 4}
	reqBody.Messages = []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}{{Role: "user", Content: prompt}}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("optimize: marshaling compression request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.ProviderURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("optimize: building compression request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.cfg.APIKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("optimize: calling compression provider: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("optimize: reading compression response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("optimize: compression provider returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed compressResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("optimize: unmarshaling compression response: %w", err)
	}
	for _, blk := range parsed.Content {
		if blk.Type == "text" && blk.Text != "" {
			return blk.Text, nil
		}
	}
	return "", fmt.Errorf("optimize: compression response contained no text")
}

// --- extractive fallback ---

// extractiveCompress ranks sentences by a graph-rank-style co-occurrence
// score, boosts sentences containing constraint keywords or identifiers,
// and keeps the top-ranked sentences (in original order) until the target
// ratio of the original length is reached.
func extractiveCompress(content string, ratio float64) string {
	sentences := splitSentences(content)
	if len(sentences) <= 1 {
		return content
	}

	scores := graphRankScore(sentences)
	for i, s := range sentences {
		if countConstraintKeywords(s) > 0 {
			scores[i] += 0.5
		}
		if len(identifierRe.FindAllString(s, -1)) > 0 {
			scores[i] += 0.5
		}
	}

	type ranked struct {
		idx   int
		score float64
	}
	rankedSentences := make([]ranked, len(sentences))
	for i, s := range scores {
		rankedSentences[i] = ranked{idx: i, score: s}
	}
	sort.Slice(rankedSentences, func(i, j int) bool { return rankedSentences[i].score > rankedSentences[j].score })

	targetLen := int(math.Ceil(float64(len(content)) * ratio))
	keep := make(map[int]bool)
	kept := 0
	for _, r := range rankedSentences {
		if kept >= targetLen && len(keep) > 0 {
			break
		}
		keep[r.idx] = true
		kept += len(sentences[r.idx])
	}

	var out []string
	for i, s := range sentences {
		if keep[i] {
			out = append(out, s)
		}
	}
	return strings.Join(out, " ")
}

var sentenceSplitRe = regexp.MustCompile(`(?:[^.!?\n]+[.!?\n]?)`)

func splitSentences(content string) []string {
	raw := sentenceSplitRe.FindAllString(content, -1)
	var out []string
	for _, s := range raw {
		trimmed := strings.TrimSpace(s)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// graphRankScore gives each sentence a centrality score equal to its mean
// word-overlap similarity with every other sentence, a lightweight
// TextRank-style approximation adequate for the extractive fallback.
func graphRankScore(sentences []string) []float64 {
	n := len(sentences)
	sets := make([]map[string]bool, n)
	for i, s := range sentences {
		sets[i] = tokenSetLower(s)
	}

	scores := make([]float64, n)
	for i := 0; i < n; i++ {
		var total float64
		for j := 0; j < n; j++ {
			if i == j {
				continue
			}
			total += overlapSimilarity(sets[i], sets[j])
		}
		if n > 1 {
			scores[i] = total / float64(n-1)
		}
	}
	return scores
}

func tokenSetLower(s string) map[string]bool {
	out := map[string]bool{}
	for _, w := range strings.Fields(strings.ToLower(s)) {
		out[w] = true
	}
	return out
}

func overlapSimilarity(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range a {
		if b[w] {
			inter++
		}
	}
	denom := math.Log(float64(len(a))+1) + math.Log(float64(len(b))+1)
	if denom == 0 {
		return 0
	}
	return float64(inter) / denom
}
