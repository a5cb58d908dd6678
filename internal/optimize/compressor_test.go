package optimize

import (
	"context"
	"strings"
	"testing"
)

func countWords(s string) int { return len(strings.Fields(s)) }

func TestCompressorFallsBackToExtractiveWithoutProvider(t *testing.T) {
	c := NewCompressor(CompressorConfig{})
	if c.cfg.ProviderURL != "" {
		t.Fatal("expected no provider URL by default")
	}

	content := "The invoice total is 48213 dollars. Payment is due on Friday. " +
		"The customer id is ABCDEF1234. Please confirm receipt. " +
		"Thank you for your continued business with us."
	b := NewBlock(KindDoc, content, "retrieved:1", 0)
	b.TokenCount = countWords(content)

	accepted, reason := c.Compress(context.Background(), b, countWords)
	if !accepted {
		t.Fatalf("expected extractive fallback to produce an accepted candidate, reason=%q", reason)
	}
	if !b.Compressed {
		t.Fatal("expected block to be marked Compressed on acceptance")
	}
	if b.OriginalContent != content {
		t.Fatal("expected OriginalContent to hold the pre-compression text")
	}
	if b.TokenCount >= countWords(content) {
		t.Fatal("expected the compressed candidate to use fewer tokens")
	}
}

func TestCompressorRejectsWhenFaithfulnessDropsIdentifier(t *testing.T) {
	c := NewCompressor(CompressorConfig{FaithfulnessThreshold: 0.99})
	content := "order ABCDEF1234 shipped today"
	b := NewBlock(KindDoc, content, "retrieved:1", 0)
	b.TokenCount = countWords(content)

	// Force a hand-built candidate via Faithfulness directly: dropping the
	// identifier should score below any reasonable threshold.
	score := Faithfulness(content, "order shipped today")
	if score >= 0.99 {
		t.Fatalf("expected dropping an identifier to reduce faithfulness, got %f", score)
	}
}

func TestIdentifierRegexMatchesThreeDigitStatusCodes(t *testing.T) {
	matches := identifierRe.FindAllString("returns 200 on success, 404 on not found, and 500 on error", -1)
	if len(matches) != 3 {
		t.Fatalf("expected the 3-digit status codes 200/404/500 to be recognized as identifiers, got %v", matches)
	}
}

func TestCompressorRejectsWhenCandidateDropsHTTPStatusCodes(t *testing.T) {
	content := "The endpoint returns 200 on success, 404 on not found, and 500 on error."
	score := Faithfulness(content, "The endpoint returns a status code depending on the outcome.")
	if score >= 0.85 {
		t.Fatalf("expected dropping the 200/404/500 status codes to fail the faithfulness gate, got %f", score)
	}
}

func TestFaithfulnessIdenticalTextIsPerfect(t *testing.T) {
	if got := Faithfulness("identical text here", "identical text here"); got != 1 {
		t.Fatalf("expected perfect faithfulness for identical text, got %f", got)
	}
}

func TestPreservesDelimitersRejectsLostCodeFence(t *testing.T) {
	original := "before ```code``` after"
	if preservesDelimiters(original, "before after, no fence") {
		t.Fatal("expected a dropped code fence to fail delimiter preservation")
	}
	if !preservesDelimiters(original, "before ```code``` after, reworded") {
		t.Fatal("expected a preserved code fence to pass")
	}
}

func TestExtractiveCompressShortensMultiSentenceText(t *testing.T) {
	content := "First sentence here. Second sentence adds detail. Third sentence is mostly filler chatter. " +
		"Fourth sentence repeats the first sentence idea."
	out := extractiveCompress(content, 0.5)
	if len(out) >= len(content) {
		t.Fatal("expected extractive compression to shorten multi-sentence content")
	}
}

func TestExtractiveCompressSingleSentenceIsNoOp(t *testing.T) {
	content := "just one sentence with no terminal punctuation"
	if out := extractiveCompress(content, 0.5); out != content {
		t.Fatal("expected single-sentence content to pass through unchanged")
	}
}
