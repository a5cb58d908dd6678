// Package optimize implements the token-budget optimization pipeline: the
// staged transformation that rewrites a conversation into an equivalent
// prompt that fits a target token budget while preserving the content the
// model needs to answer correctly.
package optimize

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Kind enumerates the category of a Block's content.
type Kind string

const (
	KindSystem     Kind = "system"
	KindDeveloper  Kind = "developer"
	KindUser       Kind = "user"
	KindAssistant  Kind = "assistant"
	KindTool       Kind = "tool"
	KindDoc        Kind = "doc"
	KindConstraint Kind = "constraint"
)

// Valid reports whether k is one of the recognized Block kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindSystem, KindDeveloper, KindUser, KindAssistant, KindTool, KindDoc, KindConstraint:
		return true
	}
	return false
}

// Block is the unit of the pipeline's intermediate representation. Every
// stage consumes and produces a []*Block; no stage mutates a Block it did
// not itself just construct or is explicitly permitted to mutate (content
// changes always go through SetContent so token_count and fingerprint stay
// consistent, per invariants I3 and I5).
type Block struct {
	ID               string
	Kind             Kind
	Content          string
	TokenCount       int
	MustKeep         bool
	Priority         float64
	Timestamp        int64
	Compressed       bool
	OriginalContent  string
	Fingerprint      string
	Source           string

	// Embedding is populated by the semantic selector when the block is a
	// candidate drawn from, or scored against, the vector store. It is not
	// part of the canonical Block contract and is never required to be
	// present.
	Embedding []float32
}

// NewBlock constructs a Block with a fresh id and computed fingerprint. The
// caller is responsible for setting TokenCount via a Tokenizer.
func NewBlock(kind Kind, content string, source string, timestamp int64) *Block {
	return &Block{
		ID:          uuid.NewString(),
		Kind:        kind,
		Content:     content,
		Fingerprint: Fingerprint(content),
		Source:      source,
		Timestamp:   timestamp,
		Priority:    0.5,
	}
}

// Clone returns a deep-enough copy of b suitable for fallback restoration;
// mutating the clone never affects b.
func (b *Block) Clone() *Block {
	cp := *b
	if b.Embedding != nil {
		cp.Embedding = append([]float32(nil), b.Embedding...)
	}
	return &cp
}

// SetContent replaces b.Content and recomputes TokenCount (via countFn) and
// Fingerprint, satisfying I3 and I5.
func (b *Block) SetContent(content string, countFn func(string) int) {
	b.Content = content
	b.Fingerprint = Fingerprint(content)
	if countFn != nil {
		b.TokenCount = countFn(content)
	}
}

var whitespaceRe = regexp.MustCompile(`\s+`)

// normalize lowercases content and collapses runs of whitespace to a single
// space, trimming the result. This is the normalization rule referenced by
// I5 and by the Cache and Validator.
func normalize(content string) string {
	s := strings.ToLower(content)
	s = whitespaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// Fingerprint returns the stable digest of content's normalized form. Two
// blocks with the same content under normalize() have equal fingerprints
// (P7); a Fingerprint is a pure function of content alone (I5).
func Fingerprint(content string) string {
	h := sha256.Sum256([]byte(normalize(content)))
	return hex.EncodeToString(h[:])
}

// TotalTokens sums TokenCount across blocks.
func TotalTokens(blocks []*Block) int {
	total := 0
	for _, b := range blocks {
		total += b.TokenCount
	}
	return total
}

// ByMustKeep splits blocks into the must-keep subsequence and the rest,
// preserving relative order in both groups.
func ByMustKeep(blocks []*Block) (keep, rest []*Block) {
	for _, b := range blocks {
		if b.MustKeep {
			keep = append(keep, b)
		} else {
			rest = append(rest, b)
		}
	}
	return keep, rest
}

// IndexOf returns the index of the block with the given id, or -1.
func IndexOf(blocks []*Block, id string) int {
	for i, b := range blocks {
		if b.ID == id {
			return i
		}
	}
	return -1
}

// SortByTimestamp returns a new slice of blocks ordered by ascending
// Timestamp (stable, so blocks sharing a timestamp keep their relative
// order — this is how I2 is preserved across stages that rebuild the list
// from a filtered/unioned set).
func SortByTimestamp(blocks []*Block) []*Block {
	out := append([]*Block(nil), blocks...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp < out[j].Timestamp
	})
	return out
}
