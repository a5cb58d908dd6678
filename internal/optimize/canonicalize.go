package optimize

import (
	"encoding/json"
	"sort"
)

// counter abstracts token counting so the Canonicalizer does not depend
// directly on the tokenizer package's concrete type, mirroring the
// interface-in-front-of-a-singleton pattern the design notes call for.
type counter interface {
	Count(model, text string) (count int, fellBack bool)
}

// Canonicalize converts a Request's messages, tool schemas, and docs into an
// ordered list of Blocks satisfying the default must_keep rules and
// strictly monotonic timestamps in input order (4.2).
func Canonicalize(req Request, model string, tok counter) ([]*Block, bool) {
	var blocks []*Block
	var ts int64
	fellBack := false

	countText := func(text string) int {
		n, fb := tok.Count(model, text)
		if fb {
			fellBack = true
		}
		return n
	}

	for _, msg := range req.Messages {
		kind := messageKind(msg.Role)
		b := NewBlock(kind, msg.Content, "message:"+msg.Role, ts)
		b.TokenCount = countText(msg.Content)
		blocks = append(blocks, b)
		ts++
	}

	for _, tool := range req.Tools {
		content := encodeToolSchema(tool)
		b := NewBlock(KindTool, content, "tool-schema", ts)
		b.TokenCount = countText(content)
		blocks = append(blocks, b)
		ts++
	}

	for _, doc := range req.Docs {
		source := "retrieved:" + doc.ID
		b := NewBlock(KindDoc, doc.Content, source, ts)
		b.TokenCount = countText(doc.Content)
		blocks = append(blocks, b)
		ts++
	}

	applyDefaultMustKeep(blocks)
	return blocks, fellBack
}

// messageKind maps a chat role to a Block kind. Unrecognized roles are
// treated as user content so nothing from the input is silently dropped.
func messageKind(role string) Kind {
	switch role {
	case "system":
		return KindSystem
	case "developer":
		return KindDeveloper
	case "assistant":
		return KindAssistant
	case "tool":
		return KindTool
	default:
		return KindUser
	}
}

// applyDefaultMustKeep marks every system, developer, and constraint block
// must_keep, plus the single most recent user block (3).
func applyDefaultMustKeep(blocks []*Block) {
	lastUserIdx := -1
	for i, b := range blocks {
		switch b.Kind {
		case KindSystem, KindDeveloper, KindConstraint:
			b.MustKeep = true
		case KindUser:
			lastUserIdx = i
		}
	}
	if lastUserIdx >= 0 {
		blocks[lastUserIdx].MustKeep = true
	}
}

// encodeToolSchema renders a ToolSchema as a stable JSON object so the
// Canonicalizer can tokenize and fingerprint it like any other text block.
// Keys are emitted in a fixed order (name, description, parameters,
// required, examples) so two semantically equal schemas fingerprint the
// same way regardless of struct field iteration order.
func encodeToolSchema(tool ToolSchema) string {
	required := append([]string(nil), tool.Required...)
	sort.Strings(required)

	obj := map[string]interface{}{
		"name":        tool.Name,
		"description": tool.Description,
		"parameters":  tool.Parameters,
		"required":    required,
	}
	if len(tool.Examples) > 0 {
		obj["examples"] = tool.Examples
	}
	b, err := json.Marshal(obj)
	if err != nil {
		return tool.Name
	}
	return string(b)
}
