// Package enrich holds the prompt and digest plumbing shared by the model
// backed enrichers. Each backend talks to its own provider SDK; what they
// ask for and how replies become stored run context is identical, so it
// lives here.
package enrich

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/proliferate-ai/proliferate/runtime/automation"
)

// promptContextLimit caps how much raw occurrence context is inlined into
// the model prompt. Oversized payloads are cut, not rejected: a partial
// digest still beats none.
const promptContextLimit = 16 << 10

const systemPrompt = `You prepare context for an automation agent that is about to start working.
Digest the trigger occurrence below into what the agent needs to act quickly.
Reply with a single JSON object and nothing else. Use this shape:
{"summary": "<one or two sentences>", "key_facts": ["<short fact>", ...], "suggested_approach": "<one sentence>"}`

// Prompt renders the system and user messages for an enrichment request.
func Prompt(req automation.EnrichRequest) (system, user string) {
	raw := string(req.Context)
	if len(raw) > promptContextLimit {
		raw = raw[:promptContextLimit] + "\n(context truncated)"
	}
	var b strings.Builder
	if req.Prompt != "" {
		fmt.Fprintf(&b, "The agent's instruction is:\n%s\n\n", req.Prompt)
	}
	b.WriteString("The trigger occurrence context is:\n")
	if raw == "" {
		b.WriteString("(empty)")
	} else {
		b.WriteString(raw)
	}
	return systemPrompt, b.String()
}

// Digest shapes a model reply into the enrichment stored on the run.
//
// Contract:
//   - A reply that parses as a JSON object is stored verbatim, fenced or
//     not. Models that ignore the shape instruction still produce a valid
//     digest: plain text is wrapped as {"summary": ...}.
//   - An empty reply yields a zero Enrichment, which callers treat as a
//     fallback signal.
func Digest(reply, model string) automation.Enrichment {
	text := strings.TrimSpace(reply)
	text = stripFence(text)
	if text == "" {
		return automation.Enrichment{}
	}
	if strings.HasPrefix(text, "{") {
		var obj map[string]any
		if err := json.Unmarshal([]byte(text), &obj); err == nil {
			return automation.Enrichment{Context: json.RawMessage(text), Model: model}
		}
	}
	wrapped, err := json.Marshal(map[string]string{"summary": text})
	if err != nil {
		return automation.Enrichment{}
	}
	return automation.Enrichment{Context: wrapped, Model: model}
}

// stripFence removes a surrounding markdown code fence, with or without a
// language tag.
func stripFence(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	rest := text[3:]
	if idx := strings.Index(rest, "\n"); idx >= 0 {
		rest = rest[idx+1:]
	} else {
		return text
	}
	rest = strings.TrimSpace(rest)
	rest = strings.TrimSuffix(rest, "```")
	return strings.TrimSpace(rest)
}
