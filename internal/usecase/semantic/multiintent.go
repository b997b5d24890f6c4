package semantic

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"agent-router/internal/domain"
)

// IntentSegment is one clause of the input matched to an agent.
type IntentSegment struct {
	Text       string  `json:"text"`
	Offset     int     `json:"offset"` // character offset in the source text
	AgentType  string  `json:"agent_type"`
	Confidence float64 `json:"confidence"`
}

// MultiIntentResult describes the agents a multi-clause task mentions.
// ExecutionOrder follows the order clauses appear in the source text —
// a heuristic proxy for execution order, not a dependency analysis.
type MultiIntentResult struct {
	Intents            []IntentSegment `json:"intents"`
	RequiresMultiAgent bool            `json:"requires_multi_agent"`
	ExecutionOrder     []string        `json:"execution_order"`
}

// Clause boundaries: sentence punctuation and the coordinating
// conjunctions and/then/after/before as standalone words.
var clauseBoundary = regexp.MustCompile(`(?i)[.!?;\n]|\b(?:and|then|after|before)\b`)

// segment is a clause with its offset in the source text.
type segment struct {
	text   string
	offset int
}

// segmentClauses splits text into clauses at sentence boundaries and
// coordinating conjunctions, preserving each clause's original offset.
// Empty clauses (e.g. between "and" and "then") are dropped.
func segmentClauses(text string) []segment {
	bounds := clauseBoundary.FindAllStringIndex(text, -1)

	var segments []segment
	start := 0
	cut := func(end int) {
		raw := text[start:end]
		trimmed := strings.Trim(raw, " \t\r\n,")
		if trimmed != "" {
			segments = append(segments, segment{
				text:   trimmed,
				offset: start + strings.Index(raw, trimmed[:1]),
			})
		}
	}
	for _, b := range bounds {
		cut(b[0])
		start = b[1]
	}
	cut(len(text))
	return segments
}

// DetectMultiIntent segments the task into clauses, routes each clause
// independently, and keeps the clauses whose top match exceeds the
// threshold. Duplicate agents are collapsed to their highest-confidence
// occurrence, and the execution order lists agents by the offset at which
// they are first kept (earliest-mentioned first).
// A non-positive threshold uses the configured default.
func (m *Matcher) DetectMultiIntent(ctx context.Context, taskDescription string, threshold float64) (*MultiIntentResult, error) {
	if threshold <= 0 {
		threshold = m.cfg.MultiIntentThreshold
	}
	if m.Count() == 0 {
		return nil, domain.NewDomainError("semantic.DetectMultiIntent", domain.ErrNoAgentsRegistered, "")
	}

	segments := segmentClauses(taskDescription)

	// Best occurrence per agent, keyed by agent type.
	best := make(map[string]IntentSegment)
	for _, seg := range segments {
		dec, err := m.Route(ctx, seg.text, 1)
		if err != nil {
			return nil, domain.WrapOp("semantic.DetectMultiIntent", err)
		}
		if dec.Confidence < threshold {
			continue
		}
		candidate := IntentSegment{
			Text:       seg.text,
			Offset:     seg.offset,
			AgentType:  dec.PrimaryAgent,
			Confidence: dec.Confidence,
		}
		if prev, ok := best[dec.PrimaryAgent]; !ok || candidate.Confidence > prev.Confidence {
			best[dec.PrimaryAgent] = candidate
		}
	}

	intents := make([]IntentSegment, 0, len(best))
	for _, seg := range best {
		intents = append(intents, seg)
	}
	sort.Slice(intents, func(i, j int) bool {
		return intents[i].Offset < intents[j].Offset
	})

	order := make([]string, len(intents))
	for i, seg := range intents {
		order[i] = seg.AgentType
	}

	return &MultiIntentResult{
		Intents:            intents,
		RequiresMultiAgent: len(intents) > 1,
		ExecutionOrder:     order,
	}, nil
}
