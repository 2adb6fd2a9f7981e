// Package generator defines the content-generation collaborator consulted by
// the impact analyzer, plus the prompt and response codec shared by the LLM
// backends.
package generator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"livestory/internal/detect"
	"livestory/internal/domain"
)

// Request asks for edits to one downstream phase given an upstream diff.
type Request struct {
	ProjectID     string             `json:"project_id"`
	SourcePhase   domain.Phase       `json:"source_phase"`
	TargetPhase   domain.Phase       `json:"target_phase"`
	Diff          []detect.FieldDiff `json:"diff"`
	TargetContent domain.Content     `json:"target_content"`
}

// Edit is one suggested field change.
type Edit struct {
	Field      string  `json:"field"`
	After      string  `json:"after"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

type Response struct {
	Edits []Edit `json:"edits"`
}

// Generator proposes downstream edits. Implementations may be slow or fail;
// callers bound them with a context deadline.
type Generator interface {
	Suggest(ctx context.Context, req Request) (*Response, error)
}

// Func adapts a function to Generator.
type Func func(ctx context.Context, req Request) (*Response, error)

func (f Func) Suggest(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// ErrUnavailable is returned by the disabled backend.
var ErrUnavailable = errors.New("generator disabled")

// Disabled never proposes anything; every call fails.
type Disabled struct{}

func (Disabled) Suggest(context.Context, Request) (*Response, error) {
	return nil, ErrUnavailable
}

const SystemInstruction = `You keep a four-phase story document consistent. Phases are, in order: dna, structure, beats, document.
When an upstream phase changes you propose the smallest set of field edits to a downstream phase that keep it consistent.
Only edit fields that exist in the provided content. Never invent new list items.`

// BuildPrompt renders the user prompt for LLM backends.
func BuildPrompt(req Request) (string, error) {
	content, err := domain.EncodeContent(req.TargetContent)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "## Upstream change (%s)\n\n", req.SourcePhase)
	for _, f := range req.Diff {
		fmt.Fprintf(&sb, "- %s\n  before: %q\n  after: %q\n", f.Path, f.Before, f.After)
	}
	fmt.Fprintf(&sb, "\n## Current %s content\n\n%s\n\n", req.TargetPhase, content)
	sb.WriteString("## Addressable fields\n\n")
	if req.TargetContent != nil {
		for _, p := range req.TargetContent.Paths() {
			fmt.Fprintf(&sb, "- %s\n", p)
		}
	}
	sb.WriteString("\n## Task\n\n")
	fmt.Fprintf(&sb, "Propose edits to the %s phase so it stays consistent with the upstream change.\n", req.TargetPhase)
	sb.WriteString("Respond with JSON only, matching this schema:\n")
	sb.WriteString(`{"edits": [{"field": "dotted.path", "after": "new value", "confidence": 0.0, "reason": "why"}]}
`)
	sb.WriteString("Return {\"edits\": []} when nothing needs to change.\n")
	return sb.String(), nil
}

// ParseResponse decodes model output, tolerating a surrounding markdown code
// fence.
func ParseResponse(text string) (*Response, error) {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	}
	var resp Response
	if err := json.Unmarshal([]byte(text), &resp); err != nil {
		return nil, fmt.Errorf("parse generator response: %w", err)
	}
	return &resp, nil
}
