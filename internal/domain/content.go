package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ErrUnknownField is returned when a dotted path does not address a field of
// the phase content.
var ErrUnknownField = errors.New("unknown field")

// Content is the structured value of a single phase. It is implemented by
// *StoryDNA, *SceneStructure, *SceneBeats and *ExecutiveDocument only.
type Content interface {
	Phase() Phase
	// Get returns the leaf value at a dotted path such as "scenes.2.title".
	Get(path string) (string, error)
	// Set replaces the leaf value at an existing dotted path.
	Set(path, value string) error
	// Paths lists every addressable leaf path, sorted.
	Paths() []string
	// Structural reports whether edits to path reshape the story rather than
	// refine it.
	Structural(path string) bool
	Clone() Content
	IsEmpty() bool
}

type fieldSpec[T any] struct {
	get        func(c *T, idx []int) (string, bool)
	set        func(c *T, idx []int, v string) bool
	structural bool
}

type fieldTable[T any] map[string]fieldSpec[T]

// splitPath turns "scenes.2.beats.0" into the pattern "scenes.*.beats.*" and
// the indices [2 0].
func splitPath(path string) (string, []int) {
	parts := strings.Split(path, ".")
	var idx []int
	for i, p := range parts {
		if n, err := strconv.Atoi(p); err == nil && n >= 0 {
			parts[i] = "*"
			idx = append(idx, n)
		}
	}
	return strings.Join(parts, "."), idx
}

func (t fieldTable[T]) get(c *T, path string) (string, error) {
	pattern, idx := splitPath(path)
	spec, ok := t[pattern]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownField, path)
	}
	v, ok := spec.get(c, idx)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownField, path)
	}
	return v, nil
}

func (t fieldTable[T]) set(c *T, path, value string) error {
	pattern, idx := splitPath(path)
	spec, ok := t[pattern]
	if !ok || !spec.set(c, idx, value) {
		return fmt.Errorf("%w: %s", ErrUnknownField, path)
	}
	return nil
}

func (t fieldTable[T]) structural(path string) bool {
	pattern, _ := splitPath(path)
	return t[pattern].structural
}

// scalars returns the sorted top-level, non-indexed paths of the table.
func (t fieldTable[T]) scalars() []string {
	var out []string
	for k := range t {
		if !strings.Contains(k, "*") {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func scalar[T any](ptr func(*T) *string, structural bool) fieldSpec[T] {
	return fieldSpec[T]{
		get: func(c *T, _ []int) (string, bool) { return *ptr(c), true },
		set: func(c *T, _ []int, v string) bool {
			*ptr(c) = v
			return true
		},
		structural: structural,
	}
}

// indexed addresses a string field of the idx[0]-th element of a list.
func indexed[T, E any](list func(*T) []E, ptr func(*E) *string, structural bool) fieldSpec[T] {
	elem := func(c *T, idx []int) (*E, bool) {
		items := list(c)
		if len(idx) < 1 || idx[0] >= len(items) {
			return nil, false
		}
		return &items[idx[0]], true
	}
	return fieldSpec[T]{
		get: func(c *T, idx []int) (string, bool) {
			e, ok := elem(c, idx)
			if !ok {
				return "", false
			}
			return *ptr(e), true
		},
		set: func(c *T, idx []int, v string) bool {
			e, ok := elem(c, idx)
			if !ok {
				return false
			}
			*ptr(e) = v
			return true
		},
		structural: structural,
	}
}

func isBlank(c Content) bool {
	for _, p := range c.Paths() {
		v, _ := c.Get(p)
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

// NewContent returns an empty content value for a phase.
func NewContent(p Phase) (Content, error) {
	switch p {
	case PhaseDNA:
		return &StoryDNA{}, nil
	case PhaseStructure:
		return &SceneStructure{}, nil
	case PhaseBeats:
		return &SceneBeats{}, nil
	case PhaseDocument:
		return &ExecutiveDocument{}, nil
	default:
		return nil, fmt.Errorf("invalid phase %d", int(p))
	}
}

// DecodeContent parses the JSON form of a phase. Unknown keys are rejected so
// that a payload for the wrong phase does not silently decode to an empty value.
func DecodeContent(p Phase, data []byte) (Content, error) {
	c, err := NewContent(p)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return c, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(c); err != nil {
		return nil, fmt.Errorf("decode %s content: %w", p, err)
	}
	return c, nil
}

func EncodeContent(c Content) ([]byte, error) {
	if c == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(c)
}
