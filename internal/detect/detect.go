// Package detect computes field-level differences between two snapshots of a
// phase and decides whether they warrant propagation.
package detect

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"livestory/internal/domain"
)

// FieldDiff is one materially changed field.
type FieldDiff struct {
	Path   string `json:"path"`
	Before string `json:"before"`
	After  string `json:"after"`
}

// Diff is the set of material field changes of one phase.
type Diff struct {
	Phase  domain.Phase `json:"phase"`
	Fields []FieldDiff  `json:"fields"`
}

func (d *Diff) Paths() []string {
	if d == nil {
		return nil
	}
	out := make([]string, 0, len(d.Fields))
	for _, f := range d.Fields {
		out = append(out, f.Path)
	}
	return out
}

func (d *Diff) Empty() bool {
	return d == nil || len(d.Fields) == 0
}

// Detect diffs old against new. It returns a nil Diff when old is nil (the
// first save of a phase) or when no field differs after normalization.
func Detect(phase domain.Phase, old, new domain.Content) (*Diff, error) {
	if new == nil {
		return nil, fmt.Errorf("detect %s: new snapshot is required", phase)
	}
	if new.Phase() != phase {
		return nil, fmt.Errorf("detect %s: new snapshot is %s content", phase, new.Phase())
	}
	if old == nil {
		return nil, nil
	}
	if old.Phase() != phase {
		return nil, fmt.Errorf("detect %s: old snapshot is %s content", phase, old.Phase())
	}

	paths := map[string]struct{}{}
	for _, p := range old.Paths() {
		paths[p] = struct{}{}
	}
	for _, p := range new.Paths() {
		paths[p] = struct{}{}
	}

	diff := &Diff{Phase: phase}
	for p := range paths {
		before, _ := old.Get(p)
		after, _ := new.Get(p)
		if Equivalent(before, after) {
			continue
		}
		diff.Fields = append(diff.Fields, FieldDiff{Path: p, Before: before, After: after})
	}
	if len(diff.Fields) == 0 {
		return nil, nil
	}
	sort.Slice(diff.Fields, func(i, j int) bool { return diff.Fields[i].Path < diff.Fields[j].Path })
	return diff, nil
}

// emphasis matches one pair of markdown markers around a span that starts
// and ends on non-space, with no word character just outside the pair.
var emphasis = []*regexp.Regexp{
	regexp.MustCompile(`(?s)(^|\W)\*(\S(?:.*?\S)?)\*(\W|$)`),
	regexp.MustCompile(`(?s)(^|\W)_(\S(?:.*?\S)?)_(\W|$)`),
	regexp.MustCompile("(?s)(^|\\W)`(\\S(?:.*?\\S)?)`(\\W|$)"),
}

// stripEmphasis removes paired markers until none are left. Each pass may
// consume the boundary a neighbouring pair needs, hence the loop.
func stripEmphasis(s string) string {
	for {
		out := s
		for _, re := range emphasis {
			out = re.ReplaceAllString(out, "${1}${2}${3}")
		}
		if out == s {
			return s
		}
		s = out
	}
}

// Normalize reduces a value to the form used for materiality checks.
func Normalize(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = stripEmphasis(s)
	return strings.Join(strings.Fields(s), " ")
}

// Equivalent reports whether two values differ only in whitespace or
// formatting.
func Equivalent(a, b string) bool {
	return Normalize(a) == Normalize(b)
}
