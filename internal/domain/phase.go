package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// Phase is one of the four ordered stages of story development.
type Phase int

const (
	PhaseDNA       Phase = 1
	PhaseStructure Phase = 2
	PhaseBeats     Phase = 3
	PhaseDocument  Phase = 4
)

// Phases lists every phase in dependency order.
var Phases = []Phase{PhaseDNA, PhaseStructure, PhaseBeats, PhaseDocument}

func (p Phase) String() string {
	switch p {
	case PhaseDNA:
		return "dna"
	case PhaseStructure:
		return "structure"
	case PhaseBeats:
		return "beats"
	case PhaseDocument:
		return "document"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Title is the human-facing phase name.
func (p Phase) Title() string {
	switch p {
	case PhaseDNA:
		return "Story DNA"
	case PhaseStructure:
		return "Scene Structure"
	case PhaseBeats:
		return "Scene Beats"
	case PhaseDocument:
		return "Executive Document"
	default:
		return p.String()
	}
}

func (p Phase) Valid() bool {
	return p >= PhaseDNA && p <= PhaseDocument
}

// Downstream returns every phase after p, in order.
func (p Phase) Downstream() []Phase {
	var out []Phase
	for _, q := range Phases {
		if q > p {
			out = append(out, q)
		}
	}
	return out
}

// ParsePhase accepts a phase number ("2") or name ("structure").
func ParsePhase(s string) (Phase, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if n, err := strconv.Atoi(s); err == nil {
		p := Phase(n)
		if !p.Valid() {
			return 0, fmt.Errorf("invalid phase %d: must be 1-4", n)
		}
		return p, nil
	}
	for _, p := range Phases {
		if p.String() == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("invalid phase %q", s)
}
