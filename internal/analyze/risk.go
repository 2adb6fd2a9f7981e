package analyze

import "livestory/internal/domain"

// RiskPolicy grades how disruptive a set of edits to one phase is.
type RiskPolicy struct {
	// HighFieldCount: more edited fields than this is high risk.
	HighFieldCount int
	// MediumFieldCount: at least this many edited fields is medium risk.
	MediumFieldCount int
}

func DefaultRiskPolicy() RiskPolicy {
	return RiskPolicy{HighFieldCount: 4, MediumFieldCount: 2}
}

// Level returns the risk of editing fields of content. Any structural field is
// high risk regardless of count.
func (p RiskPolicy) Level(content domain.Content, fields []string) domain.RiskLevel {
	for _, f := range fields {
		if content != nil && content.Structural(f) {
			return domain.RiskHigh
		}
	}
	switch n := len(fields); {
	case p.HighFieldCount > 0 && n > p.HighFieldCount:
		return domain.RiskHigh
	case p.MediumFieldCount > 0 && n >= p.MediumFieldCount:
		return domain.RiskMedium
	default:
		return domain.RiskLow
	}
}
