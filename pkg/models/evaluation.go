package models

// SufficiencyLevel grades how well gathered information covers a need.
type SufficiencyLevel string

const (
	Sufficient          SufficiencyLevel = "SUFFICIENT"
	LargelySufficient   SufficiencyLevel = "LARGELY_SUFFICIENT"
	PartiallySufficient SufficiencyLevel = "PARTIALLY_SUFFICIENT"
	Insufficient        SufficiencyLevel = "INSUFFICIENT"
)

// ParseSufficiencyLevel maps free text to a level. Unknown values are
// treated as INSUFFICIENT.
func ParseSufficiencyLevel(s string) SufficiencyLevel {
	switch SufficiencyLevel(s) {
	case Sufficient, LargelySufficient, PartiallySufficient:
		return SufficiencyLevel(s)
	}
	return Insufficient
}

// AllowsProceed reports whether the level lets the workflow skip further research.
func (l SufficiencyLevel) AllowsProceed() bool {
	return l == Sufficient || l == LargelySufficient
}

// DefaultCompletionThreshold is the completion score needed to pass.
const DefaultCompletionThreshold = 80

// EvaluationResult is the output of a sufficiency or completion check.
type EvaluationResult struct {
	Level           SufficiencyLevel `json:"level,omitempty"`
	Score           int              `json:"score"`
	Gaps            []string         `json:"gaps,omitempty"`
	Recommendations []string         `json:"recommendations,omitempty"`
}

// Guidance flattens gaps and recommendations into the list fed to the next attempt.
func (r EvaluationResult) Guidance() []string {
	out := make([]string, 0, len(r.Gaps)+len(r.Recommendations))
	for _, g := range r.Gaps {
		out = append(out, "gap: "+g)
	}
	for _, rec := range r.Recommendations {
		out = append(out, "recommendation: "+rec)
	}
	return out
}
