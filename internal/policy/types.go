package policy

import "strings"

type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionAsk      Decision = "ask"
	DecisionRejected Decision = "rejected"
)

// Normalize maps anything that is not a known decision to rejected, so a
// rule with a typo in its decision can never approve a command.
func (d Decision) Normalize() Decision {
	switch Decision(strings.ToLower(strings.TrimSpace(string(d)))) {
	case DecisionApproved:
		return DecisionApproved
	case DecisionAsk:
		return DecisionAsk
	default:
		return DecisionRejected
	}
}

// ActionPolicy maps an action name to its decision. Unknown actions are rejected.
type ActionPolicy map[string]Decision

// Decide looks name up; an absent action yields DecisionRejected.
func (p ActionPolicy) Decide(name string) Decision {
	d, ok := p[name]
	if !ok {
		return DecisionRejected
	}
	return d.Normalize()
}

// CommandPolicy is the command-rule document: {"rules": [...]}.
type CommandPolicy struct {
	Rules []Rule `json:"rules" yaml:"rules"`
}

type Rule struct {
	ID          string   `json:"id" yaml:"id"`
	Pattern     string   `json:"pattern" yaml:"pattern"`
	Decision    Decision `json:"decision" yaml:"decision"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
}

// MatchedRule is one rule that fired for a segment.
type MatchedRule struct {
	ID       string   `json:"id"`
	Decision Decision `json:"decision"`
	Pattern  string   `json:"pattern"`
}

// SegmentAnalysis is the decision for one segment of a chain.
type SegmentAnalysis struct {
	Segment      string        `json:"segment"`
	Argv         []string      `json:"argv"`
	Decision     Decision      `json:"decision"`
	MatchedRules []MatchedRule `json:"matchedRules"`
	Error        string        `json:"error,omitempty"`
}

// Analysis is the full classification of a command string. When OK is false
// the command was refused before any rule ran and Error holds the parse code.
type Analysis struct {
	OK             bool              `json:"ok"`
	Command        string            `json:"command,omitempty"`
	Segments       []SegmentAnalysis `json:"segments,omitempty"`
	Operators      []string          `json:"operators,omitempty"`
	Decision       Decision          `json:"decision,omitempty"`
	MatchedRuleIDs []string          `json:"matchedRuleIds,omitempty"`
	Error          string            `json:"error,omitempty"`
	Detail         string            `json:"detail,omitempty"`
}

// Severity orders decisions: higher is more restrictive.
func Severity(d Decision) int {
	switch d {
	case DecisionRejected:
		return 3
	case DecisionAsk:
		return 2
	case DecisionApproved:
		return 1
	default:
		return 0
	}
}

// MostRestrictive folds decisions with rejected > ask > approved. An empty
// input yields rejected.
func MostRestrictive(decisions ...Decision) Decision {
	best := Decision("")
	for _, d := range decisions {
		if Severity(d) > Severity(best) {
			best = d
		}
	}
	if best == "" {
		return DecisionRejected
	}
	return best
}
