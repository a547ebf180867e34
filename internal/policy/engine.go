package policy

import (
	"errors"
	"regexp"
	"strings"

	"github.com/gzhole/guardbridge/internal/segment"
	unicheck "github.com/gzhole/guardbridge/internal/unicode"
)

const (
	RuleDisallowed = "disallowed-pattern"
	RuleNoMatch    = "no_match"

	ErrCodeDisallowed = "disallowed_pattern_detected"
	ErrCodeNoMatch    = "no_matching_policy_rule"
	ErrCodeUnicode    = "unicode_smuggling_detected"
)

// disallowedPatterns reject a segment before any policy rule is consulted:
// inline interpreters and decode utilities hide what actually runs.
var disallowedPatterns = []string{
	`\bbash\s+-c\b`,
	`\bsh\s+-c\b`,
	`\bpython\s+-c\b`,
	`\bperl\s+-e\b`,
	`\bnode\s+-e\b`,
	`\beval\b`,
	`\bbase64\b`,
	`\bxxd\s+-r\b`,
	`\bopenssl\s+enc\b`,
}

var disallowedRegexps = func() []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(disallowedPatterns))
	for i, p := range disallowedPatterns {
		out[i] = regexp.MustCompile(`(?i)` + p)
	}
	return out
}()

type compiledRule struct {
	rule Rule
	re   *regexp.Regexp
}

// Engine evaluates commands against one command-policy snapshot. Build a new
// Engine per request from a fresh Provider read.
type Engine struct {
	rules []compiledRule
}

// NewEngine compiles p's rules. Rules whose pattern does not compile are
// skipped, matching a rule that can never fire.
func NewEngine(p *CommandPolicy) *Engine {
	e := &Engine{}
	if p == nil {
		return e
	}
	for _, r := range p.Rules {
		pattern := r.Pattern
		if pattern == "" {
			pattern = "^$"
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			continue
		}
		if r.ID == "" {
			r.ID = "unknown"
		}
		r.Decision = r.Decision.Normalize()
		e.rules = append(e.rules, compiledRule{rule: r, re: re})
	}
	return e
}

// Analyze splits command and classifies every segment. A parse refusal
// yields OK=false and no segment is evaluated.
func (e *Engine) Analyze(command string) Analysis {
	command = strings.TrimSpace(command)
	chain, err := segment.Split(command)
	if err != nil {
		a := Analysis{OK: false, Command: command, Error: segment.CodeParseFailed}
		var perr *segment.ParseError
		if errors.As(err, &perr) {
			a.Error = perr.Code
			a.Detail = perr.Detail
		}
		return a
	}
	return e.AnalyzeChain(command, chain)
}

// AnalyzeChain classifies an already-split chain.
func (e *Engine) AnalyzeChain(command string, chain segment.Chain) Analysis {
	a := Analysis{
		OK:        true,
		Command:   command,
		Segments:  make([]SegmentAnalysis, 0, len(chain.Segments)),
		Operators: make([]string, len(chain.Operators)),
	}
	for i, op := range chain.Operators {
		a.Operators[i] = string(op)
	}

	decisions := make([]Decision, 0, len(chain.Segments))
	seen := map[string]bool{}
	for _, seg := range chain.Segments {
		sa := e.EvaluateSegment(seg)
		a.Segments = append(a.Segments, sa)
		decisions = append(decisions, sa.Decision)
		for _, m := range sa.MatchedRules {
			if m.ID != "" && !seen[m.ID] {
				seen[m.ID] = true
				a.MatchedRuleIDs = append(a.MatchedRuleIDs, m.ID)
			}
		}
	}
	a.Decision = MostRestrictive(decisions...)
	return a
}

// EvaluateSegment classifies one segment. The Unicode scan and the
// disallowed-pattern list run first and short-circuit on a hit; otherwise
// every matching rule contributes and the most restrictive decision wins.
// Rules are matched against both the text as written and the quote-removed
// argv, so quoting a word cannot dodge a pattern.
func (e *Engine) EvaluateSegment(seg segment.Segment) SegmentAnalysis {
	sa := SegmentAnalysis{Segment: seg.Text, Argv: seg.Argv}
	forms := []string{seg.Text}
	if joined := strings.Join(seg.Argv, " "); joined != seg.Text {
		forms = append(forms, joined)
	}

	var matched []MatchedRule
	seen := map[string]bool{}
	add := func(m MatchedRule) {
		if seen[m.ID] {
			return
		}
		seen[m.ID] = true
		matched = append(matched, m)
	}

	scan := unicheck.Scan(seg.Text)
	for _, threat := range scan.Threats {
		d := DecisionAsk
		if threat.Severity == unicheck.SeverityReject {
			d = DecisionRejected
		}
		add(MatchedRule{ID: threat.RuleID(), Decision: d, Pattern: threat.Codepoint})
	}
	if scan.Worst() == unicheck.SeverityReject {
		sa.Decision = DecisionRejected
		sa.MatchedRules = matched
		sa.Error = ErrCodeUnicode
		return sa
	}

	for i, re := range disallowedRegexps {
		for _, form := range forms {
			if re.MatchString(form) {
				sa.Decision = DecisionRejected
				sa.MatchedRules = []MatchedRule{{
					ID:       RuleDisallowed,
					Decision: DecisionRejected,
					Pattern:  disallowedPatterns[i],
				}}
				sa.Error = ErrCodeDisallowed
				return sa
			}
		}
	}

	ruleHit := false
	for _, cr := range e.rules {
		for _, form := range forms {
			if cr.re.MatchString(form) {
				ruleHit = true
				add(MatchedRule{ID: cr.rule.ID, Decision: cr.rule.Decision, Pattern: cr.rule.Pattern})
				break
			}
		}
	}

	if !ruleHit {
		add(MatchedRule{ID: RuleNoMatch, Decision: DecisionAsk, Pattern: ""})
		sa.Error = ErrCodeNoMatch
	}

	decisions := make([]Decision, len(matched))
	for i, m := range matched {
		decisions[i] = m.Decision
	}
	sa.Decision = MostRestrictive(decisions...)
	sa.MatchedRules = matched
	return sa
}

// MatchedRuleLabel renders the matchedRule field of a command response.
func (a Analysis) MatchedRuleLabel() string {
	if len(a.MatchedRuleIDs) == 0 {
		return "command:" + RuleNoMatch
	}
	return "command:" + strings.Join(a.MatchedRuleIDs, ",")
}

// ActionRuleLabel renders the matchedRule field of an action response.
func ActionRuleLabel(name string) string {
	return "action:" + name
}

// Chain rebuilds the segment chain an OK analysis was computed from, so the
// runner executes exactly what was evaluated.
func (a Analysis) Chain() segment.Chain {
	chain := segment.Chain{
		Segments:  make([]segment.Segment, len(a.Segments)),
		Operators: make([]segment.Operator, len(a.Operators)),
	}
	for i, s := range a.Segments {
		chain.Segments[i] = segment.Segment{Text: s.Segment, Argv: s.Argv}
	}
	for i, op := range a.Operators {
		chain.Operators[i] = segment.Operator(op)
	}
	return chain
}
