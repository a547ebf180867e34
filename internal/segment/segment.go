// Package segment splits a worker command string into a chain of simple
// commands joined by `;` or `&&`. Anything else a shell would accept (pipes,
// backgrounding, redirection, subshells, expansions) is refused outright.
package segment

import (
	"errors"
	"fmt"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// Operator joins two adjacent segments.
type Operator string

const (
	// OpSeq runs the next segment unconditionally.
	OpSeq Operator = ";"
	// OpAnd runs the next segment only if the previous one exited zero.
	OpAnd Operator = "&&"
)

// Segment is one simple command of a chain.
type Segment struct {
	// Text is the statement exactly as written, quotes included.
	Text string `json:"segment"`
	// Argv is the quote-removed word list handed to the OS.
	Argv []string `json:"argv"`
}

// Chain is the parsed form of a command: len(Operators) == len(Segments)-1.
type Chain struct {
	Segments  []Segment  `json:"segments"`
	Operators []Operator `json:"operators"`
}

// Texts returns the source text of every segment, in order.
func (c Chain) Texts() []string {
	out := make([]string, len(c.Segments))
	for i, s := range c.Segments {
		out[i] = s.Text
	}
	return out
}

const (
	CodeEmptyCommand       = "empty_command"
	CodeEmptySegment       = "empty_segment"
	CodeBackground         = "single_ampersand_not_allowed"
	CodePipe               = "pipe_not_allowed"
	CodeOr                 = "or_operator_not_allowed"
	CodeRedirect           = "redirect_not_allowed"
	CodeUnsupported        = "unsupported_construct"
	CodeExpansion          = "unsupported_expansion"
	CodeParseFailed        = "command_parse_failed"
	CodeOperatorMismatch   = "parse_mismatch"
	CodeNewlineSeparator   = "newline_separator_not_allowed"
	CodeAssignmentPrefixed = "assignment_not_allowed"
)

// ErrEmptyCommand is matched by errors.Is for blank input.
var ErrEmptyCommand = errors.New("empty command")

// ParseError reports why a command was refused. Code is stable and safe to
// return to the worker; Detail is for logs.
type ParseError struct {
	Code   string
	Detail string
}

func (e *ParseError) Error() string {
	if e.Detail == "" {
		return e.Code
	}
	return e.Code + ": " + e.Detail
}

func (e *ParseError) Is(target error) bool {
	return target == ErrEmptyCommand && e.Code == CodeEmptyCommand
}

func refuse(code, format string, args ...any) *ParseError {
	return &ParseError{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// Split parses command into a Chain. It never returns a partial chain: any
// refused construct anywhere rejects the whole command.
func Split(command string) (Chain, error) {
	if strings.TrimSpace(command) == "" {
		return Chain{}, &ParseError{Code: CodeEmptyCommand}
	}

	parser := syntax.NewParser(syntax.KeepComments(true), syntax.Variant(syntax.LangBash))
	file, err := parser.Parse(strings.NewReader(command), "")
	if err != nil {
		// ";;" is a case-clause terminator to the parser; here it is an empty
		// segment between two separators.
		if strings.Contains(err.Error(), ";;") {
			return Chain{}, refuse(CodeEmptySegment, "%v", err)
		}
		return Chain{}, refuse(CodeParseFailed, "%v", err)
	}
	if len(file.Last) > 0 {
		return Chain{}, refuse(CodeUnsupported, "comments are not allowed")
	}
	if len(file.Stmts) == 0 {
		return Chain{}, &ParseError{Code: CodeEmptyCommand}
	}

	w := &walker{src: command}
	for i, stmt := range file.Stmts {
		last := i == len(file.Stmts)-1
		if stmt.Background || stmt.Coprocess {
			// Semicolon also records the position of '&'.
			return Chain{}, refuse(CodeBackground, "'&' backgrounding")
		}
		if stmt.Semicolon.IsValid() && last {
			// "ls;" leaves nothing after the operator.
			return Chain{}, refuse(CodeEmptySegment, "trailing ';'")
		}
		if !stmt.Semicolon.IsValid() && !last {
			return Chain{}, refuse(CodeNewlineSeparator, "statements must be joined by ';' or '&&'")
		}
		if i > 0 {
			w.chain.Operators = append(w.chain.Operators, OpSeq)
		}
		if err := w.walkStmt(stmt); err != nil {
			return Chain{}, err
		}
	}

	if len(w.chain.Operators) != len(w.chain.Segments)-1 {
		return Chain{}, refuse(CodeOperatorMismatch, "%d operators for %d segments",
			len(w.chain.Operators), len(w.chain.Segments))
	}
	return w.chain, nil
}

type walker struct {
	src   string
	chain Chain
}

func (w *walker) walkStmt(stmt *syntax.Stmt) error {
	switch {
	case stmt.Background:
		return refuse(CodeBackground, "'&' backgrounding")
	case stmt.Coprocess:
		return refuse(CodeBackground, "coprocess")
	case stmt.Negated:
		return refuse(CodeUnsupported, "'!' negation")
	case len(stmt.Redirs) > 0:
		return refuse(CodeRedirect, "%d redirect(s)", len(stmt.Redirs))
	case len(stmt.Comments) > 0:
		return refuse(CodeUnsupported, "comments are not allowed")
	case stmt.Cmd == nil:
		return refuse(CodeEmptySegment, "statement without a command")
	}

	switch cmd := stmt.Cmd.(type) {
	case *syntax.CallExpr:
		seg, err := w.callToSegment(cmd)
		if err != nil {
			return err
		}
		w.chain.Segments = append(w.chain.Segments, seg)
		return nil

	case *syntax.BinaryCmd:
		switch cmd.Op {
		case syntax.AndStmt:
		case syntax.OrStmt:
			return refuse(CodeOr, "'||'")
		case syntax.Pipe, syntax.PipeAll:
			return refuse(CodePipe, "'%s'", cmd.Op)
		default:
			return refuse(CodeUnsupported, "operator %s", cmd.Op)
		}
		if err := w.walkStmt(cmd.X); err != nil {
			return err
		}
		w.chain.Operators = append(w.chain.Operators, OpAnd)
		return w.walkStmt(cmd.Y)

	default:
		return refuse(CodeUnsupported, "%T", stmt.Cmd)
	}
}

func (w *walker) callToSegment(call *syntax.CallExpr) (Segment, error) {
	if len(call.Assigns) > 0 {
		return Segment{}, refuse(CodeAssignmentPrefixed, "environment assignment before command")
	}
	if len(call.Args) == 0 {
		return Segment{}, refuse(CodeEmptySegment, "no words")
	}

	argv := make([]string, 0, len(call.Args))
	for _, word := range call.Args {
		lit, err := literalWord(word)
		if err != nil {
			return Segment{}, err
		}
		argv = append(argv, lit)
	}

	start, end := call.Pos().Offset(), call.End().Offset()
	text := strings.TrimSpace(w.src[start:end])
	return Segment{Text: text, Argv: argv}, nil
}

// literalWord performs quote removal on a word made only of literal parts.
// Any part that a shell would expand is refused.
func literalWord(word *syntax.Word) (string, error) {
	var sb strings.Builder
	for _, part := range word.Parts {
		switch p := part.(type) {
		case *syntax.Lit:
			sb.WriteString(unescapeBare(p.Value))
		case *syntax.SglQuoted:
			if p.Dollar {
				return "", refuse(CodeExpansion, "$'...' quoting")
			}
			sb.WriteString(p.Value)
		case *syntax.DblQuoted:
			if p.Dollar {
				return "", refuse(CodeExpansion, "$\"...\" quoting")
			}
			for _, inner := range p.Parts {
				lit, ok := inner.(*syntax.Lit)
				if !ok {
					return "", refuse(CodeExpansion, "%s inside double quotes", partName(inner))
				}
				sb.WriteString(unescapeDouble(lit.Value))
			}
		default:
			return "", refuse(CodeExpansion, "%s", partName(part))
		}
	}
	return sb.String(), nil
}

func partName(part syntax.WordPart) string {
	switch part.(type) {
	case *syntax.ParamExp:
		return "parameter expansion"
	case *syntax.CmdSubst:
		return "command substitution"
	case *syntax.ArithmExp:
		return "arithmetic expansion"
	case *syntax.ProcSubst:
		return "process substitution"
	case *syntax.ExtGlob:
		return "extended glob"
	default:
		return fmt.Sprintf("%T", part)
	}
}

// unescapeBare removes backslash escapes from an unquoted literal.
func unescapeBare(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
			if s[i] == '\n' {
				continue
			}
		}
		sb.WriteByte(s[i])
	}
	return sb.String()
}

// unescapeDouble applies the narrower double-quote escape rules.
func unescapeDouble(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			switch s[i+1] {
			case '$', '`', '"', '\\':
				i++
			case '\n':
				i++
				continue
			}
		}
		sb.WriteByte(s[i])
	}
	return sb.String()
}
