package condition

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// SyntaxError reports a malformed expression.
type SyntaxError struct {
	Expr string
	Pos  int
	Msg  string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("invalid expression %q at position %d: %s", e.Expr, e.Pos, e.Msg)
}

// reserved words cannot be used as input names or step ids.
var reserved = map[string]bool{
	"and":           true,
	"or":            true,
	"not":           true,
	"true":          true,
	"false":         true,
	"count":         true,
	"category":      true,
	ChildrenKeyword: true,
}

// IsReserved reports whether name is a keyword of the condition language.
func IsReserved(name string) bool {
	return reserved[strings.ToLower(name)]
}

// Parse parses a condition expression. A blank expression yields a nil
// condition, which [Evaluate] treats as always true.
func Parse(expr string) (Condition, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, nil
	}
	p, err := newParser(expr)
	if err != nil {
		return nil, err
	}
	c, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if !p.done() {
		return nil, p.errorf("unexpected %q", p.peek().value)
	}
	return c, nil
}

// ParseSource parses a fan-out source expression such as
// `children(category="ops")` or `plan.tasks`.
func ParseSource(expr string) (Source, error) {
	p, err := newParser(expr)
	if err != nil {
		return Source{}, err
	}
	if p.done() {
		return Source{}, p.errorf("empty source")
	}
	src, err := p.parseSource()
	if err != nil {
		return Source{}, err
	}
	if !p.done() {
		return Source{}, p.errorf("unexpected %q", p.peek().value)
	}
	return src, nil
}

// ParseRef parses a dotted reference such as "analyze.summary".
func ParseRef(s string) (Ref, error) {
	s = strings.TrimSpace(s)
	for i, part := range strings.Split(s, ".") {
		if !ValidName(part) {
			return Ref{}, &SyntaxError{Expr: s, Pos: i, Msg: fmt.Sprintf("invalid name %q", part)}
		}
	}
	return parseRef(s), nil
}

// ValidName reports whether name is usable as an input name, step id or path
// segment: a letter or underscore followed by letters, digits, '_' or '-'.
func ValidName(name string) bool {
	if name == "" {
		return false
	}
	for i, ch := range name {
		if i == 0 && !unicode.IsLetter(ch) && ch != '_' {
			return false
		}
		if ch == '.' || !isIdentPart(ch) {
			return false
		}
	}
	return true
}

// --- tokens ---

type tokenKind int

const (
	tkNumber tokenKind = iota
	tkString
	tkIdent
	tkOp
	tkLParen
	tkRParen
	tkComma
	tkAssign
)

type token struct {
	kind  tokenKind
	value string
	pos   int
}

func tokenize(expr string) ([]token, error) {
	var tokens []token
	runes := []rune(expr)
	i := 0

	for i < len(runes) {
		ch := runes[i]

		switch {
		case unicode.IsSpace(ch):
			i++
			continue
		case ch == '(':
			tokens = append(tokens, token{tkLParen, "(", i})
			i++
			continue
		case ch == ')':
			tokens = append(tokens, token{tkRParen, ")", i})
			i++
			continue
		case ch == ',':
			tokens = append(tokens, token{tkComma, ",", i})
			i++
			continue
		case ch == '"':
			s, n, ok := readString(runes, i)
			if !ok {
				return nil, &SyntaxError{Expr: expr, Pos: i, Msg: "unterminated string"}
			}
			tokens = append(tokens, token{tkString, s, i})
			i = n
			continue
		}

		if i+1 < len(runes) {
			two := string(runes[i : i+2])
			switch two {
			case "==", "!=", ">=", "<=", "&&", "||":
				tokens = append(tokens, token{tkOp, two, i})
				i += 2
				continue
			}
		}

		switch {
		case ch == '>' || ch == '<' || ch == '!':
			tokens = append(tokens, token{tkOp, string(ch), i})
			i++
		case ch == '=':
			tokens = append(tokens, token{tkAssign, "=", i})
			i++
		case unicode.IsDigit(ch) || (ch == '-' && i+1 < len(runes) && unicode.IsDigit(runes[i+1])):
			start := i
			i++
			for i < len(runes) && (unicode.IsDigit(runes[i]) || runes[i] == '.') {
				i++
			}
			tokens = append(tokens, token{tkNumber, string(runes[start:i]), start})
		case unicode.IsLetter(ch) || ch == '_':
			start := i
			for i < len(runes) && isIdentPart(runes[i]) {
				i++
			}
			tokens = append(tokens, token{tkIdent, string(runes[start:i]), start})
		default:
			return nil, &SyntaxError{Expr: expr, Pos: i, Msg: fmt.Sprintf("unexpected character %q", ch)}
		}
	}
	return tokens, nil
}

func readString(runes []rune, start int) (string, int, bool) {
	var sb strings.Builder
	i := start + 1
	for i < len(runes) {
		switch runes[i] {
		case '\\':
			if i+1 < len(runes) {
				sb.WriteRune(runes[i+1])
				i += 2
				continue
			}
		case '"':
			return sb.String(), i + 1, true
		}
		sb.WriteRune(runes[i])
		i++
	}
	return "", 0, false
}

func isIdentPart(ch rune) bool {
	return unicode.IsLetter(ch) || unicode.IsDigit(ch) || ch == '_' || ch == '-' || ch == '.'
}

// --- recursive descent ---

type parser struct {
	expr   string
	tokens []token
	pos    int
}

func newParser(expr string) (*parser, error) {
	tokens, err := tokenize(expr)
	if err != nil {
		return nil, err
	}
	return &parser{expr: expr, tokens: tokens}, nil
}

func (p *parser) done() bool { return p.pos >= len(p.tokens) }

func (p *parser) peek() token {
	if p.done() {
		return token{pos: len(p.expr)}
	}
	return p.tokens[p.pos]
}

func (p *parser) next() token {
	t := p.peek()
	p.pos++
	return t
}

func (p *parser) errorf(format string, args ...any) error {
	return &SyntaxError{Expr: p.expr, Pos: p.peek().pos, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) isKeyword(word string) bool {
	t := p.peek()
	return !p.done() && t.kind == tkIdent && strings.EqualFold(t.value, word)
}

func (p *parser) isOp(op string) bool {
	t := p.peek()
	return !p.done() && t.kind == tkOp && t.value == op
}

func (p *parser) expect(kind tokenKind, what string) (token, error) {
	if p.done() || p.peek().kind != kind {
		if p.done() {
			return token{}, p.errorf("expected %s, got end of expression", what)
		}
		return token{}, p.errorf("expected %s, got %q", what, p.peek().value)
	}
	return p.next(), nil
}

func (p *parser) parseOr() (Condition, error) {
	first, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	terms := []Condition{first}
	for p.isOp("||") || p.isKeyword("or") {
		p.next()
		next, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		terms = append(terms, next)
	}
	if len(terms) == 1 {
		return first, nil
	}
	return &Or{Terms: terms}, nil
}

func (p *parser) parseAnd() (Condition, error) {
	first, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	terms := []Condition{first}
	for p.isOp("&&") || p.isKeyword("and") {
		p.next()
		next, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		terms = append(terms, next)
	}
	if len(terms) == 1 {
		return first, nil
	}
	return &And{Terms: terms}, nil
}

func (p *parser) parseUnary() (Condition, error) {
	if p.isOp("!") || p.isKeyword("not") {
		p.next()
		term, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &Not{Term: term}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Condition, error) {
	if p.done() {
		return nil, p.errorf("unexpected end of expression")
	}
	t := p.peek()
	switch {
	case t.kind == tkLParen:
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tkRParen, "')'"); err != nil {
			return nil, err
		}
		return inner, nil
	case p.isKeyword("count"):
		return p.parseCount()
	case t.kind == tkIdent:
		return p.parseFlag()
	}
	return nil, p.errorf("unexpected %q", t.value)
}

func (p *parser) parseCount() (Condition, error) {
	p.next() // count
	if _, err := p.expect(tkLParen, "'(' after count"); err != nil {
		return nil, err
	}
	src, err := p.parseSource()
	if err != nil {
		return nil, err
	}
	// count(children, category="ops") form
	if src.Kind == SourceChildren && src.Category == "" && p.peek().kind == tkComma && !p.done() {
		p.next()
		cat, err := p.parseCategoryArg()
		if err != nil {
			return nil, err
		}
		src.Category = cat
	}
	if _, err := p.expect(tkRParen, "')' closing count"); err != nil {
		return nil, err
	}

	opTok, err := p.expect(tkOp, "comparison operator")
	if err != nil {
		return nil, err
	}
	op := CmpOp(opTok.value)
	switch op {
	case CmpGT, CmpGE, CmpLT, CmpLE, CmpEQ, CmpNE:
	default:
		return nil, &SyntaxError{Expr: p.expr, Pos: opTok.pos, Msg: fmt.Sprintf("invalid comparison operator %q", opTok.value)}
	}

	numTok, err := p.expect(tkNumber, "integer")
	if err != nil {
		return nil, err
	}
	n, convErr := strconv.Atoi(numTok.value)
	if convErr != nil {
		return nil, &SyntaxError{Expr: p.expr, Pos: numTok.pos, Msg: fmt.Sprintf("count must compare against an integer, got %s", numTok.value)}
	}
	return &Count{Source: src, Op: op, N: n}, nil
}

func (p *parser) parseSource() (Source, error) {
	t, err := p.expect(tkIdent, "source")
	if err != nil {
		return Source{}, err
	}
	if !strings.EqualFold(t.value, ChildrenKeyword) {
		if IsReserved(t.value) {
			return Source{}, &SyntaxError{Expr: p.expr, Pos: t.pos, Msg: fmt.Sprintf("%q is not a valid source", t.value)}
		}
		return Source{Kind: SourceRef, Ref: parseRef(t.value)}, nil
	}

	src := Source{Kind: SourceChildren}
	if p.peek().kind == tkLParen && !p.done() {
		p.next()
		if p.peek().kind != tkRParen || p.done() {
			cat, err := p.parseCategoryArg()
			if err != nil {
				return Source{}, err
			}
			src.Category = cat
		}
		if _, err := p.expect(tkRParen, "')' closing children"); err != nil {
			return Source{}, err
		}
	}
	return src, nil
}

// parseCategoryArg accepts `category="ops"` or a bare `"ops"`.
func (p *parser) parseCategoryArg() (string, error) {
	if p.isKeyword("category") {
		p.next()
		if _, err := p.expect(tkAssign, "'=' after category"); err != nil {
			return "", err
		}
	}
	t, err := p.expect(tkString, "quoted category")
	if err != nil {
		return "", err
	}
	return t.value, nil
}

func (p *parser) parseFlag() (Condition, error) {
	t := p.next()
	if IsReserved(t.value) && !strings.EqualFold(t.value, "true") && !strings.EqualFold(t.value, "false") {
		return nil, &SyntaxError{Expr: p.expr, Pos: t.pos, Msg: fmt.Sprintf("unexpected keyword %q", t.value)}
	}
	if strings.EqualFold(t.value, "true") || strings.EqualFold(t.value, "false") {
		return nil, &SyntaxError{Expr: p.expr, Pos: t.pos, Msg: "a literal cannot stand alone as a condition"}
	}
	flag := &Flag{Ref: parseRef(t.value), Op: FlagTruthy}

	if p.isOp("==") || p.isOp("!=") {
		op := p.next()
		lit, err := p.parseLiteral()
		if err != nil {
			return nil, err
		}
		flag.Value = lit
		if op.value == "==" {
			flag.Op = FlagEquals
		} else {
			flag.Op = FlagNotEquals
		}
	}
	return flag, nil
}

func (p *parser) parseLiteral() (any, error) {
	if p.done() {
		return nil, p.errorf("expected literal, got end of expression")
	}
	t := p.next()
	switch t.kind {
	case tkString:
		return t.value, nil
	case tkNumber:
		if n, err := strconv.Atoi(t.value); err == nil {
			return n, nil
		}
		f, err := strconv.ParseFloat(t.value, 64)
		if err != nil {
			return nil, &SyntaxError{Expr: p.expr, Pos: t.pos, Msg: fmt.Sprintf("invalid number %q", t.value)}
		}
		return f, nil
	case tkIdent:
		switch strings.ToLower(t.value) {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
	}
	return nil, &SyntaxError{Expr: p.expr, Pos: t.pos, Msg: fmt.Sprintf("expected literal, got %q", t.value)}
}
