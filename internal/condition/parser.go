// Package condition implements the restricted boolean expression
// language used to gate agent dependencies. Conditions are parsed
// once into an AST and then evaluated against a dependency's output;
// no arbitrary code is ever executed.
package condition

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// MaxLength is the longest accepted condition string.
	MaxLength = 2048
	// MaxDepth bounds AST nesting.
	MaxDepth = 32
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokString
	tokOp     // == != <= >= < > || && ! . ,
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

type lexer struct {
	input string
	pos   int
}

func (l *lexer) next() (token, error) {
	for l.pos < len(l.input) && isSpace(l.input[l.pos]) {
		l.pos++
	}
	if l.pos >= len(l.input) {
		return token{kind: tokEOF, pos: l.pos}, nil
	}

	start := l.pos
	c := l.input[l.pos]

	switch {
	case c == '(':
		l.pos++
		return token{kind: tokLParen, text: "(", pos: start}, nil
	case c == ')':
		l.pos++
		return token{kind: tokRParen, text: ")", pos: start}, nil
	case c == '[':
		l.pos++
		return token{kind: tokLBracket, text: "[", pos: start}, nil
	case c == ']':
		l.pos++
		return token{kind: tokRBracket, text: "]", pos: start}, nil
	case c == '"' || c == '\'':
		return l.lexString(c)
	case c >= '0' && c <= '9' || c == '-' && l.pos+1 < len(l.input) && l.input[l.pos+1] >= '0' && l.input[l.pos+1] <= '9':
		return l.lexNumber()
	case isIdentStart(c):
		for l.pos < len(l.input) && isIdentPart(l.input[l.pos]) {
			l.pos++
		}
		return token{kind: tokIdent, text: l.input[start:l.pos], pos: start}, nil
	}

	// Multi-char operators first.
	for _, op := range []string{"||", "&&", "==", "!=", "<=", ">="} {
		if strings.HasPrefix(l.input[l.pos:], op) {
			l.pos += 2
			return token{kind: tokOp, text: op, pos: start}, nil
		}
	}
	switch c {
	case '!', '<', '>', '.':
		l.pos++
		return token{kind: tokOp, text: string(c), pos: start}, nil
	}

	return token{}, fmt.Errorf("unexpected character %q at position %d", string(c), start)
}

func (l *lexer) lexString(quote byte) (token, error) {
	start := l.pos
	l.pos++ // opening quote
	var sb strings.Builder
	for l.pos < len(l.input) {
		c := l.input[l.pos]
		if c == '\\' && l.pos+1 < len(l.input) {
			next := l.input[l.pos+1]
			switch next {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			default:
				sb.WriteByte(next)
			}
			l.pos += 2
			continue
		}
		if c == quote {
			l.pos++
			return token{kind: tokString, text: sb.String(), pos: start}, nil
		}
		sb.WriteByte(c)
		l.pos++
	}
	return token{}, fmt.Errorf("unterminated string starting at position %d", start)
}

func (l *lexer) lexNumber() (token, error) {
	start := l.pos
	if l.input[l.pos] == '-' {
		l.pos++
	}
	for l.pos < len(l.input) && (l.input[l.pos] >= '0' && l.input[l.pos] <= '9' || l.input[l.pos] == '.') {
		l.pos++
	}
	text := l.input[start:l.pos]
	if _, err := strconv.ParseFloat(text, 64); err != nil {
		return token{}, fmt.Errorf("invalid number %q at position %d", text, start)
	}
	return token{kind: tokNumber, text: text, pos: start}, nil
}

func isSpace(c byte) bool      { return c == ' ' || c == '\t' || c == '\n' || c == '\r' }
func isIdentStart(c byte) bool { return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' }
func isIdentPart(c byte) bool  { return isIdentStart(c) || c >= '0' && c <= '9' }

// AST nodes.

type Expr interface {
	eval(root Value) (Value, error)
}

type orExpr struct{ operands []Expr }
type andExpr struct{ operands []Expr }
type notExpr struct{ operand Expr }

type cmpExpr struct {
	op          string
	left, right Expr
}

type callExpr struct {
	fn  string
	arg Expr
}

type literalExpr struct{ val Value }

// pathStep is one step of a property path: either a field name or a
// bracketed index expression.
type pathStep struct {
	field string
	index Expr
}

type pathExpr struct{ steps []pathStep }

type parser struct {
	lex   *lexer
	tok   token
	depth int
}

// Parse compiles a condition string into an AST. Length and depth
// limits are enforced here so evaluation never recurses unbounded.
func Parse(input string) (Expr, error) {
	if len(input) > MaxLength {
		return nil, fmt.Errorf("condition exceeds maximum length of %d characters", MaxLength)
	}
	if strings.TrimSpace(input) == "" {
		return nil, fmt.Errorf("empty condition")
	}

	p := &parser{lex: &lexer{input: input}}
	if err := p.advance(); err != nil {
		return nil, err
	}
	expr, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.tok.kind != tokEOF {
		return nil, fmt.Errorf("unexpected %q at position %d", p.tok.text, p.tok.pos)
	}
	return expr, nil
}

func (p *parser) advance() error {
	tok, err := p.lex.next()
	if err != nil {
		return err
	}
	p.tok = tok
	return nil
}

func (p *parser) enter() error {
	p.depth++
	if p.depth > MaxDepth {
		return fmt.Errorf("condition exceeds maximum nesting depth of %d", MaxDepth)
	}
	return nil
}

func (p *parser) leave() { p.depth-- }

func (p *parser) parseOr() (Expr, error) {
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.leave()

	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	operands := []Expr{left}
	for p.tok.kind == tokOp && p.tok.text == "||" || p.tok.kind == tokIdent && p.tok.text == "or" {
		if err := p.advance(); err != nil {
			return nil, err
		}
		next, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		operands = append(operands, next)
	}
	if len(operands) == 1 {
		return left, nil
	}
	return &orExpr{operands: operands}, nil
}

func (p *parser) parseAnd() (Expr, error) {
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.leave()

	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	operands := []Expr{left}
	for p.tok.kind == tokOp && p.tok.text == "&&" || p.tok.kind == tokIdent && p.tok.text == "and" {
		if err := p.advance(); err != nil {
			return nil, err
		}
		next, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		operands = append(operands, next)
	}
	if len(operands) == 1 {
		return left, nil
	}
	return &andExpr{operands: operands}, nil
}

func (p *parser) parseNot() (Expr, error) {
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.leave()

	if p.tok.kind == tokOp && p.tok.text == "!" || p.tok.kind == tokIdent && p.tok.text == "not" {
		if err := p.advance(); err != nil {
			return nil, err
		}
		operand, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &notExpr{operand: operand}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (Expr, error) {
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.leave()

	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	if p.tok.kind == tokOp {
		switch p.tok.text {
		case "==", "!=", "<", ">", "<=", ">=":
			op := p.tok.text
			if err := p.advance(); err != nil {
				return nil, err
			}
			right, err := p.parsePrimary()
			if err != nil {
				return nil, err
			}
			return &cmpExpr{op: op, left: left, right: right}, nil
		}
	}
	return left, nil
}

func (p *parser) parsePrimary() (Expr, error) {
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.leave()

	switch p.tok.kind {
	case tokLParen:
		if err := p.advance(); err != nil {
			return nil, err
		}
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.tok.kind != tokRParen {
			return nil, fmt.Errorf("expected ')' at position %d", p.tok.pos)
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		return inner, nil

	case tokString:
		val := StringValue(p.tok.text)
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &literalExpr{val: val}, nil

	case tokNumber:
		n, err := strconv.ParseFloat(p.tok.text, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", p.tok.text)
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &literalExpr{val: NumberValue(n)}, nil

	case tokIdent:
		name := p.tok.text
		switch name {
		case "true", "false":
			if err := p.advance(); err != nil {
				return nil, err
			}
			return &literalExpr{val: BoolValue(name == "true")}, nil
		case "null", "nil":
			if err := p.advance(); err != nil {
				return nil, err
			}
			return &literalExpr{val: NullValue()}, nil
		case "len", "bool", "str", "int", "float":
			// A function name only acts as a call when followed by '('.
			save := *p.lex
			saveTok := p.tok
			if err := p.advance(); err != nil {
				return nil, err
			}
			if p.tok.kind == tokLParen {
				if err := p.advance(); err != nil {
					return nil, err
				}
				arg, err := p.parseOr()
				if err != nil {
					return nil, err
				}
				if p.tok.kind != tokRParen {
					return nil, fmt.Errorf("expected ')' closing %s() at position %d", name, p.tok.pos)
				}
				if err := p.advance(); err != nil {
					return nil, err
				}
				return &callExpr{fn: name, arg: arg}, nil
			}
			*p.lex = save
			p.tok = saveTok
		}
		return p.parsePath()

	default:
		return nil, fmt.Errorf("unexpected %q at position %d", p.tok.text, p.tok.pos)
	}
}

func (p *parser) parsePath() (Expr, error) {
	if p.tok.kind != tokIdent {
		return nil, fmt.Errorf("expected property name at position %d", p.tok.pos)
	}
	steps := []pathStep{{field: p.tok.text}}
	if err := p.advance(); err != nil {
		return nil, err
	}

	for {
		switch {
		case p.tok.kind == tokOp && p.tok.text == ".":
			if err := p.advance(); err != nil {
				return nil, err
			}
			if p.tok.kind != tokIdent {
				return nil, fmt.Errorf("expected property name after '.' at position %d", p.tok.pos)
			}
			steps = append(steps, pathStep{field: p.tok.text})
			if err := p.advance(); err != nil {
				return nil, err
			}
		case p.tok.kind == tokLBracket:
			if err := p.advance(); err != nil {
				return nil, err
			}
			idx, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			if p.tok.kind != tokRBracket {
				return nil, fmt.Errorf("expected ']' at position %d", p.tok.pos)
			}
			if err := p.advance(); err != nil {
				return nil, err
			}
			steps = append(steps, pathStep{index: idx})
		default:
			return &pathExpr{steps: steps}, nil
		}
	}
}
