package expr

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pioreactor/pioreactor-go/internal/domain"
)

// AST nodes.
type node interface{}

type numberNode float64

type stringNode string // bare identifier evaluating to itself

type boolNode bool

type fetchNode struct {
	Unit    string // empty means "::" current-unit form
	Job     string
	Setting string
	Keys    []string
}

type callNode struct {
	Name string
	Args []node
}

type unaryNode struct {
	Op string // "not", "-"
	X  node
}

type binaryNode struct {
	Op   string
	L, R node
}

// parser is a recursive-descent parser over the precedence ladder
// or < and < not < comparison < additive < multiplicative < unary < power.
type parser struct {
	toks []token
	i    int
}

// Parse compiles src into an AST.
func Parse(src string) (node, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	n, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, fmt.Errorf("op=expr.parse pos=%d: trailing input: %w", p.peek().pos, domain.ErrInvalidArgument)
	}
	return n, nil
}

func (p *parser) peek() token { return p.toks[p.i] }

func (p *parser) next() token {
	t := p.toks[p.i]
	if t.kind != tokEOF {
		p.i++
	}
	return t
}

func (p *parser) acceptOp(ops ...string) (string, bool) {
	t := p.peek()
	if t.kind != tokOp {
		return "", false
	}
	for _, op := range ops {
		if t.text == op {
			p.next()
			return op, true
		}
	}
	return "", false
}

func (p *parser) acceptKeyword(kw string) bool {
	t := p.peek()
	if t.kind == tokIdent && strings.EqualFold(t.text, kw) {
		p.next()
		return true
	}
	return false
}

func (p *parser) parseExpr() (node, error) { return p.parseOr() }

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.acceptKeyword("or") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = binaryNode{Op: "or", L: left, R: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.acceptKeyword("and") {
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = binaryNode{Op: "and", L: left, R: right}
	}
	return left, nil
}

func (p *parser) parseNot() (node, error) {
	if p.acceptKeyword("not") {
		x, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return unaryNode{Op: "not", X: x}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (node, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	if op, ok := p.acceptOp("==", "<=", ">=", "<", ">"); ok {
		right, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		return binaryNode{Op: op, L: left, R: right}, nil
	}
	return left, nil
}

func (p *parser) parseAdditive() (node, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.acceptOp("+", "-")
		if !ok {
			return left, nil
		}
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = binaryNode{Op: op, L: left, R: right}
	}
}

func (p *parser) parseMultiplicative() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.acceptOp("*", "/")
		if !ok {
			return left, nil
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = binaryNode{Op: op, L: left, R: right}
	}
}

func (p *parser) parseUnary() (node, error) {
	if op, ok := p.acceptOp("-"); ok {
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return unaryNode{Op: op, X: x}, nil
	}
	return p.parsePower()
}

func (p *parser) parsePower() (node, error) {
	base, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	if _, ok := p.acceptOp("**"); ok {
		// Right associative.
		exp, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return binaryNode{Op: "**", L: base, R: exp}, nil
	}
	return base, nil
}

func (p *parser) parsePrimary() (node, error) {
	t := p.peek()
	switch t.kind {
	case tokNumber:
		p.next()
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("op=expr.parse pos=%d: bad number %q: %w", t.pos, t.text, domain.ErrInvalidArgument)
		}
		return numberNode(f), nil
	case tokFetch:
		p.next()
		return parseFetch(t.text)
	case tokIdent:
		p.next()
		switch strings.ToLower(t.text) {
		case "true":
			return boolNode(true), nil
		case "false":
			return boolNode(false), nil
		}
		// Function call?
		if op, ok := p.acceptOp("("); ok {
			_ = op
			var args []node
			if _, closed := p.acceptOp(")"); !closed {
				for {
					arg, err := p.parseExpr()
					if err != nil {
						return nil, err
					}
					args = append(args, arg)
					if _, more := p.acceptOp(","); more {
						continue
					}
					if _, closed := p.acceptOp(")"); closed {
						break
					}
					return nil, fmt.Errorf("op=expr.parse pos=%d: expected ')': %w", p.peek().pos, domain.ErrInvalidArgument)
				}
			}
			return callNode{Name: t.text, Args: args}, nil
		}
		// Unknown identifiers evaluate to themselves.
		return stringNode(t.text), nil
	case tokOp:
		if t.text == "(" {
			p.next()
			inner, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			if _, ok := p.acceptOp(")"); !ok {
				return nil, fmt.Errorf("op=expr.parse pos=%d: expected ')': %w", p.peek().pos, domain.ErrInvalidArgument)
			}
			return inner, nil
		}
	}
	return nil, fmt.Errorf("op=expr.parse pos=%d: unexpected %q: %w", t.pos, t.text, domain.ErrInvalidArgument)
}

func parseFetch(text string) (node, error) {
	// Split off the dotted key path after the last segment.
	head := text
	var keys []string
	if idx := strings.IndexByte(text, '.'); idx >= 0 {
		head = text[:idx]
		keys = strings.Split(text[idx+1:], ".")
	}
	parts := strings.Split(head, ":")
	switch {
	case len(parts) == 4 && parts[0] == "" && parts[1] == "":
		// "::JOB:SETTING" resolves the unit at evaluation time.
		return fetchNode{Job: parts[2], Setting: parts[3], Keys: keys}, nil
	case len(parts) == 3 && parts[0] != "" && parts[1] != "":
		return fetchNode{Unit: parts[0], Job: parts[1], Setting: parts[2], Keys: keys}, nil
	default:
		return nil, fmt.Errorf("op=expr.parse fetch=%q: want UNIT:JOB:SETTING: %w", text, domain.ErrInvalidArgument)
	}
}
