// Package expr implements the profile expression language: arithmetic,
// comparisons, booleans, a few builtin functions, and bus-fetch tokens that
// read retained values off the control bus at evaluation time.
package expr

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/pioreactor/pioreactor-go/internal/domain"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokIdent // also carries keywords and true/false
	tokFetch // UNIT:JOB:SETTING[.key...] or ::JOB:SETTING[.key...]
	tokOp    // + - * / ** == < > <= >= ( ) ,
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

// lex splits src into tokens; a malformed input is a syntax error.
func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	n := len(src)
	for i < n {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c >= '0' && c <= '9' || c == '.' && i+1 < n && src[i+1] >= '0' && src[i+1] <= '9':
			start := i
			for i < n && (src[i] >= '0' && src[i] <= '9' || src[i] == '.') {
				i++
			}
			toks = append(toks, token{kind: tokNumber, text: src[start:i], pos: start})
		case isIdentStart(rune(c)) || c == ':' && i+1 < n && src[i+1] == ':':
			tok, next, err := lexWord(src, i)
			if err != nil {
				return nil, err
			}
			toks = append(toks, tok)
			i = next
		case strings.ContainsRune("+-*/<>=(),", rune(c)):
			start := i
			text := string(c)
			i++
			if i < n {
				two := src[start : i+1]
				if two == "**" || two == "==" || two == "<=" || two == ">=" {
					text = two
					i++
				}
			}
			if text == "=" {
				return nil, fmt.Errorf("op=expr.lex pos=%d: single '=': %w", start, domain.ErrInvalidArgument)
			}
			toks = append(toks, token{kind: tokOp, text: text, pos: start})
		default:
			return nil, fmt.Errorf("op=expr.lex pos=%d: unexpected %q: %w", i, string(c), domain.ErrInvalidArgument)
		}
	}
	toks = append(toks, token{kind: tokEOF, pos: n})
	return toks, nil
}

// lexWord reads an identifier, keyword, or bus-fetch token starting at i.
// A ':' joins segments into a fetch token; '.key' suffixes attach to fetches.
func lexWord(src string, i int) (token, int, error) {
	start := i
	n := len(src)
	segments := 0
	if strings.HasPrefix(src[i:], "::") {
		// Common form; unit is filled in at evaluation time.
		i += 2
		segments = 1
	}
	for {
		segStart := i
		for i < n && isIdentPart(rune(src[i])) {
			i++
		}
		if i == segStart && segments > 0 {
			return token{}, 0, fmt.Errorf("op=expr.lex pos=%d: dangling ':': %w", i, domain.ErrInvalidArgument)
		}
		if i < n && src[i] == ':' && (i+1 < n && isIdentPart(rune(src[i+1]))) {
			segments++
			i++
			continue
		}
		break
	}
	if segments == 0 {
		return token{kind: tokIdent, text: src[start:i], pos: start}, i, nil
	}
	// Fetch token; consume dotted key path.
	for i < n && src[i] == '.' {
		i++
		keyStart := i
		for i < n && isIdentPart(rune(src[i])) {
			i++
		}
		if i == keyStart {
			return token{}, 0, fmt.Errorf("op=expr.lex pos=%d: dangling '.': %w", i, domain.ErrInvalidArgument)
		}
	}
	return token{kind: tokFetch, text: src[start:i], pos: start}, i, nil
}

func isIdentStart(r rune) bool {
	return unicode.IsLetter(r) || r == '_' || r == '$'
}

func isIdentPart(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '$'
}

// CheckSyntax lexes and parses src without evaluating; used by profile
// verification.
func CheckSyntax(src string) error {
	toks, err := lex(src)
	if err != nil {
		return err
	}
	p := &parser{toks: toks}
	if _, err := p.parseExpr(); err != nil {
		return err
	}
	if p.peek().kind != tokEOF {
		return fmt.Errorf("op=expr.parse pos=%d: trailing input: %w", p.peek().pos, domain.ErrInvalidArgument)
	}
	return nil
}
