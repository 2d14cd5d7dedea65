package label

import (
	"fmt"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokenAtom tokenKind = iota
	tokenNot
	tokenAnd
	tokenOr
	tokenImpl
	tokenIff
	tokenOpen
	tokenClose
)

type token struct {
	kind   tokenKind
	text   string
	offset int
}

type operator struct {
	text string
	kind tokenKind
}

var operators = []operator{
	// Longest first so that "<->" wins over "->"
	{"<->", tokenIff},
	{"->", tokenImpl},
	{"&&", tokenAnd},
	{"||", tokenOr},
	{"!", tokenNot},
	{"(", tokenOpen},
	{")", tokenClose},
}

func tokenize(s string) ([]token, error) {
	var tokens []token

	for i := 0; i < len(s); {
		r := rune(s[i])
		if unicode.IsSpace(r) {
			i++
			continue
		}

		if op, ok := operatorAt(s, i); ok {
			tokens = append(tokens, token{kind: op.kind, text: op.text, offset: i})
			i += len(op.text)
			continue
		}

		if s[i] == '"' {
			end := strings.IndexByte(s[i+1:], '"')
			if end < 0 {
				return nil, fmt.Errorf("unterminated quote at position %d", i)
			}
			tokens = append(tokens, token{kind: tokenAtom, text: s[i+1 : i+1+end], offset: i})
			i += end + 2
			continue
		}

		start := i
		for i < len(s) && !unicode.IsSpace(rune(s[i])) && s[i] != '"' {
			if _, ok := operatorAt(s, i); ok {
				break
			}
			i++
		}
		if start == i {
			return nil, fmt.Errorf("unexpected character '%c' at position %d", s[i], i)
		}
		tokens = append(tokens, token{kind: tokenAtom, text: s[start:i], offset: start})
	}

	return tokens, nil
}

func operatorAt(s string, i int) (operator, bool) {
	for _, op := range operators {
		if strings.HasPrefix(s[i:], op.text) {
			return op, true
		}
	}
	return operator{}, false
}
