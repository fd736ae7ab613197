package formula

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
)

const (
	maxExpressionLen   = 2000
	maxExpressionDepth = 64
)

// EvalExpression evaluates an administrator-authored arithmetic expression such as
// "{Draw Sales} - {Draw Comm} * 2". Any failure yields zero so a broken custom formula cannot
// break report generation.
func EvalExpression(expr string, vars map[string]float64) decimal.Decimal {
	v, err := EvaluateExpression(expr, vars)
	if err != nil {
		return decimal.Zero
	}
	return v
}

// EvaluateExpression is the strict form of EvalExpression. Only numbers, field references,
// + - * / and parentheses are accepted. Field references are either {Any Header Text} or a bare
// identifier; lookup is exact first, then case-insensitive.
func EvaluateExpression(expr string, vars map[string]float64) (decimal.Decimal, error) {
	if strings.TrimSpace(expr) == "" {
		return decimal.Zero, errors.New("empty expression")
	}
	if len(expr) > maxExpressionLen {
		return decimal.Zero, errors.New("expression too long")
	}
	tokens, err := tokenize(expr, vars)
	if err != nil {
		return decimal.Zero, err
	}
	p := &parser{tokens: tokens}
	v, err := p.parseExpr(0)
	if err != nil {
		return decimal.Zero, err
	}
	if p.pos != len(p.tokens) {
		return decimal.Zero, fmt.Errorf("unexpected token %q", p.tokens[p.pos].text)
	}
	return v, nil
}

type tokenKind int

const (
	tokNumber tokenKind = iota
	tokOp
	tokLParen
	tokRParen
)

type token struct {
	kind  tokenKind
	text  string
	value decimal.Decimal
}

func tokenize(expr string, vars map[string]float64) ([]token, error) {
	var out []token
	runes := []rune(expr)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
		case r == '+' || r == '-' || r == '*' || r == '/':
			out = append(out, token{kind: tokOp, text: string(r)})
		case r == '(':
			out = append(out, token{kind: tokLParen, text: "("})
		case r == ')':
			out = append(out, token{kind: tokRParen, text: ")"})
		case r == '{':
			end := i + 1
			for end < len(runes) && runes[end] != '}' {
				end++
			}
			if end >= len(runes) {
				return nil, errors.New("unterminated field reference")
			}
			name := strings.TrimSpace(string(runes[i+1 : end]))
			v, err := lookup(vars, name)
			if err != nil {
				return nil, err
			}
			out = append(out, token{kind: tokNumber, text: name, value: v})
			i = end
		case unicode.IsDigit(r) || r == '.':
			end := i
			for end < len(runes) && (unicode.IsDigit(runes[end]) || runes[end] == '.') {
				end++
			}
			text := string(runes[i:end])
			v, err := decimal.NewFromString(text)
			if err != nil {
				return nil, fmt.Errorf("bad number %q", text)
			}
			out = append(out, token{kind: tokNumber, text: text, value: v})
			i = end - 1
		case unicode.IsLetter(r) || r == '_':
			end := i
			for end < len(runes) && (unicode.IsLetter(runes[end]) || unicode.IsDigit(runes[end]) || runes[end] == '_') {
				end++
			}
			name := string(runes[i:end])
			v, err := lookup(vars, name)
			if err != nil {
				return nil, err
			}
			out = append(out, token{kind: tokNumber, text: name, value: v})
			i = end - 1
		default:
			return nil, fmt.Errorf("invalid character %q", r)
		}
	}
	return out, nil
}

func lookup(vars map[string]float64, name string) (decimal.Decimal, error) {
	if v, ok := vars[name]; ok {
		return decimal.NewFromFloat(v), nil
	}
	for k, v := range vars {
		if strings.EqualFold(k, name) {
			return decimal.NewFromFloat(v), nil
		}
	}
	return decimal.Zero, fmt.Errorf("unknown field %q", name)
}

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) peek() *token {
	if p.pos >= len(p.tokens) {
		return nil
	}
	return &p.tokens[p.pos]
}

func (p *parser) parseExpr(depth int) (decimal.Decimal, error) {
	left, err := p.parseTerm(depth)
	if err != nil {
		return decimal.Zero, err
	}
	for {
		t := p.peek()
		if t == nil || t.kind != tokOp || (t.text != "+" && t.text != "-") {
			return left, nil
		}
		p.pos++
		right, err := p.parseTerm(depth)
		if err != nil {
			return decimal.Zero, err
		}
		if t.text == "+" {
			left = left.Add(right)
		} else {
			left = left.Sub(right)
		}
	}
}

func (p *parser) parseTerm(depth int) (decimal.Decimal, error) {
	left, err := p.parseFactor(depth)
	if err != nil {
		return decimal.Zero, err
	}
	for {
		t := p.peek()
		if t == nil || t.kind != tokOp || (t.text != "*" && t.text != "/") {
			return left, nil
		}
		p.pos++
		right, err := p.parseFactor(depth)
		if err != nil {
			return decimal.Zero, err
		}
		if t.text == "*" {
			left = left.Mul(right)
			continue
		}
		if right.IsZero() {
			return decimal.Zero, errors.New("division by zero")
		}
		left = left.Div(right)
	}
}

func (p *parser) parseFactor(depth int) (decimal.Decimal, error) {
	if depth > maxExpressionDepth {
		return decimal.Zero, errors.New("expression nested too deeply")
	}
	t := p.peek()
	if t == nil {
		return decimal.Zero, errors.New("unexpected end of expression")
	}
	switch t.kind {
	case tokNumber:
		p.pos++
		return t.value, nil
	case tokOp:
		if t.text != "+" && t.text != "-" {
			return decimal.Zero, fmt.Errorf("unexpected operator %q", t.text)
		}
		p.pos++
		v, err := p.parseFactor(depth + 1)
		if err != nil {
			return decimal.Zero, err
		}
		if t.text == "-" {
			return v.Neg(), nil
		}
		return v, nil
	case tokLParen:
		p.pos++
		v, err := p.parseExpr(depth + 1)
		if err != nil {
			return decimal.Zero, err
		}
		closing := p.peek()
		if closing == nil || closing.kind != tokRParen {
			return decimal.Zero, errors.New("missing closing parenthesis")
		}
		p.pos++
		return v, nil
	default:
		return decimal.Zero, fmt.Errorf("unexpected token %q", t.text)
	}
}
