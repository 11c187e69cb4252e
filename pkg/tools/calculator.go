package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Calculator evaluates arithmetic expressions. Expressions are parsed with
// a small recursive-descent evaluator rather than anything eval-like, so
// model-produced input can never execute code.
type Calculator struct{}

// NewCalculator creates the calculator tool
func NewCalculator() *Calculator {
	return &Calculator{}
}

func (c *Calculator) ID() string {
	return "calculator"
}

func (c *Calculator) Description() string {
	return "Evaluates arithmetic expressions with + - * / and parentheses"
}

type calculatorInput struct {
	Expression string `json:"expression"`
}

type calculatorOutput struct {
	Result float64 `json:"result"`
}

// Invoke parses and evaluates the expression
func (c *Calculator) Invoke(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	var in calculatorInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if strings.TrimSpace(in.Expression) == "" {
		return nil, fmt.Errorf("expression is required")
	}

	p := &exprParser{src: in.Expression}
	result, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos < len(p.src) {
		return nil, fmt.Errorf("unexpected character %q at position %d", p.src[p.pos], p.pos)
	}

	return json.Marshal(calculatorOutput{Result: result})
}

// exprParser is a standard precedence-climbing parser:
// expr = term (('+'|'-') term)* ; term = factor (('*'|'/') factor)* ;
// factor = number | '(' expr ')' | '-' factor
type exprParser struct {
	src string
	pos int
}

func (p *exprParser) skipSpace() {
	for p.pos < len(p.src) && unicode.IsSpace(rune(p.src[p.pos])) {
		p.pos++
	}
}

func (p *exprParser) peek() byte {
	p.skipSpace()
	if p.pos >= len(p.src) {
		return 0
	}
	return p.src[p.pos]
}

func (p *exprParser) parseExpr() (float64, error) {
	left, err := p.parseTerm()
	if err != nil {
		return 0, err
	}
	for {
		switch p.peek() {
		case '+':
			p.pos++
			right, err := p.parseTerm()
			if err != nil {
				return 0, err
			}
			left += right
		case '-':
			p.pos++
			right, err := p.parseTerm()
			if err != nil {
				return 0, err
			}
			left -= right
		default:
			return left, nil
		}
	}
}

func (p *exprParser) parseTerm() (float64, error) {
	left, err := p.parseFactor()
	if err != nil {
		return 0, err
	}
	for {
		switch p.peek() {
		case '*':
			p.pos++
			right, err := p.parseFactor()
			if err != nil {
				return 0, err
			}
			left *= right
		case '/':
			p.pos++
			right, err := p.parseFactor()
			if err != nil {
				return 0, err
			}
			if right == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			left /= right
		default:
			return left, nil
		}
	}
}

func (p *exprParser) parseFactor() (float64, error) {
	switch ch := p.peek(); {
	case ch == '(':
		p.pos++
		v, err := p.parseExpr()
		if err != nil {
			return 0, err
		}
		if p.peek() != ')' {
			return 0, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return v, nil
	case ch == '-':
		p.pos++
		v, err := p.parseFactor()
		if err != nil {
			return 0, err
		}
		return -v, nil
	case ch >= '0' && ch <= '9' || ch == '.':
		return p.parseNumber()
	case ch == 0:
		return 0, fmt.Errorf("unexpected end of expression")
	default:
		return 0, fmt.Errorf("unexpected character %q at position %d", ch, p.pos)
	}
}

func (p *exprParser) parseNumber() (float64, error) {
	start := p.pos
	for p.pos < len(p.src) && (p.src[p.pos] >= '0' && p.src[p.pos] <= '9' || p.src[p.pos] == '.') {
		p.pos++
	}
	v, err := strconv.ParseFloat(p.src[start:p.pos], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", p.src[start:p.pos])
	}
	return v, nil
}
