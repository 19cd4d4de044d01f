package worker

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Tool is one capability a worker can execute.
type Tool interface {
	Name() string
	Description() string
	Call(ctx context.Context, args map[string]any) (string, error)
}

// Registry is the worker's closed tool set, fixed at construction.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry builds a registry from the given tools.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		r.tools[t.Name()] = t
	}
	return r
}

// Get looks a tool up by name.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Names lists the registered tool names.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	return out
}

// Calculator evaluates arithmetic expressions with +, -, *, /, and
// parentheses.
type Calculator struct{}

func (Calculator) Name() string        { return "calculator" }
func (Calculator) Description() string { return "Evaluate an arithmetic expression." }

func (Calculator) Call(_ context.Context, args map[string]any) (string, error) {
	expr, ok := args["expression"].(string)
	if !ok || strings.TrimSpace(expr) == "" {
		return "", fmt.Errorf("calculator requires an %q argument", "expression")
	}
	p := &exprParser{input: expr}
	v, err := p.parseExpr()
	if err != nil {
		return "", err
	}
	p.skipSpace()
	if p.pos != len(p.input) {
		return "", fmt.Errorf("unexpected %q at offset %d", p.input[p.pos], p.pos)
	}
	return strconv.FormatFloat(v, 'f', -1, 64), nil
}

// exprParser is a recursive descent parser over the usual grammar:
// expr = term (('+'|'-') term)*, term = factor (('*'|'/') factor)*,
// factor = number | '(' expr ')' | '-' factor.
type exprParser struct {
	input string
	pos   int
}

func (p *exprParser) skipSpace() {
	for p.pos < len(p.input) && (p.input[p.pos] == ' ' || p.input[p.pos] == '\t') {
		p.pos++
	}
}

func (p *exprParser) peek() byte {
	p.skipSpace()
	if p.pos >= len(p.input) {
		return 0
	}
	return p.input[p.pos]
}

func (p *exprParser) parseExpr() (float64, error) {
	v, err := p.parseTerm()
	if err != nil {
		return 0, err
	}
	for {
		switch p.peek() {
		case '+':
			p.pos++
			rhs, err := p.parseTerm()
			if err != nil {
				return 0, err
			}
			v += rhs
		case '-':
			p.pos++
			rhs, err := p.parseTerm()
			if err != nil {
				return 0, err
			}
			v -= rhs
		default:
			return v, nil
		}
	}
}

func (p *exprParser) parseTerm() (float64, error) {
	v, err := p.parseFactor()
	if err != nil {
		return 0, err
	}
	for {
		switch p.peek() {
		case '*':
			p.pos++
			rhs, err := p.parseFactor()
			if err != nil {
				return 0, err
			}
			v *= rhs
		case '/':
			p.pos++
			rhs, err := p.parseFactor()
			if err != nil {
				return 0, err
			}
			if rhs == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			v /= rhs
		default:
			return v, nil
		}
	}
}

func (p *exprParser) parseFactor() (float64, error) {
	switch c := p.peek(); {
	case c == '(':
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
	case c == '-':
		p.pos++
		v, err := p.parseFactor()
		if err != nil {
			return 0, err
		}
		return -v, nil
	case c >= '0' && c <= '9' || c == '.':
		start := p.pos
		for p.pos < len(p.input) {
			c := p.input[p.pos]
			if (c < '0' || c > '9') && c != '.' {
				break
			}
			p.pos++
		}
		v, err := strconv.ParseFloat(p.input[start:p.pos], 64)
		if err != nil {
			return 0, fmt.Errorf("bad number %q", p.input[start:p.pos])
		}
		return v, nil
	case c == 0:
		return 0, fmt.Errorf("unexpected end of expression")
	default:
		return 0, fmt.Errorf("unexpected %q at offset %d", c, p.pos)
	}
}

// Echo returns its input, useful for connectivity checks.
type Echo struct{}

func (Echo) Name() string        { return "echo" }
func (Echo) Description() string { return "Return the provided text unchanged." }

func (Echo) Call(_ context.Context, args map[string]any) (string, error) {
	text, ok := args["text"].(string)
	if !ok {
		return "", fmt.Errorf("echo requires a %q argument", "text")
	}
	return text, nil
}

// DefaultTools is the baseline tool set every worker ships with.
func DefaultTools() []Tool {
	return []Tool{Calculator{}, Echo{}}
}
