package expr

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dpaschal/meshd/pkg/log"
)

// EvalBudget bounds a single expression evaluation. Anything that runs
// past it returns false.
const EvalBudget = 100 * time.Millisecond

// ParentResult is the terminal outcome of one predecessor task, exposed to
// conditions as parent.<key>.exitCode / stdout / stderr / state.
type ParentResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	State    string
}

// Env is the typed value bag conditions evaluate against
type Env struct {
	Parents map[string]ParentResult
	Context map[string]string
}

// Evaluate runs a condition expression against env. It never panics and
// never performs I/O: any parse error, unknown reference, type mismatch or
// budget overrun evaluates to false with a warning logged.
func Evaluate(expression string, env Env) bool {
	logger := log.WithComponent("expr")

	p := &parser{
		input:    expression,
		env:      env,
		deadline: time.Now().Add(EvalBudget),
	}

	result, err := func() (v value, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("expression panicked: %v", r)
			}
		}()
		p.lex()
		if p.lexErr != nil {
			return value{}, p.lexErr
		}
		v, err = p.parseOr()
		if err == nil && p.pos < len(p.tokens) {
			err = fmt.Errorf("unexpected trailing token %q", p.tokens[p.pos].text)
		}
		return v, err
	}()
	if err != nil {
		logger.Warn().Str("expression", expression).Err(err).Msg("condition failed, treating as false")
		return false
	}

	return result.truthy()
}

// value is the evaluator's dynamic type: string, number or bool
type value struct {
	s string
	n float64
	b bool

	kind valueKind
}

type valueKind int

const (
	kindString valueKind = iota
	kindNumber
	kindBool
)

func str(s string) value  { return value{s: s, kind: kindString} }
func num(n float64) value { return value{n: n, kind: kindNumber} }
func boolean(b bool) value {
	return value{b: b, kind: kindBool}
}

func (v value) truthy() bool {
	switch v.kind {
	case kindBool:
		return v.b
	case kindNumber:
		return v.n != 0
	default:
		return v.s != ""
	}
}

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokString
	tokNumber
	tokOp
)

type token struct {
	kind tokenKind
	text string
}

type parser struct {
	input    string
	tokens   []token
	pos      int
	env      Env
	deadline time.Time
	lexErr   error
}

func (p *parser) check() error {
	if time.Now().After(p.deadline) {
		return fmt.Errorf("evaluation budget exceeded")
	}
	return nil
}

// lex splits the input into tokens; errors surface later as parse failures
func (p *parser) lex() {
	i := 0
	in := p.input
	for i < len(in) {
		c := in[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n':
			i++
		case c == '\'' || c == '"':
			quote := c
			j := i + 1
			var sb strings.Builder
			for j < len(in) && in[j] != quote {
				if in[j] == '\\' && j+1 < len(in) {
					j++
				}
				sb.WriteByte(in[j])
				j++
			}
			if j >= len(in) {
				p.lexErr = fmt.Errorf("unterminated string literal")
				return
			}
			p.tokens = append(p.tokens, token{tokString, sb.String()})
			i = j + 1
		case isDigit(c) || (c == '-' && i+1 < len(in) && isDigit(in[i+1])):
			j := i + 1
			for j < len(in) && (isDigit(in[j]) || in[j] == '.') {
				j++
			}
			p.tokens = append(p.tokens, token{tokNumber, in[i:j]})
			i = j
		case isIdentByte(c):
			// digits may continue an identifier but not start one
			j := i
			for j < len(in) && (isIdentByte(in[j]) || isDigit(in[j]) || in[j] == '.') {
				j++
			}
			p.tokens = append(p.tokens, token{tokIdent, in[i:j]})
			i = j
		default:
			// multi-byte operators first
			matched := false
			for _, op := range []string{"&&", "||", "==", "!=", "<=", ">=", "<", ">", "!", "(", ")"} {
				if strings.HasPrefix(in[i:], op) {
					p.tokens = append(p.tokens, token{tokOp, op})
					i += len(op)
					matched = true
					break
				}
			}
			if !matched {
				// unrecognized byte: emit as-is so the parser rejects it
				p.tokens = append(p.tokens, token{tokOp, string(c)})
				i++
			}
		}
	}
}

func isIdentByte(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_'
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func (p *parser) peek() (token, bool) {
	if p.pos < len(p.tokens) {
		return p.tokens[p.pos], true
	}
	return token{}, false
}

func (p *parser) accept(text string) bool {
	if t, ok := p.peek(); ok && t.kind == tokOp && t.text == text {
		p.pos++
		return true
	}
	return false
}

// parseOr handles '||', the lowest precedence level
func (p *parser) parseOr() (value, error) {
	left, err := p.parseAnd()
	if err != nil {
		return value{}, err
	}
	for p.accept("||") {
		if err := p.check(); err != nil {
			return value{}, err
		}
		right, err := p.parseAnd()
		if err != nil {
			return value{}, err
		}
		left = boolean(left.truthy() || right.truthy())
	}
	return left, nil
}

func (p *parser) parseAnd() (value, error) {
	left, err := p.parseComparison()
	if err != nil {
		return value{}, err
	}
	for p.accept("&&") {
		if err := p.check(); err != nil {
			return value{}, err
		}
		right, err := p.parseComparison()
		if err != nil {
			return value{}, err
		}
		left = boolean(left.truthy() && right.truthy())
	}
	return left, nil
}

func (p *parser) parseComparison() (value, error) {
	left, err := p.parseUnary()
	if err != nil {
		return value{}, err
	}
	for _, op := range []string{"==", "!=", "<=", ">=", "<", ">"} {
		if p.accept(op) {
			right, err := p.parseUnary()
			if err != nil {
				return value{}, err
			}
			return compare(op, left, right)
		}
	}
	return left, nil
}

func (p *parser) parseUnary() (value, error) {
	if p.accept("!") {
		v, err := p.parseUnary()
		if err != nil {
			return value{}, err
		}
		return boolean(!v.truthy()), nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (value, error) {
	if err := p.check(); err != nil {
		return value{}, err
	}

	t, ok := p.peek()
	if !ok {
		return value{}, fmt.Errorf("unexpected end of expression")
	}

	switch t.kind {
	case tokString:
		p.pos++
		return str(t.text), nil
	case tokNumber:
		p.pos++
		n, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return value{}, fmt.Errorf("bad number %q", t.text)
		}
		return num(n), nil
	case tokIdent:
		p.pos++
		return p.resolve(t.text)
	case tokOp:
		if t.text == "(" {
			p.pos++
			v, err := p.parseOr()
			if err != nil {
				return value{}, err
			}
			if !p.accept(")") {
				return value{}, fmt.Errorf("missing closing parenthesis")
			}
			return v, nil
		}
	}
	return value{}, fmt.Errorf("unexpected token %q", t.text)
}

// resolve maps a dotted reference onto the env, including trailing string
// method calls: includes, startsWith, endsWith, matches.
func (p *parser) resolve(ref string) (value, error) {
	switch ref {
	case "true":
		return boolean(true), nil
	case "false":
		return boolean(false), nil
	}

	parts := strings.Split(ref, ".")

	// a trailing method name pairs with a parenthesized string argument
	method := ""
	if len(parts) > 1 {
		switch parts[len(parts)-1] {
		case "includes", "startsWith", "endsWith", "matches":
			method = parts[len(parts)-1]
			parts = parts[:len(parts)-1]
		}
	}

	base, err := p.lookup(parts)
	if err != nil {
		return value{}, err
	}

	if method == "" {
		return base, nil
	}

	if !p.accept("(") {
		return value{}, fmt.Errorf("method %s requires an argument", method)
	}
	arg, err := p.parseOr()
	if err != nil {
		return value{}, err
	}
	if !p.accept(")") {
		return value{}, fmt.Errorf("missing closing parenthesis after %s()", method)
	}
	if base.kind != kindString || arg.kind != kindString {
		return value{}, fmt.Errorf("%s() requires string operands", method)
	}

	switch method {
	case "includes":
		return boolean(strings.Contains(base.s, arg.s)), nil
	case "startsWith":
		return boolean(strings.HasPrefix(base.s, arg.s)), nil
	case "endsWith":
		return boolean(strings.HasSuffix(base.s, arg.s)), nil
	case "matches":
		re, err := regexp.Compile(arg.s)
		if err != nil {
			return value{}, fmt.Errorf("bad pattern %q: %w", arg.s, err)
		}
		return boolean(re.MatchString(base.s)), nil
	}
	return value{}, fmt.Errorf("unknown method %s", method)
}

func (p *parser) lookup(parts []string) (value, error) {
	switch {
	case len(parts) == 3 && parts[0] == "parent":
		parent, ok := p.env.Parents[parts[1]]
		if !ok {
			return value{}, fmt.Errorf("unknown parent %q", parts[1])
		}
		switch parts[2] {
		case "exitCode":
			return num(float64(parent.ExitCode)), nil
		case "stdout":
			return str(parent.Stdout), nil
		case "stderr":
			return str(parent.Stderr), nil
		case "state":
			return str(parent.State), nil
		}
		return value{}, fmt.Errorf("unknown parent field %q", parts[2])

	case len(parts) == 3 && parts[0] == "workflow" && parts[1] == "context":
		v, ok := p.env.Context[parts[2]]
		if !ok {
			return value{}, fmt.Errorf("unknown context key %q", parts[2])
		}
		return str(v), nil
	}
	return value{}, fmt.Errorf("unknown reference %q", strings.Join(parts, "."))
}

func compare(op string, left, right value) (value, error) {
	// numeric comparison when both sides are numbers
	if left.kind == kindNumber && right.kind == kindNumber {
		switch op {
		case "==":
			return boolean(left.n == right.n), nil
		case "!=":
			return boolean(left.n != right.n), nil
		case "<":
			return boolean(left.n < right.n), nil
		case "<=":
			return boolean(left.n <= right.n), nil
		case ">":
			return boolean(left.n > right.n), nil
		case ">=":
			return boolean(left.n >= right.n), nil
		}
	}

	ls, rs := left.asString(), right.asString()
	switch op {
	case "==":
		return boolean(ls == rs), nil
	case "!=":
		return boolean(ls != rs), nil
	case "<":
		return boolean(ls < rs), nil
	case "<=":
		return boolean(ls <= rs), nil
	case ">":
		return boolean(ls > rs), nil
	case ">=":
		return boolean(ls >= rs), nil
	}
	return value{}, fmt.Errorf("unknown operator %q", op)
}

func (v value) asString() string {
	switch v.kind {
	case kindNumber:
		return strconv.FormatFloat(v.n, 'f', -1, 64)
	case kindBool:
		return strconv.FormatBool(v.b)
	default:
		return v.s
	}
}
