package approval

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Rule conditions are written in a deliberately tiny, closed expression
// language. It supports field references over the operation, its context, and
// the risk assessment, literal strings/numbers, comparisons, substring and
// set-membership tests, and boolean combinators:
//
//	risk.score >= 15 && operation.target contains '/etc'
//	risk.level >= 'high' || context.sandbox_mode == 'full-access'
//	operation.type in ['file-write', 'file-delete'] && !(risk.level == 'low')
//	limits.max_subprocesses == 0
//
// There is no function call syntax, no assignment, no way to reach beyond the
// three named scopes. Conditions are compiled once at policy load; an
// evaluation failure (unknown field, type mismatch) makes the rule a
// non-match rather than an error escaping the gate.

// Env is the evaluation scope a compiled condition sees.
type Env struct {
	Op   Operation
	Ctx  OperationContext
	Risk RiskAssessment
}

// Predicate is a compiled rule condition.
type Predicate interface {
	Eval(env Env) (bool, error)
}

// Compile parses src into a Predicate. The empty string compiles to a
// predicate that is always true, so rules may omit their condition.
func Compile(src string) (Predicate, error) {
	if strings.TrimSpace(src) == "" {
		return boolLit(true), nil
	}
	p := &parser{tokens: lex(src), src: src}
	pred, err := p.parseOr()
	if err != nil {
		return nil, fmt.Errorf("approval: compile condition %q: %w", src, err)
	}
	if !p.eof() {
		return nil, fmt.Errorf("approval: compile condition %q: unexpected %q", src, p.peek().text)
	}
	return pred, nil
}

// MustCompile is Compile for the built-in policies, whose conditions are
// compile-time constants.
func MustCompile(src string) Predicate {
	pred, err := Compile(src)
	if err != nil {
		panic(err)
	}
	return pred
}

// ── AST ───────────────────────────────────────────────────────────────────────

type boolLit bool

func (b boolLit) Eval(Env) (bool, error) { return bool(b), nil }

type orNode struct{ left, right Predicate }

func (n orNode) Eval(env Env) (bool, error) {
	l, err := n.left.Eval(env)
	if err != nil {
		return false, err
	}
	if l {
		return true, nil
	}
	return n.right.Eval(env)
}

type andNode struct{ left, right Predicate }

func (n andNode) Eval(env Env) (bool, error) {
	l, err := n.left.Eval(env)
	if err != nil {
		return false, err
	}
	if !l {
		return false, nil
	}
	return n.right.Eval(env)
}

type notNode struct{ inner Predicate }

func (n notNode) Eval(env Env) (bool, error) {
	v, err := n.inner.Eval(env)
	if err != nil {
		return false, err
	}
	return !v, nil
}

// operand is either a field reference or a literal.
type operand interface {
	resolve(env Env) (value, error)
}

// value is a dynamically typed operand result. Risk levels resolve to both a
// name and a rank so equality compares the name and ordering compares the rank.
type value struct {
	str     string
	num     float64
	isNum   bool
	isLevel bool
}

type fieldRef string

type litStr string

func (l litStr) resolve(Env) (value, error) {
	v := value{str: string(l)}
	if RiskLevel(l).rank() >= 0 {
		v.isLevel = true
	}
	return v, nil
}

type litNum float64

func (l litNum) resolve(Env) (value, error) {
	return value{num: float64(l), isNum: true}, nil
}

type cmpNode struct {
	left  operand
	op    string
	right operand
}

func (n cmpNode) Eval(env Env) (bool, error) {
	l, err := n.left.resolve(env)
	if err != nil {
		return false, err
	}
	r, err := n.right.resolve(env)
	if err != nil {
		return false, err
	}
	return compare(l, n.op, r)
}

type containsNode struct {
	left  operand
	right operand
}

func (n containsNode) Eval(env Env) (bool, error) {
	l, err := n.left.resolve(env)
	if err != nil {
		return false, err
	}
	r, err := n.right.resolve(env)
	if err != nil {
		return false, err
	}
	if l.isNum || r.isNum {
		return false, fmt.Errorf("contains requires string operands")
	}
	return strings.Contains(l.str, r.str), nil
}

type inNode struct {
	left operand
	set  []operand
}

func (n inNode) Eval(env Env) (bool, error) {
	l, err := n.left.resolve(env)
	if err != nil {
		return false, err
	}
	for _, o := range n.set {
		r, err := o.resolve(env)
		if err != nil {
			return false, err
		}
		ok, err := compare(l, "==", r)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// compare applies a comparison operator to two resolved values.
func compare(l value, op string, r value) (bool, error) {
	// Numeric comparison when both sides are numbers.
	if l.isNum && r.isNum {
		switch op {
		case "==":
			return l.num == r.num, nil
		case "!=":
			return l.num != r.num, nil
		case ">":
			return l.num > r.num, nil
		case ">=":
			return l.num >= r.num, nil
		case "<":
			return l.num < r.num, nil
		case "<=":
			return l.num <= r.num, nil
		}
		return false, fmt.Errorf("unknown operator %q", op)
	}
	if l.isNum != r.isNum {
		return false, fmt.Errorf("cannot compare number with string")
	}

	// Risk levels order by rank when either side is a level.
	if (l.isLevel || r.isLevel) && op != "==" && op != "!=" {
		lr, rr := RiskLevel(l.str).rank(), RiskLevel(r.str).rank()
		if lr < 0 || rr < 0 {
			return false, fmt.Errorf("ordering is only defined between risk levels, got %q and %q", l.str, r.str)
		}
		switch op {
		case ">":
			return lr > rr, nil
		case ">=":
			return lr >= rr, nil
		case "<":
			return lr < rr, nil
		case "<=":
			return lr <= rr, nil
		}
	}

	switch op {
	case "==":
		return l.str == r.str, nil
	case "!=":
		return l.str != r.str, nil
	}
	return false, fmt.Errorf("operator %q is not defined for strings", op)
}

// resolve maps a dotted field path to its value in the environment.
func (f fieldRef) resolve(env Env) (value, error) {
	switch string(f) {
	case "operation.type":
		return value{str: string(env.Op.Type)}, nil
	case "operation.target":
		return value{str: env.Op.Target}, nil
	case "operation.description":
		return value{str: env.Op.Description}, nil

	case "context.sandbox_mode":
		return value{str: string(env.Ctx.SandboxMode)}, nil
	case "context.workspace_root":
		return value{str: env.Ctx.WorkspaceRoot}, nil
	case "context.user_intent":
		return value{str: env.Ctx.UserIntent}, nil
	case "context.session_id":
		return value{str: env.Ctx.SessionID}, nil

	case "risk.score":
		return value{num: float64(env.Risk.Score), isNum: true}, nil
	case "risk.level":
		return value{str: string(env.Risk.Level), isLevel: true}, nil

	case "limits.max_memory_bytes":
		return value{num: float64(env.Ctx.Limits.MaxMemoryBytes), isNum: true}, nil
	case "limits.max_execution_ms":
		return value{num: float64(env.Ctx.Limits.MaxExecutionTime.Milliseconds()), isNum: true}, nil
	case "limits.max_file_handles":
		return value{num: float64(env.Ctx.Limits.MaxFileHandles), isNum: true}, nil
	case "limits.max_network_connections":
		return value{num: float64(env.Ctx.Limits.MaxNetworkConnections), isNum: true}, nil
	case "limits.max_subprocesses":
		return value{num: float64(env.Ctx.Limits.MaxSubprocesses), isNum: true}, nil
	}
	return value{}, fmt.Errorf("unknown field %q", string(f))
}

// ── lexer ─────────────────────────────────────────────────────────────────────

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokNumber
	tokOp     // == != >= <= > < && || !
	tokLParen // (
	tokRParen // )
	tokLBrack // [
	tokRBrack // ]
	tokComma
	tokInvalid
)

type token struct {
	kind tokenKind
	text string
}

func lex(src string) []token {
	var tokens []token
	runes := []rune(src)
	i := 0
	for i < len(runes) {
		c := runes[i]
		switch {
		case unicode.IsSpace(c):
			i++

		case c == '(':
			tokens = append(tokens, token{tokLParen, "("})
			i++
		case c == ')':
			tokens = append(tokens, token{tokRParen, ")"})
			i++
		case c == '[':
			tokens = append(tokens, token{tokLBrack, "["})
			i++
		case c == ']':
			tokens = append(tokens, token{tokRBrack, "]"})
			i++
		case c == ',':
			tokens = append(tokens, token{tokComma, ","})
			i++

		case c == '\'':
			j := i + 1
			for j < len(runes) && runes[j] != '\'' {
				j++
			}
			if j >= len(runes) {
				tokens = append(tokens, token{tokInvalid, "unterminated string"})
				return tokens
			}
			tokens = append(tokens, token{tokString, string(runes[i+1 : j])})
			i = j + 1

		case c == '&' || c == '|':
			if i+1 < len(runes) && runes[i+1] == c {
				tokens = append(tokens, token{tokOp, string([]rune{c, c})})
				i += 2
			} else {
				tokens = append(tokens, token{tokInvalid, string(c)})
				return tokens
			}

		case c == '=' || c == '!' || c == '<' || c == '>':
			if i+1 < len(runes) && runes[i+1] == '=' {
				tokens = append(tokens, token{tokOp, string([]rune{c, '='})})
				i += 2
			} else if c == '!' {
				tokens = append(tokens, token{tokOp, "!"})
				i++
			} else if c == '<' || c == '>' {
				tokens = append(tokens, token{tokOp, string(c)})
				i++
			} else {
				tokens = append(tokens, token{tokInvalid, string(c)})
				return tokens
			}

		case unicode.IsDigit(c):
			j := i
			for j < len(runes) && (unicode.IsDigit(runes[j]) || runes[j] == '.') {
				j++
			}
			tokens = append(tokens, token{tokNumber, string(runes[i:j])})
			i = j

		case unicode.IsLetter(c) || c == '_':
			j := i
			for j < len(runes) && (unicode.IsLetter(runes[j]) || unicode.IsDigit(runes[j]) || runes[j] == '_' || runes[j] == '.') {
				j++
			}
			tokens = append(tokens, token{tokIdent, string(runes[i:j])})
			i = j

		default:
			tokens = append(tokens, token{tokInvalid, string(c)})
			return tokens
		}
	}
	tokens = append(tokens, token{tokEOF, ""})
	return tokens
}

// ── parser ────────────────────────────────────────────────────────────────────

type parser struct {
	tokens []token
	pos    int
	src    string
}

func (p *parser) peek() token {
	if p.pos >= len(p.tokens) {
		return token{tokEOF, ""}
	}
	return p.tokens[p.pos]
}

func (p *parser) next() token {
	t := p.peek()
	p.pos++
	return t
}

func (p *parser) eof() bool { return p.peek().kind == tokEOF }

func (p *parser) parseOr() (Predicate, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOp && p.peek().text == "||" {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = orNode{left, right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Predicate, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOp && p.peek().text == "&&" {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = andNode{left, right}
	}
	return left, nil
}

func (p *parser) parseUnary() (Predicate, error) {
	if p.peek().kind == tokOp && p.peek().text == "!" {
		p.next()
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return notNode{inner}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Predicate, error) {
	t := p.peek()

	if t.kind == tokLParen {
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.peek().kind != tokRParen {
			return nil, fmt.Errorf("expected ')', got %q", p.peek().text)
		}
		p.next()
		return inner, nil
	}

	if t.kind == tokIdent && (t.text == "true" || t.text == "false") {
		p.next()
		return boolLit(t.text == "true"), nil
	}

	return p.parseComparison()
}

func (p *parser) parseComparison() (Predicate, error) {
	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}

	t := p.peek()
	switch {
	case t.kind == tokOp && isComparisonOp(t.text):
		p.next()
		right, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		return cmpNode{left, t.text, right}, nil

	case t.kind == tokIdent && t.text == "contains":
		p.next()
		right, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		return containsNode{left, right}, nil

	case t.kind == tokIdent && t.text == "in":
		p.next()
		set, err := p.parseList()
		if err != nil {
			return nil, err
		}
		return inNode{left, set}, nil
	}

	return nil, fmt.Errorf("expected comparison operator after %v, got %q", left, t.text)
}

func (p *parser) parseOperand() (operand, error) {
	t := p.next()
	switch t.kind {
	case tokIdent:
		return fieldRef(t.text), nil
	case tokString:
		return litStr(t.text), nil
	case tokNumber:
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("bad number %q", t.text)
		}
		return litNum(f), nil
	case tokInvalid:
		return nil, fmt.Errorf("invalid input: %s", t.text)
	}
	return nil, fmt.Errorf("expected field or literal, got %q", t.text)
}

func (p *parser) parseList() ([]operand, error) {
	if p.peek().kind != tokLBrack {
		return nil, fmt.Errorf("expected '[' after in, got %q", p.peek().text)
	}
	p.next()

	var set []operand
	for {
		o, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		set = append(set, o)

		t := p.next()
		if t.kind == tokRBrack {
			return set, nil
		}
		if t.kind != tokComma {
			return nil, fmt.Errorf("expected ',' or ']' in list, got %q", t.text)
		}
	}
}

func isComparisonOp(s string) bool {
	switch s {
	case "==", "!=", ">=", "<=", ">", "<":
		return true
	}
	return false
}
