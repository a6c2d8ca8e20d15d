package permguard

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oarkflow/permguard/utils"
)

// Condition is a boolean expression serialized in the JSON-logic format,
// e.g. {"and":[{"==":[{"var":"project_id"},"p1"]},{"cidr":[{"var":"ip"},"10.0.0.0/8"]}]}.
type Condition []byte

func (c Condition) MarshalJSON() ([]byte, error) {
	if len(c) == 0 {
		return []byte("null"), nil
	}
	return c, nil
}

func (c *Condition) UnmarshalJSON(data []byte) error {
	*c = append((*c)[:0], data...)
	return nil
}

// UnmarshalYAML lets config files write conditions as plain YAML mappings.
func (c *Condition) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode && node.Tag == "!!str" {
		*c = Condition(node.Value)
		return nil
	}
	var v any
	if err := node.Decode(&v); err != nil {
		return err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	*c = b
	return nil
}

func (c Condition) MarshalYAML() (any, error) {
	var v any
	if err := json.Unmarshal(c, &v); err != nil {
		return string(c), nil
	}
	return v, nil
}

func (c Condition) String() string { return string(c) }

// maxConditionDepth bounds nesting so hostile input cannot exhaust the stack.
const maxConditionDepth = 64

// ============================================================================
// EXPRESSION TREE
// ============================================================================

// EvalContext is what an expression reads attributes from.
type EvalContext struct {
	Context *PermissionContext
	Rule    *ABACRule
}

// Expr is a compiled condition node. Eval never fails: lookups that miss
// produce absent, and comparisons against absent are false.
type Expr interface {
	Eval(ctx *EvalContext) any
	String() string
}

type absentValue struct{}

// absent marks a missing attribute.
var absent = absentValue{}

type LiteralExpr struct {
	Value any
}

func (e *LiteralExpr) Eval(*EvalContext) any { return e.Value }
func (e *LiteralExpr) String() string {
	b, _ := json.Marshal(e.Value)
	return string(b)
}

type ArrayExpr struct {
	Items []Expr
}

func (e *ArrayExpr) Eval(ctx *EvalContext) any {
	out := make([]any, len(e.Items))
	for i, it := range e.Items {
		out[i] = it.Eval(ctx)
	}
	return out
}

func (e *ArrayExpr) String() string {
	parts := make([]string, len(e.Items))
	for i, it := range e.Items {
		parts[i] = it.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// VarExpr looks an attribute up by dotted path.
type VarExpr struct {
	Path    string
	Default Expr
}

func (e *VarExpr) Eval(ctx *EvalContext) any {
	v := lookup(ctx, e.Path)
	if v == absent && e.Default != nil {
		return e.Default.Eval(ctx)
	}
	return v
}

func (e *VarExpr) String() string { return "var(" + e.Path + ")" }

type CompareExpr struct {
	Op   string
	Args []Expr
}

func (e *CompareExpr) Eval(ctx *EvalContext) any {
	vals := make([]any, len(e.Args))
	for i, a := range e.Args {
		vals[i] = a.Eval(ctx)
		if vals[i] == absent {
			return false
		}
	}
	switch e.Op {
	case "==":
		return looseEqual(vals[0], vals[1])
	case "!=":
		return !looseEqual(vals[0], vals[1])
	case "===":
		return strictEqual(vals[0], vals[1])
	case "!==":
		return !strictEqual(vals[0], vals[1])
	}
	for i := 0; i+1 < len(vals); i++ {
		c, ok := order(vals[i], vals[i+1])
		if !ok {
			return false
		}
		var pass bool
		switch e.Op {
		case ">":
			pass = c > 0
		case ">=":
			pass = c >= 0
		case "<":
			pass = c < 0
		case "<=":
			pass = c <= 0
		}
		if !pass {
			return false
		}
	}
	return true
}

func (e *CompareExpr) String() string {
	parts := make([]string, len(e.Args))
	for i, a := range e.Args {
		parts[i] = a.String()
	}
	return "(" + strings.Join(parts, " "+e.Op+" ") + ")"
}

type AndExpr struct {
	Terms []Expr
}

func (e *AndExpr) Eval(ctx *EvalContext) any {
	for _, t := range e.Terms {
		if !truthy(t.Eval(ctx)) {
			return false
		}
	}
	return true
}

func (e *AndExpr) String() string { return joinTerms("AND", e.Terms) }

type OrExpr struct {
	Terms []Expr
}

func (e *OrExpr) Eval(ctx *EvalContext) any {
	for _, t := range e.Terms {
		if truthy(t.Eval(ctx)) {
			return true
		}
	}
	return false
}

func (e *OrExpr) String() string { return joinTerms("OR", e.Terms) }

// NotExpr implements both "!" and "!!" (Double).
type NotExpr struct {
	Term   Expr
	Double bool
}

func (e *NotExpr) Eval(ctx *EvalContext) any {
	t := truthy(e.Term.Eval(ctx))
	if e.Double {
		return t
	}
	return !t
}

func (e *NotExpr) String() string {
	if e.Double {
		return "BOOL(" + e.Term.String() + ")"
	}
	return "NOT(" + e.Term.String() + ")"
}

// InExpr tests array membership, or substring containment when the
// haystack is a string.
type InExpr struct {
	Needle   Expr
	Haystack Expr
}

func (e *InExpr) Eval(ctx *EvalContext) any {
	n := e.Needle.Eval(ctx)
	h := e.Haystack.Eval(ctx)
	if n == absent || h == absent {
		return false
	}
	switch hv := h.(type) {
	case string:
		s, ok := n.(string)
		return ok && strings.Contains(hv, s)
	case []any:
		for _, item := range hv {
			if looseEqual(n, item) {
				return true
			}
		}
	}
	return false
}

func (e *InExpr) String() string { return e.Needle.String() + " IN " + e.Haystack.String() }

// MatchExpr applies a resource pattern with '*' and ':param' segments.
type MatchExpr struct {
	Value   Expr
	Pattern Expr
}

func (e *MatchExpr) Eval(ctx *EvalContext) any {
	v, ok1 := e.Value.Eval(ctx).(string)
	p, ok2 := e.Pattern.Eval(ctx).(string)
	if !ok1 || !ok2 {
		return false
	}
	return utils.MatchResource(v, p)
}

func (e *MatchExpr) String() string { return e.Value.String() + " MATCH " + e.Pattern.String() }

// CIDRExpr checks an address against networks parsed at compile time.
type CIDRExpr struct {
	IP   Expr
	Nets []*net.IPNet
}

func (e *CIDRExpr) Eval(ctx *EvalContext) any {
	s, ok := e.IP.Eval(ctx).(string)
	if !ok {
		return false
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return false
	}
	for _, n := range e.Nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func (e *CIDRExpr) String() string {
	parts := make([]string, len(e.Nets))
	for i, n := range e.Nets {
		parts[i] = n.String()
	}
	return e.IP.String() + " IN CIDR[" + strings.Join(parts, ",") + "]"
}

func joinTerms(op string, terms []Expr) string {
	parts := make([]string, len(terms))
	for i, t := range terms {
		parts[i] = t.String()
	}
	return "(" + strings.Join(parts, " "+op+" ") + ")"
}

// ============================================================================
// COMPILER
// ============================================================================

// CompileCondition parses a serialized condition into an expression tree.
// Any structural problem is reported as an error wrapping ErrRuleEvaluation.
func CompileCondition(cond Condition) (Expr, error) {
	trimmed := bytes.TrimSpace(cond)
	if len(trimmed) == 0 {
		return nil, ruleErrorf("", "empty condition")
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, ruleErrorf("", "invalid json: %v", err)
	}
	if dec.More() {
		return nil, ruleErrorf("", "trailing data after condition")
	}
	return compileNode(raw, "$", 0)
}

func ruleErrorf(path, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if path != "" {
		msg = path + ": " + msg
	}
	return &Error{Kind: KindRuleEvaluation, Err: errors.New(msg)}
}

func compileNode(node any, path string, depth int) (Expr, error) {
	if depth > maxConditionDepth {
		return nil, ruleErrorf(path, "nesting deeper than %d", maxConditionDepth)
	}
	switch v := node.(type) {
	case nil, bool, string:
		return &LiteralExpr{Value: v}, nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return nil, ruleErrorf(path, "bad number %q", v.String())
		}
		return &LiteralExpr{Value: f}, nil
	case []any:
		items := make([]Expr, len(v))
		for i, it := range v {
			e, err := compileNode(it, fmt.Sprintf("%s[%d]", path, i), depth+1)
			if err != nil {
				return nil, err
			}
			items[i] = e
		}
		return &ArrayExpr{Items: items}, nil
	case map[string]any:
		if len(v) != 1 {
			return nil, ruleErrorf(path, "operator object must have exactly one key, got %d", len(v))
		}
		for op, rawArgs := range v {
			return compileOperator(op, rawArgs, path+"."+op, depth+1)
		}
	}
	return nil, ruleErrorf(path, "unsupported node %T", node)
}

func compileArgs(raw any, path string, depth int) ([]Expr, error) {
	list, ok := raw.([]any)
	if !ok {
		list = []any{raw}
	}
	out := make([]Expr, len(list))
	for i, item := range list {
		e, err := compileNode(item, fmt.Sprintf("%s[%d]", path, i), depth)
		if err != nil {
			return nil, err
		}
		out[i] = e
	}
	return out, nil
}

func compileOperator(op string, raw any, path string, depth int) (Expr, error) {
	if op == "var" {
		return compileVar(raw, path, depth)
	}
	args, err := compileArgs(raw, path, depth)
	if err != nil {
		return nil, err
	}
	arity := func(lo, hi int) error {
		if len(args) < lo || (hi >= 0 && len(args) > hi) {
			if lo == hi {
				return ruleErrorf(path, "expects %d arguments, got %d", lo, len(args))
			}
			return ruleErrorf(path, "expects %d..%d arguments, got %d", lo, hi, len(args))
		}
		return nil
	}
	switch op {
	case "==", "!=", "===", "!==", ">", ">=":
		if err := arity(2, 2); err != nil {
			return nil, err
		}
		return &CompareExpr{Op: op, Args: args}, nil
	case "<", "<=":
		if err := arity(2, 3); err != nil {
			return nil, err
		}
		return &CompareExpr{Op: op, Args: args}, nil
	case "and":
		if err := arity(1, -1); err != nil {
			return nil, err
		}
		return &AndExpr{Terms: args}, nil
	case "or":
		if err := arity(1, -1); err != nil {
			return nil, err
		}
		return &OrExpr{Terms: args}, nil
	case "!", "!!":
		if err := arity(1, 1); err != nil {
			return nil, err
		}
		return &NotExpr{Term: args[0], Double: op == "!!"}, nil
	case "in":
		if err := arity(2, 2); err != nil {
			return nil, err
		}
		return &InExpr{Needle: args[0], Haystack: args[1]}, nil
	case "match":
		if err := arity(2, 2); err != nil {
			return nil, err
		}
		return &MatchExpr{Value: args[0], Pattern: args[1]}, nil
	case "cidr":
		if err := arity(2, 2); err != nil {
			return nil, err
		}
		nets, err := literalNetworks(args[1], path)
		if err != nil {
			return nil, err
		}
		return &CIDRExpr{IP: args[0], Nets: nets}, nil
	}
	return nil, ruleErrorf(path, "unknown operator %q", op)
}

func compileVar(raw any, path string, depth int) (Expr, error) {
	list, ok := raw.([]any)
	if !ok {
		list = []any{raw}
	}
	if len(list) < 1 || len(list) > 2 {
		return nil, ruleErrorf(path, "expects 1..2 arguments, got %d", len(list))
	}
	p, ok := list[0].(string)
	if !ok {
		return nil, ruleErrorf(path, "path must be a string, got %T", list[0])
	}
	ve := &VarExpr{Path: p}
	if len(list) == 2 {
		def, err := compileNode(list[1], path+"[1]", depth)
		if err != nil {
			return nil, err
		}
		ve.Default = def
	}
	return ve, nil
}

func literalNetworks(e Expr, path string) ([]*net.IPNet, error) {
	var raw []any
	switch v := e.(type) {
	case *LiteralExpr:
		raw = []any{v.Value}
	case *ArrayExpr:
		for _, it := range v.Items {
			lit, ok := it.(*LiteralExpr)
			if !ok {
				return nil, ruleErrorf(path, "networks must be literals")
			}
			raw = append(raw, lit.Value)
		}
	default:
		return nil, ruleErrorf(path, "networks must be literals")
	}
	nets := make([]*net.IPNet, 0, len(raw))
	for _, r := range raw {
		s, ok := r.(string)
		if !ok {
			return nil, ruleErrorf(path, "network %v is not a string", r)
		}
		_, n, err := net.ParseCIDR(s)
		if err != nil {
			return nil, ruleErrorf(path, "invalid cidr %q", s)
		}
		nets = append(nets, n)
	}
	return nets, nil
}

// ============================================================================
// ATTRIBUTE LOOKUP & VALUE SEMANTICS
// ============================================================================

func lookup(ctx *EvalContext, path string) any {
	if ctx == nil || path == "" {
		return absent
	}
	head, rest, _ := strings.Cut(path, ".")
	pc := ctx.Context
	if head == "rule" {
		if ctx.Rule == nil || rest == "" {
			return absent
		}
		return walk(ctx.Rule.Attributes, rest)
	}
	if pc == nil {
		return absent
	}
	switch head {
	case "company_id":
		return present(pc.CompanyID, rest)
	case "user_id":
		return present(pc.UserID, rest)
	case "project_id":
		return present(pc.ProjectID, rest)
	case "resource_id":
		return present(pc.ResourceID, rest)
	case "ip":
		return present(pc.IP, rest)
	case "user_agent":
		return present(pc.UserAgent, rest)
	case "time":
		return timeField(pc.Time, rest)
	case "attributes":
		if rest == "" {
			return absent
		}
		return walk(pc.Attributes, rest)
	}
	return absent
}

func present(s, rest string) any {
	if s == "" || rest != "" {
		return absent
	}
	return s
}

func timeField(t time.Time, field string) any {
	if t.IsZero() {
		return absent
	}
	t = t.UTC()
	switch field {
	case "":
		return t.Format(time.RFC3339)
	case "hour":
		return float64(t.Hour())
	case "weekday":
		return float64(t.Weekday())
	case "unix":
		return float64(t.Unix())
	}
	return absent
}

// walk resolves a dotted path through nested maps. A key that itself
// contains dots is tried before descending.
func walk(m map[string]any, path string) any {
	if m == nil {
		return absent
	}
	if v, ok := m[path]; ok {
		return normalize(v)
	}
	head, rest, found := strings.Cut(path, ".")
	if !found {
		return absent
	}
	next, ok := m[head]
	if !ok {
		return absent
	}
	switch nv := next.(type) {
	case map[string]any:
		return walk(nv, rest)
	case map[string]string:
		if s, ok := nv[rest]; ok {
			return s
		}
	}
	return absent
}

// normalize folds Go values into the small set the comparators understand:
// nil, bool, float64, string, []any.
func normalize(v any) any {
	switch x := v.(type) {
	case nil, bool, string, float64:
		return x
	case int:
		return float64(x)
	case int8:
		return float64(x)
	case int16:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case uint:
		return float64(x)
	case uint8:
		return float64(x)
	case uint16:
		return float64(x)
	case uint32:
		return float64(x)
	case uint64:
		return float64(x)
	case float32:
		return float64(x)
	case json.Number:
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	case []any:
		out := make([]any, len(x))
		for i, it := range x {
			out[i] = normalize(it)
		}
		return out
	case []string:
		out := make([]any, len(x))
		for i, it := range x {
			out[i] = it
		}
		return out
	case []int:
		out := make([]any, len(x))
		for i, it := range x {
			out[i] = float64(it)
		}
		return out
	case fmt.Stringer:
		return x.String()
	}
	return v
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil, absentValue:
		return false
	case bool:
		return x
	case float64:
		return x != 0 && !math.IsNaN(x)
	case string:
		return x != ""
	case []any:
		return len(x) > 0
	}
	return true
}

func strictEqual(a, b any) bool {
	switch x := a.(type) {
	case nil:
		return b == nil
	case bool:
		y, ok := b.(bool)
		return ok && x == y
	case float64:
		y, ok := b.(float64)
		return ok && x == y
	case string:
		y, ok := b.(string)
		return ok && x == y
	}
	return false
}

// looseEqual additionally treats numeric strings as numbers.
func looseEqual(a, b any) bool {
	if strictEqual(a, b) {
		return true
	}
	fa, okA := asNumber(a)
	fb, okB := asNumber(b)
	return okA && okB && fa == fb
}

// asNumber never yields NaN. Numeric strings must be finite.
func asNumber(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, !math.IsNaN(x)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil && !math.IsNaN(f) && !math.IsInf(f, 0)
	}
	return 0, false
}

// order compares numbers numerically and strings lexically; any other
// combination, and NaN on either side, is unordered.
func order(a, b any) (int, bool) {
	if fa, ok := a.(float64); ok {
		if math.IsNaN(fa) {
			return 0, false
		}
		fb, ok := asNumber(b)
		if !ok {
			return 0, false
		}
		return cmpFloat(fa, fb), true
	}
	if sa, ok := a.(string); ok {
		if sb, ok := b.(string); ok {
			return strings.Compare(sa, sb), true
		}
		if fb, ok := b.(float64); ok {
			if fa, ok := asNumber(sa); ok {
				return cmpFloat(fa, fb), true
			}
		}
	}
	return 0, false
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
