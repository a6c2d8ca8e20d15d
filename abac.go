package permguard

import (
	"errors"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/ristretto"
)

// ConditionCompiler compiles conditions and memoizes the trees in a
// ristretto cache keyed by the hash of the serialized form.
type ConditionCompiler struct {
	cache *ristretto.Cache
}

type compiledCondition struct {
	src  string
	expr Expr
}

// NewConditionCompiler builds a compiler. A zero numCounters disables caching.
func NewConditionCompiler(numCounters, maxCost, bufferItems int64) (*ConditionCompiler, error) {
	if numCounters <= 0 {
		return &ConditionCompiler{}, nil
	}
	if maxCost <= 0 {
		maxCost = 1 << 20
	}
	if bufferItems <= 0 {
		bufferItems = 64
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: numCounters,
		MaxCost:     maxCost,
		BufferItems: bufferItems,
	})
	if err != nil {
		return nil, err
	}
	return &ConditionCompiler{cache: cache}, nil
}

// Compile returns the expression tree for cond. Failures are not cached.
func (c *ConditionCompiler) Compile(cond Condition) (Expr, error) {
	if c == nil || c.cache == nil {
		return CompileCondition(cond)
	}
	key := xxhash.Sum64(cond)
	if v, ok := c.cache.Get(key); ok {
		// the source is compared too; a hash collision must never alias two rules
		if cc, ok := v.(*compiledCondition); ok && cc.src == string(cond) {
			return cc.expr, nil
		}
	}
	expr, err := CompileCondition(cond)
	if err != nil {
		return nil, err
	}
	c.cache.Set(key, &compiledCondition{src: string(cond), expr: expr}, int64(len(cond))+1)
	return expr, nil
}

// Close releases the cache goroutines.
func (c *ConditionCompiler) Close() {
	if c != nil && c.cache != nil {
		c.cache.Close()
	}
}

// Evaluate runs one rule against pc.
func (c *ConditionCompiler) Evaluate(rule *ABACRule, pc *PermissionContext) (bool, error) {
	if rule == nil {
		return false, ruleErrorf("", "nil rule")
	}
	expr, err := c.Compile(rule.Condition)
	if err != nil {
		return false, err
	}
	return truthy(expr.Eval(&EvalContext{Context: pc, Rule: rule})), nil
}

// EvaluateCondition compiles and runs cond without caching.
func EvaluateCondition(cond Condition, pc *PermissionContext, rule *ABACRule) (bool, error) {
	expr, err := CompileCondition(cond)
	if err != nil {
		return false, err
	}
	return truthy(expr.Eval(&EvalContext{Context: pc, Rule: rule})), nil
}

// RuleOutcome aggregates a rule list. Every rule is evaluated, so the
// outcome does not depend on rule order.
type RuleOutcome struct {
	Passed int
	Failed []string
	Errors []RuleError
}

func (o RuleOutcome) Allowed() bool {
	return len(o.Failed) == 0 && len(o.Errors) == 0
}

// EvaluateRules ANDs every rule against pc.
func (c *ConditionCompiler) EvaluateRules(rules []ABACRule, pc *PermissionContext) RuleOutcome {
	var out RuleOutcome
	for i := range rules {
		r := &rules[i]
		ok, err := c.Evaluate(r, pc)
		switch {
		case err != nil:
			msg := err.Error()
			var pe *Error
			if errors.As(err, &pe) && pe.Err != nil {
				msg = pe.Err.Error()
			}
			out.Errors = append(out.Errors, RuleError{RuleID: ruleLabel(r, i), Message: msg})
		case !ok:
			out.Failed = append(out.Failed, ruleLabel(r, i))
		default:
			out.Passed++
		}
	}
	return out
}

func ruleLabel(r *ABACRule, i int) string {
	if r.ID != "" {
		return r.ID
	}
	return "#" + strconv.Itoa(i)
}
