package permguard

import (
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestEvaluateCondition(t *testing.T) {
	pc := &PermissionContext{
		CompanyID:  "acme",
		UserID:     "u1",
		ProjectID:  "p1",
		ResourceID: "/projects/42/photos/a.jpg",
		IP:         "10.1.2.3",
		UserAgent:  "admin-tool/2.0",
		Time:       time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC),
		Attributes: map[string]any{
			"level":  3,
			"dept":   "ops",
			"tags":   []string{"beta", "eu"},
			"owner":  map[string]any{"id": "u1"},
			"budget": 1500.5,
			"flag":   false,
		},
	}
	cases := []struct {
		name string
		cond string
		want bool
	}{
		{"equal string", `{"==":[{"var":"project_id"},"p1"]}`, true},
		{"equal number from int attribute", `{"==":[{"var":"attributes.level"},3]}`, true},
		{"loose numeric string", `{"==":[{"var":"attributes.level"},"3"]}`, true},
		{"strict numeric string", `{"===":[{"var":"attributes.level"},"3"]}`, false},
		{"not equal", `{"!=":[{"var":"company_id"},"globex"]}`, true},
		{"missing attribute compares false", `{"!=":[{"var":"attributes.nope"},"x"]}`, false},
		{"var default", `{">":[{"var":["attributes.nope",5]},4]}`, true},
		{"between", `{"<":[1,{"var":"attributes.level"},10]}`, true},
		{"between exclusive edge", `{"<":[1,{"var":"attributes.level"},3]}`, false},
		{"float compare", `{">=":[{"var":"attributes.budget"},1500]}`, true},
		{"in list", `{"in":[{"var":"attributes.dept"},["eng","ops"]]}`, true},
		{"in attribute list", `{"in":["eu",{"var":"attributes.tags"}]}`, true},
		{"substring", `{"in":["admin",{"var":"user_agent"}]}`, true},
		{"match pattern", `{"match":[{"var":"resource_id"},"/projects/:id/photos/*"]}`, true},
		{"match miss", `{"match":[{"var":"resource_id"},"/reports/**"]}`, false},
		{"cidr hit", `{"cidr":[{"var":"ip"},["192.168.0.0/16","10.0.0.0/8"]]}`, true},
		{"cidr single", `{"cidr":[{"var":"ip"},"172.16.0.0/12"]}`, false},
		{"not absent", `{"!":{"var":"attributes.blocked"}}`, true},
		{"double not false", `{"!!":{"var":"attributes.flag"}}`, false},
		{"nested path", `{"==":[{"var":"attributes.owner.id"},{"var":"user_id"}]}`, true},
		{"time hour", `{"and":[{">=":[{"var":"time.hour"},9]},{"<":[{"var":"time.hour"},17]}]}`, true},
		{"or", `{"or":[{"==":[{"var":"attributes.dept"},"eng"]},{"==":[{"var":"attributes.dept"},"ops"]}]}`, true},
		{"and short", `{"and":[true,{"==":[1,2]}]}`, false},
		{"unknown root", `{"==":[{"var":"session.id"},"x"]}`, false},
		{"literal", `true`, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := EvaluateCondition(Condition(tc.cond), pc, nil)
			if err != nil {
				t.Fatalf("evaluate %s: %v", tc.cond, err)
			}
			if got != tc.want {
				t.Fatalf("%s = %v, want %v", tc.cond, got, tc.want)
			}
		})
	}
}

func TestConditionNaNNeverSatisfiesOrdering(t *testing.T) {
	contexts := map[string]*PermissionContext{
		"string": {Attributes: map[string]any{"amount": "NaN", "cap": "+Inf"}},
		"float":  {Attributes: map[string]any{"amount": math.NaN(), "cap": math.Inf(1)}},
	}
	conds := []string{
		`{"<=":[{"var":"attributes.amount"},100]}`,
		`{">=":[{"var":"attributes.amount"},100]}`,
		`{"<":[{"var":"attributes.amount"},100]}`,
		`{">":[{"var":"attributes.amount"},100]}`,
		`{"<=":[0,{"var":"attributes.amount"},100]}`,
		`{"<":[0,{"var":"attributes.amount"},100]}`,
		`{"<=":[100,{"var":"attributes.amount"}]}`,
	}
	for name, pc := range contexts {
		for _, cond := range conds {
			got, err := EvaluateCondition(Condition(cond), pc, nil)
			if err != nil {
				t.Fatalf("%s %s: %v", name, cond, err)
			}
			if got {
				t.Fatalf("%s %s passed", name, cond)
			}
		}
	}

	// infinite numeric strings are not numbers, real infinities still order
	got, _ := EvaluateCondition(Condition(`{">":[{"var":"attributes.cap"},100]}`), contexts["string"], nil)
	if got {
		t.Fatalf("string infinity compared as a number")
	}
	got, _ = EvaluateCondition(Condition(`{">":[{"var":"attributes.cap"},100]}`), contexts["float"], nil)
	if !got {
		t.Fatalf("float infinity did not order")
	}

	for _, b := range []*ConditionBuilder{Lte("attributes.amount", 100), Between("attributes.amount", 0, 100)} {
		ok, err := EvaluateCondition(b.Build(), contexts["float"], nil)
		if err != nil || ok {
			t.Fatalf("%s = %v, %v", b.Build(), ok, err)
		}
	}
}

func TestConditionReadsRuleAttributes(t *testing.T) {
	rule := &ABACRule{
		ID:         "region",
		Condition:  Condition(`{"==":[{"var":"attributes.region"},{"var":"rule.region"}]}`),
		Attributes: map[string]any{"region": "eu"},
	}
	c, err := NewConditionCompiler(0, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	ok, err := c.Evaluate(rule, &PermissionContext{Attributes: map[string]any{"region": "eu"}})
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	ok, _ = c.Evaluate(rule, &PermissionContext{Attributes: map[string]any{"region": "us"}})
	if ok {
		t.Fatalf("region mismatch passed")
	}
}

func TestCompileConditionErrors(t *testing.T) {
	deep := strings.Repeat(`{"!":`, maxConditionDepth+2) + "true" + strings.Repeat("}", maxConditionDepth+2)
	cases := map[string]string{
		"empty":            ``,
		"not json":         `{"==":[1,`,
		"trailing data":    `true false`,
		"unknown operator": `{"eval":["1+1"]}`,
		"two keys":         `{"==":[1,1],"!=":[1,2]}`,
		"arity":            `{"==":[1]}`,
		"not arity":        `{"!":[true,false]}`,
		"var path type":    `{"var":[1]}`,
		"bad cidr":         `{"cidr":[{"var":"ip"},"not-a-network"]}`,
		"dynamic cidr":     `{"cidr":[{"var":"ip"},{"var":"attributes.net"}]}`,
		"too deep":         deep,
	}
	for name, src := range cases {
		_, err := CompileCondition(Condition(src))
		if err == nil {
			t.Fatalf("%s: expected a compile error", name)
		}
		if !errors.Is(err, ErrRuleEvaluation) {
			t.Fatalf("%s: error %v is not a rule evaluation error", name, err)
		}
	}
}

func TestConditionCompilerCaches(t *testing.T) {
	c, err := NewConditionCompiler(1000, 1<<20, 64)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	cond := Eq("attributes.dept", "ops").Build()

	first, err := c.Compile(cond)
	if err != nil {
		t.Fatal(err)
	}
	c.cache.Wait()
	second, err := c.Compile(cond)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Fatalf("expected the cached tree to be reused")
	}

	bad := Condition(`{"nope":[]}`)
	for i := 0; i < 2; i++ {
		if _, err := c.Compile(bad); err == nil {
			t.Fatalf("attempt %d: broken condition compiled", i)
		}
	}
}

func TestEvaluateRulesCollectsEverything(t *testing.T) {
	c, err := NewConditionCompiler(100, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	pc := &PermissionContext{UserID: "u1", Attributes: map[string]any{"level": 2}}
	rules := []ABACRule{
		Eq("user_id", "u1").Rule("self"),
		{Condition: Gt("attributes.level", 5).Build()},
		{ID: "broken", Condition: Condition(`{"==":`)},
	}
	out := c.EvaluateRules(rules, pc)
	if out.Passed != 1 {
		t.Fatalf("passed = %d", out.Passed)
	}
	if len(out.Failed) != 1 || out.Failed[0] != "#1" {
		t.Fatalf("failed = %v", out.Failed)
	}
	if len(out.Errors) != 1 || out.Errors[0].RuleID != "broken" || out.Errors[0].Message == "" {
		t.Fatalf("errors = %+v", out.Errors)
	}
	if out.Allowed() {
		t.Fatalf("outcome with failures allowed")
	}
}

func TestConditionBuilders(t *testing.T) {
	pc := &PermissionContext{
		IP:         "10.0.0.9",
		ResourceID: "/projects/1",
		Attributes: map[string]any{"level": 4, "dept": "eng", "mfa": true},
	}
	cases := []struct {
		name string
		b    *ConditionBuilder
		want bool
	}{
		{"all", All(Gte("attributes.level", 3), Lt("attributes.level", 5)), true},
		{"any", Any(Eq("attributes.dept", "ops"), Neq("attributes.dept", "ops")), true},
		{"not", Not(Eq("attributes.dept", "eng")), false},
		{"between", Between("attributes.level", 1, 4), true},
		{"in", In("attributes.dept", "eng", "ops"), true},
		{"in empty", In("attributes.dept"), false},
		{"match", Match("resource_id", "/projects/:id"), true},
		{"cidr", CIDR("ip", "10.0.0.0/24"), true},
		{"truthy", Truthy("attributes.mfa"), true},
		{"lte", Lte("attributes.level", 3), false},
		{"gt", Gt("attributes.level", 3), true},
	}
	for _, tc := range cases {
		got, err := EvaluateCondition(tc.b.Build(), pc, nil)
		if err != nil {
			t.Fatalf("%s: %v (%s)", tc.name, err, tc.b.Build())
		}
		if got != tc.want {
			t.Fatalf("%s: %s = %v, want %v", tc.name, tc.b.Build(), got, tc.want)
		}
	}
}

func TestConditionYAMLForms(t *testing.T) {
	var rule ABACRule
	src := []byte("id: office\ncondition:\n  cidr:\n    - var: ip\n    - [\"10.0.0.0/8\"]\n")
	if err := yaml.Unmarshal(src, &rule); err != nil {
		t.Fatal(err)
	}
	ok, err := EvaluateCondition(rule.Condition, &PermissionContext{IP: "10.9.9.9"}, &rule)
	if err != nil || !ok {
		t.Fatalf("yaml mapping condition: ok=%v err=%v (%s)", ok, err, rule.Condition)
	}

	src = []byte("id: raw\ncondition: '{\"==\":[{\"var\":\"user_id\"},\"u1\"]}'\n")
	if err := yaml.Unmarshal(src, &rule); err != nil {
		t.Fatal(err)
	}
	ok, err = EvaluateCondition(rule.Condition, &PermissionContext{UserID: "u1"}, &rule)
	if err != nil || !ok {
		t.Fatalf("yaml string condition: ok=%v err=%v", ok, err)
	}
}

func TestExprString(t *testing.T) {
	expr, err := CompileCondition(Condition(`{"and":[{"==":[{"var":"project_id"},"p1"]},{"!":{"var":"attributes.blocked"}}]}`))
	if err != nil {
		t.Fatal(err)
	}
	want := `((var(project_id) == "p1") AND NOT(var(attributes.blocked)))`
	if expr.String() != want {
		t.Fatalf("String() = %s", expr.String())
	}
}
