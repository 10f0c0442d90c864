package expression

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/tigerroll/crest/pkg/engine/support/exception"
)

const moduleName = "expression"

// comparisonOp is a binary comparison operator.
type comparisonOp string

const (
	opEqual        comparisonOp = "=="
	opNotEqual     comparisonOp = "!="
	opGreater      comparisonOp = ">"
	opLess         comparisonOp = "<"
	opGreaterEqual comparisonOp = ">="
	opLessEqual    comparisonOp = "<="
)

// filterNode is a node of the compiled filter AST.
type filterNode interface {
	evaluate(doc interface{}) bool
}

// CompiledFilter is a parsed, reusable filter expression. Evaluate is pure and
// safe for concurrent use.
type CompiledFilter struct {
	source string
	root   filterNode
}

// Source returns the original expression text.
func (f *CompiledFilter) Source() string {
	return f.source
}

// Evaluate applies the filter to a JSON-like document. Missing fields evaluate
// as absent: comparisons against them are false and is_null sees them as null.
// Evaluate never panics on heterogeneous input.
func (f *CompiledFilter) Evaluate(doc interface{}) bool {
	return f.root.evaluate(doc)
}

// CompileFilter parses a filter expression into a CompiledFilter.
// Malformed expressions yield a CompileError naming the offending span.
func CompileFilter(text string) (*CompiledFilter, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, exception.NewCompileError(moduleName, "empty filter expression", nil)
	}
	root, err := parseFilter(trimmed)
	if err != nil {
		return nil, err
	}
	return &CompiledFilter{source: text, root: root}, nil
}

// parseFilter parses an expression, trying forms in precedence order:
// outer parentheses, NOT, OR (loosest binary), AND, IN, function call,
// comparison.
func parseFilter(expr string) (filterNode, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, exception.NewCompileError(moduleName, "empty subexpression", nil)
	}

	if wrapsWholeExpr(expr) {
		return parseFilter(expr[1 : len(expr)-1])
	}

	if strings.HasPrefix(expr, "!") && !strings.HasPrefix(expr, "!=") {
		inner, err := parseFilter(strings.TrimSpace(expr[1:]))
		if err != nil {
			return nil, err
		}
		return &notNode{operand: inner}, nil
	}

	if pos, opLen := findLogicalOperator(expr, "||", "OR"); pos >= 0 {
		return parseBinaryLogical(expr, pos, opLen, false)
	}
	if pos, opLen := findLogicalOperator(expr, "&&", "AND"); pos >= 0 {
		return parseBinaryLogical(expr, pos, opLen, true)
	}

	if pos := strings.Index(expr, " in "); pos >= 0 {
		return parseInExpression(expr, pos)
	}

	if strings.Contains(expr, "(") && strings.Contains(expr, ")") {
		return parseFunctionExpression(expr)
	}

	return parseComparison(expr)
}

// wrapsWholeExpr reports whether the expression's outer parentheses enclose
// the entire expression.
func wrapsWholeExpr(expr string) bool {
	if !strings.HasPrefix(expr, "(") || !strings.HasSuffix(expr, ")") {
		return false
	}
	depth := 0
	for i, ch := range expr {
		switch ch {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 && i < len(expr)-1 {
				return false
			}
		}
	}
	return depth == 0
}

// findLogicalOperator finds the first occurrence of a symbolic or word form
// logical operator at paren depth zero. Returns position -1 when absent.
func findLogicalOperator(expr, symbol, word string) (int, int) {
	depth := 0
	upper := strings.ToUpper(expr)
	for i := 0; i < len(expr); i++ {
		switch expr[i] {
		case '(':
			depth++
		case ')':
			depth--
		}
		if depth != 0 {
			continue
		}
		if strings.HasPrefix(expr[i:], symbol) {
			return i, len(symbol)
		}
		if strings.HasPrefix(upper[i:], word) {
			boundaryBefore := i == 0 || expr[i-1] == ' '
			after := i + len(word)
			boundaryAfter := after >= len(expr) || expr[after] == ' '
			if boundaryBefore && boundaryAfter {
				return i, len(word)
			}
		}
	}
	return -1, 0
}

func parseBinaryLogical(expr string, pos, opLen int, isAnd bool) (filterNode, error) {
	left, err := parseFilter(expr[:pos])
	if err != nil {
		return nil, err
	}
	right, err := parseFilter(expr[pos+opLen:])
	if err != nil {
		return nil, err
	}
	if isAnd {
		return &andNode{left: left, right: right}, nil
	}
	return &orNode{left: left, right: right}, nil
}

func parseInExpression(expr string, inPos int) (filterNode, error) {
	field := strings.TrimSpace(expr[:inPos])
	valuesStr := strings.TrimSpace(expr[inPos+4:])
	if !strings.HasPrefix(valuesStr, "[") || !strings.HasSuffix(valuesStr, "]") {
		return nil, exception.NewCompileError(moduleName,
			fmt.Sprintf("invalid 'in' expression %q: expected array after 'in'", expr), nil)
	}

	inner := valuesStr[1 : len(valuesStr)-1]
	var values []interface{}
	for _, raw := range strings.Split(inner, ",") {
		values = append(values, parseLiteral(strings.TrimSpace(raw)))
	}
	return &inNode{field: field, values: values}, nil
}

var knownFunctions = map[string]int{
	"contains":    2,
	"starts_with": 2,
	"ends_with":   2,
	"matches":     2,
	"length":      2,
	"sum":         2,
	"is_null":     1,
	"is_not_null": 1,
	"is_number":   1,
	"is_string":   1,
	"is_bool":     1,
	"is_array":    1,
	"is_object":   1,
}

func parseFunctionExpression(expr string) (filterNode, error) {
	open := strings.Index(expr, "(")
	close := strings.LastIndex(expr, ")")
	if open < 0 || close < open {
		return nil, exception.NewCompileError(moduleName,
			fmt.Sprintf("malformed function call %q", expr), nil)
	}

	name := strings.TrimSpace(expr[:open])
	var args []string
	if argsStr := expr[open+1 : close]; argsStr != "" {
		for _, a := range strings.Split(argsStr, ",") {
			args = append(args, strings.TrimSpace(a))
		}
	}

	wantArgs, known := knownFunctions[name]
	if !known {
		return nil, exception.NewCompileError(moduleName,
			fmt.Sprintf("unknown function %q in %q", name, expr), nil)
	}
	if len(args) != wantArgs {
		return nil, exception.NewCompileError(moduleName,
			fmt.Sprintf("function %q expects %d argument(s), got %d in %q", name, wantArgs, len(args), expr), nil)
	}

	node := &functionNode{name: name, args: args}
	if name == "matches" {
		pattern := unquote(args[1])
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, exception.NewCompileError(moduleName,
				fmt.Sprintf("invalid regex %q in %q", pattern, expr), err)
		}
		node.regex = re
	}
	return node, nil
}

var comparisonOps = []comparisonOp{opEqual, opNotEqual, opGreaterEqual, opLessEqual, opGreater, opLess}

func parseComparison(expr string) (filterNode, error) {
	for _, op := range comparisonOps {
		pos := strings.Index(expr, string(op))
		if pos < 0 {
			continue
		}
		field := strings.TrimSpace(expr[:pos])
		valueStr := strings.TrimSpace(expr[pos+len(op):])
		if field == "" || valueStr == "" {
			return nil, exception.NewCompileError(moduleName,
				fmt.Sprintf("malformed comparison %q", expr), nil)
		}
		return &comparisonNode{field: field, op: op, value: parseLiteral(valueStr)}, nil
	}
	return nil, exception.NewCompileError(moduleName,
		fmt.Sprintf("invalid filter expression %q", expr), nil)
}

// parseLiteral interprets a literal token: quoted string, boolean, null,
// number, or a bare string as fallback.
func parseLiteral(s string) interface{} {
	if isQuoted(s) {
		return unquote(s)
	}
	switch s {
	case "true":
		return true
	case "false":
		return false
	case "null":
		return nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

func isQuoted(s string) bool {
	if len(s) < 2 {
		return false
	}
	return (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'')
}

func unquote(s string) string {
	if isQuoted(s) {
		return s[1 : len(s)-1]
	}
	return s
}

// comparisonNode compares a field path against a literal value.
type comparisonNode struct {
	field string
	op    comparisonOp
	value interface{}
}

func (n *comparisonNode) evaluate(doc interface{}) bool {
	actual, present := resolvePath(doc, n.field)
	switch n.op {
	case opEqual:
		return compareEqual(actual, present, n.value)
	case opNotEqual:
		return !compareEqual(actual, present, n.value)
	case opGreater:
		return compareOrdered(actual, present, n.value, func(c int) bool { return c > 0 })
	case opLess:
		return compareOrdered(actual, present, n.value, func(c int) bool { return c < 0 })
	case opGreaterEqual:
		return compareOrdered(actual, present, n.value, func(c int) bool { return c >= 0 })
	case opLessEqual:
		return compareOrdered(actual, present, n.value, func(c int) bool { return c <= 0 })
	default:
		return false
	}
}

// compareEqual implements equality with null handling: a missing field and an
// explicit null both equal a null literal.
func compareEqual(actual interface{}, present bool, expected interface{}) bool {
	if expected == nil {
		return !present || actual == nil
	}
	if !present {
		return false
	}
	if af, aok := toFloat(actual); aok {
		if ef, eok := toFloat(expected); eok {
			return af == ef
		}
		return false
	}
	return actual == expected
}

// compareOrdered implements >, <, >=, <= for number/number and string/string
// pairs. Mixed or absent operands compare false.
func compareOrdered(actual interface{}, present bool, expected interface{}, accept func(int) bool) bool {
	if !present {
		return false
	}
	if af, aok := toFloat(actual); aok {
		ef, eok := toFloat(expected)
		if !eok {
			return false
		}
		switch {
		case af > ef:
			return accept(1)
		case af < ef:
			return accept(-1)
		default:
			return accept(0)
		}
	}
	as, aok := actual.(string)
	es, eok := expected.(string)
	if !aok || !eok {
		return false
	}
	return accept(strings.Compare(as, es))
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// andNode is short-circuit conjunction.
type andNode struct {
	left, right filterNode
}

func (n *andNode) evaluate(doc interface{}) bool {
	return n.left.evaluate(doc) && n.right.evaluate(doc)
}

// orNode is short-circuit disjunction.
type orNode struct {
	left, right filterNode
}

func (n *orNode) evaluate(doc interface{}) bool {
	return n.left.evaluate(doc) || n.right.evaluate(doc)
}

// notNode is negation.
type notNode struct {
	operand filterNode
}

func (n *notNode) evaluate(doc interface{}) bool {
	return !n.operand.evaluate(doc)
}

// inNode tests membership of a field value in a literal list.
type inNode struct {
	field  string
	values []interface{}
}

func (n *inNode) evaluate(doc interface{}) bool {
	actual, present := resolvePath(doc, n.field)
	if !present {
		return false
	}
	for _, v := range n.values {
		if compareEqual(actual, true, v) {
			return true
		}
	}
	return false
}

// functionNode evaluates a named predicate over a field path.
type functionNode struct {
	name  string
	args  []string
	regex *regexp.Regexp
}

func (n *functionNode) evaluate(doc interface{}) bool {
	switch n.name {
	case "contains":
		return n.evalStringPredicate(doc, strings.Contains)
	case "starts_with":
		return n.evalStringPredicate(doc, strings.HasPrefix)
	case "ends_with":
		return n.evalStringPredicate(doc, strings.HasSuffix)
	case "matches":
		v, present := resolvePath(doc, n.args[0])
		if !present {
			return false
		}
		s, ok := v.(string)
		return ok && n.regex.MatchString(s)
	case "is_null":
		v, present := resolvePath(doc, n.args[0])
		return !present || v == nil
	case "is_not_null":
		v, present := resolvePath(doc, n.args[0])
		return present && v != nil
	case "is_number":
		return n.evalTypeCheck(doc, func(v interface{}) bool { _, ok := toFloat(v); return ok })
	case "is_string":
		return n.evalTypeCheck(doc, func(v interface{}) bool { _, ok := v.(string); return ok })
	case "is_bool":
		return n.evalTypeCheck(doc, func(v interface{}) bool { _, ok := v.(bool); return ok })
	case "is_array":
		return n.evalTypeCheck(doc, func(v interface{}) bool { _, ok := v.([]interface{}); return ok })
	case "is_object":
		return n.evalTypeCheck(doc, func(v interface{}) bool { _, ok := v.(map[string]interface{}); return ok })
	case "length":
		return n.evalComputed(doc, valueLength)
	case "sum":
		return n.evalComputed(doc, valueSum)
	default:
		return false
	}
}

func (n *functionNode) evalStringPredicate(doc interface{}, pred func(s, pattern string) bool) bool {
	v, present := resolvePath(doc, n.args[0])
	if !present {
		return false
	}
	s, ok := v.(string)
	if !ok {
		return false
	}
	return pred(s, unquote(n.args[1]))
}

func (n *functionNode) evalTypeCheck(doc interface{}, pred func(interface{}) bool) bool {
	v, present := resolvePath(doc, n.args[0])
	return present && pred(v)
}

// evalComputed compares a computed numeric helper (length, sum) against a
// numeric literal second argument.
func (n *functionNode) evalComputed(doc interface{}, compute func(interface{}) (float64, bool)) bool {
	v, present := resolvePath(doc, n.args[0])
	if !present {
		return false
	}
	got, ok := compute(v)
	if !ok {
		return false
	}
	expected, err := strconv.ParseFloat(n.args[1], 64)
	if err != nil {
		return false
	}
	return math.Abs(got-expected) < 1e-9
}

// valueLength returns the length of a string, array, or object.
func valueLength(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case string:
		return float64(len(t)), true
	case []interface{}:
		return float64(len(t)), true
	case map[string]interface{}:
		return float64(len(t)), true
	default:
		return 0, false
	}
}

// valueSum returns the sum of the numeric elements of an array. Non-numeric
// elements make the value non-summable.
func valueSum(v interface{}) (float64, bool) {
	arr, ok := v.([]interface{})
	if !ok {
		return 0, false
	}
	var sum float64
	for _, elem := range arr {
		f, ok := toFloat(elem)
		if !ok {
			return 0, false
		}
		sum += f
	}
	return sum, true
}
