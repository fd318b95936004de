package mapper

import (
	"fmt"
	"strings"
)

// Guard forms:
//
//	$var NOT_NULL
//	$var NULL
//	$var EQUALS_STRING literal-or-$var
//	$var IN [a, b, c]
//
// joined by && and evaluated left to right with short-circuiting. An
// unbound variable makes NOT_NULL false, NULL true, and any comparison
// fail; a guard never raises.

type condOp int

const (
	opNotNull condOp = iota
	opNull
	opEqualsString
	opIn
)

type clause struct {
	varName      string
	op           condOp
	operand      string
	operandIsVar bool
	set          []string
}

// Condition is a parsed boolean guard. The zero value is "always true".
type Condition struct {
	raw     string
	clauses []clause
}

// IsZero reports whether no guard was declared.
func (c *Condition) IsZero() bool { return len(c.clauses) == 0 }

// ParseCondition parses a guard expression. Malformed syntax is a template
// error and fails the load.
func ParseCondition(expr string) (Condition, error) {
	cond := Condition{raw: expr}
	for _, part := range strings.Split(expr, "&&") {
		part = strings.TrimSpace(part)
		if part == "" {
			return Condition{}, fmt.Errorf("empty clause in condition %q", expr)
		}
		cl, err := parseClause(part)
		if err != nil {
			return Condition{}, fmt.Errorf("condition %q: %w", expr, err)
		}
		cond.clauses = append(cond.clauses, cl)
	}
	return cond, nil
}

func parseClause(s string) (clause, error) {
	fields := strings.Fields(s)
	if len(fields) < 2 {
		return clause{}, fmt.Errorf("incomplete clause %q", s)
	}
	name := fields[0]
	if !strings.HasPrefix(name, "$") || len(name) < 2 {
		return clause{}, fmt.Errorf("clause %q must start with a $variable", s)
	}
	cl := clause{varName: name[1:]}

	switch fields[1] {
	case "NOT_NULL":
		if len(fields) != 2 {
			return clause{}, fmt.Errorf("NOT_NULL takes no operand in %q", s)
		}
		cl.op = opNotNull
	case "NULL":
		if len(fields) != 2 {
			return clause{}, fmt.Errorf("NULL takes no operand in %q", s)
		}
		cl.op = opNull
	case "EQUALS_STRING":
		if len(fields) < 3 {
			return clause{}, fmt.Errorf("EQUALS_STRING requires an operand in %q", s)
		}
		cl.op = opEqualsString
		operand := strings.Join(fields[2:], " ")
		if strings.HasPrefix(operand, "$") {
			cl.operandIsVar = true
			cl.operand = operand[1:]
		} else {
			cl.operand = operand
		}
	case "IN":
		if len(fields) < 3 {
			return clause{}, fmt.Errorf("IN requires a value set in %q", s)
		}
		cl.op = opIn
		list := strings.Join(fields[2:], " ")
		list = strings.TrimPrefix(list, "[")
		list = strings.TrimSuffix(list, "]")
		for _, item := range strings.Split(list, ",") {
			item = strings.TrimSpace(item)
			if item != "" {
				cl.set = append(cl.set, item)
			}
		}
		if len(cl.set) == 0 {
			return clause{}, fmt.Errorf("IN value set is empty in %q", s)
		}
	default:
		return clause{}, fmt.Errorf("unknown operator %q in %q", fields[1], s)
	}
	return cl, nil
}

// Evaluate runs the guard against a scope. An empty guard is true.
func (c *Condition) Evaluate(scope *Scope) bool {
	for _, cl := range c.clauses {
		if !cl.evaluate(scope) {
			return false
		}
	}
	return true
}

func (cl *clause) evaluate(scope *Scope) bool {
	val, bound := scope.Lookup(cl.varName)
	switch cl.op {
	case opNotNull:
		return bound && !isNullValue(val)
	case opNull:
		return !bound || isNullValue(val)
	case opEqualsString:
		if !bound {
			return false
		}
		want := cl.operand
		if cl.operandIsVar {
			other, otherBound := scope.Lookup(cl.operand)
			if !otherBound {
				return false
			}
			want = stringValue(other)
		}
		return stringValue(val) == want
	case opIn:
		if !bound {
			return false
		}
		have := stringValue(val)
		for _, item := range cl.set {
			if have == item {
				return true
			}
		}
		return false
	}
	return false
}

func isNullValue(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []interface{}:
		return len(t) == 0
	default:
		return false
	}
}

func stringValue(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprintf("%v", t)
	}
}
