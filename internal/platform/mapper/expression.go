package mapper

import (
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Medical-Mettles/hl7v2-fhir-converter/internal/platform/hl7v2"
)

// Kind tags the closed set of expression node variants. The vocabulary is
// fixed; dispatch is a switch, not reflection.
type Kind int

const (
	KindPath Kind = iota
	KindScript
	KindSubResource
	KindReference
	KindNested
	KindConstant
)

var kindNames = map[string]Kind{
	"PATH":      KindPath,
	"SCRIPT":    KindScript,
	"RESOURCE":  KindSubResource,
	"REFERENCE": KindReference,
	"NESTED":    KindNested,
	"CONSTANT":  KindConstant,
}

func (k Kind) String() string {
	for name, kind := range kindNames {
		if kind == k {
			return name
		}
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// varSource tags how a variable binding obtains its value.
type varSource int

const (
	srcPath   varSource = iota // field path against the source document
	srcVar                     // $name from inherited or earlier-bound scope
	srcScript                  // scripted function call
	srcAttr                    // @attribute of the candidate during a join scan
	srcExpr                    // nested computed sub-expression
)

// VarDef is one entry of a node's vars mapping, in declaration order.
type VarDef struct {
	Name   string
	Source varSource
	Path   hl7v2.PathExpr
	Ref    string // srcVar / srcAttr
	Call   *ScriptCall
	Expr   *Expression
}

// Constant is one literal binding, merged into scope below vars.
type Constant struct {
	Name  string
	Value string
}

// ScriptCall is a parsed invocation of a scripting function, e.g.
// "BUILD_IDENTIFIER($code, $system)". Arguments are resolved in order and
// may be $variables or bare literals.
type ScriptCall struct {
	Name string
	Args []CallArg
}

type CallArg struct {
	Name    string // argument label passed to the function
	IsVar   bool
	Literal string
}

var scriptCallRe = regexp.MustCompile(`^([A-Z][A-Z0-9_]*)\((.*)\)$`)

func parseScriptCall(s string) (*ScriptCall, error) {
	m := scriptCallRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return nil, fmt.Errorf("invalid script call %q", s)
	}
	call := &ScriptCall{Name: m[1]}
	argList := strings.TrimSpace(m[2])
	if argList == "" {
		return call, nil
	}
	for i, raw := range strings.Split(argList, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			return nil, fmt.Errorf("empty argument %d in script call %q", i+1, s)
		}
		if strings.HasPrefix(raw, "$") {
			call.Args = append(call.Args, CallArg{Name: raw[1:], IsVar: true})
		} else {
			call.Args = append(call.Args, CallArg{Name: fmt.Sprintf("arg%d", i+1), Literal: raw})
		}
	}
	return call, nil
}

func looksLikeScriptCall(s string) bool {
	return scriptCallRe.MatchString(strings.TrimSpace(s))
}

// Expression is one compiled node of a mapping template. Templates are
// loaded once, compiled, and shared read-only across conversion runs.
type Expression struct {
	Kind Kind
	Name string // attribute name within the parent

	// Value source, populated according to Kind.
	Path        hl7v2.PathExpr // KindPath
	Call        *ScriptCall    // KindScript
	TemplateRef string         // KindSubResource
	RefVar      string         // KindReference: $variable holding identities
	RefKind     string         // KindReference: scan bundle instances of kind
	Literal     string         // KindConstant

	Condition Condition
	Vars      []VarDef
	Constants []Constant

	GenerateList  bool
	EvaluateLater bool

	// Nested only.
	Specs    hl7v2.PathExpr // driving repetition path; zero = single group
	Children []*Expression  // evaluated in declared order
}

// rawExpr is the YAML shape of a node before compilation. Ordered mappings
// (vars, constants, expressionsMap) are kept as yaml.Node so declaration
// order survives decoding.
type rawExpr struct {
	Type          string    `yaml:"type"`
	ValueOf       string    `yaml:"valueOf"`
	Condition     string    `yaml:"condition"`
	Vars          yaml.Node `yaml:"vars"`
	Constants     yaml.Node `yaml:"constants"`
	GenerateList  bool      `yaml:"generateList"`
	EvaluateLater bool      `yaml:"evaluateLater"`
	Specs         string    `yaml:"specs"`
	Expressions   yaml.Node `yaml:"expressionsMap"`
	ExpressionSeq yaml.Node `yaml:"expressions"`
}

// children returns whichever child-node form the template used: the
// expressionsMap mapping or the expressions sequence.
func (r *rawExpr) children() *yaml.Node {
	if r.Expressions.Kind != 0 {
		return &r.Expressions
	}
	return &r.ExpressionSeq
}

// decodeExpression compiles one YAML node into an Expression. resource and
// attr name the location for error reporting.
func decodeExpression(node *yaml.Node, resource, attr string) (*Expression, error) {
	var raw rawExpr
	if err := node.Decode(&raw); err != nil {
		return nil, specErr(resource, attr, "invalid expression", err)
	}

	expr := &Expression{
		Name:          attr,
		GenerateList:  raw.GenerateList,
		EvaluateLater: raw.EvaluateLater,
	}

	kindName := raw.Type
	if kindName == "" {
		if raw.children().Kind != 0 {
			kindName = "NESTED"
		} else {
			kindName = "PATH"
		}
	}
	kind, ok := kindNames[kindName]
	if !ok {
		return nil, specErr(resource, attr, fmt.Sprintf("unknown expression type %q", raw.Type), nil)
	}
	expr.Kind = kind

	if raw.Condition != "" {
		cond, err := ParseCondition(raw.Condition)
		if err != nil {
			return nil, specErr(resource, attr, "invalid condition", err)
		}
		expr.Condition = cond
	}

	if err := decodeVars(&raw.Vars, expr, resource, attr); err != nil {
		return nil, err
	}
	if err := decodeConstants(&raw.Constants, expr, resource, attr); err != nil {
		return nil, err
	}

	switch kind {
	case KindPath:
		if raw.ValueOf == "" {
			return nil, specErr(resource, attr, "PATH expression requires valueOf", nil)
		}
		p, err := hl7v2.ParsePath(raw.ValueOf)
		if err != nil {
			return nil, specErr(resource, attr, "invalid path", err)
		}
		expr.Path = p

	case KindScript:
		call, err := parseScriptCall(raw.ValueOf)
		if err != nil {
			return nil, specErr(resource, attr, "invalid script call", err)
		}
		expr.Call = call

	case KindSubResource:
		if raw.ValueOf == "" {
			return nil, specErr(resource, attr, "RESOURCE expression requires valueOf", nil)
		}
		expr.TemplateRef = raw.ValueOf

	case KindReference:
		switch {
		case strings.HasPrefix(raw.ValueOf, "$"):
			expr.RefVar = raw.ValueOf[1:]
		case raw.ValueOf != "":
			expr.RefKind = raw.ValueOf
		default:
			return nil, specErr(resource, attr, "REFERENCE expression requires valueOf", nil)
		}

	case KindConstant:
		expr.Literal = raw.ValueOf

	case KindNested:
		if raw.Specs != "" {
			p, err := hl7v2.ParsePath(raw.Specs)
			if err != nil {
				return nil, specErr(resource, attr, "invalid specs path", err)
			}
			expr.Specs = p
		}
		if raw.children().Kind == 0 {
			return nil, specErr(resource, attr, "NESTED expression requires expressionsMap or expressions", nil)
		}
		children, err := decodeChildren(raw.children(), resource, attr)
		if err != nil {
			return nil, err
		}
		expr.Children = children
	}

	return expr, nil
}

// decodeChildren walks the child nodes in document order. Two YAML forms
// are accepted: an expressionsMap mapping, or an expressions sequence whose
// entries are single-key mappings (name -> node).
func decodeChildren(node *yaml.Node, resource, attr string) ([]*Expression, error) {
	switch node.Kind {
	case yaml.MappingNode:
		var children []*Expression
		for i := 0; i+1 < len(node.Content); i += 2 {
			name := node.Content[i].Value
			child, err := decodeExpression(node.Content[i+1], resource, attr+"."+name)
			if err != nil {
				return nil, err
			}
			child.Name = name
			children = append(children, child)
		}
		return children, nil

	case yaml.SequenceNode:
		var children []*Expression
		for _, item := range node.Content {
			if item.Kind != yaml.MappingNode || len(item.Content) != 2 {
				return nil, specErr(resource, attr, "expressions entries must be single-key mappings", nil)
			}
			name := item.Content[0].Value
			child, err := decodeExpression(item.Content[1], resource, attr+"."+name)
			if err != nil {
				return nil, err
			}
			child.Name = name
			children = append(children, child)
		}
		return children, nil

	default:
		return nil, specErr(resource, attr, "child expressions must be a mapping or a sequence", nil)
	}
}

func decodeVars(node *yaml.Node, expr *Expression, resource, attr string) error {
	if node.Kind == 0 {
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return specErr(resource, attr, "vars must be a mapping", nil)
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		name := node.Content[i].Value
		valNode := node.Content[i+1]

		def := VarDef{Name: name}
		switch valNode.Kind {
		case yaml.ScalarNode:
			src := strings.TrimSpace(valNode.Value)
			switch {
			case strings.HasPrefix(src, "$"):
				def.Source = srcVar
				def.Ref = src[1:]
			case strings.HasPrefix(src, "@"):
				def.Source = srcAttr
				def.Ref = src[1:]
			case looksLikeScriptCall(src):
				call, err := parseScriptCall(src)
				if err != nil {
					return specErr(resource, attr, fmt.Sprintf("var %s", name), err)
				}
				def.Source = srcScript
				def.Call = call
			default:
				p, err := hl7v2.ParsePath(src)
				if err != nil {
					return specErr(resource, attr, fmt.Sprintf("var %s: invalid path", name), err)
				}
				def.Source = srcPath
				def.Path = p
			}
		case yaml.MappingNode:
			sub, err := decodeExpression(valNode, resource, attr+".vars."+name)
			if err != nil {
				return err
			}
			def.Source = srcExpr
			def.Expr = sub
		default:
			return specErr(resource, attr, fmt.Sprintf("var %s: unsupported source", name), nil)
		}
		expr.Vars = append(expr.Vars, def)
	}
	return nil
}

func decodeConstants(node *yaml.Node, expr *Expression, resource, attr string) error {
	if node.Kind == 0 {
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return specErr(resource, attr, "constants must be a mapping", nil)
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		expr.Constants = append(expr.Constants, Constant{
			Name:  node.Content[i].Value,
			Value: node.Content[i+1].Value,
		})
	}
	return nil
}
