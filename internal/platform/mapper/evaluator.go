package mapper

import (
	"errors"

	"github.com/Medical-Mettles/hl7v2-fhir-converter/internal/platform/fhir"
	"github.com/Medical-Mettles/hl7v2-fhir-converter/internal/platform/hl7v2"
)

// evalNode is the dispatcher for one expression node. States:
// Bind -> GuardCheck -> Produce. The caller decides Immediate vs Deferred.
//
// It returns the produced fragments and the node's scope frame (nil when
// the node was skipped), so siblings evaluated after this node can read
// its bindings. Only SpecificationError is returned as err; node-local
// failures produce no fragments and no error.
//
// entry is true for the node that owns a resource attribute (or a drained
// deferred entry); descendants marked evaluateLater are template mistakes
// in the immediate pass and cyclic deferrals in the drain pass.
func (e *Engine) evalNode(rc *runContext, n *Expression, parent *Scope, src hl7v2.Source, kind string, entry bool) ([]interface{}, *Scope, error) {
	if n.EvaluateLater && !entry {
		if rc.draining {
			return nil, nil, specErr(kind, n.Name, "cyclic deferral", nil)
		}
		return nil, nil, specErr(kind, n.Name, "evaluateLater is only supported on resource attributes", nil)
	}

	// The join scan applies the guard per candidate, after the candidate
	// frame is bound.
	if n.Kind == KindReference && n.RefKind != "" && !n.Condition.IsZero() {
		vals, err := e.evalJoinReference(rc, n, parent, src, kind)
		return vals, nil, err
	}

	// Specs-driven nested nodes bind and guard per repetition instead.
	if n.Kind == KindNested && !n.Specs.IsZero() {
		vals, err := e.evalNestedRepeating(rc, n, parent, src, kind)
		return vals, nil, err
	}

	scope, err := e.bindScope(rc, n, parent, src, kind)
	if err != nil {
		if errors.Is(err, errNodeSkipped) {
			return nil, nil, nil
		}
		return nil, nil, err
	}

	// The guard sees the node's own bindings plus everything inherited. A
	// guarded-off node produces nothing, but its frame still reaches later
	// siblings.
	if !n.Condition.Evaluate(scope) {
		return nil, scope, nil
	}

	var vals []interface{}
	switch n.Kind {
	case KindPath:
		vals = e.producePath(n, src)
	case KindScript:
		vals = e.produceScript(n, scope, kind)
	case KindSubResource:
		vals, err = e.produceSubResource(rc, n, scope, src)
	case KindReference:
		vals = e.produceReference(rc, n, scope)
	case KindNested:
		vals, err = e.produceNested(rc, n, scope, src, kind)
	case KindConstant:
		vals = []interface{}{n.Literal}
	}
	if err != nil {
		return nil, nil, err
	}
	return vals, scope, nil
}

func (e *Engine) producePath(n *Expression, src hl7v2.Source) []interface{} {
	resolved := src.Values(n.Path)
	var vals []interface{}
	for _, v := range resolved {
		if v == "" {
			continue
		}
		vals = append(vals, v)
		if !n.GenerateList {
			break
		}
	}
	return vals
}

func (e *Engine) produceScript(n *Expression, scope *Scope, kind string) []interface{} {
	val, err := e.invoke(n.Call, scope)
	if err != nil {
		e.logger.Debug().
			Str("location", describeLocation(kind, n.Name)).
			Err(err).
			Msg("scripted value failed, node skipped")
		return nil
	}
	if val == nil || val == "" {
		return nil
	}
	return []interface{}{val}
}

// produceSubResource evaluates a referenced sub-template into one nested
// structured fragment. The sub-template's attributes see a fresh frame
// layered on the current scope.
func (e *Engine) produceSubResource(rc *runContext, n *Expression, scope *Scope, src hl7v2.Source) ([]interface{}, error) {
	tmpl, ok := e.templates.Resource(n.TemplateRef)
	if !ok {
		// LoadDir validates template refs; reaching this means the
		// registry was assembled by hand.
		return nil, specErr(n.TemplateRef, n.Name, "undeclared sub-template", nil)
	}
	m, err := e.evalStructure(rc, tmpl.Attributes, scope, src, tmpl.Kind)
	if err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, nil
	}
	return []interface{}{m}, nil
}

// produceReference resolves a reference node outside the join-scan form:
// either a $variable bound to one or more resource identities, or every
// bundle instance of a named kind (useful in the deferred pass, once the
// bundle is complete).
func (e *Engine) produceReference(rc *runContext, n *Expression, scope *Scope) []interface{} {
	if n.RefVar != "" {
		return referenceFragments(scope.Value(n.RefVar), n.GenerateList)
	}
	insts := rc.bundle.OfKind(n.RefKind)
	var vals []interface{}
	for _, inst := range insts {
		vals = append(vals, referenceTo(inst))
		if !n.GenerateList {
			break
		}
	}
	return vals
}

func referenceFragments(v interface{}, generateList bool) []interface{} {
	switch t := v.(type) {
	case *fhir.Instance:
		return []interface{}{referenceTo(t)}
	case []interface{}:
		var vals []interface{}
		for _, item := range t {
			inst, ok := item.(*fhir.Instance)
			if !ok {
				continue
			}
			vals = append(vals, referenceTo(inst))
			if !generateList {
				break
			}
		}
		return vals
	default:
		return nil
	}
}

func referenceTo(inst *fhir.Instance) map[string]interface{} {
	return map[string]interface{}{"reference": inst.LocalRef()}
}

// produceNested evaluates the children of a non-repeating nested node into
// one structured fragment.
func (e *Engine) produceNested(rc *runContext, n *Expression, scope *Scope, src hl7v2.Source, kind string) ([]interface{}, error) {
	m, err := e.evalStructure(rc, n.Children, scope, src, kind)
	if err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, nil
	}
	return []interface{}{m}, nil
}

// evalNestedRepeating is the outer loop of the join pattern: resolve the
// driving specs path to its repetitions and run the full bind-and-children
// cycle once per repetition, each with a fresh scope over the repetition's
// scoped source view.
func (e *Engine) evalNestedRepeating(rc *runContext, n *Expression, parent *Scope, src hl7v2.Source, kind string) ([]interface{}, error) {
	groups := src.Groups(n.Specs)
	if !n.GenerateList && len(groups) > 1 {
		groups = groups[:1]
	}

	var vals []interface{}
	for _, group := range groups {
		scope, err := e.bindScope(rc, n, parent, group, kind)
		if err != nil {
			if errors.Is(err, errNodeSkipped) {
				continue
			}
			return nil, err
		}
		if !n.Condition.Evaluate(scope) {
			continue
		}
		m, err := e.evalStructure(rc, n.Children, scope, group, kind)
		if err != nil {
			return nil, err
		}
		if len(m) > 0 {
			vals = append(vals, m)
		}
	}
	return vals, nil
}

// evalStructure evaluates sibling expressions in declared order into a
// structured fragment. Each sibling's frame is layered onto the chain the
// next sibling sees, so later siblings (and their guards) can read
// variables bound by earlier ones.
func (e *Engine) evalStructure(rc *runContext, exprs []*Expression, scope *Scope, src hl7v2.Source, kind string) (map[string]interface{}, error) {
	m := make(map[string]interface{})
	chain := scope
	for _, child := range exprs {
		vals, frame, err := e.evalNode(rc, child, chain, src, kind, false)
		if err != nil {
			return nil, err
		}
		if frame != nil {
			chain = frame
		}
		if len(vals) == 0 {
			continue
		}
		if child.GenerateList {
			m[child.Name] = vals
		} else {
			m[child.Name] = vals[0]
		}
	}
	return m, nil
}

// evalJoinReference correlates a computed key against previously built
// instances of the target kind. For each candidate, the node's vars are
// bound (with @attribute sources reading the candidate) and the guard is
// tested; candidates are scanned in creation order and the first match is
// selected. No match is normal absence, not an error.
func (e *Engine) evalJoinReference(rc *runContext, n *Expression, parent *Scope, src hl7v2.Source, kind string) ([]interface{}, error) {
	var vals []interface{}
	for _, candidate := range rc.bundle.OfKind(n.RefKind) {
		frame, err := e.bindCandidate(rc, n, parent, src, kind, candidate)
		if err != nil {
			if errors.Is(err, errNodeSkipped) {
				continue
			}
			return nil, err
		}
		if !n.Condition.Evaluate(frame) {
			continue
		}
		vals = append(vals, referenceTo(candidate))
		if !n.GenerateList {
			break
		}
	}
	return vals, nil
}

// bindCandidate is bindScope with @attribute sources resolved against one
// join candidate.
func (e *Engine) bindCandidate(rc *runContext, n *Expression, parent *Scope, src hl7v2.Source, kind string, candidate *fhir.Instance) (*Scope, error) {
	frame := NewScope(parent)
	for _, c := range n.Constants {
		frame.Bind(c.Name, c.Value)
	}
	for _, def := range n.Vars {
		var val interface{}
		var err error
		if def.Source == srcAttr {
			val = candidate.Attr(def.Ref)
		} else {
			val, err = e.resolveVar(rc, &def, frame, src, kind, n.Name)
			if err != nil {
				return nil, err
			}
		}
		frame.Bind(def.Name, val)
	}
	return frame, nil
}
