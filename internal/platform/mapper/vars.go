package mapper

import (
	"errors"

	"github.com/Medical-Mettles/hl7v2-fhir-converter/internal/platform/hl7v2"
	"github.com/Medical-Mettles/hl7v2-fhir-converter/internal/platform/script"
)

// errNodeSkipped marks a node-local failure (a scripted call that failed
// while binding). The owning node produces nothing; the run continues.
var errNodeSkipped = errors.New("node skipped")

// bindScope builds a node's scope frame: constants first at lowest
// precedence, then vars in declaration order, each able to read bindings
// declared earlier in the same frame (sequential scoping).
//
// The returned frame is immutable once bindScope returns. A script failure
// returns errNodeSkipped; only template-level faults are fatal.
func (e *Engine) bindScope(rc *runContext, n *Expression, parent *Scope, src hl7v2.Source, kind string) (*Scope, error) {
	frame := NewScope(parent)

	for _, c := range n.Constants {
		frame.Bind(c.Name, c.Value)
	}

	for _, def := range n.Vars {
		val, err := e.resolveVar(rc, &def, frame, src, kind, n.Name)
		if err != nil {
			return nil, err
		}
		frame.Bind(def.Name, val)
	}
	return frame, nil
}

func (e *Engine) resolveVar(rc *runContext, def *VarDef, frame *Scope, src hl7v2.Source, kind, attr string) (interface{}, error) {
	switch def.Source {
	case srcPath:
		return firstNonEmpty(src.Values(def.Path)), nil

	case srcVar:
		// Unbound names bind nil, which null guards treat as absent.
		return frame.Value(def.Ref), nil

	case srcAttr:
		// Candidate attributes only exist during a join scan; the scan
		// binds them via bindCandidate. Anywhere else the name is absent.
		return nil, nil

	case srcScript:
		val, err := e.invoke(def.Call, frame)
		if err != nil {
			e.logger.Debug().
				Str("location", describeLocation(kind, attr)).
				Str("var", def.Name).
				Err(err).
				Msg("scripted binding failed, node skipped")
			return nil, errNodeSkipped
		}
		return val, nil

	case srcExpr:
		vals, _, err := e.evalNode(rc, def.Expr, frame, src, kind, false)
		if err != nil {
			return nil, err
		}
		if def.Expr.GenerateList {
			return vals, nil
		}
		if len(vals) == 0 {
			return nil, nil
		}
		return vals[0], nil
	}
	return nil, nil
}

// invoke resolves a script call's arguments against the scope and calls
// the scripting bridge.
func (e *Engine) invoke(call *ScriptCall, scope *Scope) (interface{}, error) {
	args := make([]script.Arg, 0, len(call.Args))
	for _, a := range call.Args {
		if a.IsVar {
			args = append(args, script.Arg{Name: a.Name, Value: scope.Value(a.Name)})
		} else {
			args = append(args, script.Arg{Name: a.Name, Value: a.Literal})
		}
	}
	return e.scripts.Invoke(call.Name, args)
}

func firstNonEmpty(vals []string) interface{} {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return nil
}
