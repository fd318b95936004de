package mapper

import (
	"github.com/Medical-Mettles/hl7v2-fhir-converter/internal/platform/fhir"
	"github.com/Medical-Mettles/hl7v2-fhir-converter/internal/platform/hl7v2"
)

// deferredEval is one postponed resource attribute: the node, the scope and
// source view captured at the point of deferral, and the instance slot the
// result splices into.
type deferredEval struct {
	node   *Expression
	scope  *Scope
	src    hl7v2.Source
	target *fhir.Instance
	kind   string
}

func (rc *runContext) enqueue(d deferredEval) {
	rc.deferred = append(rc.deferred, d)
}

// drainDeferred runs the second evaluation pass: every deferred attribute,
// in the order it was enqueued, against the now-complete bundle. New
// deferrals cannot be enqueued here; a deferral encountered while draining
// is a cycle and fails the run.
func (e *Engine) drainDeferred(rc *runContext) error {
	rc.draining = true
	for _, d := range rc.deferred {
		vals, _, err := e.evalNode(rc, d.node, d.scope, d.src, d.kind, true)
		if err != nil {
			return err
		}
		splice(d.target, d.node, vals)
	}
	return nil
}
