package mapper

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Medical-Mettles/hl7v2-fhir-converter/internal/platform/fhir"
	"github.com/Medical-Mettles/hl7v2-fhir-converter/internal/platform/hl7v2"
	"github.com/Medical-Mettles/hl7v2-fhir-converter/internal/platform/script"
)

// Engine interprets mapping templates. One Engine is built at startup and
// shared across conversion runs; all per-run state lives in a runContext,
// so independent runs may execute concurrently.
type Engine struct {
	templates *Registry
	scripts   ScriptBridge
	logger    zerolog.Logger
	newID     func() string
}

// ScriptBridge is the scripting sub-language contract: one named function
// call with ordered arguments, returning one value or failing. Failures are
// node-local.
type ScriptBridge interface {
	Invoke(name string, args []script.Arg) (interface{}, error)
}

// New builds an Engine over a loaded template registry and a scripting
// bridge (usually script.Default()).
func New(templates *Registry, scripts ScriptBridge, opts ...Option) *Engine {
	e := &Engine{
		templates: templates,
		scripts:   scripts,
		logger:    zerolog.Nop(),
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger attaches a structured logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithIDGenerator overrides resource identity generation. Identities are
// assigned once at shell creation; tests inject a deterministic generator.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) { e.newID = fn }
}

// runContext is the mutable state of one conversion run: the read-only
// source document, the bundle under construction, and the deferred queue.
// A run never touches another run's context.
type runContext struct {
	doc      *hl7v2.Document
	bundle   *fhir.BundleBuilder
	deferred []deferredEval
	draining bool
}

// Convert runs one source message through its message template and returns
// the finished bundle. The caller sees exactly one of: a complete bundle,
// or a single fatal error naming the failing template location.
func (e *Engine) Convert(msg *hl7v2.Message) (*fhir.Bundle, error) {
	mt, ok := e.templates.Message(msg.EventType())
	if !ok {
		return nil, fmt.Errorf("mapper: no message template for %q", msg.EventType())
	}

	rc := &runContext{
		doc:    hl7v2.NewDocument(msg),
		bundle: fhir.NewBundleBuilder(),
	}
	root := NewScope(nil)

	for _, decl := range mt.Resources {
		if err := e.evalDeclaration(rc, &decl, root); err != nil {
			return nil, err
		}
	}

	if err := e.drainDeferred(rc); err != nil {
		return nil, err
	}

	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return rc.bundle.Bundle(e.newID(), ts)
}

// evalDeclaration evaluates one message-template resource entry: one
// instance per anchor occurrence (or one total when the entry does not
// repeat), registered into the bundle in creation order. The created
// instance(s) are bound under the declaration name in the run scope so
// later resources can reference them.
func (e *Engine) evalDeclaration(rc *runContext, decl *ResourceDecl, root *Scope) error {
	tmpl, ok := e.templates.Resource(decl.Template)
	if !ok {
		return specErr(decl.Template, "", "undeclared resource template", nil)
	}

	var sources []hl7v2.Source
	if decl.Specs.IsZero() {
		sources = []hl7v2.Source{rc.doc}
	} else {
		sources = rc.doc.Groups(decl.Specs)
		if len(sources) == 0 {
			// Anchor segment absent: this resource is not produced.
			return nil
		}
		if !decl.Repeats {
			sources = sources[:1]
		}
	}

	var made []interface{}
	for _, src := range sources {
		inst, err := e.evalResource(rc, tmpl, src, root)
		if err != nil {
			return err
		}
		rc.bundle.Register(inst)
		made = append(made, inst)
	}

	if decl.Repeats {
		root.Bind(decl.Name, made)
	} else if len(made) > 0 {
		root.Bind(decl.Name, made[0])
	}
	return nil
}

// evalResource creates the instance shell first (identity before
// attributes, so joins and references can see it), then evaluates each
// attribute expression in declared order. Sibling attribute frames chain,
// so later attributes can read variables bound by earlier ones.
func (e *Engine) evalResource(rc *runContext, tmpl *ResourceTemplate, src hl7v2.Source, parent *Scope) (*fhir.Instance, error) {
	inst := fhir.NewInstance(tmpl.Kind, e.newID())

	chain := NewScope(parent)
	for _, attr := range tmpl.Attributes {
		if attr.EvaluateLater && !rc.draining {
			rc.enqueue(deferredEval{
				node:   attr,
				scope:  chain,
				src:    src,
				target: inst,
				kind:   tmpl.Kind,
			})
			continue
		}

		vals, frame, err := e.evalNode(rc, attr, chain, src, tmpl.Kind, true)
		if err != nil {
			return nil, err
		}
		if frame != nil {
			chain = frame
		}
		splice(inst, attr, vals)
	}
	return inst, nil
}

// splice writes produced fragments into their attribute slot. List-valued
// attributes accumulate via append so two nodes targeting the same list
// splice in production order.
func splice(inst *fhir.Instance, n *Expression, vals []interface{}) {
	if len(vals) == 0 {
		return
	}
	if n.GenerateList {
		inst.Append(n.Name, vals...)
	} else {
		inst.Put(n.Name, vals[0])
	}
}
