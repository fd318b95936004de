package mapper

// Scope is one frame in the chain of variable bindings visible to an
// expression node. Lookups walk the chain innermost-first; an undefined
// name yields nil, not an error.
//
// Frames are never mutated once their owning node has finished binding:
// child nodes always layer a new frame, so sibling branches can safely
// share a parent chain, and a deferred node can freeze its scope by simply
// holding the frame pointer.
type Scope struct {
	parent *Scope
	names  []string
	vals   map[string]interface{}
}

// NewScope creates an empty frame layered on parent (which may be nil).
func NewScope(parent *Scope) *Scope {
	return &Scope{parent: parent, vals: make(map[string]interface{})}
}

// Bind adds a binding to this frame, shadowing any ancestor binding of the
// same name. Bind is only called while the frame is under construction.
func (s *Scope) Bind(name string, val interface{}) {
	if _, exists := s.vals[name]; !exists {
		s.names = append(s.names, name)
	}
	s.vals[name] = val
}

// Lookup resolves a name against this frame and its ancestors.
func (s *Scope) Lookup(name string) (interface{}, bool) {
	for f := s; f != nil; f = f.parent {
		if v, ok := f.vals[name]; ok {
			return v, true
		}
	}
	return nil, false
}

// Value returns the bound value or nil when the name is undefined.
func (s *Scope) Value(name string) interface{} {
	v, _ := s.Lookup(name)
	return v
}
