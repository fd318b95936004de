package mapper

import "fmt"

// SpecificationError reports a broken mapping template: malformed path or
// condition syntax, a reference to an undeclared sub-template, or a cyclic
// deferral. It is fatal and aborts the conversion run (or template load)
// immediately, identifying the offending resource kind and attribute.
type SpecificationError struct {
	Resource  string
	Attribute string
	Reason    string
	Err       error
}

func (e *SpecificationError) Error() string {
	loc := e.Resource
	if e.Attribute != "" {
		loc += "." + e.Attribute
	}
	if e.Err != nil {
		return fmt.Sprintf("mapper: template %s: %s: %v", loc, e.Reason, e.Err)
	}
	return fmt.Sprintf("mapper: template %s: %s", loc, e.Reason)
}

func (e *SpecificationError) Unwrap() error { return e.Err }

func specErr(resource, attribute, reason string, err error) *SpecificationError {
	return &SpecificationError{Resource: resource, Attribute: attribute, Reason: reason, Err: err}
}

// SourceDataError reports a structurally corrupt source document. Missing
// fields are normal absence and never raise it.
type SourceDataError struct {
	Reason string
	Err    error
}

func (e *SourceDataError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("mapper: source data: %s: %v", e.Reason, e.Err)
	}
	return "mapper: source data: " + e.Reason
}

func (e *SourceDataError) Unwrap() error { return e.Err }
