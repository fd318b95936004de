package script

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Arg is one named input binding for a function invocation. Order matters:
// functions receive arguments in the order the caller resolved them.
type Arg struct {
	Name  string
	Value interface{}
}

// Func is a registered scripting function. It returns a single value or an
// error; errors are node-local for the caller, never fatal.
type Func func(args []Arg) (interface{}, error)

// Error wraps any failure raised while invoking a scripting function:
// unknown function, bad arity or argument type, or the function's own
// runtime fault.
type Error struct {
	Function string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("script %s: %v", e.Function, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Registry holds named scripting functions. It is populated once at startup
// and read-only afterwards, so it is safe to share across conversion runs.
type Registry struct {
	funcs map[string]Func
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

// Register adds or replaces a function.
func (r *Registry) Register(name string, fn Func) {
	r.funcs[name] = fn
}

// Invoke calls the named function with the given ordered arguments.
func (r *Registry) Invoke(name string, args []Arg) (interface{}, error) {
	fn, ok := r.funcs[name]
	if !ok {
		return nil, &Error{Function: name, Err: fmt.Errorf("unknown function")}
	}
	out, err := fn(args)
	if err != nil {
		if se, ok := err.(*Error); ok {
			return nil, se
		}
		return nil, &Error{Function: name, Err: err}
	}
	return out, nil
}

// Default returns a registry preloaded with the built-in function set.
func Default() *Registry {
	r := NewRegistry()
	r.Register("BUILD_IDENTIFIER", buildIdentifier)
	r.Register("CONCAT", concat)
	r.Register("FORMAT_DATE", formatDate)
	r.Register("FORMAT_DATETIME", formatDateTime)
	r.Register("EXTRACT_IDENTIFIER", extractIdentifier)
	r.Register("MATCH", match)
	r.Register("GENERATE_ID", generateID)
	r.Register("GET_CODING_SYSTEM", getCodingSystem)
	r.Register("MAP_GENDER", mapGender)
	r.Register("MAP_ENCOUNTER_CLASS", mapEncounterClass)
	return r
}

// asString renders an argument value as a string. Non-scalar values fail,
// which surfaces as an argument type mismatch.
func asString(a Arg) (string, error) {
	switch v := a.Value.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case fmt.Stringer:
		return v.String(), nil
	default:
		return "", fmt.Errorf("argument %s: expected string, got %T", a.Name, a.Value)
	}
}

// buildIdentifier joins its non-empty string arguments with "-", producing a
// stable identifier key (e.g. code + coding system from DG1-3).
func buildIdentifier(args []Arg) (interface{}, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("at least one argument required")
	}
	var parts []string
	for _, a := range args {
		s, err := asString(a)
		if err != nil {
			return nil, err
		}
		if s != "" {
			parts = append(parts, s)
		}
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("all arguments empty")
	}
	return strings.Join(parts, "-"), nil
}

func concat(args []Arg) (interface{}, error) {
	var b strings.Builder
	for _, a := range args {
		s, err := asString(a)
		if err != nil {
			return nil, err
		}
		b.WriteString(s)
	}
	return b.String(), nil
}

// hl7Time parses the usual HL7 timestamp precisions.
func hl7Time(s string) (time.Time, string, error) {
	s = strings.TrimSpace(s)
	// Strip a timezone offset; precision is decided by what remains.
	base := s
	if i := strings.IndexAny(s, "+-"); i > 0 {
		base = s[:i]
	}
	switch {
	case len(base) >= 14:
		t, err := time.Parse("20060102150405", base[:14])
		return t, "second", err
	case len(base) >= 12:
		t, err := time.Parse("200601021504", base[:12])
		return t, "minute", err
	case len(base) >= 8:
		t, err := time.Parse("20060102", base[:8])
		return t, "day", err
	default:
		return time.Time{}, "", fmt.Errorf("unrecognized timestamp %q", s)
	}
}

func formatDate(args []Arg) (interface{}, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("expected 1 argument, got %d", len(args))
	}
	s, err := asString(args[0])
	if err != nil {
		return nil, err
	}
	t, _, err := hl7Time(s)
	if err != nil {
		return nil, err
	}
	return t.Format("2006-01-02"), nil
}

func formatDateTime(args []Arg) (interface{}, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("expected 1 argument, got %d", len(args))
	}
	s, err := asString(args[0])
	if err != nil {
		return nil, err
	}
	t, precision, err := hl7Time(s)
	if err != nil {
		return nil, err
	}
	if precision == "day" {
		return t.Format("2006-01-02"), nil
	}
	return t.Format("2006-01-02T15:04:05Z"), nil
}

// extractIdentifier digs the first identifier value out of a FHIR
// identifier-shaped attribute (a list of maps, or a single map, with a
// "value" entry). Used as the inner-key extraction when joining against
// previously built resources.
func extractIdentifier(args []Arg) (interface{}, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("expected 1 argument, got %d", len(args))
	}
	v := args[0].Value
	if list, ok := v.([]interface{}); ok {
		if len(list) == 0 {
			return nil, fmt.Errorf("empty identifier list")
		}
		v = list[0]
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("argument %s: expected identifier, got %T", args[0].Name, args[0].Value)
	}
	val, _ := m["value"].(string)
	if val == "" {
		return nil, fmt.Errorf("identifier has no value")
	}
	return val, nil
}

// match applies a regular expression to a value and returns the first
// capture group (or the whole match when the pattern has no groups).
func match(args []Arg) (interface{}, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("expected 2 arguments, got %d", len(args))
	}
	val, err := asString(args[0])
	if err != nil {
		return nil, err
	}
	pattern, err := asString(args[1])
	if err != nil {
		return nil, err
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	groups := re.FindStringSubmatch(val)
	if groups == nil {
		return nil, fmt.Errorf("no match for %q", pattern)
	}
	if len(groups) > 1 {
		return groups[1], nil
	}
	return groups[0], nil
}

func generateID(args []Arg) (interface{}, error) {
	if len(args) != 0 {
		return nil, fmt.Errorf("expected no arguments, got %d", len(args))
	}
	return uuid.NewString(), nil
}

var codingSystems = map[string]string{
	"I9":     "http://hl7.org/fhir/sid/icd-9-cm",
	"ICD9":   "http://hl7.org/fhir/sid/icd-9-cm",
	"ICD-9":  "http://hl7.org/fhir/sid/icd-9-cm",
	"I10":    "http://hl7.org/fhir/sid/icd-10-cm",
	"ICD10":  "http://hl7.org/fhir/sid/icd-10-cm",
	"ICD-10": "http://hl7.org/fhir/sid/icd-10-cm",
	"LN":     "http://loinc.org",
	"LOINC":  "http://loinc.org",
	"SCT":    "http://snomed.info/sct",
	"SNM":    "http://snomed.info/sct",
	"RXNORM": "http://www.nlm.nih.gov/research/umls/rxnorm",
	"CPT":    "http://www.ama-assn.org/go/cpt",
}

// getCodingSystem maps an HL7v2 coding-table mnemonic to its canonical URI.
func getCodingSystem(args []Arg) (interface{}, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("expected 1 argument, got %d", len(args))
	}
	s, err := asString(args[0])
	if err != nil {
		return nil, err
	}
	uri, ok := codingSystems[strings.ToUpper(strings.TrimSpace(s))]
	if !ok {
		return nil, fmt.Errorf("unknown coding table %q", s)
	}
	return uri, nil
}

var genders = map[string]string{
	"M": "male",
	"F": "female",
	"O": "other",
	"A": "other",
	"U": "unknown",
	"N": "unknown",
}

var encounterClasses = map[string]string{
	"I": "IMP",
	"O": "AMB",
	"E": "EMER",
	"P": "PRENC",
	"R": "ACUTE",
	"B": "OBSENC",
}

// mapEncounterClass maps HL7 table 0004 patient class codes (PV1-2) to
// v3 ActCode encounter class codes.
func mapEncounterClass(args []Arg) (interface{}, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("expected 1 argument, got %d", len(args))
	}
	s, err := asString(args[0])
	if err != nil {
		return nil, err
	}
	code, ok := encounterClasses[strings.ToUpper(strings.TrimSpace(s))]
	if !ok {
		return nil, fmt.Errorf("unknown patient class %q", s)
	}
	return code, nil
}

// mapGender maps HL7 table 0001 administrative sex codes to FHIR
// AdministrativeGender codes.
func mapGender(args []Arg) (interface{}, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("expected 1 argument, got %d", len(args))
	}
	s, err := asString(args[0])
	if err != nil {
		return nil, err
	}
	g, ok := genders[strings.ToUpper(strings.TrimSpace(s))]
	if !ok {
		return "unknown", nil
	}
	return g, nil
}
