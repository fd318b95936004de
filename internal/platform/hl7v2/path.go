package hl7v2

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// FieldPath addresses one location in a message: segment, optional field,
// optional component, optional subcomponent. Zero means "not specified".
type FieldPath struct {
	Segment      string
	Field        int
	Component    int
	Subcomponent int
}

// PathExpr is a field path with fallback alternatives. Alternatives are
// tried left to right; the first one that yields a non-empty result wins.
type PathExpr struct {
	Raw          string
	Alternatives []FieldPath
}

// IsZero reports whether the expression was never parsed.
func (p PathExpr) IsZero() bool { return len(p.Alternatives) == 0 }

var segmentNameRe = regexp.MustCompile(`^[A-Z][A-Z0-9]{2}$`)

// ParsePath parses a path expression such as "PID.3.1" or
// "PID.3.1 | PID.2.1". A malformed expression is a template-authoring
// mistake, not bad message data, so the caller treats the error as fatal.
func ParsePath(expr string) (PathExpr, error) {
	p := PathExpr{Raw: expr}
	for _, alt := range strings.Split(expr, "|") {
		alt = strings.TrimSpace(alt)
		if alt == "" {
			return PathExpr{}, fmt.Errorf("hl7v2: empty alternative in path %q", expr)
		}
		fp, err := parseFieldPath(alt)
		if err != nil {
			return PathExpr{}, fmt.Errorf("hl7v2: invalid path %q: %w", expr, err)
		}
		p.Alternatives = append(p.Alternatives, fp)
	}
	return p, nil
}

func parseFieldPath(s string) (FieldPath, error) {
	parts := strings.Split(s, ".")
	if len(parts) > 4 {
		return FieldPath{}, fmt.Errorf("too many path elements in %q", s)
	}
	name := parts[0]
	if !segmentNameRe.MatchString(name) {
		return FieldPath{}, fmt.Errorf("invalid segment name %q", name)
	}
	fp := FieldPath{Segment: name}
	idx := []*int{&fp.Field, &fp.Component, &fp.Subcomponent}
	for i, part := range parts[1:] {
		n, err := strconv.Atoi(part)
		if err != nil || n < 1 {
			return FieldPath{}, fmt.Errorf("invalid index %q in %q", part, s)
		}
		*idx[i] = n
	}
	return fp, nil
}

// Source is a read-only view over message content that path expressions are
// resolved against. A Source is either the whole message or a view scoped to
// one segment occurrence (used for per-repetition evaluation).
type Source interface {
	// Values returns every value the expression resolves to, in message
	// order: one entry per segment occurrence per field repetition. Missing
	// fields yield no entries; Values never fails on absent data.
	Values(p PathExpr) []string

	// Groups returns one scoped Source per occurrence of the addressed
	// segment, for expressions that address a segment without a field.
	Groups(p PathExpr) []Source
}

// Document wraps a parsed message as the Source for a conversion run.
type Document struct {
	msg *Message
}

// NewDocument creates the root Source over a parsed message.
func NewDocument(msg *Message) *Document {
	return &Document{msg: msg}
}

// Message returns the underlying parsed message.
func (d *Document) Message() *Message { return d.msg }

func (d *Document) Values(p PathExpr) []string {
	for _, alt := range p.Alternatives {
		var out []string
		for i := range d.msg.Segments {
			seg := &d.msg.Segments[i]
			if seg.Name != alt.Segment {
				continue
			}
			out = append(out, extractField(seg, alt)...)
		}
		if anyNonEmpty(out) {
			return out
		}
	}
	return nil
}

func (d *Document) Groups(p PathExpr) []Source {
	for _, alt := range p.Alternatives {
		if alt.Field != 0 {
			continue
		}
		var out []Source
		for i := range d.msg.Segments {
			seg := &d.msg.Segments[i]
			if seg.Name == alt.Segment {
				out = append(out, &segmentView{seg: seg, doc: d})
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return nil
}

// segmentView scopes resolution to a single segment occurrence. Paths that
// address the scoped segment resolve against this occurrence only; paths
// addressing any other segment fall through to the whole document, so a
// per-DG1 evaluation can still read PID fields.
type segmentView struct {
	seg *Segment
	doc *Document
}

func (v *segmentView) Values(p PathExpr) []string {
	for _, alt := range p.Alternatives {
		var out []string
		if alt.Segment == v.seg.Name {
			out = extractField(v.seg, alt)
		} else {
			out = v.doc.Values(PathExpr{Alternatives: []FieldPath{alt}})
		}
		if anyNonEmpty(out) {
			return out
		}
	}
	return nil
}

func (v *segmentView) Groups(p PathExpr) []Source {
	for _, alt := range p.Alternatives {
		if alt.Field == 0 && alt.Segment == v.seg.Name {
			return []Source{v}
		}
	}
	return v.doc.Groups(p)
}

// extractField pulls the addressed value(s) out of one segment occurrence,
// one entry per field repetition.
func extractField(seg *Segment, fp FieldPath) []string {
	if fp.Field == 0 {
		return nil
	}
	idx := fp.Field - 1
	if idx < 0 || idx >= len(seg.Fields) {
		return nil
	}
	field := &seg.Fields[idx]

	var out []string
	for _, rep := range field.Repeats {
		out = append(out, extractComponents(rep, fp))
	}
	if len(field.Repeats) == 0 {
		out = append(out, extractComponents(field.Components, fp))
	}
	return out
}

func extractComponents(components []string, fp FieldPath) string {
	if fp.Component == 0 {
		return strings.Join(components, "^")
	}
	ci := fp.Component - 1
	if ci < 0 || ci >= len(components) {
		return ""
	}
	val := components[ci]
	if fp.Subcomponent == 0 {
		return val
	}
	subs := strings.Split(val, "&")
	si := fp.Subcomponent - 1
	if si < 0 || si >= len(subs) {
		return ""
	}
	return subs[si]
}

func anyNonEmpty(vals []string) bool {
	for _, v := range vals {
		if v != "" {
			return true
		}
	}
	return false
}
