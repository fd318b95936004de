package mapper

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Medical-Mettles/hl7v2-fhir-converter/internal/platform/hl7v2"
)

// ResourceTemplate is the compiled mapping for one output resource kind:
// an ordered list of named attribute expressions. Iteration order equals
// declaration order in the YAML file.
type ResourceTemplate struct {
	Kind       string
	Attributes []*Expression
}

// ResourceDecl is one entry of a message template: which resource template
// to evaluate, anchored on which segment, once or once per occurrence.
type ResourceDecl struct {
	Name     string
	Template string
	Specs    hl7v2.PathExpr // zero = whole message, single instance
	Repeats  bool
}

// MessageTemplate declares, in order, the resources produced for one
// message type (e.g. ADT_A01).
type MessageTemplate struct {
	Type      string
	Resources []ResourceDecl
}

// Registry holds every loaded template. It is immutable after LoadDir and
// safe to share across concurrent conversion runs.
type Registry struct {
	resources map[string]*ResourceTemplate
	messages  map[string]*MessageTemplate
}

// Resource returns the template for a resource kind.
func (r *Registry) Resource(name string) (*ResourceTemplate, bool) {
	t, ok := r.resources[name]
	return t, ok
}

// Message returns the template for a message type.
func (r *Registry) Message(messageType string) (*MessageTemplate, bool) {
	t, ok := r.messages[messageType]
	return t, ok
}

// ResourceKinds returns the loaded resource template names, sorted.
func (r *Registry) ResourceKinds() []string {
	out := make([]string, 0, len(r.resources))
	for k := range r.resources {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// MessageTypes returns the loaded message template names, sorted.
func (r *Registry) MessageTypes() []string {
	out := make([]string, 0, len(r.messages))
	for k := range r.messages {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// LoadDir loads and compiles every *.yml / *.yaml template in dir. Files
// carrying a resourceType key are resource templates; files carrying a
// messageType key are message templates. All cross-references are checked
// here so a broken template set fails at startup, not mid-run.
func LoadDir(dir string) (*Registry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("mapper: read template dir: %w", err)
	}

	reg := &Registry{
		resources: make(map[string]*ResourceTemplate),
		messages:  make(map[string]*MessageTemplate),
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yml" && ext != ".yaml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("mapper: read template %s: %w", entry.Name(), err)
		}
		if err := reg.loadFile(entry.Name(), data); err != nil {
			return nil, err
		}
	}

	if err := reg.validate(); err != nil {
		return nil, err
	}
	return reg, nil
}

func (r *Registry) loadFile(name string, data []byte) error {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("mapper: template %s: %w", name, err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return fmt.Errorf("mapper: template %s: empty document", name)
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return fmt.Errorf("mapper: template %s: top level must be a mapping", name)
	}

	if hasKey(root, "messageType") {
		return r.loadMessageTemplate(name, root)
	}
	if hasKey(root, "resourceType") {
		return r.loadResourceTemplate(name, root)
	}
	return fmt.Errorf("mapper: template %s: missing resourceType or messageType", name)
}

func hasKey(mapping *yaml.Node, key string) bool {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			return true
		}
	}
	return false
}

// loadResourceTemplate compiles a resource template file: the resourceType
// key names the kind, every other top-level key is one attribute expression,
// in document order.
func (r *Registry) loadResourceTemplate(file string, root *yaml.Node) error {
	tmpl := &ResourceTemplate{}
	for i := 0; i+1 < len(root.Content); i += 2 {
		key := root.Content[i].Value
		val := root.Content[i+1]
		if key == "resourceType" {
			tmpl.Kind = val.Value
			continue
		}
		expr, err := decodeExpression(val, tmpl.Kind, key)
		if err != nil {
			return err
		}
		expr.Name = key
		tmpl.Attributes = append(tmpl.Attributes, expr)
	}
	if tmpl.Kind == "" {
		return fmt.Errorf("mapper: template %s: resourceType is empty", file)
	}
	if _, dup := r.resources[tmpl.Kind]; dup {
		return fmt.Errorf("mapper: duplicate resource template %q (%s)", tmpl.Kind, file)
	}
	r.resources[tmpl.Kind] = tmpl
	return nil
}

type rawMessageTemplate struct {
	MessageType string `yaml:"messageType"`
	Resources   []struct {
		Name     string `yaml:"name"`
		Resource string `yaml:"resource"`
		Specs    string `yaml:"specs"`
		Repeats  bool   `yaml:"repeats"`
	} `yaml:"resources"`
}

func (r *Registry) loadMessageTemplate(file string, root *yaml.Node) error {
	var raw rawMessageTemplate
	if err := root.Decode(&raw); err != nil {
		return fmt.Errorf("mapper: template %s: %w", file, err)
	}
	if raw.MessageType == "" {
		return fmt.Errorf("mapper: template %s: messageType is empty", file)
	}
	if len(raw.Resources) == 0 {
		return fmt.Errorf("mapper: template %s: no resources declared", file)
	}

	tmpl := &MessageTemplate{Type: raw.MessageType}
	for _, res := range raw.Resources {
		if res.Name == "" || res.Resource == "" {
			return fmt.Errorf("mapper: template %s: resource entries need name and resource", file)
		}
		decl := ResourceDecl{Name: res.Name, Template: res.Resource, Repeats: res.Repeats}
		if res.Specs != "" {
			p, err := hl7v2.ParsePath(res.Specs)
			if err != nil {
				return fmt.Errorf("mapper: template %s: resource %s: %w", file, res.Name, err)
			}
			decl.Specs = p
		}
		tmpl.Resources = append(tmpl.Resources, decl)
	}
	if _, dup := r.messages[tmpl.Type]; dup {
		return fmt.Errorf("mapper: duplicate message template %q (%s)", tmpl.Type, file)
	}
	r.messages[tmpl.Type] = tmpl
	return nil
}

// validate checks every cross-template reference.
func (r *Registry) validate() error {
	for _, mt := range r.messages {
		for _, decl := range mt.Resources {
			if _, ok := r.resources[decl.Template]; !ok {
				return fmt.Errorf("mapper: message %s: resource %s references undeclared template %q",
					mt.Type, decl.Name, decl.Template)
			}
		}
	}
	for kind, rt := range r.resources {
		for _, attr := range rt.Attributes {
			if err := r.validateExpr(kind, attr); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Registry) validateExpr(kind string, expr *Expression) error {
	if expr.Kind == KindSubResource {
		if _, ok := r.resources[expr.TemplateRef]; !ok {
			return specErr(kind, expr.Name,
				fmt.Sprintf("references undeclared sub-template %q", expr.TemplateRef), nil)
		}
	}
	for _, def := range expr.Vars {
		if def.Expr != nil {
			if err := r.validateExpr(kind, def.Expr); err != nil {
				return err
			}
		}
	}
	for _, child := range expr.Children {
		if err := r.validateExpr(kind, child); err != nil {
			return err
		}
	}
	return nil
}

// LoadBytes compiles a set of in-memory templates, keyed by file name.
// Used by tests and embedded template sets.
func LoadBytes(files map[string][]byte) (*Registry, error) {
	reg := &Registry{
		resources: make(map[string]*ResourceTemplate),
		messages:  make(map[string]*MessageTemplate),
	}
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := reg.loadFile(name, files[name]); err != nil {
			return nil, err
		}
	}
	if err := reg.validate(); err != nil {
		return nil, err
	}
	return reg, nil
}

// describeLocation renders a template location for log output.
func describeLocation(resource, attr string) string {
	if attr == "" {
		return resource
	}
	return strings.Join([]string{resource, attr}, ".")
}
