package fhir

import (
	"encoding/json"
	"time"
)

// Bundle represents a FHIR Bundle resource.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
}

// MarshalIndent renders the bundle as indented JSON for CLI output.
func (b *Bundle) MarshalIndent() ([]byte, error) {
	return json.MarshalIndent(b, "", "  ")
}

// Resources unmarshals every entry back into a resource map, in entry
// order. Used by consumers that post-process the converted output.
func (b *Bundle) Resources() ([]map[string]interface{}, error) {
	out := make([]map[string]interface{}, 0, len(b.Entry))
	for _, e := range b.Entry {
		var m map[string]interface{}
		if err := json.Unmarshal(e.Resource, &m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}
