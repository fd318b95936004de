package fhir

import (
	"encoding/json"
	"testing"
)

func TestErrorOutcome(t *testing.T) {
	oo := ErrorOutcome("template Patient.gender: invalid script call")

	if oo.ResourceType != "OperationOutcome" {
		t.Errorf("resourceType = %q, want OperationOutcome", oo.ResourceType)
	}
	if len(oo.Issue) != 1 {
		t.Fatalf("expected 1 issue, got %d", len(oo.Issue))
	}
	issue := oo.Issue[0]
	if issue.Severity != "error" || issue.Code != "processing" {
		t.Errorf("severity/code = %q/%q, want error/processing", issue.Severity, issue.Code)
	}
	if issue.Diagnostics != "template Patient.gender: invalid script call" {
		t.Errorf("diagnostics = %q", issue.Diagnostics)
	}
}

func TestOperationOutcome_JSON(t *testing.T) {
	raw, err := json.Marshal(NewOperationOutcome("fatal", "invalid", "boom"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["resourceType"] != "OperationOutcome" {
		t.Errorf("resourceType = %v", m["resourceType"])
	}
	issues, ok := m["issue"].([]interface{})
	if !ok || len(issues) != 1 {
		t.Fatalf("issue = %#v, want list of 1", m["issue"])
	}
	issue, ok := issues[0].(map[string]interface{})
	if !ok || issue["severity"] != "fatal" || issue["code"] != "invalid" || issue["diagnostics"] != "boom" {
		t.Errorf("unexpected issue %#v", issues[0])
	}
	if _, has := issue["details"]; has {
		t.Error("expected empty details to be omitted")
	}
}
