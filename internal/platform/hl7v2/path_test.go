package hl7v2

import (
	"testing"
)

const pathSampleADT = "MSH|^~\\&|App|Fac|||20240115143025||ADT^A01|CTRL1|P|2.5.1\r" +
	"PID|1||MRN12345^^^MRNAuth||Doe^John^A||19800515|M\r" +
	"DG1|1||I10&ICD10|R07.9^Chest pain^I10|20240115|A\r" +
	"DG1|2||ICD10|E11.9^Type 2 diabetes^I10|20240110|W"

func mustParseMsg(t *testing.T, raw string) *Message {
	t.Helper()
	msg, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return msg
}

func mustParsePath(t *testing.T, expr string) PathExpr {
	t.Helper()
	p, err := ParsePath(expr)
	if err != nil {
		t.Fatalf("ParsePath(%q): %v", expr, err)
	}
	return p
}

func TestParsePath(t *testing.T) {
	tests := []struct {
		expr    string
		wantErr bool
	}{
		{"PID.3.1", false},
		{"PID.3", false},
		{"DG1", false},
		{"PID.3.1.2", false},
		{"PID.3.1 | PID.2.1", false},
		{"", true},
		{"pid.3", true},
		{"PID.0", true},
		{"PID.3.1.2.5", true},
		{"PID.x", true},
		{"PID.3 |", true},
	}
	for _, tt := range tests {
		_, err := ParsePath(tt.expr)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParsePath(%q) error = %v, wantErr %v", tt.expr, err, tt.wantErr)
		}
	}
}

func TestDocument_Values(t *testing.T) {
	doc := NewDocument(mustParseMsg(t, pathSampleADT))

	tests := []struct {
		expr string
		want []string
	}{
		{"PID.3.1", []string{"MRN12345"}},
		{"PID.5.2", []string{"John"}},
		{"PID.8", []string{"M"}},
		// One entry per DG1 occurrence, in message order.
		{"DG1.4.1", []string{"R07.9", "E11.9"}},
		// Subcomponent addressing with &.
		{"DG1.3.1.2", []string{"ICD10", ""}},
		// Missing field yields nothing.
		{"PID.30.1", nil},
		// Missing segment yields nothing.
		{"ZZZ.1", nil},
	}
	for _, tt := range tests {
		got := doc.Values(mustParsePath(t, tt.expr))
		if len(got) != len(tt.want) {
			t.Errorf("Values(%q) = %v, want %v", tt.expr, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("Values(%q)[%d] = %q, want %q", tt.expr, i, got[i], tt.want[i])
			}
		}
	}
}

func TestDocument_Values_Alternatives(t *testing.T) {
	doc := NewDocument(mustParseMsg(t, pathSampleADT))

	// First alternative empty, second resolves.
	got := doc.Values(mustParsePath(t, "PID.2.1 | PID.3.1"))
	if len(got) != 1 || got[0] != "MRN12345" {
		t.Errorf("expected fallback to PID.3.1, got %v", got)
	}

	// First alternative wins when non-empty.
	got = doc.Values(mustParsePath(t, "PID.3.1 | PID.5.1"))
	if len(got) != 1 || got[0] != "MRN12345" {
		t.Errorf("expected first alternative, got %v", got)
	}
}

func TestDocument_Values_Repetitions(t *testing.T) {
	raw := "MSH|^~\\&|App|Fac|||20240115143025||ADT^A01|CTRL1|P|2.5.1\r" +
		"PID|1||ID1^^^A~ID2^^^B~ID3^^^C||Doe^John"
	doc := NewDocument(mustParseMsg(t, raw))

	got := doc.Values(mustParsePath(t, "PID.3.1"))
	want := []string{"ID1", "ID2", "ID3"}
	if len(got) != len(want) {
		t.Fatalf("expected %d repetitions, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("repetition %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestDocument_Groups(t *testing.T) {
	doc := NewDocument(mustParseMsg(t, pathSampleADT))

	groups := doc.Groups(mustParsePath(t, "DG1"))
	if len(groups) != 2 {
		t.Fatalf("expected 2 DG1 groups, got %d", len(groups))
	}

	// Each group resolves DG1 paths against its own occurrence.
	first := groups[0].Values(mustParsePath(t, "DG1.4.1"))
	if len(first) != 1 || first[0] != "R07.9" {
		t.Errorf("group 0 DG1.4.1 = %v, want [R07.9]", first)
	}
	second := groups[1].Values(mustParsePath(t, "DG1.4.1"))
	if len(second) != 1 || second[0] != "E11.9" {
		t.Errorf("group 1 DG1.4.1 = %v, want [E11.9]", second)
	}
}

func TestSegmentView_FallsThroughToDocument(t *testing.T) {
	doc := NewDocument(mustParseMsg(t, pathSampleADT))

	groups := doc.Groups(mustParsePath(t, "DG1"))
	if len(groups) == 0 {
		t.Fatal("expected DG1 groups")
	}

	// A DG1-scoped view still reads PID fields from the whole document.
	got := groups[0].Values(mustParsePath(t, "PID.3.1"))
	if len(got) != 1 || got[0] != "MRN12345" {
		t.Errorf("expected PID fallthrough, got %v", got)
	}
}

func TestDocument_Groups_MissingSegment(t *testing.T) {
	doc := NewDocument(mustParseMsg(t, pathSampleADT))
	if groups := doc.Groups(mustParsePath(t, "OBX")); len(groups) != 0 {
		t.Errorf("expected no groups for missing segment, got %d", len(groups))
	}
}
