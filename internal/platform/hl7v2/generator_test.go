package hl7v2

import (
	"strings"
	"testing"
	"time"
)

func testCaseReport() CaseReport {
	return CaseReport{
		Header: Header{
			SendingApp: "PHREPORT", SendingFac: "GENHOSP",
			ReceivingApp: "NNDSS", ReceivingFac: "CDC",
			ControlID: "sub-123", Timestamp: time.Date(2024, 3, 1, 8, 30, 0, 0, time.UTC),
			AcceptAck: "AL", AppAck: "AL",
		},
		PatientID:     "8c1f0c2e",
		ReportID:      "rep-1",
		ReportCode:    "DISEASE_SURVEILLANCE",
		ReportDisplay: "Measles case",
		ObservedAt:    time.Date(2024, 2, 29, 10, 0, 0, 0, time.UTC),
		Priority:      "S",
		Observations: []Observation{
			{ValueType: "CE", Code: "11450-4", Display: "Problem", System: "LN", Components: []string{"B05.9", "Measles", "I10"}},
			{ValueType: "TX", Code: "summary", Display: "Summary", System: "L", Value: "fever | rash"},
		},
	}
}

func TestGenerateORU_RoundTrip(t *testing.T) {
	raw, err := GenerateORU(testCaseReport())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	msg, err := Parse(raw)
	if err != nil {
		t.Fatalf("generated message does not parse: %v", err)
	}
	if msg.ControlID != "sub-123" {
		t.Errorf("expected control id sub-123, got %q", msg.ControlID)
	}
	if !strings.HasPrefix(msg.Type, "ORU^R01") {
		t.Errorf("expected ORU^R01, got %q", msg.Type)
	}
	if got := msg.GetSegment("MSH").GetField(16); got != "AL" {
		t.Errorf("expected MSH-16 AL, got %q", got)
	}
	if got := msg.GetSegment("PID").GetComponent(3, 1); got != "8c1f0c2e" {
		t.Errorf("expected PID-3.1, got %q", got)
	}
	if got := msg.GetSegment("OBR").GetField(7); got != "20240229100000" {
		t.Errorf("expected OBR-7 timestamp, got %q", got)
	}
	obx := msg.GetSegments("OBX")
	if len(obx) != 2 {
		t.Fatalf("expected 2 OBX segments, got %d", len(obx))
	}
	if got := obx[0].GetComponent(5, 2); got != "Measles" {
		t.Errorf("expected coded value component, got %q", got)
	}
	if got := obx[1].GetField(5); got != `fever \F\ rash` {
		t.Errorf("expected escaped value, got %q", got)
	}
}

func TestGenerateORU_RequiresIDs(t *testing.T) {
	rep := testCaseReport()
	rep.PatientID = ""
	if _, err := GenerateORU(rep); err == nil {
		t.Error("expected error without patient id")
	}
	rep = testCaseReport()
	rep.Header.ControlID = ""
	if _, err := GenerateORU(rep); err == nil {
		t.Error("expected error without control id")
	}
}

func TestEscapeHL7(t *testing.T) {
	in := `a|b^c~d\e&f`
	want := `a\F\b\S\c\R\d\E\e\T\f`
	if got := escapeHL7(in); got != want {
		t.Errorf("escapeHL7(%q) = %q, want %q", in, got, want)
	}
	if got := unescapeHL7(want); got != in {
		t.Errorf("unescapeHL7 round trip = %q, want %q", got, in)
	}
}
