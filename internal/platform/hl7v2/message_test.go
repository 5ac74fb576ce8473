package hl7v2

import (
	"testing"
)

const sampleORU = "MSH|^~\\&|PHREPORT|GENHOSP|NNDSS|CDC|20240115150000||ORU^R01^ORU_R01|RPT-1|P|2.5.1|||AL|AL\r" +
	"PID|1||8c1f0c2e^^^^PI\r" +
	"OBR|1|rep-1||DISEASE_SURVEILLANCE^Measles case^L|S||20240114090000\r" +
	"OBX|1|CE|11450-4^Problem^LN||B05.9^Measles^I10||||||F"

const sampleNAK = "MSH|^~\\&|NNDSS|CDC|PHREPORT|GENHOSP|20240115150005||ACK^R01|ACK1|P|2.5.1\r" +
	"MSA|AE|RPT-1|\r" +
	"ERR||||E||||Missing OBX-5"

func TestParse_Header(t *testing.T) {
	msg, err := Parse([]byte(sampleORU))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Type != "ORU^R01^ORU_R01" {
		t.Errorf("expected Type 'ORU^R01^ORU_R01', got %q", msg.Type)
	}
	if msg.ControlID != "RPT-1" {
		t.Errorf("expected ControlID 'RPT-1', got %q", msg.ControlID)
	}
	if msg.Version != "2.5.1" {
		t.Errorf("expected Version '2.5.1', got %q", msg.Version)
	}
	if msg.SendingApp != "PHREPORT" || msg.ReceivingFac != "CDC" {
		t.Errorf("unexpected routing fields: %+v", msg)
	}
	if msg.Timestamp.Year() != 2024 || msg.Timestamp.Day() != 15 {
		t.Errorf("unexpected timestamp: %v", msg.Timestamp)
	}
}

func TestParse_Components(t *testing.T) {
	msg, err := Parse([]byte(sampleORU))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	obx := msg.GetSegment("OBX")
	if obx == nil {
		t.Fatal("expected OBX segment")
	}
	if got := obx.GetComponent(5, 1); got != "B05.9" {
		t.Errorf("expected OBX-5.1 'B05.9', got %q", got)
	}
	if got := obx.GetComponent(5, 9); got != "" {
		t.Errorf("expected empty component out of range, got %q", got)
	}
	if got := msg.GetSegment("OBR").GetField(5); got != "S" {
		t.Errorf("expected OBR-5 'S', got %q", got)
	}
}

func TestParse_LineEndings(t *testing.T) {
	raw := "MSH|^~\\&|A|B|C|D|20240101||ACK|X1|P|2.5.1\r\nMSA|AA|X0\n"
	msg, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msg.Segments) != 2 {
		t.Errorf("expected 2 segments, got %d", len(msg.Segments))
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"empty", ""},
		{"blank lines", "\r\n\r\n"},
		{"no MSH", "PID|1||123"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.raw)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestAcknowledgment_FallsBackToERR(t *testing.T) {
	msg, err := Parse([]byte(sampleNAK))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ack, ok := msg.Acknowledgment()
	if !ok {
		t.Fatal("expected MSA segment")
	}
	if ack.Code != "AE" || ack.ControlID != "RPT-1" {
		t.Errorf("unexpected ack: %+v", ack)
	}
	if ack.Text != "Missing OBX-5" {
		t.Errorf("expected ERR-8 text, got %q", ack.Text)
	}
	if ack.Accepted() {
		t.Error("AE must not count as accepted")
	}
}

func TestAcknowledgment_Missing(t *testing.T) {
	msg, _ := Parse([]byte(sampleORU))
	if _, ok := msg.Acknowledgment(); ok {
		t.Error("ORU has no MSA segment")
	}
}
