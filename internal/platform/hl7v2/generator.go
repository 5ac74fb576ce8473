package hl7v2

import (
	"fmt"
	"strings"
	"time"
)

// Header carries the MSH routing fields.
type Header struct {
	SendingApp   string
	SendingFac   string
	ReceivingApp string
	ReceivingFac string
	ControlID    string
	Timestamp    time.Time
	// AcceptAck and AppAck populate MSH-15/16 (AL, NE, ER, SU).
	AcceptAck string
	AppAck    string
}

// Observation becomes one OBX segment.
type Observation struct {
	ValueType string // ST, TX, NM, CE, DT
	Code      string
	Display   string
	System    string
	Value     string
	// Components, when set, replace Value for coded types such as CE.
	// Each component is escaped on its own.
	Components []string
	Units      string
}

// CaseReport is the content of an ORU^R01 case notification.
type CaseReport struct {
	Header        Header
	PatientID     string
	ReportID      string
	ReportCode    string // OBR-4 identifier, usually the report type
	ReportDisplay string
	ObservedAt    time.Time
	Priority      string // OBR-5: S (stat), A (asap) or R (routine)
	Observations  []Observation
}

// GenerateORU builds an ORU^R01 message for a case report.
func GenerateORU(rep CaseReport) ([]byte, error) {
	if rep.PatientID == "" {
		return nil, fmt.Errorf("hl7v2: patient id is required")
	}
	if rep.Header.ControlID == "" {
		return nil, fmt.Errorf("hl7v2: control id is required")
	}

	segments := []string{
		buildMSH(rep.Header, "ORU", "R01"),
		fmt.Sprintf("PID|1||%s^^^^PI", escapeHL7(rep.PatientID)),
		buildOBR(rep),
	}
	for i, obs := range rep.Observations {
		segments = append(segments, buildOBX(i+1, obs))
	}
	return []byte(strings.Join(segments, "\r")), nil
}

func buildMSH(h Header, msgType, trigger string) string {
	ts := h.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return fmt.Sprintf("MSH|^~\\&|%s|%s|%s|%s|%s||%s^%s^%s_%s|%s|P|2.5.1|||%s|%s",
		escapeHL7(h.SendingApp), escapeHL7(h.SendingFac),
		escapeHL7(h.ReceivingApp), escapeHL7(h.ReceivingFac),
		ts.Format("20060102150405"),
		msgType, trigger, msgType, trigger,
		escapeHL7(h.ControlID), h.AcceptAck, h.AppAck)
}

func buildOBR(rep CaseReport) string {
	id := ""
	if rep.ReportCode != "" {
		id = escapeHL7(rep.ReportCode) + "^" + escapeHL7(rep.ReportDisplay) + "^L"
	}
	observed := ""
	if !rep.ObservedAt.IsZero() {
		observed = rep.ObservedAt.UTC().Format("20060102150405")
	}
	return fmt.Sprintf("OBR|1|%s||%s|%s||%s", escapeHL7(rep.ReportID), id, rep.Priority, observed)
}

func buildOBX(setID int, obs Observation) string {
	valueType := obs.ValueType
	if valueType == "" {
		valueType = "ST"
	}
	id := ""
	if obs.Code != "" {
		id = escapeHL7(obs.Code) + "^" + escapeHL7(obs.Display) + "^" + escapeHL7(obs.System)
	}
	value := escapeHL7(obs.Value)
	if len(obs.Components) > 0 {
		parts := make([]string, len(obs.Components))
		for i, c := range obs.Components {
			parts[i] = escapeHL7(c)
		}
		value = strings.Join(parts, "^")
	}
	return fmt.Sprintf("OBX|%d|%s|%s||%s|%s||||||F",
		setID, valueType, id, value, escapeHL7(obs.Units))
}

// escapeHL7 replaces delimiter characters with HL7 escape sequences:
//
//	\F\ = |  \S\ = ^  \R\ = ~  \E\ = \  \T\ = &
func escapeHL7(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\E\\")
	s = strings.ReplaceAll(s, "|", "\\F\\")
	s = strings.ReplaceAll(s, "^", "\\S\\")
	s = strings.ReplaceAll(s, "~", "\\R\\")
	s = strings.ReplaceAll(s, "&", "\\T\\")
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	return s
}

var unescaper = strings.NewReplacer("\\F\\", "|", "\\S\\", "^", "\\R\\", "~", "\\T\\", "&", "\\E\\", "\\")

func unescapeHL7(s string) string {
	return unescaper.Replace(s)
}
