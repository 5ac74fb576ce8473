package hl7v2

import (
	"fmt"
	"strings"
	"time"
)

// Message is a parsed HL7v2 message.
type Message struct {
	Type         string // MSH-9, e.g. "ORU^R01"
	ControlID    string // MSH-10
	Version      string // MSH-12
	Timestamp    time.Time
	SendingApp   string
	SendingFac   string
	ReceivingApp string
	ReceivingFac string
	Segments     []Segment
}

// Segment is one line of a message.
type Segment struct {
	Name   string
	Fields []Field
}

// Field holds the raw value and its component (^) and repetition (~) split.
type Field struct {
	Value      string
	Components []string
	Repeats    [][]string
}

// Parse reads a message. Segments may be separated by \r, \n or \r\n and
// the first segment must be MSH.
func Parse(raw []byte) (*Message, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("hl7v2: message is empty")
	}

	text := strings.ReplaceAll(string(raw), "\r\n", "\r")
	text = strings.ReplaceAll(text, "\n", "\r")

	var lines []string
	for _, line := range strings.Split(text, "\r") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("hl7v2: no segments found")
	}
	if !strings.HasPrefix(lines[0], "MSH") {
		return nil, fmt.Errorf("hl7v2: first segment must be MSH, got %q", lines[0][:min(3, len(lines[0]))])
	}

	msg := &Message{}
	for _, line := range lines {
		seg, err := parseSegment(line)
		if err != nil {
			return nil, fmt.Errorf("hl7v2: failed to parse segment: %w", err)
		}
		msg.Segments = append(msg.Segments, seg)
	}

	msh := msg.GetSegment("MSH")
	msg.SendingApp = msh.GetField(3)
	msg.SendingFac = msh.GetField(4)
	msg.ReceivingApp = msh.GetField(5)
	msg.ReceivingFac = msh.GetField(6)
	if ts, err := parseHL7Timestamp(msh.GetField(7)); err == nil {
		msg.Timestamp = ts
	}
	msg.Type = msh.GetField(9)
	msg.ControlID = msh.GetField(10)
	msg.Version = msh.GetField(12)
	return msg, nil
}

// parseSegment splits one segment line. In MSH the separator itself is
// MSH-1, so Fields[0] is "|" and Fields[1] the encoding characters.
func parseSegment(line string) (Segment, error) {
	if len(line) < 3 {
		return Segment{}, fmt.Errorf("segment too short: %q", line)
	}

	if strings.HasPrefix(line, "MSH") {
		seg := Segment{Name: "MSH"}
		if len(line) < 4 {
			return seg, nil
		}
		sep := string(line[3])
		seg.Fields = append(seg.Fields, Field{Value: sep, Components: []string{sep}})
		for _, part := range strings.Split(line[4:], sep) {
			seg.Fields = append(seg.Fields, parseField(part))
		}
		return seg, nil
	}

	parts := strings.SplitN(line, "|", 2)
	seg := Segment{Name: parts[0]}
	if len(parts) > 1 {
		for _, f := range strings.Split(parts[1], "|") {
			seg.Fields = append(seg.Fields, parseField(f))
		}
	}
	return seg, nil
}

func parseField(raw string) Field {
	f := Field{Value: raw}
	for _, rep := range strings.Split(raw, "~") {
		f.Repeats = append(f.Repeats, strings.Split(rep, "^"))
	}
	f.Components = f.Repeats[0]
	return f
}

// parseHL7Timestamp accepts YYYYMMDD[HHmm[ss]].
func parseHL7Timestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	switch {
	case len(s) >= 14:
		return time.Parse("20060102150405", s[:14])
	case len(s) >= 12:
		return time.Parse("200601021504", s[:12])
	case len(s) >= 8:
		return time.Parse("20060102", s[:8])
	default:
		return time.Time{}, fmt.Errorf("hl7v2: unrecognized timestamp format: %q", s)
	}
}

// GetSegment returns the first segment with the given name, or nil.
func (m *Message) GetSegment(name string) *Segment {
	for i := range m.Segments {
		if m.Segments[i].Name == name {
			return &m.Segments[i]
		}
	}
	return nil
}

// GetSegments returns every segment with the given name.
func (m *Message) GetSegments(name string) []Segment {
	var out []Segment
	for _, seg := range m.Segments {
		if seg.Name == name {
			out = append(out, seg)
		}
	}
	return out
}

// GetField returns a field by its 1-based HL7 number. For MSH, field 1 is
// the separator.
func (s *Segment) GetField(index int) string {
	idx := index - 1
	if idx < 0 || idx >= len(s.Fields) {
		return ""
	}
	return s.Fields[idx].Value
}

// GetComponent returns a component by 1-based field and component number.
func (s *Segment) GetComponent(fieldIdx, compIdx int) string {
	idx := fieldIdx - 1
	if idx < 0 || idx >= len(s.Fields) {
		return ""
	}
	comps := s.Fields[idx].Components
	ci := compIdx - 1
	if ci < 0 || ci >= len(comps) {
		return ""
	}
	return comps[ci]
}

// Acknowledgment is the content of an MSA segment.
type Acknowledgment struct {
	Code      string // MSA-1: AA, AE, AR (or CA, CE, CR)
	ControlID string // MSA-2: control id of the acknowledged message
	Text      string // MSA-3, or ERR-8 when MSA-3 is empty
}

// Accepted reports whether the code is an application or commit accept.
func (a Acknowledgment) Accepted() bool {
	return a.Code == "AA" || a.Code == "CA"
}

// Acknowledgment extracts the MSA segment of an ACK message.
func (m *Message) Acknowledgment() (Acknowledgment, bool) {
	msa := m.GetSegment("MSA")
	if msa == nil {
		return Acknowledgment{}, false
	}
	ack := Acknowledgment{
		Code:      strings.ToUpper(msa.GetField(1)),
		ControlID: msa.GetField(2),
		Text:      unescapeHL7(msa.GetField(3)),
	}
	if ack.Text == "" {
		if errSeg := m.GetSegment("ERR"); errSeg != nil {
			ack.Text = unescapeHL7(errSeg.GetField(8))
		}
	}
	return ack, true
}
