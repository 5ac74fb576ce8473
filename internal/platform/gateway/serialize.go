package gateway

import (
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"hash/crc32"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/ehr/phreport/internal/domain/statereport"
	"github.com/ehr/phreport/internal/platform/hl7v2"
)

// envelope is the per-submission metadata wrapped around report content.
type envelope struct {
	SubmissionID    string
	SendingApp      string
	SendingFacility string
	Priority        statereport.PriorityLevel
	RequireAck      bool
	CreatedAt       time.Time
}

func serialize(r *statereport.Report, format statereport.SubmissionFormat, env envelope) ([]byte, error) {
	switch format {
	case statereport.FormatJSON:
		return json.Marshal(newCasePayload(r, env))
	case statereport.FormatXML:
		return serializeXML(r, env)
	case statereport.FormatFHIR:
		return json.Marshal(newFHIRBundle(r, env))
	case statereport.FormatEDI:
		return serializeEDI(r, env), nil
	case statereport.FormatHL7V2:
		return serializeHL7(r, env)
	default:
		return nil, fmt.Errorf("unsupported submission format %q", format)
	}
}

func contentType(format statereport.SubmissionFormat) string {
	switch format {
	case statereport.FormatFHIR:
		return "application/fhir+json"
	case statereport.FormatXML:
		return "application/xml"
	case statereport.FormatEDI:
		return "application/edi-x12"
	case statereport.FormatHL7V2:
		return "x-application/hl7-v2+er7"
	default:
		return "application/json"
	}
}

// casePayload is the registry-neutral document used by the JSON and XML
// formats.
type casePayload struct {
	XMLName             xml.Name        `json:"-" xml:"CaseReport"`
	SubmissionID        string          `json:"submissionId" xml:"SubmissionID"`
	ReportID            string          `json:"reportId" xml:"ReportID"`
	ReportType          string          `json:"reportType" xml:"ReportType"`
	RegistryType        string          `json:"registryType" xml:"RegistryType"`
	Priority            string          `json:"priority" xml:"Priority"`
	Confidentiality     string          `json:"confidentiality" xml:"Confidentiality"`
	Mandatory           bool            `json:"mandatory" xml:"Mandatory"`
	PatientID           string          `json:"patientId" xml:"PatientID"`
	EncounterID         string          `json:"encounterId,omitempty" xml:"EncounterID,omitempty"`
	ReportingProviderID string          `json:"reportingProviderId,omitempty" xml:"ReportingProviderID,omitempty"`
	ReportingFacility   string          `json:"reportingFacility,omitempty" xml:"ReportingFacility,omitempty"`
	ConditionCode       string          `json:"conditionCode,omitempty" xml:"Condition>Code,omitempty"`
	ConditionName       string          `json:"conditionName,omitempty" xml:"Condition>Name,omitempty"`
	ReportDate          string          `json:"reportDate" xml:"ReportDate"`
	IncidentDate        string          `json:"incidentDate,omitempty" xml:"IncidentDate,omitempty"`
	ReportingDeadline   string          `json:"reportingDeadline,omitempty" xml:"ReportingDeadline,omitempty"`
	IsAmendment         bool            `json:"isAmendment" xml:"IsAmendment"`
	OriginalReportID    string          `json:"originalReportId,omitempty" xml:"OriginalReportID,omitempty"`
	AmendmentReason     string          `json:"amendmentReason,omitempty" xml:"AmendmentReason,omitempty"`
	LateReason          string          `json:"lateSubmissionReason,omitempty" xml:"LateSubmissionReason,omitempty"`
	Title               string          `json:"title" xml:"Title"`
	Summary             string          `json:"summary,omitempty" xml:"Summary,omitempty"`
	ClinicalFindings    string          `json:"clinicalFindings,omitempty" xml:"ClinicalFindings,omitempty"`
	Data                json.RawMessage `json:"data,omitempty" xml:"-"`
	DataText            *cdata          `json:"-" xml:"Data,omitempty"`
	SubmittedAt         string          `json:"submittedAt" xml:"SubmittedAt"`
}

type cdata struct {
	Text string `xml:",cdata"`
}

func newCasePayload(r *statereport.Report, env envelope) *casePayload {
	p := &casePayload{
		SubmissionID:      env.SubmissionID,
		ReportID:          r.ID.String(),
		ReportType:        string(r.ReportType),
		RegistryType:      string(r.RegistryType),
		Priority:          string(statereport.MaxPriority(r.PriorityLevel, env.Priority)),
		Confidentiality:   string(r.Confidentiality),
		Mandatory:         r.IsMandatory,
		PatientID:         r.PatientID.String(),
		ReportingFacility: deref(r.ReportingFacility),
		ConditionCode:     deref(r.ConditionCode),
		ConditionName:     deref(r.ConditionName),
		ReportDate:        r.ReportDate.UTC().Format(time.RFC3339),
		IncidentDate:      formatTime(r.IncidentDate),
		ReportingDeadline: formatTime(r.ReportingDeadline),
		IsAmendment:       r.IsAmendment,
		AmendmentReason:   deref(r.AmendmentReason),
		LateReason:        deref(r.LateSubmissionReason),
		Title:             r.ReportTitle,
		Summary:           deref(r.Summary),
		ClinicalFindings:  deref(r.ClinicalFindings),
		Data:              json.RawMessage(r.ReportData),
		SubmittedAt:       env.CreatedAt.UTC().Format(time.RFC3339),
	}
	if r.EncounterID != nil {
		p.EncounterID = r.EncounterID.String()
	}
	if r.ReportingProviderID != nil {
		p.ReportingProviderID = r.ReportingProviderID.String()
	}
	if r.OriginalReportID != nil {
		p.OriginalReportID = r.OriginalReportID.String()
	}
	return p
}

func serializeXML(r *statereport.Report, env envelope) ([]byte, error) {
	p := newCasePayload(r, env)
	if len(r.ReportData) > 0 {
		p.DataText = &cdata{Text: string(r.ReportData)}
	}
	out, err := xml.MarshalIndent(p, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), out...), nil
}

// FHIR R4 message bundle: a MessageHeader followed by the Communication
// that carries the case report.

type fhirBundle struct {
	ResourceType string      `json:"resourceType"`
	ID           string      `json:"id"`
	Type         string      `json:"type"`
	Timestamp    string      `json:"timestamp"`
	Meta         *fhirMeta   `json:"meta,omitempty"`
	Entry        []fhirEntry `json:"entry"`
}

type fhirMeta struct {
	Security []fhirCoding `json:"security,omitempty"`
}

type fhirEntry struct {
	FullURL  string      `json:"fullUrl"`
	Resource interface{} `json:"resource"`
}

type fhirCoding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code"`
	Display string `json:"display,omitempty"`
}

type fhirCodeableConcept struct {
	Coding []fhirCoding `json:"coding,omitempty"`
	Text   string       `json:"text,omitempty"`
}

type fhirReference struct {
	Reference string `json:"reference"`
}

type fhirMessageHeader struct {
	ResourceType string              `json:"resourceType"`
	ID           string              `json:"id"`
	EventCoding  fhirCoding          `json:"eventCoding"`
	Source       map[string]string   `json:"source"`
	Destination  []map[string]string `json:"destination"`
	Focus        []fhirReference     `json:"focus"`
}

type fhirPayload struct {
	ContentString     string          `json:"contentString,omitempty"`
	ContentAttachment *fhirAttachment `json:"contentAttachment,omitempty"`
}

type fhirAttachment struct {
	ContentType string `json:"contentType"`
	Data        string `json:"data"`
	Title       string `json:"title,omitempty"`
}

type fhirCommunication struct {
	ResourceType string                `json:"resourceType"`
	ID           string                `json:"id"`
	Status       string                `json:"status"`
	Category     []fhirCodeableConcept `json:"category"`
	Priority     string                `json:"priority"`
	Subject      fhirReference         `json:"subject"`
	Encounter    *fhirReference        `json:"encounter,omitempty"`
	Sender       *fhirReference        `json:"sender,omitempty"`
	Sent         string                `json:"sent"`
	ReasonCode   []fhirCodeableConcept `json:"reasonCode,omitempty"`
	Topic        *fhirCodeableConcept  `json:"topic,omitempty"`
	Payload      []fhirPayload         `json:"payload"`
	Note         []map[string]string   `json:"note,omitempty"`
}

const icd10System = "http://hl7.org/fhir/sid/icd-10-cm"

// fhirPriority maps the urgency tier to a FHIR request priority.
var fhirPriority = map[statereport.PriorityLevel]string{
	statereport.PriorityImmediate: "stat",
	statereport.PriorityUrgent:    "urgent",
	statereport.PriorityNormal:    "routine",
	statereport.PriorityRoutine:   "routine",
}

var fhirConfidentiality = map[statereport.ConfidentialityLevel]string{
	statereport.ConfidentialityNormal:       "N",
	statereport.ConfidentialityConfidential: "R",
	statereport.ConfidentialityRestricted:   "V",
}

func newFHIRBundle(r *statereport.Report, env envelope) *fhirBundle {
	sent := env.CreatedAt.UTC().Format(time.RFC3339)
	commID := r.ID.String()
	priority := statereport.MaxPriority(r.PriorityLevel, env.Priority)

	comm := &fhirCommunication{
		ResourceType: "Communication",
		ID:           commID,
		Status:       "completed",
		Category:     []fhirCodeableConcept{{Text: string(r.ReportType)}},
		Priority:     fhirPriority[priority],
		Subject:      fhirReference{Reference: "Patient/" + r.PatientID.String()},
		Sent:         sent,
		Topic:        &fhirCodeableConcept{Text: r.ReportTitle},
	}
	if comm.Priority == "" {
		comm.Priority = "routine"
	}
	if r.EncounterID != nil {
		comm.Encounter = &fhirReference{Reference: "Encounter/" + r.EncounterID.String()}
	}
	if r.ReportingProviderID != nil {
		comm.Sender = &fhirReference{Reference: "Practitioner/" + r.ReportingProviderID.String()}
	}
	if r.ConditionCode != nil || r.ConditionName != nil {
		cc := fhirCodeableConcept{Text: deref(r.ConditionName)}
		if r.ConditionCode != nil {
			cc.Coding = []fhirCoding{{System: icd10System, Code: *r.ConditionCode, Display: deref(r.ConditionName)}}
		}
		comm.ReasonCode = []fhirCodeableConcept{cc}
	}
	if s := deref(r.Summary); s != "" {
		comm.Payload = append(comm.Payload, fhirPayload{ContentString: s})
	}
	if s := deref(r.ClinicalFindings); s != "" {
		comm.Payload = append(comm.Payload, fhirPayload{ContentString: s})
	}
	if len(r.ReportData) > 0 {
		comm.Payload = append(comm.Payload, fhirPayload{ContentAttachment: &fhirAttachment{
			ContentType: "application/json",
			Data:        base64.StdEncoding.EncodeToString(r.ReportData),
			Title:       r.ReportTitle,
		}})
	}
	if r.IsAmendment {
		note := "amendment"
		if r.OriginalReportID != nil {
			note += " of " + r.OriginalReportID.String()
		}
		if reason := deref(r.AmendmentReason); reason != "" {
			note += ": " + reason
		}
		comm.Note = []map[string]string{{"text": note}}
	}

	header := &fhirMessageHeader{
		ResourceType: "MessageHeader",
		ID:           env.SubmissionID,
		EventCoding:  fhirCoding{System: "urn:phreport:event", Code: "case-report", Display: string(r.ReportType)},
		Source:       map[string]string{"name": env.SendingApp},
		Destination:  []map[string]string{{"name": string(r.RegistryType)}},
		Focus:        []fhirReference{{Reference: "Communication/" + commID}},
	}

	b := &fhirBundle{
		ResourceType: "Bundle",
		ID:           env.SubmissionID,
		Type:         "message",
		Timestamp:    sent,
		Entry: []fhirEntry{
			{FullURL: "urn:uuid:" + env.SubmissionID, Resource: header},
			{FullURL: "urn:uuid:" + commID, Resource: comm},
		},
	}
	if code, ok := fhirConfidentiality[r.Confidentiality]; ok {
		b.Meta = &fhirMeta{Security: []fhirCoding{{
			System: "http://terminology.hl7.org/CodeSystem/v3-Confidentiality", Code: code,
		}}}
	}
	return b
}

// serializeEDI renders an X12-style interchange: ISA/GS/ST envelopes around
// BGN, REF, DTP and NTE segments.
func serializeEDI(r *statereport.Report, env envelope) []byte {
	ts := env.CreatedAt.UTC()
	ctrl := fmt.Sprintf("%09d", crc32.ChecksumIEEE([]byte(env.SubmissionID))%1000000000)
	ack := "0"
	if env.RequireAck {
		ack = "1"
	}

	body := [][]string{
		{"ST", "PHR", "0001"},
		{"BGN", bgnPurpose(r), env.SubmissionID, ts.Format("20060102"), ts.Format("1504")},
		{"REF", "RPT", r.ID.String()},
		{"REF", "TYP", string(r.ReportType)},
		{"REF", "PRI", string(statereport.MaxPriority(r.PriorityLevel, env.Priority))},
		{"REF", "PAT", r.PatientID.String()},
	}
	if r.ConditionCode != nil {
		body = append(body, []string{"HI", "ABK:" + ediEscape(*r.ConditionCode)})
	}
	if r.IncidentDate != nil {
		body = append(body, []string{"DTP", "431", "D8", r.IncidentDate.UTC().Format("20060102")})
	}
	body = append(body, []string{"DTP", "050", "D8", r.ReportDate.UTC().Format("20060102")})
	if r.OriginalReportID != nil {
		body = append(body, []string{"REF", "F8", r.OriginalReportID.String()})
	}
	for _, note := range []string{r.ReportTitle, deref(r.Summary), deref(r.ClinicalFindings)} {
		if note != "" {
			body = append(body, []string{"NTE", "ADD", note})
		}
	}
	body = append(body, []string{"SE", fmt.Sprint(len(body) + 1), "0001"})

	segs := [][]string{
		{"ISA", "00", pad("", 10), "00", pad("", 10),
			"ZZ", pad(env.SendingFacility, 15), "ZZ", pad(string(r.RegistryType), 15),
			ts.Format("060102"), ts.Format("1504"), "^", "00501", ctrl, ack, "P", ":"},
		{"GS", "PH", env.SendingApp, string(r.RegistryType), ts.Format("20060102"), ts.Format("1504"), strings.TrimLeft(ctrl, "0"), "X", "005010"},
	}
	segs = append(segs, body...)
	segs = append(segs,
		[]string{"GE", "1", strings.TrimLeft(ctrl, "0")},
		[]string{"IEA", "1", ctrl},
	)

	var b strings.Builder
	for _, seg := range segs {
		for i, el := range seg {
			if i > 0 {
				b.WriteByte('*')
				if seg[0] != "ISA" {
					el = ediEscape(el)
				}
			}
			b.WriteString(el)
		}
		b.WriteString("~\n")
	}
	return []byte(b.String())
}

func bgnPurpose(r *statereport.Report) string {
	if r.IsAmendment {
		return "05" // replace
	}
	return "00" // original
}

var ediReplacer = strings.NewReplacer("*", " ", "~", " ", "^", " ", "\r", " ", "\n", " ")

func ediEscape(s string) string { return ediReplacer.Replace(s) }

func pad(s string, n int) string {
	if len(s) >= n {
		return s[:n]
	}
	return s + strings.Repeat(" ", n-len(s))
}

// hl7Priority maps the urgency tier to OBR-5: stat, asap or routine.
var hl7Priority = map[statereport.PriorityLevel]string{
	statereport.PriorityImmediate: "S",
	statereport.PriorityUrgent:    "A",
	statereport.PriorityNormal:    "R",
	statereport.PriorityRoutine:   "R",
}

func serializeHL7(r *statereport.Report, env envelope) ([]byte, error) {
	appAck := "NE"
	if env.RequireAck {
		appAck = "AL"
	}
	rep := hl7v2.CaseReport{
		Header: hl7v2.Header{
			SendingApp:   env.SendingApp,
			SendingFac:   env.SendingFacility,
			ReceivingApp: string(r.RegistryType),
			ReceivingFac: string(r.RegistryType),
			ControlID:    env.SubmissionID,
			Timestamp:    env.CreatedAt,
			AcceptAck:    "AL",
			AppAck:       appAck,
		},
		PatientID:     r.PatientID.String(),
		ReportID:      r.ID.String(),
		ReportCode:    string(r.ReportType),
		ReportDisplay: r.ReportTitle,
		ObservedAt:    r.ReportDate,
		Priority:      hl7Priority[statereport.MaxPriority(r.PriorityLevel, env.Priority)],
	}
	if r.IncidentDate != nil {
		rep.ObservedAt = *r.IncidentDate
	}
	if r.ConditionCode != nil || r.ConditionName != nil {
		rep.Observations = append(rep.Observations, hl7v2.Observation{
			ValueType: "CE", Code: "11450-4", Display: "Problem", System: "LN",
			Components: []string{deref(r.ConditionCode), deref(r.ConditionName), "I10"},
		})
	}
	if r.IncidentDate != nil {
		rep.Observations = append(rep.Observations, hl7v2.Observation{
			ValueType: "DT", Code: "11368-8", Display: "Illness onset date", System: "LN",
			Value:     r.IncidentDate.UTC().Format("20060102"),
		})
	}
	for _, note := range []struct{ code, display, text string }{
		{"summary", "Summary", deref(r.Summary)},
		{"findings", "Clinical findings", deref(r.ClinicalFindings)},
		{"amendment", "Amendment reason", deref(r.AmendmentReason)},
	} {
		if note.text != "" {
			rep.Observations = append(rep.Observations, hl7v2.Observation{
				ValueType: "TX", Code: note.code, Display: note.display, System: "L", Value: note.text,
			})
		}
	}
	return hl7v2.GenerateORU(rep)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
