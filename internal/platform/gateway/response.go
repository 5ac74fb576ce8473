package gateway

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"github.com/ehr/phreport/internal/domain/statereport"
	"github.com/ehr/phreport/internal/platform/hl7v2"
)

// parseResponse reads a registry reply. The format is sniffed from the body
// because registries do not always answer in the format they were sent.
// An empty body is an accepted submission with no identifiers.
func parseResponse(body []byte) (*statereport.SubmissionResult, error) {
	trimmed := bytes.TrimSpace(body)
	switch {
	case len(trimmed) == 0:
		return &statereport.SubmissionResult{Success: true}, nil
	case trimmed[0] == '{':
		return parseJSONResponse(trimmed)
	case trimmed[0] == '<':
		return parseXMLResponse(trimmed)
	case bytes.HasPrefix(trimmed, []byte("MSH")):
		msg, err := hl7v2.Parse(trimmed)
		if err != nil {
			return nil, fmt.Errorf("parse hl7 response: %w", err)
		}
		return resultFromHL7(msg)
	case bytes.HasPrefix(trimmed, []byte("ISA")), bytes.HasPrefix(trimmed, []byte("TA1")), bytes.HasPrefix(trimmed, []byte("ST*")):
		return parseEDIResponse(trimmed)
	default:
		// Plain-text 2xx bodies carry no structured outcome.
		return &statereport.SubmissionResult{Success: true}, nil
	}
}

// registryFields are the identifiers and outcome shared by the JSON and
// XML reply shapes.
type registryFields struct {
	Success          *bool
	Status           string
	SubmissionID     string
	ReferenceID      string
	AcknowledgmentID string
	CaseID           string
	Error            string
	Message          string
}

var (
	acceptedStatuses = map[string]bool{"ACCEPTED": true, "RECEIVED": true, "SUBMITTED": true, "OK": true, "SUCCESS": true, "QUEUED": true}
	ackedStatuses    = map[string]bool{"ACKNOWLEDGED": true, "PROCESSED": true, "COMPLETE": true, "COMPLETED": true}
	rejectedStatuses = map[string]bool{"REJECTED": true, "ERROR": true, "FAILED": true, "INVALID": true, "DENIED": true}
)

func (f registryFields) result() *statereport.SubmissionResult {
	status := strings.ToUpper(strings.TrimSpace(f.Status))
	res := &statereport.SubmissionResult{
		SubmissionID:        f.SubmissionID,
		ExternalReferenceID: f.ReferenceID,
		AcknowledgmentID:    f.AcknowledgmentID,
		RegistryCaseID:      f.CaseID,
		Success:             true,
	}
	switch {
	case f.Success != nil:
		res.Success = *f.Success
	case rejectedStatuses[status]:
		res.Success = false
	}
	if res.Success {
		res.Acknowledged = ackedStatuses[status] || f.AcknowledgmentID != ""
	} else {
		res.ErrorMessage = firstNonEmpty(f.Error, f.Message, "rejected by registry")
		// A rejection carries no acknowledgment.
		res.AcknowledgmentID = ""
	}
	return res
}

type jsonReply struct {
	ResourceType        string           `json:"resourceType"`
	ID                  string           `json:"id"`
	Success             *bool            `json:"success"`
	Status              string           `json:"status"`
	SubmissionID        string           `json:"submissionId"`
	ReferenceID         string           `json:"referenceId"`
	ExternalReferenceID string           `json:"externalReferenceId"`
	AcknowledgmentID    string           `json:"acknowledgmentId"`
	CaseID              string           `json:"caseId"`
	RegistryCaseID      string           `json:"registryCaseId"`
	Error               string           `json:"error"`
	Message             string           `json:"message"`
	Issue               []fhirIssue      `json:"issue"`
	Entry               []fhirReplyEntry `json:"entry"`
}

type fhirIssue struct {
	Severity    string `json:"severity"`
	Code        string `json:"code"`
	Diagnostics string `json:"diagnostics"`
	Details     struct {
		Text string `json:"text"`
	} `json:"details"`
}

type fhirReplyEntry struct {
	Resource json.RawMessage `json:"resource"`
}

type fhirReplyResource struct {
	ResourceType string      `json:"resourceType"`
	ID           string      `json:"id"`
	Issue        []fhirIssue `json:"issue"`
	Response     *struct {
		Identifier string `json:"identifier"`
		Code       string `json:"code"`
	} `json:"response"`
}

func parseJSONResponse(body []byte) (*statereport.SubmissionResult, error) {
	var reply jsonReply
	if err := json.Unmarshal(body, &reply); err != nil {
		return nil, fmt.Errorf("parse json response: %w", err)
	}
	switch reply.ResourceType {
	case "OperationOutcome":
		return resultFromOutcome(reply.ID, reply.Issue), nil
	case "Bundle":
		return resultFromMessageBundle(reply)
	}
	return registryFields{
		Success:          reply.Success,
		Status:           reply.Status,
		SubmissionID:     reply.SubmissionID,
		ReferenceID:      firstNonEmpty(reply.ExternalReferenceID, reply.ReferenceID),
		AcknowledgmentID: reply.AcknowledgmentID,
		CaseID:           firstNonEmpty(reply.RegistryCaseID, reply.CaseID),
		Error:            reply.Error,
		Message:          reply.Message,
	}.result(), nil
}

// resultFromOutcome treats any error or fatal issue as a rejection.
func resultFromOutcome(id string, issues []fhirIssue) *statereport.SubmissionResult {
	var msgs []string
	for _, is := range issues {
		if is.Severity == "error" || is.Severity == "fatal" {
			msgs = append(msgs, firstNonEmpty(is.Diagnostics, is.Details.Text, is.Code))
		}
	}
	if len(msgs) > 0 {
		return &statereport.SubmissionResult{Success: false, ErrorMessage: strings.Join(msgs, "; ")}
	}
	return &statereport.SubmissionResult{Success: true, ExternalReferenceID: id}
}

// resultFromMessageBundle reads a FHIR message response: the MessageHeader
// response.code is ok, transient-error or fatal-error.
func resultFromMessageBundle(reply jsonReply) (*statereport.SubmissionResult, error) {
	var header *fhirReplyResource
	var outcome *fhirReplyResource
	var refID string
	for _, e := range reply.Entry {
		var res fhirReplyResource
		if err := json.Unmarshal(e.Resource, &res); err != nil {
			return nil, fmt.Errorf("parse bundle entry: %w", err)
		}
		switch res.ResourceType {
		case "MessageHeader":
			if header == nil {
				r := res
				header = &r
			}
		case "OperationOutcome":
			r := res
			outcome = &r
		case "Communication":
			refID = res.ID
		}
	}
	if header == nil || header.Response == nil {
		// A bundle without a response header is a transport-level receipt.
		return &statereport.SubmissionResult{Success: true, ExternalReferenceID: refID}, nil
	}

	var detail string
	if outcome != nil {
		detail = resultFromOutcome("", outcome.Issue).ErrorMessage
	}
	switch header.Response.Code {
	case "ok":
		return &statereport.SubmissionResult{
			Success:             true,
			Acknowledged:        true,
			AcknowledgmentID:    firstNonEmpty(header.ID, reply.ID),
			ExternalReferenceID: refID,
		}, nil
	case "transient-error":
		return nil, &TransportError{Op: "fhir message response", Err: errors.New(firstNonEmpty(detail, "transient error"))}
	default:
		return &statereport.SubmissionResult{
			Success:      false,
			ErrorMessage: firstNonEmpty(detail, "registry returned "+header.Response.Code),
		}, nil
	}
}

type xmlReply struct {
	XMLName          xml.Name
	Success          string `xml:"Success"`
	Status           string `xml:"Status"`
	SubmissionID     string `xml:"SubmissionID"`
	ReferenceID      string `xml:"ReferenceID"`
	AcknowledgmentID string `xml:"AcknowledgmentID"`
	CaseID           string `xml:"CaseID"`
	Error            string `xml:"Error"`
	Message          string `xml:"Message"`
}

func parseXMLResponse(body []byte) (*statereport.SubmissionResult, error) {
	var reply xmlReply
	if err := xml.Unmarshal(body, &reply); err != nil {
		return nil, fmt.Errorf("parse xml response: %w", err)
	}
	f := registryFields{
		Status:           reply.Status,
		SubmissionID:     strings.TrimSpace(reply.SubmissionID),
		ReferenceID:      strings.TrimSpace(reply.ReferenceID),
		AcknowledgmentID: strings.TrimSpace(reply.AcknowledgmentID),
		CaseID:           strings.TrimSpace(reply.CaseID),
		Error:            strings.TrimSpace(reply.Error),
		Message:          strings.TrimSpace(reply.Message),
	}
	switch strings.ToLower(strings.TrimSpace(reply.Success)) {
	case "true":
		ok := true
		f.Success = &ok
	case "false":
		ok := false
		f.Success = &ok
	}
	return f.result(), nil
}

// parseEDIResponse reads a TA1 interchange acknowledgment or a 999
// implementation acknowledgment.
func parseEDIResponse(body []byte) (*statereport.SubmissionResult, error) {
	var (
		found   bool
		code    string
		ackID   string
		errText []string
	)
	for _, raw := range strings.Split(string(body), "~") {
		seg := strings.TrimSpace(raw)
		if seg == "" {
			continue
		}
		el := strings.Split(seg, "*")
		switch el[0] {
		case "TA1":
			// TA1*control*date*time*ack code*note code
			if len(el) > 4 {
				found = true
				ackID = el[1]
				if code == "" {
					code = el[4]
				}
				if len(el) > 5 && el[5] != "000" {
					errText = append(errText, "interchange note "+el[5])
				}
			}
		case "ST":
			if len(el) > 2 && el[1] == "999" {
				ackID = el[2]
			}
		case "IK3":
			if len(el) > 4 {
				errText = append(errText, fmt.Sprintf("segment %s error %s", el[1], el[4]))
			}
		case "IK4":
			if len(el) > 3 {
				errText = append(errText, fmt.Sprintf("element %s error %s", el[1], el[3]))
			}
		case "AK9":
			// The functional group result wins over a TA1 code.
			if len(el) > 1 {
				found = true
				code = el[1]
			}
		}
	}
	if !found {
		return nil, fmt.Errorf("parse edi response: no TA1 or AK9 segment")
	}

	switch code {
	case "A", "E", "P":
		// E and P are accepted with errors or partially accepted.
		res := &statereport.SubmissionResult{Success: true, Acknowledged: true, AcknowledgmentID: ackID}
		return res, nil
	default:
		return &statereport.SubmissionResult{
			Success:      false,
			ErrorMessage: firstNonEmpty(strings.Join(errText, "; "), "registry rejected interchange with code "+code),
		}, nil
	}
}

// resultFromHL7 maps an ACK. AA is an application accept; CA only commits
// receipt, so the application acknowledgment is still pending. CE is a
// receiver-side error worth retrying.
func resultFromHL7(msg *hl7v2.Message) (*statereport.SubmissionResult, error) {
	ack, ok := msg.Acknowledgment()
	if !ok {
		return nil, fmt.Errorf("registry reply %s has no MSA segment", msg.Type)
	}
	switch ack.Code {
	case "AA":
		return &statereport.SubmissionResult{
			SubmissionID:     ack.ControlID,
			Success:          true,
			Acknowledged:     true,
			AcknowledgmentID: msg.ControlID,
		}, nil
	case "CA":
		return &statereport.SubmissionResult{SubmissionID: ack.ControlID, Success: true}, nil
	case "CE":
		return nil, &TransportError{Op: "hl7 commit", Err: errors.New(firstNonEmpty(ack.Text, "commit error"))}
	default:
		return &statereport.SubmissionResult{
			SubmissionID: ack.ControlID,
			Success:      false,
			ErrorMessage: firstNonEmpty(ack.Text, "registry returned "+ack.Code),
		}, nil
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
