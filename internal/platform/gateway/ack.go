package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/phreport/internal/domain/statereport"
	"github.com/ehr/phreport/internal/platform/auth"
	"github.com/ehr/phreport/internal/platform/hl7v2"
)

// ackActor is the audit actor for acknowledgments received over MLLP.
const ackActor = "mllp-ack-listener"

// AckRecorder records an acknowledgment against the submission it answers.
type AckRecorder interface {
	AcknowledgeSubmission(ctx context.Context, submissionID string, req *statereport.AcknowledgmentRequest) (*statereport.Report, error)
}

// AckListener accepts asynchronous HL7 application acknowledgments over
// MLLP. MSA-2 carries the control id of the original ORU, which is the
// gateway-assigned submission id. Each ACK gets a commit reply: CA when it
// was recorded, CE when it could not be, CR when it is not an ACK.
type AckListener struct {
	server   *hl7v2.MLLPServer
	recorder AckRecorder
	logger   zerolog.Logger
	timeout  time.Duration
}

func NewAckListener(addr string, recorder AckRecorder, logger zerolog.Logger) *AckListener {
	l := &AckListener{
		recorder: recorder,
		logger:   logger.With().Str("component", "ack-listener").Logger(),
		timeout:  10 * time.Second,
	}
	l.server = hl7v2.NewMLLPServer(addr, l.handle, logger)
	return l
}

func (l *AckListener) Start() error { return l.server.Start() }

func (l *AckListener) Stop() error { return l.server.Stop() }

func (l *AckListener) Addr() string { return l.server.Addr() }

func (l *AckListener) handle(msg *hl7v2.Message) *hl7v2.Message {
	ack, ok := msg.Acknowledgment()
	if !ok || ack.ControlID == "" {
		l.logger.Warn().Str("type", msg.Type).Str("control_id", msg.ControlID).Msg("ignoring non-acknowledgment message")
		return hl7v2.GenerateACK(msg, "CR", "expected an ACK with MSA-2")
	}

	req := &statereport.AcknowledgmentRequest{
		AcknowledgmentID: msg.ControlID,
		Accepted:         ack.Accepted(),
		Reason:           ack.Text,
	}
	if req.AcknowledgmentID == "" {
		req.AcknowledgmentID = ack.ControlID
	}

	ctx, cancel := context.WithTimeout(auth.WithIdentity(context.Background(), ackActor), l.timeout)
	defer cancel()
	r, err := l.recorder.AcknowledgeSubmission(ctx, ack.ControlID, req)
	if err != nil {
		log := l.logger.Warn()
		if errors.Is(err, statereport.ErrNotFound) {
			log = l.logger.Info()
		}
		log.Err(err).Str("submission_id", ack.ControlID).Str("code", ack.Code).Msg("acknowledgment not recorded")
		return hl7v2.GenerateACK(msg, "CE", "acknowledgment not recorded")
	}

	l.logger.Info().
		Str("report_id", r.ID.String()).
		Str("submission_id", ack.ControlID).
		Str("status", string(r.SubmissionStatus)).
		Msg("registry acknowledgment recorded")
	return hl7v2.GenerateACK(msg, "CA", "")
}
