package hl7v2

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// MLLPStartBlock is the start-of-message byte (VT).
	MLLPStartBlock = 0x0B
	// MLLPEndBlock is the end-of-message byte (FS).
	MLLPEndBlock = 0x1C
	// MLLPCarriageReturn follows the end block.
	MLLPCarriageReturn = 0x0D

	mllpMaxMessageSize = 1 << 20
	mllpReadTimeout    = 30 * time.Second
)

// FrameMessage wraps data as <VT> data <FS><CR>.
func FrameMessage(data []byte) []byte {
	frame := make([]byte, 0, len(data)+3)
	frame = append(frame, MLLPStartBlock)
	frame = append(frame, data...)
	return append(frame, MLLPEndBlock, MLLPCarriageReturn)
}

// UnframeMessage extracts the first complete frame from data and returns
// the bytes after it.
func UnframeMessage(data []byte) (message []byte, rest []byte, found bool) {
	start := bytes.IndexByte(data, MLLPStartBlock)
	if start == -1 {
		return nil, data, false
	}
	end := bytes.Index(data[start+1:], []byte{MLLPEndBlock, MLLPCarriageReturn})
	if end == -1 {
		return nil, data, false
	}
	end += start + 1
	return data[start+1 : end], data[end+2:], true
}

// Send writes one framed message to addr and waits for the framed reply.
// The dial, write and read all honour ctx.
func Send(ctx context.Context, addr string, payload []byte) (*Message, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("mllp: dial %s: %w", addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	// Unblock the read if ctx is cancelled without a deadline.
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	if _, err := conn.Write(FrameMessage(payload)); err != nil {
		return nil, fmt.Errorf("mllp: write: %w", ctxErr(ctx, err))
	}

	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, err := conn.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if raw, _, ok := UnframeMessage(buf); ok {
			return Parse(raw)
		}
		if len(buf) > mllpMaxMessageSize {
			return nil, fmt.Errorf("mllp: response exceeds %d bytes", mllpMaxMessageSize)
		}
		if err != nil {
			return nil, fmt.Errorf("mllp: read response: %w", ctxErr(ctx, err))
		}
	}
}

func ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return errors.Join(ctx.Err(), err)
	}
	return err
}

// MessageHandler receives each inbound message and returns the reply to
// send, or nil for none.
type MessageHandler func(msg *Message) *Message

// MLLPServer accepts MLLP connections and dispatches messages to a handler.
type MLLPServer struct {
	addr     string
	handler  MessageHandler
	logger   zerolog.Logger
	listener net.Listener
	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	done     chan struct{}
	wg       sync.WaitGroup
}

func NewMLLPServer(addr string, handler MessageHandler, logger zerolog.Logger) *MLLPServer {
	return &MLLPServer{
		addr:    addr,
		handler: handler,
		logger:  logger.With().Str("component", "mllp").Logger(),
		conns:   make(map[net.Conn]struct{}),
		done:    make(chan struct{}),
	}
}

// Start listens and serves in the background.
func (s *MLLPServer) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("mllp: failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop()
	}()
	return nil
}

// Stop closes the listener and every open connection, then waits for the
// handlers to return.
func (s *MLLPServer) Stop() error {
	close(s.done)
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return err
}

// Addr is the bound address, useful when listening on port 0.
func (s *MLLPServer) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

func (s *MLLPServer) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
			default:
				s.logger.Error().Err(err).Msg("accept failed")
			}
			return
		}

		s.track(conn, true)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.track(conn, false)
			defer conn.Close()
			s.serve(conn)
		}()
	}
}

func (s *MLLPServer) track(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

func (s *MLLPServer) serve(conn net.Conn) {
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)

	for {
		select {
		case <-s.done:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(mllpReadTimeout))
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if len(buf) > mllpMaxMessageSize {
				s.logger.Warn().Str("remote", conn.RemoteAddr().String()).Msg("message exceeds max size, closing connection")
				return
			}
			for {
				raw, rest, found := UnframeMessage(buf)
				if !found {
					break
				}
				buf = rest
				s.dispatch(conn, raw)
			}
		}
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() && len(buf) > 0 {
				continue
			}
			return
		}
	}
}

func (s *MLLPServer) dispatch(conn net.Conn, raw []byte) {
	msg, err := Parse(raw)
	if err != nil {
		s.logger.Warn().Err(err).Msg("discarding unparseable message")
		return
	}
	resp := s.handler(msg)
	if resp == nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if _, err := conn.Write(FrameMessage(SerializeMessage(resp))); err != nil {
		s.logger.Warn().Err(err).Msg("failed to write reply")
	}
}

// GenerateACK builds an ACK for incoming with the given MSA-1 code. Sender
// and receiver are swapped and MSA-2 echoes the incoming control id.
func GenerateACK(incoming *Message, ackCode, text string) *Message {
	trigger := ""
	if parts := strings.Split(incoming.Type, "^"); len(parts) > 1 {
		trigger = parts[1]
	}

	now := time.Now().UTC()
	ts := now.Format("20060102150405")
	controlID := "ACK" + now.Format("20060102150405.000")
	field := func(v string) Field { return Field{Value: v, Components: []string{v}} }

	ack := &Message{
		Type:         "ACK^" + trigger,
		ControlID:    controlID,
		Version:      incoming.Version,
		Timestamp:    now,
		SendingApp:   incoming.ReceivingApp,
		SendingFac:   incoming.ReceivingFac,
		ReceivingApp: incoming.SendingApp,
		ReceivingFac: incoming.SendingFac,
	}
	msh := Segment{Name: "MSH", Fields: []Field{
		field("|"), field("^~\\&"),
		field(ack.SendingApp), field(ack.SendingFac),
		field(ack.ReceivingApp), field(ack.ReceivingFac),
		field(ts), field(""),
		{Value: "ACK^" + trigger, Components: []string{"ACK", trigger}},
		field(controlID), field("P"), field(incoming.Version),
	}}
	msa := Segment{Name: "MSA", Fields: []Field{
		field(ackCode), field(incoming.ControlID), field(escapeHL7(text)),
	}}
	ack.Segments = []Segment{msh, msa}
	return ack
}

// SerializeMessage renders msg with \r segment separators.
func SerializeMessage(msg *Message) []byte {
	lines := make([]string, 0, len(msg.Segments))
	for _, seg := range msg.Segments {
		lines = append(lines, serializeSegment(seg))
	}
	return []byte(strings.Join(lines, "\r"))
}

func serializeSegment(seg Segment) string {
	var b bytes.Buffer
	b.WriteString(seg.Name)
	start := 0
	if seg.Name == "MSH" {
		// Fields[0] is the separator itself.
		start = 1
	}
	for i := start; i < len(seg.Fields); i++ {
		b.WriteByte('|')
		b.WriteString(seg.Fields[i].Value)
	}
	return b.String()
}
