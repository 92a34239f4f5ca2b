package relay

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/bt-bridge/avatar-relay/shared"
	"github.com/bt-bridge/avatar-relay/upstream"
)

const (
	DefaultOutboxLimit  = 1024
	DefaultSendLimit    = 256
	DefaultReadLimit    = 1 << 20
	DefaultWriteTimeout = 10 * time.Second
	DefaultPongWait     = 60 * time.Second
)

// Session outcomes, used as metric labels.
const (
	outcomeStopped     = "stopped"
	outcomeReplaced    = "replaced"
	outcomeUpstream    = "upstream_closed"
	outcomeSetupFailed = "setup_failed"
	outcomeSendFailed  = "send_failed"
	outcomeBacklog     = "backlog"
	outcomeClientGone  = "client_gone"
)

// ConnectionConfig carries what every Connection shares.
type ConnectionConfig struct {
	Dialer       upstream.Dialer
	Upstream     upstream.Config
	DefaultVoice string
	// OutputRate is the sample rate of model audio, for turn accounting.
	OutputRate   int
	OutboxLimit  int
	// SendLimit bounds client actions waiting for the upstream link.
	SendLimit    int
	ReadLimit    int64
	WriteTimeout time.Duration
	PongWait     time.Duration
}

func (c ConnectionConfig) withDefaults() ConnectionConfig {
	if c.OutboxLimit <= 0 {
		c.OutboxLimit = DefaultOutboxLimit
	}
	if c.SendLimit <= 0 {
		c.SendLimit = DefaultSendLimit
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = DefaultReadLimit
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.PongWait <= 0 {
		c.PongWait = DefaultPongWait
	}
	if c.OutputRate <= 0 {
		c.OutputRate = upstream.GeminiOutputRate
	}
	return c
}

// Loop inputs. Everything that touches the Session arrives as one of these.
type (
	clientFrame struct {
		data []byte
	}
	clientGone struct {
		err error
	}
	dialResult struct {
		sessionID string
		up        upstream.Session
		err       error
	}
	upstreamEvent struct {
		sessionID string
		ev        upstream.Event
	}
	upstreamDone struct {
		sessionID string
	}
	sendFailed struct {
		sessionID string
		err       error
	}
)

// Connection is one client link. A single loop goroutine owns the current
// Session; reader, writer, pump and dial goroutines talk to it through
// the inbox.
type Connection struct {
	ID string

	logger shared.LoggerAdapter
	cfg    ConnectionConfig
	conn   *websocket.Conn
	outbox *Outbox
	inbox  chan any

	session *Session
	sender  *sender

	wg   sync.WaitGroup
	done chan struct{}
}

func NewConnection(logger shared.LoggerAdapter, conn *websocket.Conn, cfg ConnectionConfig) (*Connection, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if cfg.Dialer == nil {
		return nil, shared.ErrNoDialer
	}
	if conn == nil {
		return nil, errors.New("no client connection provided")
	}
	cfg = cfg.withDefaults()
	id := uuid.NewString()
	return &Connection{
		ID:     id,
		logger: logger.With(zap.String("component", "connection"), zap.String("connection", id)),
		cfg:    cfg,
		conn:   conn,
		outbox: NewOutbox(cfg.OutboxLimit),
		inbox:  make(chan any, 64),
		done:   make(chan struct{}),
	}, nil
}

// Done is closed once Run has returned and the link is released.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Run serves the link until the client goes away or ctx is cancelled.
func (c *Connection) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer close(c.done)
	defer cancel(nil)

	c.conn.SetReadLimit(c.cfg.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	c.wg.Add(3)
	go c.readLoop(ctx)
	go c.writeLoop(cancel)
	go c.pingLoop(ctx)

	c.logger.Info("connection opened", zap.String("remote", c.conn.RemoteAddr().String()))
	err := c.loop(ctx)
	c.teardown(err)
	cancel(err)
	c.wg.Wait()
	c.drain()
	c.logger.Info("connection closed", zap.NamedError("cause", err))
	if errors.Is(err, errClientGone) {
		return nil
	}
	return err
}

var errClientGone = errors.New("client disconnected")

func (c *Connection) loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case in := <-c.inbox:
			switch v := in.(type) {
			case clientFrame:
				c.handleClient(ctx, v.data)
			case clientGone:
				c.logger.Debug("client read ended", zap.Error(v.err))
				return errClientGone
			case dialResult:
				c.handleDial(ctx, v)
			case upstreamEvent:
				if s := c.current(v.sessionID); s != nil {
					c.relayUpstream(s, v.ev)
				}
			case upstreamDone:
				if s := c.current(v.sessionID); s != nil && !s.Ended() {
					c.endSession(outcomeUpstream, "upstream closed", true)
				}
			case sendFailed:
				if s := c.current(v.sessionID); s != nil && !s.Ended() {
					c.logger.Warn("upstream send failed", zap.String("session", v.sessionID), zap.Error(v.err))
					c.endSession(outcomeSendFailed, "upstream connection lost", true)
				}
			}
		}
	}
}

// current returns the Session with the given id if it is still the
// connection's session.
func (c *Connection) current(id string) *Session {
	if c.session == nil || c.session.ID != id {
		return nil
	}
	return c.session
}

// post hands v to the loop, giving up once the connection is done.
func (c *Connection) post(ctx context.Context, v any) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case c.inbox <- v:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Connection) readLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			c.post(ctx, clientGone{err: err})
			return
		}
		if kind != websocket.TextMessage {
			c.logger.Debug("ignoring non-text frame", zap.Int("kind", kind))
			continue
		}
		if !c.post(ctx, clientFrame{data: data}) {
			return
		}
	}
}

// writeLoop is the only writer of data frames. It drains the outbox after
// Close and then closes the link.
func (c *Connection) writeLoop(cancel context.CancelCauseFunc) {
	defer c.wg.Done()
	defer func() {
		deadline := time.Now().Add(time.Second)
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		if err := c.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			c.logger.Debug("closing client link", zap.Error(err))
		}
	}()
	failed := false
	for {
		kind, data, ok := c.outbox.Pop()
		if !ok {
			return
		}
		if failed {
			continue
		}
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			c.logger.Debug("client write failed", zap.String("type", string(kind)), zap.Error(err))
			failed = true
			cancel(fmt.Errorf("writing to client: %w", err))
		}
	}
}

func (c *Connection) pingLoop(ctx context.Context) {
	defer c.wg.Done()
	t := time.NewTicker(c.cfg.PongWait * 9 / 10)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				c.logger.Debug("ping failed", zap.Error(err))
				return
			}
		}
	}
}

// drain closes upstream sessions whose dial results reached the inbox after
// the loop stopped. Every poster has exited by now.
func (c *Connection) drain() {
	for {
		select {
		case in := <-c.inbox:
			if r, ok := in.(dialResult); ok && r.up != nil {
				shared.CloseQuietly(c.logger, r.up, "unclaimed upstream session")
			}
		default:
			return
		}
	}
}

func (c *Connection) teardown(cause error) {
	if c.session != nil && !c.session.Ended() {
		notify := !errors.Is(cause, errClientGone)
		reason := "client disconnected"
		outcome := outcomeClientGone
		if notify {
			reason = "connection closing"
			outcome = outcomeStopped
		}
		c.endSession(outcome, reason, notify)
	}
	c.outbox.Close()
}

// send queues m for the client. A full outbox means the client stopped
// reading; the link is dropped.
func (c *Connection) send(m *Message) {
	data, err := m.MarshalJSON()
	if err != nil {
		c.logger.Error("encoding client message", err, zap.String("type", string(m.Type)))
		return
	}
	if !c.outbox.Push(m.Type, data) {
		if c.outbox.Len() >= c.cfg.OutboxLimit {
			c.logger.Warn("client outbox full, dropping link", zap.Int("limit", c.cfg.OutboxLimit))
			c.outbox.Close()
		}
	}
}

func (c *Connection) sendError(category string, err error) {
	shared.ClientErrorsTotal.WithLabelValues(category).Inc()
	c.send(NewMessage(MessageError, &ErrorMessage{Message: err.Error()}))
}

func (c *Connection) handleClient(ctx context.Context, data []byte) {
	m, err := DecodeMessage(data)
	if err != nil {
		c.logger.Warn("rejecting client frame", zap.Error(err))
		c.sendError("parse", err)
		return
	}
	switch p := m.Param.(type) {
	case *StartSession:
		c.startSession(ctx, p.Voice)
	case *AudioChunk:
		s := c.live()
		if s == nil {
			return
		}
		pcm, err := base64.StdEncoding.DecodeString(p.Data)
		if err != nil {
			c.sendError("parse", fmt.Errorf("%w: audio_chunk: invalid base64 data", shared.ErrMalformedMessage))
			return
		}
		shared.AudioChunksTotal.WithLabelValues(shared.DirectionUp).Inc()
		shared.AudioBytesTotal.WithLabelValues(shared.DirectionUp).Add(float64(len(pcm)))
		c.forward(upstreamSend{audio: pcm})
	case *Text:
		if m.Type != MessageTextMessage {
			c.sendError("parse", fmt.Errorf("%w: %q", shared.ErrUnknownMessage, m.Type))
			return
		}
		if s := c.live(); s != nil {
			c.forward(upstreamSend{text: p.Text})
		}
	case *ToolResponse:
		s := c.live()
		if s == nil {
			return
		}
		name, ok := s.ResolveToolCall(p.ID)
		if !ok {
			c.logger.Warn("tool response for unknown call", zap.String("id", p.ID), zap.String("name", p.Name))
			name = p.Name
		}
		c.forward(upstreamSend{tool: &upstream.ToolResponse{ID: p.ID, Name: name, Result: p.Result}})
	default:
		switch m.Type {
		case MessageStopSession:
			if c.session != nil && !c.session.Ended() {
				c.endSession(outcomeStopped, "stopped", true)
			}
		default:
			c.sendError("parse", fmt.Errorf("%w: %q is not a client message", shared.ErrUnknownMessage, m.Type))
		}
	}
}

// forward queues op for the upstream link. A full backlog means the upstream
// stopped draining; the session is ended.
func (c *Connection) forward(op upstreamSend) {
	if c.sender == nil || c.sender.enqueue(op) {
		return
	}
	c.logger.Warn("upstream backlog full, ending session", zap.Int("limit", c.cfg.SendLimit))
	c.endSession(outcomeBacklog, "upstream backlog full", true)
}

// live returns the session if it accepts client traffic.
func (c *Connection) live() *Session {
	if c.session == nil || !c.session.Live() {
		return nil
	}
	return c.session
}

// startSession replaces any current session and dials a new upstream in
// the background.
func (c *Connection) startSession(ctx context.Context, voice string) {
	if c.session != nil && !c.session.Ended() {
		c.endSession(outcomeReplaced, "replaced", true)
	}
	if voice == "" {
		voice = c.cfg.DefaultVoice
	}
	s := NewSession(c.logger, uuid.NewString(), voice, c.cfg.OutputRate)
	if err := s.Begin(); err != nil {
		c.logger.Error("starting session", err)
		return
	}
	c.session = s
	c.sender = nil

	cfg := c.cfg.Upstream
	cfg.Voice = voice
	c.logger.Info("dialing upstream", zap.String("session", s.ID), zap.String("voice", voice))
	c.wg.Add(1)
	go func(id string) {
		defer c.wg.Done()
		up, err := c.cfg.Dialer.Dial(ctx, cfg)
		if !c.post(ctx, dialResult{sessionID: id, up: up, err: err}) && up != nil {
			shared.CloseQuietly(c.logger, up, "upstream session")
		}
	}(s.ID)
}

func (c *Connection) handleDial(ctx context.Context, r dialResult) {
	s := c.current(r.sessionID)
	if s == nil || s.State() != StateStarting {
		c.logger.Debug("discarding stale dial", zap.String("session", r.sessionID))
		if r.up != nil {
			shared.CloseQuietly(c.logger, r.up, "stale upstream session")
		}
		return
	}
	if r.err != nil {
		c.logger.Error("upstream setup failed", r.err, zap.String("session", s.ID))
		_ = s.Fail(r.err)
		shared.SessionsTotal.WithLabelValues(outcomeSetupFailed).Inc()
		c.sendError("setup", fmt.Errorf("%w: %w", shared.ErrSetupFailed, r.err))
		c.send(NewMessage(MessageSessionEnded, &SessionEnded{Reason: shared.ErrSetupFailed.Error()}))
		return
	}
	if err := s.Attach(r.up); err != nil {
		c.logger.Error("attaching upstream", err, zap.String("session", s.ID))
		shared.CloseQuietly(c.logger, r.up, "upstream session")
		return
	}
	snd := newSender(c.logger.With(zap.String("session", s.ID)), r.up, c.cfg.SendLimit)
	c.sender = snd
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		if err := snd.run(); err != nil {
			c.post(ctx, sendFailed{sessionID: s.ID, err: err})
		}
	}()
	go func() {
		defer c.wg.Done()
		c.pump(ctx, s.ID, r.up)
	}()
	c.send(NewMessage(MessageSessionStarted, &SessionStarted{SessionID: s.ID}))
}

// pump forwards upstream events to the loop until the session ends.
func (c *Connection) pump(ctx context.Context, id string, up upstream.Session) {
	for ev := range up.Events() {
		if !c.post(ctx, upstreamEvent{sessionID: id, ev: ev}) {
			return
		}
	}
	c.post(ctx, upstreamDone{sessionID: id})
}

// endSession stops the current session. notify sends session_ended.
func (c *Connection) endSession(outcome, reason string, notify bool) {
	s := c.session
	if s == nil || !s.Stop(reason) {
		return
	}
	if c.sender != nil {
		c.sender.stop()
		c.sender = nil
	}
	shared.SessionsTotal.WithLabelValues(outcome).Inc()
	c.logger.Info("session ended", zap.String("session", s.ID), zap.String("outcome", outcome), zap.String("reason", reason))
	if notify {
		c.send(NewMessage(MessageSessionEnded, &SessionEnded{Reason: reason}))
	}
}
