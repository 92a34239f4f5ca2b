package agents

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	relay "github.com/bt-bridge/avatar-relay"
	"github.com/bt-bridge/avatar-relay/avatar"
	"github.com/bt-bridge/avatar-relay/lipsync"
	"github.com/bt-bridge/avatar-relay/shared"
	"github.com/bt-bridge/avatar-relay/tools"
)

const (
	DefaultTickInterval = 16 * time.Millisecond
	stopWait            = 2 * time.Second
)

// AudioInput is a capture device delivering mono float blocks.
type AudioInput interface {
	SampleRate() int
	Run(ctx context.Context, write func([]float32)) error
	Close() error
}

// AudioOutput opens a playback device reading from stream.
type AudioOutput func(stream *tools.Stream) (io.Closer, error)

type AvatarConfig struct {
	RelayURL     string
	AccessToken  string
	Voice        string
	Catalog      *avatar.Catalog
	Engine       avatar.Engine
	Input        AudioInput
	Output       AudioOutput
	TickInterval time.Duration
}

// AvatarAgent drives an avatar from a relay session: model audio to the
// speaker and the lip-sync synthesizer, tool calls to the dispatcher,
// transcripts to the printer and microphone audio back to the relay.
type AvatarAgent struct {
	logger  shared.LoggerAdapter
	printer *shared.Printer
	cfg     AvatarConfig

	conn    *websocket.Conn
	writeMu sync.Mutex

	stream     *tools.Stream
	output     io.Closer
	synth      *lipsync.Synthesizer
	dispatcher *avatar.Dispatcher
	capturer   *tools.Capturer
	transcript *transcript

	sessionID atomic.Value
	live      atomic.Bool
	micOnce   sync.Once

	ctx       context.Context
	cancel    context.CancelCauseFunc
	wg        sync.WaitGroup
	done      chan struct{}
	ended     chan struct{}
	endOnce   sync.Once
	closeOnce sync.Once
}

func (a *AvatarAgent) Spawn(ctx context.Context, logger shared.LoggerAdapter, cfg AvatarConfig, printer *shared.Printer) error {
	if logger == nil {
		return shared.ErrNoLogger
	}
	if cfg.RelayURL == "" {
		return shared.ErrNoConfig
	}
	if printer == nil {
		return errors.New("no printer provided")
	}
	if cfg.Catalog == nil {
		cfg.Catalog = avatar.DefaultCatalog()
	}
	if cfg.Engine == nil {
		cfg.Engine = avatar.NewHeadlessEngine(logger, lipsync.VisemeTargets()...)
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	a.logger = logger.With(zap.String("component", "avatar-agent"))
	a.printer = printer
	a.cfg = cfg
	a.transcript = newTranscript(printer)
	a.done = make(chan struct{})
	a.ended = make(chan struct{})
	a.ctx, a.cancel = context.WithCancelCause(ctx)

	a.logger.Info("spawning avatar agent")
	a.say("🤖 Spawning avatar agent...\n")

	// Checking relay health
	status, err := CheckRelay(ctx, cfg.RelayURL)
	if err != nil {
		a.logger.Error("checking relay health", err)
		a.banner(err)
		return err
	}
	if !status.Ready {
		err := fmt.Errorf("%w: relay is not ready (upstream credentials: %t)", shared.ErrSetupFailed, status.UpstreamCredentials)
		a.banner(err)
		return err
	}
	a.logger.Info("relay is ready", zap.Int("connections", status.Connections))

	// Printing the avatar vocabulary
	a.say("📋 Avatar Catalog\n")
	yamlBytes, err := yaml.Marshal(cfg.Catalog)
	if err != nil {
		a.logger.Error("marshaling catalog to yaml", err)
		return err
	}
	if err := a.printer.Write(string(yamlBytes), 1); err != nil {
		a.logger.Error("printing catalog", err)
	}

	// Avatar side: dispatcher, playback stream and lip-sync
	a.dispatcher, err = avatar.NewDispatcher(a.logger, cfg.Engine, cfg.Catalog)
	if err != nil {
		a.logger.Error("creating dispatcher", err)
		return err
	}
	a.stream = tools.NewStream(tools.StreamConfig{SampleRate: tools.DefaultPlaybackRate}, a.onPlaybackStart, a.onPlaybackEnd)
	a.synth, err = lipsync.NewSynthesizer(a.logger, cfg.Engine, a.stream.Analyser())
	if err != nil {
		a.logger.Error("creating lip-sync synthesizer", err)
		return err
	}
	if cfg.Output != nil {
		a.say("\n🔈 Opening audio output...")
		a.output, err = cfg.Output(a.stream)
		if err != nil {
			a.logger.Error("opening audio output", err)
			a.banner(err)
			return err
		}
		a.say("✅ Audio output ready.\n")
	}

	// Connecting to the relay
	a.say("🔌 Connecting to relay...")
	header := http.Header{}
	if cfg.AccessToken != "" {
		header.Set("Authorization", "Bearer "+cfg.AccessToken)
	}
	dialer := websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, cfg.RelayURL, header)
	if err != nil {
		err = fmt.Errorf("%w: dialing relay: %w", shared.ErrConnectionLost, err)
		a.logger.Error("dialing relay", err)
		a.banner(err)
		a.cancel(err)
		shared.CloseQuietly(a.logger, a.output, "audio output")
		return err
	}
	a.conn = conn
	a.say("✅ Connected.\n")

	if err := a.send(relay.NewMessage(relay.MessageStartSession, &relay.StartSession{Voice: cfg.Voice})); err != nil {
		a.logger.Error("starting session", err)
		shared.CloseQuietly(a.logger, conn, "relay link")
		return err
	}

	a.wg.Add(2)
	go a.receiveLoop()
	go a.tickLoop()
	go func() {
		a.wg.Wait()
		a.release()
		close(a.done)
	}()
	return nil
}

// Done is closed once the agent has stopped.
func (a *AvatarAgent) Done() <-chan struct{} {
	return a.done
}

// SessionID is the relay session id, once started.
func (a *AvatarAgent) SessionID() string {
	id, _ := a.sessionID.Load().(string)
	return id
}

func (a *AvatarAgent) Stream() *tools.Stream {
	return a.stream
}

func (a *AvatarAgent) Synthesizer() *lipsync.Synthesizer {
	return a.synth
}

// SendText sends a complete user turn as text.
func (a *AvatarAgent) SendText(text string) error {
	if !a.live.Load() {
		return shared.ErrNoSession
	}
	return a.send(relay.NewMessage(relay.MessageTextMessage, &relay.Text{Text: text}))
}

// Close stops the session and waits briefly for the relay to confirm.
func (a *AvatarAgent) Close() error {
	a.closeOnce.Do(func() {
		if a.conn == nil {
			return
		}
		if err := a.send(relay.NewMessage(relay.MessageStopSession, nil)); err != nil {
			a.logger.Debug("sending stop_session", zap.Error(err))
		}
		select {
		case <-a.ended:
		case <-a.done:
		case <-time.After(stopWait):
			a.logger.Warn("relay did not confirm session end")
		}
		a.cancel(shared.ErrSessionClosed)
		_ = a.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		shared.CloseQuietly(a.logger, a.conn, "relay link")
	})
	return nil
}

func (a *AvatarAgent) release() {
	if a.capturer != nil {
		a.capturer.Stop()
	}
	if a.cfg.Input != nil {
		shared.CloseQuietly(a.logger, a.cfg.Input, "microphone")
	}
	a.stream.Stop()
	shared.CloseQuietly(a.logger, a.output, "audio output")
	a.dispatcher.Close()
	a.transcript.flush()
}

func (a *AvatarAgent) send(m *relay.Message) error {
	data, err := m.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encoding %s: %w", m.Type, err)
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if err := a.ctx.Err(); err != nil {
		return context.Cause(a.ctx)
	}
	_ = a.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := a.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: writing %s: %w", shared.ErrConnectionLost, m.Type, err)
	}
	return nil
}

func (a *AvatarAgent) receiveLoop() {
	defer a.wg.Done()
	defer a.cancel(nil)
	for {
		_, data, err := a.conn.ReadMessage()
		if err != nil {
			if a.ctx.Err() == nil {
				err = fmt.Errorf("%w: %w", shared.ErrConnectionLost, err)
				a.logger.Error("reading from relay", err)
				a.banner(err)
			}
			return
		}
		m, err := relay.DecodeMessage(data)
		if err != nil {
			a.logger.Warn("dropping relay frame", zap.Error(err))
			continue
		}
		if !a.handle(m) {
			return
		}
	}
}

// handle applies one relay message. It reports false once the session is
// over.
func (a *AvatarAgent) handle(m *relay.Message) bool {
	switch p := m.Param.(type) {
	case *relay.SessionStarted:
		a.sessionID.Store(p.SessionID)
		a.logger.Info("session started", zap.String("session", p.SessionID))
		a.say("⏳ Session started, waiting for the voice service...")
	case *relay.AudioChunk:
		if _, err := a.stream.FeedBase64(p.Data); err != nil {
			a.logger.Warn("dropping audio chunk", zap.Error(err))
		}
	case *relay.Transcription:
		a.transcript.append(m.Type == relay.MessageInputTranscription, p.Text)
	case *relay.Text:
		a.transcript.note(p.Text)
	case *relay.ToolCall:
		result := a.dispatcher.Dispatch(a.ctx, p.Name, p.Args)
		a.transcript.tool(p.Name, result)
		err := a.send(relay.NewMessage(relay.MessageToolResponse, &relay.ToolResponse{ID: p.ID, Name: p.Name, Result: result}))
		if err != nil {
			a.logger.Error("sending tool response", err, zap.String("id", p.ID))
		}
	case *relay.SessionEnded:
		a.live.Store(false)
		a.transcript.flush()
		reason := p.Reason
		if reason == "" {
			reason = "ended"
		}
		a.logger.Info("session ended", zap.String("reason", reason))
		a.say(fmt.Sprintf("👋 Session %s.", reason))
		a.endOnce.Do(func() { close(a.ended) })
		return false
	case *relay.ErrorMessage:
		a.logger.Warn("relay error", zap.String("message", p.Message))
		a.banner(errors.New(p.Message))
	default:
		switch m.Type {
		case relay.MessageSetupComplete:
			a.live.Store(true)
			a.say("✅ Ready. Start talking, or type a message and press enter.\n")
			a.startMicrophone()
		case relay.MessageInterrupted:
			a.stream.Interrupt()
			a.transcript.flush()
		case relay.MessageTurnComplete:
			a.transcript.flush()
		}
	}
	return true
}

func (a *AvatarAgent) startMicrophone() {
	if a.cfg.Input == nil {
		return
	}
	a.micOnce.Do(func() {
		var err error
		a.capturer, err = tools.NewCapturer(a.logger, tools.CaptureConfig{InputRate: a.cfg.Input.SampleRate()}, func(c tools.Chunk) {
			if !a.live.Load() {
				return
			}
			if err := a.send(relay.NewMessage(relay.MessageAudioChunk, &relay.AudioChunk{Data: c.Data})); err != nil {
				a.logger.Debug("sending audio chunk", zap.Uint64("seq", c.Seq), zap.Error(err))
			}
		})
		if err != nil {
			a.logger.Error("creating capturer", err)
			return
		}
		go func() {
			if err := a.cfg.Input.Run(a.ctx, a.capturer.Write); err != nil {
				err = fmt.Errorf("%w: %w", shared.ErrMicrophoneBlocked, err)
				a.logger.Error("capturing microphone", err)
				a.banner(err)
			}
		}()
	})
}

func (a *AvatarAgent) tickLoop() {
	defer a.wg.Done()
	t := time.NewTicker(a.cfg.TickInterval)
	defer t.Stop()
	for {
		select {
		case <-a.ctx.Done():
			return
		case now := <-t.C:
			a.synth.Tick(now)
		}
	}
}

func (a *AvatarAgent) onPlaybackStart() {
	a.synth.SetSpeaking(true)
}

func (a *AvatarAgent) onPlaybackEnd() {
	a.synth.SetSpeaking(false)
}

func (a *AvatarAgent) say(s string) {
	if err := a.printer.Writeln(s, 0); err != nil {
		a.logger.Error("printing message", err)
	}
}

func (a *AvatarAgent) banner(err error) {
	if perr := a.printer.Writeln(bannerStyle.Render("⚠ "+Banner(err)), 0); perr != nil {
		a.logger.Error("printing banner", perr)
	}
}
