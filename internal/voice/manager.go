// Package voice runs one duplex voice conversation between the local
// microphone and speaker and the remote speech endpoint.
//
// A Manager owns a single event loop goroutine. Socket reads, captured
// blocks, playback completions and UI commands all arrive on that loop as
// closures, so session state needs no locking. Every asynchronous event is
// tagged with the session generation it was created under and is ignored
// once the session it belongs to has been torn down.
package voice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shidurit/voice-agent/internal/audio"
	"github.com/shidurit/voice-agent/internal/config"
	"github.com/shidurit/voice-agent/internal/live"
	"github.com/shidurit/voice-agent/internal/observability"
	"github.com/shidurit/voice-agent/internal/tenant"
	"github.com/shidurit/voice-agent/internal/token"
)

var (
	// ErrSessionActive is returned by Start unless the session is disconnected
	ErrSessionActive = errors.New("voice session already active")

	// ErrClosed is returned by controls after Close
	ErrClosed = errors.New("voice manager closed")

	// ErrHandshakeTimeout is returned when setupComplete never arrives
	ErrHandshakeTimeout = errors.New("timed out waiting for setup acknowledgment")

	// ErrStartAborted is returned by a pending Start when the session is stopped first
	ErrStartAborted = errors.New("voice session start aborted")
)

const defaultHandshakeTimeout = 10 * time.Second

// Deps are the collaborators of a Manager
type Deps struct {
	Tenants     tenant.Provider
	Issuer      token.Issuer
	Dialer      live.Dialer
	Source      AudioSource
	Sink        AudioSink
	Transcripts TranscriptSink
	Logger      zerolog.Logger
}

type queuedBuffer struct {
	pcm  []byte
	rate int
}

// Manager is the realtime voice session manager
type Manager struct {
	cfg    *config.Config
	deps   Deps
	logger zerolog.Logger

	events    chan func()
	done      chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once

	muted atomic.Bool

	statusMu sync.RWMutex
	status   Status

	// Everything below is owned by the event loop

	gen       uint64
	state     ConnState
	acked     bool
	sessionID string
	log       zerolog.Logger
	metrics   *observability.Metrics

	sessionCtx     context.Context
	cancelSession  context.CancelFunc
	pendingStart   chan error
	stopStartWatch func() bool
	handshakeTimer *time.Timer
	conn           live.Conn

	captureCancel context.CancelFunc
	capture       CaptureStream
	chunker       *audio.RingBuffer

	playback      PlaybackDevice
	playbackRate  int
	queue         []queuedBuffer
	draining      bool
	playSeq       uint64
	playCancel    context.CancelFunc
	agentSpeaking bool
	userSpeaking  bool

	failed  bool
	lastErr string
	micErr  string
}

// NewManager creates a Manager and starts its event loop
func NewManager(cfg *config.Config, deps Deps) *Manager {
	if deps.Tenants == nil {
		deps.Tenants = tenant.Static{}
	}

	logger := deps.Logger.With().Str("component", "voice").Logger()
	m := &Manager{
		cfg:      cfg,
		deps:     deps,
		logger:   logger,
		events:   make(chan func(), 64),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
		state:    StateDisconnected,
		log:      logger,
		metrics:  observability.NewSessionMetrics(""),
	}
	m.status = Status{State: StateDisconnected}

	go m.run()
	return m
}

func (m *Manager) run() {
	defer close(m.loopDone)
	for {
		select {
		case fn := <-m.events:
			fn()
		case <-m.done:
			return
		}
	}
}

// post queues fn on the event loop. It reports false once the loop has exited.
func (m *Manager) post(fn func()) bool {
	select {
	case m.events <- fn:
		return true
	case <-m.done:
		return false
	}
}

// do runs fn on the event loop and waits for it
func (m *Manager) do(fn func()) error {
	ran := make(chan struct{})
	if !m.post(func() {
		fn()
		close(ran)
	}) {
		return ErrClosed
	}
	select {
	case <-ran:
		return nil
	case <-m.loopDone:
		return ErrClosed
	}
}

// Start negotiates a new session and returns once the endpoint has
// acknowledged the setup message, or with the reason it could not.
// There is no retry: a failed start leaves the session disconnected.
func (m *Manager) Start(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := m.do(func() { m.beginStart(ctx, reply) }); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-m.loopDone:
		return ErrClosed
	}
}

// Stop tears the session down. It is safe to call at any time and any number of times.
func (m *Manager) Stop() error {
	return m.do(func() {
		if m.state != StateDisconnected {
			m.log.Info().Msg("Stop requested")
		}
		m.teardown(nil)
	})
}

// Close tears the session down and stops the event loop
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		_ = m.do(func() { m.teardown(ErrClosed) })
		close(m.done)
		<-m.loopDone
	})
	return nil
}

// ToggleMute flips the mute flag and returns the new value
func (m *Manager) ToggleMute() bool {
	for {
		old := m.muted.Load()
		if m.muted.CompareAndSwap(old, !old) {
			return !old
		}
	}
}

// SetMuted sets the mute flag
func (m *Manager) SetMuted(muted bool) {
	m.muted.Store(muted)
}

// Status returns a snapshot of the observable session state
func (m *Manager) Status() Status {
	m.statusMu.RLock()
	s := m.status
	m.statusMu.RUnlock()

	s.Muted = m.muted.Load()
	return s
}

func (m *Manager) publish() {
	s := Status{
		State:         m.state,
		Connected:     m.state == StateConnected,
		Connecting:    m.state == StateConnecting,
		AgentSpeaking: m.agentSpeaking,
		UserSpeaking:  m.userSpeaking,
		MicError:      m.micErr,
		Failed:        m.failed,
		LastError:     m.lastErr,
		SessionID:     m.sessionID,
	}

	m.statusMu.Lock()
	m.status = s
	m.statusMu.Unlock()
}

func (m *Manager) beginStart(ctx context.Context, reply chan error) {
	if m.state != StateDisconnected {
		reply <- ErrSessionActive
		return
	}

	m.gen++
	gen := m.gen
	m.state = StateConnecting
	m.acked = false
	m.failed, m.lastErr, m.micErr = false, "", ""
	m.sessionID = observability.NewSessionID()
	m.log = observability.WithSessionID(m.logger, m.sessionID)
	m.metrics = observability.NewSessionMetrics(m.sessionID)
	m.sessionCtx, m.cancelSession = context.WithCancel(context.Background())
	m.pendingStart = reply
	m.stopStartWatch = context.AfterFunc(ctx, func() {
		m.post(func() { m.onStartCancelled(gen, ctx.Err()) })
	})
	m.publish()

	m.log.Info().Msg("Starting voice session")
	go m.negotiate(m.sessionCtx, gen)
}

// negotiate runs the blocking part of Start off the event loop
func (m *Manager) negotiate(ctx context.Context, gen uint64) {
	fail := func(stage string, err error) {
		m.post(func() { m.failStart(gen, stage, err) })
	}

	t, err := m.deps.Tenants.Tenant(ctx)
	if err != nil {
		fail("tenant", fmt.Errorf("failed to load tenant config: %w", err))
		return
	}
	instruction, err := t.SystemInstruction()
	if err != nil {
		fail("tenant", err)
		return
	}

	if m.deps.Issuer == nil {
		fail("token", errors.New("no token issuer configured"))
		return
	}
	cred, err := m.deps.Issuer.Issue(ctx, token.Request{
		SystemPrompt: instruction,
		PersonaName:  t.PersonaName,
		CompanyName:  t.DisplayName,
	})
	if err != nil {
		fail("token", fmt.Errorf("failed to obtain session credential: %w", err))
		return
	}

	model := cred.Model
	if model == "" {
		model = m.cfg.GeminiModel
	}
	setup, err := live.BuildSetupMessage(live.SetupConfig{
		Model:             model,
		Voice:             t.Voice,
		SystemInstruction: instruction,
		StartSensitivity:  m.cfg.VADStartSensitivity,
		EndSensitivity:    m.cfg.VADEndSensitivity,
		PrefixPaddingMs:   m.cfg.VADPrefixPaddingMs,
		SilenceDurationMs: m.cfg.VADSilenceDurationMs,
	})
	if err != nil {
		fail("setup", err)
		return
	}

	if m.deps.Dialer == nil {
		fail("dial", errors.New("no dialer configured"))
		return
	}
	conn, err := m.deps.Dialer.Dial(ctx, cred.APIKey)
	if err != nil {
		fail("dial", err)
		return
	}
	if err := conn.Send(setup); err != nil {
		_ = conn.Close()
		fail("setup", fmt.Errorf("failed to send setup message: %w", err))
		return
	}

	if !m.post(func() { m.onConnOpened(gen, conn) }) {
		_ = conn.Close()
	}
}

func (m *Manager) onConnOpened(gen uint64, conn live.Conn) {
	if gen != m.gen || m.state != StateConnecting {
		_ = conn.Close()
		return
	}

	m.conn = conn
	timeout := m.cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	m.handshakeTimer = time.AfterFunc(timeout, func() {
		m.post(func() { m.onHandshakeTimeout(gen) })
	})

	m.log.Debug().Msg("Socket open, setup sent")
	go m.readLoop(gen, conn, m.log)
}

func (m *Manager) readLoop(gen uint64, conn live.Conn, logger zerolog.Logger) {
	for {
		data, err := conn.Read()
		if err != nil {
			m.post(func() { m.onConnClosed(gen, err) })
			return
		}

		msg, err := live.ParseServerMessage(data)
		if err != nil {
			logger.Debug().Err(err).Int("bytes", len(data)).Msg("Ignoring unparseable message")
			continue
		}
		if msg.Empty() {
			continue
		}
		if !m.post(func() { m.onServerMessage(gen, msg) }) {
			return
		}
	}
}

func (m *Manager) onServerMessage(gen uint64, msg live.ServerMessage) {
	if gen != m.gen || m.conn == nil {
		return
	}

	if msg.SetupComplete {
		m.onSetupComplete()
	}
	if msg.Interrupted {
		m.interrupt()
	}
	for _, p := range msg.Parts {
		if p.IsAudio() {
			if !m.acked {
				m.log.Debug().Int("bytes", len(p.Audio)).Msg("Dropping audio received before setup acknowledgment")
				continue
			}
			m.enqueue(p.Audio, p.MIMEType)
		} else {
			m.emitTranscript(SpeakerAssistant, p.Text)
		}
	}
	if msg.OutputTranscription != "" {
		m.emitTranscript(SpeakerAssistantTranscript, msg.OutputTranscription)
	}
	if msg.InputTranscription != "" {
		m.emitTranscript(SpeakerUserTranscript, msg.InputTranscription)
	}
	if msg.TurnComplete {
		m.log.Debug().Msg("Turn complete")
	}
	if msg.GoAway {
		m.log.Warn().Msg("Speech endpoint is about to close the session")
	}

	m.drain()
	m.publish()
}

func (m *Manager) onSetupComplete() {
	if m.state != StateConnecting || m.acked {
		return
	}

	m.acked = true
	m.state = StateConnected
	if m.handshakeTimer != nil {
		m.handshakeTimer.Stop()
		m.handshakeTimer = nil
	}
	m.metrics.RecordConnected()
	m.log.Info().Msg("Voice session connected")

	m.replyStart(nil)
	m.startCapture()
}

func (m *Manager) replyStart(err error) {
	if m.stopStartWatch != nil {
		m.stopStartWatch()
		m.stopStartWatch = nil
	}
	if m.pendingStart != nil {
		m.pendingStart <- err
		m.pendingStart = nil
	}
}

func (m *Manager) failStart(gen uint64, stage string, err error) {
	if gen != m.gen || m.state != StateConnecting {
		return
	}

	m.log.Error().Err(err).Str("stage", stage).Msg("Voice session start failed")
	m.metrics.RecordStartFailure(stage)
	m.metrics.RecordError(stage, "session")
	m.failed = true
	m.lastErr = err.Error()
	m.teardown(err)
}

func (m *Manager) onStartCancelled(gen uint64, err error) {
	if gen != m.gen || m.state != StateConnecting {
		return
	}

	m.log.Warn().Err(err).Msg("Voice session start cancelled")
	m.metrics.RecordStartFailure("cancelled")
	m.lastErr = err.Error()
	m.teardown(err)
}

func (m *Manager) onHandshakeTimeout(gen uint64) {
	m.failStart(gen, "handshake", ErrHandshakeTimeout)
}

func (m *Manager) onConnClosed(gen uint64, err error) {
	if gen != m.gen || m.conn == nil {
		return
	}
	if m.state == StateConnecting {
		m.failStart(gen, "handshake", fmt.Errorf("socket closed before setup acknowledgment: %w", err))
		return
	}

	if errors.Is(err, live.ErrConnClosed) {
		m.log.Info().Msg("Speech endpoint closed the session")
	} else {
		m.log.Error().Err(err).Msg("Speech endpoint socket error")
		m.metrics.RecordError("socket", "live")
		m.failed = true
		m.lastErr = err.Error()
	}
	m.teardown(nil)
}

// teardown releases every session resource. Each step is a no-op when its
// handle is already nil, so repeated calls are harmless. A pending Start
// receives startErr, or ErrStartAborted when startErr is nil.
func (m *Manager) teardown(startErr error) {
	m.releaseCapture()

	if m.playCancel != nil {
		m.playCancel()
		m.playCancel = nil
	}
	if m.playback != nil {
		if err := m.playback.Close(); err != nil {
			m.log.Warn().Err(err).Msg("Failed to close playback device")
		}
		m.playback = nil
		m.playbackRate = 0
	}

	if m.handshakeTimer != nil {
		m.handshakeTimer.Stop()
		m.handshakeTimer = nil
	}
	if m.conn != nil {
		if err := m.conn.Close(); err != nil {
			m.log.Warn().Err(err).Msg("Failed to close socket")
		}
		m.conn = nil
	}
	if m.cancelSession != nil {
		m.cancelSession()
		m.cancelSession = nil
	}

	m.queue = nil
	m.draining = false
	m.playSeq++
	m.agentSpeaking = false
	m.userSpeaking = false
	m.acked = false

	wasActive := m.state != StateDisconnected
	m.gen++
	m.state = StateDisconnected
	if wasActive {
		m.metrics.RecordSessionEnd()
		m.log.Info().Msg("Voice session ended")
	}
	m.publish()

	if startErr == nil {
		startErr = ErrStartAborted
	}
	m.replyStart(startErr)
}
