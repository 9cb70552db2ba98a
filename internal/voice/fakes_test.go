package voice

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shidurit/voice-agent/internal/audio"
	"github.com/shidurit/voice-agent/internal/config"
	"github.com/shidurit/voice-agent/internal/live"
	"github.com/shidurit/voice-agent/internal/tenant"
	"github.com/shidurit/voice-agent/internal/token"
)

type fakeIssuer struct {
	mu    sync.Mutex
	cred  token.Credential
	err   error
	calls int
	last  token.Request
}

func (f *fakeIssuer) Issue(ctx context.Context, req token.Request) (token.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.last = req
	if f.err != nil {
		return token.Credential{}, f.err
	}
	return f.cred, nil
}

type fakeConn struct {
	autoAck bool
	inbound chan []byte
	readErr chan error
	closed  chan struct{}
	once    sync.Once

	mu   sync.Mutex
	sent [][]byte
}

func newFakeConn(autoAck bool) *fakeConn {
	return &fakeConn{
		autoAck: autoAck,
		inbound: make(chan []byte, 64),
		readErr: make(chan error, 1),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) Send(payload []byte) error {
	select {
	case <-c.closed:
		return live.ErrConnClosed
	default:
	}

	c.mu.Lock()
	c.sent = append(c.sent, payload)
	c.mu.Unlock()

	if c.autoAck && bytes.Contains(payload, []byte(`"setup"`)) {
		c.push([]byte(`{"setupComplete":{}}`))
	}
	return nil
}

func (c *fakeConn) Read() ([]byte, error) {
	select {
	case data := <-c.inbound:
		return data, nil
	case err := <-c.readErr:
		return nil, err
	case <-c.closed:
		return nil, live.ErrConnClosed
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) push(data []byte) {
	c.inbound <- data
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) messages() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.sent...)
}

func (c *fakeConn) mediaCount() int {
	n := 0
	for _, msg := range c.messages() {
		if bytes.Contains(msg, []byte(`"realtimeInput"`)) {
			n++
		}
	}
	return n
}

type fakeDialer struct {
	autoAck bool
	err     error

	mu    sync.Mutex
	conns []*fakeConn
	keys  []string
}

func (d *fakeDialer) Dial(ctx context.Context, apiKey string) (live.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.keys = append(d.keys, apiKey)
	if d.err != nil {
		return nil, d.err
	}
	c := newFakeConn(d.autoAck)
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

type fakeStream struct {
	blocks chan []float32
	closed chan struct{}
	once   sync.Once
}

func (s *fakeStream) Read(ctx context.Context) ([]float32, error) {
	select {
	case b := <-s.blocks:
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closed:
		return nil, errors.New("stream closed")
	}
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeStream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

type fakeSource struct {
	mu      sync.Mutex
	err     error
	opens   int
	streams []*fakeStream
}

func (f *fakeSource) Open(ctx context.Context, format AudioFormat) (CaptureStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	if f.err != nil {
		return nil, f.err
	}
	s := &fakeStream{blocks: make(chan []float32), closed: make(chan struct{})}
	f.streams = append(f.streams, s)
	return s, nil
}

func (f *fakeSource) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

func (f *fakeSource) last() *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.streams) == 0 {
		return nil
	}
	return f.streams[len(f.streams)-1]
}

type fakeSink struct {
	block bool
	delay time.Duration
	err   error

	mu        sync.Mutex
	formats   []AudioFormat
	devices   []*fakeDevice
	plays     [][]float32
	active    int
	maxActive int
	cancelled int
}

func (s *fakeSink) Open(ctx context.Context, format AudioFormat) (PlaybackDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.formats = append(s.formats, format)
	if s.err != nil {
		return nil, s.err
	}
	d := &fakeDevice{sink: s}
	s.devices = append(s.devices, d)
	return d, nil
}

func (s *fakeSink) playsSnapshot() [][]float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]float32(nil), s.plays...)
}

func (s *fakeSink) cancelledCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

type fakeDevice struct {
	sink *fakeSink

	mu     sync.Mutex
	closed bool
}

func (d *fakeDevice) Play(ctx context.Context, samples []float32) error {
	s := d.sink
	s.mu.Lock()
	s.plays = append(s.plays, append([]float32(nil), samples...))
	s.active++
	if s.active > s.maxActive {
		s.maxActive = s.active
	}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.active--
		s.mu.Unlock()
	}()

	if s.block {
		<-ctx.Done()
		s.mu.Lock()
		s.cancelled++
		s.mu.Unlock()
		return ctx.Err()
	}

	select {
	case <-time.After(s.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *fakeDevice) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

type transcriptLine struct {
	speaker Speaker
	text    string
}

type harness struct {
	m      *Manager
	issuer *fakeIssuer
	dialer *fakeDialer
	source *fakeSource
	sink   *fakeSink

	mu          sync.Mutex
	transcripts []transcriptLine
}

func testConfig() *config.Config {
	return &config.Config{
		GeminiModel:             "test-model",
		CaptureSampleRate:       16000,
		CaptureBlockSize:        256,
		PlaybackSampleRate:      24000,
		VADStartSensitivity:     "START_SENSITIVITY_HIGH",
		VADEndSensitivity:       "END_SENSITIVITY_LOW",
		VADPrefixPaddingMs:      20,
		VADSilenceDurationMs:    500,
		LocalVADEnergyThreshold: 500,
		LocalVADSilenceFrames:   3,
		HandshakeTimeout:        time.Second,
		MicFailurePolicy:        config.MicPolicyDegrade,
	}
}

func newHarness(t *testing.T, cfg *config.Config, autoAck bool) *harness {
	t.Helper()
	h := &harness{
		issuer: &fakeIssuer{cred: token.Credential{APIKey: "ephemeral", Model: "live-model"}},
		dialer: &fakeDialer{autoAck: autoAck},
		source: &fakeSource{},
		sink:   &fakeSink{delay: 5 * time.Millisecond},
	}
	h.m = NewManager(cfg, Deps{
		Tenants: tenant.Static{
			DisplayName: "Acme Dental",
			PersonaName: "Noa",
			Voice:       "Kore",
			Prompt:      "Open 9 to 5.",
			Language:    "en",
		},
		Issuer: h.issuer,
		Dialer: h.dialer,
		Source: h.source,
		Sink:   h.sink,
		Transcripts: func(speaker Speaker, text string) {
			h.mu.Lock()
			h.transcripts = append(h.transcripts, transcriptLine{speaker, text})
			h.mu.Unlock()
		},
		Logger: zerolog.Nop(),
	})
	t.Cleanup(func() { _ = h.m.Close() })
	return h
}

// inspect runs fn on the event loop
func (h *harness) inspect(t *testing.T, fn func(m *Manager)) {
	t.Helper()
	if err := h.m.do(func() { fn(h.m) }); err != nil {
		t.Fatalf("inspect failed: %v", err)
	}
}

func (h *harness) transcriptLines() []transcriptLine {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]transcriptLine(nil), h.transcripts...)
}

// startConnected starts a session and waits until the microphone is open
func (h *harness) startConnected(t *testing.T) *fakeStream {
	t.Helper()
	if err := h.m.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	var opened bool
	waitFor(t, "microphone open", func() bool {
		h.inspect(t, func(m *Manager) { opened = m.capture != nil })
		return opened
	})
	return h.source.last()
}

// feed hands one block to the capture goroutine
func feed(t *testing.T, s *fakeStream, block []float32) {
	t.Helper()
	select {
	case s.blocks <- block:
	case <-time.After(2 * time.Second):
		t.Fatal("capture goroutine did not read the block")
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func constantBlock(value float32, n int) []float32 {
	block := make([]float32, n)
	for i := range block {
		block[i] = value
	}
	return block
}

// audioFrame builds a server message carrying n samples of value at 24kHz
func audioFrame(value int16, n int) []byte {
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = value
	}
	data := base64.StdEncoding.EncodeToString(audio.EncodePCM16LE(samples))
	return []byte(`{"serverContent":{"modelTurn":{"parts":[{"inlineData":{"mimeType":"audio/pcm;rate=24000","data":"` + data + `"}}]}}}`)
}
