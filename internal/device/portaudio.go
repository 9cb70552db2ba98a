// Package device binds the voice session to the default microphone and
// speaker through PortAudio.
package device

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
	"github.com/shidurit/voice-agent/internal/voice"
)

const defaultFramesPerBuffer = 1024

var errStreamClosed = errors.New("audio stream closed")

// Initialize must be called once before opening any device
func Initialize() error {
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize portaudio: %w", err)
	}
	return nil
}

// Terminate releases PortAudio
func Terminate() {
	_ = portaudio.Terminate()
}

// Microphone implements voice.AudioSource with the default input device
type Microphone struct {
	FramesPerBuffer int
}

// Open implements voice.AudioSource
func (m Microphone) Open(ctx context.Context, format voice.AudioFormat) (voice.CaptureStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	frames := m.FramesPerBuffer
	if frames <= 0 {
		frames = defaultFramesPerBuffer
	}
	buf := make([]float32, frames)

	stream, err := portaudio.OpenDefaultStream(1, 0, float64(format.SampleRate), frames, buf)
	if err != nil {
		return nil, fmt.Errorf("failed to open input stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("failed to start input stream: %w", err)
	}
	return &captureStream{stream: stream, buf: buf}, nil
}

type captureStream struct {
	mu     sync.Mutex
	stream *portaudio.Stream
	buf    []float32
	closed bool
}

func (c *captureStream) Read(ctx context.Context) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errStreamClosed
	}

	// An overflow only means samples were lost; the buffer is still valid
	if err := c.stream.Read(); err != nil && !errors.Is(err, portaudio.InputOverflowed) {
		return nil, fmt.Errorf("failed to read input stream: %w", err)
	}
	return append([]float32(nil), c.buf...), nil
}

func (c *captureStream) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	_ = c.stream.Stop()
	return c.stream.Close()
}

// Speaker implements voice.AudioSink with the default output device
type Speaker struct {
	FramesPerBuffer int
}

// Open implements voice.AudioSink
func (s Speaker) Open(ctx context.Context, format voice.AudioFormat) (voice.PlaybackDevice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	frames := s.FramesPerBuffer
	if frames <= 0 {
		frames = defaultFramesPerBuffer
	}
	buf := make([]float32, frames)

	stream, err := portaudio.OpenDefaultStream(0, 1, float64(format.SampleRate), frames, buf)
	if err != nil {
		return nil, fmt.Errorf("failed to open output stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("failed to start output stream: %w", err)
	}
	return &playbackDevice{stream: stream, buf: buf}, nil
}

type playbackDevice struct {
	mu     sync.Mutex
	stream *portaudio.Stream
	buf    []float32
	closed bool
}

// Play writes samples one device buffer at a time and stops early when ctx is cancelled
func (p *playbackDevice) Play(ctx context.Context, samples []float32) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(samples) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		if p.closed {
			return errStreamClosed
		}

		n := fillFrame(p.buf, samples)
		samples = samples[n:]
		if err := p.stream.Write(); err != nil && !errors.Is(err, portaudio.OutputUnderflowed) {
			return fmt.Errorf("failed to write output stream: %w", err)
		}
	}
	return nil
}

func (p *playbackDevice) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	_ = p.stream.Stop()
	return p.stream.Close()
}

// fillFrame copies as much of src as fits into dst, zero-padding the rest
func fillFrame(dst, src []float32) int {
	n := copy(dst, src)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
	return n
}
