package voice

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shidurit/voice-agent/internal/audio"
	"github.com/shidurit/voice-agent/internal/config"
	"github.com/shidurit/voice-agent/internal/live"
)

func (m *Manager) blockSize() int {
	if m.cfg.CaptureBlockSize > 0 {
		return m.cfg.CaptureBlockSize
	}
	return 4096
}

func (m *Manager) startCapture() {
	ctx, cancel := context.WithCancel(m.sessionCtx)
	m.captureCancel = cancel
	m.chunker = audio.NewRingBuffer(m.blockSize()*2 + 1)

	go m.captureLoop(ctx, m.gen, m.chunker, m.log)
}

// releaseCapture stops the capture goroutine and closes the microphone
func (m *Manager) releaseCapture() {
	if m.captureCancel != nil {
		m.captureCancel()
		m.captureCancel = nil
	}
	if m.chunker != nil {
		m.chunker.Clear()
		m.chunker = nil
	}
	if m.capture != nil {
		if err := m.capture.Close(); err != nil {
			m.log.Warn().Err(err).Msg("Failed to close microphone")
		}
		m.capture = nil
	}
	m.userSpeaking = false
}

// captureLoop reads the microphone, resamples to the wire rate and emits
// fixed-size blocks to the event loop
func (m *Manager) captureLoop(ctx context.Context, gen uint64, chunker *audio.RingBuffer, logger zerolog.Logger) {
	fail := func(err error) {
		m.post(func() { m.onMicFailure(gen, err) })
	}

	if m.deps.Source == nil {
		fail(errors.New("no audio source configured"))
		return
	}

	format := AudioFormat{
		SampleRate:       m.cfg.CaptureSampleRate,
		Channels:         1,
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
	}
	if format.SampleRate <= 0 {
		format.SampleRate = audio.InputSampleRate
	}

	stream, err := m.deps.Source.Open(ctx, format)
	if err != nil {
		if ctx.Err() == nil {
			fail(fmt.Errorf("failed to open microphone: %w", err))
		}
		return
	}
	if !m.post(func() { m.onMicOpened(gen, stream) }) {
		_ = stream.Close()
		return
	}

	vad := audio.NewVADDetector(&audio.VADConfig{
		EnergyThreshold: m.cfg.LocalVADEnergyThreshold,
		SilenceFrames:   m.cfg.LocalVADSilenceFrames,
	})
	size := m.blockSize()

	logger.Debug().Int("sample_rate", format.SampleRate).Int("block_size", size).Msg("Capture started")
	for {
		samples, err := stream.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				fail(fmt.Errorf("microphone read failed: %w", err))
			}
			return
		}

		samples = audio.Resample(samples, format.SampleRate, audio.InputSampleRate)
		for len(samples) > 0 {
			n := chunker.Write(samples)
			samples = samples[n:]

			for block := chunker.NextBlock(size); block != nil; block = chunker.NextBlock(size) {
				pcm := audio.FloatToPCM16(block)
				speaking, _, _ := vad.ProcessFrame(pcm)
				if !m.post(func() { m.onCaptureBlock(gen, pcm, speaking) }) {
					return
				}
			}
			if n == 0 {
				break
			}
		}
	}
}

func (m *Manager) onMicOpened(gen uint64, stream CaptureStream) {
	if gen != m.gen || m.captureCancel == nil {
		_ = stream.Close()
		return
	}
	m.capture = stream
	m.log.Info().Msg("Microphone open")
}

// onCaptureBlock transmits one block if the socket is open, the handshake
// is acknowledged and the user is not muted. Otherwise the block is dropped.
func (m *Manager) onCaptureBlock(gen uint64, pcm []int16, speaking bool) {
	if gen != m.gen {
		return
	}

	muted := m.muted.Load()
	speaking = speaking && !muted
	if speaking != m.userSpeaking {
		m.userSpeaking = speaking
		m.publish()
	}

	if m.conn == nil || !m.acked || muted {
		m.metrics.RecordCaptureBlock(false)
		return
	}

	data := audio.EncodePCM16LE(pcm)
	payload, err := live.BuildMediaChunkMessage(data)
	if err != nil {
		m.log.Error().Err(err).Msg("Failed to encode capture block")
		m.metrics.RecordCaptureBlock(false)
		return
	}
	if err := m.conn.Send(payload); err != nil {
		if errors.Is(err, live.ErrQueueFull) {
			m.log.Debug().Msg("Outbound queue full, dropping capture block")
		}
		m.metrics.RecordCaptureBlock(false)
		return
	}

	m.metrics.RecordCaptureBlock(true)
	m.metrics.RecordAudioBytes("out", int64(len(data)))
}

func (m *Manager) onMicFailure(gen uint64, err error) {
	if gen != m.gen || m.state != StateConnected {
		return
	}

	m.metrics.RecordError("microphone", "capture")
	m.micErr = err.Error()

	if m.cfg.MicFailurePolicy == config.MicPolicyAbort {
		m.log.Error().Err(err).Msg("Microphone failed, ending session")
		m.failed = true
		m.lastErr = err.Error()
		m.teardown(nil)
		return
	}

	m.log.Error().Err(err).Msg("Microphone failed, session continues receive-only")
	m.releaseCapture()
	m.publish()
}
