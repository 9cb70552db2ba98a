package voice

import (
	"context"
	"errors"

	"github.com/shidurit/voice-agent/internal/audio"
)

func (m *Manager) enqueue(pcm []byte, mimeType string) {
	rate := audio.ParseSampleRate(mimeType, m.cfg.PlaybackSampleRate)
	if rate <= 0 {
		rate = audio.OutputSampleRate
	}
	m.queue = append(m.queue, queuedBuffer{pcm: pcm, rate: rate})
	m.metrics.RecordAudioBytes("in", int64(len(pcm)))
}

// drain starts playing the queue unless it is empty or already draining
func (m *Manager) drain() {
	if m.draining || len(m.queue) == 0 {
		return
	}
	m.draining = true
	m.playNext()
}

// playNext pops the head of the queue and plays it. Only the completion of
// this buffer may advance the queue.
func (m *Manager) playNext() {
	if len(m.queue) == 0 {
		m.draining = false
		m.agentSpeaking = false
		return
	}

	buf := m.queue[0]
	m.queue[0] = queuedBuffer{}
	m.queue = m.queue[1:]

	if m.playback == nil {
		if err := m.openPlayback(buf.rate); err != nil {
			m.log.Error().Err(err).Msg("Failed to open playback device, dropping queued audio")
			m.metrics.RecordError("playback", "sink")
			m.queue = nil
			m.draining = false
			m.agentSpeaking = false
			return
		}
	}

	samples := audio.PCMBytesToFloat(buf.pcm)
	if buf.rate != m.playbackRate {
		samples = audio.Resample(samples, buf.rate, m.playbackRate)
	}

	m.playSeq++
	gen, seq, dev := m.gen, m.playSeq, m.playback
	ctx, cancel := context.WithCancel(m.sessionCtx)
	m.playCancel = cancel
	m.agentSpeaking = true

	go func() {
		err := dev.Play(ctx, samples)
		cancel()
		m.post(func() { m.onPlaybackDone(gen, seq, err) })
	}()
}

func (m *Manager) openPlayback(rate int) error {
	if m.deps.Sink == nil {
		return errors.New("no audio sink configured")
	}
	dev, err := m.deps.Sink.Open(m.sessionCtx, AudioFormat{SampleRate: rate, Channels: 1})
	if err != nil {
		return err
	}
	m.playback = dev
	m.playbackRate = rate
	m.log.Debug().Int("sample_rate", rate).Msg("Playback device open")
	return nil
}

func (m *Manager) onPlaybackDone(gen, seq uint64, err error) {
	if gen != m.gen || seq != m.playSeq || !m.draining {
		return
	}

	m.playCancel = nil
	if err != nil && !errors.Is(err, context.Canceled) {
		m.log.Warn().Err(err).Msg("Playback failed")
		m.metrics.RecordError("playback", "sink")
	} else {
		m.metrics.RecordPlayback()
	}

	m.playNext()
	m.publish()
}

// interrupt handles barge-in: queued audio is dropped and the buffer being
// played is cancelled mid-way
func (m *Manager) interrupt() {
	if m.playCancel != nil {
		m.playCancel()
		m.playCancel = nil
	}
	m.playSeq++
	m.queue = nil
	m.draining = false
	m.agentSpeaking = false

	m.metrics.RecordInterruption()
	m.log.Debug().Msg("Playback interrupted")
}

func (m *Manager) emitTranscript(speaker Speaker, text string) {
	m.metrics.RecordTranscript(string(speaker))
	if m.deps.Transcripts != nil {
		m.deps.Transcripts(speaker, text)
	}
}
