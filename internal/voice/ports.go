package voice

import "context"

// AudioFormat describes a capture or playback stream
type AudioFormat struct {
	SampleRate int
	Channels   int

	// Capture processing hints; sinks ignore them
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// AudioSource opens the microphone
type AudioSource interface {
	Open(ctx context.Context, format AudioFormat) (CaptureStream, error)
}

// CaptureStream yields blocks of normalized mono samples at the requested rate
type CaptureStream interface {
	Read(ctx context.Context) ([]float32, error)
	Close() error
}

// AudioSink opens the speaker
type AudioSink interface {
	Open(ctx context.Context, format AudioFormat) (PlaybackDevice, error)
}

// PlaybackDevice renders one buffer at a time. Play returns when the buffer
// has finished playing or ctx is cancelled.
type PlaybackDevice interface {
	Play(ctx context.Context, samples []float32) error
	Close() error
}

// Speaker tags the stream a transcript fragment came from
type Speaker string

const (
	SpeakerAssistant           Speaker = "assistant"
	SpeakerAssistantTranscript Speaker = "assistant_transcript"
	SpeakerUserTranscript      Speaker = "user_transcript"
)

// TranscriptSink receives transcript text as it becomes available. It is
// called from the session event loop and must not block.
type TranscriptSink func(speaker Speaker, text string)
