// Package live speaks the bidirectional streaming protocol of the generative
// speech endpoint: one setup message, realtime audio chunks upstream, and
// server content (audio, text, transcriptions, barge-in) downstream.
package live

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shidurit/voice-agent/internal/audio"
)

// SetupConfig holds the session parameters sent in the setup message
type SetupConfig struct {
	Model             string
	Voice             string
	SystemInstruction string

	// Remote activity detection
	StartSensitivity  string
	EndSensitivity    string
	PrefixPaddingMs   int
	SilenceDurationMs int
}

type setupEnvelope struct {
	Setup setupBody `json:"setup"`
}

type setupBody struct {
	Model                    string               `json:"model"`
	GenerationConfig         generationConfig     `json:"generationConfig"`
	SystemInstruction        *content             `json:"systemInstruction,omitempty"`
	RealtimeInputConfig      *realtimeInputConfig `json:"realtimeInputConfig,omitempty"`
	InputAudioTranscription  *struct{}            `json:"inputAudioTranscription"`
	OutputAudioTranscription *struct{}            `json:"outputAudioTranscription"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type realtimeInputConfig struct {
	AutomaticActivityDetection activityDetection `json:"automaticActivityDetection"`
}

type activityDetection struct {
	StartOfSpeechSensitivity string `json:"startOfSpeechSensitivity,omitempty"`
	EndOfSpeechSensitivity   string `json:"endOfSpeechSensitivity,omitempty"`
	PrefixPaddingMs          int    `json:"prefixPaddingMs,omitempty"`
	SilenceDurationMs        int    `json:"silenceDurationMs,omitempty"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// BuildSetupMessage encodes the single setup message that opens a session
func BuildSetupMessage(cfg SetupConfig) ([]byte, error) {
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		return nil, fmt.Errorf("setup requires a model")
	}
	if !strings.HasPrefix(model, "models/") {
		model = "models/" + model
	}

	body := setupBody{
		Model: model,
		GenerationConfig: generationConfig{
			ResponseModalities: []string{"AUDIO"},
		},
		InputAudioTranscription:  &struct{}{},
		OutputAudioTranscription: &struct{}{},
	}
	if cfg.Voice != "" {
		body.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice}},
		}
	}
	if cfg.SystemInstruction != "" {
		body.SystemInstruction = &content{Parts: []part{{Text: cfg.SystemInstruction}}}
	}
	if cfg.StartSensitivity != "" || cfg.EndSensitivity != "" || cfg.PrefixPaddingMs > 0 || cfg.SilenceDurationMs > 0 {
		body.RealtimeInputConfig = &realtimeInputConfig{
			AutomaticActivityDetection: activityDetection{
				StartOfSpeechSensitivity: cfg.StartSensitivity,
				EndOfSpeechSensitivity:   cfg.EndSensitivity,
				PrefixPaddingMs:          cfg.PrefixPaddingMs,
				SilenceDurationMs:        cfg.SilenceDurationMs,
			},
		}
	}

	data, err := json.Marshal(setupEnvelope{Setup: body})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal setup message: %w", err)
	}
	return data, nil
}

type realtimeInputEnvelope struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []inlineData `json:"mediaChunks"`
}

// BuildMediaChunkMessage wraps one PCM16LE block of microphone audio
func BuildMediaChunkMessage(pcm []byte) ([]byte, error) {
	msg := realtimeInputEnvelope{
		RealtimeInput: realtimeInput{
			MediaChunks: []inlineData{{
				MimeType: audio.InputMIMEType,
				Data:     base64.StdEncoding.EncodeToString(pcm),
			}},
		},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal media chunk: %w", err)
	}
	return data, nil
}

// Part is one element of a model turn, either audio or text
type Part struct {
	Text     string
	Audio    []byte // Decoded PCM16LE
	MIMEType string // Set for audio parts
}

// IsAudio reports whether the part carries audio
func (p Part) IsAudio() bool {
	return p.MIMEType != ""
}

// ServerMessage is the demultiplexed content of one inbound frame
type ServerMessage struct {
	SetupComplete bool
	Parts         []Part
	Interrupted   bool
	TurnComplete  bool
	GoAway        bool

	InputTranscription  string
	OutputTranscription string
}

// Empty reports whether the message requires no action
func (m ServerMessage) Empty() bool {
	return !m.SetupComplete && len(m.Parts) == 0 && !m.Interrupted && !m.TurnComplete &&
		!m.GoAway && m.InputTranscription == "" && m.OutputTranscription == ""
}

type serverEnvelope struct {
	SetupComplete       *json.RawMessage `json:"setupComplete"`
	ServerContent       *serverContent   `json:"serverContent"`
	InputTranscription  *transcription   `json:"inputTranscription"`
	OutputTranscription *transcription   `json:"outputTranscription"`
	GoAway              *json.RawMessage `json:"goAway"`
}

type serverContent struct {
	ModelTurn           *content       `json:"modelTurn"`
	Interrupted         bool           `json:"interrupted"`
	TurnComplete        bool           `json:"turnComplete"`
	InputTranscription  *transcription `json:"inputTranscription"`
	OutputTranscription *transcription `json:"outputTranscription"`
}

type transcription struct {
	Text string `json:"text"`
}

// ParseServerMessage decodes an inbound frame. Unknown fields are ignored,
// and audio parts whose payload is not valid base64 are skipped.
func ParseServerMessage(data []byte) (ServerMessage, error) {
	var env serverEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return ServerMessage{}, fmt.Errorf("failed to parse server message: %w", err)
	}

	msg := ServerMessage{
		SetupComplete: env.SetupComplete != nil,
		GoAway:        env.GoAway != nil,
	}
	if env.InputTranscription != nil {
		msg.InputTranscription = env.InputTranscription.Text
	}
	if env.OutputTranscription != nil {
		msg.OutputTranscription = env.OutputTranscription.Text
	}

	sc := env.ServerContent
	if sc == nil {
		return msg, nil
	}

	msg.Interrupted = sc.Interrupted
	msg.TurnComplete = sc.TurnComplete
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		msg.InputTranscription = sc.InputTranscription.Text
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		msg.OutputTranscription = sc.OutputTranscription.Text
	}

	if sc.ModelTurn == nil {
		return msg, nil
	}
	for _, p := range sc.ModelTurn.Parts {
		if p.InlineData != nil && strings.HasPrefix(p.InlineData.MimeType, "audio/") {
			pcm, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
			if err != nil || len(pcm) == 0 {
				continue
			}
			msg.Parts = append(msg.Parts, Part{Audio: pcm, MIMEType: p.InlineData.MimeType})
			continue
		}
		if p.Text != "" {
			msg.Parts = append(msg.Parts, Part{Text: p.Text})
		}
	}
	return msg, nil
}
