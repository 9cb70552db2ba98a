package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Mic failure policies
const (
	MicPolicyDegrade = "degrade" // Stay connected receive-only and flag the mic error
	MicPolicyAbort   = "abort"   // Tear the session down
)

// Config holds all configuration for the voice agent service
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Speech endpoint (Gemini Live bidirectional websocket)
	LiveEndpoint string `envconfig:"LIVE_ENDPOINT" default:"wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"`

	// Token issuer that exchanges the persona payload for a short-lived credential.
	// When empty, GEMINI_API_KEY/GEMINI_MODEL are used directly (development only).
	TokenIssuerURL     string        `envconfig:"TOKEN_ISSUER_URL" default:""`
	TokenIssuerAuth    string        `envconfig:"TOKEN_ISSUER_AUTH" default:""`
	TokenIssuerTimeout time.Duration `envconfig:"TOKEN_ISSUER_TIMEOUT" default:"10s"`
	GeminiAPIKey       string        `envconfig:"GEMINI_API_KEY" default:""`
	GeminiModel        string        `envconfig:"GEMINI_MODEL" default:"gemini-2.0-flash-live-001"`

	// Tenant (read-only business configuration)
	TenantDisplayName string `envconfig:"TENANT_DISPLAY_NAME" default:""`
	TenantPersonaName string `envconfig:"TENANT_PERSONA_NAME" default:"Assistant"`
	TenantVoice       string `envconfig:"TENANT_VOICE" default:"Puck"`
	TenantPrompt      string `envconfig:"TENANT_PROMPT" default:""`
	TenantLanguage    string `envconfig:"TENANT_LANGUAGE" default:"en"` // en, he

	// Audio processing configuration
	CaptureSampleRate  int `envconfig:"CAPTURE_SAMPLE_RATE" default:"16000"`  // Microphone device rate; resampled to 16kHz
	CaptureBlockSize   int `envconfig:"CAPTURE_BLOCK_SIZE" default:"4096"`    // Samples per transmitted block
	PlaybackSampleRate int `envconfig:"PLAYBACK_SAMPLE_RATE" default:"24000"` // Used when a chunk carries no rate
	OutboundQueueSize  int `envconfig:"OUTBOUND_QUEUE_SIZE" default:"32"`     // Blocks waiting for the socket writer

	// Remote voice-activity detection sent in the setup message
	VADStartSensitivity  string `envconfig:"VAD_START_SENSITIVITY" default:"START_SENSITIVITY_HIGH"`
	VADEndSensitivity    string `envconfig:"VAD_END_SENSITIVITY" default:"END_SENSITIVITY_LOW"`
	VADPrefixPaddingMs   int    `envconfig:"VAD_PREFIX_PADDING_MS" default:"20"`
	VADSilenceDurationMs int    `envconfig:"VAD_SILENCE_DURATION_MS" default:"500"`

	// Local VAD driving the "user speaking" indicator
	LocalVADEnergyThreshold float64 `envconfig:"LOCAL_VAD_ENERGY_THRESHOLD" default:"500.0"`
	LocalVADSilenceFrames   int     `envconfig:"LOCAL_VAD_SILENCE_FRAMES" default:"3"`

	// Session lifecycle
	HandshakeTimeout time.Duration `envconfig:"HANDSHAKE_TIMEOUT" default:"10s"`
	MicFailurePolicy string        `envconfig:"MIC_FAILURE_POLICY" default:"degrade"`

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Issuer failures before failing fast
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before probing again

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()
	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.MicFailurePolicy = strings.ToLower(strings.TrimSpace(cfg.MicFailurePolicy))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints that struct tags cannot express.
// It does not modify c, so it is safe to call while the config is shared.
func (c *Config) Validate() error {
	if c.TokenIssuerURL == "" && c.GeminiAPIKey == "" {
		return fmt.Errorf("either TOKEN_ISSUER_URL or GEMINI_API_KEY is required")
	}
	if c.LiveEndpoint == "" {
		return fmt.Errorf("LIVE_ENDPOINT is required")
	}
	if c.CaptureSampleRate <= 0 || c.PlaybackSampleRate <= 0 {
		return fmt.Errorf("sample rates must be positive")
	}
	if c.CaptureBlockSize < 256 {
		return fmt.Errorf("CAPTURE_BLOCK_SIZE must be at least 256, got %d", c.CaptureBlockSize)
	}

	switch c.MicFailurePolicy {
	case MicPolicyDegrade, MicPolicyAbort:
	default:
		return fmt.Errorf("MIC_FAILURE_POLICY must be %q or %q, got %q", MicPolicyDegrade, MicPolicyAbort, c.MicFailurePolicy)
	}
	return nil
}
