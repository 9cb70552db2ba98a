// Package token obtains the short-lived credential used to open a session
// with the speech endpoint.
package token

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shidurit/voice-agent/internal/config"
	"github.com/shidurit/voice-agent/internal/observability"
	"github.com/shidurit/voice-agent/internal/resilience"
)

// ErrCircuitOpen is returned while the issuer is failing fast
var ErrCircuitOpen = resilience.ErrCircuitOpen

// Request is the persona payload exchanged for a credential
type Request struct {
	SystemPrompt string `json:"system_prompt"`
	PersonaName  string `json:"persona_name"`
	CompanyName  string `json:"company_name"`
}

// Credential authorizes one session with the speech endpoint
type Credential struct {
	APIKey string `json:"apiKey"`
	Model  string `json:"model"`
}

// Issuer hands out session credentials
type Issuer interface {
	Issue(ctx context.Context, req Request) (Credential, error)
}

// HTTPIssuer calls a remote token service
type HTTPIssuer struct {
	url          string
	auth         string
	defaultModel string
	httpClient   *http.Client
	breaker      *resilience.CircuitBreaker
	logger       zerolog.Logger
}

// NewHTTPIssuer creates an issuer from configuration
func NewHTTPIssuer(cfg *config.Config, logger zerolog.Logger) *HTTPIssuer {
	breaker := resilience.NewCircuitBreaker("token_issuer", cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second)
	breaker.OnStateChange = func(name string, state resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(state))
		logger.Warn().Str("service", name).Str("state", state.String()).Msg("Circuit breaker state changed")
	}

	return &HTTPIssuer{
		url:          cfg.TokenIssuerURL,
		auth:         cfg.TokenIssuerAuth,
		defaultModel: cfg.GeminiModel,
		httpClient:   &http.Client{Timeout: cfg.TokenIssuerTimeout},
		breaker:      breaker,
		logger:       logger.With().Str("component", "token_issuer").Logger(),
	}
}

// Issue implements Issuer
func (i *HTTPIssuer) Issue(ctx context.Context, req Request) (Credential, error) {
	var cred Credential
	start := time.Now()

	err := i.breaker.Call(ctx, func(ctx context.Context) error {
		var err error
		cred, err = i.request(ctx, req)
		return err
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		i.logger.Warn().Msg("Token issuer circuit open, failing fast")
		return Credential{}, err
	}
	observability.RecordTokenRequest(err == nil, time.Since(start))
	if err != nil {
		i.logger.Error().Err(err).Dur("latency", time.Since(start)).Msg("Token request failed")
		return Credential{}, err
	}

	i.logger.Debug().Str("model", cred.Model).Dur("latency", time.Since(start)).Msg("Token issued")
	return cred, nil
}

func (i *HTTPIssuer) request(ctx context.Context, req Request) (Credential, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Credential{}, fmt.Errorf("failed to marshal token request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, i.url, bytes.NewReader(body))
	if err != nil {
		return Credential{}, fmt.Errorf("failed to create token request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if i.auth != "" {
		httpReq.Header.Set("Authorization", "Bearer "+i.auth)
	}

	resp, err := i.httpClient.Do(httpReq)
	if err != nil {
		return Credential{}, fmt.Errorf("token issuer request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Credential{}, fmt.Errorf("token issuer returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var cred Credential
	if err := json.NewDecoder(resp.Body).Decode(&cred); err != nil {
		return Credential{}, fmt.Errorf("failed to decode token response: %w", err)
	}
	if strings.TrimSpace(cred.APIKey) == "" {
		return Credential{}, fmt.Errorf("token issuer response has no apiKey")
	}
	if cred.Model == "" {
		cred.Model = i.defaultModel
	}
	return cred, nil
}

// Healthy reports whether the issuer is accepting requests
func (i *HTTPIssuer) Healthy(context.Context) (bool, error) {
	state, requests, failures, _ := i.breaker.Stats()
	if state == resilience.StateOpen {
		return false, fmt.Errorf("%s circuit %s after %d failures in %d requests", i.breaker.Name(), state, failures, requests)
	}
	return true, nil
}

// StaticIssuer returns a fixed credential (development mode)
type StaticIssuer struct {
	Credential Credential
}

// Issue implements Issuer
func (s StaticIssuer) Issue(ctx context.Context, _ Request) (Credential, error) {
	if err := ctx.Err(); err != nil {
		return Credential{}, err
	}
	if s.Credential.APIKey == "" {
		return Credential{}, fmt.Errorf("no API key configured")
	}
	return s.Credential, nil
}

// New selects the HTTP issuer when TOKEN_ISSUER_URL is set, otherwise the static key
func New(cfg *config.Config, logger zerolog.Logger) Issuer {
	if cfg.TokenIssuerURL != "" {
		return NewHTTPIssuer(cfg, logger)
	}
	logger.Warn().Msg("TOKEN_ISSUER_URL not set, using GEMINI_API_KEY directly")
	return StaticIssuer{Credential: Credential{APIKey: cfg.GeminiAPIKey, Model: cfg.GeminiModel}}
}
