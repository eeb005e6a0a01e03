// Package enrich writes the short personalized rationale sent with a match.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tdalverme/umbral/internal/domain"
	"github.com/tdalverme/umbral/internal/metrics"
)

var (
	ErrMalformedOutput = errors.New("enrich: malformed provider output")
	ErrBreakerOpen     = errors.New("enrich: provider circuit open")
)

const (
	maxWhyMatch    = 420
	maxWarnings    = 220
	maxConclusion  = 200
	maxDescription = 1400

	fallbackWhyMatch   = "Está alineada con varias de tus prioridades principales."
	fallbackConclusion = "Vale revisarla en detalle para validar si te cierra."
)

// TextGenerator is the text-generation provider.
type TextGenerator interface {
	Generate(ctx context.Context, system, user string) (string, error)
}

type Rationale struct {
	WhyMatch   string `json:"why_match"`
	Warnings   string `json:"warnings"`
	Conclusion string `json:"conclusion"`
}

// Fallback is the generic rationale used when generation fails.
func Fallback() Rationale {
	return Rationale{WhyMatch: fallbackWhyMatch, Conclusion: fallbackConclusion}
}

// Text renders the rationale as notification text.
func (r Rationale) Text() string {
	parts := make([]string, 0, 3)
	if r.WhyMatch != "" {
		parts = append(parts, r.WhyMatch)
	}
	if r.Warnings != "" {
		parts = append(parts, "⚠️ "+r.Warnings)
	}
	if r.Conclusion != "" {
		parts = append(parts, r.Conclusion)
	}
	return strings.Join(parts, "\n")
}

type Config struct {
	// FailureThreshold is the number of consecutive provider failures that opens the circuit.
	FailureThreshold uint32
	// OpenTimeout is how long the circuit stays open before a trial request.
	OpenTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{FailureThreshold: 3, OpenTimeout: 2 * time.Minute}
}

type Generator struct {
	gen TextGenerator
	cb  *gobreaker.CircuitBreaker[string]
	log zerolog.Logger
}

func NewGenerator(gen TextGenerator, cfg Config, log zerolog.Logger) *Generator {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = DefaultConfig().OpenTimeout
	}
	log = log.With().Str("component", "enrich").Logger()

	settings := gobreaker.Settings{
		Name:        "text-generation",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			// caller cancellation says nothing about provider health
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateValue(to))
		},
	}
	return &Generator{
		gen: gen,
		cb:  gobreaker.NewCircuitBreaker[string](settings),
		log: log,
	}
}

// Explain asks the provider for a rationale tailored to the user.
func (g *Generator) Explain(ctx context.Context, u domain.User, l domain.Listing, similarity float64) (Rationale, error) {
	prompt := BuildPrompt(u, l, similarity)
	text, err := g.cb.Execute(func() (string, error) {
		return g.gen.Generate(ctx, systemPrompt, prompt)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return Rationale{}, fmt.Errorf("%w: %v", ErrBreakerOpen, err)
		}
		return Rationale{}, fmt.Errorf("generate rationale: %w", err)
	}
	return ParseRationale(text)
}

// ParseRationale reads the provider's JSON answer, tolerating a surrounding
// code fence or prose. Missing fields are filled with generic text.
func ParseRationale(text string) (Rationale, error) {
	text = stripFence(strings.TrimSpace(text))
	if i, j := strings.Index(text, "{"), strings.LastIndex(text, "}"); i >= 0 && j > i {
		text = text[i : j+1]
	}
	if text == "" {
		return Rationale{}, ErrMalformedOutput
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return Rationale{}, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	r := Rationale{
		WhyMatch:   field(raw, "why_match"),
		Warnings:   field(raw, "warnings"),
		Conclusion: field(raw, "conclusion"),
	}
	if r.WhyMatch == "" {
		r.WhyMatch = fallbackWhyMatch
	}
	if r.Conclusion == "" {
		r.Conclusion = fallbackConclusion
	}
	r.WhyMatch = truncateRunes(r.WhyMatch, maxWhyMatch)
	r.Warnings = truncateRunes(r.Warnings, maxWarnings)
	r.Conclusion = truncateRunes(r.Conclusion, maxConclusion)
	return r, nil
}

func field(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	parts := strings.Split(s, "```")
	if len(parts) < 2 {
		return s
	}
	body := strings.TrimSpace(parts[1])
	body = strings.TrimPrefix(body, "json")
	return strings.TrimSpace(body)
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
