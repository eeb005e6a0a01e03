package matching

import (
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-json"
)

const (
	// DefaultSimilarityWeight is the share of embedding similarity in the final
	// score when a qualitative score is also available. The rest goes to the
	// weighted qualitative score.
	DefaultSimilarityWeight = 0.6

	DefaultLearningRate = 0.1
	DefaultARSPerUSD    = 1000.0

	// NeutralScore stands in for any signal that cannot be computed.
	NeutralScore = 0.5
)

// ExchangeRates converts listing prices to USD at fixed configured rates.
type ExchangeRates struct {
	ARSPerUSD float64 `json:"ars_per_usd"`
}

// ToUSD converts amount in currency to USD. Unknown currencies are taken as USD.
func (r ExchangeRates) ToUSD(amount float64, currency string) float64 {
	switch strings.ToUpper(strings.TrimSpace(currency)) {
	case "ARS", "$", "AR$":
		rate := r.ARSPerUSD
		if rate <= 0 {
			rate = DefaultARSPerUSD
		}
		return amount / rate
	default:
		return amount
	}
}

// Config tunes the scoring engine.
type Config struct {
	SimilarityWeight float64       `json:"similarity_weight"`
	LearningRate     float64       `json:"learning_rate"`
	Dimensions       int           `json:"dimensions"`
	Rates            ExchangeRates `json:"exchange_rates"`
}

// DefaultConfig does not enforce a dimensionality; only equal lengths are required.
func DefaultConfig() Config {
	return Config{
		SimilarityWeight: DefaultSimilarityWeight,
		LearningRate:     DefaultLearningRate,
		Rates:            ExchangeRates{ARSPerUSD: DefaultARSPerUSD},
	}
}

func (c Config) withDefaults() Config {
	if c.SimilarityWeight <= 0 || c.SimilarityWeight > 1 {
		c.SimilarityWeight = DefaultSimilarityWeight
	}
	if c.LearningRate <= 0 || c.LearningRate > 1 {
		c.LearningRate = DefaultLearningRate
	}
	if c.Dimensions < 0 {
		c.Dimensions = 0
	}
	if c.Rates.ARSPerUSD <= 0 {
		c.Rates.ARSPerUSD = DefaultARSPerUSD
	}
	return c
}

// LoadConfigFromFile loads the config from a JSON file, falling back to defaults on errors.
func LoadConfigFromFile(path string) (Config, error) {
	c := DefaultConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("read matching config: %w", err)
	}
	if err := json.Unmarshal(b, &c); err != nil {
		return DefaultConfig(), fmt.Errorf("unmarshal matching config: %w", err)
	}
	return c.withDefaults(), nil
}
