package segment

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// Metric measures the size of a piece of text.
type Metric interface {
	// Name identifies the metric in configuration and logs.
	Name() string
	// Size returns the size of text in the metric's unit.
	Size(text string) int
}

// Words counts whitespace-separated words.
var Words Metric = wordMetric{}

// Chars counts Unicode code points.
var Chars Metric = charMetric{}

type wordMetric struct{}

func (wordMetric) Name() string { return "words" }

func (wordMetric) Size(text string) int { return len(strings.Fields(text)) }

type charMetric struct{}

func (charMetric) Name() string { return "chars" }

func (charMetric) Size(text string) int { return utf8.RuneCountInString(text) }

// DefaultEncoding is the tiktoken encoding used by current OpenAI embedding models.
const DefaultEncoding = "cl100k_base"

// TokenMetric counts tokens with a tiktoken encoding.
type TokenMetric struct {
	encoding string
	tke      *tiktoken.Tiktoken
}

// NewTokenMetric loads the named tiktoken encoding.
func NewTokenMetric(encoding string) (*TokenMetric, error) {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	tke, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("get encoding %s: %w", encoding, err)
	}
	return &TokenMetric{encoding: encoding, tke: tke}, nil
}

// Name implements Metric.
func (m *TokenMetric) Name() string { return "tokens" }

// Size implements Metric.
func (m *TokenMetric) Size(text string) int {
	return len(m.tke.Encode(text, nil, nil))
}

// MetricByName resolves a configured metric name. An empty name means words.
func MetricByName(name string) (Metric, error) {
	switch strings.ToLower(name) {
	case "", "words":
		return Words, nil
	case "chars", "characters":
		return Chars, nil
	case "tokens":
		return NewTokenMetric(DefaultEncoding)
	default:
		return nil, fmt.Errorf("unknown size metric %q", name)
	}
}
