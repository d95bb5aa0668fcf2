package gateway

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/kailas-cloud/leasegate/internal/domain"
)

// charsPerToken approximates prompt tokens from prompt length.
const charsPerToken = 4

// Pricing converts token counts to cost from a per-model table in USD per million tokens.
type Pricing struct {
	perMillion       map[string]decimal.Decimal
	fallback         decimal.Decimal
	defaultMaxTokens int
}

// NewPricing creates a price table. A model matches its exact entry or else the longest
// entry it starts with, so dated snapshots such as gpt-4o-mini-2024-07-18 price as
// gpt-4o-mini. Unmatched models use fallbackUSD.
func NewPricing(usdPerMillion map[string]float64, fallbackUSD float64, defaultMaxTokens int) *Pricing {
	p := &Pricing{
		perMillion:       make(map[string]decimal.Decimal, len(usdPerMillion)),
		fallback:         decimal.NewFromFloat(fallbackUSD),
		defaultMaxTokens: defaultMaxTokens,
	}
	for model, usd := range usdPerMillion {
		p.perMillion[model] = decimal.NewFromFloat(usd)
	}
	return p
}

// Cost prices tokens for model, rounded up to the next microdollar.
// USD per million tokens equals microdollars per token.
func (p *Pricing) Cost(model string, tokens int) domain.Micros {
	if tokens <= 0 {
		return 0
	}
	price := p.price(model)
	return domain.Micros(decimal.NewFromInt(int64(tokens)).Mul(price).Ceil().IntPart())
}

func (p *Pricing) price(model string) decimal.Decimal {
	if price, ok := p.perMillion[model]; ok {
		return price
	}
	best, bestLen := p.fallback, 0
	for name, price := range p.perMillion {
		if len(name) > bestLen && strings.HasPrefix(model, name) {
			best, bestLen = price, len(name)
		}
	}
	return best
}

// EstimateTokens is the worst-case token count: prompt tokens plus the completion limit.
func (p *Pricing) EstimateTokens(prompt string, maxTokens int) int {
	if maxTokens <= 0 {
		maxTokens = p.defaultMaxTokens
	}
	return len(prompt)/charsPerToken + 1 + maxTokens
}

// Estimate prices the worst case of a request before it is sent. With several candidate
// models the most expensive one is used.
func (p *Pricing) Estimate(models []string, prompt string, maxTokens int) domain.Micros {
	tokens := p.EstimateTokens(prompt, maxTokens)
	if len(models) == 0 {
		return p.Cost("", tokens)
	}
	var worst domain.Micros
	for _, m := range models {
		worst = max(worst, p.Cost(m, tokens))
	}
	return worst
}
