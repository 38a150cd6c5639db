package cost

import "github.com/manash/lingolens/pkg/models"

const (
	CurrencyUSD = "USD"
)

type Calculator struct{}

func NewCalculator() *Calculator {
	return &Calculator{}
}

// Calculate prices a single chat request from its token usage.
func (c *Calculator) Calculate(provider models.ProviderType, model string, inputTokens, outputTokens int) *models.CostInfo {
	price, ok := GetChatPrice(provider, model)
	if !ok {
		price = providerFallback[provider]
	}

	inputCost := (float64(inputTokens) / 1_000_000) * price.InputPer1M
	outputCost := (float64(outputTokens) / 1_000_000) * price.OutputPer1M
	total := inputCost + outputCost

	return &models.CostInfo{
		PerRequest: total,
		Total:      total,
		Currency:   CurrencyUSD,
	}
}

// Usage builds a models.Usage with the cost filled in.
func (c *Calculator) Usage(provider models.ProviderType, model string, inputTokens, outputTokens int) *models.Usage {
	return &models.Usage{
		Provider:     provider,
		Model:        model,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		Cost:         c.Calculate(provider, model, inputTokens, outputTokens),
	}
}

// Sum adds up the cost of several requests.
func (c *Calculator) Sum(usages ...*models.Usage) *models.CostInfo {
	var total float64
	for _, u := range usages {
		total += u.TotalCost()
	}
	return &models.CostInfo{
		PerRequest: 0,
		Total:      total,
		Currency:   CurrencyUSD,
	}
}
