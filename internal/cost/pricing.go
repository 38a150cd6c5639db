package cost

import "github.com/manash/lingolens/pkg/models"

// Chat model pricing (USD per 1M tokens)
// Sources: https://openai.com/api/pricing/ and https://ai.google.dev/pricing

type TokenPrice struct {
	InputPer1M  float64
	OutputPer1M float64
}

type PricingKey struct {
	Provider models.ProviderType
	Model    string
}

var chatPricing = map[PricingKey]TokenPrice{
	{Provider: models.ProviderOpenAI, Model: "gpt-5.2"}:    {InputPer1M: 1.75, OutputPer1M: 14.00},
	{Provider: models.ProviderOpenAI, Model: "gpt-5-mini"}: {InputPer1M: 0.25, OutputPer1M: 2.00},
	{Provider: models.ProviderOpenAI, Model: "gpt-5-nano"}: {InputPer1M: 0.05, OutputPer1M: 0.40},

	{Provider: models.ProviderGemini, Model: "gemini-2.5-pro"}:   {InputPer1M: 1.25, OutputPer1M: 10.00},
	{Provider: models.ProviderGemini, Model: "gemini-2.5-flash"}: {InputPer1M: 0.30, OutputPer1M: 2.50},
	{Provider: models.ProviderGemini, Model: "gemini-2.0-flash"}: {InputPer1M: 0.10, OutputPer1M: 0.40},
}

// Fallbacks when a model is not in the table: the provider's default model price.
var providerFallback = map[models.ProviderType]TokenPrice{
	models.ProviderOpenAI: {InputPer1M: 0.25, OutputPer1M: 2.00},
	models.ProviderGemini: {InputPer1M: 0.30, OutputPer1M: 2.50},
}

func GetChatPrice(provider models.ProviderType, model string) (TokenPrice, bool) {
	price, ok := chatPricing[PricingKey{Provider: provider, Model: model}]
	return price, ok
}
