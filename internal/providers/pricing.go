package providers

import (
	"math"
	"strings"
)

// Rate is a price in USD per 1K tokens.
type Rate struct {
	InputPer1K  float64
	OutputPer1K float64
}

type rateEntry struct {
	model string
	rate  Rate
}

// DefaultRate applies to any model the table does not know.
var DefaultRate = Rate{InputPer1K: 0.001, OutputPer1K: 0.002}

// Entries keep their declaration order; the substring pass returns the first
// key found in the model name, so a dated "gpt-4o-..." resolves to "gpt-4".
var rateTable = map[string][]rateEntry{
	"openai": {
		{model: "gpt-3.5-turbo", rate: Rate{InputPer1K: 0.0015, OutputPer1K: 0.002}},
		{model: "gpt-3.5-turbo-16k", rate: Rate{InputPer1K: 0.0015, OutputPer1K: 0.002}},
		{model: "gpt-4", rate: Rate{InputPer1K: 0.03, OutputPer1K: 0.06}},
		{model: "gpt-4-32k", rate: Rate{InputPer1K: 0.06, OutputPer1K: 0.12}},
		{model: "gpt-4-turbo", rate: Rate{InputPer1K: 0.01, OutputPer1K: 0.03}},
		{model: "gpt-4o", rate: Rate{InputPer1K: 0.005, OutputPer1K: 0.015}},
		{model: "gpt-4o-mini", rate: Rate{InputPer1K: 0.00015, OutputPer1K: 0.0006}},
		{model: "gpt-4o-realtime", rate: Rate{InputPer1K: 0.002, OutputPer1K: 0.01}},
		{model: "gpt-4o-mini-realtime", rate: Rate{InputPer1K: 0.0006, OutputPer1K: 0.0024}},
		{model: "o1-preview", rate: Rate{InputPer1K: 0.015, OutputPer1K: 0.06}},
		{model: "o1", rate: Rate{InputPer1K: 0.015, OutputPer1K: 0.06}},
		{model: "o1-mini", rate: Rate{InputPer1K: 0.001, OutputPer1K: 0.004}},
		{model: "o3-mini", rate: Rate{InputPer1K: 0.001, OutputPer1K: 0.004}},
	},
	"anthropic": {
		{model: "claude-3-opus", rate: Rate{InputPer1K: 0.015, OutputPer1K: 0.075}},
		{model: "claude-3-sonnet", rate: Rate{InputPer1K: 0.003, OutputPer1K: 0.015}},
		{model: "claude-3-haiku", rate: Rate{InputPer1K: 0.00025, OutputPer1K: 0.00125}},
		{model: "claude-3.5-sonnet", rate: Rate{InputPer1K: 0.003, OutputPer1K: 0.015}},
		{model: "claude-3.5-haiku", rate: Rate{InputPer1K: 0.0008, OutputPer1K: 0.004}},
		{model: "claude-3.7-sonnet", rate: Rate{InputPer1K: 0.003, OutputPer1K: 0.015}},
	},
	"deepseek": {
		{model: "deepseek-v3", rate: Rate{InputPer1K: 0.0, OutputPer1K: 0.0}},
		{model: "deepseek-r1", rate: Rate{InputPer1K: 0.00055, OutputPer1K: 0.00219}},
	},
	"mistral": {
		{model: "mistral-small", rate: Rate{InputPer1K: 0.001, OutputPer1K: 0.003}},
		{model: "mistral-medium", rate: Rate{InputPer1K: 0.0027, OutputPer1K: 0.0081}},
		{model: "mistral-large", rate: Rate{InputPer1K: 0.008, OutputPer1K: 0.024}},
	},
}

// RateFor looks up the rate for a model: exact match first, then the first
// table key contained in the model name, then DefaultRate.
func RateFor(provider, model string) Rate {
	entries := rateTable[normalizeName(provider)]

	for _, entry := range entries {
		if entry.model == model {
			return entry.rate
		}
	}
	for _, entry := range entries {
		if strings.Contains(model, entry.model) {
			return entry.rate
		}
	}
	return DefaultRate
}

// EstimateCost prices a completion in USD, rounded to six decimal places.
func EstimateCost(provider, model string, inputTokens, completionTokens int) float64 {
	rate := RateFor(provider, model)
	inputTokens = max(inputTokens, 0)
	completionTokens = max(completionTokens, 0)

	cost := (float64(inputTokens)/1000)*rate.InputPer1K + (float64(completionTokens)/1000)*rate.OutputPer1K
	return math.Round(cost*1e6) / 1e6
}
