package router

import "strings"

// modelPrice is USD per million tokens.
type modelPrice struct {
	input  float64
	output float64
}

// Pricing by model prefix. Longest prefix wins; unknown models fall back
// to defaultPrice so spend is never silently zero.
var modelPrices = map[string]modelPrice{
	"claude-opus":   {input: 15, output: 75},
	"claude-sonnet": {input: 3, output: 15},
	"claude-haiku":  {input: 0.8, output: 4},
	"gpt-4o":        {input: 2.5, output: 10},
	"gpt-4o-mini":   {input: 0.15, output: 0.6},
	"llama-3.3":     {input: 0.59, output: 0.79},
	"deepseek":      {input: 0.27, output: 1.1},
}

var defaultPrice = modelPrice{input: 3, output: 15}

// EstimateCost returns the USD cost of a call.
func EstimateCost(model string, inputTokens, outputTokens int) float64 {
	price := defaultPrice
	bestLen := 0
	for prefix, p := range modelPrices {
		if strings.HasPrefix(model, prefix) && len(prefix) > bestLen {
			price = p
			bestLen = len(prefix)
		}
	}
	return float64(inputTokens)*price.input/1e6 + float64(outputTokens)*price.output/1e6
}
