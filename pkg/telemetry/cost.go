package telemetry

import "strings"

// price is USD per 1K tokens.
type price struct {
	prompt     float64
	completion float64
}

var prices = map[string]price{
	"gpt-4-turbo":            {0.01, 0.03},
	"gpt-4o":                 {0.0025, 0.01},
	"gpt-4o-mini":            {0.00015, 0.0006},
	"gpt-3.5-turbo":          {0.0005, 0.0015},
	"text-embedding-3-small": {0.00002, 0},
	"text-embedding-3-large": {0.00013, 0},
}

// EstimateCost prices a call. Unknown and self-hosted models cost nothing.
// Versioned names such as "gpt-4-turbo-2024-04-09" match their base model.
func EstimateCost(model string, promptTokens, completionTokens int) float64 {
	p, ok := lookupPrice(model)
	if !ok {
		return 0
	}
	return float64(promptTokens)/1000*p.prompt + float64(completionTokens)/1000*p.completion
}

func lookupPrice(model string) (price, bool) {
	model = strings.ToLower(strings.TrimSpace(model))
	if p, ok := prices[model]; ok {
		return p, true
	}
	best := ""
	for name := range prices {
		if strings.HasPrefix(model, name+"-") && len(name) > len(best) {
			best = name
		}
	}
	if best == "" {
		return price{}, false
	}
	return prices[best], true
}
