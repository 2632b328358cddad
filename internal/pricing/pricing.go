// Package pricing holds the static model rate table used for per-event cost
// accounting. Rates are USD per token.
package pricing

import "math"

// ModelRate is the per-token pricing for one model.
type ModelRate struct {
	InputUSD  float64
	OutputUSD float64
}

// DefaultModel is the fallback used when an event names a model the table
// does not know.
const DefaultModel = "gpt-4o"

var rates = map[string]ModelRate{
	"gpt-4o":                     {InputUSD: 2.5e-6, OutputUSD: 1e-5},
	"gpt-4o-mini":                {InputUSD: 1.5e-7, OutputUSD: 6e-7},
	"gpt-4-turbo":                {InputUSD: 1e-5, OutputUSD: 3e-5},
	"gpt-4":                      {InputUSD: 3e-5, OutputUSD: 6e-5},
	"gpt-3.5-turbo":              {InputUSD: 5e-7, OutputUSD: 1.5e-6},
	"o1-preview":                 {InputUSD: 1.5e-5, OutputUSD: 6e-5},
	"o1-mini":                    {InputUSD: 3e-6, OutputUSD: 1.2e-5},
	"claude-3-5-sonnet-20241022": {InputUSD: 3e-6, OutputUSD: 1.5e-5},
	"claude-3-5-haiku-20241022":  {InputUSD: 8e-7, OutputUSD: 4e-6},
	"claude-3-opus-20240229":     {InputUSD: 1.5e-5, OutputUSD: 7.5e-5},
	"claude-3-sonnet-20240229":   {InputUSD: 3e-6, OutputUSD: 1.5e-5},
	"claude-3-haiku-20240307":    {InputUSD: 2.5e-7, OutputUSD: 1.25e-6},
}

// Rate returns the pricing for a model, falling back to DefaultModel for
// unknown names.
func Rate(model string) ModelRate {
	if r, ok := rates[model]; ok {
		return r
	}
	return rates[DefaultModel]
}

// Cost computes the USD cost of a call, truncated to 8 decimal places.
func Cost(model string, promptTokens, completionTokens int) float64 {
	r := Rate(model)
	cost := float64(promptTokens)*r.InputUSD + float64(completionTokens)*r.OutputUSD
	return math.Trunc(cost*1e8) / 1e8
}
