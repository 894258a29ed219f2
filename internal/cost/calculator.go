package cost

// Rates holds SERP API pricing.
type Rates struct {
	// SERPPerThousand is the price in USD of 1000 search requests.
	SERPPerThousand float64 `yaml:"serp_per_thousand" mapstructure:"serp_per_thousand"`
}

// Calculator computes API spend.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// SERP returns the cost of n billed search requests. Retries are billed
// like first attempts.
func (c *Calculator) SERP(requests int) float64 {
	if requests <= 0 {
		return 0
	}
	return float64(requests) / 1000 * c.rates.SERPPerThousand
}

// Saved returns what hits would have cost had they gone to the API.
func (c *Calculator) Saved(hits int) float64 {
	return c.SERP(hits)
}

// Rates returns the configured rates.
func (c *Calculator) Rates() Rates {
	return c.rates
}

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{SERPPerThousand: 0.30}
}
