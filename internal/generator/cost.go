package generator

import "math"

// minChargeCents is the floor applied to every cost estimate.
const minChargeCents = 25

// EstimateCostCents prices a request with a simple heuristic: a per-second
// base rate bumped for high quality, a style multiplier, and a flat floor.
func EstimateCostCents(req Request, count int) int {
	if count < 1 {
		count = 1
	}
	base := 1.0
	if req.Options.Quality == QualityHigh {
		base = 1.8
	}
	mult := 1.0
	switch req.Options.Style {
	case StyleCinematic, StyleRealistic:
		mult = 1.2
	case StyleAnimated:
		mult = 1.1
	}
	seconds := optimizeDuration(req.DurationSeconds)
	perVideo := math.Round(float64(seconds) * base * mult)
	total := int(math.Round(perVideo * float64(count)))
	if total < minChargeCents {
		return minChargeCents
	}
	return total
}
