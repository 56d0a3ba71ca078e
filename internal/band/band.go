// Package band converts raw scores into IELTS bands.
package band

import "math"

// Max is the top of the IELTS scale.
const Max = 9.0

const epsilon = 1e-9

// threshold maps a minimum percentage to a band. The table follows the
// academic reading raw-score conversion scaled to 100.
type threshold struct {
	minPercent float64
	band       float64
}

var percentTable = []threshold{
	{97.5, 9},
	{92.5, 8.5},
	{87.5, 8},
	{82.5, 7.5},
	{75, 7},
	{67.5, 6.5},
	{57.5, 6},
	{47.5, 5.5},
	{37.5, 5},
	{32.5, 4.5},
	{25, 4},
	{20, 3.5},
	{15, 3},
	{10, 2.5},
	{5, 2},
}

// FromPercent converts an objective-test percentage into a band.
func FromPercent(p float64) float64 {
	if p <= 0 || math.IsNaN(p) {
		return 0
	}
	for _, t := range percentTable {
		if p+epsilon >= t.minPercent {
			return t.band
		}
	}
	return 1
}

// Round applies IELTS overall-band rounding: a fraction below .25 rounds
// down, below .75 rounds to the half band, otherwise up.
func Round(x float64) float64 {
	if math.IsNaN(x) || x <= 0 {
		return 0
	}
	whole, frac := math.Modf(x)
	switch {
	case frac+epsilon < 0.25:
		frac = 0
	case frac+epsilon < 0.75:
		frac = 0.5
	default:
		frac = 1
	}
	return math.Min(whole+frac, Max)
}

// Overall averages the section bands and rounds the mean.
func Overall(bands ...float64) float64 {
	if len(bands) == 0 {
		return 0
	}
	var sum float64
	for _, b := range bands {
		sum += b
	}
	return Round(sum / float64(len(bands)))
}

// Average is Overall for criterion scores of a single section.
func Average(criteria map[string]float64) float64 {
	if len(criteria) == 0 {
		return 0
	}
	bands := make([]float64, 0, len(criteria))
	for _, v := range criteria {
		bands = append(bands, v)
	}
	return Overall(bands...)
}
