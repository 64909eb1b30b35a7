// Package util provides common utility functions for price calculations.
package util

import "math"

// tickEpsilon absorbs float error when a price sits on a tick boundary.
const tickEpsilon = 1e-13

// RoundToTick rounds x to the nearest tick increment, with ties rounding away
// from zero. For example, with tick=0.01, 1.2345 becomes 1.23 and 1.235
// becomes 1.24. A zero tick returns x unchanged; a negative tick is treated
// as its absolute value.
func RoundToTick(x, tick float64) float64 {
	tick = math.Abs(tick)
	if tick == 0 {
		return x
	}
	q := x / tick
	// Snap to the nearest half step so boundary ties survive division error.
	if half := math.Round(q*2) / 2; math.Abs(q-half) <= tickEpsilon {
		q = half
	}
	return math.Round(q) * tick
}

// FloorToTick rounds x down to a tick increment. Values within float error of
// an exact multiple stay on it.
func FloorToTick(x, tick float64) float64 {
	tick = math.Abs(tick)
	if tick == 0 {
		return x
	}
	q := x / tick
	if r := math.Round(q); math.Abs(q-r) <= tickEpsilon {
		q = r
	} else {
		q = math.Floor(q)
	}
	return q * tick
}

// CeilToTick rounds x up to a tick increment. Values within float error of an
// exact multiple stay on it.
func CeilToTick(x, tick float64) float64 {
	tick = math.Abs(tick)
	if tick == 0 {
		return x
	}
	q := x / tick
	if r := math.Round(q); math.Abs(q-r) <= tickEpsilon {
		q = r
	} else {
		q = math.Ceil(q)
	}
	return q * tick
}
