// Package mathutil provides the shared epsilon-tolerant comparators used
// everywhere mana amounts or share quantities are compared. Repeated
// pricing arithmetic accumulates rounding error, so correctness decisions
// (can you sell at most your holdings, is an order exhausted) must never
// use exact float comparison.
package mathutil

import "math"

// Epsilon is the shared comparison tolerance.
const Epsilon = 1e-8

// Equal reports a == b within Epsilon.
func Equal(a, b float64) bool {
	return math.Abs(a-b) < Epsilon
}

// GreaterEq reports a >= b within Epsilon.
func GreaterEq(a, b float64) bool {
	return a+Epsilon > b
}

// LessEq reports a <= b within Epsilon.
func LessEq(a, b float64) bool {
	return a-Epsilon < b
}
