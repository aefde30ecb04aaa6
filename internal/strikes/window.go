// Package strikes picks the at-the-money strike and the window of strikes
// fetched around it.
package strikes

import (
	"fmt"
	"math"
)

type Mode string

const (
	ModeSymmetric Mode = "symmetric"
	ModeFocused   Mode = "focused"
)

// Window describes how many strikes to take around ATM.
type Window struct {
	Mode   Mode
	Size   int
	Top    int
	Bottom int
}

// ATM rounds spot to the nearest multiple of interval, half away from zero.
func ATM(spot float64, interval int) int {
	if interval <= 0 {
		return int(math.Round(spot))
	}
	return int(math.Round(spot/float64(interval))) * interval
}

// Symmetric returns atm+k*interval for k in [-n, n], ascending.
func Symmetric(atm, interval, n int) []int {
	if n < 0 {
		n = 0
	}
	out := make([]int, 0, 2*n+1)
	for k := -n; k <= n; k++ {
		out = append(out, atm+k*interval)
	}
	return out
}

// Focused returns bottom strikes below atm, atm itself, and top strikes
// above it, ascending.
func Focused(atm, interval, top, bottom int) []int {
	if top < 0 {
		top = 0
	}
	if bottom < 0 {
		bottom = 0
	}
	out := make([]int, 0, top+bottom+1)
	for k := -bottom; k <= top; k++ {
		out = append(out, atm+k*interval)
	}
	return out
}

// Select computes ATM for spot and applies w.
func (w Window) Select(spot float64, interval int) (int, []int, error) {
	atm := ATM(spot, interval)
	switch w.Mode {
	case ModeSymmetric, "":
		return atm, Symmetric(atm, interval, w.Size), nil
	case ModeFocused:
		return atm, Focused(atm, interval, w.Top, w.Bottom), nil
	default:
		return atm, nil, fmt.Errorf("unknown window mode %q", w.Mode)
	}
}

// Rank is the distance of strike from atm in whole intervals.
func Rank(strike, atm, interval int) int {
	if interval <= 0 {
		return 0
	}
	d := strike - atm
	if d < 0 {
		d = -d
	}
	return d / interval
}
