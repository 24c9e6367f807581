package dataio

import "math"

// PrependBOS returns the target batch with the beginning-of-sequence index
// prepended to every row. Padded positions shift right by one.
func PrependBOS(targets [][]int, bos int) [][]int {
	out := make([][]int, len(targets))
	for i, row := range targets {
		shifted := make([]int, len(row)+1)
		shifted[0] = bos
		copy(shifted[1:], row)
		out[i] = shifted
	}
	return out
}

// AppendEOS places the end-of-sequence index immediately after each row's
// true length and returns the widened batch with updated relative lengths.
func AppendEOS(targets [][]int, relLens []float64, eos int) ([][]int, []float64) {
	width := 0
	for _, row := range targets {
		if len(row) > width {
			width = len(row)
		}
	}
	width++

	out := make([][]int, len(targets))
	newLens := make([]float64, len(targets))
	for i, row := range targets {
		absLen := AbsoluteLength(relLens[i], len(row))
		padded := make([]int, width)
		copy(padded, row[:absLen])
		padded[absLen] = eos
		out[i] = padded
		newLens[i] = float64(absLen+1) / float64(width)
	}
	return out, newLens
}

// UndoPadding truncates each padded row back to its true length.
func UndoPadding(padded [][]int, relLens []float64) [][]int {
	out := make([][]int, len(padded))
	for i, row := range padded {
		absLen := AbsoluteLength(relLens[i], len(row))
		out[i] = append([]int(nil), row[:absLen]...)
	}
	return out
}

// AbsoluteLength converts a relative length against a padded width into an
// element count, clamped to [0, width].
func AbsoluteLength(rel float64, width int) int {
	n := int(math.Round(rel * float64(width)))
	if n < 0 {
		n = 0
	}
	if n > width {
		n = width
	}
	return n
}
