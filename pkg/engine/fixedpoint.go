// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import "time"

// FixedPoint is a duration split into whole seconds and a millisecond
// remainder, the engine's representation of timing parameters.
type FixedPoint struct {
	IntegerPart    uint16
	FractionalPart uint16
}

// FixedPointFromMillis converts a millisecond count.
func FixedPointFromMillis(ms int) FixedPoint {
	return FixedPoint{
		IntegerPart:    uint16(ms / 1000),
		FractionalPart: uint16(ms % 1000),
	}
}

// Millis returns the duration in milliseconds.
func (f FixedPoint) Millis() int {
	return 1000*int(f.IntegerPart) + int(f.FractionalPart)
}

// Duration returns the time.Duration equivalent.
func (f FixedPoint) Duration() time.Duration {
	return time.Duration(f.Millis()) * time.Millisecond
}
