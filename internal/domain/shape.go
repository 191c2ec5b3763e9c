package domain

import (
	"fmt"
	"strings"
)

// Shape describes the extents of an array value, one entry per dimension.
// The zero-dimensional shape is a scalar with a single element.
type Shape []int

// Prod returns the total number of elements described by the shape.
func (s Shape) Prod() int {
	n := 1
	for _, dim := range s {
		n *= dim
	}
	return n
}

func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, dim := range s {
		parts[i] = fmt.Sprintf("%d", dim)
	}
	return "(" + strings.Join(parts, "x") + ")"
}
