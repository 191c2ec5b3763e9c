package main

import (
	"fmt"

	"github.com/cascademl/cascade/internal/domain"
)

// fillOp produces one output filled with a constant. It takes no inputs.
type fillOp struct {
	value float32
}

func (f fillOp) Name() string { return fmt.Sprintf("fill(%g)", f.value) }

func (f fillOp) Execute(_, outputs []domain.TaskValue) error {
	for _, out := range outputs {
		for i := range out.Buffer {
			out.Buffer[i] = f.value
		}
	}
	return nil
}

// scaleOp multiplies its single input elementwise by a constant.
type scaleOp struct {
	factor float32
}

func (s scaleOp) Name() string { return fmt.Sprintf("scale(%g)", s.factor) }

func (s scaleOp) Execute(inputs, outputs []domain.TaskValue) error {
	if len(inputs) != 1 || len(outputs) != 1 {
		return fmt.Errorf("scale expects 1 input and 1 output, got %d and %d", len(inputs), len(outputs))
	}
	for i, v := range inputs[0].Buffer {
		outputs[0].Buffer[i] = v * s.factor
	}
	return nil
}

// addOp sums its inputs elementwise into a single output.
type addOp struct{}

func (addOp) Name() string { return "add" }

func (addOp) Execute(inputs, outputs []domain.TaskValue) error {
	if len(inputs) == 0 || len(outputs) != 1 {
		return fmt.Errorf("add expects at least 1 input and exactly 1 output, got %d and %d", len(inputs), len(outputs))
	}
	out := outputs[0].Buffer
	for _, in := range inputs {
		if len(in.Buffer) != len(out) {
			return fmt.Errorf("add input length %d does not match output length %d", len(in.Buffer), len(out))
		}
		for i, v := range in.Buffer {
			out[i] += v
		}
	}
	return nil
}
