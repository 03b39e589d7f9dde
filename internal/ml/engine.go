package ml

import (
	"context"
	"fmt"
)

// Tensor is a dense float32 tensor in row-major order. Image batches use
// NHWC layout: [batch, height, width, channels].
type Tensor struct {
	Shape []int
	Data  []float32
}

func NewTensor(shape ...int) Tensor {
	return Tensor{Shape: shape, Data: make([]float32, volume(shape))}
}

func volume(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Validate checks that Data matches Shape.
func (t Tensor) Validate() error {
	if len(t.Shape) == 0 {
		return fmt.Errorf("tensor has no shape")
	}
	for _, d := range t.Shape {
		if d <= 0 {
			return fmt.Errorf("invalid tensor shape %v", t.Shape)
		}
	}
	if n := volume(t.Shape); n != len(t.Data) {
		return fmt.Errorf("tensor shape %v needs %d values, got %d", t.Shape, n, len(t.Data))
	}
	return nil
}

// Model is a loaded prediction model. Implementations must be safe for
// concurrent Predict calls; callers never mutate a model.
type Model interface {
	Predict(ctx context.Context, batch Tensor) (Tensor, error)
}

// Engine loads models.
type Engine interface {
	LoadModel(ctx context.Context, path string) (Model, error)
}
