package iface

import "context"

// Tensor is a [1, 3, H, W] model input. Exactly one of Data or Half is set,
// depending on the session precision.
type Tensor struct {
	Shape []int64
	Data  []float32
	Half  []uint16
}

// Session is one loaded classifier model. Implementations are not safe for
// concurrent Run calls.
type Session interface {
	Run(input Tensor) ([]float32, error)
	Provider() Provider
	Destroy()
}

type SessionFactory func(model []byte, precision Precision, prefer []Provider) (Session, error)

type Publisher interface {
	Publish(ctx context.Context, batch BatchResult) error
	Close()
}
