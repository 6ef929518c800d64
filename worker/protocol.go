// Package worker runs one classifier engine behind an asynchronous message
// boundary. Callers Post requests and read replies from Out; nothing else is
// shared with the worker goroutine.
package worker

import (
	"TrackDetServer/frame"
	iface "TrackDetServer/interface"
)

type Kind string

const (
	KindInit          Kind = "init"
	KindClassifyBatch Kind = "classify-batch"
	KindInitOK        Kind = "init-ok"
	KindResults       Kind = "results"
	KindError         Kind = "error"
)

// Message is one of Init, ClassifyBatch, InitOK, Results or ErrorMsg.
type Message interface {
	Kind() Kind
	message()
}

// Init loads (model, precision). Sending the pair that is already loaded is a no-op.
type Init struct {
	Model     string
	Precision iface.Precision
}

// ClassifyBatch owns Frame. The worker releases it once the batch is done,
// whatever the outcome.
type ClassifyBatch struct {
	Frame     *frame.Frame
	Markers   map[string]iface.Position
	DPT       float64
	Timestamp int64
}

type InitOK struct {
	Model             string
	Precision         iface.Precision
	ExecutionProvider iface.Provider
}

type Results struct {
	Results           map[string]string
	InferenceTimeMs   float64
	ExecutionProvider iface.Provider
	Timestamp         int64
}

type ErrorMsg struct {
	Error string
}

func (Init) Kind() Kind          { return KindInit }
func (ClassifyBatch) Kind() Kind { return KindClassifyBatch }
func (InitOK) Kind() Kind        { return KindInitOK }
func (Results) Kind() Kind       { return KindResults }
func (ErrorMsg) Kind() Kind      { return KindError }

func (Init) message()          {}
func (ClassifyBatch) message() {}
func (InitOK) message()        {}
func (Results) message()       {}
func (ErrorMsg) message()      {}

// NewClassifyBatch moves f into the request. f is consumed and must not be
// used by the caller afterwards.
func NewClassifyBatch(f *frame.Frame, markers map[string]iface.Position, dpt float64, timestamp int64) (ClassifyBatch, error) {
	moved, err := f.Transfer()
	if err != nil {
		return ClassifyBatch{}, err
	}
	return ClassifyBatch{Frame: moved, Markers: markers, DPT: dpt, Timestamp: timestamp}, nil
}

// Discard frees whatever a message owns. Used when a message never reaches the worker.
func Discard(msg Message) {
	if b, ok := msg.(ClassifyBatch); ok {
		b.Frame.Release()
	}
}
