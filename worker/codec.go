package worker

import (
	"TrackDetServer/frame"
	iface "TrackDetServer/interface"
	"fmt"
	"image"

	"github.com/vmihailenco/msgpack/v5"
)

type wirePoint struct {
	X float64 `msgpack:"x"`
	Y float64 `msgpack:"y"`
}

type wireFrame struct {
	Width  int    `msgpack:"width"`
	Height int    `msgpack:"height"`
	Pix    []byte `msgpack:"pix"`
}

type envelope struct {
	Type              Kind                 `msgpack:"type"`
	Model             string               `msgpack:"model,omitempty"`
	Precision         string               `msgpack:"precision,omitempty"`
	Frame             *wireFrame           `msgpack:"frame,omitempty"`
	Markers           map[string]wirePoint `msgpack:"markers,omitempty"`
	DPT               float64              `msgpack:"dpt,omitempty"`
	Timestamp         int64                `msgpack:"timestamp,omitempty"`
	Results           map[string]string    `msgpack:"results,omitempty"`
	InferenceTimeMs   float64              `msgpack:"inferenceTimeMs,omitempty"`
	ExecutionProvider string               `msgpack:"executionProvider,omitempty"`
	Error             string               `msgpack:"error,omitempty"`
}

// Encode serializes msg. A ClassifyBatch frame is copied out, ownership stays
// with the caller.
func Encode(msg Message) ([]byte, error) {
	env := envelope{Type: msg.Kind()}
	switch m := msg.(type) {
	case Init:
		env.Model, env.Precision = m.Model, string(m.Precision)
	case ClassifyBatch:
		wf, err := encodeFrame(m.Frame)
		if err != nil {
			return nil, err
		}
		env.Frame = wf
		env.Markers = make(map[string]wirePoint, len(m.Markers))
		for id, p := range m.Markers {
			env.Markers[id] = wirePoint{X: p.X, Y: p.Y}
		}
		env.DPT, env.Timestamp = m.DPT, m.Timestamp
	case InitOK:
		env.Model, env.Precision = m.Model, string(m.Precision)
		env.ExecutionProvider = string(m.ExecutionProvider)
	case Results:
		env.Results = m.Results
		env.InferenceTimeMs = m.InferenceTimeMs
		env.ExecutionProvider = string(m.ExecutionProvider)
		env.Timestamp = m.Timestamp
	case ErrorMsg:
		env.Error = m.Error
	default:
		return nil, fmt.Errorf("encode: unknown message %T", msg)
	}
	return msgpack.Marshal(&env)
}

func encodeFrame(f *frame.Frame) (*wireFrame, error) {
	if f == nil {
		return nil, fmt.Errorf("encode: classify-batch without frame")
	}
	var wf wireFrame
	err := f.View(func(img *image.RGBA) error {
		b := img.Bounds()
		wf.Width, wf.Height = b.Dx(), b.Dy()
		wf.Pix = make([]byte, 0, 4*wf.Width*wf.Height)
		for y := b.Min.Y; y < b.Max.Y; y++ {
			i := img.PixOffset(b.Min.X, y)
			wf.Pix = append(wf.Pix, img.Pix[i:i+4*wf.Width]...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &wf, nil
}

// Decode parses one message. A decoded ClassifyBatch owns a fresh frame.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	switch env.Type {
	case KindInit:
		return Init{Model: env.Model, Precision: iface.Precision(env.Precision)}, nil
	case KindClassifyBatch:
		if env.Frame == nil {
			return nil, fmt.Errorf("decode: classify-batch without frame")
		}
		w, h := env.Frame.Width, env.Frame.Height
		if w <= 0 || h <= 0 || len(env.Frame.Pix) != 4*w*h {
			return nil, fmt.Errorf("decode: frame %dx%d with %d bytes", w, h, len(env.Frame.Pix))
		}
		img := &image.RGBA{Pix: env.Frame.Pix, Stride: 4 * w, Rect: image.Rect(0, 0, w, h)}
		markers := make(map[string]iface.Position, len(env.Markers))
		for id, p := range env.Markers {
			markers[id] = iface.Position{X: p.X, Y: p.Y}
		}
		return ClassifyBatch{Frame: frame.New(img), Markers: markers, DPT: env.DPT, Timestamp: env.Timestamp}, nil
	case KindInitOK:
		return InitOK{
			Model:             env.Model,
			Precision:         iface.Precision(env.Precision),
			ExecutionProvider: iface.Provider(env.ExecutionProvider),
		}, nil
	case KindResults:
		results := env.Results
		if results == nil {
			results = map[string]string{}
		}
		return Results{
			Results:           results,
			InferenceTimeMs:   env.InferenceTimeMs,
			ExecutionProvider: iface.Provider(env.ExecutionProvider),
			Timestamp:         env.Timestamp,
		}, nil
	case KindError:
		return ErrorMsg{Error: env.Error}, nil
	default:
		return nil, fmt.Errorf("decode: unknown message type %q", env.Type)
	}
}
