package engine

import (
	iface "TrackDetServer/interface"
	"TrackDetServer/logger"
	"errors"
	"fmt"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

type onnxSession struct {
	session    *ort.DynamicAdvancedSession
	input      ort.InputOutputInfo
	output     ort.InputOutputInfo
	provider   iface.Provider
	halfInput  bool
	halfOutput bool
}

// NewOnnxSession tries the preferred execution providers in order and falls
// back to the CPU provider.
func NewOnnxSession(model []byte, precision iface.Precision, prefer []iface.Provider) (iface.Session, error) {
	inputs, outputs, err := ort.GetInputOutputInfoWithONNXData(model)
	if err != nil {
		return nil, fmt.Errorf("inspect model: %w", err)
	}
	if len(inputs) != 1 || len(outputs) < 1 {
		return nil, fmt.Errorf("expected one input and at least one output, got %d/%d", len(inputs), len(outputs))
	}

	candidates := append(append([]iface.Provider{}, prefer...), iface.ProviderCPU)
	var errs []error
	for _, p := range candidates {
		s, err := openSession(model, inputs[0], outputs[0], p)
		if err != nil {
			logger.Log().Warn("execution provider unavailable", zap.String("provider", string(p)), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", p, err))
			continue
		}
		if precision == iface.FP16 && !s.halfInput {
			logger.Log().Warn("fp16 requested but model input is not float16, feeding float32")
		}
		return s, nil
	}
	return nil, errors.Join(errs...)
}

func openSession(model []byte, in, out ort.InputOutputInfo, p iface.Provider) (*onnxSession, error) {
	opts, err := sessionOptions(p)
	if err != nil {
		return nil, err
	}
	defer opts.Destroy()

	session, err := ort.NewDynamicAdvancedSessionWithONNXData(model, []string{in.Name}, []string{out.Name}, opts)
	if err != nil {
		return nil, err
	}
	return &onnxSession{
		session:    session,
		input:      in,
		output:     out,
		provider:   p,
		halfInput:  in.DataType == ort.TensorElementDataTypeFloat16,
		halfOutput: out.DataType == ort.TensorElementDataTypeFloat16,
	}, nil
}

func sessionOptions(p iface.Provider) (*ort.SessionOptions, error) {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, err
	}
	switch p {
	case iface.ProviderCUDA:
		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			opts.Destroy()
			return nil, err
		}
		defer cuda.Destroy()
		err = opts.AppendExecutionProviderCUDA(cuda)
		if err != nil {
			opts.Destroy()
			return nil, err
		}
	case iface.ProviderDirectML:
		if err := opts.AppendExecutionProviderDirectML(0); err != nil {
			opts.Destroy()
			return nil, err
		}
	case iface.ProviderCoreML:
		if err := opts.AppendExecutionProviderCoreML(0); err != nil {
			opts.Destroy()
			return nil, err
		}
	case iface.ProviderCPU:
	default:
		opts.Destroy()
		return nil, fmt.Errorf("unknown execution provider %q", p)
	}
	return opts, nil
}

func (s *onnxSession) Provider() iface.Provider {
	return s.provider
}

func (s *onnxSession) Run(input iface.Tensor) ([]float32, error) {
	shape := ort.NewShape(input.Shape...)
	var in ort.Value
	var err error
	switch {
	case s.halfInput:
		half := input.Half
		if half == nil {
			half = ToFloat16(input.Data)
		}
		in, err = ort.NewCustomDataTensor(shape, Float16Bytes(half), ort.TensorElementDataTypeFloat16)
	default:
		data := input.Data
		if data == nil {
			data = make([]float32, len(input.Half))
			for i, h := range input.Half {
				data[i] = Float16ToFloat32(h)
			}
		}
		in, err = ort.NewTensor(shape, data)
	}
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}
	defer in.Destroy()

	out, err := s.newOutput()
	if err != nil {
		return nil, err
	}
	defer out.Destroy()

	if err := s.session.Run([]ort.Value{in}, []ort.Value{out}); err != nil {
		return nil, err
	}
	switch v := out.(type) {
	case *ort.Tensor[float32]:
		return append([]float32(nil), v.GetData()...), nil
	case *ort.CustomDataTensor:
		return Float16FromBytes(v.GetData()), nil
	default:
		return nil, fmt.Errorf("unsupported output value %T", out)
	}
}

func (s *onnxSession) newOutput() (ort.Value, error) {
	dims := make([]int64, len(s.output.Dimensions))
	n := int64(1)
	for i, d := range s.output.Dimensions {
		if d < 1 {
			d = 1
		}
		dims[i] = d
		n *= d
	}
	shape := ort.NewShape(dims...)
	if s.halfOutput {
		return ort.NewCustomDataTensor(shape, make([]byte, 2*n), ort.TensorElementDataTypeFloat16)
	}
	return ort.NewEmptyTensor[float32](shape)
}

func (s *onnxSession) Destroy() {
	if s.session != nil {
		_ = s.session.Destroy()
		s.session = nil
	}
}
