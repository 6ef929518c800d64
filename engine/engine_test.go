package engine

import (
	"TrackDetServer/frame"
	iface "TrackDetServer/interface"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSource struct {
	cfg   iface.ClassifierConfig
	model []byte
	err   error
}

func (m memSource) Config(context.Context) (iface.ClassifierConfig, error) {
	return m.cfg, m.err
}

func (m memSource) Model(context.Context, iface.Precision) ([]byte, error) {
	return m.model, m.err
}

// countingSession returns scores whose argmax is the call index, so labels
// come back in the order the session actually ran.
type countingSession struct {
	mu        sync.Mutex
	calls     int
	active    int32
	overlap   atomic.Bool
	labels    int
	delay     time.Duration
	destroyed atomic.Bool
	lastShape []int64
}

func (s *countingSession) Run(input iface.Tensor) ([]float32, error) {
	if atomic.AddInt32(&s.active, 1) > 1 {
		s.overlap.Store(true)
	}
	defer atomic.AddInt32(&s.active, -1)
	time.Sleep(s.delay)

	s.mu.Lock()
	idx := s.calls % s.labels
	s.calls++
	s.lastShape = input.Shape
	s.mu.Unlock()

	scores := make([]float32, s.labels)
	scores[idx] = 1
	return scores, nil
}

func (s *countingSession) Provider() iface.Provider { return iface.ProviderCPU }
func (s *countingSession) Destroy()                 { s.destroyed.Store(true) }

func testFrame(w, h int) *frame.Frame {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 7, A: 0xff})
		}
	}
	return frame.New(img)
}

func TestFloat16(t *testing.T) {
	cases := []struct {
		in   float32
		want uint16
	}{
		{1, 0x3c00},
		{0, 0x0000},
		{float32(math.Copysign(0, -1)), 0x8000},
		{-2, 0xc000},
		{65504, 0x7bff},
		{1e6, 0x7c00},
		{-1e6, 0xfc00},
		{float32(math.Ldexp(1, -24)), 0x0001},
		{1e-10, 0x0000},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Float32ToFloat16(c.in), "encode %v", c.in)
	}
	assert.Equal(t, float32(1), Float16ToFloat32(0x3c00))
	assert.Equal(t, float32(65504), Float16ToFloat32(0x7bff))
	assert.True(t, math.IsInf(float64(Float16ToFloat32(0x7c00)), 1))
	assert.True(t, math.IsNaN(float64(Float16ToFloat32(Float32ToFloat16(float32(math.NaN()))))))

	half := ToFloat16([]float32{0.5, -1.5})
	assert.Equal(t, []float32{0.5, -1.5}, Float16FromBytes(Float16Bytes(half)))
}

func TestPreprocess(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 2, 1))
	img.SetRGBA(0, 0, color.RGBA{R: 255, A: 255})
	img.SetRGBA(1, 0, color.RGBA{B: 255, A: 255})

	tensor := Preprocess(img, iface.FP32)
	assert.Equal(t, []int64{1, 3, 1, 2}, tensor.Shape)
	require.Len(t, tensor.Data, 6)
	assert.Nil(t, tensor.Half)

	// planes are R, G, B; each plane is row major
	assert.InDelta(t, (1-0.485)/0.229, tensor.Data[0], 1e-5)
	assert.InDelta(t, (0-0.485)/0.229, tensor.Data[1], 1e-5)
	assert.InDelta(t, (0-0.456)/0.224, tensor.Data[2], 1e-5)
	assert.InDelta(t, (1-0.406)/0.225, tensor.Data[5], 1e-5)

	half := Preprocess(img, iface.FP16)
	require.Len(t, half.Half, 6)
	assert.Nil(t, half.Data)
	assert.InDelta(t, tensor.Data[0], Float16ToFloat32(half.Half[0]), 1e-2)
}

func TestSourceRegion(t *testing.T) {
	r, ok := SourceRegion(iface.Position{X: 100, Y: 50}, 28, 14, 96)
	require.True(t, ok)
	assert.Equal(t, 2.0, r.Scale)
	assert.Equal(t, 48.0, r.Size)
	assert.Equal(t, 76.0, r.X0)
	assert.Equal(t, 26.0, r.Y0)

	_, ok = SourceRegion(iface.Position{}, 28, 0, 96)
	assert.False(t, ok)
	_, ok = SourceRegion(iface.Position{}, 28, -1, 96)
	assert.False(t, ok)
}

func TestExtractPatch(t *testing.T) {
	t.Run("identity crop", func(t *testing.T) {
		f := testFrame(16, 16)
		patch, err := ExtractPatch(f, iface.Position{X: 8, Y: 8}, 10, 10, 8)
		require.NoError(t, err)
		assert.Equal(t, image.Rect(0, 0, 8, 8), patch.Bounds())
		// region starts at (4, 4)
		assert.Equal(t, color.RGBA{R: 4, G: 4, B: 7, A: 0xff}, patch.RGBAAt(0, 0))
		assert.Equal(t, color.RGBA{R: 11, G: 9, B: 7, A: 0xff}, patch.RGBAAt(7, 5))
	})

	t.Run("upscale keeps output size", func(t *testing.T) {
		f := testFrame(200, 200)
		patch, err := ExtractPatch(f, iface.Position{X: 100, Y: 100}, 28, 14, 96)
		require.NoError(t, err)
		assert.Equal(t, 96, patch.Bounds().Dx())
		assert.Equal(t, 96, patch.Bounds().Dy())
		// the center of the patch samples the marker position
		c := patch.RGBAAt(48, 48)
		assert.InDelta(t, 100, int(c.R), 1)
		assert.InDelta(t, 100, int(c.G), 1)
	})

	t.Run("outside the frame is background", func(t *testing.T) {
		f := testFrame(16, 16)
		patch, err := ExtractPatch(f, iface.Position{X: 500, Y: 500}, 10, 10, 4)
		require.NoError(t, err)
		for y := 0; y < 4; y++ {
			for x := 0; x < 4; x++ {
				assert.Equal(t, Background, patch.RGBAAt(x, y))
			}
		}
	})

	t.Run("partially outside", func(t *testing.T) {
		f := testFrame(16, 16)
		patch, err := ExtractPatch(f, iface.Position{X: 0, Y: 0}, 10, 10, 4)
		require.NoError(t, err)
		assert.Equal(t, Background, patch.RGBAAt(0, 0))
		assert.Equal(t, color.RGBA{R: 1, G: 1, B: 7, A: 0xff}, patch.RGBAAt(3, 3))
	})

	t.Run("released frame", func(t *testing.T) {
		f := testFrame(16, 16)
		f.Release()
		_, err := ExtractPatch(f, iface.Position{X: 8, Y: 8}, 10, 10, 4)
		assert.ErrorIs(t, err, frame.ErrReleased)
	})

	t.Run("not calibrated", func(t *testing.T) {
		_, err := ExtractPatch(testFrame(4, 4), iface.Position{}, 10, 0, 4)
		assert.ErrorIs(t, err, ErrNotCalibrated)
	})
}

func newTestEngine(t *testing.T, session *countingSession, labels []string) *Engine {
	t.Helper()
	src := memSource{
		cfg:   iface.ClassifierConfig{Labels: labels, DPT: 10, CropSize: 8},
		model: []byte("onnx"),
	}
	e := New("tracks", iface.FP32, src,
		WithWarmup(false),
		WithSessionFactory(func([]byte, iface.Precision, []iface.Provider) (iface.Session, error) {
			return session, nil
		}))
	t.Cleanup(e.Close)
	return e
}

func TestEngine_SingleFlight(t *testing.T) {
	labels := []string{"a", "b", "c", "d", "e", "f"}
	session := &countingSession{labels: len(labels), delay: 2 * time.Millisecond}
	e := newTestEngine(t, session, labels)
	require.NoError(t, e.Initialize(context.Background()))
	assert.Equal(t, IDLE, e.State())
	assert.Equal(t, iface.ProviderCPU, e.ExecutionProvider())

	f := testFrame(32, 32)
	var pending []<-chan ClassifyResult
	for range labels {
		pending = append(pending, e.Submit(f, iface.Position{X: 16, Y: 16}, 10))
	}
	for i, ch := range pending {
		res := <-ch
		require.NoError(t, res.Err)
		assert.Equal(t, labels[i], res.Label)
	}
	assert.False(t, session.overlap.Load(), "session ran concurrently")
	assert.Equal(t, []int64{1, 3, 8, 8}, session.lastShape)
	assert.Equal(t, IDLE, e.State())
}

func TestEngine_ConcurrentClassify(t *testing.T) {
	labels := []string{"a", "b"}
	session := &countingSession{labels: len(labels), delay: time.Millisecond}
	e := newTestEngine(t, session, labels)

	f := testFrame(32, 32)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			label, err := e.Classify(context.Background(), f, iface.Position{X: 4, Y: 4}, 10)
			assert.NoError(t, err)
			assert.Contains(t, labels, label)
		}()
	}
	wg.Wait()
	assert.False(t, session.overlap.Load())
	assert.Equal(t, 8, session.calls)
}

func TestEngine_SubmitBeforeInit(t *testing.T) {
	e := newTestEngine(t, &countingSession{labels: 1}, []string{"a"})
	res := <-e.Submit(testFrame(4, 4), iface.Position{}, 10)
	assert.ErrorIs(t, res.Err, ErrNotReady)
}

func TestEngine_UncalibratedSource(t *testing.T) {
	e := newTestEngine(t, &countingSession{labels: 1}, []string{"a"})
	_, err := e.Classify(context.Background(), testFrame(4, 4), iface.Position{}, -1)
	assert.ErrorIs(t, err, ErrNotCalibrated)
	assert.Equal(t, IDLE, e.State())
}

func TestEngine_Close(t *testing.T) {
	session := &countingSession{labels: 1}
	e := newTestEngine(t, session, []string{"a"})
	require.NoError(t, e.Initialize(context.Background()))
	e.Close()
	e.Close()

	assert.True(t, session.destroyed.Load())
	assert.Equal(t, CLOSED, e.State())
	res := <-e.Submit(testFrame(4, 4), iface.Position{}, 10)
	assert.ErrorIs(t, res.Err, ErrClosed)
	assert.ErrorIs(t, e.Initialize(context.Background()), ErrClosed)
}

type artifactServer struct {
	configHits atomic.Int32
	modelHits  atomic.Int32
	modelCode  int
}

func (a *artifactServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/tracks/" + ConfigFile:
		a.configHits.Add(1)
		time.Sleep(5 * time.Millisecond)
		_ = json.NewEncoder(w).Encode(iface.ClassifierConfig{
			Labels: []string{"straight", "curve"}, DPT: 14, CropSize: 8,
		})
	case "/tracks/" + ModelFile(iface.FP16):
		a.modelHits.Add(1)
		if a.modelCode != 0 {
			w.WriteHeader(a.modelCode)
			return
		}
		_, _ = w.Write([]byte("weights"))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func TestEngine_InitializeShared(t *testing.T) {
	art := &artifactServer{}
	srv := httptest.NewServer(art)
	defer srv.Close()

	var factoryCalls atomic.Int32
	var gotModel []byte
	session := &countingSession{labels: 2}
	e := New("tracks", iface.FP16, NewLoader(ModelBase(srv.URL, "tracks")),
		WithSessionFactory(func(model []byte, p iface.Precision, _ []iface.Provider) (iface.Session, error) {
			factoryCalls.Add(1)
			gotModel = model
			assert.Equal(t, iface.FP16, p)
			return session, nil
		}))
	defer e.Close()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, e.Initialize(context.Background()))
		}()
	}
	wg.Wait()
	require.NoError(t, e.Initialize(context.Background()))

	assert.Equal(t, int32(1), art.configHits.Load())
	assert.Equal(t, int32(1), art.modelHits.Load())
	assert.Equal(t, int32(1), factoryCalls.Load())
	assert.Equal(t, []byte("weights"), gotModel)
	// warm up ran once on a zero patch
	assert.Equal(t, 1, session.calls)
	assert.Equal(t, []string{"straight", "curve"}, e.Config().Labels)

	info := e.Info()
	assert.Equal(t, "ready", info.State)
	assert.Equal(t, iface.ProviderCPU, info.Provider)
	assert.Empty(t, info.Error)
}

func TestEngine_InitializeFailureIsFinal(t *testing.T) {
	art := &artifactServer{modelCode: http.StatusNotFound}
	srv := httptest.NewServer(art)
	defer srv.Close()

	e := New("tracks", iface.FP16, NewLoader(ModelBase(srv.URL, "tracks")),
		WithSessionFactory(func([]byte, iface.Precision, []iface.Provider) (iface.Session, error) {
			t.Error("session must not be created")
			return nil, nil
		}))
	defer e.Close()

	err := e.Initialize(context.Background())
	require.ErrorIs(t, err, ErrInitFailed)
	assert.Equal(t, ERROR, e.State())

	_, err = e.Classify(context.Background(), testFrame(4, 4), iface.Position{}, 14)
	assert.ErrorIs(t, err, ErrInitFailed)
	assert.Equal(t, int32(1), art.modelHits.Load())
	assert.NotEmpty(t, e.Info().Error)
}

func TestEngine_SessionError(t *testing.T) {
	e := New("tracks", iface.FP32, memSource{err: errors.New("offline")})
	defer e.Close()
	err := e.Initialize(context.Background())
	assert.ErrorIs(t, err, ErrInitFailed)
	assert.Contains(t, err.Error(), "offline")
}

func TestLoader_LocalDirectory(t *testing.T) {
	root := t.TempDir()
	l := NewLoader(ModelBase(root, "tracks"))
	_, err := l.Config(context.Background())
	assert.Error(t, err)

	dir := filepath.Join(root, "tracks")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFile),
		[]byte(`{"labels":["a"],"dpt":14,"crop_size":96}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ModelFile(iface.INT8)), []byte{1, 2}, 0o644))

	cfg, err := l.Config(context.Background())
	require.NoError(t, err)
	assert.Equal(t, iface.ClassifierConfig{Labels: []string{"a"}, DPT: 14, CropSize: 96}, cfg)
	model, err := l.Model(context.Background(), iface.INT8)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, model)
	_, err = l.Model(context.Background(), iface.FP32)
	assert.Error(t, err)
}
