package validation

import (
	"TrackDetServer/frame"
	iface "TrackDetServer/interface"
	"context"
	"errors"
	"image"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var cfg = iface.ClassifierConfig{Labels: []string{"track", "train", "other"}, DPT: 28, CropSize: 96}

// fakeClassifier answers by x coordinate. When gates is set, each call waits
// for its gate before answering.
type fakeClassifier struct {
	calls  atomic.Int32
	labels map[float64]string
	gates  map[float64]chan struct{}
	err    error
}

func (c *fakeClassifier) Classify(_ context.Context, f *frame.Frame, center iface.Position, _ float64) (string, error) {
	c.calls.Add(1)
	if g, ok := c.gates[center.X]; ok {
		<-g
	}
	if c.err != nil {
		return "", c.err
	}
	if f.Released() {
		return "", frame.ErrReleased
	}
	return c.labels[center.X], nil
}

func (c *fakeClassifier) Config() iface.ClassifierConfig { return cfg }

func newLoop(c Classifier) *Loop {
	l := NewLoop()
	l.SetClassifier(c)
	l.SetImage("img-1", frame.New(image.NewRGBA(image.Rect(0, 0, 10, 10))))
	l.SetCalibration(14, true)
	return l
}

func TestLoop_MemoizesUnchangedMarkers(t *testing.T) {
	c := &fakeClassifier{labels: map[float64]string{1: "track", 2: "train"}}
	l := newLoop(c)
	defer l.Close()

	markers := []iface.Marker{{ID: "a", X: 1, Y: 1, Type: "track"}, {ID: "b", X: 2, Y: 2, Type: "track"}}
	assert.Equal(t, 2, l.Update(context.Background(), markers))
	l.Wait()
	assert.Equal(t, 0, l.Update(context.Background(), markers))
	l.Wait()
	assert.Equal(t, int32(2), c.calls.Load())

	res := l.Results()
	assert.Equal(t, Result{Label: "track", Expected: "track"}, res["a"])
	assert.Equal(t, Result{Label: "train", Expected: "track", Mismatch: true}, res["b"])

	// a type change alone re-evaluates
	markers[1].Type = "train"
	assert.Equal(t, 1, l.Update(context.Background(), markers))
	l.Wait()
	assert.False(t, l.Results()["b"].Mismatch)
}

func TestLoop_DiscardsSupersededResult(t *testing.T) {
	c := &fakeClassifier{
		labels: map[float64]string{1: "track", 2: "train"},
		gates:  map[float64]chan struct{}{1: make(chan struct{}), 2: make(chan struct{})},
	}
	l := newLoop(c)
	defer l.Close()

	l.Update(context.Background(), []iface.Marker{{ID: "a", X: 1, Y: 1, Type: "train"}})
	// the marker moves before the first answer arrives
	l.Update(context.Background(), []iface.Marker{{ID: "a", X: 2, Y: 1, Type: "train"}})

	close(c.gates[2])
	require.Eventually(t, func() bool { return l.Results()["a"].Label == "train" }, time.Second, time.Millisecond)
	close(c.gates[1])
	l.Wait()

	assert.Equal(t, "train", l.Results()["a"].Label)
}

func TestLoop_ApplyGuard(t *testing.T) {
	l := NewLoop()
	l.seq["a"] = 5
	assert.False(t, l.apply("a", 4, Result{Label: "track"}))
	assert.Empty(t, l.Results())
	assert.True(t, l.apply("a", 5, Result{Label: "train"}))
	assert.Equal(t, "train", l.Results()["a"].Label)
}

func TestLoop_PrunesRemovedMarkers(t *testing.T) {
	c := &fakeClassifier{labels: map[float64]string{1: "track", 2: "train"}}
	l := newLoop(c)
	defer l.Close()

	l.Update(context.Background(), []iface.Marker{{ID: "a", X: 1}, {ID: "b", X: 2}})
	l.Wait()
	require.Len(t, l.Results(), 2)

	assert.Equal(t, 0, l.Update(context.Background(), []iface.Marker{{ID: "b", X: 2}}))
	res := l.Results()
	assert.Len(t, res, 1)
	assert.Contains(t, res, "b")

	// a marker coming back is evaluated again
	assert.Equal(t, 1, l.Update(context.Background(), []iface.Marker{{ID: "a", X: 1}, {ID: "b", X: 2}}))
	l.Wait()
}

func TestLoop_ResetOnContextChange(t *testing.T) {
	c := &fakeClassifier{labels: map[float64]string{1: "track"}}
	l := newLoop(c)
	defer l.Close()
	markers := []iface.Marker{{ID: "a", X: 1, Type: "track"}}

	l.Update(context.Background(), markers)
	l.Wait()

	l.SetCalibration(20, true)
	assert.Empty(t, l.Results())
	assert.Equal(t, 1, l.Update(context.Background(), markers))
	l.Wait()

	l.SetClassifier(&fakeClassifier{labels: map[float64]string{1: "other"}})
	assert.Equal(t, 1, l.Update(context.Background(), markers))
	l.Wait()
	assert.True(t, l.Results()["a"].Mismatch)

	l.SetImage("img-2", frame.New(image.NewRGBA(image.Rect(0, 0, 4, 4))))
	assert.Equal(t, "img-2", l.ImageID())
	assert.Equal(t, 1, l.Update(context.Background(), markers))
	l.Wait()
}

func TestLoop_ImageReleasedMidFlight(t *testing.T) {
	c := &fakeClassifier{
		labels: map[float64]string{1: "track"},
		gates:  map[float64]chan struct{}{1: make(chan struct{})},
	}
	l := newLoop(c)
	defer l.Close()

	l.Update(context.Background(), []iface.Marker{{ID: "a", X: 1}})
	old := l.image
	l.SetImage("img-2", frame.New(image.NewRGBA(image.Rect(0, 0, 4, 4))))
	assert.True(t, old.Released())
	close(c.gates[1])
	l.Wait()
	assert.Empty(t, l.Results())
}

func TestLoop_Uncalibrated(t *testing.T) {
	c := &fakeClassifier{}
	l := newLoop(c)
	defer l.Close()
	l.SetCalibration(0, false)
	assert.Equal(t, 0, l.Update(context.Background(), []iface.Marker{{ID: "a"}}))
	assert.Zero(t, c.calls.Load())
}

func TestLoop_ClassifierError(t *testing.T) {
	c := &fakeClassifier{err: errors.New("classifier unavailable")}
	l := newLoop(c)
	defer l.Close()

	markers := []iface.Marker{{ID: "a", X: 1}}
	l.Update(context.Background(), markers)
	l.Wait()
	assert.Equal(t, "classifier unavailable", l.Results()["a"].Error)
	// failed markers are retried
	assert.Equal(t, 1, l.Update(context.Background(), markers))
	l.Wait()
}

func TestExpectedLabel(t *testing.T) {
	withCoupler := iface.ClassifierConfig{Labels: []string{"track", "train", "train-coupler", "other"}}
	cases := []struct {
		cfg  iface.ClassifierConfig
		typ  string
		want string
	}{
		{cfg, "track", "track"},
		{cfg, "train-coupler", "train"},
		{withCoupler, "train-coupler", "train-coupler"},
		{cfg, "signal", "other"},
		{cfg, "", "other"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, ExpectedLabel(c.cfg, c.typ), c.typ)
	}
}

