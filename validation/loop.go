// Package validation re-classifies the markers of the image open in the
// editor and flags the ones whose type disagrees with the classifier.
package validation

import (
	"TrackDetServer/frame"
	iface "TrackDetServer/interface"
	"TrackDetServer/logger"
	"TrackDetServer/monitor"
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

const (
	labelTrain        = "train"
	labelTrainCoupler = "train-coupler"
)

// Classifier is satisfied by *engine.Engine.
type Classifier interface {
	Classify(ctx context.Context, f *frame.Frame, center iface.Position, sourceDPT float64) (string, error)
	Config() iface.ClassifierConfig
}

type Result struct {
	Label    string `json:"label"`
	Expected string `json:"expected"`
	Mismatch bool   `json:"mismatch"`
	Error    string `json:"error,omitempty"`
}

type memoKey struct {
	x, y float64
	typ  string
}

type Loop struct {
	mu         sync.Mutex
	classifier Classifier
	imageID    string
	image      *frame.Frame
	dpt        float64
	seq        map[string]uint64
	memo       map[string]memoKey
	results    map[string]Result
	wg         sync.WaitGroup
}

func NewLoop() *Loop {
	return &Loop{
		dpt:     -1,
		seq:     map[string]uint64{},
		memo:    map[string]memoKey{},
		results: map[string]Result{},
	}
}

// SetImage takes ownership of f and releases the previous image. Evaluations
// still running against the old image are discarded.
func (l *Loop) SetImage(id string, f *frame.Frame) {
	l.mu.Lock()
	old := l.image
	l.imageID, l.image = id, f
	l.resetLocked()
	l.mu.Unlock()
	old.Release()
}

func (l *Loop) ImageID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.imageID
}

// Image is the current editor image. Callers only read it through View.
func (l *Loop) Image() *frame.Frame {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.image
}

func (l *Loop) SetCalibration(dpt float64, ok bool) {
	if !ok {
		dpt = -1
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if dpt == l.dpt {
		return
	}
	l.dpt = dpt
	l.resetLocked()
}

func (l *Loop) SetClassifier(c Classifier) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if c == l.classifier {
		return
	}
	l.classifier = c
	l.resetLocked()
}

// resetLocked forgets every cached result and invalidates in-flight ones.
func (l *Loop) resetLocked() {
	for id := range l.seq {
		l.seq[id]++
	}
	l.memo = map[string]memoKey{}
	l.results = map[string]Result{}
}

// Update evaluates the markers that changed since their last evaluation and
// prunes results of markers that are gone. It returns how many evaluations
// were started; Wait blocks until they finish.
func (l *Loop) Update(ctx context.Context, markers []iface.Marker) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	present := make(map[string]struct{}, len(markers))
	for _, m := range markers {
		present[m.ID] = struct{}{}
	}
	for id := range l.results {
		if _, ok := present[id]; !ok {
			delete(l.results, id)
		}
	}
	for id := range l.memo {
		if _, ok := present[id]; !ok {
			delete(l.memo, id)
			l.seq[id]++
		}
	}

	if l.classifier == nil || l.image == nil || l.dpt <= 0 {
		return 0
	}
	started := 0
	for _, m := range markers {
		key := memoKey{x: m.X, y: m.Y, typ: m.Type}
		if prev, ok := l.memo[m.ID]; ok && prev == key {
			continue
		}
		l.memo[m.ID] = key
		l.seq[m.ID]++
		started++
		l.wg.Add(1)
		go l.evaluate(ctx, l.classifier, l.image, l.dpt, m, l.seq[m.ID])
	}
	return started
}

func (l *Loop) evaluate(ctx context.Context, c Classifier, img *frame.Frame, dpt float64, m iface.Marker, seq uint64) {
	defer l.wg.Done()
	label, err := c.Classify(ctx, img, m.Position(), dpt)
	if err != nil {
		if errors.Is(err, frame.ErrReleased) || errors.Is(err, frame.ErrConsumed) {
			monitor.FramesLost.Inc()
			logger.Log().Debug("validation skipped, image gone", zap.String("marker", m.ID))
			l.forget(m.ID, seq)
			return
		}
		logger.Log().Warn("validation failed", zap.String("marker", m.ID), zap.Error(err))
		if l.apply(m.ID, seq, Result{Error: err.Error()}) {
			l.forget(m.ID, seq)
		}
		return
	}
	expected := ExpectedLabel(c.Config(), m.Type)
	l.apply(m.ID, seq, Result{Label: label, Expected: expected, Mismatch: label != expected})
}

// apply stores r only when seq is still the latest issued for id.
func (l *Loop) apply(id string, seq uint64, r Result) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.seq[id] != seq {
		monitor.StaleResults.Inc()
		return false
	}
	l.results[id] = r
	return true
}

// forget drops the memo entry so the next Update retries the marker.
func (l *Loop) forget(id string, seq uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.seq[id] == seq {
		delete(l.memo, id)
	}
}

func (l *Loop) Wait() {
	l.wg.Wait()
}

func (l *Loop) Results() map[string]Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]Result, len(l.results))
	for k, v := range l.results {
		out[k] = v
	}
	return out
}

// Close releases the current image.
func (l *Loop) Close() {
	l.wg.Wait()
	l.mu.Lock()
	img := l.image
	l.image = nil
	l.mu.Unlock()
	img.Release()
}

// ExpectedLabel maps a marker type onto the classifier label set. Models
// trained without couplers see them as trains; unknown types are "other".
func ExpectedLabel(cfg iface.ClassifierConfig, markerType string) string {
	if markerType == labelTrainCoupler && cfg.HasLabel(labelTrain) && !cfg.HasLabel(labelTrainCoupler) {
		return labelTrain
	}
	if cfg.HasLabel(markerType) {
		return markerType
	}
	return iface.LabelOther
}
