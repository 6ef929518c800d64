// Package capture drives live classification: one frame per tick, at most
// one batch in flight, throttled state for the UI.
package capture

import (
	"TrackDetServer/frame"
	iface "TrackDetServer/interface"
	"TrackDetServer/logger"
	"TrackDetServer/monitor"
	"TrackDetServer/worker"
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	Idle           = "idle"
	Capturing      = "capturing"
	AwaitingResult = "awaiting-result"
)

const (
	DefaultInterval   = time.Second / 60
	DefaultUIInterval = 250 * time.Millisecond
)

// Source grabs the current camera frame. The caller owns the returned frame.
type Source interface {
	Grab(ctx context.Context) (*frame.Frame, error)
}

// Dispatcher is the worker side of the loop. *worker.Worker implements it.
type Dispatcher interface {
	Post(ctx context.Context, msg worker.Message) error
	Out() <-chan worker.Message
}

type Options struct {
	Model      string
	Precision  iface.Precision
	Interval   time.Duration
	UIInterval time.Duration
	Publisher  iface.Publisher
}

// Snapshot is the throttled state shown to the UI.
type Snapshot struct {
	State             string            `json:"state"`
	Ready             bool              `json:"ready"`
	FPS               float64           `json:"fps"`
	LatencyMs         float64           `json:"latencyMs"`
	InferenceTimeMs   float64           `json:"inferenceTimeMs"`
	ExecutionProvider iface.Provider    `json:"executionProvider"`
	Results           map[string]string `json:"results"`
	Error             string            `json:"error,omitempty"`
	Timestamp         int64             `json:"timestamp"`
	Dropped           uint64            `json:"dropped"`
}

type inflight struct {
	sentAt time.Time
	seqs   map[string]uint64
}

type Loop struct {
	opts       Options
	source     Source
	dispatcher Dispatcher

	mu      sync.Mutex
	markers map[string]iface.Marker
	seq     map[string]uint64
	lastSeq uint64
	dpt     float64
	snap    Snapshot
	subs    map[chan Snapshot]struct{}

	// owned by the Run goroutine
	busy     bool
	pending  *inflight
	lastEmit time.Time
	dirty    bool
	publish  chan iface.BatchResult
}

func NewLoop(source Source, dispatcher Dispatcher, opts Options) *Loop {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.UIInterval <= 0 {
		opts.UIInterval = DefaultUIInterval
	}
	return &Loop{
		opts:       opts,
		source:     source,
		dispatcher: dispatcher,
		markers:    map[string]iface.Marker{},
		seq:        map[string]uint64{},
		dpt:        -1,
		snap:       Snapshot{State: Idle, Results: map[string]string{}},
		subs:       map[chan Snapshot]struct{}{},
		publish:    make(chan iface.BatchResult, 1),
	}
}

// SetMarkers replaces the marker set. Markers that moved or changed type get
// a new sequence number and removed ones lose theirs, so results already in
// flight for them are discarded. Numbers come from one loop-wide counter and
// are never reused, which keeps a re-added id from matching an old batch.
func (l *Loop) SetMarkers(markers []iface.Marker) {
	l.mu.Lock()
	defer l.mu.Unlock()
	next := make(map[string]iface.Marker, len(markers))
	for _, m := range markers {
		next[m.ID] = m
		if old, ok := l.markers[m.ID]; ok && old.X == m.X && old.Y == m.Y && old.Type == m.Type {
			continue
		}
		l.lastSeq++
		l.seq[m.ID] = l.lastSeq
	}
	for id := range l.markers {
		if _, ok := next[id]; !ok {
			delete(l.seq, id)
			delete(l.snap.Results, id)
		}
	}
	l.markers = next
}

// SetDPT sets the calibration of the live camera. ok=false stops dispatching.
func (l *Loop) SetDPT(dpt float64, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !ok {
		dpt = -1
	}
	l.dpt = dpt
}

func (l *Loop) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.copySnapshot()
}

func (l *Loop) copySnapshot() Snapshot {
	s := l.snap
	s.Results = make(map[string]string, len(l.snap.Results))
	for k, v := range l.snap.Results {
		s.Results[k] = v
	}
	return s
}

// Subscribe delivers throttled snapshots. A slow subscriber only ever sees
// the latest one.
func (l *Loop) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	l.mu.Lock()
	l.subs[ch] = struct{}{}
	l.mu.Unlock()
	return ch, func() {
		l.mu.Lock()
		delete(l.subs, ch)
		l.mu.Unlock()
	}
}

// Run loads the classifier, then captures on every tick until ctx ends.
// There is no round-trip timeout: a worker that never answers keeps the
// loop in AwaitingResult and every later tick is dropped.
func (l *Loop) Run(ctx context.Context) error {
	go l.publishLoop(ctx)

	l.busy = true
	l.setState(Capturing)
	if err := l.dispatcher.Post(ctx, worker.Init{Model: l.opts.Model, Precision: l.opts.Precision}); err != nil {
		return err
	}
	l.pending = &inflight{sentAt: time.Now()}
	l.setState(AwaitingResult)

	ticker := time.NewTicker(l.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			l.tick(ctx, now)
			l.maybeEmit(now)
		case msg := <-l.dispatcher.Out():
			now := time.Now()
			l.onReply(msg, now)
			l.maybeEmit(now)
		}
	}
}

func (l *Loop) tick(ctx context.Context, now time.Time) {
	if l.busy {
		monitor.TicksDropped.Inc()
		l.mu.Lock()
		l.snap.Dropped++
		l.mu.Unlock()
		return
	}

	l.mu.Lock()
	dpt := l.dpt
	positions := make(map[string]iface.Position, len(l.markers))
	seqs := make(map[string]uint64, len(l.markers))
	for id, m := range l.markers {
		positions[id] = m.Position()
		seqs[id] = l.seq[id]
	}
	ready := l.snap.Ready
	l.mu.Unlock()
	if !ready || dpt <= 0 || len(positions) == 0 {
		return
	}

	l.setState(Capturing)
	f, err := l.source.Grab(ctx)
	if err != nil {
		logger.Log().Debug("frame grab failed", zap.Error(err))
		l.setState(Idle)
		return
	}
	batch, err := worker.NewClassifyBatch(f, positions, dpt, now.UnixMilli())
	if err != nil {
		f.Release()
		logger.Log().Debug("frame handoff failed", zap.Error(err))
		l.setState(Idle)
		return
	}
	if err := l.dispatcher.Post(ctx, batch); err != nil {
		if !errors.Is(err, context.Canceled) {
			logger.Log().Warn("classify-batch not delivered", zap.Error(err))
		}
		l.setState(Idle)
		return
	}
	monitor.BatchesDispatched.Inc()
	l.busy = true
	l.pending = &inflight{sentAt: now, seqs: seqs}
	l.setState(AwaitingResult)
}

func (l *Loop) onReply(msg worker.Message, now time.Time) {
	// any reply frees the loop, errors included
	l.busy = false
	pending := l.pending
	l.pending = nil

	l.mu.Lock()
	defer l.mu.Unlock()
	l.snap.State = Idle
	l.dirty = true

	switch m := msg.(type) {
	case worker.InitOK:
		l.snap.Ready = true
		l.snap.Error = ""
		l.snap.ExecutionProvider = m.ExecutionProvider
		monitor.ClassifierReady.Set(1)
		logger.Log().Info("live classifier ready", zap.String("provider", string(m.ExecutionProvider)))
	case worker.Results:
		if pending == nil || pending.seqs == nil {
			return
		}
		latency := now.Sub(pending.sentAt)
		l.snap.LatencyMs = float64(latency.Microseconds()) / 1000
		if latency > 0 {
			l.snap.FPS = float64(time.Second) / float64(latency)
		}
		l.snap.InferenceTimeMs = m.InferenceTimeMs
		l.snap.ExecutionProvider = m.ExecutionProvider
		l.snap.Timestamp = m.Timestamp
		l.snap.Error = ""

		accepted := make(map[string]string, len(m.Results))
		for id, label := range m.Results {
			if seq, ok := pending.seqs[id]; !ok || seq != l.seq[id] {
				// removed ids have no entry and read as 0, which no batch carries
				monitor.StaleResults.Inc()
				continue
			}
			l.snap.Results[id] = label
			accepted[id] = label
		}
		l.enqueuePublish(iface.BatchResult{
			Timestamp:         m.Timestamp,
			Results:           accepted,
			InferenceTimeMs:   m.InferenceTimeMs,
			ExecutionProvider: m.ExecutionProvider,
		})
	case worker.ErrorMsg:
		l.snap.Error = m.Error
		if pending != nil && pending.seqs == nil {
			// init failed, the classifier is unavailable
			l.snap.Ready = false
			monitor.ClassifierReady.Set(0)
			logger.Log().Error("live classifier unavailable", zap.String("error", m.Error))
		}
	default:
		logger.Log().Warn("unexpected worker reply", zap.String("kind", string(msg.Kind())))
	}
}

func (l *Loop) enqueuePublish(batch iface.BatchResult) {
	if l.opts.Publisher == nil {
		return
	}
	select {
	case l.publish <- batch:
	default:
		logger.Log().Debug("publisher busy, batch dropped", zap.Int64("timestamp", batch.Timestamp))
	}
}

func (l *Loop) publishLoop(ctx context.Context) {
	if l.opts.Publisher == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case batch := <-l.publish:
			if err := l.opts.Publisher.Publish(ctx, batch); err != nil {
				logger.Log().Warn("publish result batch", zap.Error(err))
			}
		}
	}
}

func (l *Loop) setState(state string) {
	l.mu.Lock()
	l.snap.State = state
	l.mu.Unlock()
}

// maybeEmit pushes the snapshot to subscribers at most once per UIInterval.
func (l *Loop) maybeEmit(now time.Time) {
	if !l.dirty || now.Sub(l.lastEmit) < l.opts.UIInterval {
		return
	}
	l.dirty = false
	l.lastEmit = now

	l.mu.Lock()
	defer l.mu.Unlock()
	snap := l.copySnapshot()
	for ch := range l.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}
