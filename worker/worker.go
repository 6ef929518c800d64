package worker

import (
	"TrackDetServer/engine"
	"TrackDetServer/frame"
	iface "TrackDetServer/interface"
	"TrackDetServer/logger"
	"TrackDetServer/monitor"
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const mailboxSize = 8

var ErrClosed = errors.New("worker closed")

// EngineFactory builds a fresh, unloaded engine for one (model, precision) pair.
type EngineFactory func(model string, precision iface.Precision) *engine.Engine

type Worker struct {
	ID string

	newEngine EngineFactory
	inbox     chan Message
	out       chan Message
	ctx       context.Context
	cancel    context.CancelFunc
	stopped   chan struct{}
	closeOnce sync.Once

	callMu sync.Mutex
	// replies of Calls that gave up waiting, still to be read from out
	owed int

	// written by the worker goroutine only, read by Info
	eng atomic.Pointer[engine.Engine]
}

// New starts a worker goroutine. Close stops it and frees its engine.
func New(ctx context.Context, newEngine EngineFactory) *Worker {
	ctx, cancel := context.WithCancel(ctx)
	w := &Worker{
		ID:        uuid.NewString(),
		newEngine: newEngine,
		inbox:     make(chan Message, mailboxSize),
		out:       make(chan Message, mailboxSize),
		ctx:       ctx,
		cancel:    cancel,
		stopped:   make(chan struct{}),
	}
	go w.run()
	return w
}

// Post hands msg to the worker without waiting for the reply. On failure the
// message is discarded, frames included.
func (w *Worker) Post(ctx context.Context, msg Message) error {
	select {
	case <-w.ctx.Done():
		Discard(msg)
		return ErrClosed
	default:
	}
	select {
	case w.inbox <- msg:
		return nil
	case <-w.ctx.Done():
		Discard(msg)
		return ErrClosed
	case <-ctx.Done():
		Discard(msg)
		return ctx.Err()
	}
}

// Out delivers one reply per posted request, in posting order.
func (w *Worker) Out() <-chan Message {
	return w.out
}

// Call posts msg and waits for its reply. Only for callers that are the sole
// reader of Out. A Call that gives up leaves its reply owed; the next Call
// reads and drops it before posting, so replies never pair with the wrong request.
func (w *Worker) Call(ctx context.Context, msg Message) (Message, error) {
	w.callMu.Lock()
	defer w.callMu.Unlock()
	for w.owed > 0 {
		select {
		case late := <-w.out:
			w.owed--
			logger.Log().Debug("dropped late reply", zap.String("worker", w.ID), zap.String("reply", string(late.Kind())))
		case <-ctx.Done():
			Discard(msg)
			return nil, ctx.Err()
		case <-w.stopped:
			Discard(msg)
			return nil, ErrClosed
		}
	}
	if err := w.Post(ctx, msg); err != nil {
		return nil, err
	}
	select {
	case reply := <-w.out:
		return reply, nil
	case <-ctx.Done():
		w.owed++
		return nil, ctx.Err()
	case <-w.stopped:
		return nil, ErrClosed
	}
}

// Info describes the loaded engine, zero until the first init.
func (w *Worker) Info() (engine.Info, bool) {
	eng := w.eng.Load()
	if eng == nil {
		return engine.Info{}, false
	}
	return eng.Info(), true
}

func (w *Worker) Close() {
	w.closeOnce.Do(func() {
		w.cancel()
		<-w.stopped
		if eng := w.eng.Swap(nil); eng != nil {
			eng.Close()
		}
	})
}

func (w *Worker) run() {
	defer close(w.stopped)
	for {
		select {
		case <-w.ctx.Done():
			w.drain()
			return
		case msg := <-w.inbox:
			reply := w.handle(msg)
			select {
			case w.out <- reply:
			case <-w.ctx.Done():
			}
		}
	}
}

func (w *Worker) drain() {
	for {
		select {
		case msg := <-w.inbox:
			Discard(msg)
		default:
			return
		}
	}
}

func (w *Worker) handle(msg Message) (reply Message) {
	defer func() {
		if r := recover(); r != nil {
			logger.Log().Error("worker panic recovered", zap.String("worker", w.ID), zap.Any("panic", r))
			reply = ErrorMsg{Error: fmt.Sprintf("worker panic: %v", r)}
		}
		if e, ok := reply.(ErrorMsg); ok {
			monitor.WorkerErrors.Inc()
			logger.Log().Warn("worker request failed", zap.String("worker", w.ID),
				zap.String("request", string(msg.Kind())), zap.String("error", e.Error))
		}
	}()

	switch m := msg.(type) {
	case Init:
		return w.init(m)
	case ClassifyBatch:
		return w.classify(m)
	case InitOK, Results, ErrorMsg:
		return ErrorMsg{Error: fmt.Sprintf("unexpected %s message", m.Kind())}
	default:
		return ErrorMsg{Error: fmt.Sprintf("unknown message %T", msg)}
	}
}

func (w *Worker) init(m Init) Message {
	precision, err := iface.ParsePrecision(string(m.Precision))
	if err != nil {
		return ErrorMsg{Error: err.Error()}
	}
	if err := engine.CheckModelName(m.Model); err != nil {
		return ErrorMsg{Error: err.Error()}
	}
	eng := w.eng.Load()
	if eng == nil || !eng.Matches(m.Model, precision) || eng.State() == engine.ERROR {
		if eng != nil {
			eng.Close()
		}
		eng = w.newEngine(m.Model, precision)
		w.eng.Store(eng)
	}
	if err := eng.Initialize(w.ctx); err != nil {
		return ErrorMsg{Error: err.Error()}
	}
	return InitOK{Model: m.Model, Precision: precision, ExecutionProvider: eng.ExecutionProvider()}
}

func (w *Worker) classify(m ClassifyBatch) Message {
	defer m.Frame.Release()
	if m.Frame == nil {
		return ErrorMsg{Error: "classify-batch without frame"}
	}
	eng := w.eng.Load()
	if eng == nil {
		return ErrorMsg{Error: engine.ErrNotReady.Error()}
	}
	if m.DPT <= 0 || math.IsNaN(m.DPT) {
		return ErrorMsg{Error: engine.ErrNotCalibrated.Error()}
	}

	start := time.Now()
	ids := make([]string, 0, len(m.Markers))
	for id := range m.Markers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	pending := make([]<-chan engine.ClassifyResult, len(ids))
	for i, id := range ids {
		pending[i] = eng.Submit(m.Frame, m.Markers[id], m.DPT)
	}

	results := make(map[string]string, len(ids))
	var failed error
	for i, ch := range pending {
		res := <-ch
		switch {
		case res.Err == nil:
			results[ids[i]] = res.Label
		case errors.Is(res.Err, frame.ErrReleased), errors.Is(res.Err, frame.ErrConsumed):
			monitor.FramesLost.Inc()
			logger.Log().Debug("marker skipped, frame gone", zap.String("marker", ids[i]))
		case failed == nil:
			failed = fmt.Errorf("marker %s: %w", ids[i], res.Err)
		}
	}
	if failed != nil {
		return ErrorMsg{Error: failed.Error()}
	}

	elapsed := float64(time.Since(start).Microseconds()) / 1000
	monitor.InferenceLatency.Observe(elapsed)
	return Results{
		Results:           results,
		InferenceTimeMs:   elapsed,
		ExecutionProvider: eng.ExecutionProvider(),
		Timestamp:         m.Timestamp,
	}
}
