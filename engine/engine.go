package engine

import (
	"TrackDetServer/frame"
	iface "TrackDetServer/interface"
	"TrackDetServer/logger"
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Engine owns one classifier (labels, training DPT, crop size) and one
// inference session for a (model, precision) pair. Classify calls from any
// number of goroutines are run one at a time, in submission order.
//
// A failed load is final: the engine stays in ERROR and must be replaced.
type Engine struct {
	Model     string
	Precision iface.Precision

	source     ArtifactSource
	newSession iface.SessionFactory
	prefer     []iface.Provider
	warmup     bool

	mu       sync.Mutex
	state    int
	initDone chan struct{}
	initErr  error
	cfg      iface.ClassifierConfig
	session  iface.Session
	queue    *serialQueue
	loadedAt time.Time
}

type Option func(*Engine)

func WithSessionFactory(f iface.SessionFactory) Option {
	return func(e *Engine) { e.newSession = f }
}

func WithProviders(prefer ...iface.Provider) Option {
	return func(e *Engine) { e.prefer = prefer }
}

func WithWarmup(enabled bool) Option {
	return func(e *Engine) { e.warmup = enabled }
}

func New(model string, precision iface.Precision, source ArtifactSource, opts ...Option) *Engine {
	e := &Engine{
		Model:      model,
		Precision:  precision,
		source:     source,
		newSession: NewOnnxSession,
		warmup:     true,
		state:      UNINITIALIZED,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Initialize loads config then weights. Concurrent callers share one load.
func (e *Engine) Initialize(ctx context.Context) error {
	e.mu.Lock()
	switch e.state {
	case CLOSED:
		e.mu.Unlock()
		return ErrClosed
	case UNINITIALIZED:
		e.state = INITIALIZING
		e.initDone = make(chan struct{})
		go e.load(context.WithoutCancel(ctx))
	}
	done := e.initDone
	e.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initErr
}

func (e *Engine) load(ctx context.Context) {
	start := time.Now()
	cfg, session, err := e.open(ctx)

	e.mu.Lock()
	defer e.mu.Unlock()
	defer close(e.initDone)
	if err != nil {
		if e.state != CLOSED {
			e.state = ERROR
		}
		e.initErr = fmt.Errorf("%w: %s/%s: %w", ErrInitFailed, e.Model, e.Precision, err)
		logger.Log().Error("classifier load failed", zap.String("model", e.Model),
			zap.String("precision", string(e.Precision)), zap.Error(err))
		return
	}
	if e.state == CLOSED {
		session.Destroy()
		e.initErr = ErrClosed
		return
	}
	e.cfg = cfg
	e.session = session
	e.queue = newSerialQueue(e.markBusy, e.markIdle)
	e.state = IDLE
	e.loadedAt = time.Now()
	logger.Log().Info("classifier ready",
		zap.String("model", e.Model),
		zap.String("precision", string(e.Precision)),
		zap.String("provider", string(session.Provider())),
		zap.Strings("labels", cfg.Labels),
		zap.Float64("dpt", cfg.DPT),
		zap.Int("cropSize", cfg.CropSize),
		zap.Duration("took", time.Since(start)))
}

func (e *Engine) open(ctx context.Context) (iface.ClassifierConfig, iface.Session, error) {
	cfg, err := e.source.Config(ctx)
	if err != nil {
		return cfg, nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, nil, err
	}
	model, err := e.source.Model(ctx, e.Precision)
	if err != nil {
		return cfg, nil, fmt.Errorf("weights: %w", err)
	}
	session, err := e.newSession(model, e.Precision, e.prefer)
	if err != nil {
		return cfg, nil, fmt.Errorf("session: %w", err)
	}
	if e.warmup {
		if _, err := session.Run(zeroTensor(cfg.CropSize, e.Precision)); err != nil {
			session.Destroy()
			return cfg, nil, fmt.Errorf("warm up: %w", err)
		}
	}
	return cfg, session, nil
}

func (e *Engine) markBusy() {
	e.mu.Lock()
	if e.state == IDLE {
		e.state = BUSY
	}
	e.mu.Unlock()
}

func (e *Engine) markIdle() {
	e.mu.Lock()
	if e.state == BUSY {
		e.state = IDLE
	}
	e.mu.Unlock()
}

func (e *Engine) ready() (*serialQueue, iface.ClassifierConfig, iface.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case IDLE, BUSY:
		return e.queue, e.cfg, e.session, nil
	case ERROR:
		return nil, e.cfg, nil, e.initErr
	case CLOSED:
		return nil, e.cfg, nil, ErrClosed
	default:
		return nil, e.cfg, nil, ErrNotReady
	}
}

// Submit queues one classification and returns immediately. The frame must
// stay owned by the caller until the result arrives.
func (e *Engine) Submit(f *frame.Frame, center iface.Position, sourceDPT float64) <-chan ClassifyResult {
	queue, cfg, session, err := e.ready()
	if err != nil {
		ch := make(chan ClassifyResult, 1)
		ch <- ClassifyResult{Err: err}
		return ch
	}
	return queue.enqueue(func() (string, error) {
		patch, err := ExtractPatch(f, center, cfg.DPT, sourceDPT, cfg.CropSize)
		if err != nil {
			return "", err
		}
		scores, err := session.Run(Preprocess(patch, e.Precision))
		if err != nil {
			return "", err
		}
		idx := argmax(scores)
		if idx < 0 || idx >= len(cfg.Labels) {
			return "", fmt.Errorf("%w: %d of %d", ErrUnknownLabel, idx, len(cfg.Labels))
		}
		return cfg.Labels[idx], nil
	})
}

// Classify initializes on first use, then waits for its turn in the queue.
func (e *Engine) Classify(ctx context.Context, f *frame.Frame, center iface.Position, sourceDPT float64) (string, error) {
	if err := e.Initialize(ctx); err != nil {
		return "", err
	}
	select {
	case res := <-e.Submit(f, center, sourceDPT):
		return res.Label, res.Err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Patch returns the classifier input crop for inspection.
func (e *Engine) Patch(ctx context.Context, f *frame.Frame, center iface.Position, sourceDPT float64) (*image.RGBA, error) {
	if err := e.Initialize(ctx); err != nil {
		return nil, err
	}
	cfg := e.Config()
	return ExtractPatch(f, center, cfg.DPT, sourceDPT, cfg.CropSize)
}

func (e *Engine) Config() iface.ClassifierConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

func (e *Engine) State() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// ExecutionProvider names the backend that served the last load.
func (e *Engine) ExecutionProvider() iface.Provider {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return iface.ProviderUnknown
	}
	return e.session.Provider()
}

func (e *Engine) Matches(model string, precision iface.Precision) bool {
	return e.Model == model && e.Precision == precision
}

type Info struct {
	Model     string                 `json:"model"`
	Precision iface.Precision        `json:"precision"`
	State     string                 `json:"state"`
	Provider  iface.Provider         `json:"executionProvider"`
	Config    iface.ClassifierConfig `json:"config"`
	Error     string                 `json:"error,omitempty"`
	LoadedAt  time.Time              `json:"loadedAt"`
}

func (e *Engine) Info() Info {
	e.mu.Lock()
	defer e.mu.Unlock()
	info := Info{
		Model:     e.Model,
		Precision: e.Precision,
		State:     StateName(e.state),
		Config:    e.cfg,
		LoadedAt:  e.loadedAt,
	}
	if e.session != nil {
		info.Provider = e.session.Provider()
	}
	if e.initErr != nil {
		info.Error = e.initErr.Error()
	}
	return info
}

// Close rejects queued work, waits for the running job and frees the session.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.state == CLOSED {
		e.mu.Unlock()
		return
	}
	e.state = CLOSED
	queue, session := e.queue, e.session
	e.queue, e.session = nil, nil
	e.mu.Unlock()

	if queue != nil {
		queue.close()
	}
	if session != nil {
		session.Destroy()
	}
}
