package engine

import (
	"TrackDetServer/logger"
	"fmt"
	"runtime"
	"sync"

	"go.uber.org/zap"
)

type ClassifyResult struct {
	Label string
	Err   error
}

type job struct {
	run    func() (string, error)
	result chan ClassifyResult
}

// serialQueue runs jobs one at a time in submission order on a single
// goroutine. enqueue never blocks.
type serialQueue struct {
	mu      sync.Mutex
	jobs    []job
	closed  bool
	wake    chan struct{}
	done    chan struct{}
	stopped chan struct{}
	onStart func()
	onEnd   func()
}

func newSerialQueue(onStart, onEnd func()) *serialQueue {
	q := &serialQueue{
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		onStart: onStart,
		onEnd:   onEnd,
	}
	go q.loop()
	return q
}

func (q *serialQueue) enqueue(run func() (string, error)) <-chan ClassifyResult {
	j := job{run: run, result: make(chan ClassifyResult, 1)}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		j.result <- ClassifyResult{Err: ErrClosed}
		return j.result
	}
	q.jobs = append(q.jobs, j)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return j.result
}

func (q *serialQueue) pop() (job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return job{}, false
	}
	j := q.jobs[0]
	q.jobs[0] = job{}
	q.jobs = q.jobs[1:]
	return j, true
}

func (q *serialQueue) loop() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(q.stopped)
	for {
		select {
		case <-q.done:
			q.drain()
			return
		default:
		}
		j, ok := q.pop()
		if !ok {
			select {
			case <-q.wake:
			case <-q.done:
			}
			continue
		}
		j.result <- q.safeRun(j)
	}
}

func (q *serialQueue) safeRun(j job) (res ClassifyResult) {
	if q.onStart != nil {
		q.onStart()
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Log().Error("classify job panic", zap.Any("panic", r))
			res = ClassifyResult{Err: fmt.Errorf("classify panic: %v", r)}
		}
		if q.onEnd != nil {
			q.onEnd()
		}
	}()
	label, err := j.run()
	return ClassifyResult{Label: label, Err: err}
}

func (q *serialQueue) drain() {
	for {
		j, ok := q.pop()
		if !ok {
			return
		}
		j.result <- ClassifyResult{Err: ErrClosed}
	}
}

// close rejects pending jobs and waits for the running one to finish.
func (q *serialQueue) close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
	q.mu.Unlock()
	<-q.stopped
}
