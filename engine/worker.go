package engine

import (
	iface "ArucoPoseServer/interface"
	"ArucoPoseServer/logger"
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"go.uber.org/zap"
)

var ErrRunnerClosed = errors.New("frame runner closed")

type JobPackage struct {
	frame  iface.Frame
	ctx    context.Context
	Result chan jobResult
}

type jobResult struct {
	Estimate iface.PoseEstimate
	Err      error
}

// Runner feeds frames from every transport through a single worker, so the
// pipeline never has two frames in flight.
type Runner struct {
	pipeline *Pipeline
	queue    chan JobPackage
	done     chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

func NewRunner(p *Pipeline, depth int) *Runner {
	if depth < 1 {
		depth = 1
	}
	return &Runner{
		pipeline: p,
		queue:    make(chan JobPackage, depth),
		done:     make(chan struct{}),
	}
}

func (r *Runner) Start() {
	r.wg.Add(1)
	go r.runWorker()
}

func (r *Runner) runWorker() {
	defer r.wg.Done()
	// gocv keeps per-thread state
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	logger.Log().Info("Frame worker created")
	for {
		select {
		case <-r.done:
			return
		case job := <-r.queue:
			job.Result <- r.safeProcess(job)
		}
	}
}

func (r *Runner) safeProcess(job JobPackage) (res jobResult) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Log().Error(fmt.Sprintf("Frame worker panic: %v. Frame dropped", rec))
			res = jobResult{Err: fmt.Errorf("frame worker panic: %v", rec)}
		}
	}()
	est, err := r.pipeline.Process(job.ctx, job.frame)
	return jobResult{Estimate: est, Err: err}
}

// Submit queues frame and waits for its estimate. ctx only bounds the wait
// for a queue slot; once picked up the frame runs to completion.
func (r *Runner) Submit(ctx context.Context, frame iface.Frame) (iface.PoseEstimate, error) {
	job := JobPackage{frame: frame, ctx: context.WithoutCancel(ctx), Result: make(chan jobResult, 1)}
	select {
	case <-r.done:
		return iface.PoseEstimate{}, ErrRunnerClosed
	case <-ctx.Done():
		return iface.PoseEstimate{}, ctx.Err()
	case r.queue <- job:
	}
	select {
	case res := <-job.Result:
		return res.Estimate, res.Err
	case <-r.done:
		return iface.PoseEstimate{}, ErrRunnerClosed
	}
}

// Close stops the worker after the frame in flight, if any.
func (r *Runner) Close() {
	r.once.Do(func() {
		close(r.done)
	})
	r.wg.Wait()
	logger.Log().Info("Frame worker stopped", zap.Int("pending", len(r.queue)))
}
