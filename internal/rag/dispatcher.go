package rag

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"kbindex/internal/logger"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

// ErrDispatcherClosed 调度器已关闭
var ErrDispatcherClosed = errors.New("rag: dispatcher closed")

// Job 一个针对知识库的任务
type Job func(ctx context.Context) error

type dispatchJob struct {
	ctx  context.Context
	fn   Job
	done chan error
}

type kbQueue struct {
	jobs    []dispatchJob
	running bool
}

// Dispatcher 按知识库分组调度任务：不同知识库并发执行，同一知识库按提交顺序串行
// poolSize 为 0 时在调用方 goroutine 内同步执行
type Dispatcher struct {
	pool   *ants.Pool
	logger *zap.Logger

	mu     sync.Mutex
	queues map[string]*kbQueue
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher 创建调度器
func NewDispatcher(poolSize int, log *zap.Logger) (*Dispatcher, error) {
	if log == nil {
		log = zap.NewNop()
	}
	d := &Dispatcher{logger: log, queues: make(map[string]*kbQueue)}
	if poolSize <= 0 {
		return d, nil
	}
	pool, err := ants.NewPool(poolSize)
	if err != nil {
		return nil, fmt.Errorf("创建任务池失败: %w", err)
	}
	d.pool = pool
	return d, nil
}

// Submit 提交任务，返回的 channel 恰好收到一次执行结果
func (d *Dispatcher) Submit(ctx context.Context, kbID string, fn Job) <-chan error {
	done := make(chan error, 1)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		done <- ErrDispatcherClosed
		return done
	}
	d.wg.Add(1)

	if d.pool == nil {
		d.mu.Unlock()
		defer d.wg.Done()
		done <- d.execute(dispatchJob{ctx: ctx, fn: fn, done: done})
		return done
	}

	q, ok := d.queues[kbID]
	if !ok {
		q = &kbQueue{}
		d.queues[kbID] = q
	}
	q.jobs = append(q.jobs, dispatchJob{ctx: ctx, fn: fn, done: done})
	start := !q.running
	q.running = true
	d.mu.Unlock()

	if start {
		if err := d.pool.Submit(func() { d.drain(kbID) }); err != nil {
			d.failQueue(kbID, fmt.Errorf("提交任务失败: %w", err))
		}
	}
	return done
}

// Run 提交任务并等待结果
func (d *Dispatcher) Run(ctx context.Context, kbID string, fn Job) error {
	select {
	case err := <-d.Submit(ctx, kbID, fn):
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drain 依次执行某个知识库队列中的任务，队列为空时退出
func (d *Dispatcher) drain(kbID string) {
	for {
		d.mu.Lock()
		q := d.queues[kbID]
		if q == nil || len(q.jobs) == 0 {
			delete(d.queues, kbID)
			d.mu.Unlock()
			return
		}
		job := q.jobs[0]
		q.jobs = q.jobs[1:]
		d.mu.Unlock()

		job.done <- d.execute(job)
		d.wg.Done()
	}
}

func (d *Dispatcher) execute(job dispatchJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.FromContext(job.ctx, d.logger).Error("知识库任务 panic", zap.Any("panic", r))
			err = fmt.Errorf("任务 panic: %v", r)
		}
	}()
	if err := job.ctx.Err(); err != nil {
		return err
	}
	return job.fn(job.ctx)
}

func (d *Dispatcher) failQueue(kbID string, err error) {
	d.mu.Lock()
	q := d.queues[kbID]
	delete(d.queues, kbID)
	d.mu.Unlock()
	if q == nil {
		return
	}
	for _, job := range q.jobs {
		job.done <- err
		d.wg.Done()
	}
}

// Close 拒绝新任务，等待已提交的任务执行完毕后释放任务池
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	d.wg.Wait()
	if d.pool != nil {
		d.pool.Release()
	}
}
