// Package serialqueue 提供单工作协程的串行任务队列
//
// 队列保证：
//   - 任务严格按入队顺序执行，任意两个任务不并发
//   - Async 入队永不阻塞（无界缓冲）
//   - Sync 等待任务完成，上下文取消时提前返回但任务仍会执行
//   - Close 停止接收新任务，排空剩余任务后返回
//
// 队列是映射生命周期的串行化域：状态变更、回调投递和句柄释放
// 都以任务形式提交到同一个队列，从而互不交错。
package serialqueue

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed 队列已关闭
var ErrClosed = errors.New("serialqueue: queue closed")

// Queue 串行任务队列
//
// 零值不可用，必须通过 New 创建。
type Queue struct {
	name string

	mu     sync.Mutex
	cond   *sync.Cond
	tasks  []func()
	closed bool

	done chan struct{}
}

// New 创建并启动一个串行队列
//
// name 仅用于诊断标识。
func New(name string) *Queue {
	q := &Queue{
		name: name,
		done: make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.loop()
	return q
}

// Name 返回队列的诊断名称
func (q *Queue) Name() string {
	return q.name
}

// Async 异步提交任务
//
// 入队后立即返回；队列已关闭时任务被静默丢弃。
func (q *Queue) Async(f func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.tasks = append(q.tasks, f)
	q.cond.Signal()
}

// Sync 同步提交任务并等待其执行完成
//
// 上下文取消时提前返回 ctx.Err()，但任务仍会在队列上执行。
// 队列已关闭时返回 ErrClosed。
//
// 不得在队列自身的任务中调用 Sync：任务等待自己所在的
// 工作协程会永久死锁。
func (q *Queue) Sync(ctx context.Context, f func()) error {
	fin := make(chan struct{})
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.tasks = append(q.tasks, func() {
		defer close(fin)
		f()
	})
	q.cond.Signal()
	q.mu.Unlock()

	select {
	case <-fin:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len 返回当前积压的任务数
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Close 关闭队列
//
// 停止接收新任务，排空已入队的任务后返回。幂等，
// 并发调用都会等到排空完成。
func (q *Queue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		q.cond.Signal()
	}
	q.mu.Unlock()
	<-q.done
}

// loop 工作协程：顺序取出并执行任务，关闭后排空剩余任务
func (q *Queue) loop() {
	for {
		q.mu.Lock()
		for len(q.tasks) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.tasks) == 0 {
			// closed 且已排空
			q.mu.Unlock()
			close(q.done)
			return
		}
		f := q.tasks[0]
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		f()
	}
}
