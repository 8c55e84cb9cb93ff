package serialqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// TestQueue_OrderPreserved 验证任务严格按入队顺序执行
func TestQueue_OrderPreserved(t *testing.T) {
	q := New("test")
	defer q.Close()

	const n = 200
	var mu sync.Mutex
	got := make([]int, 0, n)

	for i := 0; i < n; i++ {
		i := i
		q.Async(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}

	if err := q.Sync(context.Background(), func() {}); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != n {
		t.Fatalf("executed %d tasks, want %d", len(got), n)
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("task %d executed at position %d", v, i)
		}
	}
	t.Log("✅ 任务顺序与入队顺序一致")
}

// TestQueue_NoConcurrentTasks 验证任意两个任务不并发执行
func TestQueue_NoConcurrentTasks(t *testing.T) {
	q := New("test")
	defer q.Close()

	var running atomic.Int32
	var overlap atomic.Bool
	var wg sync.WaitGroup

	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Async(func() {
				if running.Add(1) > 1 {
					overlap.Store(true)
				}
				time.Sleep(time.Millisecond)
				running.Add(-1)
			})
		}()
	}
	wg.Wait()

	if err := q.Sync(context.Background(), func() {}); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if overlap.Load() {
		t.Fatal("observed two tasks running concurrently")
	}
	t.Log("✅ 串行执行未观察到并发")
}

// TestQueue_SyncWaitsForCompletion 验证 Sync 返回时任务副作用已可见
func TestQueue_SyncWaitsForCompletion(t *testing.T) {
	q := New("test")
	defer q.Close()

	var done bool
	if err := q.Sync(context.Background(), func() {
		time.Sleep(10 * time.Millisecond)
		done = true
	}); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if !done {
		t.Fatal("Sync returned before task completed")
	}
}

// TestQueue_SyncContextCanceled 验证取消时提前返回但任务仍执行
func TestQueue_SyncContextCanceled(t *testing.T) {
	q := New("test")
	defer q.Close()

	gate := make(chan struct{})
	q.Async(func() { <-gate })

	ran := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := q.Sync(ctx, func() { close(ran) })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Sync error = %v, want context.Canceled", err)
	}

	close(gate)
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("task was dropped after context cancellation")
	}
	t.Log("✅ 取消后提前返回，任务仍被执行")
}

// TestQueue_CloseDrains 验证 Close 排空积压任务
func TestQueue_CloseDrains(t *testing.T) {
	q := New("test")

	const n = 50
	var ran atomic.Int32
	for i := 0; i < n; i++ {
		q.Async(func() { ran.Add(1) })
	}
	q.Close()

	if got := ran.Load(); got != n {
		t.Fatalf("Close drained %d tasks, want %d", got, n)
	}
}

// TestQueue_AfterClose 验证关闭后的提交行为
func TestQueue_AfterClose(t *testing.T) {
	q := New("test")
	q.Close()

	var ran bool
	q.Async(func() { ran = true })
	if ran {
		t.Fatal("Async executed a task on a closed queue")
	}

	if err := q.Sync(context.Background(), func() {}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Sync error = %v, want ErrClosed", err)
	}
}

// TestQueue_CloseIdempotent 验证并发重复关闭安全
func TestQueue_CloseIdempotent(t *testing.T) {
	q := New("test")
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Close()
		}()
	}
	wg.Wait()
	t.Log("✅ 并发 Close 未死锁")
}
